// Package fsheader implements the durable filesystem header: the small,
// doubly-redundant (head and tail) block on every device that records
// where the object table and allocator log currently live, under a KDF
// derived or passphrase-less key pair, with a primary MAC and a
// secondary Poly1305 verify key as two independent checks against a
// wrong passphrase or corrupt header.
package fsheader

import "github.com/objarc/objarc/internal/store"

// Configuration packs the small set of fields that must agree between
// every mount of a store into a single 32-bit value, the way the record
// header packs its own fields into a fixed 64 bytes.
type Configuration uint32

// NewConfiguration packs blockSize, maxRecordSize, the mirror topology
// and the codec choices into a Configuration.
func NewConfiguration(blockSize store.BlockSize, maxRecordSize store.MaxRecordSize, mirrorCount, mirrorIndex int, compression store.Compression, cipher store.CipherType) Configuration {
	var c uint32
	c |= uint32(blockSize)
	c |= uint32(maxRecordSize) << 8
	c |= uint32(mirrorCount&0xff) << 16
	c |= uint32(mirrorIndex&0xf) << 24
	c |= uint32(compression&0x3) << 28
	c |= uint32(cipher&0x1) << 30
	return Configuration(c)
}

func (c Configuration) BlockSize() store.BlockSize         { return store.BlockSize(c) }
func (c Configuration) MaxRecordSize() store.MaxRecordSize { return store.MaxRecordSize(c >> 8) }
func (c Configuration) MirrorCount() int                   { return int((c >> 16) & 0xff) }
func (c Configuration) MirrorIndex() int                   { return int((c >> 24) & 0xf) }
func (c Configuration) Compression() store.Compression     { return store.Compression((c >> 28) & 0x3) }
func (c Configuration) Cipher() store.CipherType           { return store.CipherType((c >> 30) & 0x1) }
