package fsheader

import (
	"context"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
	"golang.org/x/xerrors"

	"github.com/objarc/objarc/internal/store"
)

// KDF selects how the data and metadata cipher keys are derived from a
// user passphrase.
type KDF uint8

const (
	// KDFNone means the store carries no passphrase; both cipher keys
	// are the zero key, appropriate only alongside CipherNoneXxh3.
	KDFNone KDF = 0
	// KDFArgon2id derives both keys from a passphrase with Argon2id.
	KDFArgon2id KDF = 1
)

const (
	magic        = "OBJARC01"
	saltLen      = 16
	argon2Time   = 3
	argon2Memory = 64 * 1024
	argon2Links  = 4
)

// FsInfo is the part of the header that changes every commit: the
// current generation, the object table roots and the allocator log
// reference. It is marshaled, encrypted and MACed as a unit, then
// embedded in FsHeader.
type FsInfo struct {
	Generation      uint64
	Config          Configuration
	ListRoot        store.RecordRef
	ListLength      uint64
	BitmapRoot      store.RecordRef
	BitmapLength    uint64
	AllocatorRoot   store.RecordRef
	ArenaBlockCount uint64
}

// infoLen is FsInfo's marshaled size: seven uint64-sized fields plus the
// 4-byte Configuration, padded to a multiple of 8.
const infoLen = 7*8 + 8

func (fi *FsInfo) marshal() []byte {
	buf := make([]byte, infoLen)
	putU64(buf[0:], fi.Generation)
	putU64(buf[8:], uint64(fi.Config))
	putU64(buf[16:], uint64(fi.ListRoot))
	putU64(buf[24:], fi.ListLength)
	putU64(buf[32:], uint64(fi.BitmapRoot))
	putU64(buf[40:], fi.BitmapLength)
	putU64(buf[48:], uint64(fi.AllocatorRoot))
	putU64(buf[56:], fi.ArenaBlockCount)
	return buf
}

func unmarshalInfo(buf []byte) FsInfo {
	return FsInfo{
		Generation:      getU64(buf[0:]),
		Config:          Configuration(getU64(buf[8:])),
		ListRoot:        store.RecordRef(getU64(buf[16:])),
		ListLength:      getU64(buf[24:]),
		BitmapRoot:      store.RecordRef(getU64(buf[32:])),
		BitmapLength:    getU64(buf[40:]),
		AllocatorRoot:   store.RecordRef(getU64(buf[48:])),
		ArenaBlockCount: getU64(buf[56:]),
	}
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// FsHeader is the fixed-size, doubly-stored (head block 0, tail last
// block) on-disk structure every device carries. Info is the encrypted
// FsInfo payload; MAC authenticates it; VerifyKey is a second, cheaper
// check (a 16-bit Poly1305 prefix over an all-zero block keyed by the
// data key) that lets a wrong passphrase be rejected before the more
// expensive full unmarshal-and-MAC-check.
type FsHeader struct {
	KDF       KDF
	Salt      [saltLen]byte
	Nonce     [24]byte
	VerifyKey [2]byte
	MAC       [16]byte
	Info      []byte // encrypted, infoLen bytes
}

func headerSize() int { return len(magic) + 1 + saltLen + 24 + 2 + 16 + infoLen }

// DeriveKeys produces the data and metadata keys for a store, either as
// the zero key (KDFNone) or via Argon2id (KDFArgon2id).
func DeriveKeys(kdf KDF, passphrase []byte, salt [saltLen]byte) (data, meta [32]byte) {
	if kdf == KDFNone {
		return
	}
	out := argon2.IDKey(passphrase, salt[:], argon2Time, argon2Memory, argon2Links, 64)
	copy(data[:], out[:32])
	copy(meta[:], out[32:64])
	return
}

// ComputeVerifyKey returns the two-byte prefix of a Poly1305 tag over an
// all-zero 16-byte block, keyed by dataKey. It exists purely as a cheap
// reject-early check against the wrong passphrase; the header MAC is the
// authoritative integrity check.
func ComputeVerifyKey(dataKey [32]byte) [2]byte {
	var tag [16]byte
	var zero [16]byte
	poly1305.Sum(&tag, zero[:], &dataKey)
	return [2]byte{tag[0], tag[1]}
}

// Build encrypts info under dataKey/metaKey and assembles a complete
// FsHeader ready to save. Under KDFNone the info block is left in the
// clear; the MAC (computed with the zero meta key) still catches
// corruption even though it authenticates nothing secret.
func Build(kdf KDF, salt [saltLen]byte, nonce [24]byte, dataKey, metaKey [32]byte, info FsInfo) FsHeader {
	plain := info.marshal()
	enc := append([]byte(nil), plain...)
	if kdf != KDFNone {
		cryptInfo(dataKey, nonce, enc)
	}
	return FsHeader{
		KDF:       kdf,
		Salt:      salt,
		Nonce:     nonce,
		VerifyKey: ComputeVerifyKey(dataKey),
		MAC:       macInfo(metaKey, nonce, enc),
		Info:      enc,
	}
}

// cryptInfo XORs buf with an XChaCha20 keystream under key/nonce. It is
// its own inverse: the same call encrypts on Build and decrypts on Open.
func cryptInfo(key [32]byte, nonce [24]byte, buf []byte) {
	s, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		panic(err)
	}
	s.XORKeyStream(buf, buf)
}

// macInfo computes the header's primary authentication tag: a Poly1305
// tag over (nonce || ciphertext info), keyed by metaKey. This is checked
// independently of VerifyKey so a header that fails one check but not
// the other is diagnosable rather than silently accepted.
func macInfo(metaKey [32]byte, nonce [24]byte, enc []byte) [16]byte {
	msg := append(append([]byte(nil), nonce[:]...), enc...)
	var tag [16]byte
	poly1305.Sum(&tag, msg, &metaKey)
	return tag
}

// Open verifies hdr against a candidate passphrase and returns the
// decoded FsInfo. ErrDecrypt covers both a VerifyKey mismatch and a MAC
// mismatch.
func Open(hdr FsHeader, passphrase []byte) (FsInfo, error) {
	dataKey, metaKey := DeriveKeys(hdr.KDF, passphrase, hdr.Salt)
	if ComputeVerifyKey(dataKey) != hdr.VerifyKey {
		return FsInfo{}, store.ErrDecrypt
	}
	if macInfo(metaKey, hdr.Nonce, hdr.Info) != hdr.MAC {
		return FsInfo{}, store.ErrDecrypt
	}
	plain := append([]byte(nil), hdr.Info...)
	if hdr.KDF != KDFNone {
		cryptInfo(dataKey, hdr.Nonce, plain)
	}
	return unmarshalInfo(plain), nil
}

func (h FsHeader) encode() []byte {
	buf := make([]byte, headerSize())
	off := copy(buf, magic)
	buf[off] = byte(h.KDF)
	off++
	off += copy(buf[off:], h.Salt[:])
	off += copy(buf[off:], h.Nonce[:])
	off += copy(buf[off:], h.VerifyKey[:])
	off += copy(buf[off:], h.MAC[:])
	copy(buf[off:], h.Info)
	return buf
}

func decode(buf []byte) (FsHeader, error) {
	if len(buf) < headerSize() || string(buf[:len(magic)]) != magic {
		return FsHeader{}, store.ErrInvalidMagic
	}
	var h FsHeader
	off := len(magic)
	h.KDF = KDF(buf[off])
	off++
	copy(h.Salt[:], buf[off:])
	off += saltLen
	copy(h.Nonce[:], buf[off:])
	off += 24
	copy(h.VerifyKey[:], buf[off:])
	off += 2
	copy(h.MAC[:], buf[off:])
	off += 16
	h.Info = append([]byte(nil), buf[off:off+infoLen]...)
	return h, nil
}

// Save persists hdr to every device's tail block, fences, writes every
// device's head block, then fences again. A crash between the two
// fences leaves the old head intact next to a new tail; Load prefers
// any tail that validates, so it adopts the new one.
func Save(ctx context.Context, devices *store.DeviceSet, hdr FsHeader) error {
	buf := hdr.encode()
	if err := devices.WriteHeaderTail(ctx, pad(buf, int(devices.BlockSize().Bytes()))); err != nil {
		return err
	}
	if err := devices.Fence(ctx); err != nil {
		return err
	}
	if err := devices.WriteHeaderHead(ctx, pad(buf, int(devices.BlockSize().Bytes()))); err != nil {
		return err
	}
	return devices.Fence(ctx)
}

func pad(buf []byte, blockBytes int) []byte {
	if len(buf) >= blockBytes {
		return buf[:blockBytes]
	}
	out := make([]byte, blockBytes)
	copy(out, buf)
	return out
}

// Load reads every device's tail block and returns the header with the
// highest generation that decodes and validates against passphrase,
// falling back to head blocks only if no tail block validates anywhere.
// Save writes tail, fences, writes head, fences again, so a crash after
// the tail fence but before the head lands leaves a newer, valid tail
// alongside an older head; preferring the tail rolls that commit
// forward instead of rolling it back.
func Load(ctx context.Context, devices *store.DeviceSet, passphrase []byte) (FsHeader, FsInfo, error) {
	if hdr, info, ok := bestHeader(ctx, devices, passphrase, true); ok {
		return hdr, info, nil
	}
	if hdr, info, ok := bestHeader(ctx, devices, passphrase, false); ok {
		return hdr, info, nil
	}
	return FsHeader{}, FsInfo{}, xerrors.New("fsheader: no valid header found on any device")
}

func bestHeader(ctx context.Context, devices *store.DeviceSet, passphrase []byte, tail bool) (FsHeader, FsInfo, bool) {
	var best FsHeader
	var bestInfo FsInfo
	found := false
	for _, d := range devices.Devices() {
		buf := make([]byte, devices.BlockSize().Bytes())
		lba := store.LBA(0)
		if tail {
			lba = store.LBA(d.BlockCount() - 1)
		}
		if err := d.ReadAt(ctx, lba, buf); err != nil {
			continue
		}
		hdr, err := decode(buf)
		if err != nil {
			continue
		}
		info, err := Open(hdr, passphrase)
		if err != nil {
			continue
		}
		if !found || info.Generation > bestInfo.Generation {
			best, bestInfo, found = hdr, info, true
		}
	}
	return best, bestInfo, found
}
