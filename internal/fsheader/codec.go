package fsheader

import (
	"context"
	"sync"

	"github.com/objarc/objarc/internal/store"
)

// Codec adapts FsHeader save/load onto store.HeaderStore, so
// internal/store's transaction commit never needs to import this
// package: it depends only on the interface, and Codec is the
// concrete implementation cmd/objarc wires in.
//
// A freshly constructed Codec knows only its devices and passphrase; KDF,
// salt and Configuration are discovered from the header itself on the
// first Load (mounting an existing store), or set explicitly via Init
// (formatting a new one).
type Codec struct {
	Devices    *store.DeviceSet
	passphrase []byte

	mu      sync.Mutex
	kdf     KDF
	salt    [saltLen]byte
	config  Configuration
	dataKey [32]byte
	metaKey [32]byte
}

// NewCodec returns a Codec that will derive its keys from passphrase
// once the store's KDF and salt are known.
func NewCodec(devices *store.DeviceSet, passphrase []byte) *Codec {
	return &Codec{Devices: devices, passphrase: passphrase}
}

// Init seeds a Codec for a brand-new store, where there is no existing
// header to discover KDF/salt from, and derives its keys immediately.
func (c *Codec) Init(kdf KDF, salt [saltLen]byte, config Configuration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kdf, c.salt, c.config = kdf, salt, config
	c.dataKey, c.metaKey = DeriveKeys(kdf, c.passphrase, salt)
}

// Save implements store.HeaderStore.
func (c *Codec) Save(ctx context.Context, snap store.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := FsInfo{
		Generation:      snap.Generation,
		Config:          c.config,
		ListRoot:        snap.ListRoot,
		ListLength:      snap.ListLength,
		BitmapRoot:      snap.BitmapRoot,
		BitmapLength:    snap.BitmapLength,
		AllocatorRoot:   snap.AllocatorRoot,
		ArenaBlockCount: snap.ArenaBlockCount,
	}
	nonce := nonceForGeneration(snap.Generation)
	hdr := Build(c.kdf, c.salt, nonce, c.dataKey, c.metaKey, info)
	return Save(ctx, c.Devices, hdr)
}

// Load implements store.HeaderStore: it finds the newest valid header
// across every device, discovers KDF/salt/Configuration from it, and
// derives the keys subsequent Saves will use.
func (c *Codec) Load(ctx context.Context) (store.Snapshot, error) {
	hdr, info, err := Load(ctx, c.Devices, c.passphrase)
	if err != nil {
		return store.Snapshot{}, err
	}
	c.mu.Lock()
	c.kdf, c.salt, c.config = hdr.KDF, hdr.Salt, info.Config
	c.dataKey, c.metaKey = DeriveKeys(hdr.KDF, c.passphrase, hdr.Salt)
	c.mu.Unlock()
	return store.Snapshot{
		Generation:      info.Generation,
		ListRoot:        info.ListRoot,
		ListLength:      info.ListLength,
		BitmapRoot:      info.BitmapRoot,
		BitmapLength:    info.BitmapLength,
		AllocatorRoot:   info.AllocatorRoot,
		ArenaBlockCount: info.ArenaBlockCount,
	}, nil
}

// Configuration returns the store's configuration as last discovered or
// set, for callers that need block size / max record size / mirror
// topology without going through a Snapshot.
func (c *Codec) Configuration() Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Keys returns the record payload/header keys derived from the
// passphrase, once Init or Load has run. cmd/objarc uses this to key the
// store.Cipher its Storage encrypts records under, so the two halves of
// the key schedule (header and records) stay in lockstep without
// re-deriving them from the passphrase a second time.
func (c *Codec) Keys() (data, meta [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataKey, c.metaKey
}

// nonceForGeneration derives the header's own nonce deterministically
// from the generation counter: headers are never read concurrently with
// their own write, so a counter-derived nonce is sufficient to guarantee
// it never repeats across commits.
func nonceForGeneration(generation uint64) [24]byte {
	var n [24]byte
	for i := 0; i < 8; i++ {
		n[i] = byte(generation >> (8 * i))
	}
	return n
}
