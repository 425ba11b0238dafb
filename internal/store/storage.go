package store

import (
	"context"
	"sync/atomic"

	"golang.org/x/xerrors"
)

// Storage composes the device set, record codec and allocator into
// read/write/destroy operations keyed by RecordRef. AllowRepair, when
// set, causes Read to rewrite a record onto any mirror that failed its
// integrity check once a good copy has been found elsewhere.
type Storage struct {
	Devices       *DeviceSet
	Alloc         *Allocator
	Cipher        Cipher
	MaxRecordSize MaxRecordSize
	Compression   Compression
	AllowRepair   bool

	epoch   uint64 // bumped each transaction; high bits of every nonce
	counter uint64 // monotonic per-process counter; low bits of every nonce
}

// SetEpoch sets the nonce epoch (typically the FsHeader generation
// counter at load, incremented on each commit), guaranteeing record
// nonces never repeat across mounts even though the in-memory counter
// resets to zero each run.
func (s *Storage) SetEpoch(epoch uint64) { s.epoch = epoch }

func (s *Storage) nextNonce() [24]byte {
	c := atomic.AddUint64(&s.counter, 1)
	var n [24]byte
	for i := 0; i < 8; i++ {
		n[i] = byte(s.epoch >> (8 * i))
		n[8+i] = byte(c >> (8 * i))
	}
	return n
}

func (s *Storage) blockSize() BlockSize { return s.Devices.BlockSize() }

// Write compresses, encrypts and persists data as a new record, returning
// its reference. The empty slice is rejected: callers wanting to clear a
// slot should use RecordRefNone directly rather than writing zero bytes.
func (s *Storage) Write(ctx context.Context, data []byte) (RecordRef, error) {
	if len(data) == 0 {
		return RecordRefNone, xerrors.New("store: cannot write empty record")
	}
	if int64(len(data)) > s.MaxRecordSize.Bytes() {
		return RecordRefNone, ErrExceedsRecordSize
	}
	bs := s.blockSize()
	worstBlocks := bs.MinBlocks(int64(HeaderLen) + int64(len(data)))
	scratch := make([]byte, worstBlocks*bs.Bytes())
	nonce := s.nextNonce()
	blocks := Pack(data, scratch, s.Compression, bs, s.Cipher, nonce)
	buf := scratch[:int64(blocks)*bs.Bytes()]

	lba, err := s.Alloc.Alloc(uint64(blocks))
	if err != nil {
		return RecordRefNone, err
	}
	if err := s.Devices.Write(ctx, lba, buf); err != nil {
		return RecordRefNone, err
	}
	return NewRecordRef(lba, blocks), nil
}

// Read fetches and decodes the record referenced by ref. The zero
// reference decodes to nil, nil (an all-zero leaf, no I/O performed).
func (s *Storage) Read(ctx context.Context, ref RecordRef) ([]byte, error) {
	if ref.IsZero() {
		return nil, nil
	}
	bs := s.blockSize()
	buf := make([]byte, int64(ref.Blocks())*bs.Bytes())

	blacklist := map[int]bool{}
	var lastErr error
	for attempt := 0; attempt < s.Devices.MirrorCount(); attempt++ {
		chainIdx, err := s.Devices.Read(ctx, ref.LBA(), buf, blacklist)
		if err != nil {
			return nil, err
		}
		// Unpack decrypts the payload in place; give it a copy so buf
		// still holds the on-disk record if it has to be re-seeded.
		data, err := Unpack(append([]byte(nil), buf...), s.Cipher, s.MaxRecordSize)
		if err == nil {
			if attempt > 0 && s.AllowRepair {
				// A prior mirror failed integrity; re-seed it now that we
				// have a known-good copy.
				_ = s.Devices.Write(ctx, ref.LBA(), buf)
			}
			return data, nil
		}
		if err != ErrHashMismatch {
			return nil, err
		}
		lastErr = err
		blacklist[chainIdx] = true
	}
	return nil, lastErr
}

// Destroy frees the blocks backing ref, if any.
func (s *Storage) Destroy(ref RecordRef) {
	if ref.IsZero() {
		return
	}
	s.Alloc.Free(ref.LBA(), uint64(ref.Blocks()))
}
