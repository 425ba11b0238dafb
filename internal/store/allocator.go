package store

import (
	"context"
	"sync"
)

// Allocator tracks which blocks of the arena are live, free-pending (freed
// during the current transaction, not yet reusable) or dirty-this-tx
// (allocated during the current transaction, safe to recycle). LBAs are
// arena addresses (arena LBA 0 is the block after each device's head
// header); LBA 0 is never returned by Alloc.
//
// Alloc and Free are called both from the foreground commit path and from
// DeleteObject's background zero-sweep goroutine, so the interval sets
// are guarded by mu rather than relying on Store's own lock.
type Allocator struct {
	mu sync.Mutex

	allocated   intervalSet
	freePending intervalSet
	dirtyTx     intervalSet
	blockCount  uint64
}

// NewAllocator returns an allocator over an arena of blockCount blocks
// (DeviceSet.ArenaBlockCount: the header blocks are not included).
func NewAllocator(blockCount uint64) *Allocator {
	return &Allocator{blockCount: blockCount}
}

// Alloc returns the LBA of the first gap of blocks contiguous blocks in
// [1, blockCount), or ErrNotEnoughSpace if none fits.
func (a *Allocator) Alloc(blocks uint64) (LBA, error) {
	if blocks == 0 {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	busy := a.allocated.Clone()
	for _, r := range a.freePending.ranges {
		busy.Insert(r.start, r.end)
	}
	for _, r := range a.dirtyTx.ranges {
		busy.Insert(r.start, r.end)
	}
	for _, g := range busy.Gaps(1, a.blockCount) {
		if g.end-g.start >= blocks {
			a.allocated.Insert(g.start, g.start+blocks)
			a.dirtyTx.Insert(g.start, g.start+blocks)
			return LBA(g.start), nil
		}
	}
	return 0, ErrNotEnoughSpace
}

// Free releases blocks starting at lba. If the range was allocated during
// the current transaction it is immediately recyclable; otherwise it
// becomes free-pending until the next commit, so a block is never
// overwritten while still reachable from the last durable header.
func (a *Allocator) Free(lba LBA, blocks uint64) {
	if blocks == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start, end := uint64(lba), uint64(lba)+blocks
	// Split on dirty-this-tx boundaries: the portion that was allocated
	// this transaction is recyclable now, the rest must wait.
	dirtyNow := a.dirtyTx.Clone()
	cur := start
	for cur < end {
		if dirtyNow.Contains(cur) {
			// find the dirty run covering cur, within [cur, end)
			runEnd := cur + 1
			for runEnd < end && dirtyNow.Contains(runEnd) {
				runEnd++
			}
			a.dirtyTx.Remove(cur, runEnd)
			a.allocated.Remove(cur, runEnd)
			cur = runEnd
		} else {
			runEnd := cur + 1
			for runEnd < end && !dirtyNow.Contains(runEnd) {
				runEnd++
			}
			a.freePending.Insert(cur, runEnd)
			cur = runEnd
		}
	}
}

// IsAllocated reports whether lba is currently marked live.
func (a *Allocator) IsAllocated(lba LBA) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated.Contains(uint64(lba))
}

// commit clears free_pending out of allocated (those blocks are now truly
// free) and resets dirty_this_tx, as the last step of finishing a
// transaction.
func (a *Allocator) commit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.freePending.ranges {
		a.allocated.Remove(r.start, r.end)
	}
	a.freePending = intervalSet{}
	a.dirtyTx = intervalSet{}
}

// logEntry mirrors the on-disk (lba, length) pair. The high bit of length
// marks a deletion entry; Serialize never emits one (the log is always
// rewritten in full) but LoadAllocator understands them, leaving room for
// a future incremental-commit log that only appends deltas.
type logEntry struct {
	lba    uint64
	length uint64
}

const deleteBit = uint64(1) << 63

// Serialize writes the allocator's current allocated-minus-free-pending
// state as a plain record through storage, and returns its reference.
// Serialize itself allocates the blocks it writes into (via storage,
// which delegates back to this Allocator), so it must run after all
// other dirty state has been flushed.
func (a *Allocator) Serialize(ctx context.Context, storage *Storage) (RecordRef, error) {
	a.mu.Lock()
	final := a.allocated.Clone()
	for _, r := range a.freePending.ranges {
		final.Remove(r.start, r.end)
	}
	a.mu.Unlock()
	buf := make([]byte, 16*len(final.ranges))
	for i, r := range final.ranges {
		putLogEntry(buf[i*16:], logEntry{lba: r.start, length: r.end - r.start})
	}
	if len(buf) == 0 {
		return RecordRefNone, nil
	}
	return storage.Write(ctx, buf)
}

// LoadAllocator reconstructs allocator state from a previously-serialized
// log record.
func LoadAllocator(ctx context.Context, storage *Storage, ref RecordRef, blockCount uint64) (*Allocator, error) {
	a := NewAllocator(blockCount)
	if ref.IsZero() {
		return a, nil
	}
	buf, err := storage.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	for off := 0; off+16 <= len(buf); off += 16 {
		e := getLogEntry(buf[off:])
		if e.length == 0 {
			continue
		}
		if e.length&deleteBit != 0 {
			a.allocated.Remove(e.lba, e.lba+(e.length&^deleteBit))
			continue
		}
		a.allocated.Insert(e.lba, e.lba+e.length)
	}
	return a, nil
}

func putLogEntry(b []byte, e logEntry) {
	for i := 0; i < 8; i++ {
		b[i] = byte(e.lba >> (8 * i))
		b[8+i] = byte(e.length >> (8 * i))
	}
}

func getLogEntry(b []byte) logEntry {
	var e logEntry
	for i := 0; i < 8; i++ {
		e.lba |= uint64(b[i]) << (8 * i)
		e.length |= uint64(b[8+i]) << (8 * i)
	}
	return e
}
