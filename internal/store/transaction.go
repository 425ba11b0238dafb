package store

import (
	"context"

	"github.com/objarc/objarc/internal/trace"
)

// Snapshot is everything about a store's state that must survive a
// restart: the object table's two pseudo-tree roots and the allocator's
// serialized log, plus a generation counter the header layer stamps and
// increments. Store itself knows nothing about how a Snapshot reaches
// disk; HeaderStore owns that.
type Snapshot struct {
	Generation      uint64
	ListRoot        RecordRef
	ListLength      uint64
	BitmapRoot      RecordRef
	BitmapLength    uint64
	AllocatorRoot   RecordRef
	ArenaBlockCount uint64
}

// HeaderStore persists and restores a Snapshot. internal/fsheader
// implements this by encrypting, MACing and writing a Snapshot into the
// tail/head header copies on every device; store itself stays agnostic
// of that format so the core object-store logic never needs to import
// the header/crypto layer.
type HeaderStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
}

// FinishTransaction runs the five-step commit protocol:
//
//  1. flush_all: write out every dirty node of every touched object,
//     bottom-up, then the object table's list and bitmap pseudo-trees
//     last, since they record where everything else now lives;
//  2. serialize the allocator's live-block log as a normal record;
//  3. snapshot the object table roots and allocator reference into a
//     Snapshot;
//  4. hand it to the header store to persist (tail, fence, head, fence);
//  5. on success, let the allocator recycle the blocks it freed this
//     transaction, and bump the generation for the next one.
//
// touched must list every regular object id mutated this transaction;
// the object table's own pseudo-trees are flushed automatically.
func FinishTransaction(ctx context.Context, cache *Cache, storage *Storage, table *ObjectTable, headers HeaderStore, generation uint64, touched []uint64) (uint64, error) {
	ev := trace.Event("commit", 0)
	defer ev.Done()

	if err := cache.FlushAll(ctx, touched); err != nil {
		return generation, err
	}
	if err := cache.FlushObject(ctx, objectTableListID); err != nil {
		return generation, err
	}
	if err := cache.FlushObject(ctx, objectTableBitmapID); err != nil {
		return generation, err
	}

	allocatorRef, err := storage.Alloc.Serialize(ctx, storage)
	if err != nil {
		return generation, err
	}

	next := generation + 1
	snap := Snapshot{
		Generation:      next,
		ListRoot:        table.ListTree().Root(),
		ListLength:      table.ListTree().Length(),
		BitmapRoot:      table.BitmapTree().Root(),
		BitmapLength:    table.BitmapTree().Length(),
		AllocatorRoot:   allocatorRef,
		ArenaBlockCount: storage.Devices.ArenaBlockCount(),
	}
	if err := headers.Save(ctx, snap); err != nil {
		return generation, err
	}

	storage.Alloc.commit()
	storage.SetEpoch(next)
	return next, nil
}
