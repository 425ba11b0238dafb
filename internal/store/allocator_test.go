package store

import (
	"context"
	"testing"
)

func TestAllocatorAllocFirstFit(t *testing.T) {
	a := NewAllocator(100)
	lba1, err := a.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if lba1 != 1 {
		t.Errorf("first Alloc returned lba %d, want 1 (block 0 is reserved)", lba1)
	}
	lba2, err := a.Alloc(5)
	if err != nil {
		t.Fatal(err)
	}
	if lba2 != 11 {
		t.Errorf("second Alloc returned lba %d, want 11", lba2)
	}
}

func TestAllocatorFreeWithinSameTransactionIsImmediatelyRecyclable(t *testing.T) {
	a := NewAllocator(100)
	lba, err := a.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	a.Free(lba, 10)
	// Freed within the same transaction: dirty_this_tx drops it, so it is
	// recyclable right away without waiting for commit().
	lba2, err := a.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if lba2 != lba {
		t.Errorf("Alloc after same-tx Free = %d, want reused lba %d", lba2, lba)
	}
}

func TestAllocatorFreeFromPriorTransactionWaitsForCommit(t *testing.T) {
	// Size the arena so the freed range is the only place a subsequent
	// Alloc of the same size could possibly fit, making free-pending
	// blocks' unavailability observable as ErrNotEnoughSpace rather than
	// merely "the allocator picked a different gap".
	a := NewAllocator(11) // blocks [1,11): 10 usable blocks total
	lba, err := a.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	a.commit() // pretend lba..lba+10 was allocated in a prior, already-committed transaction

	a.Free(lba, 10)
	// Not yet recyclable: it is free-pending until the next commit.
	if got, err := a.Alloc(10); err == nil {
		t.Errorf("Alloc before commit() succeeded at %d, want ErrNotEnoughSpace since the only free-sized range is still free-pending", got)
	}

	a.commit()
	lba2, err := a.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if lba2 != lba {
		t.Errorf("Alloc after commit() = %d, want reused lba %d", lba2, lba)
	}
}

func TestAllocatorAllocExhaustion(t *testing.T) {
	a := NewAllocator(10)
	if _, err := a.Alloc(9); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(1); err != ErrNotEnoughSpace {
		t.Errorf("Alloc of the last block = %v, want ErrNotEnoughSpace", err)
	}
}

func TestAllocatorSerializeLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	ds, _ := newSingleDeviceSet(t, BlockSize(12), 1000)
	storage := &Storage{
		Devices:       ds,
		Alloc:         NewAllocator(ds.ArenaBlockCount()),
		Cipher:        Cipher{Type: CipherNoneXxh3},
		MaxRecordSize: MaxRecordSize(17),
		Compression:   CompressionNone,
	}

	if _, err := storage.Alloc.Alloc(5); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.Alloc.Alloc(20); err != nil {
		t.Fatal(err)
	}
	storage.Alloc.commit()

	ref, err := storage.Alloc.Serialize(ctx, storage)
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadAllocator(ctx, storage, ref, ds.ArenaBlockCount())
	if err != nil {
		t.Fatal(err)
	}
	for _, lba := range []uint64{1, 5, 24} {
		if !loaded.IsAllocated(LBA(lba)) {
			t.Errorf("loaded allocator does not mark lba %d as allocated", lba)
		}
	}
}
