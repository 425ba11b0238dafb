package store

import (
	"bytes"
	"context"
	"testing"
)

// memHeaderStore is a HeaderStore that keeps the latest Snapshot in
// memory, standing in for internal/fsheader's encrypted on-disk copies
// in tests that only care about Store's own commit/reload behavior.
type memHeaderStore struct {
	snap Snapshot
	set  bool
}

func (h *memHeaderStore) Save(ctx context.Context, snap Snapshot) error {
	h.snap = snap
	h.set = true
	return nil
}

func (h *memHeaderStore) Load(ctx context.Context) (Snapshot, error) {
	if !h.set {
		return Snapshot{}, ErrNotFound
	}
	return h.snap, nil
}

func TestStoreFormatWriteCommitLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	ds, _ := newSingleDeviceSet(t, BlockSize(12), 10000) // 4096-byte blocks
	cipher := Cipher{Type: CipherNoneXxh3}
	headers := &memHeaderStore{}

	s, err := Format(ctx, ds, cipher, MaxRecordSize(17), CompressionLz4, CacheLimits{}, headers)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.CreateObject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("persisted across a remount")
	if err := s.WriteAt(ctx, id, 0, want); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(ctx, ds, cipher, MaxRecordSize(17), CompressionLz4, CacheLimits{}, headers)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.ReadAt(ctx, id, 0, int64(len(want)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt after reload = %q, want %q", got, want)
	}
	ids, err := reloaded.LiveObjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, v := range ids {
		if v == id {
			found = true
		}
	}
	if !found {
		t.Errorf("LiveObjects after reload = %v, want to contain %d", ids, id)
	}
}

func TestStoreDeleteObjectRemovesFromLiveSetImmediately(t *testing.T) {
	ctx := context.Background()
	ds, _ := newSingleDeviceSet(t, BlockSize(12), 10000)
	cipher := Cipher{Type: CipherNoneXxh3}
	headers := &memHeaderStore{}

	s, err := Format(ctx, ds, cipher, MaxRecordSize(17), CompressionNone, CacheLimits{}, headers)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.CreateObject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAt(ctx, id, 0, bytes.Repeat([]byte{1}, 1<<20)); err != nil { // 1 MiB, spans many leaves
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteObject(ctx, id); err != nil {
		t.Fatal(err)
	}
	ids, err := s.LiveObjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range ids {
		if v == id {
			t.Errorf("LiveObjects still contains deleted id %d", id)
		}
	}
	if _, err := s.ReadAt(ctx, id, 0, 1); err == nil {
		t.Error("ReadAt on a deleted object succeeded, want an error")
	}
}

func TestStoreTruncateGrowsWithZeros(t *testing.T) {
	ctx := context.Background()
	ds, _ := newSingleDeviceSet(t, BlockSize(12), 10000)
	cipher := Cipher{Type: CipherNoneXxh3}
	headers := &memHeaderStore{}

	s, err := Format(ctx, ds, cipher, MaxRecordSize(17), CompressionNone, CacheLimits{}, headers)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.CreateObject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Truncate(ctx, id, 100); err != nil {
		t.Fatal(err)
	}
	length, err := s.Length(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if length != 100 {
		t.Fatalf("Length() = %d, want 100", length)
	}
	got, err := s.ReadAt(ctx, id, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, 100)) {
		t.Errorf("newly grown bytes = %v, want all zero", got)
	}
}
