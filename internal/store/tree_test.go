package store

import (
	"bytes"
	"context"
	"testing"
)

func newTestStorage(t *testing.T, maxRecordSize MaxRecordSize) *Storage {
	t.Helper()
	ds, _ := newSingleDeviceSet(t, BlockSize(9), 1<<20) // 512-byte blocks, plenty of arena
	return &Storage{
		Devices:       ds,
		Alloc:         NewAllocator(ds.ArenaBlockCount()),
		Cipher:        Cipher{Type: CipherNoneXxh3},
		MaxRecordSize: maxRecordSize,
		Compression:   CompressionNone,
	}
}

func newTestCache() *Cache { return NewCache(0, 0) } // 0 = unbounded

func TestTreeWriteReadWithinOneLeaf(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t, MaxRecordSize(9)) // 512-byte leaves, fanout 64
	cache := newTestCache()
	tree := NewTree(cache, storage, 1, RecordRefNone, 0, nil)
	defer tree.Close()

	if err := tree.Resize(ctx, 100); err != nil {
		t.Fatal(err)
	}
	data := []byte("the quick brown fox jumps over the lazy dog")
	if err := tree.Write(ctx, 10, data); err != nil {
		t.Fatal(err)
	}
	got, err := tree.Read(ctx, 10, int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read = %q, want %q", got, data)
	}
	// Bytes outside the write are still zero.
	zeros, err := tree.Read(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(zeros, make([]byte, 10)) {
		t.Errorf("unwritten prefix = %v, want all zero", zeros)
	}
}

func TestTreeGrowsAcrossLeafAndDepthBoundaries(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t, MaxRecordSize(9)) // leafSize 512, fanout 64
	cache := newTestCache()
	tree := NewTree(cache, storage, 1, RecordRefNone, 0, nil)
	defer tree.Close()

	// 512*64 = 32768 is the largest length depth 1 can hold; go one leaf
	// past that to force depth 2.
	big := uint64(512*64 + 512)
	if err := tree.Resize(ctx, big); err != nil {
		t.Fatal(err)
	}
	if tree.Depth() < 2 {
		t.Errorf("Depth() = %d after growing past depth-1's span, want >= 2", tree.Depth())
	}

	data := []byte("boundary-crossing write")
	off := uint64(512*64 - 5) // straddles the first depth-1 leaf boundary
	if err := tree.Write(ctx, off, data); err != nil {
		t.Fatal(err)
	}
	got, err := tree.Read(ctx, off, int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read across leaf boundary = %q, want %q", got, data)
	}
}

func TestTreeResizeToZeroFreesEverything(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t, MaxRecordSize(9))
	cache := newTestCache()
	tree := NewTree(cache, storage, 1, RecordRefNone, 0, nil)
	defer tree.Close()

	if err := tree.Resize(ctx, 512*64+100); err != nil {
		t.Fatal(err)
	}
	if err := tree.Write(ctx, 0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := tree.Resize(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if tree.Depth() != 0 || tree.Length() != 0 || tree.Root() != RecordRefNone {
		t.Errorf("after Resize(0): depth=%d length=%d root=%v, want all zero", tree.Depth(), tree.Length(), tree.Root())
	}
}

func TestTreeWriteZerosFreesWholeLeaves(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t, MaxRecordSize(9))
	cache := newTestCache()
	tree := NewTree(cache, storage, 1, RecordRefNone, 0, nil)
	defer tree.Close()

	if err := tree.Resize(ctx, 1024); err != nil { // two leaves of 512 bytes
		t.Fatal(err)
	}
	if err := tree.Write(ctx, 0, bytes.Repeat([]byte{0xAB}, 1024)); err != nil {
		t.Fatal(err)
	}
	if err := tree.WriteZeros(ctx, 0, 512); err != nil {
		t.Fatal(err)
	}
	got, err := tree.Read(ctx, 0, 1024)
	if err != nil {
		t.Fatal(err)
	}
	want := append(make([]byte, 512), bytes.Repeat([]byte{0xAB}, 512)...)
	if !bytes.Equal(got, want) {
		t.Errorf("after WriteZeros(0,512) Read = %v, want %v", got, want)
	}
}

func TestTreeWriteZerosPartialLeafZeroesOnlyRequestedBytes(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t, MaxRecordSize(9)) // 512-byte leaves
	cache := newTestCache()
	tree := NewTree(cache, storage, 1, RecordRefNone, 0, nil)
	defer tree.Close()

	if err := tree.Resize(ctx, 512); err != nil {
		t.Fatal(err)
	}
	if err := tree.Write(ctx, 0, bytes.Repeat([]byte{0xCD}, 512)); err != nil {
		t.Fatal(err)
	}
	if err := tree.WriteZeros(ctx, 100, 50); err != nil {
		t.Fatal(err)
	}
	got, err := tree.Read(ctx, 0, 512)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat([]byte{0xCD}, 512)
	for i := 100; i < 150; i++ {
		want[i] = 0
	}
	if !bytes.Equal(got, want) {
		t.Errorf("after WriteZeros(100,50) Read = %v, want %v", got, want)
	}
}

// TestTreeWriteZerosOverUntouchedHugeRangeSkipsWithoutDescending exercises
// the optimization a maintainer flagged as missing: zeroing a span that
// was never written must not cost one step per leaf it nominally covers.
// Every node from the root down is still the zero reference and carries
// no dirty marker, so zeroRange should return after a handful of
// resolveRef calls along the root path rather than visiting anything
// resembling the number of leaves the range spans.
func TestTreeWriteZerosOverUntouchedHugeRangeSkipsWithoutDescending(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t, MaxRecordSize(9)) // 512-byte leaves, fanout 64
	cache := newTestCache()
	tree := NewTree(cache, storage, 1, RecordRefNone, 0, nil)
	defer tree.Close()

	const huge = uint64(1) << 40 // spans far more leaves than a test could iterate
	if err := tree.Resize(ctx, huge); err != nil {
		t.Fatal(err)
	}
	if tree.Root() != RecordRefNone {
		t.Fatalf("Root() = %v after growing an all-zero tree, want RecordRefNone", tree.Root())
	}
	if err := tree.WriteZeros(ctx, 0, huge); err != nil {
		t.Fatal(err)
	}
	if tree.Root() != RecordRefNone {
		t.Errorf("Root() = %v after WriteZeros over an already-zero tree, want RecordRefNone unchanged", tree.Root())
	}
	got, err := tree.Read(ctx, huge-100, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, 100)) {
		t.Errorf("tail of untouched tree after WriteZeros = %v, want all zero", got)
	}
}
