package store

import (
	"context"
	"sync"
	"testing"
)

// fakeDevice is an in-memory Device used by every test in this package,
// so none of them touch the filesystem. Reads and writes of a
// not-yet-written block see zeros, matching a freshly truncated file.
type fakeDevice struct {
	name       string
	blockSize  BlockSize
	blockCount uint64

	mu   sync.Mutex
	data []byte

	// failRead, if set, makes ReadAt return this error instead of serving
	// data, simulating a dead or corrupt mirror.
	failRead error
}

func newFakeDevice(name string, blockSize BlockSize, blockCount uint64) *fakeDevice {
	return &fakeDevice{
		name:       name,
		blockSize:  blockSize,
		blockCount: blockCount,
		data:       make([]byte, blockCount*uint64(blockSize.Bytes())),
	}
}

func (d *fakeDevice) Name() string         { return d.name }
func (d *fakeDevice) BlockCount() uint64   { return d.blockCount }
func (d *fakeDevice) BlockSize() BlockSize { return d.blockSize }

func (d *fakeDevice) ReadAt(ctx context.Context, lba LBA, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRead != nil {
		return d.failRead
	}
	off := int64(lba) * d.blockSize.Bytes()
	n := copy(buf, d.data[off:])
	if n != len(buf) {
		panic("fakeDevice: read past end")
	}
	return nil
}

func (d *fakeDevice) WriteAt(ctx context.Context, lba LBA, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(lba) * d.blockSize.Bytes()
	n := copy(d.data[off:], buf)
	if n != len(buf) {
		panic("fakeDevice: write past end")
	}
	return nil
}

func (d *fakeDevice) Fence(ctx context.Context) error { return nil }

// corrupt flips a byte within block lba, used to exercise mirror-repair
// and hash-mismatch paths.
func (d *fakeDevice) corrupt(lba LBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(lba) * d.blockSize.Bytes()
	d.data[off] ^= 0xff
}

func newSingleDeviceSet(t *testing.T, blockSize BlockSize, blockCount uint64) (*DeviceSet, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice("dev0", blockSize, blockCount)
	ds, err := NewDeviceSet([][]Device{{dev}})
	if err != nil {
		t.Fatal(err)
	}
	return ds, dev
}
