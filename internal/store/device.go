package store

import "context"

// Device is a single block device. Implementations must serve reads and
// writes at block granularity; BlockSize() is fixed for the lifetime of
// the device.
type Device interface {
	// Name identifies the device for error reporting.
	Name() string
	// BlockCount returns the device's capacity in blocks.
	BlockCount() uint64
	// BlockSize returns log2 of the device's block size in bytes.
	BlockSize() BlockSize
	// ReadAt reads blocks [lba, lba+len(buf)/blockSize) into buf.
	ReadAt(ctx context.Context, lba LBA, buf []byte) error
	// WriteAt writes buf to blocks starting at lba.
	WriteAt(ctx context.Context, lba LBA, buf []byte) error
	// Fence ensures all prior writes are durable before it returns.
	Fence(ctx context.Context) error
}
