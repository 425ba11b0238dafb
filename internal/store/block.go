// Package store implements the content-addressed, copy-on-write object
// store: a record codec, an allocator, a device set, a storage layer, a
// per-object record tree, a memory-bounded cache and the transaction
// commit protocol that ties them together.
package store

import "fmt"

// BlockSize is the log2 of the device block size in bytes. Valid range is
// [9, 24], i.e. block sizes of 512 bytes to 16 MiB.
type BlockSize uint8

// Bytes returns the block size in bytes.
func (b BlockSize) Bytes() int64 { return 1 << uint(b) }

// MinBlocks returns the number of blocks needed to hold n bytes.
func (b BlockSize) MinBlocks(n int64) int64 {
	sz := b.Bytes()
	return (n + sz - 1) / sz
}

func (b BlockSize) valid() error {
	if b < 9 || b > 24 {
		return fmt.Errorf("block size exponent %d out of range [9,24]", b)
	}
	return nil
}

// MaxRecordSize is the log2 of the largest record payload a tree may
// reference, in bytes. Entries-per-parent (the tree fanout) is
// 1<<(MaxRecordSize-3), since each record reference is 8 bytes.
type MaxRecordSize uint8

// DefaultMaxRecordSize is the out-of-the-box record size, 128 KiB.
const DefaultMaxRecordSize MaxRecordSize = 17

// Bytes returns the maximum record payload size in bytes.
func (m MaxRecordSize) Bytes() int64 { return 1 << uint(m) }

// EntriesPerParent is the branching factor of the record tree at this
// max record size: max_record_size / 8.
func (m MaxRecordSize) EntriesPerParent() int64 { return m.Bytes() / 8 }

// LBA is a block-indexed logical block address within a device chain's
// address space.
type LBA uint64
