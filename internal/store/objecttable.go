package store

import (
	"context"
	"sync"
)

// Reserved object ids for the two pseudo-trees the object table keeps
// itself: the descriptor list and the liveness bitmap. Both carry the
// pseudo-object bit so they can never collide with a durable object id,
// and are distinguished from DeleteObject's sweep pseudo ids by reserving
// the first two values of that space.
const (
	objectTableListID   = pseudoObjectBit | 0
	objectTableBitmapID = pseudoObjectBit | 1
)

// descriptorSize is the width of one object list entry: a RecordRef root
// and a length, each 8 bytes, padded to 32 bytes for future growth
// (flags, a generation counter) without reshaping the list.
const descriptorSize = 32

// maxObjectID bounds ids to 2^55, matching the reserved high bit used by
// pseudo-objects and leaving headroom below it.
const maxObjectID = uint64(1) << 55

// ObjectTable is the authoritative record of which object ids are live
// and where each one's record tree root lives. It is itself built out of
// two record trees (list and bitmap), so creating or deleting an object
// is just a sequence of Tree operations against those two.
type ObjectTable struct {
	mu sync.Mutex

	cache   *Cache
	storage *Storage

	list   *Tree
	bitmap *Tree

	// onInfoChange, if set, is called with the list/bitmap roots whenever
	// either changes. Store passes nil: the durable header gets the roots
	// from FinishTransaction, which reads ListTree and BitmapTree directly.
	onInfoChange func(ctx context.Context, listRoot RecordRef, listLength uint64, bitmapRoot RecordRef, bitmapLength uint64) error
}

// NewObjectTable attaches the list and bitmap pseudo-trees to cache,
// seeded from the roots recorded in the last durable FsInfo (both zero
// on a freshly formatted store).
func NewObjectTable(cache *Cache, storage *Storage, listRoot RecordRef, listLength uint64, bitmapRoot RecordRef, bitmapLength uint64, onInfoChange func(context.Context, RecordRef, uint64, RecordRef, uint64) error) *ObjectTable {
	ot := &ObjectTable{cache: cache, storage: storage, onInfoChange: onInfoChange}
	ot.list = NewTree(cache, storage, objectTableListID, listRoot, listLength, func(ctx context.Context, root RecordRef, length uint64) error {
		return ot.persist(ctx)
	})
	ot.bitmap = NewTree(cache, storage, objectTableBitmapID, bitmapRoot, bitmapLength, func(ctx context.Context, root RecordRef, length uint64) error {
		return ot.persist(ctx)
	})
	return ot
}

func (ot *ObjectTable) persist(ctx context.Context) error {
	if ot.onInfoChange == nil {
		return nil
	}
	return ot.onInfoChange(ctx, ot.list.Root(), ot.list.Length(), ot.bitmap.Root(), ot.bitmap.Length())
}

// ListTree and BitmapTree expose the underlying pseudo-trees so the
// transaction commit path can flush them explicitly, after every regular
// object, as the object table must be depth-coherent with everything it
// describes.
func (ot *ObjectTable) ListTree() *Tree   { return ot.list }
func (ot *ObjectTable) BitmapTree() *Tree { return ot.bitmap }

func (ot *ObjectTable) bitGet(ctx context.Context, id uint64) (bool, error) {
	byteOff := id / 8
	if byteOff+1 > ot.bitmap.Length() {
		return false, nil
	}
	buf, err := ot.bitmap.Read(ctx, byteOff, 1)
	if err != nil {
		return false, err
	}
	if len(buf) == 0 {
		return false, nil
	}
	return buf[0]&(1<<(id%8)) != 0, nil
}

func (ot *ObjectTable) bitSet(ctx context.Context, id uint64, val bool) error {
	byteOff := id / 8
	need := byteOff + 1
	if need > ot.bitmap.Length() {
		if err := ot.bitmap.Resize(ctx, need); err != nil {
			return err
		}
	}
	cur, err := ot.bitmap.Read(ctx, byteOff, 1)
	if err != nil {
		return err
	}
	var b byte
	if len(cur) > 0 {
		b = cur[0]
	}
	if val {
		b |= 1 << (id % 8)
	} else {
		b &^= 1 << (id % 8)
	}
	return ot.bitmap.Write(ctx, byteOff, []byte{b})
}

// firstFreeID scans the bitmap for the first clear bit, or returns the
// next id past the bitmap's current extent (bitSet grows it lazily).
func (ot *ObjectTable) firstFreeID(ctx context.Context) (uint64, error) {
	length := ot.bitmap.Length()
	if length > 0 {
		buf, err := ot.bitmap.Read(ctx, 0, int64(length))
		if err != nil {
			return 0, err
		}
		for byteIdx, b := range buf {
			if b == 0xFF {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) == 0 {
					id := uint64(byteIdx)*8 + uint64(bit)
					if id >= maxObjectID {
						return 0, ErrNotEnoughSpace
					}
					return id, nil
				}
			}
		}
	}
	id := length * 8
	if id >= maxObjectID {
		return 0, ErrNotEnoughSpace
	}
	return id, nil
}

func putDescriptor(buf []byte, root RecordRef, length uint64) {
	v := uint64(root)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
		buf[8+i] = byte(length >> (8 * i))
	}
}

func parseDescriptor(buf []byte) (RecordRef, uint64) {
	var root, length uint64
	for i := 0; i < 8; i++ {
		root |= uint64(buf[i]) << (8 * i)
		length |= uint64(buf[8+i]) << (8 * i)
	}
	return RecordRef(root), length
}

func (ot *ObjectTable) writeDescriptor(ctx context.Context, id uint64, root RecordRef, length uint64) error {
	need := (id + 1) * descriptorSize
	if need > ot.list.Length() {
		if err := ot.list.Resize(ctx, need); err != nil {
			return err
		}
	}
	buf := make([]byte, descriptorSize)
	putDescriptor(buf, root, length)
	return ot.list.Write(ctx, id*descriptorSize, buf)
}

func (ot *ObjectTable) readDescriptor(ctx context.Context, id uint64) (RecordRef, uint64, error) {
	need := (id + 1) * descriptorSize
	if need > ot.list.Length() {
		return RecordRefNone, 0, ErrNotFound
	}
	buf, err := ot.list.Read(ctx, id*descriptorSize, descriptorSize)
	if err != nil {
		return RecordRefNone, 0, err
	}
	root, length := parseDescriptor(buf)
	return root, length, nil
}

func (ot *ObjectTable) open(id uint64, root RecordRef, length uint64) *Tree {
	return NewTree(ot.cache, ot.storage, id, root, length, func(ctx context.Context, root RecordRef, length uint64) error {
		return ot.writeDescriptor(ctx, id, root, length)
	})
}

// CreateObject allocates the lowest free id, marks it live, writes an
// empty descriptor and returns an attached tree ready for use.
func (ot *ObjectTable) CreateObject(ctx context.Context) (uint64, *Tree, error) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	id, err := ot.firstFreeID(ctx)
	if err != nil {
		return 0, nil, err
	}
	if err := ot.bitSet(ctx, id, true); err != nil {
		return 0, nil, err
	}
	if err := ot.writeDescriptor(ctx, id, RecordRefNone, 0); err != nil {
		return 0, nil, err
	}
	return id, ot.open(id, RecordRefNone, 0), nil
}

// Open attaches a tree for an existing live object.
func (ot *ObjectTable) Open(ctx context.Context, id uint64) (*Tree, error) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	live, err := ot.bitGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, ErrNotFound
	}
	root, length, err := ot.readDescriptor(ctx, id)
	if err != nil {
		return nil, err
	}
	return ot.open(id, root, length), nil
}

// DeleteObject marks id no longer live and clears its descriptor. It does
// not free the object's records; Store.DeleteObject reads the old root
// first and hands it to a pseudo-object zero-sweep after this returns.
func (ot *ObjectTable) DeleteObject(ctx context.Context, id uint64) error {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	if err := ot.bitSet(ctx, id, false); err != nil {
		return err
	}
	return ot.writeDescriptor(ctx, id, RecordRefNone, 0)
}

// IsLive reports whether id is currently marked allocated in the bitmap.
func (ot *ObjectTable) IsLive(ctx context.Context, id uint64) (bool, error) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	return ot.bitGet(ctx, id)
}

// LiveIDs returns every id currently marked live, ascending. Used by
// fsck to enumerate the objects it reads back.
func (ot *ObjectTable) LiveIDs(ctx context.Context) ([]uint64, error) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	length := ot.bitmap.Length()
	if length == 0 {
		return nil, nil
	}
	buf, err := ot.bitmap.Read(ctx, 0, int64(length))
	if err != nil {
		return nil, err
	}
	var out []uint64
	for byteIdx, b := range buf {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				out = append(out, uint64(byteIdx)*8+uint64(bit))
			}
		}
	}
	return out, nil
}
