package store

import "context"

// Tree is a per-object record tree: a copy-on-write map from logical byte
// offset to leaf record, addressed through depth-indexed interior nodes
// whose entries are packed RecordRefs. Depth 0 is the single leaf case;
// depth d covers up to leafSize*fanout^d bytes.
//
// All node content lives in the attached Cache; Tree itself only tracks
// the root reference, current length and depth, and the arithmetic that
// maps a byte offset to a chain of cache keys.
type Tree struct {
	cache   *Cache
	storage *Storage
	object  uint64

	root   RecordRef
	length uint64
	depth  uint8

	fanout   uint64
	leafSize int64

	// onRootChange persists a new (root, length) pair to whatever durable
	// slot owns this tree: an object list entry, or the bitmap/list root
	// fields of FsInfo for the two object-table pseudo-trees.
	onRootChange func(ctx context.Context, root RecordRef, length uint64) error
}

// NewTree attaches a tree for object to cache, seeded with an existing
// root/length (both zero for a freshly created object).
func NewTree(cache *Cache, storage *Storage, object uint64, root RecordRef, length uint64, onRootChange func(context.Context, RecordRef, uint64) error) *Tree {
	fanout := uint64(storage.MaxRecordSize.EntriesPerParent())
	leafSize := storage.MaxRecordSize.Bytes()
	t := &Tree{
		cache:        cache,
		storage:      storage,
		object:       object,
		root:         root,
		length:       length,
		fanout:       fanout,
		leafSize:     leafSize,
		onRootChange: onRootChange,
	}
	t.depth = computeDepth(int64(length), leafSize, int64(fanout))
	cache.attach(object, t)
	return t
}

// Close detaches the tree from its cache. Callers must ensure no dirty
// entries remain for this object (i.e. it has been flushed) before
// closing, or the data is lost.
func (t *Tree) Close() { t.cache.detach(t.object) }

func computeDepth(length, leafSize, fanout int64) uint8 {
	if length <= leafSize {
		return 0
	}
	span := leafSize
	var d uint8
	for span < length {
		span *= fanout
		d++
	}
	return d
}

// Depth returns the tree's current depth.
func (t *Tree) Depth() uint8 { return t.depth }

// Length returns the tree's current logical length in bytes.
func (t *Tree) Length() uint64 { return t.length }

// Root returns the tree's current root reference, for persisting into an
// object list entry or FsInfo.
func (t *Tree) Root() RecordRef { return t.root }

// resolveRef returns the record reference stored at (depth, offset):
// the root reference itself if depth is the tree's depth, otherwise an
// entry read out of the parent node at depth+1.
func (t *Tree) resolveRef(ctx context.Context, depth, offset uint64) (RecordRef, error) {
	if depth == uint64(t.depth) {
		if offset != 0 {
			return RecordRefNone, ErrOutOfRange
		}
		return t.root, nil
	}
	parentOffset := offset / t.fanout
	parent, err := t.cache.Get(ctx, cacheKey{t.object, uint8(depth + 1), parentOffset})
	if err != nil {
		return RecordRefNone, err
	}
	slot := offset % t.fanout
	return getRefAt(parent, slot), nil
}

// installRef records a new reference for the node at (depth, offset):
// either the tree's root (depth == tree depth) or a slot in its parent.
func (t *Tree) installRef(ctx context.Context, depth, offset uint64, newRef RecordRef) error {
	if depth == uint64(t.depth) {
		t.root = newRef
		if t.onRootChange != nil {
			return t.onRootChange(ctx, newRef, t.length)
		}
		return nil
	}
	parentOffset := offset / t.fanout
	slot := offset % t.fanout
	return t.cache.Modify(ctx, cacheKey{t.object, uint8(depth + 1), parentOffset}, func(buf []byte) []byte {
		putRefAt(buf, slot, newRef)
		return buf
	})
}

func getRefAt(buf []byte, slot uint64) RecordRef {
	off := slot * 8
	if off+8 > uint64(len(buf)) {
		return RecordRefNone
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[off+uint64(i)]) << (8 * i)
	}
	return RecordRef(v)
}

func putRefAt(buf []byte, slot uint64, ref RecordRef) {
	off := slot * 8
	v := uint64(ref)
	for i := 0; i < 8; i++ {
		buf[off+uint64(i)] = byte(v >> (8 * i))
	}
}

// leafOffset returns the depth-0 node index covering byte b.
func (t *Tree) leafOffset(b uint64) uint64 { return b / uint64(t.leafSize) }

// Read copies min(n, length-off) bytes starting at off into a new slice,
// fetching only the leaves the range touches.
func (t *Tree) Read(ctx context.Context, off uint64, n int64) ([]byte, error) {
	if off > t.length {
		return nil, nil
	}
	if off+uint64(n) > t.length {
		n = int64(t.length - off)
	}
	out := make([]byte, n)
	var got int64
	for got < n {
		cur := off + uint64(got)
		leaf := t.leafOffset(cur)
		within := int64(cur % uint64(t.leafSize))
		data, err := t.cache.Get(ctx, cacheKey{t.object, 0, leaf})
		if err != nil {
			return nil, err
		}
		avail := t.leafSize - within
		want := n - got
		if want > avail {
			want = avail
		}
		if within < int64(len(data)) {
			copy(out[got:got+want], data[within:])
		}
		got += want
	}
	return out, nil
}

// Write stores data at off, which must lie within [0, length]. Growing
// past the current length is the caller's responsibility via Resize.
func (t *Tree) Write(ctx context.Context, off uint64, data []byte) error {
	if off+uint64(len(data)) > t.length {
		return ErrOutOfRange
	}
	var done int64
	n := int64(len(data))
	for done < n {
		cur := off + uint64(done)
		leaf := t.leafOffset(cur)
		within := int64(cur % uint64(t.leafSize))
		avail := t.leafSize - within
		want := n - done
		if want > avail {
			want = avail
		}
		chunk := data[done : done+want]
		err := t.cache.Modify(ctx, cacheKey{t.object, 0, leaf}, func(buf []byte) []byte {
			copy(buf[within:], chunk)
			return buf
		})
		if err != nil {
			return err
		}
		done += want
	}
	return nil
}

// WriteZeros clears [off, off+n) to zero. It walks the tree top-down: a
// node whose span falls entirely within the range is dereferenced
// outright (freed and set to the zero ref) instead of being rewritten
// zero byte by zero byte, and a node that is already the zero reference
// and carries no dirty marker is skipped without descending into it at
// all, since it is already all zero on both disk and in cache. This
// keeps the cost proportional to the number of records the range
// actually touches rather than to the range's size: a write_zeros over
// an untouched multi-petabyte span costs O(depth*fanout), not one step
// per leaf it nominally covers.
func (t *Tree) WriteZeros(ctx context.Context, off uint64, n uint64) error {
	if off+n > t.length {
		return ErrOutOfRange
	}
	if n == 0 {
		return nil
	}
	return t.zeroRange(ctx, t.depth, 0, off, off+n)
}

// spanBytes returns the number of logical bytes a single node at depth
// covers (leafSize for depth 0, leafSize*fanout^depth otherwise).
func (t *Tree) spanBytes(depth uint8) uint64 {
	span := uint64(t.leafSize)
	for i := uint8(0); i < depth; i++ {
		span *= t.fanout
	}
	return span
}

// zeroRange zeros the intersection of [lo, hi) with the byte span
// covered by the node at (depth, offset). A node whose reference is zero
// and which has no dirty marker is known to be all zero already and is
// skipped outright; otherwise a fully-covered node is freed via
// zeroSubtree, and a partially-covered interior node recurses only into
// the children the range actually overlaps.
func (t *Tree) zeroRange(ctx context.Context, depth uint8, offset, lo, hi uint64) error {
	span := t.spanBytes(depth)
	nodeStart := offset * span
	nodeEnd := nodeStart + span
	start, stop := lo, hi
	if start < nodeStart {
		start = nodeStart
	}
	if stop > nodeEnd {
		stop = nodeEnd
	}
	if start >= stop {
		return nil
	}

	key := cacheKey{t.object, depth, offset}
	ref, err := t.resolveRef(ctx, uint64(depth), offset)
	if err != nil {
		return err
	}
	if ref.IsZero() && !t.cache.IsDirty(key) {
		return nil
	}

	full := start == nodeStart && stop == nodeEnd
	if full {
		return t.zeroSubtree(ctx, depth, offset)
	}
	if depth == 0 {
		within := start - nodeStart
		width := stop - start
		return t.cache.Modify(ctx, key, func(buf []byte) []byte {
			for i := uint64(0); i < width; i++ {
				buf[within+i] = 0
			}
			return buf
		})
	}
	childSpan := span / t.fanout
	firstChild := (start - nodeStart) / childSpan
	lastChild := (stop - nodeStart - 1) / childSpan
	for slot := firstChild; slot <= lastChild; slot++ {
		if err := t.zeroRange(ctx, depth-1, offset*t.fanout+slot, start, stop); err != nil {
			return err
		}
	}
	return nil
}

// zeroSubtree frees every record reachable under (depth, offset) — a
// generalization of freeing a single leaf to interior nodes as well —
// and installs the zero reference in its parent, or the tree root.
func (t *Tree) zeroSubtree(ctx context.Context, depth uint8, offset uint64) error {
	if err := t.freeSubtree(ctx, depth, offset); err != nil {
		return err
	}
	return t.installRef(ctx, uint64(depth), offset, RecordRefNone)
}

// Resize grows or shrinks the tree to newLength. Growing beyond the
// current depth's span wraps the existing root under new interior
// levels, each newly-created level zero except for slot 0. Shrinking to
// zero walks the whole subtree freeing every node and collapses depth
// back to 0; shrinking to a nonzero length frees the leaves that fall
// outside the new length but otherwise leaves depth alone (a deeper
// tree than strictly necessary still answers reads and writes
// correctly, it just wastes an interior level until the object is
// eventually truncated to zero or recreated).
func (t *Tree) Resize(ctx context.Context, newLength uint64) error {
	if newLength > t.length {
		return t.grow(ctx, newLength)
	}
	if newLength == 0 {
		return t.collapseToEmpty(ctx)
	}
	if newLength < t.length {
		if err := t.WriteZeros(ctx, newLength, t.length-newLength); err != nil {
			return err
		}
		t.length = newLength
	}
	return nil
}

// collapseToEmpty frees every record reachable from the root, leaves
// first, then resets the tree to its initial empty state. This is the
// synchronous form of the zero-sweep shrink that Store.DeleteObject runs
// through a pseudo-object in the background instead, so the caller's
// delete returns without waiting for a large object to be fully swept.
func (t *Tree) collapseToEmpty(ctx context.Context) error {
	if err := t.freeSubtree(ctx, t.depth, 0); err != nil {
		return err
	}
	t.root = RecordRefNone
	t.length = 0
	t.depth = 0
	if t.onRootChange != nil {
		return t.onRootChange(ctx, RecordRefNone, 0)
	}
	return nil
}

// freeSubtree frees every record in the subtree rooted at (depth,
// offset). It always resolves through the cache, so a node that was
// modified this transaction but never flushed to storage is freed
// correctly too.
func (t *Tree) freeSubtree(ctx context.Context, depth uint8, offset uint64) error {
	ref, err := t.resolveRef(ctx, uint64(depth), offset)
	if err != nil {
		return err
	}
	key := cacheKey{t.object, depth, offset}
	if depth > 0 && (!ref.IsZero() || t.cache.IsDirty(key)) {
		data, err := t.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		for slot := uint64(0); slot < t.fanout; slot++ {
			childOffset := offset*t.fanout + slot
			child := getRefAt(data, slot)
			if child.IsZero() && !t.cache.IsDirty(cacheKey{t.object, depth - 1, childOffset}) {
				continue
			}
			if err := t.freeSubtree(ctx, depth-1, childOffset); err != nil {
				return err
			}
		}
	}
	t.cache.Evict(key)
	t.cache.clearDirty(key)
	if !ref.IsZero() {
		t.storage.Destroy(ref)
	}
	return nil
}

func (t *Tree) grow(ctx context.Context, newLength uint64) error {
	targetDepth := computeDepth(int64(newLength), t.leafSize, int64(t.fanout))
	for t.depth < targetDepth {
		wrapped := t.root
		wasEmpty := wrapped.IsZero()
		newRoot := RecordRefNone
		if !wasEmpty {
			buf := make([]byte, t.fanout*8)
			putRefAt(buf, 0, wrapped)
			ref, err := t.storage.Write(ctx, buf)
			if err != nil {
				return err
			}
			newRoot = ref
		}
		t.depth++
		t.root = newRoot
		if t.onRootChange != nil {
			if err := t.onRootChange(ctx, t.root, t.length); err != nil {
				return err
			}
		}
	}
	t.length = newLength
	return nil
}
