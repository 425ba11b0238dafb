package store

import (
	"container/list"
	"context"
	"sort"
	"sync"
)

// Cache is a bounded in-memory map of (object, depth, offset) -> buffer,
// with dirty-marker propagation and single-flight fetching. Entries are
// kept in LRU order, but nothing evicts by that order: an entry leaves
// the cache only through an explicit Evict call.
// It is the only path through which record-tree node data is read or
// mutated; the tree computes which key to touch, the cache owns the
// bytes.
type Cache struct {
	mu sync.Mutex

	trees map[uint64]*Tree // attached trees, by object id; resolves/installs refs

	entries map[cacheKey]*cacheEntry
	lru     *list.List // front = most recently used
	busy    map[cacheKey]*busySlot
	dirty   map[cacheKey]bool

	hardLimit, softLimit int64
	hardCount            int64 // reserved + resident
	softCount            int64 // resident & unreferenced

	waitingHard []chan struct{} // parked on hard limit
}

type cacheEntry struct {
	data    []byte
	lruElem *list.Element
}

type busySlot struct {
	waiters []chan struct{}
}

// NewCache returns a cache bounded by hardLimit resident+reserved bytes.
// softLimit is stored but not acted on: there is no background eviction,
// so exceeding it evicts nothing.
func NewCache(hardLimit, softLimit int64) *Cache {
	return &Cache{
		trees:     make(map[uint64]*Tree),
		entries:   make(map[cacheKey]*cacheEntry),
		lru:       list.New(),
		busy:      make(map[cacheKey]*busySlot),
		dirty:     make(map[cacheKey]bool),
		hardLimit: hardLimit,
		softLimit: softLimit,
	}
}

func (c *Cache) attach(object uint64, t *Tree) {
	c.mu.Lock()
	c.trees[object] = t
	c.mu.Unlock()
}

func (c *Cache) detach(object uint64) {
	c.mu.Lock()
	delete(c.trees, object)
	c.mu.Unlock()
}

// reserve blocks until n bytes of hard budget are available, then debits
// them. Called with c.mu held; it releases and reacquires the lock while
// parked.
func (c *Cache) reserve(n int64) {
	for c.hardLimit > 0 && c.hardCount+n > c.hardLimit && c.hardCount > 0 {
		ch := make(chan struct{})
		c.waitingHard = append(c.waitingHard, ch)
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
	}
	c.hardCount += n
}

func (c *Cache) release(n int64) {
	c.hardCount -= n
	if c.hardCount < 0 {
		c.hardCount = 0
	}
	for _, ch := range c.waitingHard {
		close(ch)
	}
	c.waitingHard = nil
}

func (c *Cache) bufSize(object uint64, depth uint8) int64 {
	t := c.trees[object]
	if t == nil {
		return 0
	}
	if depth == 0 {
		return t.leafSize
	}
	return t.fanout * 8
}

// wait blocks the caller until key's busy slot clears, then returns. Must
// be called with c.mu held; releases/reacquires it while parked.
func (c *Cache) wait(key cacheKey) {
	for {
		b, ok := c.busy[key]
		if !ok {
			return
		}
		ch := make(chan struct{})
		b.waiters = append(b.waiters, ch)
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
	}
}

func (c *Cache) wake(key cacheKey) {
	if b, ok := c.busy[key]; ok {
		for _, ch := range b.waiters {
			close(ch)
		}
		delete(c.busy, key)
	}
}

func (c *Cache) touchLRU(key cacheKey, e *cacheEntry) {
	if e.lruElem != nil {
		c.lru.MoveToFront(e.lruElem)
	} else {
		e.lruElem = c.lru.PushFront(key)
	}
}

// fetchLocked performs the actual I/O for a cache miss: resolve key's
// record reference via the owning tree, then read it through storage (or
// synthesize a zero buffer if the reference is zero). Called without
// c.mu held.
func (c *Cache) fetchLocked(ctx context.Context, key cacheKey) ([]byte, error) {
	c.mu.Lock()
	t := c.trees[key.object]
	c.mu.Unlock()
	if t == nil {
		return nil, ErrNotFound
	}
	ref, err := t.resolveRef(ctx, uint64(key.depth), key.offset)
	if err != nil {
		return nil, err
	}
	size := c.bufSize(key.object, key.depth)
	if ref.IsZero() {
		return make([]byte, size), nil
	}
	data, err := t.storage.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) < size {
		padded := make([]byte, size)
		copy(padded, data)
		data = padded
	}
	return data, nil
}

// Get implements wait_entry: ensure key is resident, mark it most
// recently used, and return a copy of its data. Copying avoids the cache having to reason about
// aliased mutation outside of Modify.
func (c *Cache) Get(ctx context.Context, key cacheKey) ([]byte, error) {
	c.mu.Lock()
	for {
		if e, ok := c.entries[key]; ok {
			c.touchLRU(key, e)
			out := append([]byte(nil), e.data...)
			c.mu.Unlock()
			return out, nil
		}
		if _, busy := c.busy[key]; busy {
			c.wait(key)
			continue
		}
		break
	}
	c.busy[key] = &busySlot{}
	size := c.bufSize(key.object, key.depth)
	c.reserve(size)
	c.mu.Unlock()

	data, err := c.fetchLocked(ctx, key)

	c.mu.Lock()
	if err != nil {
		c.release(size)
		c.wake(key)
		c.mu.Unlock()
		return nil, err
	}
	e := &cacheEntry{data: data}
	c.entries[key] = e
	c.touchLRU(key, e)
	c.softCount += int64(len(data))
	c.wake(key)
	out := append([]byte(nil), data...)
	c.mu.Unlock()
	return out, nil
}

// Modify fetches key (creating a zero-filled entry if it was an all-zero
// reference), applies mutate to its buffer, marks it dirty and propagates
// a dirty-descendant marker up to the root.
func (c *Cache) Modify(ctx context.Context, key cacheKey, mutate func([]byte) []byte) error {
	if _, err := c.Get(ctx, key); err != nil {
		return err
	}
	c.mu.Lock()
	e := c.entries[key]
	old := int64(len(e.data))
	newData := mutate(append([]byte(nil), e.data...))
	delta := int64(len(newData)) - old
	if delta > 0 {
		c.reserve(delta)
	} else if delta < 0 {
		c.release(-delta)
	}
	e.data = newData
	c.touchLRU(key, e)
	c.dirty[key] = true
	c.mu.Unlock()

	c.propagateDirty(key)
	return nil
}

// clearDirty removes key's dirty marker without touching its buffer; used
// by the flush path once a record has been written out, and when a node
// is freed.
func (c *Cache) clearDirty(key cacheKey) {
	c.mu.Lock()
	delete(c.dirty, key)
	c.mu.Unlock()
}

func (c *Cache) propagateDirty(key cacheKey) {
	c.mu.Lock()
	t := c.trees[key.object]
	c.mu.Unlock()
	if t == nil {
		return
	}
	depth := key.depth
	offset := key.offset
	for uint64(depth) < uint64(t.Depth()) {
		offset = offset / t.fanout
		depth++
		pk := cacheKey{key.object, depth, offset}
		c.mu.Lock()
		already := c.dirty[pk]
		c.dirty[pk] = true
		c.mu.Unlock()
		if already {
			break // ancestor already marked; its ancestors are too
		}
	}
}

// DirtyKeysAt returns every dirty key for object at the given depth, in
// ascending offset order (the order flush-all processes one level).
func (c *Cache) DirtyKeysAt(object uint64, depth uint8) []cacheKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []cacheKey
	for k := range c.dirty {
		if k.object == object && k.depth == depth {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

// Peek returns a copy of key's data without affecting LRU order,
// used by flush to read the current (dirty) buffer before writing it out.
// It does not fetch: key must already be resident.
func (c *Cache) Peek(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Evict drops key's buffer from memory without writing it back. Callers
// must ensure key is not dirty.
func (c *Cache) Evict(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.lru.Remove(e.lruElem)
	n := int64(len(e.data))
	c.release(n)
	c.softCount -= n
	if c.softCount < 0 {
		c.softCount = 0
	}
}

// IsDirty reports whether key currently has a dirty marker set.
func (c *Cache) IsDirty(key cacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty[key]
}

// AllObjectsDirty returns the set of object ids with at least one dirty
// key, used by flush-all to decide which trees to walk.
func (c *Cache) AllObjectsDirty() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[uint64]bool{}
	for k := range c.dirty {
		seen[k.object] = true
	}
	out := make([]uint64, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	return out
}

// FlushObject writes out every dirty node of object's tree, depth 0
// first, installing each freshly-written reference into its parent (or
// the tree's root) before moving up a level. By the time it returns, the
// tree's root reference reflects every pending mutation and no dirty
// marker remains for this object.
func (c *Cache) FlushObject(ctx context.Context, object uint64) error {
	c.mu.Lock()
	t := c.trees[object]
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	for depth := uint8(0); uint64(depth) <= uint64(t.Depth()); depth++ {
		for _, key := range c.DirtyKeysAt(object, depth) {
			buf, ok := c.Peek(key)
			if !ok {
				c.clearDirty(key)
				continue
			}
			ref, err := t.storage.Write(ctx, buf)
			if err != nil {
				return err
			}
			c.clearDirty(key)
			if err := t.installRef(ctx, uint64(key.depth), key.offset, ref); err != nil {
				return err
			}
		}
		// Resizing or a fresh level introduced by grow may have raised
		// t.Depth() mid-loop; re-read it each iteration via the loop
		// condition rather than caching it once.
	}
	return nil
}

// FlushAll flushes every object named in order, in order. Callers
// arrange order so that dependent trees (the object list and bitmap)
// are flushed after the regular objects whose allocations they record.
func (c *Cache) FlushAll(ctx context.Context, order []uint64) error {
	for _, object := range order {
		if err := c.FlushObject(ctx, object); err != nil {
			return err
		}
	}
	return nil
}
