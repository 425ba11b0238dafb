package store

import (
	"context"
	"sync"
	"sync/atomic"
)

// CacheLimits bounds the memory a Store's cache may hold resident: Hard
// is enforced (Get blocks until under budget). Soft is passed to the cache
// but nothing evicts against it; entries are dropped only by explicit
// Cache.Evict calls. Zero means unbounded.
type CacheLimits struct {
	Hard int64
	Soft int64
}

// Store is the top-level object store: a device set, the storage layer
// built on top of it, a bounded cache, the object table, and the
// transaction generation counter tying them to a durable header.
type Store struct {
	mu sync.Mutex

	storage *Storage
	cache   *Cache
	table   *ObjectTable
	headers HeaderStore

	generation uint64
	touched    map[uint64]bool
	trees      map[uint64]*Tree

	nextPseudo uint64
}

// Format initializes a brand-new store: an empty object table over a
// freshly allocated arena, and commits once so a Load immediately after
// succeeds.
func Format(ctx context.Context, devices *DeviceSet, cipher Cipher, maxRecordSize MaxRecordSize, compression Compression, limits CacheLimits, headers HeaderStore) (*Store, error) {
	storage := &Storage{
		Devices:       devices,
		Alloc:         NewAllocator(devices.ArenaBlockCount()),
		Cipher:        cipher,
		MaxRecordSize: maxRecordSize,
		Compression:   compression,
	}
	s := &Store{
		storage: storage,
		cache:   NewCache(limits.Hard, limits.Soft),
		headers: headers,
		touched: make(map[uint64]bool),
		trees:   make(map[uint64]*Tree),
	}
	s.table = NewObjectTable(s.cache, s.storage, RecordRefNone, 0, RecordRefNone, 0, nil)
	if _, err := s.commitLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reconstructs a Store from the most recent durable snapshot: the
// allocator log, the object table roots, and the generation counter that
// seeds the next run's nonces.
func Load(ctx context.Context, devices *DeviceSet, cipher Cipher, maxRecordSize MaxRecordSize, compression Compression, limits CacheLimits, headers HeaderStore) (*Store, error) {
	snap, err := headers.Load(ctx)
	if err != nil {
		return nil, err
	}
	storage := &Storage{
		Devices:       devices,
		Cipher:        cipher,
		MaxRecordSize: maxRecordSize,
		Compression:   compression,
	}
	storage.SetEpoch(snap.Generation)
	alloc, err := LoadAllocator(ctx, storage, snap.AllocatorRoot, devices.ArenaBlockCount())
	if err != nil {
		return nil, err
	}
	storage.Alloc = alloc
	s := &Store{
		storage:    storage,
		cache:      NewCache(limits.Hard, limits.Soft),
		headers:    headers,
		generation: snap.Generation,
		touched:    make(map[uint64]bool),
		trees:      make(map[uint64]*Tree),
	}
	s.table = NewObjectTable(s.cache, s.storage, snap.ListRoot, snap.ListLength, snap.BitmapRoot, snap.BitmapLength, nil)
	return s, nil
}

// SetRepair enables or disables automatic re-seeding of a mirror that
// fails its integrity check once a good copy is found elsewhere.
func (s *Store) SetRepair(allow bool) { s.storage.AllowRepair = allow }

func (s *Store) markTouched(id uint64) {
	s.mu.Lock()
	s.touched[id] = true
	s.mu.Unlock()
}

func (s *Store) openLocked(ctx context.Context, id uint64) (*Tree, error) {
	if t, ok := s.trees[id]; ok {
		return t, nil
	}
	t, err := s.table.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	s.trees[id] = t
	return t, nil
}

// CreateObject allocates a new, empty object and returns its id.
func (s *Store) CreateObject(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, t, err := s.table.CreateObject(ctx)
	if err != nil {
		return 0, err
	}
	s.trees[id] = t
	s.touched[id] = true
	return id, nil
}

// DeleteObject marks id no longer live immediately, then frees its
// content asynchronously through a pseudo-object tree so a large
// object's zero-sweep doesn't block the caller.
func (s *Store) DeleteObject(ctx context.Context, id uint64) error {
	s.mu.Lock()
	t, err := s.openLocked(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.trees, id)
	s.mu.Unlock()
	t.Close()

	if err := s.table.DeleteObject(ctx, id); err != nil {
		return err
	}

	pseudoID := pseudoObjectBit | (2 + atomic.AddUint64(&s.nextPseudo, 1))
	pseudo := NewTree(s.cache, s.storage, pseudoID, t.Root(), t.Length(), nil)
	go func() {
		defer pseudo.Close()
		_ = pseudo.Resize(context.Background(), 0)
	}()
	return nil
}

// Length returns id's current logical length in bytes.
func (s *Store) Length(ctx context.Context, id uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.openLocked(ctx, id)
	if err != nil {
		return 0, err
	}
	return t.Length(), nil
}

// ReadAt reads n bytes of id starting at off.
func (s *Store) ReadAt(ctx context.Context, id uint64, off uint64, n int64) ([]byte, error) {
	s.mu.Lock()
	t, err := s.openLocked(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return t.Read(ctx, off, n)
}

// WriteAt writes data to id at off, growing id first if the write would
// extend past its current length.
func (s *Store) WriteAt(ctx context.Context, id uint64, off uint64, data []byte) error {
	s.mu.Lock()
	t, err := s.openLocked(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	need := off + uint64(len(data))
	if need > t.Length() {
		if err := t.Resize(ctx, need); err != nil {
			return err
		}
	}
	if err := t.Write(ctx, off, data); err != nil {
		return err
	}
	s.markTouched(id)
	return nil
}

// Truncate resizes id to length, freeing content past it (or zero-filling
// newly exposed bytes when growing).
func (s *Store) Truncate(ctx context.Context, id uint64, length uint64) error {
	s.mu.Lock()
	t, err := s.openLocked(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := t.Resize(ctx, length); err != nil {
		return err
	}
	s.markTouched(id)
	return nil
}

// LiveObjects returns every currently live object id.
func (s *Store) LiveObjects(ctx context.Context) ([]uint64, error) {
	return s.table.LiveIDs(ctx)
}

// Commit runs the five-step transaction commit protocol (see
// FinishTransaction) over every
// object touched since the last commit.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.commitLocked(ctx)
	return err
}

func (s *Store) commitLocked(ctx context.Context) (uint64, error) {
	touched := make([]uint64, 0, len(s.touched))
	for id := range s.touched {
		touched = append(touched, id)
	}
	next, err := FinishTransaction(ctx, s.cache, s.storage, s.table, s.headers, s.generation, touched)
	if err != nil {
		return s.generation, err
	}
	s.generation = next
	s.touched = make(map[uint64]bool)
	return next, nil
}
