package store

// pseudoObjectBit marks an internal object id: the two object-table trees
// and the trees Store.DeleteObject sweeps in the background. Resize does
// not use pseudo ids; a shrink frees the truncated records synchronously.
// Pseudo ids never touch the object bitmap and cannot collide with
// durable ids.
const pseudoObjectBit = uint64(1) << 63

// cacheKey identifies one resident buffer: a node at depth of the record
// tree belonging to object, covering the offset-th span at that depth.
type cacheKey struct {
	object uint64
	depth  uint8
	offset uint64
}
