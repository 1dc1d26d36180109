package hashtable

import (
	"hash/fnv"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// MaybeExistsFilter is the full-eviction "may exist" membership check. It
// is not a probabilistic Bloom filter internally, it's a roaring.Bitmap of
// 32-bit key fingerprints, behaviourally equivalent for the one operation
// the hash table needs: a miss means "definitely absent", a hit means
// "disk must be consulted".
type MaybeExistsFilter struct {
	mu sync.Mutex
	bm *roaring.Bitmap
}

func NewMaybeExistsFilter() *MaybeExistsFilter {
	return &MaybeExistsFilter{bm: roaring.New()}
}

func fingerprint(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

// Add records that `key` was evicted from memory and may now only exist on
// disk.
func (f *MaybeExistsFilter) Add(key []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bm.Add(fingerprint(key))
}

// MayExist reports whether `key` might be on disk. False is authoritative.
func (f *MaybeExistsFilter) MayExist(key []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bm.Contains(fingerprint(key))
}

// Reset clears the filter, done by the control surface's `reset` command
// and after a full compaction makes its fingerprints stale.
func (f *MaybeExistsFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bm.Clear()
}

func (f *MaybeExistsFilter) Cardinality() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bm.GetCardinality()
}
