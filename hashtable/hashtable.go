// Package hashtable implements the per-vbucket hash table of StoredValues
// and its mutation state machine: set/add/replace/delete, locking, expiry,
// conflict resolution, and the temp-item/background-fetch dance. Every
// StoredValue access is guarded by the stripe lock covering its key,
// modeled as a compile-time-checked Locked handle rather than a bare key
// lookup, so mutating a value without holding its lock is a compile error.
package hashtable

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/owendCB/kv-engine/fatal"
	"github.com/owendCB/kv-engine/storedvalue"
)

// EvictionPolicy selects whether keys with no resident value may also be
// absent from the table entirely.
type EvictionPolicy int

const (
	ValueOnly EvictionPolicy = iota
	FullEviction
)

// stripe is one lock-protected shard of the table. The table holds a fixed,
// small number of stripes; each stripe's map can grow to hold an unbounded
// number of keys, so lock contention stays flat as the keyspace grows.
type stripe struct {
	mu    sync.Mutex
	items map[string]*storedvalue.StoredValue
}

// HashTable is one vbucket's keyspace. VBid scopes the resident byte store
// so multiple vbuckets can safely share one process-wide fastcache.
type HashTable struct {
	VBid     uint16
	Policy   EvictionPolicy
	stripes  []*stripe
	resident *fastcache.Cache

	memUsed   int64 // atomic; bytes currently attributed to this table
	memCeil   int64 // admission ceiling; 0 = unbounded
	relaxCeil int64 // relaxed ceiling used for replication-originated writes

	items              int64 // atomic aggregate counters
	nonResident        int64
	ejects             int64
	maxDeletedRevSeqno uint64 // atomic
}

// New constructs a HashTable with `numStripes` lock stripes, a resident
// value cache of `residentBytes` capacity, and the given memory ceilings.
func New(vbid uint16, policy EvictionPolicy, numStripes int, residentBytes int, memCeil, relaxCeil int64) *HashTable {
	if numStripes <= 0 {
		numStripes = 1
	}
	stripes := make([]*stripe, numStripes)
	for i := range stripes {
		stripes[i] = &stripe{items: make(map[string]*storedvalue.StoredValue)}
	}
	return &HashTable{
		VBid:      vbid,
		Policy:    policy,
		stripes:   stripes,
		resident:  fastcache.New(residentBytes),
		memCeil:   memCeil,
		relaxCeil: relaxCeil,
	}
}

func (ht *HashTable) stripeFor(key []byte) *stripe {
	h := fnv.New64a()
	_, _ = h.Write(key)
	idx := h.Sum64() % uint64(len(ht.stripes))
	return ht.stripes[idx]
}

func (ht *HashTable) residentKey(key []byte) []byte {
	out := make([]byte, 2+len(key))
	out[0] = byte(ht.VBid >> 8)
	out[1] = byte(ht.VBid)
	copy(out[2:], key)
	return out
}

// Locked is a handle proving the caller holds the stripe lock covering
// `sv`'s key. Every mutation helper in this package requires one, making it
// a compile error to mutate a StoredValue without having looked it up
// through Lookup first.
type Locked struct {
	ht     *HashTable
	s      *stripe
	key    []byte
	sv     *storedvalue.StoredValue // nil if absent
	unlock bool
}

// StoredValue returns the locked slot's current value, or nil if absent.
func (l *Locked) StoredValue() *storedvalue.StoredValue { return l.sv }

// Key returns the key this handle's lock covers.
func (l *Locked) Key() []byte { return l.key }

// Unlock releases the stripe lock. Callers must not touch the StoredValue
// returned by StoredValue() after calling Unlock. Callbacks that acquire
// other locks (checkpoint enqueue completion, durability monitor notify)
// must run only after Unlock to avoid lock-ordering inversions.
func (l *Locked) Unlock() {
	if !l.unlock {
		fatal.Violation("Locked.Unlock called twice for key %q", l.key)
	}
	l.unlock = false
	l.s.mu.Unlock()
}

// Lookup acquires the stripe lock for key and returns a Locked handle.
// Acquisition is infallible and may block briefly; it never returns an
// error.
func (ht *HashTable) Lookup(key []byte) *Locked {
	s := ht.stripeFor(key)
	s.mu.Lock()
	return &Locked{ht: ht, s: s, key: key, sv: s.items[string(key)], unlock: true}
}

// Create inserts a brand-new StoredValue into the locked, currently-absent
// slot. It is a programmer fault to call this when the slot is occupied;
// callers decide that from Locked.StoredValue() first.
func (l *Locked) Create(sv *storedvalue.StoredValue) {
	if l.sv != nil {
		fatal.Violation("Create called on occupied slot for key %q", l.key)
	}
	l.s.items[string(l.key)] = sv
	l.sv = sv
	atomic.AddInt64(&l.ht.items, 1)
	l.ht.AddMemoryUsed(int64(len(l.key) + len(sv.Value)))
	if sv.Bits.Resident {
		l.ht.resident.Set(l.ht.residentKey(l.key), sv.Value)
	} else {
		atomic.AddInt64(&l.ht.nonResident, 1)
	}
}

// Replace overwrites the locked slot's value in place (update, not
// create/destroy) keeping the aggregate item count unchanged.
func (l *Locked) Replace(sv *storedvalue.StoredValue) {
	if l.sv == nil {
		fatal.Violation("Replace called on absent slot for key %q", l.key)
	}
	wasResident := l.sv.Bits.Resident
	l.ht.AddMemoryUsed(int64(len(sv.Value)) - int64(len(l.sv.Value)))
	l.s.items[string(l.key)] = sv
	l.sv = sv
	switch {
	case wasResident && sv.Bits.Resident:
		l.ht.resident.Set(l.ht.residentKey(l.key), sv.Value)
	case wasResident && !sv.Bits.Resident:
		l.ht.resident.Del(l.ht.residentKey(l.key))
		atomic.AddInt64(&l.ht.nonResident, 1)
	case !wasResident && sv.Bits.Resident:
		l.ht.resident.Set(l.ht.residentKey(l.key), sv.Value)
		atomic.AddInt64(&l.ht.nonResident, -1)
	}
}

// Evict drops the resident value bytes and marks the slot non-resident but
// keeps the StoredValue metadata entry in place. Under FullEviction the
// caller may instead call Delete to drop the entry from the table
// entirely.
func (l *Locked) Evict() {
	if l.sv == nil || !l.sv.Bits.Resident {
		return
	}
	l.ht.resident.Del(l.ht.residentKey(l.key))
	l.ht.AddMemoryUsed(-int64(len(l.sv.Value)))
	l.sv.Value = nil
	l.sv.Bits.Resident = false
	atomic.AddInt64(&l.ht.nonResident, 1)
	atomic.AddInt64(&l.ht.ejects, 1)
}

// Delete removes the slot from the table entirely. Only valid under
// FullEviction, where keys may legitimately be absent from the table.
// ValueOnly tables keep a tombstone StoredValue instead via Replace.
func (l *Locked) Delete() {
	if l.sv == nil {
		return
	}
	if l.sv.Bits.Resident {
		l.ht.resident.Del(l.ht.residentKey(l.key))
	} else {
		atomic.AddInt64(&l.ht.nonResident, -1)
	}
	l.ht.AddMemoryUsed(-int64(len(l.key) + len(l.sv.Value)))
	delete(l.s.items, string(l.key))
	l.sv = nil
	atomic.AddInt64(&l.ht.items, -1)
}

// ResidentBytes returns the value bytes for a resident StoredValue from the
// backing fastcache, or nil if non-resident. Kept separate from
// StoredValue.Value so the hot read path can skip the cache lookup when the
// caller only needs metadata (e.g. getMetaData).
func (l *Locked) ResidentBytes() []byte {
	if l.sv == nil || !l.sv.Bits.Resident {
		return nil
	}
	return l.ht.resident.Get(nil, l.ht.residentKey(l.key))
}

// AdvanceMaxDeletedRevSeqno advances the table-wide watermark used by
// revision assignment for new mutations. Monotone: a smaller candidate is
// a no-op.
func (ht *HashTable) AdvanceMaxDeletedRevSeqno(rev uint64) {
	for {
		cur := atomic.LoadUint64(&ht.maxDeletedRevSeqno)
		if rev <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&ht.maxDeletedRevSeqno, cur, rev) {
			return
		}
	}
}

func (ht *HashTable) MaxDeletedRevSeqno() uint64 {
	return atomic.LoadUint64(&ht.maxDeletedRevSeqno)
}

// MemoryUsed returns the table's current attributed memory, for the pager
// and the admission check below.
func (ht *HashTable) MemoryUsed() int64 { return atomic.LoadInt64(&ht.memUsed) }

func (ht *HashTable) AddMemoryUsed(delta int64) {
	atomic.AddInt64(&ht.memUsed, delta)
}

// AdmitWrite checks whether admitting `itemSize` more bytes would push the
// table above its ceiling. Replication-originated writes
// (fromReplication=true) use the relaxed
// ceiling, since refusing a replicated mutation would desync the chain.
func (ht *HashTable) AdmitWrite(itemSize int64, fromReplication bool) bool {
	ceil := ht.memCeil
	if fromReplication && ht.relaxCeil > ceil {
		ceil = ht.relaxCeil
	}
	if ceil <= 0 {
		return true
	}
	return ht.MemoryUsed()+itemSize <= ceil
}

// Counters is a snapshot of the hash table's aggregate stats, surfaced by
// the `hash`/`memory` control commands.
type Counters struct {
	Items              int64
	NonResident        int64
	Ejects             int64
	MemoryUsed         int64
	MaxDeletedRevSeqno uint64
}

func (ht *HashTable) Stats() Counters {
	return Counters{
		Items:              atomic.LoadInt64(&ht.items),
		NonResident:        atomic.LoadInt64(&ht.nonResident),
		Ejects:             atomic.LoadInt64(&ht.ejects),
		MemoryUsed:         ht.MemoryUsed(),
		MaxDeletedRevSeqno: ht.MaxDeletedRevSeqno(),
	}
}

// VisitAll calls fn for a snapshot of every key currently in the table,
// used by the item pager's per-pass sampling and the expiry pager. fn
// receives a Locked handle already holding that key's stripe
// lock; it must Unlock before returning.
func (ht *HashTable) VisitAll(fn func(*Locked)) {
	for _, s := range ht.stripes {
		s.mu.Lock()
		keys := make([][]byte, 0, len(s.items))
		for k := range s.items {
			keys = append(keys, []byte(k))
		}
		s.mu.Unlock()

		for _, k := range keys {
			l := ht.Lookup(k)
			if l.sv == nil {
				l.Unlock()
				continue
			}
			fn(l)
		}
	}
}
