// Package storedvalue defines the per-slot entry of a vbucket's hash table
// and the bits of its mutation lifecycle. It holds no locking
// or hash-table logic of its own: every field here is mutated only by a
// caller already holding the hash-bucket stripe lock that covers it
// (package hashtable). Plain data, with all concurrency control living one
// layer up.
package storedvalue

// Datatype is a bitset describing how a value's bytes are encoded.
type Datatype uint8

const (
	DatatypeRaw Datatype = 1 << iota
	DatatypeJSON
	DatatypeSnappy
	DatatypeXattr
)

func (d Datatype) Has(bit Datatype) bool { return d&bit != 0 }

// Seqno sentinel values, encoding states that don't correspond to a real
// by-seqno position in the checkpoint log.
const (
	SeqnoPending        uint64 = 0
	SeqnoNonExistentKey uint64 = 1
	SeqnoDeletedKey     uint64 = 2
	SeqnoTempInit       uint64 = 3
	SeqnoCollectionOpen uint64 = 0xFFFFFFFFFFFFFFFF
)

// TempState distinguishes the placeholder a StoredValue holds while a
// background fetch is outstanding.
type TempState uint8

const (
	NotTemp TempState = iota
	TempInitial
	TempDeleted
	TempNonExistent
)

// Bits holds the boolean state flags a StoredValue tracks, kept as
// individual fields rather than a packed bitset.
type Bits struct {
	Dirty        bool // not yet reflected in a completed checkpoint flush
	Deleted      bool // tombstone; Value, if present, holds pruned system xattrs only
	NewCacheItem bool // created by background fetch, not yet read by a client
	Ordered      bool // participates in the checkpoint's queued_item ordering
	Resident     bool // Value bytes are present in the resident byte store
	Stale        bool // superseded by a newer StoredValue sharing the same slot (full-eviction temp resolution)
}

// StoredValue is one hash-table slot entry. Value is nil when
// the item is non-resident (value evicted, metadata retained) or when Temp
// is not NotTemp (placeholder awaiting background fetch resolution).
type StoredValue struct {
	Key   []byte
	Value []byte

	CAS         uint64
	RevSeqno    uint64 // monotone per key
	BySeqno     uint64 // monotone per vbucket; SeqnoPending/SeqnoTempInit etc. while unresolved
	Flags       uint32
	Exptime     int64 // unix seconds; 0 = never expires
	Datatype    Datatype
	NRU         uint8 // 2 bits used
	FreqCounter uint8 // 8-bit saturating probabilistic counter
	Temp        TempState

	// LockOrDeleteTime is a shared field tagged by Bits.Deleted: while the
	// item is live it holds the getLocked expiry instant; once Deleted it
	// holds the delete timestamp. One field instead of two mostly-mutually-
	// exclusive timestamps.
	LockOrDeleteTime int64

	Bits Bits
}

// IsLocked reports whether a client lock (getLocked) is still in force at
// `now`. A deleted item is never considered locked.
func (sv *StoredValue) IsLocked(now int64) bool {
	return !sv.Bits.Deleted && sv.LockOrDeleteTime > now
}

// IsExpired reports the expiry predicate: exptime 0 never expires.
func (sv *StoredValue) IsExpired(now int64) bool {
	return sv.Exptime != 0 && sv.Exptime < now
}

// NRUFromFrequency maps the 8-bit probabilistic frequency counter to the
// legacy 4-level NRU reporting buckets:
// [192,∞)->0 (hottest), [128,192)->1, [64,128)->2 (warm), [0,64)->3 (coldest).
func NRUFromFrequency(freq uint8) uint8 {
	switch {
	case freq >= 192:
		return 0
	case freq >= 128:
		return 1
	case freq >= 64:
		return 2
	default:
		return 3
	}
}

// InitialFrequency is the warm starting value new items receive so they
// aren't immediately re-evicted by the next pager pass.
const InitialFrequency uint8 = 64

// BumpFrequency applies one access to the 8-bit counter: the chance of
// actually incrementing falls as the counter grows, so the visible 8 bits
// approximate a much larger access count. Saturates at 255. The caller
// supplies r in [0,1), normally a rand.Float64() draw; taking it as an
// argument keeps the schedule testable.
func (sv *StoredValue) BumpFrequency(r float64) {
	if sv.FreqCounter == 0xFF {
		return
	}
	chance := 1.0 / float64(1+sv.FreqCounter/8)
	if r < chance {
		sv.FreqCounter++
	}
}
