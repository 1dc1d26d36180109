package durability

import (
	"time"

	"github.com/petar/GoLLRB/llrb"
)

// Level is the durability requirement a sync write must reach before it
// commits.
type Level int

const (
	Majority Level = iota
	MajorityAndPersistOnMaster
	PersistToMajority
)

func (l Level) String() string {
	switch l {
	case Majority:
		return "Majority"
	case MajorityAndPersistOnMaster:
		return "MajorityAndPersistOnMaster"
	case PersistToMajority:
		return "PersistToMajority"
	default:
		return "Unknown"
	}
}

// TrackedWrite is one pending synchronous write.
type TrackedWrite struct {
	Seqno     uint64
	Level     Level
	Timeout   time.Duration // 0 means never expire
	CreatedAt time.Time
}

// Less implements llrb.Item, ordering TrackedWrite entries by seqno. The
// tree gives us sorted iteration (for the lowest-seqno-first commit scan
// and processTimeout's full scan) without the dangling-iterator problem a
// raw slice/list would have across removals: every lookup is by the stable
// key (seqno), never a cached position.
func (w *TrackedWrite) Less(than llrb.Item) bool {
	return w.Seqno < seqnoOf(than)
}

// seqnoKey is a throwaway probe value for llrb lookups by seqno alone,
// e.g. tree.AscendGreaterOrEqual(seqnoKey(s), ...).
type seqnoKey uint64

func (k seqnoKey) Less(than llrb.Item) bool {
	return uint64(k) < seqnoOf(than)
}

func seqnoOf(item llrb.Item) uint64 {
	switch v := item.(type) {
	case *TrackedWrite:
		return v.Seqno
	case seqnoKey:
		return uint64(v)
	default:
		return 0
	}
}
