// Package durability implements the durability monitor: tracking
// synchronous writes across a replication chain until a majority (by
// memory position, disk position, or both) has acknowledged them, or
// their timeout elapses. Pending writes are ordered by a petar/GoLLRB
// tree keyed on seqno.
package durability

import (
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/log"
	"github.com/petar/GoLLRB/llrb"

	"github.com/owendCB/kv-engine/fatal"
)

const maxChainSize = 4

var (
	ErrEmptyTopology    = errors.New("durability: replication topology must be non-empty")
	ErrTopologyTooLarge = errors.New("durability: replication topology exceeds 4 nodes")
	ErrDuplicateNode    = errors.New("durability: replication topology has a duplicate node name")
)

// nodeAck is a node's latest acknowledged positions. Using plain
// monotonically-increasing values instead of iterators into the tracked
// tree sidesteps the dangling-iterator hazard entirely: commit
// eligibility for a write at seqno s is just "ack >= s", a comparison
// against a stable key, never a cached position that a removal could
// invalidate. An ack past the highest tracked seqno acts as the stable
// past-the-end position and stays valid across any number of subsequent
// commits.
type nodeAck struct {
	memorySeqno uint64
	diskSeqno   uint64
}

// Monitor tracks one vbucket's synchronous writes. All state is protected
// by one lock (mu): ack, add, timeout, and topology change are mutually
// exclusive.
type Monitor struct {
	mu sync.Mutex

	VBid     uint16
	topology []string // first element is the active node
	acks     map[string]*nodeAck

	tracked *llrb.LLRB // *TrackedWrite ordered by seqno
	count   int

	persistenceSeqno uint64 // active's own persisted-to-disk seqno (notifyLocalPersistence)

	onCommit func(seqno uint64)
}

// New constructs a Monitor. onCommit is invoked (with the monitor's lock
// held) for each TrackedWrite that commits, in seqno order; the vbucket
// layer wires this to "remove from tracked list and unblock the client".
func New(vbid uint16, onCommit func(seqno uint64)) *Monitor {
	return &Monitor{
		VBid:     vbid,
		acks:     make(map[string]*nodeAck),
		tracked:  llrb.New(),
		onCommit: onCommit,
	}
}

// SetReplicationTopology validates and installs a new chain: non-empty,
// size <= 4, no duplicate node names. Existing
// per-node acks for nodes retained across the change carry over; new nodes
// start at ack 0, which is conservative (they ack nothing yet) and never
// violates invariant 3 (monotone non-decreasing).
func (m *Monitor) SetReplicationTopology(chain []string) error {
	if len(chain) == 0 {
		return ErrEmptyTopology
	}
	if len(chain) > maxChainSize {
		return ErrTopologyTooLarge
	}
	seen := mapset.NewSet()
	for _, n := range chain {
		if seen.Contains(n) {
			return ErrDuplicateNode
		}
		seen.Add(n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*nodeAck, len(chain))
	for _, n := range chain {
		if a, ok := m.acks[n]; ok {
			next[n] = a
			continue
		}
		next[n] = &nodeAck{}
	}
	m.topology = append([]string(nil), chain...)
	m.acks = next
	log.Info("durability topology changed", "vbid", m.VBid, "chain", chain)
	return m.evaluateCommitsLocked()
}

func (m *Monitor) active() string {
	if len(m.topology) == 0 {
		return ""
	}
	return m.topology[0]
}

// AddSyncWrite appends a pending write, called after the item is already
// enqueued in the checkpoint so the active node implicitly acks its own
// memory position here.
func (m *Monitor) AddSyncWrite(seqno uint64, level Level, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.tracked.Max(); existing != nil {
		if seqno <= existing.(*TrackedWrite).Seqno {
			fatal.Violation("AddSyncWrite seqno %d not strictly greater than last tracked %d", seqno, existing.(*TrackedWrite).Seqno)
		}
	}
	m.tracked.InsertNoReplace(&TrackedWrite{Seqno: seqno, Level: level, Timeout: timeout, CreatedAt: time.Now()})
	m.count++

	if a := m.active(); a != "" {
		if ack, ok := m.acks[a]; ok && seqno > ack.memorySeqno {
			ack.memorySeqno = seqno
		}
	}
	_ = m.evaluateCommitsLocked()
}

// SeqnoAckReceived records a replica's ack. memSeqno must be >= diskSeqno
// for the same call; per-node memSeqno/diskSeqno must be monotonically
// non-decreasing across calls. Both are programmer-fault violations, not
// returned errors.
func (m *Monitor) SeqnoAckReceived(node string, memSeqno, diskSeqno uint64) {
	if memSeqno < diskSeqno {
		fatal.Violation("seqnoAckReceived: memSeqno %d < diskSeqno %d for node %q", memSeqno, diskSeqno, node)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ack, ok := m.acks[node]
	if !ok {
		fatal.Violation("seqnoAckReceived: unknown node %q", node)
	}
	if memSeqno < ack.memorySeqno || diskSeqno < ack.diskSeqno {
		fatal.Violation("seqnoAckReceived: non-monotonic ack for node %q (mem %d->%d, disk %d->%d)", node, ack.memorySeqno, memSeqno, ack.diskSeqno, diskSeqno)
	}
	ack.memorySeqno = memSeqno
	ack.diskSeqno = diskSeqno

	_ = m.evaluateCommitsLocked()
}

// NotifyLocalPersistence advances the active node's disk position to the
// vbucket's current persistence seqno and re-evaluates commits.
func (m *Monitor) NotifyLocalPersistence() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.active(); a != "" {
		if ack, ok := m.acks[a]; ok && m.persistenceSeqno > ack.diskSeqno {
			ack.diskSeqno = m.persistenceSeqno
			if m.persistenceSeqno > ack.memorySeqno {
				ack.memorySeqno = m.persistenceSeqno
			}
		}
	}
	_ = m.evaluateCommitsLocked()
}

// SetPersistenceSeqno records the vbucket's latest persisted-to-disk
// seqno, consumed on the next NotifyLocalPersistence call.
func (m *Monitor) SetPersistenceSeqno(seqno uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seqno > m.persistenceSeqno {
		m.persistenceSeqno = seqno
	}
}

// majority is floor(n/2)+1 nodes, the active included: 1 of 1, 2 of 2,
// 2 of 3, 3 of 4.
func (m *Monitor) majority() int {
	return len(m.topology)/2 + 1
}

// evaluateCommitsLocked scans the tracked writes lowest seqno first and
// removes every one that has reached its durability level. Commits are
// emitted in strict seqno order even though acks race; a satisfied write
// commits even while a lower-seqno write at a stricter level stays
// tracked.
func (m *Monitor) evaluateCommitsLocked() error {
	var committed []*TrackedWrite
	m.tracked.AscendGreaterOrEqual(seqnoKey(0), func(item llrb.Item) bool {
		tw := item.(*TrackedWrite)
		if m.satisfiesLocked(tw) {
			committed = append(committed, tw)
		}
		return true
	})
	for _, tw := range committed {
		m.tracked.Delete(tw)
		m.count--
		if m.onCommit != nil {
			m.onCommit(tw.Seqno)
		}
	}
	return nil
}

func (m *Monitor) satisfiesLocked(tw *TrackedWrite) bool {
	majority := m.majority()
	memCount, diskCount := 0, 0
	for _, n := range m.topology {
		ack := m.acks[n]
		if ack == nil {
			continue
		}
		if ack.memorySeqno >= tw.Seqno {
			memCount++
		}
		if ack.diskSeqno >= tw.Seqno {
			diskCount++
		}
	}

	switch tw.Level {
	case Majority:
		return memCount >= majority
	case MajorityAndPersistOnMaster:
		if memCount < majority {
			return false
		}
		a := m.active()
		return a != "" && m.acks[a] != nil && m.acks[a].diskSeqno >= tw.Seqno
	case PersistToMajority:
		return diskCount >= majority
	default:
		return false
	}
}

// ProcessTimeout aborts every tracked write whose deadline has passed, in
// no particular order. Timeouts don't need to fire in seqno order the way
// commits do. Timeout 0 means never expire.
// Returns the aborted seqnos so the caller can surface ETIMEDOUT to each
// original client.
func (m *Monitor) ProcessTimeout(now time.Time) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*TrackedWrite
	m.tracked.AscendGreaterOrEqual(seqnoKey(0), func(item llrb.Item) bool {
		tw := item.(*TrackedWrite)
		if tw.Timeout != 0 && !tw.CreatedAt.Add(tw.Timeout).After(now) {
			expired = append(expired, tw)
		}
		return true
	})

	seqnos := make([]uint64, 0, len(expired))
	for _, tw := range expired {
		m.tracked.Delete(tw)
		m.count--
		seqnos = append(seqnos, tw.Seqno)
		log.Info("sync write timed out", "vbid", m.VBid, "seqno", tw.Seqno, "level", tw.Level)
	}
	return seqnos
}

// NumTracked returns the number of writes still pending commit or timeout.
func (m *Monitor) NumTracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Stats is a snapshot for the `durability-monitor [vbid]` control command.
type Stats struct {
	Topology   []string
	NumTracked int
	OldestAge  time.Duration
}

func (m *Monitor) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Topology: append([]string(nil), m.topology...), NumTracked: m.count}
	if min := m.tracked.Min(); min != nil {
		s.OldestAge = time.Since(min.(*TrackedWrite).CreatedAt)
	}
	return s
}
