// Package checkpoint implements the per-vbucket checkpoint log consumed by
// persistence and replication: an ordered sequence of checkpoints, each
// holding queued_item entries, with strictly monotonic by-seqno values
// across the whole log.
package checkpoint

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/owendCB/kv-engine/fatal"
)

// QueuedItem references a StoredValue mutation by key and the by-seqno
// assigned to it. The checkpoint log never copies value bytes, it indexes
// into the hash table.
type QueuedItem struct {
	Key         []byte
	Seqno       uint64
	Deleted     bool
	SystemEvent bool // collections begin/end event rather than a document mutation
}

// Checkpoint is one segment of the log.
type Checkpoint struct {
	ID         uint64
	Open       bool
	Items      []QueuedItem
	createdAt  time.Time
	cursorRefs int // outstanding replica/persistence cursors still reading this checkpoint
}

// Manager owns one vbucket's checkpoint log. Writers holding different
// hash stripe locks and the pager's reclaim call all reach the manager
// concurrently, so it carries its own lock, acquired after any stripe
// lock and before the durability monitor's.
type Manager struct {
	VBid uint16

	mu          sync.Mutex
	checkpoints []*Checkpoint
	nextSeqno   uint64
	nextID      uint64

	maxItemsPerCheckpoint int
	maxCheckpointAge      time.Duration
}

// New starts a manager with a single open checkpoint (ID 1) and by-seqno
// starting at 1.
func New(vbid uint16, maxItemsPerCheckpoint int, maxCheckpointAge time.Duration) *Manager {
	m := &Manager{
		VBid:                  vbid,
		nextSeqno:             1,
		nextID:                1,
		maxItemsPerCheckpoint: maxItemsPerCheckpoint,
		maxCheckpointAge:      maxCheckpointAge,
	}
	m.checkpoints = []*Checkpoint{{ID: 1, Open: true, createdAt: time.Now()}}
	return m
}

func (m *Manager) open() *Checkpoint {
	return m.checkpoints[len(m.checkpoints)-1]
}

// QueueDirty appends a mutation to the open checkpoint and assigns it the
// next by-seqno, keeping seqnos strictly monotonic across the whole log.
// If the open checkpoint has grown past its size/age cap, a new checkpoint
// is opened first, which is what gives RemoveClosedUnrefCheckpoints
// something to reclaim in a long-running vbucket.
func (m *Manager) QueueDirty(key []byte, deleted, systemEvent bool) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.open()
	if m.shouldRotate(cur) {
		m.rotateLocked()
		cur = m.open()
	}

	seqno := m.nextSeqno
	m.nextSeqno++
	cur.Items = append(cur.Items, QueuedItem{Key: append([]byte(nil), key...), Seqno: seqno, Deleted: deleted, SystemEvent: systemEvent})
	return seqno
}

func (m *Manager) shouldRotate(cur *Checkpoint) bool {
	if m.maxItemsPerCheckpoint > 0 && len(cur.Items) >= m.maxItemsPerCheckpoint {
		return true
	}
	if m.maxCheckpointAge > 0 && time.Since(cur.createdAt) >= m.maxCheckpointAge {
		return true
	}
	return false
}

func (m *Manager) rotateLocked() uint64 {
	m.open().Open = false
	m.nextID++
	cp := &Checkpoint{ID: m.nextID, Open: true, createdAt: time.Now()}
	m.checkpoints = append(m.checkpoints, cp)
	return cp.ID
}

// CreateNewCheckpoint closes the currently-open checkpoint and opens a new
// one, returning the new checkpoint's ID.
func (m *Manager) CreateNewCheckpoint() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

// GetOpenCheckpointId returns the currently-open checkpoint's ID.
func (m *Manager) GetOpenCheckpointId() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open().ID
}

// AddCursorRef/ReleaseCursorRef track outstanding replica or persistence
// cursors reading a checkpoint, the reference count
// RemoveClosedUnrefCheckpoints consults. The manager has no visibility
// into DCP/flusher internals; callers there call these as they advance
// past a checkpoint.
func (m *Manager) AddCursorRef(checkpointID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints {
		if cp.ID == checkpointID {
			cp.cursorRefs++
			return
		}
	}
}

func (m *Manager) ReleaseCursorRef(checkpointID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints {
		if cp.ID == checkpointID {
			if cp.cursorRefs == 0 {
				fatal.Violation("ReleaseCursorRef underflow for checkpoint %d", checkpointID)
			}
			cp.cursorRefs--
			return
		}
	}
}

// RemoveClosedUnrefCheckpoints drops every closed checkpoint with zero
// outstanding cursor references, always leaving at least the open one.
// newCheckpointCreated is always false here: this manager only creates a
// checkpoint on rotation inside QueueDirty, never as a side effect of
// reclamation.
func (m *Manager) RemoveClosedUnrefCheckpoints() (removedCount int, newCheckpointCreated bool) {
	m.mu.Lock()
	kept := m.checkpoints[:0]
	for _, cp := range m.checkpoints {
		if !cp.Open && cp.cursorRefs == 0 {
			removedCount++
			continue
		}
		kept = append(kept, cp)
	}
	m.checkpoints = kept
	m.mu.Unlock()

	if removedCount > 0 {
		log.Info("removed closed checkpoints", "vbid", m.VBid, "count", removedCount)
	}
	return removedCount, false
}

// Checkpoints returns a snapshot for the `checkpoint [vbid]` control
// command.
func (m *Manager) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.checkpoints))
	for i, cp := range m.checkpoints {
		out[i] = *cp
	}
	return out
}

// HighSeqno is the last by-seqno assigned (0 if none yet).
func (m *Manager) HighSeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeqno - 1
}
