package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/owendCB/kv-engine/vbucket"
)

// PersistedVBState is the per-vbucket state record the flusher writes and
// warmup reads back. The collections manifest travels as an opaque blob so
// the record's shape doesn't change when the manifest's does.
type PersistedVBState struct {
	State                   string                  `json:"state"`
	PersistenceCheckpointID uint64                  `json:"persistenceCheckpointId"`
	HighSeqno               uint64                  `json:"highSeqno"`
	PurgeSeqno              uint64                  `json:"purgeSeqno"`
	SnapStart               uint64                  `json:"snapStart"`
	SnapEnd                 uint64                  `json:"snapEnd"`
	MaxCas                  uint64                  `json:"maxCas"`
	HLCEpochSeqno           uint64                  `json:"hlcEpochSeqno"`
	FailoverLog             []vbucket.FailoverEntry `json:"failoverLog"`
	CollectionsManifest     json.RawMessage         `json:"collectionsManifest,omitempty"`
}

// StateStore is an in-memory keeper of per-vbucket state records, the
// handoff point between the external flusher (which owns the real on-disk
// format) and warmup. Safe for concurrent use.
type StateStore struct {
	mu      sync.RWMutex
	records map[uint16][]byte
}

func NewStateStore() *StateStore {
	return &StateStore{records: make(map[uint16][]byte)}
}

// Put stores the serialized record for vbid, replacing any prior one.
func (s *StateStore) Put(vbid uint16, rec PersistedVBState) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[vbid] = data
	s.mu.Unlock()
	return nil
}

// Get loads vbid's record, false if never persisted.
func (s *StateStore) Get(vbid uint16) (PersistedVBState, bool, error) {
	s.mu.RLock()
	data, ok := s.records[vbid]
	s.mu.RUnlock()
	if !ok {
		return PersistedVBState{}, false, nil
	}
	var rec PersistedVBState
	if err := json.Unmarshal(data, &rec); err != nil {
		return PersistedVBState{}, true, err
	}
	return rec, true, nil
}

// SnapshotVBState captures a vbucket's current durable state as a record
// the flusher can persist alongside its data files.
func SnapshotVBState(vb *vbucket.VBucket, persistenceCheckpointID, purgeSeqno, snapStart, snapEnd uint64) (PersistedVBState, error) {
	manifest, err := json.Marshal(vb.Manifest())
	if err != nil {
		return PersistedVBState{}, err
	}
	return PersistedVBState{
		State:                   vb.State().String(),
		PersistenceCheckpointID: persistenceCheckpointID,
		HighSeqno:               vb.Checkpoints().HighSeqno(),
		PurgeSeqno:              purgeSeqno,
		SnapStart:               snapStart,
		SnapEnd:                 snapEnd,
		FailoverLog:             vb.FailoverTable().Entries(),
		CollectionsManifest:     manifest,
	}, nil
}

// Warmup restores a vbucket's collections manifest and state from a
// persisted record. The hash table itself is repopulated by the external
// backfill, not here.
func Warmup(vb *vbucket.VBucket, rec PersistedVBState) error {
	if len(rec.CollectionsManifest) > 0 {
		if err := vb.Manifest().LoadJSON(rec.CollectionsManifest); err != nil {
			return fmt.Errorf("engine: warmup vbucket %d manifest: %w", vb.VBid(), err)
		}
	}
	switch rec.State {
	case "active":
		vb.SetState(vbucket.StateActive, 0)
	case "replica":
		vb.SetState(vbucket.StateReplica, 0)
	case "pending":
		vb.SetState(vbucket.StatePending, 0)
	default:
		vb.SetState(vbucket.StateDead, 0)
	}
	vb.SetPersistenceSeqno(rec.HighSeqno)
	return nil
}
