// Package collections implements the per-vbucket collections manifest: a
// monotone manifestUid and a map from CollectionID to lifecycle entry,
// driving the "logical deletion" gate DCP producers consult to drop items
// whose collection no longer exists, and the system event sequencing
// (deletions, then additions) that keeps the replicated event stream's uid
// transition consistent.
package collections

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	mapset "github.com/deckarep/golang-set"

	"github.com/owendCB/kv-engine/checkpoint"
	"github.com/owendCB/kv-engine/fatal"
)

// CollectionID identifies a collection. DefaultCollectionID is present in
// every vbucket from creation and is never itself subject to update().
type CollectionID uint32

const DefaultCollectionID CollectionID = 0

// OpenEndSeqno is the endSeqno sentinel meaning "still open".
const OpenEndSeqno uint64 = math.MaxUint64

// Entry is one collection's lifecycle record.
type Entry struct {
	CID        CollectionID
	StartSeqno uint64
	EndSeqno   uint64 // OpenEndSeqno while the collection is open
}

func (e *Entry) open() bool { return e.EndSeqno == OpenEndSeqno }

// EventKind distinguishes the system events the manifest appends to the
// checkpoint while applying an update.
type EventKind int

const (
	CollectionBegin EventKind = iota
	CollectionEnd
	DeleteCollectionHard
)

// SystemEvent is what the manifest hands the checkpoint manager for each
// begin/end/hard-delete it emits, plus what a DCP producer would need to
// replay it.
type SystemEvent struct {
	Kind        EventKind
	CID         CollectionID
	ManifestUid uint64 // the uid this event's transition carries (old, except the last event of each phase)
	Seqno       uint64
}

// Manifest tracks one vbucket's collection lifecycles.
type Manifest struct {
	mu sync.Mutex

	VBid        uint16
	manifestUid uint64
	entries     map[CollectionID]*Entry

	greatestEndSeqno     uint64
	nDeletingCollections int

	// deletedSeqnos is the roaring64 set of by-seqnos covered by a
	// deleting collection's [start,end] range, cleared once no deleting
	// collection remains. IsLogicallyDeleted does not consult it; it
	// checks greatestEndSeqno and the collection's Entry.
	deletedSeqnos *roaring64.Bitmap

	checkpoints *checkpoint.Manager
}

// New constructs a Manifest with only the default collection open, as every
// vbucket starts.
func New(vbid uint16, checkpoints *checkpoint.Manager) *Manifest {
	return &Manifest{
		VBid: vbid,
		entries: map[CollectionID]*Entry{
			DefaultCollectionID: {CID: DefaultCollectionID, StartSeqno: 0, EndSeqno: OpenEndSeqno},
		},
		greatestEndSeqno: OpenEndSeqno,
		deletedSeqnos:    roaring64.New(),
		checkpoints:      checkpoints,
	}
}

func (m *Manifest) ManifestUid() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifestUid
}

// DefaultCollectionExists, GreatestEndSeqno and NDeletingCollections are
// derived fields maintained across updates and completions.
func (m *Manifest) DefaultCollectionExists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[DefaultCollectionID]
	return ok && e.open()
}

func (m *Manifest) GreatestEndSeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.greatestEndSeqno
}

func (m *Manifest) NDeletingCollections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nDeletingCollections
}

// Update diffs the currently-open collections against `want`, rejects any
// addition targeting a collection already in "deleting" state, then
// applies deletions (one at a time, old uid on all but the last) followed
// by additions (same rule), returning false if the update was rejected
// before any state change. Observers of the event stream see all
// deletions, then all additions, with the new uid bound only to the final
// event of each phase.
func (m *Manifest) Update(newUid uint64, want []CollectionID) (bool, []SystemEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wantSet := mapset.NewSet()
	for _, cid := range want {
		wantSet.Add(cid)
	}

	haveSet := mapset.NewSet()
	for cid, e := range m.entries {
		if e.open() {
			haveSet.Add(cid)
		}
	}

	additions := setDiffCIDs(wantSet, haveSet)
	deletions := setDiffCIDs(haveSet, wantSet)

	for _, cid := range additions {
		if e, ok := m.entries[cid]; ok && !e.open() {
			// Addition targets a collection still in "deleting" state:
			// reject the whole update, no partial application.
			return false, nil
		}
	}

	var events []SystemEvent

	for i, cid := range deletions {
		seqno := m.checkpoints.QueueDirty(encodeKey(cid), false, true)
		e := m.entries[cid]
		e.EndSeqno = seqno
		m.nDeletingCollections++
		if seqno > 0 {
			m.deletedSeqnos.AddRange(e.StartSeqno, seqno+1)
		}
		if e.EndSeqno > m.greatestEndSeqno || m.greatestEndSeqno == OpenEndSeqno {
			m.greatestEndSeqno = e.EndSeqno
		}

		uid := m.manifestUid
		if i == len(deletions)-1 {
			uid = newUid
		}
		events = append(events, SystemEvent{Kind: CollectionEnd, CID: cid, ManifestUid: uid, Seqno: seqno})
	}

	for i, cid := range additions {
		seqno := m.checkpoints.QueueDirty(encodeKey(cid), false, true)
		m.entries[cid] = &Entry{CID: cid, StartSeqno: seqno, EndSeqno: OpenEndSeqno}

		uid := m.manifestUid
		if i == len(additions)-1 {
			uid = newUid
		}
		events = append(events, SystemEvent{Kind: CollectionBegin, CID: cid, ManifestUid: uid, Seqno: seqno})
	}

	m.manifestUid = newUid
	return true, events
}

// setDiffCIDs returns elements of a not in b, in a deterministic order
// (sorted by CollectionID) so event sequencing is reproducible across
// replays of the same update.
func setDiffCIDs(a, b mapset.Set) []CollectionID {
	diff := a.Difference(b)
	out := make([]CollectionID, 0, diff.Cardinality())
	for v := range diff.Iter() {
		out = append(out, v.(CollectionID))
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CompleteDeletion is invoked once the flusher has persisted a collection's
// end event: removes the entry, decrements nDeletingCollections, and
// resets greatestEndSeqno to the open sentinel once no deleting collection
// remains.
func (m *Manifest) CompleteDeletion(cid CollectionID) SystemEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[cid]
	if !ok || e.open() {
		fatal.Violation("CompleteDeletion called on a non-deleting collection %d", cid)
	}
	delete(m.entries, cid)
	m.nDeletingCollections--
	if m.nDeletingCollections < 0 {
		fatal.Violation("nDeletingCollections underflow completing collection %d", cid)
	}
	if m.nDeletingCollections == 0 {
		m.greatestEndSeqno = OpenEndSeqno
		m.deletedSeqnos.Clear()
	}
	return SystemEvent{Kind: DeleteCollectionHard, CID: cid, ManifestUid: m.manifestUid}
}

// IsLogicallyDeleted is the hot-path gate: a document at seqno s in cid's
// collection is logically deleted iff s <= greatestEndSeqno AND cid has a
// deleting entry whose endSeqno >= s.
func (m *Manifest) IsLogicallyDeleted(cid CollectionID, seqno uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.greatestEndSeqno == OpenEndSeqno || seqno > m.greatestEndSeqno {
		return false
	}
	e, ok := m.entries[cid]
	if !ok {
		return false
	}
	return !e.open() && e.EndSeqno >= seqno
}

// IsOpen reports whether cid currently accepts writes.
func (m *Manifest) IsOpen(cid CollectionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[cid]
	return ok && e.open()
}

// DoesKeyContainValidCollection extracts the collection prefix from key
// and reports whether that collection is currently open.
func (m *Manifest) DoesKeyContainValidCollection(key []byte) bool {
	cid, ok := decodeKeyCID(key)
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[cid]
	return ok && e.open()
}

// encodeKey / decodeKeyCID implement the collection-id key prefix: the
// first 4 bytes, big-endian, identify the owning collection. Used both to
// extract a document key's collection and as the system-event "key" the
// checkpoint log records for begin/end events.
func encodeKey(cid CollectionID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(cid))
	return b[:]
}

func decodeKeyCID(key []byte) (CollectionID, bool) {
	if len(key) < 4 {
		return 0, false
	}
	return CollectionID(binary.BigEndian.Uint32(key[:4])), true
}

// persistedManifest is the compact JSON shape written to disk:
// {uid, collections:[{uid,startSeqno,endSeqno}, ...]}.
type persistedManifest struct {
	Uid         uint64           `json:"uid"`
	Collections []persistedEntry `json:"collections"`
}

type persistedEntry struct {
	Uid        CollectionID `json:"uid"`
	StartSeqno uint64       `json:"startSeqno"`
	EndSeqno   uint64       `json:"endSeqno"`
}

// MarshalJSON round-trips (uid, entries) exactly: persist then load yields
// the same set.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm := persistedManifest{Uid: m.manifestUid}
	for _, e := range m.entries {
		pm.Collections = append(pm.Collections, persistedEntry{Uid: e.CID, StartSeqno: e.StartSeqno, EndSeqno: e.EndSeqno})
	}
	return json.Marshal(pm)
}

// LoadJSON replaces the manifest's state with the persisted form, used at
// vbucket warmup.
func (m *Manifest) LoadJSON(data []byte) error {
	var pm persistedManifest
	if err := json.Unmarshal(data, &pm); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.manifestUid = pm.Uid
	m.entries = make(map[CollectionID]*Entry, len(pm.Collections))
	m.nDeletingCollections = 0
	m.greatestEndSeqno = OpenEndSeqno
	m.deletedSeqnos = roaring64.New()
	for _, pe := range pm.Collections {
		e := &Entry{CID: pe.Uid, StartSeqno: pe.StartSeqno, EndSeqno: pe.EndSeqno}
		m.entries[pe.Uid] = e
		if !e.open() {
			m.nDeletingCollections++
			if e.EndSeqno > m.greatestEndSeqno || m.greatestEndSeqno == OpenEndSeqno {
				m.greatestEndSeqno = e.EndSeqno
			}
			m.deletedSeqnos.AddRange(e.StartSeqno, e.EndSeqno+1)
		}
	}
	return nil
}

// EncodeSystemEventBinary is the binary form attached to each system
// event: a length-prefixed entry array with a trailing entry representing
// the just-changed collection.
func EncodeSystemEventBinary(snapshot []Entry, changed Entry) []byte {
	var buf bytes.Buffer
	var countHdr [4]byte
	binary.BigEndian.PutUint32(countHdr[:], uint32(len(snapshot)+1))
	buf.Write(countHdr[:])
	for _, e := range append(append([]Entry(nil), snapshot...), changed) {
		var rec [20]byte
		binary.BigEndian.PutUint32(rec[0:4], uint32(e.CID))
		binary.BigEndian.PutUint64(rec[4:12], e.StartSeqno)
		binary.BigEndian.PutUint64(rec[12:20], e.EndSeqno)
		buf.Write(rec[:])
	}
	return buf.Bytes()
}

// Snapshot returns a stable copy of every entry, for persistence and the
// `vbucket-details` control command.
func (m *Manifest) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}
