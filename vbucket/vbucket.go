// Package vbucket ties the hash table, checkpoint manager, durability
// monitor, collections manifest, HLC clock, and failover table together
// behind one partition's operation surface: get, getLocked,
// getAndUpdateTtl, getMetaData, getKeyStats, set, add, replace,
// setWithMeta, deleteItem, deleteWithMeta, addBackfillItem, fireAllOps,
// setState. Every mutation threads the same path: slot lookup under a
// stripe lock, state-machine decision, stored-value update, checkpoint
// enqueue, then durability notification once the lock is released.
package vbucket

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/owendCB/kv-engine/checkpoint"
	"github.com/owendCB/kv-engine/collections"
	"github.com/owendCB/kv-engine/config"
	"github.com/owendCB/kv-engine/durability"
	"github.com/owendCB/kv-engine/fatal"
	"github.com/owendCB/kv-engine/hashtable"
	"github.com/owendCB/kv-engine/hlc"
	"github.com/owendCB/kv-engine/storedvalue"
	"github.com/owendCB/kv-engine/telemetry"
)

// State is a vbucket's replication role.
type State int

const (
	StateDead State = iota
	StateActive
	StateReplica
	StatePending
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReplica:
		return "replica"
	case StatePending:
		return "pending"
	default:
		return "dead"
	}
}

// FailoverEntry is one (uuid, highSeqno) record written on every
// transition into active, consumed by the `vbucket-seqno` control command.
type FailoverEntry struct {
	UUID      uint64
	HighSeqno uint64
}

// FailoverTable is an append-only log of FailoverEntry.
type FailoverTable struct {
	mu      sync.Mutex
	entries []FailoverEntry
}

func (f *FailoverTable) append(uuid, highSeqno uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, FailoverEntry{UUID: uuid, HighSeqno: highSeqno})
}

func (f *FailoverTable) Entries() []FailoverEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FailoverEntry(nil), f.entries...)
}

// Item is a caller-supplied mutation request.
type Item struct {
	Key          []byte
	Value        []byte
	Flags        uint32
	Exptime      int64
	Datatype     storedvalue.Datatype
	CollectionID collections.CollectionID

	// Durability is non-nil for a synchronous write.
	Durability *DurabilityRequest
}

// DurabilityRequest asks a write to become a tracked sync write.
type DurabilityRequest struct {
	Level   durability.Level
	Timeout time.Duration
}

// MetaOverride carries explicit CAS/revision/datatype for a *withMeta path,
// where the remote sender, not this node, owns the metadata.
type MetaOverride struct {
	CAS      uint64
	RevSeqno uint64
	Deleted  bool
	Policy   hashtable.ConflictPolicy
}

// VBucket is one partition of the keyspace.
type VBucket struct {
	vbid uint16

	mu    sync.RWMutex // state lock; the read and write paths read-lock it while holding a stripe lock, SetState write-locks it without taking any stripe lock
	state State

	ht          *hashtable.HashTable
	checkpoints *checkpoint.Manager
	monitor     *durability.Monitor
	manifest    *collections.Manifest
	clock       *hlc.Clock
	filter      *hashtable.MaybeExistsFilter
	bgFetch     *hashtable.BgFetchCoalescer
	failover    *FailoverTable

	lockTimeout time.Duration

	queueSize int64 // atomic; outstanding items in the flusher's disk queue

	// pendingCommit maps a tracked seqno to the callback that unblocks the
	// original client once the durability monitor commits it.
	pendingMu sync.Mutex
	pending   map[uint64]func()
}

// New constructs a vbucket wired from engine configuration.
func New(vbid uint16, policy hashtable.EvictionPolicy, cfg config.Engine) *VBucket {
	vb := &VBucket{
		vbid:        vbid,
		state:       StateDead,
		lockTimeout: 15 * time.Second,
		failover:    &FailoverTable{},
		pending:     make(map[uint64]func()),
	}
	vb.ht = hashtable.New(vbid, policy, 64, 32<<20, int64(cfg.Memory.Ceiling), int64(cfg.Memory.RelaxedCeiling))
	vb.checkpoints = checkpoint.New(vbid, cfg.Checkpoint.MaxItemsPerCheckpoint, cfg.Checkpoint.MaxCheckpointAge)
	vb.manifest = collections.New(vbid, vb.checkpoints)
	vb.clock = hlc.New(uint64(time.Second), uint64(time.Second))
	vb.bgFetch = hashtable.NewBgFetchCoalescer(4096)
	if policy == hashtable.FullEviction {
		vb.filter = hashtable.NewMaybeExistsFilter()
	}
	vb.monitor = durability.New(vbid, vb.onSyncWriteCommit)
	return vb
}

func (vb *VBucket) VBid() uint16 { return vb.vbid }

func (vb *VBucket) HashTable() *hashtable.HashTable      { return vb.ht }
func (vb *VBucket) Checkpoints() *checkpoint.Manager     { return vb.checkpoints }
func (vb *VBucket) Durability() *durability.Monitor      { return vb.monitor }
func (vb *VBucket) Manifest() *collections.Manifest      { return vb.manifest }
func (vb *VBucket) Filter() *hashtable.MaybeExistsFilter { return vb.filter }
func (vb *VBucket) FailoverTable() *FailoverTable        { return vb.failover }

// IsActive satisfies pager.VBucket.
func (vb *VBucket) IsActive() bool {
	vb.mu.RLock()
	defer vb.mu.RUnlock()
	return vb.state == StateActive
}

// ResidentRatio satisfies pager.VBucket.
func (vb *VBucket) ResidentRatio() float64 {
	s := vb.ht.Stats()
	if s.Items == 0 {
		return 1
	}
	resident := s.Items - s.NonResident
	return float64(resident) / float64(s.Items)
}

func (vb *VBucket) PersistenceQueueSize() int {
	return int(vb.queueSizeLoad())
}

// ReclaimCheckpoints satisfies pager.VBucket.
func (vb *VBucket) ReclaimCheckpoints() (int, bool) {
	return vb.checkpoints.RemoveClosedUnrefCheckpoints()
}

// SoftDeleteExpiredLocked satisfies pager.VBucket: soft-deletes the locked,
// expired slot and enqueues the checkpoint entry the hashtable package
// itself has no visibility into.
func (vb *VBucket) SoftDeleteExpiredLocked(l *hashtable.Locked) {
	sv := l.StoredValue()
	if sv == nil {
		return
	}
	if err := l.SoftDeleteExpired(); err != nil {
		log.Error("soft delete expired failed", "vbid", vb.vbid, "key", string(l.Key()), "err", err)
		return
	}
	sv.RevSeqno++
	vb.ht.AdvanceMaxDeletedRevSeqno(sv.RevSeqno)
	seqno := vb.checkpoints.QueueDirty(l.Key(), true, false)
	sv.BySeqno = seqno
}

// SetState transitions the vbucket's replication role. Replica/pending
// writes silently unlock any client lock (replication wins over an
// in-progress client lock); transitioning into active appends a failover
// entry.
func (vb *VBucket) SetState(next State, failoverUUID uint64) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	prev := vb.state
	vb.state = next
	if next == StateActive && prev != StateActive {
		vb.failover.append(failoverUUID, vb.checkpoints.HighSeqno())
	}
	log.Info("vbucket state changed", "vbid", vb.vbid, "from", prev, "to", next)
}

func (vb *VBucket) State() State {
	vb.mu.RLock()
	defer vb.mu.RUnlock()
	return vb.state
}

// --- read path ---

// Get returns the live value for key. On an active vbucket an expired item
// is soft-deleted before the miss is reported; non-active vbuckets return
// the raw value so replication and backup reads see ground truth.
func (vb *VBucket) Get(key []byte) (*storedvalue.StoredValue, storedvalue.Status) {
	return vb.get(key, true)
}

// GetAndUpdateTtl is Get plus installing a new expiry time on a hit.
func (vb *VBucket) GetAndUpdateTtl(key []byte, newExptime int64) (*storedvalue.StoredValue, storedvalue.Status) {
	l := vb.ht.Lookup(key)
	defer l.Unlock()
	sv, status := vb.resolveRead(l, true)
	if status != storedvalue.Success {
		return nil, status
	}
	sv.Exptime = newExptime
	sv.Bits.Dirty = true
	return sv, storedvalue.Success
}

// GetMetaData returns CAS/revision/flags/datatype without triggering the
// read path's expiry soft-delete. A metadata read is not a logical client
// read.
func (vb *VBucket) GetMetaData(key []byte) (*storedvalue.StoredValue, storedvalue.Status) {
	return vb.get(key, false)
}

// KeyStats is the metadata subset getKeyStats surfaces.
type KeyStats struct {
	CAS      uint64
	RevSeqno uint64
	Exptime  int64
	Dirty    bool
	Resident bool
}

func (vb *VBucket) GetKeyStats(key []byte) (KeyStats, storedvalue.Status) {
	sv, status := vb.GetMetaData(key)
	if status != storedvalue.Success {
		return KeyStats{}, status
	}
	return KeyStats{CAS: sv.CAS, RevSeqno: sv.RevSeqno, Exptime: sv.Exptime, Dirty: sv.Bits.Dirty, Resident: sv.Bits.Resident}, storedvalue.Success
}

// GetLocked sets lock_expiry = now + timeout and bumps CAS via the HLC.
// Until the lock expires, writes presenting no CAS or a different CAS fail
// Locked.
func (vb *VBucket) GetLocked(key []byte, timeout time.Duration) (*storedvalue.StoredValue, storedvalue.Status) {
	if timeout <= 0 {
		timeout = vb.lockTimeout
	}
	l := vb.ht.Lookup(key)
	defer l.Unlock()

	sv, status := vb.resolveRead(l, true)
	if status != storedvalue.Success {
		return nil, status
	}
	if sv.IsLocked(nowUnix()) {
		return nil, storedvalue.LockedTmpFail
	}
	sv.LockOrDeleteTime = nowUnix() + int64(timeout/time.Second)
	sv.CAS = vb.clock.Now()
	return sv, storedvalue.Success
}

func (vb *VBucket) get(key []byte, queueExpired bool) (*storedvalue.StoredValue, storedvalue.Status) {
	l := vb.ht.Lookup(key)
	defer l.Unlock()
	return vb.resolveRead(l, queueExpired)
}

// resolveRead applies the read-time expiry decision: active vbuckets queue
// a soft-delete before reporting KeyNotFound; non-active vbuckets return
// the raw (possibly expired) value.
func (vb *VBucket) resolveRead(l *hashtable.Locked, queueExpired bool) (*storedvalue.StoredValue, storedvalue.Status) {
	sv := l.StoredValue()
	if sv == nil {
		return nil, storedvalue.KeyNotFound
	}
	if sv.Bits.Deleted || sv.Temp == storedvalue.TempDeleted || sv.Temp == storedvalue.TempNonExistent {
		return nil, storedvalue.KeyNotFound
	}
	if sv.Temp == storedvalue.TempInitial {
		if vb.bgFetch.Join(l.Key()) {
			log.Info("scheduling background fetch", "vbid", vb.vbid, "key", string(l.Key()))
		}
		return nil, storedvalue.WouldBlock
	}

	switch hashtable.DecideRead(sv, nowUnix(), vb.IsActive(), queueExpired) {
	case hashtable.ReadExpiredQueueDelete:
		vb.SoftDeleteExpiredLocked(l)
		return nil, storedvalue.KeyNotFound
	case hashtable.ReadExpiredAsIs:
		return sv, storedvalue.Success
	default:
		// A hit counts as an access for the eviction policies.
		sv.BumpFrequency(rand.Float64())
		sv.NRU = 0
		return sv, storedvalue.Success
	}
}

// --- write path ---

// Set stores a value, creating or overwriting.
func (vb *VBucket) Set(item *Item, cas uint64) (storedvalue.Status, uint64) {
	return vb.write(item, cas, true, nil)
}

// Add refuses to overwrite a live value.
func (vb *VBucket) Add(item *Item) (storedvalue.Status, uint64) {
	return vb.write(item, 0, false, nil)
}

// Replace fails NotStored if the key is absent, layered on top of the
// shared decision table (whose absent branch always creates, the rule
// `set` wants).
func (vb *VBucket) Replace(item *Item, cas uint64) (storedvalue.Status, uint64) {
	l := vb.ht.Lookup(item.Key)
	if l.StoredValue() == nil {
		l.Unlock()
		return storedvalue.NotStored, 0
	}
	return vb.mutateLocked(l, item, cas, true, nil)
}

// SetWithMeta applies a remote mutation: conflict resolution decides
// whether the remote metadata wins; losers return KeyExists with no state
// mutation.
func (vb *VBucket) SetWithMeta(item *Item, meta MetaOverride) (storedvalue.Status, uint64) {
	l := vb.ht.Lookup(item.Key)
	cur := l.StoredValue()
	if cur != nil && !cur.Bits.Deleted && cur.Temp == storedvalue.NotTemp {
		if !meta.Policy.Resolve(cur, meta.RevSeqno, meta.CAS) {
			l.Unlock()
			return storedvalue.KeyExists, 0
		}
	}
	if l.NeedsBgFetch(hashtable.MutateOptions{CAS: meta.CAS}, vb.filter) {
		l.Unlock()
		return storedvalue.NeedBgFetch, 0
	}
	// meta.CAS is the CAS to install, not one to compare against.
	return vb.mutateLocked(l, item, 0, true, &meta)
}

// AddBackfillItem inserts a replication/backfill-originated item without
// conflict resolution (the sender already resolved it). Memory admission is
// relaxed only when the vbucket is not active, as for any other write.
func (vb *VBucket) AddBackfillItem(item *Item, meta MetaOverride) (storedvalue.Status, uint64) {
	l := vb.ht.Lookup(item.Key)
	return vb.mutateLocked(l, item, meta.CAS, true, &meta)
}

func (vb *VBucket) write(item *Item, cas uint64, allowExisting bool, meta *MetaOverride) (storedvalue.Status, uint64) {
	l := vb.ht.Lookup(item.Key)
	return vb.mutateLocked(l, item, cas, allowExisting, meta)
}

// mutateLocked runs the core decision table against an already-locked slot,
// assigns CAS/revision/seqno on success, enqueues the checkpoint entry, and
// registers a sync write with the durability monitor once the stripe lock
// is released. Notifying under the stripe lock would invert against the
// monitor's own lock order.
func (vb *VBucket) mutateLocked(l *hashtable.Locked, item *Item, cas uint64, allowExisting bool, meta *MetaOverride) (storedvalue.Status, uint64) {
	if !vb.manifest.IsOpen(item.CollectionID) {
		l.Unlock()
		return storedvalue.KeyNotFound, 0
	}

	cur := l.StoredValue()
	hasMeta := meta != nil
	fromReplication := vb.State() != StateActive

	if l.NeedsBgFetch(hashtable.MutateOptions{CAS: cas}, vb.filter) {
		l.Unlock()
		return storedvalue.NeedBgFetch, 0
	}

	next := &storedvalue.StoredValue{
		Key:         append([]byte(nil), item.Key...),
		Value:       item.Value,
		Flags:       item.Flags,
		Exptime:     item.Exptime,
		Datatype:    item.Datatype,
		FreqCounter: storedvalue.InitialFrequency,
	}
	next.Bits.Resident = len(item.Value) > 0
	next.Bits.Dirty = true

	if hasMeta {
		next.CAS = meta.CAS
		next.RevSeqno = meta.RevSeqno
		next.Bits.Deleted = meta.Deleted
	} else {
		next.CAS = vb.clock.Now()
		prior := uint64(0)
		if cur != nil {
			prior = cur.RevSeqno
		}
		next.RevSeqno = hashtable.AssignRevision(prior, vb.ht)
	}

	opts := hashtable.MutateOptions{
		CAS:             cas,
		AllowExisting:   allowExisting,
		HasMeta:         hasMeta,
		Deleted:         next.Bits.Deleted,
		FromReplication: fromReplication,
		Now:             nowUnix(),
		Size:            int64(len(item.Key) + len(item.Value)),
	}

	status, _ := l.Mutate(next, opts)
	if status != storedvalue.Success {
		l.Unlock()
		return status, 0
	}

	seqno := vb.checkpoints.QueueDirty(item.Key, next.Bits.Deleted, false)
	next.BySeqno = seqno
	l.Unlock()

	if item.Durability != nil {
		vb.registerSyncWrite(seqno, *item.Durability)
	}
	return storedvalue.Success, seqno
}

// --- delete path ---

// DeleteItem tombstones a live key, honoring CAS and client locks.
func (vb *VBucket) DeleteItem(key []byte, cas uint64, dur *DurabilityRequest) (storedvalue.Status, uint64) {
	l := vb.ht.Lookup(key)
	cur := l.StoredValue()
	if cur == nil {
		l.Unlock()
		return storedvalue.KeyNotFound, 0
	}
	if cur.Bits.Deleted {
		l.Unlock()
		return storedvalue.KeyNotFound, 0
	}
	if cur.IsLocked(nowUnix()) && (cas == 0 || cas != cur.CAS) {
		l.Unlock()
		return storedvalue.Locked, 0
	}
	if cas != 0 && cas != cur.CAS {
		l.Unlock()
		return storedvalue.KeyExists, 0
	}

	next := tombstoneFrom(cur)
	next.Bits.Deleted = true
	next.CAS = vb.clock.Now()
	next.RevSeqno = cur.RevSeqno + 1
	vb.ht.AdvanceMaxDeletedRevSeqno(next.RevSeqno)

	opts := hashtable.MutateOptions{CAS: cas, AllowExisting: true, Deleted: true, Now: nowUnix()}
	status, _ := l.Mutate(next, opts)
	if status != storedvalue.Success {
		l.Unlock()
		return status, 0
	}
	seqno := vb.checkpoints.QueueDirty(key, true, false)
	next.BySeqno = seqno
	l.Unlock()

	if dur != nil {
		vb.registerSyncWrite(seqno, *dur)
	}
	return storedvalue.Success, seqno
}

// DeleteWithMeta applies a remote delete. If the current value carries
// xattrs and the incoming delete preserves system xattrs, the result is an
// update carrying the pruned xattr blob rather than a pure tombstone.
func (vb *VBucket) DeleteWithMeta(key []byte, meta MetaOverride, preserveSystemXattrs bool) (storedvalue.Status, uint64) {
	l := vb.ht.Lookup(key)
	cur := l.StoredValue()

	var next *storedvalue.StoredValue
	if cur != nil && preserveSystemXattrs && cur.Datatype.Has(storedvalue.DatatypeXattr) {
		pruned, err := hashtable.PruneUserXattrs(cur.Value)
		if err != nil {
			l.Unlock()
			return storedvalue.PredicateFailed, 0
		}
		next = &storedvalue.StoredValue{Key: append([]byte(nil), key...), Value: pruned, Datatype: storedvalue.DatatypeXattr}
		next.Bits.Resident = len(pruned) > 0
	} else {
		next = tombstoneFrom(cur)
		next.Key = append([]byte(nil), key...)
	}
	next.Bits.Deleted = true
	next.Bits.Dirty = true
	next.CAS = meta.CAS
	next.RevSeqno = meta.RevSeqno

	opts := hashtable.MutateOptions{CAS: meta.CAS, AllowExisting: true, HasMeta: true, Deleted: true, Now: nowUnix()}
	status, _ := l.Mutate(next, opts)
	if status != storedvalue.Success {
		l.Unlock()
		return status, 0
	}
	vb.ht.AdvanceMaxDeletedRevSeqno(next.RevSeqno)
	seqno := vb.checkpoints.QueueDirty(key, true, false)
	next.BySeqno = seqno
	l.Unlock()
	return storedvalue.Success, seqno
}

func tombstoneFrom(cur *storedvalue.StoredValue) *storedvalue.StoredValue {
	if cur == nil {
		return &storedvalue.StoredValue{}
	}
	return &storedvalue.StoredValue{
		Key:      append([]byte(nil), cur.Key...),
		CAS:      cur.CAS,
		RevSeqno: cur.RevSeqno,
		Datatype: cur.Datatype,
	}
}

// FireAllOps wakes every waiter parked on a pending sync write for this
// vbucket, used when the vbucket is being torn down.
func (vb *VBucket) FireAllOps() {
	vb.pendingMu.Lock()
	defer vb.pendingMu.Unlock()
	for seqno, cb := range vb.pending {
		cb()
		delete(vb.pending, seqno)
	}
}

// --- durability wiring ---

func (vb *VBucket) registerSyncWrite(seqno uint64, req DurabilityRequest) {
	vb.monitor.AddSyncWrite(seqno, req.Level, req.Timeout)
}

// onSyncWriteCommit is the durability monitor's onCommit hook: invoked with
// the monitor's own lock held, so it must not re-enter the monitor or
// block.
func (vb *VBucket) onSyncWriteCommit(seqno uint64) {
	vb.pendingMu.Lock()
	cb, ok := vb.pending[seqno]
	if ok {
		delete(vb.pending, seqno)
	}
	vb.pendingMu.Unlock()
	telemetry.SyncWriteCommits.Inc(1)
	if ok {
		cb()
	}
}

// AwaitCommit registers cb to run once seqno commits (or is timed out and
// removed, in which case it never runs and the caller should separately
// poll ProcessTimeout's result).
func (vb *VBucket) AwaitCommit(seqno uint64, cb func()) {
	vb.pendingMu.Lock()
	defer vb.pendingMu.Unlock()
	vb.pending[seqno] = cb
}

// SetPersistenceSeqno / NotifyLocalPersistence bridge the external flusher
// into the durability monitor's local-persistence callback.
func (vb *VBucket) SetPersistenceSeqno(seqno uint64) {
	vb.monitor.SetPersistenceSeqno(seqno)
}

func (vb *VBucket) NotifyLocalPersistence() {
	vb.monitor.NotifyLocalPersistence()
}

func (vb *VBucket) SetQueueSize(n int64) { atomicStore(&vb.queueSize, n) }
func (vb *VBucket) queueSizeLoad() int64 { return atomicLoad(&vb.queueSize) }

func nowUnix() int64 { return time.Now().Unix() }

// violation raises a fault the vbucket itself cannot repair, e.g. a hash
// bucket missing for a key the caller believes it holds locked.
func (vb *VBucket) violation(format string, args ...interface{}) {
	fatal.Violation(fmt.Sprintf("vbucket %d: %s", vb.vbid, format), args...)
}
