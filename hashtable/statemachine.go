package hashtable

import (
	"github.com/owendCB/kv-engine/storedvalue"
)

// MutateOptions parameterizes the generic decision table for
// set(item, cas, allowExisting, hasMeta). The four external ops
// (add/replace/set/*withMeta) are thin callers that set these flags
// differently; the table itself lives in exactly one place.
type MutateOptions struct {
	CAS             uint64
	AllowExisting   bool // false for `add`: refuse to overwrite a live value
	HasMeta         bool // true for *withMeta paths: CAS/revision come from the caller, not assigned here
	Deleted         bool // the incoming write is itself a tombstone (delete-with-meta)
	FromReplication bool // relaxes memory admission and silently unlocks instead of honoring the client lock
	Now             int64
	Size            int64 // bytes this write would add, for memory admission
}

// Mutate applies the core decision table to the locked slot and writes
// `next` into it on success. `next` must already carry the CAS/revision/
// seqno the caller wants persisted; Mutate does not assign them (that's
// the vbucket layer's job, via AssignRevision/hlc.Clock), it only decides
// whether the mutation is legal and performs it.
func (l *Locked) Mutate(next *storedvalue.StoredValue, opts MutateOptions) (storedvalue.Status, storedvalue.MutationOutcome) {
	cur := l.sv

	if cur == nil {
		if opts.CAS != 0 && !opts.HasMeta {
			return storedvalue.KeyNotFound, storedvalue.NoOutcome
		}
		if !l.ht.AdmitWrite(opts.Size, opts.FromReplication) {
			return storedvalue.NoMem, storedvalue.NoOutcome
		}
		l.Create(next)
		return storedvalue.Success, storedvalue.WasClean
	}

	// A replica/pending vbucket write silently unlocks rather than honoring
	// the client lock: replication wins over an in-progress client lock.
	if cur.IsLocked(opts.Now) && !opts.FromReplication {
		if opts.CAS == 0 || opts.CAS != cur.CAS {
			return storedvalue.Locked, storedvalue.NoOutcome
		}
		// CAS matches: unlock and fall through to the mutation below.
	}

	expired := cur.IsExpired(opts.Now) && !cur.Bits.Deleted
	if expired && !opts.HasMeta && opts.CAS != 0 {
		return storedvalue.KeyNotFound, storedvalue.NoOutcome
	}

	tombstoned := cur.Bits.Deleted || cur.Temp == storedvalue.TempDeleted
	if tombstoned && !opts.Deleted && opts.CAS != 0 {
		// Replace-over-tombstone forbidden, unless the incoming op is
		// itself a delete: a deleted->deleted transition is permitted,
		// e.g. to refresh preserved xattrs on an already-tombstoned key.
		return storedvalue.KeyNotFound, storedvalue.NoOutcome
	}

	tempItem := cur.Temp != storedvalue.NotTemp
	if !opts.AllowExisting && !tempItem && !cur.Bits.Deleted {
		return storedvalue.KeyExists, storedvalue.NoOutcome
	}

	if opts.CAS != 0 && opts.CAS != cur.CAS {
		if cur.Temp == storedvalue.TempNonExistent {
			return storedvalue.KeyNotFound, storedvalue.NoOutcome
		}
		return storedvalue.KeyExists, storedvalue.NoOutcome
	}

	if !l.ht.AdmitWrite(opts.Size, opts.FromReplication) {
		return storedvalue.NoMem, storedvalue.NoOutcome
	}

	outcome := storedvalue.WasClean
	if cur.Bits.Dirty {
		outcome = storedvalue.WasDirty
	}
	l.Replace(next)
	return storedvalue.Success, outcome
}

// NeedsBgFetch reports whether, under FullEviction, an absent or
// temp-initial slot with a nonzero CAS must be resolved from disk before a
// decision can be made: the table doesn't know if the key truly doesn't
// exist or is merely evicted.
func (l *Locked) NeedsBgFetch(opts MutateOptions, filter *MaybeExistsFilter) bool {
	if l.ht.Policy != FullEviction {
		return false
	}
	if opts.CAS == 0 {
		return false
	}
	if l.sv != nil && l.sv.Temp != storedvalue.TempInitial {
		return false
	}
	return filter == nil || filter.MayExist(l.key)
}

// AssignRevision computes a fresh mutation's revision: one past the
// larger of the key's own prior revision and the table's
// maxDeletedRevSeqno watermark.
func AssignRevision(priorRev uint64, ht *HashTable) uint64 {
	watermark := ht.MaxDeletedRevSeqno()
	base := priorRev
	if watermark > base {
		base = watermark
	}
	return base + 1
}

// ConflictPolicy selects how *withMeta paths resolve a conflicting local vs
// remote StoredValue.
type ConflictPolicy int

const (
	RevisionSeqno ConflictPolicy = iota
	LastWriteWins
)

// Resolve reports whether the remote metadata should win over the local
// StoredValue. Losers return KeyExists without any state mutation.
func (p ConflictPolicy) Resolve(local *storedvalue.StoredValue, remoteRev, remoteCAS uint64) bool {
	switch p {
	case LastWriteWins:
		return remoteCAS > local.CAS
	default: // RevisionSeqno
		if remoteRev != local.RevSeqno {
			return remoteRev > local.RevSeqno
		}
		return remoteCAS > local.CAS
	}
}
