package hashtable

import (
	"github.com/owendCB/kv-engine/storedvalue"
)

// SoftDeleteExpired turns the locked slot into a tombstone in place. For
// xattr-bearing values it preserves system xattrs only and sets the
// deleted flag; other datatypes reset the value entirely. It does not
// enqueue a checkpoint entry or touch revision/seqno; that is the vbucket
// layer's job, since it needs the checkpoint manager and durability
// monitor that this package doesn't depend on.
func (l *Locked) SoftDeleteExpired() error {
	sv := l.sv
	if sv == nil {
		return nil
	}
	before := int64(len(sv.Value))
	if sv.Datatype.Has(storedvalue.DatatypeXattr) {
		pruned, err := PruneUserXattrs(sv.Value)
		if err != nil {
			return err
		}
		sv.Value = pruned
	} else {
		sv.Value = nil
	}
	l.ht.AddMemoryUsed(int64(len(sv.Value)) - before)
	sv.Bits.Deleted = true
	sv.Bits.Resident = len(sv.Value) > 0
	if sv.Bits.Resident {
		l.ht.resident.Set(l.ht.residentKey(l.key), sv.Value)
	} else {
		l.ht.resident.Del(l.ht.residentKey(l.key))
	}
	return nil
}

// ReadDecision is what the vbucket get/getAndUpdateTtl paths need to know
// after consulting an expired item: whether to queue a soft-delete before
// answering KeyNotFound (active vbuckets only).
type ReadDecision int

const (
	ReadHit ReadDecision = iota
	ReadExpiredQueueDelete
	ReadExpiredAsIs
)

// DecideRead implements the read-time expiry rule: an expired item read on
// an active vbucket is soft-deleted before the miss is reported; on a
// non-active vbucket it is returned unchanged, since replication and
// backup reads must see the raw value. Read-only call sites can opt out
// via queueExpired.
func DecideRead(sv *storedvalue.StoredValue, now int64, active, queueExpired bool) ReadDecision {
	if sv == nil || !sv.IsExpired(now) || sv.Bits.Deleted {
		return ReadHit
	}
	if active && queueExpired {
		return ReadExpiredQueueDelete
	}
	return ReadExpiredAsIs
}
