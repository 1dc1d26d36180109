package pager

import (
	"context"
	"time"

	"github.com/owendCB/kv-engine/hashtable"
	"github.com/owendCB/kv-engine/telemetry"
)

// ExpiryPager is the process-wide expiry scanner: a simpler periodic task
// than the item pager that only runs the expired-item visit, with no
// frequency histogram and no memory-watermark gating. It reuses the same
// vbucket-visit primitive (SoftDeleteExpiredLocked) the item pager's own
// expired-item handling calls.
type ExpiryPager struct {
	Interval time.Duration
}

func NewExpiryPager(interval time.Duration) *ExpiryPager {
	return &ExpiryPager{Interval: interval}
}

// RunOnce visits every vbucket once, soft-deleting any expired item found.
// Unlike the item pager's pass, this never evicts a live item and never
// stops early on a watermark.
func (e *ExpiryPager) RunOnce(ctx context.Context, vbuckets []VBucket) (visited int) {
	now := time.Now().Unix()
	for _, vb := range vbuckets {
		select {
		case <-ctx.Done():
			return visited
		default:
		}
		vb.HashTable().VisitAll(func(l *hashtable.Locked) {
			defer l.Unlock()
			sv := l.StoredValue()
			if sv == nil || sv.Bits.Deleted || !sv.IsExpired(now) {
				return
			}
			vb.SoftDeleteExpiredLocked(l)
			visited++
		})
	}
	if visited > 0 {
		telemetry.ExpiredItems.Inc(int64(visited))
	}
	return visited
}

// Run blocks, invoking RunOnce on Interval until ctx is cancelled.
func (e *ExpiryPager) Run(ctx context.Context, vbuckets func() []VBucket) {
	t := time.NewTicker(e.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.RunOnce(ctx, vbuckets())
		}
	}
}
