// Package engine assembles the process-wide pieces: a fixed vector of
// vbuckets sharded across S I/O shards (shard = vbid mod S), the item and
// expiry pagers, the durability timeout sweep, and the memory accounting
// the pagers and the control surface read.
package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/owendCB/kv-engine/config"
	"github.com/owendCB/kv-engine/hashtable"
	"github.com/owendCB/kv-engine/pager"
	"github.com/owendCB/kv-engine/telemetry"
	"github.com/owendCB/kv-engine/vbucket"
)

// Engine owns every vbucket in the process.
type Engine struct {
	cfg    config.Engine
	policy hashtable.EvictionPolicy

	vbuckets []*vbucket.VBucket
	shards   [][]*vbucket.VBucket

	itemPager   *pager.Pager
	expiryPager *pager.ExpiryPager

	lastPass pager.PassResult
}

// New builds the vbucket vector and wires the pagers. Every vbucket starts
// dead; the orchestrator outside transitions them via SetState.
func New(cfg config.Engine, policy hashtable.EvictionPolicy, pagerPolicy pager.Policy) *Engine {
	e := &Engine{
		cfg:         cfg,
		policy:      policy,
		itemPager:   pager.New(cfg.Pager, pagerPolicy),
		expiryPager: pager.NewExpiryPager(cfg.Pager.ExpiryPagerInterval),
	}

	e.vbuckets = make([]*vbucket.VBucket, cfg.NumVBuckets)
	e.shards = make([][]*vbucket.VBucket, cfg.NumShards)
	for vbid := 0; vbid < cfg.NumVBuckets; vbid++ {
		vb := vbucket.New(uint16(vbid), policy, cfg)
		e.vbuckets[vbid] = vb
		shard := vbid % cfg.NumShards
		e.shards[shard] = append(e.shards[shard], vb)
	}
	return e
}

// VBucket returns the vbucket for vbid, false if out of range.
func (e *Engine) VBucket(vbid uint16) (*vbucket.VBucket, bool) {
	if int(vbid) >= len(e.vbuckets) {
		return nil, false
	}
	return e.vbuckets[vbid], true
}

func (e *Engine) AllVBuckets() []*vbucket.VBucket {
	return e.vbuckets
}

// Shard returns the vbuckets assigned to one I/O shard.
func (e *Engine) Shard(shard int) []*vbucket.VBucket {
	return e.shards[shard%len(e.shards)]
}

func (e *Engine) ItemPager() *pager.Pager          { return e.itemPager }
func (e *Engine) LastPassResult() pager.PassResult { return e.lastPass }

// MemoryUsed sums attributed memory across every vbucket's hash table.
func (e *Engine) MemoryUsed() int64 {
	var total int64
	for _, vb := range e.vbuckets {
		total += vb.HashTable().MemoryUsed()
	}
	return total
}

func (e *Engine) HighWatermark() int64 { return int64(e.cfg.Memory.HighWatermark) }
func (e *Engine) LowWatermark() int64  { return int64(e.cfg.Memory.LowWatermark) }

// WakePager requests an immediate pager pass if memory has climbed above
// the high watermark. The pager's latch coalesces reentrant wakeups.
func (e *Engine) WakePager(ctx context.Context) {
	if e.MemoryUsed() <= e.HighWatermark() {
		return
	}
	if !e.itemPager.ScheduleNow() {
		return
	}
	e.runPagerPass(ctx)
}

func (e *Engine) runPagerPass(ctx context.Context) {
	vbs := make([]pager.VBucket, len(e.vbuckets))
	for i, vb := range e.vbuckets {
		vbs[i] = vb
	}
	res := e.itemPager.Run(ctx, vbs, e.MemoryUsed, e.HighWatermark(), e.LowWatermark())
	e.lastPass = res

	telemetry.PagerEvicted.Inc(res.Evicted)
	telemetry.MemUsed.Update(e.MemoryUsed())
	if !res.Complete {
		telemetry.PagerIncompletePasses.Inc(1)
	}
}

// RunPagerLoop blocks, running scheduled pager passes until ctx is
// cancelled. A pass fires on the configured interval; WakePager runs an
// early pass on its own when called with memory above the high watermark.
func (e *Engine) RunPagerLoop(ctx context.Context) {
	t := time.NewTicker(e.cfg.Pager.SleepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if e.itemPager.ScheduleNow() {
				e.runPagerPass(ctx)
			}
		}
	}
}

// RunExpiryLoop blocks, scanning for expired items until ctx is cancelled.
func (e *Engine) RunExpiryLoop(ctx context.Context) {
	e.expiryPager.Run(ctx, func() []pager.VBucket {
		vbs := make([]pager.VBucket, len(e.vbuckets))
		for i, vb := range e.vbuckets {
			vbs[i] = vb
		}
		return vbs
	})
}

// ProcessTimeouts sweeps every vbucket's durability monitor once, aborting
// sync writes whose deadline has passed. Returns the total aborted.
func (e *Engine) ProcessTimeouts(now time.Time) int {
	var aborted int
	for _, vb := range e.vbuckets {
		expired := vb.Durability().ProcessTimeout(now)
		aborted += len(expired)
	}
	if aborted > 0 {
		telemetry.SyncWriteTimeouts.Inc(int64(aborted))
		log.Warn("aborted timed-out sync writes", "count", aborted)
	}
	return aborted
}

// RunTimeoutLoop blocks, sweeping durability timeouts until ctx is
// cancelled.
func (e *Engine) RunTimeoutLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.ProcessTimeouts(time.Now())
		}
	}
}
