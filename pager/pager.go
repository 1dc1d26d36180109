// Package pager implements the process-wide item pager: a periodic or
// watermark-triggered scan over every vbucket's hash table that computes a
// frequency-percentile eviction threshold and reclaims memory. Each visit
// runs a fixed sequence of stages (reclaim checkpoints, skip check, sample
// and evict), fanned out across vbuckets over a bounded worker set.
package pager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/owendCB/kv-engine/config"
	"github.com/owendCB/kv-engine/hashtable"
)

// Policy selects the per-item eviction decision strategy.
type Policy int

const (
	StatisticalCounter Policy = iota
	TwoBitLRU
)

// nruPhase is the 2-bit-lru policy's two-phase walk: UNREFERENCED evicts
// entries at max NRU, RANDOM increments NRU and probabilistically evicts on
// saturation. Phases alternate on pass completion.
type nruPhase int

const (
	phaseUnreferenced nruPhase = iota
	phaseRandom
)

// VBucket is the narrow surface the pager needs from a vbucket, satisfied
// by package vbucket's *VBucket without pager importing it (vbucket
// depends on pager, not the reverse).
type VBucket interface {
	VBid() uint16
	IsActive() bool
	HashTable() *hashtable.HashTable
	Filter() *hashtable.MaybeExistsFilter
	ResidentRatio() float64
	ReclaimCheckpoints() (removed int, createdNew bool)
	PersistenceQueueSize() int
	// SoftDeleteExpiredLocked enqueues a checkpoint soft-delete for an
	// expired locked slot (vbucket owns the checkpoint manager and
	// durability monitor the hash table package doesn't depend on).
	SoftDeleteExpiredLocked(l *hashtable.Locked)
}

// Pager drives value eviction across every vbucket in the process.
type Pager struct {
	cfg    config.Pager
	policy Policy

	available int32 // CAS latch: 0 = idle, 1 = a pass is scheduled/running

	evictionMultiplier float64
	lruPhase           nruPhase

	limiter *rate.Limiter
}

func New(cfg config.Pager, policy Policy) *Pager {
	return &Pager{
		cfg:     cfg,
		policy:  policy,
		limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
	}
}

// ScheduleNow implements the pager's single-flight latch: a reentrant
// wakeup while a pass is already scheduled or running is coalesced into a
// no-op rather than queued.
func (p *Pager) ScheduleNow() bool {
	return atomic.CompareAndSwapInt32(&p.available, 0, 1)
}

// done clears the latch. Called before Run returns so a pass can't
// self-defeat by still holding its own "available" flag when memory is
// re-evaluated.
func (p *Pager) done() {
	atomic.StoreInt32(&p.available, 0)
}

// PassResult summarizes one pager pass for observability and the
// `tasks` control command.
type PassResult struct {
	Complete           bool
	EvictionMultiplier float64
	EvictionPercent    float64
	VisitedVBuckets    int
	Evicted            int64
}

// Run executes one pass across vbuckets. current returns the process's live memory usage; high/low are the
// configured watermarks, all in bytes.
func (p *Pager) Run(ctx context.Context, vbuckets []VBucket, current func() int64, high, low int64) PassResult {
	defer p.done()

	c := current()
	if c <= low {
		p.evictionMultiplier = 0
		return PassResult{Complete: true}
	}

	toKill := float64(c-low) / float64(c)
	percent := toKill * (1 + p.evictionMultiplier)

	res := PassResult{EvictionMultiplier: p.evictionMultiplier, EvictionPercent: percent}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, visitConcurrency)
	var evicted int64
	var stop int32

	for _, vb := range vbuckets {
		vb := vb
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			if atomic.LoadInt32(&stop) != 0 {
				return nil
			}
			select {
			case <-gctx.Done():
				return nil
			default:
			}

			if vb.PersistenceQueueSize() > p.cfg.MaxPersistenceQueue {
				_ = p.limiter.Wait(gctx)
			}

			vb.ReclaimCheckpoints()

			if vb.IsActive() && vb.ResidentRatio() < replicaResidentRatioFloor && current() <= high {
				return nil
			}

			pct := splitPercent(percent, p.cfg.ActiveBias, vb.IsActive())
			n := p.visitVBucket(vb, pct)
			atomic.AddInt64(&evicted, n)

			if current() <= low {
				atomic.StoreInt32(&stop, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.VisitedVBuckets = len(vbuckets)
	res.Evicted = evicted
	res.Complete = current() <= low

	if res.Complete {
		p.evictionMultiplier = 0
	} else {
		p.evictionMultiplier += p.cfg.EvictionMultiplierStep
	}
	if p.policy == TwoBitLRU {
		p.flipPhase()
	}
	log.Info("item pager pass complete", "complete", res.Complete, "evicted", evicted, "multiplier", p.evictionMultiplier)
	return res
}

// visitConcurrency bounds how many vbucket visits run at once; one worker
// per shard of a default deployment is plenty, the visits are CPU-bound.
const visitConcurrency = 4

// replicaResidentRatioFloor stands in for the replica resident ratio: an
// active vbucket whose resident ratio is already under it is skipped while
// memory is at or under the high watermark.
const replicaResidentRatioFloor = 0.9

// splitPercent applies activeBias to split the target eviction percent
// between active and replica/dead vbuckets.
func splitPercent(percent, activeBias float64, active bool) float64 {
	if active {
		return percent * activeBias
	}
	p := percent * (2 - activeBias)
	if p > 0.9 {
		p = 0.9
	}
	return p
}

func (p *Pager) flipPhase() {
	if p.lruPhase == phaseUnreferenced {
		p.lruPhase = phaseRandom
	} else {
		p.lruPhase = phaseUnreferenced
	}
}

func (p *Pager) visitVBucket(vb VBucket, percent float64) int64 {
	var evicted int64
	now := time.Now().Unix()
	hist := newFreqHistogram()
	var threshold uint8

	vb.HashTable().VisitAll(func(l *hashtable.Locked) {
		defer l.Unlock()
		sv := l.StoredValue()
		if sv == nil {
			return
		}
		if sv.IsExpired(now) && !sv.Bits.Deleted {
			vb.SoftDeleteExpiredLocked(l)
			return
		}

		switch p.policy {
		case TwoBitLRU:
			if p.decideTwoBitLRU(l, percent) {
				evicted++
				p.maybeAddToFilter(vb, l)
			}
		default:
			hist.Record(sv.FreqCounter)
			if hist.learning() || hist.samples%32 == 0 {
				threshold = hist.threshold(percent)
			}
			if sv.FreqCounter <= threshold && sv.Bits.Resident {
				l.Evict()
				evicted++
				p.maybeAddToFilter(vb, l)
			}
		}
	})
	return evicted
}

// maybeAddToFilter records the evicted key in the full-eviction membership
// filter so subsequent lookups can short-circuit disk.
func (p *Pager) maybeAddToFilter(vb VBucket, l *hashtable.Locked) {
	if vb.HashTable().Policy != hashtable.FullEviction {
		return
	}
	if f := vb.Filter(); f != nil {
		f.Add(l.Key())
	}
}

// decideTwoBitLRU implements the 2-bit-lru policy's two-phase walk:
// UNREFERENCED evicts entries already at max NRU; RANDOM increments NRU
// and, on saturation, evicts with probability `percent`.
func (p *Pager) decideTwoBitLRU(l *hashtable.Locked, percent float64) bool {
	sv := l.StoredValue()
	const maxNRU = 3

	switch p.lruPhase {
	case phaseUnreferenced:
		if sv.NRU >= maxNRU && sv.Bits.Resident {
			l.Evict()
			return true
		}
		return false
	default: // phaseRandom
		if sv.NRU < maxNRU {
			sv.NRU++
			return false
		}
		if sv.Bits.Resident && randFloat() < percent {
			l.Evict()
			return true
		}
		return false
	}
}
