package pager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/owendCB/kv-engine/config"
	"github.com/owendCB/kv-engine/hashtable"
	"github.com/owendCB/kv-engine/storedvalue"
)

// fakeVB is the minimal pager.VBucket: a hash table with no checkpoint or
// durability machinery behind it.
type fakeVB struct {
	ht     *hashtable.HashTable
	active bool
	filter *hashtable.MaybeExistsFilter

	softDeleted int
}

func (f *fakeVB) VBid() uint16                         { return 0 }
func (f *fakeVB) IsActive() bool                       { return f.active }
func (f *fakeVB) HashTable() *hashtable.HashTable      { return f.ht }
func (f *fakeVB) Filter() *hashtable.MaybeExistsFilter { return f.filter }
func (f *fakeVB) ReclaimCheckpoints() (int, bool)      { return 0, false }
func (f *fakeVB) PersistenceQueueSize() int            { return 0 }
func (f *fakeVB) ResidentRatio() float64 {
	s := f.ht.Stats()
	if s.Items == 0 {
		return 1
	}
	return float64(s.Items-s.NonResident) / float64(s.Items)
}
func (f *fakeVB) SoftDeleteExpiredLocked(l *hashtable.Locked) {
	if err := l.SoftDeleteExpired(); err == nil {
		f.softDeleted++
	}
}

func fill(t *testing.T, ht *hashtable.HashTable, n int, freq uint8, valueLen int) {
	t.Helper()
	now := time.Now().Unix()
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("%c-%06d", 'a'+int(freq)%26, i))
		sv := &storedvalue.StoredValue{Key: key, Value: make([]byte, valueLen), FreqCounter: freq}
		sv.Bits.Resident = true
		l := ht.Lookup(key)
		if status, _ := l.Mutate(sv, hashtable.MutateOptions{AllowExisting: true, Now: now}); status != storedvalue.Success {
			t.Fatalf("fill: %v", status)
		}
		l.Unlock()
	}
}

func testPagerConfig() config.Pager {
	return config.Pager{
		ActiveBias:             1.0,
		EvictionMultiplierStep: 0.05,
		MaxPersistenceQueue:    1 << 20,
	}
}

func TestPassConvergesOnSkewedAccess(t *testing.T) {
	// 90% cold keys touched once, 10% hot keys touched often: the pass
	// must bring memory under the low watermark by shedding cold values,
	// or grow the multiplier and finish on a later pass.
	ht := hashtable.New(0, hashtable.ValueOnly, 8, 1<<20, 0, 0)
	fill(t, ht, 900, 1, 100)
	fill(t, ht, 100, 200, 100)

	vb := &fakeVB{ht: ht, active: true}
	p := New(testPagerConfig(), StatisticalCounter)

	high := int64(50_000)
	low := int64(30_000)
	if ht.MemoryUsed() <= high {
		t.Fatalf("setup: memory %d must exceed the high watermark", ht.MemoryUsed())
	}

	var res PassResult
	for pass := 0; pass < 5; pass++ {
		if !p.ScheduleNow() {
			t.Fatal("latch held between passes")
		}
		res = p.Run(context.Background(), []VBucket{vb}, ht.MemoryUsed, high, low)
		if res.Complete {
			break
		}
	}
	if !res.Complete {
		t.Fatalf("pager never converged, memory %d", ht.MemoryUsed())
	}
	if ht.MemoryUsed() > low {
		t.Errorf("memory %d above low watermark after convergence", ht.MemoryUsed())
	}
	if res.EvictionMultiplier != 0 {
		t.Errorf("multiplier %f must reset on success", res.EvictionMultiplier)
	}

	// The hot set should largely survive.
	var hotResident int
	ht.VisitAll(func(l *hashtable.Locked) {
		defer l.Unlock()
		if l.StoredValue().FreqCounter == 200 && l.StoredValue().Bits.Resident {
			hotResident++
		}
	})
	if hotResident < 50 {
		t.Errorf("only %d/100 hot keys survived", hotResident)
	}
}

func TestPassBelowLowWatermarkIsNoop(t *testing.T) {
	ht := hashtable.New(0, hashtable.ValueOnly, 8, 1<<20, 0, 0)
	fill(t, ht, 10, 1, 10)

	p := New(testPagerConfig(), StatisticalCounter)
	p.evictionMultiplier = 0.2
	res := p.Run(context.Background(), []VBucket{&fakeVB{ht: ht, active: true}}, ht.MemoryUsed, 1<<20, 1<<19)
	if !res.Complete {
		t.Error("below low watermark must complete immediately")
	}
	if p.evictionMultiplier != 0 {
		t.Error("multiplier must reset when memory is already low")
	}
	if got := ht.Stats().Ejects; got != 0 {
		t.Errorf("no-op pass evicted %d", got)
	}
}

func TestFailedPassGrowsMultiplier(t *testing.T) {
	// An empty table can't free anything, so a pass with memory pinned
	// above the watermark must record a failure and grow the multiplier.
	ht := hashtable.New(0, hashtable.ValueOnly, 8, 1<<20, 0, 0)
	p := New(testPagerConfig(), StatisticalCounter)

	pinned := func() int64 { return 1 << 20 }
	res := p.Run(context.Background(), []VBucket{&fakeVB{ht: ht, active: true}}, pinned, 1<<18, 1<<16)
	if res.Complete {
		t.Error("pass with pinned memory cannot complete")
	}
	if p.evictionMultiplier != 0.05 {
		t.Errorf("multiplier %f, expected one step", p.evictionMultiplier)
	}
	p.Run(context.Background(), []VBucket{&fakeVB{ht: ht, active: true}}, pinned, 1<<18, 1<<16)
	if p.evictionMultiplier != 0.10 {
		t.Errorf("multiplier %f, expected two steps", p.evictionMultiplier)
	}
}

func TestSingleFlightLatch(t *testing.T) {
	p := New(testPagerConfig(), StatisticalCounter)
	if !p.ScheduleNow() {
		t.Fatal("first schedule must win the latch")
	}
	if p.ScheduleNow() {
		t.Error("reentrant schedule must coalesce")
	}
	p.done()
	if !p.ScheduleNow() {
		t.Error("latch must be free after done")
	}
}

func TestSplitPercent(t *testing.T) {
	cases := []struct {
		percent, bias float64
		active        bool
		want          float64
	}{
		{0.4, 1.0, true, 0.4},
		{0.4, 1.0, false, 0.4},
		{0.4, 1.5, true, 0.6},
		{0.4, 1.5, false, 0.2},
		{0.8, 0.2, false, 0.9}, // replica share capped at 0.9
	}
	for _, tc := range cases {
		got := splitPercent(tc.percent, tc.bias, tc.active)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("splitPercent(%v,%v,%v) = %v, want %v", tc.percent, tc.bias, tc.active, got, tc.want)
		}
	}
}

func TestPassSoftDeletesExpired(t *testing.T) {
	ht := hashtable.New(0, hashtable.ValueOnly, 8, 1<<20, 0, 0)
	now := time.Now().Unix()
	for i := 0; i < 5; i++ {
		key := []byte{byte(i)}
		sv := &storedvalue.StoredValue{Key: key, Value: []byte("v"), Exptime: now - 100}
		sv.Bits.Resident = true
		l := ht.Lookup(key)
		l.Mutate(sv, hashtable.MutateOptions{AllowExisting: true, Now: now})
		l.Unlock()
	}

	vb := &fakeVB{ht: ht, active: true}
	p := New(testPagerConfig(), StatisticalCounter)
	p.ScheduleNow()
	p.Run(context.Background(), []VBucket{vb}, ht.MemoryUsed, 1, 0)

	if vb.softDeleted != 5 {
		t.Errorf("expected 5 expired soft-deletes, got %d", vb.softDeleted)
	}
}

func TestTwoBitLRUPhases(t *testing.T) {
	ht := hashtable.New(0, hashtable.ValueOnly, 8, 1<<20, 0, 0)
	now := time.Now().Unix()
	for i := 0; i < 10; i++ {
		key := []byte{byte(i)}
		sv := &storedvalue.StoredValue{Key: key, Value: []byte("v"), NRU: 3}
		sv.Bits.Resident = true
		l := ht.Lookup(key)
		l.Mutate(sv, hashtable.MutateOptions{AllowExisting: true, Now: now})
		l.Unlock()
	}

	vb := &fakeVB{ht: ht, active: true}
	p := New(testPagerConfig(), TwoBitLRU)

	// Phase UNREFERENCED evicts everything already at max NRU.
	p.ScheduleNow()
	p.Run(context.Background(), []VBucket{vb}, ht.MemoryUsed, 1, 0)
	if got := ht.Stats().Ejects; got != 10 {
		t.Errorf("unreferenced phase evicted %d, expected 10", got)
	}
	// The phase alternates on pass completion.
	if p.lruPhase != phaseRandom {
		t.Error("phase must flip after a pass")
	}
}

func TestExpiryPagerRunOnce(t *testing.T) {
	ht := hashtable.New(0, hashtable.ValueOnly, 8, 1<<20, 0, 0)
	now := time.Now().Unix()
	for i := 0; i < 8; i++ {
		key := []byte{byte(i)}
		exp := int64(0)
		if i%2 == 0 {
			exp = now - 50
		}
		sv := &storedvalue.StoredValue{Key: key, Value: []byte("v"), Exptime: exp}
		sv.Bits.Resident = true
		l := ht.Lookup(key)
		l.Mutate(sv, hashtable.MutateOptions{AllowExisting: true, Now: now})
		l.Unlock()
	}

	vb := &fakeVB{ht: ht, active: true}
	ep := NewExpiryPager(time.Minute)
	if visited := ep.RunOnce(context.Background(), []VBucket{vb}); visited != 4 {
		t.Errorf("expected 4 expired items handled, got %d", visited)
	}
	// A second scan finds nothing left to do.
	if visited := ep.RunOnce(context.Background(), []VBucket{vb}); visited != 0 {
		t.Errorf("second scan handled %d", visited)
	}
}
