package engine

import (
	"context"
	"testing"
	"time"

	"github.com/owendCB/kv-engine/collections"
	"github.com/owendCB/kv-engine/config"
	"github.com/owendCB/kv-engine/durability"
	"github.com/owendCB/kv-engine/hashtable"
	"github.com/owendCB/kv-engine/pager"
	"github.com/owendCB/kv-engine/storedvalue"
	"github.com/owendCB/kv-engine/vbucket"
)

func testConfig() config.Engine {
	return config.Engine{
		NumVBuckets: 4,
		NumShards:   2,
		Pager: config.Pager{
			SleepInterval:          time.Minute,
			ActiveBias:             1.0,
			EvictionMultiplierStep: 0.05,
			MaxPersistenceQueue:    1 << 20,
			ExpiryPagerInterval:    time.Minute,
		},
	}
}

func TestShardAssignment(t *testing.T) {
	e := New(testConfig(), hashtable.ValueOnly, pager.StatisticalCounter)

	if len(e.AllVBuckets()) != 4 {
		t.Fatalf("expected 4 vbuckets, got %d", len(e.AllVBuckets()))
	}
	// shard = vbid mod numShards
	for _, vb := range e.Shard(0) {
		if vb.VBid()%2 != 0 {
			t.Errorf("vbucket %d on the wrong shard", vb.VBid())
		}
	}
	for _, vb := range e.Shard(1) {
		if vb.VBid()%2 != 1 {
			t.Errorf("vbucket %d on the wrong shard", vb.VBid())
		}
	}

	if _, ok := e.VBucket(3); !ok {
		t.Error("vbucket 3 should exist")
	}
	if _, ok := e.VBucket(4); ok {
		t.Error("vbucket 4 should not exist")
	}
}

func TestMemoryUsedSumsVBuckets(t *testing.T) {
	e := New(testConfig(), hashtable.ValueOnly, pager.StatisticalCounter)
	for vbid := uint16(0); vbid < 4; vbid++ {
		vb, _ := e.VBucket(vbid)
		vb.SetState(vbucket.StateActive, 1)
		if status, _ := vb.Set(&vbucket.Item{Key: []byte{byte(vbid)}, Value: make([]byte, 99)}, 0); status != storedvalue.Success {
			t.Fatalf("set vb %d: %v", vbid, status)
		}
	}
	if got := e.MemoryUsed(); got != 400 {
		t.Errorf("memory %d, expected 400", got)
	}
}

func TestProcessTimeouts(t *testing.T) {
	e := New(testConfig(), hashtable.ValueOnly, pager.StatisticalCounter)
	vb, _ := e.VBucket(0)
	vb.SetState(vbucket.StateActive, 1)
	if err := vb.Durability().SetReplicationTopology([]string{"active", "r"}); err != nil {
		t.Fatalf("topology: %v", err)
	}

	status, _ := vb.Set(&vbucket.Item{
		Key:        []byte("k"),
		Value:      []byte("v"),
		Durability: &vbucket.DurabilityRequest{Level: durability.PersistToMajority, Timeout: time.Millisecond},
	}, 0)
	if status != storedvalue.Success {
		t.Fatalf("sync set: %v", status)
	}

	if aborted := e.ProcessTimeouts(time.Now().Add(time.Second)); aborted != 1 {
		t.Errorf("expected 1 aborted write, got %d", aborted)
	}
	if vb.Durability().NumTracked() != 0 {
		t.Error("timed-out write still tracked")
	}
}

func TestVBStateRoundTrip(t *testing.T) {
	e := New(testConfig(), hashtable.ValueOnly, pager.StatisticalCounter)
	vb, _ := e.VBucket(0)
	vb.SetState(vbucket.StateActive, 0xfeed)
	vb.Set(&vbucket.Item{Key: []byte("k"), Value: []byte("v")}, 0)
	if ok, _ := vb.Manifest().Update(5, []collections.CollectionID{collections.DefaultCollectionID, 9}); !ok {
		t.Fatal("manifest update failed")
	}

	rec, err := SnapshotVBState(vb, 1, 0, 0, vb.Checkpoints().HighSeqno())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	store := NewStateStore()
	if err := store.Put(0, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := store.Get(0)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.State != "active" || loaded.HighSeqno != vb.Checkpoints().HighSeqno() {
		t.Errorf("record mismatch: %+v", loaded)
	}
	if len(loaded.FailoverLog) != 1 || loaded.FailoverLog[0].UUID != 0xfeed {
		t.Errorf("failover log mismatch: %+v", loaded.FailoverLog)
	}

	// Warm a fresh vbucket from the record.
	e2 := New(testConfig(), hashtable.ValueOnly, pager.StatisticalCounter)
	vb2, _ := e2.VBucket(0)
	if err := Warmup(vb2, loaded); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if vb2.State() != vbucket.StateActive {
		t.Errorf("state %v after warmup", vb2.State())
	}
	if vb2.Manifest().ManifestUid() != 5 {
		t.Errorf("manifest uid %d after warmup", vb2.Manifest().ManifestUid())
	}
	if !vb2.Manifest().IsOpen(9) {
		t.Error("collection 9 should be open after warmup")
	}

	// A never-persisted vbucket simply reports absent.
	if _, ok, _ := store.Get(3); ok {
		t.Error("vbucket 3 was never persisted")
	}
}

func TestWakePagerBelowWatermarkIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.HighWatermark = 1 << 30
	cfg.Memory.LowWatermark = 1 << 29
	e := New(cfg, hashtable.ValueOnly, pager.StatisticalCounter)

	e.WakePager(context.Background())
	// The latch must still be free: no pass was scheduled.
	if !e.ItemPager().ScheduleNow() {
		t.Error("WakePager below the watermark must not take the latch")
	}
}
