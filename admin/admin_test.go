package admin

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/owendCB/kv-engine/config"
	"github.com/owendCB/kv-engine/engine"
	"github.com/owendCB/kv-engine/hashtable"
	"github.com/owendCB/kv-engine/pager"
	"github.com/owendCB/kv-engine/vbucket"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Engine{
		NumVBuckets: 2,
		NumShards:   1,
		Pager: config.Pager{
			SleepInterval:          time.Minute,
			ActiveBias:             1.0,
			EvictionMultiplierStep: 0.05,
			MaxPersistenceQueue:    1 << 20,
			ExpiryPagerInterval:    time.Minute,
		},
	}
	e := engine.New(cfg, hashtable.ValueOnly, pager.StatisticalCounter)
	vb, _ := e.VBucket(0)
	vb.SetState(vbucket.StateActive, 1)
	require.NoError(t, vb.Durability().SetReplicationTopology([]string{"n0", "n1"}))
	vb.Set(&vbucket.Item{Key: []byte("k"), Value: []byte("v")}, 0)
	return e
}

func TestDispatchCommands(t *testing.T) {
	e := newTestEngine(t)

	cases := []struct {
		cmd     string
		wantKey string
	}{
		{"memory", "mem_used"},
		{"all", "vb_0:state"},
		{"hash", "total_items"},
		{"hash detail", "vb_0:items"},
		{"checkpoint", "vb_0:open_checkpoint_id"},
		{"checkpoint 0", "vb_0:open_checkpoint_id"},
		{"tasks", "itempager:complete"},
		{"timings", "note"},
		{"dcp", "note"},
		{"vbucket-details 0", "state"},
		{"durability-monitor 0", "topology"},
		{"vbucket-seqno", "vb_0:high_seqno"},
		{"reset", "result"},
	}
	for _, tc := range cases {
		out, err := Dispatch(e, tc.cmd)
		require.NoError(t, err, tc.cmd)
		require.Contains(t, out, tc.wantKey, tc.cmd)
	}
}

func TestDispatchErrors(t *testing.T) {
	e := newTestEngine(t)

	for _, cmd := range []string{"", "bogus", "vbucket-details", "vbucket-details 9", "checkpoint zzz", "durability-monitor"} {
		if _, err := Dispatch(e, cmd); err == nil {
			t.Errorf("command %q should fail", cmd)
		}
	}
}

func TestVBucketDetailsContent(t *testing.T) {
	e := newTestEngine(t)

	out, err := Dispatch(e, "vbucket-details 0")
	require.NoError(t, err)
	require.Equal(t, "active", out["state"])
	require.Equal(t, "1", out["high_seqno"])
	require.Contains(t, out["topology_dot"], "n0")
	require.Contains(t, out["topology_dot"], "n1")
}

func TestRenderText(t *testing.T) {
	text := RenderText(map[string]string{"b": "2", "a": "1"})
	if !strings.Contains(text, "a") || !strings.Contains(text, "2") {
		t.Errorf("render missing content:\n%s", text)
	}
	// Sorted key order keeps the output stable.
	if strings.Index(text, "a") > strings.Index(text, "b") {
		t.Error("keys must render in sorted order")
	}
}
