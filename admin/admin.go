// Package admin implements the engine's control surface: a fixed set of
// textual commands (the cbstats/cbepctl command set), dispatched
// programmatically or via the HTTP front end in httpserver.go, each
// returning a map[string]string the caller renders as text or JSON.
package admin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emicklei/dot"

	"github.com/owendCB/kv-engine/pager"
	"github.com/owendCB/kv-engine/vbucket"
)

// Engine is the narrow surface admin needs over the process's vbuckets and
// pagers, kept separate from any concrete "bucket" type so admin has no
// import-cycle risk with vbucket/pager.
type Engine interface {
	VBucket(vbid uint16) (*vbucket.VBucket, bool)
	AllVBuckets() []*vbucket.VBucket
	ItemPager() *pager.Pager
	LastPassResult() pager.PassResult
	MemoryUsed() int64
	HighWatermark() int64
	LowWatermark() int64
}

// Dispatch parses and runs one control command, returning its output as a
// string map. Exit-code-style success/failure is reported via the returned
// error: non-nil means the caller should report exit status 1.
func Dispatch(e Engine, cmd string) (map[string]string, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil, fmt.Errorf("admin: empty command")
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "all":
		return cmdAll(e), nil
	case "checkpoint":
		return cmdCheckpoint(e, args)
	case "tasks":
		return cmdTasks(e, args), nil
	case "timings":
		return cmdTimings(), nil
	case "dcp":
		return cmdDCP(), nil
	case "vbucket-details":
		return cmdVBucketDetails(e, args)
	case "durability-monitor":
		return cmdDurabilityMonitor(e, args)
	case "hash":
		return cmdHash(e, args), nil
	case "memory":
		return cmdMemory(e), nil
	case "reset":
		return cmdReset(e), nil
	case "vbucket-seqno":
		return cmdVBucketSeqno(e, args)
	default:
		return nil, fmt.Errorf("admin: unknown command %q", name)
	}
}

func parseVBid(args []string) (uint16, bool, error) {
	if len(args) == 0 {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return 0, false, fmt.Errorf("admin: invalid vbid %q: %w", args[0], err)
	}
	return uint16(n), true, nil
}

func cmdAll(e Engine) map[string]string {
	out := map[string]string{}
	for k, v := range cmdMemory(e) {
		out[k] = v
	}
	for _, vb := range e.AllVBuckets() {
		out[fmt.Sprintf("vb_%d:state", vb.VBid())] = vb.State().String()
	}
	return out
}

func cmdCheckpoint(e Engine, args []string) (map[string]string, error) {
	vbid, has, err := parseVBid(args)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	emit := func(vb *vbucket.VBucket) {
		for _, cp := range vb.Checkpoints().Checkpoints() {
			prefix := fmt.Sprintf("vb_%d:checkpoint_%d", vb.VBid(), cp.ID)
			out[prefix+":open"] = strconv.FormatBool(cp.Open)
			out[prefix+":num_items"] = strconv.Itoa(len(cp.Items))
		}
		out[fmt.Sprintf("vb_%d:open_checkpoint_id", vb.VBid())] = strconv.FormatUint(vb.Checkpoints().GetOpenCheckpointId(), 10)
	}
	if has {
		vb, ok := e.VBucket(vbid)
		if !ok {
			return nil, fmt.Errorf("admin: no such vbucket %d", vbid)
		}
		emit(vb)
		return out, nil
	}
	for _, vb := range e.AllVBuckets() {
		emit(vb)
	}
	return out, nil
}

func cmdTasks(e Engine, args []string) map[string]string {
	sortcol := "name"
	if len(args) > 0 {
		sortcol = args[0]
	}
	res := e.LastPassResult()
	out := map[string]string{
		"itempager:complete":    strconv.FormatBool(res.Complete),
		"itempager:multiplier":  strconv.FormatFloat(res.EvictionMultiplier, 'f', 3, 64),
		"itempager:evicted":     strconv.FormatInt(res.Evicted, 10),
		"itempager:sort_column": sortcol,
	}
	return out
}

func cmdTimings() map[string]string {
	return map[string]string{"note": "timing histograms are recorded via the metrics registry, not the control surface"}
}

func cmdDCP() map[string]string {
	return map[string]string{"note": "DCP streams are owned by the replication layer, not the control surface"}
}

func cmdVBucketDetails(e Engine, args []string) (map[string]string, error) {
	vbid, has, err := parseVBid(args)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("admin: vbucket-details requires a vbid")
	}
	vb, ok := e.VBucket(vbid)
	if !ok {
		return nil, fmt.Errorf("admin: no such vbucket %d", vbid)
	}
	stats := vb.HashTable().Stats()
	out := map[string]string{
		"vbid":                   strconv.Itoa(int(vbid)),
		"state":                  vb.State().String(),
		"high_seqno":             strconv.FormatUint(vb.Checkpoints().HighSeqno(), 10),
		"num_items":              strconv.FormatInt(stats.Items, 10),
		"num_non_resident":       strconv.FormatInt(stats.NonResident, 10),
		"resident_ratio":         strconv.FormatFloat(vb.ResidentRatio(), 'f', 3, 64),
		"manifest_uid":           strconv.FormatUint(vb.Manifest().ManifestUid(), 10),
		"n_deleting_collections": strconv.Itoa(vb.Manifest().NDeletingCollections()),
		"topology_dot":           replicationTopologyDOT(vb),
	}
	return out, nil
}

func cmdDurabilityMonitor(e Engine, args []string) (map[string]string, error) {
	vbid, has, err := parseVBid(args)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("admin: durability-monitor requires a vbid")
	}
	vb, ok := e.VBucket(vbid)
	if !ok {
		return nil, fmt.Errorf("admin: no such vbucket %d", vbid)
	}
	s := vb.Durability().StatsSnapshot()
	return map[string]string{
		"vbid":        strconv.Itoa(int(vbid)),
		"topology":    strings.Join(s.Topology, ","),
		"num_tracked": strconv.Itoa(s.NumTracked),
		"oldest_age":  s.OldestAge.String(),
	}, nil
}

func cmdHash(e Engine, args []string) map[string]string {
	detail := len(args) > 0 && args[0] == "detail"
	out := map[string]string{}
	var totalItems, totalNonResident int64
	for _, vb := range e.AllVBuckets() {
		s := vb.HashTable().Stats()
		totalItems += s.Items
		totalNonResident += s.NonResident
		if detail {
			out[fmt.Sprintf("vb_%d:items", vb.VBid())] = strconv.FormatInt(s.Items, 10)
		}
	}
	out["total_items"] = strconv.FormatInt(totalItems, 10)
	out["total_non_resident"] = strconv.FormatInt(totalNonResident, 10)
	return out
}

func cmdMemory(e Engine) map[string]string {
	return map[string]string{
		"mem_used":         strconv.FormatInt(e.MemoryUsed(), 10),
		"high_watermark":   strconv.FormatInt(e.HighWatermark(), 10),
		"low_watermark":    strconv.FormatInt(e.LowWatermark(), 10),
		"host_total_bytes": strconv.FormatUint(hostTotalMemory(), 10),
	}
}

func cmdReset(e Engine) map[string]string {
	for _, vb := range e.AllVBuckets() {
		if f := vb.Filter(); f != nil {
			f.Reset()
		}
	}
	return map[string]string{"result": "ok"}
}

func cmdVBucketSeqno(e Engine, args []string) (map[string]string, error) {
	vbid, has, err := parseVBid(args)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	emit := func(vb *vbucket.VBucket) {
		entries := vb.FailoverTable().Entries()
		out[fmt.Sprintf("vb_%d:high_seqno", vb.VBid())] = strconv.FormatUint(vb.Checkpoints().HighSeqno(), 10)
		out[fmt.Sprintf("vb_%d:num_failover_entries", vb.VBid())] = strconv.Itoa(len(entries))
	}
	if has {
		vb, ok := e.VBucket(vbid)
		if !ok {
			return nil, fmt.Errorf("admin: no such vbucket %d", vbid)
		}
		emit(vb)
		return out, nil
	}
	for _, vb := range e.AllVBuckets() {
		emit(vb)
	}
	return out, nil
}

// replicationTopologyDOT renders the vbucket's durability replication chain
// as a DOT graph string, consumed by vbucket-details.
func replicationTopologyDOT(vb *vbucket.VBucket) string {
	s := vb.Durability().StatsSnapshot()
	g := dot.NewGraph(dot.Directed)
	nodes := make([]dot.Node, 0, len(s.Topology))
	for _, n := range s.Topology {
		nodes = append(nodes, g.Node(n))
	}
	for i := 1; i < len(nodes); i++ {
		g.Edge(nodes[0], nodes[i], "replicates")
	}
	return g.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
