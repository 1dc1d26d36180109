// Package telemetry registers the engine's metrics on the process-wide
// registry and ships them to InfluxDB: the generic registry reporter for
// counters and gauges, plus a hand-rolled per-pass reporter for the pager
// snapshots the generic reporter has no shape for.
package telemetry

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/influxdb"
	client "github.com/influxdata/influxdb/client/v2"
)

var (
	MemUsed               = metrics.NewRegisteredGauge("engine/mem_used", nil)
	PagerEvicted          = metrics.NewRegisteredCounter("pager/evicted", nil)
	PagerIncompletePasses = metrics.NewRegisteredCounter("pager/incomplete_passes", nil)
	SyncWriteTimeouts     = metrics.NewRegisteredCounter("durability/timeouts", nil)
	SyncWriteCommits      = metrics.NewRegisteredCounter("durability/commits", nil)
	ExpiredItems          = metrics.NewRegisteredCounter("expiry/items", nil)
)

// InfluxConfig locates the receiving InfluxDB instance.
type InfluxConfig struct {
	Endpoint string // e.g. http://localhost:8086
	Database string
	Username string
	Password string
	Interval time.Duration
	Tags     map[string]string
}

// StartReporter launches the registry push loop in its own goroutine. It
// never returns an error: a down InfluxDB is logged by the reporter and
// retried on the next interval.
func StartReporter(cfg InfluxConfig) {
	if cfg.Endpoint == "" {
		return
	}
	go influxdb.InfluxDBWithTags(metrics.DefaultRegistry, cfg.Interval, cfg.Endpoint, cfg.Database, cfg.Username, cfg.Password, "kvengine.", cfg.Tags)
}

// ReportPagerPass writes one point per completed pager pass: the eviction
// percent, the multiplier, and the evicted count. Values like these are
// per-pass snapshots, not monotone registry counters, so
// they go through the raw client instead of the registry reporter.
func ReportPagerPass(cfg InfluxConfig, complete bool, evicted int64, multiplier, percent float64) error {
	if cfg.Endpoint == "" {
		return nil
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.Endpoint,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: cfg.Database, Precision: "s"})
	if err != nil {
		return err
	}
	pt, err := client.NewPoint("kvengine.pager.pass", cfg.Tags, map[string]interface{}{
		"complete":   complete,
		"evicted":    evicted,
		"multiplier": multiplier,
		"percent":    percent,
	}, time.Now())
	if err != nil {
		return err
	}
	bp.AddPoint(pt)
	if err := c.Write(bp); err != nil {
		log.Warn("pager pass report failed", "endpoint", cfg.Endpoint, "err", err)
		return err
	}
	return nil
}
