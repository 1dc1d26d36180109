package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/owendCB/kv-engine/admin"
	"github.com/owendCB/kv-engine/config"
	"github.com/owendCB/kv-engine/engine"
	"github.com/owendCB/kv-engine/hashtable"
	"github.com/owendCB/kv-engine/pager"
	"github.com/owendCB/kv-engine/telemetry"
)

var (
	listenAddr   string
	numVBuckets  int
	fullEviction bool
	influxURL    string
	influxDB     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "epctl",
		Short: "kv-engine node with its HTTP control surface",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:12000", "control surface listen address")
	rootCmd.Flags().IntVar(&numVBuckets, "vbuckets", 0, "override the number of vbuckets (0 = default)")
	rootCmd.Flags().BoolVar(&fullEviction, "full-eviction", false, "evict keys as well as values")
	rootCmd.Flags().StringVar(&influxURL, "influx", "", "InfluxDB endpoint for metrics (empty = disabled)")
	rootCmd.Flags().StringVar(&influxDB, "influx-db", "kvengine", "InfluxDB database name")

	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if numVBuckets > 0 {
		cfg.NumVBuckets = numVBuckets
	}

	policy := hashtable.ValueOnly
	if fullEviction {
		policy = hashtable.FullEviction
	}
	e := engine.New(cfg, policy, pager.StatisticalCounter)

	telemetry.StartReporter(telemetry.InfluxConfig{
		Endpoint: influxURL,
		Database: influxDB,
		Interval: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go e.RunPagerLoop(ctx)
	go e.RunExpiryLoop(ctx)
	go e.RunTimeoutLoop(ctx, time.Second)

	srv := admin.NewHTTPServer(e)
	errCh := make(chan error, 1)
	go func() {
		log.Info("control surface listening", "addr", listenAddr)
		errCh <- srv.ListenAndServe(listenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
		return nil
	}
}
