// meridian-workload drives a set of in-process partition stores with a
// synthetic transaction mix and reports how the fencing protocol fared:
// commits, aborts by kind, and remaster outcomes. It exists to exercise
// and benchmark the record model without the surrounding pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-db/meridian/config"
	"github.com/meridian-db/meridian/core/mastering"
	"github.com/meridian-db/meridian/core/txn"
	"github.com/meridian-db/meridian/internal/workload"
	"github.com/meridian-db/meridian/pkg/logger"
	"github.com/meridian-db/meridian/pkg/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the topology YAML (omit for a 2x2 in-process topology)")
		numTxns     = flag.Int("txns", 10000, "number of transactions to run")
		txnRate     = flag.Float64("rate", 0, "transactions per second (0 = unthrottled)")
		numKeys     = flag.Int("keys", 1000, "number of keys to seed")
		mhPct       = flag.Int("mh", 10, "percentage of multi-home transactions")
		remasterPct = flag.Int("remaster", 5, "percentage of remaster transactions")
		records     = flag.Int("records", 10, "keys touched per transaction")
		writes      = flag.Int("writes", 5, "keys written per transaction")
		valueSize   = flag.Int("value-size", 100, "size of written values in bytes")
		metricsPort = flag.Int("metrics-port", 0, "Prometheus /metrics port (0 = disabled)")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := loadTopology(*configPath)
	if err != nil {
		log.Fatal("failed to load topology", zap.Error(err))
	}

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsPort > 0,
		ServiceName:    "meridian-workload",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer shutdownTelemetry(context.Background())

	metrics, err := mastering.NewMetrics(tel.Meter)
	if err != nil {
		log.Fatal("failed to register metrics", zap.Error(err))
	}

	runID := uuid.NewString()
	log.Info("starting workload run",
		zap.String("run_id", runID),
		zap.Uint32("partitions", cfg.NumPartitions),
		zap.Uint32("replicas", cfg.NumReplicas()),
		zap.Int("txns", *numTxns),
		zap.Int("keys", *numKeys))

	// One store per partition, all in-process.
	stores := make([]*mastering.Store, cfg.NumPartitions)
	for p := range stores {
		stores[p] = mastering.NewStore(uint32(p), cfg, nil, log, metrics)
	}
	lookup := func(key string) (txn.MasterMetadata, bool) {
		return stores[cfg.PartitionOfKey(key)].Masters()(key)
	}

	gen, err := workload.NewBasic(workload.Params{
		MultiHomePct: *mhPct,
		RemasterPct:  *remasterPct,
		Records:      *records,
		Writes:       *writes,
		ValueSize:    *valueSize,
	}, cfg.NumPartitions, cfg.NumReplicas(), cfg.LocalMachineID(), lookup)
	if err != nil {
		log.Fatal("failed to build workload", zap.Error(err))
	}

	for i := 0; i < *numKeys; i++ {
		key := fmt.Sprintf("key-%06d", i)
		master := uint32(i) % cfg.NumReplicas()
		partition := cfg.PartitionOfKey(key)
		stores[partition].Put(key, fmt.Sprintf("init-%06d", i), master, 0)
		gen.AddKey(partition, master, key)
	}

	var limiter *rate.Limiter
	if *txnRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(*txnRate), 1)
	}

	var tally struct {
		committed          int
		staleMaster        int
		concurrentRemaster int
		lockConflict       int
		malformed          int
		applyFailure       int
	}
	machine := cfg.LocalMachineID()
	start := time.Now()

	for i := 0; i < *numTxns; i++ {
		if limiter != nil {
			if err := limiter.Wait(context.Background()); err != nil {
				break
			}
		}
		t, err := gen.NextTransaction()
		if err != nil {
			log.Fatal("workload generation failed", zap.Error(err))
		}
		t.DeriveInvolvedSets(cfg)
		t.AppendEvent(txn.EventEnterServer, time.Now().UnixNano(), machine)
		t.AppendEvent(txn.EventDispatched, time.Now().UnixNano(), machine)

		failed := false
		for _, p := range t.Internal.InvolvedPartitions {
			t.AppendEvent(txn.EventEnterWorker, time.Now().UnixNano(), machine)
			if _, err := stores[p].ValidateAndApply(t); err != nil {
				failed = true
				switch {
				case errors.Is(err, txn.ErrStaleMaster):
					tally.staleMaster++
				case errors.Is(err, txn.ErrConcurrentRemaster):
					tally.concurrentRemaster++
				case errors.Is(err, txn.ErrLockConflict):
					tally.lockConflict++
				case errors.Is(err, txn.ErrApplyFailure):
					tally.applyFailure++
				default:
					tally.malformed++
				}
				break
			}
			t.AppendEvent(txn.EventExitWorker, time.Now().UnixNano(), machine)
		}

		if failed {
			for _, p := range t.Internal.InvolvedPartitions {
				stores[p].FinalizeRemaster(t, false)
			}
			continue
		}
		t.AppendEvent(txn.EventReturnToServer, time.Now().UnixNano(), machine)
		if err := t.Commit(); err != nil {
			log.Fatal("commit failed", zap.Uint32("txn", t.Internal.ID), zap.Error(err))
		}
		for _, p := range t.Internal.InvolvedPartitions {
			stores[p].FinalizeRemaster(t, true)
		}
		metrics.Commit()
		tally.committed++
	}

	elapsed := time.Since(start)
	log.Info("workload run finished",
		zap.String("run_id", runID),
		zap.Duration("elapsed", elapsed),
		zap.Int("committed", tally.committed),
		zap.Int("stale_master", tally.staleMaster),
		zap.Int("concurrent_remaster", tally.concurrentRemaster),
		zap.Int("lock_conflict", tally.lockConflict),
		zap.Int("malformed", tally.malformed),
		zap.Int("apply_failure", tally.applyFailure),
		zap.Float64("txns_per_sec", float64(tally.committed)/elapsed.Seconds()))
}

// loadTopology reads the YAML topology, or falls back to a two-replica,
// two-partition layout for local runs.
func loadTopology(path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path, "")
	}
	return config.Parse([]byte(`
protocol: inproc
num_partitions: 2
replication_factor: 1
replicas:
  - addresses: ["local-0-0", "local-0-1"]
  - addresses: ["local-1-0", "local-1-1"]
`), "")
}
