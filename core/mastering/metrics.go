package mastering

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments the fencing protocol reports through. A
// nil *Metrics is valid and records nothing, so stores can run unmetered
// in tests.
type Metrics struct {
	commits            metric.Int64Counter
	aborts             metric.Int64Counter
	staleMasters       metric.Int64Counter
	concurrentRemaster metric.Int64Counter
	lockConflicts      metric.Int64Counter
	remasters          metric.Int64Counter
}

// NewMetrics registers the fencing instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.commits, err = meter.Int64Counter("meridian_txn_commits_total",
		metric.WithDescription("Transactions committed")); err != nil {
		return nil, err
	}
	if m.aborts, err = meter.Int64Counter("meridian_txn_aborts_total",
		metric.WithDescription("Transactions aborted on this partition")); err != nil {
		return nil, err
	}
	if m.staleMasters, err = meter.Int64Counter("meridian_stale_master_total",
		metric.WithDescription("Transactions rejected for stale master metadata")); err != nil {
		return nil, err
	}
	if m.concurrentRemaster, err = meter.Int64Counter("meridian_concurrent_remaster_total",
		metric.WithDescription("Remasters that lost a counter race")); err != nil {
		return nil, err
	}
	if m.lockConflicts, err = meter.Int64Counter("meridian_lock_conflict_total",
		metric.WithDescription("Transactions rejected for per-key lock contention")); err != nil {
		return nil, err
	}
	if m.remasters, err = meter.Int64Counter("meridian_remastered_keys_total",
		metric.WithDescription("Keys whose master was reassigned")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Commit() {
	if m != nil {
		m.commits.Add(context.Background(), 1)
	}
}

func (m *Metrics) Abort() {
	if m != nil {
		m.aborts.Add(context.Background(), 1)
	}
}

func (m *Metrics) StaleMaster() {
	if m != nil {
		m.staleMasters.Add(context.Background(), 1)
	}
}

func (m *Metrics) ConcurrentRemaster() {
	if m != nil {
		m.concurrentRemaster.Add(context.Background(), 1)
	}
}

func (m *Metrics) LockConflict() {
	if m != nil {
		m.lockConflicts.Add(context.Background(), 1)
	}
}

func (m *Metrics) Remaster(keys int) {
	if m != nil {
		m.remasters.Add(context.Background(), int64(keys))
	}
}
