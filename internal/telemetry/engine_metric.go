package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// EngineMetrics holds the metric instruments recorded by the storage engine.
type EngineMetrics struct {
	CommitsCounter          metric.Int64Counter
	RollbacksCounter        metric.Int64Counter
	BusyCounter             metric.Int64Counter
	StatementsCounter       metric.Int64Counter
	PageReadsCounter        metric.Int64Counter
	CheckpointHistogram     metric.Int64Histogram
	ActiveWritersUpDownCntr metric.Int64UpDownCounter
}

// NewEngineMetrics creates and registers the engine instruments on meter.
// A nil meter yields no-op instruments.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	commitsCounter, err := meter.Int64Counter(
		"gojolite.txn.commits_total",
		metric.WithDescription("Total number of committed write transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rollbacksCounter, err := meter.Int64Counter(
		"gojolite.txn.rollbacks_total",
		metric.WithDescription("Total number of rolled back transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	busyCounter, err := meter.Int64Counter(
		"gojolite.txn.busy_total",
		metric.WithDescription("Total number of write lock acquisitions that timed out."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	statementsCounter, err := meter.Int64Counter(
		"gojolite.stmt.executed_total",
		metric.WithDescription("Total number of statement executions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageReadsCounter, err := meter.Int64Counter(
		"gojolite.pager.reads_total",
		metric.WithDescription("Committed page reads, by cache outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	checkpointHistogram, err := meter.Int64Histogram(
		"gojolite.wal.checkpoint.duration",
		metric.WithDescription("Time spent applying WAL frames to the main file."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	activeWriters, err := meter.Int64UpDownCounter(
		"gojolite.txn.active_writers",
		metric.WithDescription("Number of write transactions holding the writer lock."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		CommitsCounter:          commitsCounter,
		RollbacksCounter:        rollbacksCounter,
		BusyCounter:             busyCounter,
		StatementsCounter:       statementsCounter,
		PageReadsCounter:        pageReadsCounter,
		CheckpointHistogram:     checkpointHistogram,
		ActiveWritersUpDownCntr: activeWriters,
	}, nil
}

// NoopEngineMetrics returns instruments that record nothing.
func NoopEngineMetrics() *EngineMetrics {
	m, _ := NewEngineMetrics(nil)
	return m
}
