package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/pool"
)

// TransactionMetrics holds the metric instruments for kernel transactions.
// It implements transaction.Monitor.
type TransactionMetrics struct {
	StartedCounter       metric.Int64Counter
	FinishedCounter      metric.Int64Counter
	TerminatedCounter    metric.Int64Counter
	UpgradedCounter      metric.Int64Counter
	CleanupFailedCounter metric.Int64Counter
	ActiveUpDownCounter  metric.Int64UpDownCounter
	HeapBytesHistogram   metric.Int64Histogram
	NativeBytesHistogram metric.Int64Histogram
}

var _ transaction.Monitor = (*TransactionMetrics)(nil)

// NewTransactionMetrics creates and registers all the transaction metrics.
func NewTransactionMetrics(meter metric.Meter) (*TransactionMetrics, error) {
	started, err := meter.Int64Counter(
		"gojotx.transaction.started_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	finished, err := meter.Int64Counter(
		"gojotx.transaction.finished_total",
		metric.WithDescription("Total number of transactions committed or rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	terminated, err := meter.Int64Counter(
		"gojotx.transaction.terminated_total",
		metric.WithDescription("Total number of transactions marked for termination."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	upgraded, err := meter.Int64Counter(
		"gojotx.transaction.write_upgrades_total",
		metric.WithDescription("Total number of transactions that created transaction state."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cleanupFailed, err := meter.Int64Counter(
		"gojotx.transaction.cleanup_failures_total",
		metric.WithDescription("Total number of transaction instances disposed after a failed cleanup."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotx.transaction.active",
		metric.WithDescription("Number of running transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heap, err := meter.Int64Histogram(
		"gojotx.transaction.heap_size",
		metric.WithDescription("Heap bytes tracked by a transaction at commit."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	native, err := meter.Int64Histogram(
		"gojotx.transaction.native_size",
		metric.WithDescription("Native bytes tracked by a transaction at commit."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &TransactionMetrics{
		StartedCounter:       started,
		FinishedCounter:      finished,
		TerminatedCounter:    terminated,
		UpgradedCounter:      upgraded,
		CleanupFailedCounter: cleanupFailed,
		ActiveUpDownCounter:  active,
		HeapBytesHistogram:   heap,
		NativeBytesHistogram: native,
	}, nil
}

func (m *TransactionMetrics) TransactionStarted() {
	ctx := context.Background()
	m.StartedCounter.Add(ctx, 1)
	m.ActiveUpDownCounter.Add(ctx, 1)
}

func (m *TransactionMetrics) UpgradeToWriteTransaction() {
	m.UpgradedCounter.Add(context.Background(), 1)
}

func (m *TransactionMetrics) TransactionTerminated(hasTxState bool) {
	m.TerminatedCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("tx.write", hasTxState)))
}

func (m *TransactionMetrics) TransactionFinished(committed, write bool) {
	ctx := context.Background()
	outcome := "rollback"
	if committed {
		outcome = "commit"
	}
	m.FinishedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tx.outcome", outcome),
		attribute.Bool("tx.write", write),
	))
	m.ActiveUpDownCounter.Add(ctx, -1)
}

func (m *TransactionMetrics) AddHeapTransactionSize(bytes int64) {
	if bytes > 0 {
		m.HeapBytesHistogram.Record(context.Background(), bytes)
	}
}

func (m *TransactionMetrics) AddNativeTransactionSize(bytes int64) {
	if bytes > 0 {
		m.NativeBytesHistogram.Record(context.Background(), bytes)
	}
}

func (m *TransactionMetrics) TransactionCleanupFailed() {
	m.CleanupFailedCounter.Add(context.Background(), 1)
}

// RegisterPoolGauges exposes the occupancy of a transaction instance pool.
func RegisterPoolGauges(meter metric.Meter, stats func() pool.Stats) (metric.Registration, error) {
	inUse, err := meter.Int64ObservableGauge(
		"gojotx.transaction.pool.in_use",
		metric.WithDescription("Pooled transaction instances currently handed out."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	free, err := meter.Int64ObservableGauge(
		"gojotx.transaction.pool.free",
		metric.WithDescription("Pooled transaction instances ready for reuse."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	disposed, err := meter.Int64ObservableCounter(
		"gojotx.transaction.pool.disposed_total",
		metric.WithDescription("Pooled transaction instances disposed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(inUse, int64(s.InUse))
		o.ObserveInt64(free, int64(s.Free))
		o.ObserveInt64(disposed, int64(s.Disposed))
		return nil
	}, inUse, free, disposed)
}
