// Package node assembles a running gojotx instance from its configuration:
// storage engine, transaction log, recovery, commit process and the kernel
// transaction registry.
package node

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	_ "github.com/sushant-115/gojotx/core/storage_engine/memengine"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// Node owns every component of a running instance.
type Node struct {
	Engine       storageengine.Instance
	Log          *wal.LogManager
	Commit       *wal.CommitProcess
	Transactions *transaction.KernelTransactions
	Recovery     wal.RecoveryStats

	logger       *zap.Logger
	registration metric.Registration
}

// Options carries the process-wide collaborators.
type Options struct {
	Logger *zap.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Open builds a node and replays the transaction log into the engine.
func Open(cfg config.Config, opts Options) (_ *Node, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Close())
		}
	}()

	factory, err := storageengine.Lookup(cfg.StorageEngine)
	if err != nil {
		return nil, err
	}
	n.Engine, err = factory.Create(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage engine %s: %w", cfg.StorageEngine, err)
	}

	n.Log, err = wal.NewLogManager(cfg.WAL, logger)
	if err != nil {
		return nil, err
	}
	n.Recovery, err = wal.Recover(n.Log, n.Engine, n.Engine.LastCommittedTransactionID(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to recover transaction log: %w", err)
	}
	n.Commit = wal.NewCommitProcess(n.Log, n.Engine, n.Recovery.LastTxID, logger)

	deps := transaction.Dependencies{
		StorageEngine:    n.Engine,
		CommitProcess:    n.Commit,
		ValidatorFactory: storageengine.NewValidatorFactory(cfg.Transaction.MaxCommandBytes),
		Tracer:           opts.Tracer,
		CPUClock:         transaction.ProcessCPUClock{},
		Logger:           logger,
	}
	if opts.Meter != nil {
		metrics, err := internaltelemetry.NewTransactionMetrics(opts.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create transaction metrics: %w", err)
		}
		deps.Monitor = metrics
	}

	n.Transactions, err = transaction.NewKernelTransactions(cfg.Transaction, deps)
	if err != nil {
		return nil, err
	}
	if opts.Meter != nil {
		n.registration, err = internaltelemetry.RegisterPoolGauges(opts.Meter, n.Transactions.PoolStats)
		if err != nil {
			return nil, fmt.Errorf("failed to register pool gauges: %w", err)
		}
	}

	logger.Info("Node opened",
		zap.String("storage_engine", cfg.StorageEngine),
		zap.String("wal_dir", cfg.WAL.Dir),
		zap.Uint64("last_tx_id", n.Recovery.LastTxID),
		zap.Int("pool_size", cfg.Transaction.PoolSize))
	return n, nil
}

// RunTimeoutGuard blocks until ctx is done.
func (n *Node) RunTimeoutGuard(ctx context.Context) {
	n.Transactions.RunTimeoutGuard(ctx, 0)
}

// Close terminates running transactions and closes every component.
func (n *Node) Close() error {
	var err error
	if n.registration != nil {
		err = multierr.Append(err, n.registration.Unregister())
	}
	if n.Transactions != nil {
		n.Transactions.Close()
	}
	if n.Log != nil {
		err = multierr.Append(err, n.Log.Close())
	}
	if n.Engine != nil {
		err = multierr.Append(err, n.Engine.Close())
	}
	if err != nil {
		n.logger.Error("Failed to close node cleanly", zap.Error(err))
	}
	return err
}
