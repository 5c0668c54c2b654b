package transaction

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/locking"
	"github.com/sushant-115/gojotx/pkg/pool"
)

// BeginParams describe a transaction to begin.
type BeginParams struct {
	Type       Type
	Security   SecurityContext
	Timeout    time.Duration
	ClientInfo ClientInfo
}

// KernelTransactions hands out pooled transactions and keeps track of the
// running ones.
type KernelTransactions struct {
	cfg      Config
	deps     Dependencies
	logger   *zap.Logger
	readOnly atomic.Bool
	pool     *pool.ResourcePool[*KernelTransaction]
	sequence atomic.Uint64
	closed   atomic.Bool

	mu     sync.RWMutex
	active map[*KernelTransaction]struct{}
}

// NewKernelTransactions creates the registry.
func NewKernelTransactions(cfg Config, deps Dependencies) (*KernelTransactions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	k := &KernelTransactions{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("kernel_transactions"),
		active: make(map[*KernelTransaction]struct{}),
	}
	k.readOnly.Store(cfg.ReadOnly)
	k.pool, err = pool.New(cfg.PoolSize,
		func() (*KernelTransaction, error) {
			return newKernelTransaction(cfg, &k.readOnly, deps, k), nil
		},
		func(tx *KernelTransaction) {
			if err := tx.Dispose(); err != nil {
				k.logger.Warn("Failed to dispose transaction instance", zap.Error(err))
			}
		})
	if err != nil {
		return nil, err
	}
	return k, nil
}

// Begin starts a new transaction. It blocks while every pooled instance is
// in use.
func (k *KernelTransactions) Begin(ctx context.Context, p BeginParams) (*KernelTransaction, error) {
	if k.closed.Load() {
		return nil, ErrRegistryClosed
	}
	tx, err := k.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, ErrRegistryClosed
		}
		return nil, err
	}
	if p.Type == 0 {
		p.Type = TypeExplicit
	}
	if _, err := tx.Initialize(InitParams{
		Context:         ctx,
		SequenceNumber:  k.sequence.Add(1),
		Type:            p.Type,
		Security:        p.Security,
		Timeout:         p.Timeout,
		ClientInfo:      p.ClientInfo,
		LastCommittedTx: k.deps.StorageEngine.LastCommittedTransactionID(),
	}); err != nil {
		_ = k.pool.Dispose(tx)
		return nil, err
	}
	k.mu.Lock()
	k.active[tx] = struct{}{}
	k.mu.Unlock()
	return tx, nil
}

// BeginInner starts a transaction nested in outer. outer cannot commit while
// the inner transaction is open, and terminating outer terminates it.
func (k *KernelTransactions) BeginInner(ctx context.Context, outer *KernelTransaction, p BeginParams) (*KernelTransaction, error) {
	if err := outer.AssertOpen(); err != nil {
		return nil, err
	}
	if p.Security == (SecurityContext{}) {
		if sec := outer.security.Load(); sec != nil {
			p.Security = *sec
		}
	}
	inner, err := k.Begin(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := outer.inner.register(inner); err != nil {
		_ = inner.Close(ctx)
		return nil, err
	}
	inner.outer = outer.inner
	return inner, nil
}

func (k *KernelTransactions) release(tx *KernelTransaction) {
	k.forget(tx)
	if err := k.pool.Release(tx); err != nil && !errors.Is(err, pool.ErrNotInUse) {
		k.logger.Warn("Failed to release transaction instance", zap.Error(err))
	}
}

func (k *KernelTransactions) dispose(tx *KernelTransaction) {
	k.forget(tx)
	k.logger.Warn("Disposing transaction instance after failed cleanup")
	if err := k.pool.Dispose(tx); err != nil && !errors.Is(err, pool.ErrNotInUse) {
		k.logger.Warn("Failed to dispose transaction instance", zap.Error(err))
	}
}

func (k *KernelTransactions) forget(tx *KernelTransaction) {
	k.mu.Lock()
	delete(k.active, tx)
	k.mu.Unlock()
}

// Handle refers to one logical transaction. It stays safe to use after the
// instance moved on to another transaction.
type Handle struct {
	tx  *KernelTransaction
	seq uint64
}

// SequenceNumber identifies the logical transaction.
func (h Handle) SequenceNumber() uint64 { return h.seq }

// IsOpen reports whether the logical transaction is still running.
func (h Handle) IsOpen() bool {
	return h.tx.SequenceNumber() == h.seq && h.tx.IsOpen()
}

// MarkForTermination terminates the logical transaction if it is still
// running.
func (h Handle) MarkForTermination(reason Status) bool {
	return h.tx.markForTerminationIfSequence(h.seq, reason)
}

// TransactionInfo is a monitoring snapshot of a running transaction.
type TransactionInfo struct {
	SequenceNumber    uint64               `json:"sequence_number"`
	Type              string               `json:"type"`
	Subject           string               `json:"subject"`
	StartTime         time.Time            `json:"start_time"`
	Timeout           time.Duration        `json:"timeout"`
	TerminationReason string               `json:"termination_reason,omitempty"`
	StatusDetails     string               `json:"status_details,omitempty"`
	MetaData          map[string]any       `json:"metadata,omitempty"`
	ClientInfo        ClientInfo           `json:"client_info"`
	ActiveLocks       []locking.ActiveLock `json:"active_locks,omitempty"`
	Statistics        StatisticsSnapshot   `json:"statistics"`
}

// Info snapshots the transaction. ok is false when it already finished;
// the snapshot is then empty if the instance runs another transaction.
func (h Handle) Info() (info TransactionInfo, ok bool) {
	tx := h.tx
	info = TransactionInfo{
		SequenceNumber: h.seq,
		Type:           tx.Type().String(),
		Subject:        tx.Subject(),
		StartTime:      tx.StartTime(),
		Timeout:        tx.Timeout(),
		StatusDetails:  tx.StatusDetails(),
		MetaData:       tx.MetaData(),
		ClientInfo:     tx.ClientInfo(),
		ActiveLocks:    tx.ActiveLocks(),
		Statistics:     tx.stats.Snapshot(),
	}
	if mark, terminated := tx.TerminationMark(); terminated {
		info.TerminationReason = mark.Reason.Code
	}
	// The instance may have moved on while the fields were read.
	if tx.SequenceNumber() != h.seq {
		return TransactionInfo{SequenceNumber: h.seq}, false
	}
	return info, h.IsOpen()
}

// ExecutingTransactions lists the running transactions ordered by sequence
// number.
func (k *KernelTransactions) ExecutingTransactions() []Handle {
	k.mu.RLock()
	handles := make([]Handle, 0, len(k.active))
	for tx := range k.active {
		if seq := tx.SequenceNumber(); seq != 0 && tx.IsOpen() {
			handles = append(handles, Handle{tx: tx, seq: seq})
		}
	}
	k.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].seq < handles[j].seq })
	return handles
}

// TerminateTransaction terminates the running transaction seq.
func (k *KernelTransactions) TerminateTransaction(seq uint64, reason Status) bool {
	for _, h := range k.ExecutingTransactions() {
		if h.seq == seq {
			return h.MarkForTermination(reason)
		}
	}
	return false
}

// StartTimeOfOldestActiveTransaction returns false when nothing runs.
func (k *KernelTransactions) StartTimeOfOldestActiveTransaction() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, h := range k.ExecutingTransactions() {
		start := h.tx.StartTime()
		if !found || start.Before(oldest) {
			oldest, found = start, true
		}
	}
	return oldest, found
}

// SetReadOnly switches the database between read-only and read-write.
// Transactions that already hold state keep it.
func (k *KernelTransactions) SetReadOnly(readOnly bool) {
	k.readOnly.Store(readOnly)
	k.logger.Info("Changed database access mode", zap.Bool("read_only", readOnly))
}

// ReadOnly reports the current access mode.
func (k *KernelTransactions) ReadOnly() bool { return k.readOnly.Load() }

// PoolStats reports the occupancy of the instance pool.
func (k *KernelTransactions) PoolStats() pool.Stats { return k.pool.Stats() }

// TerminateTimedOut terminates every transaction that exceeded its timeout
// and returns how many were terminated.
func (k *KernelTransactions) TerminateTimedOut(now time.Time) int {
	terminated := 0
	for _, h := range k.ExecutingTransactions() {
		timeout := h.tx.Timeout()
		if timeout <= 0 || now.Sub(h.tx.StartTime()) <= timeout {
			continue
		}
		if h.MarkForTermination(StatusTimedOut) {
			terminated++
			k.logger.Info("Terminated transaction after timeout",
				zap.Uint64("sequence_number", h.seq),
				zap.Duration("timeout", timeout))
		}
	}
	return terminated
}

// RunTimeoutGuard terminates timed out transactions every interval until
// ctx is done.
func (k *KernelTransactions) RunTimeoutGuard(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = k.cfg.TimeoutSweepInterval
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.TerminateTimedOut(now)
		}
	}
}

// Close terminates every running transaction and closes the pool. Running
// instances are disposed when their owners close them.
func (k *KernelTransactions) Close() {
	if !k.closed.CompareAndSwap(false, true) {
		return
	}
	for _, h := range k.ExecutingTransactions() {
		h.MarkForTermination(StatusDatabaseShutdown)
	}
	k.pool.Close()
	k.logger.Info("Kernel transactions closed")
}
