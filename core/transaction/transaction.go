// Package transaction implements pooled kernel transactions. A
// KernelTransaction instance is reused across many logical transactions;
// every logical transaction is identified by a fresh sequence number and
// runs between Initialize and Close.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/locking"
	"github.com/sushant-115/gojotx/core/memory"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
	commonutils "github.com/sushant-115/gojotx/internal/common_utils"
)

const (
	// ReadOnlyID is returned by a commit that had nothing to write.
	ReadOnlyID uint64 = 0
	// RollbackID is the id of a transaction that did not commit.
	RollbackID uint64 = ^uint64(0)
)

const cursorTag = "transaction"

// Dependencies are the collaborators shared by every pooled instance.
type Dependencies struct {
	StorageEngine    storageengine.StorageEngine
	CommitProcess    CommitProcess
	LockManager      locking.Manager
	LeaseService     locking.LeaseService
	ValidatorFactory storageengine.ValidatorFactory
	Listeners        *EventListeners
	Monitor          Monitor
	Tracer           trace.Tracer
	GlobalMemory     *memory.GlobalPool
	CPUClock         CPUClock
	Clock            func() time.Time
	Logger           *zap.Logger
}

func (d Dependencies) withDefaults() (Dependencies, error) {
	if d.StorageEngine == nil {
		return d, errors.New("transaction dependencies: storage engine must be provided")
	}
	if d.CommitProcess == nil {
		return d, errors.New("transaction dependencies: commit process must be provided")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.LockManager == nil {
		d.LockManager = locking.NewLockManager(d.Logger)
	}
	if d.LeaseService == nil {
		d.LeaseService = locking.NoLeaseService{}
	}
	if d.ValidatorFactory == nil {
		d.ValidatorFactory = storageengine.EmptyValidatorFactory{}
	}
	if d.Listeners == nil {
		d.Listeners = NewEventListeners()
	}
	if d.Monitor == nil {
		d.Monitor = NoMonitor{}
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("gojotx/transaction")
	}
	if d.CPUClock == nil {
		d.CPUClock = NoCPUClock{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d, nil
}

// poolHook returns an instance to its pool after Close.
type poolHook interface {
	release(tx *KernelTransaction)
	dispose(tx *KernelTransaction)
}

// InitParams start a logical transaction on a pooled instance.
type InitParams struct {
	Context         context.Context
	SequenceNumber  uint64
	Type            Type
	Security        SecurityContext
	Timeout         time.Duration
	ClientInfo      ClientInfo
	LastCommittedTx uint64
}

// KernelTransaction is a reusable transaction instance. Its operations must
// be called from one goroutine at a time; MarkForTermination, the accessors
// documented as such and the registry snapshots may be called from any
// goroutine.
type KernelTransaction struct {
	cfg           Config
	readOnly      *atomic.Bool
	engine        storageengine.StorageEngine
	reader        storageengine.StorageReader
	commitProcess CommitProcess
	lockClient    locking.Client
	leaseService  locking.LeaseService
	cursors       storageengine.StoreCursors
	creationCtx   storageengine.CommandCreationContext
	memoryPool    *memory.TransactionPool
	validator     storageengine.TransactionValidator
	listeners     *EventListeners
	monitor       Monitor
	tracer        trace.Tracer
	clock         func() time.Time
	logger        *zap.Logger
	committer     committer
	stats         *Statistics
	inner         *innerTransactionHandler
	pool          poolHook

	// terminationLock orders termination against reset and the start of a
	// new logical transaction.
	terminationLock sync.Mutex
	terminationMark atomic.Pointer[TerminationMark]
	closed          atomic.Bool
	closing         atomic.Bool
	sequenceNumber  atomic.Uint64
	hasTxState      atomic.Bool
	txType          atomic.Uint32
	startTimeNanos  atomic.Int64
	timeoutNanos    atomic.Int64
	security        atomic.Pointer[SecurityContext]
	clientInfo      atomic.Pointer[ClientInfo]
	statusDetails   atomic.Pointer[string]
	pooled          atomic.Bool

	metaMu   sync.RWMutex
	metadata map[string]any

	// Owned by the goroutine running the transaction.
	commit                   bool
	failedCleanup            bool
	lease                    locking.LeaseClient
	lastCommittedWhenStarted uint64
	txState                  *txstate.TxState
	writeState               writeState
	cursorCtx                *storageengine.CursorContext
	event                    *transactionEvent
	transactionID            uint64
	commitTime               time.Time
	assigned                 bool
	outer                    *innerTransactionHandler
}

func newKernelTransaction(cfg Config, readOnly *atomic.Bool, deps Dependencies, pool poolHook) *KernelTransaction {
	memoryPool := memory.NewTransactionPool(deps.GlobalMemory)
	logger := deps.Logger.Named("transaction")
	tx := &KernelTransaction{
		cfg:           cfg,
		readOnly:      readOnly,
		engine:        deps.StorageEngine,
		reader:        deps.StorageEngine.NewReader(),
		commitProcess: deps.CommitProcess,
		lockClient:    deps.LockManager.NewClient(),
		leaseService:  deps.LeaseService,
		cursors:       deps.StorageEngine.NewStoreCursors(),
		creationCtx:   deps.StorageEngine.NewCommandCreationContext(),
		memoryPool:    memoryPool,
		validator:     deps.ValidatorFactory.CreateTransactionValidator(memoryPool),
		listeners:     deps.Listeners,
		monitor:       deps.Monitor,
		tracer:        deps.Tracer,
		clock:         deps.Clock,
		logger:        logger,
		committer:     newCommitter(cfg, deps.CommitProcess, logger),
		stats:         newStatistics(memoryPool, deps.CPUClock),
		inner:         newInnerTransactionHandler(),
		pool:          pool,
		lease:         locking.NoLeaseService{}.NewClient(),
	}
	tx.closed.Store(true)
	return tx
}

// Initialize starts a new logical transaction on this instance.
func (tx *KernelTransaction) Initialize(p InitParams) (*KernelTransaction, error) {
	if tx.failedCleanup {
		return nil, fmt.Errorf("%w: instance did not close properly and must not be reused", ErrIllegalState)
	}
	if !tx.closed.Load() {
		return nil, fmt.Errorf("%w: instance is still running transaction %d", ErrIllegalState, tx.sequenceNumber.Load())
	}
	if heap, native := tx.memoryPool.UsedHeap(), tx.memoryPool.UsedNative(); heap != 0 || native != 0 {
		return nil, fmt.Errorf("%w: instance still tracks %d heap and %d native bytes", ErrIllegalState, heap, native)
	}
	ctx := p.Context
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = tx.cfg.DefaultTimeout
	}

	// Per-transaction resources first; the instance is not visible as open
	// until the flags below flip.
	tx.cursorCtx = storageengine.NewCursorContext(cursorTag)
	tx.cursors.Reset(tx.cursorCtx)
	tx.lease = tx.leaseService.NewClient()
	tx.lockClient.Initialize(tx.lease, p.SequenceNumber, tx.memoryPool,
		locking.Config{AcquisitionTimeout: tx.cfg.LockAcquisitionTimeout})
	tx.commit = false
	tx.writeState = writeNone
	tx.txType.Store(uint32(p.Type))
	tx.startTimeNanos.Store(tx.clock().UnixNano())
	tx.timeoutNanos.Store(int64(timeout))
	tx.lastCommittedWhenStarted = p.LastCommittedTx
	tx.event = beginTransaction(ctx, tx.tracer, p.SequenceNumber, p.Type)
	security := p.Security
	tx.security.Store(&security)
	clientInfo := p.ClientInfo
	tx.clientInfo.Store(&clientInfo)
	tx.transactionID = 0
	tx.commitTime = time.Time{}
	tx.assigned = false
	tx.stats.init(commonutils.GoID(), tx.cursorCtx.Tracer())
	tx.creationCtx.Initialize(tx.cursorCtx, tx.cursors)
	tx.memoryPool.SetLimit(tx.cfg.MemoryTransactionMaxSize)
	tx.inner.open()
	tx.pooled.Store(false)

	// Publish the new sequence number under the termination lock so a late
	// request for the previous transaction cannot land on this one.
	tx.terminationLock.Lock()
	tx.terminationMark.Store(nil)
	tx.sequenceNumber.Store(p.SequenceNumber)
	tx.closing.Store(false)
	tx.closed.Store(false)
	tx.terminationLock.Unlock()

	tx.monitor.TransactionStarted()
	return tx, nil
}

// MarkForTermination terminates the current logical transaction. It may be
// called from any goroutine and returns false when there was nothing to
// terminate.
func (tx *KernelTransaction) MarkForTermination(reason Status) bool {
	tx.terminationLock.Lock()
	defer tx.terminationLock.Unlock()
	return tx.markForTerminationIfPossible(reason)
}

// markForTerminationIfSequence terminates only if the instance still runs
// the logical transaction seq.
func (tx *KernelTransaction) markForTerminationIfSequence(seq uint64, reason Status) bool {
	tx.terminationLock.Lock()
	defer tx.terminationLock.Unlock()
	if tx.sequenceNumber.Load() != seq {
		return false
	}
	return tx.markForTerminationIfPossible(reason)
}

// This method MUST be called with tx.terminationLock held.
func (tx *KernelTransaction) markForTerminationIfPossible(reason Status) bool {
	if tx.closed.Load() || tx.terminationMark.Load() != nil {
		return false
	}
	tx.inner.terminateInner(reason)
	tx.terminationMark.Store(&TerminationMark{Reason: reason, TimestampNanos: tx.clock().UnixNano()})
	tx.lockClient.Stop()
	tx.monitor.TransactionTerminated(tx.hasTxState.Load())
	tx.logger.Info("Transaction marked for termination",
		zap.Uint64("sequence_number", tx.sequenceNumber.Load()),
		zap.String("reason", reason.Code))
	return true
}

// AssertOpen fails when the transaction was terminated or closed. The
// termination mark wins; it stays set until the instance is reset.
func (tx *KernelTransaction) AssertOpen() error {
	if mark := tx.terminationMark.Load(); mark != nil {
		return &TerminatedError{Reason: mark.Reason}
	}
	if tx.closed.Load() {
		return notInTransaction()
	}
	return nil
}

// IsOpen reports whether the transaction is neither closed nor closing.
func (tx *KernelTransaction) IsOpen() bool {
	return !tx.closed.Load() && !tx.closing.Load()
}

// IsClosing reports whether commit or rollback is in progress.
func (tx *KernelTransaction) IsClosing() bool { return tx.closing.Load() }

// IsTerminated may be called from any goroutine.
func (tx *KernelTransaction) IsTerminated() bool { return tx.terminationMark.Load() != nil }

// TerminationMark returns the mark of a terminated transaction.
func (tx *KernelTransaction) TerminationMark() (TerminationMark, bool) {
	if mark := tx.terminationMark.Load(); mark != nil {
		return *mark, true
	}
	return TerminationMark{}, false
}

// Commit commits the transaction and returns its id, or ReadOnlyID when it
// wrote nothing. A terminated transaction is rolled back and Commit fails.
func (tx *KernelTransaction) Commit(ctx context.Context) (uint64, error) {
	tx.commit = true
	return tx.closeTransaction(ctx)
}

// Rollback rolls the transaction back. It is a no-op when the transaction
// is already closed.
func (tx *KernelTransaction) Rollback(ctx context.Context) error {
	if !tx.IsOpen() {
		return nil
	}
	tx.commit = false
	_, err := tx.closeTransaction(ctx)
	return err
}

// Close finishes the transaction if it is still open, rolling it back unless
// Commit was requested, and hands the instance back to its pool. An
// instance whose cleanup failed is disposed instead.
func (tx *KernelTransaction) Close(ctx context.Context) (err error) {
	defer func() {
		if tx.pool == nil || !tx.pooled.CompareAndSwap(false, true) {
			return
		}
		if tx.failedCleanup {
			tx.pool.dispose(tx)
		} else {
			tx.pool.release(tx)
		}
	}()
	if !tx.IsOpen() {
		return nil
	}
	_, err = tx.closeTransaction(ctx)
	if err != nil && tx.IsOpen() {
		// The close was refused before it started; force a rollback so an
		// open instance never returns to the pool.
		tx.commit = false
		tx.MarkForTermination(StatusTerminated)
		_, ferr := tx.doClose(ctx)
		err = multierr.Append(err, ferr)
	}
	return err
}

func (tx *KernelTransaction) closeTransaction(ctx context.Context) (uint64, error) {
	if tx.closed.Load() {
		return RollbackID, notInTransaction()
	}
	if tx.closing.Load() {
		return RollbackID, newFailure(ErrIllegalState, StatusUnknown, ErrAlreadyClosing, "Cannot close transaction")
	}
	if tx.inner.hasInner() {
		return RollbackID, newFailure(ErrCommitFailed, StatusCommitFailed, ErrOpenInnerTransactions, "Cannot close transaction")
	}
	return tx.doClose(ctx)
}

func (tx *KernelTransaction) doClose(ctx context.Context) (uint64, error) {
	tx.closing.Store(true)
	txID := RollbackID
	err := commonutils.Guard("close transaction", func() error {
		if tx.canCommit() {
			id, err := tx.commitTransaction(ctx)
			if err == nil {
				txID = id
			}
			return err
		}
		if err := tx.rollback(ctx, nil); err != nil {
			return err
		}
		return tx.failOnNonExplicitRollbackIfNeeded()
	})
	err = unwrapGuard(err)

	// Captured before reset swaps in a fresh lease client.
	lease := tx.lease
	if cerr := commonutils.Guard("closed", tx.markClosed(err)); cerr != nil {
		err = multierr.Append(err, cerr)
		tx.failedCleanup = true
	}
	if rerr := tx.reset(); rerr != nil {
		err = multierr.Append(err, rerr)
		tx.failedCleanup = true
	}
	// A half reset instance must not be handed out again.
	if tx.failedCleanup {
		tx.logger.Error("Transaction cleanup failed, instance will be disposed", zap.Error(err))
		tx.monitor.TransactionCleanupFailed()
	}
	if err == nil {
		return txID, nil
	}
	if lease != nil && lease.LeaseID() != locking.NoLease {
		if lerr := lease.EnsureValid(); lerr != nil {
			err = multierr.Append(err, newFailure(ErrTransactionTerminated, StatusLeaseExpired, lerr,
				"The lease used for the transaction has expired"))
		}
	}
	return RollbackID, translateError(err)
}

// unwrapGuard strips the step prefix Guard adds so typed errors stay on top.
func unwrapGuard(err error) error {
	if err == nil {
		return nil
	}
	if inner := errors.Unwrap(err); inner != nil {
		return inner
	}
	return newFailure(ErrUnknown, StatusUnknown, err, "Unexpected failure while closing the transaction")
}

func (tx *KernelTransaction) canCommit() bool {
	return tx.commit && tx.terminationMark.Load() == nil
}

func (tx *KernelTransaction) failOnNonExplicitRollbackIfNeeded() error {
	if !tx.commit {
		return nil
	}
	var cause error
	if mark := tx.terminationMark.Load(); mark != nil {
		cause = &TerminatedError{Reason: mark.Reason}
	}
	return newFailure(ErrMarkedSuccessfulButFailed, StatusMarkedAsFailed, cause,
		"Transaction rolled back even if marked as successful")
}

func (tx *KernelTransaction) commitTransaction(ctx context.Context) (txID uint64, err error) {
	txID = ReadOnlyID
	span := tx.event.beginCommit()
	var listenersState *ListenersState
	success := false
	defer func() {
		if !success {
			if rerr := tx.rollback(ctx, listenersState); rerr != nil {
				err = multierr.Append(err, rerr)
			}
		} else {
			tx.transactionID = txID
			tx.assigned = true
			tx.afterCommit(listenersState)
		}
		tx.monitor.AddHeapTransactionSize(tx.memoryPool.UsedHeap())
		tx.monitor.AddNativeTransactionSize(tx.memoryPool.UsedNative())
		endSpan(span, err)
	}()

	// Listeners may veto before anything is written.
	listenersState = tx.listeners.BeforeCommit(ctx, tx.transactionData())
	if listenersState.Failed() {
		return ReadOnlyID, vetoError(listenersState.Failure())
	}
	if tx.HasTxStateWithChanges() {
		// Locks can no longer be stopped from here on.
		tx.lockClient.PrepareForCommit()
		commands, err := tx.ExtractCommands(tx.memoryPool)
		if err != nil {
			return ReadOnlyID, commitError(err, "Could not create commands for the transaction")
		}
		if err := tx.validator.Validate(commands); err != nil {
			return ReadOnlyID, commitError(err, "Transaction validation failed")
		}
		tx.commitTime = tx.clock()
		id, err := tx.committer.commit(ctx, tx, commands)
		if err != nil {
			return ReadOnlyID, commitError(err, "Could not apply the transaction to the store")
		}
		txID = id
	}
	success = true
	return txID, nil
}

// commitError keeps classified errors and classifies the rest.
func commitError(err error, msg string) error {
	var se StatusError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, memory.ErrLimitExceeded) {
		return newFailure(ErrCommitFailed, StatusMemoryLimit, err, "%s", msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewTransientFailure(StatusCommitFailed, err, msg)
	}
	return newFailure(ErrCommitFailed, StatusCommitFailed, err, "%s", msg)
}

func (tx *KernelTransaction) rollback(ctx context.Context, listenersState *ListenersState) (err error) {
	defer tx.afterRollback(listenersState)
	if !tx.HasTxStateWithChanges() {
		return nil
	}
	span := tx.event.beginRollback()
	defer func() { endSpan(span, err) }()

	err = multierr.Combine(
		tx.committer.rollback(ctx, tx),
		tx.dropCreatedConstraintIndexes(ctx),
		tx.engine.Rollback(tx.txState, tx.cursorCtx),
	)
	if err != nil {
		return newFailure(ErrRollbackFailed, StatusRollbackFailed, err, "Could not roll back transaction")
	}
	return nil
}

// dropCreatedConstraintIndexes drops constraint indexes of this transaction
// that were already committed on its behalf.
func (tx *KernelTransaction) dropCreatedConstraintIndexes(ctx context.Context) error {
	var drops []storageengine.Command
	for _, idx := range tx.txState.ConstraintIndexesCreatedInTx() {
		if committed, ok := tx.reader.IndexByName(idx.Name); ok {
			drops = append(drops, storageengine.Command{Type: storageengine.CmdIndexDrop, Index: &committed})
		}
	}
	if len(drops) == 0 {
		return nil
	}
	if _, err := tx.commitProcess.Commit(ctx, tx.newBatch(drops)); err != nil {
		return fmt.Errorf("drop constraint indexes: %w", err)
	}
	return nil
}

func (tx *KernelTransaction) afterCommit(listenersState *ListenersState) {
	tx.closed.Store(true)
	if err := commonutils.Guard("after commit listeners", func() error {
		tx.listeners.AfterCommit(listenersState)
		return nil
	}); err != nil {
		tx.logger.Error("Commit listener failed", zap.Error(err))
	}
	tx.monitor.TransactionFinished(true, tx.hasTxState.Load())
}

func (tx *KernelTransaction) afterRollback(listenersState *ListenersState) {
	tx.closed.Store(true)
	if err := commonutils.Guard("after rollback listeners", func() error {
		tx.listeners.AfterRollback(listenersState)
		return nil
	}); err != nil {
		tx.logger.Error("Rollback listener failed", zap.Error(err))
	}
	tx.monitor.TransactionFinished(false, tx.hasTxState.Load())
}

func (tx *KernelTransaction) markClosed(cause error) func() error {
	return func() error {
		tx.closed.Store(true)
		tx.closing.Store(false)
		if tx.event != nil {
			readOnly := tx.txState == nil || !tx.txState.HasChanges()
			tx.event.close(tx.commit && cause == nil, tx.writeState, readOnly, cause)
		}
		return nil
	}
}

// reset clears every per-transaction resource. All steps run; their
// failures are chained.
func (tx *KernelTransaction) reset() (err error) {
	tx.terminationLock.Lock()
	defer tx.terminationLock.Unlock()

	step := func(name string, fn func() error) {
		err = multierr.Append(err, commonutils.Guard(name, fn))
	}
	step("lock client", tx.lockClient.Close)
	// Identity and termination state.
	tx.terminationMark.Store(nil)
	tx.txType.Store(0)
	tx.security.Store(nil)
	tx.event = nil
	if tx.txState != nil {
		step("transaction state", func() error {
			tx.txState.Release()
			return nil
		})
		tx.txState = nil
	}
	tx.hasTxState.Store(false)
	tx.metaMu.Lock()
	tx.metadata = nil
	tx.metaMu.Unlock()
	tx.statusDetails.Store(nil)
	tx.clientInfo.Store(nil)
	tx.sequenceNumber.Store(0)
	// Storage side resources.
	step("statistics", tx.stats.reset)
	step("command creation context", tx.creationCtx.Close)
	step("store cursors", tx.cursors.Close)
	if tx.cursorCtx != nil {
		step("cursor context", tx.cursorCtx.Close)
	}
	step("committer", tx.committer.reset)
	step("memory pool", func() error {
		tx.memoryPool.Reset()
		return nil
	})
	step("inner transactions", tx.inner.close)
	if tx.outer != nil {
		outer := tx.outer
		tx.outer = nil
		step("outer transaction", func() error {
			outer.deregister(tx)
			return nil
		})
	}
	if err != nil {
		return newFailure(ErrResourceCloseFailure, StatusResourceCloseFailed, err, "Failed to release transaction resources")
	}
	return nil
}

// Dispose tears down an instance that leaves the pool for good.
func (tx *KernelTransaction) Dispose() error {
	err := multierr.Combine(
		commonutils.Guard("reader", tx.reader.Close),
		commonutils.Guard("lock client", tx.lockClient.Close),
		commonutils.Guard("store cursors", tx.cursors.Close),
	)
	tx.memoryPool.Close()
	return err
}

// translateError keeps a single classified error and otherwise wraps the
// chain in a failure classified like its first error.
func translateError(err error) error {
	errs := multierr.Errors(err)
	if len(errs) == 0 {
		return nil
	}
	first := errs[0]
	var se StatusError
	if len(errs) == 1 {
		if errors.As(first, &se) {
			return first
		}
		return newFailure(ErrUnknown, StatusUnknown, first, "Unexpected transaction failure")
	}
	kind, status := ErrUnknown, StatusUnknown
	var tf *TransactionFailure
	var terminated *TerminatedError
	switch {
	case errors.As(first, &tf):
		kind, status = tf.kind, tf.status
	case errors.As(first, &terminated):
		kind, status = ErrTransactionTerminated, terminated.Reason
	case errors.As(first, &se):
		kind, status = ErrCommitFailed, se.Status()
	}
	return newFailure(kind, status, err, "Transaction failed")
}

// TxState returns the transaction state, creating it on first use.
func (tx *KernelTransaction) TxState() (*txstate.TxState, error) {
	if tx.txState != nil {
		return tx.txState, nil
	}
	if err := tx.lease.EnsureValid(); err != nil {
		return nil, newFailure(ErrTransactionTerminated, StatusLeaseExpired, err,
			"The lease used for the transaction has expired")
	}
	if tx.isReadOnly() {
		return nil, newFailure(ErrReadOnly, StatusReadOnly, nil,
			"No write operations are allowed on this database. The database is in read-only mode.")
	}
	tx.monitor.UpgradeToWriteTransaction()
	tx.txState = txstate.New(tx.memoryPool, tx.cfg.Enrichment)
	tx.hasTxState.Store(true)
	return tx.txState, nil
}

func (tx *KernelTransaction) isReadOnly() bool {
	if tx.readOnly != nil && tx.readOnly.Load() {
		return true
	}
	sec := tx.security.Load()
	return sec != nil && sec.ReadOnly
}

// HasTxStateWithChanges reports whether the transaction wrote anything.
func (tx *KernelTransaction) HasTxStateWithChanges() bool {
	return tx.txState != nil && tx.txState.HasChanges()
}

// ExtractCommands turns the transaction state into storage commands,
// enforcing constraints and appending change data when enabled. The
// commands are charged to tracker.
func (tx *KernelTransaction) ExtractCommands(tracker memory.Tracker) ([]storageengine.Command, error) {
	if tx.txState == nil {
		return nil, nil
	}
	d := tx.newCommandDecorator(tracker)
	commands, err := tx.engine.CreateCommands(tx.txState, tx.reader, tx.creationCtx, d, tx.cursorCtx, tracker)
	if err != nil {
		return nil, err
	}
	return d.Transform(commands)
}

func (tx *KernelTransaction) newBatch(commands []storageengine.Command) *storageengine.CommandBatch {
	return &storageengine.CommandBatch{
		Commands:                 commands,
		SequenceNumber:           tx.sequenceNumber.Load(),
		LeaseID:                  tx.lease.LeaseID(),
		StartTime:                tx.StartTime(),
		CommitTime:               tx.commitTime,
		LastCommittedWhenStarted: tx.lastCommittedWhenStarted,
		Subject:                  tx.Subject(),
	}
}

func (tx *KernelTransaction) transactionData() *TransactionData {
	return &TransactionData{
		SequenceNumber: tx.sequenceNumber.Load(),
		Subject:        tx.Subject(),
		MetaData:       tx.MetaData(),
		State:          tx.txState,
		Reader:         tx.reader,
	}
}

// UpgradeToDataWrites records that the transaction writes data.
func (tx *KernelTransaction) UpgradeToDataWrites() error {
	return tx.writeState.upgradeToDataWrites()
}

// UpgradeToSchemaWrites records that the transaction writes schema.
func (tx *KernelTransaction) UpgradeToSchemaWrites() error {
	return tx.writeState.upgradeToSchemaWrites()
}

// IsSchemaTransaction reports whether the transaction changed the schema.
func (tx *KernelTransaction) IsSchemaTransaction() bool { return tx.writeState == writeSchema }

// TransactionID returns the id assigned by a successful commit.
func (tx *KernelTransaction) TransactionID() (uint64, error) {
	if !tx.assigned {
		return 0, ErrNotAssigned
	}
	return tx.transactionID, nil
}

// CommitTime returns the commit time of a committed transaction.
func (tx *KernelTransaction) CommitTime() (time.Time, error) {
	if !tx.assigned {
		return time.Time{}, ErrNotAssigned
	}
	return tx.commitTime, nil
}

// IsCommitted reports whether Commit was requested.
func (tx *KernelTransaction) IsCommitted() bool { return tx.commit }

// SequenceNumber may be called from any goroutine. It is 0 between logical
// transactions.
func (tx *KernelTransaction) SequenceNumber() uint64 { return tx.sequenceNumber.Load() }

// Type returns the transaction type.
func (tx *KernelTransaction) Type() Type { return Type(tx.txType.Load()) }

// StartTime may be called from any goroutine.
func (tx *KernelTransaction) StartTime() time.Time { return time.Unix(0, tx.startTimeNanos.Load()) }

// Timeout may be called from any goroutine. Zero means none.
func (tx *KernelTransaction) Timeout() time.Duration { return time.Duration(tx.timeoutNanos.Load()) }

// LastCommittedWhenStarted is the last committed transaction id at start.
func (tx *KernelTransaction) LastCommittedWhenStarted() uint64 { return tx.lastCommittedWhenStarted }

// Subject returns the subject running the transaction.
func (tx *KernelTransaction) Subject() string {
	if sec := tx.security.Load(); sec != nil && sec.Subject != "" {
		return sec.Subject
	}
	return AnonymousSubject
}

// ClientInfo returns the connection info of the transaction.
func (tx *KernelTransaction) ClientInfo() ClientInfo {
	if ci := tx.clientInfo.Load(); ci != nil {
		return *ci
	}
	return ClientInfo{}
}

// LeaseID returns the lease of the current logical transaction.
func (tx *KernelTransaction) LeaseID() int64 { return tx.lease.LeaseID() }

// SetMetaData replaces the user metadata.
func (tx *KernelTransaction) SetMetaData(data map[string]any) {
	tx.metaMu.Lock()
	defer tx.metaMu.Unlock()
	tx.metadata = maps.Clone(data)
}

// MetaData returns a copy of the user metadata.
func (tx *KernelTransaction) MetaData() map[string]any {
	tx.metaMu.RLock()
	defer tx.metaMu.RUnlock()
	return maps.Clone(tx.metadata)
}

// SetStatusDetails sets a free-form status shown by monitoring.
func (tx *KernelTransaction) SetStatusDetails(details string) {
	tx.statusDetails.Store(&details)
}

// StatusDetails may be called from any goroutine.
func (tx *KernelTransaction) StatusDetails() string {
	if d := tx.statusDetails.Load(); d != nil {
		return *d
	}
	return ""
}

// ActiveLocks may be called from any goroutine.
func (tx *KernelTransaction) ActiveLocks() []locking.ActiveLock { return tx.lockClient.ActiveLocks() }

// Statistics returns the execution statistics of the transaction.
func (tx *KernelTransaction) Statistics() *Statistics { return tx.stats }

// MemoryPool returns the memory pool of the transaction.
func (tx *KernelTransaction) MemoryPool() *memory.TransactionPool { return tx.memoryPool }

func (tx *KernelTransaction) String() string {
	lease := ""
	if id := tx.lease.LeaseID(); id != locking.NoLease {
		lease = fmt.Sprintf("lease:%d,", id)
	}
	return fmt.Sprintf("KernelTransaction[%sseq:%d]", lease, tx.sequenceNumber.Load())
}
