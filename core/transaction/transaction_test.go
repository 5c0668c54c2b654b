package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/core/locking"
	"github.com/sushant-115/gojotx/core/memory"
	"github.com/sushant-115/gojotx/core/txstate"
)

func TestCommitAppliesChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	require.EqualValues(t, 1, tx.SequenceNumber())
	require.Equal(t, "alice", tx.Subject())

	w, err := tx.DataWrite()
	require.NoError(t, err)
	a, err := w.NodeCreate(ctx, "Person")
	require.NoError(t, err)
	b, err := w.NodeCreate(ctx, "Person")
	require.NoError(t, err)
	require.NoError(t, w.NodeSetProperty(ctx, a, "name", "Ada"))
	_, err = w.RelationshipCreate(ctx, "KNOWS", a, b)
	require.NoError(t, err)

	_, err = tx.TransactionID()
	require.ErrorIs(t, err, ErrNotAssigned)

	txID, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, txID)
	require.True(t, tx.IsCommitted())

	id, err := tx.TransactionID()
	require.NoError(t, err)
	require.Equal(t, txID, id)
	commitTime, err := tx.CommitTime()
	require.NoError(t, err)
	require.False(t, commitTime.IsZero())

	require.NoError(t, tx.Close(ctx))

	nodes, rels := h.engine.Counts()
	require.Equal(t, 2, nodes)
	require.Equal(t, 1, rels)
	require.EqualValues(t, 1, h.engine.LastCommittedTransactionID())
	require.EqualValues(t, 1, h.monitor.committed.Load())
	require.EqualValues(t, 1, h.monitor.upgraded.Load())
	require.Greater(t, h.monitor.heapBytes.Load(), int64(0))

	stats := h.kt.PoolStats()
	require.Equal(t, 0, stats.InUse)
	require.Equal(t, 1, stats.Free)
}

func TestReadOnlyCommitReturnsReadOnlyID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	r, err := tx.DataRead()
	require.NoError(t, err)
	exists, err := r.NodeExists(42)
	require.NoError(t, err)
	require.False(t, exists)

	txID, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, ReadOnlyID, txID)
	require.NoError(t, tx.Close(ctx))
	require.Empty(t, h.logRecords(t))
	require.EqualValues(t, 0, h.monitor.upgraded.Load())
}

func TestInstancesAreReusedWithFreshSequenceNumbers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.begin(t)
	require.EqualValues(t, 1, first.SequenceNumber())
	require.NoError(t, first.Close(ctx))
	require.EqualValues(t, 0, first.SequenceNumber())

	second := h.begin(t)
	require.Same(t, first, second)
	require.EqualValues(t, 2, second.SequenceNumber())
	require.True(t, second.IsOpen())
	require.False(t, second.IsTerminated())
	require.NoError(t, second.Close(ctx))

	// A second Close is a no-op and must not hand the instance out twice.
	require.NoError(t, second.Close(ctx))
	require.Equal(t, 1, h.kt.PoolStats().Free)
}

func TestTerminatedTransactionCannotCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx, "Person")
	require.NoError(t, err)

	require.True(t, tx.MarkForTermination(StatusTerminated))
	require.False(t, tx.MarkForTermination(StatusTimedOut), "the first reason wins")
	mark, ok := tx.TerminationMark()
	require.True(t, ok)
	require.Equal(t, StatusTerminated, mark.Reason)

	err = tx.AssertOpen()
	var terminated *TerminatedError
	require.ErrorAs(t, err, &terminated)
	require.Equal(t, StatusTerminated, terminated.Reason)

	_, err = w.NodeCreate(ctx, "Person")
	require.ErrorIs(t, err, ErrTransactionTerminated)

	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrMarkedSuccessfulButFailed)
	require.ErrorIs(t, err, ErrTransactionTerminated)
	require.NoError(t, tx.Close(ctx))

	nodes, _ := h.engine.Counts()
	require.Zero(t, nodes)
	require.EqualValues(t, 1, h.monitor.terminated.Load())
	require.EqualValues(t, 1, h.monitor.rolledBack.Load())
	require.Empty(t, h.logRecords(t))
}

func TestTerminatedTransactionRollsBackQuietly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	require.True(t, tx.MarkForTermination(StatusTimedOut))
	require.NoError(t, tx.Rollback(ctx))
	require.False(t, tx.IsOpen())
	require.NoError(t, tx.Close(ctx))
}

func TestTerminationMarkOutlivesClosedFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	var observed error
	h.monitor.onFinished = func() { observed = tx.AssertOpen() }
	require.True(t, tx.MarkForTermination(StatusTerminated))
	require.NoError(t, tx.Rollback(ctx))
	h.monitor.onFinished = nil

	require.ErrorIs(t, observed, ErrTransactionTerminated)
	var terminated *TerminatedError
	require.ErrorAs(t, observed, &terminated)
	require.Equal(t, StatusTerminated, terminated.Reason)
	require.NoError(t, tx.Close(ctx))
}

func TestStaleHandleDoesNotTerminateNextTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	handles := h.kt.ExecutingTransactions()
	require.Len(t, handles, 1)
	stale := handles[0]
	require.True(t, stale.IsOpen())
	require.NoError(t, tx.Close(ctx))
	require.False(t, stale.IsOpen())

	next := h.begin(t)
	require.Same(t, tx, next)
	require.False(t, stale.MarkForTermination(StatusTerminated))
	require.False(t, next.IsTerminated())
	require.NoError(t, next.AssertOpen())

	current := h.kt.ExecutingTransactions()
	require.Len(t, current, 1)
	require.True(t, h.kt.TerminateTransaction(current[0].SequenceNumber(), StatusTerminated))
	require.True(t, next.IsTerminated())
	require.NoError(t, next.Close(ctx))
}

func TestClosedTransactionRejectsOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	_, err := tx.Commit(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, tx.AssertOpen(), ErrNotInTransaction)
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrNotInTransaction)
	require.NoError(t, tx.Rollback(ctx))
	_, err = tx.DataWrite()
	require.ErrorIs(t, err, ErrNotInTransaction)
	require.False(t, tx.MarkForTermination(StatusTerminated))
	require.NoError(t, tx.Close(ctx))
}

func TestRollbackDiscardsChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx, "Person")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.False(t, tx.IsCommitted())
	require.NoError(t, tx.Close(ctx))

	nodes, _ := h.engine.Counts()
	require.Zero(t, nodes)
	require.Empty(t, h.logRecords(t))
}

func TestCloseWithoutCommitRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))

	nodes, _ := h.engine.Counts()
	require.Zero(t, nodes)
	require.EqualValues(t, 1, h.monitor.rolledBack.Load())
	require.Zero(t, tx.MemoryPool().UsedHeap())
}

func TestDataAndSchemaWritesDoNotMix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	_, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = tx.SchemaWrite()
	require.ErrorIs(t, err, ErrInvalidTransactionType)
	require.NoError(t, tx.Close(ctx))

	tx = h.begin(t)
	_, err = tx.SchemaWrite()
	require.NoError(t, err)
	require.True(t, tx.IsSchemaTransaction())
	_, err = tx.DataWrite()
	require.ErrorIs(t, err, ErrInvalidTransactionType)
	require.NoError(t, tx.Close(ctx))

	// The write state starts over for every logical transaction.
	tx = h.begin(t)
	require.False(t, tx.IsSchemaTransaction())
	_, err = tx.DataWrite()
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))
}

func TestCleanupFailureDisposesInstance(t *testing.T) {
	locks := &faultyLockManager{inner: locking.NewLockManager(nil)}
	h := newHarness(t, func(_ *Config, d *Dependencies) { d.LockManager = locks })
	ctx := context.Background()

	tx := h.begin(t)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx)
	require.NoError(t, err)

	require.Positive(t, tx.MemoryPool().UsedHeap())

	locks.fail.Store(true)
	txID, err := tx.Commit(ctx)
	require.ErrorIs(t, err, ErrResourceCloseFailure)
	require.ErrorIs(t, err, errLockClose)
	require.Equal(t, RollbackID, txID)
	require.EqualValues(t, 1, h.monitor.failed.Load())

	// The commit itself went through before cleanup failed.
	nodes, _ := h.engine.Counts()
	require.Equal(t, 1, nodes)

	// The remaining reset steps still ran.
	require.Zero(t, tx.MemoryPool().UsedHeap())
	require.Zero(t, tx.MemoryPool().UsedNative())
	require.False(t, tx.HasTxStateWithChanges())
	require.Nil(t, tx.txState)
	require.Zero(t, tx.SequenceNumber())
	require.False(t, tx.IsTerminated())
	require.Nil(t, tx.MetaData())
	require.False(t, tx.inner.hasInner())

	require.NoError(t, tx.Close(ctx))
	stats := h.kt.PoolStats()
	require.Equal(t, 1, stats.Disposed)
	require.Equal(t, 0, stats.Free)

	_, err = tx.Initialize(InitParams{SequenceNumber: 99})
	require.ErrorIs(t, err, ErrIllegalState)

	locks.fail.Store(false)
	next := h.begin(t)
	require.NotSame(t, tx, next)
	require.NoError(t, next.Close(ctx))
}

func TestCommitFailureRollsBack(t *testing.T) {
	var process *scriptedProcess
	h := newHarness(t, func(_ *Config, d *Dependencies) {
		process = &scriptedProcess{inner: d.CommitProcess.(ChunkedCommitProcess), commitErr: errors.New("disk full")}
		d.CommitProcess = process
	})
	listener := &recordingListener{}
	h.kt.deps.Listeners.Register(listener)
	ctx := context.Background()

	tx := h.begin(t)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx)
	require.NoError(t, err)

	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrCommitFailed)
	require.Contains(t, err.Error(), "disk full")
	require.EqualValues(t, 1, listener.rolledBack.Load())
	require.Zero(t, listener.committed.Load())
	require.NoError(t, tx.Close(ctx))

	nodes, _ := h.engine.Counts()
	require.Zero(t, nodes)
	require.Equal(t, 1, h.kt.PoolStats().Free)
}

func TestListenerVetoesCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	listener := &recordingListener{veto: errors.New("not allowed")}
	h.kt.deps.Listeners.Register(listener)

	tx := h.begin(t)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrHookFailed)
	require.False(t, IsTransient(err))
	require.NoError(t, tx.Close(ctx))
	nodes, _ := h.engine.Counts()
	require.Zero(t, nodes)

	listener.veto = NewTransientFailure(StatusCommitFailed, nil, "try again")
	tx = h.begin(t)
	_, err = tx.Commit(ctx)
	require.True(t, IsTransient(err))
	require.NoError(t, tx.Close(ctx))

	h.kt.deps.Listeners.Unregister(listener)
	tx = h.begin(t)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))
}

func TestListenerSeesCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	listener := &recordingListener{}
	h.kt.deps.Listeners.Register(listener)

	tx := h.begin(t)
	seq := tx.SequenceNumber()
	tx.SetMetaData(map[string]any{"app": "test"})
	require.Equal(t, "test", tx.MetaData()["app"])
	_, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))

	require.EqualValues(t, 1, listener.before.Load())
	require.EqualValues(t, 1, listener.committed.Load())
	require.Equal(t, seq, listener.lastState.Load())
}

func TestMemoryLimitFailsWrites(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Dependencies) { c.MemoryTransactionMaxSize = 512 })
	ctx := context.Background()

	tx := h.begin(t)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	for i := 0; i < 100 && err == nil; i++ {
		var id uint64
		id, err = w.NodeCreate(ctx, "Person")
		if err == nil {
			err = w.NodeSetProperty(ctx, id, "payload", "some longer property value to fill the pool")
		}
	}
	require.ErrorIs(t, err, memory.ErrLimitExceeded)
	require.NoError(t, tx.Close(ctx))
	require.Zero(t, tx.MemoryPool().UsedHeap())
}

func TestReadOnlyDatabaseRejectsWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.kt.SetReadOnly(true)
	require.True(t, h.kt.ReadOnly())
	tx := h.begin(t)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx)
	require.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, tx.Close(ctx))

	h.kt.SetReadOnly(false)
	tx, err = h.kt.Begin(ctx, BeginParams{Security: SecurityContext{Subject: "reader", ReadOnly: true}})
	require.NoError(t, err)
	w, err = tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx)
	require.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, tx.Close(ctx))
}

func TestExpiredLeaseFailsWrites(t *testing.T) {
	leases := locking.NewLocalLeaseService()
	h := newHarness(t, func(_ *Config, d *Dependencies) { d.LeaseService = leases })
	ctx := context.Background()

	tx := h.begin(t)
	require.NotEqual(t, locking.NoLease, tx.LeaseID())
	require.Contains(t, tx.String(), "lease:")
	leases.Revoke(tx.LeaseID())

	w, err := tx.DataWrite()
	require.NoError(t, err)
	_, err = w.NodeCreate(ctx)
	require.ErrorIs(t, err, ErrTransactionTerminated)
	var se StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StatusLeaseExpired, se.Status())
	require.NoError(t, tx.Close(ctx))
}

func TestReadsSeeOwnWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	committed := h.createNode(t, []string{"Person"}, map[string]any{"name": "Ada", "age": 36})

	tx := h.begin(t)
	defer tx.Close(ctx)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	require.NoError(t, w.NodeAddLabel(ctx, committed, "Engineer"))
	require.NoError(t, w.NodeRemoveLabel(ctx, committed, "Person"))
	require.NoError(t, w.NodeRemoveProperty(ctx, committed, "age"))
	created, err := w.NodeCreate(ctx, "Robot")
	require.NoError(t, err)

	r, err := tx.DataRead()
	require.NoError(t, err)
	labels, err := r.NodeLabels(committed)
	require.NoError(t, err)
	require.Equal(t, []string{"Engineer"}, labels)
	v, ok, err := r.NodeProperty(committed, "name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Ada", v)
	_, ok, err = r.NodeProperty(committed, "age")
	require.NoError(t, err)
	require.False(t, ok)
	labels, err = r.NodeLabels(created)
	require.NoError(t, err)
	require.Equal(t, []string{"Robot"}, labels)

	require.NoError(t, w.NodeDelete(ctx, created))
	exists, err := r.NodeExists(created)
	require.NoError(t, err)
	require.False(t, exists)
	require.ErrorIs(t, w.NodeSetProperty(ctx, created, "x", 1), ErrEntityNotFound)
	require.ErrorIs(t, w.RelationshipDelete(ctx, 999), ErrEntityNotFound)
}

func TestStatistics(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Dependencies) { d.CPUClock = ProcessCPUClock{} })
	ctx := context.Background()
	id := h.createNode(t, []string{"Person"}, nil)

	tx := h.begin(t)
	defer tx.Close(ctx)
	r, err := tx.DataRead()
	require.NoError(t, err)
	_, err = r.NodeExists(id)
	require.NoError(t, err)
	_, err = r.NodeExists(id + 100)
	require.NoError(t, err)

	snap := tx.Statistics().Snapshot()
	require.EqualValues(t, 1, snap.PageHits)
	require.EqualValues(t, 1, snap.PageFaults)
	require.Greater(t, snap.GoroutineID, int64(0))
	require.GreaterOrEqual(t, snap.CPUTime, time.Duration(0))

	require.Equal(t, int64(-1), int64(NoCPUClock{}.CPUTimeNanos()))
}

func TestIndexLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idx := txstate.IndexDescriptor{Name: "person_name", Label: "Person", PropertyKey: "name"}

	tx := h.begin(t)
	s, err := tx.SchemaWrite()
	require.NoError(t, err)
	require.NoError(t, s.IndexCreate(ctx, idx))
	require.ErrorIs(t, s.IndexCreate(ctx, idx), ErrIndexAlreadyExists)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))

	tx = h.begin(t)
	r, err := tx.DataRead()
	require.NoError(t, err)
	got, ok, err := r.IndexByName("person_name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, idx, got)
	s, err = tx.SchemaWrite()
	require.NoError(t, err)
	require.NoError(t, s.IndexDrop(ctx, "person_name"))
	require.ErrorIs(t, s.IndexDrop(ctx, "person_name"), ErrIndexNotFound)
	_, ok, err = r.IndexByName("person_name")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))

	tx = h.begin(t)
	defer tx.Close(ctx)
	r, err = tx.DataRead()
	require.NoError(t, err)
	_, ok, err = r.IndexByName("person_name")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOppositeLockOrderTimesOut(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Dependencies) { c.LockAcquisitionTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	a := h.createNode(t, nil, nil)
	b := h.createNode(t, nil, nil)

	first, second := h.begin(t), h.begin(t)
	w1, err := first.DataWrite()
	require.NoError(t, err)
	w2, err := second.DataWrite()
	require.NoError(t, err)
	require.NoError(t, w1.NodeSetProperty(ctx, a, "owner", "first"))
	require.NoError(t, w2.NodeSetProperty(ctx, b, "owner", "second"))

	errs := make(chan error, 2)
	go func() { errs <- w1.NodeSetProperty(ctx, b, "owner", "first") }()
	go func() { errs <- w2.NodeSetProperty(ctx, a, "owner", "second") }()
	for range 2 {
		select {
		case err := <-errs:
			require.Error(t, err)
			require.True(t, IsTransient(err))
		case <-time.After(5 * time.Second):
			t.Fatal("lock wait did not time out")
		}
	}
	require.NoError(t, first.Close(ctx))
	require.NoError(t, second.Close(ctx))
	require.NotZero(t, DefaultConfig().LockAcquisitionTimeout)
}
