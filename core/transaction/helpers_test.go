package transaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/locking"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/storage_engine/memengine"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

type harness struct {
	engine  *memengine.Engine
	log     *wal.LogManager
	process *wal.CommitProcess
	monitor *recordingMonitor
	kt      *KernelTransactions
	cfg     Config
	deps    Dependencies
}

type harnessOption func(*Config, *Dependencies)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := wal.NewLogManager(wal.DefaultOptions(t.TempDir()), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })

	engine := memengine.New(logger)
	h := &harness{
		engine:  engine,
		log:     lm,
		process: wal.NewCommitProcess(lm, engine, 0, logger),
		monitor: &recordingMonitor{},
	}
	h.cfg = DefaultConfig()
	h.cfg.PoolSize = 4
	h.deps = Dependencies{
		StorageEngine: engine,
		CommitProcess: h.process,
		Monitor:       h.monitor,
		Logger:        logger,
	}
	for _, opt := range opts {
		opt(&h.cfg, &h.deps)
	}
	h.kt, err = NewKernelTransactions(h.cfg, h.deps)
	require.NoError(t, err)
	t.Cleanup(h.kt.Close)
	return h
}

func (h *harness) begin(t *testing.T) *KernelTransaction {
	t.Helper()
	tx, err := h.kt.Begin(context.Background(), BeginParams{Security: SecurityContext{Subject: "alice"}})
	require.NoError(t, err)
	return tx
}

// createNode commits a node in its own transaction.
func (h *harness) createNode(t *testing.T, labels []string, props map[string]any) uint64 {
	t.Helper()
	ctx := context.Background()
	tx := h.begin(t)
	defer tx.Close(ctx)
	w, err := tx.DataWrite()
	require.NoError(t, err)
	id, err := w.NodeCreate(ctx, labels...)
	require.NoError(t, err)
	for k, v := range props {
		require.NoError(t, w.NodeSetProperty(ctx, id, k, v))
	}
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
	return id
}

// logRecords reads every record of the log.
func (h *harness) logRecords(t *testing.T) []*wal.LogRecord {
	t.Helper()
	require.NoError(t, h.log.Flush())
	rd, err := h.log.NewReader(1)
	require.NoError(t, err)
	defer rd.Close()
	var out []*wal.LogRecord
	for {
		rec, err := rd.Next()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

type recordingMonitor struct {
	started    atomic.Int64
	upgraded   atomic.Int64
	terminated atomic.Int64
	committed  atomic.Int64
	rolledBack atomic.Int64
	heapBytes  atomic.Int64
	failed     atomic.Int64

	// Optional hooks, set before the transactions they observe begin.
	onTerminated func()
	onFinished   func()
}

func (m *recordingMonitor) TransactionStarted()        { m.started.Add(1) }
func (m *recordingMonitor) UpgradeToWriteTransaction() { m.upgraded.Add(1) }
func (m *recordingMonitor) TransactionTerminated(bool) {
	m.terminated.Add(1)
	if m.onTerminated != nil {
		m.onTerminated()
	}
}
func (m *recordingMonitor) TransactionFinished(committed, _ bool) {
	if committed {
		m.committed.Add(1)
	} else {
		m.rolledBack.Add(1)
	}
	if m.onFinished != nil {
		m.onFinished()
	}
}
func (m *recordingMonitor) AddHeapTransactionSize(bytes int64) { m.heapBytes.Add(bytes) }
func (m *recordingMonitor) AddNativeTransactionSize(int64)     {}
func (m *recordingMonitor) TransactionCleanupFailed()          { m.failed.Add(1) }

// faultyLockManager hands out lock clients whose Close fails while fail is set.
type faultyLockManager struct {
	inner locking.Manager
	fail  atomic.Bool
}

func (m *faultyLockManager) NewClient() locking.Client {
	return &faultyLockClient{Client: m.inner.NewClient(), manager: m}
}

type faultyLockClient struct {
	locking.Client
	manager *faultyLockManager
}

var errLockClose = errors.New("lock client close failed")

func (c *faultyLockClient) Close() error {
	err := c.Client.Close()
	if c.manager.fail.Load() {
		return errLockClose
	}
	return err
}

// scriptedProcess wraps a commit process and lets a test intercept calls.
type scriptedProcess struct {
	inner       ChunkedCommitProcess
	mu          sync.Mutex
	commitErr   error
	onChunk     func(batch *storageengine.CommandBatch)
	chunks      int
	rolledBack  []uint64
	commitCalls int
}

func (p *scriptedProcess) Commit(ctx context.Context, batch *storageengine.CommandBatch) (uint64, error) {
	p.mu.Lock()
	p.commitCalls++
	err := p.commitErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return p.inner.Commit(ctx, batch)
}

func (p *scriptedProcess) AppendChunk(ctx context.Context, batch *storageengine.CommandBatch) (uint64, error) {
	p.mu.Lock()
	p.chunks++
	hook := p.onChunk
	p.mu.Unlock()
	id, err := p.inner.AppendChunk(ctx, batch)
	if hook != nil {
		hook(batch)
	}
	return id, err
}

func (p *scriptedProcess) RollbackChunks(ctx context.Context, seq uint64) error {
	p.mu.Lock()
	p.rolledBack = append(p.rolledBack, seq)
	p.mu.Unlock()
	return p.inner.RollbackChunks(ctx, seq)
}

type recordingListener struct {
	veto       error
	before     atomic.Int64
	committed  atomic.Int64
	rolledBack atomic.Int64
	lastState  atomic.Value
}

func (l *recordingListener) BeforeCommit(_ context.Context, data *TransactionData) (any, error) {
	l.before.Add(1)
	if l.veto != nil {
		return nil, l.veto
	}
	return data.SequenceNumber, nil
}

func (l *recordingListener) AfterCommit(_ *TransactionData, state any) {
	l.committed.Add(1)
	l.lastState.Store(state)
}

func (l *recordingListener) AfterRollback(_ *TransactionData, state any) {
	l.rolledBack.Add(1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
