package wal

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/storage_engine/memengine"
)

func nodeBatch(seq uint64, ids ...uint64) *storageengine.CommandBatch {
	b := &storageengine.CommandBatch{SequenceNumber: seq, CommitTime: time.Now()}
	for _, id := range ids {
		b.Commands = append(b.Commands,
			storageengine.Command{Type: storageengine.CmdNodeCreate, EntityID: id},
			storageengine.Command{Type: storageengine.CmdNodeAddLabel, EntityID: id, Key: "Person"})
	}
	return b
}

func TestCommitProcess_AssignsIDsAndApplies(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()
	engine := memengine.New(zap.NewNop())
	p := NewCommitProcess(lm, engine, 0, zap.NewNop())

	id1, err := p.Commit(context.Background(), nodeBatch(1, 1))
	require.NoError(t, err)
	id2, err := p.Commit(context.Background(), nodeBatch(2, 2, 3))
	require.NoError(t, err)

	require.Equal(t, uint64(1), id1)
	require.Equal(t, uint64(2), id2)
	require.Equal(t, uint64(2), engine.LastCommittedTransactionID())
	nodes, _ := engine.Counts()
	require.Equal(t, 3, nodes)
}

func TestCommitProcess_CancelledContext(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()
	p := NewCommitProcess(lm, memengine.New(nil), 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Commit(ctx, nodeBatch(1, 1))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, LSN(1), lm.NextLSN())
}

func TestCommitProcess_ChunksApplyOnLastChunk(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()
	engine := memengine.New(nil)
	p := NewCommitProcess(lm, engine, 0, nil)
	ctx := context.Background()

	first := nodeBatch(9, 1)
	first.Chunked = true
	id, err := p.AppendChunk(ctx, first)
	require.NoError(t, err)
	require.Zero(t, id)
	nodes, _ := engine.Counts()
	require.Zero(t, nodes, "chunks must not be visible before the last one")

	last := nodeBatch(9, 2)
	last.Chunked, last.ChunkIndex, last.LastChunk = true, 1, true
	id, err = p.AppendChunk(ctx, last)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	nodes, _ = engine.Counts()
	require.Equal(t, 2, nodes)
}

func TestRecover_ReplaysCommittedAndDropsIncompleteChunks(t *testing.T) {
	dir := t.TempDir()
	lm, err := NewLogManager(DefaultOptions(dir), zap.NewNop())
	require.NoError(t, err)
	p := NewCommitProcess(lm, memengine.New(nil), 0, nil)
	ctx := context.Background()

	_, err = p.Commit(ctx, nodeBatch(1, 1))
	require.NoError(t, err)

	// rolled back chunks
	rolled := nodeBatch(2, 10)
	_, err = p.AppendChunk(ctx, rolled)
	require.NoError(t, err)
	require.NoError(t, p.RollbackChunks(ctx, 2))

	// completed chunks
	_, err = p.AppendChunk(ctx, nodeBatch(3, 20))
	require.NoError(t, err)
	last := nodeBatch(3, 21)
	last.ChunkIndex, last.LastChunk = 1, true
	_, err = p.AppendChunk(ctx, last)
	require.NoError(t, err)

	// never finished
	_, err = p.AppendChunk(ctx, nodeBatch(4, 30))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	lm2, err := NewLogManager(DefaultOptions(dir), zap.NewNop())
	require.NoError(t, err)
	defer lm2.Close()
	engine := memengine.New(nil)
	stats, err := Recover(lm2, engine, 0, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, 2, stats.Applied)
	require.Equal(t, 1, stats.DiscardedChunked)
	require.Equal(t, uint64(2), stats.LastTxID)
	require.Equal(t, uint64(2), engine.LastCommittedTransactionID())
	nodes, _ := engine.Counts()
	require.Equal(t, 3, nodes)

	// replaying again on top skips everything already applied
	again, err := Recover(lm2, engine, stats.LastTxID, nil)
	require.NoError(t, err)
	require.Zero(t, again.Applied)
	require.Equal(t, 2, again.Skipped)
}

func TestRollbackChunks_NothingPending(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()
	p := NewCommitProcess(lm, memengine.New(nil), 0, nil)
	require.NoError(t, p.RollbackChunks(context.Background(), 42))
	require.Equal(t, LSN(1), lm.NextLSN())
}

func TestRecover_ReusedSequenceDoesNotResurrectAbandonedChunks(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// First run: one commit, then a chunked transaction that never finishes.
	lm, err := NewLogManager(DefaultOptions(dir), zap.NewNop())
	require.NoError(t, err)
	p := NewCommitProcess(lm, memengine.New(nil), 0, nil)
	_, err = p.Commit(ctx, nodeBatch(1, 1))
	require.NoError(t, err)
	_, err = p.AppendChunk(ctx, nodeBatch(2, 30))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	// Second run: sequence numbers start over and seq 2 commits in chunks.
	lm, err = NewLogManager(DefaultOptions(dir), zap.NewNop())
	require.NoError(t, err)
	engine := memengine.New(nil)
	stats, err := Recover(lm, engine, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.DiscardedChunked)
	p = NewCommitProcess(lm, engine, stats.LastTxID, nil)
	_, err = p.AppendChunk(ctx, nodeBatch(2, 40))
	require.NoError(t, err)
	last := nodeBatch(2, 41)
	last.ChunkIndex, last.LastChunk = 1, true
	id, err := p.AppendChunk(ctx, last)
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)
	live, _ := engine.Counts()
	require.Equal(t, 3, live)
	require.NoError(t, lm.Close())

	// Third run: the replay matches what the second run committed.
	lm, err = NewLogManager(DefaultOptions(dir), zap.NewNop())
	require.NoError(t, err)
	defer lm.Close()
	replayed := memengine.New(nil)
	stats, err = Recover(lm, replayed, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Applied)
	require.Zero(t, stats.DiscardedChunked)
	recovered, _ := replayed.Counts()
	require.Equal(t, live, recovered)
}

type flakyApplier struct {
	storageengine.CommandApplier
	fail bool
}

var errApply = errors.New("apply failed")

func (a *flakyApplier) Apply(txID uint64, commands []storageengine.Command) error {
	if a.fail {
		return errApply
	}
	return a.CommandApplier.Apply(txID, commands)
}

func TestCommitProcess_ApplyFailureAbortsLoggedTransaction(t *testing.T) {
	lm, dir := setupLogManager(t)
	ctx := context.Background()
	applier := &flakyApplier{CommandApplier: memengine.New(nil), fail: true}
	p := NewCommitProcess(lm, applier, 0, nil)

	_, err := p.Commit(ctx, nodeBatch(1, 1))
	require.ErrorIs(t, err, errApply)
	require.NotErrorIs(t, err, ErrCommitProcessFailed)
	require.Equal(t, uint64(1), p.LastCommittedTransactionID())

	applier.fail = false
	id, err := p.Commit(ctx, nodeBatch(2, 2, 3))
	require.NoError(t, err)
	require.Equal(t, uint64(2), id, "a logged id is never handed out twice")

	rd, err := lm.NewReader(1)
	require.NoError(t, err)
	var types []LogRecordType
	var ids []uint64
	for {
		lr, err := rd.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, lr.Type)
		ids = append(ids, lr.TxnID)
	}
	require.NoError(t, rd.Close())
	require.Equal(t, []LogRecordType{LogRecordTypeCommit, LogRecordTypeAbort, LogRecordTypeCommit}, types)
	require.Equal(t, []uint64{1, 1, 2}, ids)
	require.NoError(t, lm.Close())

	lm2, err := NewLogManager(DefaultOptions(dir), zap.NewNop())
	require.NoError(t, err)
	defer lm2.Close()
	engine := memengine.New(nil)
	stats, err := Recover(lm2, engine, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Applied)
	require.Equal(t, 1, stats.Aborted)
	require.Equal(t, uint64(2), stats.LastTxID)
	nodes, _ := engine.Counts()
	require.Equal(t, 2, nodes)
}
