package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
)

// ErrCommitProcessFailed is returned once a logged transaction could
// neither be applied nor aborted. The log and the engine disagree from then
// on and the process has to be restarted so recovery can rebuild the engine.
var ErrCommitProcessFailed = errors.New("commit process failed")

// CommitProcess appends command batches to the log, makes them durable and
// applies them to the storage engine. Commits are serialized; each one is
// assigned the next transaction id.
type CommitProcess struct {
	log     *LogManager
	applier storageengine.CommandApplier
	logger  *zap.Logger

	mu       sync.Mutex
	lastTxID uint64
	pending  map[uint64][]storageengine.Command
	failed   error
}

// NewCommitProcess continues numbering after lastCommitted.
func NewCommitProcess(lm *LogManager, applier storageengine.CommandApplier, lastCommitted uint64, logger *zap.Logger) *CommitProcess {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommitProcess{
		log:      lm,
		applier:  applier,
		logger:   logger.Named("commit"),
		lastTxID: lastCommitted,
		pending:  make(map[uint64][]storageengine.Command),
	}
}

// LastCommittedTransactionID returns the id of the latest commit.
func (p *CommitProcess) LastCommittedTransactionID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTxID
}

func (p *CommitProcess) append(recordType LogRecordType, txID uint64, batch *storageengine.CommandBatch) error {
	return appendBatch(p.log, recordType, txID, batch)
}

// appendBatch logs batch as a record of recordType and makes it durable.
func appendBatch(lm *LogManager, recordType LogRecordType, txID uint64, batch *storageengine.CommandBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode command batch: %w", err)
	}
	ts := batch.CommitTime
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := lm.Append(&LogRecord{
		Type:      recordType,
		TxnID:     txID,
		Seq:       batch.SequenceNumber,
		Timestamp: ts.UnixNano(),
		Data:      data,
	}); err != nil {
		return err
	}
	return lm.commitDurability()
}

func (p *CommitProcess) checkUsable() error {
	if p.failed != nil {
		return fmt.Errorf("%w: %w", ErrCommitProcessFailed, p.failed)
	}
	return nil
}

// abortLocked handles a transaction that was logged as txID but failed to
// apply. The id stays consumed and an abort record keeps recovery from
// replaying it. If even that cannot be logged, the process stops accepting
// commits.
func (p *CommitProcess) abortLocked(txID, seq uint64, cause error) error {
	p.lastTxID = txID
	p.logger.Error("Logged transaction failed to apply",
		zap.Uint64("tx_id", txID),
		zap.Uint64("seq", seq),
		zap.Error(cause))
	err := fmt.Errorf("apply transaction %d: %w", txID, cause)
	if aerr := p.append(LogRecordTypeAbort, txID, &storageengine.CommandBatch{SequenceNumber: seq}); aerr != nil {
		p.failed = fmt.Errorf("transaction %d is logged but could not be aborted: %w", txID, aerr)
		p.logger.Error("Commit process stopped", zap.Error(p.failed))
		return multierr.Append(err, fmt.Errorf("%w: %w", ErrCommitProcessFailed, p.failed))
	}
	return err
}

// Commit logs and applies a complete batch and returns its transaction id.
func (p *CommitProcess) Commit(ctx context.Context, batch *storageengine.CommandBatch) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkUsable(); err != nil {
		return 0, err
	}

	txID := p.lastTxID + 1
	if err := p.append(LogRecordTypeCommit, txID, batch); err != nil {
		return 0, fmt.Errorf("log commit of transaction %d: %w", txID, err)
	}
	if err := p.applier.Apply(txID, batch.Commands); err != nil {
		return 0, p.abortLocked(txID, batch.SequenceNumber, err)
	}
	p.lastTxID = txID
	p.logger.Debug("Committed transaction",
		zap.Uint64("tx_id", txID),
		zap.Uint64("seq", batch.SequenceNumber),
		zap.Int("commands", len(batch.Commands)))
	return txID, nil
}

// AppendChunk logs one chunk of a large transaction. Chunks are applied
// when the chunk marked LastChunk arrives; only then is a transaction id
// assigned and returned. Earlier chunks return 0.
func (p *CommitProcess) AppendChunk(ctx context.Context, batch *storageengine.CommandBatch) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkUsable(); err != nil {
		return 0, err
	}

	seq := batch.SequenceNumber
	if !batch.LastChunk {
		if err := p.append(LogRecordTypeChunk, 0, batch); err != nil {
			return 0, fmt.Errorf("log chunk %d of seq %d: %w", batch.ChunkIndex, seq, err)
		}
		p.pending[seq] = append(p.pending[seq], batch.Commands...)
		return 0, nil
	}

	txID := p.lastTxID + 1
	if err := p.append(LogRecordTypeChunk, txID, batch); err != nil {
		return 0, fmt.Errorf("log last chunk of seq %d: %w", seq, err)
	}
	commands := append(p.pending[seq], batch.Commands...)
	delete(p.pending, seq)
	if err := p.applier.Apply(txID, commands); err != nil {
		return 0, p.abortLocked(txID, seq, err)
	}
	p.lastTxID = txID
	p.logger.Debug("Committed chunked transaction",
		zap.Uint64("tx_id", txID),
		zap.Uint64("seq", seq),
		zap.Int("chunks", batch.ChunkIndex+1),
		zap.Int("commands", len(commands)))
	return txID, nil
}

// RollbackChunks discards the chunks already logged for seq.
func (p *CommitProcess) RollbackChunks(ctx context.Context, seq uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[seq]; !ok {
		return nil
	}
	delete(p.pending, seq)
	if err := p.append(LogRecordTypeChunkRollback, 0, &storageengine.CommandBatch{SequenceNumber: seq}); err != nil {
		return fmt.Errorf("log chunk rollback of seq %d: %w", seq, err)
	}
	p.logger.Debug("Rolled back logged chunks", zap.Uint64("seq", seq))
	return nil
}
