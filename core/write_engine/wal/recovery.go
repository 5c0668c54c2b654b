package wal

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
)

// RecoveryStats summarises a log replay.
type RecoveryStats struct {
	Records          int
	Applied          int
	Skipped          int
	Aborted          int
	DiscardedChunked int
	LastTxID         uint64
}

// Recover replays every committed transaction with an id above afterTxID
// into applier. Chunks of a transaction are applied together when its last
// chunk is found; chunks that were rolled back or never completed are
// discarded. Transactions with an abort record are never applied.
//
// Sequence numbers are reused across restarts, so every incomplete chunked
// transaction is closed out with a chunk rollback record before Recover
// returns. Later chunks that reuse the sequence number start afresh.
func Recover(lm *LogManager, applier storageengine.CommandApplier, afterTxID uint64, logger *zap.Logger) (RecoveryStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	stats := RecoveryStats{LastTxID: afterTxID}

	aborted, err := abortedTransactions(lm)
	if err != nil {
		return stats, err
	}
	pending, err := replay(lm, applier, afterTxID, aborted, &stats)
	if err != nil {
		return stats, err
	}

	// Close out abandoned chunks in sequence order.
	for _, seq := range slices.Sorted(maps.Keys(pending)) {
		logger.Warn("Discarding incomplete chunked transaction",
			zap.Uint64("seq", seq), zap.Int("commands", len(pending[seq])))
		if err := appendBatch(lm, LogRecordTypeChunkRollback, 0, &storageengine.CommandBatch{SequenceNumber: seq}); err != nil {
			return stats, fmt.Errorf("log rollback of incomplete chunks of seq %d: %w", seq, err)
		}
		stats.DiscardedChunked++
	}
	logger.Info("Transaction log replayed",
		zap.Int("records", stats.Records),
		zap.Int("applied", stats.Applied),
		zap.Int("skipped", stats.Skipped),
		zap.Int("aborted", stats.Aborted),
		zap.Int("discarded_chunked", stats.DiscardedChunked),
		zap.Uint64("last_tx_id", stats.LastTxID))
	return stats, nil
}

// abortedTransactions collects the ids named by abort records. An abort
// always follows the record it cancels, so it is read ahead of the replay.
func abortedTransactions(lm *LogManager) (map[uint64]struct{}, error) {
	rd, err := lm.NewReader(1)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	aborted := make(map[uint64]struct{})
	for {
		lr, err := rd.Next()
		if err == io.EOF {
			return aborted, nil
		}
		if err != nil {
			return nil, err
		}
		if lr.Type == LogRecordTypeAbort {
			aborted[lr.TxnID] = struct{}{}
		}
	}
}

// replay applies the log and returns the chunks left without a last chunk
// or rollback, keyed by sequence number.
func replay(lm *LogManager, applier storageengine.CommandApplier, afterTxID uint64,
	aborted map[uint64]struct{}, stats *RecoveryStats) (map[uint64][]storageengine.Command, error) {
	rd, err := lm.NewReader(1)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	pending := make(map[uint64][]storageengine.Command)
	for {
		lr, err := rd.Next()
		if err == io.EOF {
			return pending, nil
		}
		if err != nil {
			return nil, err
		}
		stats.Records++

		switch lr.Type {
		case LogRecordTypeChunkRollback:
			delete(pending, lr.Seq)
			continue
		case LogRecordTypeAbort:
			continue
		case LogRecordTypeCommit, LogRecordTypeChunk:
		default:
			return nil, fmt.Errorf("unknown log record type %s at LSN %d", lr.Type, lr.LSN)
		}

		batch, err := lr.Batch()
		if err != nil {
			return nil, err
		}
		commands := batch.Commands
		if lr.Type == LogRecordTypeChunk {
			pending[lr.Seq] = append(pending[lr.Seq], batch.Commands...)
			if lr.TxnID == 0 {
				continue
			}
			commands = pending[lr.Seq]
			delete(pending, lr.Seq)
		}

		if lr.TxnID > stats.LastTxID {
			stats.LastTxID = lr.TxnID
		}
		if _, ok := aborted[lr.TxnID]; ok {
			stats.Aborted++
			continue
		}
		if lr.TxnID <= afterTxID {
			stats.Skipped++
			continue
		}
		if err := applier.Apply(lr.TxnID, commands); err != nil {
			return nil, fmt.Errorf("replay transaction %d: %w", lr.TxnID, err)
		}
		stats.Applied++
	}
}
