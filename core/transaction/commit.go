package transaction

import (
	"context"

	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/storage_engine/common"
)

// CommitProcess appends a batch to the log and applies it to the store.
type CommitProcess interface {
	Commit(ctx context.Context, batch *storageengine.CommandBatch) (uint64, error)
}

// ChunkedCommitProcess additionally accepts a transaction in chunks. Only the
// last chunk returns a transaction id.
type ChunkedCommitProcess interface {
	CommitProcess
	AppendChunk(ctx context.Context, batch *storageengine.CommandBatch) (uint64, error)
	RollbackChunks(ctx context.Context, seq uint64) error
}

// committer moves extracted commands into the commit process.
type committer interface {
	commit(ctx context.Context, tx *KernelTransaction, commands []storageengine.Command) (uint64, error)
	rollback(ctx context.Context, tx *KernelTransaction) error
	reset() error
}

func newCommitter(cfg Config, process CommitProcess, logger *zap.Logger) committer {
	if !cfg.MultiVersioned {
		return &defaultCommitter{process: process}
	}
	chunked, ok := process.(ChunkedCommitProcess)
	if !ok {
		logger.Warn("Commit process does not accept chunks, falling back to single batch commits")
		return &defaultCommitter{process: process}
	}
	return &chunkedCommitter{
		process:   chunked,
		chunkSize: cfg.ChunkSize,
		throttle:  common.NewThrottle(cfg.ChunkWriteRate, 0),
	}
}

// defaultCommitter commits all commands as one batch.
type defaultCommitter struct {
	process CommitProcess
}

func (c *defaultCommitter) commit(ctx context.Context, tx *KernelTransaction, commands []storageengine.Command) (uint64, error) {
	return c.process.Commit(ctx, tx.newBatch(commands))
}

func (c *defaultCommitter) rollback(context.Context, *KernelTransaction) error { return nil }

func (c *defaultCommitter) reset() error { return nil }

// chunkedCommitter appends the commands in chunks of chunkSize. Termination
// is checked between chunks; appended chunks are rolled back through the log.
type chunkedCommitter struct {
	process   ChunkedCommitProcess
	chunkSize int
	throttle  *common.Throttle

	appended int
}

func (c *chunkedCommitter) commit(ctx context.Context, tx *KernelTransaction, commands []storageengine.Command) (uint64, error) {
	chunks := splitCommands(commands, c.chunkSize)
	for i, chunk := range chunks {
		if i > 0 {
			if mark := tx.terminationMark.Load(); mark != nil {
				return 0, &TerminatedError{Reason: mark.Reason}
			}
		}
		batch := tx.newBatch(chunk)
		batch.Chunked = true
		batch.ChunkIndex = i
		batch.LastChunk = i == len(chunks)-1
		if err := c.throttle.WaitN(ctx, int(batch.Size())); err != nil {
			return 0, err
		}
		txID, err := c.process.AppendChunk(ctx, batch)
		if err != nil {
			return 0, err
		}
		c.appended++
		if batch.LastChunk {
			c.appended = 0
			return txID, nil
		}
	}
	return 0, nil
}

func (c *chunkedCommitter) rollback(ctx context.Context, tx *KernelTransaction) error {
	if c.appended == 0 {
		return nil
	}
	c.appended = 0
	return c.process.RollbackChunks(ctx, tx.SequenceNumber())
}

func (c *chunkedCommitter) reset() error {
	c.appended = 0
	return nil
}

func splitCommands(commands []storageengine.Command, size int) [][]storageengine.Command {
	if size <= 0 || len(commands) <= size {
		return [][]storageengine.Command{commands}
	}
	chunks := make([][]storageengine.Command, 0, (len(commands)+size-1)/size)
	for start := 0; start < len(commands); start += size {
		end := min(start+size, len(commands))
		chunks = append(chunks, commands[start:end])
	}
	return chunks
}
