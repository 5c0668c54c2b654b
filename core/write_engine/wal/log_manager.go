// Package wal is the transaction log: an append-only, segmented log of
// committed command batches. Every record is checksummed with xxhash so a
// torn tail left by a crash is detected and truncated on open.
package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/security/encryption"
	"github.com/sushant-115/gojotx/core/storage_engine/common"
)

var ErrLogClosed = errors.New("transaction log is closed")

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

// Options configures the transaction log.
type Options struct {
	Dir              string        `yaml:"dir"`
	SegmentSizeLimit int64         `yaml:"segment_size_limit"`
	BufferSize       int           `yaml:"buffer_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	// SyncOnCommit fsyncs the active segment after every commit.
	SyncOnCommit bool `yaml:"sync_on_commit"`
	// BackupRate limits backup copies in bytes per second; 0 disables it.
	BackupRate int64 `yaml:"backup_rate"`
	// EncryptionKey is a hex encoded AES key. When set, record payloads are
	// sealed at rest.
	EncryptionKey string `yaml:"encryption_key"`
}

// DefaultOptions returns options for a log in dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:              dir,
		SegmentSizeLimit: 64 << 20,
		BufferSize:       64 << 10,
		FlushInterval:    100 * time.Millisecond,
		SyncOnCommit:     true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions(o.Dir)
	if o.SegmentSizeLimit <= 0 {
		o.SegmentSizeLimit = d.SegmentSizeLimit
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	return o
}

type segment struct {
	id       uint64
	path     string
	startLSN LSN
}

// LogManager manages the segment files of the transaction log.
type LogManager struct {
	opts   Options
	logger *zap.Logger
	sealer *encryption.Sealer

	mu                 sync.Mutex
	file               *os.File
	writer             *bufio.Writer
	segments           []segment
	currentSegmentSize int64
	nextLSN            LSN
	closed             bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLogManager opens the log in opts.Dir, truncating a torn tail, and
// starts the background flusher.
func NewLogManager(opts Options, logger *zap.Logger) (*LogManager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("log directory must be set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", opts.Dir, err)
	}

	lm := &LogManager{
		opts:     opts,
		logger:   logger.Named("wal"),
		nextLSN:  1,
		stopChan: make(chan struct{}),
	}
	if opts.EncryptionKey != "" {
		sealer, err := encryption.NewSealerFromHex(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		lm.sealer = sealer
	}
	if err := lm.open(); err != nil {
		return nil, err
	}

	lm.wg.Add(1)
	go lm.flusher()

	lm.logger.Info("Transaction log opened",
		zap.String("dir", opts.Dir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return lm, nil
}

func (lm *LogManager) segmentPath(id uint64) string {
	return filepath.Join(lm.opts.Dir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentSuffix))
}

func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var segs []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segment{id: id, path: filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs, nil
}

// open scans every segment to find the next LSN. Corruption in the last
// segment is treated as a torn write and truncated; anywhere else it fails.
func (lm *LogManager) open() error {
	segs, err := listSegments(lm.opts.Dir)
	if err != nil {
		return err
	}
	for i := range segs {
		segs[i].startLSN = lm.nextLSN
		last, good, scanErr := scanSegment(segs[i].path)
		if last != InvalidLSN {
			lm.nextLSN = last + 1
		}
		if scanErr != nil {
			if i != len(segs)-1 {
				return fmt.Errorf("corrupt log segment %s: %w", segs[i].path, scanErr)
			}
			lm.logger.Warn("Truncating torn log tail",
				zap.String("segment", segs[i].path), zap.Int64("offset", good), zap.Error(scanErr))
			if err := os.Truncate(segs[i].path, good); err != nil {
				return fmt.Errorf("failed to truncate %s: %w", segs[i].path, err)
			}
		}
	}
	if len(segs) == 0 {
		segs = append(segs, segment{id: 1, path: lm.segmentPath(1), startLSN: lm.nextLSN})
	}
	lm.segments = segs
	return lm.openActive()
}

func (lm *LogManager) openActive() error {
	active := lm.segments[len(lm.segments)-1]
	f, err := os.OpenFile(active.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", active.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log segment %s: %w", active.path, err)
	}
	lm.file = f
	lm.writer = bufio.NewWriterSize(f, lm.opts.BufferSize)
	lm.currentSegmentSize = info.Size()
	return nil
}

// scanSegment returns the last valid LSN and the byte offset after it.
func scanSegment(path string) (LSN, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return InvalidLSN, 0, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var last LSN
	var good int64
	for {
		lr, n, err := readFrame(r)
		if err == io.EOF {
			return last, good, nil
		}
		if err != nil {
			return last, good, err
		}
		last = lr.LSN
		good += int64(n)
	}
}

// Append assigns the next LSN to record and buffers it. The record reaches
// the file on the next flush or Sync.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrLogClosed
	}

	record.LSN = lm.nextLSN
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixNano()
	}
	stored := record
	if lm.sealer != nil && len(record.Data) > 0 {
		sealed, err := lm.sealer.Seal(record.Data)
		if err != nil {
			return InvalidLSN, err
		}
		copied := *record
		copied.Data = sealed
		stored = &copied
	}
	frame := stored.Encode()

	if lm.currentSegmentSize > 0 && lm.currentSegmentSize+int64(len(frame)) > lm.opts.SegmentSizeLimit {
		if err := lm.rollSegment(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}
	if _, err := lm.writer.Write(frame); err != nil {
		return InvalidLSN, fmt.Errorf("failed to write record to log buffer: %w", err)
	}
	lm.currentSegmentSize += int64(len(frame))
	lm.nextLSN++

	lm.logger.Debug("Appended log record",
		zap.Uint64("lsn", uint64(record.LSN)),
		zap.Stringer("type", record.Type),
		zap.Uint64("txn_id", record.TxnID),
		zap.Int("size", len(frame)))
	return record.LSN, nil
}

// rollSegment seals the active segment and starts a new one. It must be
// called with lm.mu held.
func (lm *LogManager) rollSegment() error {
	if err := lm.syncLocked(); err != nil {
		return err
	}
	if err := lm.file.Close(); err != nil {
		return fmt.Errorf("failed to close log segment: %w", err)
	}
	next := lm.segments[len(lm.segments)-1].id + 1
	lm.segments = append(lm.segments, segment{id: next, path: lm.segmentPath(next), startLSN: lm.nextLSN})
	lm.logger.Info("Rolled log segment", zap.Uint64("segment", next))
	return lm.openActive()
}

// Flush writes buffered records to the operating system.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	return lm.writer.Flush()
}

// Sync flushes and fsyncs the active segment.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	return lm.syncLocked()
}

func (lm *LogManager) syncLocked() error {
	if err := lm.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return nil
}

// commitDurability makes a commit record durable according to the options.
func (lm *LogManager) commitDurability() error {
	if lm.opts.SyncOnCommit {
		return lm.Sync()
	}
	return lm.Flush()
}

// NextLSN returns the LSN the next appended record will get.
func (lm *LogManager) NextLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			lm.mu.Lock()
			if !lm.closed && lm.writer.Buffered() > 0 {
				if err := lm.writer.Flush(); err != nil {
					lm.logger.Error("Periodic log flush failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		}
	}
}

// Backup copies every sealed and active segment into dir at the configured
// backup rate and returns the copied paths.
func (lm *LogManager) Backup(ctx context.Context, dir string) ([]string, error) {
	if err := lm.Sync(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	lm.mu.Lock()
	segs := append([]segment(nil), lm.segments...)
	lm.mu.Unlock()

	throttle := common.NewThrottle(lm.opts.BackupRate, 0)
	var copied []string
	for _, seg := range segs {
		dst := filepath.Join(dir, filepath.Base(seg.path))
		sum, err := common.CopyThrottled(ctx, seg.path, dst, throttle)
		if err != nil {
			return copied, fmt.Errorf("backup %s: %w", seg.path, err)
		}
		lm.logger.Info("Backed up log segment", zap.String("segment", dst), zap.Binary("sha256", sum))
		copied = append(copied, dst)
	}
	return copied, nil
}

// Close stops the flusher, syncs and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	lm.closed = true
	lm.mu.Unlock()

	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	err := lm.syncLocked()
	err = multierr.Append(err, lm.file.Close())
	lm.logger.Info("Transaction log closed", zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return err
}
