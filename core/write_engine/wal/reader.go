package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/sushant-115/gojotx/core/security/encryption"
)

// maxRecordSize bounds a frame body so a corrupt length cannot cause a huge
// allocation.
const maxRecordSize = 1 << 30

// readFrame reads one frame and returns the record and the frame size.
// io.EOF means a clean end; a partial frame yields ErrShortRecord.
func readFrame(r *bufio.Reader) (*LogRecord, int, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, n, fmt.Errorf("%w: header: %v", ErrShortRecord, err)
	}
	bodyLen := binary.LittleEndian.Uint32(header[0:])
	sum := binary.LittleEndian.Uint64(header[4:])
	if bodyLen < bodyFixedSize || bodyLen > maxRecordSize {
		return nil, n, fmt.Errorf("%w: invalid body length %d", ErrChecksumMismatch, bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, n, fmt.Errorf("%w: body: %v", ErrShortRecord, err)
	}
	if xxhash.Sum64(body) != sum {
		return nil, n, ErrChecksumMismatch
	}
	lr, err := DecodeLogRecord(body)
	if err != nil {
		return nil, n, err
	}
	return lr, frameHeaderSize + int(bodyLen), nil
}

// Reader iterates log records in LSN order.
type Reader struct {
	sealer   *encryption.Sealer
	segments []segment
	from     LSN
	idx      int
	file     *os.File
	r        *bufio.Reader
}

// NewReader returns a reader positioned at the first record with an LSN of
// at least from. Records appended after the call may not be visible.
func (lm *LogManager) NewReader(from LSN) (*Reader, error) {
	if err := lm.Flush(); err != nil && !errors.Is(err, ErrLogClosed) {
		return nil, err
	}
	lm.mu.Lock()
	segs := append([]segment(nil), lm.segments...)
	lm.mu.Unlock()

	// Skip whole segments that end before from.
	start := 0
	for i := range segs {
		if segs[i].startLSN <= from {
			start = i
		}
	}
	return &Reader{sealer: lm.sealer, segments: segs, from: from, idx: start}, nil
}

// Next returns the next record, or io.EOF at the end of the log.
func (rd *Reader) Next() (*LogRecord, error) {
	for {
		if rd.r == nil {
			if rd.idx >= len(rd.segments) {
				return nil, io.EOF
			}
			f, err := os.Open(rd.segments[rd.idx].path)
			if err != nil {
				if os.IsNotExist(err) {
					rd.idx++
					continue
				}
				return nil, fmt.Errorf("open log segment: %w", err)
			}
			rd.file = f
			rd.r = bufio.NewReader(f)
		}
		lr, _, err := readFrame(rd.r)
		if err != nil {
			last := rd.idx == len(rd.segments)-1
			if err == io.EOF || (last && errors.Is(err, ErrShortRecord)) {
				// A short frame at the very end is a concurrent append.
				rd.closeSegment()
				rd.idx++
				continue
			}
			return nil, fmt.Errorf("read %s: %w", rd.segments[rd.idx].path, err)
		}
		if lr.LSN < rd.from {
			continue
		}
		if rd.sealer != nil && len(lr.Data) > 0 {
			if lr.Data, err = rd.sealer.Open(lr.Data); err != nil {
				return nil, fmt.Errorf("record at LSN %d: %w", lr.LSN, err)
			}
		}
		return lr, nil
	}
}

func (rd *Reader) closeSegment() {
	if rd.file != nil {
		_ = rd.file.Close()
	}
	rd.file = nil
	rd.r = nil
}

// Close releases the open segment.
func (rd *Reader) Close() error {
	rd.closeSegment()
	rd.idx = len(rd.segments)
	return nil
}
