package wal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
)

// LSN is the 1-based position of a record in the log.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType defines the type of a logged entry.
type LogRecordType byte

const (
	LogRecordTypeCommit        LogRecordType = iota + 1 // Complete transaction batch
	LogRecordTypeChunk                                  // One chunk of a large transaction
	LogRecordTypeChunkRollback                          // Discards the chunks of a sequence number
	LogRecordTypeAbort                                  // Logged transaction id that never applied
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeCommit:
		return "COMMIT"
	case LogRecordTypeChunk:
		return "CHUNK"
	case LogRecordTypeChunkRollback:
		return "CHUNK_ROLLBACK"
	case LogRecordTypeAbort:
		return "ABORT"
	}
	return fmt.Sprintf("TYPE(%d)", byte(t))
}

var (
	ErrChecksumMismatch = errors.New("log record checksum mismatch")
	ErrShortRecord      = errors.New("log record is truncated")
)

// LogRecord is a single entry of the transaction log.
type LogRecord struct {
	LSN       LSN
	Type      LogRecordType
	TxnID     uint64 // Committed or aborted transaction id; 0 for non-final chunks and chunk rollbacks
	Seq       uint64 // Sequence number of the kernel transaction that wrote it
	Timestamp int64
	Data      []byte // JSON encoded storageengine.CommandBatch
}

// frame: [body length u32][xxhash64 of body u64][body]
const frameHeaderSize = 4 + 8

// body: LSN, Type, TxnID, Seq, Timestamp, Data
const bodyFixedSize = 8 + 1 + 8 + 8 + 8

// Encode serializes the record into a checksummed frame.
func (lr *LogRecord) Encode() []byte {
	bodyLen := bodyFixedSize + len(lr.Data)
	buf := make([]byte, frameHeaderSize+bodyLen)
	body := buf[frameHeaderSize:]
	binary.LittleEndian.PutUint64(body[0:], uint64(lr.LSN))
	body[8] = byte(lr.Type)
	binary.LittleEndian.PutUint64(body[9:], lr.TxnID)
	binary.LittleEndian.PutUint64(body[17:], lr.Seq)
	binary.LittleEndian.PutUint64(body[25:], uint64(lr.Timestamp))
	copy(body[bodyFixedSize:], lr.Data)

	binary.LittleEndian.PutUint32(buf[0:], uint32(bodyLen))
	binary.LittleEndian.PutUint64(buf[4:], xxhash.Sum64(body))
	return buf
}

// Size returns the encoded frame size.
func (lr *LogRecord) Size() int {
	return frameHeaderSize + bodyFixedSize + len(lr.Data)
}

// DecodeLogRecord decodes a record body after its checksum was verified.
func DecodeLogRecord(body []byte) (*LogRecord, error) {
	if len(body) < bodyFixedSize {
		return nil, ErrShortRecord
	}
	lr := &LogRecord{
		LSN:       LSN(binary.LittleEndian.Uint64(body[0:])),
		Type:      LogRecordType(body[8]),
		TxnID:     binary.LittleEndian.Uint64(body[9:]),
		Seq:       binary.LittleEndian.Uint64(body[17:]),
		Timestamp: int64(binary.LittleEndian.Uint64(body[25:])),
	}
	lr.Data = append([]byte(nil), body[bodyFixedSize:]...)
	return lr, nil
}

// Batch decodes the command batch carried by the record.
func (lr *LogRecord) Batch() (*storageengine.CommandBatch, error) {
	var b storageengine.CommandBatch
	if err := json.Unmarshal(lr.Data, &b); err != nil {
		return nil, fmt.Errorf("decode batch at LSN %d: %w", lr.LSN, err)
	}
	return &b, nil
}
