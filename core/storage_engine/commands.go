package storageengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sushant-115/gojotx/core/txstate"
)

// CommandType is the kind of a storage command.
type CommandType uint8

const (
	CmdNodeCreate CommandType = iota + 1
	CmdNodeDelete
	CmdNodeAddLabel
	CmdNodeRemoveLabel
	CmdNodeSetProperty
	CmdNodeRemoveProperty
	CmdRelationshipCreate
	CmdRelationshipDelete
	CmdRelationshipSetProperty
	CmdRelationshipRemoveProperty
	CmdIndexCreate
	CmdIndexDrop
	CmdEnrichment
)

var commandNames = map[CommandType]string{
	CmdNodeCreate:                 "NODE_CREATE",
	CmdNodeDelete:                 "NODE_DELETE",
	CmdNodeAddLabel:               "NODE_ADD_LABEL",
	CmdNodeRemoveLabel:            "NODE_REMOVE_LABEL",
	CmdNodeSetProperty:            "NODE_SET_PROPERTY",
	CmdNodeRemoveProperty:         "NODE_REMOVE_PROPERTY",
	CmdRelationshipCreate:         "REL_CREATE",
	CmdRelationshipDelete:         "REL_DELETE",
	CmdRelationshipSetProperty:    "REL_SET_PROPERTY",
	CmdRelationshipRemoveProperty: "REL_REMOVE_PROPERTY",
	CmdIndexCreate:                "INDEX_CREATE",
	CmdIndexDrop:                  "INDEX_DROP",
	CmdEnrichment:                 "ENRICHMENT",
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("COMMAND(%d)", uint8(t))
}

// Command is a single durable storage change.
type Command struct {
	Type     CommandType              `json:"type"`
	EntityID uint64                   `json:"entity_id,omitempty"`
	Key      string                   `json:"key,omitempty"`
	Value    json.RawMessage          `json:"value,omitempty"`
	RelType  string                   `json:"rel_type,omitempty"`
	Start    uint64                   `json:"start,omitempty"`
	End      uint64                   `json:"end,omitempty"`
	Index    *txstate.IndexDescriptor `json:"index,omitempty"`
	Payload  json.RawMessage          `json:"payload,omitempty"`
}

// commandOverhead is the estimated fixed heap cost of a command.
const commandOverhead = 64

// Size estimates the heap footprint of the command.
func (c Command) Size() int64 {
	n := int64(commandOverhead + len(c.Key) + len(c.Value) + len(c.RelType) + len(c.Payload))
	if c.Index != nil {
		n += int64(len(c.Index.Name) + len(c.Index.Label) + len(c.Index.PropertyKey))
	}
	return n
}

// CommandBatch is a transaction's commands plus commit metadata, as handed
// to the commit process. Chunked commits split one transaction into several
// batches sharing a sequence number; the last one carries LastChunk.
type CommandBatch struct {
	Commands                 []Command `json:"commands"`
	SequenceNumber           uint64    `json:"sequence_number"`
	LeaseID                  int64     `json:"lease_id"`
	StartTime                time.Time `json:"start_time"`
	CommitTime               time.Time `json:"commit_time"`
	LastCommittedWhenStarted uint64    `json:"last_committed_when_started"`
	Subject                  string    `json:"subject,omitempty"`
	Chunked                  bool      `json:"chunked,omitempty"`
	ChunkIndex               int       `json:"chunk_index,omitempty"`
	LastChunk                bool      `json:"last_chunk,omitempty"`
}

// Size estimates the heap footprint of the batch commands.
func (b *CommandBatch) Size() int64 {
	var n int64
	for _, c := range b.Commands {
		n += c.Size()
	}
	return n
}
