package transaction

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sushant-115/gojotx/core/memory"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
)

type decoratorKind uint8

const (
	plainDecorator decoratorKind = iota
	enrichingDecorator
)

// commandDecorator wraps command creation with constraint enforcement and,
// when enrichment is enabled and the transaction changed data, with change
// capture.
type commandDecorator struct {
	kind       decoratorKind
	tx         *KernelTransaction
	tracker    memory.Tracker
	enrichment *enrichmentVisitor
}

var _ storageengine.CommandDecorator = (*commandDecorator)(nil)

func (tx *KernelTransaction) newCommandDecorator(tracker memory.Tracker) *commandDecorator {
	d := &commandDecorator{kind: plainDecorator, tx: tx, tracker: tracker}
	if tx.txState.EnrichmentMode() != txstate.EnrichmentOff && tx.txState.HasDataChanges() {
		d.kind = enrichingDecorator
	}
	return d
}

func (d *commandDecorator) Decorate(v txstate.Visitor) txstate.Visitor {
	constraints := newConstraintVisitor(v, d.tx)
	if d.kind == plainDecorator {
		return constraints
	}
	d.enrichment = newEnrichmentVisitor(constraints, d.tx, d.tracker)
	return d.enrichment
}

func (d *commandDecorator) Transform(commands []storageengine.Command) ([]storageengine.Command, error) {
	if d.kind == plainDecorator || d.enrichment == nil {
		return commands, nil
	}
	cmd, err := d.enrichment.command()
	if err != nil {
		return nil, err
	}
	return append(commands, cmd), nil
}

// ChangeRecord is one captured change.
type ChangeRecord struct {
	Entity        string                   `json:"entity"`
	Op            string                   `json:"op"`
	ID            uint64                   `json:"id,omitempty"`
	Type          string                   `json:"type,omitempty"`
	Start         uint64                   `json:"start,omitempty"`
	End           uint64                   `json:"end,omitempty"`
	LabelsAdded   []string                 `json:"labels_added,omitempty"`
	LabelsRemoved []string                 `json:"labels_removed,omitempty"`
	Set           map[string]any           `json:"set,omitempty"`
	Removed       []string                 `json:"removed,omitempty"`
	Before        map[string]any           `json:"before,omitempty"`
	Labels        []string                 `json:"labels,omitempty"`
	Index         *txstate.IndexDescriptor `json:"index,omitempty"`
}

// EnrichmentRecord is the change-data payload appended to an enriched
// transaction.
type EnrichmentRecord struct {
	ID                       uuid.UUID      `json:"id"`
	Mode                     string         `json:"mode"`
	SequenceNumber           uint64         `json:"sequence_number"`
	LastCommittedWhenStarted uint64         `json:"last_committed_when_started"`
	Subject                  string         `json:"subject"`
	MetaData                 map[string]any `json:"metadata,omitempty"`
	Changes                  []ChangeRecord `json:"changes"`
}

// DecodeEnrichment reads the record carried by an enrichment command.
func DecodeEnrichment(cmd storageengine.Command) (*EnrichmentRecord, error) {
	if cmd.Type != storageengine.CmdEnrichment {
		return nil, fmt.Errorf("command %s carries no enrichment", cmd.Type)
	}
	var rec EnrichmentRecord
	if err := json.Unmarshal(cmd.Payload, &rec); err != nil {
		return nil, fmt.Errorf("decode enrichment: %w", err)
	}
	return &rec, nil
}

// enrichmentVisitor records every change before forwarding it. In full mode
// it also captures the committed values being replaced.
type enrichmentVisitor struct {
	txstate.Adapter
	tx      *KernelTransaction
	tracker memory.Tracker
	full    bool
	changes []ChangeRecord
}

func newEnrichmentVisitor(next txstate.Visitor, tx *KernelTransaction, tracker memory.Tracker) *enrichmentVisitor {
	return &enrichmentVisitor{
		Adapter: txstate.Adapter{Next: next},
		tx:      tx,
		tracker: tracker,
		full:    tx.txState.EnrichmentMode() == txstate.EnrichmentFull,
	}
}

const changeRecordBytes = 96

func (e *enrichmentVisitor) record(c ChangeRecord) error {
	if e.tracker != nil {
		if err := e.tracker.AllocateHeap(changeRecordBytes); err != nil {
			return err
		}
	}
	e.changes = append(e.changes, c)
	return nil
}

func (e *enrichmentVisitor) committed(id uint64) bool {
	return !e.tx.txState.NodeIsCreatedInThisTx(id)
}

func (e *enrichmentVisitor) VisitCreatedNode(id uint64) error {
	if err := e.record(ChangeRecord{Entity: "node", Op: "created", ID: id}); err != nil {
		return err
	}
	return e.Adapter.VisitCreatedNode(id)
}

func (e *enrichmentVisitor) VisitDeletedNode(id uint64) error {
	c := ChangeRecord{Entity: "node", Op: "deleted", ID: id}
	if e.full {
		c.Labels = e.tx.reader.NodeLabels(e.tx.cursorCtx, id)
	}
	if err := e.record(c); err != nil {
		return err
	}
	return e.Adapter.VisitDeletedNode(id)
}

func (e *enrichmentVisitor) VisitNodeLabelChanges(id uint64, added, removed []string) error {
	c := ChangeRecord{Entity: "node", Op: "labels", ID: id, LabelsAdded: added, LabelsRemoved: removed}
	if e.full && e.committed(id) {
		c.Labels = e.tx.reader.NodeLabels(e.tx.cursorCtx, id)
	}
	if err := e.record(c); err != nil {
		return err
	}
	return e.Adapter.VisitNodeLabelChanges(id, added, removed)
}

func (e *enrichmentVisitor) VisitNodePropertyChanges(id uint64, set map[string]any, removed []string) error {
	c := ChangeRecord{Entity: "node", Op: "properties", ID: id, Set: set, Removed: removed}
	if e.full && e.committed(id) {
		c.Before = e.before(id, set, removed)
	}
	if err := e.record(c); err != nil {
		return err
	}
	return e.Adapter.VisitNodePropertyChanges(id, set, removed)
}

func (e *enrichmentVisitor) before(id uint64, set map[string]any, removed []string) map[string]any {
	before := make(map[string]any)
	capture := func(key string) {
		if v, ok := e.tx.reader.NodeProperty(e.tx.cursorCtx, id, key); ok {
			before[key] = v
		}
	}
	for key := range set {
		capture(key)
	}
	for _, key := range removed {
		capture(key)
	}
	if len(before) == 0 {
		return nil
	}
	return before
}

func (e *enrichmentVisitor) VisitCreatedRelationship(id uint64, relType string, start, end uint64) error {
	c := ChangeRecord{Entity: "relationship", Op: "created", ID: id, Type: relType, Start: start, End: end}
	if err := e.record(c); err != nil {
		return err
	}
	return e.Adapter.VisitCreatedRelationship(id, relType, start, end)
}

func (e *enrichmentVisitor) VisitDeletedRelationship(id uint64) error {
	if err := e.record(ChangeRecord{Entity: "relationship", Op: "deleted", ID: id}); err != nil {
		return err
	}
	return e.Adapter.VisitDeletedRelationship(id)
}

func (e *enrichmentVisitor) VisitRelationshipPropertyChanges(id uint64, set map[string]any, removed []string) error {
	c := ChangeRecord{Entity: "relationship", Op: "properties", ID: id, Set: set, Removed: removed}
	if err := e.record(c); err != nil {
		return err
	}
	return e.Adapter.VisitRelationshipPropertyChanges(id, set, removed)
}

func (e *enrichmentVisitor) command() (storageengine.Command, error) {
	rec := EnrichmentRecord{
		ID:                       uuid.New(),
		Mode:                     e.tx.txState.EnrichmentMode().String(),
		SequenceNumber:           e.tx.SequenceNumber(),
		LastCommittedWhenStarted: e.tx.lastCommittedWhenStarted,
		Subject:                  e.tx.Subject(),
		MetaData:                 e.tx.MetaData(),
		Changes:                  e.changes,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return storageengine.Command{}, fmt.Errorf("encode enrichment: %w", err)
	}
	cmd := storageengine.Command{Type: storageengine.CmdEnrichment, Payload: payload}
	if e.tracker != nil {
		if err := e.tracker.AllocateHeap(cmd.Size()); err != nil {
			return storageengine.Command{}, err
		}
	}
	return cmd, nil
}
