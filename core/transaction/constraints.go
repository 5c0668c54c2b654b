package transaction

import (
	"slices"
	"sort"

	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
)

// constraintVisitor enforces graph and uniqueness constraints while the
// transaction state is turned into commands. Endpoint and dangling
// relationship checks run per change; uniqueness is checked on Close once
// every touched node is known.
type constraintVisitor struct {
	txstate.Adapter
	state     *txstate.TxState
	reader    storageengine.StorageReader
	cursorCtx *storageengine.CursorContext
	touched   map[uint64]struct{}
	unique    map[string][]txstate.IndexDescriptor
}

func newConstraintVisitor(next txstate.Visitor, tx *KernelTransaction) *constraintVisitor {
	return &constraintVisitor{
		Adapter:   txstate.Adapter{Next: next},
		state:     tx.txState,
		reader:    tx.reader,
		cursorCtx: tx.cursorCtx,
		touched:   make(map[uint64]struct{}),
		unique:    make(map[string][]txstate.IndexDescriptor),
	}
}

func (c *constraintVisitor) VisitCreatedNode(id uint64) error {
	c.touched[id] = struct{}{}
	return c.Adapter.VisitCreatedNode(id)
}

func (c *constraintVisitor) VisitNodeLabelChanges(id uint64, added, removed []string) error {
	c.touched[id] = struct{}{}
	return c.Adapter.VisitNodeLabelChanges(id, added, removed)
}

func (c *constraintVisitor) VisitNodePropertyChanges(id uint64, set map[string]any, removed []string) error {
	c.touched[id] = struct{}{}
	return c.Adapter.VisitNodePropertyChanges(id, set, removed)
}

func (c *constraintVisitor) VisitCreatedRelationship(id uint64, relType string, start, end uint64) error {
	for _, node := range []uint64{start, end} {
		if !c.nodeVisible(node) {
			return newFailure(ErrConstraintViolation, StatusConstraintViolation, nil,
				"Cannot create relationship %d of type `%s`: node %d does not exist", id, relType, node)
		}
	}
	return c.Adapter.VisitCreatedRelationship(id, relType, start, end)
}

func (c *constraintVisitor) VisitDeletedNode(id uint64) error {
	for _, rel := range c.reader.NodeRelationships(c.cursorCtx, id) {
		if !c.state.RelationshipIsDeletedInThisTx(rel) {
			return newFailure(ErrConstraintViolation, StatusConstraintViolation, nil,
				"Cannot delete node %d, because it still has relationship %d", id, rel)
		}
	}
	for _, rel := range c.state.CreatedRelationships() {
		if (rel.Start == id || rel.End == id) && !c.state.RelationshipIsDeletedInThisTx(rel.ID) {
			return newFailure(ErrConstraintViolation, StatusConstraintViolation, nil,
				"Cannot delete node %d, because it still has relationship %d", id, rel.ID)
		}
	}
	return c.Adapter.VisitDeletedNode(id)
}

func (c *constraintVisitor) Close() error {
	if err := c.checkUniqueness(); err != nil {
		return err
	}
	return c.Adapter.Close()
}

func (c *constraintVisitor) nodeVisible(id uint64) bool {
	if c.state.NodeIsDeletedInThisTx(id) {
		return false
	}
	return c.state.NodeIsCreatedInThisTx(id) || c.reader.NodeExists(c.cursorCtx, id)
}

func (c *constraintVisitor) labels(id uint64) []string {
	var labels []string
	if !c.state.NodeIsCreatedInThisTx(id) {
		labels = c.reader.NodeLabels(c.cursorCtx, id)
	}
	added, removed := c.state.NodeLabelChanges(id)
	labels = slices.DeleteFunc(labels, func(l string) bool { return slices.Contains(removed, l) })
	for _, l := range added {
		if !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	return labels
}

func (c *constraintVisitor) property(id uint64, key string) (any, bool) {
	v, st := c.state.NodePropertyChange(id, key)
	switch st {
	case txstate.PropertySet:
		return v, true
	case txstate.PropertyRemoved:
		return nil, false
	}
	if c.state.NodeIsCreatedInThisTx(id) {
		return nil, false
	}
	return c.reader.NodeProperty(c.cursorCtx, id, key)
}

func (c *constraintVisitor) uniqueIndexes(label string) []txstate.IndexDescriptor {
	if idx, ok := c.unique[label]; ok {
		return idx
	}
	var out []txstate.IndexDescriptor
	for _, idx := range c.reader.IndexesForLabel(label) {
		if idx.Unique && !c.state.IndexIsDropped(idx.Name) {
			out = append(out, idx)
		}
	}
	for _, idx := range c.state.AddedIndexes() {
		if idx.Unique && idx.Label == label {
			out = append(out, idx)
		}
	}
	c.unique[label] = out
	return out
}

// stillMatches reports whether a committed node found by value keeps the
// label and value after this transaction.
func (c *constraintVisitor) stillMatches(id uint64, label, key string, value any) bool {
	if c.state.NodeIsDeletedInThisTx(id) {
		return false
	}
	if _, removed := c.state.NodeLabelChanges(id); slices.Contains(removed, label) {
		return false
	}
	v, ok := c.property(id, key)
	return ok && storageengine.ValuesEqual(v, value)
}

func (c *constraintVisitor) checkUniqueness() error {
	ids := make([]uint64, 0, len(c.touched))
	for id := range c.touched {
		if !c.state.NodeIsDeletedInThisTx(id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	seen := make(map[string]uint64)
	for _, id := range ids {
		for _, label := range c.labels(id) {
			for _, idx := range c.uniqueIndexes(label) {
				value, ok := c.property(id, idx.PropertyKey)
				if !ok || value == nil {
					continue
				}
				raw, err := storageengine.EncodeValue(value)
				if err != nil {
					return err
				}
				key := idx.Name + "\x00" + string(raw)
				if other, dup := seen[key]; dup && other != id {
					return uniquenessViolation(other, idx, value)
				}
				seen[key] = id
				for _, other := range c.reader.FindNodes(c.cursorCtx, label, idx.PropertyKey, value) {
					if other != id && c.stillMatches(other, label, idx.PropertyKey, value) {
						return uniquenessViolation(other, idx, value)
					}
				}
			}
		}
	}
	return nil
}

func uniquenessViolation(existing uint64, idx txstate.IndexDescriptor, value any) error {
	return newFailure(ErrConstraintViolation, StatusConstraintViolation, nil,
		"Node(%d) already exists with label `%s` and property `%s` = %v",
		existing, idx.Label, idx.PropertyKey, value)
}
