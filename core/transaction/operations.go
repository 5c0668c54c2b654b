package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sushant-115/gojotx/core/locking"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
)

var (
	ErrEntityNotFound     = errors.New("entity not found")
	ErrIndexAlreadyExists = errors.New("index already exists")
	ErrIndexNotFound      = errors.New("index not found")
)

// DataRead reads committed state merged with the changes of the
// transaction.
type DataRead struct {
	tx *KernelTransaction
}

// DataWrite changes nodes and relationships.
type DataWrite struct {
	tx *KernelTransaction
}

// SchemaWrite changes indexes and constraints.
type SchemaWrite struct {
	tx *KernelTransaction
}

// DataRead returns the read operations of an open transaction.
func (tx *KernelTransaction) DataRead() (*DataRead, error) {
	if err := tx.AssertOpen(); err != nil {
		return nil, err
	}
	return &DataRead{tx: tx}, nil
}

// DataWrite returns the data write operations. A transaction that wrote
// schema cannot write data.
func (tx *KernelTransaction) DataWrite() (*DataWrite, error) {
	if err := tx.AssertOpen(); err != nil {
		return nil, err
	}
	if err := tx.UpgradeToDataWrites(); err != nil {
		return nil, err
	}
	return &DataWrite{tx: tx}, nil
}

// SchemaWrite returns the schema write operations. A transaction that wrote
// data cannot write schema.
func (tx *KernelTransaction) SchemaWrite() (*SchemaWrite, error) {
	if err := tx.AssertOpen(); err != nil {
		return nil, err
	}
	if err := tx.UpgradeToSchemaWrites(); err != nil {
		return nil, err
	}
	return &SchemaWrite{tx: tx}, nil
}

// acquire takes an exclusive lock and accounts the wait.
func (tx *KernelTransaction) acquire(ctx context.Context, mode locking.Mode, resource locking.ResourceType, ids ...uint64) error {
	start := time.Now()
	var err error
	if mode == locking.Exclusive {
		err = tx.lockClient.AcquireExclusive(ctx, resource, ids...)
	} else {
		err = tx.lockClient.AcquireShared(ctx, resource, ids...)
	}
	tx.stats.AddWaitingTime(time.Since(start))
	if err == nil {
		return nil
	}
	if mark := tx.terminationMark.Load(); mark != nil {
		return &TerminatedError{Reason: mark.Reason}
	}
	if errors.Is(err, locking.ErrAcquisitionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return NewTransientFailure(StatusCommitFailed, err, fmt.Sprintf("Could not acquire %s lock", resource))
	}
	return err
}

// writable asserts the transaction is open and returns its state.
func (tx *KernelTransaction) writable() (*txstate.TxState, error) {
	if err := tx.AssertOpen(); err != nil {
		return nil, err
	}
	return tx.TxState()
}

func labelID(label string) uint64 { return xxhash.Sum64String(label) }

func (tx *KernelTransaction) nodeVisible(id uint64) bool {
	if s := tx.txState; s != nil {
		if s.NodeIsDeletedInThisTx(id) {
			return false
		}
		if s.NodeIsCreatedInThisTx(id) {
			return true
		}
	}
	return tx.reader.NodeExists(tx.cursorCtx, id)
}

func (tx *KernelTransaction) relationshipVisible(id uint64) bool {
	if s := tx.txState; s != nil {
		if s.RelationshipIsDeletedInThisTx(id) {
			return false
		}
		if s.RelationshipIsCreatedInThisTx(id) {
			return true
		}
	}
	return tx.reader.RelationshipExists(tx.cursorCtx, id)
}

func nodeNotFound(id uint64) error {
	return fmt.Errorf("node %d: %w", id, ErrEntityNotFound)
}

func relationshipNotFound(id uint64) error {
	return fmt.Errorf("relationship %d: %w", id, ErrEntityNotFound)
}

// NodeCreate creates a node with the given labels.
func (w *DataWrite) NodeCreate(ctx context.Context, labels ...string) (uint64, error) {
	s, err := w.tx.writable()
	if err != nil {
		return 0, err
	}
	id := w.tx.creationCtx.ReserveNode()
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceNode, id); err != nil {
		return 0, err
	}
	if err := s.NodeDoCreate(id); err != nil {
		return 0, err
	}
	for _, label := range labels {
		if err := w.addLabel(ctx, s, id, label); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// NodeDelete deletes a node. Its relationships must be deleted in the same
// transaction.
func (w *DataWrite) NodeDelete(ctx context.Context, id uint64) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceNode, id); err != nil {
		return err
	}
	if !w.tx.nodeVisible(id) {
		return nodeNotFound(id)
	}
	return s.NodeDoDelete(id)
}

// NodeAddLabel adds a label to a node.
func (w *DataWrite) NodeAddLabel(ctx context.Context, id uint64, label string) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceNode, id); err != nil {
		return err
	}
	if !w.tx.nodeVisible(id) {
		return nodeNotFound(id)
	}
	return w.addLabel(ctx, s, id, label)
}

func (w *DataWrite) addLabel(ctx context.Context, s *txstate.TxState, id uint64, label string) error {
	if err := w.tx.acquire(ctx, locking.Shared, locking.ResourceLabel, labelID(label)); err != nil {
		return err
	}
	return s.NodeDoAddLabel(id, label)
}

// NodeRemoveLabel removes a label from a node.
func (w *DataWrite) NodeRemoveLabel(ctx context.Context, id uint64, label string) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceNode, id); err != nil {
		return err
	}
	if !w.tx.nodeVisible(id) {
		return nodeNotFound(id)
	}
	if err := w.tx.acquire(ctx, locking.Shared, locking.ResourceLabel, labelID(label)); err != nil {
		return err
	}
	return s.NodeDoRemoveLabel(id, label)
}

// NodeSetProperty sets a node property.
func (w *DataWrite) NodeSetProperty(ctx context.Context, id uint64, key string, value any) error {
	if err := storageengine.ValidateValue(value); err != nil {
		return err
	}
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceNode, id); err != nil {
		return err
	}
	if !w.tx.nodeVisible(id) {
		return nodeNotFound(id)
	}
	return s.NodeDoSetProperty(id, key, value)
}

// NodeRemoveProperty removes a node property.
func (w *DataWrite) NodeRemoveProperty(ctx context.Context, id uint64, key string) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceNode, id); err != nil {
		return err
	}
	if !w.tx.nodeVisible(id) {
		return nodeNotFound(id)
	}
	return s.NodeDoRemoveProperty(id, key)
}

// RelationshipCreate creates a relationship between two nodes.
func (w *DataWrite) RelationshipCreate(ctx context.Context, relType string, start, end uint64) (uint64, error) {
	s, err := w.tx.writable()
	if err != nil {
		return 0, err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceNode, start, end); err != nil {
		return 0, err
	}
	for _, node := range []uint64{start, end} {
		if !w.tx.nodeVisible(node) {
			return 0, nodeNotFound(node)
		}
	}
	id := w.tx.creationCtx.ReserveRelationship()
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceRelationship, id); err != nil {
		return 0, err
	}
	if err := s.RelationshipDoCreate(id, relType, start, end); err != nil {
		return 0, err
	}
	return id, nil
}

// RelationshipDelete deletes a relationship.
func (w *DataWrite) RelationshipDelete(ctx context.Context, id uint64) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceRelationship, id); err != nil {
		return err
	}
	if !w.tx.relationshipVisible(id) {
		return relationshipNotFound(id)
	}
	return s.RelationshipDoDelete(id)
}

// RelationshipSetProperty sets a relationship property.
func (w *DataWrite) RelationshipSetProperty(ctx context.Context, id uint64, key string, value any) error {
	if err := storageengine.ValidateValue(value); err != nil {
		return err
	}
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceRelationship, id); err != nil {
		return err
	}
	if !w.tx.relationshipVisible(id) {
		return relationshipNotFound(id)
	}
	return s.RelationshipDoSetProperty(id, key, value)
}

// RelationshipRemoveProperty removes a relationship property.
func (w *DataWrite) RelationshipRemoveProperty(ctx context.Context, id uint64, key string) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.tx.acquire(ctx, locking.Exclusive, locking.ResourceRelationship, id); err != nil {
		return err
	}
	if !w.tx.relationshipVisible(id) {
		return relationshipNotFound(id)
	}
	return s.RelationshipDoRemoveProperty(id, key)
}

func (w *SchemaWrite) lockSchema(ctx context.Context, label string) error {
	return w.tx.acquire(ctx, locking.Exclusive, locking.ResourceSchema, labelID(label))
}

func (w *SchemaWrite) indexExists(s *txstate.TxState, name string) bool {
	if slices.ContainsFunc(s.AddedIndexes(), func(idx txstate.IndexDescriptor) bool { return idx.Name == name }) {
		return true
	}
	_, ok := w.tx.reader.IndexByName(name)
	return ok && !s.IndexIsDropped(name)
}

// IndexCreate creates an index.
func (w *SchemaWrite) IndexCreate(ctx context.Context, index txstate.IndexDescriptor) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.lockSchema(ctx, index.Label); err != nil {
		return err
	}
	if w.indexExists(s, index.Name) {
		return fmt.Errorf("index %q: %w", index.Name, ErrIndexAlreadyExists)
	}
	return s.IndexDoAdd(index)
}

// IndexDrop drops an index by name.
func (w *SchemaWrite) IndexDrop(ctx context.Context, name string) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	idx, ok := w.tx.reader.IndexByName(name)
	if !ok {
		for _, added := range s.AddedIndexes() {
			if added.Name == name {
				idx, ok = added, true
			}
		}
	}
	if !ok || s.IndexIsDropped(name) {
		return fmt.Errorf("index %q: %w", name, ErrIndexNotFound)
	}
	if err := w.lockSchema(ctx, idx.Label); err != nil {
		return err
	}
	return s.IndexDoDrop(idx)
}

// UniqueConstraintCreate creates a uniqueness constraint backed by a unique
// index.
func (w *SchemaWrite) UniqueConstraintCreate(ctx context.Context, index txstate.IndexDescriptor) error {
	s, err := w.tx.writable()
	if err != nil {
		return err
	}
	if err := w.lockSchema(ctx, index.Label); err != nil {
		return err
	}
	index.Unique = true
	if w.indexExists(s, index.Name) {
		return fmt.Errorf("index %q: %w", index.Name, ErrIndexAlreadyExists)
	}
	return s.ConstraintIndexDoAdd(index)
}

// NodeExists reports whether the node is visible to the transaction.
func (r *DataRead) NodeExists(id uint64) (bool, error) {
	if err := r.tx.AssertOpen(); err != nil {
		return false, err
	}
	return r.tx.nodeVisible(id), nil
}

// NodeLabels returns the labels of a visible node.
func (r *DataRead) NodeLabels(id uint64) ([]string, error) {
	if err := r.tx.AssertOpen(); err != nil {
		return nil, err
	}
	if !r.tx.nodeVisible(id) {
		return nil, nodeNotFound(id)
	}
	s := r.tx.txState
	var labels []string
	if s == nil || !s.NodeIsCreatedInThisTx(id) {
		labels = r.tx.reader.NodeLabels(r.tx.cursorCtx, id)
	}
	if s != nil {
		added, removed := s.NodeLabelChanges(id)
		labels = slices.DeleteFunc(labels, func(l string) bool { return slices.Contains(removed, l) })
		for _, l := range added {
			if !slices.Contains(labels, l) {
				labels = append(labels, l)
			}
		}
	}
	slices.Sort(labels)
	return labels, nil
}

// NodeProperty returns a property of a visible node.
func (r *DataRead) NodeProperty(id uint64, key string) (any, bool, error) {
	if err := r.tx.AssertOpen(); err != nil {
		return nil, false, err
	}
	if !r.tx.nodeVisible(id) {
		return nil, false, nodeNotFound(id)
	}
	if s := r.tx.txState; s != nil {
		v, st := s.NodePropertyChange(id, key)
		switch st {
		case txstate.PropertySet:
			return v, true, nil
		case txstate.PropertyRemoved:
			return nil, false, nil
		}
		if s.NodeIsCreatedInThisTx(id) {
			return nil, false, nil
		}
	}
	v, ok := r.tx.reader.NodeProperty(r.tx.cursorCtx, id, key)
	return v, ok, nil
}

// RelationshipExists reports whether the relationship is visible to the
// transaction.
func (r *DataRead) RelationshipExists(id uint64) (bool, error) {
	if err := r.tx.AssertOpen(); err != nil {
		return false, err
	}
	return r.tx.relationshipVisible(id), nil
}

// IndexByName returns a committed or added index that was not dropped.
func (r *DataRead) IndexByName(name string) (txstate.IndexDescriptor, bool, error) {
	if err := r.tx.AssertOpen(); err != nil {
		return txstate.IndexDescriptor{}, false, err
	}
	if s := r.tx.txState; s != nil {
		for _, idx := range s.AddedIndexes() {
			if idx.Name == name {
				return idx, true, nil
			}
		}
		if s.IndexIsDropped(name) {
			return txstate.IndexDescriptor{}, false, nil
		}
	}
	idx, ok := r.tx.reader.IndexByName(name)
	return idx, ok, nil
}
