// Package txstate holds the in-memory diff buffer of a transaction: every
// graph mutation that has been requested but not yet turned into durable
// storage commands. The buffer is created lazily on the first write, charges
// its estimated footprint to the transaction's memory tracker and is visited
// in a deterministic order when commands are created.
package txstate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sushant-115/gojotx/core/memory"
)

// Estimated heap cost of the buffer entries.
const (
	nodeEntryBytes     = 64
	relEntryBytes      = 96
	labelEntryBytes    = 32
	propertyEntryBytes = 48
	indexEntryBytes    = 128
)

// EnrichmentMode controls change-data capture for committed transactions.
type EnrichmentMode uint8

const (
	EnrichmentOff EnrichmentMode = iota
	EnrichmentDiff
	EnrichmentFull
)

func (m EnrichmentMode) String() string {
	switch m {
	case EnrichmentDiff:
		return "diff"
	case EnrichmentFull:
		return "full"
	default:
		return "off"
	}
}

// ParseEnrichmentMode parses "off", "diff" or "full".
func ParseEnrichmentMode(s string) (EnrichmentMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return EnrichmentOff, nil
	case "diff":
		return EnrichmentDiff, nil
	case "full":
		return EnrichmentFull, nil
	}
	return EnrichmentOff, fmt.Errorf("unknown enrichment mode %q", s)
}

// MarshalText lets the mode be used in yaml configuration.
func (m EnrichmentMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText lets the mode be used in yaml configuration.
func (m *EnrichmentMode) UnmarshalText(text []byte) error {
	parsed, err := ParseEnrichmentMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// IndexDescriptor describes a single-property index on a label.
type IndexDescriptor struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	PropertyKey string `json:"property_key"`
	Unique      bool   `json:"unique,omitempty"`
}

// Relationship is a relationship created in the transaction.
type Relationship struct {
	ID    uint64
	Type  string
	Start uint64
	End   uint64
}

type propertyChanges struct {
	set     map[string]any
	removed map[string]struct{}
}

type nodeChanges struct {
	labelsAdded   map[string]struct{}
	labelsRemoved map[string]struct{}
	props         propertyChanges
}

// PropertyState says how the transaction changed a property.
type PropertyState uint8

const (
	PropertyUnchanged PropertyState = iota
	PropertySet
	PropertyRemoved
)

// TxState is the diff buffer. It is used by the owning transaction only.
type TxState struct {
	tracker    memory.Tracker
	enrichment EnrichmentMode

	createdNodes map[uint64]struct{}
	deletedNodes map[uint64]struct{}
	nodes        map[uint64]*nodeChanges

	createdRels map[uint64]Relationship
	deletedRels map[uint64]struct{}
	relProps    map[uint64]*propertyChanges

	addedIndexes      map[string]IndexDescriptor
	removedIndexes    map[string]IndexDescriptor
	constraintIndexes map[string]IndexDescriptor

	reserved int64
}

// New creates an empty buffer charging its footprint to tracker.
func New(tracker memory.Tracker, enrichment EnrichmentMode) *TxState {
	return &TxState{
		tracker:           tracker,
		enrichment:        enrichment,
		createdNodes:      make(map[uint64]struct{}),
		deletedNodes:      make(map[uint64]struct{}),
		nodes:             make(map[uint64]*nodeChanges),
		createdRels:       make(map[uint64]Relationship),
		deletedRels:       make(map[uint64]struct{}),
		relProps:          make(map[uint64]*propertyChanges),
		addedIndexes:      make(map[string]IndexDescriptor),
		removedIndexes:    make(map[string]IndexDescriptor),
		constraintIndexes: make(map[string]IndexDescriptor),
	}
}

func (s *TxState) charge(bytes int64) error {
	if s.tracker == nil {
		return nil
	}
	if err := s.tracker.AllocateHeap(bytes); err != nil {
		return err
	}
	s.reserved += bytes
	return nil
}

// EnrichmentMode returns the change-capture mode the buffer was created with.
func (s *TxState) EnrichmentMode() EnrichmentMode { return s.enrichment }

// ReservedBytes returns the heap bytes charged to the tracker.
func (s *TxState) ReservedBytes() int64 { return s.reserved }

// Release returns the buffer's footprint to the tracker. The buffer must not
// be used afterwards.
func (s *TxState) Release() {
	if s.tracker != nil && s.reserved > 0 {
		s.tracker.ReleaseHeap(s.reserved)
	}
	s.reserved = 0
}

func (s *TxState) node(id uint64) *nodeChanges {
	n, ok := s.nodes[id]
	if !ok {
		n = &nodeChanges{
			labelsAdded:   make(map[string]struct{}),
			labelsRemoved: make(map[string]struct{}),
			props:         newPropertyChanges(),
		}
		s.nodes[id] = n
	}
	return n
}

func newPropertyChanges() propertyChanges {
	return propertyChanges{set: make(map[string]any), removed: make(map[string]struct{})}
}

// NodeDoCreate records a node created with the given reserved id.
func (s *TxState) NodeDoCreate(id uint64) error {
	if err := s.charge(nodeEntryBytes); err != nil {
		return err
	}
	s.createdNodes[id] = struct{}{}
	return nil
}

// NodeDoDelete records a node deletion. Deleting a node created in this
// transaction cancels its creation.
func (s *TxState) NodeDoDelete(id uint64) error {
	delete(s.nodes, id)
	if _, ok := s.createdNodes[id]; ok {
		delete(s.createdNodes, id)
		return nil
	}
	if err := s.charge(nodeEntryBytes); err != nil {
		return err
	}
	s.deletedNodes[id] = struct{}{}
	return nil
}

// NodeDoAddLabel records a label added to a node.
func (s *TxState) NodeDoAddLabel(id uint64, label string) error {
	if err := s.charge(labelEntryBytes + int64(len(label))); err != nil {
		return err
	}
	n := s.node(id)
	delete(n.labelsRemoved, label)
	n.labelsAdded[label] = struct{}{}
	return nil
}

// NodeDoRemoveLabel records a label removed from a node.
func (s *TxState) NodeDoRemoveLabel(id uint64, label string) error {
	if err := s.charge(labelEntryBytes + int64(len(label))); err != nil {
		return err
	}
	n := s.node(id)
	if _, ok := n.labelsAdded[label]; ok {
		delete(n.labelsAdded, label)
		return nil
	}
	n.labelsRemoved[label] = struct{}{}
	return nil
}

// NodeDoSetProperty records a property value on a node.
func (s *TxState) NodeDoSetProperty(id uint64, key string, value any) error {
	if err := s.charge(propertyEntryBytes + int64(len(key)) + valueSize(value)); err != nil {
		return err
	}
	s.node(id).props.doSet(key, value)
	return nil
}

// NodeDoRemoveProperty records a property removed from a node.
func (s *TxState) NodeDoRemoveProperty(id uint64, key string) error {
	if err := s.charge(propertyEntryBytes + int64(len(key))); err != nil {
		return err
	}
	s.node(id).props.doRemove(key)
	return nil
}

// RelationshipDoCreate records a relationship created with a reserved id.
func (s *TxState) RelationshipDoCreate(id uint64, relType string, start, end uint64) error {
	if err := s.charge(relEntryBytes + int64(len(relType))); err != nil {
		return err
	}
	s.createdRels[id] = Relationship{ID: id, Type: relType, Start: start, End: end}
	return nil
}

// RelationshipDoDelete records a relationship deletion.
func (s *TxState) RelationshipDoDelete(id uint64) error {
	delete(s.relProps, id)
	if _, ok := s.createdRels[id]; ok {
		delete(s.createdRels, id)
		return nil
	}
	if err := s.charge(relEntryBytes); err != nil {
		return err
	}
	s.deletedRels[id] = struct{}{}
	return nil
}

// RelationshipDoSetProperty records a property value on a relationship.
func (s *TxState) RelationshipDoSetProperty(id uint64, key string, value any) error {
	if err := s.charge(propertyEntryBytes + int64(len(key)) + valueSize(value)); err != nil {
		return err
	}
	pc, ok := s.relProps[id]
	if !ok {
		v := newPropertyChanges()
		pc = &v
		s.relProps[id] = pc
	}
	pc.doSet(key, value)
	return nil
}

// RelationshipDoRemoveProperty records a property removed from a relationship.
func (s *TxState) RelationshipDoRemoveProperty(id uint64, key string) error {
	if err := s.charge(propertyEntryBytes + int64(len(key))); err != nil {
		return err
	}
	pc, ok := s.relProps[id]
	if !ok {
		v := newPropertyChanges()
		pc = &v
		s.relProps[id] = pc
	}
	pc.doRemove(key)
	return nil
}

// IndexDoAdd records an index creation.
func (s *TxState) IndexDoAdd(index IndexDescriptor) error {
	if err := s.charge(indexEntryBytes); err != nil {
		return err
	}
	if _, ok := s.removedIndexes[index.Name]; ok {
		delete(s.removedIndexes, index.Name)
		return nil
	}
	s.addedIndexes[index.Name] = index
	return nil
}

// IndexDoDrop records an index drop.
func (s *TxState) IndexDoDrop(index IndexDescriptor) error {
	if err := s.charge(indexEntryBytes); err != nil {
		return err
	}
	if _, ok := s.addedIndexes[index.Name]; ok {
		delete(s.addedIndexes, index.Name)
		delete(s.constraintIndexes, index.Name)
		return nil
	}
	s.removedIndexes[index.Name] = index
	return nil
}

// ConstraintIndexDoAdd records a uniqueness constraint together with its
// backing index. Such indexes are dropped again if the transaction rolls back.
func (s *TxState) ConstraintIndexDoAdd(index IndexDescriptor) error {
	index.Unique = true
	if err := s.IndexDoAdd(index); err != nil {
		return err
	}
	s.constraintIndexes[index.Name] = index
	return nil
}

// ConstraintIndexesCreatedInTx lists constraint indexes created by this transaction.
func (s *TxState) ConstraintIndexesCreatedInTx() []IndexDescriptor {
	return sortedIndexes(s.constraintIndexes)
}

// AddedIndexes lists indexes created by this transaction.
func (s *TxState) AddedIndexes() []IndexDescriptor { return sortedIndexes(s.addedIndexes) }

// IndexIsDropped reports whether the named index is dropped in this transaction.
func (s *TxState) IndexIsDropped(name string) bool {
	_, ok := s.removedIndexes[name]
	return ok
}

// NodeIsCreatedInThisTx reports whether the node was created by this transaction.
func (s *TxState) NodeIsCreatedInThisTx(id uint64) bool {
	_, ok := s.createdNodes[id]
	return ok
}

// NodeIsDeletedInThisTx reports whether the node was deleted by this transaction.
func (s *TxState) NodeIsDeletedInThisTx(id uint64) bool {
	_, ok := s.deletedNodes[id]
	return ok
}

// RelationshipIsCreatedInThisTx reports whether the relationship was created by this transaction.
func (s *TxState) RelationshipIsCreatedInThisTx(id uint64) bool {
	_, ok := s.createdRels[id]
	return ok
}

// RelationshipIsDeletedInThisTx reports whether the relationship was deleted by this transaction.
func (s *TxState) RelationshipIsDeletedInThisTx(id uint64) bool {
	_, ok := s.deletedRels[id]
	return ok
}

// CreatedRelationships lists relationships created in this transaction, ordered by id.
func (s *TxState) CreatedRelationships() []Relationship {
	out := make([]Relationship, 0, len(s.createdRels))
	for _, id := range sortedKeys(s.createdRels) {
		out = append(out, s.createdRels[id])
	}
	return out
}

// NodeLabelChanges returns the labels added and removed on a node, sorted.
func (s *TxState) NodeLabelChanges(id uint64) (added, removed []string) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	return sortedStrings(n.labelsAdded), sortedStrings(n.labelsRemoved)
}

// NodePropertyChange returns how the transaction changed a node property.
func (s *TxState) NodePropertyChange(id uint64, key string) (any, PropertyState) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, PropertyUnchanged
	}
	return n.props.state(key)
}

// HasChanges reports whether the buffer holds anything to commit.
func (s *TxState) HasChanges() bool {
	return s.HasDataChanges() || len(s.addedIndexes) > 0 || len(s.removedIndexes) > 0
}

// HasDataChanges reports whether the buffer holds node or relationship changes.
func (s *TxState) HasDataChanges() bool {
	if len(s.createdNodes) > 0 || len(s.deletedNodes) > 0 ||
		len(s.createdRels) > 0 || len(s.deletedRels) > 0 {
		return true
	}
	for _, n := range s.nodes {
		if len(n.labelsAdded) > 0 || len(n.labelsRemoved) > 0 || !n.props.empty() {
			return true
		}
	}
	for _, pc := range s.relProps {
		if !pc.empty() {
			return true
		}
	}
	return false
}

// Accept walks every change in a deterministic order: created nodes,
// created relationships, label and property changes, deleted relationships,
// deleted nodes, then schema changes. The visitor is not closed.
func (s *TxState) Accept(v Visitor) error {
	for _, id := range sortedKeys(s.createdNodes) {
		if err := v.VisitCreatedNode(id); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(s.createdRels) {
		r := s.createdRels[id]
		if err := v.VisitCreatedRelationship(r.ID, r.Type, r.Start, r.End); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(s.nodes) {
		n := s.nodes[id]
		added, removed := sortedStrings(n.labelsAdded), sortedStrings(n.labelsRemoved)
		if len(added) > 0 || len(removed) > 0 {
			if err := v.VisitNodeLabelChanges(id, added, removed); err != nil {
				return err
			}
		}
		if !n.props.empty() {
			if err := v.VisitNodePropertyChanges(id, copyProps(n.props.set), sortedStrings(n.props.removed)); err != nil {
				return err
			}
		}
	}
	for _, id := range sortedKeys(s.relProps) {
		pc := s.relProps[id]
		if pc.empty() {
			continue
		}
		if err := v.VisitRelationshipPropertyChanges(id, copyProps(pc.set), sortedStrings(pc.removed)); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(s.deletedRels) {
		if err := v.VisitDeletedRelationship(id); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(s.deletedNodes) {
		if err := v.VisitDeletedNode(id); err != nil {
			return err
		}
	}
	for _, idx := range sortedIndexes(s.removedIndexes) {
		if err := v.VisitRemovedIndex(idx); err != nil {
			return err
		}
	}
	for _, idx := range sortedIndexes(s.addedIndexes) {
		if err := v.VisitAddedIndex(idx); err != nil {
			return err
		}
	}
	return nil
}

func (p *propertyChanges) doSet(key string, value any) {
	delete(p.removed, key)
	p.set[key] = value
}

func (p *propertyChanges) doRemove(key string) {
	delete(p.set, key)
	p.removed[key] = struct{}{}
}

func (p *propertyChanges) state(key string) (any, PropertyState) {
	if v, ok := p.set[key]; ok {
		return v, PropertySet
	}
	if _, ok := p.removed[key]; ok {
		return nil, PropertyRemoved
	}
	return nil, PropertyUnchanged
}

func (p *propertyChanges) empty() bool {
	return len(p.set) == 0 && len(p.removed) == 0
}

func valueSize(v any) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val)) + 16
	case []byte:
		return int64(len(val)) + 24
	case []string:
		n := int64(24)
		for _, s := range val {
			n += int64(len(s)) + 16
		}
		return n
	case nil:
		return 0
	default:
		return 16
	}
}

func copyProps(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedStrings(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedIndexes(m map[string]IndexDescriptor) []IndexDescriptor {
	out := make([]IndexDescriptor, 0, len(m))
	for _, idx := range m {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
