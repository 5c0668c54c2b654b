// Package memengine is an in-memory graph storage engine. Committed state is
// rebuilt from the transaction log on startup, so the engine itself keeps
// nothing on disk.
package memengine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/memory"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
)

// Name is the registry name of the engine.
const Name = "memory"

func init() {
	storageengine.Register(factory{})
}

type factory struct{}

func (factory) Name() string { return Name }

func (factory) Create(logger *zap.Logger) (storageengine.Instance, error) {
	return New(logger), nil
}

type node struct {
	labels map[string]struct{}
	props  map[string]any
	rels   map[uint64]struct{}
}

type relationship struct {
	relType string
	start   uint64
	end     uint64
	props   map[string]any
}

// Engine holds the committed graph.
type Engine struct {
	logger *zap.Logger
	dbID   uuid.UUID

	mu      sync.RWMutex
	nodes   map[uint64]*node
	rels    map[uint64]*relationship
	indexes map[string]txstate.IndexDescriptor
	closed  bool

	nextNodeID    atomic.Uint64
	nextRelID     atomic.Uint64
	lastCommitted atomic.Uint64
}

var _ storageengine.Instance = (*Engine)(nil)

// New creates an empty engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:  logger.Named("memengine"),
		dbID:    uuid.New(),
		nodes:   make(map[uint64]*node),
		rels:    make(map[uint64]*relationship),
		indexes: make(map[string]txstate.IndexDescriptor),
	}
}

func (e *Engine) DatabaseID() uuid.UUID { return e.dbID }

func (e *Engine) LastCommittedTransactionID() uint64 { return e.lastCommitted.Load() }

func (e *Engine) NewReader() storageengine.StorageReader { return &reader{engine: e} }

func (e *Engine) NewStoreCursors() storageengine.StoreCursors { return &storeCursors{} }

func (e *Engine) NewCommandCreationContext() storageengine.CommandCreationContext {
	return &creationContext{engine: e}
}

// CreateCommands turns the transaction state into commands. The decorator
// sees every change before the command creator does.
func (e *Engine) CreateCommands(state *txstate.TxState, r storageengine.StorageReader,
	ctx storageengine.CommandCreationContext, decorator storageengine.CommandDecorator,
	cursorCtx *storageengine.CursorContext, tracker memory.Tracker) ([]storageengine.Command, error) {
	creator := &commandCreator{tracker: tracker}
	var v txstate.Visitor = creator
	if decorator != nil {
		v = decorator.Decorate(creator)
	}
	if err := state.Accept(v); err != nil {
		creator.release()
		return nil, err
	}
	if err := v.Close(); err != nil {
		creator.release()
		return nil, err
	}
	return creator.commands, nil
}

// Rollback discards state that never reached the engine. Nothing is applied
// before commit, so only the reserved ids are lost.
func (e *Engine) Rollback(state *txstate.TxState, cursorCtx *storageengine.CursorContext) error {
	if state != nil {
		e.logger.Debug("Rolled back transaction state", zap.Int64("reserved_bytes", state.ReservedBytes()))
	}
	return nil
}

// Apply applies committed commands. Either every command is applied or
// none is. It is also used for log replay, so commands touching missing
// entities are tolerated.
func (e *Engine) Apply(txID uint64, commands []storageengine.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return storageengine.ErrEngineClosed
	}
	// Everything that can fail is checked before the graph is touched.
	for i, c := range commands {
		if err := checkCommand(c); err != nil {
			return fmt.Errorf("apply command %d (%s) of transaction %d: %w", i, c.Type, txID, err)
		}
	}
	for i, c := range commands {
		if err := e.applyLocked(c); err != nil {
			return fmt.Errorf("apply command %d (%s) of transaction %d: %w", i, c.Type, txID, err)
		}
	}
	for {
		cur := e.lastCommitted.Load()
		if txID <= cur || e.lastCommitted.CompareAndSwap(cur, txID) {
			break
		}
	}
	return nil
}

func checkCommand(c storageengine.Command) error {
	switch c.Type {
	case storageengine.CmdNodeSetProperty, storageengine.CmdRelationshipSetProperty:
		_, err := storageengine.DecodeValue(c.Value)
		return err
	case storageengine.CmdIndexCreate, storageengine.CmdIndexDrop:
		if c.Index == nil {
			return fmt.Errorf("index command without descriptor")
		}
	case storageengine.CmdNodeCreate, storageengine.CmdNodeDelete,
		storageengine.CmdNodeAddLabel, storageengine.CmdNodeRemoveLabel,
		storageengine.CmdNodeRemoveProperty, storageengine.CmdRelationshipCreate,
		storageengine.CmdRelationshipDelete, storageengine.CmdRelationshipRemoveProperty,
		storageengine.CmdEnrichment:
	default:
		return storageengine.ErrUnknownCommand
	}
	return nil
}

func (e *Engine) applyLocked(c storageengine.Command) error {
	switch c.Type {
	case storageengine.CmdNodeCreate:
		e.nodes[c.EntityID] = &node{
			labels: make(map[string]struct{}),
			props:  make(map[string]any),
			rels:   make(map[uint64]struct{}),
		}
		bumpAtLeast(&e.nextNodeID, c.EntityID)
	case storageengine.CmdNodeDelete:
		delete(e.nodes, c.EntityID)
	case storageengine.CmdNodeAddLabel:
		if n, ok := e.nodes[c.EntityID]; ok {
			n.labels[c.Key] = struct{}{}
		}
	case storageengine.CmdNodeRemoveLabel:
		if n, ok := e.nodes[c.EntityID]; ok {
			delete(n.labels, c.Key)
		}
	case storageengine.CmdNodeSetProperty:
		v, err := storageengine.DecodeValue(c.Value)
		if err != nil {
			return err
		}
		if n, ok := e.nodes[c.EntityID]; ok {
			n.props[c.Key] = v
		}
	case storageengine.CmdNodeRemoveProperty:
		if n, ok := e.nodes[c.EntityID]; ok {
			delete(n.props, c.Key)
		}
	case storageengine.CmdRelationshipCreate:
		e.rels[c.EntityID] = &relationship{relType: c.RelType, start: c.Start, end: c.End, props: make(map[string]any)}
		if n, ok := e.nodes[c.Start]; ok {
			n.rels[c.EntityID] = struct{}{}
		}
		if n, ok := e.nodes[c.End]; ok {
			n.rels[c.EntityID] = struct{}{}
		}
		bumpAtLeast(&e.nextRelID, c.EntityID)
	case storageengine.CmdRelationshipDelete:
		if r, ok := e.rels[c.EntityID]; ok {
			if n, ok := e.nodes[r.start]; ok {
				delete(n.rels, c.EntityID)
			}
			if n, ok := e.nodes[r.end]; ok {
				delete(n.rels, c.EntityID)
			}
			delete(e.rels, c.EntityID)
		}
	case storageengine.CmdRelationshipSetProperty:
		v, err := storageengine.DecodeValue(c.Value)
		if err != nil {
			return err
		}
		if r, ok := e.rels[c.EntityID]; ok {
			r.props[c.Key] = v
		}
	case storageengine.CmdRelationshipRemoveProperty:
		if r, ok := e.rels[c.EntityID]; ok {
			delete(r.props, c.Key)
		}
	case storageengine.CmdIndexCreate:
		if c.Index == nil {
			return fmt.Errorf("index command without descriptor")
		}
		e.indexes[c.Index.Name] = *c.Index
	case storageengine.CmdIndexDrop:
		if c.Index == nil {
			return fmt.Errorf("index command without descriptor")
		}
		delete(e.indexes, c.Index.Name)
	case storageengine.CmdEnrichment:
		// Change-data capture is consumed from the log, not from the engine.
	default:
		return storageengine.ErrUnknownCommand
	}
	return nil
}

// Close releases the engine. Later applies fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.logger.Info("Storage engine closed",
		zap.Int("nodes", len(e.nodes)),
		zap.Int("relationships", len(e.rels)),
		zap.Uint64("last_committed_tx", e.lastCommitted.Load()))
	return nil
}

// Counts returns the number of committed nodes and relationships.
func (e *Engine) Counts() (nodes, relationships int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.nodes), len(e.rels)
}

// bumpAtLeast makes sure counter is not below id, so reserved ids never
// collide with replayed ones.
func bumpAtLeast(counter *atomic.Uint64, id uint64) {
	for {
		cur := counter.Load()
		if cur >= id || counter.CompareAndSwap(cur, id) {
			return
		}
	}
}

type creationContext struct {
	engine   *Engine
	cursors  storageengine.StoreCursors
	reserved int
}

func (c *creationContext) Initialize(ctx *storageengine.CursorContext, cursors storageengine.StoreCursors) {
	c.cursors = cursors
	c.reserved = 0
}

func (c *creationContext) ReserveNode() uint64 {
	c.reserved++
	return c.engine.nextNodeID.Add(1)
}

func (c *creationContext) ReserveRelationship() uint64 {
	c.reserved++
	return c.engine.nextRelID.Add(1)
}

func (c *creationContext) Close() error {
	c.cursors = nil
	return nil
}

type storeCursors struct {
	ctx *storageengine.CursorContext
}

func (s *storeCursors) Reset(ctx *storageengine.CursorContext) { s.ctx = ctx }

func (s *storeCursors) Close() error {
	s.ctx = nil
	return nil
}
