// Package storageengine defines the contracts between the transaction core
// and a storage engine: readers, command creation, commands and command
// batches, cursor tracing, transaction validators and the engine factory
// registry. Implementations live in sub-packages.
package storageengine

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/memory"
	"github.com/sushant-115/gojotx/core/txstate"
)

var (
	ErrUnsupportedValueType = errors.New("value type not supported for property storage")
	ErrUnknownCommand       = errors.New("unknown storage command type")
	ErrEngineClosed         = errors.New("storage engine is closed")
)

// StorageReader reads committed state.
type StorageReader interface {
	NodeExists(ctx *CursorContext, id uint64) bool
	NodeLabels(ctx *CursorContext, id uint64) []string
	NodeProperty(ctx *CursorContext, id uint64, key string) (any, bool)
	// NodeRelationships lists the committed relationships attached to a node.
	NodeRelationships(ctx *CursorContext, id uint64) []uint64
	RelationshipExists(ctx *CursorContext, id uint64) bool
	IndexByName(name string) (txstate.IndexDescriptor, bool)
	IndexesForLabel(label string) []txstate.IndexDescriptor
	// FindNodes returns committed nodes with the label and property value.
	FindNodes(ctx *CursorContext, label, key string, value any) []uint64
	Close() error
}

// CommandCreationContext allocates entity ids for one transaction.
type CommandCreationContext interface {
	Initialize(ctx *CursorContext, cursors StoreCursors)
	ReserveNode() uint64
	ReserveRelationship() uint64
	Close() error
}

// StoreCursors are the pooled cursors of a transaction.
type StoreCursors interface {
	Reset(ctx *CursorContext)
	Close() error
}

// CommandDecorator wraps the command-creating visitor and post-processes
// the created commands.
type CommandDecorator interface {
	Decorate(v txstate.Visitor) txstate.Visitor
	Transform(commands []Command) ([]Command, error)
}

// StorageEngine is the engine view used by transactions.
type StorageEngine interface {
	NewReader() StorageReader
	NewCommandCreationContext() CommandCreationContext
	NewStoreCursors() StoreCursors
	// CreateCommands visits state through decorator.Decorate and returns the
	// created commands. Transform is left to the caller.
	CreateCommands(state *txstate.TxState, reader StorageReader, ctx CommandCreationContext,
		decorator CommandDecorator, cursorCtx *CursorContext, tracker memory.Tracker) ([]Command, error)
	Rollback(state *txstate.TxState, cursorCtx *CursorContext) error
	LastCommittedTransactionID() uint64
	DatabaseID() uuid.UUID
}

// CommandApplier applies committed command batches.
type CommandApplier interface {
	Apply(txID uint64, commands []Command) error
}

// Instance is a running engine: transaction view, applier and lifecycle.
type Instance interface {
	StorageEngine
	CommandApplier
	Close() error
}

// Factory creates engine instances. Factories register themselves by name.
type Factory interface {
	Name() string
	Create(logger *zap.Logger) (Instance, error)
}
