package transaction

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojotx/core/txstate"
)

// Config holds the transaction settings.
type Config struct {
	// MemoryTransactionMaxSize limits the tracked heap and native bytes of
	// one transaction. Zero disables the limit.
	MemoryTransactionMaxSize int64 `yaml:"memory_transaction_max_size"`
	// DefaultTimeout applies to transactions begun without a timeout.
	// Zero means no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// LockAcquisitionTimeout bounds every lock wait. There is no deadlock
	// detection, so this is what breaks a cycle of waiting transactions.
	// Zero waits forever.
	LockAcquisitionTimeout time.Duration `yaml:"lock_acquisition_timeout"`
	PoolSize               int           `yaml:"pool_size"`
	TimeoutSweepInterval   time.Duration `yaml:"timeout_sweep_interval"`
	// MultiVersioned selects the chunked committer.
	MultiVersioned bool `yaml:"multi_versioned"`
	// ChunkSize is the number of commands per chunk.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkWriteRate limits chunk appends in bytes per second. Zero disables it.
	ChunkWriteRate int64                  `yaml:"chunk_write_rate"`
	Enrichment     txstate.EnrichmentMode `yaml:"enrichment"`
	ReadOnly       bool                   `yaml:"read_only"`
	// MaxCommandBytes rejects transactions whose commands are larger.
	// Zero disables the check.
	MaxCommandBytes int64 `yaml:"max_command_bytes"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		MemoryTransactionMaxSize: 0,
		DefaultTimeout:           0,
		LockAcquisitionTimeout:   30 * time.Second,
		PoolSize:                 64,
		TimeoutSweepInterval:     2 * time.Second,
		ChunkSize:                1000,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.MemoryTransactionMaxSize < 0 {
		return fmt.Errorf("memory_transaction_max_size must not be negative")
	}
	if c.MultiVersioned && c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive when multi_versioned is set, got %d", c.ChunkSize)
	}
	if c.DefaultTimeout < 0 || c.LockAcquisitionTimeout < 0 || c.TimeoutSweepInterval < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Type distinguishes explicitly begun transactions from auto-commit ones.
type Type uint8

const (
	TypeExplicit Type = iota + 1
	TypeImplicit
)

func (t Type) String() string {
	switch t {
	case TypeExplicit:
		return "EXPLICIT"
	case TypeImplicit:
		return "IMPLICIT"
	}
	return "NONE"
}

// SecurityContext identifies who runs the transaction.
type SecurityContext struct {
	Subject  string
	ReadOnly bool
}

// AnonymousSubject is reported for transactions without a subject.
const AnonymousSubject = "<anonymous>"

// ClientInfo describes the connection that started the transaction.
type ClientInfo struct {
	Protocol      string `json:"protocol,omitempty"`
	ClientAddress string `json:"client_address,omitempty"`
	ConnectionID  string `json:"connection_id,omitempty"`
}
