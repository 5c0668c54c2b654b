// Package locking provides the lock client contract used by transactions and
// an in-process lock manager implementing it. A lock client is owned by one
// pooled transaction; it is initialized for every logical transaction, can be
// stopped from any goroutine to make pending and future acquisitions fail
// fast, and releases everything it holds on Close.
package locking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/memory"
)

// heldLockBytes is the estimated heap cost of one held lock.
const heldLockBytes = 64

var (
	ErrClientStopped      = errors.New("lock client has been stopped")
	ErrClientClosed       = errors.New("lock client is closed")
	ErrAcquisitionTimeout = errors.New("lock acquisition timed out")
)

// ResourceType identifies the kind of resource a lock protects.
type ResourceType uint8

const (
	ResourceNode ResourceType = iota + 1
	ResourceRelationship
	ResourceLabel
	ResourceSchema
)

func (r ResourceType) String() string {
	switch r {
	case ResourceNode:
		return "NODE"
	case ResourceRelationship:
		return "RELATIONSHIP"
	case ResourceLabel:
		return "LABEL"
	case ResourceSchema:
		return "SCHEMA"
	default:
		return fmt.Sprintf("RESOURCE(%d)", uint8(r))
	}
}

// Mode is the lock mode.
type Mode uint8

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// ActiveLock describes a lock held by a client.
type ActiveLock struct {
	Resource            ResourceType
	ID                  uint64
	Mode                Mode
	TransactionSequence uint64
}

// Config holds lock client settings.
type Config struct {
	// AcquisitionTimeout bounds a single lock wait. Zero waits forever.
	AcquisitionTimeout time.Duration `yaml:"lock_acquisition_timeout"`
}

// Client is the per-transaction lock client.
type Client interface {
	Initialize(lease LeaseClient, sequenceNumber uint64, tracker memory.Tracker, cfg Config)
	AcquireShared(ctx context.Context, resource ResourceType, ids ...uint64) error
	AcquireExclusive(ctx context.Context, resource ResourceType, ids ...uint64) error
	// PrepareForCommit marks the client as committing; Stop no longer
	// interrupts it afterwards.
	PrepareForCommit()
	// Stop may be called from any goroutine.
	Stop()
	Close() error
	// ActiveLocks may be called from any goroutine.
	ActiveLocks() []ActiveLock
}

// Manager creates lock clients.
type Manager interface {
	NewClient() Client
}

type lockKey struct {
	resource ResourceType
	id       uint64
}

type lockEntry struct {
	exclusive      *client
	exclusiveCount int
	shared         map[*client]int
	changed        chan struct{}
}

func (e *lockEntry) grantable(c *client, mode Mode) bool {
	if e.exclusive != nil && e.exclusive != c {
		return false
	}
	if mode == Shared {
		return true
	}
	if len(e.shared) == 0 {
		return true
	}
	_, own := e.shared[c]
	return len(e.shared) == 1 && own
}

func (e *lockEntry) empty() bool {
	return e.exclusive == nil && len(e.shared) == 0
}

// LockManager is an in-process lock manager with shared and exclusive locks
// and blocking waits.
type LockManager struct {
	mu     sync.Mutex
	locks  map[lockKey]*lockEntry
	logger *zap.Logger
}

var _ Manager = (*LockManager)(nil)

// NewLockManager creates an empty lock manager.
func NewLockManager(logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		locks:  make(map[lockKey]*lockEntry),
		logger: logger.Named("locks"),
	}
}

// NewClient creates a lock client. It must be initialized before use.
func (m *LockManager) NewClient() Client {
	return &client{manager: m, closed: true}
}

// entryLocked returns the entry for k, creating it if needed.
// This method MUST be called with m.mu locked.
func (m *LockManager) entryLocked(k lockKey) *lockEntry {
	e, ok := m.locks[k]
	if !ok {
		e = &lockEntry{shared: make(map[*client]int), changed: make(chan struct{})}
		m.locks[k] = e
	}
	return e
}

// releaseLocked drops every hold c has on k and wakes waiters.
// This method MUST be called with m.mu locked.
func (m *LockManager) releaseLocked(c *client, k lockKey) {
	e, ok := m.locks[k]
	if !ok {
		return
	}
	if e.exclusive == c {
		e.exclusive = nil
		e.exclusiveCount = 0
	}
	delete(e.shared, c)
	close(e.changed)
	e.changed = make(chan struct{})
	if e.empty() {
		delete(m.locks, k)
	}
}

type client struct {
	manager *LockManager

	mu       sync.Mutex
	stopCh   chan struct{}
	stopped  bool
	prepared bool
	closed   bool
	seq      uint64
	lease    LeaseClient
	tracker  memory.Tracker
	cfg      Config
	held     map[lockKey]Mode
}

func (c *client) Initialize(lease LeaseClient, sequenceNumber uint64, tracker memory.Tracker, cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCh = make(chan struct{})
	c.stopped = false
	c.prepared = false
	c.closed = false
	c.seq = sequenceNumber
	c.lease = lease
	c.tracker = tracker
	c.cfg = cfg
	c.held = make(map[lockKey]Mode)
}

func (c *client) AcquireShared(ctx context.Context, resource ResourceType, ids ...uint64) error {
	return c.acquire(ctx, Shared, resource, ids)
}

func (c *client) AcquireExclusive(ctx context.Context, resource ResourceType, ids ...uint64) error {
	return c.acquire(ctx, Exclusive, resource, ids)
}

func (c *client) usable() (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.stopped {
		return nil, ErrClientStopped
	}
	if c.lease != nil {
		if err := c.lease.EnsureValid(); err != nil {
			return nil, err
		}
	}
	return c.stopCh, nil
}

func (c *client) acquire(ctx context.Context, mode Mode, resource ResourceType, ids []uint64) error {
	stopCh, err := c.usable()
	if err != nil {
		return err
	}
	var timeout <-chan time.Time
	if c.cfg.AcquisitionTimeout > 0 {
		timer := time.NewTimer(c.cfg.AcquisitionTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for _, id := range ids {
		if err := c.acquireOne(ctx, lockKey{resource: resource, id: id}, mode, stopCh, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) acquireOne(ctx context.Context, k lockKey, mode Mode, stopCh <-chan struct{}, timeout <-chan time.Time) error {
	m := c.manager
	waitStart := time.Time{}
	for {
		m.mu.Lock()
		e := m.entryLocked(k)
		if e.grantable(c, mode) {
			if mode == Exclusive {
				e.exclusive = c
				e.exclusiveCount++
			} else {
				e.shared[c]++
			}
			m.mu.Unlock()
			return c.recordHeld(k, mode)
		}
		wait := e.changed
		m.mu.Unlock()

		if waitStart.IsZero() {
			waitStart = time.Now()
			m.logger.Debug("waiting for lock",
				zap.Stringer("resource", k.resource), zap.Uint64("id", k.id), zap.Stringer("mode", mode))
		}
		select {
		case <-wait:
		case <-stopCh:
			return fmt.Errorf("%w while waiting for %s lock on %s(%d)", ErrClientStopped, mode, k.resource, k.id)
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("%w after %s on %s(%d)", ErrAcquisitionTimeout, time.Since(waitStart), k.resource, k.id)
		}
	}
}

func (c *client) recordHeld(k lockKey, mode Mode) error {
	c.mu.Lock()
	if prev, ok := c.held[k]; ok {
		if mode > prev {
			c.held[k] = mode
		}
		c.mu.Unlock()
		return nil
	}
	tracker := c.tracker
	c.mu.Unlock()

	if tracker != nil {
		if err := tracker.AllocateHeap(heldLockBytes); err != nil {
			c.manager.mu.Lock()
			c.manager.releaseLocked(c, k)
			c.manager.mu.Unlock()
			return err
		}
	}
	c.mu.Lock()
	c.held[k] = mode
	c.mu.Unlock()
	return nil
}

func (c *client) PrepareForCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared = true
}

func (c *client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.closed || c.prepared {
		return
	}
	c.stopped = true
	close(c.stopCh)
}

// Close releases every held lock. The client can be initialized again.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	held := c.held
	c.held = nil
	c.closed = true
	tracker := c.tracker
	c.tracker = nil
	c.lease = nil
	c.mu.Unlock()

	m := c.manager
	m.mu.Lock()
	for k := range held {
		m.releaseLocked(c, k)
	}
	m.mu.Unlock()

	if tracker != nil {
		tracker.ReleaseHeap(int64(len(held)) * heldLockBytes)
	}
	return nil
}

func (c *client) ActiveLocks() []ActiveLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ActiveLock, 0, len(c.held))
	for k, mode := range c.held {
		out = append(out, ActiveLock{Resource: k.resource, ID: k.id, Mode: mode, TransactionSequence: c.seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].ID < out[j].ID
	})
	return out
}
