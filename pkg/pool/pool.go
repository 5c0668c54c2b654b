// Package pool provides a bounded, thread-safe pool of reusable objects.
// Objects are handed out with Acquire and come back either through Release,
// which makes them available to the next caller, or through Dispose, which
// discards them permanently so that a broken object is never handed out again.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolClosed  = errors.New("pool is closed")
	ErrNotInUse    = errors.New("object is not checked out of this pool")
	ErrInvalidSize = errors.New("pool size must be positive")
)

// Factory creates a new pooled object. It is called outside the pool lock.
type Factory[T any] func() (T, error)

// Disposer performs the final teardown of an object that leaves the pool for good.
type Disposer[T any] func(T)

// Stats is a point-in-time view of the pool occupancy.
type Stats struct {
	InUse    int
	Free     int
	Max      int
	Created  int
	Disposed int
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotFree
	slotInUse
)

// ResourcePool keeps at most maxSize objects in a fixed slot array. Idle
// objects are tracked on a free-list; slots without an object are tracked on
// an empty-list and refilled through the factory on demand.
type ResourcePool[T comparable] struct {
	mu       sync.Mutex
	slots    []T
	states   []slotState
	index    map[T]int // object -> slot
	free     []int     // slots holding an idle object
	empty    []int     // slots without an object
	tokens   chan struct{}
	factory  Factory[T]
	disposer Disposer[T]
	closed   bool
	created  int
	disposed int
}

// New creates a pool holding at most maxSize objects. disposer may be nil.
func New[T comparable](maxSize int, factory Factory[T], disposer Disposer[T]) (*ResourcePool[T], error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}
	if factory == nil {
		return nil, fmt.Errorf("pool factory must be provided")
	}
	if disposer == nil {
		disposer = func(T) {}
	}
	p := &ResourcePool[T]{
		slots:    make([]T, maxSize),
		states:   make([]slotState, maxSize),
		index:    make(map[T]int, maxSize),
		free:     make([]int, 0, maxSize),
		empty:    make([]int, 0, maxSize),
		tokens:   make(chan struct{}, maxSize),
		factory:  factory,
		disposer: disposer,
	}
	for i := maxSize - 1; i >= 0; i-- {
		p.empty = append(p.empty, i)
		p.tokens <- struct{}{}
	}
	return p, nil
}

// Acquire hands out an idle object, creating one if the pool has room.
// When every slot is checked out it blocks until an object is released or
// disposed, or until ctx is done.
func (p *ResourcePool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-p.tokens:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.tokens <- struct{}{}
		return zero, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		p.states[idx] = slotInUse
		item := p.slots[idx]
		p.mu.Unlock()
		return item, nil
	}

	// Holding a token guarantees at least one empty slot.
	n := len(p.empty)
	idx := p.empty[n-1]
	p.empty = p.empty[:n-1]
	p.states[idx] = slotInUse
	p.mu.Unlock()

	item, err := p.factory()

	p.mu.Lock()
	if err != nil {
		p.states[idx] = slotEmpty
		p.empty = append(p.empty, idx)
		p.mu.Unlock()
		p.tokens <- struct{}{}
		return zero, fmt.Errorf("pool factory failed: %w", err)
	}
	p.slots[idx] = item
	p.index[item] = idx
	p.created++
	p.mu.Unlock()
	return item, nil
}

// Release returns a checked-out object so it can be handed out again.
// Releasing into a closed pool disposes the object instead.
func (p *ResourcePool[T]) Release(item T) error {
	p.mu.Lock()
	idx, ok := p.index[item]
	if !ok || p.states[idx] != slotInUse {
		p.mu.Unlock()
		return ErrNotInUse
	}
	if p.closed {
		p.clearSlotLocked(item, idx)
		p.mu.Unlock()
		p.disposer(item)
		p.tokens <- struct{}{}
		return nil
	}
	p.states[idx] = slotFree
	p.free = append(p.free, idx)
	p.mu.Unlock()
	p.tokens <- struct{}{}
	return nil
}

// Dispose permanently discards a checked-out object. Its slot becomes empty
// and is refilled through the factory by a later Acquire.
func (p *ResourcePool[T]) Dispose(item T) error {
	p.mu.Lock()
	idx, ok := p.index[item]
	if !ok || p.states[idx] != slotInUse {
		p.mu.Unlock()
		return ErrNotInUse
	}
	p.clearSlotLocked(item, idx)
	p.mu.Unlock()
	p.disposer(item)
	p.tokens <- struct{}{}
	return nil
}

// clearSlotLocked forgets the object held in slot idx.
// This method MUST be called with p.mu locked.
func (p *ResourcePool[T]) clearSlotLocked(item T, idx int) {
	var zero T
	delete(p.index, item)
	p.slots[idx] = zero
	p.states[idx] = slotEmpty
	p.empty = append(p.empty, idx)
	p.disposed++
}

// Stats reports the current pool occupancy.
func (p *ResourcePool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, s := range p.states {
		if s == slotInUse {
			inUse++
		}
	}
	return Stats{
		InUse:    inUse,
		Free:     len(p.free),
		Max:      len(p.slots),
		Created:  p.created,
		Disposed: p.disposed,
	}
}

// Close disposes every idle object and marks the pool closed. Objects still
// checked out are disposed when they are released.
func (p *ResourcePool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := make([]T, 0, len(p.free))
	for _, idx := range p.free {
		item := p.slots[idx]
		idle = append(idle, item)
		p.clearSlotLocked(item, idx)
	}
	p.free = p.free[:0]
	p.mu.Unlock()

	for _, item := range idle {
		p.disposer(item)
	}
}
