// Package memory tracks heap and native byte usage of transactions against
// configurable limits. A GlobalPool bounds the whole process; every pooled
// transaction owns a TransactionPool that draws from it and is reset between
// logical transactions.
package memory

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Unlimited disables a limit.
const Unlimited int64 = 0

var (
	ErrLimitExceeded = errors.New("memory limit exceeded")
	ErrPoolClosed    = errors.New("memory pool is closed")
)

// LimitExceededError reports which pool refused an allocation.
type LimitExceededError struct {
	Pool      string
	Requested int64
	Used      int64
	Limit     int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s memory limit exceeded: requested %d bytes, %d of %d already in use",
		e.Pool, e.Requested, e.Used, e.Limit)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// Tracker is the allocation accounting view handed to components that
// allocate on behalf of a transaction.
type Tracker interface {
	AllocateHeap(bytes int64) error
	ReleaseHeap(bytes int64)
	AllocateNative(bytes int64) error
	ReleaseNative(bytes int64)
	UsedHeap() int64
	UsedNative() int64
}

// GlobalPool accounts for the memory of all transactions in the process.
type GlobalPool struct {
	limit  int64
	heap   atomic.Int64
	native atomic.Int64
}

// NewGlobalPool creates a process-wide pool. A limit of Unlimited disables it.
func NewGlobalPool(limit int64) *GlobalPool {
	return &GlobalPool{limit: limit}
}

func (g *GlobalPool) reserve(counter *atomic.Int64, bytes int64) error {
	used := counter.Add(bytes)
	if g.limit != Unlimited && g.heap.Load()+g.native.Load() > g.limit {
		counter.Add(-bytes)
		return &LimitExceededError{Pool: "global", Requested: bytes, Used: used - bytes, Limit: g.limit}
	}
	return nil
}

// UsedHeap returns heap bytes reserved by all transactions.
func (g *GlobalPool) UsedHeap() int64 { return g.heap.Load() }

// UsedNative returns native bytes reserved by all transactions.
func (g *GlobalPool) UsedNative() int64 { return g.native.Load() }

// TransactionPool is the per-transaction memory pool. It is owned by a single
// transaction at a time; usage may be read concurrently by monitoring.
type TransactionPool struct {
	parent *GlobalPool
	limit  atomic.Int64
	heap   atomic.Int64
	native atomic.Int64
	closed atomic.Bool
}

var _ Tracker = (*TransactionPool)(nil)

// NewTransactionPool creates a pool drawing from parent. parent may be nil.
func NewTransactionPool(parent *GlobalPool) *TransactionPool {
	return &TransactionPool{parent: parent}
}

// SetLimit changes the per-transaction limit. Unlimited disables it.
func (p *TransactionPool) SetLimit(limit int64) {
	p.limit.Store(limit)
}

// Limit returns the current per-transaction limit.
func (p *TransactionPool) Limit() int64 {
	return p.limit.Load()
}

func (p *TransactionPool) allocate(counter *atomic.Int64, global func(int64) error, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if p.closed.Load() {
		return ErrPoolClosed
	}
	used := counter.Add(bytes)
	if limit := p.limit.Load(); limit != Unlimited && p.heap.Load()+p.native.Load() > limit {
		counter.Add(-bytes)
		return &LimitExceededError{Pool: "transaction", Requested: bytes, Used: used - bytes, Limit: limit}
	}
	if p.parent != nil {
		if err := global(bytes); err != nil {
			counter.Add(-bytes)
			return err
		}
	}
	return nil
}

// AllocateHeap reserves heap bytes.
func (p *TransactionPool) AllocateHeap(bytes int64) error {
	return p.allocate(&p.heap, p.reserveGlobalHeap, bytes)
}

// AllocateNative reserves native bytes.
func (p *TransactionPool) AllocateNative(bytes int64) error {
	return p.allocate(&p.native, p.reserveGlobalNative, bytes)
}

func (p *TransactionPool) reserveGlobalHeap(bytes int64) error {
	return p.parent.reserve(&p.parent.heap, bytes)
}

func (p *TransactionPool) reserveGlobalNative(bytes int64) error {
	return p.parent.reserve(&p.parent.native, bytes)
}

// ReleaseHeap returns heap bytes.
func (p *TransactionPool) ReleaseHeap(bytes int64) {
	p.release(&p.heap, bytes, true)
}

// ReleaseNative returns native bytes.
func (p *TransactionPool) ReleaseNative(bytes int64) {
	p.release(&p.native, bytes, false)
}

func (p *TransactionPool) release(counter *atomic.Int64, bytes int64, heap bool) {
	if bytes <= 0 {
		return
	}
	// Never release more than was reserved; a double release would otherwise
	// drive the global pool negative.
	for {
		cur := counter.Load()
		n := bytes
		if n > cur {
			n = cur
		}
		if counter.CompareAndSwap(cur, cur-n) {
			if p.parent != nil && n > 0 {
				if heap {
					p.parent.heap.Add(-n)
				} else {
					p.parent.native.Add(-n)
				}
			}
			return
		}
	}
}

// UsedHeap returns the heap bytes currently reserved.
func (p *TransactionPool) UsedHeap() int64 { return p.heap.Load() }

// UsedNative returns the native bytes currently reserved.
func (p *TransactionPool) UsedNative() int64 { return p.native.Load() }

// Reset returns all reserved memory to the parent so the pool can serve the
// next logical transaction.
func (p *TransactionPool) Reset() {
	p.release(&p.heap, p.heap.Load(), true)
	p.release(&p.native, p.native.Load(), false)
}

// Close resets the pool and refuses any further allocation.
func (p *TransactionPool) Close() {
	p.Reset()
	p.closed.Store(true)
}
