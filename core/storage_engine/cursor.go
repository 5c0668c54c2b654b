package storageengine

import "sync/atomic"

// CursorTracer counts store accesses of one transaction. It may be read by
// monitoring goroutines while the transaction runs.
type CursorTracer struct {
	hits   atomic.Int64
	faults atomic.Int64
}

// Hit records an access served from memory.
func (t *CursorTracer) Hit() { t.hits.Add(1) }

// Fault records an access that found nothing cached.
func (t *CursorTracer) Fault() { t.faults.Add(1) }

func (t *CursorTracer) Hits() int64   { return t.hits.Load() }
func (t *CursorTracer) Faults() int64 { return t.faults.Load() }

// CursorContext is the per-transaction context handed to store reads.
type CursorContext struct {
	Tag    string
	tracer *CursorTracer
	closed atomic.Bool
}

// NewCursorContext creates a context with a fresh tracer.
func NewCursorContext(tag string) *CursorContext {
	return &CursorContext{Tag: tag, tracer: &CursorTracer{}}
}

// Tracer returns the tracer. A nil context traces nothing.
func (c *CursorContext) Tracer() *CursorTracer {
	if c == nil {
		return &CursorTracer{}
	}
	return c.tracer
}

// Close marks the context finished.
func (c *CursorContext) Close() error {
	if c != nil {
		c.closed.Store(true)
	}
	return nil
}

// Closed reports whether Close was called.
func (c *CursorContext) Closed() bool {
	return c != nil && c.closed.Load()
}
