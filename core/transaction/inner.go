package transaction

import "sync"

// innerTransactionHandler tracks the inner transactions opened inside an
// outer one. It is opened by Initialize and closed by reset.
type innerTransactionHandler struct {
	mu     sync.Mutex
	inner  map[*KernelTransaction]uint64 // instance -> sequence number it was opened as
	closed bool
}

func newInnerTransactionHandler() *innerTransactionHandler {
	return &innerTransactionHandler{closed: true}
}

func (h *innerTransactionHandler) open() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inner = make(map[*KernelTransaction]uint64)
	h.closed = false
}

func (h *innerTransactionHandler) register(tx *KernelTransaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return notInTransaction()
	}
	h.inner[tx] = tx.SequenceNumber()
	return nil
}

func (h *innerTransactionHandler) deregister(tx *KernelTransaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inner, tx)
}

func (h *innerTransactionHandler) hasInner() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inner) > 0
}

type innerRef struct {
	tx  *KernelTransaction
	seq uint64
}

// terminateInner marks every inner transaction for termination. The
// handler lock is not held while terminating, so an inner instance may be
// closed and reused in between; the sequence check leaves its new
// transaction alone.
func (h *innerTransactionHandler) terminateInner(reason Status) {
	h.mu.Lock()
	inner := make([]innerRef, 0, len(h.inner))
	for tx, seq := range h.inner {
		inner = append(inner, innerRef{tx: tx, seq: seq})
	}
	h.mu.Unlock()
	for _, ref := range inner {
		ref.tx.markForTerminationIfSequence(ref.seq, reason)
	}
}

func (h *innerTransactionHandler) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inner = nil
	h.closed = true
	return nil
}
