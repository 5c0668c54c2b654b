package transaction

import (
	"context"
	"errors"
	"sync"

	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
)

// TransactionData is the view of a committing transaction handed to
// listeners. State is nil when the transaction never wrote.
type TransactionData struct {
	SequenceNumber uint64
	Subject        string
	MetaData       map[string]any
	State          *txstate.TxState
	Reader         storageengine.StorageReader
}

// EventListener observes commits. BeforeCommit may veto the commit by
// returning an error; the returned value is handed back to AfterCommit or
// AfterRollback.
type EventListener interface {
	BeforeCommit(ctx context.Context, data *TransactionData) (any, error)
	AfterCommit(data *TransactionData, state any)
	AfterRollback(data *TransactionData, state any)
}

type listenerState struct {
	listener EventListener
	state    any
}

// ListenersState remembers which listeners ran BeforeCommit and what they
// returned.
type ListenersState struct {
	data    *TransactionData
	states  []listenerState
	failure error
}

// Failed reports whether a listener vetoed the commit.
func (s *ListenersState) Failed() bool { return s != nil && s.failure != nil }

// Failure returns the veto.
func (s *ListenersState) Failure() error {
	if s == nil {
		return nil
	}
	return s.failure
}

// EventListeners is the registry of commit listeners.
type EventListeners struct {
	mu        sync.RWMutex
	listeners []EventListener
}

// NewEventListeners creates an empty registry.
func NewEventListeners() *EventListeners { return &EventListeners{} }

// Register adds a listener.
func (l *EventListeners) Register(listener EventListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Unregister removes a listener.
func (l *EventListeners) Unregister(listener EventListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.listeners {
		if existing == listener {
			l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *EventListeners) snapshot() []EventListener {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]EventListener(nil), l.listeners...)
}

// BeforeCommit calls every listener in registration order and stops at the
// first veto. It returns nil when no listener is registered.
func (l *EventListeners) BeforeCommit(ctx context.Context, data *TransactionData) *ListenersState {
	listeners := l.snapshot()
	if len(listeners) == 0 {
		return nil
	}
	s := &ListenersState{data: data}
	for _, listener := range listeners {
		state, err := listener.BeforeCommit(ctx, data)
		if err != nil {
			s.failure = err
			return s
		}
		s.states = append(s.states, listenerState{listener: listener, state: state})
	}
	return s
}

// AfterCommit notifies the listeners that ran BeforeCommit.
func (l *EventListeners) AfterCommit(s *ListenersState) {
	if s == nil {
		return
	}
	for _, ls := range s.states {
		ls.listener.AfterCommit(s.data, ls.state)
	}
}

// AfterRollback notifies the listeners that ran BeforeCommit.
func (l *EventListeners) AfterRollback(s *ListenersState) {
	if s == nil {
		return
	}
	for _, ls := range s.states {
		ls.listener.AfterRollback(s.data, ls.state)
	}
}

// vetoError translates a listener veto into the error returned by commit.
func vetoError(cause error) error {
	var transient *TransientFailure
	if errors.As(cause, &transient) {
		return transient
	}
	var se StatusError
	if errors.As(cause, &se) {
		return newFailure(ErrCommitFailed, se.Status(), cause, "Transaction hook vetoed the commit")
	}
	return newFailure(ErrHookFailed, StatusHookFailed, cause, "Transaction hook failed")
}
