package transaction

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a transaction matches one of them
// with errors.Is.
var (
	ErrNotInTransaction          = errors.New("not in transaction")
	ErrTransactionTerminated     = errors.New("transaction terminated")
	ErrMarkedSuccessfulButFailed = errors.New("transaction marked successful but rolled back")
	ErrInvalidTransactionType    = errors.New("invalid transaction type")
	ErrConstraintViolation       = errors.New("constraint violation")
	ErrCommitFailed              = errors.New("transaction commit failed")
	ErrRollbackFailed            = errors.New("transaction rollback failed")
	ErrResourceCloseFailure      = errors.New("resource close failure")
	ErrHookFailed                = errors.New("transaction hook failed")
	ErrReadOnly                  = errors.New("database is read only")
	ErrUnknown                   = errors.New("unknown transaction error")

	ErrAlreadyClosing        = errors.New("this transaction is already being closed")
	ErrNotAssigned           = errors.New("transaction id is not assigned yet")
	ErrOpenInnerTransactions = errors.New("the transaction cannot be committed when it has open inner transactions")
	ErrIllegalState          = errors.New("illegal transaction state")
	ErrRegistryClosed        = errors.New("transaction registry is closed")
)

// StatusError is implemented by errors carrying a Status.
type StatusError interface {
	error
	Status() Status
}

// TransactionFailure is a classified transaction error.
type TransactionFailure struct {
	kind   error
	status Status
	msg    string
	cause  error
}

func newFailure(kind error, status Status, cause error, format string, args ...any) *TransactionFailure {
	return &TransactionFailure{kind: kind, status: status, msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *TransactionFailure) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *TransactionFailure) Status() Status { return e.status }

// Kind returns the error kind sentinel.
func (e *TransactionFailure) Kind() error { return e.kind }

func (e *TransactionFailure) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// TerminatedError reports that the transaction was terminated.
type TerminatedError struct {
	Reason Status
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("The transaction has been terminated. Retry your operation in a new transaction, "+
		"and you should see a successful result. %s", e.Reason.Description)
}

func (e *TerminatedError) Status() Status { return e.Reason }

func (e *TerminatedError) Unwrap() error { return ErrTransactionTerminated }

// TransientFailure is a failure that may succeed when retried. Commit hooks
// return it to veto a commit without marking it permanent.
type TransientFailure struct {
	status Status
	msg    string
	cause  error
}

// NewTransientFailure creates a retryable failure.
func NewTransientFailure(status Status, cause error, msg string) *TransientFailure {
	status.Transient = true
	return &TransientFailure{status: status, msg: msg, cause: cause}
}

func (e *TransientFailure) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *TransientFailure) Status() Status { return e.status }

func (e *TransientFailure) Unwrap() error { return e.cause }

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	var se StatusError
	return errors.As(err, &se) && se.Status().Transient
}

func notInTransaction() error {
	return newFailure(ErrNotInTransaction, StatusNotInTransaction, nil, "This transaction has already been closed.")
}
