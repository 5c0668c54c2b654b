package transaction

import "fmt"

// Status is a classified reason carried by errors and termination marks.
type Status struct {
	Code        string
	Description string
	Transient   bool
}

func (s Status) String() string { return s.Code }

var (
	StatusTerminated = Status{
		Code:        "Transaction.Terminated",
		Description: "Explicitly terminated by the user.",
		Transient:   true,
	}
	StatusTimedOut = Status{
		Code:        "Transaction.TransactionTimedOut",
		Description: "The transaction has not completed within the specified timeout.",
		Transient:   true,
	}
	StatusDatabaseShutdown = Status{
		Code:        "Transaction.DatabaseShutdown",
		Description: "The database is shutting down.",
		Transient:   true,
	}
	StatusLeaseExpired = Status{
		Code:        "Transaction.LeaseExpired",
		Description: "The lease used for the transaction has expired.",
		Transient:   true,
	}
	StatusMarkedAsFailed = Status{
		Code:        "Transaction.TransactionMarkedAsFailed",
		Description: "Transaction was marked as both successful and failed.",
	}
	StatusNotInTransaction = Status{
		Code:        "Request.TransactionRequired",
		Description: "The request cannot be performed outside of a transaction.",
	}
	StatusInvalidType = Status{
		Code:        "Transaction.ForbiddenDueToTransactionType",
		Description: "Data and schema writes cannot be mixed in one transaction.",
	}
	StatusConstraintViolation = Status{
		Code:        "Schema.ConstraintValidationFailed",
		Description: "A constraint imposed by the database was violated.",
	}
	StatusCommitFailed = Status{
		Code:        "Transaction.TransactionCommitFailed",
		Description: "The database was unable to commit the transaction.",
	}
	StatusRollbackFailed = Status{
		Code:        "Transaction.TransactionRollbackFailed",
		Description: "The database was unable to roll back the transaction.",
	}
	StatusHookFailed = Status{
		Code:        "Transaction.TransactionHookFailed",
		Description: "Transaction hook failure.",
	}
	StatusResourceCloseFailed = Status{
		Code:        "General.ResourceCloseFailure",
		Description: "Failed to release resources held by the transaction.",
	}
	StatusReadOnly = Status{
		Code:        "General.ForbiddenOnReadOnlyDatabase",
		Description: "This is a read only database, writing or modifying the database is not allowed.",
	}
	StatusMemoryLimit = Status{
		Code:        "General.TransactionMemoryLimit",
		Description: "The transaction used more memory than was allowed.",
		Transient:   true,
	}
	StatusUnknown = Status{
		Code:        "General.UnknownError",
		Description: "An unknown error occurred.",
	}
)

// ParseStatus resolves a termination reason by its code.
func ParseStatus(code string) (Status, error) {
	for _, s := range []Status{StatusTerminated, StatusTimedOut, StatusDatabaseShutdown, StatusLeaseExpired} {
		if s.Code == code {
			return s, nil
		}
	}
	return Status{}, fmt.Errorf("unknown termination reason %q", code)
}

// TerminationMark records why and when a transaction was terminated.
type TerminationMark struct {
	Reason         Status
	TimestampNanos int64
}
