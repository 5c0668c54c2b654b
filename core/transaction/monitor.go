package transaction

// Monitor receives transaction lifecycle events. Implementations must be
// safe for concurrent use; TransactionTerminated is called from the
// goroutine that requested termination.
type Monitor interface {
	TransactionStarted()
	UpgradeToWriteTransaction()
	TransactionTerminated(hasTxState bool)
	TransactionFinished(committed, write bool)
	AddHeapTransactionSize(bytes int64)
	AddNativeTransactionSize(bytes int64)
	// TransactionCleanupFailed reports an instance that is disposed
	// instead of returned to the pool.
	TransactionCleanupFailed()
}

// NoMonitor ignores every event.
type NoMonitor struct{}

func (NoMonitor) TransactionStarted()                       {}
func (NoMonitor) UpgradeToWriteTransaction()                {}
func (NoMonitor) TransactionTerminated(hasTxState bool)     {}
func (NoMonitor) TransactionFinished(committed, write bool) {}
func (NoMonitor) AddHeapTransactionSize(bytes int64)        {}
func (NoMonitor) AddNativeTransactionSize(bytes int64)      {}
func (NoMonitor) TransactionCleanupFailed()                 {}
