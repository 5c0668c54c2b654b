package transaction

import (
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sushant-115/gojotx/core/memory"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
)

// CPUClock reports consumed CPU time in nanoseconds, or -1 when it is not
// available.
type CPUClock interface {
	CPUTimeNanos() int64
}

// NoCPUClock never reports CPU time.
type NoCPUClock struct{}

func (NoCPUClock) CPUTimeNanos() int64 { return -1 }

// ProcessCPUClock reports the CPU time of the whole process. Goroutines are
// not pinned to threads, so per-transaction figures are an upper bound.
type ProcessCPUClock struct{}

func (ProcessCPUClock) CPUTimeNanos() int64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return -1
	}
	return ru.Utime.Nano() + ru.Stime.Nano()
}

// Statistics are the execution statistics of the current logical
// transaction. They are written by the owning goroutine and read by
// monitoring goroutines.
type Statistics struct {
	pool     *memory.TransactionPool
	cpuClock CPUClock

	goroutineID      atomic.Int64
	cpuStartNanos    atomic.Int64
	waitingTimeNanos atomic.Int64
	tracer           atomic.Pointer[storageengine.CursorTracer]
}

func newStatistics(pool *memory.TransactionPool, clock CPUClock) *Statistics {
	s := &Statistics{pool: pool, cpuClock: clock}
	s.goroutineID.Store(-1)
	return s
}

func (s *Statistics) init(goroutineID int64, tracer *storageengine.CursorTracer) {
	s.goroutineID.Store(goroutineID)
	s.tracer.Store(tracer)
	s.cpuStartNanos.Store(s.cpuClock.CPUTimeNanos())
	s.waitingTimeNanos.Store(0)
}

func (s *Statistics) reset() error {
	s.tracer.Store(nil)
	s.cpuStartNanos.Store(0)
	s.waitingTimeNanos.Store(0)
	s.goroutineID.Store(-1)
	return nil
}

// AddWaitingTime records time spent blocked, e.g. on locks.
func (s *Statistics) AddWaitingTime(d time.Duration) {
	s.waitingTimeNanos.Add(int64(d))
}

// CPUTime returns the CPU time used since the transaction started, or -1.
func (s *Statistics) CPUTime() time.Duration {
	start := s.cpuStartNanos.Load()
	now := s.cpuClock.CPUTimeNanos()
	if now < 0 || start < 0 {
		return -1
	}
	return time.Duration(now - start)
}

// StatisticsSnapshot is a point-in-time copy of the statistics.
type StatisticsSnapshot struct {
	GoroutineID        int64         `json:"goroutine_id"`
	CPUTime            time.Duration `json:"cpu_time"`
	WaitingTime        time.Duration `json:"waiting_time"`
	EstimatedHeapBytes int64         `json:"estimated_heap_bytes"`
	NativeBytes        int64         `json:"native_bytes"`
	PageHits           int64         `json:"page_hits"`
	PageFaults         int64         `json:"page_faults"`
}

// Snapshot copies the current values.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	snap := StatisticsSnapshot{
		GoroutineID:        s.goroutineID.Load(),
		CPUTime:            s.CPUTime(),
		WaitingTime:        time.Duration(s.waitingTimeNanos.Load()),
		EstimatedHeapBytes: s.pool.UsedHeap(),
		NativeBytes:        s.pool.UsedNative(),
	}
	if t := s.tracer.Load(); t != nil {
		snap.PageHits = t.Hits()
		snap.PageFaults = t.Faults()
	}
	return snap
}
