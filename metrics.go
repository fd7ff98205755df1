package priorityscheduler

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MetricsPolicy defines hooks used by the Scheduler to report
// submission, dispatch, and completion activity.
//
// Implementations must be safe for concurrent use. All methods are
// expected to be lightweight and non-blocking.
type MetricsPolicy interface {
	// IncExecuted increments the count of tasks that finished running
	// (successfully or via a recovered panic).
	IncExecuted()

	// IncRejected increments the count of submissions refused because
	// the scheduler was already shut down.
	IncRejected()

	// IncQueued increments the queued-task count for the given
	// priority.
	IncQueued(p Priority)

	// DecQueued decrements the queued-task count for the given
	// priority, typically once a task has been handed to a worker.
	DecQueued(p Priority)

	// IncWorkersCreated increments the count of worker goroutines the
	// pool has started.
	IncWorkersCreated()

	// IncWorkersRetired increments the count of worker goroutines the
	// pool has stopped (keep-alive expiry, pool shrink, or shutdown).
	IncWorkersRetired()
}

// AtomicMetrics is a lock-free MetricsPolicy implementation backed by
// atomics. Writes are optimized for hot paths; reads are intended for
// cold-path observation (health checks, periodic reporting).
//
// Grounded on wpool's AtomicMetrics; the counters themselves are
// specific to this domain (priority-aware queue depth, worker
// lifecycle) rather than wpool's batch-dequeue counters.
type AtomicMetrics struct {
	executed atomic.Uint64
	_        cpu.CacheLinePad

	rejected atomic.Uint64
	_        cpu.CacheLinePad

	queuedHigh atomic.Int64
	_          cpu.CacheLinePad

	queuedLow atomic.Int64
	_         cpu.CacheLinePad

	workersCreated atomic.Uint64
	workersRetired atomic.Uint64
}

func (m *AtomicMetrics) Executed() uint64       { return m.executed.Load() }
func (m *AtomicMetrics) Rejected() uint64       { return m.rejected.Load() }
func (m *AtomicMetrics) QueuedHigh() int64      { return m.queuedHigh.Load() }
func (m *AtomicMetrics) QueuedLow() int64       { return m.queuedLow.Load() }
func (m *AtomicMetrics) WorkersCreated() uint64 { return m.workersCreated.Load() }
func (m *AtomicMetrics) WorkersRetired() uint64 { return m.workersRetired.Load() }

func (m *AtomicMetrics) IncExecuted()        { m.executed.Add(1) }
func (m *AtomicMetrics) IncRejected()        { m.rejected.Add(1) }
func (m *AtomicMetrics) IncWorkersCreated()  { m.workersCreated.Add(1) }
func (m *AtomicMetrics) IncWorkersRetired()  { m.workersRetired.Add(1) }

func (m *AtomicMetrics) IncQueued(p Priority) {
	m.counterFor(p).Add(1)
}

func (m *AtomicMetrics) DecQueued(p Priority) {
	m.counterFor(p).Add(-1)
}

func (m *AtomicMetrics) counterFor(p Priority) *atomic.Int64 {
	if p == PriorityHigh {
		return &m.queuedHigh
	}
	return &m.queuedLow
}

// NoopMetrics is a MetricsPolicy implementation that discards all
// metric updates. It is the default when Options.Metrics is unset, so
// the library carries zero overhead unless a caller opts in.
type NoopMetrics struct{}

func (NoopMetrics) IncExecuted()         {}
func (NoopMetrics) IncRejected()         {}
func (NoopMetrics) IncQueued(Priority)   {}
func (NoopMetrics) DecQueued(Priority)   {}
func (NoopMetrics) IncWorkersCreated()   {}
func (NoopMetrics) IncWorkersRetired()   {}
