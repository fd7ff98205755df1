package priorityscheduler

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Priority selects which delay-ordered lane a task is queued on.
type Priority int

// PriorityLow is the zero value, so an Options{} left at its default
// gets PriorityScheduler's own default priority without extra
// bookkeeping in fillDefaults.
const (
	PriorityLow Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "High"
	case PriorityLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// Default tuning constants, grounded on PriorityScheduler's own
// statically configured defaults.
const (
	defaultKeepAliveTimeMillis      = 15 * time.Second
	defaultMaxWaitForLowPriority    = 500 * time.Millisecond
	workerContentionLevel           = 2
	lowPriorityWaitToleranceMillis  = 2
)

// Options configure a Scheduler. All zero values are replaced with
// sensible defaults in fillDefaults.
//
// Grounded on wpool's Options/FillDefaults; the knobs themselves
// come from PriorityScheduler's constructor and setter surface rather
// than wpool's queue-segment sizing.
type Options struct {
	// CorePoolSize is the number of workers the pool keeps alive even
	// when idle. Defaults to runtime.GOMAXPROCS(0).
	CorePoolSize int

	// MaxPoolSize is the ceiling the pool may grow to under load.
	// Defaults to CorePoolSize if left at zero once CorePoolSize has
	// been defaulted.
	MaxPoolSize int

	// KeepAliveTime is how long a worker above CorePoolSize may sit
	// idle before being retired. Defaults to 15s.
	KeepAliveTime time.Duration

	// AllowCoreThreadTimeout, when true, lets core workers expire too
	// once idle past KeepAliveTime instead of only above-core workers.
	AllowCoreThreadTimeout bool

	// DefaultPriority is used by Execute, Schedule, ScheduleWithFixedDelay,
	// ScheduleAtFixedRate, Submit and SubmitWithResult; their
	// ...WithPriority/...AndPriority variants take an explicit Priority
	// instead. Defaults to PriorityLow, matching PriorityScheduler's default.
	DefaultPriority Priority

	// MaxWaitForLowPriority bounds how long a low-priority task waits
	// for an idle worker on a non-empty pool; once it expires, a new
	// worker is created if the pool is below MaxPoolSize, and otherwise
	// the task keeps waiting for a worker. Defaults to 500ms.
	MaxWaitForLowPriority time.Duration

	// ThreadFactory creates the goroutine backing each worker. Defaults
	// to goroutineThreadFactory, which calls runtime.LockOSThread()
	// but does not pin to any particular CPU.
	ThreadFactory ThreadFactory

	// PinWorkers selects PinnedThreadFactory (linux-only) in place of
	// the default factory when ThreadFactory is left nil.
	PinWorkers bool

	// Metrics receives submission/dispatch/completion counters.
	// Defaults to NoopMetrics.
	Metrics MetricsPolicy

	// Logger receives structured diagnostic events. Defaults to
	// zap.NewNop(), so the scheduler is silent unless a caller opts in.
	Logger *zap.Logger

	// UncaughtHandler, if set, receives the recovered value of any
	// panic that escapes a task body, in addition to the diagnostic
	// log line the scheduler always emits. Defaults to nil, matching
	// PriorityScheduler's optional uncaught-exception hook.
	UncaughtHandler func(recovered any)
}

func (o *Options) fillDefaults() {
	if o.CorePoolSize <= 0 {
		o.CorePoolSize = runtime.GOMAXPROCS(0)
	}
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = o.CorePoolSize
	}
	if o.MaxPoolSize < o.CorePoolSize {
		o.MaxPoolSize = o.CorePoolSize
	}
	if o.KeepAliveTime <= 0 {
		o.KeepAliveTime = defaultKeepAliveTimeMillis
	}
	if o.MaxWaitForLowPriority <= 0 {
		o.MaxWaitForLowPriority = defaultMaxWaitForLowPriority
	}
	if o.ThreadFactory == nil {
		if o.PinWorkers {
			o.ThreadFactory = newPinnedThreadFactory()
		} else {
			o.ThreadFactory = goroutineThreadFactory{}
		}
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
