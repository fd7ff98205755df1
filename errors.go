package priorityscheduler

import (
	"errors"
	"fmt"
)

// ErrSchedulerClosed is returned by any submission made after
// Shutdown or ShutdownNow has been called.
var ErrSchedulerClosed = errors.New("priorityscheduler: scheduler is shut down")

// ErrInvalidArgument is wrapped with context and returned for
// caller-side violations: nil task, nil key, negative delay,
// non-positive period, pool sizes out of range.
var ErrInvalidArgument = errors.New("priorityscheduler: invalid argument")

// errNotFound is logged by Scheduler.completeRecurring when
// delayQueue.Reposition reports that a recurring wrapper is no longer
// in its queue and the wrapper was not canceled -- the unexpected
// "reschedule race". A missing wrapper that was canceled is ignored.
var errNotFound = errors.New("priorityscheduler: item not found in queue")

// errTaskCanceled is the error recorded on a Future whose task was
// canceled before it ran.
var errTaskCanceled = errors.New("priorityscheduler: task canceled")

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func assertPositive(v int, name string) error {
	if v <= 0 {
		return invalidArgf("%s must be > 0, got %d", name, v)
	}
	return nil
}

func assertNotNegativeDuration(d int64, name string) error {
	if d < 0 {
		return invalidArgf("%s must be >= 0, got %d", name, d)
	}
	return nil
}
