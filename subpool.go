package priorityscheduler

import "time"

// subPoolLimiter is a Submitter that forwards every call to an
// underlying Submitter but never lets more than maxConcurrency of its
// own tasks run at once, implemented as a counting semaphore around
// each submitted Task.
//
// Ground truth: PrioritySchedulerLimiter, restored from the original
// because makeSubPool is a first-class collaborator there and costs
// little once Scheduler exists.
type subPoolLimiter struct {
	underlying Submitter
	sem        chan struct{}
}

func newSubPoolLimiter(underlying Submitter, maxConcurrency int) *subPoolLimiter {
	return &subPoolLimiter{
		underlying: underlying,
		sem:        make(chan struct{}, maxConcurrency),
	}
}

func (l *subPoolLimiter) wrap(t Task) Task {
	return func() {
		l.sem <- struct{}{}
		defer func() { <-l.sem }()
		t()
	}
}

func (l *subPoolLimiter) Execute(t Task) error {
	return l.underlying.Execute(l.wrap(t))
}

func (l *subPoolLimiter) Schedule(t Task, delay time.Duration) error {
	return l.underlying.Schedule(l.wrap(t), delay)
}

func (l *subPoolLimiter) ScheduleWithFixedDelay(t Task, initialDelay, delay time.Duration) error {
	return l.underlying.ScheduleWithFixedDelay(l.wrap(t), initialDelay, delay)
}

func (l *subPoolLimiter) IsShutdown() bool { return l.underlying.IsShutdown() }
