package priorityscheduler

import (
	"fmt"
	"time"
)

// worker owns one long-lived goroutine parked between assignments.
// nextTask is a single-slot handoff channel: receiving on it is the
// goroutine equivalent of LockSupport.park, and sending on it is the
// equivalent of unpark-plus-field-write.
//
// Grounded on the Worker inner class.
type worker struct {
	name     string
	nextTask chan taskWrapper
	done     chan struct{}
	stopped  chan struct{}

	// idleSince is set by Scheduler.markIdle and read only under
	// Scheduler.workersLock; it is not safe to read without that lock
	// held.
	idleSince time.Time
}

func newWorker(name string) *worker {
	return &worker{
		name:     name,
		nextTask: make(chan taskWrapper),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// start launches the worker's loop via factory and returns once the
// goroutine has been created (or failed to be, for factories like
// PinnedThreadFactory that can fail at start-up).
func (w *worker) start(s *Scheduler, factory ThreadFactory) error {
	return factory.NewWorker(w.name, func() {
		defer close(w.stopped)
		w.loop(s)
	})
}

func (w *worker) loop(s *Scheduler) {
	for {
		select {
		case t := <-w.nextTask:
			w.execute(s, t)
			s.workerDone(w)
		case <-w.done:
			return
		}
	}
}

func (w *worker) execute(s *Scheduler, t taskWrapper) {
	// The recurring reschedule runs in the same deferred cleanup as
	// panic recovery, mirroring the source's try/finally: a recurring
	// task whose body panics still needs to leave its +inf sentinel
	// deadline and get repositioned to its next run, or it would never
	// fire again.
	defer func() {
		r := recover()
		s.metrics().IncExecuted()
		if _, ok := t.(recurringCompleter); ok {
			s.completeRecurring(t, s.clock.accurateMillis())
		}
		if r != nil {
			s.handlePanic(w, t, r)
		}
	}()
	t.run()
}

// assign hands t to the worker. Caller must only do this while the
// worker is known idle (tracked by the scheduler's workersLock-guarded
// idle/active bookkeeping).
func (w *worker) assign(t taskWrapper) {
	w.nextTask <- t
}

// stop signals the worker's loop to return after finishing whatever
// it is currently running (or immediately, if idle).
func (w *worker) stop() {
	close(w.done)
}

func (w *worker) String() string {
	return fmt.Sprintf("worker(%s)", w.name)
}
