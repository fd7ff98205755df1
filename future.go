package priorityscheduler

import (
	"sort"
	"sync"
)

// Executor runs a listener callback, typically by dispatching it back
// onto a Scheduler rather than running it on whatever goroutine
// completed the Future.
type Executor interface {
	Execute(func())
}

// inlineExecutor runs the listener synchronously on the calling
// goroutine, matching the source's behavior when a null Executor is
// passed to AddListener.
type inlineExecutor struct{}

func (inlineExecutor) Execute(fn func()) { fn() }

// Future represents the eventual result of a task submitted via
// Submit/SubmitWithResult.
//
// Grounded on ListenableFuture/ListenableFutureTask.
type Future interface {
	// Done returns a channel closed once the task has completed,
	// failed, or been canceled before it ran.
	Done() <-chan struct{}
	// Err returns the error the task's Callable returned, or a
	// recovered panic wrapped as an error, or nil.
	Err() error
	// Result returns the value the task's Callable returned. Only
	// meaningful once Done() is closed.
	Result() any
	// Cancel prevents the task from running, provided it has not
	// already started or completed, and completes the future as
	// canceled. Returns false if the task had already started or
	// completed, in which case it runs (or ran) to completion
	// unaffected.
	Cancel() bool
	// AddListener registers fn to run via exec once the future
	// completes. If the future has already completed, fn runs
	// immediately via exec. A nil exec runs fn inline on whichever
	// goroutine triggers it. Returns a handle usable with
	// RemoveListener.
	AddListener(fn func(), exec Executor) int
	// RemoveListener cancels a listener registered via AddListener.
	// Returns false if handle is unknown or already fired.
	RemoveListener(handle int) bool
	// ClearListeners removes every listener not yet fired.
	ClearListeners()
}

// futureTask is the concrete Future implementation backing
// Submit/SubmitWithResult. It also implements a callable form of Task
// so it can be wrapped directly by a taskWrapper.
//
// Listeners fire exactly once: those registered before completion run
// at completion time in registration order; those registered after
// completion run immediately when added. panicOnListenerPanic governs
// whether a recovered listener panic is logged (via the owning
// scheduler's logger, threaded in at construction) and swallowed, or
// re-panicked on the calling goroutine -- mirroring the source's
// runListener(..., throwException) flag.
type futureTask struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	canceled  bool
	result    any
	err       error

	nextHandle int
	listeners  map[int]listenerEntry

	panicOnListenerPanic bool
	logPanic             func(recovered any)

	call    func() (any, error)
	wrapper taskWrapper
}

type listenerEntry struct {
	fn   func()
	exec Executor
	fired bool
}

func newFutureTask(call func() (any, error), panicOnListenerPanic bool, logPanic func(any)) *futureTask {
	return &futureTask{
		done:                 make(chan struct{}),
		listeners:            make(map[int]listenerEntry),
		panicOnListenerPanic: panicOnListenerPanic,
		logPanic:             logPanic,
		call:                 call,
	}
}

// asTask adapts the futureTask into the plain Task signature a
// taskWrapper expects, running the callable and recording its
// outcome (including a recovered panic) before firing listeners.
func (f *futureTask) asTask() Task {
	return func() {
		var result any
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = panicError{recovered: r}
				}
			}()
			result, err = f.call()
		}()
		f.complete(result, err)
	}
}

func (f *futureTask) complete(result any, err error) {
	f.mu.Lock()
	if f.completed || f.canceled {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.result = result
	f.err = err
	toFire := f.drainListenersLocked()
	f.mu.Unlock()
	close(f.done)
	f.fireAll(toFire)
}

// drainListenersLocked empties the listener map and returns its
// entries in registration order. Map iteration order is unspecified in
// Go, but handles are assigned by a monotonically increasing counter,
// so sorting by handle recovers registration order without needing a
// separate ordered list.
func (f *futureTask) drainListenersLocked() []listenerEntry {
	handles := make([]int, 0, len(f.listeners))
	for h := range f.listeners {
		handles = append(handles, h)
	}
	sort.Ints(handles)

	out := make([]listenerEntry, 0, len(handles))
	for _, h := range handles {
		out = append(out, f.listeners[h])
		delete(f.listeners, h)
	}
	return out
}

func (f *futureTask) fireAll(entries []listenerEntry) {
	for _, e := range entries {
		f.fireOne(e)
	}
}

func (f *futureTask) fireOne(e listenerEntry) {
	exec := e.exec
	if exec == nil {
		exec = inlineExecutor{}
	}
	exec.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				if f.panicOnListenerPanic {
					panic(r)
				}
				if f.logPanic != nil {
					f.logPanic(r)
				}
			}
		}()
		e.fn()
	})
}

func (f *futureTask) Done() <-chan struct{} { return f.done }

func (f *futureTask) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *futureTask) Result() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// setWrapper attaches the taskWrapper this future backs. Must be
// called before the wrapper is enqueued, so Cancel can reach back into
// it and a wrapper-initiated cancel (Remove, ShutdownNow) can
// complete this future in turn.
func (f *futureTask) setWrapper(w taskWrapper) {
	f.mu.Lock()
	f.wrapper = w
	f.mu.Unlock()
}

// Cancel attempts to prevent the underlying task from running. If a
// wrapper is attached, the task is only actually prevented -- and the
// future only actually canceled -- once cancelIfNotStarted confirms
// it had not already begun; cancelFromWrapper then performs the
// completion, shared with the wrapper-initiated path so a concurrent
// Remove/ShutdownNow on the same task can't double-close f.done.
func (f *futureTask) Cancel() bool {
	f.mu.Lock()
	if f.completed || f.canceled {
		f.mu.Unlock()
		return false
	}
	wrapper := f.wrapper
	if wrapper == nil {
		f.canceled = true
		f.err = errTaskCanceled
		toFire := f.drainListenersLocked()
		f.mu.Unlock()
		close(f.done)
		f.fireAll(toFire)
		return true
	}
	f.mu.Unlock()

	if !wrapper.cancelIfNotStarted() {
		return false
	}
	f.cancelFromWrapper()
	return true
}

// cancelFromWrapper completes the future as canceled in response to
// its wrapper being canceled directly. A no-op if the future has
// already completed or been canceled by any path.
func (f *futureTask) cancelFromWrapper() {
	f.mu.Lock()
	if f.completed || f.canceled {
		f.mu.Unlock()
		return
	}
	f.canceled = true
	f.err = errTaskCanceled
	toFire := f.drainListenersLocked()
	f.mu.Unlock()
	close(f.done)
	f.fireAll(toFire)
}

func (f *futureTask) AddListener(fn func(), exec Executor) int {
	f.mu.Lock()
	if f.completed || f.canceled {
		f.mu.Unlock()
		f.fireOne(listenerEntry{fn: fn, exec: exec})
		return -1
	}
	f.nextHandle++
	h := f.nextHandle
	f.listeners[h] = listenerEntry{fn: fn, exec: exec}
	f.mu.Unlock()
	return h
}

func (f *futureTask) RemoveListener(handle int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listeners[handle]; !ok {
		return false
	}
	delete(f.listeners, handle)
	return true
}

func (f *futureTask) ClearListeners() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = make(map[int]listenerEntry)
}

// panicError wraps a recovered panic value so it satisfies error.
type panicError struct {
	recovered any
}

func (p panicError) Error() string {
	return "priorityscheduler: task panicked: " + formatPanic(p.recovered)
}

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}
