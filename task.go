package priorityscheduler

import (
	"math"
	"reflect"
	"sync"
)

// Task is a unit of work submitted to a Scheduler or KeyDistributor.
type Task func()

const infiniteDeadline = math.MaxInt64

// recurringCompleter is implemented by wrapper variants that need to
// compute their next deadline once a run finishes. oneTimeTask does
// not implement it.
type recurringCompleter interface {
	completed(nowMillis int64)
}

// taskWrapper is the internal representation every queued item
// implements, regardless of whether it is a one-shot, fixed-delay, or
// fixed-rate task.
//
// Grounded on TaskWrapper/OneTimeTaskWrapper/RecurringDelayTaskWrapper/
// RecurringRateTaskWrapper.
type taskWrapper interface {
	run()
	cancel()
	canceled() bool
	priority() Priority
	deadlineMillis() int64
	// delayEstimateMillis is a cheap, semi-accurate estimate of how
	// long this item has been sitting ready (deadline already past),
	// used by the low-priority admission fairness rule. Zero if the
	// deadline has not yet elapsed.
	delayEstimateMillis(nowMillis int64) int64
	// onDequeue arms the +infinity sentinel for recurring wrappers and
	// re-queues them; no-op for one-shot tasks. Called by taskConsumer
	// after Take has removed the item and released the originating
	// delayQueue's lock; the re-queue takes that lock again, so a
	// recurring wrapper is briefly absent from its queue in between.
	onDequeue(s *Scheduler)
	// userTask returns the value the caller submitted (the Task, or the
	// Task or callable given to Submit/SubmitWithResult), for Remove's
	// identity-based scan.
	userTask() any
	// rawTask returns the literal Task this wrapper runs, regardless
	// of any Future wrapping, for ShutdownNow's pending-task report.
	rawTask() Task
	// cancelIfNotStarted cancels the wrapper provided its task has not
	// already begun running, returning whether it succeeded. Used by
	// futureTask.Cancel, which is the future-initiated half of
	// cancellation (the wrapper-initiated half is cancel/
	// cancelFromWrapper).
	cancelIfNotStarted() bool
	// attachFuture records the futureTask this wrapper backs, if any,
	// so cancel can propagate into it.
	attachFuture(ft *futureTask)
	// isInternal reports whether this wrapper is scheduler-internal
	// bookkeeping rather than caller-submitted work, so it can be
	// excluded from ShutdownNow's pending-task report.
	isInternal() bool
}

// baseTask carries the fields and cancellation bookkeeping common to
// every wrapper variant.
type baseTask struct {
	mu         sync.Mutex
	task       Task
	prio       Priority
	isCanceled bool
	started    bool
	internal   bool
	future     *futureTask
	original   any
}

// cancel is the wrapper-initiated half of cancellation: it always
// flips the cancel flag and, if a future is attached, always notifies
// it via cancelFromWrapper (idempotent against a future that has
// already completed or been canceled some other way).
func (b *baseTask) cancel() {
	b.mu.Lock()
	b.isCanceled = true
	ft := b.future
	b.mu.Unlock()
	if ft != nil {
		ft.cancelFromWrapper()
	}
}

func (b *baseTask) canceled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isCanceled
}

func (b *baseTask) priority() Priority { return b.prio }

func (b *baseTask) userTask() any {
	if b.original != nil {
		return b.original
	}
	return b.task
}

func (b *baseTask) run() {
	b.mu.Lock()
	if b.isCanceled {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	b.task()
}

func (b *baseTask) rawTask() Task { return b.task }

func (b *baseTask) cancelIfNotStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.isCanceled {
		return false
	}
	b.isCanceled = true
	return true
}

func (b *baseTask) attachFuture(ft *futureTask) {
	b.mu.Lock()
	b.future = ft
	b.mu.Unlock()
}

func (b *baseTask) markInternal() { b.internal = true }

func (b *baseTask) isInternal() bool { return b.internal }

// identicalTask reports whether a and b refer to the same submitted
// value. Task is a func type, which Go forbids comparing with == (it
// panics at runtime when done through an any-typed operand), so func
// identity is compared by entry-point pointer via reflect instead;
// every other kind (a pointer, for example) compares by ordinary
// equality.
func identicalTask(a, b any) bool {
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return a == nil && b == nil
	}
	if va.Kind() == reflect.Func || vb.Kind() == reflect.Func {
		return va.Kind() == vb.Kind() && va.Pointer() == vb.Pointer()
	}
	return a == b
}

// oneTimeTask runs exactly once at an absolute deadline.
type oneTimeTask struct {
	baseTask
	runAtMillis int64
}

func newOneTimeTask(task Task, prio Priority, runAtMillis int64, original any) *oneTimeTask {
	return &oneTimeTask{
		baseTask:    baseTask{task: task, prio: prio, original: original},
		runAtMillis: runAtMillis,
	}
}

func (t *oneTimeTask) deadlineMillis() int64 { return t.runAtMillis }

func (t *oneTimeTask) delayEstimateMillis(nowMillis int64) int64 {
	if d := nowMillis - t.runAtMillis; d > 0 {
		return d
	}
	return 0
}

func (t *oneTimeTask) onDequeue(s *Scheduler) {}

// recurringDelayTask reschedules itself restPeriodMillis after each
// run finishes (fixed-delay semantics: the gap is between completion
// and the next start, so runtime does not steal from the rest period).
type recurringDelayTask struct {
	baseTask
	mu2             sync.Mutex
	nextRunMillis   int64
	restPeriodMillis int64
	executing       bool
}

func newRecurringDelayTask(task Task, prio Priority, initialRunMillis, restPeriodMillis int64, original any) *recurringDelayTask {
	return &recurringDelayTask{
		baseTask:         baseTask{task: task, prio: prio, original: original},
		nextRunMillis:    initialRunMillis,
		restPeriodMillis: restPeriodMillis,
	}
}

func (t *recurringDelayTask) deadlineMillis() int64 {
	t.mu2.Lock()
	defer t.mu2.Unlock()
	if t.executing {
		return infiniteDeadline
	}
	return t.nextRunMillis
}

func (t *recurringDelayTask) delayEstimateMillis(nowMillis int64) int64 {
	t.mu2.Lock()
	defer t.mu2.Unlock()
	if d := nowMillis - t.nextRunMillis; d > 0 {
		return d
	}
	return 0
}

// onDequeue arms the +infinity sentinel and re-queues itself onto the
// scheduler's matching priority lane, so the wrapper is visible as
// "parked, not runnable" while it executes. Take's removal and this
// re-queue are two separate lock windows on the queue, not one.
func (t *recurringDelayTask) onDequeue(s *Scheduler) {
	t.mu2.Lock()
	t.executing = true
	t.mu2.Unlock()
	s.requeueRecurring(t)
}

// completed is invoked by the worker after run() returns, computing
// the next deadline from completion time (drift-accumulating, by
// design: fixed-delay means the rest period starts at completion).
func (t *recurringDelayTask) completed(nowMillis int64) {
	t.mu2.Lock()
	t.executing = false
	t.nextRunMillis = nowMillis + t.restPeriodMillis
	t.mu2.Unlock()
}

// recurringRateTask reschedules itself periodMillis after the
// *previous scheduled* start (fixed-rate semantics: drift-free unless
// a run overruns the period, in which case the next run is immediate).
type recurringRateTask struct {
	baseTask
	mu2           sync.Mutex
	nextRunMillis int64
	periodMillis  int64
	executing     bool
}

func newRecurringRateTask(task Task, prio Priority, initialRunMillis, periodMillis int64, original any) *recurringRateTask {
	return &recurringRateTask{
		baseTask:      baseTask{task: task, prio: prio, original: original},
		nextRunMillis: initialRunMillis,
		periodMillis:  periodMillis,
	}
}

func (t *recurringRateTask) deadlineMillis() int64 {
	t.mu2.Lock()
	defer t.mu2.Unlock()
	if t.executing {
		return infiniteDeadline
	}
	return t.nextRunMillis
}

func (t *recurringRateTask) delayEstimateMillis(nowMillis int64) int64 {
	t.mu2.Lock()
	defer t.mu2.Unlock()
	if d := nowMillis - t.nextRunMillis; d > 0 {
		return d
	}
	return 0
}

func (t *recurringRateTask) onDequeue(s *Scheduler) {
	t.mu2.Lock()
	t.executing = true
	t.mu2.Unlock()
	s.requeueRecurring(t)
}

func (t *recurringRateTask) completed(nowMillis int64) {
	t.mu2.Lock()
	t.executing = false
	next := t.nextRunMillis + t.periodMillis
	if next < nowMillis {
		next = nowMillis
	}
	t.nextRunMillis = next
	t.mu2.Unlock()
}
