package priorityscheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Submitter is the minimal surface KeyDistributor and MakeSubPool
// need from whatever they sit on top of. Scheduler satisfies it
// directly.
type Submitter interface {
	Execute(Task) error
	Schedule(Task, time.Duration) error
	ScheduleWithFixedDelay(Task, time.Duration, time.Duration) error
	IsShutdown() bool
}

// Scheduler is an elastic worker pool with two delay-ordered priority
// lanes.
//
// Ground truth: PriorityScheduler.
type Scheduler struct {
	opts  Options
	clock *clock

	highQueue    *delayQueue[taskWrapper]
	lowQueue     *delayQueue[taskWrapper]
	highConsumer *taskConsumer
	lowConsumer  *taskConsumer

	poolSizeChangeLock         sync.Mutex
	corePoolSize               atomic.Int32
	maxPoolSize                atomic.Int32
	keepAliveNanos             atomic.Int64
	maxWaitForLowPriorityNanos atomic.Int64
	allowCoreTimeoutFlag       atomic.Bool
	defaultPriority            atomic.Int32

	workersLock sync.Mutex
	allWorkers  map[*worker]struct{}
	idleWorkers []*worker
	idleSignal  chan struct{}
	workerSeq   atomic.Int64

	runningCount atomic.Int32
	// lastHighDelayMillis is the queueing delay of the most recent
	// high-priority task that had to wait for a saturated pool, or -1
	// if no high-priority task is currently in that state. Read by the
	// low-priority admission rule in runLowPriorityTask.
	lastHighDelayMillis atomic.Int64

	shutdown atomic.Bool
	haltOnce sync.Once
	closed   chan struct{}
}

// NewScheduler constructs a Scheduler from opts, filling unset fields
// with defaults, and starts its background keep-alive reaper.
func NewScheduler(opts Options) (*Scheduler, error) {
	opts.fillDefaults()

	s := &Scheduler{
		opts:       opts,
		clock:      newClock(),
		allWorkers: make(map[*worker]struct{}),
		idleSignal: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	s.corePoolSize.Store(int32(opts.CorePoolSize))
	s.maxPoolSize.Store(int32(opts.MaxPoolSize))
	s.keepAliveNanos.Store(int64(opts.KeepAliveTime))
	s.maxWaitForLowPriorityNanos.Store(int64(opts.MaxWaitForLowPriority))
	s.allowCoreTimeoutFlag.Store(opts.AllowCoreThreadTimeout)
	s.defaultPriority.Store(int32(opts.DefaultPriority))
	s.lastHighDelayMillis.Store(-1)

	s.highQueue = newDelayQueue[taskWrapper](s.clock)
	s.lowQueue = newDelayQueue[taskWrapper](s.clock)
	s.highConsumer = newTaskConsumer(PriorityHigh, s.highQueue, s)
	s.lowConsumer = newTaskConsumer(PriorityLow, s.lowQueue, s)

	go s.reapLoop()
	return s, nil
}

func (s *Scheduler) metrics() MetricsPolicy { return s.opts.Metrics }
func (s *Scheduler) logger() *zap.Logger    { return s.opts.Logger }

func (s *Scheduler) queueFor(p Priority) *delayQueue[taskWrapper] {
	if p == PriorityHigh {
		return s.highQueue
	}
	return s.lowQueue
}

func (s *Scheduler) consumerFor(p Priority) *taskConsumer {
	if p == PriorityHigh {
		return s.highConsumer
	}
	return s.lowConsumer
}

// DefaultPriority / SetDefaultPriority restore
// PriorityScheduler.getDefaultPriority / makeWithDefaultPriority as a
// plain accessor pair, since Go has no constructor-time type
// substitution need for the wrapping facade the source uses instead.
func (s *Scheduler) DefaultPriority() Priority {
	return Priority(s.defaultPriority.Load())
}

func (s *Scheduler) SetDefaultPriority(p Priority) {
	s.defaultPriority.Store(int32(p))
}

func (s *Scheduler) IsShutdown() bool { return s.shutdown.Load() }

// ---- submission ----

func (s *Scheduler) enqueue(w taskWrapper) {
	s.queueFor(w.priority()).Add(w)
	s.consumerFor(w.priority()).ensureStarted()
}

func (s *Scheduler) Execute(t Task) error {
	return s.ExecuteWithPriority(t, s.DefaultPriority())
}

func (s *Scheduler) ExecuteWithPriority(t Task, p Priority) error {
	if t == nil {
		return invalidArgf("task must not be nil")
	}
	if s.shutdown.Load() {
		s.metrics().IncRejected()
		return ErrSchedulerClosed
	}
	now := s.clock.accurateMillis()
	s.metrics().IncQueued(p)
	s.enqueue(newOneTimeTask(t, p, now, nil))
	return nil
}

func (s *Scheduler) Schedule(t Task, delay time.Duration) error {
	return s.ScheduleWithPriority(t, delay, s.DefaultPriority())
}

func (s *Scheduler) ScheduleWithPriority(t Task, delay time.Duration, p Priority) error {
	if t == nil {
		return invalidArgf("task must not be nil")
	}
	if err := assertNotNegativeDuration(int64(delay), "delay"); err != nil {
		return err
	}
	if s.shutdown.Load() {
		s.metrics().IncRejected()
		return ErrSchedulerClosed
	}
	now := s.clock.accurateMillis()
	s.metrics().IncQueued(p)
	s.enqueue(newOneTimeTask(t, p, now+delay.Milliseconds(), nil))
	return nil
}

func (s *Scheduler) ScheduleWithFixedDelay(t Task, initialDelay, delay time.Duration) error {
	return s.ScheduleWithFixedDelayAndPriority(t, initialDelay, delay, s.DefaultPriority())
}

func (s *Scheduler) ScheduleWithFixedDelayAndPriority(t Task, initialDelay, delay time.Duration, p Priority) error {
	if t == nil {
		return invalidArgf("task must not be nil")
	}
	if err := assertNotNegativeDuration(int64(initialDelay), "initialDelay"); err != nil {
		return err
	}
	if err := assertPositive(int(delay.Milliseconds()), "delay"); err != nil {
		return err
	}
	if s.shutdown.Load() {
		s.metrics().IncRejected()
		return ErrSchedulerClosed
	}
	now := s.clock.accurateMillis()
	s.metrics().IncQueued(p)
	s.enqueue(newRecurringDelayTask(t, p, now+initialDelay.Milliseconds(), delay.Milliseconds(), nil))
	return nil
}

func (s *Scheduler) ScheduleAtFixedRate(t Task, initialDelay, period time.Duration) error {
	return s.ScheduleAtFixedRateWithPriority(t, initialDelay, period, s.DefaultPriority())
}

func (s *Scheduler) ScheduleAtFixedRateWithPriority(t Task, initialDelay, period time.Duration, p Priority) error {
	if t == nil {
		return invalidArgf("task must not be nil")
	}
	if err := assertNotNegativeDuration(int64(initialDelay), "initialDelay"); err != nil {
		return err
	}
	if err := assertPositive(int(period.Milliseconds()), "period"); err != nil {
		return err
	}
	if s.shutdown.Load() {
		s.metrics().IncRejected()
		return ErrSchedulerClosed
	}
	now := s.clock.accurateMillis()
	s.metrics().IncQueued(p)
	s.enqueue(newRecurringRateTask(t, p, now+initialDelay.Milliseconds(), period.Milliseconds(), nil))
	return nil
}

func (s *Scheduler) Submit(t Task) (Future, error) {
	return s.SubmitWithPriority(t, s.DefaultPriority())
}

func (s *Scheduler) SubmitWithPriority(t Task, p Priority) (Future, error) {
	if t == nil {
		return nil, invalidArgf("task must not be nil")
	}
	ft := newFutureTask(func() (any, error) { t(); return nil, nil }, false, s.logPanic)
	if err := s.executeFuture(ft, t, p); err != nil {
		return nil, err
	}
	return ft, nil
}

func (s *Scheduler) SubmitWithResult(call func() (any, error)) (Future, error) {
	return s.SubmitWithResultAndPriority(call, s.DefaultPriority())
}

func (s *Scheduler) SubmitWithResultAndPriority(call func() (any, error), p Priority) (Future, error) {
	if call == nil {
		return nil, invalidArgf("callable must not be nil")
	}
	ft := newFutureTask(call, false, s.logPanic)
	if err := s.executeFuture(ft, call, p); err != nil {
		return nil, err
	}
	return ft, nil
}

func (s *Scheduler) executeFuture(ft *futureTask, original any, p Priority) error {
	if s.shutdown.Load() {
		s.metrics().IncRejected()
		return ErrSchedulerClosed
	}
	now := s.clock.accurateMillis()
	s.metrics().IncQueued(p)
	w := newOneTimeTask(ft.asTask(), p, now, original)
	w.attachFuture(ft)
	ft.setWrapper(w)
	s.enqueue(w)
	return nil
}

func (s *Scheduler) logPanic(r any) {
	s.logger().Error("listener panicked", zap.Any("panic", r))
}

// Remove cancels the first queued task whose original submitted value
// is task, identified by func entry-point identity (for Submit and
// SubmitWithResult, the Task or callable that was passed in). Returns
// false if no match is queued -- in particular, a one-time task
// already running cannot be removed. A recurring task stays in its
// queue while it runs, so Remove finds it then too and cancels its
// later runs; the run in progress is not interrupted.
func (s *Scheduler) Remove(task any) bool {
	pred := func(w taskWrapper) bool { return identicalTask(w.userTask(), task) }
	if w, ok := s.highQueue.RemoveMatch(pred); ok {
		w.cancel()
		return true
	}
	if w, ok := s.lowQueue.RemoveMatch(pred); ok {
		w.cancel()
		return true
	}
	return false
}

// ---- dispatch ----

func (s *Scheduler) runHighPriorityTask(t taskWrapper) {
	w := s.getExistingWorker(0)
	if w == nil {
		w = s.growOrWaitForWorker(t)
	}
	s.dispatch(w, t)
}

// growOrWaitForWorker creates a new worker if the pool has room.
// Otherwise the pool is saturated: it records t's queueing delay into
// lastHighDelayMillis, so a contending low-priority dispatch knows how
// long a high-priority task has already had to wait, then blocks for
// a worker to free up.
func (s *Scheduler) growOrWaitForWorker(t taskWrapper) *worker {
	if s.totalWorkers() < int(s.maxPoolSize.Load()) {
		if w, err := s.makeNewWorker(); err == nil {
			return w
		}
	}
	now := s.clock.accurateMillis()
	s.lastHighDelayMillis.Store(t.delayEstimateMillis(now))
	return s.getExistingWorker(-1)
}

func (s *Scheduler) runLowPriorityTask(t taskWrapper) {
	s.deferToHighPriorityContention(t)
	if s.highQueue.Len() == 0 {
		s.lastHighDelayMillis.Store(-1)
	}

	// An empty pool creates unconditionally rather than waiting out
	// MaxWaitForLowPriority first -- otherwise the very first task on a
	// cold scheduler would stall for no reason, since there is no
	// worker that could ever free up during that wait.
	var w *worker
	if s.totalWorkers() == 0 {
		w = s.makeOrWaitWorker()
	} else {
		wait := time.Duration(s.maxWaitForLowPriorityNanos.Load())
		w = s.getExistingWorker(wait)
		if w == nil {
			w = s.makeOrWaitWorker()
		}
	}
	s.dispatch(w, t)
}

// deferToHighPriorityContention implements the low-priority fairness
// rule: when idle workers are scarce, the high-priority lane still has
// work, and this task's own queueing delay exceeds the delay recorded
// for the most recently saturated high-priority dispatch by more than
// lowPriorityWaitToleranceMillis, wait for that difference (or until a
// worker goes idle) before competing for a worker. A single bounded wait is used rather than a re-check
// loop: delayEstimateMillis only grows the longer this task waits,
// while lastHighDelayMillis is a comparatively static snapshot, so a
// loop re-evaluating the same comparison would tend to keep
// re-arming rather than converge.
func (s *Scheduler) deferToHighPriorityContention(t taskWrapper) {
	lastHigh := s.lastHighDelayMillis.Load()
	if lastHigh < 0 || s.highQueue.Len() == 0 {
		return
	}
	if s.idleWorkerCount() >= workerContentionLevel {
		return
	}
	now := s.clock.accurateMillis()
	extra := t.delayEstimateMillis(now) - lastHigh
	if extra <= lowPriorityWaitToleranceMillis {
		return
	}
	s.waitForIdleSignalOrTimeout(time.Duration(extra) * time.Millisecond)
}

func (s *Scheduler) idleWorkerCount() int {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	return len(s.idleWorkers)
}

// waitForIdleSignalOrTimeout waits until either a worker becomes idle
// or d elapses, without claiming the worker -- used purely to pace a
// deferral, leaving getExistingWorker's own wait to do the claiming.
func (s *Scheduler) waitForIdleSignalOrTimeout(d time.Duration) {
	s.workersLock.Lock()
	sig := s.idleSignal
	s.workersLock.Unlock()
	select {
	case <-sig:
	case <-time.After(d):
	}
}

func (s *Scheduler) dispatch(w *worker, t taskWrapper) {
	s.runningCount.Add(1)
	s.metrics().DecQueued(t.priority())
	w.assign(t)
}

func (s *Scheduler) handlePanic(w *worker, t taskWrapper, r any) {
	s.logger().Error("task panicked", zap.String("worker", w.name), zap.Any("panic", r))
	if h := s.opts.UncaughtHandler; h != nil {
		h(r)
	}
}

func (s *Scheduler) workerDone(w *worker) {
	s.runningCount.Add(-1)
	s.markIdle(w)
}

// requeueRecurring is called from taskWrapper.onDequeue, after Take
// has already removed the item from its queue, to re-add it at the
// +infinity sentinel deadline while it executes.
func (s *Scheduler) requeueRecurring(t taskWrapper) {
	s.queueFor(t.priority()).AddLast(t)
}

// completeRecurring repositions a recurring wrapper still sitting in
// its queue (at the +infinity sentinel) to the deadline its next run
// computes, under the queue's own lock -- the mandatory
// remove-mutate-reinsert path for changing an already-queued item's
// priority.
func (s *Scheduler) completeRecurring(t taskWrapper, nowMillis int64) {
	_, found := s.queueFor(t.priority()).Reposition(
		func(item taskWrapper) bool { return item == t },
		func(item taskWrapper) {
			if rc, ok := item.(recurringCompleter); ok {
				rc.completed(nowMillis)
			}
		},
	)
	if !found && !t.canceled() {
		s.logger().Error("recurring task missing from queue on reschedule",
			zap.Error(errNotFound))
	}
}

// ---- worker pool bookkeeping ----

func (s *Scheduler) totalWorkers() int {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	return len(s.allWorkers)
}

// isHalted reports whether halt has already run, so a worker racing
// its own shutdown marker (Shutdown's marker task runs on a worker and
// calls ShutdownNow/halt before that worker's own run loop returns)
// doesn't resurrect itself into the idle pool after teardown.
func (s *Scheduler) isHalted() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Scheduler) markIdle(w *worker) {
	if s.isHalted() {
		return
	}
	w.idleSince = time.Now()
	s.workersLock.Lock()
	s.idleWorkers = append([]*worker{w}, s.idleWorkers...)
	old := s.idleSignal
	s.idleSignal = make(chan struct{})
	s.workersLock.Unlock()
	close(old)
}

// getExistingWorker waits up to timeout for an idle worker, returning
// nil on timeout. timeout < 0 waits indefinitely; timeout == 0 checks
// once without waiting.
func (s *Scheduler) getExistingWorker(timeout time.Duration) *worker {
	hasDeadline := timeout >= 0
	var deadline time.Time
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}
	for {
		s.workersLock.Lock()
		if len(s.idleWorkers) > 0 {
			w := s.idleWorkers[0]
			s.idleWorkers = s.idleWorkers[1:]
			s.workersLock.Unlock()
			return w
		}
		sig := s.idleSignal
		s.workersLock.Unlock()

		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			select {
			case <-sig:
			case <-time.After(remaining):
				return nil
			}
		} else {
			<-sig
		}
	}
}

func (s *Scheduler) makeOrWaitWorker() *worker {
	for {
		total := s.totalWorkers()
		if total == 0 || total < int(s.maxPoolSize.Load()) {
			if w, err := s.makeNewWorker(); err == nil {
				return w
			}
		}
		if w := s.getExistingWorker(-1); w != nil {
			return w
		}
	}
}

func (s *Scheduler) makeNewWorker() (*worker, error) {
	id := s.workerSeq.Add(1)
	w := newWorker(fmt.Sprintf("priorityscheduler-worker-%d", id))
	if err := w.start(s, s.opts.ThreadFactory); err != nil {
		return nil, fmt.Errorf("priorityscheduler: start worker: %w", err)
	}
	s.workersLock.Lock()
	s.allWorkers[w] = struct{}{}
	s.workersLock.Unlock()
	s.metrics().IncWorkersCreated()
	s.logger().Debug("worker created", zap.String("worker", w.name))
	return w, nil
}

func (s *Scheduler) killWorker(w *worker) {
	w.stop()
	s.metrics().IncWorkersRetired()
	s.logger().Debug("worker retired", zap.String("worker", w.name))
}

// expireOldWorkers retires idle workers above corePoolSize (or all of
// them, if AllowCoreThreadTimeout is set) that have been idle past
// KeepAliveTime, oldest-idle-first -- the "newest at front, expire
// from the back" discipline.
func (s *Scheduler) expireOldWorkers() {
	keepAlive := time.Duration(s.keepAliveNanos.Load())
	allow := s.allowCoreTimeoutFlag.Load()
	core := int(s.corePoolSize.Load())
	now := time.Now()

	var toKill []*worker
	s.workersLock.Lock()
	total := len(s.allWorkers)
	for {
		n := len(s.idleWorkers)
		if n == 0 {
			break
		}
		back := s.idleWorkers[n-1]
		if now.Sub(back.idleSince) < keepAlive {
			break
		}
		if total <= core && !allow {
			break
		}
		s.idleWorkers = s.idleWorkers[:n-1]
		delete(s.allWorkers, back)
		toKill = append(toKill, back)
		total--
	}
	s.workersLock.Unlock()

	for _, w := range toKill {
		s.killWorker(w)
	}
}

func (s *Scheduler) reapLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.expireOldWorkers()
		case <-s.closed:
			return
		}
	}
}

// ---- pool resizing ----

func (s *Scheduler) SetCorePoolSize(n int) error {
	if err := assertPositive(n, "corePoolSize"); err != nil {
		return err
	}
	s.poolSizeChangeLock.Lock()
	defer s.poolSizeChangeLock.Unlock()
	if n > int(s.maxPoolSize.Load()) {
		s.maxPoolSize.Store(int32(n))
	}
	s.corePoolSize.Store(int32(n))
	return nil
}

func (s *Scheduler) SetMaxPoolSize(n int) error {
	if err := assertPositive(n, "maxPoolSize"); err != nil {
		return err
	}
	s.poolSizeChangeLock.Lock()
	defer s.poolSizeChangeLock.Unlock()
	if n < int(s.corePoolSize.Load()) {
		s.corePoolSize.Store(int32(n))
	}
	s.maxPoolSize.Store(int32(n))

	s.workersLock.Lock()
	excess := len(s.allWorkers) - n
	var toKill []*worker
	for excess > 0 && len(s.idleWorkers) > 0 {
		last := len(s.idleWorkers) - 1
		w := s.idleWorkers[last]
		s.idleWorkers = s.idleWorkers[:last]
		delete(s.allWorkers, w)
		toKill = append(toKill, w)
		excess--
	}
	s.workersLock.Unlock()
	for _, w := range toKill {
		s.killWorker(w)
	}
	return nil
}

func (s *Scheduler) SetKeepAliveTime(d time.Duration) error {
	if err := assertNotNegativeDuration(int64(d), "keepAliveTime"); err != nil {
		return err
	}
	s.keepAliveNanos.Store(int64(d))
	return nil
}

func (s *Scheduler) SetMaxWaitForLowPriority(d time.Duration) error {
	if err := assertNotNegativeDuration(int64(d), "maxWaitForLowPriority"); err != nil {
		return err
	}
	s.maxWaitForLowPriorityNanos.Store(int64(d))
	return nil
}

func (s *Scheduler) AllowCoreThreadTimeout(allow bool) {
	s.allowCoreTimeoutFlag.Store(allow)
}

// PrestartAllCoreThreads creates workers up to CorePoolSize
// immediately instead of lazily on first dispatch, making at most
// CorePoolSize attempts. Any ThreadFactory failures are combined via
// multierr rather than aborting after the first.
func (s *Scheduler) PrestartAllCoreThreads() error {
	s.poolSizeChangeLock.Lock()
	defer s.poolSizeChangeLock.Unlock()
	core := int(s.corePoolSize.Load())
	var errs error
	for attempt := 0; attempt < core && s.totalWorkers() < core; attempt++ {
		w, err := s.makeNewWorker()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.markIdle(w)
	}
	return errs
}

// ---- introspection ----

func (s *Scheduler) Scheduled() int { return s.highQueue.Len() + s.lowQueue.Len() }

func (s *Scheduler) ScheduledByPriority(p Priority) int { return s.queueFor(p).Len() }

func (s *Scheduler) CurrentPoolSize() int { return s.totalWorkers() }

func (s *Scheduler) CurrentRunningCount() int { return int(s.runningCount.Load()) }

// ---- shutdown ----

// Shutdown stops accepting new submissions and lets already-queued
// work drain before retiring every worker: it appends a marker task
// to the high-priority queue that itself calls ShutdownNow once it
// runs. Since the marker is queued rather than run immediately, any
// high-priority work already due ahead of it gets a chance to run
// first; low-priority work queued behind it may or may not, same as
// the source's own marker-task design.
func (s *Scheduler) Shutdown() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.logger().Info("scheduler shutdown requested")
	now := s.clock.accurateMillis()
	marker := newOneTimeTask(func() { s.ShutdownNow() }, PriorityHigh, now, nil)
	marker.markInternal()
	s.enqueue(marker)
}

// ShutdownNow stops accepting new submissions, cancels and drains
// every queued task immediately, and retires every worker without
// waiting for in-flight tasks to finish (though it does not interrupt
// them). Returns the tasks that were queued but never ran, excluding
// Shutdown's own marker task.
func (s *Scheduler) ShutdownNow() []Task {
	s.shutdown.Store(true)
	highItems := s.highQueue.DrainAll()
	lowItems := s.lowQueue.DrainAll()
	pending := make([]Task, 0, len(highItems)+len(lowItems))
	for _, w := range highItems {
		w.cancel()
		if w.isInternal() {
			continue
		}
		pending = append(pending, w.rawTask())
	}
	for _, w := range lowItems {
		w.cancel()
		pending = append(pending, w.rawTask())
	}
	s.halt()
	return pending
}

func (s *Scheduler) halt() {
	s.haltOnce.Do(func() {
		s.highConsumer.stop()
		s.lowConsumer.stop()
		close(s.closed)

		s.workersLock.Lock()
		workers := make([]*worker, 0, len(s.allWorkers))
		for w := range s.allWorkers {
			workers = append(workers, w)
		}
		s.allWorkers = make(map[*worker]struct{})
		s.idleWorkers = nil
		s.workersLock.Unlock()

		for _, w := range workers {
			s.killWorker(w)
		}
		s.logger().Info("scheduler halted")
	})
}

// MakeSubPool returns a Submitter that forwards to this Scheduler but
// never runs more than maxConcurrency of its own tasks at once.
//
// Ground truth: PriorityScheduler.makeSubPool / PrioritySchedulerLimiter.
func (s *Scheduler) MakeSubPool(maxConcurrency int) Submitter {
	return newSubPoolLimiter(s, maxConcurrency)
}
