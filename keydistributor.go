package priorityscheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// keyQueue is one key's FIFO backlog. draining tracks whether a drain
// task for this key is currently submitted to the underlying
// Submitter, so at most one is ever outstanding per key.
type keyQueue struct {
	backlog  []Task
	draining bool
}

// stripe is one shard of the KeyDistributor's key space, guarding its
// own map of keyQueues independently of every other stripe.
type stripe struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
}

// KeyDistributor guarantees that tasks submitted under the same key
// run strictly in submission order, never concurrently with each
// other, without dedicating a goroutine to every key.
//
// Ground truth: TaskSchedulerDistributor (tests in
// TaskSchedulerDistributorTest.java). Each key's backlog drains by
// resubmitting its own drain loop as a single ordinary task to the
// underlying Submitter; as long as the backlog is non-empty the loop
// keeps running on whichever worker picked it up, giving the key
// affinity its name promises without a dedicated goroutine.
type KeyDistributor struct {
	sched   Submitter
	stripes []*stripe
	logger  *zap.Logger
}

// NewKeyDistributor wraps sched with stripeCount independently locked
// shards of key storage. Stripes only partition the locks: every key
// keeps its own backlog, so even with a stripeCount of 1 tasks for
// distinct keys still run concurrently.
func NewKeyDistributor(sched Submitter, stripeCount int) *KeyDistributor {
	if stripeCount < 1 {
		stripeCount = 1
	}
	stripes := make([]*stripe, stripeCount)
	for i := range stripes {
		stripes[i] = &stripe{queues: make(map[string]*keyQueue)}
	}
	return &KeyDistributor{sched: sched, stripes: stripes, logger: zap.NewNop()}
}

func (d *KeyDistributor) stripeFor(key string) *stripe {
	return d.stripes[fnv32(key)%uint32(len(d.stripes))]
}

// fnv32 is the FNV-1a 32-bit hash, used only to pick a stripe -- it
// need not be cryptographically strong, only well distributed.
func fnv32(s string) uint32 {
	const prime32 = 16777619
	hash := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= prime32
	}
	return hash
}

// Execute enqueues task onto key's backlog for immediate draining.
func (d *KeyDistributor) Execute(key string, task Task) error {
	if key == "" {
		return invalidArgf("key must not be empty")
	}
	if task == nil {
		return invalidArgf("task must not be nil")
	}
	if d.sched.IsShutdown() {
		return ErrSchedulerClosed
	}
	d.enqueue(key, task)
	return nil
}

// Schedule delays the *enqueue* of task onto key's backlog by delay,
// not its execution; the drain itself always runs undelayed, so two
// delayed submissions for the same key that become due out of
// submission order still execute in the order they were enqueued, not
// the order their delays expired.
func (d *KeyDistributor) Schedule(key string, task Task, delay time.Duration) error {
	if key == "" {
		return invalidArgf("key must not be empty")
	}
	if task == nil {
		return invalidArgf("task must not be nil")
	}
	if err := assertNotNegativeDuration(int64(delay), "delay"); err != nil {
		return err
	}
	if d.sched.IsShutdown() {
		return ErrSchedulerClosed
	}
	return d.sched.Schedule(func() { d.enqueue(key, task) }, delay)
}

// ScheduleWithFixedDelay relays the recurring enqueue to the
// underlying Submitter's own ScheduleWithFixedDelay; each firing
// enqueues one more task onto key's backlog.
func (d *KeyDistributor) ScheduleWithFixedDelay(key string, task Task, initialDelay, recurringDelay time.Duration) error {
	if key == "" {
		return invalidArgf("key must not be empty")
	}
	if task == nil {
		return invalidArgf("task must not be nil")
	}
	if err := assertNotNegativeDuration(int64(initialDelay), "initialDelay"); err != nil {
		return err
	}
	if err := assertPositive(int(recurringDelay.Milliseconds()), "recurringDelay"); err != nil {
		return err
	}
	if d.sched.IsShutdown() {
		return ErrSchedulerClosed
	}
	return d.sched.ScheduleWithFixedDelay(func() { d.enqueue(key, task) }, initialDelay, recurringDelay)
}

func (d *KeyDistributor) enqueue(key string, task Task) {
	s := d.stripeFor(key)
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &keyQueue{}
		s.queues[key] = q
	}
	q.backlog = append(q.backlog, task)
	startDrain := !q.draining
	if startDrain {
		q.draining = true
	}
	s.mu.Unlock()

	if !startDrain {
		return
	}
	if err := d.sched.Execute(func() { d.drain(s, key) }); err != nil {
		s.mu.Lock()
		q.draining = false
		s.mu.Unlock()
	}
}

// drain runs as a single task submitted to the underlying Submitter.
// It processes key's backlog to empty, including any tasks enqueued
// while it was already running, then clears the draining flag so the
// next Execute/Schedule firing for this key starts a fresh drain.
func (d *KeyDistributor) drain(s *stripe, key string) {
	for {
		s.mu.Lock()
		q := s.queues[key]
		if q == nil || len(q.backlog) == 0 {
			if q != nil {
				q.draining = false
				delete(s.queues, key)
			}
			s.mu.Unlock()
			return
		}
		task := q.backlog[0]
		q.backlog = q.backlog[1:]
		s.mu.Unlock()

		d.runOne(key, task)
	}
}

func (d *KeyDistributor) runOne(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("keyed task panicked", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	task()
}

// KeyedSubmitter is a facade pre-binding a key to its KeyDistributor,
// so callers that only ever operate on one key don't have to repeat
// it on every call.
type KeyedSubmitter struct {
	d   *KeyDistributor
	key string
}

// GetSchedulerForKey returns a KeyedSubmitter bound to key.
func (d *KeyDistributor) GetSchedulerForKey(key string) KeyedSubmitter {
	return KeyedSubmitter{d: d, key: key}
}

func (k KeyedSubmitter) Execute(task Task) error { return k.d.Execute(k.key, task) }

func (k KeyedSubmitter) Schedule(task Task, delay time.Duration) error {
	return k.d.Schedule(k.key, task, delay)
}

func (k KeyedSubmitter) ScheduleWithFixedDelay(task Task, initialDelay, recurringDelay time.Duration) error {
	return k.d.ScheduleWithFixedDelay(k.key, task, initialDelay, recurringDelay)
}

func (k KeyedSubmitter) IsShutdown() bool { return k.d.sched.IsShutdown() }
