package priorityscheduler

import (
	"context"
	"sync"
	"time"
)

// taskConsumer pulls the next due item off one priority lane's
// delayQueue and hands it to the scheduler's dispatch logic. One
// instance exists per Priority, lazily started on first enqueue via
// startOnce so a Scheduler that never receives a given priority never
// spins up its goroutine.
//
// Grounded on TaskConsumer/BlockingQueueConsumer.
type taskConsumer struct {
	prio      Priority
	queue     *delayQueue[taskWrapper]
	sched     *Scheduler
	startOnce sync.Once

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newTaskConsumer(prio Priority, queue *delayQueue[taskWrapper], sched *Scheduler) *taskConsumer {
	return &taskConsumer{
		prio:    prio,
		queue:   queue,
		sched:   sched,
		stopped: make(chan struct{}),
	}
}

// ensureStarted lazily spins up the consumer loop. Safe to call on
// every enqueue.
func (c *taskConsumer) ensureStarted() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.started = true
		c.mu.Unlock()
		go c.loop(ctx)
	})
}

func (c *taskConsumer) loop(ctx context.Context) {
	defer close(c.stopped)
	for {
		t, err := c.queue.Take(ctx)
		if err != nil {
			return
		}
		if t.canceled() {
			continue
		}
		// onDequeue runs while the item is already removed from the
		// heap; for recurring variants it arms the +infinity sentinel
		// and re-queues before the task itself is dispatched to a
		// worker, so a concurrent Scheduled() call never sees the
		// wrapper as simultaneously "queued" and "running".
		t.onDequeue(c.sched)
		if c.prio == PriorityHigh {
			c.sched.runHighPriorityTask(t)
		} else {
			c.sched.runLowPriorityTask(t)
		}
	}
}

// stop cancels the consumer's Take call. The loop exits on its next
// iteration; in-flight dispatch (already past Take) completes. A
// consumer that was never started has nothing to cancel.
func (c *taskConsumer) stop() {
	c.mu.Lock()
	started := c.started
	if started {
		c.cancel()
	}
	c.mu.Unlock()
	if !started {
		return
	}
	// Wait for the loop goroutine to actually exit before the caller
	// tears down the worker pool, otherwise a dispatch already past
	// Take (mid-onDequeue or mid-runXPriorityTask) could still create
	// or assign to a worker after the pool is gone.
	select {
	case <-c.stopped:
	case <-time.After(time.Second):
	}
}
