package priorityscheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// delayedTask is the constraint delayQueue[T] requires of its
// elements: an absolute deadline in clock milliseconds.
// math.MaxInt64 is used as the "runs after everything else" sentinel
// while a recurring wrapper is executing (see onDequeue in task.go).
type delayedTask interface {
	deadlineMillis() int64
}

// heapEntry wraps a delayedTask with a monotonically increasing
// insertion sequence so that items with equal deadlines come back out
// in FIFO order, matching the original source's tie-breaking.
type heapEntry[T delayedTask] struct {
	item T
	seq  uint64
}

type taskHeap[T delayedTask] []*heapEntry[T]

func (h taskHeap[T]) Len() int { return len(h) }

func (h taskHeap[T]) Less(i, j int) bool {
	di, dj := h[i].item.deadlineMillis(), h[j].item.deadlineMillis()
	if di != dj {
		return di < dj
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap[T]) Push(x any) { *h = append(*h, x.(*heapEntry[T])) }

func (h *taskHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayQueue is a generic, unexported delay-ordered priority queue
// backed by container/heap.
//
// Grounded on DynamicDelayQueue and priority_queue.go's prioQueue[T]/
// priorityQueue[T] heap.Interface pair; adapted to generics and to
// Go's condition-variable-free channel-based wakeup instead of the
// source's native park/unpark-per-insert notification.
type delayQueue[T delayedTask] struct {
	mu      sync.Mutex
	heap    taskHeap[T]
	seq     uint64
	wake    chan struct{}
	clock   *clock
}

func newDelayQueue[T delayedTask](c *clock) *delayQueue[T] {
	return &delayQueue[T]{
		clock: c,
		wake:  make(chan struct{}, 1),
	}
}

func (q *delayQueue[T]) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Add inserts item in deadline order. The clock is frozen for the
// duration of the insert so a concurrent Take comparing against the
// same moment in time sees a stable cached value rather than one that
// ticked over mid-comparison.
func (q *delayQueue[T]) Add(item T) {
	q.clock.freeze()
	defer q.clock.unfreeze()
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, &heapEntry[T]{item: item, seq: q.seq})
	q.mu.Unlock()
	q.notify()
}

// AddLast inserts item. Every caller passes an item whose
// deadlineMillis() is the +infinity sentinel, so ordinary heap
// insertion already places it at the logical tail without a separate
// unordered append path -- an intentional simplification from the
// source's literal "append without comparing" AddLast.
func (q *delayQueue[T]) AddLast(item T) {
	q.Add(item)
}

// Len reports the current queue depth.
func (q *delayQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Lock/Unlock expose the queue's own mutex so callers can pair them
// with Snapshot for an iteration window, mirroring the source's
// "iterator valid only while the queue lock is held externally"
// contract.
func (q *delayQueue[T]) Lock()   { q.mu.Lock() }
func (q *delayQueue[T]) Unlock() { q.mu.Unlock() }

// Snapshot copies the current contents in heap order (not strict
// deadline order beyond the root). Must be called with the lock held.
func (q *delayQueue[T]) Snapshot() []T {
	out := make([]T, len(q.heap))
	for i, e := range q.heap {
		out[i] = e.item
	}
	return out
}

// Take blocks until the head item's deadline has elapsed or ctx is
// canceled.
func (q *delayQueue[T]) Take(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.heap) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			}
		}

		head := q.heap[0]
		now := q.clock.accurateMillis()
		remaining := head.item.deadlineMillis() - now
		if remaining <= 0 {
			heap.Pop(&q.heap)
			q.mu.Unlock()
			return head.item, nil
		}
		q.mu.Unlock()

		timer := time.NewTimer(time.Duration(remaining) * time.Millisecond)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Reposition locates the first item matching pred, removes it,
// invokes mutate on it while still holding the lock (mutate may
// change what the item's deadlineMillis() reports), and reinserts it
// at its new deadline. This is the "updater invoked while the queue
// lock is held and after removal" invariant recurring-task
// rescheduling depends on.
func (q *delayQueue[T]) Reposition(pred func(T) bool, mutate func(T)) (T, bool) {
	q.clock.freeze()
	defer q.clock.unfreeze()
	q.mu.Lock()
	idx := -1
	for i, e := range q.heap {
		if pred(e.item) {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	entry := heap.Remove(&q.heap, idx).(*heapEntry[T])
	mutate(entry.item)
	q.seq++
	entry.seq = q.seq
	heap.Push(&q.heap, entry)
	item := entry.item
	q.mu.Unlock()
	q.notify()
	return item, true
}

// RemoveMatch locates, removes, and returns the first item matching
// pred without reinserting it. Backs Scheduler.Remove.
func (q *delayQueue[T]) RemoveMatch(pred func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.heap {
		if pred(e.item) {
			heap.Remove(&q.heap, i)
			return e.item, true
		}
	}
	var zero T
	return zero, false
}

// DrainAll removes and returns every queued item in heap order,
// leaving the queue empty. Used by Scheduler.ShutdownNow.
func (q *delayQueue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.heap))
	for len(q.heap) > 0 {
		e := heap.Pop(&q.heap).(*heapEntry[T])
		out = append(out, e.item)
	}
	return out
}
