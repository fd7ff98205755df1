package priorityscheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyDistributorRunsSameKeySequentiallyInOrder(t *testing.T) {
	s := newTestScheduler(t, Options{CorePoolSize: 4, MaxPoolSize: 4})
	d := NewKeyDistributor(s, 4)

	var mu sync.Mutex
	var order []int
	var running atomic.Int32
	var overlapped atomic.Bool

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		n := i
		if err := d.Execute("k", func() {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			defer running.Add(-1)
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatal("two tasks for the same key ran concurrently")
	}
	for i, n := range order {
		if n != i {
			t.Fatalf("order = %v; tasks for one key ran out of submission order", order)
		}
	}
}

func TestKeyDistributorDistinctKeysRunIndependently(t *testing.T) {
	s := newTestScheduler(t, Options{CorePoolSize: 4, MaxPoolSize: 4})
	d := NewKeyDistributor(s, 4)

	release := make(chan struct{})
	blockedA := make(chan struct{})
	if err := d.Execute("a", func() {
		close(blockedA)
		<-release
	}); err != nil {
		t.Fatalf("Execute(a): %v", err)
	}
	<-blockedA

	doneB := make(chan struct{})
	if err := d.Execute("b", func() { close(doneB) }); err != nil {
		t.Fatalf("Execute(b): %v", err)
	}

	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("key b's task was blocked behind key a's in-flight task")
	}
	close(release)
}

func TestKeyDistributorScheduledTaskStillSerializesWithBacklog(t *testing.T) {
	s := newTestScheduler(t, Options{CorePoolSize: 2, MaxPoolSize: 2})
	d := NewKeyDistributor(s, 4)

	// A long-running task occupies key "k"'s backlog first. A second
	// task Scheduled with a near-zero delay must still wait behind it
	// rather than being dispatched directly for execution the moment
	// its delay expires -- proving Schedule joins the same backlog
	// Execute does instead of bypassing it.
	firstDone := make(chan struct{})
	block := make(chan struct{})
	if err := d.Execute("k", func() {
		close(block)
		time.Sleep(30 * time.Millisecond)
		close(firstDone)
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-block

	secondRanAfterFirst := false
	secondDone := make(chan struct{})
	if err := d.Schedule("k", func() {
		select {
		case <-firstDone:
			secondRanAfterFirst = true
		default:
		}
		close(secondDone)
	}, time.Millisecond); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatal("scheduled task for a busy key never ran")
	}
	if !secondRanAfterFirst {
		t.Fatal("scheduled task ran concurrently with the in-flight task for the same key")
	}
}

func TestKeyDistributorScheduleWithFixedDelayRecurs(t *testing.T) {
	s := newTestScheduler(t, Options{CorePoolSize: 2, MaxPoolSize: 2})
	d := NewKeyDistributor(s, 4)

	var count atomic.Int32
	if err := d.ScheduleWithFixedDelay("k", func() {
		count.Add(1)
	}, 0, 10*time.Millisecond); err != nil {
		t.Fatalf("ScheduleWithFixedDelay: %v", err)
	}

	pollUntil(t, time.Second, func() bool { return count.Load() >= 3 })
}

func TestKeyDistributorRejectsEmptyKeyOrNilTask(t *testing.T) {
	s := newTestScheduler(t, Options{CorePoolSize: 1})
	d := NewKeyDistributor(s, 4)

	if err := d.Execute("", func() {}); err == nil {
		t.Fatal("Execute with empty key did not error")
	}
	if err := d.Execute("k", nil); err == nil {
		t.Fatal("Execute with nil task did not error")
	}
	if err := d.Schedule("", func() {}, 0); err == nil {
		t.Fatal("Schedule with empty key did not error")
	}
	if err := d.ScheduleWithFixedDelay("k", func() {}, 0, 0); err == nil {
		t.Fatal("ScheduleWithFixedDelay with non-positive recurringDelay did not error")
	}
}

func TestKeyDistributorRejectsSubmissionsAfterShutdown(t *testing.T) {
	s, err := NewScheduler(Options{CorePoolSize: 1})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	d := NewKeyDistributor(s, 4)

	s.Shutdown()
	pollUntil(t, time.Second, s.IsShutdown)

	if err := d.Execute("k", func() {}); err == nil {
		t.Fatal("Execute after shutdown did not error")
	}
}

func TestGetSchedulerForKeyFacadeDelegates(t *testing.T) {
	s := newTestScheduler(t, Options{CorePoolSize: 2})
	d := NewKeyDistributor(s, 4)
	keyed := d.GetSchedulerForKey("k")

	done := make(chan struct{})
	if err := keyed.Execute(func() { close(done) }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task submitted via KeyedSubmitter did not run")
	}
	if keyed.IsShutdown() {
		t.Fatal("IsShutdown() = true before shutdown")
	}
}

func TestKeyDistributorSinglePanicDoesNotStallLaterTasksForSameKey(t *testing.T) {
	s := newTestScheduler(t, Options{CorePoolSize: 2})
	d := NewKeyDistributor(s, 4)

	if err := d.Execute("k", func() { panic("boom") }); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	done := make(chan struct{})
	if err := d.Execute("k", func() { close(done) }); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain loop did not survive a panicking keyed task")
	}
}
