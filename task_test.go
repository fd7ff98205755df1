package priorityscheduler

import "testing"

func TestOneTimeTaskDeadlineAndEstimate(t *testing.T) {
	ran := false
	ot := newOneTimeTask(func() { ran = true }, PriorityHigh, 1000, nil)

	if got := ot.deadlineMillis(); got != 1000 {
		t.Fatalf("deadlineMillis = %d; want 1000", got)
	}
	if got := ot.delayEstimateMillis(1050); got != 50 {
		t.Fatalf("delayEstimateMillis = %d; want 50", got)
	}
	if got := ot.delayEstimateMillis(900); got != 0 {
		t.Fatalf("delayEstimateMillis before deadline = %d; want 0", got)
	}

	ot.run()
	if !ran {
		t.Fatal("run() did not invoke the task")
	}
}

func TestOneTimeTaskCancelPreventsRun(t *testing.T) {
	ran := false
	ot := newOneTimeTask(func() { ran = true }, PriorityLow, 0, nil)
	ot.cancel()
	ot.run()
	if ran {
		t.Fatal("run() invoked a canceled task")
	}
	if !ot.canceled() {
		t.Fatal("canceled() = false after cancel()")
	}
}

// onDequeue itself requires a live *Scheduler (it re-queues the
// wrapper), so these tests exercise the executing-flag/deadline state
// machine directly via the package-private fields rather than routing
// through onDequeue.

func TestRecurringDelayTaskArmsSentinelWhileExecuting(t *testing.T) {
	rt := newRecurringDelayTask(func() {}, PriorityLow, 1000, 500, nil)
	if got := rt.deadlineMillis(); got != 1000 {
		t.Fatalf("deadlineMillis before dequeue = %d; want 1000", got)
	}

	rt.mu2.Lock()
	rt.executing = true
	rt.mu2.Unlock()
	if got := rt.deadlineMillis(); got != infiniteDeadline {
		t.Fatalf("deadlineMillis while executing = %d; want infiniteDeadline", got)
	}

	rt.completed(2000)
	if got := rt.deadlineMillis(); got != 2500 {
		t.Fatalf("deadlineMillis after completion = %d; want 2500 (now + restPeriod)", got)
	}
}

func TestRecurringRateTaskDoesNotDriftWhenOnTime(t *testing.T) {
	rt := newRecurringRateTask(func() {}, PriorityHigh, 1000, 100, nil)
	rt.mu2.Lock()
	rt.executing = true
	rt.mu2.Unlock()
	rt.completed(1010) // finished quickly, well within the period
	if got := rt.deadlineMillis(); got != 1100 {
		t.Fatalf("deadlineMillis after on-time completion = %d; want 1100 (prevRun + period)", got)
	}
}

func TestRecurringRateTaskCatchesUpAfterOverrun(t *testing.T) {
	rt := newRecurringRateTask(func() {}, PriorityHigh, 1000, 100, nil)
	rt.mu2.Lock()
	rt.executing = true
	rt.mu2.Unlock()
	rt.completed(1500) // ran long past when the next run should have started
	if got := rt.deadlineMillis(); got != 1500 {
		t.Fatalf("deadlineMillis after overrun = %d; want 1500 (now, not a past deadline)", got)
	}
}

func TestIdenticalTaskComparesFuncsByEntryPoint(t *testing.T) {
	f := func() {}
	var g Task = f
	if !identicalTask(f, g) {
		t.Fatal("identicalTask(f, g) = false for the same function value")
	}

	h := func() {}
	if identicalTask(f, h) {
		t.Fatal("identicalTask considered two distinct functions identical")
	}
}

func TestIdenticalTaskComparesPointersByEquality(t *testing.T) {
	ft := &futureTask{}
	if !identicalTask(ft, ft) {
		t.Fatal("identicalTask(ft, ft) = false for the same pointer")
	}
	other := &futureTask{}
	if identicalTask(ft, other) {
		t.Fatal("identicalTask considered two distinct pointers identical")
	}
}

func TestUserTaskFallsBackToRawTask(t *testing.T) {
	task := func() {}
	ot := newOneTimeTask(task, PriorityHigh, 0, nil)
	if !identicalTask(ot.userTask(), task) {
		t.Fatal("userTask() did not fall back to the raw task when original is nil")
	}

	ft := &futureTask{}
	ot2 := newOneTimeTask(task, PriorityHigh, 0, ft)
	if ot2.userTask() != ft {
		t.Fatal("userTask() did not return the original value when set")
	}
}
