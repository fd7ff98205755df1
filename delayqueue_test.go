package priorityscheduler

import (
	"context"
	"testing"
	"time"
)

type stampedItem struct {
	id       int
	deadline int64
}

func (s *stampedItem) deadlineMillis() int64 { return s.deadline }

func TestDelayQueueTakeKeepsInsertionOrderForEqualDeadlines(t *testing.T) {
	q := newDelayQueue[*stampedItem](newClock())
	q.Add(&stampedItem{id: 2, deadline: 0})
	q.Add(&stampedItem{id: 1, deadline: 0})
	q.Add(&stampedItem{id: 3, deadline: 0})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var order []int
	for i := 0; i < 3; i++ {
		item, err := q.Take(ctx)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		order = append(order, item.id)
	}
	want := []int{2, 1, 3}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order = %v; want %v", order, want)
		}
	}
}

func TestDelayQueueTakeBlocksUntilDeadline(t *testing.T) {
	c := newClock()
	q := newDelayQueue[*stampedItem](c)
	now := c.accurateMillis()
	q.Add(&stampedItem{id: 1, deadline: now + 60})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := q.Take(ctx); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("Take returned after %v; want at least ~60ms delay honored", elapsed)
	}
}

func TestDelayQueueTakeHonorsContextCancellation(t *testing.T) {
	q := newDelayQueue[*stampedItem](newClock())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("Take error = %v; want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not return after context cancellation")
	}
}

func TestDelayQueueReposition(t *testing.T) {
	q := newDelayQueue[*stampedItem](newClock())
	a := &stampedItem{id: 1, deadline: 100}
	b := &stampedItem{id: 2, deadline: 200}
	q.Add(a)
	q.Add(b)

	item, ok := q.Reposition(
		func(it *stampedItem) bool { return it.id == 2 },
		func(it *stampedItem) { it.deadline = 0 },
	)
	if !ok {
		t.Fatal("Reposition did not find item")
	}
	if item.id != 2 {
		t.Fatalf("Reposition returned id %d; want 2", item.id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := q.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if first.id != 2 {
		t.Fatalf("Take after Reposition returned id %d; want 2 (repositioned to the front)", first.id)
	}
}

func TestDelayQueueRepositionMissingReturnsFalse(t *testing.T) {
	q := newDelayQueue[*stampedItem](newClock())
	q.Add(&stampedItem{id: 1, deadline: 0})

	_, ok := q.Reposition(
		func(it *stampedItem) bool { return it.id == 99 },
		func(it *stampedItem) {},
	)
	if ok {
		t.Fatal("Reposition found a non-existent item")
	}
}

func TestDelayQueueRemoveMatch(t *testing.T) {
	q := newDelayQueue[*stampedItem](newClock())
	q.Add(&stampedItem{id: 1, deadline: 0})
	q.Add(&stampedItem{id: 2, deadline: 0})

	item, ok := q.RemoveMatch(func(it *stampedItem) bool { return it.id == 1 })
	if !ok || item.id != 1 {
		t.Fatalf("RemoveMatch = %v, %v; want id 1, true", item, ok)
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("Len after RemoveMatch = %d; want 1", got)
	}
}

func TestDelayQueueSnapshotUnderLock(t *testing.T) {
	q := newDelayQueue[*stampedItem](newClock())
	q.Add(&stampedItem{id: 1, deadline: 0})
	q.Add(&stampedItem{id: 2, deadline: 0})

	q.Lock()
	snap := q.Snapshot()
	q.Unlock()

	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d; want 2", len(snap))
	}
}

func TestDelayQueueDrainAll(t *testing.T) {
	q := newDelayQueue[*stampedItem](newClock())
	q.Add(&stampedItem{id: 1, deadline: 0})
	q.Add(&stampedItem{id: 2, deadline: 0})

	drained := q.DrainAll()
	if len(drained) != 2 {
		t.Fatalf("DrainAll len = %d; want 2", len(drained))
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("Len after DrainAll = %d; want 0", got)
	}
}
