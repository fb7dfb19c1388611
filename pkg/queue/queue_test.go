package queue

import (
	"testing"

	"github.com/guido-cesarano/batchq/pkg/tasks"
)

func TestRetryQueueFIFO(t *testing.T) {
	q := NewRetryQueue()
	if q.Pop() != nil {
		t.Fatal("Expected Pop on empty queue to return nil")
	}

	for i := int64(0); i < 3; i++ {
		q.Push(&tasks.Task{TaskID: i})
	}
	if q.Len() != 3 {
		t.Fatalf("Expected length 3, got %d", q.Len())
	}

	for i := int64(0); i < 3; i++ {
		got := q.Pop()
		if got == nil || got.TaskID != i {
			t.Fatalf("Expected task %d, got %+v", i, got)
		}
	}
	if !q.Empty() {
		t.Error("Expected queue to be empty")
	}
}

func TestRetryQueueInterleavedKeepsOrder(t *testing.T) {
	q := NewRetryQueue()
	next := int64(0)
	want := int64(0)

	// Push two, pop one, many times over, so the queue compacts along the way
	for round := 0; round < 500; round++ {
		q.Push(&tasks.Task{TaskID: next})
		next++
		q.Push(&tasks.Task{TaskID: next})
		next++

		got := q.Pop()
		if got.TaskID != want {
			t.Fatalf("round %d: expected task %d, got %d", round, want, got.TaskID)
		}
		want++
	}

	for !q.Empty() {
		got := q.Pop()
		if got.TaskID != want {
			t.Fatalf("drain: expected task %d, got %d", want, got.TaskID)
		}
		want++
	}
	if want != next {
		t.Errorf("Expected to drain %d tasks, drained %d", next, want)
	}
}
