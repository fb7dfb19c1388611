// Package queue provides the retry queue of the batch processor: an in-memory FIFO
// of tasks that failed transiently and still have attempts left.
//
// The dispatcher drains this queue before it reads new work from the source file,
// so already-attempted tasks are bounded in latency.
package queue

import "github.com/guido-cesarano/batchq/pkg/tasks"

// RetryQueue is a FIFO of tasks. It is not safe for concurrent use; the
// dispatcher goroutine is its only user.
type RetryQueue struct {
	items []*tasks.Task
	head  int
}

// NewRetryQueue returns an empty queue.
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{}
}

// Push appends a task to the tail.
func (q *RetryQueue) Push(t *tasks.Task) {
	q.items = append(q.items, t)
}

// Pop removes and returns the head task, or nil when the queue is empty.
func (q *RetryQueue) Pop() *tasks.Task {
	if q.head >= len(q.items) {
		return nil
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Reclaim the consumed prefix once it dominates the slice
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append([]*tasks.Task(nil), q.items[q.head:]...)
		q.head = 0
	}
	return t
}

// Len returns the number of queued tasks.
func (q *RetryQueue) Len() int {
	return len(q.items) - q.head
}

// Empty reports whether the queue holds no tasks.
func (q *RetryQueue) Empty() bool {
	return q.Len() == 0
}
