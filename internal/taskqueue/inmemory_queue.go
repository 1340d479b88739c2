package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a non-durable Queue backed by a slice. FIFO among
// eligible tasks; delayed tasks become eligible when NotBefore passes.
type InMemoryQueue struct {
	mu           sync.Mutex
	tasks        []Task
	pollInterval time.Duration
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a new InMemoryQueue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		pollInterval: 10 * time.Millisecond,
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if t := q.tryDequeue(); t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *InMemoryQueue) tryDequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	best := -1
	for i, t := range q.tasks {
		if t.NotBefore.After(now) {
			continue
		}
		if best == -1 || t.NotBefore.Before(q.tasks[best].NotBefore) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	t := q.tasks[best]
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return &t
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
