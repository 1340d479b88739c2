package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeProcessItem starts triage for a newly arrived item.
	TaskTypeProcessItem TaskType = "process-item"

	// TaskTypeDecision delivers an approval callback to the gateway.
	TaskTypeDecision TaskType = "decision"

	// TaskTypeDigest drains one user's batch queue into a digest.
	TaskTypeDigest TaskType = "digest"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// UserID targets digest tasks.
	UserID string

	// CorrelationKey targets decision tasks.
	CorrelationKey string

	// Payload is task-type specific:
	//   - process-item: worker.ItemPayload
	//   - decision: worker.DecisionPayload
	//   - digest: nil
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible for
	// processing. Zero value means "immediately".
	NotBefore time.Time

	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for
	// cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until
	// one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
