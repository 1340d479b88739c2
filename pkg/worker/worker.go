// Package worker drains the task queue: new items start triage, decision
// callbacks go through the gateway, digest tasks drain batch queues.
package worker

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/mailflow/internal/digest"
	"github.com/petrijr/mailflow/internal/gateway"
	"github.com/petrijr/mailflow/internal/taskqueue"
	"github.com/petrijr/mailflow/pkg/api"
)

func init() {
	gob.Register(ItemPayload{})
	gob.Register(DecisionPayload{})
}

// ItemPayload is the payload of a process-item task.
type ItemPayload struct {
	Item api.Item
}

// DecisionPayload is the payload of a decision task.
type DecisionPayload struct {
	Principal string
	Decision  api.DecisionInput
}

// requeue policy for tasks whose handling failed on infrastructure.
const (
	maxTaskAttempts = 3
	requeueDelay    = 2 * time.Second
)

// Pool runs a fixed number of workers against a task queue.
type Pool struct {
	queue     taskqueue.Queue
	engine    api.Engine
	gateway   *gateway.Gateway
	scheduler *digest.Scheduler
	workers   int
	log       *slog.Logger
}

// NewPool creates a worker pool. workers <= 0 defaults to 1; a nil logger
// defaults to slog.Default().
func NewPool(queue taskqueue.Queue, engine api.Engine, gw *gateway.Gateway, sched *digest.Scheduler, workers int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		queue:     queue,
		engine:    engine,
		gateway:   gw,
		scheduler: sched,
		workers:   workers,
		log:       log,
	}
}

// EnqueueItem schedules triage for a newly arrived item.
func (p *Pool) EnqueueItem(ctx context.Context, item api.Item) error {
	return p.queue.Enqueue(ctx, taskqueue.Task{
		ID:      uuid.NewString(),
		Type:    taskqueue.TaskTypeProcessItem,
		UserID:  item.UserID,
		Payload: ItemPayload{Item: item},
	})
}

// EnqueueDecision schedules delivery of an approval callback.
func (p *Pool) EnqueueDecision(ctx context.Context, correlationKey, principal string, decision api.DecisionInput) error {
	return p.queue.Enqueue(ctx, taskqueue.Task{
		ID:             uuid.NewString(),
		Type:           taskqueue.TaskTypeDecision,
		CorrelationKey: correlationKey,
		Payload:        DecisionPayload{Principal: principal, Decision: decision},
	})
}

// EnqueueDigestAt schedules a digest drain for one user no earlier than at.
func (p *Pool) EnqueueDigestAt(ctx context.Context, userID string, at time.Time) error {
	return p.queue.Enqueue(ctx, taskqueue.Task{
		ID:        uuid.NewString(),
		Type:      taskqueue.TaskTypeDigest,
		UserID:    userID,
		NotBefore: at,
	})
}

// Run blocks processing tasks with the pool's workers until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := p.ProcessOne(ctx); err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					p.log.Error("task failed", slog.Any("error", err))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// ProcessOne dequeues and handles a single task, blocking until one is
// available. Infrastructure failures requeue the task with a delay up to
// maxTaskAttempts; domain rejections (stale callback, principal mismatch)
// are dropped after logging since redelivery cannot fix them.
func (p *Pool) ProcessOne(ctx context.Context) error {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		return err
	}

	err = p.handle(ctx, task)
	if err == nil {
		return nil
	}

	if droppable(err) {
		p.log.Warn("dropping task",
			slog.String("task_id", task.ID),
			slog.String("type", string(task.Type)),
			slog.Any("error", err),
		)
		return nil
	}

	if task.Attempts+1 >= maxTaskAttempts {
		return fmt.Errorf("task %s (%s) failed after %d attempts: %w", task.ID, task.Type, task.Attempts+1, err)
	}

	retryTask := *task
	retryTask.Attempts++
	retryTask.NotBefore = time.Now().Add(requeueDelay)
	if enqErr := p.queue.Enqueue(ctx, retryTask); enqErr != nil {
		return fmt.Errorf("requeue task %s: %w (original: %w)", task.ID, enqErr, err)
	}
	p.log.Warn("requeued task",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.Int("attempt", retryTask.Attempts),
		slog.Any("error", err),
	)
	return nil
}

func (p *Pool) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeProcessItem:
		payload, ok := task.Payload.(ItemPayload)
		if !ok {
			return fmt.Errorf("process-item task %s has payload %T", task.ID, task.Payload)
		}
		_, err := p.engine.Start(ctx, payload.Item)
		return err

	case taskqueue.TaskTypeDecision:
		payload, ok := task.Payload.(DecisionPayload)
		if !ok {
			return fmt.Errorf("decision task %s has payload %T", task.ID, task.Payload)
		}
		_, err := p.gateway.HandleEvent(ctx, gateway.Event{
			CorrelationKey: task.CorrelationKey,
			Principal:      payload.Principal,
			Decision:       payload.Decision,
		})
		return err

	case taskqueue.TaskTypeDigest:
		if task.UserID == "" {
			_, err := p.scheduler.DrainAll(ctx)
			return err
		}
		_, err := p.scheduler.DrainAndDispatch(ctx, task.UserID)
		return err

	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

// droppable reports whether redelivering the task could ever succeed.
func droppable(err error) bool {
	if _, ok := api.IsStaleCallback(err); ok {
		return true
	}
	return errors.Is(err, api.ErrPrincipalMismatch) ||
		errors.Is(err, api.ErrCancelAfterExecution)
}
