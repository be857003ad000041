package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
)

const (
	// ProcessingQueue carries one message per processing job delivery.
	ProcessingQueue = "image-processing"
)

// Publisher publishes job messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg JobMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message. Returning an error
// requeues the delivery.
type MessageHandler func(ctx context.Context, msg JobMessage) error

// Consumer consumes job messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// JobStore owns the observable state of processing jobs.
//
// Activate moves a waiting, active (redelivered) or due delayed job to
// active and counts the attempt; finished or not-yet-due jobs yield
// domain.ErrConflict. Complete, Fail and Delay only apply to active jobs.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	Delete(ctx context.Context, id string) error
	Activate(ctx context.Context, id string, now time.Time) (*domain.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id string, returnValue json.RawMessage, now time.Time) error
	Fail(ctx context.Context, id string, reason string, now time.Time) error
	Delay(ctx context.Context, id string, reason string, until time.Time) error
	DueDelayed(ctx context.Context, now time.Time, limit int) ([]string, error)
	Promote(ctx context.Context, id string) (bool, error)
}

// DLQName returns the dead-letter queue name for a work queue.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns all work queues declared by the topology.
func WorkQueueNames() []string {
	return []string{ProcessingQueue}
}

// DLQNames returns the dead-letter queue of every work queue.
func DLQNames() []string {
	queues := WorkQueueNames()
	dlqs := make([]string, 0, len(queues))
	for _, q := range queues {
		dlqs = append(dlqs, DLQName(q))
	}
	return dlqs
}
