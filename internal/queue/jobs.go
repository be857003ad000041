package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"go.uber.org/zap"
)

// JobQueue enqueues processing jobs: the job record is created in the store
// first, then a message is published for delivery.
type JobQueue struct {
	store     JobStore
	publisher Publisher
	queueName string
	opts      domain.JobOptions
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewJobQueue(store JobStore, publisher Publisher, opts domain.JobOptions, logger *zap.Logger) (*JobQueue, error) {
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.Attempts < 1 {
		opts.Attempts = domain.DefaultJobAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = domain.DefaultBackoffBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobQueue{
		store:     store,
		publisher: publisher,
		queueName: ProcessingQueue,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Enqueue creates exactly one job for the batch and publishes it.
func (q *JobQueue) Enqueue(ctx context.Context, batchID string, correlationID string) (*domain.Job, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	job := &domain.Job{
		ID:            q.newID(),
		Name:          domain.ProcessImagesJobName,
		Data:          domain.JobPayload{ProcessingRequestID: batchID},
		CorrelationID: correlationID,
		State:         domain.JobStateWaiting,
		MaxAttempts:   q.opts.Attempts,
		Backoff:       q.opts.Backoff,
		CreatedAt:     q.now().UTC(),
	}

	if err := q.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	msg := JobMessage{
		JobID:               job.ID,
		ProcessingRequestID: batchID,
		CorrelationID:       correlationID,
	}
	if err := q.publisher.Publish(ctx, q.queueName, msg); err != nil {
		if delErr := q.store.Delete(ctx, job.ID); delErr != nil {
			q.logger.Error("failed to discard unpublished job",
				zap.String("jobId", job.ID),
				zap.Error(delErr),
			)
		}
		return nil, fmt.Errorf("failed to publish job: %w", err)
	}

	return job, nil
}

// Republish sends another delivery for an existing job, used when a delayed
// job becomes due.
func (q *JobQueue) Republish(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	return q.publisher.Publish(ctx, q.queueName, JobMessage{
		JobID:               job.ID,
		ProcessingRequestID: job.Data.ProcessingRequestID,
		CorrelationID:       job.CorrelationID,
	})
}

func (q *JobQueue) Get(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.Get(ctx, id)
}

func (q *JobQueue) Store() JobStore {
	return q.store
}

func (q *JobQueue) QueueName() string {
	return q.queueName
}
