package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/queue"
	"go.uber.org/zap"
)

func TestNewRetryScannerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRetryScanner(nil, &fakePublisher{}, 0, 0, zap.NewNop()); err == nil {
		t.Fatal("expected error when job store is nil")
	}
	if _, err := NewRetryScanner(&fakeJobStore{}, nil, 0, 0, zap.NewNop()); err == nil {
		t.Fatal("expected error when publisher is nil")
	}
}

func TestRetryScannerScanDuePublishesAndPromotes(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	jobs := &fakeJobStore{
		dueDelayedFn: func(ctx context.Context, at time.Time, limit int) ([]string, error) {
			if !at.Equal(now) {
				t.Fatalf("now = %v, want %v", at, now)
			}
			if limit != 100 {
				t.Fatalf("limit = %d, want 100", limit)
			}
			return []string{"job-1", "job-2"}, nil
		},
		getFn: func(ctx context.Context, id string) (*domain.Job, error) {
			return &domain.Job{
				ID:            id,
				Data:          domain.JobPayload{ProcessingRequestID: "batch-" + id},
				CorrelationID: "corr-" + id,
				State:         domain.JobStateDelayed,
			}, nil
		},
	}

	published := make([]queue.JobMessage, 0, 2)
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.JobMessage) error {
			if queueName != queue.ProcessingQueue {
				t.Fatalf("queue = %s, want %s", queueName, queue.ProcessingQueue)
			}
			published = append(published, msg)
			return nil
		},
	}

	scanner, err := NewRetryScanner(jobs, publisher, time.Second, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}
	scanner.now = func() time.Time { return now }

	if err := scanner.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}

	if len(published) != 2 {
		t.Fatalf("published count = %d, want 2", len(published))
	}
	if published[0] != (queue.JobMessage{JobID: "job-1", ProcessingRequestID: "batch-job-1", CorrelationID: "corr-job-1"}) {
		t.Fatalf("published[0] = %+v", published[0])
	}
	if len(jobs.promoted) != 2 {
		t.Fatalf("promoted = %v, want 2 jobs", jobs.promoted)
	}
}

func TestRetryScannerScanDueSkipsPromoteOnPublishError(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobStore{
		dueDelayedFn: func(ctx context.Context, now time.Time, limit int) ([]string, error) {
			return []string{"job-1", "job-2"}, nil
		},
		getFn: func(ctx context.Context, id string) (*domain.Job, error) {
			return &domain.Job{ID: id, Data: domain.JobPayload{ProcessingRequestID: "b"}}, nil
		},
	}

	calls := 0
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.JobMessage) error {
			calls++
			if msg.JobID == "job-1" {
				return errors.New("publish failed")
			}
			return nil
		},
	}

	scanner, err := NewRetryScanner(jobs, publisher, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}

	if err := scanner.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}

	if calls != 2 {
		t.Fatalf("publish calls = %d, want 2", calls)
	}
	if len(jobs.promoted) != 1 || jobs.promoted[0] != "job-2" {
		t.Fatalf("promoted = %v, want [job-2]", jobs.promoted)
	}
}

func TestRetryScannerScanDueDropsMissingJobs(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobStore{
		dueDelayedFn: func(ctx context.Context, now time.Time, limit int) ([]string, error) {
			return []string{"gone"}, nil
		},
	}
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.JobMessage) error {
			t.Fatal("missing job must not be published")
			return nil
		},
	}

	scanner, err := NewRetryScanner(jobs, publisher, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}
	if err := scanner.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}
	if len(jobs.promoted) != 1 {
		t.Fatalf("promoted = %v, want dangling entry cleared", jobs.promoted)
	}
}

func TestRetryScannerScanDueStoreError(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobStore{
		dueDelayedFn: func(ctx context.Context, now time.Time, limit int) ([]string, error) {
			return nil, errors.New("redis unavailable")
		},
	}

	scanner, err := NewRetryScanner(jobs, &fakePublisher{}, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}
	if err := scanner.scanDue(context.Background()); err == nil {
		t.Fatal("expected scanDue() error")
	}
}

func TestRetryScannerStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scanner, err := NewRetryScanner(&fakeJobStore{}, &fakePublisher{}, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScanner() error = %v", err)
	}
	if err := scanner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
