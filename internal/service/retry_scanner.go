package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/queue"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = time.Second
	defaultRetryScanLimit    = 100
)

// RetryScanner periodically republishes delayed jobs whose backoff elapsed
// and moves them back to waiting.
type RetryScanner struct {
	jobs      queue.JobStore
	publisher queue.Publisher
	logger    *zap.Logger
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewRetryScanner(
	jobs queue.JobStore,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		jobs:      jobs,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
	}, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due retries do not wait for the first ticker edge.
	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RetryScanner) scanDue(ctx context.Context) error {
	dueIDs, err := s.jobs.DueDelayed(ctx, s.now(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due retries: %w", err)
	}

	for _, id := range dueIDs {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Expired or deleted; drop the dangling delayed entry.
				_, _ = s.jobs.Promote(ctx, id)
				continue
			}
			s.logger.Error("failed to load delayed job", zap.String("jobId", id), zap.Error(err))
			continue
		}

		msg := queue.JobMessage{
			JobID:               job.ID,
			ProcessingRequestID: job.Data.ProcessingRequestID,
			CorrelationID:       job.CorrelationID,
		}
		if err := s.publisher.Publish(ctx, queue.ProcessingQueue, msg); err != nil {
			s.logger.Error("failed to enqueue job retry",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}

		promoted, err := s.jobs.Promote(ctx, job.ID)
		if err != nil {
			s.logger.Error("failed to promote delayed job after enqueue",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}
		if !promoted {
			s.logger.Info("delayed job left the delayed state before promotion",
				zap.String("jobId", job.ID),
			)
		}
	}

	return nil
}
