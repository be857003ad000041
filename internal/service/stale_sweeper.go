package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultStaleScanInterval = time.Minute
	defaultStaleAfter        = 10 * time.Minute
	defaultStaleScanLimit    = 100
	staleBatchMessage      = "processing request was never queued"
)

// StaleBatchSweeper fails batches that never got a job: left pending, or
// moved to processing without a recorded job id, because the API process
// died or the enqueue failed between persisting the batch and queueing it.
type StaleBatchSweeper struct {
	batches    repository.BatchRepository
	logger     *zap.Logger
	staleAfter time.Duration
	interval   time.Duration
	limit      int
	now        func() time.Time
}

func NewStaleBatchSweeper(
	batches repository.BatchRepository,
	staleAfter time.Duration,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*StaleBatchSweeper, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if interval <= 0 {
		interval = defaultStaleScanInterval
	}
	if limit <= 0 {
		limit = defaultStaleScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleBatchSweeper{
		batches:    batches,
		logger:     logger,
		staleAfter: staleAfter,
		interval:   interval,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *StaleBatchSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stale sweeper initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("stale sweeper scan failed", zap.Error(err))
			}
		}
	}
}

func (s *StaleBatchSweeper) sweep(ctx context.Context) error {
	stale, err := s.batches.ListStale(ctx, s.now().Add(-s.staleAfter), s.limit)
	if err != nil {
		return fmt.Errorf("failed to list stale processing requests: %w", err)
	}

	msg := staleBatchMessage
	for i := range stale {
		batch := stale[i]
		if batch.Status != domain.BatchStatusPending && batch.Status != domain.BatchStatusProcessing {
			continue
		}
		err := s.batches.TransitionStatus(ctx, batch.ID,
			[]domain.BatchStatus{batch.Status},
			domain.BatchStatusFailed,
			&msg,
		)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				s.logger.Info("processing request moved on before sweep", zap.String("requestId", batch.ID))
				continue
			}
			s.logger.Error("failed to fail stale processing request",
				zap.String("requestId", batch.ID),
				zap.Error(err),
			)
			continue
		}

		s.logger.Warn("stale processing request marked failed",
			zap.String("requestId", batch.ID),
			zap.String("status", batch.Status.String()),
			zap.Time("createdAt", batch.CreatedAt),
		)
	}

	return nil
}
