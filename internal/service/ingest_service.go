package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/image-batch-processor/internal/csvfile"
	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/observability"
	"github.com/kursadbilgin/image-batch-processor/internal/repository"
	"go.uber.org/zap"
)

// JobEnqueuer creates and publishes the processing job of a batch.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, batchID string, correlationID string) (*domain.Job, error)
}

type IngestInput struct {
	Filename      string
	Data          []byte
	WebhookURL    string
	CorrelationID string
}

type IngestResult struct {
	Batch        *domain.Batch
	JobID        string
	ProductCount int
}

// IngestService validates an uploaded product file, persists it as a batch
// and enqueues exactly one processing job for it.
type IngestService struct {
	batches   repository.BatchRepository
	products  repository.ProductRepository
	jobs      JobEnqueuer
	validator *csvfile.Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

func NewIngestService(
	batches repository.BatchRepository,
	products repository.ProductRepository,
	jobs JobEnqueuer,
	logger *zap.Logger,
) (*IngestService, error) {
	if batches == nil || products == nil {
		return nil, fmt.Errorf("batch and product repositories are required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job enqueuer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IngestService{
		batches:   batches,
		products:  products,
		jobs:      jobs,
		validator: csvfile.NewValidator(),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (s *IngestService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *IngestService) Ingest(ctx context.Context, in IngestInput) (*IngestResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithContextLogger(s.logger, ctx)

	products, webhookURL, err := s.validate(in)
	if err != nil {
		s.metrics.IncBatchIngested("rejected")
		return nil, err
	}

	now := s.now().UTC()
	batch := &domain.Batch{
		ID:               s.newID(),
		OriginalFilename: strings.TrimSpace(in.Filename),
		Status:           domain.BatchStatusPending,
		WebhookURL:       webhookURL,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.batches.Create(ctx, batch); err != nil {
		s.metrics.IncBatchIngested("error")
		return nil, fmt.Errorf("failed to persist processing request: %w", err)
	}

	ptrs := make([]*domain.Product, len(products))
	for i := range products {
		products[i].ID = s.newID()
		products[i].BatchID = batch.ID
		products[i].Position = i
		products[i].CreatedAt = now
		products[i].UpdatedAt = now
		ptrs[i] = &products[i]
	}

	if err := s.products.CreateBatch(ctx, ptrs); err != nil {
		s.failBatch(ctx, batch, domain.BatchStatusPending, err, logger)
		s.metrics.IncBatchIngested("error")
		return nil, fmt.Errorf("failed to persist products: %w", err)
	}

	err = s.batches.TransitionStatus(ctx, batch.ID,
		[]domain.BatchStatus{domain.BatchStatusPending},
		domain.BatchStatusProcessing,
		nil,
	)
	if err != nil {
		s.failBatch(ctx, batch, domain.BatchStatusPending, err, logger)
		s.metrics.IncBatchIngested("error")
		return nil, fmt.Errorf("failed to start processing request: %w", err)
	}
	batch.Status = domain.BatchStatusProcessing

	job, err := s.jobs.Enqueue(ctx, batch.ID, in.CorrelationID)
	if err != nil {
		s.failBatch(ctx, batch, domain.BatchStatusProcessing, err, logger)
		s.metrics.IncBatchIngested("error")
		return nil, fmt.Errorf("failed to enqueue processing job: %w", err)
	}

	if err := s.batches.SetJobID(ctx, batch.ID, job.ID); err != nil {
		logger.Warn("failed to record job id on processing request",
			zap.String("requestId", batch.ID),
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
	}
	batch.JobID = &job.ID
	batch.Products = products

	s.metrics.IncBatchIngested("accepted")
	logger.Info("processing request accepted",
		zap.String("requestId", batch.ID),
		zap.String("jobId", job.ID),
		zap.Int("products", len(products)),
	)

	return &IngestResult{
		Batch:        batch,
		JobID:        job.ID,
		ProductCount: len(products),
	}, nil
}

func (s *IngestService) validate(in IngestInput) ([]domain.Product, *string, error) {
	rows, err := csvfile.Parse(in.Data)
	if err != nil {
		return nil, nil, err
	}

	products, err := s.validator.Products(rows)
	if err != nil {
		return nil, nil, err
	}

	webhookURL, err := normalizeWebhookURL(in.WebhookURL)
	if err != nil {
		return nil, nil, err
	}

	return products, webhookURL, nil
}

// failBatch records a failed ingestion attempt; the batch row is kept.
func (s *IngestService) failBatch(
	ctx context.Context,
	batch *domain.Batch,
	from domain.BatchStatus,
	cause error,
	logger *zap.Logger,
) {
	msg := cause.Error()
	err := s.batches.TransitionStatus(ctx, batch.ID, []domain.BatchStatus{from}, domain.BatchStatusFailed, &msg)
	if err != nil {
		logger.Error("failed to mark processing request as failed",
			zap.String("requestId", batch.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	batch.Status = domain.BatchStatusFailed
	batch.ErrorMessage = &msg
}

func normalizeWebhookURL(raw string) (*string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	u, err := url.ParseRequestURI(trimmed)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &domain.RowError{Field: "webhookUrl", Reason: "must be an absolute http or https url"}
	}
	return &trimmed, nil
}
