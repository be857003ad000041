package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/observability"
	"github.com/kursadbilgin/image-batch-processor/internal/provider"
	"github.com/kursadbilgin/image-batch-processor/internal/queue"
	"github.com/kursadbilgin/image-batch-processor/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	minWorkerConcurrency    = 1
	defaultTransformLimit   = 8
	defaultNotifyTimeout    = 10 * time.Second
	maxFailureReasonLength  = 1024
	progressBeforeCompleted = 99
)

// ImageTransformer turns one source URL into the URL of its processed copy.
type ImageTransformer interface {
	Transform(ctx context.Context, url string) (string, error)
}

type PipelineWorkerConfig struct {
	// Concurrency is the number of jobs consumed in parallel.
	Concurrency int
	// TransformConcurrency caps in-flight image transforms across all jobs.
	TransformConcurrency int
	NotifyOnFailure      bool
	NotifyTimeout        time.Duration
}

// PipelineWorker consumes processing jobs and turns each delivery into a
// fully processed batch.
type PipelineWorker struct {
	batches     repository.BatchRepository
	products    repository.ProductRepository
	jobs        queue.JobStore
	consumer    queue.Consumer
	transformer ImageTransformer
	notifier    provider.Notifier
	reporter    *observability.ErrorReporter
	logger      *zap.Logger
	metrics     *observability.Metrics
	cfg         PipelineWorkerConfig
	transforms  *semaphore.Weighted
	now         func() time.Time
}

func NewPipelineWorker(
	batches repository.BatchRepository,
	products repository.ProductRepository,
	jobs queue.JobStore,
	consumer queue.Consumer,
	transformer ImageTransformer,
	notifier provider.Notifier,
	cfg PipelineWorkerConfig,
	logger *zap.Logger,
) (*PipelineWorker, error) {
	if batches == nil || products == nil {
		return nil, fmt.Errorf("batch and product repositories are required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if transformer == nil {
		return nil, fmt.Errorf("image transformer is required")
	}
	if cfg.Concurrency < minWorkerConcurrency {
		cfg.Concurrency = minWorkerConcurrency
	}
	if cfg.TransformConcurrency < 1 {
		cfg.TransformConcurrency = defaultTransformLimit
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PipelineWorker{
		batches:     batches,
		products:    products,
		jobs:        jobs,
		consumer:    consumer,
		transformer: transformer,
		notifier:    notifier,
		logger:      logger,
		cfg:         cfg,
		transforms:  semaphore.NewWeighted(int64(cfg.TransformConcurrency)),
		now:         time.Now,
	}, nil
}

func (w *PipelineWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

func (w *PipelineWorker) SetErrorReporter(reporter *observability.ErrorReporter) {
	if w == nil {
		return
	}
	w.reporter = reporter
}

// Start consumes the processing queue with cfg.Concurrency consumers until
// ctx is cancelled.
func (w *PipelineWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if w.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.ProcessingQueue),
			)

			err := w.consumer.Consume(groupCtx, queue.ProcessingQueue, w.processMessage)
			if err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

// processMessage drives one delivery. A returned error requeues the
// delivery; job-level failures are recorded in the job store instead.
func (w *PipelineWorker) processMessage(ctx context.Context, msg queue.JobMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(w.logger, ctx)

	job, err := w.jobs.Activate(ctx, msg.JobID, w.now())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn("job not found, skipping", zap.String("jobId", msg.JobID))
			return nil
		case errors.Is(err, domain.ErrConflict):
			logger.Info("job is finished or not yet due, skipping", zap.String("jobId", msg.JobID))
			return nil
		case errors.Is(err, domain.ErrAttemptsExhausted):
			return w.handleExhausted(ctx, msg, logger)
		}
		return fmt.Errorf("failed to activate job: %w", err)
	}

	requestID := job.Data.ProcessingRequestID
	if requestID == "" {
		requestID = msg.ProcessingRequestID
	}
	logger = logger.With(observability.JobFields(job.ID, requestID, job.AttemptsMade)...)

	w.metrics.IncWorkerInFlight("job")
	defer w.metrics.DecWorkerInFlight("job")

	result, runErr := w.runJob(ctx, job, requestID, logger)
	if runErr != nil {
		return w.handleFailure(ctx, job, requestID, runErr, logger)
	}

	returnValue, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	if err := w.jobs.Complete(ctx, job.ID, returnValue, w.now()); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	outcome := "completed"
	if result.Skipped {
		outcome = "skipped"
	}
	w.metrics.IncJobProcessed(outcome)
	logger.Info("job finished", zap.String("outcome", outcome))
	return nil
}

// runJob is the job body. Errors wrapped in permanentError are never retried.
func (w *PipelineWorker) runJob(
	ctx context.Context,
	job *domain.Job,
	requestID string,
	logger *zap.Logger,
) (*domain.JobResult, error) {
	batch, err := w.batches.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &permanentError{err: fmt.Errorf("processing request %s not found: %w", requestID, err)}
		}
		return nil, fmt.Errorf("failed to load processing request: %w", err)
	}

	if batch.Status.IsTerminal() {
		logger.Info("processing request already finished, skipping redelivery",
			zap.String("status", batch.Status.String()),
		)
		return &domain.JobResult{
			Success:   batch.Status == domain.BatchStatusCompleted,
			RequestID: batch.ID,
			Skipped:   true,
		}, nil
	}

	if batch.JobID == nil {
		if err := w.batches.SetJobID(ctx, batch.ID, job.ID); err != nil {
			logger.Warn("failed to link job to processing request", zap.Error(err))
		}
	}

	products, err := w.products.FindByBatchID(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	if err := w.processProducts(ctx, job.ID, products, logger); err != nil {
		return nil, err
	}

	err = w.batches.TransitionStatus(ctx, batch.ID,
		[]domain.BatchStatus{domain.BatchStatusProcessing},
		domain.BatchStatusCompleted,
		nil,
	)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("processing request finalized by another delivery")
			return &domain.JobResult{Success: true, RequestID: batch.ID, Skipped: true}, nil
		}
		return nil, fmt.Errorf("failed to mark processing request completed: %w", err)
	}

	if err := w.jobs.UpdateProgress(ctx, job.ID, 100); err != nil {
		logger.Warn("failed to report final progress", zap.Error(err))
	}

	w.notify(ctx, batch.ID, domain.BatchStatusCompleted, logger)

	return &domain.JobResult{Success: true, RequestID: batch.ID}, nil
}

// processProducts transforms every product, persisting each product's
// outputs as soon as all of its images are done. Progress counts finished
// products and stays below 100 until the batch is completed.
func (w *PipelineWorker) processProducts(
	ctx context.Context,
	jobID string,
	products []domain.Product,
	logger *zap.Logger,
) error {
	total := len(products)
	if total == 0 {
		return nil
	}

	var finished atomic.Int64
	reportProgress := func() {
		progress := int(finished.Add(1) * 100 / int64(total))
		progress = min(progress, progressBeforeCompleted)
		if err := w.jobs.UpdateProgress(ctx, jobID, progress); err != nil {
			logger.Warn("failed to report progress", zap.Int("progress", progress), zap.Error(err))
		}
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.TransformConcurrency)

	for i := range products {
		product := &products[i]

		if product.HasOutputs() {
			reportProgress()
			continue
		}

		g.Go(func() error {
			outputs, err := w.transformProduct(groupCtx, product)
			if err != nil {
				return fmt.Errorf("product %s: %w", product.SerialNumber, err)
			}

			if err := w.products.SetOutputURLs(groupCtx, product.ID, outputs); err != nil && !errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("failed to persist outputs of product %s: %w", product.SerialNumber, err)
			}

			reportProgress()
			return nil
		})
	}

	return g.Wait()
}

// transformProduct runs all transforms of one product concurrently, bounded
// by the process-wide transform semaphore. outputs[i] corresponds to
// InputImageURLs[i].
func (w *PipelineWorker) transformProduct(ctx context.Context, product *domain.Product) ([]string, error) {
	outputs := make([]string, len(product.InputImageURLs))

	g, groupCtx := errgroup.WithContext(ctx)
	for i, src := range product.InputImageURLs {
		i, src := i, src
		g.Go(func() error {
			if err := w.transforms.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer w.transforms.Release(1)

			w.metrics.IncWorkerInFlight("transform")
			defer w.metrics.DecWorkerInFlight("transform")

			out, err := w.transformer.Transform(groupCtx, src)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// handleFailure schedules a retry while attempts remain; otherwise it fails
// the batch and the job for good.
func (w *PipelineWorker) handleFailure(
	ctx context.Context,
	job *domain.Job,
	requestID string,
	runErr error,
	logger *zap.Logger,
) error {
	reason := failureReason(runErr)

	var permanent *permanentError
	isPermanent := errors.As(runErr, &permanent)

	if !isPermanent && job.AttemptsRemaining() {
		until := w.now().Add(job.Backoff.Delay(job.AttemptsMade))

		if err := w.batches.RecordError(ctx, requestID, reason); err != nil && !errors.Is(err, domain.ErrConflict) {
			logger.Warn("failed to record attempt error on processing request", zap.Error(err))
		}
		if err := w.jobs.Delay(ctx, job.ID, reason, until); err != nil {
			return fmt.Errorf("failed to schedule job retry: %w", err)
		}

		w.metrics.IncRetryScheduled()
		w.metrics.IncJobProcessed("retry_scheduled")
		logger.Warn("job attempt failed, retry scheduled",
			zap.Time("retryAt", until),
			zap.Error(runErr),
		)
		return nil
	}

	if !isPermanent {
		err := w.batches.TransitionStatus(ctx, requestID,
			[]domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing},
			domain.BatchStatusFailed,
			&reason,
		)
		switch {
		case err == nil:
			if w.cfg.NotifyOnFailure {
				w.notify(ctx, requestID, domain.BatchStatusFailed, logger)
			}
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			logger.Info("processing request already finalized, leaving status as is", zap.Error(err))
		default:
			return fmt.Errorf("failed to mark processing request failed: %w", err)
		}
	}

	if err := w.jobs.Fail(ctx, job.ID, reason, w.now()); err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	w.reporter.Capture(runErr, map[string]string{
		"jobId":     job.ID,
		"requestId": requestID,
	})
	w.metrics.IncJobProcessed("failed")
	logger.Error("job failed permanently",
		zap.Bool("permanent", isPermanent),
		zap.Error(runErr),
	)
	return nil
}

// handleExhausted finalizes a redelivered job whose attempts were used up by
// deliveries that never reported back. The job store already moved the job
// to failed, so only the batch is left to fail.
func (w *PipelineWorker) handleExhausted(ctx context.Context, msg queue.JobMessage, logger *zap.Logger) error {
	requestID := msg.ProcessingRequestID
	reason := domain.ErrAttemptsExhausted.Error()

	job, err := w.jobs.Get(ctx, msg.JobID)
	if err != nil {
		logger.Warn("failed to load exhausted job", zap.String("jobId", msg.JobID), zap.Error(err))
	} else {
		if job.Data.ProcessingRequestID != "" {
			requestID = job.Data.ProcessingRequestID
		}
		if job.FailedReason != "" {
			reason = job.FailedReason
		}
	}
	logger = logger.With(zap.String("jobId", msg.JobID), zap.String("requestId", requestID))

	if requestID != "" {
		err := w.batches.TransitionStatus(ctx, requestID,
			[]domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing},
			domain.BatchStatusFailed,
			&reason,
		)
		switch {
		case err == nil:
			if w.cfg.NotifyOnFailure {
				w.notify(ctx, requestID, domain.BatchStatusFailed, logger)
			}
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			logger.Info("processing request already finalized, leaving status as is", zap.Error(err))
		default:
			return fmt.Errorf("failed to mark processing request failed: %w", err)
		}
	}

	w.metrics.IncJobProcessed("failed")
	logger.Error("job attempts exhausted by unacknowledged deliveries", zap.String("reason", reason))
	return nil
}

// notify sends the callback for a finished batch. Failures are logged and
// swallowed.
func (w *PipelineWorker) notify(ctx context.Context, batchID string, status domain.BatchStatus, logger *zap.Logger) {
	if w.notifier == nil {
		return
	}

	batch, err := w.batches.GetWithProducts(ctx, batchID)
	if err != nil {
		logger.Warn("failed to load processing request for notification", zap.Error(err))
		return
	}
	if !batch.HasWebhook() {
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, w.cfg.NotifyTimeout)
	defer cancel()

	if err := w.notifier.Notify(notifyCtx, *batch.WebhookURL, webhookPayload(batch, status)); err != nil {
		w.metrics.IncWebhook("failed")
		logger.Warn("webhook notification failed", zap.Error(err))
		return
	}

	w.metrics.IncWebhook("sent")
	logger.Info("webhook notification sent", zap.String("status", status.String()))
}

func webhookPayload(batch *domain.Batch, status domain.BatchStatus) provider.WebhookPayload {
	products := make([]provider.WebhookProduct, 0, len(batch.Products))
	for _, p := range batch.Products {
		products = append(products, provider.WebhookProduct{
			ID:                  p.ID,
			ProcessingRequestID: p.BatchID,
			SerialNumber:        p.SerialNumber,
			ProductName:         p.ProductName,
			InputImageURLs:      p.InputImageURLs,
			OutputImageURLs:     p.OutputImageURLs,
			CreatedAt:           p.CreatedAt,
			UpdatedAt:           p.UpdatedAt,
		})
	}
	return provider.WebhookPayload{
		RequestID: batch.ID,
		Status:    status.String(),
		Products:  products,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// failureReason caps the error text at maxFailureReasonLength bytes without
// splitting a multi-byte rune.
func failureReason(err error) string {
	reason := err.Error()
	if len(reason) <= maxFailureReasonLength {
		return reason
	}
	cut := maxFailureReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
