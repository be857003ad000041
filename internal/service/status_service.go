package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/repository"
)

// JobReader reads the observable state of a processing job.
type JobReader interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
}

// StatusService serves read-only projections of batches and jobs.
type StatusService struct {
	batches repository.BatchRepository
	jobs    JobReader
}

type BatchStatusView struct {
	ID           string
	Status       domain.BatchStatus
	ErrorMessage *string
}

func NewStatusService(batches repository.BatchRepository, jobs JobReader) (*StatusService, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job reader is required")
	}
	return &StatusService{batches: batches, jobs: jobs}, nil
}

func (s *StatusService) GetStatus(ctx context.Context, id string) (*BatchStatusView, error) {
	id, err := requireBatchID(id)
	if err != nil {
		return nil, err
	}

	batch, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &BatchStatusView{
		ID:           batch.ID,
		Status:       batch.Status,
		ErrorMessage: batch.ErrorMessage,
	}, nil
}

func (s *StatusService) GetDetails(ctx context.Context, id string) (*domain.Batch, error) {
	id, err := requireBatchID(id)
	if err != nil {
		return nil, err
	}
	return s.batches.GetWithProducts(ctx, id)
}

func (s *StatusService) GetJobStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	jobID, err := requireID(jobID, "job id")
	if err != nil {
		return nil, err
	}
	return s.jobs.Get(ctx, jobID)
}

func requireID(id string, name string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s is required", domain.ErrValidation, name)
	}
	return trimmed, nil
}

// requireBatchID rejects ids that cannot name a stored batch. Batch ids are
// uuids, so anything else is reported as not found without a lookup.
func requireBatchID(id string) (string, error) {
	trimmed, err := requireID(id, "processing request id")
	if err != nil {
		return "", err
	}
	if _, err := uuid.Parse(trimmed); err != nil {
		return "", fmt.Errorf("%w: processing request %s", domain.ErrNotFound, trimmed)
	}
	return trimmed, nil
}
