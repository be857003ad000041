package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"go.uber.org/zap"
)

const validBatchFile = "S. No.,Product Name,Input Image Urls\n" +
	"1,Widget,\"http://img.example.com/1.png, http://img.example.com/2.png\"\n" +
	"2,Gadget,https://img.example.com/3.jpg\n"

func newTestIngestService(t *testing.T, batches *fakeBatchRepo, products *fakeProductRepo, jobs *fakeEnqueuer) *IngestService {
	t.Helper()

	svc, err := NewIngestService(batches, products, jobs, zap.NewNop())
	if err != nil {
		t.Fatalf("NewIngestService() error = %v", err)
	}

	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return svc
}

func TestNewIngestServiceValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewIngestService(nil, &fakeProductRepo{}, &fakeEnqueuer{}, nil); err == nil {
		t.Fatal("expected error when batch repository is nil")
	}
	if _, err := NewIngestService(&fakeBatchRepo{}, &fakeProductRepo{}, nil, nil); err == nil {
		t.Fatal("expected error when job enqueuer is nil")
	}
}

func TestIngestServiceIngestSuccess(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	products := &fakeProductRepo{}
	jobs := &fakeEnqueuer{
		enqueueFn: func(ctx context.Context, batchID string, correlationID string) (*domain.Job, error) {
			if batchID != "id-1" {
				t.Fatalf("batchID = %s, want id-1", batchID)
			}
			if correlationID != "corr-1" {
				t.Fatalf("correlationID = %s, want corr-1", correlationID)
			}
			return &domain.Job{ID: "job-9", State: domain.JobStateWaiting}, nil
		},
	}
	svc := newTestIngestService(t, batches, products, jobs)

	result, err := svc.Ingest(context.Background(), IngestInput{
		Filename:      " products.csv ",
		Data:          []byte(validBatchFile),
		WebhookURL:    " https://hooks.example.com/done ",
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if result.JobID != "job-9" || result.ProductCount != 2 {
		t.Fatalf("result = %+v", result)
	}
	if result.Batch.Status != domain.BatchStatusProcessing {
		t.Fatalf("status = %s, want processing", result.Batch.Status)
	}
	if result.Batch.OriginalFilename != "products.csv" {
		t.Fatalf("filename = %q, want products.csv", result.Batch.OriginalFilename)
	}
	if result.Batch.WebhookURL == nil || *result.Batch.WebhookURL != "https://hooks.example.com/done" {
		t.Fatalf("webhook = %v", result.Batch.WebhookURL)
	}
	if jobs.calls != 1 {
		t.Fatalf("enqueue calls = %d, want 1", jobs.calls)
	}

	if len(batches.created) != 1 || batches.created[0].ID != "id-1" {
		t.Fatalf("created batches = %+v", batches.created)
	}
	if len(products.created) != 2 {
		t.Fatalf("created products = %d, want 2", len(products.created))
	}
	first := products.created[0]
	if first.BatchID != "id-1" || first.Position != 0 || first.SerialNumber != "1" {
		t.Fatalf("first product = %+v", first)
	}
	if len(first.InputImageURLs) != 2 || first.InputImageURLs[1] != "http://img.example.com/2.png" {
		t.Fatalf("first product urls = %v", first.InputImageURLs)
	}
	if products.created[1].Position != 1 {
		t.Fatalf("second product position = %d, want 1", products.created[1].Position)
	}

	started := batches.transitionsTo(domain.BatchStatusProcessing)
	if len(started) != 1 || started[0].from[0] != domain.BatchStatusPending {
		t.Fatalf("processing transitions = %+v", started)
	}
	if batches.jobIDs["id-1"] != "job-9" {
		t.Fatalf("job ids = %v", batches.jobIDs)
	}
}

func TestIngestServiceIngestValidationPersistsNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		webhook string
	}{
		{name: "empty file", data: ""},
		{name: "missing column", data: "S. No.,Product Name\n1,Widget\n"},
		{name: "header only", data: "S. No.,Product Name,Input Image Urls\n"},
		{name: "invalid image url", data: "S. No.,Product Name,Input Image Urls\n1,Widget,not-a-url\n"},
		{name: "invalid webhook", data: validBatchFile, webhook: "ftp://hooks.example.com"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			batches := &fakeBatchRepo{}
			products := &fakeProductRepo{}
			jobs := &fakeEnqueuer{}
			svc := newTestIngestService(t, batches, products, jobs)

			_, err := svc.Ingest(context.Background(), IngestInput{
				Filename:   "products.csv",
				Data:       []byte(tt.data),
				WebhookURL: tt.webhook,
			})
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Ingest() error = %v, want validation error", err)
			}
			if len(batches.created) != 0 || len(products.created) != 0 || jobs.calls != 0 {
				t.Fatalf("nothing should be persisted: batches=%d products=%d enqueues=%d",
					len(batches.created), len(products.created), jobs.calls)
			}
		})
	}
}

func TestIngestServiceIngestInvalidWebhookReportsField(t *testing.T) {
	t.Parallel()

	svc := newTestIngestService(t, &fakeBatchRepo{}, &fakeProductRepo{}, &fakeEnqueuer{})

	_, err := svc.Ingest(context.Background(), IngestInput{
		Data:       []byte(validBatchFile),
		WebhookURL: "hooks.example.com/done",
	})

	var rowErr *domain.RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("Ingest() error = %v, want RowError", err)
	}
	if rowErr.Field != "webhookUrl" {
		t.Fatalf("field = %q, want webhookUrl", rowErr.Field)
	}
}

func TestIngestServiceIngestProductPersistFailure(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	products := &fakeProductRepo{
		createBatchFn: func(ctx context.Context, products []*domain.Product) error {
			return errors.New("db unavailable")
		},
	}
	jobs := &fakeEnqueuer{}
	svc := newTestIngestService(t, batches, products, jobs)

	if _, err := svc.Ingest(context.Background(), IngestInput{Data: []byte(validBatchFile)}); err == nil {
		t.Fatal("expected Ingest() error")
	}

	failed := batches.transitionsTo(domain.BatchStatusFailed)
	if len(failed) != 1 || failed[0].from[0] != domain.BatchStatusPending {
		t.Fatalf("failed transitions = %+v", failed)
	}
	if jobs.calls != 0 {
		t.Fatalf("enqueue calls = %d, want 0", jobs.calls)
	}
}

func TestIngestServiceIngestStartFailureMarksBatchFailed(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{
		transitionFn: func(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus, errMsg *string) error {
			if to == domain.BatchStatusProcessing {
				return errors.New("db unavailable")
			}
			return nil
		},
	}
	jobs := &fakeEnqueuer{}
	svc := newTestIngestService(t, batches, &fakeProductRepo{}, jobs)

	if _, err := svc.Ingest(context.Background(), IngestInput{Data: []byte(validBatchFile)}); err == nil {
		t.Fatal("expected Ingest() error")
	}

	failed := batches.transitionsTo(domain.BatchStatusFailed)
	if len(failed) != 1 || failed[0].from[0] != domain.BatchStatusPending {
		t.Fatalf("failed transitions = %+v", failed)
	}
	if jobs.calls != 0 {
		t.Fatalf("enqueue calls = %d, want 0", jobs.calls)
	}
}

func TestIngestServiceIngestEnqueueFailure(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{}
	jobs := &fakeEnqueuer{
		enqueueFn: func(ctx context.Context, batchID string, correlationID string) (*domain.Job, error) {
			return nil, errors.New("broker unavailable")
		},
	}
	svc := newTestIngestService(t, batches, &fakeProductRepo{}, jobs)

	if _, err := svc.Ingest(context.Background(), IngestInput{Data: []byte(validBatchFile)}); err == nil {
		t.Fatal("expected Ingest() error")
	}

	failed := batches.transitionsTo(domain.BatchStatusFailed)
	if len(failed) != 1 || failed[0].from[0] != domain.BatchStatusProcessing {
		t.Fatalf("failed transitions = %+v", failed)
	}
	if failed[0].errMsg == nil || *failed[0].errMsg != "broker unavailable" {
		t.Fatalf("error message = %v", failed[0].errMsg)
	}
	if len(batches.jobIDs) != 0 {
		t.Fatalf("job ids = %v, want none", batches.jobIDs)
	}
}

func TestIngestServiceIngestSetJobIDFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{
		setJobIDFn: func(ctx context.Context, id string, jobID string) error {
			return errors.New("db unavailable")
		},
	}
	svc := newTestIngestService(t, batches, &fakeProductRepo{}, &fakeEnqueuer{})

	result, err := svc.Ingest(context.Background(), IngestInput{Data: []byte(validBatchFile)})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result.JobID != "job-1" {
		t.Fatalf("job id = %s, want job-1", result.JobID)
	}
	if len(batches.transitionsTo(domain.BatchStatusFailed)) != 0 {
		t.Fatal("batch must not fail when only the job id write fails")
	}
}
