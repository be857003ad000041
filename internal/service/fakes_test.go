package service

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/provider"
	"github.com/kursadbilgin/image-batch-processor/internal/queue"
	"github.com/kursadbilgin/image-batch-processor/internal/repository"
)

var (
	_ repository.BatchRepository   = (*fakeBatchRepo)(nil)
	_ repository.ProductRepository = (*fakeProductRepo)(nil)
	_ queue.JobStore               = (*fakeJobStore)(nil)
	_ queue.Publisher              = (*fakePublisher)(nil)
	_ queue.Consumer               = (*fakeConsumer)(nil)
	_ provider.Notifier            = (*fakeNotifier)(nil)
)

type transitionCall struct {
	id     string
	from   []domain.BatchStatus
	to     domain.BatchStatus
	errMsg *string
}

type fakeBatchRepo struct {
	mu sync.Mutex

	createFn          func(ctx context.Context, b *domain.Batch) error
	getByIDFn         func(ctx context.Context, id string) (*domain.Batch, error)
	getWithProductsFn func(ctx context.Context, id string) (*domain.Batch, error)
	transitionFn      func(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus, errMsg *string) error
	recordErrorFn     func(ctx context.Context, id string, errMsg string) error
	setJobIDFn        func(ctx context.Context, id string, jobID string) error
	listStale         func(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Batch, error)

	created     []*domain.Batch
	transitions []transitionCall
	errors      []string
	jobIDs      map[string]string
}

func (f *fakeBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	f.mu.Lock()
	f.created = append(f.created, b)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(ctx, b)
	}
	return nil
}

func (f *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) GetWithProducts(ctx context.Context, id string) (*domain.Batch, error) {
	if f.getWithProductsFn != nil {
		return f.getWithProductsFn(ctx, id)
	}
	return f.GetByID(ctx, id)
}

func (f *fakeBatchRepo) TransitionStatus(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus, errMsg *string) error {
	f.mu.Lock()
	f.transitions = append(f.transitions, transitionCall{id: id, from: from, to: to, errMsg: errMsg})
	f.mu.Unlock()
	if f.transitionFn != nil {
		return f.transitionFn(ctx, id, from, to, errMsg)
	}
	return nil
}

func (f *fakeBatchRepo) RecordError(ctx context.Context, id string, errMsg string) error {
	f.mu.Lock()
	f.errors = append(f.errors, errMsg)
	f.mu.Unlock()
	if f.recordErrorFn != nil {
		return f.recordErrorFn(ctx, id, errMsg)
	}
	return nil
}

func (f *fakeBatchRepo) SetJobID(ctx context.Context, id string, jobID string) error {
	f.mu.Lock()
	if f.jobIDs == nil {
		f.jobIDs = map[string]string{}
	}
	f.jobIDs[id] = jobID
	f.mu.Unlock()
	if f.setJobIDFn != nil {
		return f.setJobIDFn(ctx, id, jobID)
	}
	return nil
}

func (f *fakeBatchRepo) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Batch, error) {
	if f.listStale != nil {
		return f.listStale(ctx, createdBefore, limit)
	}
	return nil, nil
}

func (f *fakeBatchRepo) transitionsTo(to domain.BatchStatus) []transitionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transitionCall
	for _, c := range f.transitions {
		if c.to == to {
			out = append(out, c)
		}
	}
	return out
}

type fakeProductRepo struct {
	mu sync.Mutex

	createBatchFn   func(ctx context.Context, products []*domain.Product) error
	findByBatchIDFn func(ctx context.Context, batchID string) ([]domain.Product, error)
	setOutputURLsFn func(ctx context.Context, id string, urls []string) error

	created []*domain.Product
	outputs map[string][]string
}

func (f *fakeProductRepo) CreateBatch(ctx context.Context, products []*domain.Product) error {
	f.mu.Lock()
	f.created = append(f.created, products...)
	f.mu.Unlock()
	if f.createBatchFn != nil {
		return f.createBatchFn(ctx, products)
	}
	return nil
}

func (f *fakeProductRepo) FindByBatchID(ctx context.Context, batchID string) ([]domain.Product, error) {
	if f.findByBatchIDFn != nil {
		return f.findByBatchIDFn(ctx, batchID)
	}
	return nil, nil
}

func (f *fakeProductRepo) SetOutputURLs(ctx context.Context, id string, urls []string) error {
	if f.setOutputURLsFn != nil {
		if err := f.setOutputURLsFn(ctx, id, urls); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputs == nil {
		f.outputs = map[string][]string{}
	}
	f.outputs[id] = urls
	return nil
}

func (f *fakeProductRepo) CountByBatchID(ctx context.Context, batchID string) (int64, error) {
	products, err := f.FindByBatchID(ctx, batchID)
	return int64(len(products)), err
}

func (f *fakeProductRepo) outputsOf(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[id]
}

type fakeJobStore struct {
	mu sync.Mutex

	activateFn   func(ctx context.Context, id string, now time.Time) (*domain.Job, error)
	getFn        func(ctx context.Context, id string) (*domain.Job, error)
	completeFn   func(ctx context.Context, id string, returnValue json.RawMessage, now time.Time) error
	delayFn      func(ctx context.Context, id string, reason string, until time.Time) error
	dueDelayedFn func(ctx context.Context, now time.Time, limit int) ([]string, error)
	promoteFn    func(ctx context.Context, id string) (bool, error)

	progress     []int
	completed    json.RawMessage
	failedReason string
	delayReason  string
	delayedUntil time.Time
	promoted     []string
}

func (f *fakeJobStore) Create(ctx context.Context, job *domain.Job) error { return nil }

func (f *fakeJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobStore) Delete(ctx context.Context, id string) error { return nil }

func (f *fakeJobStore) Activate(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	if f.activateFn != nil {
		return f.activateFn(ctx, id, now)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeJobStore) Complete(ctx context.Context, id string, returnValue json.RawMessage, now time.Time) error {
	f.mu.Lock()
	f.completed = returnValue
	f.mu.Unlock()
	if f.completeFn != nil {
		return f.completeFn(ctx, id, returnValue, now)
	}
	return nil
}

func (f *fakeJobStore) Fail(ctx context.Context, id string, reason string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedReason = reason
	return nil
}

func (f *fakeJobStore) Delay(ctx context.Context, id string, reason string, until time.Time) error {
	f.mu.Lock()
	f.delayReason = reason
	f.delayedUntil = until
	f.mu.Unlock()
	if f.delayFn != nil {
		return f.delayFn(ctx, id, reason, until)
	}
	return nil
}

func (f *fakeJobStore) DueDelayed(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if f.dueDelayedFn != nil {
		return f.dueDelayedFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeJobStore) Promote(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	f.promoted = append(f.promoted, id)
	f.mu.Unlock()
	if f.promoteFn != nil {
		return f.promoteFn(ctx, id)
	}
	return true, nil
}

func (f *fakeJobStore) lastProgress() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.progress...)
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.JobMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.JobMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeTransformer struct {
	mu          sync.Mutex
	transformFn func(ctx context.Context, url string) (string, error)
	calls       []string
}

func (f *fakeTransformer) Transform(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if f.transformFn != nil {
		return f.transformFn(ctx, url)
	}
	return "https://cdn.example.com/processed-" + path.Base(url), nil
}

func (f *fakeTransformer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu       sync.Mutex
	notifyFn func(ctx context.Context, callbackURL string, payload provider.WebhookPayload) error
	payloads []provider.WebhookPayload
	urls     []string
}

func (f *fakeNotifier) Notify(ctx context.Context, callbackURL string, payload provider.WebhookPayload) error {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.urls = append(f.urls, callbackURL)
	f.mu.Unlock()
	if f.notifyFn != nil {
		return f.notifyFn(ctx, callbackURL, payload)
	}
	return nil
}

type fakeEnqueuer struct {
	enqueueFn func(ctx context.Context, batchID string, correlationID string) (*domain.Job, error)
	calls     int
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, batchID string, correlationID string) (*domain.Job, error) {
	f.calls++
	if f.enqueueFn != nil {
		return f.enqueueFn(ctx, batchID, correlationID)
	}
	return &domain.Job{ID: "job-1", State: domain.JobStateWaiting}, nil
}

func strPtr(s string) *string { return &s }
