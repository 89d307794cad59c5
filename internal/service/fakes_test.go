package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-relay/internal/batchapi"
	"github.com/kursadbilgin/batch-relay/internal/domain"
	"github.com/kursadbilgin/batch-relay/internal/objectstore"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"github.com/kursadbilgin/batch-relay/internal/queue"
	"github.com/kursadbilgin/batch-relay/internal/repository"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var fixedNow = time.Date(2025, 5, 1, 22, 15, 0, 0, time.UTC)

type statusUpdate struct {
	ref   repository.BatchRef
	from  domain.BatchStatus
	to    domain.BatchStatus
	extra map[string]any
}

// memoryRepo keeps records in memory and fails the test on any illegal transition.
type memoryRepo struct {
	t *testing.T

	mu       sync.Mutex
	records  []domain.BatchRecord
	updates  []statusUpdate
	nextID   int
	createFn func(alternateKey string, targetDate string, extra map[string]any) (string, bool)
	updateFn func(ref repository.BatchRef, status domain.BatchStatus) bool
}

func newMemoryRepo(t *testing.T, records ...domain.BatchRecord) *memoryRepo {
	return &memoryRepo{t: t, records: records}
}

func (m *memoryRepo) FindByStatus(ctx context.Context, status domain.BatchStatus) []domain.BatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.BatchRecord, 0)
	for _, rec := range m.records {
		if rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (m *memoryRepo) Create(ctx context.Context, alternateKey string, targetDate string, extra map[string]any) (string, bool) {
	if m.createFn != nil {
		return m.createFn(alternateKey, targetDate, extra)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec := domain.BatchRecord{
		ID:           fmt.Sprintf("batch-%d", m.nextID),
		AlternateKey: alternateKey,
		Status:       domain.BatchStatusPrepared,
		TargetDate:   targetDate,
		CreatedAt:    fixedNow,
		UpdatedAt:    fixedNow,
	}
	rec.MergeExtra(extra)
	m.records = append(m.records, rec)
	return rec.ID, true
}

func (m *memoryRepo) UpdateStatus(ctx context.Context, ref repository.BatchRef, status domain.BatchStatus, extra map[string]any) bool {
	if m.updateFn != nil && !m.updateFn(ref, status) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		rec := &m.records[i]
		if rec.ID != ref.ID && (ref.ID != "" || rec.AlternateKey != ref.AlternateKey) {
			continue
		}
		if !rec.Status.CanTransitionTo(status) {
			m.t.Errorf("illegal transition attempted for %q: %s -> %s", rec.ID, rec.Status, status)
		}
		m.updates = append(m.updates, statusUpdate{ref: ref, from: rec.Status, to: status, extra: extra})
		rec.Status = status
		rec.MergeExtra(extra)
		return true
	}
	return false
}

func (m *memoryRepo) Get(ctx context.Context, id string) (domain.BatchRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.ID == id {
			return rec.Clone(), true
		}
	}
	return domain.BatchRecord{}, false
}

func (m *memoryRepo) get(t *testing.T, id string) domain.BatchRecord {
	t.Helper()
	rec, ok := m.Get(context.Background(), id)
	if !ok {
		t.Fatalf("record %q not found", id)
	}
	return rec
}

// fakeObjects is an in-memory ObjectStore.
type fakeObjects struct {
	mu         sync.Mutex
	objects    map[string][]byte
	putJSONs   int
	getJSONFn  func(key string) error
	putJSONFn  func(key string) error
	uploadFn   func(key string) error
	downloadFn func(key string) error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) GetJSON(ctx context.Context, key string, v any) error {
	if f.getJSONFn != nil {
		if err := f.getJSONFn(key); err != nil {
			return err
		}
	}
	f.mu.Lock()
	body, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return objectstore.ErrObjectNotFound
	}
	return json.Unmarshal(body, v)
}

func (f *fakeObjects) PutJSON(ctx context.Context, key string, v any) error {
	if f.putJSONFn != nil {
		if err := f.putJSONFn(key); err != nil {
			return err
		}
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
	f.putJSONs++
	return nil
}

func (f *fakeObjects) UploadFile(ctx context.Context, localPath string, key string) error {
	if f.uploadFn != nil {
		if err := f.uploadFn(key); err != nil {
			return err
		}
	}
	body, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
	return nil
}

func (f *fakeObjects) DownloadFile(ctx context.Context, key string, localPath string) error {
	if f.downloadFn != nil {
		if err := f.downloadFn(key); err != nil {
			return err
		}
	}
	f.mu.Lock()
	body, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return objectstore.ErrObjectNotFound
	}
	return os.WriteFile(localPath, body, 0o644)
}

func (f *fakeObjects) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	return body, ok
}

type fakeBatchAPI struct {
	uploadFileFn    func(ctx context.Context, filename string, body io.Reader) (string, error)
	createBatchFn   func(ctx context.Context, inputFileID string) (batchapi.Job, error)
	retrieveBatchFn func(ctx context.Context, batchID string) (batchapi.Job, error)
	fileContentFn   func(ctx context.Context, fileID string) ([]byte, error)
}

func (f *fakeBatchAPI) UploadFile(ctx context.Context, filename string, body io.Reader) (string, error) {
	if f.uploadFileFn == nil {
		return "", fmt.Errorf("unexpected UploadFile call")
	}
	return f.uploadFileFn(ctx, filename, body)
}

func (f *fakeBatchAPI) CreateBatch(ctx context.Context, inputFileID string) (batchapi.Job, error) {
	if f.createBatchFn == nil {
		return batchapi.Job{}, fmt.Errorf("unexpected CreateBatch call")
	}
	return f.createBatchFn(ctx, inputFileID)
}

func (f *fakeBatchAPI) RetrieveBatch(ctx context.Context, batchID string) (batchapi.Job, error) {
	if f.retrieveBatchFn == nil {
		return batchapi.Job{}, fmt.Errorf("unexpected RetrieveBatch call")
	}
	return f.retrieveBatchFn(ctx, batchID)
}

func (f *fakeBatchAPI) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	if f.fileContentFn == nil {
		return nil, fmt.Errorf("unexpected FileContent call")
	}
	return f.fileContentFn(ctx, fileID)
}

type fakeRateLimiter struct {
	mu     sync.Mutex
	calls  int
	waitFn func(ctx context.Context, resource string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, resource string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, resource string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.waitFn != nil {
		return f.waitFn(ctx, resource)
	}
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	events    []queue.BatchEvent
	publishFn func(ctx context.Context, queueName string, event queue.BatchEvent) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, event queue.BatchEvent) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, event); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

// assertTransitions compares every batch_transitions_total series against samples.
func assertTransitions(t *testing.T, metrics *observability.Metrics, samples ...string) {
	t.Helper()

	expected := "# HELP batch_relay_batch_transitions_total Total number of batch records written with a new status, by stage and status.\n" +
		"# TYPE batch_relay_batch_transitions_total counter\n" +
		strings.Join(samples, "\n") + "\n"
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "batch_relay_batch_transitions_total"); err != nil {
		t.Fatalf("batch transitions metric mismatch: %v", err)
	}
}
