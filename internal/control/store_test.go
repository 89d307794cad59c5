package control

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-relay/internal/domain"
	"github.com/kursadbilgin/batch-relay/internal/objectstore"
	"github.com/kursadbilgin/batch-relay/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testKey = "batch_control.json"

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	getFn   func(key string) ([]byte, error)
	putFn   func(key string, body []byte) error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) GetObject(ctx context.Context, key string) ([]byte, error) {
	if f.getFn != nil {
		return f.getFn(key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return append([]byte(nil), body...), nil
}

func (f *fakeObjects) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if f.putFn != nil {
		if err := f.putFn(key, body); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), body...)
	f.puts++
	return nil
}

func newTestStore(t *testing.T, objects ObjectStore) (*Store, *observer.ObservedLogs, *observability.Metrics) {
	t.Helper()

	core, logs := observer.New(zapcore.InfoLevel)
	metrics := observability.NewMetrics()
	store, err := NewStore(objects, testKey, zap.New(core), metrics)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	store.now = func() time.Time { return time.Unix(1714608000, 0) }
	return store, logs, metrics
}

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewStore(nil, testKey, nil, nil); err == nil {
		t.Fatal("expected error for nil object store")
	}
	if _, err := NewStore(newFakeObjects(), "  ", nil, nil); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestLoadMissingDocumentReturnsEmpty(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	store, _, _ := newTestStore(t, objects)

	coll, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(coll.Batches) != 0 {
		t.Fatalf("Load() returned %d records, want 0", len(coll.Batches))
	}
	if objects.puts != 0 {
		t.Fatalf("Load() wrote %d objects, want 0", objects.puts)
	}
}

func TestLoadStorageFailureIsReturned(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.getFn = func(string) ([]byte, error) { return nil, errors.New("access denied") }
	store, _, _ := newTestStore(t, objects)

	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected error for storage failure")
	}
}

func TestLoadCanonicalDocument(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.objects[testKey] = []byte(`{"batches":[
		{"id":"a","alternate_key":"openai/input/a.jsonl","status":"prepared","target_date":"2025-05-02","created_at":"2025-05-01T10:00:00Z","updated_at":"2025-05-01T10:00:00Z","rider_count":3},
		{"id":"b","alternate_key":"openai/input/b.jsonl","status":"submitted","target_date":"2025-05-02","openai_batch_id":"batch_1"}
	]}`)
	store, _, _ := newTestStore(t, objects)

	coll, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(coll.Batches) != 2 {
		t.Fatalf("Load() returned %d records, want 2", len(coll.Batches))
	}
	if coll.Batches[0].ID != "a" || coll.Batches[1].ID != "b" {
		t.Fatalf("records out of order: %q, %q", coll.Batches[0].ID, coll.Batches[1].ID)
	}
	if coll.Batches[1].Status != domain.BatchStatusSubmitted {
		t.Fatalf("status = %q, want submitted", coll.Batches[1].Status)
	}
	if jobID, _ := coll.Batches[1].ExtraString(domain.ExtraJobID); jobID != "batch_1" {
		t.Fatalf("job id = %q, want batch_1", jobID)
	}
}

func TestLoadLegacyArrayIsUpgradedOnSave(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.objects[testKey] = []byte(`[{"batch_id":"legacy-1","input_file":"openai/input/x.jsonl","status":"prepared","target_date":"2025-05-02","created_at":"2025-05-01T10:00:00.123456"}]`)
	store, _, metrics := newTestStore(t, objects)

	coll, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(coll.Batches) != 1 {
		t.Fatalf("Load() returned %d records, want 1", len(coll.Batches))
	}
	rec := coll.Batches[0]
	if rec.ID != "legacy-1" || rec.AlternateKey != "openai/input/x.jsonl" {
		t.Fatalf("legacy fields not mapped: %+v", rec)
	}
	if rec.CreatedAt.IsZero() || rec.CreatedAt.Location() != time.UTC {
		t.Fatalf("created_at = %v, want parsed UTC time", rec.CreatedAt)
	}

	expected := `
# HELP batch_relay_control_document_legacy_loads_total Total number of control documents loaded from the legacy bare-array shape.
# TYPE batch_relay_control_document_legacy_loads_total counter
batch_relay_control_document_legacy_loads_total 1
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "batch_relay_control_document_legacy_loads_total"); err != nil {
		t.Fatalf("legacy load metric mismatch: %v", err)
	}

	if err := store.Save(context.Background(), coll); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var doc map[string][]map[string]any
	if err := json.Unmarshal(objects.objects[testKey], &doc); err != nil {
		t.Fatalf("saved document is not canonical: %v", err)
	}
	saved := doc["batches"]
	if len(saved) != 1 {
		t.Fatalf("saved %d records, want 1", len(saved))
	}
	if saved[0]["id"] != "legacy-1" || saved[0]["alternate_key"] != "openai/input/x.jsonl" {
		t.Fatalf("saved record = %v, want canonical keys", saved[0])
	}
	if _, ok := saved[0]["batch_id"]; ok {
		t.Fatal("legacy batch_id key written back")
	}
}

func TestLoadMalformedDocument(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		reason     string
		quarantine bool
	}{
		{name: "not json", body: `{"batches": [`, reason: ReasonInvalidJSON, quarantine: true},
		{name: "plain text", body: `hello`, reason: ReasonInvalidJSON, quarantine: true},
		{name: "object without batches", body: `{"records": []}`, reason: ReasonUnexpectedShape, quarantine: true},
		{name: "batches not array", body: `{"batches": {"id": "a"}}`, reason: ReasonUnexpectedShape, quarantine: true},
		{name: "scalar", body: `42`, reason: ReasonUnexpectedShape, quarantine: true},
		{name: "record not object", body: `{"batches": ["a"]}`, reason: ReasonInvalidRecord, quarantine: true},
		{name: "empty", body: "  \n", reason: ReasonEmpty, quarantine: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			objects := newFakeObjects()
			objects.objects[testKey] = []byte(tt.body)
			store, logs, metrics := newTestStore(t, objects)

			coll, err := store.Load(context.Background())
			if err != nil {
				t.Fatalf("Load() error = %v, want nil", err)
			}
			if len(coll.Batches) != 0 {
				t.Fatalf("Load() returned %d records, want 0", len(coll.Batches))
			}

			warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.String("reason", tt.reason))
			if warnings.Len() != 1 {
				t.Fatalf("expected one warning with reason %q, got %v", tt.reason, logs.All())
			}

			expected := `
# HELP batch_relay_control_document_discarded_total Total number of malformed control documents replaced by an empty collection.
# TYPE batch_relay_control_document_discarded_total counter
batch_relay_control_document_discarded_total{reason="` + tt.reason + `"} 1
`
			if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "batch_relay_control_document_discarded_total"); err != nil {
				t.Fatalf("discard metric mismatch: %v", err)
			}

			quarantined, ok := objects.objects[testKey+".corrupt-1714608000"]
			if ok != tt.quarantine {
				t.Fatalf("quarantine copy present = %v, want %v", ok, tt.quarantine)
			}
			if ok && string(quarantined) != tt.body {
				t.Fatalf("quarantine copy = %q, want %q", quarantined, tt.body)
			}
			if string(objects.objects[testKey]) != tt.body {
				t.Fatal("Load() must not overwrite the original document")
			}
		})
	}
}

func TestLoadMalformedDocumentQuarantineFailureStillReturnsEmpty(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.objects[testKey] = []byte(`not json`)
	objects.putFn = func(string, []byte) error { return errors.New("read-only bucket") }
	store, logs, _ := newTestStore(t, objects)

	coll, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(coll.Batches) != 0 {
		t.Fatalf("Load() returned %d records, want 0", len(coll.Batches))
	}
	if logs.FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Fatalf("expected quarantine failure to be logged, got %v", logs.All())
	}
}

func TestSaveFailureIsReturned(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.putFn = func(string, []byte) error { return errors.New("throttled") }
	store, _, _ := newTestStore(t, objects)

	if err := store.Save(context.Background(), Collection{}); err == nil {
		t.Fatal("expected error from Save")
	}
}

func TestSaveEncodingFailureIsReturned(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	store, _, _ := newTestStore(t, objects)

	coll := Collection{Batches: []domain.BatchRecord{{
		ID:     "a",
		Status: domain.BatchStatusPrepared,
		Extra:  map[string]any{"bad": make(chan int)},
	}}}

	if err := store.Save(context.Background(), coll); err == nil {
		t.Fatal("expected error for unencodable extra value")
	}
	if objects.puts != 0 {
		t.Fatal("nothing should be written when encoding fails")
	}
}

func TestSaveEmptyCollectionWritesEmptyArray(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	store, _, _ := newTestStore(t, objects)

	if err := store.Save(context.Background(), Collection{}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(objects.objects[testKey], &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if strings.TrimSpace(string(doc["batches"])) != "[]" {
		t.Fatalf("batches = %s, want []", doc["batches"])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.objects[testKey] = []byte(`{"batches":[
		{"id":"a","alternate_key":"k1","status":"completed","target_date":"2025-05-02","created_at":"2025-05-01T10:00:00Z","updated_at":"2025-05-02T09:30:00.5Z","success_count":7,"completed_at":"2025-05-02T09:30:00Z"},
		{"id":"b","alternate_key":"k2","status":"failed","target_date":"2025-05-02","error":"upload failed","nested":{"attempts":[1,2]}}
	]}`)
	store, _, _ := newTestStore(t, objects)
	ctx := context.Background()

	first, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	second, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("round trip changed collection:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestSaveKeepsTimestampsInOtherFormats(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.objects[testKey] = []byte(`{"batches":[
		{"id":"a","status":"prepared","created_at":"2025-05-01","updated_at":"2025-05-01T10:00:00+0000"},
		{"id":"b","status":"prepared","created_at":"first of May","updated_at":"n/a"}
	]}`)
	store, _, _ := newTestStore(t, objects)
	ctx := context.Background()

	coll, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := store.Save(ctx, coll); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var saved struct {
		Batches []map[string]any `json:"batches"`
	}
	if err := json.Unmarshal(objects.objects[testKey], &saved); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(saved.Batches) != 2 {
		t.Fatalf("saved batches = %d, want 2", len(saved.Batches))
	}

	want := []map[string]string{
		{"created_at": "2025-05-01T00:00:00Z", "updated_at": "2025-05-01T10:00:00Z"},
		{"created_at": "first of May", "updated_at": "n/a"},
	}
	for i, fields := range want {
		for key, value := range fields {
			if got := saved.Batches[i][key]; got != value {
				t.Fatalf("batch %d %s = %v, want %q", i, key, got, value)
			}
		}
	}

	again, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if !reflect.DeepEqual(coll, again) {
		t.Fatalf("round trip changed collection:\nfirst:  %+v\nsecond: %+v", coll, again)
	}
}
