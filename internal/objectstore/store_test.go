package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kursadbilgin/batch-relay/internal/domain"
)

type memoryBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	getErr  error
	putErr  error
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *memoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	body, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), body...), nil
}

func (m *memoryBackend) Put(ctx context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = append([]byte(nil), body...)
	m.types[key] = contentType
	return nil
}

func TestNewStoreRequiresBackend(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil backend")
	}
}

func TestStoreGetObjectNotFound(t *testing.T) {
	t.Parallel()

	store, err := New(newMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = store.GetObject(context.Background(), "missing.json")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("GetObject() error = %v, want ErrObjectNotFound", err)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetObject() error = %v, want it to match domain.ErrNotFound", err)
	}
}

func TestStoreGetObjectWrapsBackendError(t *testing.T) {
	t.Parallel()

	backend := newMemoryBackend()
	backend.getErr = errors.New("connection reset")
	store, _ := New(backend, nil)

	_, err := store.GetObject(context.Background(), "control.json")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrObjectNotFound) {
		t.Fatal("I/O failure must not look like a missing object")
	}
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	store, _ := New(newMemoryBackend(), nil)
	if err := store.PutObject(context.Background(), " ", []byte("x"), ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestStoreJSONRoundTrip(t *testing.T) {
	t.Parallel()

	backend := newMemoryBackend()
	store, _ := New(backend, nil)

	type payload struct {
		Name      string `json:"name"`
		Horoscope string `json:"horoscope"`
	}
	in := payload{Name: "Ada_Lovelace", Horoscope: "Spin easy."}

	if err := store.PutJSON(context.Background(), "horoscope/2025-05-02/ada_lovelace.json", in); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}
	if got := backend.types["horoscope/2025-05-02/ada_lovelace.json"]; got != ContentTypeJSON {
		t.Fatalf("content type = %q, want %q", got, ContentTypeJSON)
	}

	var out payload
	if err := store.GetJSON(context.Background(), "horoscope/2025-05-02/ada_lovelace.json", &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if out != in {
		t.Fatalf("GetJSON() = %+v, want %+v", out, in)
	}
}

func TestStoreUploadAndDownloadFile(t *testing.T) {
	t.Parallel()

	backend := newMemoryBackend()
	store, _ := New(backend, nil)
	dir := t.TempDir()

	src := filepath.Join(dir, "input.jsonl")
	if err := os.WriteFile(src, []byte("{\"custom_id\":\"Ada\"}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	key := "openai/input/2025-05-02-abcd1234.jsonl"
	if err := store.UploadFile(context.Background(), src, key); err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if got := backend.types[key]; got != "application/jsonl" {
		t.Fatalf("content type = %q, want application/jsonl", got)
	}

	dst := filepath.Join(dir, "nested", "download.jsonl")
	if err := store.DownloadFile(context.Background(), key, dst); err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "{\"custom_id\":\"Ada\"}\n" {
		t.Fatalf("downloaded content = %q", got)
	}
}

func TestStoreDownloadMissingObject(t *testing.T) {
	t.Parallel()

	store, _ := New(newMemoryBackend(), nil)
	err := store.DownloadFile(context.Background(), "missing.jsonl", filepath.Join(t.TempDir(), "x.jsonl"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("DownloadFile() error = %v, want ErrObjectNotFound", err)
	}
}
