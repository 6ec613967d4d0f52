package materialize

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meshforge/internal/provider"
	"meshforge/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string]string
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string]string)}
}

func (m *memStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	m.objects[key] = contentType
	m.mu.Unlock()
	return nil
}

func (m *memStore) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("not implemented")
}

var _ storage.ObjectStore = (*memStore)(nil)

func TestPersistStoresChannelsUnderOwnerPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	store := newMemStore()
	m := New(store, Options{})
	paths, err := m.Persist(context.Background(), "user-1", "asset-1", provider.OutputURLs{
		Mesh:   srv.URL + "/model.fbx",
		Albedo: srv.URL + "/albedo.png?sig=abc",
	})
	if err != nil {
		t.Fatalf("Persist error: %v", err)
	}
	if paths.Mesh != "user-1/asset-1/mesh.fbx" {
		t.Fatalf("mesh path = %q", paths.Mesh)
	}
	if paths.Albedo != "user-1/asset-1/albedo.png" {
		t.Fatalf("albedo path = %q, query string should not leak into extension", paths.Albedo)
	}
	if ct := store.objects[paths.Mesh]; ct != "model/fbx" {
		t.Fatalf("mesh content type = %q", ct)
	}
	if ct := store.objects[paths.Albedo]; ct != "image/png" {
		t.Fatalf("albedo content type = %q", ct)
	}
}

func TestPersistRejectsOversizedArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	m := New(newMemStore(), Options{MaxBytes: 1024})
	paths, err := m.Persist(context.Background(), "u", "a", provider.OutputURLs{
		Mesh: srv.URL + "/model.glb",
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if paths.Mesh != "" {
		t.Fatalf("oversized channel should not record a path, got %q", paths.Mesh)
	}
}

func TestPersistPartialFailureKeepsSuccesses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".png") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("mesh-bytes"))
	}))
	defer srv.Close()

	m := New(newMemStore(), Options{})
	paths, err := m.Persist(context.Background(), "u", "a", provider.OutputURLs{
		Mesh:   srv.URL + "/model.glb",
		Normal: srv.URL + "/normal.png",
	})
	if err == nil {
		t.Fatal("expected aggregated error for failed channel")
	}
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch in aggregate, got %v", err)
	}
	if paths.Mesh == "" {
		t.Fatal("successful channel should still be recorded")
	}
	if paths.Normal != "" {
		t.Fatalf("failed channel recorded a path: %q", paths.Normal)
	}
}

func TestPersistSkipsEmptyChannels(t *testing.T) {
	m := New(newMemStore(), Options{})
	paths, err := m.Persist(context.Background(), "u", "a", provider.OutputURLs{})
	if err != nil {
		t.Fatalf("Persist error: %v", err)
	}
	if paths != (StoredPaths{}) {
		t.Fatalf("expected no paths, got %+v", paths)
	}
}

func TestFileExtensionFallback(t *testing.T) {
	tests := []struct {
		url      string
		fallback string
		want     string
	}{
		{"https://cdn/model.FBX", "glb", "fbx"},
		{"https://cdn/model.glb?token=1", "png", "glb"},
		{"https://cdn/no-extension", "glb", "glb"},
	}
	for _, tc := range tests {
		if got := fileExtension(tc.url, tc.fallback); got != tc.want {
			t.Fatalf("fileExtension(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
