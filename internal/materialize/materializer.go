// Package materialize downloads provider-hosted output artifacts and
// re-hosts them in durable storage under the owner's namespace.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/provider"
	"meshforge/internal/storage"
)

var (
	// ErrTooLarge marks a remote artifact exceeding the configured cap.
	ErrTooLarge = fmt.Errorf("remote asset exceeds max size: %w", domain.ErrStorageFailure)
	// ErrFetch marks a failed artifact download.
	ErrFetch = fmt.Errorf("asset download failed: %w", domain.ErrStorageFailure)
)

// StoredPaths maps output channels to the storage keys that were written.
// Empty fields mean the channel produced no URL or its materialization failed.
type StoredPaths struct {
	Mesh      string
	Albedo    string
	Metalness string
	Roughness string
	Normal    string
}

// Options tunes the materializer.
type Options struct {
	MaxBytes   int64
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Materializer mirrors remote artifacts into an object store.
type Materializer struct {
	store    storage.ObjectStore
	client   *http.Client
	maxBytes int64
	logger   zerolog.Logger
}

const defaultMaxBytes = 50 << 20

// New constructs a materializer over the given object store.
func New(store storage.ObjectStore, opts Options) *Materializer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Materializer{store: store, client: client, maxBytes: maxBytes, logger: logger}
}

type channel struct {
	name        string
	url         string
	fallbackExt string
	fallbackCT  string
	dest        *string
}

// Persist downloads each non-empty channel URL and uploads it under
// {ownerID}/{assetID}/{channel}.{ext}, overwriting prior objects. A failure
// on one channel does not block the others; the returned error aggregates
// per-channel failures while the returned paths cover what succeeded.
func (m *Materializer) Persist(ctx context.Context, ownerID, assetID string, urls provider.OutputURLs) (StoredPaths, error) {
	var stored StoredPaths
	prefix := ownerID + "/" + assetID
	channels := []channel{
		{name: "mesh", url: urls.Mesh, fallbackExt: "glb", fallbackCT: "model/gltf-binary", dest: &stored.Mesh},
		{name: "albedo", url: urls.Albedo, fallbackExt: "png", fallbackCT: "image/png", dest: &stored.Albedo},
		{name: "metalness", url: urls.Metalness, fallbackExt: "png", fallbackCT: "image/png", dest: &stored.Metalness},
		{name: "roughness", url: urls.Roughness, fallbackExt: "png", fallbackCT: "image/png", dest: &stored.Roughness},
		{name: "normal", url: urls.Normal, fallbackExt: "png", fallbackCT: "image/png", dest: &stored.Normal},
	}

	var errs []error
	for _, ch := range channels {
		if ch.url == "" {
			continue
		}
		key := fmt.Sprintf("%s/%s.%s", prefix, ch.name, fileExtension(ch.url, ch.fallbackExt))
		if err := m.mirror(ctx, ch.url, key, inferContentType(ch.url, ch.fallbackCT)); err != nil {
			m.logger.Warn().Err(err).Str("channel", ch.name).Str("asset_id", assetID).Msg("materialize: channel failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.name, err))
			continue
		}
		*ch.dest = key
	}
	return stored, errors.Join(errs...)
}

func (m *Materializer) mirror(ctx context.Context, url, key, contentType string) error {
	data, err := m.download(ctx, url)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, key, data, contentType); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrStorageFailure)
	}
	return nil
}

func (m *Materializer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrFetch)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrFetch)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrFetch)
	}
	if resp.ContentLength > m.maxBytes {
		return nil, ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrFetch)
	}
	if int64(len(data)) > m.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

var extensionRe = regexp.MustCompile(`\.([a-zA-Z0-9]+)$`)

func fileExtension(url, fallback string) string {
	trimmed, _, _ := strings.Cut(url, "?")
	match := extensionRe.FindStringSubmatch(trimmed)
	if match == nil {
		return fallback
	}
	return strings.ToLower(match[1])
}

func inferContentType(url, fallback string) string {
	trimmed, _, _ := strings.Cut(strings.ToLower(url), "?")
	switch {
	case strings.HasSuffix(trimmed, ".png"):
		return "image/png"
	case strings.HasSuffix(trimmed, ".jpg"), strings.HasSuffix(trimmed, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(trimmed, ".webp"):
		return "image/webp"
	case strings.HasSuffix(trimmed, ".glb"):
		return "model/gltf-binary"
	case strings.HasSuffix(trimmed, ".gltf"):
		return "model/gltf+json"
	case strings.HasSuffix(trimmed, ".fbx"):
		return "model/fbx"
	case strings.HasSuffix(trimmed, ".obj"):
		return "text/plain"
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}
