package settings

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshforge/internal/infra"
)

// Setting keys used by the pipeline.
const (
	KeyMeshyAPIKey       = "meshy_api_key"
	KeyTripoAPIKey       = "tripo_api_key"
	KeyWebhookSecret     = "webhook_secret"
	KeyRatePollPerMinute = "rate_poll_per_minute"
)

const defaultCacheTTL = 30 * time.Second

const qSelectSetting = `
SELECT value
FROM app_settings
WHERE key = $1
LIMIT 1;
`

const qUpsertSetting = `
INSERT INTO app_settings (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`

type cacheEntry struct {
	value   string
	expires time.Time
}

// Store provides explicitly-scoped, cached reads of named configuration
// values (API keys, rate thresholds) from the app_settings table. Lookups
// that miss the table return "" rather than an error so env fallbacks apply.
type Store struct {
	sql infra.SQLExecutor
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewStore creates a settings store with the default cache TTL.
func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql, ttl: defaultCacheTTL, cache: make(map[string]cacheEntry)}
}

// Value returns the setting for key, consulting the cache first.
func (s *Store) Value(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.value, nil
	}
	s.mu.Unlock()

	row := s.sql.QueryRow(ctx, qSelectSetting, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if infra.IsNoRows(err) {
			s.put(key, "")
			return "", nil
		}
		return "", err
	}
	value = strings.TrimSpace(value)
	s.put(key, value)
	return value, nil
}

// Set upserts a setting and invalidates its cache entry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	value = strings.TrimSpace(value)
	if key == "" {
		return errors.New("settings: key is required")
	}
	if value == "" {
		return errors.New("settings: value is required")
	}
	if _, err := s.sql.Exec(ctx, qUpsertSetting, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// ProviderAPIKey resolves the stored API key for a provider name as used by
// the provider adapters ("MESHY", "TRIPO"). Missing keys yield "".
func (s *Store) ProviderAPIKey(ctx context.Context, provider string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(provider)) {
	case "MESHY":
		return s.Value(ctx, KeyMeshyAPIKey)
	case "TRIPO":
		return s.Value(ctx, KeyTripoAPIKey)
	default:
		return "", nil
	}
}

// WebhookSecret returns the globally shared webhook secret, or "".
func (s *Store) WebhookSecret(ctx context.Context) (string, error) {
	return s.Value(ctx, KeyWebhookSecret)
}

// PollRatePerMinute returns the poll rate threshold, falling back when the
// setting is absent or unparseable.
func (s *Store) PollRatePerMinute(ctx context.Context, fallback int) int {
	raw, err := s.Value(ctx, KeyRatePollPerMinute)
	if err != nil || raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (s *Store) put(key, value string) {
	s.mu.Lock()
	s.cache[key] = cacheEntry{value: value, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
}
