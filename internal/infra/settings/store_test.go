package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubExecutor struct {
	value   string
	err     error
	queries int
	exec    struct {
		query string
		args  []any
	}
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.exec.query = query
	s.exec.args = args
	return pgconn.CommandTag{}, s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.queries++
	return stubRow{value: s.value, err: s.err}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	value string
	err   error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	ptr, ok := dest[0].(*string)
	if !ok {
		return errors.New("invalid dest")
	}
	*ptr = r.value
	return nil
}

func TestProviderAPIKey(t *testing.T) {
	store := NewStore(&stubExecutor{value: " sk-meshy "})
	key, err := store.ProviderAPIKey(context.Background(), "MESHY")
	if err != nil {
		t.Fatalf("ProviderAPIKey error: %v", err)
	}
	if key != "sk-meshy" {
		t.Fatalf("expected sk-meshy, got %q", key)
	}
}

func TestProviderAPIKeyUnknownProvider(t *testing.T) {
	store := NewStore(&stubExecutor{value: "sk"})
	key, err := store.ProviderAPIKey(context.Background(), "OTHER")
	if err != nil {
		t.Fatalf("ProviderAPIKey error: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key for unknown provider, got %q", key)
	}
}

func TestValueNoRows(t *testing.T) {
	store := NewStore(&stubExecutor{err: pgx.ErrNoRows})
	value, err := store.Value(context.Background(), KeyWebhookSecret)
	if err != nil {
		t.Fatalf("Value error: %v", err)
	}
	if value != "" {
		t.Fatalf("expected empty value, got %q", value)
	}
}

func TestValueCaches(t *testing.T) {
	exec := &stubExecutor{value: "cached"}
	store := NewStore(exec)
	for i := 0; i < 3; i++ {
		if _, err := store.Value(context.Background(), KeyTripoAPIKey); err != nil {
			t.Fatalf("Value error: %v", err)
		}
	}
	if exec.queries != 1 {
		t.Fatalf("expected 1 query, got %d", exec.queries)
	}
}

func TestSetInvalidatesCache(t *testing.T) {
	exec := &stubExecutor{value: "old"}
	store := NewStore(exec)
	if _, err := store.Value(context.Background(), KeyMeshyAPIKey); err != nil {
		t.Fatalf("Value error: %v", err)
	}
	if err := store.Set(context.Background(), KeyMeshyAPIKey, "new"); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	exec.value = "new"
	value, err := store.Value(context.Background(), KeyMeshyAPIKey)
	if err != nil {
		t.Fatalf("Value error: %v", err)
	}
	if value != "new" {
		t.Fatalf("expected refreshed value, got %q", value)
	}
	if exec.queries != 2 {
		t.Fatalf("expected cache invalidation to trigger a second query, got %d", exec.queries)
	}
}

func TestSetEmpty(t *testing.T) {
	store := NewStore(&stubExecutor{})
	if err := store.Set(context.Background(), KeyMeshyAPIKey, " "); err == nil {
		t.Fatal("expected error for empty value")
	}
}

func TestPollRatePerMinute(t *testing.T) {
	tests := []struct {
		name  string
		value string
		err   error
		want  int
	}{
		{"stored value", "90", nil, 90},
		{"missing row", "", pgx.ErrNoRows, 30},
		{"unparseable", "lots", nil, 30},
		{"non-positive", "-1", nil, 30},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore(&stubExecutor{value: tc.value, err: tc.err})
			if got := store.PollRatePerMinute(context.Background(), 30); got != tc.want {
				t.Fatalf("PollRatePerMinute = %d, want %d", got, tc.want)
			}
		})
	}
}
