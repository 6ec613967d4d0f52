// Package storage provides durable object storage for materialized assets.
package storage

import (
	"context"
	"time"
)

// ObjectStore persists asset bytes under hierarchical keys and issues
// time-limited read URLs. Writes overwrite any prior object at the key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
