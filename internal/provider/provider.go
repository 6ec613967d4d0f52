// Package provider defines the contract implemented by remote 3D generation
// services. Adapters translate stage configuration into provider-specific
// task creation calls and map native status vocabularies onto the canonical
// set. Adapters never touch the database.
package provider

import (
	"context"
	"errors"
	"fmt"

	"meshforge/internal/domain"
	"meshforge/internal/stageconfig"
)

// ErrRequestFailed wraps any remote call that errored, timed out, or
// returned an unparseable or incomplete response.
var ErrRequestFailed = errors.New("provider request failed")

// RequestError decorates ErrRequestFailed with provider context.
func RequestError(provider domain.Provider, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", provider, fmt.Sprintf(format, args...), ErrRequestFailed)
}

// OutputURLs is the normalized set of artifact URLs a finished task exposes,
// selected from the provider's raw output by per-channel alias priority.
type OutputURLs struct {
	Mesh      string
	Albedo    string
	Metalness string
	Roughness string
	Normal    string
}

// Empty reports whether no channel produced a URL.
func (o OutputURLs) Empty() bool {
	return o == OutputURLs{}
}

// Task is a provider task snapshot normalized to canonical vocabulary.
type Task struct {
	ID           string
	NativeStatus string
	Status       domain.Status
	Message      string
	Outputs      OutputURLs
	Raw          map[string]any
}

// KeySource resolves provider API keys at call time, typically backed by the
// cached settings store with an environment fallback.
type KeySource interface {
	ProviderAPIKey(ctx context.Context, provider string) (string, error)
}

// StaticKey is a KeySource returning a fixed key, used in tests and tools.
type StaticKey string

func (k StaticKey) ProviderAPIKey(context.Context, string) (string, error) {
	return string(k), nil
}

// Adapter is the per-provider contract consumed by the reconciler.
type Adapter interface {
	Name() domain.Provider

	// CreatePreviewTask issues the initial generation request from the raw
	// preview section of the request payload.
	CreatePreviewTask(ctx context.Context, preview map[string]any) (string, error)

	// CreateRefineTask chains a refine task onto a finished preview task.
	CreateRefineTask(ctx context.Context, previewTaskID string, cfg stageconfig.Refine) (string, error)

	// CreateRemeshTask chains a remesh task onto a finished refine task.
	CreateRemeshTask(ctx context.Context, inputTaskID string, cfg stageconfig.Remesh) (string, error)

	// FetchTask retrieves the remote task bound to the given stage.
	FetchTask(ctx context.Context, stage domain.Stage, taskID string) (*Task, error)
}

// Registry maps provider identifiers to adapters.
type Registry map[domain.Provider]Adapter

// Lookup returns the adapter for p or a conflict error.
func (r Registry) Lookup(p domain.Provider) (Adapter, error) {
	adapter, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q: %w", p, domain.ErrConflict)
	}
	return adapter, nil
}
