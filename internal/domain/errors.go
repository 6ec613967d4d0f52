package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrValidation      = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrProviderFailure = errors.New("provider failure")
	ErrStorageFailure  = errors.New("storage failure")

	// ErrStaleJob signals that a conditional job update matched no row
	// because another invocation transitioned the job first. Callers must
	// re-read and re-evaluate rather than proceed with stale state.
	ErrStaleJob = errors.New("job state changed concurrently")
)
