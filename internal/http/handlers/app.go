package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"meshforge/internal/domain"
	"meshforge/internal/infra"
	"meshforge/internal/infra/geoip"
	"meshforge/internal/middleware"
	"meshforge/internal/provider"
	"meshforge/internal/reconcile"
	"meshforge/internal/storage"
)

// App carries handler dependencies.
type App struct {
	Cfg        *infra.Config
	Log        infra.Logger
	Jobs       domain.JobRepository
	Events     domain.JobEventRepository
	Assets     domain.AssetRepository
	Secrets    domain.SecretRepository
	Reconciler *reconcile.Reconciler
	Store      storage.ObjectStore
	GeoIP      geoip.CountryResolver
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}

func (a *App) errorDetail(w http.ResponseWriter, status int, code, message, detail string) {
	a.json(w, status, map[string]string{"error": code, "message": message, "detail": detail})
}

// domainError maps sentinel errors onto HTTP responses. Gateway-class errors
// carry the underlying cause as a detail field; internal ones do not.
func (a *App) domainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", "access denied")
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, provider.ErrRequestFailed), errors.Is(err, domain.ErrProviderFailure):
		a.errorDetail(w, http.StatusBadGateway, "provider_error", "provider request failed", err.Error())
	case errors.Is(err, domain.ErrStorageFailure):
		a.errorDetail(w, http.StatusBadGateway, "storage_error", "asset storage failed", err.Error())
	case errors.Is(err, domain.ErrStaleJob):
		a.error(w, http.StatusConflict, "conflict", "job state changed concurrently, retry")
	default:
		a.error(w, http.StatusInternalServerError, "internal", fallback)
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
