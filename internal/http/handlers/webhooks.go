package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"meshforge/internal/domain"
)

const maxWebhookBody = 1 << 20

// taskIDKeys lists the body locations probed for the remote task id, in
// priority order. "data.*" entries address the tripo envelope.
var taskIDKeys = []string{"id", "task_id", "taskId", "data.id", "data.task_id"}

// WebhookReceive handles provider callbacks. The payload is used only to
// locate the job; the reconciliation itself re-fetches the task from the
// provider, so spoofed bodies cannot inject state. Unknown task ids are
// acknowledged with 202 so providers stop retrying.
func (a *App) WebhookReceive(w http.ResponseWriter, r *http.Request) {
	prov, ok := webhookProvider(chi.URLParam(r, "provider"))
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	taskID := extractTaskID(body)
	if taskID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "task id missing")
		return
	}

	job, err := a.Jobs.GetByProviderTaskID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.json(w, http.StatusAccepted, map[string]string{"status": "ignored"})
			return
		}
		a.Log.Error().Err(err).Str("task_id", taskID).Msg("webhook: job lookup failed")
		a.domainError(w, err, "failed to resolve job")
		return
	}
	if job.Provider != prov {
		a.error(w, http.StatusBadRequest, "bad_request", "provider mismatch")
		return
	}
	if !a.authorizeWebhook(r, job) {
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
		return
	}

	a.Log.Info().
		Str("job_id", job.ID).
		Str("provider", string(prov)).
		Str("country", a.webhookCountry(r)).
		Msg("webhook: received")

	outcome, err := a.Reconciler.Reconcile(r.Context(), job)
	if err != nil {
		a.Log.Error().Err(err).Str("job_id", job.ID).Msg("webhook: reconciliation failed")
		a.domainError(w, err, "reconciliation failed")
		return
	}
	a.json(w, http.StatusOK, outcomeBody(outcome.JobID, outcome.Stage, outcome.Status))
}

// authorizeWebhook accepts the global shared secret or the job owner's
// per-provider secret. With no secret configured on either side the webhook
// is accepted as-is; the reconciler's re-fetch keeps that safe.
func (a *App) authorizeWebhook(r *http.Request, job *domain.Job) bool {
	got := r.Header.Get("X-Webhook-Secret")
	if a.Cfg.WebhookSecret != "" &&
		subtle.ConstantTimeCompare([]byte(got), []byte(a.Cfg.WebhookSecret)) == 1 {
		return true
	}
	perUser, err := a.Secrets.WebhookSecret(r.Context(), job.UserID, job.Provider)
	if err != nil {
		a.Log.Error().Err(err).Str("job_id", job.ID).Msg("webhook: secret lookup failed")
		return false
	}
	if perUser != "" {
		return subtle.ConstantTimeCompare([]byte(got), []byte(perUser)) == 1
	}
	return a.Cfg.WebhookSecret == ""
}

func (a *App) webhookCountry(r *http.Request) string {
	if a.GeoIP == nil {
		return ""
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	code, err := a.GeoIP.CountryCode(ip)
	if err != nil {
		return ""
	}
	return code
}

func webhookProvider(param string) (domain.Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(param)) {
	case "meshy":
		return domain.ProviderMeshy, true
	case "tripo":
		return domain.ProviderTripo, true
	default:
		return "", false
	}
}

func extractTaskID(body map[string]any) string {
	for _, key := range taskIDKeys {
		section := body
		parts := strings.Split(key, ".")
		for _, part := range parts[:len(parts)-1] {
			sub, _ := section[part].(map[string]any)
			section = sub
		}
		if section == nil {
			continue
		}
		if v, ok := section[parts[len(parts)-1]].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
