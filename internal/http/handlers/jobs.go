package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"meshforge/internal/domain"
	"meshforge/internal/stageconfig"
)

type createJobRequest struct {
	Provider         string         `json:"provider"`
	Payload          map[string]any `json:"payload"`
	AssetTitle       *string        `json:"asset_title"`
	AssetDescription *string        `json:"asset_description"`
	CreateAsset      *bool          `json:"create_asset"`
}

type createJobResponse struct {
	JobID      string  `json:"job_id"`
	AssetID    *string `json:"asset_id,omitempty"`
	Status     string  `json:"status"`
	CreditCost int     `json:"credit_cost"`
	Balance    int     `json:"balance"`
}

// JobCreate queues a generation job. Credits are debited and the job (plus
// its asset row) created in a single SQL procedure.
func (a *App) JobCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if stageconfig.Prompt(req.Payload) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}
	prov, ok := selectProvider(req.Provider, req.Payload)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported provider")
		return
	}
	createAsset := true
	if req.CreateAsset != nil {
		createAsset = *req.CreateAsset
	}

	created, err := a.Jobs.CreateWithCredits(r.Context(), domain.CreateJobParams{
		UserID:           userID,
		Provider:         prov,
		RequestPayload:   req.Payload,
		CreateAsset:      createAsset,
		AssetTitle:       req.AssetTitle,
		AssetDescription: req.AssetDescription,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient") {
			a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits")
			return
		}
		a.Log.Error().Err(err).Str("user_id", userID).Msg("jobs: create failed")
		a.domainError(w, err, "failed to create job")
		return
	}
	a.json(w, http.StatusCreated, createJobResponse{
		JobID:      created.JobID,
		AssetID:    created.AssetID,
		Status:     string(domain.StatusQueued),
		CreditCost: created.CreditCost,
		Balance:    created.Balance,
	})
}

// selectProvider applies the explicit override, then routes rig and
// character payloads to TRIPO, everything else to MESHY.
func selectProvider(explicit string, payload map[string]any) (domain.Provider, bool) {
	switch strings.ToUpper(strings.TrimSpace(explicit)) {
	case "":
	case string(domain.ProviderMeshy):
		return domain.ProviderMeshy, true
	case string(domain.ProviderTripo):
		return domain.ProviderTripo, true
	default:
		return "", false
	}
	if rig, _ := payload["rig"].(bool); rig {
		return domain.ProviderTripo, true
	}
	if mt, _ := payload["model_type"].(string); mt != "" {
		switch strings.ToLower(mt) {
		case "avatar", "character", "rig":
			return domain.ProviderTripo, true
		}
	}
	if _, ok := payload["tripo"]; ok {
		return domain.ProviderTripo, true
	}
	return domain.ProviderMeshy, true
}

// JobDispatch creates the initial PREVIEW task for a queued job.
func (a *App) JobDispatch(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(w, r)
	if !ok {
		return
	}
	outcome, err := a.Reconciler.Dispatch(r.Context(), job)
	if err != nil {
		a.Log.Error().Err(err).Str("job_id", job.ID).Msg("jobs: dispatch failed")
		a.domainError(w, err, "failed to dispatch job")
		return
	}
	a.json(w, http.StatusOK, outcomeBody(outcome.JobID, outcome.Stage, outcome.Status))
}

// JobStatus returns the job and its ordered event trail.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(w, r)
	if !ok {
		return
	}
	events, err := a.Events.ListByJobID(r.Context(), job.ID)
	if err != nil {
		a.Log.Error().Err(err).Str("job_id", job.ID).Msg("jobs: event listing failed")
		a.domainError(w, err, "failed to load job events")
		return
	}
	trail := make([]map[string]any, 0, len(events))
	for _, e := range events {
		trail = append(trail, map[string]any{
			"stage":            e.Stage,
			"status":           e.Status,
			"provider_task_id": e.ProviderTaskID,
			"payload":          e.Payload,
			"created_at":       e.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":               job.ID,
		"asset_id":         job.AssetID,
		"stage":            job.Stage,
		"status":           job.Status,
		"provider":         job.Provider,
		"provider_task_id": job.ProviderTaskID,
		"error_message":    job.ErrorMessage,
		"credit_cost":      job.CreditCost,
		"result":           job.ResultPayload,
		"created_at":       job.CreatedAt,
		"started_at":       job.StartedAt,
		"completed_at":     job.CompletedAt,
		"updated_at":       job.UpdatedAt,
		"events":           trail,
	})
}

// JobCancel cancels a job through the SQL procedure, which also refunds.
func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if job.Terminal() {
		a.error(w, http.StatusConflict, "conflict", "job already finished")
		return
	}
	if err := a.Jobs.Cancel(r.Context(), job.ID, job.UserID); err != nil {
		a.Log.Error().Err(err).Str("job_id", job.ID).Msg("jobs: cancel failed")
		a.domainError(w, err, "failed to cancel job")
		return
	}
	a.json(w, http.StatusOK, outcomeBody(job.ID, job.Stage, domain.StatusCancelled))
}

// JobPoll triggers a reconciliation pass against the provider. Terminal jobs
// echo their state without a provider call.
func (a *App) JobPoll(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if want := r.URL.Query().Get("provider"); want != "" &&
		!strings.EqualFold(want, string(job.Provider)) {
		a.error(w, http.StatusBadRequest, "bad_request", "provider mismatch")
		return
	}
	if job.Terminal() {
		a.json(w, http.StatusOK, outcomeBody(job.ID, job.Stage, job.Status))
		return
	}
	if job.TaskID() == "" {
		a.error(w, http.StatusConflict, "conflict", "job has no provider task yet")
		return
	}
	outcome, err := a.Reconciler.Reconcile(r.Context(), job)
	if err != nil {
		a.Log.Error().Err(err).Str("job_id", job.ID).Msg("jobs: poll reconciliation failed")
		a.domainError(w, err, "reconciliation failed")
		return
	}
	a.json(w, http.StatusOK, outcomeBody(outcome.JobID, outcome.Stage, outcome.Status))
}

// loadOwnedJob resolves {job_id} and enforces ownership. Internal callers
// carry no user context and bypass the ownership check; the router only
// reaches this state through token-authenticated internal routes.
func (a *App) loadOwnedJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return nil, false
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		a.domainError(w, err, "failed to load job")
		return nil, false
	}
	if userID := a.currentUserID(r); userID != "" && job.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return nil, false
	}
	return job, true
}

func outcomeBody(jobID string, stage domain.Stage, status domain.Status) map[string]any {
	return map[string]any{
		"job_id": jobID,
		"stage":  stage,
		"status": status,
	}
}
