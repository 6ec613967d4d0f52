// Package reconcile drives jobs through the PREVIEW -> REFINE -> REMESH
// pipeline. A reconciliation pass is trigger-agnostic: polling and webhooks
// both funnel into Reconcile, which reads the remote task, compares it with
// the stored job and applies at most one transition. All transitions go
// through conditional updates, so concurrent passes over the same job are
// safe and converge.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/materialize"
	"meshforge/internal/provider"
	"meshforge/internal/stageconfig"
)

// ArtifactStore mirrors finished task outputs into durable storage.
type ArtifactStore interface {
	Persist(ctx context.Context, ownerID, assetID string, urls provider.OutputURLs) (materialize.StoredPaths, error)
}

// Options wires the reconciler's collaborators.
type Options struct {
	Jobs      domain.JobRepository
	Events    domain.JobEventRepository
	Assets    domain.AssetRepository
	Credits   domain.CreditLedger
	Providers provider.Registry
	Artifacts ArtifactStore
	Logger    *zerolog.Logger
}

// Reconciler applies pipeline transitions for one job at a time.
type Reconciler struct {
	jobs      domain.JobRepository
	events    domain.JobEventRepository
	assets    domain.AssetRepository
	credits   domain.CreditLedger
	providers provider.Registry
	artifacts ArtifactStore
	logger    zerolog.Logger
}

// Outcome describes where a job landed after a reconciliation pass.
type Outcome struct {
	JobID  string
	Stage  domain.Stage
	Status domain.Status
}

// New constructs a reconciler.
func New(opts Options) *Reconciler {
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Reconciler{
		jobs:      opts.Jobs,
		events:    opts.Events,
		assets:    opts.Assets,
		credits:   opts.Credits,
		providers: opts.Providers,
		artifacts: opts.Artifacts,
		logger:    logger,
	}
}

// maxPasses bounds the re-read loop after a conditional update misses.
const maxPasses = 3

// Reconcile fetches the remote task bound to the job and applies the
// transition it implies. When a conditional update misses, the job is
// re-read and re-evaluated against its fresh state; the pass that lost the
// race usually finds nothing left to do. A provider call that errors mid-pass
// (fetch or next-stage creation) marks the job FAILED with the error text and
// refunds its credits before the error propagates to the trigger.
func (r *Reconciler) Reconcile(ctx context.Context, job *domain.Job) (*Outcome, error) {
	for pass := 0; pass < maxPasses; pass++ {
		outcome, retry, err := r.reconcileOnce(ctx, job)
		if err != nil {
			if errors.Is(err, provider.ErrRequestFailed) {
				r.failProvider(ctx, job, err)
			}
			return nil, err
		}
		if !retry {
			return outcome, nil
		}
		fresh, err := r.jobs.GetByID(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		job = fresh
	}
	return nil, fmt.Errorf("job %s: reconcile contention: %w", job.ID, domain.ErrStaleJob)
}

func (r *Reconciler) reconcileOnce(ctx context.Context, job *domain.Job) (*Outcome, bool, error) {
	if job.Terminal() {
		return outcomeOf(job), false, nil
	}
	if job.TaskID() == "" {
		// Not dispatched yet; nothing remote to reconcile against.
		return outcomeOf(job), false, nil
	}

	adapter, err := r.providers.Lookup(job.Provider)
	if err != nil {
		return nil, false, err
	}
	task, err := adapter.FetchTask(ctx, job.Stage, job.TaskID())
	if err != nil {
		return nil, false, err
	}

	switch task.Status {
	case domain.StatusQueued, domain.StatusInProgress:
		return r.observeProgress(ctx, job, task)
	case domain.StatusFailed, domain.StatusCancelled:
		return r.finalizeFailure(ctx, job, task, task.Status)
	case domain.StatusSucceeded:
		return r.advanceOrFinalize(ctx, job, adapter, task)
	default:
		return nil, false, fmt.Errorf("job %s: unmapped task status %q: %w", job.ID, task.NativeStatus, domain.ErrConflict)
	}
}

// observeProgress merges progress into result_payload and moves a QUEUED job
// to IN_PROGRESS. The update skips terminal jobs, so a webhook arriving after
// completion cannot pull a job back.
func (r *Reconciler) observeProgress(ctx context.Context, job *domain.Job, task *provider.Task) (*Outcome, bool, error) {
	patch := map[string]any{"last_task": task.Raw}
	if p, ok := task.Raw["progress"]; ok {
		patch[strings.ToLower(string(job.Stage))+"_progress"] = p
	}
	if err := r.jobs.SetInProgress(ctx, domain.ProgressUpdate{JobID: job.ID, ResultPatch: patch}); err != nil {
		return nil, false, err
	}
	if job.Status == domain.StatusQueued {
		r.appendEvent(ctx, job, job.Stage, domain.StatusInProgress, task.ID, nil)
	}
	return &Outcome{JobID: job.ID, Stage: job.Stage, Status: domain.StatusInProgress}, false, nil
}

// finalizeFailure applies a terminal FAILED or CANCELLED transition. The
// refund and the terminal event are issued only by the pass whose conditional
// update applied.
func (r *Reconciler) finalizeFailure(ctx context.Context, job *domain.Job, task *provider.Task, status domain.Status) (*Outcome, bool, error) {
	var message *string
	if task.Message != "" {
		message = &task.Message
	}
	applied, err := r.jobs.Finalize(ctx, domain.Finalization{
		JobID:        job.ID,
		Status:       status,
		ErrorMessage: message,
		ResultPatch:  map[string]any{"last_task": task.Raw},
	})
	if err != nil {
		return nil, false, err
	}
	outcome := &Outcome{JobID: job.ID, Stage: job.Stage, Status: status}
	if !applied {
		return outcome, false, nil
	}
	if err := r.credits.Refund(ctx, job.ID); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: refund failed")
		r.annotate(ctx, job.ID, "refund failed: "+err.Error())
		return nil, false, err
	}
	r.appendEvent(ctx, job, job.Stage, status, task.ID, map[string]any{"refunded": true})
	return outcome, false, nil
}

// advanceOrFinalize handles a SUCCEEDED remote task: chain the next stage or,
// when it is disabled, finalize the job at the current stage.
func (r *Reconciler) advanceOrFinalize(ctx context.Context, job *domain.Job, adapter provider.Adapter, task *provider.Task) (*Outcome, bool, error) {
	switch job.Stage {
	case domain.StagePreview:
		refine := stageconfig.ResolveRefine(job.RequestPayload)
		if refine.Enabled {
			return r.advance(ctx, job, task, domain.StageRefine, refine.Raw, func(ctx context.Context) (string, error) {
				return adapter.CreateRefineTask(ctx, task.ID, refine)
			})
		}
		return r.finalizeSuccess(ctx, job, task)
	case domain.StageRefine:
		remesh := stageconfig.ResolveRemesh(job.RequestPayload)
		if remesh.Enabled {
			return r.advance(ctx, job, task, domain.StageRemesh, remesh.Raw, func(ctx context.Context) (string, error) {
				return adapter.CreateRemeshTask(ctx, task.ID, remesh)
			})
		}
		return r.finalizeSuccess(ctx, job, task)
	default:
		return r.finalizeSuccess(ctx, job, task)
	}
}

// advance creates the next stage's remote task and binds it through a
// conditional stage transition. The marker in result_payload makes task
// creation idempotent: a pass that finds a marker reuses the recorded task id
// instead of creating a second remote task.
func (r *Reconciler) advance(ctx context.Context, job *domain.Job, task *provider.Task, toStage domain.Stage, rawRequest map[string]any, create func(context.Context) (string, error)) (*Outcome, bool, error) {
	newTaskID := job.StageTaskMarker(toStage)
	if newTaskID == "" {
		id, err := create(ctx)
		if err != nil {
			return nil, false, err
		}
		newTaskID = id
	}

	patch := map[string]any{
		domain.ResultKey(job.Stage): task.Raw,
		domain.MarkerKey(toStage):   newTaskID,
	}
	if len(rawRequest) > 0 {
		patch[domain.RequestKey(toStage)] = rawRequest
	}
	applied, err := r.jobs.AdvanceStage(ctx, domain.StageAdvance{
		JobID:       job.ID,
		FromStage:   job.Stage,
		FromStatus:  job.Status,
		FromTaskID:  job.TaskID(),
		ToStage:     toStage,
		NewTaskID:   newTaskID,
		ResultPatch: patch,
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return nil, true, nil
	}
	r.appendEvent(ctx, job, toStage, domain.StatusInProgress, newTaskID, map[string]any{"advanced_from": string(job.Stage)})
	return &Outcome{JobID: job.ID, Stage: toStage, Status: domain.StatusInProgress}, false, nil
}

// finalizeSuccess records the last stage's outputs, materializes artifacts
// and applies the terminal SUCCEEDED transition. Storage failures never fail
// the job; they are logged and annotated while the provider URLs remain in
// the asset record.
func (r *Reconciler) finalizeSuccess(ctx context.Context, job *domain.Job, task *provider.Task) (*Outcome, bool, error) {
	urls := task.Outputs
	patch := map[string]any{domain.ResultKey(job.Stage): task.Raw}
	if !urls.Empty() {
		patch["output_urls"] = urlMap(urls)
	}

	var annotation string
	if job.AssetID != nil && !urls.Empty() {
		assetPatch := domain.AssetPatch{
			SourceJobID:     job.ID,
			MeshURL:         nonEmpty(urls.Mesh),
			TextureURL:      nonEmpty(urls.Albedo),
			PBRMetalnessURL: nonEmpty(urls.Metalness),
			PBRRoughnessURL: nonEmpty(urls.Roughness),
			PBRNormalURL:    nonEmpty(urls.Normal),
		}
		if r.artifacts != nil && wantsStoredAssets(job.RequestPayload) {
			stored, err := r.artifacts.Persist(ctx, job.UserID, *job.AssetID, urls)
			if err != nil {
				r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: asset materialization incomplete")
				annotation = "asset storage: " + err.Error()
			}
			assetPatch.MeshStoragePath = nonEmpty(stored.Mesh)
			assetPatch.TextureStoragePath = nonEmpty(stored.Albedo)
			assetPatch.MetalnessStoragePath = nonEmpty(stored.Metalness)
			assetPatch.RoughnessStoragePath = nonEmpty(stored.Roughness)
			assetPatch.NormalStoragePath = nonEmpty(stored.Normal)
		}
		if err := r.assets.ApplyPatch(ctx, *job.AssetID, assetPatch); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Str("asset_id", *job.AssetID).Msg("reconcile: asset patch failed")
			annotation = "asset update: " + err.Error()
		}
	}

	applied, err := r.jobs.Finalize(ctx, domain.Finalization{
		JobID:       job.ID,
		Status:      domain.StatusSucceeded,
		ResultPatch: patch,
	})
	if err != nil {
		return nil, false, err
	}
	outcome := &Outcome{JobID: job.ID, Stage: job.Stage, Status: domain.StatusSucceeded}
	if !applied {
		return outcome, false, nil
	}
	if annotation != "" {
		r.annotate(ctx, job.ID, annotation)
	}
	r.appendEvent(ctx, job, job.Stage, domain.StatusSucceeded, task.ID, map[string]any{"output_urls": urlMap(urls)})
	return outcome, false, nil
}

// Dispatch creates the initial PREVIEW task for a job that has no bound
// provider task and moves it to IN_PROGRESS. A marker left by a previous
// partial dispatch is reused rather than creating a second remote task. When
// the provider rejects task creation outright, the job fails and credits are
// refunded.
func (r *Reconciler) Dispatch(ctx context.Context, job *domain.Job) (*Outcome, error) {
	if job.Terminal() && job.Status != domain.StatusFailed {
		return nil, fmt.Errorf("job %s already %s: %w", job.ID, job.Status, domain.ErrConflict)
	}
	if job.TaskID() != "" {
		return outcomeOf(job), nil
	}

	adapter, err := r.providers.Lookup(job.Provider)
	if err != nil {
		return nil, err
	}
	preview := stageconfig.Preview(job.RequestPayload)
	taskID := job.StageTaskMarker(domain.StagePreview)
	if taskID == "" {
		id, err := adapter.CreatePreviewTask(ctx, preview)
		if err != nil {
			r.failProvider(ctx, job, err)
			return nil, err
		}
		taskID = id
	}

	applied, err := r.jobs.MarkDispatched(ctx, domain.DispatchUpdate{
		JobID:      job.ID,
		FromStatus: job.Status,
		TaskID:     taskID,
		ResultPatch: map[string]any{
			domain.MarkerKey(domain.StagePreview):  taskID,
			domain.RequestKey(domain.StagePreview): preview,
		},
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		fresh, err := r.jobs.GetByID(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if fresh.TaskID() != "" || fresh.Terminal() {
			return outcomeOf(fresh), nil
		}
		return nil, fmt.Errorf("job %s: dispatch contention: %w", job.ID, domain.ErrStaleJob)
	}
	r.appendEvent(ctx, job, domain.StagePreview, domain.StatusInProgress, taskID, nil)
	return &Outcome{JobID: job.ID, Stage: domain.StagePreview, Status: domain.StatusInProgress}, nil
}

// failProvider marks the job FAILED after a provider call errored, recording
// the error text and refunding the credits. The conditional finalize keeps
// the refund and event exactly-once when a racing invocation already moved
// the job to a terminal state.
func (r *Reconciler) failProvider(ctx context.Context, job *domain.Job, cause error) {
	message := cause.Error()
	applied, err := r.jobs.Finalize(ctx, domain.Finalization{
		JobID:        job.ID,
		Status:       domain.StatusFailed,
		ErrorMessage: &message,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: provider failure finalize errored")
		return
	}
	if !applied {
		return
	}
	if err := r.credits.Refund(ctx, job.ID); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: refund failed")
		r.annotate(ctx, job.ID, "refund failed: "+err.Error())
		return
	}
	r.appendEvent(ctx, job, job.Stage, domain.StatusFailed, job.TaskID(), map[string]any{"refunded": true})
}

func (r *Reconciler) appendEvent(ctx context.Context, job *domain.Job, stage domain.Stage, status domain.Status, taskID string, payload map[string]any) {
	event := &domain.JobEvent{
		JobID:   job.ID,
		UserID:  job.UserID,
		Stage:   stage,
		Status:  status,
		Payload: payload,
	}
	if taskID != "" {
		event.ProviderTaskID = &taskID
	}
	if err := r.events.Append(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: event append failed")
	}
}

func (r *Reconciler) annotate(ctx context.Context, jobID, message string) {
	if err := r.jobs.AnnotateError(ctx, jobID, message); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("reconcile: error annotation failed")
	}
}

// wantsStoredAssets reports whether outputs should be mirrored into our own
// storage. Defaults to true; store_assets=false keeps provider URLs only.
func wantsStoredAssets(payload map[string]any) bool {
	if v, ok := payload["store_assets"].(bool); ok {
		return v
	}
	return true
}

func urlMap(urls provider.OutputURLs) map[string]any {
	out := map[string]any{}
	if urls.Mesh != "" {
		out["mesh"] = urls.Mesh
	}
	if urls.Albedo != "" {
		out["albedo"] = urls.Albedo
	}
	if urls.Metalness != "" {
		out["metalness"] = urls.Metalness
	}
	if urls.Roughness != "" {
		out["roughness"] = urls.Roughness
	}
	if urls.Normal != "" {
		out["normal"] = urls.Normal
	}
	return out
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func outcomeOf(job *domain.Job) *Outcome {
	return &Outcome{JobID: job.ID, Stage: job.Stage, Status: job.Status}
}
