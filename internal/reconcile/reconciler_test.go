package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"meshforge/internal/domain"
	"meshforge/internal/materialize"
	"meshforge/internal/provider"
	"meshforge/internal/stageconfig"
)

type fakeJobs struct {
	byID map[string]*domain.Job

	progress    []domain.ProgressUpdate
	advances    []domain.StageAdvance
	finalizes   []domain.Finalization
	dispatches  []domain.DispatchUpdate
	annotations []string

	advanceApplied  []bool
	finalizeApplied []bool
	dispatchApplied []bool
}

func newFakeJobs(jobs ...*domain.Job) *fakeJobs {
	f := &fakeJobs{byID: make(map[string]*domain.Job)}
	for _, j := range jobs {
		f.byID[j.ID] = j
	}
	return f
}

func pop(queue *[]bool) bool {
	if len(*queue) == 0 {
		return true
	}
	v := (*queue)[0]
	*queue = (*queue)[1:]
	return v
}

func (f *fakeJobs) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	job, ok := f.byID[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

func (f *fakeJobs) GetByProviderTaskID(context.Context, string) (*domain.Job, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeJobs) CreateWithCredits(context.Context, domain.CreateJobParams) (*domain.JobCreation, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeJobs) Cancel(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (f *fakeJobs) SetInProgress(_ context.Context, p domain.ProgressUpdate) error {
	f.progress = append(f.progress, p)
	return nil
}

func (f *fakeJobs) AdvanceStage(_ context.Context, p domain.StageAdvance) (bool, error) {
	f.advances = append(f.advances, p)
	return pop(&f.advanceApplied), nil
}

func (f *fakeJobs) Finalize(_ context.Context, p domain.Finalization) (bool, error) {
	f.finalizes = append(f.finalizes, p)
	return pop(&f.finalizeApplied), nil
}

func (f *fakeJobs) MarkDispatched(_ context.Context, p domain.DispatchUpdate) (bool, error) {
	f.dispatches = append(f.dispatches, p)
	return pop(&f.dispatchApplied), nil
}

func (f *fakeJobs) AnnotateError(_ context.Context, _ string, message string) error {
	f.annotations = append(f.annotations, message)
	return nil
}

func (f *fakeJobs) ListStale(context.Context, time.Duration, int) ([]domain.Job, error) {
	return nil, nil
}

type fakeEvents struct {
	events []domain.JobEvent
}

func (f *fakeEvents) Append(_ context.Context, e *domain.JobEvent) error {
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeEvents) ListByJobID(context.Context, string) ([]domain.JobEvent, error) {
	return f.events, nil
}

type fakeAssets struct {
	patches []domain.AssetPatch
	ids     []string
}

func (f *fakeAssets) GetByID(context.Context, string) (*domain.Asset, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeAssets) ApplyPatch(_ context.Context, assetID string, patch domain.AssetPatch) error {
	f.ids = append(f.ids, assetID)
	f.patches = append(f.patches, patch)
	return nil
}

type fakeCredits struct {
	refunds []string
}

func (f *fakeCredits) Refund(_ context.Context, jobID string) error {
	f.refunds = append(f.refunds, jobID)
	return nil
}

type fakeAdapter struct {
	task      *provider.Task
	fetchErr  error
	createErr error

	fetchCalls   int
	previewCalls int
	refineCalls  int
	remeshCalls  int
}

func (f *fakeAdapter) Name() domain.Provider { return domain.ProviderMeshy }

func (f *fakeAdapter) CreatePreviewTask(context.Context, map[string]any) (string, error) {
	f.previewCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "preview-new", nil
}

func (f *fakeAdapter) CreateRefineTask(context.Context, string, stageconfig.Refine) (string, error) {
	f.refineCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "refine-new", nil
}

func (f *fakeAdapter) CreateRemeshTask(context.Context, string, stageconfig.Remesh) (string, error) {
	f.remeshCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "remesh-new", nil
}

func (f *fakeAdapter) FetchTask(context.Context, domain.Stage, string) (*provider.Task, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.task, nil
}

type fakeArtifacts struct {
	paths materialize.StoredPaths
	err   error
	calls int
}

func (f *fakeArtifacts) Persist(context.Context, string, string, provider.OutputURLs) (materialize.StoredPaths, error) {
	f.calls++
	return f.paths, f.err
}

type harness struct {
	jobs      *fakeJobs
	events    *fakeEvents
	assets    *fakeAssets
	credits   *fakeCredits
	adapter   *fakeAdapter
	artifacts *fakeArtifacts
	r         *Reconciler
}

func newHarness(jobs *fakeJobs, adapter *fakeAdapter) *harness {
	h := &harness{
		jobs:      jobs,
		events:    &fakeEvents{},
		assets:    &fakeAssets{},
		credits:   &fakeCredits{},
		adapter:   adapter,
		artifacts: &fakeArtifacts{},
	}
	h.r = New(Options{
		Jobs:      h.jobs,
		Events:    h.events,
		Assets:    h.assets,
		Credits:   h.credits,
		Providers: provider.Registry{domain.ProviderMeshy: adapter},
		Artifacts: h.artifacts,
	})
	return h
}

func strPtr(s string) *string { return &s }

func previewJob(status domain.Status) *domain.Job {
	return &domain.Job{
		ID:             "job-1",
		UserID:         "user-1",
		AssetID:        strPtr("asset-1"),
		Stage:          domain.StagePreview,
		Status:         status,
		Provider:       domain.ProviderMeshy,
		ProviderTaskID: strPtr("task-prev"),
		RequestPayload: map[string]any{"prompt": "a chair"},
		ResultPayload:  map[string]any{"preview_task_id": "task-prev"},
	}
}

func remoteTask(status domain.Status) *provider.Task {
	return &provider.Task{
		ID:           "task-prev",
		NativeStatus: string(status),
		Status:       status,
		Raw:          map[string]any{"status": string(status)},
	}
}

func TestReconcileTerminalShortCircuit(t *testing.T) {
	job := previewJob(domain.StatusSucceeded)
	h := newHarness(newFakeJobs(job), &fakeAdapter{})

	outcome, err := h.r.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if h.adapter.fetchCalls != 0 {
		t.Fatal("terminal job must not trigger a provider call")
	}
	if outcome.Status != domain.StatusSucceeded {
		t.Fatalf("outcome status = %s", outcome.Status)
	}
}

func TestReconcileQueuedEmitsSingleInProgressEvent(t *testing.T) {
	job := previewJob(domain.StatusQueued)
	adapter := &fakeAdapter{task: remoteTask(domain.StatusInProgress)}
	h := newHarness(newFakeJobs(job), adapter)

	if _, err := h.r.Reconcile(context.Background(), job); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(h.jobs.progress) != 1 {
		t.Fatalf("SetInProgress calls = %d", len(h.jobs.progress))
	}
	if len(h.events.events) != 1 || h.events.events[0].Status != domain.StatusInProgress {
		t.Fatalf("events = %+v", h.events.events)
	}

	// A second pass over an already IN_PROGRESS job records no new event.
	job.Status = domain.StatusInProgress
	if _, err := h.r.Reconcile(context.Background(), job); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(h.events.events) != 1 {
		t.Fatalf("expected no duplicate transition event, got %d", len(h.events.events))
	}
}

func TestReconcileFailureRefundsExactlyOnce(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	task := remoteTask(domain.StatusFailed)
	task.Message = "gpu node died"
	adapter := &fakeAdapter{task: task}
	jobs := newFakeJobs(job)
	h := newHarness(jobs, adapter)

	outcome, err := h.r.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if outcome.Status != domain.StatusFailed {
		t.Fatalf("outcome status = %s", outcome.Status)
	}
	if len(h.credits.refunds) != 1 || h.credits.refunds[0] != "job-1" {
		t.Fatalf("refunds = %v", h.credits.refunds)
	}
	if got := h.jobs.finalizes[0]; got.ErrorMessage == nil || *got.ErrorMessage != "gpu node died" {
		t.Fatalf("finalize error message = %v", got.ErrorMessage)
	}

	// A racing pass whose conditional finalize misses issues no second refund.
	jobs.finalizeApplied = []bool{false}
	stale := previewJob(domain.StatusInProgress)
	if _, err := h.r.Reconcile(context.Background(), stale); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(h.credits.refunds) != 1 {
		t.Fatalf("refund issued twice: %v", h.credits.refunds)
	}
}

func TestReconcilePreviewSuccessAdvancesToRefine(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	adapter := &fakeAdapter{task: remoteTask(domain.StatusSucceeded)}
	h := newHarness(newFakeJobs(job), adapter)

	outcome, err := h.r.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if adapter.refineCalls != 1 {
		t.Fatalf("refine create calls = %d", adapter.refineCalls)
	}
	if len(h.jobs.advances) != 1 {
		t.Fatalf("advances = %d", len(h.jobs.advances))
	}
	adv := h.jobs.advances[0]
	if adv.FromStage != domain.StagePreview || adv.ToStage != domain.StageRefine {
		t.Fatalf("advance %s -> %s", adv.FromStage, adv.ToStage)
	}
	if adv.FromTaskID != "task-prev" || adv.NewTaskID != "refine-new" {
		t.Fatalf("task binding %q -> %q", adv.FromTaskID, adv.NewTaskID)
	}
	if adv.ResultPatch[domain.MarkerKey(domain.StageRefine)] != "refine-new" {
		t.Fatalf("marker missing from patch: %v", adv.ResultPatch)
	}
	if _, ok := adv.ResultPatch[domain.ResultKey(domain.StagePreview)]; !ok {
		t.Fatal("preview result snapshot missing from patch")
	}
	if outcome.Stage != domain.StageRefine || outcome.Status != domain.StatusInProgress {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestReconcileMarkerResumeSkipsTaskCreation(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	job.ResultPayload[domain.MarkerKey(domain.StageRefine)] = "refine-existing"
	adapter := &fakeAdapter{task: remoteTask(domain.StatusSucceeded)}
	h := newHarness(newFakeJobs(job), adapter)

	if _, err := h.r.Reconcile(context.Background(), job); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if adapter.refineCalls != 0 {
		t.Fatal("marker present, remote task must not be recreated")
	}
	if got := h.jobs.advances[0].NewTaskID; got != "refine-existing" {
		t.Fatalf("advance reused %q, want marker id", got)
	}
}

func TestReconcileRefineDisabledFinalizesAtPreview(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	job.RequestPayload["refine"] = map[string]any{"enabled": false}
	adapter := &fakeAdapter{task: remoteTask(domain.StatusSucceeded)}
	h := newHarness(newFakeJobs(job), adapter)

	outcome, err := h.r.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if adapter.refineCalls != 0 || adapter.remeshCalls != 0 {
		t.Fatalf("create calls refine=%d remesh=%d, want none", adapter.refineCalls, adapter.remeshCalls)
	}
	if len(h.jobs.advances) != 0 {
		t.Fatalf("advances = %d, want none", len(h.jobs.advances))
	}
	if outcome.Stage != domain.StagePreview || outcome.Status != domain.StatusSucceeded {
		t.Fatalf("outcome = %+v, want SUCCEEDED at PREVIEW", outcome)
	}
	if len(h.jobs.finalizes) != 1 {
		t.Fatalf("finalizes = %d", len(h.jobs.finalizes))
	}
	if _, ok := h.jobs.finalizes[0].ResultPatch[domain.ResultKey(domain.StagePreview)]; !ok {
		t.Fatal("preview result snapshot missing from finalize patch")
	}
}

func TestReconcileRemeshSuccessFinalizesAndMaterializes(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	job.Stage = domain.StageRemesh
	task := remoteTask(domain.StatusSucceeded)
	task.Outputs = provider.OutputURLs{Mesh: "https://cdn/final.fbx", Albedo: "https://cdn/albedo.png"}
	adapter := &fakeAdapter{task: task}
	h := newHarness(newFakeJobs(job), adapter)
	h.artifacts.paths = materialize.StoredPaths{Mesh: "user-1/asset-1/mesh.fbx"}

	outcome, err := h.r.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if outcome.Status != domain.StatusSucceeded {
		t.Fatalf("outcome = %+v", outcome)
	}
	if h.artifacts.calls != 1 {
		t.Fatalf("materialize calls = %d", h.artifacts.calls)
	}
	if len(h.assets.patches) != 1 {
		t.Fatalf("asset patches = %d", len(h.assets.patches))
	}
	patch := h.assets.patches[0]
	if patch.MeshURL == nil || *patch.MeshURL != "https://cdn/final.fbx" {
		t.Fatalf("mesh url = %v", patch.MeshURL)
	}
	if patch.MeshStoragePath == nil || *patch.MeshStoragePath != "user-1/asset-1/mesh.fbx" {
		t.Fatalf("mesh storage path = %v", patch.MeshStoragePath)
	}
	if patch.TextureStoragePath != nil {
		t.Fatal("unstored channel must keep nil storage path")
	}
	if len(h.credits.refunds) != 0 {
		t.Fatal("success must not refund")
	}
	if len(h.jobs.finalizes) != 1 || h.jobs.finalizes[0].Status != domain.StatusSucceeded {
		t.Fatalf("finalizes = %+v", h.jobs.finalizes)
	}
}

func TestReconcileStorageFailureAnnotatesButSucceeds(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	job.Stage = domain.StageRemesh
	task := remoteTask(domain.StatusSucceeded)
	task.Outputs = provider.OutputURLs{Mesh: "https://cdn/final.fbx"}
	h := newHarness(newFakeJobs(job), &fakeAdapter{task: task})
	h.artifacts.err = errors.New("bucket unavailable")

	outcome, err := h.r.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if outcome.Status != domain.StatusSucceeded {
		t.Fatalf("storage failure must not fail the job, outcome = %+v", outcome)
	}
	if len(h.jobs.annotations) != 1 {
		t.Fatalf("annotations = %v", h.jobs.annotations)
	}
	// The asset still carries the provider URL as fallback.
	if patch := h.assets.patches[0]; patch.MeshURL == nil {
		t.Fatal("provider mesh url missing from asset patch")
	}
}

func TestReconcileStoreAssetsFalseSkipsMirroring(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	job.Stage = domain.StageRemesh
	job.RequestPayload["store_assets"] = false
	task := remoteTask(domain.StatusSucceeded)
	task.Outputs = provider.OutputURLs{Mesh: "https://cdn/final.fbx"}
	h := newHarness(newFakeJobs(job), &fakeAdapter{task: task})

	if _, err := h.r.Reconcile(context.Background(), job); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if h.artifacts.calls != 0 {
		t.Fatal("store_assets=false must skip materialization")
	}
	if patch := h.assets.patches[0]; patch.MeshURL == nil {
		t.Fatal("asset patch should still record the provider url")
	}
}

func TestReconcileAdvanceMissRereadsAndReevaluates(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	jobs := newFakeJobs(job)
	jobs.advanceApplied = []bool{false}

	// Stored state has already advanced to REFINE under another invocation.
	advanced := previewJob(domain.StatusInProgress)
	advanced.Stage = domain.StageRefine
	advanced.ProviderTaskID = strPtr("refine-existing")
	advanced.ResultPayload[domain.MarkerKey(domain.StageRefine)] = "refine-existing"
	jobs.byID["job-1"] = advanced

	adapter := &fakeAdapter{task: remoteTask(domain.StatusSucceeded)}
	h := newHarness(jobs, adapter)
	h.artifacts.paths = materialize.StoredPaths{}

	outcome, err := h.r.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	// First pass lost the stage race; the fresh REFINE snapshot succeeded and
	// chains the remesh stage.
	if adapter.fetchCalls != 2 {
		t.Fatalf("fetch calls = %d, want re-evaluation after miss", adapter.fetchCalls)
	}
	if outcome.Stage != domain.StageRemesh {
		t.Fatalf("outcome stage = %s", outcome.Stage)
	}
}

func TestReconcileProviderFetchErrorFailsJobAndRefunds(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	adapter := &fakeAdapter{fetchErr: provider.RequestError(domain.ProviderMeshy, "timeout")}
	h := newHarness(newFakeJobs(job), adapter)

	if _, err := h.r.Reconcile(context.Background(), job); !errors.Is(err, provider.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if len(h.jobs.finalizes) != 1 || h.jobs.finalizes[0].Status != domain.StatusFailed {
		t.Fatalf("finalizes = %+v", h.jobs.finalizes)
	}
	if msg := h.jobs.finalizes[0].ErrorMessage; msg == nil || !strings.Contains(*msg, "timeout") {
		t.Fatalf("error message = %v, want provider error text recorded", msg)
	}
	if len(h.credits.refunds) != 1 || h.credits.refunds[0] != "job-1" {
		t.Fatalf("refunds = %v", h.credits.refunds)
	}
	if len(h.events.events) != 1 || h.events.events[0].Status != domain.StatusFailed {
		t.Fatalf("events = %+v", h.events.events)
	}
}

func TestReconcileNextStageCreateErrorFailsJobAndRefunds(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	adapter := &fakeAdapter{
		task:      remoteTask(domain.StatusSucceeded),
		createErr: provider.RequestError(domain.ProviderMeshy, "quota exhausted"),
	}
	h := newHarness(newFakeJobs(job), adapter)

	if _, err := h.r.Reconcile(context.Background(), job); !errors.Is(err, provider.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if len(h.jobs.advances) != 0 {
		t.Fatal("failed task creation must not advance the stage")
	}
	if len(h.jobs.finalizes) != 1 || h.jobs.finalizes[0].Status != domain.StatusFailed {
		t.Fatalf("finalizes = %+v", h.jobs.finalizes)
	}
	if len(h.credits.refunds) != 1 {
		t.Fatalf("refunds = %v", h.credits.refunds)
	}
}

func TestReconcileProviderErrorRefundSuppressedOnFinalizeMiss(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	adapter := &fakeAdapter{fetchErr: provider.RequestError(domain.ProviderMeshy, "timeout")}
	jobs := newFakeJobs(job)
	jobs.finalizeApplied = []bool{false}
	h := newHarness(jobs, adapter)

	if _, err := h.r.Reconcile(context.Background(), job); !errors.Is(err, provider.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if len(h.credits.refunds) != 0 {
		t.Fatalf("racing invocation already finalized, refunds = %v", h.credits.refunds)
	}
}

func TestDispatchCreatesPreviewTask(t *testing.T) {
	job := previewJob(domain.StatusQueued)
	job.ProviderTaskID = nil
	job.ResultPayload = nil
	adapter := &fakeAdapter{}
	h := newHarness(newFakeJobs(job), adapter)

	outcome, err := h.r.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if adapter.previewCalls != 1 {
		t.Fatalf("preview create calls = %d", adapter.previewCalls)
	}
	if len(h.jobs.dispatches) != 1 {
		t.Fatalf("dispatches = %d", len(h.jobs.dispatches))
	}
	d := h.jobs.dispatches[0]
	if d.TaskID != "preview-new" || d.FromStatus != domain.StatusQueued {
		t.Fatalf("dispatch = %+v", d)
	}
	if d.ResultPatch[domain.MarkerKey(domain.StagePreview)] != "preview-new" {
		t.Fatalf("preview marker missing: %v", d.ResultPatch)
	}
	if outcome.Status != domain.StatusInProgress {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestDispatchReusesPreviewMarker(t *testing.T) {
	job := previewJob(domain.StatusQueued)
	job.ProviderTaskID = nil
	job.ResultPayload = map[string]any{domain.MarkerKey(domain.StagePreview): "preview-partial"}
	adapter := &fakeAdapter{}
	h := newHarness(newFakeJobs(job), adapter)

	if _, err := h.r.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if adapter.previewCalls != 0 {
		t.Fatal("marker present, preview task must not be recreated")
	}
	if got := h.jobs.dispatches[0].TaskID; got != "preview-partial" {
		t.Fatalf("dispatch bound %q, want marker id", got)
	}
}

func TestDispatchProviderFailureFailsAndRefunds(t *testing.T) {
	job := previewJob(domain.StatusQueued)
	job.ProviderTaskID = nil
	job.ResultPayload = nil
	adapter := &fakeAdapter{createErr: provider.RequestError(domain.ProviderMeshy, "rejected")}
	h := newHarness(newFakeJobs(job), adapter)

	if _, err := h.r.Dispatch(context.Background(), job); !errors.Is(err, provider.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if len(h.jobs.finalizes) != 1 || h.jobs.finalizes[0].Status != domain.StatusFailed {
		t.Fatalf("finalizes = %+v", h.jobs.finalizes)
	}
	if len(h.credits.refunds) != 1 {
		t.Fatalf("refunds = %v", h.credits.refunds)
	}
}

func TestDispatchAlreadyBoundIsNoOp(t *testing.T) {
	job := previewJob(domain.StatusInProgress)
	adapter := &fakeAdapter{}
	h := newHarness(newFakeJobs(job), adapter)

	outcome, err := h.r.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if adapter.previewCalls != 0 || len(h.jobs.dispatches) != 0 {
		t.Fatal("bound job must not be re-dispatched")
	}
	if outcome.Status != domain.StatusInProgress {
		t.Fatalf("outcome = %+v", outcome)
	}
}
