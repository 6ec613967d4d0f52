package domain

import "time"

// Stage enumerates the phases of the generation pipeline. A job only ever
// moves forward: PREVIEW -> REFINE -> REMESH.
type Stage string

const (
	StagePreview Stage = "PREVIEW"
	StageRefine  Stage = "REFINE"
	StageRemesh  Stage = "REMESH"
)

// Status enumerates canonical job states. Every provider's native status
// vocabulary is mapped onto this set.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Provider identifies which remote generation service a job is bound to.
type Provider string

const (
	ProviderMeshy Provider = "MESHY"
	ProviderTripo Provider = "TRIPO"
)

// Job is the unit of work driven through the three-stage pipeline.
type Job struct {
	ID             string
	UserID         string
	AssetID        *string
	Stage          Stage
	Status         Status
	Provider       Provider
	ProviderTaskID *string
	RequestPayload map[string]any
	ResultPayload  map[string]any
	ErrorMessage   *string
	CreditCost     int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// TaskID returns the currently bound provider task id or "".
func (j *Job) TaskID() string {
	if j.ProviderTaskID == nil {
		return ""
	}
	return *j.ProviderTaskID
}

// StageTaskMarker returns the idempotency marker recorded when a task for the
// given stage was created, or "" when no marker exists. The marker is written
// exactly once per stage and guards against duplicate remote task creation
// when two reconciliations race.
func (j *Job) StageTaskMarker(stage Stage) string {
	if j.ResultPayload == nil {
		return ""
	}
	s, _ := j.ResultPayload[MarkerKey(stage)].(string)
	return s
}

// MarkerKey is the result_payload key holding the stage's task-id marker.
func MarkerKey(stage Stage) string {
	switch stage {
	case StagePreview:
		return "preview_task_id"
	case StageRefine:
		return "refine_task_id"
	default:
		return "remesh_task_id"
	}
}

// ResultKey is the result_payload key holding the stage's final task
// snapshot, e.g. "preview_result".
func ResultKey(stage Stage) string {
	switch stage {
	case StagePreview:
		return "preview_result"
	case StageRefine:
		return "refine_result"
	default:
		return "remesh_result"
	}
}

// RequestKey is the result_payload key recording the payload sent when a
// stage's task was created.
func RequestKey(stage Stage) string {
	switch stage {
	case StagePreview:
		return "preview_request"
	case StageRefine:
		return "refine_request"
	default:
		return "remesh_request"
	}
}

// NextStage returns the stage following s, or "" when s is the last one.
func NextStage(s Stage) Stage {
	switch s {
	case StagePreview:
		return StageRefine
	case StageRefine:
		return StageRemesh
	default:
		return ""
	}
}
