package domain

import (
	"context"
	"time"
)

// JobCreation is the result of the opaque credit-debiting creation procedure.
type JobCreation struct {
	JobID      string
	AssetID    *string
	CreditCost int
	Balance    int
}

// CreateJobParams feeds the creation procedure.
type CreateJobParams struct {
	UserID           string
	Provider         Provider
	RequestPayload   map[string]any
	CreateAsset      bool
	AssetID          *string
	AssetTitle       *string
	AssetDescription *string
}

// ProgressUpdate merges a result patch and moves a job to IN_PROGRESS
// without touching stage or task binding.
type ProgressUpdate struct {
	JobID       string
	ResultPatch map[string]any
}

// StageAdvance is the conditionally-applied update that moves a job into the
// next stage and binds it to a new provider task. It succeeds only if the
// stored stage, status and task id still match the values observed at read
// time; a miss means another invocation got there first.
type StageAdvance struct {
	JobID       string
	FromStage   Stage
	FromStatus  Status
	FromTaskID  string
	ToStage     Stage
	NewTaskID   string
	ResultPatch map[string]any
}

// Finalization is the conditionally-applied terminal transition. It applies
// only while the job is still non-terminal, which makes refunds and terminal
// events exactly-once across racing invocations.
type Finalization struct {
	JobID        string
	Status       Status
	ErrorMessage *string
	ResultPatch  map[string]any
}

// DispatchUpdate binds the initial PREVIEW task to a QUEUED (or retried
// FAILED) job, stamping started_at.
type DispatchUpdate struct {
	JobID       string
	FromStatus  Status
	TaskID      string
	ResultPatch map[string]any
}

// JobRepository defines persistence for jobs. All transition methods that
// return (applied bool) are single conditional updates per the concurrency
// model: false means the precondition no longer held.
type JobRepository interface {
	GetByID(ctx context.Context, jobID string) (*Job, error)
	GetByProviderTaskID(ctx context.Context, taskID string) (*Job, error)
	CreateWithCredits(ctx context.Context, p CreateJobParams) (*JobCreation, error)
	Cancel(ctx context.Context, jobID, userID string) error
	SetInProgress(ctx context.Context, p ProgressUpdate) error
	AdvanceStage(ctx context.Context, p StageAdvance) (bool, error)
	Finalize(ctx context.Context, p Finalization) (bool, error)
	MarkDispatched(ctx context.Context, p DispatchUpdate) (bool, error)
	AnnotateError(ctx context.Context, jobID, message string) error
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]Job, error)
}

// JobEventRepository is the insert-only audit sink.
type JobEventRepository interface {
	Append(ctx context.Context, event *JobEvent) error
	ListByJobID(ctx context.Context, jobID string) ([]JobEvent, error)
}

// AssetRepository mutates asset records owned elsewhere.
type AssetRepository interface {
	GetByID(ctx context.Context, assetID string) (*Asset, error)
	ApplyPatch(ctx context.Context, assetID string, patch AssetPatch) error
}

// CreditLedger refunds the credits debited at job creation. Exactly-once
// issuance is enforced by the caller via conditional terminal transitions.
type CreditLedger interface {
	Refund(ctx context.Context, jobID string) error
}

// SecretRepository resolves per-user provider webhook secrets.
type SecretRepository interface {
	WebhookSecret(ctx context.Context, userID string, provider Provider) (string, error)
}
