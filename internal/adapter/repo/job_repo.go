package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository. All transition methods
// use single conditional UPDATEs so that racing reconciliations cannot both
// apply the same transition.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `id, user_id, asset_id, stage, status, provider, provider_task_id,
request_payload, result_payload, error_message, credit_cost,
created_at, started_at, completed_at, updated_at`

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE id = $1;
`
	return r.scanJob(r.pool.QueryRow(ctx, query, jobID))
}

// GetByProviderTaskID fetches the job currently bound to the given remote task.
func (r *JobRepositoryPG) GetByProviderTaskID(ctx context.Context, taskID string) (*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE provider_task_id = $1;
`
	return r.scanJob(r.pool.QueryRow(ctx, query, taskID))
}

// CreateWithCredits invokes the opaque creation procedure that debits
// credits and creates the job (and optionally its asset) atomically.
func (r *JobRepositoryPG) CreateWithCredits(ctx context.Context, p domain.CreateJobParams) (*domain.JobCreation, error) {
	payload, err := json.Marshal(p.RequestPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	query := `
SELECT job_id, asset_id, credit_cost, balance
FROM create_job_with_credits($1, $2, $3::jsonb, $4, $5, $6, $7);
`
	row := r.pool.QueryRow(ctx, query,
		p.UserID,
		p.Provider,
		payload,
		p.CreateAsset,
		p.AssetID,
		p.AssetTitle,
		p.AssetDescription,
	)
	var created domain.JobCreation
	if err := row.Scan(&created.JobID, &created.AssetID, &created.CreditCost, &created.Balance); err != nil {
		return nil, err
	}
	return &created, nil
}

// Cancel invokes the opaque cancellation procedure; it refunds internally.
func (r *JobRepositoryPG) Cancel(ctx context.Context, jobID, userID string) error {
	_, err := r.pool.Exec(ctx, `SELECT cancel_job($1, $2);`, jobID, userID)
	return err
}

// SetInProgress moves a job to IN_PROGRESS and merges the result patch. The
// update is unconditional apart from terminal protection: a job that already
// reached a final state is never pulled back.
func (r *JobRepositoryPG) SetInProgress(ctx context.Context, p domain.ProgressUpdate) error {
	patch, err := marshalPatch(p.ResultPatch)
	if err != nil {
		return err
	}
	query := `
UPDATE jobs
SET status = 'IN_PROGRESS',
    result_payload = COALESCE(result_payload, '{}'::jsonb) || $2::jsonb,
    updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED');
`
	_, err = r.pool.Exec(ctx, query, p.JobID, patch)
	return err
}

// AdvanceStage conditionally moves the job into the next stage and binds the
// new provider task. It applies only while the stored stage, status and task
// id still match what the caller observed; false means another invocation
// transitioned the job first.
func (r *JobRepositoryPG) AdvanceStage(ctx context.Context, p domain.StageAdvance) (bool, error) {
	patch, err := marshalPatch(p.ResultPatch)
	if err != nil {
		return false, err
	}
	query := `
UPDATE jobs
SET stage = $5,
    status = 'IN_PROGRESS',
    provider_task_id = $6,
    result_payload = COALESCE(result_payload, '{}'::jsonb) || $7::jsonb,
    updated_at = NOW()
WHERE id = $1
  AND stage = $2
  AND status = $3
  AND provider_task_id = $4;
`
	tag, err := r.pool.Exec(ctx, query,
		p.JobID, p.FromStage, p.FromStatus, p.FromTaskID, p.ToStage, p.NewTaskID, patch)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize conditionally applies a terminal transition. It succeeds only
// while the job is still non-terminal, which keeps refund issuance and
// terminal events exactly-once across racing invocations.
func (r *JobRepositoryPG) Finalize(ctx context.Context, p domain.Finalization) (bool, error) {
	if !p.Status.Terminal() {
		return false, fmt.Errorf("finalize to non-terminal status %s: %w", p.Status, domain.ErrConflict)
	}
	patch, err := marshalPatch(p.ResultPatch)
	if err != nil {
		return false, err
	}
	query := `
UPDATE jobs
SET status = $2,
    error_message = COALESCE($3, error_message),
    result_payload = COALESCE(result_payload, '{}'::jsonb) || $4::jsonb,
    completed_at = NOW(),
    updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED');
`
	tag, err := r.pool.Exec(ctx, query, p.JobID, p.Status, p.ErrorMessage, patch)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDispatched conditionally binds the initial PREVIEW task, stamping
// started_at. It applies only while the job still holds the status the
// dispatcher observed (QUEUED, or FAILED for a retry).
func (r *JobRepositoryPG) MarkDispatched(ctx context.Context, p domain.DispatchUpdate) (bool, error) {
	patch, err := marshalPatch(p.ResultPatch)
	if err != nil {
		return false, err
	}
	query := `
UPDATE jobs
SET status = 'IN_PROGRESS',
    provider_task_id = $3,
    result_payload = COALESCE(result_payload, '{}'::jsonb) || $4::jsonb,
    started_at = NOW(),
    updated_at = NOW()
WHERE id = $1
  AND status = $2;
`
	tag, err := r.pool.Exec(ctx, query, p.JobID, p.FromStatus, p.TaskID, patch)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AnnotateError records a non-fatal error note without touching status.
func (r *JobRepositoryPG) AnnotateError(ctx context.Context, jobID, message string) error {
	query := `
UPDATE jobs
SET error_message = $2,
    updated_at = NOW()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, jobID, message)
	return err
}

// ListStale returns active jobs that have not been reconciled recently,
// oldest first, for the poller daemon.
func (r *JobRepositoryPG) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE status IN ('QUEUED', 'IN_PROGRESS')
  AND provider_task_id IS NOT NULL
  AND updated_at < NOW() - make_interval(secs => $1)
ORDER BY updated_at ASC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, olderThan.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *JobRepositoryPG) scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job          domain.Job
		requestRaw   []byte
		resultRaw    []byte
		assetID      *string
		taskID       *string
		errorMessage *string
		startedAt    *time.Time
		completedAt  *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&assetID,
		&job.Stage,
		&job.Status,
		&job.Provider,
		&taskID,
		&requestRaw,
		&resultRaw,
		&errorMessage,
		&job.CreditCost,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.AssetID = assetID
	job.ProviderTaskID = taskID
	job.ErrorMessage = errorMessage
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	if len(requestRaw) > 0 {
		if err := json.Unmarshal(requestRaw, &job.RequestPayload); err != nil {
			return nil, fmt.Errorf("decode request payload: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &job.ResultPayload); err != nil {
			return nil, fmt.Errorf("decode result payload: %w", err)
		}
	}
	return &job, nil
}

func marshalPatch(patch map[string]any) ([]byte, error) {
	if len(patch) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal result patch: %w", err)
	}
	return raw, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
