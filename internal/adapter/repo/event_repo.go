package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// JobEventRepositoryPG implements the insert-only audit sink.
type JobEventRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobEventRepository creates a new event repository backed by PostgreSQL.
func NewJobEventRepository(pool *pgxpool.Pool) *JobEventRepositoryPG {
	return &JobEventRepositoryPG{pool: pool}
}

// Append inserts an audit record. Events are never mutated or deleted.
func (r *JobEventRepositoryPG) Append(ctx context.Context, event *domain.JobEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	query := `
INSERT INTO job_events (id, job_id, user_id, stage, status, provider_task_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err = r.pool.Exec(ctx, query,
		event.ID,
		event.JobID,
		event.UserID,
		event.Stage,
		event.Status,
		event.ProviderTaskID,
		payload,
	)
	return err
}

// ListByJobID returns the job's event trail in insertion order.
func (r *JobEventRepositoryPG) ListByJobID(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	query := `
SELECT id, job_id, user_id, stage, status, provider_task_id, payload, created_at
FROM job_events
WHERE job_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.JobEvent
	for rows.Next() {
		var event domain.JobEvent
		var payload []byte
		if err := rows.Scan(
			&event.ID,
			&event.JobID,
			&event.UserID,
			&event.Stage,
			&event.Status,
			&event.ProviderTaskID,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

var _ domain.JobEventRepository = (*JobEventRepositoryPG)(nil)
