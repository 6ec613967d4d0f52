package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// CreditLedgerPG issues refunds through the opaque ledger procedure.
type CreditLedgerPG struct {
	pool *pgxpool.Pool
}

// NewCreditLedger constructs the ledger adapter.
func NewCreditLedger(pool *pgxpool.Pool) *CreditLedgerPG {
	return &CreditLedgerPG{pool: pool}
}

// Refund returns the credits debited at job creation. Exactly-once issuance
// is enforced by the caller's conditional terminal transition.
func (r *CreditLedgerPG) Refund(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `SELECT refund_job_credits($1);`, jobID)
	return err
}

var _ domain.CreditLedger = (*CreditLedgerPG)(nil)
