package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// SecretRepositoryPG resolves per-user provider webhook secrets.
type SecretRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewSecretRepository constructs the secret repository.
func NewSecretRepository(pool *pgxpool.Pool) *SecretRepositoryPG {
	return &SecretRepositoryPG{pool: pool}
}

// WebhookSecret returns the user's webhook secret for the provider, or ""
// when none is registered.
func (r *SecretRepositoryPG) WebhookSecret(ctx context.Context, userID string, provider domain.Provider) (string, error) {
	query := `
SELECT webhook_secret
FROM user_provider_secrets
WHERE user_id = $1
  AND provider = $2;
`
	row := r.pool.QueryRow(ctx, query, userID, provider)
	var secret string
	if err := row.Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return secret, nil
}

var _ domain.SecretRepository = (*SecretRepositoryPG)(nil)
