package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formloom/platform/internal/errx"
)

type pgRepo struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Postgres-backed user repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	const op = "identity.repo.GetUser"

	var u User
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, is_active, tenant_id, created_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.IsActive, &u.TenantID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errx.E(op, errx.NotFound, err)
	}
	if err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	return &u, nil
}
