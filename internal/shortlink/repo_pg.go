package shortlink

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formloom/platform/internal/errx"
	"github.com/formloom/platform/internal/idgen"
)

const linkColumns = `id, code, original_url, expires_at, created_by, click_count,
	last_accessed_at, qr_code_url, created_at, updated_at`

type pgRepo struct {
	pool *pgxpool.Pool
	ids  idgen.Generator
}

// RepositoryConfig holds configuration for the repository.
type RepositoryConfig struct {
	IDGenerator idgen.Generator
}

// NewRepository creates a new Repository implementation backed by Postgres.
func NewRepository(pool *pgxpool.Pool, config *RepositoryConfig) Repository {
	if config == nil {
		config = &RepositoryConfig{}
	}

	// Default: UUID v7 (good for DB locality). Retry once by default inside idgen.NewV7.
	if config.IDGenerator == nil {
		config.IDGenerator = idgen.NewV7(idgen.WithRetries(1))
	}

	return &pgRepo{
		pool: pool,
		ids:  config.IDGenerator,
	}
}

func isCodeUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" &&
		pgErr.ConstraintName == "short_links_code_unique"
}

func mapRepoError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errx.E(op, errx.NotFound, err)

	case isCodeUniqueViolation(err):
		return errx.E(op, errx.Conflict, err)

	default:
		return errx.E(op, errx.Unavailable, err)
	}
}

func scanLink(row pgx.Row) (Link, error) {
	var l Link
	err := row.Scan(&l.ID, &l.Code, &l.OriginalURL, &l.ExpiresAt, &l.CreatedBy,
		&l.ClickCount, &l.LastAccessedAt, &l.QRCodeURL, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (r *pgRepo) Create(ctx context.Context, link Link) (Link, error) {
	const op = "shortlink.repo.Create"

	// Generate ID if not provided
	if link.ID == uuid.Nil {
		id, err := r.ids.Generate()
		if err != nil {
			return Link{}, errx.E(op, errx.Unavailable, err)
		}
		link.ID = id
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO short_links (id, code, original_url, expires_at, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+linkColumns,
		link.ID, link.Code, link.OriginalURL, link.ExpiresAt, link.CreatedBy)

	created, err := scanLink(row)
	if err != nil {
		return Link{}, mapRepoError(op, err)
	}
	return created, nil
}

func (r *pgRepo) GetByCode(ctx context.Context, code string) (Link, error) {
	const op = "shortlink.repo.GetByCode"

	row := r.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM short_links WHERE lower(code) = lower($1)`, code)

	link, err := scanLink(row)
	if err != nil {
		return Link{}, mapRepoError(op, err)
	}
	return link, nil
}

func (r *pgRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	const op = "shortlink.repo.CodeExists"

	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM short_links WHERE lower(code) = lower($1))`, code,
	).Scan(&exists)
	if err != nil {
		return false, errx.E(op, errx.Unavailable, err)
	}
	return exists, nil
}

func (r *pgRepo) ResolveAndTrack(ctx context.Context, code string) (Link, error) {
	const op = "shortlink.repo.ResolveAndTrack"

	row := r.pool.QueryRow(ctx,
		`UPDATE short_links
		 SET click_count = click_count + 1,
		     last_accessed_at = now(),
		     updated_at = now()
		 WHERE lower(code) = lower($1)
		   AND (expires_at IS NULL OR expires_at > now())
		 RETURNING `+linkColumns, code)

	link, err := scanLink(row)
	if err != nil {
		return Link{}, mapRepoError(op, err)
	}
	return link, nil
}

func (r *pgRepo) SetQRCodeURL(ctx context.Context, id uuid.UUID, url string) error {
	const op = "shortlink.repo.SetQRCodeURL"

	_, err := r.pool.Exec(ctx,
		`UPDATE short_links SET qr_code_url = $2, updated_at = now() WHERE id = $1`,
		id, url)
	if err != nil {
		return errx.E(op, errx.Unavailable, err)
	}
	return nil
}

func (r *pgRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]Link, error) {
	const op = "shortlink.repo.ListByUser"

	rows, err := r.pool.Query(ctx,
		`SELECT `+linkColumns+` FROM short_links
		 WHERE created_by = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, errx.E(op, errx.Unavailable, err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	return links, nil
}

func (r *pgRepo) DeleteByOwner(ctx context.Context, code string, userID uuid.UUID) (bool, error) {
	const op = "shortlink.repo.DeleteByOwner"

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM short_links WHERE lower(code) = lower($1) AND created_by = $2`,
		code, userID)
	if err != nil {
		return false, errx.E(op, errx.Unavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgRepo) ListExpiredWithQR(ctx context.Context, now time.Time) ([]Link, error) {
	const op = "shortlink.repo.ListExpiredWithQR"

	rows, err := r.pool.Query(ctx,
		`SELECT `+linkColumns+` FROM short_links
		 WHERE expires_at IS NOT NULL AND expires_at <= $1 AND qr_code_url IS NOT NULL`,
		now)
	if err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, errx.E(op, errx.Unavailable, err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	return links, nil
}

func (r *pgRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const op = "shortlink.repo.DeleteExpired"

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM short_links WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, errx.E(op, errx.Unavailable, err)
	}
	return tag.RowsAffected(), nil
}
