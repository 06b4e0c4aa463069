package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formloom/platform/internal/errx"
	"github.com/formloom/platform/internal/idgen"
)

const tokenColumns = `id, user_id, tenant_id, name, token_hash, scopes,
	expires_at, is_active, created_at, last_used_at`

// PGRepo implements Repository and UsageRepository backed by Postgres.
type PGRepo struct {
	pool *pgxpool.Pool
	ids  idgen.Generator
}

// RepositoryConfig holds configuration for the repository.
type RepositoryConfig struct {
	IDGenerator idgen.Generator
}

// NewRepository creates a Postgres-backed token repository.
func NewRepository(pool *pgxpool.Pool, config *RepositoryConfig) *PGRepo {
	if config == nil {
		config = &RepositoryConfig{}
	}
	if config.IDGenerator == nil {
		config.IDGenerator = idgen.NewV7(idgen.WithRetries(1))
	}
	return &PGRepo{pool: pool, ids: config.IDGenerator}
}

func isNameUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" &&
		pgErr.ConstraintName == "api_tokens_user_name_unique"
}

func mapTokenRepoError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errx.E(op, errx.NotFound, err)

	case isNameUniqueViolation(err):
		return errx.E(op, errx.Conflict, err)

	default:
		return errx.E(op, errx.Unavailable, err)
	}
}

func scanToken(row pgx.Row) (Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.UserID, &t.TenantID, &t.Name, &t.TokenHash,
		&t.Scopes, &t.ExpiresAt, &t.IsActive, &t.CreatedAt, &t.LastUsedAt)
	return t, err
}

func (r *PGRepo) Create(ctx context.Context, t Token) (Token, error) {
	const op = "token.repo.Create"

	if t.ID == uuid.Nil {
		id, err := r.ids.Generate()
		if err != nil {
			return Token{}, errx.E(op, errx.Unavailable, err)
		}
		t.ID = id
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO api_tokens (id, user_id, tenant_id, name, token_hash, scopes, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+tokenColumns,
		t.ID, t.UserID, t.TenantID, t.Name, t.TokenHash, t.Scopes, t.ExpiresAt, t.IsActive)

	created, err := scanToken(row)
	if err != nil {
		return Token{}, mapTokenRepoError(op, err)
	}
	return created, nil
}

func (r *PGRepo) GetOwned(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (Token, error) {
	const op = "token.repo.GetOwned"

	row := r.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens
		 WHERE id = $1 AND user_id = $2 AND ($3::uuid IS NULL OR tenant_id = $3)`,
		id, userID, tenantID)

	t, err := scanToken(row)
	if err != nil {
		return Token{}, mapTokenRepoError(op, err)
	}
	return t, nil
}

func (r *PGRepo) List(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) ([]Token, error) {
	const op = "token.repo.List"

	rows, err := r.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens
		 WHERE user_id = $1 AND ($2::uuid IS NULL OR tenant_id = $2)
		 ORDER BY created_at DESC`,
		userID, tenantID)
	if err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, errx.E(op, errx.Unavailable, err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	return tokens, nil
}

func (r *PGRepo) Update(ctx context.Context, t Token) (Token, error) {
	const op = "token.repo.Update"

	row := r.pool.QueryRow(ctx,
		`UPDATE api_tokens
		 SET name = $2, scopes = $3, is_active = $4
		 WHERE id = $1
		 RETURNING `+tokenColumns,
		t.ID, t.Name, t.Scopes, t.IsActive)

	updated, err := scanToken(row)
	if err != nil {
		return Token{}, mapTokenRepoError(op, err)
	}
	return updated, nil
}

func (r *PGRepo) DeleteOwned(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (bool, error) {
	const op = "token.repo.DeleteOwned"

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM api_tokens
		 WHERE id = $1 AND user_id = $2 AND ($3::uuid IS NULL OR tenant_id = $3)`,
		id, userID, tenantID)
	if err != nil {
		return false, errx.E(op, errx.Unavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGRepo) ListActive(ctx context.Context, now time.Time) ([]Token, error) {
	const op = "token.repo.ListActive"

	rows, err := r.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens
		 WHERE is_active AND expires_at > $1`, now)
	if err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, errx.E(op, errx.Unavailable, err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	return tokens, nil
}

func (r *PGRepo) UpdateLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	const op = "token.repo.UpdateLastUsed"

	_, err := r.pool.Exec(ctx,
		`UPDATE api_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errx.E(op, errx.Unavailable, err)
	}
	return nil
}

/***************
 * Usage records
 ***************/

const usageColumns = `id, token_id, endpoint, method, response_status,
	processing_time_ms, ip_address, user_agent, created_at`

func scanUsage(row pgx.Row) (UsageRecord, error) {
	var rec UsageRecord
	err := row.Scan(&rec.ID, &rec.TokenID, &rec.Endpoint, &rec.Method,
		&rec.ResponseStatus, &rec.ProcessingTimeMs, &rec.IPAddress,
		&rec.UserAgent, &rec.CreatedAt)
	return rec, err
}

func (r *PGRepo) InsertUsage(ctx context.Context, rec UsageRecord) (UsageRecord, error) {
	const op = "token.repo.InsertUsage"

	if rec.ID == uuid.Nil {
		id, err := r.ids.Generate()
		if err != nil {
			return UsageRecord{}, errx.E(op, errx.Unavailable, err)
		}
		rec.ID = id
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO token_usage (id, token_id, endpoint, method, response_status, processing_time_ms, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+usageColumns,
		rec.ID, rec.TokenID, rec.Endpoint, rec.Method, rec.ResponseStatus,
		rec.ProcessingTimeMs, rec.IPAddress, rec.UserAgent)

	inserted, err := scanUsage(row)
	if err != nil {
		return UsageRecord{}, errx.E(op, errx.Unavailable, err)
	}
	return inserted, nil
}

// buildUsageWhere assembles the WHERE clause shared by ListUsage's page and
// count queries. $1 is always the token id.
func buildUsageWhere(tokenID uuid.UUID, filter UsageFilter) (string, []any) {
	conditions := []string{"token_id = $1"}
	args := []any{tokenID}

	appendArg := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if filter.From != nil {
		appendArg("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		appendArg("created_at <= $%d", *filter.To)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]int32, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = int32(s)
		}
		appendArg("response_status = ANY($%d)", statuses)
	}
	if filter.EndpointContains != "" {
		appendArg("endpoint ILIKE '%%' || $%d || '%%'", filter.EndpointContains)
	}
	if filter.Method != "" {
		appendArg("method = $%d", strings.ToUpper(filter.Method))
	}

	return strings.Join(conditions, " AND "), args
}

func (r *PGRepo) ListUsage(ctx context.Context, tokenID uuid.UUID, filter UsageFilter) ([]UsageRecord, int64, error) {
	const op = "token.repo.ListUsage"

	where, args := buildUsageWhere(tokenID, filter)

	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM token_usage WHERE `+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, errx.E(op, errx.Unavailable, err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	pageArgs := append(args, limit, offset)
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM token_usage WHERE %s
		 ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			usageColumns, where, len(args)+1, len(args)+2),
		pageArgs...)
	if err != nil {
		return nil, 0, errx.E(op, errx.Unavailable, err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, 0, errx.E(op, errx.Unavailable, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errx.E(op, errx.Unavailable, err)
	}
	return records, total, nil
}

func (r *PGRepo) UsageStats(ctx context.Context, tokenID uuid.UUID, from, to *time.Time) (UsageStats, error) {
	const op = "token.repo.UsageStats"

	var stats UsageStats
	err := r.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE response_status < 400),
		        count(*) FILTER (WHERE response_status >= 400),
		        COALESCE(avg(processing_time_ms), 0)
		 FROM token_usage
		 WHERE token_id = $1
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR created_at <= $3)`,
		tokenID, from, to,
	).Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.AvgProcessingTimeMs)
	if err != nil {
		return UsageStats{}, errx.E(op, errx.Unavailable, err)
	}
	return stats, nil
}

func (r *PGRepo) UsageTimeSeries(ctx context.Context, tokenID uuid.UUID, period string, from, to *time.Time) ([]UsageBucket, error) {
	const op = "token.repo.UsageTimeSeries"

	rows, err := r.pool.Query(ctx,
		`SELECT date_trunc($2, created_at) AS bucket,
		        count(*),
		        count(*) FILTER (WHERE response_status < 400),
		        count(*) FILTER (WHERE response_status >= 400)
		 FROM token_usage
		 WHERE token_id = $1
		   AND ($3::timestamptz IS NULL OR created_at >= $3)
		   AND ($4::timestamptz IS NULL OR created_at <= $4)
		 GROUP BY bucket
		 ORDER BY bucket`,
		tokenID, period, from, to)
	if err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	defer rows.Close()

	var buckets []UsageBucket
	for rows.Next() {
		var b UsageBucket
		if err := rows.Scan(&b.Bucket, &b.Count, &b.SuccessCount, &b.FailureCount); err != nil {
			return nil, errx.E(op, errx.Unavailable, err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.E(op, errx.Unavailable, err)
	}
	return buckets, nil
}

func (r *PGRepo) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "token.repo.PurgeUsageBefore"

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM token_usage WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, errx.E(op, errx.Unavailable, err)
	}
	return tag.RowsAffected(), nil
}
