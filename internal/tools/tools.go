// Package tools exposes platform tool-enablement flags. Feature tools (the URL
// shortener among them) can be switched off by operators; services consult the
// flag before accepting work.
package tools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formloom/platform/internal/cache"
)

// flagTTL bounds how stale a cached flag may be after an operator toggles it.
const flagTTL = 30 * time.Second

// Flags reports whether a platform tool is enabled.
type Flags interface {
	IsActive(ctx context.Context, key string) (bool, error)
}

// Service reads tool flags from Postgres with a Redis look-aside cache.
type Service struct {
	pool   *pgxpool.Pool
	cache  cache.Cache
	logger *slog.Logger
}

// NewService creates a tool-flag service. The cache is optional.
func NewService(pool *pgxpool.Pool, c cache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: pool, cache: c, logger: logger}
}

// IsActive reports whether the tool identified by key is enabled.
// Unknown tools are inactive.
func (s *Service) IsActive(ctx context.Context, key string) (bool, error) {
	if s.cache != nil {
		if val, ok, err := s.cache.Get(ctx, cache.ToolFlagKey(key)); err == nil && ok {
			return string(val) == "1", nil
		}
		// Cache errors fall through to the database.
	}

	var active bool
	err := s.pool.QueryRow(ctx,
		`SELECT active FROM tools WHERE key = $1`, key,
	).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		active = false
	} else if err != nil {
		return false, err
	}

	if s.cache != nil {
		val := []byte("0")
		if active {
			val = []byte("1")
		}
		if err := s.cache.Set(ctx, cache.ToolFlagKey(key), val, flagTTL); err != nil {
			s.logger.Warn("failed to cache tool flag", "tool", key, "error", err)
		}
	}

	return active, nil
}
