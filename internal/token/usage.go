package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formloom/platform/internal/errx"
)

// DefaultUsageRetention is how long usage records are kept before purging.
const DefaultUsageRetention = 90 * 24 * time.Hour

// Time-series periods accepted by TimeSeries.
const (
	PeriodHour = "hour"
	PeriodDay  = "day"
)

// UsageEntry represents one request event to record.
type UsageEntry struct {
	TokenID          uuid.UUID
	Endpoint         string
	Method           string
	ResponseStatus   int
	ProcessingTimeMs *int64
	IPAddress        *string
	UserAgent        *string
}

// UserUsageSummary is a cross-token rollup for one user.
type UserUsageSummary struct {
	TotalTokens         int
	TotalRequests       int64
	AvgProcessingTimeMs float64
	MostUsedTokenID     *uuid.UUID
	MostUsedTokenName   string
}

// UsageService records and reports token usage. Retrieval methods are
// authorization-gated: the token must belong to the requesting user (and
// tenant, when given), and a foreign token is indistinguishable from a
// missing one.
type UsageService interface {
	Log(ctx context.Context, entry UsageEntry) (UsageRecord, error)
	Get(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, filter UsageFilter) ([]UsageRecord, int64, error)
	Stats(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, from, to *time.Time) (UsageStats, error)
	TimeSeries(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, period string, from, to *time.Time) ([]UsageBucket, error)
	UserSummary(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) (UserUsageSummary, error)
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// usageService implements the UsageService interface.
type usageService struct {
	tokens Repository
	usage  UsageRepository
	logger *slog.Logger
	now    func() time.Time
}

// UsageServiceConfig holds configuration for the usage service.
type UsageServiceConfig struct {
	Logger *slog.Logger
}

// NewUsageService creates a new usage service.
func NewUsageService(tokens Repository, usage UsageRepository, config *UsageServiceConfig) UsageService {
	if config == nil {
		config = &UsageServiceConfig{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &usageService{
		tokens: tokens,
		usage:  usage,
		logger: logger,
		now:    time.Now,
	}
}

// Log appends an immutable usage record, truncating over-long fields to the
// storage limits, and refreshes the parent token's last_used_at off the
// caller's path.
func (s *usageService) Log(ctx context.Context, entry UsageEntry) (UsageRecord, error) {
	const op = "token.usage.Log"

	if entry.TokenID == uuid.Nil {
		return UsageRecord{}, errx.E(op, errx.Invalid, errors.New("token id is required"))
	}
	if entry.Method == "" {
		return UsageRecord{}, errx.E(op, errx.Invalid, errors.New("method is required"))
	}

	rec := UsageRecord{
		TokenID:          entry.TokenID,
		Endpoint:         truncate(entry.Endpoint, MaxEndpointLength),
		Method:           truncate(entry.Method, MaxMethodLength),
		ResponseStatus:   entry.ResponseStatus,
		ProcessingTimeMs: entry.ProcessingTimeMs,
		IPAddress:        entry.IPAddress,
	}
	if entry.UserAgent != nil {
		ua := truncate(*entry.UserAgent, MaxUserAgentLength)
		rec.UserAgent = &ua
	}

	inserted, err := s.usage.InsertUsage(ctx, rec)
	if err != nil {
		return UsageRecord{}, errx.E(op, errx.KindOf(err), err)
	}

	s.touchLastUsed(entry.TokenID, inserted.CreatedAt)

	return inserted, nil
}

func (s *usageService) Get(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, filter UsageFilter) ([]UsageRecord, int64, error) {
	const op = "token.usage.Get"

	if err := s.authorize(ctx, op, tokenID, userID, tenantID); err != nil {
		return nil, 0, err
	}

	records, total, err := s.usage.ListUsage(ctx, tokenID, filter)
	if err != nil {
		return nil, 0, errx.E(op, errx.KindOf(err), err)
	}
	return records, total, nil
}

func (s *usageService) Stats(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, from, to *time.Time) (UsageStats, error) {
	const op = "token.usage.Stats"

	if err := s.authorize(ctx, op, tokenID, userID, tenantID); err != nil {
		return UsageStats{}, err
	}

	stats, err := s.usage.UsageStats(ctx, tokenID, from, to)
	if err != nil {
		return UsageStats{}, errx.E(op, errx.KindOf(err), err)
	}
	return stats, nil
}

func (s *usageService) TimeSeries(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, period string, from, to *time.Time) ([]UsageBucket, error) {
	const op = "token.usage.TimeSeries"

	if period != PeriodHour && period != PeriodDay {
		return nil, errx.E(op, errx.Invalid,
			fmt.Errorf("invalid period %q (must be hour or day)", period))
	}

	if err := s.authorize(ctx, op, tokenID, userID, tenantID); err != nil {
		return nil, err
	}

	buckets, err := s.usage.UsageTimeSeries(ctx, tokenID, period, from, to)
	if err != nil {
		return nil, errx.E(op, errx.KindOf(err), err)
	}
	return buckets, nil
}

// UserSummary accumulates request counts and a latency-weighted average over
// every token the user owns, and identifies the most-requested token. A user
// with no tokens gets a zeroed summary, never an error.
func (s *usageService) UserSummary(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) (UserUsageSummary, error) {
	const op = "token.usage.UserSummary"

	tokens, err := s.tokens.List(ctx, userID, tenantID)
	if err != nil {
		return UserUsageSummary{}, errx.E(op, errx.KindOf(err), err)
	}

	summary := UserUsageSummary{TotalTokens: len(tokens)}
	if len(tokens) == 0 {
		return summary, nil
	}

	var weightedLatency float64
	var maxRequests int64 = -1

	for i := range tokens {
		t := tokens[i]
		stats, err := s.usage.UsageStats(ctx, t.ID, nil, nil)
		if err != nil {
			return UserUsageSummary{}, errx.E(op, errx.KindOf(err), err)
		}

		summary.TotalRequests += stats.TotalRequests
		weightedLatency += stats.AvgProcessingTimeMs * float64(stats.TotalRequests)

		if stats.TotalRequests > maxRequests {
			maxRequests = stats.TotalRequests
			id := t.ID
			summary.MostUsedTokenID = &id
			summary.MostUsedTokenName = t.Name
		}
	}

	if summary.TotalRequests > 0 {
		summary.AvgProcessingTimeMs = weightedLatency / float64(summary.TotalRequests)
	}
	return summary, nil
}

func (s *usageService) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	const op = "token.usage.PurgeOlderThan"

	if retention <= 0 {
		retention = DefaultUsageRetention
	}

	count, err := s.usage.PurgeUsageBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, errx.E(op, errx.KindOf(err), err)
	}
	return count, nil
}

// authorize confirms the token belongs to the requesting user/tenant.
func (s *usageService) authorize(ctx context.Context, op string, tokenID, userID uuid.UUID, tenantID *uuid.UUID) error {
	_, err := s.tokens.GetOwned(ctx, tokenID, userID, tenantID)
	if err != nil {
		if errx.KindOf(err) == errx.NotFound {
			return errx.E(op, errx.NotFound, errors.New("token not found"))
		}
		return errx.E(op, errx.KindOf(err), err)
	}
	return nil
}

// touchLastUsed refreshes last_used_at as a detached best-effort update.
func (s *usageService) touchLastUsed(id uuid.UUID, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.tokens.UpdateLastUsed(ctx, id, at); err != nil {
			s.logger.Warn("failed to update token last_used_at",
				"token_id", id.String(),
				"error", err,
			)
		}
	}()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
