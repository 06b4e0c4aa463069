package token

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence operations for API tokens. Ownership
// filters (user, optional tenant) are applied inside queries so missing and
// foreign-owned rows are indistinguishable to callers.
type Repository interface {
	Create(ctx context.Context, t Token) (Token, error)
	GetOwned(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (Token, error)
	List(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) ([]Token, error)
	Update(ctx context.Context, t Token) (Token, error)
	DeleteOwned(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (bool, error)
	// ListActive returns every active, unexpired token. Bearer validation
	// scans this set because the stored form is a one-way hash.
	ListActive(ctx context.Context, now time.Time) ([]Token, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// UsageFilter narrows usage history queries.
type UsageFilter struct {
	From             *time.Time
	To               *time.Time
	Statuses         []int
	EndpointContains string
	Method           string
	Page             int
	Limit            int
}

// UsageStats summarizes a token's request history.
type UsageStats struct {
	TotalRequests       int64
	SuccessCount        int64
	FailureCount        int64
	AvgProcessingTimeMs float64
}

// UsageBucket is one time-series bucket.
type UsageBucket struct {
	Bucket       time.Time
	Count        int64
	SuccessCount int64
	FailureCount int64
}

// UsageRepository defines the persistence operations for usage records.
// Aggregation happens in SQL; the service layer contributes authorization
// and parameter validation.
type UsageRepository interface {
	InsertUsage(ctx context.Context, rec UsageRecord) (UsageRecord, error)
	ListUsage(ctx context.Context, tokenID uuid.UUID, filter UsageFilter) ([]UsageRecord, int64, error)
	UsageStats(ctx context.Context, tokenID uuid.UUID, from, to *time.Time) (UsageStats, error)
	UsageTimeSeries(ctx context.Context, tokenID uuid.UUID, period string, from, to *time.Time) ([]UsageBucket, error)
	PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
