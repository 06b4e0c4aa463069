package token

import (
	"time"

	"github.com/google/uuid"
)

// Token scopes. Scopes are coarse permission tags checked by the
// authorization middleware.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// MaxNameLength bounds token names, unique per user.
const MaxNameLength = 100

// Token is a stored API token. The plaintext secret is never persisted: only
// its bcrypt hash. The secret is returned to the caller exactly once, at
// creation.
type Token struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TenantID   *uuid.UUID
	Name       string
	TokenHash  string
	Scopes     []string
	ExpiresAt  time.Time
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Expired reports whether the token is expired at the given instant.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// HasScope reports whether the token carries the given scope.
func (t Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Usage record field limits, enforced by truncation before insert.
const (
	MaxEndpointLength  = 512
	MaxMethodLength    = 10
	MaxUserAgentLength = 1000
)

// UsageRecord is an immutable event logged for every authenticated request
// made with a token.
type UsageRecord struct {
	ID               uuid.UUID
	TokenID          uuid.UUID
	Endpoint         string
	Method           string
	ResponseStatus   int
	ProcessingTimeMs *int64
	IPAddress        *string
	UserAgent        *string
	CreatedAt        time.Time
}
