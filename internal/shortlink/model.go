package shortlink

import (
	"time"

	"github.com/google/uuid"
)

// Link is a stored short link. Code comparisons are case-insensitive; the
// stored code is always lowercase for custom names and mixed-case for
// generated ones.
type Link struct {
	ID             uuid.UUID
	Code           string
	OriginalURL    string
	ExpiresAt      *time.Time
	CreatedBy      *uuid.UUID
	ClickCount     int64
	LastAccessedAt *time.Time
	QRCodeURL      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the link is expired at the given instant.
// A nil expiry never expires.
func (l Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}
