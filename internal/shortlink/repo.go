package shortlink

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence operations for Link entities.
// It abstracts the underlying data store and is responsible for
// creating, retrieving, and deleting links, as well as tracking
// access-related metadata.
type Repository interface {
	Create(ctx context.Context, link Link) (Link, error)
	GetByCode(ctx context.Context, code string) (Link, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	// ResolveAndTrack atomically increments the click count and stamps
	// last_accessed_at, but only for links that have not expired. Expired and
	// missing links both surface as NotFound; callers disambiguate via GetByCode.
	ResolveAndTrack(ctx context.Context, code string) (Link, error)
	SetQRCodeURL(ctx context.Context, id uuid.UUID, url string) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Link, error)
	DeleteByOwner(ctx context.Context, code string, userID uuid.UUID) (bool, error)
	ListExpiredWithQR(ctx context.Context, now time.Time) ([]Link, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
