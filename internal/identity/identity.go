// Package identity provides user lookups for token issuance and validation.
package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is the account record the token subsystem depends on.
type User struct {
	ID        uuid.UUID
	Email     string
	IsActive  bool
	TenantID  *uuid.UUID
	CreatedAt time.Time
}

// Repository looks up user accounts.
type Repository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}
