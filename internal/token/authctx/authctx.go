// Package authctx carries the authenticated principal through request
// contexts. It lives in its own package so handlers can read the principal
// without importing the token service.
package authctx

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is the type for context keys to avoid collisions.
type contextKey string

const principalContextKey contextKey = "principal"

// User identifies the account behind a validated token.
type User struct {
	ID       uuid.UUID
	TenantID *uuid.UUID
}

// Principal is the authentication result attached to a request.
type Principal struct {
	TokenID uuid.UUID
	User    User
	Scopes  []string
}

// HasScope reports whether the principal carries the given scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFrom extracts the principal from the context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// UserFrom extracts the authenticated user from the context.
func UserFrom(ctx context.Context) (User, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return User{}, false
	}
	return p.User, true
}
