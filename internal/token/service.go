package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formloom/platform/internal/errx"
	"github.com/formloom/platform/internal/identity"
)

// DefaultTTL applies when a creation request carries no expiry.
const DefaultTTL = 365 * 24 * time.Hour

// CreateRequest represents the parameters for issuing a new token.
type CreateRequest struct {
	Name      string
	Scopes    []string
	ExpiresAt *time.Time // Optional: defaults to one year from now
}

// CreatedToken carries the stored token plus the plaintext secret.
// The secret is shown exactly once; it cannot be recovered afterwards.
type CreatedToken struct {
	Token Token
	Plain string
}

// UpdateRequest supports partial metadata changes. The secret itself is
// never updatable.
type UpdateRequest struct {
	Name     *string
	Scopes   []string
	IsActive *bool
}

// Validation is the outcome of bearer-token validation.
type Validation struct {
	IsValid bool
	Token   *Token
	User    *identity.User
}

// Service defines the token lifecycle operations.
type Service interface {
	Create(ctx context.Context, userID uuid.UUID, req CreateRequest, tenantID *uuid.UUID) (CreatedToken, error)
	List(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) ([]Token, error)
	Update(ctx context.Context, tokenID, userID uuid.UUID, req UpdateRequest, tenantID *uuid.UUID) (*Token, error)
	Delete(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID) (bool, error)
	Validate(ctx context.Context, plain string) (Validation, error)
}

// service implements the Service interface.
type service struct {
	repo       Repository
	users      identity.Repository
	logger     *slog.Logger
	bcryptCost int
	defaultTTL time.Duration
	now        func() time.Time
}

// ServiceConfig holds configuration for the service.
type ServiceConfig struct {
	Users      identity.Repository
	Logger     *slog.Logger
	BcryptCost int
	DefaultTTL time.Duration
}

// NewService creates a new token service.
func NewService(repo Repository, config *ServiceConfig) Service {
	if config == nil {
		config = &ServiceConfig{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cost := config.BcryptCost
	if cost <= 0 {
		cost = DefaultBcryptCost
	}

	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &service{
		repo:       repo,
		users:      config.Users,
		logger:     logger,
		bcryptCost: cost,
		defaultTTL: ttl,
		now:        time.Now,
	}
}

// Create issues a new token for an active user. The returned plaintext is the
// only copy of the secret.
func (s *service) Create(ctx context.Context, userID uuid.UUID, req CreateRequest, tenantID *uuid.UUID) (CreatedToken, error) {
	const op = "token.service.Create"

	if err := validateName(req.Name); err != nil {
		return CreatedToken{}, errx.E(op, errx.Invalid, err)
	}
	if err := ValidateScopes(req.Scopes); err != nil {
		return CreatedToken{}, errx.E(op, errx.Invalid, err)
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errx.KindOf(err) == errx.NotFound {
			return CreatedToken{}, errx.E(op, errx.Invalid, errors.New("user not found"))
		}
		return CreatedToken{}, errx.E(op, errx.KindOf(err), err)
	}
	if !user.IsActive {
		return CreatedToken{}, errx.E(op, errx.Forbidden, errors.New("user account is inactive"))
	}
	if tenantID != nil && (user.TenantID == nil || *user.TenantID != *tenantID) {
		return CreatedToken{}, errx.E(op, errx.Forbidden, errors.New("user does not belong to tenant"))
	}

	now := s.now()
	expiresAt := now.Add(s.defaultTTL)
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return CreatedToken{}, errx.E(op, errx.Invalid, errors.New("expiration must be in the future"))
		}
		expiresAt = *req.ExpiresAt
	}

	plain, err := GenerateSecret()
	if err != nil {
		return CreatedToken{}, errx.E(op, errx.Unavailable, err)
	}
	hash, err := HashSecret(plain, s.bcryptCost)
	if err != nil {
		return CreatedToken{}, errx.E(op, errx.Unavailable, err)
	}

	created, err := s.repo.Create(ctx, Token{
		UserID:    userID,
		TenantID:  tenantID,
		Name:      req.Name,
		TokenHash: hash,
		Scopes:    req.Scopes,
		ExpiresAt: expiresAt,
		IsActive:  true,
	})
	if err != nil {
		if errx.KindOf(err) == errx.Conflict {
			return CreatedToken{}, errx.E(op, errx.Conflict,
				fmt.Errorf("token name %q already exists", req.Name))
		}
		return CreatedToken{}, errx.E(op, errx.KindOf(err), err)
	}

	return CreatedToken{Token: created, Plain: plain}, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) ([]Token, error) {
	const op = "token.service.List"

	tokens, err := s.repo.List(ctx, userID, tenantID)
	if err != nil {
		return nil, errx.E(op, errx.KindOf(err), err)
	}
	return tokens, nil
}

// Update applies partial metadata changes to a token the caller owns.
// Returns (nil, nil) when the token is absent or owned by someone else.
func (s *service) Update(ctx context.Context, tokenID, userID uuid.UUID, req UpdateRequest, tenantID *uuid.UUID) (*Token, error) {
	const op = "token.service.Update"

	current, err := s.repo.GetOwned(ctx, tokenID, userID, tenantID)
	if err != nil {
		if errx.KindOf(err) == errx.NotFound {
			return nil, nil
		}
		return nil, errx.E(op, errx.KindOf(err), err)
	}

	if req.Name != nil {
		if err := validateName(*req.Name); err != nil {
			return nil, errx.E(op, errx.Invalid, err)
		}
		current.Name = *req.Name
	}
	if req.Scopes != nil {
		if err := ValidateScopes(req.Scopes); err != nil {
			return nil, errx.E(op, errx.Invalid, err)
		}
		current.Scopes = req.Scopes
	}
	if req.IsActive != nil {
		current.IsActive = *req.IsActive
	}

	updated, err := s.repo.Update(ctx, current)
	if err != nil {
		if errx.KindOf(err) == errx.Conflict {
			return nil, errx.E(op, errx.Conflict,
				fmt.Errorf("token name %q already exists", current.Name))
		}
		return nil, errx.E(op, errx.KindOf(err), err)
	}
	return &updated, nil
}

// Delete hard-removes a token the caller owns. Absent and foreign-owned
// tokens both report false without error.
func (s *service) Delete(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID) (bool, error) {
	const op = "token.service.Delete"

	deleted, err := s.repo.DeleteOwned(ctx, tokenID, userID, tenantID)
	if err != nil {
		return false, errx.E(op, errx.KindOf(err), err)
	}
	return deleted, nil
}

// Validate checks a bearer token against the stored hashes. The stored form
// is a one-way hash, so validation scans all active, unexpired tokens and
// compares each: O(active tokens) per call, accepted for expected scale.
func (s *service) Validate(ctx context.Context, plain string) (Validation, error) {
	const op = "token.service.Validate"

	// Generated secrets have a fixed length; anything else cannot match.
	if len(plain) != PlainLength {
		return Validation{}, nil
	}

	now := s.now()
	candidates, err := s.repo.ListActive(ctx, now)
	if err != nil {
		return Validation{}, errx.E(op, errx.KindOf(err), err)
	}

	for i := range candidates {
		t := candidates[i]
		if !CompareSecret(t.TokenHash, plain) {
			continue
		}

		// Re-check state after the scan; the candidate set may be stale.
		if !t.IsActive || t.Expired(s.now()) {
			return Validation{}, nil
		}

		user, err := s.users.GetUser(ctx, t.UserID)
		if err != nil {
			if errx.KindOf(err) == errx.NotFound {
				return Validation{}, nil
			}
			return Validation{}, errx.E(op, errx.KindOf(err), err)
		}
		if !user.IsActive {
			return Validation{}, nil
		}

		s.touchLastUsed(t.ID, now)

		return Validation{IsValid: true, Token: &t, User: user}, nil
	}

	return Validation{}, nil
}

// touchLastUsed refreshes last_used_at off the request's critical path.
// Failures are logged, never propagated.
func (s *service) touchLastUsed(id uuid.UUID, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.repo.UpdateLastUsed(ctx, id, at); err != nil {
			s.logger.Warn("failed to update token last_used_at",
				"token_id", id.String(),
				"error", err,
			)
		}
	}()
}

func validateName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name too long (maximum %d characters)", MaxNameLength)
	}
	return nil
}
