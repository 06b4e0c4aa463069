package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/formloom/platform/internal/errx"
	"github.com/formloom/platform/internal/identity"
)

// testBcryptCost keeps hashing fast in tests.
const testBcryptCost = 4

/***************
 * Mocks
 ***************/

// mockTokenRepo implements Repository for testing.
type mockTokenRepo struct {
	createFunc         func(ctx context.Context, tok Token) (Token, error)
	getOwnedFunc       func(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (Token, error)
	listFunc           func(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) ([]Token, error)
	updateFunc         func(ctx context.Context, tok Token) (Token, error)
	deleteOwnedFunc    func(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (bool, error)
	listActiveFunc     func(ctx context.Context, now time.Time) ([]Token, error)
	updateLastUsedFunc func(ctx context.Context, id uuid.UUID, at time.Time) error
}

func (m *mockTokenRepo) Create(ctx context.Context, tok Token) (Token, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, tok)
	}
	tok.ID = uuid.New()
	tok.CreatedAt = time.Now()
	return tok, nil
}

func (m *mockTokenRepo) GetOwned(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (Token, error) {
	if m.getOwnedFunc != nil {
		return m.getOwnedFunc(ctx, id, userID, tenantID)
	}
	return Token{}, errx.E("repo.GetOwned", errx.NotFound, errors.New("not found"))
}

func (m *mockTokenRepo) List(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) ([]Token, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, userID, tenantID)
	}
	return nil, nil
}

func (m *mockTokenRepo) Update(ctx context.Context, tok Token) (Token, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, tok)
	}
	return tok, nil
}

func (m *mockTokenRepo) DeleteOwned(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (bool, error) {
	if m.deleteOwnedFunc != nil {
		return m.deleteOwnedFunc(ctx, id, userID, tenantID)
	}
	return false, nil
}

func (m *mockTokenRepo) ListActive(ctx context.Context, now time.Time) ([]Token, error) {
	if m.listActiveFunc != nil {
		return m.listActiveFunc(ctx, now)
	}
	return nil, nil
}

func (m *mockTokenRepo) UpdateLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if m.updateLastUsedFunc != nil {
		return m.updateLastUsedFunc(ctx, id, at)
	}
	return nil
}

// mockUserRepo implements identity.Repository for testing.
type mockUserRepo struct {
	getUserFunc func(ctx context.Context, id uuid.UUID) (*identity.User, error)
}

func (m *mockUserRepo) GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	if m.getUserFunc != nil {
		return m.getUserFunc(ctx, id)
	}
	return &identity.User{ID: id, IsActive: true}, nil
}

func newTestService(repo Repository, users identity.Repository) Service {
	return NewService(repo, &ServiceConfig{
		Users:      users,
		BcryptCost: testBcryptCost,
	})
}

/***************
 * Create Tests
 ***************/

func TestTokenServiceCreate(t *testing.T) {
	t.Run("issues token with plaintext returned once", func(t *testing.T) {
		var captured Token
		repo := &mockTokenRepo{
			createFunc: func(ctx context.Context, tok Token) (Token, error) {
				captured = tok
				tok.ID = uuid.New()
				tok.CreatedAt = time.Now()
				return tok, nil
			},
		}

		svc := newTestService(repo, &mockUserRepo{})

		created, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Name:   "ci-deploy",
			Scopes: []string{ScopeRead, ScopeWrite},
		}, nil)
		if err != nil {
			t.Fatalf("Create() unexpected error: %v", err)
		}

		if len(created.Plain) != PlainLength {
			t.Errorf("plaintext length = %d, want %d", len(created.Plain), PlainLength)
		}
		if captured.TokenHash == created.Plain {
			t.Error("stored hash equals plaintext")
		}
		if !CompareSecret(captured.TokenHash, created.Plain) {
			t.Error("stored hash does not match returned plaintext")
		}
		if !captured.IsActive {
			t.Error("new token is not active")
		}
	})

	t.Run("defaults expiry to one year", func(t *testing.T) {
		var captured Token
		repo := &mockTokenRepo{
			createFunc: func(ctx context.Context, tok Token) (Token, error) {
				captured = tok
				tok.ID = uuid.New()
				return tok, nil
			},
		}

		svc := newTestService(repo, &mockUserRepo{})

		_, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Name:   "ci-deploy",
			Scopes: []string{ScopeRead},
		}, nil)
		if err != nil {
			t.Fatalf("Create() unexpected error: %v", err)
		}

		want := time.Now().Add(DefaultTTL)
		if diff := captured.ExpiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
			t.Errorf("ExpiresAt = %v, want ~%v", captured.ExpiresAt, want)
		}
	})

	t.Run("rejects empty name", func(t *testing.T) {
		svc := newTestService(&mockTokenRepo{}, &mockUserRepo{})

		_, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Scopes: []string{ScopeRead},
		}, nil)
		if err == nil {
			t.Fatal("Create() expected error for empty name, got nil")
		}
		if errx.KindOf(err) != errx.Invalid {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Invalid)
		}
	})

	t.Run("rejects over-long name", func(t *testing.T) {
		svc := newTestService(&mockTokenRepo{}, &mockUserRepo{})

		_, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Name:   strings.Repeat("a", MaxNameLength+1),
			Scopes: []string{ScopeRead},
		}, nil)
		if err == nil {
			t.Fatal("Create() expected error for long name, got nil")
		}
		if errx.KindOf(err) != errx.Invalid {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Invalid)
		}
	})

	t.Run("rejects invalid scopes", func(t *testing.T) {
		svc := newTestService(&mockTokenRepo{}, &mockUserRepo{})

		_, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Name:   "ci-deploy",
			Scopes: []string{"admin"},
		}, nil)
		if err == nil {
			t.Fatal("Create() expected error for invalid scope, got nil")
		}
		if errx.KindOf(err) != errx.Invalid {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Invalid)
		}
	})

	t.Run("rejects past expiry", func(t *testing.T) {
		svc := newTestService(&mockTokenRepo{}, &mockUserRepo{})

		past := time.Now().Add(-time.Hour)
		_, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Name:      "ci-deploy",
			Scopes:    []string{ScopeRead},
			ExpiresAt: &past,
		}, nil)
		if err == nil {
			t.Fatal("Create() expected error for past expiry, got nil")
		}
		if errx.KindOf(err) != errx.Invalid {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Invalid)
		}
	})

	t.Run("rejects inactive user with Forbidden", func(t *testing.T) {
		users := &mockUserRepo{
			getUserFunc: func(ctx context.Context, id uuid.UUID) (*identity.User, error) {
				return &identity.User{ID: id, IsActive: false}, nil
			},
		}
		svc := newTestService(&mockTokenRepo{}, users)

		_, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Name:   "ci-deploy",
			Scopes: []string{ScopeRead},
		}, nil)
		if err == nil {
			t.Fatal("Create() expected error for inactive user, got nil")
		}
		if errx.KindOf(err) != errx.Forbidden {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Forbidden)
		}
	})

	t.Run("rejects tenant mismatch with Forbidden", func(t *testing.T) {
		userTenant := uuid.New()
		users := &mockUserRepo{
			getUserFunc: func(ctx context.Context, id uuid.UUID) (*identity.User, error) {
				return &identity.User{ID: id, IsActive: true, TenantID: &userTenant}, nil
			},
		}
		svc := newTestService(&mockTokenRepo{}, users)

		otherTenant := uuid.New()
		_, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Name:   "ci-deploy",
			Scopes: []string{ScopeRead},
		}, &otherTenant)
		if err == nil {
			t.Fatal("Create() expected error for tenant mismatch, got nil")
		}
		if errx.KindOf(err) != errx.Forbidden {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Forbidden)
		}
	})

	t.Run("maps duplicate name to Conflict", func(t *testing.T) {
		repo := &mockTokenRepo{
			createFunc: func(ctx context.Context, tok Token) (Token, error) {
				return Token{}, errx.E("repo.Create", errx.Conflict, errors.New("duplicate name"))
			},
		}
		svc := newTestService(repo, &mockUserRepo{})

		_, err := svc.Create(context.Background(), uuid.New(), CreateRequest{
			Name:   "ci-deploy",
			Scopes: []string{ScopeRead},
		}, nil)
		if err == nil {
			t.Fatal("Create() expected error, got nil")
		}
		if errx.KindOf(err) != errx.Conflict {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Conflict)
		}
	})
}

/***************
 * Update / Delete Tests
 ***************/

func TestTokenServiceUpdate(t *testing.T) {
	t.Run("applies partial changes", func(t *testing.T) {
		tokenID := uuid.New()
		userID := uuid.New()
		repo := &mockTokenRepo{
			getOwnedFunc: func(ctx context.Context, id, uid uuid.UUID, tenantID *uuid.UUID) (Token, error) {
				return Token{ID: tokenID, UserID: userID, Name: "old", Scopes: []string{ScopeRead}, IsActive: true}, nil
			},
		}
		svc := newTestService(repo, &mockUserRepo{})

		inactive := false
		updated, err := svc.Update(context.Background(), tokenID, userID, UpdateRequest{
			IsActive: &inactive,
		}, nil)
		if err != nil {
			t.Fatalf("Update() unexpected error: %v", err)
		}
		if updated == nil {
			t.Fatal("Update() = nil, want token")
		}
		if updated.IsActive {
			t.Error("IsActive = true, want false")
		}
		if updated.Name != "old" {
			t.Errorf("Name = %q, want unchanged %q", updated.Name, "old")
		}
	})

	t.Run("returns nil for missing or foreign token", func(t *testing.T) {
		svc := newTestService(&mockTokenRepo{}, &mockUserRepo{})

		updated, err := svc.Update(context.Background(), uuid.New(), uuid.New(), UpdateRequest{}, nil)
		if err != nil {
			t.Fatalf("Update() unexpected error: %v", err)
		}
		if updated != nil {
			t.Errorf("Update() = %v, want nil", updated)
		}
	})

	t.Run("validates new name", func(t *testing.T) {
		repo := &mockTokenRepo{
			getOwnedFunc: func(ctx context.Context, id, uid uuid.UUID, tenantID *uuid.UUID) (Token, error) {
				return Token{ID: id, UserID: uid, Name: "old"}, nil
			},
		}
		svc := newTestService(repo, &mockUserRepo{})

		empty := ""
		_, err := svc.Update(context.Background(), uuid.New(), uuid.New(), UpdateRequest{
			Name: &empty,
		}, nil)
		if err == nil {
			t.Fatal("Update() expected error for empty name, got nil")
		}
		if errx.KindOf(err) != errx.Invalid {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Invalid)
		}
	})
}

func TestTokenServiceDelete(t *testing.T) {
	t.Run("reports true when a row was removed", func(t *testing.T) {
		repo := &mockTokenRepo{
			deleteOwnedFunc: func(ctx context.Context, id, userID uuid.UUID, tenantID *uuid.UUID) (bool, error) {
				return true, nil
			},
		}
		svc := newTestService(repo, &mockUserRepo{})

		deleted, err := svc.Delete(context.Background(), uuid.New(), uuid.New(), nil)
		if err != nil {
			t.Fatalf("Delete() unexpected error: %v", err)
		}
		if !deleted {
			t.Error("Delete() = false, want true")
		}
	})

	t.Run("reports false for missing token", func(t *testing.T) {
		svc := newTestService(&mockTokenRepo{}, &mockUserRepo{})

		deleted, err := svc.Delete(context.Background(), uuid.New(), uuid.New(), nil)
		if err != nil {
			t.Fatalf("Delete() unexpected error: %v", err)
		}
		if deleted {
			t.Error("Delete() = true, want false")
		}
	})
}

/***************
 * Validate Tests
 ***************/

func mustHash(t *testing.T, plain string) string {
	t.Helper()
	hash, err := HashSecret(plain, testBcryptCost)
	if err != nil {
		t.Fatalf("HashSecret() error: %v", err)
	}
	return hash
}

func TestTokenServiceValidate(t *testing.T) {
	t.Run("accepts a matching active token", func(t *testing.T) {
		plain, err := GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret() error: %v", err)
		}

		userID := uuid.New()
		stored := Token{
			ID:        uuid.New(),
			UserID:    userID,
			Name:      "ci-deploy",
			TokenHash: mustHash(t, plain),
			Scopes:    []string{ScopeRead},
			ExpiresAt: time.Now().Add(time.Hour),
			IsActive:  true,
		}

		touched := make(chan uuid.UUID, 1)
		repo := &mockTokenRepo{
			listActiveFunc: func(ctx context.Context, now time.Time) ([]Token, error) {
				return []Token{stored}, nil
			},
			updateLastUsedFunc: func(ctx context.Context, id uuid.UUID, at time.Time) error {
				touched <- id
				return nil
			},
		}

		svc := newTestService(repo, &mockUserRepo{})

		validation, err := svc.Validate(context.Background(), plain)
		if err != nil {
			t.Fatalf("Validate() unexpected error: %v", err)
		}
		if !validation.IsValid {
			t.Fatal("IsValid = false, want true")
		}
		if validation.Token.ID != stored.ID {
			t.Errorf("Token.ID = %v, want %v", validation.Token.ID, stored.ID)
		}
		if validation.User.ID != userID {
			t.Errorf("User.ID = %v, want %v", validation.User.ID, userID)
		}

		select {
		case id := <-touched:
			if id != stored.ID {
				t.Errorf("last-used update for %v, want %v", id, stored.ID)
			}
		case <-time.After(2 * time.Second):
			t.Error("last-used update was never attempted")
		}
	})

	t.Run("fast-rejects wrong-length input without scanning", func(t *testing.T) {
		listed := false
		repo := &mockTokenRepo{
			listActiveFunc: func(ctx context.Context, now time.Time) ([]Token, error) {
				listed = true
				return nil, nil
			},
		}
		svc := newTestService(repo, &mockUserRepo{})

		validation, err := svc.Validate(context.Background(), "short")
		if err != nil {
			t.Fatalf("Validate() unexpected error: %v", err)
		}
		if validation.IsValid {
			t.Error("IsValid = true, want false")
		}
		if listed {
			t.Error("ListActive was called for wrong-length input")
		}
	})

	t.Run("rejects unknown secret", func(t *testing.T) {
		other, _ := GenerateSecret()
		stored := Token{
			ID:        uuid.New(),
			TokenHash: mustHash(t, other),
			ExpiresAt: time.Now().Add(time.Hour),
			IsActive:  true,
		}
		repo := &mockTokenRepo{
			listActiveFunc: func(ctx context.Context, now time.Time) ([]Token, error) {
				return []Token{stored}, nil
			},
		}
		svc := newTestService(repo, &mockUserRepo{})

		plain, _ := GenerateSecret()
		validation, err := svc.Validate(context.Background(), plain)
		if err != nil {
			t.Fatalf("Validate() unexpected error: %v", err)
		}
		if validation.IsValid {
			t.Error("IsValid = true, want false")
		}
	})

	t.Run("rejects token of an inactive user", func(t *testing.T) {
		plain, _ := GenerateSecret()
		stored := Token{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			TokenHash: mustHash(t, plain),
			ExpiresAt: time.Now().Add(time.Hour),
			IsActive:  true,
		}
		repo := &mockTokenRepo{
			listActiveFunc: func(ctx context.Context, now time.Time) ([]Token, error) {
				return []Token{stored}, nil
			},
		}
		users := &mockUserRepo{
			getUserFunc: func(ctx context.Context, id uuid.UUID) (*identity.User, error) {
				return &identity.User{ID: id, IsActive: false}, nil
			},
		}
		svc := newTestService(repo, users)

		validation, err := svc.Validate(context.Background(), plain)
		if err != nil {
			t.Fatalf("Validate() unexpected error: %v", err)
		}
		if validation.IsValid {
			t.Error("IsValid = true, want false")
		}
	})

	t.Run("propagates repository errors", func(t *testing.T) {
		repo := &mockTokenRepo{
			listActiveFunc: func(ctx context.Context, now time.Time) ([]Token, error) {
				return nil, errx.E("repo.ListActive", errx.Unavailable, errors.New("db down"))
			},
		}
		svc := newTestService(repo, &mockUserRepo{})

		plain, _ := GenerateSecret()
		_, err := svc.Validate(context.Background(), plain)
		if err == nil {
			t.Fatal("Validate() expected error, got nil")
		}
		if errx.KindOf(err) != errx.Unavailable {
			t.Errorf("error kind = %v, want %v", errx.KindOf(err), errx.Unavailable)
		}
	})
}
