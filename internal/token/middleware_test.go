package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/formloom/platform/internal/identity"
	"github.com/formloom/platform/internal/token/authctx"
)

/***************
 * Mocks
 ***************/

// mockAuthService implements Service for middleware tests.
type mockAuthService struct {
	validateFunc func(ctx context.Context, plain string) (Validation, error)
}

func (m *mockAuthService) Create(ctx context.Context, userID uuid.UUID, req CreateRequest, tenantID *uuid.UUID) (CreatedToken, error) {
	return CreatedToken{}, errors.New("not implemented")
}

func (m *mockAuthService) List(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) ([]Token, error) {
	return nil, nil
}

func (m *mockAuthService) Update(ctx context.Context, tokenID, userID uuid.UUID, req UpdateRequest, tenantID *uuid.UUID) (*Token, error) {
	return nil, nil
}

func (m *mockAuthService) Delete(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID) (bool, error) {
	return false, nil
}

func (m *mockAuthService) Validate(ctx context.Context, plain string) (Validation, error) {
	if m.validateFunc != nil {
		return m.validateFunc(ctx, plain)
	}
	return Validation{}, nil
}

// mockUsageService implements UsageService for middleware tests.
type mockUsageService struct {
	logFunc func(ctx context.Context, entry UsageEntry) (UsageRecord, error)
}

func (m *mockUsageService) Log(ctx context.Context, entry UsageEntry) (UsageRecord, error) {
	if m.logFunc != nil {
		return m.logFunc(ctx, entry)
	}
	return UsageRecord{}, nil
}

func (m *mockUsageService) Get(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, filter UsageFilter) ([]UsageRecord, int64, error) {
	return nil, 0, nil
}

func (m *mockUsageService) Stats(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, from, to *time.Time) (UsageStats, error) {
	return UsageStats{}, nil
}

func (m *mockUsageService) TimeSeries(ctx context.Context, tokenID, userID uuid.UUID, tenantID *uuid.UUID, period string, from, to *time.Time) ([]UsageBucket, error) {
	return nil, nil
}

func (m *mockUsageService) UserSummary(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) (UserUsageSummary, error) {
	return UserUsageSummary{}, nil
}

func (m *mockUsageService) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	return 0, nil
}

func validValidation() Validation {
	tokenID := uuid.New()
	userID := uuid.New()
	return Validation{
		IsValid: true,
		Token:   &Token{ID: tokenID, UserID: userID, Scopes: []string{ScopeRead}},
		User:    &identity.User{ID: userID, IsActive: true},
	}
}

/***************
 * Auth Tests
 ***************/

func TestAuthRequire(t *testing.T) {
	t.Run("rejects missing authorization header", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{}, nil)

		called := false
		handler := auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tokens", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if called {
			t.Error("next handler was called")
		}
	})

	t.Run("rejects malformed authorization header", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{}, nil)

		handler := auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("rejects invalid token", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{
			validateFunc: func(ctx context.Context, plain string) (Validation, error) {
				return Validation{}, nil
			},
		}, nil)

		handler := auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("attaches principal for valid token", func(t *testing.T) {
		validation := validValidation()
		auth := NewAuth(&mockAuthService{
			validateFunc: func(ctx context.Context, plain string) (Validation, error) {
				if plain != "good-secret" {
					t.Errorf("plain = %q, want %q", plain, "good-secret")
				}
				return validation, nil
			},
		}, nil)

		var principal authctx.Principal
		var found bool
		handler := auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, found = authctx.PrincipalFrom(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
		req.Header.Set("Authorization", "Bearer good-secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !found {
			t.Fatal("principal missing from context")
		}
		if principal.TokenID != validation.Token.ID {
			t.Errorf("TokenID = %v, want %v", principal.TokenID, validation.Token.ID)
		}
		if principal.User.ID != validation.User.ID {
			t.Errorf("User.ID = %v, want %v", principal.User.ID, validation.User.ID)
		}
	})
}

func TestAuthOptional(t *testing.T) {
	t.Run("passes anonymous requests through", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{}, nil)

		var found bool
		handler := auth.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, found = authctx.PrincipalFrom(r.Context())
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/links", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if found {
			t.Error("anonymous request carries a principal")
		}
	})

	t.Run("treats invalid token as anonymous", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{}, nil)

		handler := auth.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodPost, "/api/links", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("attaches principal for valid token", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{
			validateFunc: func(ctx context.Context, plain string) (Validation, error) {
				return validValidation(), nil
			},
		}, nil)

		var found bool
		handler := auth.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, found = authctx.PrincipalFrom(r.Context())
		}))

		req := httptest.NewRequest(http.MethodPost, "/api/links", nil)
		req.Header.Set("Authorization", "Bearer good-secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if !found {
			t.Error("principal missing from context")
		}
	})
}

func TestRequireScope(t *testing.T) {
	t.Run("allows matching scope", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{}, nil)

		called := false
		handler := auth.RequireScope(ScopeRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
		ctx := authctx.WithPrincipal(req.Context(), authctx.Principal{
			TokenID: uuid.New(),
			Scopes:  []string{ScopeRead},
		})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))

		if !called {
			t.Error("next handler was not called")
		}
	})

	t.Run("rejects missing scope with Forbidden", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{}, nil)

		handler := auth.RequireScope(ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodPost, "/api/tokens", nil)
		ctx := authctx.WithPrincipal(req.Context(), authctx.Principal{
			TokenID: uuid.New(),
			Scopes:  []string{ScopeRead},
		})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
		}
	})

	t.Run("rejects unauthenticated request", func(t *testing.T) {
		auth := NewAuth(&mockAuthService{}, nil)

		handler := auth.RequireScope(ScopeRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tokens", nil))

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
		}
	})
}

/***************
 * Usage Recording Tests
 ***************/

func TestUsageLoggerRecord(t *testing.T) {
	t.Run("records one entry per authenticated request", func(t *testing.T) {
		logged := make(chan UsageEntry, 1)
		ul := NewUsageLogger(&mockUsageService{
			logFunc: func(ctx context.Context, entry UsageEntry) (UsageRecord, error) {
				logged <- entry
				return UsageRecord{}, nil
			},
		}, nil)

		handler := ul.Record(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))

		tokenID := uuid.New()
		req := httptest.NewRequest(http.MethodPost, "/api/tokens", nil)
		req.Header.Set("User-Agent", "tester/1.0")
		ctx := authctx.WithPrincipal(req.Context(), authctx.Principal{TokenID: tokenID})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))

		select {
		case entry := <-logged:
			if entry.TokenID != tokenID {
				t.Errorf("TokenID = %v, want %v", entry.TokenID, tokenID)
			}
			if entry.Endpoint != "/api/tokens" {
				t.Errorf("Endpoint = %q, want %q", entry.Endpoint, "/api/tokens")
			}
			if entry.Method != http.MethodPost {
				t.Errorf("Method = %q, want %q", entry.Method, http.MethodPost)
			}
			if entry.ResponseStatus != http.StatusCreated {
				t.Errorf("ResponseStatus = %d, want %d", entry.ResponseStatus, http.StatusCreated)
			}
			if entry.UserAgent == nil || *entry.UserAgent != "tester/1.0" {
				t.Error("UserAgent not captured")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("usage entry was never logged")
		}
	})

	t.Run("skips anonymous requests", func(t *testing.T) {
		logCalls := make(chan struct{}, 1)
		ul := NewUsageLogger(&mockUsageService{
			logFunc: func(ctx context.Context, entry UsageEntry) (UsageRecord, error) {
				logCalls <- struct{}{}
				return UsageRecord{}, nil
			},
		}, nil)

		handler := ul.Record(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/abc", nil))

		select {
		case <-logCalls:
			t.Error("usage was logged for anonymous request")
		case <-time.After(100 * time.Millisecond):
		}
	})
}
