package token

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/formloom/platform/internal/cache"
	"github.com/formloom/platform/internal/httpx"
	"github.com/formloom/platform/internal/token/authctx"
)

// Auth provides bearer-token authentication middleware.
type Auth struct {
	service Service
	logger  *slog.Logger
}

// NewAuth creates authentication middleware over the token service.
func NewAuth(service Service, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auth{service: service, logger: logger}
}

// Require validates the Bearer token and attaches the principal to the
// request context. Requests without a valid token are rejected.
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plain := extractBearerToken(r)
		if plain == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized",
				"Missing or invalid Authorization header", nil)
			return
		}

		validation, err := a.service.Validate(r.Context(), plain)
		if err != nil {
			a.logger.ErrorContext(r.Context(), "token validation failed",
				"request_id", httpx.GetRequestID(r.Context()),
				"error", err,
			)
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
				"Failed to validate token", nil)
			return
		}
		if !validation.IsValid {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized",
				"Invalid or expired token", nil)
			return
		}

		ctx := authctx.WithPrincipal(r.Context(), principalOf(validation))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional validates a Bearer token when one is present, but lets anonymous
// requests through. Invalid tokens are treated as anonymous rather than
// rejected, so public endpoints stay public.
func (a *Auth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plain := extractBearerToken(r)
		if plain == "" {
			next.ServeHTTP(w, r)
			return
		}

		validation, err := a.service.Validate(r.Context(), plain)
		if err != nil || !validation.IsValid {
			next.ServeHTTP(w, r)
			return
		}

		ctx := authctx.WithPrincipal(r.Context(), principalOf(validation))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope returns middleware that checks whether the authenticated
// token carries the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := authctx.PrincipalFrom(r.Context())
			if !ok || !p.HasScope(scope) {
				httpx.WriteError(w, http.StatusForbidden, "forbidden",
					"Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalOf(v Validation) authctx.Principal {
	return authctx.Principal{
		TokenID: v.Token.ID,
		User: authctx.User{
			ID:       v.User.ID,
			TenantID: v.User.TenantID,
		},
		Scopes: v.Token.Scopes,
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

/***************
 * Rate limiting
 ***************/

const defaultRequestsPerMinute = 60

// RateLimit provides per-token rate limiting via Redis.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

// NewRateLimit creates rate-limiting middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

// Limit applies rate limiting keyed on the authenticated token.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := authctx.PrincipalFrom(r.Context())
		if !ok {
			// No principal means auth middleware didn't run; pass through
			next.ServeHTTP(w, r)
			return
		}

		key := cache.RateLimitKey(p.TokenID)
		count, err := rl.cache.IncrWithExpiry(r.Context(), key, 60*time.Second)
		if err != nil {
			// On Redis error, allow the request (fail open)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}
		resetTime := time.Now().Add(60 * time.Second).Unix()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", "60")
			httpx.WriteError(w, http.StatusTooManyRequests,
				"rate_limit_exceeded", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

/***************
 * Usage logging
 ***************/

// UsageLogger records a usage event for every authenticated request.
type UsageLogger struct {
	usage  UsageService
	logger *slog.Logger
}

// NewUsageLogger creates usage-recording middleware.
func NewUsageLogger(usage UsageService, logger *slog.Logger) *UsageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLogger{usage: usage, logger: logger}
}

// Record logs one usage record per authenticated request, off the response
// path. Anonymous requests are not recorded.
func (ul *UsageLogger) Record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := authctx.PrincipalFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start).Milliseconds()

		entry := UsageEntry{
			TokenID:          p.TokenID,
			Endpoint:         r.URL.Path,
			Method:           r.Method,
			ResponseStatus:   wrapped.statusCode,
			ProcessingTimeMs: &elapsed,
		}
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			entry.IPAddress = &host
		}
		if ua := r.UserAgent(); ua != "" {
			entry.UserAgent = &ua
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := ul.usage.Log(ctx, entry); err != nil {
				ul.logger.Warn("failed to record token usage",
					"token_id", p.TokenID.String(),
					"error", err,
				)
			}
		}()
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.statusCode = code
	sw.ResponseWriter.WriteHeader(code)
}
