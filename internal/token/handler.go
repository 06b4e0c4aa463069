package token

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/formloom/platform/internal/errx"
	"github.com/formloom/platform/internal/httpx"
	"github.com/formloom/platform/internal/token/authctx"
)

// HTTPCreateTokenRequest represents the JSON request body for issuing a token.
type HTTPCreateTokenRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HTTPUpdateTokenRequest represents the JSON request body for updating token
// metadata. Absent fields are left unchanged.
type HTTPUpdateTokenRequest struct {
	Name     *string  `json:"name,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
}

// TokenResponse represents the JSON shape of a token. The secret hash is
// never serialized; Plain is set only on the creation response.
type TokenResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Plain      string     `json:"token,omitempty"`
}

// UsageRecordResponse represents one usage record.
type UsageRecordResponse struct {
	ID               string    `json:"id"`
	Endpoint         string    `json:"endpoint"`
	Method           string    `json:"method"`
	ResponseStatus   int       `json:"response_status"`
	ProcessingTimeMs *int64    `json:"processing_time_ms,omitempty"`
	IPAddress        *string   `json:"ip_address,omitempty"`
	UserAgent        *string   `json:"user_agent,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Handler provides HTTP handlers for token management and usage analytics.
type Handler struct {
	service Service
	usage   UsageService
	logger  *slog.Logger
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Service Service
	Usage   UsageService
	Logger  *slog.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		service: cfg.Service,
		usage:   cfg.Usage,
		logger:  logger,
	}
}

// CreateToken handles POST requests to issue a new token. The response body
// is the only place the plaintext secret ever appears.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := authctx.PrincipalFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	logger := h.logger.With(
		"request_id", httpx.GetRequestID(ctx),
		"method", r.Method,
		"path", r.URL.Path,
	)

	req, err := httpx.DecodeJSON[HTTPCreateTokenRequest](r)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	created, err := h.service.Create(ctx, p.User.ID, CreateRequest{
		Name:      req.Name,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
	}, p.User.TenantID)
	if err != nil {
		h.handleServiceError(ctx, w, err, "create token")
		return
	}

	resp := tokenResponse(created.Token)
	resp.Plain = created.Plain

	logger.InfoContext(ctx, "token created",
		"token_id", created.Token.ID.String(),
		"name", created.Token.Name,
	)

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

// ListTokens handles GET requests for the caller's tokens.
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := authctx.PrincipalFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	tokens, err := h.service.List(ctx, p.User.ID, p.User.TenantID)
	if err != nil {
		h.handleServiceError(ctx, w, err, "list tokens")
		return
	}

	resp := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, tokenResponse(t))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// UpdateToken handles PATCH requests for token metadata.
func (h *Handler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := authctx.PrincipalFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	tokenID, ok := h.tokenIDParam(w, r)
	if !ok {
		return
	}

	req, err := httpx.DecodeJSON[HTTPUpdateTokenRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	updated, err := h.service.Update(ctx, tokenID, p.User.ID, UpdateRequest{
		Name:     req.Name,
		Scopes:   req.Scopes,
		IsActive: req.IsActive,
	}, p.User.TenantID)
	if err != nil {
		h.handleServiceError(ctx, w, err, "update token")
		return
	}
	if updated == nil {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "token not found", nil)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, tokenResponse(*updated))
}

// DeleteToken handles DELETE requests for a token the caller owns.
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := authctx.PrincipalFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	tokenID, ok := h.tokenIDParam(w, r)
	if !ok {
		return
	}

	deleted, err := h.service.Delete(ctx, tokenID, p.User.ID, p.User.TenantID)
	if err != nil {
		h.handleServiceError(ctx, w, err, "delete token")
		return
	}
	if !deleted {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "token not found", nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetUsage handles GET requests for a token's usage history.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := authctx.PrincipalFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	tokenID, ok := h.tokenIDParam(w, r)
	if !ok {
		return
	}

	filter, err := usageFilterFromQuery(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	records, total, err := h.usage.Get(ctx, tokenID, p.User.ID, p.User.TenantID, filter)
	if err != nil {
		h.handleServiceError(ctx, w, err, "get usage")
		return
	}

	items := make([]UsageRecordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, usageRecordResponse(rec))
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// GetUsageStats handles GET requests for aggregated usage statistics.
func (h *Handler) GetUsageStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := authctx.PrincipalFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	tokenID, ok := h.tokenIDParam(w, r)
	if !ok {
		return
	}

	from, to, err := timeRangeFromQuery(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	stats, err := h.usage.Stats(ctx, tokenID, p.User.ID, p.User.TenantID, from, to)
	if err != nil {
		h.handleServiceError(ctx, w, err, "get usage stats")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"total_requests":         stats.TotalRequests,
		"success_count":          stats.SuccessCount,
		"failure_count":          stats.FailureCount,
		"avg_processing_time_ms": stats.AvgProcessingTimeMs,
	})
}

// GetUsageTimeSeries handles GET requests for bucketed usage counts.
func (h *Handler) GetUsageTimeSeries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := authctx.PrincipalFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	tokenID, ok := h.tokenIDParam(w, r)
	if !ok {
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = PeriodDay
	}

	from, to, err := timeRangeFromQuery(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	buckets, err := h.usage.TimeSeries(ctx, tokenID, p.User.ID, p.User.TenantID, period, from, to)
	if err != nil {
		h.handleServiceError(ctx, w, err, "get usage time series")
		return
	}

	type bucketResponse struct {
		Bucket       time.Time `json:"bucket"`
		Count        int64     `json:"count"`
		SuccessCount int64     `json:"success_count"`
		FailureCount int64     `json:"failure_count"`
	}
	resp := make([]bucketResponse, 0, len(buckets))
	for _, b := range buckets {
		resp = append(resp, bucketResponse(b))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// GetUsageSummary handles GET requests for the caller's cross-token rollup.
func (h *Handler) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := authctx.PrincipalFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	summary, err := h.usage.UserSummary(ctx, p.User.ID, p.User.TenantID)
	if err != nil {
		h.handleServiceError(ctx, w, err, "get usage summary")
		return
	}

	resp := map[string]any{
		"total_tokens":           summary.TotalTokens,
		"total_requests":         summary.TotalRequests,
		"avg_processing_time_ms": summary.AvgProcessingTimeMs,
	}
	if summary.MostUsedTokenID != nil {
		resp["most_used_token"] = map[string]any{
			"id":   summary.MostUsedTokenID.String(),
			"name": summary.MostUsedTokenName,
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// handleServiceError maps service error kinds to HTTP responses.
func (h *Handler) handleServiceError(ctx context.Context, w http.ResponseWriter, err error, action string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	switch kind {
	case errx.Invalid:
		h.logger.WarnContext(ctx, "invalid token request", logAttrs...)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)

	case errx.Conflict:
		h.logger.WarnContext(ctx, "token name conflict", logAttrs...)
		httpx.WriteError(w, http.StatusConflict, "conflict",
			"A token with this name already exists", nil)

	case errx.Forbidden:
		h.logger.WarnContext(ctx, "forbidden token request", logAttrs...)
		httpx.WriteError(w, http.StatusForbidden, "forbidden", err.Error(), nil)

	case errx.NotFound:
		h.logger.WarnContext(ctx, "token not found", logAttrs...)
		httpx.WriteError(w, http.StatusNotFound, "not_found", "token not found", nil)

	default:
		h.logger.ErrorContext(ctx, "failed to "+action, logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Unable to "+action+" at this time", nil)
	}
}

func (h *Handler) tokenIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid token id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func tokenResponse(t Token) TokenResponse {
	return TokenResponse{
		ID:         t.ID.String(),
		Name:       t.Name,
		Scopes:     t.Scopes,
		IsActive:   t.IsActive,
		ExpiresAt:  t.ExpiresAt,
		LastUsedAt: t.LastUsedAt,
		CreatedAt:  t.CreatedAt,
	}
}

func usageRecordResponse(rec UsageRecord) UsageRecordResponse {
	return UsageRecordResponse{
		ID:               rec.ID.String(),
		Endpoint:         rec.Endpoint,
		Method:           rec.Method,
		ResponseStatus:   rec.ResponseStatus,
		ProcessingTimeMs: rec.ProcessingTimeMs,
		IPAddress:        rec.IPAddress,
		UserAgent:        rec.UserAgent,
		CreatedAt:        rec.CreatedAt,
	}
}

func usageFilterFromQuery(r *http.Request) (UsageFilter, error) {
	q := r.URL.Query()
	filter := UsageFilter{
		EndpointContains: q.Get("endpoint"),
		Method:           q.Get("method"),
		Page:             1,
		Limit:            50,
	}

	from, to, err := timeRangeFromQuery(r)
	if err != nil {
		return UsageFilter{}, err
	}
	filter.From = from
	filter.To = to

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return UsageFilter{}, errx.E("token.handler.usageFilterFromQuery",
					errx.Invalid, err)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			page = 1
		}
		filter.Page = page
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			limit = 50
		}
		if limit > 200 {
			limit = 200
		}
		filter.Limit = limit
	}

	return filter, nil
}

func timeRangeFromQuery(r *http.Request) (*time.Time, *time.Time, error) {
	q := r.URL.Query()

	var from, to *time.Time
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, errx.E("token.handler.timeRangeFromQuery", errx.Invalid, err)
		}
		from = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, errx.E("token.handler.timeRangeFromQuery", errx.Invalid, err)
		}
		to = &t
	}
	return from, to, nil
}
