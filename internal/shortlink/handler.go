package shortlink

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/formloom/platform/internal/errx"
	"github.com/formloom/platform/internal/httpx"
	"github.com/formloom/platform/internal/token/authctx"
)

// HTTPCreateLinkRequest represents the JSON request body for creating a link.
type HTTPCreateLinkRequest struct {
	URL        string     `json:"url"`
	CustomName string     `json:"custom_name,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// LinkResponse represents the JSON shape of a short link.
type LinkResponse struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	OriginalURL    string     `json:"original_url"`
	ShortURL       string     `json:"short_url,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ClickCount     int64      `json:"click_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	QRCodeURL      string     `json:"qr_code_url,omitempty"`
	QRCodeDataURL  string     `json:"qr_code_data_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Handler provides HTTP handlers for the short link service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Service Service
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
		logger:  logger,
	}
}

// CreateLink handles POST requests to create a new short link. Anonymous
// creation is allowed; an authenticated caller becomes the link's owner.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger := h.logger.With(
		"request_id", httpx.GetRequestID(ctx),
		"method", r.Method,
		"path", r.URL.Path,
	)

	req, err := httpx.DecodeJSON[HTTPCreateLinkRequest](r)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	if req.URL == "" {
		logger.WarnContext(ctx, "request validation failed", "error", "url is required")
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "url is required", nil)
		return
	}

	createReq := CreateRequest{
		OriginalURL: req.URL,
		CustomCode:  req.CustomName,
		ExpiresAt:   req.ExpiresAt,
	}
	if user, ok := authctx.UserFrom(ctx); ok {
		createReq.CreatedBy = &user.ID
	}

	result, err := h.service.Create(ctx, createReq)
	if err != nil {
		h.handleCreateError(ctx, w, err)
		return
	}

	resp := linkResponse(result.Link)
	resp.ShortURL = result.ShortURL
	resp.QRCodeURL = result.QRCodeURL
	resp.QRCodeDataURL = result.QRCodeDataURL

	logger.InfoContext(ctx, "link created successfully",
		"link_id", result.Link.ID.String(),
		"code", result.Link.Code,
		"custom_name", req.CustomName != "",
	)

	httpx.WriteJSON(w, http.StatusCreated, resp)
}

// ResolveLink handles GET requests to resolve a code and redirect to the
// original URL. This increments the click count and updates tracking metadata.
func (h *Handler) ResolveLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger := h.logger.With(
		"request_id", httpx.GetRequestID(ctx),
		"method", r.Method,
		"path", r.URL.Path,
	)

	code := chi.URLParam(r, "code")
	if code == "" {
		logger.WarnContext(ctx, "missing code in path")
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "code is required", nil)
		return
	}

	link, err := h.service.Resolve(ctx, code)
	if err != nil {
		h.handleResolveError(ctx, w, err, code)
		return
	}

	logger.InfoContext(ctx, "code resolved successfully",
		"code", code,
		"original_url", link.OriginalURL,
		"user_agent", r.UserAgent(),
		"referer", r.Referer(),
	)

	http.Redirect(w, r, link.OriginalURL, http.StatusFound)
}

// ListLinks handles GET requests for the authenticated user's links.
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := authctx.UserFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	links, err := h.service.ListByUser(ctx, user.ID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list links",
			"error", err.Error(),
			"operation", errx.OpOf(err),
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Unable to list links at this time", nil)
		return
	}

	resp := make([]LinkResponse, 0, len(links))
	for _, link := range links {
		resp = append(resp, linkResponse(link))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// GetLink handles GET requests for a single link's metadata. Unlike
// ResolveLink this does not count a click or touch tracking fields.
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := chi.URLParam(r, "code")
	link, err := h.service.Get(ctx, code)
	if err != nil {
		kind := errx.KindOf(err)
		switch kind {
		case errx.NotFound:
			httpx.WriteError(w, http.StatusNotFound, "not_found",
				"short link doesn't exist", nil)
		case errx.Invalid:
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		default:
			h.logger.ErrorContext(ctx, "failed to get link",
				"error", err.Error(),
				"operation", errx.OpOf(err),
				"code", code,
			)
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
				"Unable to fetch this link at this time", nil)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, linkResponse(link))
}

// DeleteLink handles DELETE requests for a link owned by the caller.
func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := authctx.UserFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return
	}

	code := chi.URLParam(r, "code")
	deleted, err := h.service.Delete(ctx, code, user.ID)
	if err != nil {
		kind := errx.KindOf(err)
		if kind == errx.Invalid {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
			return
		}
		h.logger.ErrorContext(ctx, "failed to delete link",
			"error", err.Error(),
			"operation", errx.OpOf(err),
			"code", code,
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Unable to delete this link at this time", nil)
		return
	}
	if !deleted {
		httpx.WriteError(w, http.StatusNotFound, "not_found",
			"short link doesn't exist", nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleCreateError handles errors from the Create service method.
func (h *Handler) handleCreateError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	switch kind {
	case errx.Conflict:
		h.logger.WarnContext(ctx, "code conflict", logAttrs...)
		httpx.WriteError(w, http.StatusConflict, "conflict",
			"This name is already taken",
			map[string]string{
				"hint": "Try a different custom name or let us generate one for you",
			})

	case errx.Invalid:
		h.logger.WarnContext(ctx, "invalid link request", logAttrs...)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)

	case errx.Unavailable:
		h.logger.ErrorContext(ctx, "service unavailable", logAttrs...)
		httpx.WriteError(w, http.StatusServiceUnavailable, "unavailable",
			unwrapMessage(err), nil)

	default:
		h.logger.ErrorContext(ctx, "unexpected error creating link", logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Unable to create short link at this time. Please try again.", nil)
	}
}

// handleResolveError handles errors from the Resolve service method.
func (h *Handler) handleResolveError(ctx context.Context, w http.ResponseWriter, err error, code string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
		"code", code,
	}

	switch kind {
	case errx.NotFound:
		h.logger.WarnContext(ctx, "code not found", logAttrs...)
		httpx.WriteError(w, http.StatusNotFound, "not_found",
			"short link doesn't exist", errx.DetailsOf(err))

	case errx.Expired:
		h.logger.WarnContext(ctx, "link expired", logAttrs...)
		httpx.WriteError(w, http.StatusGone, "expired",
			"short link has expired", errx.DetailsOf(err))

	case errx.Invalid:
		h.logger.WarnContext(ctx, "invalid code", logAttrs...)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_code", err.Error(), nil)

	default:
		h.logger.ErrorContext(ctx, "unexpected error resolving link", logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Unable to resolve this link at this time", nil)
	}
}

func linkResponse(link Link) LinkResponse {
	resp := LinkResponse{
		ID:             link.ID.String(),
		Code:           link.Code,
		OriginalURL:    link.OriginalURL,
		ExpiresAt:      link.ExpiresAt,
		ClickCount:     link.ClickCount,
		LastAccessedAt: link.LastAccessedAt,
		CreatedAt:      link.CreatedAt,
	}
	if link.QRCodeURL != nil {
		resp.QRCodeURL = *link.QRCodeURL
	}
	return resp
}

// unwrapMessage returns the innermost message for user-facing unavailability
// errors (tool disabled, retry exhaustion) without the op chain.
func unwrapMessage(err error) string {
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			return inner.Error()
		}
		inner = next
	}
}
