package shortlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/formloom/platform/internal/codegen"
	"github.com/formloom/platform/internal/errx"
	"github.com/formloom/platform/internal/qr"
	"github.com/formloom/platform/internal/storage"
	"github.com/formloom/platform/internal/tools"
	"github.com/formloom/platform/internal/urlsafe"
)

const (
	// ToolKey identifies the URL shortener in the platform tool registry.
	ToolKey = "url-shortener"

	MinCustomCodeLength = 3
	MaxCustomCodeLength = 30

	DefaultCodeMaxRetries = 10
)

// reservedCodes cannot be claimed as custom names; they collide with route
// prefixes or look like platform surfaces.
var reservedCodes = map[string]bool{
	"admin":     true,
	"api":       true,
	"app":       true,
	"assets":    true,
	"auth":      true,
	"dashboard": true,
	"health":    true,
	"login":     true,
	"logout":    true,
	"register":  true,
	"s":         true,
	"settings":  true,
	"static":    true,
	"www":       true,
}

// CreateRequest represents the parameters for creating a new short link.
type CreateRequest struct {
	OriginalURL string
	CustomCode  string     // Optional: if empty, a code will be generated
	ExpiresAt   *time.Time // Optional: must be strictly in the future
	CreatedBy   *uuid.UUID // Optional: nil for anonymous creation
}

// CreateResult is the outcome of a successful creation. At most one of
// QRCodeURL / QRCodeDataURL is set; both empty means QR generation failed
// entirely (never fatal).
type CreateResult struct {
	Link          Link
	ShortURL      string
	QRCodeURL     string
	QRCodeDataURL string
}

// Service defines the business logic operations for short links.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (CreateResult, error)
	Resolve(ctx context.Context, code string) (Link, error)
	Get(ctx context.Context, code string) (Link, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Link, error)
	Delete(ctx context.Context, code string, userID uuid.UUID) (bool, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// service implements the Service interface.
type service struct {
	repo           Repository
	codeGenerator  codegen.Generator
	flags          tools.Flags
	store          storage.ObjectStorage
	qrEncoder      qr.Encoder
	logger         *slog.Logger
	baseURL        string
	production     bool
	codeLength     int
	codeMaxRetries int
	now            func() time.Time
}

// ServiceConfig holds configuration for the service.
type ServiceConfig struct {
	CodeGenerator  codegen.Generator
	Flags          tools.Flags
	Storage        storage.ObjectStorage
	QREncoder      qr.Encoder
	Logger         *slog.Logger
	BaseURL        string // Base URL for constructing short URLs (e.g., "https://fml.to")
	Production     bool   // enables strict host checks in the URL validator
	CodeLength     int
	CodeMaxRetries int // attempts when generating a unique code (default: 10)
}

// NewService creates a new service instance.
func NewService(repo Repository, config *ServiceConfig) Service {
	if config == nil {
		config = &ServiceConfig{}
	}

	codeGen := config.CodeGenerator
	if codeGen == nil {
		codeGen = codegen.New()
	}

	codeLength := config.CodeLength
	if codeLength < codegen.MinLength || codeLength > codegen.MaxLength {
		codeLength = codegen.DefaultLength
	}

	retries := config.CodeMaxRetries
	if retries <= 0 {
		retries = DefaultCodeMaxRetries
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	qrEncoder := config.QREncoder
	if qrEncoder == nil {
		qrEncoder = qr.New()
	}

	return &service{
		repo:           repo,
		codeGenerator:  codeGen,
		flags:          config.Flags,
		store:          config.Storage,
		qrEncoder:      qrEncoder,
		logger:         logger,
		baseURL:        strings.TrimSuffix(config.BaseURL, "/"),
		production:     config.Production,
		codeLength:     codeLength,
		codeMaxRetries: retries,
		now:            time.Now,
	}
}

// Create creates a new short link with optional custom code and expiry.
func (s *service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	const op = "shortlink.service.Create"

	if err := s.checkToolEnabled(ctx); err != nil {
		return CreateResult{}, errx.E(op, errx.KindOf(err), err)
	}

	sanitized, err := urlsafe.Check(req.OriginalURL, s.production)
	if err != nil {
		return CreateResult{}, errx.E(op, errx.Invalid, err)
	}

	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return CreateResult{}, errx.E(op, errx.Invalid,
			errors.New("expiration must be in the future"))
	}

	link := Link{
		OriginalURL: sanitized,
		ExpiresAt:   req.ExpiresAt,
		CreatedBy:   req.CreatedBy,
	}

	var created Link
	if req.CustomCode != "" {
		created, err = s.createWithCustomCode(ctx, link, req.CustomCode)
	} else {
		created, err = s.createWithGeneratedCode(ctx, link)
	}
	if err != nil {
		return CreateResult{}, errx.E(op, errx.KindOf(err), err)
	}

	result := CreateResult{
		Link:     created,
		ShortURL: fmt.Sprintf("%s/%s", s.baseURL, created.Code),
	}
	s.attachQRCode(ctx, &result)

	return result, nil
}

// createWithCustomCode validates and claims a caller-chosen code.
func (s *service) createWithCustomCode(ctx context.Context, link Link, custom string) (Link, error) {
	const op = "shortlink.service.createWithCustomCode"

	code, err := normalizeCustomCode(custom)
	if err != nil {
		return Link{}, errx.E(op, errx.Invalid, err)
	}

	exists, err := s.repo.CodeExists(ctx, code)
	if err != nil {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}
	if exists {
		return Link{}, errx.E(op, errx.Conflict,
			fmt.Errorf("custom name %q is already taken", code))
	}

	link.Code = code
	created, err := s.repo.Create(ctx, link)
	if err != nil {
		if errx.KindOf(err) == errx.Conflict {
			// Lost the race between the existence probe and the insert.
			return Link{}, errx.E(op, errx.Conflict,
				fmt.Errorf("custom name %q is already taken", code))
		}
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}
	return created, nil
}

// createWithGeneratedCode assigns a random code, retrying on collisions.
func (s *service) createWithGeneratedCode(ctx context.Context, link Link) (Link, error) {
	const op = "shortlink.service.createWithGeneratedCode"

	for range s.codeMaxRetries {
		code, err := s.codeGenerator.Generate(s.codeLength)
		if err != nil {
			return Link{}, errx.E(op, errx.Unavailable, err)
		}

		exists, err := s.repo.CodeExists(ctx, code)
		if err != nil {
			return Link{}, errx.E(op, errx.KindOf(err), err)
		}
		if exists {
			continue
		}

		link.Code = code
		created, err := s.repo.Create(ctx, link)
		if err == nil {
			return created, nil
		}

		// Retry on conflict, fail on other errors
		if errx.KindOf(err) != errx.Conflict {
			return Link{}, errx.E(op, errx.KindOf(err), err)
		}
	}

	return Link{}, errx.E(op, errx.Unavailable,
		fmt.Errorf("could not generate unique code after %d attempts", s.codeMaxRetries))
}

// checkToolEnabled refuses creation while the shortener tool is switched off.
func (s *service) checkToolEnabled(ctx context.Context) error {
	const op = "shortlink.service.checkToolEnabled"

	if s.flags == nil {
		return nil
	}
	active, err := s.flags.IsActive(ctx, ToolKey)
	if err != nil {
		return errx.E(op, errx.Unavailable, err)
	}
	if !active {
		return errx.E(op, errx.Unavailable,
			errors.New("url shortener tool is disabled"))
	}
	return nil
}

// attachQRCode generates and uploads a QR code for the short URL. Failures are
// logged and never propagated: the inline data URL is the upload fallback.
func (s *service) attachQRCode(ctx context.Context, result *CreateResult) {
	png, err := s.qrEncoder.PNG(result.ShortURL, qr.DefaultSize)
	if err != nil {
		s.logger.WarnContext(ctx, "qr generation failed",
			"code", result.Link.Code,
			"error", err,
		)
		return
	}

	if s.store != nil {
		key := qrObjectKey(result.Link.Code)
		url, err := s.store.Upload(ctx, key, "image/png", png)
		if err == nil {
			if err := s.repo.SetQRCodeURL(ctx, result.Link.ID, url); err != nil {
				s.logger.WarnContext(ctx, "qr url backfill failed",
					"code", result.Link.Code,
					"error", err,
				)
			}
			result.Link.QRCodeURL = &url
			result.QRCodeURL = url
			return
		}
		s.logger.WarnContext(ctx, "qr upload failed, falling back to data url",
			"code", result.Link.Code,
			"error", err,
		)
	}

	result.QRCodeDataURL = qr.DataURL(png)
}

// qrObjectKey is the storage key for a link's QR asset. During cleanup,
// KeyFromURL on the public URL returned by Upload recovers this same key.
func qrObjectKey(code string) string {
	return "qr/" + code + ".png"
}

// Resolve returns the link for a code, tracking the click. Expired links are
// a distinct error kind from missing ones.
func (s *service) Resolve(ctx context.Context, code string) (Link, error) {
	const op = "shortlink.service.Resolve"

	if code == "" {
		return Link{}, errx.E(op, errx.Invalid, errors.New("code cannot be empty"))
	}

	link, err := s.repo.ResolveAndTrack(ctx, code)
	if err == nil {
		return link, nil
	}
	if errx.KindOf(err) != errx.NotFound {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}

	// Zero rows: either the code does not exist or the link expired.
	stale, getErr := s.repo.GetByCode(ctx, code)
	if getErr == nil && stale.Expired(s.now()) {
		return Link{}, errx.ED(op, errx.Expired,
			fmt.Errorf("short link %q expired", code),
			map[string]any{"code": code, "expired_at": *stale.ExpiresAt})
	}

	return Link{}, errx.ED(op, errx.NotFound,
		fmt.Errorf("short link %q not found", code),
		map[string]any{"code": code})
}

func (s *service) Get(ctx context.Context, code string) (Link, error) {
	const op = "shortlink.service.Get"

	if code == "" {
		return Link{}, errx.E(op, errx.Invalid, errors.New("code cannot be empty"))
	}

	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}
	return link, nil
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID) ([]Link, error) {
	const op = "shortlink.service.ListByUser"

	links, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, errx.E(op, errx.KindOf(err), err)
	}
	return links, nil
}

// Delete removes a link owned by userID. Missing and foreign-owned links both
// report false, so callers cannot probe other users' codes.
func (s *service) Delete(ctx context.Context, code string, userID uuid.UUID) (bool, error) {
	const op = "shortlink.service.Delete"

	if code == "" {
		return false, errx.E(op, errx.Invalid, errors.New("code cannot be empty"))
	}

	deleted, err := s.repo.DeleteByOwner(ctx, code, userID)
	if err != nil {
		return false, errx.E(op, errx.KindOf(err), err)
	}
	return deleted, nil
}

// CleanupExpired removes expired links and their stored QR assets, returning
// the number of rows deleted. QR deletion failures are logged per object and
// never abort the sweep.
func (s *service) CleanupExpired(ctx context.Context) (int64, error) {
	const op = "shortlink.service.CleanupExpired"

	now := s.now()

	if s.store != nil {
		withQR, err := s.repo.ListExpiredWithQR(ctx, now)
		if err != nil {
			return 0, errx.E(op, errx.KindOf(err), err)
		}
		for _, link := range withQR {
			key, ok := s.store.KeyFromURL(*link.QRCodeURL)
			if !ok {
				continue
			}
			if err := s.store.Delete(ctx, key); err != nil {
				s.logger.WarnContext(ctx, "failed to delete qr asset",
					"code", link.Code,
					"key", key,
					"error", err,
				)
			}
		}
	}

	count, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, errx.E(op, errx.KindOf(err), err)
	}
	return count, nil
}

// normalizeCustomCode validates a caller-chosen code and folds it to lowercase.
func normalizeCustomCode(custom string) (string, error) {
	if len(custom) < MinCustomCodeLength {
		return "", fmt.Errorf("custom name too short (minimum %d characters)", MinCustomCodeLength)
	}
	if len(custom) > MaxCustomCodeLength {
		return "", fmt.Errorf("custom name too long (maximum %d characters)", MaxCustomCodeLength)
	}

	if strings.HasPrefix(custom, "-") || strings.HasSuffix(custom, "-") {
		return "", errors.New("custom name cannot start or end with a hyphen")
	}
	if strings.Contains(custom, "--") {
		return "", errors.New("custom name cannot contain consecutive hyphens")
	}

	for _, char := range custom {
		if !isValidCodeChar(char) {
			return "", errors.New("custom name contains invalid characters (only alphanumeric and hyphen allowed)")
		}
	}

	code := strings.ToLower(custom)
	if reservedCodes[code] {
		return "", fmt.Errorf("custom name %q is reserved", code)
	}
	return code, nil
}

func isValidCodeChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-':
		return true
	default:
		return false
	}
}
