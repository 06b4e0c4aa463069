package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/formloom/platform/internal/cache"
	"github.com/formloom/platform/internal/config"
	"github.com/formloom/platform/internal/db"
	"github.com/formloom/platform/internal/identity"
	"github.com/formloom/platform/internal/server"
	"github.com/formloom/platform/internal/shortlink"
	"github.com/formloom/platform/internal/storage"
	"github.com/formloom/platform/internal/token"
	"github.com/formloom/platform/internal/tools"
)

// maintenanceInterval paces the background sweeps: expired-link cleanup and
// usage-record retention.
const maintenanceInterval = time.Hour

// App holds the application dependencies and configuration.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DBPool *pgxpool.Pool
	Cache  *cache.RedisCache
	Server *server.Server

	links shortlink.Service
	usage token.UsageService

	stopMaintenance context.CancelFunc
}

// New initializes and returns a new App instance with all dependencies wired up.
func New(ctx context.Context) (*App, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.App.LogLevel)

	logger.Info("starting application",
		"env", cfg.App.Environment,
		"version", cfg.Observability.ServiceVersion,
	)

	dbPool, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.RunMigrations(cfg.Database.URL(), "migrations"); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		// Redis is a look-aside optimization; degrade rather than refuse to start.
		logger.Warn("redis unreachable, continuing without cache", "error", err)
	}

	objectStore, err := storage.NewS3Storage(ctx, storage.S3Config{
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
		Endpoint:  cfg.Storage.Endpoint,
	})
	if err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to create object storage: %w", err)
	}

	// Domain services
	flags := tools.NewService(dbPool, redisCache, logger)
	users := identity.NewRepository(dbPool)

	linkRepo := shortlink.NewRepository(dbPool, nil)
	linkSvc := shortlink.NewService(linkRepo, &shortlink.ServiceConfig{
		Flags:          flags,
		Storage:        objectStore,
		Logger:         logger,
		BaseURL:        cfg.Server.BaseURL,
		Production:     cfg.App.IsProduction(),
		CodeLength:     cfg.ShortLink.CodeLength,
		CodeMaxRetries: cfg.ShortLink.MaxRetries,
	})
	linkHandler := shortlink.NewHandler(shortlink.HandlerConfig{
		Service: linkSvc,
		Logger:  logger,
	})

	tokenRepo := token.NewRepository(dbPool, nil)
	tokenSvc := token.NewService(tokenRepo, &token.ServiceConfig{
		Users:      users,
		Logger:     logger,
		BcryptCost: cfg.Token.BcryptCost,
		DefaultTTL: cfg.Token.DefaultTTL,
	})
	usageSvc := token.NewUsageService(tokenRepo, tokenRepo, &token.UsageServiceConfig{
		Logger: logger,
	})
	tokenHandler := token.NewHandler(token.HandlerConfig{
		Service: tokenSvc,
		Usage:   usageSvc,
		Logger:  logger,
	})

	srv := server.New(server.Config{
		Config:      cfg,
		Logger:      logger,
		Links:       linkHandler,
		Tokens:      tokenHandler,
		Auth:        token.NewAuth(tokenSvc, logger),
		RateLimit:   token.NewRateLimit(redisCache, 0),
		UsageLogger: token.NewUsageLogger(usageSvc, logger),
	})

	logger.Info("application initialized",
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
	)

	return &App{
		Config: cfg,
		Logger: logger,
		DBPool: dbPool,
		Cache:  redisCache,
		Server: srv,
		links:  linkSvc,
		usage:  usageSvc,
	}, nil
}

// Start starts the background maintenance loop and the server, blocking until
// shutdown.
func (a *App) Start(ctx context.Context) error {
	a.Logger.Info("server starting",
		"port", a.Config.Server.Port,
		"base_url", a.Config.Server.BaseURL,
	)

	maintenanceCtx, cancel := context.WithCancel(ctx)
	a.stopMaintenance = cancel
	go a.runMaintenance(maintenanceCtx)

	if err := a.Server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() error {
	a.Logger.Info("shutting down application")

	if a.stopMaintenance != nil {
		a.stopMaintenance()
	}

	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", "error", err)
		}
	}

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database connection closed")
	}

	return nil
}

// runMaintenance sweeps expired links and over-retention usage records until
// the context is cancelled.
func (a *App) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)

			if count, err := a.links.CleanupExpired(sweepCtx); err != nil {
				a.Logger.Error("expired link cleanup failed", "error", err)
			} else if count > 0 {
				a.Logger.Info("expired links removed", "count", count)
			}

			if count, err := a.usage.PurgeOlderThan(sweepCtx, a.Config.Token.UsageRetention); err != nil {
				a.Logger.Error("usage retention purge failed", "error", err)
			} else if count > 0 {
				a.Logger.Info("usage records purged", "count", count)
			}

			cancel()
		}
	}
}

// loadEnv loads .env file only in non-production environments.
func loadEnv() error {
	env := os.Getenv("APP_ENV")
	if env == "development" || env == "test" {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("no .env file found.")
		}
	}
	return nil
}

// setupLogger creates a structured logger based on the log level.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
