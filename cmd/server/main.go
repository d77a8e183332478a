package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/clinimatch-server/internal/api"
	"github.com/clinimatch-server/internal/cache"
	"github.com/clinimatch-server/internal/config"
	"github.com/clinimatch-server/internal/database"
	"github.com/clinimatch-server/internal/domain"
	"github.com/clinimatch-server/internal/matcher"
	"github.com/clinimatch-server/pkg/external"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres pool and migrations, only for the postgres cache backend
	var db *database.DB
	if cfg.Cache.Backend == "postgres" {
		runner, err := database.NewMigrationRunner(
			configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
		if err != nil {
			logger.Fatalf("Failed to create migration runner: %v", err)
		}
		if err := runner.Up(ctx); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
		runner.Close()

		db, err = database.NewConnection(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
	}

	// Result cache
	store, err := cache.New(ctx, cfg.Cache, poolOf(db), logger)
	if err != nil {
		logger.Fatalf("Failed to create cache store: %v", err)
	}
	defer store.Close()

	// Periodic removal of expired rows for the database-backed stores
	if sw, ok := store.(sweeper); ok {
		go runSweeper(ctx, sw, logger)
	}

	// External clients
	registry := external.NewRegistryClient(external.RegistryClientConfig{
		BaseURL:    cfg.Registry.BaseURL,
		Timeout:    cfg.Registry.Timeout,
		RateLimit:  cfg.Registry.RateLimit,
		RetryCount: cfg.Registry.RetryCount,
		RetryDelay: cfg.Registry.RetryDelay,
	})
	resilientRegistry := external.NewResilientRegistry(registry, logger)

	translator := external.NewTranslationClient(external.TranslationClientConfig{
		BaseURL:    cfg.Translation.BaseURL,
		APIKey:     cfg.Translation.APIKey,
		Model:      cfg.Translation.Model,
		Timeout:    cfg.Translation.Timeout,
		RateLimit:  cfg.Translation.RateLimit,
		RetryCount: cfg.Translation.RetryCount,
		RetryDelay: cfg.Translation.RetryDelay,
		Workers:    cfg.Matching.TranslationWorkers,
	}, logger)

	geocoder, err := external.NewGeocodingClient(external.GeocodingClientConfig{
		BaseURL:       cfg.Geocoding.BaseURL,
		UserAgent:     cfg.Geocoding.UserAgent,
		Timeout:       cfg.Geocoding.Timeout,
		RateLimit:     cfg.Geocoding.RateLimit,
		RetryCount:    cfg.Geocoding.RetryCount,
		RetryDelay:    cfg.Geocoding.RetryDelay,
		CacheSize:     cfg.Geocoding.CacheSize,
		CacheTTL:      cfg.Geocoding.CacheTTL,
		Workers:       cfg.Geocoding.Workers,
		QuotaCooldown: cfg.Geocoding.QuotaCooldown,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to create geocoding client: %v", err)
	}

	// Matching pipeline
	orchestrator := matcher.NewOrchestrator(
		store, resilientRegistry, translator, geocoder,
		cfg.Matching, cfg.Cache.DefaultTTL, logger)

	// HTTP server
	server := api.NewServer(
		configManager, orchestrator, store,
		resilientRegistry.State, translator.BreakerState, logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"host":          cfg.Server.Host,
		"port":          cfg.Server.Port,
		"cache_backend": cfg.Cache.Backend,
	}).Info("Starting CliniMatch server")

	if err := server.Start(ctx); err != nil {
		logger.Fatalf("Server failed: %v", err)
	}

	logger.Info("Server stopped")
}

// newLogger builds the application logger from logging configuration
func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return logger
}

// sweeper is implemented by cache stores that keep expired rows around
// for stale reads and need periodic cleanup
type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// runSweeper removes expired cache rows on an hourly cadence
func runSweeper(ctx context.Context, sw sweeper, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.Sweep(ctx); err != nil {
				logger.WithError(err).Warn("Cache sweep failed")
			}
		}
	}
}

// poolOf returns the pgx pool behind db, or nil when no database is used
func poolOf(db *database.DB) *pgxpool.Pool {
	if db == nil {
		return nil
	}
	return db.Pool
}
