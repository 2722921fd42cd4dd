// Maestro orchestrator server. Hosts the internal intake API, runs the
// queue workers, and streams AI sessions end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/heymates/maestro/pkg/api"
	"github.com/heymates/maestro/pkg/billing"
	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/crypto"
	"github.com/heymates/maestro/pkg/directus"
	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/events"
	"github.com/heymates/maestro/pkg/llm"
	"github.com/heymates/maestro/pkg/queue"
	"github.com/heymates/maestro/pkg/session"
	"github.com/heymates/maestro/pkg/session/loop"
	"github.com/heymates/maestro/pkg/skills"
	"github.com/heymates/maestro/pkg/storage"
	"github.com/heymates/maestro/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(settings *config.Settings) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(settings.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(settings.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}
	if err := settings.Validate(); err != nil {
		slog.Error("Invalid settings", "error", err)
		os.Exit(1)
	}

	logger := newLogger(settings)
	slog.SetDefault(logger)

	podID := resolvePodID()
	logger.Info("Starting maestro",
		"version", version.Full(),
		"pod_id", podID,
		"api_port", settings.APIPort)

	ctx := context.Background()

	// 1. Load app and model registries
	cfg, err := config.Initialize(ctx, settings.AppsDir, settings.ModelsFile)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Configuration loaded",
		"apps", cfg.Apps.Len(),
		"models", cfg.Models.Len())

	// 2. Connect Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     settings.RedisAddr,
		Password: settings.RedisPassword,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("Error closing Redis client", "error", err)
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Error("Failed to connect to Redis", "addr", settings.RedisAddr, "error", err)
		os.Exit(1)
	}
	pingCancel()
	logger.Info("Connected to Redis", "addr", settings.RedisAddr)

	// 3. One-time startup orphan cleanup for this pod's previous life
	q := queue.NewQueue(rdb, logger)
	if err := queue.CleanupStartupOrphans(ctx, q, podID, logger); err != nil {
		logger.Error("Failed to cleanup startup orphans", "error", err)
		// Non-fatal, continue
	}

	// 4. Shared services
	cacheSvc := cache.NewService(rdb)
	publisher := events.NewPublisher(rdb)

	cryptoSvc, err := crypto.NewAESService(settings.MasterEncryptionKey)
	if err != nil {
		logger.Error("Failed to initialize encryption", "error", err)
		os.Exit(1)
	}

	store := directus.NewClient(settings, cacheSvc, logger)

	embedOpts := []embeds.Option{}
	if settings.S3Bucket != "" {
		s3Svc, err := storage.NewS3Service(ctx, settings, logger)
		if err != nil {
			logger.Error("Failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		embedOpts = append(embedOpts, embeds.WithFileSigner(s3Svc))
	} else {
		logger.Info("S3 storage not configured; image embed files disabled")
	}
	embedsSvc := embeds.NewService(cacheSvc, cryptoSvc, publisher, logger, embedOpts...)

	// 5. LLM provider clients
	var clients []llm.Client
	if settings.OpenAIAPIKey != "" {
		clients = append(clients, llm.NewOpenAIClient(settings.OpenAIAPIKey))
	}
	if settings.AnthropicAPIKey != "" {
		clients = append(clients, llm.NewAnthropicClient(settings.AnthropicAPIKey))
	}
	registry := llm.NewRegistry(clients...)
	logger.Info("LLM clients initialized", "providers", len(clients))

	// 6. Session pipeline
	dispatcher := skills.NewDispatcher(settings, cacheSvc, logger)
	billingDriver := billing.NewDriver(settings, cfg, logger)

	sessionLoop := loop.New(loop.Deps{
		Registry:          registry,
		Dispatcher:        dispatcher,
		Embeds:            embedsSvc,
		Billing:           billingDriver,
		Cache:             cacheSvc,
		Publisher:         publisher,
		Scheduler:         q,
		Apps:              cfg.Apps,
		Logger:            logger,
		FocusConfirmDelay: settings.FocusConfirmDelay,
	})

	runner := session.NewRunner(session.Deps{
		Settings:  settings,
		Config:    cfg,
		Loop:      sessionLoop,
		Registry:  registry,
		Embeds:    embedsSvc,
		Billing:   billingDriver,
		Cache:     cacheSvc,
		Crypto:    cryptoSvc,
		Publisher: publisher,
		Directus:  store,
		Scheduler: q,
		Logger:    logger,
	})

	// 7. Worker pool
	queueCfg := config.DefaultQueueConfig()
	queueCfg.WorkerCount = settings.WorkerCount

	executor := queue.NewExecutor(runner, store, cacheSvc, embedsSvc, q, logger)
	workerPool := queue.NewWorkerPool(podID, q, queueCfg, executor, logger)
	if err := workerPool.Start(ctx); err != nil {
		logger.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 8. Internal HTTP API (non-blocking)
	gin.SetMode(gin.ReleaseMode)
	httpServer := api.NewServer(settings, q, workerPool, cacheSvc, embedsSvc, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", settings.APIPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("Maestro started",
		"pod_id", podID,
		"workers", queueCfg.WorkerCount)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain workers first, then stop the API
	drainCtx, drainCancel := context.WithTimeout(ctx, queueCfg.GracefulShutdownTimeout)
	defer drainCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker pool stopped gracefully")
	case <-drainCtx.Done():
		logger.Warn("Shutdown timeout exceeded; unfinished tasks will be orphan-recovered")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
