package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"restoration/internal/adapter/repo"
	"restoration/internal/batch"
	"restoration/internal/domain"
	"restoration/internal/idempotency"
	"restoration/internal/infra"
	"restoration/internal/orchestrator"
	"restoration/internal/providers/genai"
	"restoration/internal/providers/restoration"
	"restoration/internal/providers/validation"
	"restoration/internal/qc"
	"restoration/internal/retryloop"
	"restoration/internal/statemachine"
	"restoration/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}
	uploader, err := storage.NewUploader(fileStore, cfg.PublicBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure uploads")
	}
	logger.Info().Str("path", fileStore.BasePath()).Msg("worker: storage ready")

	geminiAPIKey := strings.TrimSpace(cfg.GeminiAPIKey)
	httpClient := &http.Client{Timeout: 60 * time.Second}
	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:     geminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure gemini client")
	}
	if geminiAPIKey == "" {
		logger.Warn().Str("model", geminiClient.Model()).Msg("worker: gemini api key missing, using synthetic generation")
	}

	jobRepo := repo.NewJobRepository(pool)
	batchRepo := repo.NewBatchRepository(pool)
	idemRepo := repo.NewIdempotencyRepository(pool)

	machine := statemachine.New(jobRepo, logger)
	loop := retryloop.New(machine, retryloop.Config{
		MaxAttempts:      cfg.MaxQualityRetries,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		RetriesPerMinute: cfg.RetriesPerMinute,
	}, logger)
	machine.SetEntryHook(domain.StateDecided, loop.DecisionHook())

	engine, err := qc.NewEngine(qc.DefaultRules(cfg.MaxQualityRetries), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid quality rule set")
	}

	restorer := restoration.NewGeminiEngine(geminiClient)
	validator := validation.NewGeminiEngine(geminiClient)
	idem := idempotency.NewManager(idemRepo, 10*time.Minute, logger)

	processor := orchestrator.NewProcessor(
		machine,
		orchestrator.NewHTTPFetcher(httpClient),
		restorer,
		restorer,
		validator,
		engine,
		uploader,
		idem,
		logger,
	)

	processor.SetSessionStats(qc.NewSessionStats())

	manager := batch.NewManager(batchRepo, machine, processor, batch.Config{
		GlobalConcurrency: cfg.GlobalConcurrency,
		MaxBatchSize:      cfg.MaxBatchSize,
		SchedulerTick:     cfg.SchedulerTick,
		CleanupTick:       cfg.CleanupTick,
		Retention:         cfg.BatchRetention,
		JobTimeout:        cfg.JobTimeout,
	}, logger)

	go func() {
		for event := range manager.Events() {
			logger.Info().
				Str("event", string(event.Type)).
				Str("batch_id", event.BatchID).
				Str("job_id", event.JobID).
				Float64("percent", event.Progress.Percent).
				Msg("worker: batch progress")
		}
	}()

	logger.Info().
		Int("global_concurrency", cfg.GlobalConcurrency).
		Dur("scheduler_tick", cfg.SchedulerTick).
		Msg("worker: dispatch loop starting")

	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: dispatch loop failed")
	}
	logger.Info().Msg("worker: stopped")
}
