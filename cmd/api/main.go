package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"restoration/internal/adapter/repo"
	"restoration/internal/batch"
	"restoration/internal/http/handlers"
	httpapi "restoration/internal/http/httpapi"
	"restoration/internal/infra"
	"restoration/internal/retryloop"
	"restoration/internal/statemachine"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	jobRepo := repo.NewJobRepository(dbpool)
	batchRepo := repo.NewBatchRepository(dbpool)

	machine := statemachine.New(jobRepo, logger)
	loop := retryloop.New(machine, retryloop.Config{
		MaxAttempts:      cfg.MaxQualityRetries,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		RetriesPerMinute: cfg.RetriesPerMinute,
	}, logger)

	// The API process only submits and inspects; it never ticks the
	// scheduler. The worker adopts its batches from the shared store.
	manager := batch.NewManager(batchRepo, machine, noopRunner{}, batch.Config{
		GlobalConcurrency: cfg.GlobalConcurrency,
		MaxBatchSize:      cfg.MaxBatchSize,
		SchedulerTick:     cfg.SchedulerTick,
		CleanupTick:       cfg.CleanupTick,
		Retention:         cfg.BatchRetention,
		JobTimeout:        cfg.JobTimeout,
	}, logger)

	app := handlers.NewApp(machine, manager, loop, logger)
	router := httpapi.NewRouter(app, httpapi.Options{RateLimitPerMin: cfg.RateLimitPerMin})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("api: listening")
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// noopRunner satisfies the manager's runner dependency in the API process,
// which never ticks the scheduler.
type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, jobID string) error { return nil }
