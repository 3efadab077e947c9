package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"examgate/internal/app"
	"examgate/internal/config"
	"examgate/internal/exam"
	"examgate/internal/logging"
)

// Worker drains the transition queue into the journal and resumes breaks
// that ran past their configured length.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if !cfg.SharedState() {
		logger.Fatal("worker needs STORE_BACKEND postgres or redis; the API sweeps and journals process-local stores itself",
			zap.String("store", cfg.StoreBackend))
	}
	if cfg.QueueBackend == "memory" {
		logger.Warn("QUEUE_BACKEND=memory: the API drains its own queue, this worker only sweeps breaks")
	}

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("backends", zap.Error(err))
	}
	defer func() { _ = backends.Close() }()

	svc := backends.Service(cfg, logger, nil)
	go app.RunSweeper(ctx, svc, cfg.SweepInterval, logger)

	logger.Info("worker started, waiting for transitions")
	if err := exam.ConsumeTransitions(ctx, backends.Queue, backends.Journal, logger); err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}
	logger.Info("worker stopped")
}
