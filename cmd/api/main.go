package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"examgate/internal/app"
	"examgate/internal/config"
	"examgate/internal/exam"
	"examgate/internal/handler"
	"examgate/internal/httpmiddleware"
	"examgate/internal/logging"
	"examgate/internal/metrics"
)

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

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("closing backends", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	svc := backends.Service(cfg, logger, m)

	// single-process mode: nothing else drains the in-memory queue.
	// config rejects a redis queue over a process-local store.
	if cfg.QueueBackend == "memory" {
		go func() {
			if err := exam.ConsumeTransitions(ctx, backends.Queue, backends.Journal, logger); err != nil {
				logger.Error("journal consumer stopped", zap.Error(err))
			}
		}()
		go app.RunSweeper(ctx, svc, cfg.SweepInterval, logger)
	}

	limiter := httpmiddleware.NewIPLimiter(cfg.RateLimitPerMin, 0)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	}()

	h := handler.New(handler.Deps{
		Service:  svc,
		Journal:  backends.Journal,
		Notifier: backends.Notifier,
		Limiter:  limiter,
		Log:      logger,
		Metrics:  m,
		Gatherer: reg,
		Health:   backends.Health,
		Settings: handler.Settings{
			JWTIssuer:     cfg.JWTIssuer,
			JWTSigningKey: cfg.JWTSigningKey,
			AccessTTL:     cfg.AccessTTL,
			RefreshTTL:    cfg.RefreshTTL,
			ProctorKey:    cfg.ProctorKey,
			WaitTimeout:   10 * time.Second,
			CORSOrigins:   cfg.CORSOrigins,
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}
