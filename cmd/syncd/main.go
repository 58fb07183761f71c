package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"shelfsync/internal/api"
	"shelfsync/internal/app"
	"shelfsync/internal/config"
	"shelfsync/internal/connectivity"
	"shelfsync/internal/database"
	"shelfsync/internal/logging"
	"shelfsync/internal/metrics"
	"shelfsync/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, baseLogger, closer, err := app.LoadConfig("")
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(baseLogger, "syncd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := connectivitySource(ctx, cfg, baseLogger)
	a, err := app.New(ctx, cfg, source.Online(), baseLogger)
	if err != nil {
		return err
	}
	defer a.Close()

	startMetrics(ctx, cfg, a, logger)

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if probe, ok := source.(*connectivity.ProbeSignal); ok {
		goRun(func() { probe.Run(ctx) })
	}

	backup := database.NewBackupService(a.Store, cfg.Backup, logging.Component(baseLogger, "backup"))
	goRun(func() { backup.Start(ctx) })

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, a.Engine, a.Queue, a.Store, logging.Component(baseLogger, "api"))
		goRun(func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("admin api stopped")
			}
		})
	}

	opts := connectivity.Options{
		Interval:         cfg.Sync.Interval,
		FullSyncInterval: cfg.Sync.FullSyncInterval,
	}
	if a.Notifier != nil {
		wake, err := a.Notifier.Subscribe(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("wake channel unavailable")
		} else {
			opts.Wake = wake
		}
	}

	monitor := connectivity.NewMonitor(source, a.Engine, opts, logging.Component(baseLogger, "monitor"))
	goRun(func() { monitor.Run(ctx) })

	logger.Info().
		Str("store", cfg.Store.Path).
		Int("entities", len(cfg.Entities)).
		Bool("api", cfg.API.Enabled).
		Bool("redis", a.Redis != nil).
		Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	logger.Info().Msg("sync daemon stopped")
	return nil
}

func connectivitySource(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) connectivity.Signal {
	source := app.NewSignal(cfg, logger)
	if probe, ok := source.(*connectivity.ProbeSignal); ok {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Connectivity.ProbeTimeout)
		defer cancel()
		probe.Probe(probeCtx)
	}
	return source
}

func startMetrics(ctx context.Context, cfg *config.Config, a *app.App, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	metrics.Subscribe(a.Events)
	a.Engine.OnStatusChange(func(st models.SyncStatus) { metrics.ObserveStatus(st) })

	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
