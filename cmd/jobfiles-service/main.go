// jobfiles-service serves job input and output files to remote workers,
// gated by per-job capability tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"jobfiles/internal/api"
	"jobfiles/internal/audit"
	"jobfiles/internal/authz"
	"jobfiles/internal/config"
	"jobfiles/internal/health"
	"jobfiles/internal/jobstore"
	"jobfiles/internal/objectstore"
	"jobfiles/internal/observability"
	"jobfiles/internal/token"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// objectStore is what the service needs from either backend.
type objectStore interface {
	authz.ObjectStore
	Ready(ctx context.Context) error
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(svcCfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	jobs, err := jobstore.Open(ctx, jobstore.Config{Path: svcCfg.DatabasePath})
	if err != nil {
		return err
	}
	defer jobs.Close()

	objects, closeObjects, err := openObjectStore(svcCfg)
	if err != nil {
		return err
	}
	defer closeObjects()

	signer, err := token.NewKeyedSigner([]byte(svcCfg.TokenSecret))
	if err != nil {
		return err
	}
	codec := token.NewCodec(signer)

	checks := []health.Check{
		{Name: "jobstore", Checker: jobs},
		{Name: "objectstore", Checker: objects},
	}

	var sink audit.Sink = audit.Nop{}
	var webhook *audit.Webhook
	if svcCfg.AuditURL != "" {
		webhook, err = audit.NewWebhook(audit.LoadConfigFromEnv(svcCfg.AuditURL, svcCfg.AuditKey), metrics)
		if err != nil {
			return err
		}
		sink = webhook
		checks = append(checks, health.Check{Name: "audit", Checker: webhook, Optional: true})
		slog.Info("Audit events enabled", "url", svcCfg.AuditURL)
	}

	healthChecker := health.NewChecker(checks...)

	router := api.NewRouter(api.RouterConfig{
		Authorizer:     authz.New(codec, jobs, objects),
		Jobs:           jobs,
		Tokens:         codec,
		Metrics:        metrics,
		HealthChecker:  healthChecker,
		Audit:          sink,
		APIKey:         svcCfg.APIKey,
		MaxUploadBytes: svcCfg.MaxUploadBytes,
	})

	if svcCfg.APIKey != "" {
		slog.Info("Key minting enabled")
	} else {
		slog.Warn("Key minting disabled - no API_KEY_FILE configured")
	}

	// No write timeout: transfers of large datasets run as long as the
	// client keeps reading or sending.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "objectStore", svcCfg.ObjectStore)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Finish in-flight transfers
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Flush queued audit events
	if webhook != nil {
		slog.Info("Draining audit sink")
		auditCtx, auditCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer auditCancel()
		if err := webhook.Close(auditCtx); err != nil {
			slog.Warn("Audit sink shutdown error", "error", err)
		}
		stats := webhook.Stats()
		slog.Info("Audit stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}

// openObjectStore builds the configured backend. Datasets always live on
// disk; the docker backend keeps working directories in named volumes.
func openObjectStore(cfg *config.ServiceConfig) (objectStore, func(), error) {
	disk, err := objectstore.NewDisk(cfg.FilesDir, cfg.JobWorkDir)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ObjectStore != config.ObjectStoreDocker {
		slog.Info("Using disk object store", "files", cfg.FilesDir, "jobWork", cfg.JobWorkDir)
		return disk, func() {}, nil
	}

	docker, err := objectstore.NewDocker(disk)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Using docker object store", "files", cfg.FilesDir)
	return docker, func() { docker.Close() }, nil
}
