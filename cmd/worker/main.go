package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kirillkom/admissions-assistant/internal/bootstrap"
	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/observability/logging"
	"github.com/kirillkom/admissions-assistant/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	app, err := bootstrap.New(ctx, cfg, bootstrap.Observers{
		Pipeline:     workerMetrics,
		BreakerState: workerMetrics.ObserveBreakerState,
		IndexRebuild: workerMetrics.ObserveIndexRebuild,
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	status, err := app.Handbook.Initialize(ctx, false)
	if err != nil {
		slog.Warn("handbook_index_unavailable", "error", err, "retry_in", cfg.HandbookRetryInterval())
	} else {
		slog.Info("handbook_index_ready", "chunks", status.Chunks, "loaded_from", status.LoadedFrom)
	}

	slog.Info("worker_subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeApplicationSubmitted(ctx, func(handlerCtx context.Context, applicationID string) error {
		workerMetrics.StartApplication()
		defer workerMetrics.FinishApplication()

		processCtx, cancel := context.WithTimeout(handlerCtx, cfg.ProcessTimeout())
		defer cancel()

		processed, err := app.ProcessUC.ProcessByID(processCtx, applicationID)
		if err != nil {
			return err
		}
		lag := time.Since(processed.CreatedAt)
		workerMetrics.ObserveQueueLag(lag)
		slog.Debug("application_dequeued", "application_id", applicationID, "queue_lag", lag)
		return nil
	})
	if err != nil {
		slog.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}
