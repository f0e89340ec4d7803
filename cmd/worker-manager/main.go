package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"segmentation-workers/internal/bootstrap"
	"segmentation-workers/internal/common/camunda"
	"segmentation-workers/internal/common/config"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/common/observability"

	sc "segmentation-workers/internal/workers/analytics/segment-customers"
	ns "segmentation-workers/internal/workers/communication/notify-segments"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zapLog := logger.New("info", "console")
		zapLog.Fatal("config load failed", zap.Error(err))
	}
	if err := config.ValidateForWorkers(cfg); err != nil {
		zapLog := logger.New("info", "console")
		zapLog.Fatal("invalid worker configuration", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	log.Info("Starting worker manager", map[string]interface{}{
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
	})

	obs, err := observability.New(observability.Options{
		ServiceName:    cfg.App.Name,
		JaegerEndpoint: cfg.Observability.JaegerEndpoint,
	})
	if err != nil {
		zapLog.Fatal("observability init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zeebe, err := camunda.NewClient(ctx, cfg.Camunda, camunda.DefaultRetryConfig, log)
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	log.Info("Zeebe client connected successfully", nil)

	deps, err := bootstrap.Connect(ctx, cfg, camunda.DefaultRetryConfig, log)
	if err != nil {
		zapLog.Fatal("backend connection failed", zap.Error(err))
	}
	defer deps.Close()

	dispatcher, err := deps.Dispatcher(ctx, cfg, log)
	if err != nil {
		zapLog.Fatal("notification dispatcher init failed", zap.Error(err))
	}

	p, err := deps.Pipeline(cfg, bootstrap.PipelineOptions{
		Notifier: dispatcher,
		Tracer:   obs.Tracer(),
		Logger:   log,
	})
	if err != nil {
		zapLog.Fatal("pipeline init failed", zap.Error(err))
	}

	workers := camunda.NewWorkers(zeebe.GetClient(), log).WithRecorder(obs)

	segmentHandler, err := sc.NewHandler(sc.ConfigFromApp(cfg), p, log)
	if err != nil {
		zapLog.Fatal("failed to create segment-customers handler", zap.Error(err))
	}
	workers.Start(sc.TaskType, config.GetWorkerConfig(cfg, sc.TaskType), segmentHandler.Handle)

	notifyHandler, err := ns.NewHandler(ns.ConfigFromApp(cfg), deps.Store, dispatcher, log)
	if err != nil {
		zapLog.Fatal("failed to create notify-segments handler", zap.Error(err))
	}
	workers.Start(ns.TaskType, config.GetWorkerConfig(cfg, ns.TaskType), notifyHandler.Handle)

	log.Info("Workers registered", map[string]interface{}{"count": workers.Running()})

	// --- Health & Metrics Server ---
	srv := &http.Server{
		Addr:              cfg.Observability.MetricsAddr,
		Handler:           newMux(zeebe, deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Health/Metrics server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Health/Metrics server failed", map[string]interface{}{"error": err})
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	log.Info("Shutdown signal received, stopping workers", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	workers.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping health server", map[string]interface{}{"error": err})
	}
	if err := zeebe.Close(); err != nil {
		log.Error("Error closing Zeebe client", map[string]interface{}{"error": err})
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error("Error flushing telemetry", map[string]interface{}{"error": err})
	}

	log.Info("Worker manager stopped gracefully", nil)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func newMux(broker healthChecker, backends pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy", nil)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := errors.Join(broker.HealthCheck(ctx), backends.Ping(ctx)); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "not ready", err)
			return
		}
		writeStatus(w, http.StatusOK, "ready", nil)
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeStatus(w http.ResponseWriter, code int, status string, err error) {
	body := map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	}
	if err != nil {
		body["error"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
