package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ttg-compute/worker/internal/audit"
	"github.com/ttg-compute/worker/internal/config"
	"github.com/ttg-compute/worker/internal/logging"
	"github.com/ttg-compute/worker/internal/queue"
	"github.com/ttg-compute/worker/internal/queue/broker"
	"github.com/ttg-compute/worker/internal/queue/streams"
	"github.com/ttg-compute/worker/internal/runtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.WorkerID, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logging.Banner("TTG Compute Worker", map[string]string{
		"worker_id":         fmt.Sprintf("%d", cfg.WorkerID),
		"queue_backend":     cfg.Queue.Backend,
		"total_parameters":  fmt.Sprintf("%d", cfg.Job.TotalParameters),
		"chunk_size":        fmt.Sprintf("%d", cfg.Job.ChunkSize),
		"idle_timeout":      cfg.Queue.IdleTimeout.String(),
	}, []string{"worker_id", "queue_backend", "total_parameters", "chunk_size", "idle_timeout"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, auditPool, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build queue backend", zap.Error(err))
	}
	if auditPool != nil {
		defer auditPool.Close()
	}

	rt := runtime.New(cfg, backend, logger)

	metricsSrv := startMetricsServer(cfg, logger, backend)

	summary := runWorker(ctx, rt, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	emitSummary(summary)

	if summary.Status == runtime.StatusError {
		os.Exit(1)
	}
	if summary.Status == runtime.StatusInterrupted {
		os.Exit(1)
	}
}

func buildBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Backend, *pgxpool.Pool, error) {
	var auditPool *pgxpool.Pool

	switch cfg.Queue.Backend {
	case "broker":
		var sink broker.DeadLetterSink
		if cfg.Database.URL != "" {
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return nil, nil, fmt.Errorf("connect audit database: %w", err)
			}
			auditSink := audit.New(pool)
			if err := auditSink.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("ensure audit schema: %w", err)
			}
			sink = auditSink
			auditPool = pool
			logger.Info("dead-letter audit sink enabled")
		}

		b := broker.New(broker.Config{
			URL:        cfg.RabbitMQ.URL,
			MaxRetries: cfg.Retry.MaxRetries,
			RetryDelay: cfg.Retry.RetryDelay,
			AuditSink:  sink,
		}, logger)
		return b, auditPool, nil

	case "streams":
		return streams.New(cfg.Redis.URL, logger), auditPool, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue_backend %q", cfg.Queue.Backend)
	}
}

func startMetricsServer(cfg *config.Config, logger *zap.Logger, backend queue.Backend) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := backend.TaskCount(pingCtx); err != nil {
			http.Error(w, "backend unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics/health server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return srv
}

func runWorker(ctx context.Context, rt *runtime.Runtime, logger *zap.Logger) runtime.Summary {
	if err := rt.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return runtime.Summary{Status: runtime.StatusError, Error: err.Error()}
	}

	summary := rt.Run(ctx)

	if err := rt.Shutdown(); err != nil {
		logger.Warn("backend disconnect error", zap.Error(err))
	}

	logger.Info("worker exiting",
		zap.String("status", summary.Status),
		zap.Int("chunks_processed", summary.ChunksProcessed),
		zap.Int("params_processed", summary.ParamsProcessed))

	return summary
}

func emitSummary(summary runtime.Summary) {
	encoded, err := json.Marshal(summary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal summary: %v\n", err)
		return
	}
	fmt.Println(string(encoded))
}
