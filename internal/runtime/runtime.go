// Package runtime drives the worker main loop: bootstrap, claim,
// compute, publish-then-ack, stale reclaim, and idle exit. Grounded on
// the teacher's internal/usecase orchestration plus internal/pool's
// goroutine loop, collapsed to the single logical task loop spec'd for
// this system — parallelism comes from running many worker processes,
// not from a pool inside one.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ttg-compute/worker/internal/config"
	"github.com/ttg-compute/worker/internal/domain"
	"github.com/ttg-compute/worker/internal/kernel"
	"github.com/ttg-compute/worker/internal/metrics"
	"github.com/ttg-compute/worker/internal/queue"
)

// Status values reported in the final summary line.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusError       = "error"
)

// Summary is the configuration snapshot merged with runtime counters
// that every worker prints as a single JSON line before exit (spec §6).
type Summary struct {
	WorkerID          int     `json:"worker_id"`
	Backend           string  `json:"backend"`
	TotalParameters   int     `json:"total_parameters"`
	ChunkSize         int     `json:"chunk_size"`
	IdleTimeout       float64 `json:"idle_timeout_seconds"`
	SimulateWorkMs    int     `json:"simulate_work_ms"`
	SimulateFaultRate float64 `json:"simulate_fault_rate"`
	StaleThreshold    float64 `json:"stale_threshold_ms"`
	StaleCheckInterval float64 `json:"stale_check_interval_seconds"`
	MaxRetries        int     `json:"max_retries,omitempty"`
	RetryDelay        float64 `json:"retry_delay_ms,omitempty"`

	ChunksProcessed  int     `json:"chunks_processed"`
	ParamsProcessed  int     `json:"params_processed"`
	DurationSeconds  float64 `json:"duration_seconds"`
	ParamsPerSecond  float64 `json:"params_per_second"`
	Status           string  `json:"status"`
	Error            string  `json:"error,omitempty"`
}

const blockTimeout = 5 * time.Second

// Runtime owns one backend session and runs the single logical task
// loop spec'd for this system.
type Runtime struct {
	cfg        *config.Config
	backend    queue.Backend
	logger     *zap.Logger
	workerName string
	rng        *rand.Rand
}

// New builds a Runtime bound to a connected-or-connectable backend.
func New(cfg *config.Config, backend queue.Backend, logger *zap.Logger) *Runtime {
	// The consumer name carries a random instance suffix (spec.md's
	// consumer_name is otherwise just "worker-<id>") so a restarted
	// process never collides with a still-draining prior instance of
	// the same worker_id inside the streams backend's pending entry
	// list.
	instanceID := uuid.New().String()[:8]

	return &Runtime{
		cfg:        cfg,
		backend:    backend,
		logger:     logger,
		workerName: fmt.Sprintf("worker-%d-%s", cfg.WorkerID, instanceID),
		rng:        rand.New(rand.NewSource(int64(cfg.WorkerID)+time.Now().UnixNano())),
	}
}

// Bootstrap connects the backend and resolves the seed race: every
// worker attempts a conditional Seed; the one that observes an empty
// task container wins, the rest proceed as plain consumers. This is
// the stricter of the two seed-coordination models spec.md's Design
// Notes discusses — preferred because worker_id==0 is not guaranteed
// to be the first process to reach this line.
func (r *Runtime) Bootstrap(ctx context.Context) error {
	if err := r.backend.Connect(ctx); err != nil {
		return fmt.Errorf("bootstrap: connect: %w", err)
	}

	if !r.cfg.UseQueue {
		return nil
	}

	inserted, err := r.backend.Seed(ctx, r.cfg.Job.TotalParameters, r.cfg.Job.ChunkSize, false)
	if err != nil && !errors.Is(err, queue.ErrConflict) {
		return fmt.Errorf("bootstrap: seed: %w", err)
	}

	if inserted > 0 {
		r.logger.Info("seeded task container",
			zap.Int("chunks", inserted), zap.Int("total_parameters", r.cfg.Job.TotalParameters))
		return nil
	}

	count, err := r.backend.TaskCount(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: task count: %w", err)
	}
	if count == 0 {
		r.logger.Debug("no tasks visible yet, waiting for seeder")
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Run executes the main loop until ctx is cancelled (shutdown signal)
// or the idle budget is exhausted, then returns the final summary.
func (r *Runtime) Run(ctx context.Context) Summary {
	start := time.Now()
	metrics.WorkerUp.Set(1)
	defer metrics.WorkerUp.Set(0)

	summary := r.baseSummary()

	emptyReads := 0
	maxEmptyReads := 1
	if blockTimeout > 0 {
		maxEmptyReads = int(r.cfg.Queue.IdleTimeout / blockTimeout)
		if maxEmptyReads < 1 {
			maxEmptyReads = 1
		}
	}

	lastStaleCheck := time.Now()

	for {
		if ctx.Err() != nil {
			summary.Status = StatusInterrupted
			break
		}

		if time.Since(lastStaleCheck) >= r.cfg.Queue.StaleCheckInterval {
			lastStaleCheck = time.Now()
			n := r.reclaimAndProcess(ctx, &summary)
			if n > 0 {
				emptyReads = 0
			}
		}

		claimed, err := r.backend.Claim(ctx, r.workerName, blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				summary.Status = StatusInterrupted
				break
			}
			r.logger.Error("claim failed", zap.Error(err))
			metrics.BackendErrorsTotal.WithLabelValues(errorKind(err)).Inc()
			summary.Status = StatusError
			summary.Error = err.Error()
			break
		}

		if claimed == nil {
			emptyReads++
			if emptyReads >= maxEmptyReads {
				n := r.reclaimAndProcess(ctx, &summary)
				if n > 0 {
					emptyReads = 0
					continue
				}
				summary.Status = StatusCompleted
				break
			}
			continue
		}

		metrics.ClaimsTotal.WithLabelValues("live").Inc()
		emptyReads = 0
		r.process(ctx, claimed, &summary)
	}

	summary.DurationSeconds = time.Since(start).Seconds()
	if summary.DurationSeconds > 0 {
		summary.ParamsPerSecond = float64(summary.ParamsProcessed) / summary.DurationSeconds
	}
	if summary.Status == "" {
		summary.Status = StatusCompleted
	}
	return summary
}

func (r *Runtime) baseSummary() Summary {
	return Summary{
		WorkerID:           r.cfg.WorkerID,
		Backend:            r.cfg.Queue.Backend,
		TotalParameters:    r.cfg.Job.TotalParameters,
		ChunkSize:          r.cfg.Job.ChunkSize,
		IdleTimeout:        r.cfg.Queue.IdleTimeout.Seconds(),
		SimulateWorkMs:     r.cfg.Job.SimulateWorkMs,
		SimulateFaultRate:  r.cfg.Job.SimulateFaultRate,
		StaleThreshold:     float64(r.cfg.Queue.StaleThreshold.Milliseconds()),
		StaleCheckInterval: r.cfg.Queue.StaleCheckInterval.Seconds(),
		MaxRetries:         r.cfg.Retry.MaxRetries,
		RetryDelay:         float64(r.cfg.Retry.RetryDelay.Milliseconds()),
	}
}

func (r *Runtime) reclaimAndProcess(ctx context.Context, summary *Summary) int {
	reclaimed, err := r.backend.ReclaimStale(ctx, r.workerName, r.cfg.Queue.StaleThreshold, 5)
	if err != nil {
		r.logger.Warn("reclaim stale failed", zap.Error(err))
		return 0
	}
	for _, claimed := range reclaimed {
		r.logger.Info("reclaimed stale chunk",
			zap.String("chunk_id", claimed.Chunk.Chunk.ChunkID),
			zap.String("previous_consumer", claimed.Chunk.PreviousConsumer))
		metrics.ClaimsTotal.WithLabelValues("reclaim").Inc()
		metrics.ReclaimsTotal.Inc()
		r.process(ctx, claimed, summary)
	}
	return len(reclaimed)
}

// process runs the compute kernel over one claimed chunk's parameter
// range, honoring cooperative shutdown and fault simulation, then
// publishes and acks or nacks per spec §4.5.
func (r *Runtime) process(ctx context.Context, claimed *domain.ClaimedChunk, summary *Summary) {
	chunk := claimed.Chunk.Chunk
	chunkStart := time.Now()

	if r.cfg.Job.SimulateFaultRate > 0 && r.rng.Float64() < r.cfg.Job.SimulateFaultRate {
		reason := "simulated fault"
		r.logger.Warn("simulated fault injected", zap.String("chunk_id", chunk.ChunkID))
		if err := claimed.Nack(reason); err != nil {
			r.logger.Error("nack failed", zap.String("chunk_id", chunk.ChunkID), zap.Error(err))
		}
		metrics.ChunksProcessed.WithLabelValues(r.cfg.Queue.Backend, "failed").Inc()
		return
	}

	results := make([]domain.ParamResult, 0, chunk.ParamsCount)
	for paramID := chunk.StartParam; paramID < chunk.EndParam; paramID++ {
		if ctx.Err() != nil {
			r.logger.Info("shutdown signal observed mid-chunk, abandoning claim",
				zap.String("chunk_id", chunk.ChunkID), zap.Int("params_done", len(results)))
			return
		}
		results = append(results, kernel.Compute(paramID, r.cfg.WorkerID, r.cfg.Job.SimulateWorkMs))
	}

	agg := kernel.Aggregate(results)
	duration := time.Since(chunkStart)

	if _, err := r.backend.PublishResult(ctx, chunk.ChunkID, r.cfg.WorkerID, agg, duration); err != nil {
		r.logger.Error("publish result failed", zap.String("chunk_id", chunk.ChunkID), zap.Error(err))
		if nackErr := claimed.Nack(err.Error()); nackErr != nil {
			r.logger.Error("nack after publish failure also failed",
				zap.String("chunk_id", chunk.ChunkID), zap.Error(nackErr))
		}
		metrics.ChunksProcessed.WithLabelValues(r.cfg.Queue.Backend, "failed").Inc()
		return
	}

	if err := claimed.Ack(); err != nil {
		r.logger.Error("ack failed", zap.String("chunk_id", chunk.ChunkID), zap.Error(err))
	}

	summary.ChunksProcessed++
	summary.ParamsProcessed += len(results)
	metrics.ChunksProcessed.WithLabelValues(r.cfg.Queue.Backend, "completed").Inc()
	metrics.ChunkDuration.WithLabelValues(r.cfg.Queue.Backend).Observe(duration.Seconds())
	metrics.ParamsProcessed.Add(float64(len(results)))

	r.logger.Debug("chunk completed",
		zap.String("chunk_id", chunk.ChunkID), zap.Int("params", len(results)),
		zap.Float64("duration_seconds", duration.Seconds()))
}

// Shutdown disconnects the backend session. Safe to call after Run
// returns for any reason.
func (r *Runtime) Shutdown() error {
	return r.backend.Disconnect()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, queue.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, queue.ErrProtocol):
		return "protocol"
	case errors.Is(err, queue.ErrNotFound):
		return "not_found"
	case errors.Is(err, queue.ErrConflict):
		return "conflict"
	default:
		return "unknown"
	}
}
