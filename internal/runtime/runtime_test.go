package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ttg-compute/worker/internal/config"
	"github.com/ttg-compute/worker/internal/domain"
	"github.com/ttg-compute/worker/internal/queue"
	"github.com/ttg-compute/worker/internal/runtime"
)

// fakeBackend is an in-memory queue.Backend used to drive the runtime
// loop deterministically, with overridable XxxFn fields for the calls a
// test needs to control.
type fakeBackend struct {
	mu      sync.Mutex
	chunks  []domain.Chunk
	acked   []string
	nacked  []string
	seeded  int

	ConnectFn func(ctx context.Context) error
	ClaimFn   func(ctx context.Context, consumerName string, blockTimeout time.Duration) (*domain.ClaimedChunk, error)
}

func (f *fakeBackend) Connect(ctx context.Context) error {
	if f.ConnectFn != nil {
		return f.ConnectFn(ctx)
	}
	return nil
}

func (f *fakeBackend) Disconnect() error { return nil }

func (f *fakeBackend) Seed(ctx context.Context, totalParams, chunkSize int, force bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) > 0 && !force {
		return 0, nil
	}
	n := (totalParams + chunkSize - 1) / chunkSize
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > totalParams {
			end = totalParams
		}
		f.chunks = append(f.chunks, domain.Chunk{
			ChunkID: string(rune('a' + i)), StartParam: start, EndParam: end,
			ParamsCount: end - start, TotalParams: totalParams, TotalChunks: n,
		})
	}
	f.seeded = n
	return n, nil
}

func (f *fakeBackend) TaskCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks), nil
}

func (f *fakeBackend) Claim(ctx context.Context, consumerName string, blockTimeout time.Duration) (*domain.ClaimedChunk, error) {
	if f.ClaimFn != nil {
		return f.ClaimFn(ctx, consumerName, blockTimeout)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) == 0 {
		return nil, nil
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]

	return &domain.ClaimedChunk{
		Chunk: domain.Claim{Chunk: chunk, ConsumerName: consumerName, Handle: chunk.ChunkID},
		Ack: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.acked = append(f.acked, chunk.ChunkID)
			return nil
		},
		Nack: func(reason string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.nacked = append(f.nacked, chunk.ChunkID)
			return nil
		},
	}, nil
}

func (f *fakeBackend) PublishResult(ctx context.Context, chunkID string, workerID int, data domain.ResultData, duration time.Duration) (string, error) {
	return chunkID, nil
}

func (f *fakeBackend) ReclaimStale(ctx context.Context, consumerName string, minIdle time.Duration, maxCount int) ([]*domain.ClaimedChunk, error) {
	return nil, nil
}

func (f *fakeBackend) Stats(ctx context.Context) (domain.Stats, error) {
	return domain.Stats{}, nil
}

var _ queue.Backend = (*fakeBackend)(nil)

func newTestConfig() *config.Config {
	return &config.Config{
		WorkerID: 0,
		UseQueue: true,
		Queue: config.QueueConfig{
			Backend:            "streams",
			IdleTimeout:        50 * time.Millisecond,
			StaleCheckInterval: time.Hour,
			StaleThreshold:     time.Minute,
		},
		Job: config.JobConfig{
			TotalParameters: 10,
			ChunkSize:       5,
		},
	}
}

func TestBootstrap_SeederInsertsChunks(t *testing.T) {
	backend := &fakeBackend{}
	rt := runtime.New(newTestConfig(), backend, zap.NewNop())

	if err := rt.Bootstrap(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.seeded != 2 {
		t.Errorf("expected 2 chunks seeded, got %d", backend.seeded)
	}
}

func TestBootstrap_NonZeroWorkerIDReturnsWithoutDeadlock(t *testing.T) {
	backend := &fakeBackend{}
	cfg := newTestConfig()
	cfg.WorkerID = 1

	rt := runtime.New(cfg, backend, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- rt.Bootstrap(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bootstrap did not return, possible deadlock")
	}
}

func TestBootstrap_ConnectFailure(t *testing.T) {
	backend := &fakeBackend{
		ConnectFn: func(ctx context.Context) error { return errors.New("dial refused") },
	}
	rt := runtime.New(newTestConfig(), backend, zap.NewNop())

	if err := rt.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected error when backend connect fails")
	}
}

func TestRun_ProcessesAllChunksAndExitsIdle(t *testing.T) {
	backend := &fakeBackend{}
	cfg := newTestConfig()
	rt := runtime.New(cfg, backend, zap.NewNop())

	ctx := context.Background()
	if err := rt.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	summary := rt.Run(ctx)

	if summary.Status != runtime.StatusCompleted {
		t.Errorf("expected status completed, got %q", summary.Status)
	}
	if summary.ChunksProcessed != 2 {
		t.Errorf("expected 2 chunks processed, got %d", summary.ChunksProcessed)
	}
	if summary.ParamsProcessed != 10 {
		t.Errorf("expected 10 params processed, got %d", summary.ParamsProcessed)
	}
	if len(backend.acked) != 2 {
		t.Errorf("expected 2 acks, got %d", len(backend.acked))
	}
}

func TestRun_ShutdownMidChunkAbandonsClaimWithoutAck(t *testing.T) {
	backend := &fakeBackend{}
	cfg := newTestConfig()
	cfg.Job.TotalParameters = 2
	cfg.Job.ChunkSize = 2
	cfg.Job.SimulateWorkMs = 50
	rt := runtime.New(cfg, backend, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	summary := rt.Run(ctx)

	if summary.Status != runtime.StatusInterrupted {
		t.Errorf("expected status interrupted, got %q", summary.Status)
	}
	if len(backend.acked) != 0 {
		t.Errorf("expected claim to be abandoned without ack, got %d acks", len(backend.acked))
	}
}

func TestRun_FaultSimulationAlwaysNacks(t *testing.T) {
	backend := &fakeBackend{}
	cfg := newTestConfig()
	cfg.Job.SimulateFaultRate = 1.0
	rt := runtime.New(cfg, backend, zap.NewNop())

	ctx := context.Background()
	if err := rt.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	summary := rt.Run(ctx)

	if len(backend.nacked) != 2 {
		t.Errorf("expected 2 nacks with fault_rate=1.0, got %d", len(backend.nacked))
	}
	if summary.ChunksProcessed != 0 {
		t.Errorf("expected 0 successful chunks, got %d", summary.ChunksProcessed)
	}
}
