// Package queue defines the backend-agnostic contract that the worker
// runtime drives: connect, seed, claim, ack, nack, publish a result,
// reclaim stale claims, and report stats. Two concrete implementations
// live in the streams and broker subpackages.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ttg-compute/worker/internal/domain"
)

// Errors of the backend contract. Callers match with errors.Is;
// backends wrap these with additional context via %w. The streams and
// broker backends return ErrUnavailable and ErrProtocol; neither
// returns ErrNotFound or ErrConflict.
var (
	// ErrUnavailable means the backend session cannot be established or
	// was lost.
	ErrUnavailable = errors.New("queue: backend unavailable")

	// ErrProtocol means the backend returned a shape the worker could
	// not parse — indicates version skew.
	ErrProtocol = errors.New("queue: protocol error")

	// ErrNotFound means a container is missing where it must exist
	// after seeding.
	ErrNotFound = errors.New("queue: not found")

	// ErrConflict means a concurrent seed attempt lost the race. It is
	// benign: the caller should proceed as a non-seeder.
	ErrConflict = errors.New("queue: conflict")
)

// Backend is the capability set every queue implementation exposes. The
// worker runtime dispatches to exactly one concrete Backend, chosen once
// at startup from configuration.
type Backend interface {
	// Connect establishes a session, retrying per the backend's own
	// bounded schedule. Returns ErrUnavailable on exhaustion.
	Connect(ctx context.Context) error

	// Disconnect is idempotent and safe to call after any error.
	Disconnect() error

	// Seed inserts ceil(total_params/chunk_size) chunks one at a time;
	// on error it returns the number inserted so far. When
	// force is false and the task container already holds chunks, it
	// returns 0 without modifying state. When force is true it first
	// purges every container it owns, then inserts.
	Seed(ctx context.Context, totalParams, chunkSize int, force bool) (int, error)

	// TaskCount reports the current visible-but-unclaimed chunk count.
	// Best-effort; monotone under stable conditions.
	TaskCount(ctx context.Context) (int, error)

	// Claim blocks up to blockTimeout for a chunk to become available
	// for consumerName. Returns (nil, nil) on timeout with no work.
	Claim(ctx context.Context, consumerName string, blockTimeout time.Duration) (*domain.ClaimedChunk, error)

	// PublishResult appends a result record and returns its message
	// id.
	PublishResult(ctx context.Context, chunkID string, workerID int, data domain.ResultData, duration time.Duration) (string, error)

	// ReclaimStale transfers ownership of up to maxCount claims idle
	// longer than minIdle to consumerName. On backends whose broker
	// already redelivers on disconnect, this is a no-op.
	ReclaimStale(ctx context.Context, consumerName string, minIdle time.Duration, maxCount int) ([]*domain.ClaimedChunk, error)

	// Stats reports current container sizes.
	Stats(ctx context.Context) (domain.Stats, error)
}
