// Package domain holds the wire-level data model shared by every queue
// backend and the worker runtime: chunks, in-flight claims, and result
// records.
package domain

import "time"

// ChunkStatus is the lifecycle state of a chunk as seen by the backend.
type ChunkStatus string

const (
	ChunkPending      ChunkStatus = "pending"
	ChunkDeadLettered ChunkStatus = "dead_lettered"
)

// Chunk is a contiguous half-open interval of parameter indices: the unit
// of distribution. For a given batch, chunks partition [0, TotalParams)
// without gap or overlap.
type Chunk struct {
	ChunkID      string      `json:"chunk_id"`
	StartParam   int         `json:"start_param"`
	EndParam     int         `json:"end_param"`
	ParamsCount  int         `json:"params_count"`
	TotalParams  int         `json:"total_params"`
	TotalChunks  int         `json:"total_chunks"`
	CreatedAt    time.Time   `json:"created_at"`
	Status       ChunkStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	LastError    string      `json:"last_error,omitempty"`
	FailedAt     *time.Time  `json:"failed_at,omitempty"`
}

// Claim pairs a chunk with the consumer currently holding it and an
// opaque, backend-specific delivery handle used to ack or nack.
type Claim struct {
	Chunk        Chunk
	ConsumerName string
	ClaimedAt    time.Time
	Handle       string

	// Reclaimed is true when this claim was obtained via ReclaimStale
	// rather than Claim.
	Reclaimed        bool
	PreviousConsumer string
}

// ResultData is the aggregate over a chunk's per-parameter results.
type ResultData struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Result is a single append-only result record published after a chunk
// completes successfully.
type Result struct {
	ChunkID         string     `json:"chunk_id"`
	WorkerID        int        `json:"worker_id"`
	Status          string     `json:"status"`
	DurationSeconds float64    `json:"duration_seconds"`
	CompletedAt     time.Time  `json:"completed_at"`
	ResultData      ResultData `json:"result_data"`
}

// ParamResult is what the compute kernel returns for a single parameter.
type ParamResult struct {
	ParamID   int
	Result    float64
	Digest    string
	WorkerID  int
	Timestamp time.Time
}

// Stats reports the current best-effort state of a queue backend.
type Stats struct {
	TasksTotal      int
	TasksPending    int
	ResultsCount    int
	RetryCount      int
	DeadLetterCount int
	Consumers       []string
}
