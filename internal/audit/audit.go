// Package audit mirrors terminally dead-lettered chunks into Postgres
// so an operator can query retry history with SQL instead of draining
// the broker's own dead-letter queue by hand. Grounded on the teacher's
// internal/repository/postgres job repository: a pgxpool-backed
// repository exposing one write path per domain event.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ttg-compute/worker/internal/domain"
)

// Sink records dead-lettered chunks. It satisfies broker.DeadLetterSink
// without importing the broker package, keeping the dependency arrow
// pointing from queue backends toward audit, not back.
type Sink struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed audit sink.
func New(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// Schema is the DDL that EnsureSchema applies at startup. Kept here,
// not in a migrations framework, matching the teacher's habit of
// committing schema alongside the repository that uses it.
const Schema = `
CREATE TABLE IF NOT EXISTS dead_letter_chunks (
	chunk_id      TEXT PRIMARY KEY,
	start_param   INTEGER NOT NULL,
	end_param     INTEGER NOT NULL,
	params_count  INTEGER NOT NULL,
	total_params  INTEGER NOT NULL,
	total_chunks  INTEGER NOT NULL,
	retry_count   INTEGER NOT NULL,
	last_error    TEXT,
	failed_at     TIMESTAMPTZ,
	recorded_at   TIMESTAMPTZ NOT NULL
)`

// RecordDeadLetter upserts a chunk's terminal failure state. Upsert
// rather than insert because a chunk can in principle be re-seeded and
// fail again after an operator forces a reset.
func (s *Sink) RecordDeadLetter(ctx context.Context, chunk domain.Chunk) error {
	query := `
		INSERT INTO dead_letter_chunks
			(chunk_id, start_param, end_param, params_count, total_params,
			 total_chunks, retry_count, last_error, failed_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chunk_id) DO UPDATE SET
			retry_count = EXCLUDED.retry_count,
			last_error  = EXCLUDED.last_error,
			failed_at   = EXCLUDED.failed_at,
			recorded_at = EXCLUDED.recorded_at`

	_, err := s.pool.Exec(ctx, query,
		chunk.ChunkID, chunk.StartParam, chunk.EndParam, chunk.ParamsCount,
		chunk.TotalParams, chunk.TotalChunks, chunk.RetryCount, chunk.LastError,
		chunk.FailedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: record dead letter: %w", err)
	}
	return nil
}

// EnsureSchema creates the dead letter table if absent. Called once at
// startup when the audit sink is configured.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// ListDeadLetters returns up to limit dead-lettered chunks, most
// recently recorded first, for an operator-facing inspection surface.
func (s *Sink) ListDeadLetters(ctx context.Context, limit int) ([]domain.Chunk, error) {
	query := `
		SELECT chunk_id, start_param, end_param, params_count, total_params,
		       total_chunks, retry_count, last_error, failed_at
		FROM dead_letter_chunks
		ORDER BY recorded_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list dead letters: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ChunkID, &c.StartParam, &c.EndParam, &c.ParamsCount,
			&c.TotalParams, &c.TotalChunks, &c.RetryCount, &c.LastError, &c.FailedAt); err != nil {
			return nil, fmt.Errorf("audit: scan dead letter: %w", err)
		}
		c.Status = domain.ChunkDeadLettered
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate dead letters: %w", err)
	}
	return chunks, nil
}
