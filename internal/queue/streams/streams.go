// Package streams implements the queue.Backend contract over a Redis
// Stream with consumer-group semantics: XADD to enqueue, XREADGROUP to
// claim, XACK to confirm, and XPENDING/XCLAIM to reclaim stale claims
// from crashed peers. Grounded on original_source's queue_utils.py
// TaskQueue class.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ttg-compute/worker/internal/domain"
	"github.com/ttg-compute/worker/internal/queue"
)

const (
	taskStream    = "ttg:tasks"
	resultStream  = "ttg:results"
	consumerGroup = "ttg-workers"

	// Reconnection parameters, mirrored from the broker backend so both
	// implementations behave identically under Unavailable.
	maxReconnectDelay  = 30 * time.Second
	baseReconnectDelay = 1 * time.Second
	connectAttempts    = 3
)

// Backend is a Redis Streams implementation of queue.Backend.
type Backend struct {
	url    string
	logger *zap.Logger

	mu     sync.Mutex
	client *goredis.Client
}

var _ queue.Backend = (*Backend)(nil)

// New creates a streams backend bound to a Redis connection URL
// (redis://host:port/db).
func New(url string, logger *zap.Logger) *Backend {
	return &Backend{url: url, logger: logger}
}

// Connect establishes the Redis connection with a bounded retry
// schedule, matching TaskQueue.connect's retry/backoff shape.
func (b *Backend) Connect(ctx context.Context) error {
	opts, err := goredis.ParseURL(b.url)
	if err != nil {
		return fmt.Errorf("streams: invalid redis url: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client := goredis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			b.mu.Lock()
			b.client = client
			b.mu.Unlock()
			return nil
		}
		client.Close()
		lastErr = err
		b.logger.Warn("streams connect attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < connectAttempts {
			delay := baseReconnectDelay << (attempt - 1)
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("%w: %v", queue.ErrUnavailable, lastErr)
}

// Disconnect is idempotent.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *Backend) getClient() (*goredis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, queue.ErrUnavailable
	}
	return b.client, nil
}

// ensureGroup creates the stream (MKSTREAM) and consumer group if
// absent, tolerating "group already exists" (BUSYGROUP).
func (b *Backend) ensureGroup(ctx context.Context, c *goredis.Client, stream string) error {
	err := c.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil {
		if err.Error() != "" && isBusyGroup(err) {
			return nil
		}
		return fmt.Errorf("%w: xgroup create: %v", queue.ErrProtocol, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	const needle = "BUSYGROUP"
	s := err.Error()
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Seed inserts one stream entry per chunk, strictly increasing by
// chunk_id, matching TaskQueue.initialize_tasks. It is a conditional
// insert: when the task stream already holds entries and force is
// false, it returns 0 untouched (the stricter seed-race model from
// spec.md's Open Questions — every worker may call Seed; only the first
// to observe an empty stream proceeds).
func (b *Backend) Seed(ctx context.Context, totalParams, chunkSize int, force bool) (int, error) {
	c, err := b.getClient()
	if err != nil {
		return 0, err
	}

	if err := b.ensureGroup(ctx, c, taskStream); err != nil {
		return 0, err
	}

	length, err := c.XLen(ctx, taskStream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xlen: %v", queue.ErrProtocol, err)
	}

	if length > 0 && !force {
		return 0, nil
	}

	if force {
		if err := c.Del(ctx, taskStream).Err(); err != nil {
			return 0, fmt.Errorf("%w: del: %v", queue.ErrProtocol, err)
		}
		if err := c.Del(ctx, resultStream).Err(); err != nil {
			return 0, fmt.Errorf("%w: del: %v", queue.ErrProtocol, err)
		}
		if err := b.ensureGroup(ctx, c, taskStream); err != nil {
			return 0, err
		}
	}

	numChunks := ceilDiv(totalParams, chunkSize)
	createdAt := time.Now().UTC().Format(time.RFC3339)

	for chunkID := 0; chunkID < numChunks; chunkID++ {
		start := chunkID * chunkSize
		end := start + chunkSize
		if end > totalParams {
			end = totalParams
		}

		fields := map[string]interface{}{
			"chunk_id":     zeroPad(chunkID, 5),
			"start_param":  strconv.Itoa(start),
			"end_param":    strconv.Itoa(end),
			"params_count": strconv.Itoa(end - start),
			"total_params": strconv.Itoa(totalParams),
			"total_chunks": strconv.Itoa(numChunks),
			"created_at":   createdAt,
			"status":       string(domain.ChunkPending),
		}

		if err := c.XAdd(ctx, &goredis.XAddArgs{Stream: taskStream, Values: fields}).Err(); err != nil {
			return chunkID, fmt.Errorf("%w: xadd: %v", queue.ErrProtocol, err)
		}
	}

	return numChunks, nil
}

// TaskCount reports the stream length via XLEN. Entries stay in a
// stream after XACK, so the count covers unclaimed, in-flight and
// already acknowledged chunks alike; PEL size is reported separately
// via Stats.
func (b *Backend) TaskCount(ctx context.Context) (int, error) {
	c, err := b.getClient()
	if err != nil {
		return 0, err
	}
	n, err := c.XLen(ctx, taskStream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xlen: %v", queue.ErrProtocol, err)
	}
	return int(n), nil
}

// Claim reads the next undelivered entry for the group via XREADGROUP,
// blocking up to blockTimeout.
func (b *Backend) Claim(ctx context.Context, consumerName string, blockTimeout time.Duration) (*domain.ClaimedChunk, error) {
	c, err := b.getClient()
	if err != nil {
		return nil, err
	}

	res, err := c.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerName,
		Streams:  []string{taskStream, ">"},
		Count:    1,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: xreadgroup: %v", queue.ErrProtocol, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	chunk, err := chunkFromFields(msg.Values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrProtocol, err)
	}

	handle := msg.ID
	claim := domain.Claim{
		Chunk:        chunk,
		ConsumerName: consumerName,
		ClaimedAt:    time.Now().UTC(),
		Handle:       handle,
	}

	return b.wrap(claim), nil
}

func (b *Backend) wrap(claim domain.Claim) *domain.ClaimedChunk {
	handle := claim.Handle
	return &domain.ClaimedChunk{
		Chunk: claim,
		Ack: func() error {
			c, err := b.getClient()
			if err != nil {
				return err
			}
			return c.XAck(context.Background(), taskStream, consumerGroup, handle).Err()
		},
		Nack: func(reason string) error {
			// Streams has no native retry: abandoning the claim is
			// sufficient. The PEL entry persists until ack or
			// reclaim, matching spec.md §4.3's Nack semantics.
			b.logger.Warn("chunk nacked on streams backend, left pending for reclaim",
				zap.String("chunk_id", claim.Chunk.ChunkID), zap.String("reason", reason))
			return nil
		},
	}
}

// PublishResult appends a result entry to the result stream.
func (b *Backend) PublishResult(ctx context.Context, chunkID string, workerID int, data domain.ResultData, duration time.Duration) (string, error) {
	c, err := b.getClient()
	if err != nil {
		return "", err
	}

	if err := b.ensureGroup(ctx, c, resultStream); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: marshal result data: %v", queue.ErrProtocol, err)
	}

	fields := map[string]interface{}{
		"chunk_id":         chunkID,
		"worker_id":        strconv.Itoa(workerID),
		"status":           "completed",
		"duration_seconds": strconv.FormatFloat(duration.Seconds(), 'f', -1, 64),
		"completed_at":     time.Now().UTC().Format(time.RFC3339),
		"result_data":      string(encoded),
	}

	id, err := c.XAdd(ctx, &goredis.XAddArgs{Stream: resultStream, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd result: %v", queue.ErrProtocol, err)
	}
	return id, nil
}

// ReclaimStale enumerates PEL entries older than minIdle and transfers
// ownership to consumerName via XCLAIM, matching
// TaskQueue.claim_stale_tasks.
func (b *Backend) ReclaimStale(ctx context.Context, consumerName string, minIdle time.Duration, maxCount int) ([]*domain.ClaimedChunk, error) {
	c, err := b.getClient()
	if err != nil {
		return nil, err
	}

	pending, err := c.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: taskStream,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(maxCount * 2),
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: xpending: %v", queue.ErrProtocol, err)
	}

	var claimed []*domain.ClaimedChunk
	for _, p := range pending {
		if p.Idle < minIdle {
			continue
		}

		res, err := c.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   taskStream,
			Group:    consumerGroup,
			Consumer: consumerName,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			b.logger.Debug("could not reclaim chunk", zap.String("message_id", p.ID), zap.Error(err))
			continue
		}
		if len(res) == 0 {
			continue
		}

		chunk, err := chunkFromFields(res[0].Values)
		if err != nil {
			continue
		}

		claim := domain.Claim{
			Chunk:            chunk,
			ConsumerName:     consumerName,
			ClaimedAt:        time.Now().UTC(),
			Handle:           res[0].ID,
			Reclaimed:        true,
			PreviousConsumer: p.Consumer,
		}
		claimed = append(claimed, b.wrap(claim))

		if len(claimed) >= maxCount {
			break
		}
	}

	return claimed, nil
}

// Stats reports stream and PEL sizes.
func (b *Backend) Stats(ctx context.Context) (domain.Stats, error) {
	c, err := b.getClient()
	if err != nil {
		return domain.Stats{}, err
	}

	stats := domain.Stats{}

	total, err := c.XLen(ctx, taskStream).Result()
	if err == nil {
		stats.TasksTotal = int(total)
	}

	pendingSummary, err := c.XPending(ctx, taskStream, consumerGroup).Result()
	if err == nil && pendingSummary != nil {
		stats.TasksPending = int(pendingSummary.Count)
		for name := range pendingSummary.Consumers {
			stats.Consumers = append(stats.Consumers, name)
		}
	}

	results, err := c.XLen(ctx, resultStream).Result()
	if err == nil {
		stats.ResultsCount = int(results)
	}

	return stats, nil
}

func chunkFromFields(fields map[string]interface{}) (domain.Chunk, error) {
	get := func(k string) string {
		if v, ok := fields[k]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	}

	atoi := func(k string) (int, error) {
		n, err := strconv.Atoi(get(k))
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", k, err)
		}
		return n, nil
	}

	start, err := atoi("start_param")
	if err != nil {
		return domain.Chunk{}, err
	}
	end, err := atoi("end_param")
	if err != nil {
		return domain.Chunk{}, err
	}
	count, err := atoi("params_count")
	if err != nil {
		return domain.Chunk{}, err
	}
	total, err := atoi("total_params")
	if err != nil {
		return domain.Chunk{}, err
	}
	totalChunks, err := atoi("total_chunks")
	if err != nil {
		return domain.Chunk{}, err
	}

	createdAt, _ := time.Parse(time.RFC3339, get("created_at"))

	return domain.Chunk{
		ChunkID:     get("chunk_id"),
		StartParam:  start,
		EndParam:    end,
		ParamsCount: count,
		TotalParams: total,
		TotalChunks: totalChunks,
		CreatedAt:   createdAt,
		Status:      domain.ChunkStatus(get("status")),
	}, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func zeroPad(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
