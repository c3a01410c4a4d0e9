// Package broker implements the queue.Backend contract over a durable
// AMQP-0-9-1 topology: a main task queue, a TTL-based retry queue that
// dead-letters back into the main queue, and a terminal dead-letter
// queue. Grounded on the teacher's internal/delivery/amqp/consumer.go
// (connection lifecycle, Qos(1,0,false), exponential-backoff reconnect)
// and original_source/src/rabbitmq_queue.py's RabbitMQTaskQueue
// (topology, nack_task's retry-vs-dead-letter branch).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ttg-compute/worker/internal/domain"
	"github.com/ttg-compute/worker/internal/metrics"
	"github.com/ttg-compute/worker/internal/queue"
)

const (
	taskExchange = "tasks"
	taskQueue    = "tasks"
	taskKey      = "tasks"

	retryExchange = "retry"
	retryQueue    = "tasks.retry"
	retryKey      = "tasks.retry"

	dlqExchange = "dlq"
	dlqQueue    = "tasks.dlq"
	dlqKey      = "tasks.dlq"

	resultExchange = "results"
	resultQueue    = "results"
	resultKey      = "results"

	maxReconnectDelay  = 30 * time.Second
	baseReconnectDelay = 1 * time.Second
)

// Backend is an AMQP-0-9-1 implementation of queue.Backend.
type Backend struct {
	url         string
	maxRetries  int
	retryDelay  time.Duration
	logger      *zap.Logger
	auditSink   DeadLetterSink

	mu      sync.Mutex
	conn    *amqplib.Connection
	channel *amqplib.Channel
}

// DeadLetterSink records terminally dead-lettered chunks outside the
// broker's own DLQ, so an operator can query them with SQL instead of
// draining the AMQP queue by hand. Implemented by the Postgres audit
// sink in internal/audit.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, chunk domain.Chunk) error
}

var _ queue.Backend = (*Backend)(nil)

// Config configures retry/dead-letter behavior (§6 max_retries,
// retry_delay_ms).
type Config struct {
	URL        string
	MaxRetries int
	RetryDelay time.Duration
	AuditSink  DeadLetterSink // optional
}

// New creates a broker backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	return &Backend{
		url:        cfg.URL,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		auditSink:  cfg.AuditSink,
		logger:     logger,
	}
}

const connectAttempts = 3

// Connect dials the broker, opens a channel with prefetch=1, and
// declares the full task/retry/dlq/results topology. Retries with
// exponential backoff on dial/channel failure, matching the teacher's
// consumer.go reconnect loop; exhausting the budget is fatal per
// spec §4.5's Unavailable semantics.
func (b *Backend) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if err := b.dialOnce(); err != nil {
			lastErr = err
			b.logger.Warn("broker connect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if attempt < connectAttempts-1 {
				select {
				case <-time.After(reconnectDelay(attempt)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", queue.ErrUnavailable, lastErr)
}

func (b *Backend) dialOnce() error {
	conn, err := amqplib.Dial(b.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	if err := b.declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.mu.Unlock()

	return nil
}

func (b *Backend) declareTopology(ch *amqplib.Channel) error {
	declare := func(exchange, name, key string, args amqplib.Table) error {
		if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: exchange declare %s: %v", queue.ErrProtocol, exchange, err)
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("%w: queue declare %s: %v", queue.ErrProtocol, name, err)
		}
		if err := ch.QueueBind(name, key, exchange, false, nil); err != nil {
			return fmt.Errorf("%w: queue bind %s: %v", queue.ErrProtocol, name, err)
		}
		return nil
	}

	if err := declare(taskExchange, taskQueue, taskKey, nil); err != nil {
		return err
	}

	retryArgs := amqplib.Table{
		"x-message-ttl":             int64(b.retryDelay / time.Millisecond),
		"x-dead-letter-exchange":    taskExchange,
		"x-dead-letter-routing-key": taskKey,
	}
	if err := declare(retryExchange, retryQueue, retryKey, retryArgs); err != nil {
		return err
	}

	if err := declare(dlqExchange, dlqQueue, dlqKey, nil); err != nil {
		return err
	}

	return declare(resultExchange, resultQueue, resultKey, nil)
}

// Disconnect is idempotent.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			firstErr = err
		}
		b.channel = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.conn = nil
	}
	return firstErr
}

func (b *Backend) getChannel() (*amqplib.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return nil, queue.ErrUnavailable
	}
	return b.channel, nil
}

type wireChunk struct {
	ChunkID     string `json:"chunk_id"`
	StartParam  int    `json:"start_param"`
	EndParam    int    `json:"end_param"`
	ParamsCount int    `json:"params_count"`
	TotalParams int    `json:"total_params"`
	TotalChunks int    `json:"total_chunks"`
	CreatedAt   string `json:"created_at"`
	Status      string `json:"status"`
	RetryCount  int    `json:"retry_count"`
	LastError   string `json:"last_error,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`
}

func toWire(c domain.Chunk) wireChunk {
	w := wireChunk{
		ChunkID:     c.ChunkID,
		StartParam:  c.StartParam,
		EndParam:    c.EndParam,
		ParamsCount: c.ParamsCount,
		TotalParams: c.TotalParams,
		TotalChunks: c.TotalChunks,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
		Status:      string(c.Status),
		RetryCount:  c.RetryCount,
		LastError:   c.LastError,
	}
	if c.FailedAt != nil {
		w.FailedAt = c.FailedAt.UTC().Format(time.RFC3339)
	}
	return w
}

func fromWire(w wireChunk) domain.Chunk {
	c := domain.Chunk{
		ChunkID:     w.ChunkID,
		StartParam:  w.StartParam,
		EndParam:    w.EndParam,
		ParamsCount: w.ParamsCount,
		TotalParams: w.TotalParams,
		TotalChunks: w.TotalChunks,
		Status:      domain.ChunkStatus(w.Status),
		RetryCount:  w.RetryCount,
		LastError:   w.LastError,
	}
	if t, err := time.Parse(time.RFC3339, w.CreatedAt); err == nil {
		c.CreatedAt = t
	}
	if w.FailedAt != "" {
		if t, err := time.Parse(time.RFC3339, w.FailedAt); err == nil {
			c.FailedAt = &t
		}
	}
	return c
}

// Seed publishes one message per chunk to the task exchange. Like the
// streams backend, it is a conditional insert guarded by the current
// queue depth: when force is false and the task queue is non-empty it
// returns 0 untouched.
func (b *Backend) Seed(ctx context.Context, totalParams, chunkSize int, force bool) (int, error) {
	ch, err := b.getChannel()
	if err != nil {
		return 0, err
	}

	if force {
		if _, err := ch.QueuePurge(taskQueue, false); err != nil {
			return 0, fmt.Errorf("%w: purge tasks: %v", queue.ErrProtocol, err)
		}
		if _, err := ch.QueuePurge(resultQueue, false); err != nil {
			return 0, fmt.Errorf("%w: purge results: %v", queue.ErrProtocol, err)
		}
		if _, err := ch.QueuePurge(retryQueue, false); err != nil {
			return 0, fmt.Errorf("%w: purge retry: %v", queue.ErrProtocol, err)
		}
		if _, err := ch.QueuePurge(dlqQueue, false); err != nil {
			return 0, fmt.Errorf("%w: purge dlq: %v", queue.ErrProtocol, err)
		}
	}

	current, err := b.TaskCount(ctx)
	if err != nil {
		return 0, err
	}
	if current > 0 && !force {
		return 0, nil
	}

	numChunks := ceilDiv(totalParams, chunkSize)
	createdAt := time.Now().UTC()

	for chunkID := 0; chunkID < numChunks; chunkID++ {
		start := chunkID * chunkSize
		end := start + chunkSize
		if end > totalParams {
			end = totalParams
		}

		chunk := domain.Chunk{
			ChunkID:     zeroPad(chunkID, 5),
			StartParam:  start,
			EndParam:    end,
			ParamsCount: end - start,
			TotalParams: totalParams,
			TotalChunks: numChunks,
			CreatedAt:   createdAt,
			Status:      domain.ChunkPending,
		}

		body, err := json.Marshal(toWire(chunk))
		if err != nil {
			return chunkID, fmt.Errorf("%w: marshal chunk: %v", queue.ErrProtocol, err)
		}

		err = ch.PublishWithContext(ctx, taskExchange, taskKey, false, false, amqplib.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqplib.Persistent,
			MessageId:    chunk.ChunkID,
			Body:         body,
		})
		if err != nil {
			return chunkID, fmt.Errorf("%w: publish chunk: %v", queue.ErrProtocol, err)
		}
	}

	return numChunks, nil
}

// TaskCount passively declares the task queue to read its current
// message count.
func (b *Backend) TaskCount(ctx context.Context) (int, error) {
	ch, err := b.getChannel()
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(taskQueue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: queue declare passive: %v", queue.ErrProtocol, err)
	}
	return q.Messages, nil
}

// Claim polls the task queue with basic_get for up to blockTimeout,
// matching RabbitMQTaskQueue.get_next_task's polling loop (AMQP's
// single-message pull has no native long-poll primitive).
func (b *Backend) Claim(ctx context.Context, consumerName string, blockTimeout time.Duration) (*domain.ClaimedChunk, error) {
	ch, err := b.getChannel()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(blockTimeout)
	for time.Now().Before(deadline) {
		msg, ok, err := ch.Get(taskQueue, false)
		if err != nil {
			return nil, fmt.Errorf("%w: basic get: %v", queue.ErrProtocol, err)
		}
		if ok {
			var w wireChunk
			if err := json.Unmarshal(msg.Body, &w); err != nil {
				msg.Nack(false, false)
				return nil, fmt.Errorf("%w: unmarshal chunk: %v", queue.ErrProtocol, err)
			}
			chunk := fromWire(w)

			tag := msg.DeliveryTag
			claim := domain.Claim{
				Chunk:        chunk,
				ConsumerName: consumerName,
				ClaimedAt:    time.Now().UTC(),
				Handle:       strconv.FormatUint(tag, 10),
			}
			return b.wrap(ch, claim), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	return nil, nil
}

func (b *Backend) wrap(ch *amqplib.Channel, claim domain.Claim) *domain.ClaimedChunk {
	tag, _ := strconv.ParseUint(claim.Handle, 10, 64)
	chunk := claim.Chunk

	return &domain.ClaimedChunk{
		Chunk: claim,
		Ack: func() error {
			return ch.Ack(tag, false)
		},
		Nack: func(reason string) error {
			return b.nack(ch, tag, chunk, reason)
		},
	}
}

// nack implements the retry/dead-letter policy of spec.md §4.4: publish
// into the retry exchange (bumping retry_count) when the chunk has not
// exhausted its budget, else into the dead-letter exchange with
// status=dead_lettered; then positively acknowledge the original
// delivery so the broker does not also re-queue it.
func (b *Backend) nack(ch *amqplib.Channel, tag uint64, chunk domain.Chunk, reason string) error {
	chunk.RetryCount++
	chunk.LastError = reason
	now := time.Now().UTC()
	chunk.FailedAt = &now

	body, err := json.Marshal(toWire(chunk))
	if err != nil {
		return fmt.Errorf("%w: marshal chunk: %v", queue.ErrProtocol, err)
	}

	ctx := context.Background()

	if chunk.RetryCount <= b.maxRetries {
		err = ch.PublishWithContext(ctx, retryExchange, retryKey, false, false, amqplib.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqplib.Persistent,
			MessageId:    chunk.ChunkID,
			Headers:      amqplib.Table{"retry_count": chunk.RetryCount, "last_error": reason},
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("%w: publish retry: %v", queue.ErrProtocol, err)
		}
	} else {
		chunk.Status = domain.ChunkDeadLettered
		body, err = json.Marshal(toWire(chunk))
		if err != nil {
			return fmt.Errorf("%w: marshal chunk: %v", queue.ErrProtocol, err)
		}
		err = ch.PublishWithContext(ctx, dlqExchange, dlqKey, false, false, amqplib.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqplib.Persistent,
			MessageId:    chunk.ChunkID,
			Headers:      amqplib.Table{"retry_count": chunk.RetryCount, "final_error": reason},
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("%w: publish dlq: %v", queue.ErrProtocol, err)
		}
		metrics.DeadLettersTotal.Inc()
		if b.auditSink != nil {
			if err := b.auditSink.RecordDeadLetter(ctx, chunk); err != nil {
				b.logger.Warn("failed to record dead letter in audit sink",
					zap.String("chunk_id", chunk.ChunkID), zap.Error(err))
			}
		}
	}

	return ch.Ack(tag, false)
}

// PublishResult publishes a result record to the results exchange.
func (b *Backend) PublishResult(ctx context.Context, chunkID string, workerID int, data domain.ResultData, duration time.Duration) (string, error) {
	ch, err := b.getChannel()
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: marshal result data: %v", queue.ErrProtocol, err)
	}

	result := domain.Result{
		ChunkID:         chunkID,
		WorkerID:        workerID,
		Status:          "completed",
		DurationSeconds: duration.Seconds(),
		CompletedAt:     time.Now().UTC(),
	}

	body, err := json.Marshal(struct {
		ChunkID         string  `json:"chunk_id"`
		WorkerID        int     `json:"worker_id"`
		Status          string  `json:"status"`
		DurationSeconds string  `json:"duration_seconds"`
		CompletedAt     string  `json:"completed_at"`
		ResultData      string  `json:"result_data"`
	}{
		ChunkID:         result.ChunkID,
		WorkerID:        result.WorkerID,
		Status:          result.Status,
		DurationSeconds: strconv.FormatFloat(result.DurationSeconds, 'f', -1, 64),
		CompletedAt:     result.CompletedAt.Format(time.RFC3339),
		ResultData:      string(encoded),
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal result: %v", queue.ErrProtocol, err)
	}

	err = ch.PublishWithContext(ctx, resultExchange, resultKey, false, false, amqplib.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqplib.Persistent,
		MessageId:    chunkID,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("%w: publish result: %v", queue.ErrProtocol, err)
	}

	return chunkID, nil
}

// ReclaimStale is a no-op: RabbitMQ already redelivers unacked
// deliveries automatically when a consumer channel closes, matching
// RabbitMQTaskQueue.claim_stale_tasks.
func (b *Backend) ReclaimStale(ctx context.Context, consumerName string, minIdle time.Duration, maxCount int) ([]*domain.ClaimedChunk, error) {
	return nil, nil
}

// Stats reports queue depths across all four containers.
func (b *Backend) Stats(ctx context.Context) (domain.Stats, error) {
	ch, err := b.getChannel()
	if err != nil {
		return domain.Stats{}, err
	}

	declare := func(name string) (int, int) {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return 0, 0
		}
		return q.Messages, q.Consumers
	}

	tasks, consumers := declare(taskQueue)
	results, _ := declare(resultQueue)
	retry, _ := declare(retryQueue)
	dlq, _ := declare(dlqQueue)

	return domain.Stats{
		TasksTotal:      tasks,
		TasksPending:    0,
		ResultsCount:    results,
		RetryCount:      retry,
		DeadLetterCount: dlq,
		Consumers:       []string{fmt.Sprintf("%d active consumer(s)", consumers)},
	}, nil
}

// reconnectDelay computes the exponential backoff between Connect's
// dial attempts. It is used only by Connect: a session lost after
// Connect succeeds is not re-established.
func reconnectDelay(attempt int) time.Duration {
	d := float64(baseReconnectDelay) * math.Pow(2, float64(attempt))
	if d > float64(maxReconnectDelay) {
		d = float64(maxReconnectDelay)
	}
	return time.Duration(d)
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
