package broker

import (
	"testing"
	"time"

	"github.com/ttg-compute/worker/internal/domain"
)

func TestZeroPad(t *testing.T) {
	if got := zeroPad(7, 5); got != "00007" {
		t.Errorf("expected 00007, got %q", got)
	}
}

func TestCeilDiv(t *testing.T) {
	if got := ceilDiv(1000, 100); got != 10 {
		t.Errorf("expected 10, got %d", got)
	}
	if got := ceilDiv(1001, 100); got != 11 {
		t.Errorf("expected 11, got %d", got)
	}
}

func TestWireRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	failedAt := now.Add(time.Minute)

	chunk := domain.Chunk{
		ChunkID:     "00042",
		StartParam:  4200,
		EndParam:    4300,
		ParamsCount: 100,
		TotalParams: 10000,
		TotalChunks: 100,
		CreatedAt:   now,
		Status:      domain.ChunkDeadLettered,
		RetryCount:  3,
		LastError:   "boom",
		FailedAt:    &failedAt,
	}

	got := fromWire(toWire(chunk))

	if got.ChunkID != chunk.ChunkID {
		t.Errorf("chunk_id mismatch: %q vs %q", got.ChunkID, chunk.ChunkID)
	}
	if got.StartParam != chunk.StartParam || got.EndParam != chunk.EndParam {
		t.Errorf("range mismatch: [%d,%d) vs [%d,%d)", got.StartParam, got.EndParam, chunk.StartParam, chunk.EndParam)
	}
	if got.RetryCount != chunk.RetryCount {
		t.Errorf("retry_count mismatch: %d vs %d", got.RetryCount, chunk.RetryCount)
	}
	if got.Status != chunk.Status {
		t.Errorf("status mismatch: %q vs %q", got.Status, chunk.Status)
	}
	if got.FailedAt == nil || !got.FailedAt.Equal(*chunk.FailedAt) {
		t.Errorf("failed_at mismatch: %v vs %v", got.FailedAt, chunk.FailedAt)
	}
}

func TestWireRoundTrip_NoFailedAt(t *testing.T) {
	chunk := domain.Chunk{ChunkID: "00001", CreatedAt: time.Now().UTC()}
	got := fromWire(toWire(chunk))
	if got.FailedAt != nil {
		t.Errorf("expected nil failed_at, got %v", got.FailedAt)
	}
}

func TestReconnectDelay_CapsAtMax(t *testing.T) {
	d := reconnectDelay(10)
	if d != maxReconnectDelay {
		t.Errorf("expected delay capped at %v, got %v", maxReconnectDelay, d)
	}
}

func TestReconnectDelay_GrowsExponentially(t *testing.T) {
	d0 := reconnectDelay(0)
	d1 := reconnectDelay(1)
	if d0 != baseReconnectDelay {
		t.Errorf("expected attempt 0 to equal base delay %v, got %v", baseReconnectDelay, d0)
	}
	if d1 <= d0 {
		t.Errorf("expected delay to grow with attempt count, got %v then %v", d0, d1)
	}
}
