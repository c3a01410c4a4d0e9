package streams

import (
	"errors"
	"testing"

	"github.com/ttg-compute/worker/internal/domain"
)

func TestZeroPad(t *testing.T) {
	cases := []struct {
		n     int
		width int
		want  string
	}{
		{0, 5, "00000"},
		{7, 5, "00007"},
		{12345, 5, "12345"},
		{123456, 5, "123456"},
	}
	for _, c := range cases {
		if got := zeroPad(c.n, c.width); got != c.want {
			t.Errorf("zeroPad(%d, %d): expected %q, got %q", c.n, c.width, c.want, got)
		}
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want int }{
		{10, 5, 2},
		{11, 5, 3},
		{1, 5, 1},
		{0, 5, 0},
	}
	for _, c := range cases {
		if got := ceilDiv(c.a, c.b); got != c.want {
			t.Errorf("ceilDiv(%d, %d): expected %d, got %d", c.a, c.b, c.want, got)
		}
	}
}

func TestIsBusyGroup(t *testing.T) {
	if !isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("expected BUSYGROUP error to be recognized")
	}
	if isBusyGroup(errors.New("some other redis error")) {
		t.Error("expected unrelated error not to be recognized as BUSYGROUP")
	}
}

func TestChunkFromFields(t *testing.T) {
	fields := map[string]interface{}{
		"chunk_id":     "00003",
		"start_param":  "300",
		"end_param":    "400",
		"params_count": "100",
		"total_params": "1000",
		"total_chunks": "10",
		"created_at":   "2026-01-01T00:00:00Z",
		"status":       string(domain.ChunkPending),
	}

	chunk, err := chunkFromFields(fields)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if chunk.ChunkID != "00003" {
		t.Errorf("expected chunk_id 00003, got %q", chunk.ChunkID)
	}
	if chunk.StartParam != 300 || chunk.EndParam != 400 {
		t.Errorf("expected range [300,400), got [%d,%d)", chunk.StartParam, chunk.EndParam)
	}
	if chunk.ParamsCount != 100 {
		t.Errorf("expected params_count 100, got %d", chunk.ParamsCount)
	}
	if chunk.TotalParams != 1000 || chunk.TotalChunks != 10 {
		t.Errorf("expected total_params 1000 and total_chunks 10, got %d and %d", chunk.TotalParams, chunk.TotalChunks)
	}
	if chunk.Status != domain.ChunkPending {
		t.Errorf("expected status pending, got %q", chunk.Status)
	}
}

func TestChunkFromFields_MalformedField(t *testing.T) {
	fields := map[string]interface{}{
		"chunk_id":    "00003",
		"start_param": "not-a-number",
	}
	if _, err := chunkFromFields(fields); err == nil {
		t.Error("expected error for malformed start_param field")
	}
}

func TestNew_DefaultsDisconnected(t *testing.T) {
	b := New("redis://localhost:6379/0", nil)
	if b.client != nil {
		t.Error("expected new backend to start without a client")
	}
	if _, err := b.getClient(); err == nil {
		t.Error("expected getClient to fail before Connect")
	}
}
