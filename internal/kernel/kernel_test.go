package kernel_test

import (
	"testing"
	"time"

	"github.com/ttg-compute/worker/internal/domain"
	"github.com/ttg-compute/worker/internal/kernel"
)

func TestCompute_Deterministic(t *testing.T) {
	a := kernel.Compute(42, 0, 0)
	b := kernel.Compute(42, 0, 0)

	if a.Result != b.Result {
		t.Errorf("expected deterministic result, got %v and %v", a.Result, b.Result)
	}
	if a.Digest != b.Digest {
		t.Errorf("expected deterministic digest, got %q and %q", a.Digest, b.Digest)
	}
	if len(a.Digest) != 16 {
		t.Errorf("expected 16-hex-character digest, got %q (%d chars)", a.Digest, len(a.Digest))
	}
}

func TestCompute_DiffersByWorker(t *testing.T) {
	a := kernel.Compute(42, 0, 0)
	b := kernel.Compute(42, 1, 0)

	if a.Digest == b.Digest {
		t.Error("expected digest to depend on worker ID")
	}
}

func TestCompute_Formula(t *testing.T) {
	got := kernel.Compute(42, 0, 0)
	want := float64((42*7+13)%1000) + 0.42
	if got.Result != want {
		t.Errorf("expected result %v, got %v", want, got.Result)
	}
}

// TestCompute_SingleDigitFractional pins down the reference implementation's
// string-built fraction: a single-digit remainder (1-9) lands on 0.n, not 0.0n.
func TestCompute_SingleDigitFractional(t *testing.T) {
	got := kernel.Compute(7, 0, 0) // 7 % 100 == 7
	want := float64((7*7+13)%1000) + 0.7
	if got.Result != want {
		t.Errorf("expected result %v, got %v", want, got.Result)
	}
}

func TestCompute_SimulatedWork(t *testing.T) {
	start := time.Now()
	kernel.Compute(1, 0, 20)
	elapsed := time.Since(start)

	if elapsed < 20*time.Millisecond {
		t.Errorf("expected at least 20ms of simulated work, took %v", elapsed)
	}
}

func TestAggregate_Empty(t *testing.T) {
	got := kernel.Aggregate(nil)
	if got != (domain.ResultData{}) {
		t.Errorf("expected zero value for empty input, got %+v", got)
	}
}

func TestAggregate_SumCountMinMaxAvg(t *testing.T) {
	results := []domain.ParamResult{
		{ParamID: 0, Result: 10},
		{ParamID: 1, Result: 20},
		{ParamID: 2, Result: 30},
	}

	got := kernel.Aggregate(results)

	if got.Sum != 60 {
		t.Errorf("expected sum 60, got %v", got.Sum)
	}
	if got.Count != 3 {
		t.Errorf("expected count 3, got %v", got.Count)
	}
	if got.Min != 10 {
		t.Errorf("expected min 10, got %v", got.Min)
	}
	if got.Max != 30 {
		t.Errorf("expected max 30, got %v", got.Max)
	}
	if got.Avg != 20 {
		t.Errorf("expected avg 20, got %v", got.Avg)
	}
}
