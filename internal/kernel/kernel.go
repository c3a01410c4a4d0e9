// Package kernel implements the deterministic per-parameter computation
// at the heart of every chunk. It is pure, allocates no shared state, and
// is safe to call from independent workers concurrently.
package kernel

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"github.com/ttg-compute/worker/internal/domain"
)

// Compute processes a single parameter and returns its result record.
// The numeric result is (paramID*7+13) mod 1000 plus a fractional part
// derived from paramID mod 100 — deterministic and cheap by design; a
// real deployment would substitute actual work behind this same
// signature. simulateWorkMs, when positive, applies a busy-sleep to
// model per-parameter cost.
func Compute(paramID, workerID, simulateWorkMs int) domain.ParamResult {
	if simulateWorkMs > 0 {
		time.Sleep(time.Duration(simulateWorkMs) * time.Millisecond)
	}

	numerical := float64((paramID*7+13)%1000) + fractional(paramID%100)

	input := fmt.Sprintf("param_%d_worker_%d", paramID, workerID)
	sum := sha256.Sum256([]byte(input))
	digest := fmt.Sprintf("%x", sum)[:16]

	return domain.ParamResult{
		ParamID:   paramID,
		Result:    numerical,
		Digest:    digest,
		WorkerID:  workerID,
		Timestamp: time.Now().UTC(),
	}
}

// fractional reproduces the reference implementation's string-built
// fraction (float(f"0.{remainder}")): "0." concatenated with the decimal
// digits of remainder, then parsed. A single-digit remainder therefore
// lands on 0.n, not 0.0n — plain division by 100 would be wrong.
func fractional(remainder int) float64 {
	f, _ := strconv.ParseFloat("0."+strconv.Itoa(remainder), 64)
	return f
}

// Aggregate folds a slice of per-parameter results into the sum/count/
// min/max/avg shape published with every result record.
func Aggregate(results []domain.ParamResult) domain.ResultData {
	if len(results) == 0 {
		return domain.ResultData{}
	}

	agg := domain.ResultData{
		Min: results[0].Result,
		Max: results[0].Result,
	}
	for _, r := range results {
		agg.Sum += r.Result
		agg.Count++
		if r.Result < agg.Min {
			agg.Min = r.Result
		}
		if r.Result > agg.Max {
			agg.Max = r.Result
		}
	}
	agg.Avg = agg.Sum / float64(agg.Count)
	return agg
}
