package compute

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BenchmarkResult summarizes repeated runs of one function.
type BenchmarkResult struct {
	Name         string        `json:"name"`
	Iterations   int           `json:"iterations"`
	Total        time.Duration `json:"total"`
	Min          time.Duration `json:"min"`
	Max          time.Duration `json:"max"`
	Mean         time.Duration `json:"mean"`
	OpsPerSecond float64       `json:"opsPerSecond"`
}

// Benchmark initializes the engine and times iterations runs of fn. It stops
// at the first error.
func (e *Engine) Benchmark(ctx context.Context, name string, fn func(ctx context.Context) error, iterations int) (BenchmarkResult, error) {
	res := BenchmarkResult{Name: name}
	if iterations <= 0 {
		return res, fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalidInput, iterations)
	}
	if err := e.Init(ctx); err != nil {
		return res, err
	}

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start := time.Now()
		if err := fn(ctx); err != nil {
			return res, fmt.Errorf("benchmark %s: iteration %d: %w", name, i, err)
		}
		d := time.Since(start)

		if res.Iterations == 0 || d < res.Min {
			res.Min = d
		}
		res.Max = max(res.Max, d)
		res.Total += d
		res.Iterations++
	}

	res.Mean = res.Total / time.Duration(res.Iterations)
	if res.Total > 0 {
		res.OpsPerSecond = float64(res.Iterations) / res.Total.Seconds()
	}
	e.log.Info("benchmark finished",
		zap.String("name", name),
		zap.Int("iterations", res.Iterations),
		zap.Duration("mean", res.Mean),
		zap.Float64("ops_per_second", res.OpsPerSecond),
	)
	return res, nil
}
