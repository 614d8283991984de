// Package execution runs kernel calls through a uniform cache check, scoped
// allocation, invoke, read back and release sequence. Every handle allocated
// during a call is released exactly once before the call returns, whether
// the call succeeds or fails.
package execution

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/cache"
	"github.com/fxnlabs/adaptive-compute/internal/metrics"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

// DefaultMaxFingerprintBytes is the largest serialized input that is cached.
const DefaultMaxFingerprintBytes = 4096

// Outcome labels for the executions metric.
const (
	outcomeOK     = "ok"
	outcomeCached = "cached"
	outcomeError  = "error"
)

// Results is the cache shared by both frameworks. Values are plain data,
// never live handles.
type Results = cache.FIFO[any]

// lookup fingerprints parts and consults the cache. A nil parts slice
// disables caching for the call.
func lookup[T any](c *Results, op string, parts []any, log *zap.Logger) (cache.Fingerprint, T, bool) {
	var zero T
	if c == nil || parts == nil {
		return cache.Fingerprint{}, zero, false
	}
	fp, err := cache.NewFingerprint(op, parts...)
	if err != nil {
		log.Debug("input not fingerprintable, skipping cache", zap.String("op", op), zap.Error(err))
		return cache.Fingerprint{}, zero, false
	}
	v, ok := c.Get(fp)
	if !ok {
		return fp, zero, false
	}
	t, ok := v.(T)
	if !ok {
		return fp, zero, false
	}
	return fp, t, true
}

// store caches v when fp was computed and is small enough.
func store[T any](c *Results, fp cache.Fingerprint, v T, maxBytes int) {
	if c == nil || fp.Key == "" || fp.Size() > maxBytes {
		return
	}
	c.Set(fp, v)
}

// allocationFailed re-labels a pool allocation failure with the op that asked.
func allocationFailed(op string, size uint64, err error) error {
	var re *rterr.Error
	if errors.As(err, &re) && re.Kind == rterr.KindAllocationFailed {
		return rterr.AllocationFailed(op, size, re.Cause)
	}
	return rterr.AllocationFailed(op, size, err)
}

func observe(op, backend, outcome string, start time.Time) {
	metrics.Executions.WithLabelValues(op, backend, outcome).Inc()
	if outcome != outcomeCached {
		metrics.ExecutionDuration.WithLabelValues(op, backend).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}
}

// finish joins a release failure into the call error. When the call itself
// succeeded the release failure is only logged, since the result is valid.
func finish(log *zap.Logger, op string, callErr, releaseErr error) error {
	if releaseErr == nil {
		return callErr
	}
	if callErr == nil {
		log.Warn("release after successful call failed", zap.String("op", op), zap.Error(releaseErr))
		return nil
	}
	return errors.Join(callErr, releaseErr)
}
