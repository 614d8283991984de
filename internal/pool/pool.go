// Package pool implements the free-list allocators that back linear-memory
// regions (MemoryPool) and GPU buffers (BufferPool).
//
// Released handles are parked in a bucket keyed by (size, tag) and handed out
// again on the next matching Allocate. Each bucket holds at most MaxDepth
// handles; anything beyond that is destroyed. When the source fails to create
// a handle, every parked handle is destroyed and the create is retried once,
// so idle handles of other sizes never starve a live request. In pass-through
// mode every Allocate creates and every Deallocate destroys.
//
// Thread safety: all methods are safe for concurrent use.
package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/internal/metrics"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

// DefaultMaxDepth is the per-bucket cap used when Config.MaxDepth is zero.
const DefaultMaxDepth = 8

// Source creates and destroys the underlying handles.
type Source[H any] interface {
	Create(ctx context.Context, size uint64, tag string) (H, error)
	Destroy(ctx context.Context, h H, size uint64) error
}

// Config controls pooling behaviour.
type Config struct {
	MaxDepth    int
	Passthrough bool
}

// Stats is a snapshot of pool instrumentation.
type Stats struct {
	Allocations   uint64 `json:"allocations"`
	Deallocations uint64 `json:"deallocations"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Destroyed     uint64 `json:"destroyed"`
	Idle          int    `json:"idle"`
	IdleBytes     uint64 `json:"idleBytes"`
	Passthrough   bool   `json:"passthrough"`
}

// Outstanding is the number of handles allocated and not yet returned.
func (s Stats) Outstanding() int64 {
	return int64(s.Allocations) - int64(s.Deallocations)
}

type key struct {
	size uint64
	tag  string
}

// Pool is a bucketed free list over a Source.
type Pool[H any] struct {
	name string
	src  Source[H]
	log  *zap.Logger

	mu       sync.Mutex
	buckets  map[key][]H
	maxDepth int
	passthru bool
	stats    Stats
}

// New creates a pool named name (used in logs and metrics) over src.
func New[H any](name string, src Source[H], cfg Config, log *zap.Logger) *Pool[H] {
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return &Pool[H]{
		name:     name,
		src:      src,
		log:      logger.OrNop(log).Named("pool").With(zap.String("pool", name)),
		buckets:  make(map[key][]H),
		maxDepth: depth,
		passthru: cfg.Passthrough,
	}
}

// Name returns the pool name.
func (p *Pool[H]) Name() string { return p.name }

// Passthrough reports whether the pool creates and destroys on every call.
func (p *Pool[H]) Passthrough() bool { return p.passthru }

// Allocate returns a handle of size bytes for tag, reusing a parked handle
// when one is available. Source failures are reported as AllocationFailed.
func (p *Pool[H]) Allocate(ctx context.Context, size uint64, tag string) (H, error) {
	k := key{size: size, tag: tag}

	p.mu.Lock()
	if !p.passthru {
		if bucket := p.buckets[k]; len(bucket) > 0 {
			h := bucket[len(bucket)-1]
			p.buckets[k] = bucket[:len(bucket)-1]
			p.stats.Hits++
			p.stats.Allocations++
			p.stats.Idle--
			p.stats.IdleBytes -= size
			idle := p.stats.Idle
			p.mu.Unlock()

			metrics.PoolAllocations.WithLabelValues(p.name, "hit").Inc()
			metrics.PoolIdleHandles.WithLabelValues(p.name).Set(float64(idle))
			return h, nil
		}
	}
	p.mu.Unlock()

	h, err := p.src.Create(ctx, size, tag)
	if err != nil && p.reclaim(ctx, size, err) {
		h, err = p.src.Create(ctx, size, tag)
	}
	if err != nil {
		var zero H
		return zero, rterr.AllocationFailed(p.name, size, err)
	}

	result := "miss"
	p.mu.Lock()
	p.stats.Allocations++
	if p.passthru {
		result = "passthrough"
	} else {
		p.stats.Misses++
	}
	p.mu.Unlock()

	metrics.PoolAllocations.WithLabelValues(p.name, result).Inc()
	return h, nil
}

// Deallocate returns h to its bucket, or destroys it when pooling is off or
// the bucket is full.
func (p *Pool[H]) Deallocate(ctx context.Context, h H, size uint64, tag string) error {
	k := key{size: size, tag: tag}

	p.mu.Lock()
	p.stats.Deallocations++
	if !p.passthru && len(p.buckets[k]) < p.maxDepth {
		p.buckets[k] = append(p.buckets[k], h)
		p.stats.Idle++
		p.stats.IdleBytes += size
		idle := p.stats.Idle
		p.mu.Unlock()

		metrics.PoolIdleHandles.WithLabelValues(p.name).Set(float64(idle))
		return nil
	}
	p.stats.Destroyed++
	p.mu.Unlock()

	return p.src.Destroy(ctx, h, size)
}

// reclaim drains the pool after a failed create. It reports whether any
// parked handle was released, in which case the create is worth retrying.
func (p *Pool[H]) reclaim(ctx context.Context, size uint64, cause error) bool {
	p.mu.Lock()
	idle, idleBytes := p.stats.Idle, p.stats.IdleBytes
	p.mu.Unlock()
	if p.passthru || idle == 0 {
		return false
	}

	p.log.Warn("allocation failed, releasing idle handles",
		zap.Uint64("size", size),
		zap.Int("idle", idle),
		zap.Uint64("idle_bytes", idleBytes),
		zap.Error(cause))
	metrics.PoolAllocations.WithLabelValues(p.name, "reclaim").Inc()
	if err := p.Drain(ctx); err != nil {
		p.log.Warn("release idle handles", zap.Error(err))
	}
	return true
}

// Drain destroys every parked handle.
func (p *Pool[H]) Drain(ctx context.Context) error {
	p.mu.Lock()
	buckets := p.buckets
	p.buckets = make(map[key][]H)
	p.stats.Idle = 0
	p.stats.IdleBytes = 0
	p.mu.Unlock()

	var errs []error
	var n uint64
	for k, bucket := range buckets {
		for _, h := range bucket {
			n++
			if err := p.src.Destroy(ctx, h, k.size); err != nil {
				errs = append(errs, err)
			}
		}
	}

	p.mu.Lock()
	p.stats.Destroyed += n
	p.mu.Unlock()

	metrics.PoolIdleHandles.WithLabelValues(p.name).Set(0)
	if n > 0 {
		p.log.Debug("pool drained", zap.Uint64("destroyed", n))
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[H]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Passthrough = p.passthru
	return s
}
