// Package compute is the public call surface of the adaptive compute runtime.
//
// An Engine owns one lifecycle manager. Operations initialize the engine on
// first use and route through the linear-memory or GPU execution framework,
// whichever the host supports, with identical results either way.
package compute

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/cache"
	"github.com/fxnlabs/adaptive-compute/internal/capability"
	"github.com/fxnlabs/adaptive-compute/internal/config"
	"github.com/fxnlabs/adaptive-compute/internal/execution"
	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/lifecycle"
	"github.com/fxnlabs/adaptive-compute/internal/linear"
	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/internal/pool"
)

// ErrInvalidInput is returned for empty or mismatched operands.
var ErrInvalidInput = errors.New("invalid input")

// Option customizes an Engine.
type Option func(*lifecycle.Options)

// WithGPUOpener overrides the GPU opener selected from the config.
func WithGPUOpener(o gpu.Opener) Option {
	return func(opts *lifecycle.Options) { opts.GPUOpener = o }
}

// WithDetector overrides capability detection.
func WithDetector(d lifecycle.Detector) Option {
	return func(opts *lifecycle.Options) { opts.Detector = d }
}

// WithLinearLoader overrides how the kernel module is loaded.
func WithLinearLoader(load func(ctx context.Context) (*linear.Backend, error)) Option {
	return func(opts *lifecycle.Options) { opts.LoadLinear = load }
}

// WithLifecycle applies fn to the lifecycle options last.
func WithLifecycle(fn func(*lifecycle.Options)) Option {
	return Option(fn)
}

// Engine is a caller-owned runtime instance.
type Engine struct {
	cfg *config.Config
	log *zap.Logger
	mgr *lifecycle.Manager
}

// New builds an engine from cfg. A nil cfg uses defaults.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logger.OrNop(log).Named("engine")

	lo := lifecycle.Options{
		MaxAttempts:      cfg.Engine.MaxAttempts,
		BaseDelay:        cfg.Engine.BaseDelay,
		SoftwarePages:    cfg.Linear.SoftwareMemoryPages,
		SoftwareMaxPages: cfg.Linear.MemoryLimitPages,
		GPUOpener:        openerFor(cfg, log),
		Pool: pool.Config{
			MaxDepth:    cfg.Pool.MaxDepth,
			Passthrough: cfg.Pool.Disabled,
		},
		CacheEntries: cfg.Cache.MaxEntries,
		Execution: execution.Config{
			MaxFingerprintBytes: cfg.Cache.MaxFingerprintBytes,
			WorkgroupSize:       cfg.GPU.WorkgroupSize,
		},
	}
	if path := cfg.Linear.ModulePath; path != "" {
		lo.LoadLinear = func(ctx context.Context) (*linear.Backend, error) {
			return linear.LoadFile(ctx, path, linear.Options{
				MemoryLimitPages: cfg.Linear.MemoryLimitPages,
				Logger:           log,
			})
		}
	}
	for _, opt := range opts {
		opt(&lo)
	}

	return &Engine{cfg: cfg, log: log, mgr: lifecycle.New(lo, log)}
}

func openerFor(cfg *config.Config, log *zap.Logger) gpu.Opener {
	switch {
	case !cfg.GPUEnabled():
		return nil
	case cfg.GPU.Emulate:
		return gpu.EmulatedOpener{Log: log}
	default:
		return gpu.NewOpener(log)
	}
}

// Init initializes the engine. It is idempotent and concurrent callers share
// one run.
func (e *Engine) Init(ctx context.Context) error {
	return e.mgr.Init(ctx)
}

// Ready reports whether Init has completed.
func (e *Engine) Ready() bool {
	return e.mgr.State().Phase == lifecycle.PhaseCompleted
}

// Manager exposes the lifecycle manager.
func (e *Engine) Manager() *lifecycle.Manager { return e.mgr }

func (e *Engine) linear(ctx context.Context) (*execution.Linear, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	fw := e.mgr.LinearExecutor()
	if fw == nil {
		return nil, errors.New("engine destroyed")
	}
	return fw, nil
}

// useGPU decides the framework for a GPU-preferring op. It returns the GPU
// framework when a device is open, or when strict GPU mode requires it.
func (e *Engine) useGPU(ctx context.Context) (*execution.GPU, bool, error) {
	if err := e.Init(ctx); err != nil {
		return nil, false, err
	}
	g := e.mgr.GPUExecutor()
	if g.Available() || e.cfg.Engine.StrictGPU {
		return g, true, nil
	}
	return nil, false, nil
}

// Status is a snapshot of the engine's health.
type Status struct {
	Ready       bool                 `json:"ready"`
	Phase       lifecycle.Phase      `json:"phase"`
	Mode        capability.Mode      `json:"mode"`
	HealthScore int                  `json:"healthScore"`
	Healthy     bool                 `json:"healthy"`
	Backend     string               `json:"backend,omitempty"`
	GPU         *gpu.DeviceInfo      `json:"gpu,omitempty"`
	Report      *capability.Report   `json:"capabilities,omitempty"`
	Components  lifecycle.Components `json:"components"`
	Init        lifecycle.InitState  `json:"init"`
}

// Status reports the engine state without initializing it.
func (e *Engine) Status() Status {
	state := e.mgr.State()
	s := Status{
		Ready:       state.Phase == lifecycle.PhaseCompleted,
		Phase:       state.Phase,
		Mode:        capability.ModePureSoftware,
		HealthScore: state.HealthScore,
		Healthy:     state.Healthy,
		Components:  e.mgr.Components(),
		Init:        state,
	}
	if report, ok := e.mgr.Report(); ok {
		s.Mode = report.Mode
		s.Report = &report
	}
	if b := e.mgr.ComputeExports(); b != nil {
		s.Backend = b.Name
	}
	if core := e.mgr.GPUCore(); core.IsAvailable() {
		info := core.Info()
		s.GPU = &info
	}
	return s
}

// MemoryStats describes pool, cache and linear memory usage.
type MemoryStats struct {
	LinearMemoryBytes uint64      `json:"linearMemoryBytes"`
	ArenaLive         int         `json:"arenaLive"`
	ArenaLiveBytes    uint64      `json:"arenaLiveBytes"`
	MemoryPool        pool.Stats  `json:"memoryPool"`
	BufferPool        *pool.Stats `json:"bufferPool,omitempty"`
	Cache             cache.Stats `json:"cache"`
	Pipelines         int         `json:"pipelines"`
}

// MemoryStats returns usage counters. It is zero before Init.
func (e *Engine) MemoryStats() MemoryStats {
	var s MemoryStats
	if b := e.mgr.ComputeExports(); b != nil {
		s.LinearMemoryBytes = uint64(b.Memory.Size())
		if arena, ok := b.Allocator.(*linear.Arena); ok {
			s.ArenaLive, s.ArenaLiveBytes = arena.Live()
		}
	}
	memPool, bufPool := e.mgr.Pools()
	if memPool != nil {
		s.MemoryPool = memPool.Stats()
	}
	if bufPool != nil {
		stats := bufPool.Stats()
		s.BufferPool = &stats
	}
	if c := e.mgr.Cache(); c != nil {
		s.Cache = c.Stats()
	}
	if g := e.mgr.GPUExecutor(); g.Available() {
		s.Pipelines = g.Pipelines()
	}
	return s
}

// Destroy releases every backend resource. Safe to call more than once.
func (e *Engine) Destroy(ctx context.Context) error {
	return e.mgr.Destroy(ctx)
}
