package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/cache"
	"github.com/fxnlabs/adaptive-compute/internal/execution"
	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/linear"
	"github.com/fxnlabs/adaptive-compute/internal/metrics"
	"github.com/fxnlabs/adaptive-compute/internal/pool"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

// runEnvironment detects capabilities. It fails only when detection cannot
// run at all.
func (m *Manager) runEnvironment(ctx context.Context, attempt int, res *resources) error {
	report, err := m.opts.Detector.Detect(ctx)
	if err != nil {
		m.setComponent(&m.components.Environment, StatusFailed, err.Error())
		return rterr.BackendInitFailed(string(PhaseEnvironment), err)
	}
	res.report = report
	for _, flag := range report.Degraded {
		m.recordWarning(PhaseEnvironment, attempt, "capability degraded: "+flag)
	}
	m.setComponent(&m.components.Environment, StatusSuccess, "mode "+string(report.Mode))
	return nil
}

// runLinear loads the candidate backend and injects it, or the software
// fallback when it is missing or incomplete.
func (m *Manager) runLinear(ctx context.Context, attempt int, res *resources) error {
	var candidate *linear.Backend
	if m.opts.LoadLinear != nil && res.report.LinearMemoryRuntime {
		b, err := m.opts.LoadLinear(ctx)
		switch {
		case err == nil:
			candidate = b
		case errors.Is(err, linear.ErrNoModule):
			m.log.Debug("no kernel module configured")
		default:
			m.recordWarning(PhaseLinear, attempt, fmt.Sprintf("kernel module unavailable: %v", err))
		}
	}

	if candidate != nil {
		m.injector.Register(LinearDependency, candidate)
	}
	r, err := m.injector.Inject(LinearDependency, m.opts.Required)
	// the attempt owns the backend from here on
	m.injector.Unregister(LinearDependency)

	if err != nil {
		if cerr := candidate.Close(ctx); cerr != nil {
			m.log.Warn("close kernel module", zap.Error(cerr))
		}
		m.setComponent(&m.components.Linear, StatusFailed, err.Error())
		return err
	}

	res.backend = r.Backend
	if !r.Fallback {
		m.setComponent(&m.components.Linear, StatusSuccess, r.Backend.Name)
		return nil
	}
	if candidate != nil {
		if cerr := candidate.Close(ctx); cerr != nil {
			m.log.Warn("close incomplete kernel module", zap.Error(cerr))
		}
	}
	m.recordWarning(PhaseLinear, attempt, "using software fallback: "+r.Notice.Error())
	m.setComponent(&m.components.Linear, StatusFallback, r.Notice.Error())
	return nil
}

// runGPU opens the device when the report has GPU compute. A failure
// downgrades the mode and is never fatal.
func (m *Manager) runGPU(ctx context.Context, attempt int, res *resources) error {
	if !res.report.GPUCompute {
		m.setComponent(&m.components.GPU, StatusSkipped, "no gpu compute support")
		return nil
	}
	if m.opts.GPUOpener == nil {
		m.setComponent(&m.components.GPU, StatusSkipped, "no gpu opener configured")
		res.report = res.report.Downgrade()
		return nil
	}

	mgr, err := gpu.NewManager(ctx, m.opts.GPUOpener, m.log)
	if err != nil {
		res.report = res.report.Downgrade()
		m.recordWarning(PhaseGPU, attempt, fmt.Sprintf("gpu init failed, continuing without gpu: %v", err))
		m.setComponent(&m.components.GPU, StatusFailed, err.Error())
		return nil
	}
	res.device = mgr
	m.setComponent(&m.components.GPU, StatusSuccess, mgr.Info().Name)
	return nil
}

// runMemory builds the pools, the result cache and the execution frameworks.
// An unusable pool configuration falls back to pass-through allocation.
func (m *Manager) runMemory(_ context.Context, attempt int, res *resources) error {
	cfg := m.opts.Pool
	status, detail := StatusSuccess, "pooled"
	switch {
	case cfg.MaxDepth < 0:
		m.recordWarning(PhaseMemory, attempt, fmt.Sprintf("invalid pool depth %d, allocating directly", cfg.MaxDepth))
		cfg = pool.Config{Passthrough: true}
		status, detail = StatusFallback, "pass-through"
	case cfg.Passthrough:
		m.recordWarning(PhaseMemory, attempt, "pooling disabled, allocating directly")
		status, detail = StatusFallback, "pass-through"
	}

	res.memPool = pool.New[uint32]("linear", res.backend, cfg, m.log)
	var dev gpu.Device
	if res.device != nil {
		res.bufPool = pool.New[gpu.Buffer]("gpu", res.device, cfg, m.log)
		dev = res.device.Device()
	}
	res.results = cache.New[any](m.opts.CacheEntries)
	res.linearExec = execution.NewLinear(res.backend, res.memPool, res.results, m.opts.Execution, m.log)
	res.gpuExec = execution.NewGPU(dev, res.bufPool, res.results, m.opts.Execution, m.log)

	m.setComponent(&m.components.Memory, status, detail)
	return nil
}

// runValidation scores the component states. An unhealthy result is logged
// but does not fail init.
func (m *Manager) runValidation(_ context.Context, attempt int, _ *resources) error {
	m.mu.Lock()
	score := HealthScore(m.components)
	healthy := Healthy(m.components)
	m.state.HealthScore = score
	m.state.Healthy = healthy
	m.mu.Unlock()

	metrics.HealthScore.Set(float64(score))
	if !healthy {
		m.log.Error("validation failed", zap.Int("health_score", score), zap.Int("attempt", attempt))
	}
	return nil
}
