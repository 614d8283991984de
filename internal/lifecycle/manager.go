// Package lifecycle initializes the runtime's backends in a fixed phase
// order, tracks per-component state and restarts the whole sequence on
// failure up to a bounded number of attempts.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fxnlabs/adaptive-compute/internal/cache"
	"github.com/fxnlabs/adaptive-compute/internal/capability"
	"github.com/fxnlabs/adaptive-compute/internal/execution"
	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/inject"
	"github.com/fxnlabs/adaptive-compute/internal/kernels"
	"github.com/fxnlabs/adaptive-compute/internal/linear"
	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/internal/metrics"
	"github.com/fxnlabs/adaptive-compute/internal/pool"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond

	// LinearDependency is the injector name of the linear-memory backend.
	LinearDependency = "linear"
)

// Detector produces a capability report. *capability.Probe implements it.
type Detector interface {
	Detect(ctx context.Context) (capability.Report, error)
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Detector runs the environment phase. Defaults to a probe over GPUOpener.
	Detector Detector
	// LoadLinear loads the candidate linear-memory backend. Nil means no
	// candidate, so the software fallback is injected.
	LoadLinear func(ctx context.Context) (*linear.Backend, error)
	// SoftwarePages and SoftwareMaxPages size the fallback backend memory.
	SoftwarePages    uint32
	SoftwareMaxPages uint32
	// Required lists the ops the linear backend must provide. Defaults to every op.
	Required []kernels.Op

	// GPUOpener opens the GPU device when the report has GPU compute.
	GPUOpener gpu.Opener

	Pool         pool.Config
	CacheEntries int
	Execution    execution.Config

	// BeforePhase runs before each phase; an error fails that phase.
	BeforePhase func(ctx context.Context, phase Phase, attempt int) error
	// Sleep waits between recovery attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.SoftwarePages == 0 {
		o.SoftwarePages = 16
	}
	if len(o.Required) == 0 {
		o.Required = kernels.Ops()
	}
	if o.CacheEntries <= 0 {
		o.CacheEntries = cache.DefaultMaxEntries
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resources is everything one successful init attempt built.
type resources struct {
	report     capability.Report
	backend    *linear.Backend
	device     *gpu.Manager
	memPool    *pool.Pool[uint32]
	bufPool    *pool.Pool[gpu.Buffer]
	results    *execution.Results
	linearExec *execution.Linear
	gpuExec    *execution.GPU
}

// Manager is the resource lifecycle manager.
type Manager struct {
	opts     Options
	log      *zap.Logger
	injector *inject.Injector[*linear.Backend]

	flight singleflight.Group

	mu         sync.RWMutex
	state      InitState
	components Components
	res        *resources
	// cancel and done belong to the in-flight run, nil when idle.
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a manager in the not_started phase.
func New(opts Options, log *zap.Logger) *Manager {
	opts = opts.withDefaults()
	log = logger.OrNop(log).Named("lifecycle")
	if opts.Detector == nil {
		opts.Detector = capability.NewProbe(opts.GPUOpener, log)
	}

	m := &Manager{
		opts:     opts,
		log:      log,
		injector: inject.New[*linear.Backend](log),
		state: InitState{
			Phase:       PhaseNotStarted,
			MaxAttempts: opts.MaxAttempts,
		},
		components: pendingComponents(time.Now()),
	}
	m.injector.RegisterFallback(LinearDependency, func() (*linear.Backend, error) {
		return linear.NewSoftware(opts.SoftwarePages, opts.SoftwareMaxPages), nil
	})
	return m
}

// Init runs the phase sequence. It returns immediately once completed, and
// concurrent callers share one in-flight run. The run does not inherit the
// caller's cancellation: a caller whose ctx ends stops waiting and gets
// ctx.Err(), while the run carries on for the others. Apart from that only
// RecoveryExhausted is returned as an error.
func (m *Manager) Init(ctx context.Context) error {
	if m.State().Phase == PhaseCompleted {
		return nil
	}
	ch := m.flight.DoChan("init", func() (any, error) {
		if m.State().Phase == PhaseCompleted {
			return nil, nil
		}
		return nil, m.run(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Shared {
			m.log.Debug("joined in-flight init")
		}
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run owns the init state until it returns. Destroy cancels it through
// m.cancel and waits on m.done.
func (m *Manager) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	defer func() {
		cancel()
		m.mu.Lock()
		m.cancel, m.done = nil, nil
		m.mu.Unlock()
		close(done)
	}()

	start := time.Now()
	m.mu.Lock()
	m.cancel, m.done = cancel, done
	m.state = InitState{
		Phase:       PhaseEnvironment,
		StartedAt:   start,
		MaxAttempts: m.opts.MaxAttempts,
	}
	m.mu.Unlock()

	var (
		lastErr   error
		lastPhase Phase
	)
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * m.opts.BaseDelay
			m.log.Warn("restarting init",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			if err := m.opts.Sleep(ctx, delay); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		m.mu.Lock()
		m.state.Attempts = attempt
		m.components = pendingComponents(time.Now())
		m.mu.Unlock()
		metrics.InitAttempts.Inc()

		res, phase, err := m.attempt(ctx, attempt)
		if err == nil {
			m.complete(res, start)
			return nil
		}
		lastErr, lastPhase = err, phase
		metrics.PhaseFailures.WithLabelValues(string(phase)).Inc()
		m.recordError(phase, attempt, err)
	}

	m.mu.Lock()
	m.state.Phase = PhaseFailed
	m.state.EndedAt = time.Now()
	m.state.Duration = m.state.EndedAt.Sub(start)
	attempts := m.state.Attempts
	m.mu.Unlock()

	exhausted := rterr.RecoveryExhausted(string(lastPhase), attempts, lastErr)
	m.log.Error("init failed", zap.Error(exhausted))
	return exhausted
}

// attempt runs every phase once. On failure it releases whatever the
// attempt built and reports the failing phase.
func (m *Manager) attempt(ctx context.Context, attempt int) (res *resources, phase Phase, err error) {
	res = &resources{}
	defer func() {
		if err != nil {
			if cerr := m.release(ctx, res); cerr != nil {
				m.log.Warn("release after failed attempt", zap.Error(cerr))
			}
			res = nil
		}
	}()

	for _, step := range []struct {
		phase Phase
		run   func(context.Context, int, *resources) error
	}{
		{PhaseEnvironment, m.runEnvironment},
		{PhaseLinear, m.runLinear},
		{PhaseGPU, m.runGPU},
		{PhaseMemory, m.runMemory},
		{PhaseValidation, m.runValidation},
	} {
		m.setPhase(step.phase)
		if m.opts.BeforePhase != nil {
			if err := m.opts.BeforePhase(ctx, step.phase, attempt); err != nil {
				return res, step.phase, rterr.BackendInitFailed(string(step.phase), err)
			}
		}
		if err := step.run(ctx, attempt, res); err != nil {
			return res, step.phase, err
		}
	}
	return res, PhaseCompleted, nil
}

func (m *Manager) complete(res *resources, start time.Time) {
	m.mu.Lock()
	m.res = res
	m.state.Phase = PhaseCompleted
	m.state.EndedAt = time.Now()
	m.state.Duration = m.state.EndedAt.Sub(start)
	state := m.state
	m.mu.Unlock()

	metrics.SetMode(string(res.report.Mode), capability.ModeNames())
	m.log.Info("runtime initialized",
		zap.String("mode", string(res.report.Mode)),
		zap.String("linear_backend", res.backend.Name),
		zap.Bool("gpu", res.gpuExec.Available()),
		zap.Int("health_score", state.HealthScore),
		zap.Int("attempts", state.Attempts),
		zap.Duration("duration", state.Duration))
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.state.Phase = p
	m.mu.Unlock()
}

func (m *Manager) setComponent(target *ComponentState, status Status, detail string) {
	m.mu.Lock()
	*target = ComponentState{Status: status, Detail: detail, UpdatedAt: time.Now()}
	m.mu.Unlock()
}

func (m *Manager) recordWarning(phase Phase, attempt int, msg string) {
	m.mu.Lock()
	m.state.Warnings = append(m.state.Warnings, Event{Phase: phase, Attempt: attempt, Message: msg, At: time.Now()})
	m.mu.Unlock()
	m.log.Warn(msg, zap.String("phase", string(phase)), zap.Int("attempt", attempt))
}

func (m *Manager) recordError(phase Phase, attempt int, err error) {
	m.mu.Lock()
	m.state.Errors = append(m.state.Errors, Event{Phase: phase, Attempt: attempt, Message: err.Error(), At: time.Now()})
	m.mu.Unlock()
	m.log.Error("init phase failed", zap.String("phase", string(phase)), zap.Int("attempt", attempt), zap.Error(err))
}

// release tears down res in reverse order of construction.
func (m *Manager) release(ctx context.Context, res *resources) error {
	if res == nil {
		return nil
	}
	var errs []error
	if res.gpuExec != nil {
		res.gpuExec.Close()
	}
	if res.bufPool != nil {
		errs = append(errs, res.bufPool.Drain(ctx))
	}
	if res.memPool != nil {
		errs = append(errs, res.memPool.Drain(ctx))
	}
	if res.results != nil {
		res.results.Clear()
	}
	if res.device != nil {
		errs = append(errs, res.device.Cleanup())
	}
	if res.backend != nil {
		errs = append(errs, res.backend.Close(ctx))
	}
	return errors.Join(errs...)
}

// Destroy releases the GPU device, pools and linear backend and clears the
// exports. An in-flight Init is cancelled and waited for first, so nothing it
// builds outlives Destroy. Safe to call more than once; Init may be called
// again afterwards.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("destroy: wait for init: %w", ctx.Err())
		}
	}

	m.mu.Lock()
	res := m.res
	m.res = nil
	m.state = InitState{Phase: PhaseNotStarted, MaxAttempts: m.opts.MaxAttempts}
	m.components = pendingComponents(time.Now())
	m.mu.Unlock()

	if res == nil {
		return nil
	}
	if err := m.release(ctx, res); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	m.log.Debug("runtime destroyed")
	return nil
}

// State returns a snapshot of the init state machine.
func (m *Manager) State() InitState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// Components returns a snapshot of the component states.
func (m *Manager) Components() Components {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.components
}

func (m *Manager) current() *resources {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.res
}

// Report returns the capability report of the completed init.
func (m *Manager) Report() (capability.Report, bool) {
	res := m.current()
	if res == nil {
		return capability.Report{}, false
	}
	return res.report, true
}

// ComputeExports returns the bound linear-memory backend, nil before init.
func (m *Manager) ComputeExports() *linear.Backend {
	if res := m.current(); res != nil {
		return res.backend
	}
	return nil
}

// GPUCore returns the GPU manager, nil when no device was opened.
func (m *Manager) GPUCore() *gpu.Manager {
	if res := m.current(); res != nil {
		return res.device
	}
	return nil
}

// LinearExecutor returns the linear-memory execution framework.
func (m *Manager) LinearExecutor() *execution.Linear {
	if res := m.current(); res != nil {
		return res.linearExec
	}
	return nil
}

// GPUExecutor returns the GPU execution framework. It is non-nil after init
// even without a device, in which case its calls fail with GpuUnavailable.
func (m *Manager) GPUExecutor() *execution.GPU {
	if res := m.current(); res != nil {
		return res.gpuExec
	}
	return nil
}

// Pools returns the memory pool and, when a device is open, the buffer pool.
func (m *Manager) Pools() (*pool.Pool[uint32], *pool.Pool[gpu.Buffer]) {
	if res := m.current(); res != nil {
		return res.memPool, res.bufPool
	}
	return nil, nil
}

// Cache returns the shared result cache.
func (m *Manager) Cache() *execution.Results {
	if res := m.current(); res != nil {
		return res.results
	}
	return nil
}
