package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/adaptive-compute/internal/capability"
	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/kernels"
	"github.com/fxnlabs/adaptive-compute/internal/linear"
	"github.com/fxnlabs/adaptive-compute/internal/linear/lineartest"
	"github.com/fxnlabs/adaptive-compute/internal/pool"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

type stubDetector struct {
	report  capability.Report
	err     error
	calls   atomic.Int32
	release chan struct{}
}

func (d *stubDetector) Detect(ctx context.Context) (capability.Report, error) {
	d.calls.Add(1)
	if d.release != nil {
		<-d.release
	}
	return d.report, d.err
}

func linearReport() capability.Report {
	r := capability.Report{LinearMemoryRuntime: true}
	r.Mode = capability.SelectMode(r)
	return r
}

func gpuReport() capability.Report {
	r := capability.Report{LinearMemoryRuntime: true, GPUCompute: true}
	r.Mode = capability.SelectMode(r)
	return r
}

type failingOpener struct{}

func (failingOpener) Probe(context.Context) (gpu.Support, error) { return gpu.Support{}, gpu.ErrNoAdapter }
func (failingOpener) Open(context.Context) (gpu.Device, error)   { return nil, gpu.ErrNoAdapter }

func noSleep(context.Context, time.Duration) error { return nil }

func TestInit_SoftwareFallback(t *testing.T) {
	m := New(Options{Detector: &stubDetector{report: linearReport()}}, nil)
	assert.Equal(t, PhaseNotStarted, m.State().Phase)
	assert.Nil(t, m.ComputeExports())

	require.NoError(t, m.Init(context.Background()))

	state := m.State()
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, 1, state.Attempts)
	assert.True(t, state.Healthy)
	assert.Equal(t, 80, state.HealthScore)
	assert.Empty(t, state.Errors)
	require.NotEmpty(t, state.Warnings)
	assert.Equal(t, PhaseLinear, state.Warnings[0].Phase)

	c := m.Components()
	assert.Equal(t, StatusSuccess, c.Environment.Status)
	assert.Equal(t, StatusFallback, c.Linear.Status)
	assert.Equal(t, StatusSkipped, c.GPU.Status)
	assert.Equal(t, StatusSuccess, c.Memory.Status)

	backend := m.ComputeExports()
	require.NotNil(t, backend)
	assert.True(t, backend.Software())
	assert.Nil(t, m.GPUCore())
	assert.False(t, m.GPUExecutor().Available())
	assert.NotNil(t, m.LinearExecutor())
	assert.NotNil(t, m.Cache())

	memPool, bufPool := m.Pools()
	assert.NotNil(t, memPool)
	assert.Nil(t, bufPool)

	require.NoError(t, m.Destroy(context.Background()))
}

func TestInit_RealBackendAndGPU(t *testing.T) {
	m := New(Options{
		Detector: &stubDetector{report: gpuReport()},
		LoadLinear: func(context.Context) (*linear.Backend, error) {
			b := linear.NewSoftware(1, 16)
			b.Name = "native"
			return b, nil
		},
		GPUOpener: gpu.EmulatedOpener{},
	}, nil)
	require.NoError(t, m.Init(context.Background()))
	defer m.Destroy(context.Background())

	state := m.State()
	assert.Equal(t, 100, state.HealthScore)
	assert.Empty(t, state.Warnings)

	assert.Equal(t, "native", m.ComputeExports().Name)
	require.NotNil(t, m.GPUCore())
	assert.True(t, m.GPUCore().IsAvailable())
	assert.True(t, m.GPUExecutor().Available())

	report, ok := m.Report()
	require.True(t, ok)
	assert.Equal(t, capability.ModeGPULinear, report.Mode)

	_, bufPool := m.Pools()
	assert.NotNil(t, bufPool)
}

func TestInit_IncompleteModuleFallsBack(t *testing.T) {
	m := New(Options{
		Detector: &stubDetector{report: linearReport()},
		LoadLinear: func(ctx context.Context) (*linear.Backend, error) {
			return linear.LoadModule(ctx, lineartest.KernelModule(), linear.Options{})
		},
	}, nil)
	require.NoError(t, m.Init(context.Background()))
	defer m.Destroy(context.Background())

	assert.Equal(t, StatusFallback, m.Components().Linear.Status)
	assert.Contains(t, m.Components().Linear.Detail, "vec_sub")
	assert.True(t, m.ComputeExports().Software())
}

func TestInit_SubsetOfOpsAcceptsModule(t *testing.T) {
	m := New(Options{
		Detector: &stubDetector{report: linearReport()},
		LoadLinear: func(ctx context.Context) (*linear.Backend, error) {
			return linear.LoadModule(ctx, lineartest.KernelModule(), linear.Options{})
		},
		Required: []kernels.Op{kernels.VecDot, kernels.VecAdd},
	}, nil)
	require.NoError(t, m.Init(context.Background()))
	defer m.Destroy(context.Background())

	assert.Equal(t, StatusSuccess, m.Components().Linear.Status)
	assert.False(t, m.ComputeExports().Software())
}

func TestInit_LoaderErrorIsAWarning(t *testing.T) {
	m := New(Options{
		Detector: &stubDetector{report: linearReport()},
		LoadLinear: func(context.Context) (*linear.Backend, error) {
			return nil, errors.New("download failed")
		},
	}, nil)
	require.NoError(t, m.Init(context.Background()))

	warnings := m.State().Warnings
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0].Message, "download failed")
	assert.Equal(t, StatusFallback, m.Components().Linear.Status)
}

func TestInit_GPUFailureDowngrades(t *testing.T) {
	m := New(Options{
		Detector:  &stubDetector{report: gpuReport()},
		GPUOpener: failingOpener{},
	}, nil)
	require.NoError(t, m.Init(context.Background()))

	assert.Equal(t, PhaseCompleted, m.State().Phase)
	assert.Equal(t, StatusFailed, m.Components().GPU.Status)
	assert.True(t, m.State().Healthy, "gpu is advisory")

	report, _ := m.Report()
	assert.Equal(t, capability.ModeLinearOnly, report.Mode)
	assert.False(t, report.GPUCompute)
	assert.Nil(t, m.GPUCore())
	assert.False(t, m.GPUExecutor().Available())
}

func TestInit_PassthroughMemory(t *testing.T) {
	for name, cfg := range map[string]pool.Config{
		"disabled":      {Passthrough: true},
		"invalid depth": {MaxDepth: -1},
	} {
		t.Run(name, func(t *testing.T) {
			m := New(Options{Detector: &stubDetector{report: linearReport()}, Pool: cfg}, nil)
			require.NoError(t, m.Init(context.Background()))

			assert.Equal(t, StatusFallback, m.Components().Memory.Status)
			memPool, _ := m.Pools()
			assert.True(t, memPool.Passthrough())
		})
	}
}

func TestInit_Idempotent(t *testing.T) {
	d := &stubDetector{report: linearReport()}
	m := New(Options{Detector: d}, nil)

	require.NoError(t, m.Init(context.Background()))
	first := m.ComputeExports()
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Init(context.Background()))

	assert.Equal(t, int32(1), d.calls.Load())
	assert.Same(t, first, m.ComputeExports())
}

func TestInit_SingleFlight(t *testing.T) {
	d := &stubDetector{report: linearReport(), release: make(chan struct{})}
	m := New(Options{Detector: d}, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Init(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(d.release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), d.calls.Load())
	assert.Equal(t, 1, m.State().Attempts)
}

func TestInit_RecoveryBound(t *testing.T) {
	var (
		phases []Phase
		delays []time.Duration
	)
	m := New(Options{
		Detector:    &stubDetector{report: linearReport()},
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		BeforePhase: func(_ context.Context, p Phase, _ int) error {
			phases = append(phases, p)
			return errors.New("injected fault")
		},
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}, nil)

	err := m.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rterr.ErrRecoveryExhausted)
	assert.ErrorIs(t, err, rterr.ErrBackendInitFailed)

	var re *rterr.Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 3, re.Attempt)
	assert.Equal(t, string(PhaseEnvironment), re.Phase)

	assert.Equal(t, []Phase{PhaseEnvironment, PhaseEnvironment, PhaseEnvironment}, phases)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, delays)

	state := m.State()
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, 3, state.Attempts)
	require.Len(t, state.Errors, 3)
	for i, e := range state.Errors {
		assert.Equal(t, i+1, e.Attempt)
		assert.Equal(t, PhaseEnvironment, e.Phase)
	}
	assert.Nil(t, m.ComputeExports())
}

func TestInit_FullRestartAfterLatePhaseFailure(t *testing.T) {
	var backends []*linear.Backend
	var phases []Phase
	m := New(Options{
		Detector: &stubDetector{report: gpuReport()},
		LoadLinear: func(context.Context) (*linear.Backend, error) {
			b := linear.NewSoftware(1, 16)
			backends = append(backends, b)
			return b, nil
		},
		GPUOpener: gpu.EmulatedOpener{},
		BeforePhase: func(_ context.Context, p Phase, attempt int) error {
			phases = append(phases, p)
			if attempt == 1 && p == PhaseMemory {
				return errors.New("injected fault")
			}
			return nil
		},
		Sleep: noSleep,
	}, nil)

	require.NoError(t, m.Init(context.Background()))
	defer m.Destroy(context.Background())

	assert.Equal(t, []Phase{
		PhaseEnvironment, PhaseLinear, PhaseGPU, PhaseMemory,
		PhaseEnvironment, PhaseLinear, PhaseGPU, PhaseMemory, PhaseValidation,
	}, phases)
	require.Len(t, backends, 2, "the restart reloads the linear backend")
	assert.Same(t, backends[1], m.ComputeExports())

	state := m.State()
	assert.Equal(t, 2, state.Attempts)
	require.Len(t, state.Errors, 1)
	assert.Equal(t, PhaseMemory, state.Errors[0].Phase)
	assert.Equal(t, 1, state.Errors[0].Attempt)
}

func TestInit_DetectionFailureExhausts(t *testing.T) {
	d := &stubDetector{err: context.Canceled}
	m := New(Options{Detector: d, Sleep: noSleep}, nil)

	err := m.Init(context.Background())
	assert.ErrorIs(t, err, rterr.ErrRecoveryExhausted)
	assert.Equal(t, int32(DefaultMaxAttempts), d.calls.Load())
	assert.Equal(t, StatusFailed, m.Components().Environment.Status)
}

func TestInit_CallerCancellationDoesNotAbortSharedRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	m := New(Options{
		Detector: &stubDetector{report: linearReport()},
		BeforePhase: func(runCtx context.Context, p Phase, attempt int) error {
			if attempt == 1 && p == PhaseEnvironment {
				cancel()
				<-release
				// the run's own context is untouched by the caller's cancel
				return runCtx.Err()
			}
			return nil
		},
		Sleep: noSleep,
	}, nil)

	err := m.Init(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, rterr.ErrRecoveryExhausted)

	close(release)
	require.NoError(t, m.Init(context.Background()))
	defer m.Destroy(context.Background())

	assert.Equal(t, PhaseCompleted, m.State().Phase)
	assert.Equal(t, 1, m.State().Attempts)
	assert.NotNil(t, m.ComputeExports())
}

func TestDestroy_CancelsInFlightInit(t *testing.T) {
	entered := make(chan struct{})
	var blocked atomic.Bool
	m := New(Options{
		Detector: &stubDetector{report: linearReport()},
		BeforePhase: func(ctx context.Context, p Phase, _ int) error {
			if p == PhaseMemory && blocked.CompareAndSwap(false, true) {
				close(entered)
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}, nil)

	errc := make(chan error, 1)
	go func() { errc <- m.Init(context.Background()) }()
	<-entered

	require.NoError(t, m.Destroy(context.Background()))
	// the run has ended by the time Destroy returns and left nothing behind
	assert.Nil(t, m.ComputeExports())
	assert.Nil(t, m.LinearExecutor())
	assert.Equal(t, PhaseNotStarted, m.State().Phase)

	err := <-errc
	assert.ErrorIs(t, err, rterr.ErrRecoveryExhausted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, m.ComputeExports())

	require.NoError(t, m.Init(context.Background()))
	assert.NotNil(t, m.ComputeExports())
	require.NoError(t, m.Destroy(context.Background()))
}

func TestDestroy(t *testing.T) {
	d := &stubDetector{report: gpuReport()}
	m := New(Options{Detector: d, GPUOpener: gpu.EmulatedOpener{}}, nil)

	require.NoError(t, m.Destroy(context.Background()), "destroy before init is a no-op")
	require.NoError(t, m.Init(context.Background()))
	core := m.GPUCore()
	require.NotNil(t, core)

	require.NoError(t, m.Destroy(context.Background()))
	require.NoError(t, m.Destroy(context.Background()))

	assert.False(t, core.IsAvailable(), "the device is released")
	assert.Nil(t, m.ComputeExports())
	assert.Nil(t, m.GPUCore())
	assert.Equal(t, PhaseNotStarted, m.State().Phase)

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, int32(2), d.calls.Load())
	require.NoError(t, m.Destroy(context.Background()))
}

func TestHealthScore(t *testing.T) {
	c := Components{
		Environment: ComponentState{Status: StatusSuccess},
		Linear:      ComponentState{Status: StatusSuccess},
		GPU:         ComponentState{Status: StatusSuccess},
		Memory:      ComponentState{Status: StatusSuccess},
	}
	assert.Equal(t, 100, HealthScore(c))
	assert.True(t, Healthy(c))

	c.Linear.Status = StatusFailed
	assert.False(t, Healthy(c))
	assert.Equal(t, 65, HealthScore(c))

	assert.Equal(t, 0, HealthScore(pendingComponents(time.Now())))
}
