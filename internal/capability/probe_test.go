package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

type stubProber struct {
	support gpu.Support
	err     error
	panics  bool
	calls   int
}

func (s *stubProber) Probe(context.Context) (gpu.Support, error) {
	s.calls++
	if s.panics {
		panic("adapter request crashed")
	}
	return s.support, s.err
}

func TestDetect_GPUAndLinear(t *testing.T) {
	prober := &stubProber{support: gpu.Support{Compute: true, Raster: true, Adapter: "test"}}
	r, err := NewProbe(prober, nil).Detect(context.Background())
	require.NoError(t, err)

	assert.True(t, r.LinearMemoryRuntime)
	assert.True(t, r.SharedMemory)
	assert.True(t, r.GPUCompute)
	assert.Equal(t, "test", r.GPUAdapter)
	assert.Equal(t, ModeGPULinear, r.Mode)
	assert.Empty(t, r.Degraded)
	assert.NotEmpty(t, r.HostOS)
	assert.False(t, r.DetectedAt.IsZero())
	assert.Equal(t, 1, prober.calls)
}

func TestDetect_NoProber(t *testing.T) {
	r, err := NewProbe(nil, nil).Detect(context.Background())
	require.NoError(t, err)
	assert.False(t, r.GPUCompute)
	assert.Equal(t, ModeLinearOnly, r.Mode)
}

func TestDetect_RasterOnly(t *testing.T) {
	r, err := NewProbe(&stubProber{support: gpu.Support{Raster: true}}, nil).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeRasterLinear, r.Mode)
}

func TestDetect_FailingQueriesAreIsolated(t *testing.T) {
	for name, prober := range map[string]*stubProber{
		"error": {err: gpu.ErrNoAdapter},
		"panic": {panics: true},
	} {
		t.Run(name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			r, err := NewProbe(prober, zap.New(core)).Detect(context.Background())
			require.NoError(t, err)

			assert.False(t, r.GPUCompute)
			assert.True(t, r.LinearMemoryRuntime, "other flags must survive")
			assert.Equal(t, ModeLinearOnly, r.Mode)
			assert.Equal(t, []string{FlagGPU}, r.Degraded)

			entries := logs.FilterMessage("capability query failed").All()
			require.Len(t, entries, 1)
			logged, ok := entries[0].ContextMap()["error"].(string)
			require.True(t, ok)
			assert.Contains(t, logged, FlagGPU)
		})
	}
}

func TestDetect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := NewProbe(&stubProber{}, nil).Detect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rterr.ErrDetectionDegraded))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ModePureSoftware, r.Mode)
	assert.False(t, r.GPUCompute)
	assert.False(t, r.LinearMemoryRuntime)
}

func TestDetect_EmulatedOpener(t *testing.T) {
	r, err := NewProbe(gpu.EmulatedOpener{}, nil).Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, r.GPUCompute)
	assert.Equal(t, ModeGPULinear, r.Mode)
}

func TestReport_Downgrade(t *testing.T) {
	r := Report{GPUCompute: true, GPURaster: true, LinearMemoryRuntime: true, GPUAdapter: "x"}
	r.Mode = SelectMode(r)
	require.Equal(t, ModeGPULinear, r.Mode)

	d := r.Downgrade()
	assert.False(t, d.GPUCompute)
	assert.False(t, d.GPURaster)
	assert.Empty(t, d.GPUAdapter)
	assert.Equal(t, ModeLinearOnly, d.Mode)
	assert.Contains(t, d.Degraded, FlagGPU)

	assert.True(t, r.GPUCompute, "downgrade must not modify the receiver")
	assert.Empty(t, r.Degraded)
}

func TestModes(t *testing.T) {
	assert.Equal(t, []string{"gpu+linear", "accelerated-raster+linear", "linear-only", "pure-software"}, ModeNames())
	assert.True(t, ModeGPULinear.Better(ModeLinearOnly))
	assert.False(t, ModePureSoftware.Better(ModeLinearOnly))
	assert.Equal(t, 4, Mode("bogus").Rank())
	assert.True(t, ModeGPULinear.HasGPU())
	assert.False(t, ModeRasterLinear.HasGPU())

	assert.Equal(t, ModePureSoftware, SelectMode(Report{GPUCompute: true}))
	assert.Equal(t, ModePureSoftware, Conservative().Mode)
}
