package execution

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/adaptive-compute/internal/cache"
	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/metrics"
	"github.com/fxnlabs/adaptive-compute/internal/pool"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

func matMulCall(a, b []float32, m, k, n uint32) GPUCall[[]float32] {
	return GPUCall[[]float32]{
		Shader:      "mat_mul",
		Fingerprint: []any{a, b, m, k, n},
		Grid:        [3]uint32{n, m, 1},
		Setup: func(s *GPUScope) ([]gpu.Buffer, error) {
			ba, err := s.Storage(gpu.Float32sToBytes(a))
			if err != nil {
				return nil, err
			}
			bb, err := s.Storage(gpu.Float32sToBytes(b))
			if err != nil {
				return nil, err
			}
			out, err := s.Output(uint64(m*n) * 4)
			if err != nil {
				return nil, err
			}
			dims, err := s.Uniform(m, k, n)
			if err != nil {
				return nil, err
			}
			return []gpu.Buffer{ba, bb, out, dims}, nil
		},
		Read: func(s *GPUScope, bindings []gpu.Buffer) ([]float32, error) {
			raw, err := s.Read(bindings[2], uint64(m*n)*4)
			if err != nil {
				return nil, err
			}
			return gpu.BytesToFloat32s(raw), nil
		},
	}
}

func newGPU(t *testing.T, results *Results) (*GPU, *gpu.CPUDevice) {
	t.Helper()
	dev := gpu.NewCPUDevice(nil)
	t.Cleanup(func() { _ = dev.Release() })
	p := pool.New[gpu.Buffer]("gpu", deviceSource{dev}, pool.Config{}, nil)
	return NewGPU(dev, p, results, Config{WorkgroupSize: 2}, nil), dev
}

var (
	matA = []float32{1, 2, 3, 4, 5, 6}
	matB = []float32{7, 8, 9, 10, 11, 12}
)

func TestRunGPU_MatMul(t *testing.T) {
	fw, dev := newGPU(t, nil)

	out, err := RunGPU(context.Background(), fw, matMulCall(matA, matB, 2, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{58, 64, 139, 154}, out)
	assert.Equal(t, uint64(1), dev.Dispatches())

	stats := fw.Pool().Stats()
	assert.Equal(t, uint64(4), stats.Allocations)
	assert.Equal(t, stats.Allocations, stats.Deallocations)

	require.NoError(t, fw.Pool().Drain(context.Background()))
	assert.Equal(t, 0, dev.LiveBuffers())
}

func TestRunGPU_Unavailable(t *testing.T) {
	src := &countingSource{}
	p := pool.New[gpu.Buffer]("gpu", src, pool.Config{}, nil)
	fw := NewGPU(nil, p, nil, Config{}, nil)
	assert.False(t, fw.Available())

	setupRan := false
	call := matMulCall(matA, matB, 2, 3, 2)
	inner := call.Setup
	call.Setup = func(s *GPUScope) ([]gpu.Buffer, error) {
		setupRan = true
		return inner(s)
	}

	_, err := RunGPU(context.Background(), fw, call)
	require.Error(t, err)
	assert.ErrorIs(t, err, rterr.ErrGpuUnavailable)
	assert.False(t, setupRan)
	assert.Equal(t, 0, src.created)
	assert.Equal(t, uint64(0), p.Stats().Allocations)
}

type countingSource struct{ created int }

func (s *countingSource) Create(context.Context, uint64, string) (gpu.Buffer, error) {
	s.created++
	return nil, nil
}

func (s *countingSource) Destroy(context.Context, gpu.Buffer, uint64) error { return nil }

func TestRunGPU_CacheRoundTrip(t *testing.T) {
	fw, dev := newGPU(t, cache.New[any](cache.DefaultMaxEntries))
	ctx := context.Background()

	first, err := RunGPU(ctx, fw, matMulCall(matA, matB, 2, 3, 2))
	require.NoError(t, err)
	second, err := RunGPU(ctx, fw, matMulCall(matA, matB, 2, 3, 2))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), dev.Dispatches())
}

func TestRunGPU_PipelineBuiltOnce(t *testing.T) {
	fw, dev := newGPU(t, nil)
	before := testutil.ToFloat64(metrics.GPUPipelinesBuilt)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := RunGPU(context.Background(), fw, matMulCall(matA, matB, 2, 3, 2))
			assert.NoError(t, err)
			assert.Equal(t, []float32{58, 64, 139, 154}, out)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fw.Pipelines())
	assert.Equal(t, 1, dev.Pipelines())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.GPUPipelinesBuilt))
	assert.Equal(t, uint64(8), dev.Dispatches())

	fw.Close()
	assert.Equal(t, 0, fw.Pipelines())
	assert.Equal(t, 0, dev.Pipelines())
}

func TestRunGPU_NoLeakOnFailure(t *testing.T) {
	fw, dev := newGPU(t, nil)

	call := matMulCall(matA, matB, 2, 3, 2)
	inner := call.Setup
	call.Setup = func(s *GPUScope) ([]gpu.Buffer, error) {
		bindings, err := inner(s)
		if err != nil {
			return nil, err
		}
		// drop the uniform binding so the dispatch is rejected
		return bindings[:3], nil
	}

	_, err := RunGPU(context.Background(), fw, call)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mat_mul")

	stats := fw.Pool().Stats()
	assert.Equal(t, uint64(4), stats.Allocations)
	assert.Equal(t, stats.Allocations, stats.Deallocations)
	assert.Equal(t, uint64(0), dev.Dispatches())
}

func TestRunGPU_UnknownShader(t *testing.T) {
	fw, _ := newGPU(t, nil)
	_, err := RunGPU(context.Background(), fw, GPUCall[int]{Shader: "fft", Grid: [3]uint32{1, 1, 1}})
	require.Error(t, err)
	assert.Equal(t, uint64(0), fw.Pool().Stats().Allocations)
}

func TestRunGPU_DispatchLimit(t *testing.T) {
	fw, _ := newGPU(t, nil)
	call := matMulCall(matA, matB, 2, 3, 2)
	// workgroup size 2 is a 1x2 tile, so two rows per group along y
	call.Grid = [3]uint32{1, gpu.MaxWorkgroupsPerDimension*2 + 1, 1}
	_, err := RunGPU(context.Background(), fw, call)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "axis 1")
	assert.Equal(t, uint64(0), fw.Pool().Stats().Allocations)
}

func TestRunGPU_TwoDimensionalGrid(t *testing.T) {
	fw, dev := newGPU(t, nil)

	// 1x2 tiles: 3 columns need 3 groups on x and 70001 rows need 35001 on y.
	// A flat dispatch of the same 210003 invocations would need 105002 groups.
	const m, k, n = 70001, 1, 3
	a := make([]float32, m*k)
	for i := range a {
		a[i] = float32(i % 7)
	}
	b := []float32{1, 2, 3}

	out, err := RunGPU(context.Background(), fw, matMulCall(a, b, m, k, n))
	require.NoError(t, err)
	require.Len(t, out, m*n)
	for _, row := range []int{0, 1, 6, 35000, m - 1} {
		for col := 0; col < n; col++ {
			assert.Equal(t, a[row]*b[col], out[row*n+col], "row %d col %d", row, col)
		}
	}
	assert.Equal(t, uint64(1), dev.Dispatches())
}
