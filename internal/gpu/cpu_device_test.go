package gpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matMulPipeline(t *testing.T, dev Device, wg uint32) Pipeline {
	t.Helper()
	s, ok := LookupShader("mat_mul")
	require.True(t, ok)
	p, err := dev.CreatePipeline(s.Name, s.Source(wg), s.Entry)
	require.NoError(t, err)
	return p
}

func storage(t *testing.T, dev Device, data []byte) Buffer {
	t.Helper()
	b, err := dev.CreateBuffer(AlignSize(uint64(len(data))), UsageForTag(TagStorage))
	require.NoError(t, err)
	require.NoError(t, dev.WriteBuffer(b, 0, data))
	return b
}

func uniform(t *testing.T, dev Device, data []byte) Buffer {
	t.Helper()
	b, err := dev.CreateBuffer(uint64(len(data)), UsageForTag(TagUniform))
	require.NoError(t, err)
	require.NoError(t, dev.WriteBuffer(b, 0, data))
	return b
}

func TestCPUDevice_Info(t *testing.T) {
	dev := NewCPUDevice(nil)
	info := dev.Info()
	assert.Contains(t, info.Name, "CPU")
	assert.Equal(t, "cpu-emulated", info.Backend)
	assert.True(t, info.Emulated)
	assert.Greater(t, info.MaxBufferSize, uint64(0))
}

func TestCPUDevice_MatMul(t *testing.T) {
	ctx := context.Background()
	dev := NewCPUDevice(nil)
	defer dev.Release()

	// 2x3 * 3x2
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}

	bufA := storage(t, dev, Float32sToBytes(a))
	bufB := storage(t, dev, Float32sToBytes(b))
	out, err := dev.CreateBuffer(16, UsageForTag(TagStorage))
	require.NoError(t, err)
	dims := uniform(t, dev, Uint32sToBytes(2, 3, 2))

	p := matMulPipeline(t, dev, 64)
	err = dev.Dispatch(ctx, p, []Buffer{bufA, bufB, out, dims}, [3]uint32{Workgroups(2, 8), Workgroups(2, 8), 1})
	require.NoError(t, err)

	raw, err := dev.ReadBuffer(ctx, out, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, []float32{58, 64, 139, 154}, BytesToFloat32s(raw))
	assert.Equal(t, uint64(1), dev.Dispatches())

	for _, buf := range []Buffer{bufA, bufB, out, dims} {
		require.NoError(t, dev.DestroyBuffer(buf))
	}
	assert.Equal(t, 0, dev.LiveBuffers())
}

func TestCPUDevice_UndersizedDispatchLeavesTail(t *testing.T) {
	ctx := context.Background()
	dev := NewCPUDevice(nil)
	defer dev.Release()

	// 1x1 * 1x8 needs 8 columns; one 2x2 group only covers two of them.
	bufA := storage(t, dev, Float32sToBytes([]float32{2}))
	bufB := storage(t, dev, Float32sToBytes([]float32{1, 1, 1, 1, 1, 1, 1, 1}))
	out, err := dev.CreateBuffer(32, UsageForTag(TagStorage))
	require.NoError(t, err)
	dims := uniform(t, dev, Uint32sToBytes(1, 1, 8))

	p := matMulPipeline(t, dev, 4)
	require.NoError(t, dev.Dispatch(ctx, p, []Buffer{bufA, bufB, out, dims}, [3]uint32{1, 1, 1}))

	raw, err := dev.ReadBuffer(ctx, out, 0, 32)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 0, 0, 0, 0, 0, 0}, BytesToFloat32s(raw))

	require.NoError(t, dev.Dispatch(ctx, p, []Buffer{bufA, bufB, out, dims}, [3]uint32{Workgroups(8, 2), 1, 1}))
	raw, err = dev.ReadBuffer(ctx, out, 0, 32)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 2, 2, 2, 2, 2, 2}, BytesToFloat32s(raw))
}

func TestCPUDevice_MatMulRowsOnY(t *testing.T) {
	ctx := context.Background()
	dev := NewCPUDevice(nil)
	defer dev.Release()

	// 4x1 * 1x1: four rows, one column
	bufA := storage(t, dev, Float32sToBytes([]float32{1, 2, 3, 4}))
	bufB := storage(t, dev, Float32sToBytes([]float32{10}))
	out, err := dev.CreateBuffer(16, UsageForTag(TagStorage))
	require.NoError(t, err)
	dims := uniform(t, dev, Uint32sToBytes(4, 1, 1))

	// 2x2 tiles: a single group covers rows 0 and 1 only
	p := matMulPipeline(t, dev, 4)
	require.NoError(t, dev.Dispatch(ctx, p, []Buffer{bufA, bufB, out, dims}, [3]uint32{1, 1, 1}))
	raw, err := dev.ReadBuffer(ctx, out, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20, 0, 0}, BytesToFloat32s(raw))

	require.NoError(t, dev.Dispatch(ctx, p, []Buffer{bufA, bufB, out, dims}, [3]uint32{1, Workgroups(4, 2), 1}))
	raw, err = dev.ReadBuffer(ctx, out, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20, 30, 40}, BytesToFloat32s(raw))
}

func TestCPUDevice_BicubicFlatImage(t *testing.T) {
	ctx := context.Background()
	dev := NewCPUDevice(nil)
	defer dev.Release()

	src := make([]byte, 2*2*4)
	for i := 0; i < len(src); i += 4 {
		copy(src[i:], []byte{10, 20, 30, 255})
	}
	bufSrc := storage(t, dev, src)
	dst, err := dev.CreateBuffer(4*4*4, UsageForTag(TagStorage))
	require.NoError(t, err)
	dims := uniform(t, dev, Uint32sToBytes(2, 2, 4, 4))

	s, ok := LookupShader("bicubic_upscale")
	require.True(t, ok)
	p, err := dev.CreatePipeline(s.Name, s.Source(64), s.Entry)
	require.NoError(t, err)
	require.NoError(t, dev.Dispatch(ctx, p, []Buffer{bufSrc, dst, dims}, [3]uint32{1, 1, 1}))

	raw, err := dev.ReadBuffer(ctx, dst, 0, 64)
	require.NoError(t, err)
	for i := 0; i < len(raw); i += 4 {
		assert.Equal(t, []byte{10, 20, 30, 255}, raw[i:i+4], "pixel %d", i/4)
	}
}

func TestCPUDevice_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("zero size", func(t *testing.T) {
		_, err := NewCPUDevice(nil).CreateBuffer(0, UsageStorage)
		assert.Error(t, err)
	})

	t.Run("write without copy-dst", func(t *testing.T) {
		dev := NewCPUDevice(nil)
		b, err := dev.CreateBuffer(16, UsageStorage|UsageCopySrc)
		require.NoError(t, err)
		assert.Error(t, dev.WriteBuffer(b, 0, make([]byte, 4)))
	})

	t.Run("read without copy-src", func(t *testing.T) {
		dev := NewCPUDevice(nil)
		b, err := dev.CreateBuffer(16, UsageForTag(TagUniform))
		require.NoError(t, err)
		_, err = dev.ReadBuffer(ctx, b, 0, 16)
		assert.Error(t, err)
	})

	t.Run("out of range", func(t *testing.T) {
		dev := NewCPUDevice(nil)
		b, err := dev.CreateBuffer(16, UsageForTag(TagStorage))
		require.NoError(t, err)
		assert.Error(t, dev.WriteBuffer(b, 8, make([]byte, 16)))
		_, err = dev.ReadBuffer(ctx, b, 0, 32)
		assert.Error(t, err)
	})

	t.Run("foreign buffer", func(t *testing.T) {
		owner := NewCPUDevice(nil)
		b, err := owner.CreateBuffer(16, UsageForTag(TagStorage))
		require.NoError(t, err)
		assert.Error(t, NewCPUDevice(nil).DestroyBuffer(b))
	})

	t.Run("double destroy", func(t *testing.T) {
		dev := NewCPUDevice(nil)
		b, err := dev.CreateBuffer(16, UsageForTag(TagStorage))
		require.NoError(t, err)
		require.NoError(t, dev.DestroyBuffer(b))
		assert.Error(t, dev.DestroyBuffer(b))
	})

	t.Run("unknown pipeline", func(t *testing.T) {
		_, err := NewCPUDevice(nil).CreatePipeline("fft", "@workgroup_size(64) fn main() {}", "main")
		assert.Error(t, err)
	})

	t.Run("missing entry", func(t *testing.T) {
		s, _ := LookupShader("mat_mul")
		_, err := NewCPUDevice(nil).CreatePipeline(s.Name, s.Source(64), "run")
		assert.Error(t, err)
	})

	t.Run("binding count", func(t *testing.T) {
		dev := NewCPUDevice(nil)
		p := matMulPipeline(t, dev, 64)
		b, err := dev.CreateBuffer(16, UsageForTag(TagStorage))
		require.NoError(t, err)
		assert.Error(t, dev.Dispatch(ctx, p, []Buffer{b}, [3]uint32{1, 1, 1}))
	})

	t.Run("workgroup limits", func(t *testing.T) {
		dev := NewCPUDevice(nil)
		p := matMulPipeline(t, dev, 64)
		b, err := dev.CreateBuffer(16, UsageForTag(TagStorage))
		require.NoError(t, err)
		bindings := []Buffer{b, b, b, b}
		assert.Error(t, dev.Dispatch(ctx, p, bindings, [3]uint32{0, 1, 1}))
		assert.Error(t, dev.Dispatch(ctx, p, bindings, [3]uint32{MaxWorkgroupsPerDimension + 1, 1, 1}))
	})

	t.Run("released", func(t *testing.T) {
		dev := NewCPUDevice(nil)
		b, err := dev.CreateBuffer(16, UsageForTag(TagStorage))
		require.NoError(t, err)
		require.NoError(t, dev.Release())
		require.NoError(t, dev.Release())
		assert.ErrorIs(t, dev.DestroyBuffer(b), ErrDeviceReleased)
		_, err = dev.CreateBuffer(16, UsageStorage)
		assert.ErrorIs(t, err, ErrDeviceReleased)
	})
}
