package compute

import (
	"context"
	"fmt"
	"math"

	"github.com/fxnlabs/adaptive-compute/internal/execution"
	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/kernels"
)

// MaxScale bounds the SuperResolve factor.
const MaxScale = 8

// Image is a packed RGBA8 image, row-major without padding.
type Image struct {
	Width  int
	Height int
	Pix    []byte
}

func (img Image) validate() error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%w: empty image %dx%d", ErrInvalidInput, img.Width, img.Height)
	}
	if len(img.Pix) != img.Width*img.Height*4 {
		return fmt.Errorf("%w: %dx%d image needs %d bytes, got %d",
			ErrInvalidInput, img.Width, img.Height, img.Width*img.Height*4, len(img.Pix))
	}
	return nil
}

func checkDims(dims ...int) error {
	for _, d := range dims {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension %d", ErrInvalidInput, d)
		}
	}
	return nil
}

// checkBuffer rejects a rows×cols buffer of 4-byte elements that does not
// fit in 32-bit offsets.
func checkBuffer(name string, rows, cols int) error {
	if uint64(rows) > math.MaxUint32/4/uint64(cols) {
		return fmt.Errorf("%w: %s buffer %dx%d too large", ErrInvalidInput, name, rows, cols)
	}
	return nil
}

// MatMul returns the row-major product of a (m×k) and b (k×n). It runs on
// the GPU when one is available.
func (e *Engine) MatMul(ctx context.Context, a, b []float32, m, k, n int) ([]float32, error) {
	if err := checkDims(m, k, n); err != nil {
		return nil, err
	}
	for _, buf := range []struct {
		name       string
		rows, cols int
	}{{"a", m, k}, {"b", k, n}, {"out", m, n}} {
		if err := checkBuffer(buf.name, buf.rows, buf.cols); err != nil {
			return nil, err
		}
	}
	if len(a) != m*k || len(b) != k*n {
		return nil, fmt.Errorf("%w: operands of %d and %d elements do not match %dx%dx%d",
			ErrInvalidInput, len(a), len(b), m, k, n)
	}

	g, onGPU, err := e.useGPU(ctx)
	if err != nil {
		return nil, err
	}
	fp := []any{a, b, m, k, n}
	if !onGPU {
		res, err := e.kernel(ctx, kernels.MatMul, inF32s(a), inF32s(b), outF32s(m*n), i32(m), i32(k), i32(n))
		if err != nil {
			return nil, err
		}
		return res.Arrays[0], nil
	}

	outSize := uint64(m*n) * 4
	return execution.RunGPU(ctx, g, execution.GPUCall[[]float32]{
		Shader:      kernels.MatMul.String(),
		Fingerprint: fp,
		Grid:        [3]uint32{uint32(n), uint32(m), 1},
		Setup: func(s *execution.GPUScope) ([]gpu.Buffer, error) {
			ab, err := s.Storage(gpu.Float32sToBytes(a))
			if err != nil {
				return nil, err
			}
			bb, err := s.Storage(gpu.Float32sToBytes(b))
			if err != nil {
				return nil, err
			}
			out, err := s.Output(outSize)
			if err != nil {
				return nil, err
			}
			dims, err := s.Uniform(uint32(m), uint32(k), uint32(n), 0)
			if err != nil {
				return nil, err
			}
			return []gpu.Buffer{ab, bb, out, dims}, nil
		},
		Read: func(s *execution.GPUScope, bindings []gpu.Buffer) ([]float32, error) {
			raw, err := s.Read(bindings[2], outSize)
			if err != nil {
				return nil, err
			}
			return gpu.BytesToFloat32s(raw), nil
		},
	})
}

// SuperResolve upscales img by an integer factor with bicubic (Catmull-Rom)
// resampling. It runs on the GPU when one is available.
func (e *Engine) SuperResolve(ctx context.Context, img Image, scale int) (Image, error) {
	if err := img.validate(); err != nil {
		return Image{}, err
	}
	if scale < 1 || scale > MaxScale {
		return Image{}, fmt.Errorf("%w: scale %d outside [1, %d]", ErrInvalidInput, scale, MaxScale)
	}
	dw, dh := img.Width*scale, img.Height*scale
	if err := checkBuffer("output", dh, dw); err != nil {
		return Image{}, err
	}

	g, onGPU, err := e.useGPU(ctx)
	if err != nil {
		return Image{}, err
	}
	fp := []any{img.Pix, img.Width, img.Height, scale}
	outSize := dw * dh * 4
	if !onGPU {
		return e.bicubicLinear(ctx, img, dw, dh, fp)
	}

	return execution.RunGPU(ctx, g, execution.GPUCall[Image]{
		Shader:      kernels.BicubicUpscale.String(),
		Fingerprint: fp,
		Grid:        [3]uint32{uint32(dw), uint32(dh), 1},
		Setup: func(s *execution.GPUScope) ([]gpu.Buffer, error) {
			src, err := s.Storage(img.Pix)
			if err != nil {
				return nil, err
			}
			dst, err := s.Output(uint64(outSize))
			if err != nil {
				return nil, err
			}
			dims, err := s.Uniform(uint32(img.Width), uint32(img.Height), uint32(dw), uint32(dh))
			if err != nil {
				return nil, err
			}
			return []gpu.Buffer{src, dst, dims}, nil
		},
		Read: func(s *execution.GPUScope, bindings []gpu.Buffer) (Image, error) {
			pix, err := s.Read(bindings[1], uint64(outSize))
			if err != nil {
				return Image{}, err
			}
			return Image{Width: dw, Height: dh, Pix: pix}, nil
		},
	})
}

func (e *Engine) bicubicLinear(ctx context.Context, img Image, dw, dh int, fp []any) (Image, error) {
	fw, err := e.linear(ctx)
	if err != nil {
		return Image{}, err
	}
	outSize := dw * dh * 4
	return execution.RunLinear(ctx, fw, execution.LinearCall[Image]{
		Op:          kernels.BicubicUpscale,
		Fingerprint: fp,
		Setup: func(s *execution.LinearScope) ([]uint64, error) {
			src, err := s.Bytes(img.Pix)
			if err != nil {
				return nil, err
			}
			dst, err := s.Alloc(uint64(outSize))
			if err != nil {
				return nil, err
			}
			return []uint64{
				uint64(src), uint64(img.Width), uint64(img.Height),
				uint64(dst), uint64(dw), uint64(dh),
			}, nil
		},
		Read: func(s *execution.LinearScope, args, _ []uint64) (Image, error) {
			pix, err := s.ReadBytes(uint32(args[3]), outSize)
			if err != nil {
				return Image{}, err
			}
			return Image{Width: dw, Height: dh, Pix: pix}, nil
		},
	})
}
