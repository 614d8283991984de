package compute

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/fxnlabs/adaptive-compute/internal/kernels"
)

// Mat4 is a row-major 4x4 matrix.
type Mat4 [16]float32

// Identity4 returns the 4x4 identity matrix.
func Identity4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Inverse is the result of Inverse4x4. Matrix is zero when Invertible is false.
type Inverse struct {
	Matrix     Mat4
	Invertible bool
}

// Particles is the result of PreprocessParticles.
type Particles struct {
	// Weights sum to one.
	Weights             []float32
	EffectiveSampleSize float32
}

func nonEmpty(name string, v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidInput, name)
	}
	return nil
}

func sameLength(a, b []float32) error {
	if err := nonEmpty("a", a); err != nil {
		return err
	}
	if len(a) != len(b) {
		return fmt.Errorf("%w: length mismatch %d != %d", ErrInvalidInput, len(a), len(b))
	}
	return nil
}

// Normalize returns v scaled to unit length. A zero vector is returned unchanged.
func (e *Engine) Normalize(ctx context.Context, v []float32) ([]float32, error) {
	if err := nonEmpty("v", v); err != nil {
		return nil, err
	}
	res, err := e.kernel(ctx, kernels.VecNormalize, inoutF32s(v), i32(len(v)))
	if err != nil {
		return nil, err
	}
	return res.Arrays[0], nil
}

func (e *Engine) binary(ctx context.Context, op kernels.Op, a, b []float32) ([]float32, error) {
	if err := sameLength(a, b); err != nil {
		return nil, err
	}
	n := len(a)
	res, err := e.kernel(ctx, op, inF32s(a), inF32s(b), outF32s(n), i32(n))
	if err != nil {
		return nil, err
	}
	return res.Arrays[0], nil
}

// Add returns a + b element-wise.
func (e *Engine) Add(ctx context.Context, a, b []float32) ([]float32, error) {
	return e.binary(ctx, kernels.VecAdd, a, b)
}

// Subtract returns a - b element-wise.
func (e *Engine) Subtract(ctx context.Context, a, b []float32) ([]float32, error) {
	return e.binary(ctx, kernels.VecSub, a, b)
}

// Scale returns v * s.
func (e *Engine) Scale(ctx context.Context, v []float32, s float32) ([]float32, error) {
	if err := nonEmpty("v", v); err != nil {
		return nil, err
	}
	n := len(v)
	res, err := e.kernel(ctx, kernels.VecScale, inF32s(v), f32(s), outF32s(n), i32(n))
	if err != nil {
		return nil, err
	}
	return res.Arrays[0], nil
}

// Dot returns the dot product of a and b.
func (e *Engine) Dot(ctx context.Context, a, b []float32) (float32, error) {
	if err := sameLength(a, b); err != nil {
		return 0, err
	}
	res, err := e.kernel(ctx, kernels.VecDot, inF32s(a), inF32s(b), i32(len(a)))
	if err != nil {
		return 0, err
	}
	return api.DecodeF32(res.Results[0]), nil
}

// Cross returns the cross product of two 3-vectors.
func (e *Engine) Cross(ctx context.Context, a, b []float32) ([]float32, error) {
	if len(a) != 3 || len(b) != 3 {
		return nil, fmt.Errorf("%w: cross product needs 3-vectors, got %d and %d", ErrInvalidInput, len(a), len(b))
	}
	res, err := e.kernel(ctx, kernels.VecCross, inF32s(a), inF32s(b), outF32s(3))
	if err != nil {
		return nil, err
	}
	return res.Arrays[0], nil
}

func toMat4(v []float32) Mat4 {
	var m Mat4
	copy(m[:], v)
	return m
}

// Multiply4x4 returns a * b.
func (e *Engine) Multiply4x4(ctx context.Context, a, b Mat4) (Mat4, error) {
	res, err := e.kernel(ctx, kernels.Mat4Multiply, inF32s(a[:]), inF32s(b[:]), outF32s(16))
	if err != nil {
		return Mat4{}, err
	}
	return toMat4(res.Arrays[0]), nil
}

// Transpose4x4 returns the transpose of m.
func (e *Engine) Transpose4x4(ctx context.Context, m Mat4) (Mat4, error) {
	res, err := e.kernel(ctx, kernels.Mat4Transpose, inF32s(m[:]), outF32s(16))
	if err != nil {
		return Mat4{}, err
	}
	return toMat4(res.Arrays[0]), nil
}

// Determinant4x4 returns det(m).
func (e *Engine) Determinant4x4(ctx context.Context, m Mat4) (float32, error) {
	res, err := e.kernel(ctx, kernels.Mat4Determinant, inF32s(m[:]))
	if err != nil {
		return 0, err
	}
	return api.DecodeF32(res.Results[0]), nil
}

// Inverse4x4 inverts m. A singular matrix is not an error.
func (e *Engine) Inverse4x4(ctx context.Context, m Mat4) (Inverse, error) {
	res, err := e.kernel(ctx, kernels.Mat4Inverse, inF32s(m[:]), outF32s(16))
	if err != nil {
		return Inverse{}, err
	}
	if api.DecodeI32(res.Results[0]) == 0 {
		return Inverse{}, nil
	}
	return Inverse{Matrix: toMat4(res.Arrays[0]), Invertible: true}, nil
}

// QuadraticForm returns xᵀ·M·x for a row-major n×n matrix M.
func (e *Engine) QuadraticForm(ctx context.Context, x, m []float32) (float32, error) {
	if err := nonEmpty("x", x); err != nil {
		return 0, err
	}
	n := len(x)
	if len(m) != n*n {
		return 0, fmt.Errorf("%w: matrix has %d elements, want %d", ErrInvalidInput, len(m), n*n)
	}
	res, err := e.kernel(ctx, kernels.QuadraticForm, inF32s(x), inF32s(m), i32(n))
	if err != nil {
		return 0, err
	}
	return api.DecodeF32(res.Results[0]), nil
}

// PreprocessParticles normalizes particle weights and computes the effective
// sample size. Weights that do not sum to a positive finite value become uniform.
func (e *Engine) PreprocessParticles(ctx context.Context, weights []float32) (Particles, error) {
	if err := nonEmpty("weights", weights); err != nil {
		return Particles{}, err
	}
	res, err := e.kernel(ctx, kernels.ParticlePreprocess, inoutF32s(weights), i32(len(weights)))
	if err != nil {
		return Particles{}, err
	}
	return Particles{
		Weights:             res.Arrays[0],
		EffectiveSampleSize: api.DecodeF32(res.Results[0]),
	}, nil
}
