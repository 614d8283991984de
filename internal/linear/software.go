package linear

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/tetratelabs/wazero/api"
	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/fxnlabs/adaptive-compute/internal/kernels"
)

// softwareBase keeps the first bytes of software memory unused so no
// allocation is ever returned at offset zero.
const softwareBase = 64

// NewSoftware builds the pure-software backend: a byte-slice linear memory,
// a host arena and Go kernels bound under the same names and calling
// convention as a compiled kernel module.
func NewSoftware(pages, maxPages uint32) *Backend {
	if pages == 0 {
		pages = 1
	}
	mem := newSoftMemory(pages, maxPages)
	k := &softKernels{mem: mem}

	set := &kernels.Set{}
	set.Bind(kernels.VecNormalize, k.vecNormalize)
	set.Bind(kernels.VecAdd, k.vecAdd)
	set.Bind(kernels.VecSub, k.vecSub)
	set.Bind(kernels.VecScale, k.vecScale)
	set.Bind(kernels.VecDot, k.vecDot)
	set.Bind(kernels.VecCross, k.vecCross)
	set.Bind(kernels.Mat4Multiply, k.mat4Multiply)
	set.Bind(kernels.Mat4Transpose, k.mat4Transpose)
	set.Bind(kernels.Mat4Determinant, k.mat4Determinant)
	set.Bind(kernels.Mat4Inverse, k.mat4Inverse)
	set.Bind(kernels.QuadraticForm, k.quadraticForm)
	set.Bind(kernels.ParticlePreprocess, k.particlePreprocess)
	set.Bind(kernels.BicubicUpscale, k.bicubicUpscale)
	set.Bind(kernels.MatMul, k.matMul)

	return &Backend{
		Name:      SoftwareName,
		Memory:    mem,
		Allocator: NewArena(mem, softwareBase),
		Kernels:   set,
		software:  true,
	}
}

type softKernels struct {
	mem Memory
}

func ptr(w uint64) uint32 { return uint32(w) }

func (k *softKernels) read64(off, n uint32) ([]float64, error) {
	v, err := ReadF32s(k.mem, off, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out, nil
}

func (k *softKernels) write64(off uint32, v []float64) error {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return WriteF32s(k.mem, off, out)
}

// vec_normalize(ptr, n): divides by the Euclidean norm in place; a zero
// vector is left unchanged.
func (k *softKernels) vecNormalize(_ context.Context, args ...uint64) ([]uint64, error) {
	p, n := ptr(args[0]), ptr(args[1])
	v, err := k.read64(p, n)
	if err != nil {
		return nil, err
	}
	norm := floats.Norm(v, 2)
	if norm == 0 {
		return nil, nil
	}
	floats.Scale(1/norm, v)
	return nil, k.write64(p, v)
}

func (k *softKernels) binary(args []uint64, fn func(dst, a, b []float64)) ([]uint64, error) {
	a, b, out, n := ptr(args[0]), ptr(args[1]), ptr(args[2]), ptr(args[3])
	av, err := k.read64(a, n)
	if err != nil {
		return nil, err
	}
	bv, err := k.read64(b, n)
	if err != nil {
		return nil, err
	}
	dst := make([]float64, n)
	fn(dst, av, bv)
	return nil, k.write64(out, dst)
}

func (k *softKernels) vecAdd(_ context.Context, args ...uint64) ([]uint64, error) {
	return k.binary(args, func(dst, a, b []float64) { floats.AddTo(dst, a, b) })
}

func (k *softKernels) vecSub(_ context.Context, args ...uint64) ([]uint64, error) {
	return k.binary(args, func(dst, a, b []float64) { floats.SubTo(dst, a, b) })
}

// vec_scale(a, s, out, n)
func (k *softKernels) vecScale(_ context.Context, args ...uint64) ([]uint64, error) {
	a, s, out, n := ptr(args[0]), api.DecodeF32(args[1]), ptr(args[2]), ptr(args[3])
	v, err := k.read64(a, n)
	if err != nil {
		return nil, err
	}
	floats.Scale(float64(s), v)
	return nil, k.write64(out, v)
}

// vec_dot(a, b, n) -> f32
func (k *softKernels) vecDot(_ context.Context, args ...uint64) ([]uint64, error) {
	a, b, n := ptr(args[0]), ptr(args[1]), ptr(args[2])
	av, err := k.read64(a, n)
	if err != nil {
		return nil, err
	}
	bv, err := k.read64(b, n)
	if err != nil {
		return nil, err
	}
	return []uint64{api.EncodeF32(float32(floats.Dot(av, bv)))}, nil
}

// vec_cross(a, b, out) on 3-vectors.
func (k *softKernels) vecCross(_ context.Context, args ...uint64) ([]uint64, error) {
	a, err := k.read64(ptr(args[0]), 3)
	if err != nil {
		return nil, err
	}
	b, err := k.read64(ptr(args[1]), 3)
	if err != nil {
		return nil, err
	}
	out := []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
	return nil, k.write64(ptr(args[2]), out)
}

func (k *softKernels) readMat4(off uint32) (*mat.Dense, error) {
	v, err := k.read64(off, 16)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(4, 4, v), nil
}

func (k *softKernels) writeDense(off uint32, m *mat.Dense) error {
	return k.write64(off, m.RawMatrix().Data)
}

// mat4_multiply(a, b, out): row-major out = a * b.
func (k *softKernels) mat4Multiply(_ context.Context, args ...uint64) ([]uint64, error) {
	a, err := k.readMat4(ptr(args[0]))
	if err != nil {
		return nil, err
	}
	b, err := k.readMat4(ptr(args[1]))
	if err != nil {
		return nil, err
	}
	var res mat.Dense
	res.Mul(a, b)
	return nil, k.writeDense(ptr(args[2]), &res)
}

func (k *softKernels) mat4Transpose(_ context.Context, args ...uint64) ([]uint64, error) {
	a, err := k.readMat4(ptr(args[0]))
	if err != nil {
		return nil, err
	}
	res := mat.DenseCopyOf(a.T())
	return nil, k.writeDense(ptr(args[1]), res)
}

func (k *softKernels) mat4Determinant(_ context.Context, args ...uint64) ([]uint64, error) {
	a, err := k.readMat4(ptr(args[0]))
	if err != nil {
		return nil, err
	}
	return []uint64{api.EncodeF32(float32(mat.Det(a)))}, nil
}

// mat4_inverse(a, out) -> i32: 1 when out holds the inverse, 0 when a is singular.
func (k *softKernels) mat4Inverse(_ context.Context, args ...uint64) ([]uint64, error) {
	a, err := k.readMat4(ptr(args[0]))
	if err != nil {
		return nil, err
	}
	if math.Abs(mat.Det(a)) < 1e-12 {
		return []uint64{api.EncodeI32(0)}, nil
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return []uint64{api.EncodeI32(0)}, nil
		}
	}
	if err := k.writeDense(ptr(args[1]), &inv); err != nil {
		return nil, err
	}
	return []uint64{api.EncodeI32(1)}, nil
}

// quadratic_form(x, m, n) -> f32: xᵀ·M·x with M n×n row-major.
func (k *softKernels) quadraticForm(_ context.Context, args ...uint64) ([]uint64, error) {
	n := ptr(args[2])
	x, err := k.read64(ptr(args[0]), n)
	if err != nil {
		return nil, err
	}
	m, err := k.read64(ptr(args[1]), n*n)
	if err != nil {
		return nil, err
	}
	xv := mat.NewVecDense(int(n), x)
	q := mat.Inner(xv, mat.NewDense(int(n), int(n), m), xv)
	return []uint64{api.EncodeF32(float32(q))}, nil
}

// particle_preprocess(w, n) -> f32: normalizes weights to sum to one in place
// and returns the effective sample size. Non-positive or non-finite sums reset
// the weights to uniform.
func (k *softKernels) particlePreprocess(_ context.Context, args ...uint64) ([]uint64, error) {
	p, n := ptr(args[0]), ptr(args[1])
	if n == 0 {
		return []uint64{api.EncodeF32(0)}, nil
	}
	w, err := k.read64(p, n)
	if err != nil {
		return nil, err
	}
	sum := floats.Sum(w)
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		for i := range w {
			w[i] = 1 / float64(n)
		}
	} else {
		floats.Scale(1/sum, w)
	}
	ess := 1 / floats.Dot(w, w)
	if err := k.write64(p, w); err != nil {
		return nil, err
	}
	return []uint64{api.EncodeF32(float32(ess))}, nil
}

// bicubic_upscale(src, sw, sh, dst, dw, dh) on RGBA8 pixels.
func (k *softKernels) bicubicUpscale(_ context.Context, args ...uint64) ([]uint64, error) {
	src, sw, sh := ptr(args[0]), int(ptr(args[1])), int(ptr(args[2]))
	dst, dw, dh := ptr(args[3]), int(ptr(args[4])), int(ptr(args[5]))
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return nil, fmt.Errorf("bicubic_upscale: empty image %dx%d -> %dx%d", sw, sh, dw, dh)
	}
	pix, err := k.mem.Read(src, uint32(sw*sh*4))
	if err != nil {
		return nil, err
	}
	in := &image.RGBA{Pix: pix, Stride: sw * 4, Rect: image.Rect(0, 0, sw, sh)}
	out := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(out, out.Bounds(), in, in.Bounds(), draw.Src, nil)
	return nil, k.mem.Write(dst, out.Pix)
}

// mat_mul(a, b, out, m, k, n): row-major out(m×n) = a(m×k) * b(k×n).
func (k *softKernels) matMul(_ context.Context, args ...uint64) ([]uint64, error) {
	m, kk, n := int(ptr(args[3])), int(ptr(args[4])), int(ptr(args[5]))
	a, err := k.read64(ptr(args[0]), uint32(m*kk))
	if err != nil {
		return nil, err
	}
	b, err := k.read64(ptr(args[1]), uint32(kk*n))
	if err != nil {
		return nil, err
	}
	var res mat.Dense
	res.Mul(mat.NewDense(m, kk, a), mat.NewDense(kk, n, b))
	return nil, k.writeDense(ptr(args[2]), &res)
}
