// Package kernels names the numeric entry points a linear-memory backend exports.
//
// Every entry point follows the same calling convention: arguments are raw
// 64-bit words (i32 pointers and lengths, f32 values encoded with
// api.EncodeF32) and results are returned the same way. Pointers are offsets
// into the backend's linear memory and are only valid for the call that
// allocated them.
package kernels

import (
	"context"
	"fmt"
)

// EntryPoint is a bound kernel function.
type EntryPoint func(ctx context.Context, args ...uint64) ([]uint64, error)

// Op identifies one kernel entry point.
type Op int

const (
	VecNormalize Op = iota
	VecAdd
	VecSub
	VecScale
	VecDot
	VecCross
	Mat4Multiply
	Mat4Transpose
	Mat4Determinant
	Mat4Inverse
	QuadraticForm
	ParticlePreprocess
	BicubicUpscale
	MatMul

	numOps
)

type opInfo struct {
	export  string
	params  int
	results int
}

var opTable = [numOps]opInfo{
	VecNormalize:       {"vec_normalize", 2, 0},
	VecAdd:             {"vec_add", 4, 0},
	VecSub:             {"vec_sub", 4, 0},
	VecScale:           {"vec_scale", 4, 0},
	VecDot:             {"vec_dot", 3, 1},
	VecCross:           {"vec_cross", 3, 0},
	Mat4Multiply:       {"mat4_multiply", 3, 0},
	Mat4Transpose:      {"mat4_transpose", 2, 0},
	Mat4Determinant:    {"mat4_determinant", 1, 1},
	Mat4Inverse:        {"mat4_inverse", 2, 1},
	QuadraticForm:      {"quadratic_form", 3, 1},
	ParticlePreprocess: {"particle_preprocess", 2, 1},
	BicubicUpscale:     {"bicubic_upscale", 6, 0},
	MatMul:             {"mat_mul", 6, 0},
}

// String returns the export name of the op.
func (o Op) String() string {
	if o < 0 || o >= numOps {
		return fmt.Sprintf("op(%d)", int(o))
	}
	return opTable[o].export
}

// Params is the number of argument words the entry point takes.
func (o Op) Params() int { return opTable[o].params }

// Results is the number of result words the entry point returns.
func (o Op) Results() int { return opTable[o].results }

// Valid reports whether o is a known op.
func (o Op) Valid() bool { return o >= 0 && o < numOps }

// Ops returns every known op in declaration order.
func Ops() []Op {
	ops := make([]Op, numOps)
	for i := range ops {
		ops[i] = Op(i)
	}
	return ops
}

// Lookup resolves an export name to its op.
func Lookup(export string) (Op, bool) {
	for i, info := range opTable {
		if info.export == export {
			return Op(i), true
		}
	}
	return 0, false
}

// Set is a resolved table of entry points indexed by op.
type Set struct {
	entries [numOps]EntryPoint
}

// Bind registers fn for op, replacing any previous binding.
func (s *Set) Bind(op Op, fn EntryPoint) {
	if op.Valid() {
		s.entries[op] = fn
	}
}

// Lookup returns the entry point bound to op.
func (s *Set) Lookup(op Op) (EntryPoint, bool) {
	if s == nil || !op.Valid() || s.entries[op] == nil {
		return nil, false
	}
	return s.entries[op], true
}

// Missing lists the ops in required that have no binding.
func (s *Set) Missing(required []Op) []Op {
	var missing []Op
	for _, op := range required {
		if _, ok := s.Lookup(op); !ok {
			missing = append(missing, op)
		}
	}
	return missing
}

// Call invokes op with args, checking arity first.
func (s *Set) Call(ctx context.Context, op Op, args ...uint64) ([]uint64, error) {
	fn, ok := s.Lookup(op)
	if !ok {
		return nil, fmt.Errorf("%s: entry point not bound", op)
	}
	if len(args) != op.Params() {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", op, op.Params(), len(args))
	}
	return fn(ctx, args...)
}

// Names converts ops to their export names.
func Names(ops []Op) []string {
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.String()
	}
	return names
}
