package compute

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/fxnlabs/adaptive-compute/internal/execution"
	"github.com/fxnlabs/adaptive-compute/internal/kernels"
)

type argKind uint8

const (
	argIn argKind = iota
	argInOut
	argOut
	argWord
)

// arg is one kernel argument. Arrays are copied into linear memory and
// passed as pointers; words are passed as is.
type arg struct {
	kind argKind
	data []float32
	n    int
	word uint64
}

func inF32s(v []float32) arg    { return arg{kind: argIn, data: v} }
func inoutF32s(v []float32) arg { return arg{kind: argInOut, data: v} }
func outF32s(n int) arg         { return arg{kind: argOut, n: n} }
func i32(v int) arg             { return arg{kind: argWord, word: api.EncodeI32(int32(v))} }
func f32(v float32) arg         { return arg{kind: argWord, word: api.EncodeF32(v)} }

// kernelResult holds the arrays a kernel wrote, in argument order of the
// out and in-out arguments, and its result words.
type kernelResult struct {
	Arrays  [][]float32
	Results []uint64
}

// kernel runs op on the linear framework with args in declaration order.
func (e *Engine) kernel(ctx context.Context, op kernels.Op, args ...arg) (kernelResult, error) {
	fw, err := e.linear(ctx)
	if err != nil {
		return kernelResult{}, err
	}

	fp := make([]any, 0, len(args))
	for _, a := range args {
		switch a.kind {
		case argIn, argInOut:
			fp = append(fp, a.data)
		case argOut:
			fp = append(fp, a.n)
		default:
			fp = append(fp, int64(a.word))
		}
	}

	return execution.RunLinear(ctx, fw, execution.LinearCall[kernelResult]{
		Op:          op,
		Fingerprint: fp,
		Setup: func(s *execution.LinearScope) ([]uint64, error) {
			words := make([]uint64, len(args))
			for i, a := range args {
				switch a.kind {
				case argIn, argInOut:
					ptr, err := s.F32s(a.data)
					if err != nil {
						return nil, err
					}
					words[i] = uint64(ptr)
				case argOut:
					ptr, err := s.Alloc(uint64(a.n) * 4)
					if err != nil {
						return nil, err
					}
					words[i] = uint64(ptr)
				default:
					words[i] = a.word
				}
			}
			return words, nil
		},
		Read: func(s *execution.LinearScope, words, results []uint64) (kernelResult, error) {
			res := kernelResult{Results: results}
			for i, a := range args {
				var n int
				switch a.kind {
				case argInOut:
					n = len(a.data)
				case argOut:
					n = a.n
				default:
					continue
				}
				v, err := s.ReadF32s(uint32(words[i]), n)
				if err != nil {
					return res, err
				}
				res.Arrays = append(res.Arrays, v)
			}
			return res, nil
		},
	})
}
