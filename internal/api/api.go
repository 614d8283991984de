// Package api exposes engine operations over HTTP as typed tasks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
	"github.com/fxnlabs/adaptive-compute/pkg/compute"
)

// Task runs one operation on the engine.
type Task interface {
	Execute(ctx context.Context, engine *compute.Engine, payload json.RawMessage, log *zap.Logger) (any, error)
}

// Request is the body of a compute request.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response wraps a task result.
type Response struct {
	Type              string  `json:"type"`
	Result            any     `json:"result"`
	Backend           string  `json:"backend"`
	Mode              string  `json:"mode"`
	ComputationTimeMs float64 `json:"computationTimeMs"`
}

const (
	TypeMatrixMultiplication = "MATRIX_MULTIPLICATION"
	TypeDotProduct           = "DOT_PRODUCT"
	TypeNormalize            = "NORMALIZE"
	TypeMat4Inverse          = "MAT4_INVERSE"
	TypeParticles            = "PARTICLE_PREPROCESS"
)

// maxBodyBytes bounds a request body. A 1024x1024 matrix pair is about 20 MiB
// of JSON.
var maxBodyBytes int64 = 64 << 20

// NewTask returns the task for a request type.
func NewTask(taskType string) (Task, error) {
	switch taskType {
	case TypeMatrixMultiplication:
		return matMulTask{}, nil
	case TypeDotProduct:
		return dotTask{}, nil
	case TypeNormalize:
		return normalizeTask{}, nil
	case TypeMat4Inverse:
		return inverseTask{}, nil
	case TypeParticles:
		return particlesTask{}, nil
	default:
		return nil, fmt.Errorf("unknown task type: %s", taskType)
	}
}

// Handler serves compute requests.
func Handler(engine *compute.Engine, log *zap.Logger) http.HandlerFunc {
	log = logger.OrNop(log).Named("api")
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		task, err := NewTask(req.Type)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		start := time.Now()
		result, err := task.Execute(r.Context(), engine, req.Payload, log)
		if err != nil {
			log.Warn("task failed", zap.String("type", req.Type), zap.Error(err))
			http.Error(w, err.Error(), statusFor(err))
			return
		}

		status := engine.Status()
		resp := Response{
			Type:              req.Type,
			Result:            result,
			Backend:           status.Backend,
			Mode:              string(status.Mode),
			ComputationTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		}
		body, err := json.Marshal(resp)
		if err != nil {
			var unsupported *json.UnsupportedValueError
			if errors.As(err, &unsupported) {
				log.Warn("result not representable", zap.String("type", req.Type), zap.Error(err))
				http.Error(w, "result contains a non-finite value", http.StatusUnprocessableEntity)
				return
			}
			log.Error("encode response", zap.Error(err))
			http.Error(w, "encode response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(append(body, '\n')); err != nil {
			log.Warn("write response", zap.Error(err))
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, compute.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, rterr.ErrGpuUnavailable), errors.Is(err, rterr.ErrRecoveryExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", compute.ErrInvalidInput)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", compute.ErrInvalidInput, err)
	}
	return nil
}

// flatten packs a rectangular matrix row-major.
func flatten(rows [][]float64) ([]float32, int, int, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: empty matrix", compute.ErrInvalidInput)
	}
	r, c := len(rows), len(rows[0])
	out := make([]float32, 0, r*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, 0, 0, fmt.Errorf("%w: row %d has %d columns, want %d", compute.ErrInvalidInput, i, len(row), c)
		}
		narrowed, err := toFloat32s(row)
		if err != nil {
			return nil, 0, 0, err
		}
		out = append(out, narrowed...)
	}
	return out, r, c, nil
}

// toFloat32s narrows v, rejecting values outside the float32 range.
func toFloat32s(v []float64) ([]float32, error) {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
		if math.IsInf(float64(out[i]), 0) {
			return nil, fmt.Errorf("%w: value %g is outside the float32 range", compute.ErrInvalidInput, f)
		}
	}
	return out, nil
}

type matMulTask struct{}

func (matMulTask) Execute(ctx context.Context, engine *compute.Engine, payload json.RawMessage, log *zap.Logger) (any, error) {
	var matrices struct {
		A [][]float64 `json:"A"`
		B [][]float64 `json:"B"`
	}
	if err := decode(payload, &matrices); err != nil {
		return nil, err
	}
	a, m, k, err := flatten(matrices.A)
	if err != nil {
		return nil, err
	}
	b, kb, n, err := flatten(matrices.B)
	if err != nil {
		return nil, err
	}
	if k != kb {
		log.Debug("incompatible matrix dimensions", zap.Int("a_cols", k), zap.Int("b_rows", kb))
		return nil, fmt.Errorf("%w: matrix dimensions are not compatible for multiplication", compute.ErrInvalidInput)
	}

	c, err := engine.MatMul(ctx, a, b, m, k, n)
	if err != nil {
		return nil, err
	}
	rows := make([][]float32, m)
	for i := range rows {
		rows[i] = c[i*n : (i+1)*n]
	}
	return map[string]any{"C": rows}, nil
}

type dotTask struct{}

func (dotTask) Execute(ctx context.Context, engine *compute.Engine, payload json.RawMessage, _ *zap.Logger) (any, error) {
	var in struct {
		A []float64 `json:"a"`
		B []float64 `json:"b"`
	}
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	a, err := toFloat32s(in.A)
	if err != nil {
		return nil, err
	}
	b, err := toFloat32s(in.B)
	if err != nil {
		return nil, err
	}
	d, err := engine.Dot(ctx, a, b)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dot": d}, nil
}

type normalizeTask struct{}

func (normalizeTask) Execute(ctx context.Context, engine *compute.Engine, payload json.RawMessage, _ *zap.Logger) (any, error) {
	var in struct {
		V []float64 `json:"v"`
	}
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	v, err := toFloat32s(in.V)
	if err != nil {
		return nil, err
	}
	v, err = engine.Normalize(ctx, v)
	if err != nil {
		return nil, err
	}
	return map[string]any{"v": v}, nil
}

type inverseTask struct{}

func (inverseTask) Execute(ctx context.Context, engine *compute.Engine, payload json.RawMessage, _ *zap.Logger) (any, error) {
	var in struct {
		M []float64 `json:"m"`
	}
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if len(in.M) != 16 {
		return nil, fmt.Errorf("%w: a 4x4 matrix needs 16 values, got %d", compute.ErrInvalidInput, len(in.M))
	}
	values, err := toFloat32s(in.M)
	if err != nil {
		return nil, err
	}
	var m compute.Mat4
	copy(m[:], values)
	inv, err := engine.Inverse4x4(ctx, m)
	if err != nil {
		return nil, err
	}
	return map[string]any{"m": inv.Matrix, "invertible": inv.Invertible}, nil
}

type particlesTask struct{}

func (particlesTask) Execute(ctx context.Context, engine *compute.Engine, payload json.RawMessage, _ *zap.Logger) (any, error) {
	var in struct {
		Weights []float64 `json:"weights"`
	}
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	weights, err := toFloat32s(in.Weights)
	if err != nil {
		return nil, err
	}
	p, err := engine.PreprocessParticles(ctx, weights)
	if err != nil {
		return nil, err
	}
	return map[string]any{"weights": p.Weights, "effectiveSampleSize": p.EffectiveSampleSize}, nil
}
