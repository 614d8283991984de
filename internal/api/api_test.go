package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/config"
	"github.com/fxnlabs/adaptive-compute/pkg/compute"
)

func TestNewTask(t *testing.T) {
	testCases := []struct {
		name         string
		taskType     string
		expectedType Task
		expectError  bool
	}{
		{"matrix multiplication", TypeMatrixMultiplication, matMulTask{}, false},
		{"dot product", TypeDotProduct, dotTask{}, false},
		{"normalize", TypeNormalize, normalizeTask{}, false},
		{"mat4 inverse", TypeMat4Inverse, inverseTask{}, false},
		{"particles", TypeParticles, particlesTask{}, false},
		{"unknown", "UNKNOWN", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := NewTask(tc.taskType)
			if tc.expectError {
				assert.Error(t, err)
				assert.Nil(t, task)
			} else {
				assert.NoError(t, err)
				assert.IsType(t, tc.expectedType, task)
			}
		})
	}
}

func newEngine(t *testing.T, strictGPU bool) *compute.Engine {
	t.Helper()
	cfg := config.Default()
	disabled := false
	cfg.GPU.Enabled = &disabled
	cfg.Engine.StrictGPU = strictGPU
	e := compute.New(cfg, zap.NewNop())
	t.Cleanup(func() { _ = e.Destroy(context.Background()) })
	return e
}

func post(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/compute", bytes.NewReader(raw)))
	return rec
}

func TestHandler(t *testing.T) {
	h := Handler(newEngine(t, false), zap.NewNop())

	t.Run("matrix multiplication", func(t *testing.T) {
		rec := post(t, h, map[string]any{
			"type": TypeMatrixMultiplication,
			"payload": map[string]any{
				"A": [][]float64{{1, 2}, {3, 4}},
				"B": [][]float64{{5, 6}, {7, 8}},
			},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp struct {
			Type              string  `json:"type"`
			Backend           string  `json:"backend"`
			ComputationTimeMs float64 `json:"computationTimeMs"`
			Result            struct {
				C [][]float64 `json:"C"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, TypeMatrixMultiplication, resp.Type)
		assert.NotEmpty(t, resp.Backend)
		assert.GreaterOrEqual(t, resp.ComputationTimeMs, 0.0)
		assert.Equal(t, [][]float64{{19, 22}, {43, 50}}, resp.Result.C)
	})

	t.Run("dot product", func(t *testing.T) {
		rec := post(t, h, map[string]any{
			"type":    TypeDotProduct,
			"payload": map[string]any{"a": []float64{1, 2, 3}, "b": []float64{4, 5, 6}},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Result struct {
				Dot float64 `json:"dot"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 32.0, resp.Result.Dot)
	})

	t.Run("singular inverse", func(t *testing.T) {
		rec := post(t, h, map[string]any{
			"type":    TypeMat4Inverse,
			"payload": map[string]any{"m": make([]float64, 16)},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Result struct {
				Invertible bool `json:"invertible"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Result.Invertible)
	})

	t.Run("incompatible dimensions", func(t *testing.T) {
		rec := post(t, h, map[string]any{
			"type": TypeMatrixMultiplication,
			"payload": map[string]any{
				"A": [][]float64{{1, 2, 3}},
				"B": [][]float64{{1, 2}},
			},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ragged matrix", func(t *testing.T) {
		rec := post(t, h, map[string]any{
			"type": TypeMatrixMultiplication,
			"payload": map[string]any{
				"A": [][]float64{{1, 2}, {3}},
				"B": [][]float64{{1}, {2}},
			},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing payload", func(t *testing.T) {
		rec := post(t, h, map[string]any{"type": TypeNormalize})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		rec := post(t, h, map[string]any{"type": "UNKNOWN"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/compute", bytes.NewReader([]byte("{"))))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/compute", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandler_StrictGPU(t *testing.T) {
	h := Handler(newEngine(t, true), nil)
	rec := post(t, h, map[string]any{
		"type": TypeMatrixMultiplication,
		"payload": map[string]any{
			"A": [][]float64{{1}},
			"B": [][]float64{{2}},
		},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_BodyAndResultBounds(t *testing.T) {
	h := Handler(newEngine(t, false), zap.NewNop())

	t.Run("oversized body", func(t *testing.T) {
		limit := maxBodyBytes
		maxBodyBytes = 1 << 10
		t.Cleanup(func() { maxBodyBytes = limit })

		rec := post(t, h, map[string]any{
			"type":    TypeNormalize,
			"payload": map[string]any{"v": make([]float64, 1024)},
		})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("result overflows float32", func(t *testing.T) {
		rec := post(t, h, map[string]any{
			"type": TypeDotProduct,
			"payload": map[string]any{
				"a": []float64{3e38, 3e38},
				"b": []float64{3e38, 3e38},
			},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "non-finite")
		assert.NotContains(t, rec.Body.String(), `"type"`)
	})

	t.Run("input outside float32 range", func(t *testing.T) {
		rec := post(t, h, map[string]any{
			"type": TypeDotProduct,
			"payload": map[string]any{
				"a": []float64{1e39},
				"b": []float64{1},
			},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "float32 range")
	})

	t.Run("matrix input outside float32 range", func(t *testing.T) {
		rec := post(t, h, map[string]any{
			"type": TypeMatrixMultiplication,
			"payload": map[string]any{
				"A": [][]float64{{-1e39}},
				"B": [][]float64{{1}},
			},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
