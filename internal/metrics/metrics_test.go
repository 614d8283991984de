package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRuntimeMetrics(t *testing.T) {
	t.Run("Executions", func(t *testing.T) {
		c := Executions.WithLabelValues("vec_add", "software", "ok")
		before := testutil.ToFloat64(c)
		c.Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(c))
	})

	t.Run("HealthScore", func(t *testing.T) {
		HealthScore.Set(75)
		assert.Equal(t, float64(75), testutil.ToFloat64(HealthScore))
	})

	t.Run("PoolIdleHandles", func(t *testing.T) {
		PoolIdleHandles.WithLabelValues("test").Set(3)
		assert.Equal(t, float64(3), testutil.ToFloat64(PoolIdleHandles.WithLabelValues("test")))
	})

	t.Run("ExecutionDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			ExecutionDuration.WithLabelValues("mat_mul", "gpu").Observe(1.5)
		})
	})
}

func TestSetMode(t *testing.T) {
	modes := []string{"gpu+linear", "linear-only"}

	SetMode("linear-only", modes)
	assert.Equal(t, float64(0), testutil.ToFloat64(ActiveMode.WithLabelValues("gpu+linear")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveMode.WithLabelValues("linear-only")))

	SetMode("gpu+linear", modes)
	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveMode.WithLabelValues("gpu+linear")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ActiveMode.WithLabelValues("linear-only")))
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		EndpointResponses,
		Executions,
		ExecutionDuration,
		CacheLookups,
		PoolAllocations,
		PoolIdleHandles,
		GPUPipelinesBuilt,
		InitAttempts,
		PhaseFailures,
		HealthScore,
		ActiveMode,
	}

	for _, c := range collectors {
		// promauto registered them with the default registry already
		err := prometheus.Register(c)
		assert.Error(t, err)
		_, ok := err.(prometheus.AlreadyRegisteredError)
		assert.True(t, ok)
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/status")

	counter := EndpointResponses.WithLabelValues("/status", "418")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
