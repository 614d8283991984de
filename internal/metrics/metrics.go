package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Execution framework metrics
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_executions_total",
		Help: "Total number of compute executions by op, backend and outcome",
	}, []string{"op", "backend", "outcome"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compute_execution_duration_ms",
		Help:    "Duration of compute executions in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 20), // 10µs to ~5s
	}, []string{"op", "backend"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_cache_lookups_total",
		Help: "Result cache lookups by result (hit or miss)",
	}, []string{"result"})

	// Pool metrics
	PoolAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_pool_allocations_total",
		Help: "Pool allocations by pool and result (hit, miss or passthrough)",
	}, []string{"pool", "result"})

	PoolIdleHandles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compute_pool_idle_handles",
		Help: "Handles currently parked in a pool free list",
	}, []string{"pool"})

	// GPU metrics
	GPUPipelinesBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compute_gpu_pipelines_built_total",
		Help: "Total number of GPU compute pipelines compiled",
	})

	// Lifecycle metrics
	InitAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compute_init_attempts_total",
		Help: "Total number of lifecycle init attempts, including recovery restarts",
	})

	PhaseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_init_phase_failures_total",
		Help: "Init phase failures by phase",
	}, []string{"phase"})

	HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compute_health_score",
		Help: "Health score of the last completed init (0-100)",
	})

	ActiveMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compute_mode",
		Help: "Execution mode selected by the last init; 1 for the active mode",
	}, []string{"mode"})
)

// SetMode marks mode as the active one among modes.
func SetMode(mode string, modes []string) {
	for _, m := range modes {
		v := 0.0
		if m == mode {
			v = 1
		}
		ActiveMode.WithLabelValues(m).Set(v)
	}
}
