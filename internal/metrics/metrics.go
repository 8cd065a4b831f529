// internal/metrics/metrics.go
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GRPCServerHandlingSeconds is a histogram for gRPC server request latencies
	GRPCServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of gRPC that had been application-level handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "code"},
	)

	// HTTPServerHandlingSeconds is a histogram for REST request latencies
	HTTPServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of REST requests handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route", "code"},
	)

	// InferenceLatencySeconds is a histogram for engine round trips, from
	// submission to decoded outputs.
	InferenceLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Histogram of inference latency (seconds) excluding transport overhead.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"model"},
	)

	// InferenceCompletions counts completion callbacks by outcome.
	InferenceCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_completions_total",
			Help: "Completion callbacks received from the engine, by outcome.",
		},
		[]string{"outcome"},
	)

	// InflightRequests is the number of submitted requests awaiting completion.
	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inference_inflight_requests",
			Help: "Requests submitted to the engine and not yet completed.",
		},
	)

	// AllocatorBuffers is the number of output buffers handed to the engine
	// and not yet released.
	AllocatorBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allocator_outstanding_buffers",
			Help: "Output buffers allocated for the engine and not yet released.",
		},
	)

	// AllocatorBytes counts bytes allocated for output buffers.
	AllocatorBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allocator_allocated_bytes_total",
			Help: "Bytes allocated for engine output buffers.",
		},
	)

	// AllocatorFailures counts rejected allocation requests by memory type.
	AllocatorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_failures_total",
			Help: "Allocation requests the allocator refused, by requested memory type.",
		},
		[]string{"memory_type"},
	)

	// CacheRequests counts response cache lookups.
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_cache_requests_total",
			Help: "Response cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	// HealthStatus is a gauge indicating the health status of the service
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Health status of the service (1 = healthy, 0 = unhealthy).",
		},
	)
)

// RecordGRPCLatency records the latency of a gRPC method call
func RecordGRPCLatency(method, code string, seconds float64) {
	GRPCServerHandlingSeconds.WithLabelValues(method, code).Observe(seconds)
}

// RecordHTTPLatency records the latency of a REST request
func RecordHTTPLatency(route string, code int, seconds float64) {
	HTTPServerHandlingSeconds.WithLabelValues(route, strconv.Itoa(code)).Observe(seconds)
}

// RecordInferenceLatency records the latency of an inference call
func RecordInferenceLatency(model string, seconds float64) {
	InferenceLatencySeconds.WithLabelValues(model).Observe(seconds)
}

// RecordCompletion counts one completion callback.
func RecordCompletion(outcome string) {
	InferenceCompletions.WithLabelValues(outcome).Inc()
}

// RecordAllocation tracks a buffer handed to the engine.
func RecordAllocation(bytes uint64) {
	AllocatorBuffers.Inc()
	AllocatorBytes.Add(float64(bytes))
}

// RecordRelease tracks a buffer returned by the engine.
func RecordRelease() {
	AllocatorBuffers.Dec()
}

// RecordAllocationFailure counts a refused allocation.
func RecordAllocationFailure(memoryType string) {
	AllocatorFailures.WithLabelValues(memoryType).Inc()
}

// RecordCache counts a cache lookup result.
func RecordCache(result string) {
	CacheRequests.WithLabelValues(result).Inc()
}

// SetHealthy sets the health status to healthy
func SetHealthy() {
	HealthStatus.Set(1)
}

// SetUnhealthy sets the health status to unhealthy
func SetUnhealthy() {
	HealthStatus.Set(0)
}
