package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// evaluationDuration tracks end-to-end Evaluate call latency.
	evaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluator_evaluation_seconds",
			Help:    "Evaluation (whole-DAG) duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"}, // success, cancelled
	)

	// dispatchLatency tracks time from an execution becoming ready to it
	// being dispatched to a worker.
	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluator_dispatch_latency_seconds",
			Help:    "Time from execution readiness to dispatch, in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"worker"},
	)

	// executionResults counts terminal execution outcomes.
	executionResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluator_executions_total",
			Help: "Total number of executions by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	// storeCacheResults counts content-store lookups by hit/miss.
	storeCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluator_store_cache_total",
			Help: "Total content-store lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	// storePinnedFiles is the current number of pinned (refcount > 0)
	// entries held by the content store.
	storePinnedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evaluator_store_pinned_files",
			Help: "Current number of pinned files in the content store",
		},
	)

	// bytesTransferred counts blob bytes moved across the transport, by
	// direction and peer role.
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluator_bytes_transferred_total",
			Help: "Total blob bytes transferred over the wire",
		},
		[]string{"direction", "peer"}, // direction: sent|received; peer: client|worker
	)

	// errorCount counts errors by component and kind.
	errorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluator_errors_total",
			Help: "Total number of errors by component and type",
		},
		[]string{"component", "error_type"},
	)

	// activeEvaluations is the current number of in-flight evaluations
	// the coordinator is scheduling.
	activeEvaluations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evaluator_active_evaluations",
			Help: "Current number of active evaluations",
		},
	)

	// connectedWorkers is the current number of workers with an open
	// connection to the coordinator.
	connectedWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evaluator_connected_workers",
			Help: "Current number of connected workers",
		},
	)
)

// RecordEvaluation records the outcome and duration of a whole evaluation.
func RecordEvaluation(durationSeconds float64, status string) {
	evaluationDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordDispatchLatency records the ready-to-dispatch delay for one
// execution sent to worker.
func RecordDispatchLatency(worker string, durationSeconds float64) {
	dispatchLatency.WithLabelValues(worker).Observe(durationSeconds)
}

// RecordExecutionResult increments the execution-outcome counter.
func RecordExecutionResult(outcome string) {
	executionResults.WithLabelValues(outcome).Inc()
}

// RecordStoreCacheHit increments the store cache-hit counter.
func RecordStoreCacheHit() { storeCacheResults.WithLabelValues("hit").Inc() }

// RecordStoreCacheMiss increments the store cache-miss counter.
func RecordStoreCacheMiss() { storeCacheResults.WithLabelValues("miss").Inc() }

// SetStorePinnedFiles sets the current pinned-file gauge.
func SetStorePinnedFiles(n int) { storePinnedFiles.Set(float64(n)) }

// RecordBytesTransferred records bytes moved in one direction to/from a peer role.
func RecordBytesTransferred(direction, peer string, n int64) {
	bytesTransferred.WithLabelValues(direction, peer).Add(float64(n))
}

// RecordError increments the error counter for a component/type pair.
func RecordError(component, errorType string) {
	errorCount.WithLabelValues(component, errorType).Inc()
}

// IncrementActiveEvaluations increments the active-evaluations gauge.
func IncrementActiveEvaluations() { activeEvaluations.Inc() }

// DecrementActiveEvaluations decrements the active-evaluations gauge.
func DecrementActiveEvaluations() { activeEvaluations.Dec() }

// SetConnectedWorkers sets the connected-workers gauge.
func SetConnectedWorkers(n int) { connectedWorkers.Set(float64(n)) }

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
