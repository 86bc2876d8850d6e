package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Snapshot cache metrics
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenancy_assistant_cache_lookups_total",
		Help: "Snapshot cache lookups by kind and outcome (hit, miss, store_hit)",
	}, []string{"kind", "outcome"})

	cacheFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenancy_assistant_cache_fetches_total",
		Help: "Upstream fetches started by the snapshot cache",
	}, []string{"kind", "status"})

	cacheFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenancy_assistant_cache_fetch_seconds",
		Help:    "Upstream fetch latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})

	// Tool server metrics
	rpcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenancy_assistant_rpc_requests_total",
		Help: "Tool server requests by method and result code",
	}, []string{"method", "code"})

	rpcLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenancy_assistant_rpc_latency_seconds",
		Help:    "Tool server handling latency in seconds",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"method"})

	// Orchestrator metrics
	orchestratorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenancy_assistant_orchestrator_runs_total",
		Help: "Orchestrator runs by final state",
	}, []string{"state"})

	orchestratorRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenancy_assistant_orchestrator_rounds",
		Help:    "Backend round-trips per orchestrator run",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
	})

	backendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenancy_assistant_backend_latency_seconds",
		Help:    "Generative backend round-trip latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})
)

// RecordCacheLookup counts a cache lookup outcome.
func RecordCacheLookup(kind, outcome string) {
	cacheLookups.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheFetch records one upstream fetch.
func RecordCacheFetch(kind string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	cacheFetches.WithLabelValues(kind, status).Inc()
	cacheFetchLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRPC records one tool server request. code is 0 on success.
func RecordRPC(method string, code int, d time.Duration) {
	rpcRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	rpcLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordRun records a finished orchestrator run.
func RecordRun(state string, rounds int) {
	orchestratorRuns.WithLabelValues(state).Inc()
	orchestratorRounds.Observe(float64(rounds))
}

// RecordBackendCall records one backend round-trip.
func RecordBackendCall(d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	backendLatency.WithLabelValues(status).Observe(d.Seconds())
}
