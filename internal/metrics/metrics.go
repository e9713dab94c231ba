package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/ErlanBelekov/media-harvester/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harvester"

var (
	// Master: dispatch

	TasksDispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dispatched_total",
		Help:      "Total tasks handed out to workers.",
	})

	ClaimsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_rejected_total",
		Help:      "Claims that did not yield a task, by reason.",
	}, []string{"reason"})

	AskTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accountant_ask_timeouts_total",
		Help:      "Accountant queries that ran out of time, by caller.",
	}, []string{"component"})

	AccountantTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "accountant_tasks",
		Help:      "Tasks currently held in memory, by state.",
	}, []string{"state"})

	// Master: completion and loading

	TasksDoneTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_done_total",
		Help:      "Completed task reports, by retrieve state.",
	}, []string{"state"})

	TasksTimedOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_timed_out_total",
		Help:      "PROCESSING tasks reset to READY after the response timeout.",
	})

	JobsFinishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Jobs whose every task is DONE.",
	})

	LoaderJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loader_jobs_total",
		Help:      "Jobs acted on by the loader, by pass.",
	}, []string{"pass"})

	LoaderCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "loader_cycle_duration_seconds",
		Help:      "Time taken for one loader cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	SearchIndexUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_index_updates_total",
		Help:      "Record flag updates sent to the search index, by outcome.",
	}, []string{"outcome"})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "master_is_leader",
		Help:      "1 while this master holds the leader lock.",
	})

	// Worker

	DownloadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "download_duration_seconds",
		Help:      "Duration of a retrieval, by retrieve state.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"state"})

	DownloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_bytes_total",
		Help:      "Total body bytes received.",
	})

	TasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_tasks_in_flight",
		Help:      "Number of tasks currently being retrieved by the worker.",
	})

	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_reports_total",
		Help:      "Done reports sent to the master, by outcome.",
	}, []string{"outcome"})

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when the worker started.",
	})

	WorkerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_shutdowns_total",
		Help:      "Number of times the worker has shut down.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPResponseSizeBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response body size.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	}, []string{"method", "path"})
)

func Register() {
	prometheus.MustRegister(
		TasksDispatchedTotal,
		ClaimsRejectedTotal,
		AskTimeoutsTotal,
		AccountantTasks,
		TasksDoneTotal,
		TasksTimedOutTotal,
		JobsFinishedTotal,
		LoaderJobsTotal,
		LoaderCycleDuration,
		SearchIndexUpdatesTotal,
		IsLeader,
		DownloadDuration,
		DownloadBytesTotal,
		TasksInFlight,
		ReportsTotal,
		WorkerStartTime,
		WorkerShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
		HTTPResponseSizeBytes,
	)
}

// NewServer serves /metrics plus liveness and readiness probes backed by checker.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Readiness(r.Context()))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}
