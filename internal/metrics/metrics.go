package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertqueue",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the submission service, by tool",
		},
		[]string{"tool"},
	)

	submissionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertqueue",
			Name:      "submissions_rejected_total",
			Help:      "Submissions rejected before enqueue, by reason",
		},
		[]string{"reason"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertqueue",
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state, by tool and result (completed, failed)",
		},
		[]string{"tool", "result"},
	)

	jobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertqueue",
			Name:      "job_failures_total",
			Help:      "Failed jobs by failure kind (timeout, external, input, output_missing, panic, internal)",
		},
		[]string{"kind"},
	)

	operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convertqueue",
			Name:      "operation_duration_seconds",
			Help:      "Duration of conversion steps by tool and step (primary, fallback)",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tool", "step"},
	)

	fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertqueue",
			Name:      "fallbacks_total",
			Help:      "Fallback attempts by tool and result",
		},
		[]string{"tool", "result"},
	)

	reclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "convertqueue",
			Name:      "jobs_reclaimed_total",
			Help:      "Jobs reclaimed from an expired lease",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "convertqueue",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream length and pending entries",
		},
		[]string{"type"},
	)

	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "convertqueue",
			Name:      "workers_busy",
			Help:      "Worker slots currently executing a job",
		},
	)

	binaryInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "convertqueue",
			Name:      "binary_inflight",
			Help:      "External program invocations currently holding a slot",
		},
		[]string{"program"},
	)

	registerOnce sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(jobsSubmitted, submissionsRejected, jobsFinished, jobFailures, operationLatency,
			fallbacks, reclaims, queueDepth, busyWorkers, binaryInflight)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncSubmitted(tool string) { jobsSubmitted.WithLabelValues(tool).Inc() }

func IncRejected(reason string) { submissionsRejected.WithLabelValues(reason).Inc() }

func IncFinished(tool, result string) { jobsFinished.WithLabelValues(tool, result).Inc() }

func IncFailure(kind string) { jobFailures.WithLabelValues(kind).Inc() }

func IncReclaimed() { reclaims.Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }

func SetBinaryInflight(program string, n int) {
	binaryInflight.WithLabelValues(program).Set(float64(n))
}

func WorkerBusy() { busyWorkers.Inc() }

func WorkerIdle() { busyWorkers.Dec() }

func ObserveStep(tool, step string, dur time.Duration) {
	operationLatency.WithLabelValues(tool, step).Observe(dur.Seconds())
}

func IncFallback(tool string, ok bool) {
	result := "failed"
	if ok {
		result = "recovered"
	}
	fallbacks.WithLabelValues(tool, result).Inc()
}
