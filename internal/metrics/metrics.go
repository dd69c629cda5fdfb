package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures operational stats for the job runner and the analysis
// service. Counters are mirrored into a private Prometheus registry.
type Metrics struct {
	queueLength   int64
	queueCapacity int64
	workerCount   int64

	processedJobs   int64
	failedJobs      int64
	reportsWritten  int64
	analysisFailure int64

	registry       *prometheus.Registry
	jobsTotal      *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	analysisTotal  *prometheus.CounterVec
	analysisDur    prometheus.Histogram
	rowsTotal      *prometheus.CounterVec
	towerJumpTotal prometheus.Counter
	reportsTotal   prometheus.Counter
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	QueueLength      int   `json:"queue_length"`
	QueueCapacity    int   `json:"queue_capacity"`
	WorkerCount      int   `json:"worker_count"`
	ProcessedJobs    int64 `json:"processed_jobs"`
	FailedJobs       int64 `json:"failed_jobs"`
	ReportsWritten   int64 `json:"reports_written"`
	AnalysisFailures int64 `json:"analysis_failures"`
}

// New creates a zeroed Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "towerjump",
		Name:      "jobs_total",
		Help:      "Jobs completed by stage and outcome",
	}, []string{"stage", "outcome"})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "towerjump",
		Name:      "job_queue_depth",
		Help:      "Jobs waiting in the runner queue",
	})
	m.analysisTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "towerjump",
		Name:      "analyses_total",
		Help:      "Dataset analyses by outcome",
	}, []string{"outcome"})
	m.analysisDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "towerjump",
		Name:      "analysis_duration_seconds",
		Help:      "Time spent decoding and analyzing a dataset",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	m.rowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "towerjump",
		Name:      "rows_total",
		Help:      "Input rows seen by the cleaner, by disposition",
	}, []string{"disposition"})
	m.towerJumpTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "towerjump",
		Name:      "tower_jumps_total",
		Help:      "Records flagged as tower jumps",
	})
	m.reportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "towerjump",
		Name:      "reports_written_total",
		Help:      "Reports delivered to every configured sink",
	})
	m.registry.MustRegister(m.jobsTotal, m.queueDepth, m.analysisTotal, m.analysisDur, m.rowsTotal, m.towerJumpTotal, m.reportsTotal)
	return m
}

// UpdateQueue records the current queue stats.
func (m *Metrics) UpdateQueue(length, capacity, workers int) {
	atomic.StoreInt64(&m.queueLength, int64(length))
	atomic.StoreInt64(&m.queueCapacity, int64(capacity))
	atomic.StoreInt64(&m.workerCount, int64(workers))
	m.queueDepth.Set(float64(length))
}

// RecordJobCompletion increments processed/failed counters based on outcome.
func (m *Metrics) RecordJobCompletion(stage string, err error) {
	atomic.AddInt64(&m.processedJobs, 1)
	outcome := "succeeded"
	if err != nil {
		atomic.AddInt64(&m.failedJobs, 1)
		outcome = "failed"
	}
	m.jobsTotal.WithLabelValues(stage, outcome).Inc()
}

// AnalysisOutcome describes one finished analysis.
type AnalysisOutcome struct {
	Duration time.Duration
	Retained int
	Dropped  int
	Jumps    int
	Err      error
}

// RecordAnalysis records the result of one dataset analysis.
func (m *Metrics) RecordAnalysis(o AnalysisOutcome) {
	m.analysisDur.Observe(o.Duration.Seconds())
	m.rowsTotal.WithLabelValues("retained").Add(float64(o.Retained))
	m.rowsTotal.WithLabelValues("dropped").Add(float64(o.Dropped))
	if o.Err != nil {
		atomic.AddInt64(&m.analysisFailure, 1)
		m.analysisTotal.WithLabelValues("failed").Inc()
		return
	}
	m.analysisTotal.WithLabelValues("succeeded").Inc()
	m.towerJumpTotal.Add(float64(o.Jumps))
}

// RecordReportWritten counts a report delivered to every sink.
func (m *Metrics) RecordReportWritten() {
	atomic.AddInt64(&m.reportsWritten, 1)
	m.reportsTotal.Inc()
}

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		QueueLength:      int(atomic.LoadInt64(&m.queueLength)),
		QueueCapacity:    int(atomic.LoadInt64(&m.queueCapacity)),
		WorkerCount:      int(atomic.LoadInt64(&m.workerCount)),
		ProcessedJobs:    atomic.LoadInt64(&m.processedJobs),
		FailedJobs:       atomic.LoadInt64(&m.failedJobs),
		ReportsWritten:   atomic.LoadInt64(&m.reportsWritten),
		AnalysisFailures: atomic.LoadInt64(&m.analysisFailure),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
