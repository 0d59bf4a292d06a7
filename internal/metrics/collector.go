package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"objmover/internal/progress"
)

// Collector collects and exposes metrics. It is the observability sink:
// fire-and-forget counters, never blocking the pipeline.
type Collector struct {
	registry        *prometheus.Registry
	transfersTotal  *prometheus.CounterVec
	attemptsTotal   prometheus.Counter
	bytesTotal      prometheus.Counter
	inflightWorkers prometheus.Gauge
	duration        prometheus.Histogram
	rateLimitWait   *prometheus.HistogramVec
	progressTracker *progress.Tracker
}

// New creates a new metrics collector with its own registry so multiple
// runs can coexist in one process.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_transfers_total",
				Help: "Total number of artifacts by terminal state",
			},
			[]string{"state"},
		),
		attemptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_attempts_total",
				Help: "Total transfer attempts including retries",
			},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_bytes_total",
				Help: "Total bytes migrated",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_inflight_workers",
				Help: "Number of workers currently processing",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "migrate_artifact_duration_seconds",
				Help:    "Time taken to migrate an artifact",
				Buckets: prometheus.DefBuckets,
			},
		),
		rateLimitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "migrate_ratelimit_wait_seconds",
				Help:    "Time spent waiting on rate limiter tokens",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"bucket"},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(c.transfersTotal)
	c.registry.MustRegister(c.attemptsTotal)
	c.registry.MustRegister(c.bytesTotal)
	c.registry.MustRegister(c.inflightWorkers)
	c.registry.MustRegister(c.duration)
	c.registry.MustRegister(c.rateLimitWait)

	return c
}

// IncCommitted counts a committed artifact and its payload
func (c *Collector) IncCommitted(bytes int64) {
	c.transfersTotal.WithLabelValues("committed").Inc()
	c.bytesTotal.Add(float64(bytes))
	c.progressTracker.AddSuccess(bytes)
}

// IncSkipped counts an artifact already present or committed by a prior run
func (c *Collector) IncSkipped(bytes int64) {
	c.transfersTotal.WithLabelValues("skipped").Inc()
	c.progressTracker.AddSkipped(bytes)
}

// IncFailed counts a terminally failed artifact by failure class
func (c *Collector) IncFailed(state string) {
	c.transfersTotal.WithLabelValues(state).Inc()
	c.progressTracker.AddFailed()
}

// IncAttempt counts one transfer attempt
func (c *Collector) IncAttempt() {
	c.attemptsTotal.Inc()
}

// SetInflightWorkers sets the number of inflight workers
func (c *Collector) SetInflightWorkers(count int) {
	c.inflightWorkers.Set(float64(count))
}

// ObserveDuration observes per-artifact migration duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// ObserveRateLimitWait records time spent blocked on a token bucket
func (c *Collector) ObserveRateLimitWait(bucket string, wait time.Duration) {
	c.rateLimitWait.WithLabelValues(bucket).Observe(wait.Seconds())
}

// Handler returns the /metrics handler for this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetTotalCounts sets the totals for progress tracking
func (c *Collector) SetTotalCounts(artifacts, bytes int64) {
	c.progressTracker.SetTotal(artifacts, bytes)
}
