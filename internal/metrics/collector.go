// Package metrics provides Prometheus metrics for the lambda-fpm-bridge
// runtime.
//
// The collector owns its metrics and registers them on the registry it is
// given, so every runtime (and every test) has an independent set. At exit
// the collector produces a Summary with invocation duration percentiles
// estimated by a t-digest.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lambda_bridge"

// Invocation outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeTooLarge = "too_large"
)

// Collector manages all Prometheus metrics for one runtime process.
type Collector struct {
	info                *prometheus.GaugeVec
	invocationsTotal    *prometheus.CounterVec
	invocationDuration  prometheus.Histogram
	eventsProcessed     prometheus.Gauge
	initDurationSeconds prometheus.Gauge
	coldStartsTotal     *prometheus.CounterVec
	workerStartsTotal   prometheus.Counter
	workerExitsTotal    *prometheus.CounterVec
	workerUptimeSeconds prometheus.Histogram

	// Timing
	startTime time.Time

	// For summary generation
	mu            sync.Mutex
	outcomes      map[string]int64
	processed     int64
	workerStarts  int64
	exitCodes     map[int]int64
	durations     *tdigest.TDigest
	maxDuration   time.Duration
	coldStart     bool
	proactiveInit bool
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	Runtime string
	Handler string
}

// NewCollectorWithRegistry creates a collector registered on registry. The
// runtime gives each instance its own registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the runtime (value always 1)",
			},
			[]string{"version", "runtime", "handler"},
		),
		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Invocations by outcome (success, failure, timeout, too_large)",
			},
			[]string{"outcome"},
		),
		invocationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Time from event received to result reported",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
			},
		),
		eventsProcessed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "events_processed",
				Help:      "Events processed by this runtime process",
			},
		),
		initDurationSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "init_duration_seconds",
				Help:      "Duration of the initialization phase",
			},
		),
		coldStartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "First invocations of a sandbox, by initialization type",
			},
			[]string{"type"},
		),
		workerStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_starts_total",
				Help:      "Worker processes started",
			},
		),
		workerExitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_exits_total",
				Help:      "Worker process exits by category",
			},
			[]string{"category"},
		),
		workerUptimeSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_uptime_seconds",
				Help:      "Worker process lifetime",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
			},
		),
		startTime: time.Now(),
		outcomes:  make(map[string]int64),
		exitCodes: make(map[int]int64),
		durations: tdigest.NewWithCompression(100),
	}

	registry.MustRegister(
		c.info,
		c.invocationsTotal,
		c.invocationDuration,
		c.eventsProcessed,
		c.initDurationSeconds,
		c.coldStartsTotal,
		c.workerStartsTotal,
		c.workerExitsTotal,
		c.workerUptimeSeconds,
	)

	c.info.WithLabelValues(cfg.Version, cfg.Runtime, cfg.Handler).Set(1)

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// RecordInit records the duration of the initialization phase.
func (c *Collector) RecordInit(d time.Duration) {
	c.initDurationSeconds.Set(d.Seconds())
}

// RecordColdStart records the first invocation of the sandbox. Proactive
// means the sandbox was initialized ahead of the invocation.
func (c *Collector) RecordColdStart(proactive bool) {
	kind := "on_demand"
	if proactive {
		kind = "proactive"
	}
	c.coldStartsTotal.WithLabelValues(kind).Inc()

	c.mu.Lock()
	c.coldStart = true
	c.proactiveInit = proactive
	c.mu.Unlock()
}

// RecordInvocation records a finished invocation.
func (c *Collector) RecordInvocation(outcome string, d time.Duration) {
	c.invocationsTotal.WithLabelValues(outcome).Inc()
	c.invocationDuration.Observe(d.Seconds())
	c.eventsProcessed.Inc()

	c.mu.Lock()
	c.outcomes[outcome]++
	c.processed++
	c.durations.Add(float64(d), 1)
	if d > c.maxDuration {
		c.maxDuration = d
	}
	c.mu.Unlock()
}

// WorkerStarted records a worker start event.
func (c *Collector) WorkerStarted() {
	c.workerStartsTotal.Inc()

	c.mu.Lock()
	c.workerStarts++
	c.mu.Unlock()
}

// WorkerExited records a worker exit event.
func (c *Collector) WorkerExited(exitCode int, uptime time.Duration) {
	// Categorize exit code
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 || exitCode < 0 {
		category = "signal"
	}
	c.workerExitsTotal.WithLabelValues(category).Inc()
	c.workerUptimeSeconds.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.mu.Unlock()
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Uptime        time.Duration
	Processed     int64
	Outcomes      map[string]int64
	WorkerStarts  int64
	WorkerExits   map[int]int64
	ColdStart     bool
	ProactiveInit bool
	DurationP50   time.Duration
	DurationP95   time.Duration
	DurationP99   time.Duration
	DurationMax   time.Duration
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Uptime:        time.Since(c.startTime),
		Processed:     c.processed,
		Outcomes:      make(map[string]int64, len(c.outcomes)),
		WorkerStarts:  c.workerStarts,
		WorkerExits:   make(map[int]int64, len(c.exitCodes)),
		ColdStart:     c.coldStart,
		ProactiveInit: c.proactiveInit,
		DurationMax:   c.maxDuration,
	}
	for outcome, count := range c.outcomes {
		s.Outcomes[outcome] = count
	}
	for code, count := range c.exitCodes {
		s.WorkerExits[code] = count
	}

	if c.processed > 0 {
		s.DurationP50 = quantile(c.durations, 0.50, c.maxDuration)
		s.DurationP95 = quantile(c.durations, 0.95, c.maxDuration)
		s.DurationP99 = quantile(c.durations, 0.99, c.maxDuration)
	}

	return s
}

// quantile clamps the digest estimate to the observed maximum.
func quantile(td *tdigest.TDigest, q float64, maxDuration time.Duration) time.Duration {
	d := time.Duration(td.Quantile(q))
	if d > maxDuration {
		return maxDuration
	}
	if d < 0 {
		return 0
	}
	return d
}

// Log writes the summary as a single structured record.
func (s *Summary) Log(logger *slog.Logger) {
	logger.Info("runtime_summary",
		"uptime", s.Uptime.String(),
		"processed", s.Processed,
		"success", s.Outcomes[OutcomeSuccess],
		"failure", s.Outcomes[OutcomeFailure],
		"timeout", s.Outcomes[OutcomeTimeout],
		"too_large", s.Outcomes[OutcomeTooLarge],
		"worker_starts", s.WorkerStarts,
		"cold_start", s.ColdStart,
		"proactive_init", s.ProactiveInit,
		"duration_p50", s.DurationP50.String(),
		"duration_p95", s.DurationP95.String(),
		"duration_p99", s.DurationP99.String(),
		"duration_max", s.DurationMax.String(),
	)
}
