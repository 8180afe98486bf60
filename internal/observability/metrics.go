package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the report scheduling layer.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth   prometheus.Gauge
	runningJobs  prometheus.Gauge
	dlqSize      prometheus.Gauge
	openBreakers prometheus.Gauge

	runOutcomes  *prometheus.CounterVec
	jobAttempts  *prometheus.CounterVec
	stepLatency  *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec

	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brandlens_queue_depth",
			Help: "Queued report jobs that are due for delivery.",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brandlens_running_jobs",
			Help: "Report jobs currently leased by workers.",
		}),
		dlqSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brandlens_dead_letter_entries",
			Help: "Entries currently quarantined in the dead letter queue.",
		}),
		openBreakers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brandlens_open_breakers",
			Help: "Provider circuits currently open.",
		}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brandlens_report_runs_total",
			Help: "Report runs by terminal outcome.",
		}, []string{"outcome"}),
		jobAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brandlens_job_attempts_total",
			Help: "Job attempts by result.",
		}, []string{"result"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brandlens_pipeline_step_seconds",
			Help:    "Wall time per pipeline step.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step", "state"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brandlens_breaker_state",
			Help: "Circuit state per provider (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brandlens_provider_calls_total",
			Help: "Upstream model calls by provider and result.",
		}, []string{"provider", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brandlens_provider_call_seconds",
			Help:    "Upstream model call latency by provider.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.queueDepth, m.runningJobs, m.dlqSize, m.openBreakers,
		m.runOutcomes, m.jobAttempts, m.stepLatency, m.breakerState,
		m.providerCalls, m.providerLatency,
	)
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetQueueDepth(n int64)   { m.queueDepth.Set(float64(n)) }
func (m *Metrics) SetRunningJobs(n int64)  { m.runningJobs.Set(float64(n)) }
func (m *Metrics) SetDLQSize(n int64)      { m.dlqSize.Set(float64(n)) }
func (m *Metrics) SetOpenBreakers(n int64) { m.openBreakers.Set(float64(n)) }

func (m *Metrics) RunCompleted() { m.runOutcomes.WithLabelValues("completed").Inc() }
func (m *Metrics) RunFailed()    { m.runOutcomes.WithLabelValues("failed").Inc() }

func (m *Metrics) JobAttempt(result string) { m.jobAttempts.WithLabelValues(result).Inc() }

func (m *Metrics) ObserveStep(step, state string, d time.Duration) {
	m.stepLatency.WithLabelValues(step, state).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(provider string, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	m.breakerState.WithLabelValues(provider).Set(v)
}

func (m *Metrics) ProviderCall(provider, result string, d time.Duration) {
	m.providerCalls.WithLabelValues(provider, result).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}
