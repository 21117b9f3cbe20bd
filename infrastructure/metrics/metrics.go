// Package metrics provides Prometheus metrics collection for the substrate.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors exported by an evolutiond process.
type Metrics struct {
	// Admission metrics (Credit Sentinel)
	VerdictsTotal    *prometheus.CounterVec
	CreditsUsed      *prometheus.GaugeVec
	GlobalCreditsUsed prometheus.Gauge
	ActiveAgents     prometheus.Gauge
	AbortedAgents    prometheus.Gauge
	ThrottledAgents  prometheus.Gauge
	WallTimeMs       *prometheus.HistogramVec
	LocksHeld        prometheus.Gauge
	DeadlocksTotal   prometheus.Counter
	ChecksTotal      prometheus.Counter

	// Runtime metrics (Agent Runtime)
	MessagesProcessed *prometheus.CounterVec
	HandlerErrors     *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec

	// Orchestrator metrics (Evolution Orchestrator)
	CyclesTotal           *prometheus.CounterVec
	CycleDuration         prometheus.Histogram
	ProposalsGenerated    prometheus.Counter
	ProposalsApproved     prometheus.Counter
	ImplementationsOK     prometheus.Counter

	// HTTP metrics (admin surface)
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Process health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
// A nil registerer skips registration, useful for isolated tests.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_verdicts_total",
				Help: "Total admission verdicts issued by the Credit Sentinel",
			},
			[]string{"agent", "verdict"},
		),
		CreditsUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_agent_credits_used",
				Help: "Credits consumed by an agent in the current session",
			},
			[]string{"agent"},
		),
		GlobalCreditsUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_global_credits_used",
				Help: "Total credits consumed across all agents",
			},
		),
		ActiveAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "sentinel_active_agents", Help: "Number of active agents"},
		),
		AbortedAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "sentinel_aborted_agents", Help: "Number of aborted agents"},
		),
		ThrottledAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "sentinel_throttled_agents", Help: "Number of currently throttled agents"},
		),
		WallTimeMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_agent_wall_time_ms",
				Help:    "Observed wall-clock time per agent at monitor ticks",
				Buckets: []float64{100, 500, 1000, 5000, 15000, 45000, 120000, 300000},
			},
			[]string{"agent"},
		),
		LocksHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "sentinel_locks_held", Help: "Number of file locks currently held"},
		),
		DeadlocksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "sentinel_deadlocks_total", Help: "Total deadlocks detected and resolved"},
		),
		ChecksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "sentinel_limit_checks_total", Help: "Total limit-evaluation calls"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_messages_processed_total",
				Help: "Total messages processed by an agent runtime",
			},
			[]string{"agent", "message_type"},
		),
		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_handler_errors_total",
				Help: "Total handler errors by agent runtime",
			},
			[]string{"agent", "message_type"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runtime_handler_duration_seconds",
				Help:    "Handler execution duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent", "message_type"},
		),

		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cycles_total",
				Help: "Total evolution cycles run, by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_cycle_duration_seconds",
				Help:    "Evolution cycle duration",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		ProposalsGenerated: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "orchestrator_proposals_generated_total", Help: "Total proposals generated"},
		),
		ProposalsApproved: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "orchestrator_proposals_approved_total", Help: "Total proposals approved"},
		),
		ImplementationsOK: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "orchestrator_implementations_successful_total", Help: "Total successful implementations"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service information"},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.VerdictsTotal, m.CreditsUsed, m.GlobalCreditsUsed, m.ActiveAgents, m.AbortedAgents,
			m.ThrottledAgents, m.WallTimeMs, m.LocksHeld, m.DeadlocksTotal, m.ChecksTotal,
			m.MessagesProcessed, m.HandlerErrors, m.HandlerDuration,
			m.CyclesTotal, m.CycleDuration, m.ProposalsGenerated, m.ProposalsApproved, m.ImplementationsOK,
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordVerdict records one Sentinel admission verdict for agent.
func (m *Metrics) RecordVerdict(agent, verdict string) {
	m.VerdictsTotal.WithLabelValues(agent, verdict).Inc()
}

// RecordHTTPRequest records an HTTP request against the admin surface.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordHandler records the outcome and duration of one handler invocation.
func (m *Metrics) RecordHandler(agent, messageType string, duration time.Duration, err error) {
	m.MessagesProcessed.WithLabelValues(agent, messageType).Inc()
	m.HandlerDuration.WithLabelValues(agent, messageType).Observe(duration.Seconds())
	if err != nil {
		m.HandlerErrors.WithLabelValues(agent, messageType).Inc()
	}
}

// RecordCycle records the outcome and duration of one evolution cycle.
func (m *Metrics) RecordCycle(outcome string, duration time.Duration) {
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(duration.Seconds())
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
