package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the council engine. Every
// instance carries its own registry so tests never collide.
type Metrics struct {
	registry *prometheus.Registry

	roundsTotal    *prometheus.CounterVec
	roundDuration  prometheus.Histogram
	agentResponses *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	costTotal      prometheus.Counter
	sessionsActive prometheus.Gauge
	buttInsTotal   prometheus.Counter
	eventsDropped  prometheus.GaugeFunc

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates a metrics collector. droppedEvents, when not nil,
// is sampled on scrape to report how many events subscribers missed.
func NewMetrics(droppedEvents func() uint64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		roundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_rounds_total",
			Help: "Rounds executed, by outcome.",
		}, []string{"outcome"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "council_round_duration_seconds",
			Help:    "Wall time of one barrier-synchronized round.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		agentResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_agent_responses_total",
			Help: "Participant responses, by outcome (ok or a failure kind).",
		}, []string{"outcome"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_tokens_total",
			Help: "Tokens exchanged with providers, by direction.",
		}, []string{"direction"}),
		costTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "council_cost_usd_total",
			Help: "Accumulated provider cost in USD.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "council_sessions_running",
			Help: "Sessions with an active auto-deliberation run.",
		}),
		buttInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "council_butt_ins_total",
			Help: "Human interjections submitted.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.roundsTotal, m.roundDuration, m.agentResponses, m.tokensTotal,
		m.costTotal, m.sessionsActive, m.buttInsTotal,
		m.httpRequests, m.httpDuration,
	)
	if droppedEvents != nil {
		m.eventsDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "council_events_dropped_total",
			Help: "Events dropped because subscriber buffers were full.",
		}, func() float64 { return float64(droppedEvents()) })
		m.registry.MustRegister(m.eventsDropped)
	}
	return m
}

// RecordRound records one completed round. Outcome is "completed" or
// "persist_failed".
func (m *Metrics) RecordRound(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.roundsTotal.WithLabelValues(outcome).Inc()
	m.roundDuration.Observe(duration.Seconds())
}

// RecordAgentResponse records one participant's outcome: "ok" or a
// failure kind.
func (m *Metrics) RecordAgentResponse(outcome string) {
	if m == nil {
		return
	}
	m.agentResponses.WithLabelValues(outcome).Inc()
}

// AddUsage accumulates token and cost counters for one exchange.
func (m *Metrics) AddUsage(inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	m.costTotal.Add(costUSD)
}

// SessionStarted and SessionStopped track the auto-run gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// RecordButtIn counts one submitted human interjection.
func (m *Metrics) RecordButtIn() {
	if m == nil {
		return
	}
	m.buttInsTotal.Inc()
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
