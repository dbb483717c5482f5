package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom holds the daemon's Prometheus instruments behind a private
// registry, so tests can create independent instances.
type Prom struct {
	registry *prometheus.Registry

	StagesRun        *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	RateLimitSignals prometheus.Counter
	TicketsStuck     prometheus.Counter
	AgentCostUSD     prometheus.Counter
	InFlight         prometheus.Gauge
	StageDuration    *prometheus.HistogramVec
}

// NewProm creates the instrument set on a fresh registry.
func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Prom{
		registry: reg,
		StagesRun: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_stages_run_total",
			Help: "Agent stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_label_transitions_total",
			Help: "Stage label transitions by target stage.",
		}, []string{"to"}),
		RateLimitSignals: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_rate_limit_signals_total",
			Help: "Rate-limit signals observed in agent streams.",
		}),
		TicketsStuck: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_tickets_stuck_total",
			Help: "Tickets moved to the stuck label.",
		}),
		AgentCostUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_agent_cost_usd_total",
			Help: "Cumulative agent spend in USD.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_tickets_in_flight",
			Help: "Tickets currently being processed.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_stage_duration_seconds",
			Help:    "Wall-clock duration of agent stage executions.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"stage"}),
	}
}

// Handler returns the /metrics HTTP handler for this instrument set.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
