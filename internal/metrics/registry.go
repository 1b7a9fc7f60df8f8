// Package metrics holds the Prometheus metrics for pipeline runs, gates,
// decisions, alert delivery and the ledger view cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Registry holds all tradeops metrics on its own Prometheus registry
type Registry struct {
	reg *prometheus.Registry

	// Stage duration metrics
	StageDuration *prometheus.HistogramVec

	// Gate and run outcomes
	GateResults *prometheus.CounterVec
	Runs        *prometheus.CounterVec
	Decisions   *prometheus.CounterVec
	ActiveRuns  prometheus.Gauge

	// Alerting
	Alerts     *prometheus.CounterVec
	Deliveries *prometheus.CounterVec

	// Ledger cache performance
	CacheHitRatio prometheus.Gauge
	CacheLookups  *prometheus.CounterVec

	// Portfolio
	PortfolioValue prometheus.Gauge
	Drawdown       prometheus.Gauge
	IntendedTrades prometheus.Gauge
}

// NewRegistry creates a registry with every tradeops metric registered
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeops_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage", "result"},
		),

		GateResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeops_gate_results_total",
				Help: "Gate outcomes by check and result",
			},
			[]string{"check", "result"},
		),

		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeops_runs_total",
				Help: "Finished runs by terminal status",
			},
			[]string{"status"},
		),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeops_decisions_total",
				Help: "Rendered tickets by decision type",
			},
			[]string{"decision_type"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeops_active_runs",
				Help: "Number of runs currently executing in this process",
			},
		),

		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeops_alerts_total",
				Help: "Alerts emitted by type",
			},
			[]string{"alert_type"},
		),

		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeops_alert_deliveries_total",
				Help: "Secondary alert delivery attempts by sink and status",
			},
			[]string{"sink", "status"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeops_ledger_cache_hit_ratio",
				Help: "Ledger view cache hit ratio (0.0 to 1.0)",
			},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeops_ledger_cache_lookups_total",
				Help: "Ledger view cache lookups by result",
			},
			[]string{"result"},
		),

		PortfolioValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeops_portfolio_value",
				Help: "Portfolio value at the last risk evaluation, in base currency",
			},
		),

		Drawdown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeops_drawdown_ratio",
				Help: "Drawdown from the high-water mark at the last risk evaluation",
			},
		),

		IntendedTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeops_intended_trades",
				Help: "Order lines in the last rendered decision",
			},
		),
	}

	m.reg.MustRegister(
		m.StageDuration,
		m.GateResults,
		m.Runs,
		m.Decisions,
		m.ActiveRuns,
		m.Alerts,
		m.Deliveries,
		m.CacheHitRatio,
		m.CacheLookups,
		m.PortfolioValue,
		m.Drawdown,
		m.IntendedTrades,
	)

	return m
}

// Gatherer exposes the underlying registry
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

// StageTimer tracks execution time for pipeline stages
type StageTimer struct {
	metrics *Registry
	stage   string
	start   time.Time
}

// StartStage begins timing a pipeline stage
func (m *Registry) StartStage(stage string) *StageTimer {
	return &StageTimer{metrics: m, stage: stage, start: time.Now()}
}

// Stop completes the stage timing and records the metric
func (st *StageTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StageDuration.WithLabelValues(st.stage, result).Observe(duration.Seconds())

	log.Debug().
		Str("stage", st.stage).
		Str("result", result).
		Dur("duration", duration).
		Msg("Pipeline stage completed")
}

// RecordGate counts a gate outcome
func (m *Registry) RecordGate(check string, passed bool) {
	m.GateResults.WithLabelValues(check, passResult(passed)).Inc()
}

// RunStarted marks a run as executing
func (m *Registry) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunFinished records a run's terminal status
func (m *Registry) RunFinished(status string) {
	m.ActiveRuns.Dec()
	m.Runs.WithLabelValues(status).Inc()
}

// RecordDecision counts a rendered ticket and its line count
func (m *Registry) RecordDecision(decisionType string, lines int) {
	m.Decisions.WithLabelValues(decisionType).Inc()
	m.IntendedTrades.Set(float64(lines))
}

// RecordPortfolio sets the portfolio gauges
func (m *Registry) RecordPortfolio(value, drawdown decimal.Decimal) {
	m.PortfolioValue.Set(value.InexactFloat64())
	m.Drawdown.Set(drawdown.InexactFloat64())
}

// RecordAlert counts an emitted alert
func (m *Registry) RecordAlert(alertType string) {
	m.Alerts.WithLabelValues(alertType).Inc()
}

// RecordDelivery counts a delivery attempt
func (m *Registry) RecordDelivery(sink, status string) {
	m.Deliveries.WithLabelValues(sink, status).Inc()
}

// RecordCacheLookup records a ledger cache hit or miss and refreshes the ratio
func (m *Registry) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
	m.updateCacheHitRatio()
}

func (m *Registry) updateCacheHitRatio() {
	hits := counterValue(m.CacheLookups, "hit")
	misses := counterValue(m.CacheLookups, "miss")

	total := hits + misses
	if total > 0 {
		m.CacheHitRatio.Set(hits / total)
	}
}

func counterValue(vec *prometheus.CounterVec, label string) float64 {
	counter, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		return 0
	}
	metric := &io_prometheus_client.Metric{}
	if err := counter.Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func passResult(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}
