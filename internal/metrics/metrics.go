package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/qrbridge/qrbridge/internal/ledger"
)

// Metrics holds the Prometheus collectors for the payment protocol. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	verifications *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	ledgerCalls   *prometheus.HistogramVec
	sessions      prometheus.GaugeFunc
}

// New registers all collectors on a fresh registry. liveSessions is sampled on
// every scrape.
func New(liveSessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrbridge",
			Name:      "verifications_total",
			Help:      "Bank verification attempts by institution and outcome.",
		}, []string{"bank", "outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrbridge",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		ledgerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qrbridge",
			Name:      "ledger_call_duration_seconds",
			Help:      "Latency of ledger transactions until inclusion, by operation and result code.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 45, 90},
		}, []string{"op", "result"}),
	}
	m.sessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "qrbridge",
		Name:      "live_sessions",
		Help:      "Sessions currently held in memory.",
	}, func() float64 {
		if liveSessions == nil {
			return 0
		}
		return float64(liveSessions())
	})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.verifications,
		m.settlements,
		m.ledgerCalls,
		m.sessions,
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Verification counts one verification outcome: verified, rejected, replay or conflict.
func (m *Metrics) Verification(bankID, outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(bankID, outcome).Inc()
}

// Settlement counts one settlement outcome: initiated, completed, failed or refused.
func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

// ObserveLedgerCall implements ledger.Observer.
func (m *Metrics) ObserveLedgerCall(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(ledger.CodeOf(err))
	}
	m.ledgerCalls.WithLabelValues(op, result).Observe(elapsed.Seconds())
}
