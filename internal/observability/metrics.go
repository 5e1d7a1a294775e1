// Package observability — Prometheus metrics for the warden agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9478 (configurable).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: warden_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
//
// Cardinality control: signature ids and ticket ids are NOT labels
// (unbounded); categories, severities, and statuses are (small fixed
// sets).

package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the agent.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Pipeline ────────────────────────────────────────────────────

	// TicksTotal counts monitoring loop iterations.
	TicksTotal prometheus.Counter

	// SignalsTotal counts emitted signals. Labels: category, severity.
	SignalsTotal *prometheus.CounterVec

	// SignalsDroppedTotal is registered for queue-overflow drops; no code
	// path increments it, so it stays at zero.
	SignalsDroppedTotal prometheus.Counter

	// SuppressionsTotal counts profile-gated suppressions.
	SuppressionsTotal prometheus.Counter

	// ─── Profiler ────────────────────────────────────────────────────

	// ProfileBuckets is the number of populated buckets.
	ProfileBuckets prometheus.Gauge

	// ─── Correlation ─────────────────────────────────────────────────

	// CorrelationsTotal counts fired compound rules. Labels: rule.
	CorrelationsTotal *prometheus.CounterVec

	// CorrelatorWindow is the current window entry count.
	CorrelatorWindow prometheus.Gauge

	// ─── Tickets & remediation ───────────────────────────────────────

	// TicketsTotal counts created tickets. Labels: status.
	TicketsTotal *prometheus.CounterVec

	// RemediationsTotal counts runbook executions. Labels: result.
	RemediationsTotal *prometheus.CounterVec

	// RemediationDuration records runbook wall time.
	RemediationDuration prometheus.Histogram

	// ─── Escalation ──────────────────────────────────────────────────

	// EscalationsTotal counts escalations sent to the server.
	EscalationsTotal prometheus.Counter

	// CooldownRefusalsTotal counts escalations refused by cooldown.
	CooldownRefusalsTotal prometheus.Counter

	// BudgetRemaining is the current action budget token level.
	BudgetRemaining prometheus.Gauge

	// ─── Transport ───────────────────────────────────────────────────

	// TransportQueueDepth is the in-memory send queue depth.
	TransportQueueDepth prometheus.Gauge
}

// NewMetrics constructs and registers every metric on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_loop_ticks_total",
			Help: "Monitoring loop iterations.",
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_signals_total",
			Help: "Signals emitted by the rule engine and adaptors.",
		}, []string{"category", "severity"}),
		SignalsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_signals_dropped_total",
			Help: "Signals dropped due to queue overflow.",
		}),
		SuppressionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_profile_suppressions_total",
			Help: "Signals suppressed by the behavioral profiler.",
		}),
		ProfileBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_profile_buckets",
			Help: "Populated profiler buckets.",
		}),
		CorrelationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_correlations_total",
			Help: "Compound correlation rules fired.",
		}, []string{"rule"}),
		CorrelatorWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_correlator_window_entries",
			Help: "Signals currently inside the correlation window.",
		}),
		TicketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tickets_total",
			Help: "Tickets created.",
		}, []string{"status"}),
		RemediationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_remediations_total",
			Help: "Runbook executions.",
		}, []string{"result"}),
		RemediationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_remediation_duration_seconds",
			Help:    "Runbook wall time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_escalations_total",
			Help: "Escalations sent to the central server.",
		}),
		CooldownRefusalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_cooldown_refusals_total",
			Help: "Escalations refused by an active cooldown.",
		}),
		BudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_budget_tokens_remaining",
			Help: "Action budget token level.",
		}),
		TransportQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_transport_queue_depth",
			Help: "In-memory transport send queue depth.",
		}),
	}

	reg.MustRegister(
		m.TicksTotal, m.SignalsTotal, m.SignalsDroppedTotal,
		m.SuppressionsTotal, m.ProfileBuckets,
		m.CorrelationsTotal, m.CorrelatorWindow,
		m.TicketsTotal, m.RemediationsTotal, m.RemediationDuration,
		m.EscalationsTotal, m.CooldownRefusalsTotal, m.BudgetRemaining,
		m.TransportQueueDepth,
	)
	return m
}

// ServeMetrics runs the metrics HTTP server until ctx is cancelled.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
