package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters for the turn loop and tool dispatcher.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// be constructed without metrics in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordDispatch("bash", "ok", time.Since(start))
type Metrics struct {
	// ToolDispatches counts tool calls.
	// Labels: tool, status (ok|error|cancelled|skipped)
	ToolDispatches *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ApprovalDecisions counts approval outcomes.
	// Labels: decision (auto|allowlisted|yes|no|always)
	ApprovalDecisions *prometheus.CounterVec

	// ModelRoundTrips counts completed model round-trips.
	ModelRoundTrips prometheus.Counter

	// Runs counts finished loop runs.
	// Labels: reason (end_turn|max_turns|stopped|error)
	Runs *prometheus.CounterVec

	// ProtocolErrors counts malformed model streams.
	ProtocolErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckhand_tool_dispatches_total",
				Help: "Total number of tool dispatches by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckhand_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		ApprovalDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckhand_approval_decisions_total",
				Help: "Total number of approval decisions by outcome",
			},
			[]string{"decision"},
		),
		ModelRoundTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "deckhand_model_round_trips_total",
				Help: "Total number of completed model round-trips",
			},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckhand_runs_total",
				Help: "Total number of loop runs by stop reason",
			},
			[]string{"reason"},
		),
		ProtocolErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "deckhand_protocol_errors_total",
				Help: "Total number of malformed model streams",
			},
		),
	}
}

// RecordDispatch records one tool dispatch.
func (m *Metrics) RecordDispatch(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolDispatches.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordApproval records one approval outcome.
func (m *Metrics) RecordApproval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(decision).Inc()
}

// RecordRoundTrip records one completed model round-trip.
func (m *Metrics) RecordRoundTrip() {
	if m == nil {
		return
	}
	m.ModelRoundTrips.Inc()
}

// RecordRun records the end of a loop run.
func (m *Metrics) RecordRun(reason string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(reason).Inc()
}

// RecordProtocolError records a malformed stream.
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}
