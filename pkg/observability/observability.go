// Package observability wires structured logging and OTel metrics for
// the decision engine. The 10 ms per-check latency budget is advisory:
// violations are counted and logged, never enforced.
package observability

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultLatencyBudget is the soft per-check latency target.
const DefaultLatencyBudget = 10 * time.Millisecond

// NewLogger builds the process logger. JSON output with the component
// attribute pre-bound.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("component", component)
}

// Metrics holds the decision-engine instruments.
type Metrics struct {
	checkLatency   metric.Float64Histogram
	budgetExceeded metric.Int64Counter
	decisions      metric.Int64Counter
	latencyBudget  time.Duration
	logger         *slog.Logger
}

// NewMetrics creates the instrument set on the given meter provider.
// Provider may be nil to use the global one.
func NewMetrics(mp metric.MeterProvider, logger *slog.Logger) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := mp.Meter("github.com/wardenhq/warden")

	checkLatency, err := meter.Float64Histogram("warden.check.latency",
		metric.WithDescription("Authorization check latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	budgetExceeded, err := meter.Int64Counter("warden.check.budget_exceeded",
		metric.WithDescription("Checks exceeding the soft latency budget"))
	if err != nil {
		return nil, err
	}
	decisions, err := meter.Int64Counter("warden.decisions",
		metric.WithDescription("Authorization decisions by outcome"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		checkLatency:   checkLatency,
		budgetExceeded: budgetExceeded,
		decisions:      decisions,
		latencyBudget:  DefaultLatencyBudget,
		logger:         logger,
	}, nil
}

// WithLatencyBudget overrides the soft budget.
func (m *Metrics) WithLatencyBudget(budget time.Duration) *Metrics {
	m.latencyBudget = budget
	return m
}

// RecordCheck records one completed authorization check.
func (m *Metrics) RecordCheck(ctx context.Context, allowed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.checkLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	m.decisions.Add(ctx, 1, attrs)

	if elapsed > m.latencyBudget {
		m.budgetExceeded.Add(ctx, 1)
		m.logger.Warn("authorization check exceeded latency budget",
			"elapsed", elapsed, "budget", m.latencyBudget)
	}
}
