package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the cycle instruments. A nil *Metrics records nothing.
type Metrics struct {
	CycleDuration     metric.Float64Histogram
	CycleOutcomes     metric.Int64Counter
	ActionOutcomes    metric.Int64Counter
	ReasoningDuration metric.Float64Histogram
	WalletDuration    metric.Float64Histogram
	BalanceSat        metric.Int64Gauge
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("maxsats.cycle.duration",
		metric.WithDescription("Agent cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleOutcomes, err = meter.Int64Counter("maxsats.cycle.outcomes",
		metric.WithDescription("Cycles by terminal phase"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionOutcomes, err = meter.Int64Counter("maxsats.action.outcomes",
		metric.WithDescription("Executed actions by kind and result"),
	)
	if err != nil {
		return nil, err
	}

	m.ReasoningDuration, err = meter.Float64Histogram("maxsats.reasoning.duration",
		metric.WithDescription("Reasoning provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WalletDuration, err = meter.Float64Histogram("maxsats.wallet.duration",
		metric.WithDescription("Wallet API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BalanceSat, err = meter.Int64Gauge("maxsats.wallet.balance",
		metric.WithDescription("Last observed wallet balance"),
		metric.WithUnit("sat"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordCycle(ctx context.Context, phase string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrPhase.String(phase))
	m.CycleDuration.Record(ctx, seconds, attrs)
	m.CycleOutcomes.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordAction(ctx context.Context, kind, result string) {
	if m == nil {
		return
	}
	m.ActionOutcomes.Add(ctx, 1, metric.WithAttributes(AttrActionKind.String(kind), AttrResult.String(result)))
}

func (m *Metrics) RecordReasoning(ctx context.Context, provider string, seconds float64) {
	if m == nil {
		return
	}
	m.ReasoningDuration.Record(ctx, seconds, metric.WithAttributes(AttrProvider.String(provider)))
}

func (m *Metrics) RecordWalletCall(ctx context.Context, op string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.WalletDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrWalletOp.String(op),
		attribute.Bool("maxsats.wallet.failed", failed),
	))
}

func (m *Metrics) RecordBalance(ctx context.Context, sats int64) {
	if m == nil {
		return
	}
	m.BalanceSat.Record(ctx, sats)
}
