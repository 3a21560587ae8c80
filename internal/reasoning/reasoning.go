// Package reasoning turns the agent's current situation into a single
// validated Decision by asking a language model.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/maxsats/internal/otel"
	"github.com/basket/maxsats/internal/shared"
	"github.com/basket/maxsats/internal/state"
)

var (
	// ErrUnavailable means no provider produced a usable decision.
	ErrUnavailable = errors.New("reasoning unavailable")
	// ErrUnparseable means a provider answered but the answer was not a
	// well-formed decision. It wraps ErrUnavailable.
	ErrUnparseable = fmt.Errorf("%w: unparseable decision", ErrUnavailable)
)

// ActionSpec describes one action the executor is willing to run.
type ActionSpec struct {
	Kind        string
	Description string
	// Params is a JSON Schema object for the action's parameters.
	Params json.RawMessage
}

// Context is everything the model sees when deciding.
type Context struct {
	BalanceSat       int64
	DailyRevenueSat  int64
	LightningAddress string
	RecentHistory    []state.ActionRecord
	PendingInvoices  []state.Invoice
	AvailableActions []ActionSpec
	Now              time.Time
}

type Decision struct {
	ActionKind string         `json:"action_kind"`
	Parameters map[string]any `json:"parameters"`
	Rationale  string         `json:"rationale"`
}

// Learning returns the LEARNING: line of the rationale, if the model left one.
func (d Decision) Learning() string { return ExtractLearning(d.Rationale) }

type Decider interface {
	Decide(ctx context.Context, rc Context) (Decision, error)
}

// Provider is one inference backend. Generate returns the raw model text.
type Provider interface {
	Name() string
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Client is the Decider used in production: an ordered provider chain plus
// decision validation.
type Client struct {
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
}

type ClientOption func(*Client)

func WithLogger(l *slog.Logger) ClientOption   { return func(c *Client) { c.logger = l } }
func WithMetrics(m *otel.Metrics) ClientOption { return func(c *Client) { c.metrics = m } }
func WithTracer(t trace.Tracer) ClientOption   { return func(c *Client) { c.tracer = t } }

// NewClient builds a Decider over providers, tried in order. timeout bounds each provider call.
func NewClient(providers []Provider, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{providers: providers, timeout: timeout, logger: slog.Default(), tracer: otel.NoopTracer()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide asks each provider in turn until one answers. The first answer is
// final: an unparseable reply is not retried on another provider.
func (c *Client) Decide(ctx context.Context, rc Context) (Decision, error) {
	if len(c.providers) == 0 {
		return Decision{}, fmt.Errorf("%w: no providers configured", ErrUnavailable)
	}
	parser, err := NewParser(rc.AvailableActions)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	system := SystemPrompt(rc)
	prompt := UserPrompt(rc)
	runID := shared.RunID(ctx)

	var lastErr error
	for i, p := range c.providers {
		raw, err := c.generate(ctx, p, system, prompt)
		if err != nil {
			lastErr = err
			c.logger.Warn("failover: provider failed",
				"run_id", runID,
				"provider", p.Name(),
				"position", i,
				"error_class", string(ClassifyError(err)),
				"error", err,
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		d, err := parser.Parse(raw)
		if err != nil {
			c.logger.Warn("decision rejected",
				"run_id", runID,
				"provider", p.Name(),
				"error", err,
				"raw", truncate(raw, 500),
			)
			return Decision{}, fmt.Errorf("%w: %s: %w", ErrUnparseable, p.Name(), err)
		}
		if i > 0 {
			c.logger.Info("failover: fallback provider answered", "run_id", runID, "provider", p.Name())
		}
		return d, nil
	}
	return Decision{}, fmt.Errorf("%w: all providers failed: %w", ErrUnavailable, lastErr)
}

func (c *Client) generate(ctx context.Context, p Provider, system, prompt string) (string, error) {
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "reasoning.generate", otel.AttrProvider.String(p.Name()))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := p.Generate(ctx, system, prompt)
	c.metrics.RecordReasoning(ctx, p.Name(), time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
	}
	return raw, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
