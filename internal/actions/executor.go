// Package actions holds the catalog of things the agent may do in a cycle
// and the executor that runs exactly one of them.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/maxsats/internal/otel"
	"github.com/basket/maxsats/internal/reasoning"
	"github.com/basket/maxsats/internal/shared"
	"github.com/basket/maxsats/internal/state"
)

// Input is what an action sees when it runs.
type Input struct {
	State  state.AgentState
	Params map[string]any
	Now    time.Time
}

// Effect is how a run changes the agent's state. It is applied even when
// the action fails, so a failed check can still drop a dead invoice.
type Effect struct {
	Detail        string
	BalanceSat    *int64
	AddInvoice    *state.Invoice
	RemoveInvoice string
}

// Action is one entry in the catalog.
type Action interface {
	Spec() reasoning.ActionSpec
	Run(ctx context.Context, in Input) (Effect, error)
}

// Outcome is the result of Execute: one record plus the state changes it implies.
type Outcome struct {
	Record state.ActionRecord
	Effect Effect
}

// Apply folds the outcome into st and returns the new state.
func (o Outcome) Apply(st state.AgentState) state.AgentState {
	if o.Effect.BalanceSat != nil {
		st.BalanceSat = *o.Effect.BalanceSat
	}
	if o.Effect.RemoveInvoice != "" {
		st = st.RemoveInvoice(o.Effect.RemoveInvoice)
	}
	if o.Effect.AddInvoice != nil {
		st = st.AddInvoice(*o.Effect.AddInvoice)
	}
	return st.Append(o.Record)
}

type Executor struct {
	actions map[string]Action
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	now     func() time.Time
}

type Option func(*Executor)

func WithLogger(l *slog.Logger) Option   { return func(e *Executor) { e.logger = l } }
func WithTracer(t trace.Tracer) Option   { return func(e *Executor) { e.tracer = t } }
func WithMetrics(m *otel.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(catalog []Action, opts ...Option) *Executor {
	e := &Executor{
		actions: make(map[string]Action, len(catalog)),
		logger:  slog.Default(),
		tracer:  otel.NoopTracer(),
		now:     time.Now,
	}
	for _, a := range catalog {
		e.actions[a.Spec().Kind] = a
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Specs lists the enabled actions in a stable order.
func (e *Executor) Specs() []reasoning.ActionSpec {
	specs := make([]reasoning.ActionSpec, 0, len(e.actions))
	for _, a := range e.actions {
		specs = append(specs, a.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Kind < specs[j].Kind })
	return specs
}

// Execute runs the decided action. It never returns an error and never
// panics: every failure becomes a failure record.
func (e *Executor) Execute(ctx context.Context, st state.AgentState, d reasoning.Decision) (out Outcome) {
	now := e.now().UTC()
	out.Record = state.ActionRecord{
		Timestamp:  now,
		ActionKind: d.ActionKind,
		Parameters: StringParams(d.Parameters),
	}

	ctx, span := otel.StartSpan(ctx, e.tracer, "action.execute", otel.AttrActionKind.String(d.ActionKind))
	start := time.Now()
	phase := shared.Phase(ctx)
	if phase == "" {
		phase = "executing"
	}
	defer func() {
		if r := recover(); r != nil {
			out.Record.Result = state.ResultFailure
			out.Record.Detail = fmt.Sprintf("action panicked: %v", r)
			out.Effect = Effect{}
		}
		span.SetAttributes(otel.AttrResult.String(string(out.Record.Result)))
		span.End()
		e.metrics.RecordAction(ctx, d.ActionKind, string(out.Record.Result))
		e.logger.Info("action executed",
			"run_id", shared.RunID(ctx),
			"phase", phase,
			"action_kind", out.Record.ActionKind,
			"result", string(out.Record.Result),
			"detail", out.Record.Detail,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	a, ok := e.actions[d.ActionKind]
	if !ok {
		out.Record.Result = state.ResultFailure
		out.Record.Detail = "unsupported action: " + d.ActionKind
		return out
	}

	params := d.Parameters
	if params == nil {
		params = map[string]any{}
	}
	eff, err := a.Run(ctx, Input{State: st, Params: params, Now: now})
	out.Effect = eff
	if err != nil {
		out.Record.Result = state.ResultFailure
		out.Record.Detail = shared.Redact(err.Error())
		return out
	}
	out.Record.Result = state.ResultSuccess
	out.Record.Detail = eff.Detail
	return out
}

// StringParams renders decision parameters as strings so records round-trip
// through the state file unchanged.
func StringParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		switch x := v.(type) {
		case string:
			out[k] = x
		case json.Number:
			out[k] = x.String()
		case bool:
			out[k] = strconv.FormatBool(x)
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(x)
		case int64:
			out[k] = strconv.FormatInt(x, 10)
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(x)
			if err != nil {
				out[k] = fmt.Sprint(x)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
