// Package agent runs one decide-and-act cycle:
// Idle → Loading → Deciding → Executing → Persisting → Done, or Aborted.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/maxsats/internal/actions"
	"github.com/basket/maxsats/internal/audit"
	"github.com/basket/maxsats/internal/config"
	"github.com/basket/maxsats/internal/ledger"
	"github.com/basket/maxsats/internal/otel"
	"github.com/basket/maxsats/internal/reasoning"
	"github.com/basket/maxsats/internal/shared"
	"github.com/basket/maxsats/internal/state"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseDeciding   Phase = "deciding"
	PhaseExecuting  Phase = "executing"
	PhasePersisting Phase = "persisting"
	PhaseDone       Phase = "done"
	PhaseAborted    Phase = "aborted"
)

// Process exit codes.
const (
	ExitOK            = 0
	ExitConfiguration = 2
	ExitUnavailable   = 3
	ExitPersistence   = 4
	ExitConcurrentRun = 5
)

const (
	// unparseableKind is recorded when the model's answer could not be used.
	unparseableKind   = "decide"
	unparseableDetail = "unparseable decision"

	defaultHistoryView = 10
)

// Store is the persisted agent state.
type Store interface {
	Load() (state.AgentState, error)
	Save(state.AgentState) error
}

// Executor runs exactly one decided action.
type Executor interface {
	Specs() []reasoning.ActionSpec
	Execute(ctx context.Context, st state.AgentState, d reasoning.Decision) actions.Outcome
}

// Ledger mirrors completed cycles. Optional.
type Ledger interface {
	RecordCycle(ctx context.Context, e ledger.CycleEntry) error
	DailyRevenue(ctx context.Context, day time.Time) (int64, error)
}

// Auditor receives one entry per decision. Optional.
type Auditor interface {
	Record(audit.Entry)
}

type Deps struct {
	Store            Store
	Decider          reasoning.Decider
	Executor         Executor
	Ledger           Ledger
	Audit            Auditor
	LockPath         string
	LockWait         time.Duration
	LightningAddress string
	HistoryWindow    int

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Now     func() time.Time
}

// Outcome describes how a cycle ended.
type Outcome struct {
	RunID    string
	Phase    Phase
	ExitCode int
	Record   *state.ActionRecord
	Err      error
}

type Agent struct {
	deps Deps
}

func New(deps Deps) *Agent {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.NoopTracer()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.HistoryWindow <= 0 {
		deps.HistoryWindow = defaultHistoryView
	}
	return &Agent{deps: deps}
}

// Run executes one cycle while holding the run lock. Every exit path
// releases the lock.
func (a *Agent) Run(ctx context.Context) Outcome {
	runID := shared.RunID(ctx)
	if runID == "-" {
		runID = shared.NewRunID()
		ctx = shared.WithRunID(ctx, runID)
	}
	logger := a.deps.Logger.With("run_id", runID)

	ctx, span := otel.StartSpan(ctx, a.deps.Tracer, "cycle", otel.AttrRunID.String(runID))
	defer span.End()
	start := time.Now()

	out := Outcome{RunID: runID, Phase: PhaseIdle}
	err := state.WithRunLock(a.deps.LockPath, a.deps.LockWait, func() error {
		out = a.cycle(ctx, logger, out)
		return nil
	})
	if err != nil {
		out.Phase = PhaseAborted
		out.Err = err
		out.ExitCode = ExitCode(err)
		if errors.Is(err, state.ErrConcurrentRun) {
			logger.Warn("cycle skipped: another invocation holds the lock", "phase", string(PhaseIdle), "error", err)
		} else {
			logger.Error("cycle aborted: cannot take run lock", "phase", string(PhaseIdle), "error", err)
		}
	}

	span.SetAttributes(otel.AttrPhase.String(string(out.Phase)))
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	a.deps.Metrics.RecordCycle(ctx, string(out.Phase), time.Since(start).Seconds())
	return out
}

func (a *Agent) cycle(ctx context.Context, logger *slog.Logger, out Outcome) Outcome {
	abort := func(phase Phase, err error) Outcome {
		out.Phase = PhaseAborted
		out.Err = err
		out.ExitCode = ExitCode(err)
		attrs := []any{"phase", string(phase), "exit_code", out.ExitCode, "error", err}
		if out.ExitCode == ExitPersistence {
			logger.Error("cycle aborted", append(attrs, "severity", "critical")...)
		} else {
			logger.Warn("cycle aborted", attrs...)
		}
		return out
	}

	out.Phase = PhaseLoading
	st, err := a.deps.Store.Load()
	if err != nil {
		return abort(PhaseLoading, persistenceError(err))
	}
	logger.Debug("state loaded", "phase", string(PhaseLoading), "state", st.String())

	out.Phase = PhaseDeciding
	now := a.deps.Now().UTC()
	rc := reasoning.Context{
		BalanceSat:       st.BalanceSat,
		DailyRevenueSat:  a.dailyRevenue(ctx, logger, now),
		LightningAddress: a.deps.LightningAddress,
		RecentHistory:    st.Recent(a.deps.HistoryWindow),
		PendingInvoices:  st.PendingInvoices,
		AvailableActions: a.deps.Executor.Specs(),
		Now:              now,
	}
	decideCtx, decideSpan := otel.StartSpan(shared.WithPhase(ctx, string(PhaseDeciding)), a.deps.Tracer, "reasoning.decide")
	d, err := a.deps.Decider.Decide(decideCtx, rc)
	decideSpan.End()

	var result actions.Outcome
	switch {
	case errors.Is(err, reasoning.ErrUnparseable):
		logger.Warn("decision rejected", "phase", string(PhaseDeciding), "error", err)
		a.audit(out.RunID, audit.DecisionReject, "", nil, err.Error())
		result = actions.Outcome{Record: state.ActionRecord{
			Timestamp:  now,
			ActionKind: unparseableKind,
			Parameters: map[string]string{},
			Result:     state.ResultFailure,
			Detail:     unparseableDetail,
		}}
	case err != nil:
		a.audit(out.RunID, audit.DecisionUnavailable, "", nil, err.Error())
		return abort(PhaseDeciding, err)
	default:
		logger.Info("decision made",
			"phase", string(PhaseDeciding),
			"action_kind", d.ActionKind,
			"rationale", d.Rationale,
		)
		if learning := d.Learning(); learning != "" {
			logger.Info("learning recorded", "phase", string(PhaseDeciding), "learning", learning)
		}
		a.audit(out.RunID, audit.DecisionAccept, d.ActionKind, actions.StringParams(d.Parameters), d.Rationale)
		out.Phase = PhaseExecuting
		result = a.deps.Executor.Execute(shared.WithPhase(ctx, string(PhaseExecuting)), st, d)
	}

	out.Phase = PhasePersisting
	next := result.Apply(st)
	next.LastRunAt = a.deps.Now().UTC()
	if next.LastRunAt.Before(st.LastRunAt) {
		next.LastRunAt = st.LastRunAt
	}
	_, saveSpan := otel.StartSpan(ctx, a.deps.Tracer, "state.save")
	err = a.deps.Store.Save(next)
	saveSpan.End()
	rec := next.History[len(next.History)-1]
	out.Record = &rec
	if err != nil {
		return abort(PhasePersisting, persistenceError(err))
	}

	out.Phase = PhaseDone
	out.ExitCode = ExitOK
	logger.Info("cycle complete",
		"phase", string(PhaseDone),
		"action_kind", rec.ActionKind,
		"result", string(rec.Result),
		"detail", rec.Detail,
		"balance_sat", next.BalanceSat,
		"history_len", len(next.History),
	)
	a.mirror(ctx, logger, out.RunID, next, rec, d)
	return out
}

func (a *Agent) audit(runID, decision, kind string, params map[string]string, reason string) {
	if a.deps.Audit == nil {
		return
	}
	a.deps.Audit.Record(audit.Entry{
		Timestamp:  a.deps.Now().UTC().Format(time.RFC3339Nano),
		RunID:      runID,
		Decision:   decision,
		ActionKind: kind,
		Parameters: params,
		Reason:     reason,
	})
}

func (a *Agent) dailyRevenue(ctx context.Context, logger *slog.Logger, now time.Time) int64 {
	if a.deps.Ledger == nil {
		return 0
	}
	rev, err := a.deps.Ledger.DailyRevenue(ctx, now)
	if err != nil {
		logger.Warn("ledger: daily revenue unavailable", "error", err)
		return 0
	}
	return rev
}

// mirror copies a saved cycle into the ledger. The state file is the source
// of truth, so failures are only logged.
func (a *Agent) mirror(ctx context.Context, logger *slog.Logger, runID string, st state.AgentState, rec state.ActionRecord, d reasoning.Decision) {
	if a.deps.Ledger == nil {
		return
	}
	err := a.deps.Ledger.RecordCycle(ctx, ledger.CycleEntry{
		RunID:      runID,
		At:         rec.Timestamp,
		BalanceSat: st.BalanceSat,
		ActionKind: rec.ActionKind,
		Result:     string(rec.Result),
		Detail:     rec.Detail,
		Learning:   d.Learning(),
	})
	if err != nil {
		logger.Warn("ledger: record cycle failed", "error", err)
	}
}

// ExitCode maps a cycle error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, state.ErrConcurrentRun):
		return ExitConcurrentRun
	case errors.Is(err, state.ErrPersistence):
		return ExitPersistence
	case errors.Is(err, config.ErrConfiguration):
		return ExitConfiguration
	default:
		// Reasoning, wallet and anything else external.
		return ExitUnavailable
	}
}

func persistenceError(err error) error {
	if errors.Is(err, state.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", state.ErrPersistence, err)
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s (exit %d): %v", o.Phase, o.ExitCode, o.Err)
	}
	return fmt.Sprintf("%s (exit %d)", o.Phase, o.ExitCode)
}
