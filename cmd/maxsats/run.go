package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/basket/maxsats/internal/actions"
	"github.com/basket/maxsats/internal/agent"
	"github.com/basket/maxsats/internal/announce"
	"github.com/basket/maxsats/internal/audit"
	"github.com/basket/maxsats/internal/config"
	"github.com/basket/maxsats/internal/ledger"
	"github.com/basket/maxsats/internal/otel"
	"github.com/basket/maxsats/internal/reasoning"
	"github.com/basket/maxsats/internal/state"
	"github.com/basket/maxsats/internal/wallet"
)

// runCycle wires every component from cfg and runs exactly one cycle.
func runCycle(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	logger.Info("maxsats starting", "version", Version, "config", cfg.Fingerprint())

	tel, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		tel, _ = otel.Init(ctx, otel.Config{})
	}
	defer func() {
		sctx, cancel := shutdownTimeout()
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()
	metrics, err := otel.NewMetrics(tel.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = nil
	}

	a, cleanup, err := buildAgent(cfg, logger, tel, metrics)
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_WIRING", "error", err)
		return startupExitCode(err)
	}
	defer cleanup()

	out := a.Run(ctx)
	logger.Info("maxsats finished", "run_id", out.RunID, "phase", string(out.Phase), "exit_code", out.ExitCode)
	return out.ExitCode
}

func buildAgent(cfg config.Config, logger *slog.Logger, tel *otel.Provider, metrics *otel.Metrics) (*agent.Agent, func(), error) {
	wc := wallet.New(cfg.Wallet, wallet.WithLogger(logger), wallet.WithMetrics(metrics))

	announceClient := &http.Client{Timeout: cfg.AnnounceTimeout()}
	multi, err := announce.FromConfig(cfg.Announce, announceClient)
	if err != nil {
		return nil, nil, err
	}
	var ann announce.Announcer
	if multi.Len() > 0 {
		ann = multi
	}

	catalog, err := actions.Catalog(cfg, wc, ann)
	if err != nil {
		return nil, nil, err
	}
	executor := actions.NewExecutor(catalog,
		actions.WithLogger(logger),
		actions.WithTracer(tel.Tracer),
		actions.WithMetrics(metrics),
	)

	decider := reasoning.NewClient(
		reasoning.ProvidersFromConfig(cfg.Reasoning, &http.Client{}),
		cfg.ReasoningTimeout(),
		reasoning.WithLogger(logger),
		reasoning.WithTracer(tel.Tracer),
		reasoning.WithMetrics(metrics),
	)

	deps := agent.Deps{
		Store:            state.NewFileStore(cfg.StatePath(), cfg.HistoryRetention),
		Decider:          decider,
		Executor:         executor,
		LockPath:         cfg.LockPath(),
		LockWait:         cfg.LockWait(),
		LightningAddress: cfg.LightningAddress,
		HistoryWindow:    cfg.Reasoning.HistoryWindow,
		Logger:           logger,
		Tracer:           tel.Tracer,
		Metrics:          metrics,
	}

	var closers []func() error
	if trail, err := audit.Open(cfg.HomeDir); err != nil {
		logger.Warn("decision trail unavailable", "error", err)
	} else {
		deps.Audit = trail
		closers = append(closers, trail.Close)
	}
	if !cfg.DisableLedger {
		lg, err := ledger.Open(cfg.LedgerPath())
		if err != nil {
			// The ledger is a mirror; the cycle runs without it.
			logger.Warn("ledger unavailable", "path", cfg.LedgerPath(), "error", err)
		} else {
			deps.Ledger = lg
			closers = append(closers, lg.Close)
		}
	}
	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return agent.New(deps), cleanup, nil
}
