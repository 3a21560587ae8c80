package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/maxsats/internal/announce"
	"github.com/basket/maxsats/internal/config"
	"github.com/basket/maxsats/internal/ledger"
	"github.com/basket/maxsats/internal/reasoning"
	"github.com/basket/maxsats/internal/schedule"
	"github.com/basket/maxsats/internal/state"
	"github.com/basket/maxsats/internal/wallet"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Deps are the live dependencies doctor pings. Nil fields are skipped.
type Deps struct {
	Wallet interface {
		Balance(context.Context) (int64, error)
	}
	Reasoning interface {
		Ping(context.Context) (bool, error)
	}
	Announcers *announce.Multi
	Now        func() time.Time
}

// DefaultDeps builds deps from cfg using the production clients.
func DefaultDeps(cfg config.Config) (Deps, error) {
	hc := &http.Client{Timeout: 10 * time.Second}
	ann, err := announce.FromConfig(cfg.Announce, hc)
	if err != nil {
		return Deps{}, err
	}
	return Deps{
		Wallet:     wallet.New(cfg.Wallet),
		Reasoning:  reasoning.NewOllamaProvider(cfg.Reasoning.Endpoint, cfg.Reasoning.Model, cfg.Reasoning.Temperature, hc),
		Announcers: ann,
		Now:        time.Now,
	}, nil
}

// Run executes all diagnostic checks. It never mutates agent state.
func Run(ctx context.Context, cfg *config.Config, version string, p Deps) Diagnosis {
	if p.Now == nil {
		p.Now = time.Now
	}
	d := Diagnosis{
		Timestamp: p.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config, Deps) CheckResult{
		checkConfig,
		checkDataDir,
		checkState,
		checkLock,
		checkWallet,
		checkReasoning,
		checkAnnouncers,
		checkLedger,
		checkSchedule,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, p))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ Deps) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkDataDir(_ context.Context, cfg *config.Config, _ Deps) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data Dir", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return CheckResult{Name: "Data Dir", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", cfg.DataDir, err)}
	}
	f, err := os.CreateTemp(cfg.DataDir, ".write-test-*")
	if err != nil {
		return CheckResult{Name: "Data Dir", Status: StatusFail, Message: fmt.Sprintf("Data dir unwritable: %v", err)}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return CheckResult{Name: "Data Dir", Status: StatusPass, Message: fmt.Sprintf("%s writable", cfg.DataDir)}
}

func checkState(_ context.Context, cfg *config.Config, _ Deps) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.StatePath()); os.IsNotExist(err) {
		return CheckResult{Name: "State", Status: StatusPass, Message: "No state yet (first run will create it)"}
	}
	st, err := state.NewFileStore(cfg.StatePath(), cfg.HistoryRetention).Load()
	if err != nil {
		return CheckResult{Name: "State", Status: StatusFail, Message: "State file unreadable", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "State",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d records, balance %d sats, %d unpaid invoices", len(st.History), st.BalanceSat, len(st.PendingInvoices)),
	}
}

func checkLock(_ context.Context, cfg *config.Config, _ Deps) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Run Lock", Status: StatusSkip, Message: "Config missing"}
	}
	lock, err := state.AcquireRunLock(cfg.LockPath(), 0)
	if err != nil {
		return CheckResult{Name: "Run Lock", Status: StatusWarn, Message: "Lock is held (a cycle may be running)", Detail: err.Error()}
	}
	_ = lock.Release()
	return CheckResult{Name: "Run Lock", Status: StatusPass, Message: "Lock is free"}
}

func checkWallet(ctx context.Context, cfg *config.Config, p Deps) CheckResult {
	if cfg == nil || p.Wallet == nil {
		return CheckResult{Name: "Wallet", Status: StatusSkip, Message: "Wallet not configured"}
	}
	start := time.Now()
	sats, err := p.Wallet.Balance(ctx)
	if err != nil {
		return CheckResult{Name: "Wallet", Status: StatusFail, Message: "LNbits unreachable", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Wallet",
		Status:  StatusPass,
		Message: fmt.Sprintf("Balance %d sats (%dms)", sats, time.Since(start).Milliseconds()),
		Detail:  cfg.Wallet.URL,
	}
}

func checkReasoning(ctx context.Context, cfg *config.Config, p Deps) CheckResult {
	if cfg == nil || p.Reasoning == nil {
		return CheckResult{Name: "Reasoning", Status: StatusSkip, Message: "Reasoning endpoint not configured"}
	}
	ok, err := p.Reasoning.Ping(ctx)
	if err != nil {
		status := StatusFail
		if len(cfg.Reasoning.Fallbacks) > 0 {
			status = StatusWarn
		}
		return CheckResult{
			Name:    "Reasoning",
			Status:  status,
			Message: fmt.Sprintf("Ollama unreachable (%d fallbacks configured)", len(cfg.Reasoning.Fallbacks)),
			Detail:  err.Error(),
		}
	}
	if !ok {
		return CheckResult{
			Name:    "Reasoning",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Model %s is not pulled", cfg.Reasoning.Model),
			Detail:  "run: ollama pull " + cfg.Reasoning.Model,
		}
	}
	return CheckResult{Name: "Reasoning", Status: StatusPass, Message: fmt.Sprintf("Ollama serving %s", cfg.Reasoning.Model)}
}

func checkAnnouncers(_ context.Context, cfg *config.Config, p Deps) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Announcers", Status: StatusSkip, Message: "Config missing"}
	}
	if p.Announcers == nil || p.Announcers.Len() == 0 {
		return CheckResult{Name: "Announcers", Status: StatusWarn, Message: "None configured; announce action disabled"}
	}
	var targets []string
	if cfg.Announce.Nostr.PrivateKey != "" {
		targets = append(targets, fmt.Sprintf("nostr (%d relays)", len(cfg.Announce.Nostr.Relays)))
	}
	if cfg.Announce.Telegram.Token != "" {
		targets = append(targets, "telegram")
	}
	return CheckResult{Name: "Announcers", Status: StatusPass, Message: fmt.Sprintf("%d configured", p.Announcers.Len()), Detail: fmt.Sprint(targets)}
}

func checkLedger(ctx context.Context, cfg *config.Config, _ Deps) CheckResult {
	if cfg == nil || cfg.DisableLedger {
		return CheckResult{Name: "Ledger", Status: StatusSkip, Message: "Ledger disabled"}
	}
	lg, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: "Cannot open ledger", Detail: err.Error()}
	}
	defer lg.Close()
	st, err := lg.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: "Query failed", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Ledger",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d cycles recorded, %+d sats all time", st.TotalRuns, st.AllTimeEarnings),
		Detail:  filepath.Base(cfg.LedgerPath()),
	}
}

func checkSchedule(_ context.Context, cfg *config.Config, p Deps) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedule", Status: StatusSkip, Message: "Config missing"}
	}
	sched, err := schedule.Parse(cfg.Schedule)
	if err != nil {
		return CheckResult{Name: "Schedule", Status: StatusFail, Message: "Invalid schedule", Detail: err.Error()}
	}
	st, err := state.NewFileStore(cfg.StatePath(), cfg.HistoryRetention).Load()
	if err != nil {
		return CheckResult{Name: "Schedule", Status: StatusSkip, Message: "State unreadable"}
	}
	now := p.Now()
	if sched.Overdue(st.LastRunAt, now) {
		return CheckResult{
			Name:    "Schedule",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Last cycle %s ago; is the timer running?", now.Sub(st.LastRunAt).Round(time.Minute)),
			Detail:  cfg.Schedule,
		}
	}
	return CheckResult{Name: "Schedule", Status: StatusPass, Message: fmt.Sprintf("Next expected run %s", sched.Next(now).UTC().Format(time.RFC3339)), Detail: cfg.Schedule}
}
