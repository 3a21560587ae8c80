package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/maxsats/internal/audit"
	"github.com/basket/maxsats/internal/config"
	"github.com/basket/maxsats/internal/ledger"
	"github.com/basket/maxsats/internal/schedule"
	"github.com/basket/maxsats/internal/state"
)

// statusView is what `maxsats status` reports. It is built read-only.
type statusView struct {
	StateFile       string               `json:"state_file"`
	BalanceSat      int64                `json:"balance_sat"`
	LastRunAt       *time.Time           `json:"last_run_at,omitempty"`
	LastAction      *state.ActionRecord  `json:"last_action,omitempty"`
	PendingInvoices []state.Invoice      `json:"pending_invoices"`
	Recent          []state.ActionRecord `json:"recent"`
	Schedule        string               `json:"schedule,omitempty"`
	NextRunAt       *time.Time           `json:"next_run_at,omitempty"`
	Overdue         bool                 `json:"overdue"`
	Ledger          *ledgerView          `json:"ledger,omitempty"`
	Decisions       *audit.Summary       `json:"decisions,omitempty"`
}

type ledgerView struct {
	TotalRuns       int64 `json:"total_runs"`
	Successes       int64 `json:"successes"`
	Failures        int64 `json:"failures"`
	AllTimeEarnings int64 `json:"all_time_earnings_sat"`
	TodayRevenue    int64 `json:"today_revenue_sat"`
	// Learnings are the newest lessons the model left, newest first.
	Learnings []string `json:"learnings,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		// Status only needs the data dir; missing credentials are fine here.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	view, err := buildStatus(ctx, cfg, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return startupExitCode(err)
	}

	if hasJSONFlag(args) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(view); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	styled := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	fmt.Println(renderStatus(view, styled))
	return 0
}

func buildStatus(ctx context.Context, cfg config.Config, now time.Time) (statusView, error) {
	store := state.NewFileStore(cfg.StatePath(), cfg.HistoryRetention)
	st, err := store.Load()
	if err != nil {
		return statusView{}, err
	}

	view := statusView{
		StateFile:       store.Path(),
		BalanceSat:      st.BalanceSat,
		LastAction:      st.LastAction,
		PendingInvoices: st.PendingInvoices,
		Recent:          st.Recent(5),
	}
	if view.PendingInvoices == nil {
		view.PendingInvoices = []state.Invoice{}
	}
	if !st.LastRunAt.IsZero() {
		t := st.LastRunAt
		view.LastRunAt = &t
	}

	if cfg.Schedule != "" {
		if sched, err := schedule.Parse(cfg.Schedule); err == nil {
			view.Schedule = sched.String()
			next := sched.Next(now)
			view.NextRunAt = &next
			view.Overdue = sched.Overdue(st.LastRunAt, now)
		}
	}

	// Opening the ledger would create it; only read one that exists.
	if !cfg.DisableLedger {
		if _, err := os.Stat(cfg.LedgerPath()); err == nil {
			if lg, err := ledger.Open(cfg.LedgerPath()); err == nil {
				defer lg.Close()
				if stats, err := lg.Stats(ctx); err == nil {
					lv := &ledgerView{
						TotalRuns:       stats.TotalRuns,
						Successes:       stats.Successes,
						Failures:        stats.Failures,
						AllTimeEarnings: stats.AllTimeEarnings,
					}
					lv.TodayRevenue, _ = lg.DailyRevenue(ctx, now)
					if recent, err := lg.Recent(ctx, 20); err == nil {
						for _, e := range recent {
							if e.Learning != "" && len(lv.Learnings) < 3 {
								lv.Learnings = append(lv.Learnings, e.Learning)
							}
						}
					}
					view.Ledger = lv
				}
			}
		}
	}

	if cfg.HomeDir != "" {
		if sum, err := audit.Summarize(cfg.HomeDir); err == nil && sum != (audit.Summary{}) {
			view.Decisions = &sum
		}
	}
	return view, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

// renderStatus formats view for a terminal. Without styling the output is plain text.
func renderStatus(view statusView, styled bool) string {
	paint := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", paint(labelStyle, fmt.Sprintf("%-18s", label+":")), value)
	}

	b.WriteString(paint(titleStyle, "maxsats status") + "\n")
	row("State", view.StateFile)
	row("Balance", fmt.Sprintf("%d sat", view.BalanceSat))
	if view.LastRunAt != nil {
		row("Last run", view.LastRunAt.Format(time.RFC3339))
	} else {
		row("Last run", "never")
	}
	if view.Schedule != "" {
		next := "-"
		if view.NextRunAt != nil {
			next = view.NextRunAt.Format(time.RFC3339)
		}
		row("Schedule", fmt.Sprintf("%s (next %s)", view.Schedule, next))
		if view.Overdue {
			row("Overdue", paint(failStyle, "yes"))
		}
	}
	row("Pending invoices", fmt.Sprintf("%d", len(view.PendingInvoices)))
	if view.Ledger != nil {
		row("Runs", fmt.Sprintf("%d (%d ok, %d failed)", view.Ledger.TotalRuns, view.Ledger.Successes, view.Ledger.Failures))
		row("Earned today", fmt.Sprintf("%d sat", view.Ledger.TodayRevenue))
		row("Earned all time", fmt.Sprintf("%d sat", view.Ledger.AllTimeEarnings))
	}
	if d := view.Decisions; d != nil {
		rejected := fmt.Sprintf("%d rejected", d.Rejected)
		if d.Rejected > 0 {
			rejected = paint(failStyle, rejected)
		}
		row("Decisions", fmt.Sprintf("%d accepted, %s, %d unavailable", d.Accepted, rejected, d.Unavailable))
	}

	if len(view.Recent) > 0 {
		b.WriteString("\n" + paint(titleStyle, "Recent actions") + "\n")
		for _, rec := range view.Recent {
			result := paint(okStyle, string(rec.Result))
			if !rec.Succeeded() {
				result = paint(failStyle, string(rec.Result))
			}
			fmt.Fprintf(&b, "%s  %-15s %s  %s\n", rec.Timestamp.Format("2006-01-02 15:04"), rec.ActionKind, result, rec.Detail)
		}
	}

	if view.Ledger != nil && len(view.Ledger.Learnings) > 0 {
		b.WriteString("\n" + paint(titleStyle, "Learnings") + "\n")
		for _, l := range view.Ledger.Learnings {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}

	out := strings.TrimRight(b.String(), "\n")
	if styled {
		return boxStyle.Render(out)
	}
	return out
}
