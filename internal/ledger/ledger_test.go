package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordCycleAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	entries := []CycleEntry{
		{RunID: "r1", At: day.Add(-2 * time.Hour), BalanceSat: 900, ActionKind: "check_balance", Result: "success"},
		{RunID: "r2", At: day.Add(1 * time.Hour), BalanceSat: 1000, ActionKind: "create_invoice", Result: "success"},
		{RunID: "r3", At: day.Add(5 * time.Hour), BalanceSat: 1000, ActionKind: "announce", Result: "failure", Detail: "no announcers"},
		{RunID: "r4", At: day.Add(9 * time.Hour), BalanceSat: 1500, ActionKind: "check_invoice", Result: "success", Learning: "small invoices get paid"},
	}
	for _, e := range entries {
		if err := s.RecordCycle(ctx, e); err != nil {
			t.Fatalf("record %s: %v", e.RunID, err)
		}
	}
	if err := s.RecordCycle(ctx, entries[3]); err != nil {
		t.Fatalf("duplicate record should be a no-op: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalRuns != 4 || st.Successes != 3 || st.Failures != 1 {
		t.Fatalf("unexpected counts %+v", st)
	}
	if st.FirstBalanceSat != 900 || st.LastBalanceSat != 1500 || st.AllTimeEarnings != 600 {
		t.Fatalf("unexpected balances %+v", st)
	}
	if !st.LastRunAt.Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("unexpected last run %v", st.LastRunAt)
	}

	rev, err := s.DailyRevenue(ctx, day.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("daily revenue: %v", err)
	}
	if rev != 500 {
		t.Fatalf("expected 500 sats today, got %d", rev)
	}
	rev, err = s.DailyRevenue(ctx, day.Add(-time.Hour))
	if err != nil || rev != 0 {
		t.Fatalf("single-entry day should yield 0, got %d %v", rev, err)
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].RunID != "r4" || recent[0].Learning != "small invoices get paid" {
		t.Fatalf("unexpected recent %+v", recent)
	}
}

func TestStats_Empty(t *testing.T) {
	s := openTestStore(t)
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalRuns != 0 || !st.LastRunAt.IsZero() {
		t.Fatalf("expected empty stats, got %+v", st)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.RecordCycle(context.Background(), CycleEntry{RunID: "r1", At: time.Now(), ActionKind: "wait", Result: "success"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	st, _ := s.Stats(context.Background())
	if st.TotalRuns != 1 {
		t.Fatalf("expected 1 run after reopen, got %d", st.TotalRuns)
	}
}

func TestRecordCycle_RequiresRunID(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordCycle(context.Background(), CycleEntry{}); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %v after %d", err, calls)
	}

	calls = 0
	err = retryOnBusy(context.Background(), 3, func() error {
		calls++
		return errors.New("no such table")
	})
	if err == nil || calls != 1 {
		t.Fatalf("non-busy errors must not be retried, got %d calls", calls)
	}
}
