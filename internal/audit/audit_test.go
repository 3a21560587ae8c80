package audit

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRecordWritesEntry(t *testing.T) {
	home := t.TempDir()
	trail, err := Open(home)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	trail.Record(Entry{RunID: "r1", Decision: DecisionReject, Reason: "unparseable decision"})
	trail.Record(Entry{RunID: "r2", Decision: DecisionAccept, ActionKind: "create_invoice",
		Parameters: map[string]string{"amount_sat": "100"}, Reason: "earn something"})

	raw, err := os.ReadFile(Path(home))
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two entries, got %d", len(lines))
	}
	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if second["decision"] != DecisionAccept || second["action_kind"] != "create_invoice" || second["run_id"] != "r2" {
		t.Fatalf("unexpected entry: %#v", second)
	}
	if second["timestamp"] == "" {
		t.Fatal("expected timestamp")
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	trail, err := Open(home)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	trail.Record(Entry{RunID: "r1", Decision: DecisionAccept, ActionKind: "announce",
		Parameters: map[string]string{"message": "api_key=sk-abcdefghijklmnopqrstuvwxyz123456"},
		Reason:     "Bearer sk-abcdefghijklmnopqrstuvwxyz123456"})

	raw, err := os.ReadFile(Path(home))
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	if strings.Contains(string(raw), "sk-abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatalf("secret leaked into trail: %s", raw)
	}
}

func TestTrailAppendOnly(t *testing.T) {
	home := t.TempDir()
	trail, err := Open(home)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	trail.Record(Entry{RunID: "r1", Decision: DecisionAccept, ActionKind: "wait"})
	_ = trail.Close()
	info1, err := os.Stat(Path(home))
	if err != nil {
		t.Fatalf("stat trail: %v", err)
	}

	// Reopening appends rather than truncates.
	trail, err = Open(home)
	if err != nil {
		t.Fatalf("reopen trail: %v", err)
	}
	trail.Record(Entry{RunID: "r2", Decision: DecisionUnavailable, Reason: "all providers failed"})
	_ = trail.Close()
	info2, err := os.Stat(Path(home))
	if err != nil {
		t.Fatalf("stat trail: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, before=%d after=%d", info1.Size(), info2.Size())
	}

	// Recording on a closed trail is a no-op.
	trail.Record(Entry{RunID: "r3", Decision: DecisionAccept})
	var nilTrail *Trail
	nilTrail.Record(Entry{RunID: "r4"})
}

func TestSummarizeCountsAcrossRuns(t *testing.T) {
	home := t.TempDir()
	sum, err := Summarize(home)
	if err != nil {
		t.Fatalf("summarize missing trail: %v", err)
	}
	if sum != (Summary{}) {
		t.Fatalf("expected empty summary, got %+v", sum)
	}

	for i, decision := range []string{DecisionReject, DecisionAccept, DecisionUnavailable, DecisionReject} {
		trail, err := Open(home)
		if err != nil {
			t.Fatalf("open trail: %v", err)
		}
		trail.Record(Entry{
			Timestamp: time.Date(2026, 5, 1, i, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
			RunID:     "r",
			Decision:  decision,
		})
		_ = trail.Close()
	}
	f, err := os.OpenFile(Path(home), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	_, _ = f.WriteString("{truncated\n")
	_ = f.Close()

	sum, err = Summarize(home)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Accepted != 1 || sum.Rejected != 2 || sum.Unavailable != 1 {
		t.Fatalf("unexpected counts %+v", sum)
	}
	if sum.LastReject == nil || sum.LastReject.Hour() != 3 {
		t.Fatalf("expected last reject at 03:00, got %v", sum.LastReject)
	}
}
