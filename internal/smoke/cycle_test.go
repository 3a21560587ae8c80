package smoke

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// fakeServices serves the LNbits and Ollama endpoints one cycle needs.
type fakeServices struct {
	lnbits      *httptest.Server
	ollama      *httptest.Server
	walletCalls atomic.Int32
	decision    string
}

func newFakeServices(t *testing.T, decision string) *fakeServices {
	t.Helper()
	f := &fakeServices{decision: decision}
	f.lnbits = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.walletCalls.Add(1)
		if r.Header.Get("X-Api-Key") != "smoke-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/wallet":
			_, _ = w.Write([]byte(`{"name":"smoke","balance":2500000}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/payments":
			_, _ = w.Write([]byte(`{"payment_hash":"ab12","payment_request":"lnbc1smoke"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	f.ollama = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			_ = json.NewEncoder(w).Encode(map[string]any{"response": f.decision, "done": true})
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"smoke-model"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.lnbits.Close)
	t.Cleanup(f.ollama.Close)
	return f
}

func (f *fakeServices) env(home string) []string {
	return []string{
		"HOME=" + home,
		"PATH=" + os.Getenv("PATH"),
		"MAXSATS_HOME=" + home,
		"LNBITS_URL=" + f.lnbits.URL,
		"LNBITS_KEY=smoke-key",
		"OLLAMA_HOST=" + f.ollama.URL,
		"OLLAMA_MODEL=smoke-model",
		"LIGHTNING_ADDRESS=smoke@sats.example",
	}
}

func runBinary(t *testing.T, bin, home string, env []string, args ...string) (int, string) {
	t.Helper()
	cmd := exec.Command(bin, append([]string{"-quiet"}, args...)...)
	cmd.Dir = home
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, out.String()
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), out.String()
	default:
		t.Fatalf("run %v: %v\n%s", args, err, out.String())
		return -1, ""
	}
}

func readState(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "data", "state.json"))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var st map[string]any
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("decode state: %v\n%s", err, raw)
	}
	return st
}

func TestSmoke_CheckBalanceCycle(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	f := newFakeServices(t, `{"action_kind":"check_balance","parameters":{},"rationale":"see where we stand"}`)

	code, out := runBinary(t, bin, home, f.env(home))
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\n%s", code, out)
	}
	st := readState(t, home)
	if st["balance_sat"] != float64(2500) {
		t.Fatalf("balance_sat = %v, want 2500", st["balance_sat"])
	}
	history, _ := st["history"].([]any)
	if len(history) != 1 {
		t.Fatalf("expected one history record, got %d", len(history))
	}

	if _, err := os.Stat(filepath.Join(home, "logs", "agent.jsonl")); err != nil {
		t.Fatalf("expected structured log file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "logs", "decisions.jsonl")); err != nil {
		t.Fatalf("expected decision trail: %v", err)
	}

	// status reads what the cycle left behind.
	code, out = runBinary(t, bin, home, f.env(home), "status", "-json")
	if code != 0 {
		t.Fatalf("status exit code = %d\n%s", code, out)
	}
	if !strings.Contains(out, `"balance_sat": 2500`) {
		t.Fatalf("status output missing balance:\n%s", out)
	}
}

func TestSmoke_CreateInvoiceTracksPending(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	f := newFakeServices(t, `{"action_kind":"create_invoice","parameters":{"amount_sat":1000,"memo":"coffee"},"rationale":"ask for sats"}`)

	code, out := runBinary(t, bin, home, f.env(home))
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\n%s", code, out)
	}
	st := readState(t, home)
	pending, _ := st["pending_invoices"].([]any)
	if len(pending) != 1 {
		t.Fatalf("expected one pending invoice, got %v", st["pending_invoices"])
	}
}

func TestSmoke_MissingConfigExitsTwo(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	env := []string{"HOME=" + home, "MAXSATS_HOME=" + home, "PATH=" + os.Getenv("PATH")}

	code, out := runBinary(t, bin, home, env)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2\n%s", code, out)
	}
	if !strings.Contains(out, "LNBITS_URL") {
		t.Fatalf("expected missing setting to be named:\n%s", out)
	}
}

func TestSmoke_ReasoningDownExitsThree(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	f := newFakeServices(t, "")
	f.ollama.Close()

	code, out := runBinary(t, bin, home, f.env(home))
	if code != 3 {
		t.Fatalf("exit code = %d, want 3\n%s", code, out)
	}
	if _, err := os.Stat(filepath.Join(home, "data", "state.json")); !os.IsNotExist(err) {
		t.Fatalf("state must not be written when reasoning is down (err=%v)", err)
	}
	if n := f.walletCalls.Load(); n != 0 {
		t.Fatalf("expected no wallet calls, got %d", n)
	}
}

func TestSmoke_DoctorReportsFakeServices(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	f := newFakeServices(t, "")

	code, out := runBinary(t, bin, home, f.env(home), "doctor", "-json")
	if code != 0 {
		t.Fatalf("doctor exit code = %d\n%s", code, out)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out[strings.Index(out, "{"):]), &diag); err != nil {
		t.Fatalf("doctor output not JSON: %v\n%s", err, out)
	}
	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			t.Fatalf("check %s failed:\n%s", r.Name, out)
		}
	}
}
