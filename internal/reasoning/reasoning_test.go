package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/maxsats/internal/state"
)

var testActions = []ActionSpec{
	{Kind: "check_balance", Description: "read the wallet balance"},
	{
		Kind:        "create_invoice",
		Description: "issue an invoice",
		Params:      json.RawMessage(`{"type":"object","required":["amount_sat"],"properties":{"amount_sat":{"type":"integer"},"memo":{"type":"string"}}}`),
	},
	{Kind: "wait", Description: "do nothing"},
}

type fakeProvider struct {
	name  string
	reply string
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, system, prompt string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testContext() Context {
	return Context{BalanceSat: 1200, AvailableActions: testActions, Now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestParser_AcceptsValidDecision(t *testing.T) {
	p, err := NewParser(testActions)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	d, err := p.Parse("Sure!\n```json\n{\"action_kind\":\"create_invoice\",\"parameters\":{\"amount_sat\":2100,\"memo\":\"tip\"},\"rationale\":\"ask\"}\n```")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.ActionKind != "create_invoice" || d.Rationale != "ask" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if n, ok := d.Parameters["amount_sat"].(json.Number); !ok || n.String() != "2100" {
		t.Fatalf("expected json.Number 2100, got %#v", d.Parameters["amount_sat"])
	}
}

func TestParser_Rejects(t *testing.T) {
	p, err := NewParser(testActions)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	cases := map[string]string{
		"no json":          "I think we should wait.",
		"unknown kind":     `{"action_kind":"pay_invoice","parameters":{}}`,
		"missing kind":     `{"parameters":{}}`,
		"missing required": `{"action_kind":"create_invoice","parameters":{"memo":"x"}}`,
		"wrong type":       `{"action_kind":"create_invoice","parameters":{"amount_sat":"lots"}}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := p.Parse(text); err == nil {
				t.Fatalf("expected error for %q", text)
			}
		})
	}
}

func TestParser_MissingParametersDefaultsEmpty(t *testing.T) {
	p, _ := NewParser(testActions)
	d, err := p.Parse(`prefix {"action_kind":"wait"} suffix`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Parameters == nil || len(d.Parameters) != 0 {
		t.Fatalf("expected empty params, got %#v", d.Parameters)
	}
}

func TestClient_FailoverSkipsUnavailable(t *testing.T) {
	down := &fakeProvider{name: "down", err: errors.New("dial tcp: connection refused")}
	up := &fakeProvider{name: "up", reply: `{"action_kind":"check_balance","rationale":"look"}`}
	c := NewClient([]Provider{down, up}, time.Second, WithLogger(quietLogger()))

	d, err := c.Decide(context.Background(), testContext())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.ActionKind != "check_balance" || down.calls != 1 || up.calls != 1 {
		t.Fatalf("unexpected result %+v down=%d up=%d", d, down.calls, up.calls)
	}
}

func TestClient_AllUnavailable(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("timeout")}
	b := &fakeProvider{name: "b", err: errors.New("503")}
	c := NewClient([]Provider{a, b}, time.Second, WithLogger(quietLogger()))

	_, err := c.Decide(context.Background(), testContext())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrUnparseable) {
		t.Fatalf("transport failure must not be reported as unparseable: %v", err)
	}
}

func TestClient_UnparseableIsFinal(t *testing.T) {
	bad := &fakeProvider{name: "bad", reply: `{"action_kind":"launch_rocket"}`}
	next := &fakeProvider{name: "next", reply: `{"action_kind":"wait"}`}
	c := NewClient([]Provider{bad, next}, time.Second, WithLogger(quietLogger()))

	_, err := c.Decide(context.Background(), testContext())
	if !errors.Is(err, ErrUnparseable) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnparseable wrapping ErrUnavailable, got %v", err)
	}
	if next.calls != 0 {
		t.Fatalf("unparseable reply must not fall through to the next provider")
	}
}

func TestOllamaProvider_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "qwen2.5:7b" || body["stream"] != false || body["format"] != "json" {
			t.Errorf("unexpected body %v", body)
		}
		if !strings.Contains(body["system"].(string), "check_balance") {
			t.Errorf("system prompt should list actions")
		}
		_, _ = w.Write([]byte(`{"model":"qwen2.5:7b","response":"{\"action_kind\":\"wait\"}","done":true}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/v1", "ollama/qwen2.5:7b", 0.2, nil)
	c := NewClient([]Provider{p}, time.Second, WithLogger(quietLogger()))
	d, err := c.Decide(context.Background(), testContext())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.ActionKind != "wait" {
		t.Fatalf("expected wait, got %q", d.ActionKind)
	}
}

func TestOllamaProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "m", 0, nil).Generate(context.Background(), "s", "p")
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestOllamaProvider_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:latest"}]}`))
	}))
	defer srv.Close()

	ok, err := NewOllamaProvider(srv.URL, "llama3.1", 0, nil).Ping(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected model present, got %v %v", ok, err)
	}
	ok, err = NewOllamaProvider(srv.URL, "mistral", 0, nil).Ping(context.Background())
	if err != nil || ok {
		t.Fatalf("expected model missing, got %v %v", ok, err)
	}
}

func TestOpenAIProvider_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"action_kind\":\"check_balance\"}"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1", "m", "sk-test", 0.5, nil)
	raw, err := p.Generate(context.Background(), "system", "prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(raw, "check_balance") {
		t.Fatalf("unexpected content %q", raw)
	}
}

func TestOpenAIProvider_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "m", "k", 0, nil).Generate(context.Background(), "s", "p")
	if ClassifyError(err) != ErrorClassAuth {
		t.Fatalf("expected AUTH class, got %s (%v)", ClassifyError(err), err)
	}
}

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorClass{
		"status 401":                    ErrorClassAuth,
		"429 Too Many Requests":         ErrorClassRateLimit,
		"context deadline exceeded":     ErrorClassTimeout,
		"dial tcp: connection refused":  ErrorClassUnreachable,
		"ollama: status 502: bad thing": ErrorClassServer,
		"something else entirely":       ErrorClassUnknown,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Errorf("%q: expected %s, got %s", msg, want, got)
		}
	}
	if ClassifyError(nil) != ErrorClassUnknown {
		t.Errorf("nil should be UNKNOWN")
	}
}

func TestUserPrompt_IncludesSituation(t *testing.T) {
	rc := testContext()
	rc.DailyRevenueSat = 42
	rc.LightningAddress = "max@sats.example"
	rc.PendingInvoices = []state.Invoice{{PaymentHash: "h1", AmountSat: 500, Memo: "tip"}}
	rc.RecentHistory = []state.ActionRecord{{
		Timestamp:  rc.Now.Add(-time.Hour),
		ActionKind: "check_balance",
		Parameters: map[string]string{},
		Result:     state.ResultSuccess,
		Detail:     "balance 1200 sats",
	}}
	out := UserPrompt(rc)
	for _, want := range []string{"1200 sats", "Earned today: 42", "max@sats.example", "payment_hash=h1", "check_balance success"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q:\n%s", want, out)
		}
	}
}

func TestExtractLearning(t *testing.T) {
	d := Decision{Rationale: "Balance is flat.\nlearning: invoices under 1000 sats get paid more often"}
	if got := d.Learning(); got != "invoices under 1000 sats get paid more often" {
		t.Fatalf("unexpected learning %q", got)
	}
	if ExtractLearning("nothing here") != "" {
		t.Fatalf("expected empty learning")
	}
}
