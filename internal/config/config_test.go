package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/maxsats/internal/config"
)

// setRequiredEnv provides the four settings every invocation must have.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LNBITS_URL", "https://lnbits.example/")
	t.Setenv("LNBITS_KEY", "wallet-key")
	t.Setenv("OLLAMA_HOST", "http://127.0.0.1:11434")
	t.Setenv("LIGHTNING_ADDRESS", "max@sats.example")
}

func TestLoadFrom_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	setRequiredEnv(t)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DataDir != filepath.Join(home, "data") {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
	if cfg.HistoryRetention != 500 {
		t.Fatalf("expected history_retention=500, got %d", cfg.HistoryRetention)
	}
	if cfg.Schedule != "*/30 * * * *" {
		t.Fatalf("expected default schedule, got %q", cfg.Schedule)
	}
	if cfg.Wallet.URL != "https://lnbits.example" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Wallet.URL)
	}
	if cfg.Actions.MaxAnnouncementsPerDay != 3 {
		t.Fatalf("expected 3 announcements/day, got %d", cfg.Actions.MaxAnnouncementsPerDay)
	}
	if len(cfg.Announce.Nostr.Relays) != 3 {
		t.Fatalf("expected default relays, got %v", cfg.Announce.Nostr.Relays)
	}
	if cfg.StatePath() != filepath.Join(home, "data", "state.json") {
		t.Fatalf("unexpected state path %q", cfg.StatePath())
	}
}

func TestLoadFrom_MissingRequiredIsConfigurationError(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LNBITS_URL", "")
	t.Setenv("LNBITS_KEY", "")
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("LIGHTNING_ADDRESS", "")
	t.Setenv("LNURL", "")

	_, err := config.LoadFrom(home)
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	for _, name := range []string{"LNBITS_URL", "LNBITS_KEY", "OLLAMA_HOST", "LIGHTNING_ADDRESS"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("expected %s in error, got %v", name, err)
		}
	}
}

func TestLoadFrom_YAMLThenEnvOverride(t *testing.T) {
	home := t.TempDir()
	yamlCfg := `
history_retention: 50
wallet:
  url: https://from-yaml.example
  api_key: yaml-key
reasoning:
  endpoint: http://yaml-ollama:11434
  model: llama3.1:8b
  fallbacks:
    - base_url: https://openrouter.example/api/v1
      model: some/model
actions:
  enabled: [" Check_Balance ", "wait"]
lightning_address: yaml@sats.example
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yamlCfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LNBITS_URL", "https://from-env.example")
	t.Setenv("LNBITS_KEY", "")
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("LIGHTNING_ADDRESS", "")
	t.Setenv("LNURL", "")
	t.Setenv("MAXSATS_HISTORY_RETENTION", "25")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Wallet.URL != "https://from-env.example" {
		t.Fatalf("expected env to override yaml, got %q", cfg.Wallet.URL)
	}
	if cfg.Wallet.APIKey != "yaml-key" {
		t.Fatalf("expected yaml api key, got %q", cfg.Wallet.APIKey)
	}
	if cfg.HistoryRetention != 25 {
		t.Fatalf("expected retention 25, got %d", cfg.HistoryRetention)
	}
	if cfg.Reasoning.Model != "llama3.1:8b" {
		t.Fatalf("expected yaml model, got %q", cfg.Reasoning.Model)
	}
	if len(cfg.Reasoning.Fallbacks) != 1 || cfg.Reasoning.Fallbacks[0].Kind != "openai_compatible" {
		t.Fatalf("expected one openai_compatible fallback, got %+v", cfg.Reasoning.Fallbacks)
	}
	if got := cfg.Actions.Enabled; len(got) != 2 || got[0] != "check_balance" {
		t.Fatalf("expected normalized enabled actions, got %v", got)
	}
}

func TestLoadFrom_BadIntegerEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAXSATS_LOCK_WAIT_SECONDS", "soon")
	_, err := config.LoadFrom(t.TempDir())
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	setRequiredEnv(t)
	if err := os.WriteFile(config.ConfigPath(home), []byte("wallet: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := config.LoadFrom(home)
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadFrom_TelegramNeedsChatID(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	_, err := config.LoadFrom(t.TempDir())
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadFrom_LNURLAlias(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LIGHTNING_ADDRESS", "")
	t.Setenv("LNURL", "alias@sats.example")
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LightningAddress != "alias@sats.example" {
		t.Fatalf("expected LNURL alias, got %q", cfg.LightningAddress)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LNBITS_URL=https://dotenv.example\nMAXSATS_DOTENV_ONLY=yes\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("LNBITS_URL", "https://env.example")
	t.Setenv("MAXSATS_DOTENV_ONLY", "")
	os.Unsetenv("MAXSATS_DOTENV_ONLY")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("LNBITS_URL"); got != "https://env.example" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
	if got := os.Getenv("MAXSATS_DOTENV_ONLY"); got != "yes" {
		t.Fatalf("expected .env value loaded, got %q", got)
	}
}

func TestFingerprint_StableAndSecretFree(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, b := cfg.Fingerprint(), cfg.Fingerprint()
	if a != b || !strings.HasPrefix(a, "cfg-") {
		t.Fatalf("unstable fingerprint %q vs %q", a, b)
	}
	cfg.Wallet.APIKey = "another-key"
	if cfg.Fingerprint() != a {
		t.Fatalf("fingerprint should not depend on secrets")
	}
}

func TestLoadFrom_FileTraceExporterDefaultsUnderLogs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAXSATS_OTEL_EXPORTER", "file")
	home := t.TempDir()

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.OTel.Enabled {
		t.Fatal("exporter env should enable telemetry")
	}
	if want := filepath.Join(home, "logs", "telemetry.jsonl"); cfg.OTel.Endpoint != want {
		t.Fatalf("trace file = %q, want %q", cfg.OTel.Endpoint, want)
	}
}

func TestLoadFrom_RejectsOverlongLightningAddress(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LIGHTNING_ADDRESS", strings.Repeat("a", config.MaxLightningAddressRunes)+"@sats.example")
	_, err := config.LoadFrom(t.TempDir())
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "LIGHTNING_ADDRESS") {
		t.Fatalf("expected setting name in error, got %v", err)
	}
}

func TestLoadFrom_ServicesFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAXSATS_SERVICES", "api=https://api.sats.example/health, https://shop.sats.example/?ping=1")
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []config.ServiceEndpoint{
		{Name: "api", URL: "https://api.sats.example/health"},
		{Name: "shop.sats.example", URL: "https://shop.sats.example/?ping=1"},
	}
	if len(cfg.Actions.Services) != len(want) {
		t.Fatalf("services = %+v", cfg.Actions.Services)
	}
	for i := range want {
		if cfg.Actions.Services[i] != want[i] {
			t.Fatalf("service %d = %+v, want %+v", i, cfg.Actions.Services[i], want[i])
		}
	}
	if cfg.ServiceTimeout().Seconds() != 10 {
		t.Fatalf("expected 10s default service timeout, got %s", cfg.ServiceTimeout())
	}
	if cfg.Actions.MaxConsecutiveAnnounceFailures != 2 {
		t.Fatalf("expected announce pause after 2 failures, got %d", cfg.Actions.MaxConsecutiveAnnounceFailures)
	}
}

func TestLoadFrom_ServiceNeedsHTTPURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAXSATS_SERVICES", "db=postgres://db.sats.example")
	_, err := config.LoadFrom(t.TempDir())
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
