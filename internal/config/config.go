package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/maxsats/internal/otel"
)

// ErrConfiguration marks startup-time configuration failures. No state is touched when it is returned.
var ErrConfiguration = errors.New("configuration error")

// WalletConfig points at the LNbits wallet the agent settles through.
type WalletConfig struct {
	URL                string `yaml:"url"`
	APIKey             string `yaml:"api_key"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	RetryBackoffMillis int    `yaml:"retry_backoff_ms"`
}

// Timeout bounds one wallet request. Zero or negative falls back to 15s.
func (w WalletConfig) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

func (w WalletConfig) RetryBackoff() time.Duration {
	return time.Duration(w.RetryBackoffMillis) * time.Millisecond
}

// ProviderConfig describes one reasoning backend in the failover chain.
type ProviderConfig struct {
	// Kind is "ollama" or "openai_compatible".
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

type ReasoningConfig struct {
	// Endpoint is the local Ollama host, always tried first.
	Endpoint       string  `yaml:"endpoint"`
	Model          string  `yaml:"model"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature"`
	// HistoryWindow is how many recent ActionRecords are shown to the model.
	HistoryWindow int `yaml:"history_window"`

	// Fallbacks are tried in order when the endpoint is unreachable.
	Fallbacks []ProviderConfig `yaml:"fallbacks"`
}

type ActionsConfig struct {
	// Enabled lists action kinds offered to the model. Empty enables every built-in action.
	Enabled                []string `yaml:"enabled"`
	MaxInvoiceSat          int64    `yaml:"max_invoice_sat"`
	DefaultMemo            string   `yaml:"default_memo"`
	MaxAnnouncementsPerDay int      `yaml:"max_announcements_per_day"`
	// MaxConsecutiveAnnounceFailures pauses announce for the rest of the UTC day
	// once this many announce attempts in a row have failed. 0 disables the pause.
	MaxConsecutiveAnnounceFailures int `yaml:"max_consecutive_announce_failures"`

	// Services are the endpoints check_services checks. Empty leaves the action out.
	Services              []ServiceEndpoint `yaml:"services"`
	ServiceTimeoutSeconds int               `yaml:"service_timeout_seconds"`
}

// ServiceEndpoint is one URL the operator wants kept up.
type ServiceEndpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// MaxLightningAddressRunes bounds LIGHTNING_ADDRESS so it always fits an announcement.
const MaxLightningAddressRunes = 128

type NostrConfig struct {
	PrivateKey string   `yaml:"private_key"`
	Relays     []string `yaml:"relays"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	ChatID      int64  `yaml:"chat_id"`
	APIEndpoint string `yaml:"api_endpoint"`
}

type AnnounceConfig struct {
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Nostr          NostrConfig    `yaml:"nostr"`
	Telegram       TelegramConfig `yaml:"telegram"`
}

// Config is loaded once at process start and passed by value to every component.
type Config struct {
	HomeDir string `yaml:"-"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	LightningAddress string `yaml:"lightning_address"`

	// HistoryRetention bounds AgentState.history on save.
	HistoryRetention int `yaml:"history_retention"`
	// LockWaitSeconds is how long a second invocation waits for the run lock. 0 aborts immediately.
	LockWaitSeconds int `yaml:"lock_wait_seconds"`
	// Schedule is the cron expression of the external trigger, used for overdue checks only.
	Schedule string `yaml:"schedule"`

	DisableLedger bool `yaml:"disable_ledger"`

	Wallet    WalletConfig    `yaml:"wallet"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Actions   ActionsConfig   `yaml:"actions"`
	Announce  AnnounceConfig  `yaml:"announce"`
	OTel      otel.Config     `yaml:"otel"`
}

// StatePath is the persisted AgentState file.
func (c Config) StatePath() string { return filepath.Join(c.DataDir, "state.json") }

// LockPath is the advisory lock guarding one cycle.
func (c Config) LockPath() string { return filepath.Join(c.DataDir, "maxsats.lock") }

// LedgerPath is the SQLite revenue ledger.
func (c Config) LedgerPath() string { return filepath.Join(c.DataDir, "ledger.db") }

func (c Config) ReasoningTimeout() time.Duration {
	return time.Duration(c.Reasoning.TimeoutSeconds) * time.Second
}

func (c Config) AnnounceTimeout() time.Duration {
	return time.Duration(c.Announce.TimeoutSeconds) * time.Second
}

func (c Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Actions.ServiceTimeoutSeconds) * time.Second
}

func (c Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the effective, non-secret config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "data=%s|wallet=%s|reasoning=%s/%s|fallbacks=%d|actions=%v|retention=%d|schedule=%s",
		c.DataDir, c.Wallet.URL, c.Reasoning.Endpoint, c.Reasoning.Model, len(c.Reasoning.Fallbacks),
		c.Actions.Enabled, c.HistoryRetention, c.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:         "info",
		HistoryRetention: 500,
		Schedule:         "*/30 * * * *",
		Wallet: WalletConfig{
			TimeoutSeconds:     15,
			RetryBackoffMillis: 500,
		},
		Reasoning: ReasoningConfig{
			Model:          "qwen2.5-coder:14b",
			TimeoutSeconds: 30,
			Temperature:    0.7,
			HistoryWindow:  10,
		},
		Actions: ActionsConfig{
			MaxInvoiceSat:          100_000,
			DefaultMemo:            "maxsats",
			MaxAnnouncementsPerDay: 3,

			MaxConsecutiveAnnounceFailures: 2,
			ServiceTimeoutSeconds:          10,
		},
		Announce: AnnounceConfig{
			TimeoutSeconds: 10,
			Nostr: NostrConfig{
				Relays: []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.primal.net"},
			},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("MAXSATS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".maxsats")
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Existing
// variables win and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("%w: load %s: %v", ErrConfiguration, p, err)
		}
	}
	return nil
}

// Load reads config from MAXSATS_HOME (or ~/.maxsats).
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml (optional), applies environment overrides
// and validates required values.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("%w: read config.yaml: %v", ErrConfiguration, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse config.yaml: %v", ErrConfiguration, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 500
	}
	if cfg.LockWaitSeconds < 0 {
		cfg.LockWaitSeconds = 0
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "*/30 * * * *"
	}
	if cfg.OTel.Exporter == otel.ExporterFile && cfg.OTel.Endpoint == "" {
		cfg.OTel.Endpoint = filepath.Join(cfg.HomeDir, "logs", "telemetry.jsonl")
	}
	cfg.Wallet.URL = strings.TrimSuffix(strings.TrimSpace(cfg.Wallet.URL), "/")
	if cfg.Wallet.TimeoutSeconds <= 0 {
		cfg.Wallet.TimeoutSeconds = 15
	}
	if cfg.Wallet.RetryBackoffMillis < 0 {
		cfg.Wallet.RetryBackoffMillis = 0
	}
	cfg.Reasoning.Endpoint = strings.TrimSuffix(strings.TrimSpace(cfg.Reasoning.Endpoint), "/")
	if cfg.Reasoning.TimeoutSeconds <= 0 {
		cfg.Reasoning.TimeoutSeconds = 30
	}
	if cfg.Reasoning.HistoryWindow <= 0 {
		cfg.Reasoning.HistoryWindow = 10
	}
	for i := range cfg.Reasoning.Fallbacks {
		fb := &cfg.Reasoning.Fallbacks[i]
		fb.Kind = strings.ToLower(strings.TrimSpace(fb.Kind))
		if fb.Kind == "" {
			fb.Kind = "openai_compatible"
		}
	}
	if cfg.Actions.MaxInvoiceSat <= 0 {
		cfg.Actions.MaxInvoiceSat = 100_000
	}
	if cfg.Actions.MaxAnnouncementsPerDay < 0 {
		cfg.Actions.MaxAnnouncementsPerDay = 0
	}
	if cfg.Actions.MaxConsecutiveAnnounceFailures < 0 {
		cfg.Actions.MaxConsecutiveAnnounceFailures = 0
	}
	if cfg.Actions.ServiceTimeoutSeconds <= 0 {
		cfg.Actions.ServiceTimeoutSeconds = 10
	}
	for i := range cfg.Actions.Services {
		svc := &cfg.Actions.Services[i]
		svc.URL = strings.TrimSpace(svc.URL)
		svc.Name = strings.TrimSpace(svc.Name)
		if svc.Name == "" {
			if u, err := url.Parse(svc.URL); err == nil && u.Host != "" {
				svc.Name = u.Host
			} else {
				svc.Name = svc.URL
			}
		}
	}
	cfg.LightningAddress = strings.TrimSpace(cfg.LightningAddress)
	for i, kind := range cfg.Actions.Enabled {
		cfg.Actions.Enabled[i] = strings.ToLower(strings.TrimSpace(kind))
	}
	if cfg.Announce.TimeoutSeconds <= 0 {
		cfg.Announce.TimeoutSeconds = 10
	}
}

// validate rejects configs missing values the process cannot run without.
func validate(cfg Config) error {
	var missing []string
	if cfg.Wallet.URL == "" {
		missing = append(missing, "LNBITS_URL")
	}
	if cfg.Wallet.APIKey == "" {
		missing = append(missing, "LNBITS_KEY")
	}
	if cfg.Reasoning.Endpoint == "" {
		missing = append(missing, "OLLAMA_HOST")
	}
	if strings.TrimSpace(cfg.LightningAddress) == "" {
		missing = append(missing, "LIGHTNING_ADDRESS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required settings: %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if n := utf8.RuneCountInString(cfg.LightningAddress); n > MaxLightningAddressRunes {
		return fmt.Errorf("%w: LIGHTNING_ADDRESS is %d characters, limit is %d", ErrConfiguration, n, MaxLightningAddressRunes)
	}
	for _, svc := range cfg.Actions.Services {
		u, err := url.Parse(svc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: service %q needs an http(s) url, got %q", ErrConfiguration, svc.Name, svc.URL)
		}
	}
	for _, fb := range cfg.Reasoning.Fallbacks {
		switch fb.Kind {
		case "ollama", "openai_compatible":
		default:
			return fmt.Errorf("%w: unknown reasoning fallback kind %q", ErrConfiguration, fb.Kind)
		}
		if fb.BaseURL == "" {
			return fmt.Errorf("%w: reasoning fallback %q has no base_url", ErrConfiguration, fb.Kind)
		}
	}
	if cfg.Announce.Telegram.Token != "" && cfg.Announce.Telegram.ChatID == 0 {
		return fmt.Errorf("%w: TELEGRAM_TOKEN set without TELEGRAM_CHAT_ID", ErrConfiguration)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("MAXSATS_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("MAXSATS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MAXSATS_SCHEDULE"); raw != "" {
		cfg.Schedule = raw
	}
	if err := envInt("MAXSATS_HISTORY_RETENTION", &cfg.HistoryRetention); err != nil {
		return err
	}
	if err := envInt("MAXSATS_LOCK_WAIT_SECONDS", &cfg.LockWaitSeconds); err != nil {
		return err
	}
	if raw := os.Getenv("LNBITS_URL"); raw != "" {
		cfg.Wallet.URL = raw
	}
	if raw := os.Getenv("LNBITS_KEY"); raw != "" {
		cfg.Wallet.APIKey = raw
	}
	if raw := os.Getenv("LNURL"); raw != "" {
		cfg.LightningAddress = raw
	}
	if raw := os.Getenv("LIGHTNING_ADDRESS"); raw != "" {
		cfg.LightningAddress = raw
	}
	if raw := os.Getenv("OLLAMA_HOST"); raw != "" {
		cfg.Reasoning.Endpoint = raw
	}
	if raw := os.Getenv("OLLAMA_MODEL"); raw != "" {
		cfg.Reasoning.Model = raw
	}
	if raw := os.Getenv("OPENAI_COMPAT_BASE_URL"); raw != "" {
		cfg.Reasoning.Fallbacks = append(cfg.Reasoning.Fallbacks, ProviderConfig{
			Kind:    "openai_compatible",
			BaseURL: raw,
			Model:   os.Getenv("OPENAI_COMPAT_MODEL"),
			APIKey:  os.Getenv("OPENAI_COMPAT_API_KEY"),
		})
	}
	if raw := os.Getenv("NOSTR_PRIVATE_KEY"); raw != "" {
		cfg.Announce.Nostr.PrivateKey = raw
	}
	if raw := os.Getenv("NOSTR_RELAYS"); raw != "" {
		cfg.Announce.Nostr.Relays = splitList(raw)
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Announce.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: TELEGRAM_CHAT_ID: %v", ErrConfiguration, err)
		}
		cfg.Announce.Telegram.ChatID = v
	}
	if raw := os.Getenv("MAXSATS_SERVICES"); raw != "" {
		cfg.Actions.Services = parseServices(raw)
	}
	if err := envInt("MAXSATS_MAX_ANNOUNCE_FAILURES", &cfg.Actions.MaxConsecutiveAnnounceFailures); err != nil {
		return err
	}
	if raw := os.Getenv("MAXSATS_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = raw != "off"
		cfg.OTel.Exporter = raw
	}
	return nil
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfiguration, name, err)
	}
	*dst = v
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseServices reads "name=url,url,..." lists. Entries without a name are
// named after their host during normalize.
func parseServices(raw string) []ServiceEndpoint {
	var out []ServiceEndpoint
	for _, item := range splitList(raw) {
		name, target, ok := strings.Cut(item, "=")
		if !ok || strings.Contains(name, "/") {
			out = append(out, ServiceEndpoint{URL: item})
			continue
		}
		out = append(out, ServiceEndpoint{Name: name, URL: target})
	}
	return out
}
