package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/maxsats/internal/agent"
	"github.com/basket/maxsats/internal/config"
	"github.com/basket/maxsats/internal/otel"
	"github.com/basket/maxsats/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "v0.1.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags] [run]            Run one cycle: load state, decide, act, persist, exit
  %s status [-json]           Show persisted state and ledger statistics
  %s doctor [-json]           Run diagnostic checks against the configured services
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
EXIT CODES:
  0  cycle completed (including failed actions) or nothing to do
  2  configuration error
  3  wallet or reasoning endpoint unavailable
  4  state could not be read or written
  5  another invocation is running

ENVIRONMENT VARIABLES:
  MAXSATS_HOME            Home directory (default: ~/.maxsats)
  LNBITS_URL, LNBITS_KEY  LNbits wallet (required)
  OLLAMA_HOST             Ollama endpoint (required)
  OLLAMA_MODEL            Model name (default: qwen2.5-coder:14b)
  LIGHTNING_ADDRESS       Address to advertise (required, alias LNURL)
  NOSTR_PRIVATE_KEY       Hex key enabling Nostr announcements
  TELEGRAM_TOKEN          Bot token enabling Telegram announcements
  MAXSATS_OTEL_EXPORTER   off, stdout, file (logs/telemetry.jsonl) or otlp-http
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to the log file only")
	flag.Usage = printUsage
	flag.Parse()
	otel.Version = Version

	// .env in the working directory first, then the one in the home dir.
	if err := config.LoadDotEnv(".env"); err != nil {
		fatalStartup(nil, "E_DOTENV", err, agent.ExitConfiguration)
	}
	if err := config.LoadDotEnv(filepath.Join(config.HomeDir(), ".env")); err != nil {
		fatalStartup(nil, "E_DOTENV", err, agent.ExitConfiguration)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := "run"
	args := flag.Args()
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "run":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(agent.ExitConfiguration)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG", err, agent.ExitConfiguration)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER", err, agent.ExitPersistence)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	code := runCycle(ctx, cfg, logger)
	stop()
	closer.Close()
	os.Exit(code)
}

// fatalStartup reports a failure that happens before a cycle can start and exits.
func fatalStartup(logger *slog.Logger, reasonCode string, err error, code int) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger == nil {
		logger = telemetry.NewStderrLogger("info")
	}
	logger.Error("startup failure", "reason_code", reasonCode, "exit_code", code, "error", message)
	os.Exit(code)
}

// startupExitCode maps an error raised while wiring components to an exit code.
func startupExitCode(err error) int {
	if errors.Is(err, config.ErrConfiguration) {
		return agent.ExitConfiguration
	}
	return agent.ExitCode(err)
}

func shutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
