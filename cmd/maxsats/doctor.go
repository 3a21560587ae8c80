package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/maxsats/internal/config"
	"github.com/basket/maxsats/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := hasJSONFlag(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue anyway so the report shows what is wrong.
	}

	deps, err := doctor.DefaultDeps(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building doctor deps: %v\n", err)
		deps = doctor.Deps{}
	}
	diag := doctor.Run(ctx, &cfg, Version, deps)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	writeDiagnosis(os.Stdout, diag)
	if diag.Failed() {
		return 1
	}
	return 0
}

func writeDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "maxsats doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(w, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}

func hasJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			return true
		}
	}
	return false
}
