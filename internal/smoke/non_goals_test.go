package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestSmoke_NoLightningNodeImports(t *testing.T) {
	// Custody and signing stay with the external wallet service.
	root := moduleRoot(t)

	banned := []string{
		strings.Join([]string{"github.com/", "lightningnetwork/", "lnd"}, ""),
		strings.Join([]string{"github.com/", "ElementsProject/", "lightning"}, ""),
		strings.Join([]string{"github.com/", "btcsuite/", "btcwallet"}, ""),
	}

	for _, p := range []string{"go.mod", "go.sum"} {
		b, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			t.Fatalf("read %s: %v", p, err)
		}
		lower := strings.ToLower(string(b))
		for _, s := range banned {
			if strings.Contains(lower, strings.ToLower(s)) {
				t.Fatalf("found banned wallet dependency %q in %s", s, p)
			}
		}
	}

	cmd := exec.Command("go", "list", "-deps", "-f", "{{.ImportPath}}", "./...")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go list -deps failed: %v\n%s", err, buf.String())
	}
	outLower := strings.ToLower(buf.String())
	for _, s := range banned {
		if strings.Contains(outLower, strings.ToLower(s)) {
			t.Fatalf("found banned wallet import path %q in dependency graph", s)
		}
	}
}

func TestSmoke_WalletNeverSendsPayments(t *testing.T) {
	// The agent only receives; an outgoing LNbits payment is {"out": true}.
	root := moduleRoot(t)
	src, err := os.ReadFile(filepath.Join(root, "internal", "wallet", "wallet.go"))
	if err != nil {
		t.Fatalf("read wallet source: %v", err)
	}
	for _, s := range []string{`"out": true`, `"out":true`, `Out: true`} {
		if bytes.Contains(src, []byte(s)) {
			t.Fatalf("wallet client sends payments (%q)", s)
		}
	}
}

func TestSmoke_NoInternalScheduler(t *testing.T) {
	// Cadence comes from the external timer; the binary never loops on its own.
	root := moduleRoot(t)
	src, err := os.ReadFile(filepath.Join(root, "cmd", "maxsats", "main.go"))
	if err != nil {
		t.Fatalf("read main: %v", err)
	}
	for _, s := range []string{"time.NewTicker", "cron.New(", "-daemon"} {
		if bytes.Contains(src, []byte(s)) {
			t.Fatalf("main.go contains %q; cycles must be driven externally", s)
		}
	}
}
