package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const systemPreamble = `You are maxsats, an autonomous agent whose only goal is to grow a Lightning wallet balance by earning sats.
You run once every half hour. Each run you choose exactly ONE action from the list below.
You cannot send payments. You can only request them, check on them, and talk about them.

Respond with a single JSON object and nothing else:
{"action_kind": "<one of the listed kinds>", "parameters": {...}, "rationale": "<one or two sentences>"}

If you learned something that should shape future runs, end the rationale with a line starting with "LEARNING:".`

// SystemPrompt lists the available actions and their parameter schemas.
func SystemPrompt(rc Context) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\nAvailable actions:\n")
	for _, a := range rc.AvailableActions {
		fmt.Fprintf(&b, "- %s: %s\n", a.Kind, a.Description)
		if len(a.Params) > 0 {
			fmt.Fprintf(&b, "  parameters schema: %s\n", compactJSON(a.Params))
		}
	}
	return b.String()
}

// UserPrompt renders the current situation.
func UserPrompt(rc Context) string {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Current time (UTC): %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Wallet balance: %d sats\n", rc.BalanceSat)
	fmt.Fprintf(&b, "Earned today: %d sats\n", rc.DailyRevenueSat)
	if rc.LightningAddress != "" {
		fmt.Fprintf(&b, "Lightning address for receiving: %s\n", rc.LightningAddress)
	}

	if len(rc.PendingInvoices) > 0 {
		b.WriteString("\nUnpaid invoices:\n")
		for _, inv := range rc.PendingInvoices {
			fmt.Fprintf(&b, "- payment_hash=%s amount=%d sats memo=%q created=%s\n",
				inv.PaymentHash, inv.AmountSat, inv.Memo, inv.CreatedAt.UTC().Format(time.RFC3339))
		}
	}

	if len(rc.RecentHistory) == 0 {
		b.WriteString("\nNo previous actions. This is your first run.\n")
	} else {
		b.WriteString("\nRecent actions (oldest first):\n")
		for _, r := range rc.RecentHistory {
			fmt.Fprintf(&b, "- %s %s %s", r.Timestamp.UTC().Format(time.RFC3339), r.ActionKind, r.Result)
			if len(r.Parameters) > 0 {
				fmt.Fprintf(&b, " params=%s", compactParams(r.Parameters))
			}
			if r.Detail != "" {
				fmt.Fprintf(&b, ": %s", oneLine(r.Detail, 160))
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nWhat is your next action?")
	return b.String()
}

// ExtractLearning returns the text after the first "LEARNING:" line, or "".
func ExtractLearning(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 9 && strings.EqualFold(trimmed[:9], "LEARNING:") {
			return strings.TrimSpace(trimmed[9:])
		}
	}
	return ""
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.Marshal(v)
	return string(out)
}

func compactParams(params map[string]string) string {
	out, _ := json.Marshal(params)
	return string(out)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, n)
}
