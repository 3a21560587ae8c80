// Package state owns the durable AgentState snapshot: its schema, the atomic
// file store, and the advisory lock that serializes cycles.
package state

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPersistence means the snapshot could not be read or written.
	ErrPersistence = errors.New("persistence error")
	// ErrConcurrentRun means another cycle holds the run lock.
	ErrConcurrentRun = errors.New("concurrent run detected")
)

// SchemaVersion is written into every snapshot. Older readers ignore fields they do not know.
const SchemaVersion = 1

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// ActionRecord is one executed (or refused) action. Records are never mutated after append.
type ActionRecord struct {
	Timestamp  time.Time         `json:"timestamp"`
	ActionKind string            `json:"action_kind"`
	Parameters map[string]string `json:"parameters"`
	Result     Result            `json:"result"`
	Detail     string            `json:"detail"`
}

func (r ActionRecord) Succeeded() bool { return r.Result == ResultSuccess }

// Invoice is an invoice created by the agent and not yet settled or expired.
type Invoice struct {
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request"`
	AmountSat      int64     `json:"amount_sat"`
	Memo           string    `json:"memo"`
	CreatedAt      time.Time `json:"created_at"`
}

// AgentState is the persisted record carried from one cycle to the next.
type AgentState struct {
	Version         int            `json:"version"`
	BalanceSat      int64          `json:"balance_sat"`
	LastRunAt       time.Time      `json:"last_run_at"`
	LastAction      *ActionRecord  `json:"last_action"`
	History         []ActionRecord `json:"history"`
	PendingInvoices []Invoice      `json:"pending_invoices"`
}

// New returns the state used on first run: zero balance, empty history.
func New() AgentState {
	return AgentState{Version: SchemaVersion}
}

// Recent returns up to n of the newest history records, oldest first.
func (s AgentState) Recent(n int) []ActionRecord {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if n > len(s.History) {
		n = len(s.History)
	}
	out := make([]ActionRecord, n)
	copy(out, s.History[len(s.History)-n:])
	return out
}

// Append returns a copy of s with rec appended. The record's timestamp is
// clamped so history stays in non-decreasing order even if the clock steps back.
func (s AgentState) Append(rec ActionRecord) AgentState {
	rec.Timestamp = rec.Timestamp.UTC()
	if n := len(s.History); n > 0 && rec.Timestamp.Before(s.History[n-1].Timestamp) {
		rec.Timestamp = s.History[n-1].Timestamp
	}
	history := make([]ActionRecord, len(s.History), len(s.History)+1)
	copy(history, s.History)
	s.History = append(history, rec)
	last := rec
	s.LastAction = &last
	return s
}

// FindInvoice returns the pending invoice with the given hash.
func (s AgentState) FindInvoice(paymentHash string) (Invoice, bool) {
	for _, inv := range s.PendingInvoices {
		if inv.PaymentHash == paymentHash {
			return inv, true
		}
	}
	return Invoice{}, false
}

// AddInvoice returns a copy of s tracking inv as pending.
func (s AgentState) AddInvoice(inv Invoice) AgentState {
	pending := make([]Invoice, 0, len(s.PendingInvoices)+1)
	for _, p := range s.PendingInvoices {
		if p.PaymentHash != inv.PaymentHash {
			pending = append(pending, p)
		}
	}
	s.PendingInvoices = append(pending, inv)
	return s
}

// RemoveInvoice returns a copy of s without the pending invoice paymentHash.
func (s AgentState) RemoveInvoice(paymentHash string) AgentState {
	pending := make([]Invoice, 0, len(s.PendingInvoices))
	for _, p := range s.PendingInvoices {
		if p.PaymentHash != paymentHash {
			pending = append(pending, p)
		}
	}
	s.PendingInvoices = pending
	return s
}

// CountSince counts successful records of kind at or after since.
func (s AgentState) CountSince(kind string, since time.Time) int {
	n := 0
	for _, r := range s.History {
		if r.ActionKind == kind && r.Succeeded() && !r.Timestamp.Before(since) {
			n++
		}
	}
	return n
}

// ConsecutiveFailuresSince counts the newest run of failed records of kind
// at or after since, stopping at the first success of that kind. Records of
// other kinds do not break the run.
func (s AgentState) ConsecutiveFailuresSince(kind string, since time.Time) int {
	n := 0
	for i := len(s.History) - 1; i >= 0; i-- {
		r := s.History[i]
		if r.Timestamp.Before(since) {
			break
		}
		if r.ActionKind != kind {
			continue
		}
		if r.Succeeded() {
			break
		}
		n++
	}
	return n
}

func (s AgentState) String() string {
	return fmt.Sprintf("AgentState{balance=%d history=%d pending=%d last_run=%s}",
		s.BalanceSat, len(s.History), len(s.PendingInvoices), s.LastRunAt.Format(time.RFC3339))
}
