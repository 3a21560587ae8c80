package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/maxsats/internal/announce"
	"github.com/basket/maxsats/internal/reasoning"
	"github.com/basket/maxsats/internal/state"
	"github.com/basket/maxsats/internal/wallet"
)

const (
	KindCheckBalance  = "check_balance"
	KindCreateInvoice = "create_invoice"
	KindCheckInvoice  = "check_invoice"
	KindAnnounce      = "announce"
	KindWait          = "wait"
	KindCheckServices = "check_services"

	// MaxAnnouncementRunes is the length limit of a public note, address included.
	MaxAnnouncementRunes = 280
	// minMessageRunes is the least room left for the message before the address suffix is dropped.
	minMessageRunes = 40
)

// Wallet is the subset of the LNbits client the actions use.
type Wallet interface {
	Balance(ctx context.Context) (int64, error)
	CreateInvoice(ctx context.Context, amountSat int64, memo string) (wallet.Invoice, error)
	CheckInvoice(ctx context.Context, paymentHash string) (wallet.InvoiceStatus, error)
}

type checkBalance struct{ wallet Wallet }

func (checkBalance) Spec() reasoning.ActionSpec {
	return reasoning.ActionSpec{
		Kind:        KindCheckBalance,
		Description: "Read the current wallet balance. Cheap and always safe.",
		Params:      json.RawMessage(`{"type":"object"}`),
	}
}

func (a checkBalance) Run(ctx context.Context, in Input) (Effect, error) {
	sats, err := a.wallet.Balance(ctx)
	if err != nil {
		return Effect{}, err
	}
	detail := fmt.Sprintf("balance %d sats", sats)
	if delta := sats - in.State.BalanceSat; delta != 0 {
		detail += fmt.Sprintf(" (%+d since last check)", delta)
	}
	return Effect{Detail: detail, BalanceSat: &sats}, nil
}

type createInvoice struct {
	wallet      Wallet
	maxSat      int64
	defaultMemo string
}

func (a createInvoice) Spec() reasoning.ActionSpec {
	return reasoning.ActionSpec{
		Kind:        KindCreateInvoice,
		Description: fmt.Sprintf("Create a Lightning invoice someone can pay. amount_sat must be between 1 and %d.", a.maxSat),
		Params: json.RawMessage(`{"type":"object","required":["amount_sat"],"properties":{` +
			`"amount_sat":{"type":"integer"},` +
			`"memo":{"type":"string","maxLength":200}}}`),
	}
}

func (a createInvoice) Run(ctx context.Context, in Input) (Effect, error) {
	amount, err := intParam(in.Params, "amount_sat")
	if err != nil {
		return Effect{}, err
	}
	if a.maxSat > 0 && amount > a.maxSat {
		return Effect{}, fmt.Errorf("amount %d sats exceeds the %d sat invoice limit", amount, a.maxSat)
	}
	memo, _ := in.Params["memo"].(string)
	if memo = strings.TrimSpace(memo); memo == "" {
		memo = a.defaultMemo
	}

	inv, err := a.wallet.CreateInvoice(ctx, amount, memo)
	if err != nil {
		return Effect{}, err
	}
	return Effect{
		Detail: fmt.Sprintf("invoice %s for %d sats: %s", inv.PaymentHash, amount, inv.PaymentRequest),
		AddInvoice: &state.Invoice{
			PaymentHash:    inv.PaymentHash,
			PaymentRequest: inv.PaymentRequest,
			AmountSat:      amount,
			Memo:           memo,
			CreatedAt:      in.Now,
		},
	}, nil
}

type checkInvoice struct{ wallet Wallet }

func (checkInvoice) Spec() reasoning.ActionSpec {
	return reasoning.ActionSpec{
		Kind:        KindCheckInvoice,
		Description: "Check whether one of the unpaid invoices has been paid. Paid and expired invoices are dropped from the unpaid list.",
		Params:      json.RawMessage(`{"type":"object","required":["payment_hash"],"properties":{"payment_hash":{"type":"string","minLength":1}}}`),
	}
}

func (a checkInvoice) Run(ctx context.Context, in Input) (Effect, error) {
	hash, _ := in.Params["payment_hash"].(string)
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Effect{}, errors.New("payment_hash is required")
	}
	inv, tracked := in.State.FindInvoice(hash)

	status, err := a.wallet.CheckInvoice(ctx, hash)
	if err != nil {
		if tracked && errors.Is(err, wallet.ErrUnknownInvoice) {
			return Effect{RemoveInvoice: hash}, err
		}
		return Effect{}, err
	}

	switch status {
	case wallet.StatusPaid:
		detail := fmt.Sprintf("invoice %s paid", hash)
		if tracked {
			detail += fmt.Sprintf(" (%d sats)", inv.AmountSat)
		}
		return Effect{Detail: detail, RemoveInvoice: hash}, nil
	case wallet.StatusExpired:
		return Effect{Detail: fmt.Sprintf("invoice %s expired unpaid", hash), RemoveInvoice: hash}, nil
	default:
		age := ""
		if tracked {
			age = fmt.Sprintf(" after %s", in.Now.Sub(inv.CreatedAt).Round(time.Minute))
		}
		return Effect{Detail: fmt.Sprintf("invoice %s still pending%s", hash, age)}, nil
	}
}

type announceAction struct {
	announcer announce.Announcer
	address   string
	maxPerDay int
	// maxFailures pauses announce for the rest of the UTC day after this many
	// consecutive failures. 0 never pauses.
	maxFailures int
}

func (a announceAction) Spec() reasoning.ActionSpec {
	return reasoning.ActionSpec{
		Kind: KindAnnounce,
		Description: fmt.Sprintf("Publish a short public note (Nostr/Telegram). Your lightning address is appended automatically. "+
			"At most %d per day; keep it useful, not spammy.", a.maxPerDay),
		Params: json.RawMessage(`{"type":"object","required":["message"],"properties":{"message":{"type":"string","minLength":1}}}`),
	}
}

func (a announceAction) Run(ctx context.Context, in Input) (Effect, error) {
	message, _ := in.Params["message"].(string)
	message = strings.TrimSpace(message)
	if message == "" {
		return Effect{}, errors.New("message is required")
	}
	dayStart := in.Now.UTC().Truncate(24 * time.Hour)
	if used := in.State.CountSince(KindAnnounce, dayStart); used >= a.maxPerDay {
		return Effect{}, fmt.Errorf("daily announcement limit reached (%d/%d)", used, a.maxPerDay)
	}
	if a.maxFailures > 0 {
		if failed := in.State.ConsecutiveFailuresSince(KindAnnounce, dayStart); failed >= a.maxFailures {
			return Effect{}, fmt.Errorf("announce paused after %d consecutive failures today", failed)
		}
	}

	text := ComposeAnnouncement(message, a.address)
	receipt, err := a.announcer.Announce(ctx, text)
	if err != nil {
		return Effect{}, fmt.Errorf("announce: %w", err)
	}
	return Effect{Detail: fmt.Sprintf("announced %d chars: %s", utf8.RuneCountInString(text), receipt)}, nil
}

// ComposeAnnouncement appends the lightning address (unless the message
// already has it) and truncates the message so the whole note fits in
// MaxAnnouncementRunes. An address too long to leave room for the message
// is not appended.
func ComposeAnnouncement(message, address string) string {
	suffix := ""
	if address != "" && !strings.Contains(message, address) {
		suffix = "\n\n⚡ " + address
	}
	budget := MaxAnnouncementRunes - utf8.RuneCountInString(suffix)
	if budget < minMessageRunes {
		suffix = ""
		budget = MaxAnnouncementRunes
	}
	if utf8.RuneCountInString(message) > budget {
		runes := []rune(message)
		message = strings.TrimSpace(string(runes[:budget-3])) + "..."
	}
	return message + suffix
}

type wait struct{}

func (wait) Spec() reasoning.ActionSpec {
	return reasoning.ActionSpec{
		Kind:        KindWait,
		Description: "Do nothing this cycle. Use it when nothing useful can be done.",
		Params:      json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}}}`),
	}
}

func (wait) Run(_ context.Context, in Input) (Effect, error) {
	if reason, _ := in.Params["reason"].(string); strings.TrimSpace(reason) != "" {
		return Effect{Detail: "waiting: " + strings.TrimSpace(reason)}, nil
	}
	return Effect{Detail: "waiting"}, nil
}

// intParam reads an integer parameter from a decoded decision.
func intParam(params map[string]any, key string) (int64, error) {
	switch v := params[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("%s must be an integer, got %s", key, v)
		}
		return int64(f), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
}
