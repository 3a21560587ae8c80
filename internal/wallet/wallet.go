// Package wallet is a typed client for the LNbits wallet API. Custody, signing
// and ledger correctness stay with LNbits; this package only reads balances and
// issues or polls invoices.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/maxsats/internal/config"
	"github.com/basket/maxsats/internal/otel"
	"github.com/basket/maxsats/internal/shared"
)

var (
	// ErrWalletUnavailable covers transport failures, timeouts, auth errors and bad responses.
	ErrWalletUnavailable = errors.New("wallet unavailable")
	// ErrInvalidAmount is returned before any request when an invoice amount is not positive.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrUnknownInvoice is returned when LNbits has no payment with the requested hash.
	ErrUnknownInvoice = errors.New("unknown invoice")
)

type InvoiceStatus string

const (
	StatusPending InvoiceStatus = "pending"
	StatusPaid    InvoiceStatus = "paid"
	StatusExpired InvoiceStatus = "expired"
)

// Invoice is what LNbits returns for a freshly created invoice.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
}

// HTTPError is a non-2xx reply from LNbits.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: lnbits returned %d: %s", e.Op, e.Status, e.Body)
}

type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	backoff time.Duration
	http    *http.Client
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithMetrics(m *otel.Metrics) Option    { return func(c *Client) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(c *Client) { c.logger = l } }

// New builds a client from the wallet section of the startup config.
func New(cfg config.WalletConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout(),
		backoff: cfg.RetryBackoff(),
		http:    &http.Client{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Balance returns the spendable wallet balance in sats (LNbits reports msat).
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.do(ctx, "balance", http.MethodGet, "/api/v1/wallet", nil, &out); err != nil {
		return 0, err
	}
	sats := out.Balance / 1000
	c.metrics.RecordBalance(ctx, sats)
	return sats, nil
}

// CreateInvoice issues an incoming invoice for amountSat.
func (c *Client) CreateInvoice(ctx context.Context, amountSat int64, memo string) (Invoice, error) {
	if amountSat <= 0 {
		return Invoice{}, fmt.Errorf("%w: %d sat must be a positive integer", ErrInvalidAmount, amountSat)
	}
	req := map[string]any{
		"out":    false,
		"amount": amountSat,
		"unit":   "sat",
		"memo":   memo,
	}
	var out struct {
		PaymentHash    string `json:"payment_hash"`
		PaymentRequest string `json:"payment_request"`
		Bolt11         string `json:"bolt11"`
	}
	if err := c.do(ctx, "create_invoice", http.MethodPost, "/api/v1/payments", req, &out); err != nil {
		return Invoice{}, err
	}
	inv := Invoice{PaymentHash: out.PaymentHash, PaymentRequest: out.PaymentRequest}
	if inv.PaymentRequest == "" {
		inv.PaymentRequest = out.Bolt11
	}
	if inv.PaymentHash == "" || inv.PaymentRequest == "" {
		return Invoice{}, fmt.Errorf("%w: create_invoice: response missing payment_hash or payment_request", ErrWalletUnavailable)
	}
	return inv, nil
}

// CheckInvoice reports whether the invoice with paymentHash is paid, expired or still pending.
func (c *Client) CheckInvoice(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
	paymentHash = strings.TrimSpace(paymentHash)
	if paymentHash == "" {
		return "", fmt.Errorf("%w: empty payment hash", ErrUnknownInvoice)
	}
	var out struct {
		Paid    bool   `json:"paid"`
		Status  string `json:"status"`
		Details struct {
			Status  string          `json:"status"`
			Pending *bool           `json:"pending"`
			Expiry  json.RawMessage `json:"expiry"`
		} `json:"details"`
	}
	err := c.do(ctx, "check_invoice", http.MethodGet, "/api/v1/payments/"+url.PathEscape(paymentHash), nil, &out)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.Status == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrUnknownInvoice, paymentHash)
		}
		return "", err
	}

	if out.Paid {
		return StatusPaid, nil
	}
	for _, s := range []string{out.Status, out.Details.Status} {
		switch strings.ToLower(s) {
		case "success", "paid", "complete":
			return StatusPaid, nil
		case "failed", "expired", "cancelled", "canceled":
			return StatusExpired, nil
		}
	}
	if exp, ok := parseExpiry(out.Details.Expiry); ok && c.now().After(exp) {
		return StatusExpired, nil
	}
	return StatusPending, nil
}

// parseExpiry accepts unix seconds (number or numeric string) or an RFC 3339 / LNbits datetime string.
func parseExpiry(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil && num > 0 {
		return time.Unix(int64(num), 0).UTC(), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && n > 0 {
		return time.Unix(int64(n), 0).UTC(), true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// do performs one API call with a single bounded retry. Only transport
// errors, timeouts and 5xx replies are retried.
func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		payload = b
	}

	start := time.Now()
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.once(ctx, op, method, path, payload, out)
		if err == nil {
			return struct{}{}, nil
		}
		if !retriable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Warn("wallet call failed",
			"run_id", shared.RunID(ctx),
			"phase", shared.Phase(ctx),
			"op", op,
			"attempt", attempt,
			"error", err,
		)
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.backoff)),
		backoff.WithMaxTries(2),
	)
	c.metrics.RecordWalletCall(ctx, op, time.Since(start).Seconds(), err != nil)
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s timed out after %s: %w", ErrWalletUnavailable, op, c.timeout, err)
	}
	return fmt.Errorf("%w: %w", ErrWalletUnavailable, err)
}

func (c *Client) once(ctx context.Context, op, method, path string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return &permanentError{fmt.Errorf("%s: build request: %w", op, err)}
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Op: op, Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 200)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &permanentError{fmt.Errorf("%s: decode response: %w", op, err)}
		}
	}
	return nil
}

// permanentError marks failures a second attempt cannot fix: a request that
// cannot be built or a reply that does not decode into the expected shape.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func retriable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500 || he.Status == http.StatusTooManyRequests
	}
	var pe *permanentError
	return !errors.As(err, &pe)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
