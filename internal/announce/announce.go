// Package announce publishes short public notes (Nostr, Telegram) so that
// people can find the agent's lightning address.
package announce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/maxsats/internal/config"
)

// ErrNoAnnouncers is returned by a Multi with nothing configured.
var ErrNoAnnouncers = errors.New("no announcers configured")

// Announcer posts text somewhere public and returns a short receipt.
type Announcer interface {
	Name() string
	Announce(ctx context.Context, text string) (string, error)
}

// Multi posts to every target in order and succeeds when at least one does.
type Multi struct {
	targets []Announcer
}

func NewMulti(targets ...Announcer) *Multi { return &Multi{targets: targets} }

func (m *Multi) Name() string { return "multi" }

// Len reports how many targets are configured.
func (m *Multi) Len() int { return len(m.targets) }

func (m *Multi) Announce(ctx context.Context, text string) (string, error) {
	if len(m.targets) == 0 {
		return "", ErrNoAnnouncers
	}
	var parts []string
	var errs []error
	ok := 0
	for _, t := range m.targets {
		receipt, err := t.Announce(ctx, text)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			parts = append(parts, t.Name()+": failed")
			continue
		}
		ok++
		parts = append(parts, t.Name()+": "+receipt)
	}
	if ok == 0 {
		return "", errors.Join(errs...)
	}
	return strings.Join(parts, "; "), nil
}

// FromConfig builds a Multi over every announcer whose credentials are set.
// A malformed Nostr key is a configuration error.
func FromConfig(cfg config.AnnounceConfig, hc *http.Client) (*Multi, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	var targets []Announcer
	if cfg.Nostr.PrivateKey != "" {
		n, err := NewNostr(cfg.Nostr.PrivateKey, cfg.Nostr.Relays, timeout, hc)
		if err != nil {
			return nil, fmt.Errorf("%w: nostr: %w", config.ErrConfiguration, err)
		}
		targets = append(targets, n)
	}
	if cfg.Telegram.Token != "" {
		targets = append(targets, NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.APIEndpoint, timeout, hc))
	}
	return NewMulti(targets...), nil
}
