package actions

import (
	"fmt"

	"github.com/basket/maxsats/internal/announce"
	"github.com/basket/maxsats/internal/config"
)

// BuiltinKinds is every action maxsats knows how to run, in catalog order.
var BuiltinKinds = []string{KindCheckBalance, KindCreateInvoice, KindCheckInvoice, KindCheckServices, KindAnnounce, KindWait}

// Catalog builds the enabled actions from config. An empty enabled list
// means every built-in action, except announce when no announcer is
// configured and check_services when no services are listed. Naming an
// unknown kind, or explicitly enabling an action whose backing is missing,
// is a configuration error.
func Catalog(cfg config.Config, w Wallet, ann announce.Announcer) ([]Action, error) {
	enabled := cfg.Actions.Enabled
	explicit := len(enabled) > 0
	if !explicit {
		enabled = BuiltinKinds
	}

	var out []Action
	seen := make(map[string]bool, len(enabled))
	for _, kind := range enabled {
		if seen[kind] {
			continue
		}
		seen[kind] = true
		switch kind {
		case KindCheckBalance:
			out = append(out, checkBalance{wallet: w})
		case KindCreateInvoice:
			out = append(out, createInvoice{wallet: w, maxSat: cfg.Actions.MaxInvoiceSat, defaultMemo: cfg.Actions.DefaultMemo})
		case KindCheckInvoice:
			out = append(out, checkInvoice{wallet: w})
		case KindAnnounce:
			if ann == nil {
				if explicit {
					return nil, fmt.Errorf("%w: action %q enabled but no nostr key or telegram token configured", config.ErrConfiguration, kind)
				}
				continue
			}
			out = append(out, announceAction{
				announcer:   ann,
				address:     cfg.LightningAddress,
				maxPerDay:   cfg.Actions.MaxAnnouncementsPerDay,
				maxFailures: cfg.Actions.MaxConsecutiveAnnounceFailures,
			})
		case KindCheckServices:
			if len(cfg.Actions.Services) == 0 {
				if explicit {
					return nil, fmt.Errorf("%w: action %q enabled but actions.services is empty", config.ErrConfiguration, kind)
				}
				continue
			}
			out = append(out, newCheckServices(cfg.Actions.Services, cfg.ServiceTimeout()))
		case KindWait:
			out = append(out, wait{})
		default:
			return nil, fmt.Errorf("%w: unknown action %q in actions.enabled", config.ErrConfiguration, kind)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no actions enabled", config.ErrConfiguration)
	}
	return out, nil
}
