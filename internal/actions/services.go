package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/maxsats/internal/config"
	"github.com/basket/maxsats/internal/reasoning"
)

const (
	serviceUp    = "up"
	serviceDown  = "down"
	serviceError = "error"
)

// checkServices GETs every configured endpoint once. A reply below 500 counts
// as up; the run fails when any endpoint is down or unreachable.
type checkServices struct {
	services []config.ServiceEndpoint
	http     *http.Client
}

func newCheckServices(services []config.ServiceEndpoint, timeout time.Duration) checkServices {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return checkServices{services: services, http: &http.Client{Timeout: timeout}}
}

func (a checkServices) Spec() reasoning.ActionSpec {
	names := make([]string, len(a.services))
	for i, s := range a.services {
		names[i] = s.Name
	}
	return reasoning.ActionSpec{
		Kind:        KindCheckServices,
		Description: "Check that the services you sell through are reachable: " + strings.Join(names, ", ") + ".",
		Params:      json.RawMessage(`{"type":"object"}`),
	}
}

func (a checkServices) Run(ctx context.Context, _ Input) (Effect, error) {
	lines := make([]string, len(a.services))
	healthy := make([]bool, len(a.services))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, svc := range a.services {
		g.Go(func() error {
			lines[i], healthy[i] = a.check(gctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	down := 0
	for _, ok := range healthy {
		if !ok {
			down++
		}
	}
	detail := strings.Join(lines, "; ")
	if down > 0 {
		return Effect{}, fmt.Errorf("%d/%d services down: %s", down, len(a.services), detail)
	}
	return Effect{Detail: fmt.Sprintf("%d services up: %s", len(a.services), detail)}, nil
}

func (a checkServices) check(ctx context.Context, svc config.ServiceEndpoint) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return fmt.Sprintf("%s: %s (%v)", svc.Name, serviceError, err), false
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Sprintf("%s: %s (%s)", svc.Name, serviceError, shortError(err)), false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Sprintf("%s: %s (%d)", svc.Name, serviceDown, resp.StatusCode), false
	}
	return fmt.Sprintf("%s: %s (%d)", svc.Name, serviceUp, resp.StatusCode), true
}

// shortError keeps the last segment of a wrapped transport error, which is
// the part that says what went wrong.
func shortError(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		msg = msg[i+2:]
	}
	return truncateRunes(msg, 80)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
