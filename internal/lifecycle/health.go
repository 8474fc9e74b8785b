package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/tmux"
)

// HealthTarget is what a freshly spawned server must satisfy.
type HealthTarget struct {
	Port int
	// TmuxSession is set for multiplexed servers; the session must exist
	// and show at least MinChars visible characters.
	TmuxSession string
	MinChars    int
}

// HealthChecker blocks until target is healthy or ctx ends.
type HealthChecker interface {
	Check(ctx context.Context, target HealthTarget) error
}

// HTTPHealth probes the server over HTTP and the pane through tmux.
type HTTPHealth struct {
	Client   *http.Client
	Tmux     tmux.Adapter
	Interval time.Duration
}

// NewHTTPHealth returns a checker with short per-request timeouts.
func NewHTTPHealth(t tmux.Adapter) *HTTPHealth {
	return &HTTPHealth{
		Client:   &http.Client{Timeout: 2 * time.Second},
		Tmux:     t,
		Interval: 250 * time.Millisecond,
	}
}

// Check implements HealthChecker.
func (h *HTTPHealth) Check(ctx context.Context, target HealthTarget) error {
	if err := h.poll(ctx, func() error { return h.reachable(ctx, target.Port) }); err != nil {
		return fmt.Errorf("http probe: %w", err)
	}
	if target.TmuxSession == "" || h.Tmux == nil {
		return nil
	}
	if err := h.poll(ctx, func() error { return h.rendered(ctx, target) }); err != nil {
		return fmt.Errorf("pane probe: %w", err)
	}
	return nil
}

func (h *HTTPHealth) poll(ctx context.Context, probe func() error) error {
	interval := h.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	var last error
	for {
		if last = probe(); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last: %v)", ctx.Err(), last)
		case <-time.After(interval):
		}
	}
}

func (h *HTTPHealth) reachable(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPHealth) rendered(ctx context.Context, target HealthTarget) error {
	ok, err := h.Tmux.HasSession(ctx, target.TmuxSession)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s missing", target.TmuxSession)
	}
	raw, err := h.Tmux.CapturePane(ctx, target.TmuxSession)
	if err != nil {
		return err
	}
	if n := tmux.VisibleChars(tmux.Clean(raw)); n < target.MinChars {
		return fmt.Errorf("pane shows %d characters, want %d", n, target.MinChars)
	}
	return nil
}
