// Package tmux is the terminal multiplexer adapter. All tmux command
// construction and output parsing lives here.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/ttydeck/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout is returned when capture-pane exceeds its timeout.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// ErrUnavailable is returned when the tmux binary cannot be found.
var ErrUnavailable = errors.New("tmux is not available")

// Adapter is the multiplexer surface the engine depends on.
type Adapter interface {
	Available() bool
	ListPanes(ctx context.Context) (map[int]string, error)
	ListSessions(ctx context.Context) ([]string, error)
	HasSession(ctx context.Context, name string) (bool, error)
	CapturePane(ctx context.Context, name string) (string, error)
	NewSession(ctx context.Context, name, workDir, command string) error
	SetOptions(ctx context.Context, name string, opts []Option) error
	KillSession(ctx context.Context, name string) error
	PanePID(ctx context.Context, name string) (int, error)
	AttachArgs(name string) []string
}

// Option is one session-local set-option pair.
type Option struct {
	Key   string
	Value string
}

// KeepAliveOptions stop tmux from tearing a session down when the last
// viewer detaches, and keep the pane around after its process exits.
var KeepAliveOptions = []Option{
	{Key: "destroy-unattached", Value: "off"},
	{Key: "remain-on-exit", Value: "on"},
	{Key: "history-limit", Value: "10000"},
}

// Client runs the tmux CLI.
type Client struct {
	Binary         string
	Socket         string
	CaptureTimeout time.Duration
	// HistoryLines bounds capture-pane -S. Zero captures the whole scrollback.
	HistoryLines int

	sf singleflight.Group
}

// NewClient returns a client for the tmux on $PATH.
func NewClient() *Client {
	return &Client{Binary: "tmux", CaptureTimeout: 3 * time.Second}
}

var _ Adapter = (*Client)(nil)

// Available reports whether the tmux binary is on $PATH.
func (c *Client) Available() bool {
	_, err := exec.LookPath(c.Binary)
	return err == nil
}

func (c *Client) output(ctx context.Context, args ...string) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}
	out, err := c.command(ctx, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return msg, fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return string(out), nil
}

// ListPanes maps every pane's root pid to its session name with one
// list-panes -a call. No server yields an empty map.
func (c *Client) ListPanes(ctx context.Context) (map[int]string, error) {
	out, err := c.output(ctx, "list-panes", "-a", "-F", "#{pane_pid}\t#{session_name}")
	if err != nil {
		if isNoServer(out) {
			return map[int]string{}, nil
		}
		return nil, err
	}
	return parsePanes(out), nil
}

func parsePanes(out string) map[int]string {
	panes := make(map[int]string)
	for _, line := range strings.Split(out, "\n") {
		pidStr, name, ok := strings.Cut(strings.TrimRight(line, "\r"), "\t")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
		if err != nil || pid <= 0 {
			continue
		}
		panes[pid] = name
	}
	return panes
}

// ListSessions returns all session names, sorted. Concurrent callers share
// one subprocess.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	v, err, _ := c.sf.Do("list-sessions", func() (interface{}, error) {
		out, err := c.output(ctx, "list-sessions", "-F", "#{session_name}")
		if err != nil {
			if isNoServer(out) {
				return []string{}, nil
			}
			return nil, err
		}
		var names []string
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
		sort.Strings(names)
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// HasSession reports whether name exists. Exit status 1 means "no".
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	if !c.Available() {
		return false, ErrUnavailable
	}
	out, err := c.command(ctx, "has-session", "-t", exactTarget(name)).CombinedOutput()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = err.Error()
	}
	return false, fmt.Errorf("tmux has-session failed: %s", msg)
}

// CapturePane returns the pane's scrollback with wrapped lines joined.
func (c *Client) CapturePane(ctx context.Context, name string) (string, error) {
	v, err, _ := c.sf.Do("capture:"+name, func() (interface{}, error) {
		timeout := c.CaptureTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := "-"
		if c.HistoryLines > 0 {
			start = "-" + strconv.Itoa(c.HistoryLines)
		}
		out, err := c.output(cctx, "capture-pane", "-p", "-J", "-S", start, "-t", exactTarget(name))
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return "", ErrCaptureTimeout
			}
			return "", err
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// NewSession creates a detached session running command in workDir.
func (c *Client) NewSession(ctx context.Context, name, workDir, command string) error {
	args := []string{"new-session", "-d", "-s", name, "-x", "200", "-y", "50"}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := c.output(ctx, args...); err != nil {
		return fmt.Errorf("failed to create tmux session: %w", err)
	}
	tmuxLog.Info("session_created", slog.String("session", name), slog.String("work_dir", workDir))
	return nil
}

// SetOptions applies session-local options in a single tmux invocation.
func (c *Client) SetOptions(ctx context.Context, name string, opts []Option) error {
	if len(opts) == 0 {
		return nil
	}
	args := make([]string, 0, len(opts)*6)
	for i, o := range opts {
		if i > 0 {
			args = append(args, ";")
		}
		args = append(args, "set-option", "-t", name, "-q", o.Key, o.Value)
	}
	_, err := c.output(ctx, args...)
	return err
}

// KillSession removes a session. A missing session is not an error.
func (c *Client) KillSession(ctx context.Context, name string) error {
	out, err := c.output(ctx, "kill-session", "-t", exactTarget(name))
	if err != nil && (isNoServer(out) || strings.Contains(out, "can't find session")) {
		return nil
	}
	return err
}

// PanePID returns the root pid of the session's first pane.
func (c *Client) PanePID(ctx context.Context, name string) (int, error) {
	out, err := c.output(ctx, "list-panes", "-t", exactTarget(name)+":", "-F", "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("tmux: pane pid for %s: %w", name, err)
	}
	return pid, nil
}

// exactTarget prefixes "=" so tmux does not fall back to prefix matching.
func exactTarget(name string) string {
	return "=" + name
}
