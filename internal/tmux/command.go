package tmux

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

// socketFromEnv extracts the server socket from $TMUX ("socket,pid,idx").
func socketFromEnv() (string, bool) {
	raw := strings.TrimSpace(os.Getenv("TMUX"))
	if raw == "" {
		return "", false
	}
	socket := strings.TrimSpace(strings.SplitN(raw, ",", 2)[0])
	if socket == "" {
		return "", false
	}
	return socket, true
}

func environWithoutTMUX(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMUX=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}

// command builds a tmux invocation. When running inside tmux the current
// server's socket is passed explicitly and $TMUX is dropped so nested
// commands address the same server.
func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	final := args
	socket, hasSocket := c.Socket, c.Socket != ""
	if !hasSocket {
		socket, hasSocket = socketFromEnv()
	}
	if hasSocket {
		final = append([]string{"-S", socket}, args...)
	}
	cmd := exec.CommandContext(ctx, c.Binary, final...)
	if hasSocket {
		cmd.Env = environWithoutTMUX(os.Environ())
	}
	return cmd
}

// AttachArgs returns the argv a terminal server runs to attach to session.
// ignore-size keeps web viewers from resizing other attached clients.
func (c *Client) AttachArgs(session string) []string {
	args := []string{c.Binary}
	if c.Socket != "" {
		args = append(args, "-S", c.Socket)
	}
	return append(args, "attach-session", "-f", "ignore-size", "-t", session)
}

// isNoServer matches the errors tmux prints when nothing is running.
func isNoServer(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "no sessions") ||
		strings.Contains(msg, "error connecting to")
}
