package classify

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ServerCommand is a parsed terminal-server command line.
type ServerCommand struct {
	Port       int
	Once       bool
	Writable   bool
	MaxClients int
	WorkDir    string
	// Served is the command the server runs for each client.
	Served []string
	// TmuxSession is set when Served attaches to a tmux session.
	TmuxSession string
}

// ServesShell reports whether the server runs an interactive shell.
func (c ServerCommand) ServesShell() bool {
	if len(c.Served) == 0 {
		return false
	}
	switch filepath.Base(c.Served[0]) {
	case "sh", "bash", "zsh", "fish", "dash", "ksh":
	default:
		return false
	}
	for _, a := range c.Served[1:] {
		if a == "-c" {
			return false
		}
	}
	return true
}

// ttyd flags that consume the following token.
var valueFlags = map[string]bool{
	"-p": true, "--port": true,
	"-i": true, "--interface": true,
	"-c": true, "--credential": true,
	"-H": true, "--auth-header": true,
	"-u": true, "--uid": true,
	"-g": true, "--gid": true,
	"-s": true, "--signal": true,
	"-w": true, "--cwd": true,
	"-I": true, "--index": true,
	"-b": true, "--base-path": true,
	"-P": true, "--ping-interval": true,
	"-t": true, "--client-option": true,
	"-T": true, "--terminal-type": true,
	"-m": true, "--max-clients": true,
	"-C": true, "--ssl-cert": true,
	"-K": true, "--ssl-key": true,
	"-A": true, "--ssl-ca": true,
	"-d": true, "--debug": true,
}

// ParseServerCommand parses a ttyd or "ttydeck termserve" command line. ok
// is false when args is not a terminal-server invocation.
func ParseServerCommand(args []string) (ServerCommand, bool) {
	var cmd ServerCommand
	if len(args) == 0 {
		return cmd, false
	}
	rest := args[1:]
	switch filepath.Base(args[0]) {
	case "ttyd":
	case "ttydeck":
		if len(rest) == 0 || rest[0] != "termserve" {
			return cmd, false
		}
		rest = rest[1:]
	default:
		return cmd, false
	}

	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		if tok == "--" {
			cmd.Served = rest[i+1:]
			break
		}
		if !strings.HasPrefix(tok, "-") || tok == "-" {
			cmd.Served = rest[i:]
			break
		}
		name, value, hasValue := strings.Cut(tok, "=")
		if valueFlags[name] && !hasValue {
			if i+1 >= len(rest) {
				break
			}
			i++
			value = rest[i]
		}
		switch name {
		case "-p", "--port":
			if p, err := strconv.Atoi(value); err == nil {
				cmd.Port = p
			}
		case "-m", "--max-clients":
			if n, err := strconv.Atoi(value); err == nil {
				cmd.MaxClients = n
			}
		case "-w", "--cwd":
			cmd.WorkDir = value
		case "-o", "--once":
			cmd.Once = true
		case "-W", "--writable":
			cmd.Writable = true
		}
	}
	cmd.TmuxSession = ParseTmuxAttach(cmd.Served)
	return cmd, true
}

// ParseTmuxAttach finds "tmux [opts] attach[-session] -t NAME" anywhere in
// args, including inside an unquoted "sh -c" payload.
func ParseTmuxAttach(args []string) string {
	for i, tok := range args {
		if filepath.Base(unquote(tok)) != "tmux" {
			continue
		}
		attached := false
		for j := i + 1; j < len(args); j++ {
			t := unquote(args[j])
			switch {
			case t == "attach" || t == "attach-session" || t == "a":
				attached = true
			case attached && t == "-t" && j+1 < len(args):
				return strings.TrimPrefix(unquote(args[j+1]), "=")
			case attached && strings.HasPrefix(t, "-t") && len(t) > 2:
				return strings.TrimPrefix(t[2:], "=")
			case t == ";" || t == "&&":
				attached = false
			}
		}
	}
	return ""
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}

// ExtractSessionID returns the conversation id named by --resume, -r or
// --session-id. Values that are not UUIDs are ignored.
func ExtractSessionID(args []string) string {
	for i, tok := range args {
		name, value, hasValue := strings.Cut(tok, "=")
		switch name {
		case "--resume", "-r", "--session-id":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return ""
			}
			value = args[i+1]
		}
		id, err := uuid.Parse(unquote(value))
		if err != nil {
			continue
		}
		return id.String()
	}
	return ""
}

var runtimes = map[string]bool{"node": true, "bun": true, "deno": true}

// IsTarget reports whether args launch the target binary, directly or via
// a JavaScript runtime, and are not one of the excluded wrappers.
func IsTarget(command string, args []string, target string, exclude []string) bool {
	if len(args) == 0 || target == "" {
		return false
	}
	for _, ex := range exclude {
		if ex != "" && strings.Contains(command, ex) {
			return false
		}
	}
	base := filepath.Base(args[0])
	if base == target {
		return true
	}
	return runtimes[base] && len(args) > 1 && strings.Contains(args[1], target)
}
