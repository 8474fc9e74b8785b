package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/ttydeck/internal/convlog"
	"github.com/asheshgoplani/ttydeck/internal/engine"
	"github.com/asheshgoplani/ttydeck/internal/lifecycle"
	"github.com/asheshgoplani/ttydeck/internal/registry"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "stop my-session --json" silently ignores --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// CLIOutput handles consistent output formatting across all CLI commands
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
	out       io.Writer
	errOut    io.Writer
}

// NewCLIOutput creates a new CLI output handler
func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{jsonMode: jsonMode, quietMode: quietMode, out: os.Stdout, errOut: os.Stderr}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", successStyle.Render(successSymbol), message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message string, code string) {
	if c.jsonMode {
		c.printJSON(map[string]interface{}{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(c.errOut, "%s %s\n", errorStyle.Render("Error:"), message)
}

// Fail prints err with its code and returns the exit status.
func (c *CLIOutput) Fail(err error) int {
	c.Error(err.Error(), errorCode(err))
	return 1
}

// Print prints data (human-readable or JSON)
func (c *CLIOutput) Print(humanOutput string, jsonData interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Fprint(c.out, humanOutput)
}

func (c *CLIOutput) printJSON(data interface{}) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(c.errOut, "Error: failed to format JSON: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(output))
}

// Symbols for human-readable output
const (
	successSymbol = "✓"
	errorSymbol   = "✕"
	bulletSymbol  = "•"
)

// Error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAmbiguous        = "AMBIGUOUS"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeAlreadyRunning   = "ALREADY_RUNNING"
	ErrCodeInProgress       = "START_IN_PROGRESS"
	ErrCodeSafety           = "SAFETY_VIOLATION"
	ErrCodePortExhausted    = "PORT_EXHAUSTED"
	ErrCodeBinaryMissing    = "SERVER_BINARY_MISSING"
	ErrCodeSpawnHealth      = "SPAWN_HEALTH_FAILED"
	ErrCodeNotTracked       = "NOT_TRACKED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// errorCode maps an error to its CLI code.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, lifecycle.ErrAlreadyRunning), errors.Is(err, registry.ErrActiveInstanceExists):
		return ErrCodeAlreadyRunning
	case errors.Is(err, lifecycle.ErrStartInProgress):
		return ErrCodeInProgress
	case errors.Is(err, lifecycle.ErrSafetyViolation):
		return ErrCodeSafety
	case errors.Is(err, lifecycle.ErrPortExhausted):
		return ErrCodePortExhausted
	case errors.Is(err, lifecycle.ErrServerBinaryMissing):
		return ErrCodeBinaryMissing
	case errors.Is(err, lifecycle.ErrSpawnHealth):
		return ErrCodeSpawnHealth
	case errors.Is(err, lifecycle.ErrNotClaudeProcess):
		return ErrCodeNotTracked
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, convlog.ErrNoMatch):
		return ErrCodeNotFound
	case errors.Is(err, convlog.ErrAmbiguous):
		return ErrCodeAmbiguous
	case errors.Is(err, lifecycle.ErrInvalidSession), errors.Is(err, engine.ErrNotInPane),
		errors.Is(err, registry.ErrInvalidTransition):
		return ErrCodeInvalidOperation
	}
	return ErrCodeInternal
}

// truncate shortens s to max display cells.
func truncate(s string, max int) string {
	if max <= 0 || runewidth.StringWidth(s) <= max {
		return s
	}
	if max <= 1 {
		return runewidth.Truncate(s, max, "")
	}
	return runewidth.Truncate(s, max, "…")
}

// TruncateID returns a shortened ID for display
func TruncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatPath shortens a path by replacing home directory with ~
func FormatPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home || strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}
