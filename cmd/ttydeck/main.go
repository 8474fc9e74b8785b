package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/ttydeck/internal/config"
	"github.com/asheshgoplani/ttydeck/internal/logging"
)

const Version = "0.4.0"

func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
func initColorProfile() {
	// TTYDECK_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("TTYDECK_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("ttydeck v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "termserve":
		// Runs as a child of the engine; keep it free of engine state.
		os.Exit(handleTermserve(args[1:]))
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	var code int
	switch args[0] {
	case "daemon":
		code = handleDaemon(cfg, args[1:])
	case "status":
		code = handleStatus(cfg, args[1:])
	case "ps":
		code = handlePS(cfg, args[1:])
	case "start":
		code = handleStart(cfg, args[1:])
	case "stop":
		code = handleStop(cfg, args[1:])
	case "kill":
		code = handleKill(cfg, args[1:])
	case "killall":
		code = handleKillAll(cfg, args[1:])
	case "instances", "ls":
		code = handleInstances(cfg, args[1:])
	case "identify":
		code = handleIdentify(cfg, args[1:])
	case "audit":
		code = handleAudit(cfg, args[1:])
	case "reconcile":
		code = handleReconcile(cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		code = 1
	}
	logging.Shutdown()
	os.Exit(code)
}

func initLogging(cfg *config.UserConfig) {
	ls := cfg.GetLogSettings()
	logging.Init(logging.Config{
		LogDir:                cfg.GetEngineSettings().DataDir,
		Level:                 ls.Level,
		Format:                ls.Format,
		MaxSizeMB:             ls.MaxSizeMB,
		MaxBackups:            ls.MaxBackups,
		MaxAgeDays:            ls.RetentionDays,
		Compress:              ls.Compress,
		RingBufferSize:        ls.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: ls.AggregateIntervalS,
		PprofEnabled:          ls.PprofEnabled,
		Debug:                 os.Getenv("TTYDECK_DEBUG") != "",
	})
}

func printHelp() {
	fmt.Println("ttydeck - terminal servers for long-running conversation sessions")
	fmt.Println()
	fmt.Println("Usage: ttydeck <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  daemon                       Poll processes and audit instances until stopped")
	fmt.Println("  status <session> [--path P]  Show what runs for a session and whether start is safe")
	fmt.Println("  ps                           List classified conversation processes")
	fmt.Println("  start <session> --path P     Start a terminal server for a session")
	fmt.Println("  stop <session>               Stop the session's managed server")
	fmt.Println("  kill <pid>                   Kill one tracked conversation or server process")
	fmt.Println("  killall <session>            Kill every process attributed to a session")
	fmt.Println("  instances                    List instance records")
	fmt.Println("  identify <pid>               Identify the session shown in a tmux pane")
	fmt.Println("  audit                        Run the deep health audit now")
	fmt.Println("  reconcile                    Reassign records whose pane shows another session")
	fmt.Println("  termserve [flags] -- cmd     Built-in terminal server (ttyd-compatible flags)")
	fmt.Println("  version                      Show version")
	fmt.Println()
	fmt.Println("Most commands accept --json for machine-readable output.")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %-20s data directory (default ~/%s)\n", config.HomeEnv, config.DirName)
	fmt.Printf("  %-20s Claude config directory\n", config.ClaudeConfigDirEnv)
	fmt.Printf("  %-20s color profile: truecolor, 256, 16, none\n", "TTYDECK_COLOR")
}
