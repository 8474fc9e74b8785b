package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/classify"
	"github.com/asheshgoplani/ttydeck/internal/config"
	"github.com/asheshgoplani/ttydeck/internal/convlog"
	"github.com/asheshgoplani/ttydeck/internal/engine"
	"github.com/asheshgoplani/ttydeck/internal/lifecycle"
	"github.com/asheshgoplani/ttydeck/internal/registry"
)

// newEngine is swapped in tests.
var newEngine = func(cfg *config.UserConfig) (*engine.Engine, error) {
	return engine.New(engine.Options{Config: cfg})
}

// withEngine builds an engine, takes one fresh snapshot and runs fn.
func withEngine(cfg *config.UserConfig, out *CLIOutput, fn func(ctx context.Context, e *engine.Engine) int) int {
	e, err := newEngine(cfg)
	if err != nil {
		return out.Fail(err)
	}
	defer e.Close()

	ctx := context.Background()
	e.Refresh(ctx)
	return fn(ctx, e)
}

func commandFlags(name string) (*flag.FlagSet, *bool, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("quiet", false, "Minimal output")
	fs.BoolVar(quiet, "q", false, "Minimal output (short)")
	return fs, jsonOutput, quiet
}

func parseFlags(fs *flag.FlagSet, args []string) bool {
	return fs.Parse(normalizeArgs(fs, args)) == nil
}

func projectPathFlag(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}
	return filepath.Abs(config.ExpandTilde(path))
}

func handleStatus(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("status")
	path := fs.String("path", "", "Project path (default: current directory)")
	fs.Usage = func() {
		fmt.Println("Usage: ttydeck status <session> [--path P] [--json]")
		fs.PrintDefaults()
	}
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	projectPath, err := projectPathFlag(*path)
	if err != nil {
		return out.Fail(err)
	}

	return withEngine(cfg, out, func(_ context.Context, e *engine.Engine) int {
		sessionID, err := resolveSessionArg(e, projectPath, fs.Arg(0))
		if err != nil {
			return out.Fail(err)
		}
		st := e.GetStatus(sessionID, projectPath)
		out.Print(formatStatus(st), st)
		return 0
	})
}

func formatStatus(st lifecycle.SessionStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", st.SessionID)
	if st.ProjectPath != "" {
		fmt.Fprintf(&b, "Path:    %s\n", FormatPath(st.ProjectPath))
	}
	if inst := st.ActiveInstance; inst != nil {
		fmt.Fprintf(&b, "Server:  %s %s pid=%d %s\n", inst.Strategy, inst.Status, inst.PID, inst.URL)
	} else {
		fmt.Fprintf(&b, "Server:  %s\n", dimStyle.Render("none"))
	}
	if ct := st.ConnectTarget; ct != nil && ct.Port > 0 {
		fmt.Fprintf(&b, "Connect: http://127.0.0.1:%d/ (pid %d)\n", ct.Port, ct.ServerPID)
	}
	fmt.Fprintf(&b, "Processes: %d\n", len(st.RunningProcesses))
	for _, p := range st.RunningProcesses {
		fmt.Fprintf(&b, "  %s %d %s\n", bulletSymbol, p.PID, p.Category)
	}
	for _, blk := range st.Blockers {
		fmt.Fprintf(&b, "%s %s\n", errorStyle.Render(errorSymbol), blk)
	}
	for _, w := range st.Warnings {
		fmt.Fprintf(&b, "%s\n", warnStyle.Render("warning: "+w))
	}
	if st.CanStart {
		fmt.Fprintf(&b, "%s start is safe\n", successStyle.Render(successSymbol))
	}
	return b.String()
}

func handlePS(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("ps")
	category := fs.String("category", "", "Only show one category")
	session := fs.String("session", "", "Only show one session")
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)

	return withEngine(cfg, out, func(_ context.Context, e *engine.Engine) int {
		snap := e.Snapshot()
		procs := filterProcesses(snap.Processes, classify.Category(*category), *session)
		if *jsonOutput {
			out.Print("", map[string]interface{}{
				"processes": procs,
				"counts":    classify.Counts(procs),
				"system":    snap.System,
			})
			return 0
		}
		if len(procs) == 0 {
			out.Print("No conversation processes found.\n", nil)
			return 0
		}
		out.Print(formatProcesses(procs, time.Now()), nil)
		return 0
	})
}

func filterProcesses(procs []classify.ProcessSnapshot, category classify.Category, session string) []classify.ProcessSnapshot {
	filtered := make([]classify.ProcessSnapshot, 0, len(procs))
	for _, p := range procs {
		if category != "" && p.Category != category {
			continue
		}
		if session != "" && !strings.HasPrefix(p.SessionID, session) {
			continue
		}
		filtered = append(filtered, p)
	}
	return filtered
}

func formatProcesses(procs []classify.ProcessSnapshot, now time.Time) string {
	t := newTable("PID", "CATEGORY", "SESSION", "PORT", "AGE", "PATH")
	for _, p := range procs {
		port := "-"
		if p.Port > 0 {
			port = strconv.Itoa(p.Port)
		}
		sess := "-"
		if p.SessionID != "" {
			sess = TruncateID(p.SessionID)
		}
		t.add(strconv.Itoa(p.PID), string(p.Category), sess, port,
			formatAge(p.Since(now)), FormatPath(p.ProjectPath))
	}
	return t.String()
}

func formatAge(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func parseMode(s string) (registry.Strategy, error) {
	switch registry.Strategy(s) {
	case "", registry.StrategyDirect, registry.StrategyMultiplexed, registry.StrategyFallback:
		return registry.Strategy(s), nil
	}
	return "", fmt.Errorf("invalid mode %q (want direct, multiplexed or fallback)", s)
}

func handleStart(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("start")
	path := fs.String("path", "", "Project path (default: current directory)")
	mode := fs.String("mode", "", "Strategy: direct, multiplexed or fallback")
	source := fs.String("source", "", "Viewer source: console-tab, full-window or external-terminal")
	force := fs.Bool("force", false, "Start despite blockers")
	fs.Usage = func() {
		fmt.Println("Usage: ttydeck start <session> [--path P] [--mode M] [--force]")
		fs.PrintDefaults()
	}
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	strategy, err := parseMode(*mode)
	if err != nil {
		return out.Fail(err)
	}
	projectPath, err := projectPathFlag(*path)
	if err != nil {
		return out.Fail(err)
	}

	return withEngine(cfg, out, func(ctx context.Context, e *engine.Engine) int {
		sessionID, err := resolveSessionArg(e, projectPath, fs.Arg(0))
		if err != nil {
			return out.Fail(err)
		}
		res, err := e.Start(ctx, sessionID, projectPath, lifecycle.StartOptions{
			Mode:   strategy,
			Source: string(classify.ParseSource(*source)),
			Force:  *force,
		})
		if err != nil {
			if *jsonOutput {
				out.Print("", res)
				return 1
			}
			return out.Fail(err)
		}
		msg := fmt.Sprintf("Started %s on %s (pid %d, %s)", TruncateID(res.SessionID), res.URL, res.PID, res.Strategy)
		if res.Reused {
			msg = fmt.Sprintf("Reusing server for %s on %s (pid %d)", TruncateID(res.SessionID), res.URL, res.PID)
		}
		out.Success(msg, res)
		if !*jsonOutput {
			for _, w := range res.Warnings {
				fmt.Fprintln(os.Stderr, warnStyle.Render("warning: "+w))
			}
		}
		return 0
	})
}

// resolveSessionArg expands a prefix or fuzzy query to a full session id.
// An arg that matches no log is taken as is so fresh sessions can start.
func resolveSessionArg(e *engine.Engine, projectPath, arg string) (string, error) {
	lf, err := e.ResolveSession(projectPath, arg)
	switch {
	case err == nil:
		return lf.SessionID, nil
	case errors.Is(err, convlog.ErrNoMatch):
		return arg, nil
	}
	return "", err
}

func handleStop(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("stop")
	keep := fs.Bool("keep-session", false, "Leave the tmux session running")
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)
	if fs.NArg() != 1 {
		fmt.Println("Usage: ttydeck stop <session> [--keep-session]")
		return 1
	}

	return withEngine(cfg, out, func(ctx context.Context, e *engine.Engine) int {
		sessionID, err := resolveSessionArg(e, "", fs.Arg(0))
		if err != nil {
			return out.Fail(err)
		}
		res, err := e.Stop(ctx, sessionID, lifecycle.StopOptions{KeepSession: *keep})
		if err != nil {
			return out.Fail(err)
		}
		if !res.Stopped {
			out.Success(fmt.Sprintf("No running server for %s", TruncateID(sessionID)), res)
			return 0
		}
		msg := fmt.Sprintf("Stopped %s (pid %d)", TruncateID(sessionID), res.PID)
		if res.Warning != "" {
			msg += ": " + res.Warning
		}
		out.Success(msg, res)
		return 0
	})
}

func handleKill(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("kill")
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)
	if fs.NArg() != 1 {
		fmt.Println("Usage: ttydeck kill <pid>")
		return 1
	}
	pid, err := strconv.Atoi(fs.Arg(0))
	if err != nil || pid <= 0 {
		out.Error(fmt.Sprintf("invalid pid %q", fs.Arg(0)), ErrCodeInvalidOperation)
		return 1
	}

	return withEngine(cfg, out, func(ctx context.Context, e *engine.Engine) int {
		res, err := e.KillProcess(ctx, pid)
		if err != nil {
			return out.Fail(err)
		}
		return reportKill(out, res, fmt.Sprintf("pid %d", pid))
	})
}

func handleKillAll(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("killall")
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)
	if fs.NArg() != 1 {
		fmt.Println("Usage: ttydeck killall <session>")
		return 1
	}

	return withEngine(cfg, out, func(ctx context.Context, e *engine.Engine) int {
		sessionID, err := resolveSessionArg(e, "", fs.Arg(0))
		if err != nil {
			return out.Fail(err)
		}
		return reportKill(out, e.KillAll(ctx, sessionID), TruncateID(sessionID))
	})
}

func reportKill(out *CLIOutput, res lifecycle.KillResult, what string) int {
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("killed %d, failed %d for %s", res.Killed, res.Failed, what)
		}
		if out.jsonMode {
			out.Print("", res)
		} else {
			out.Error(msg, ErrCodeInternal)
		}
		return 1
	}
	out.Success(fmt.Sprintf("Killed %d process(es) for %s", res.Killed, what), res)
	return 0
}

func parseStatuses(s string) ([]registry.Status, error) {
	if s == "" {
		return nil, nil
	}
	var out []registry.Status
	for _, part := range strings.Split(s, ",") {
		st := registry.Status(strings.TrimSpace(part))
		switch st {
		case registry.StatusStarting, registry.StatusRunning, registry.StatusStopped, registry.StatusDead:
			out = append(out, st)
		case "active":
			out = append(out, registry.StatusStarting, registry.StatusRunning)
		default:
			return nil, fmt.Errorf("invalid status %q", part)
		}
	}
	return out, nil
}

func handleInstances(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("instances")
	status := fs.String("status", "", "Comma-separated statuses (starting, running, stopped, dead, active)")
	session := fs.String("session", "", "Only records for this session")
	limit := fs.Int("limit", 0, "Maximum records to show")
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)
	statuses, err := parseStatuses(*status)
	if err != nil {
		return out.Fail(err)
	}

	return withEngine(cfg, out, func(_ context.Context, e *engine.Engine) int {
		recs := e.Instances(registry.Filter{Statuses: statuses, SessionID: *session, Limit: *limit})
		if *jsonOutput {
			out.Print("", recs)
			return 0
		}
		if len(recs) == 0 {
			out.Print("No instances.\n", nil)
			return 0
		}
		t := newTable("ID", "STATUS", "STRATEGY", "SESSION", "PID", "PORT", "STARTED", "URL")
		for _, r := range recs {
			t.add(TruncateID(r.ID), string(r.Status), string(r.Strategy), TruncateID(r.SessionID),
				strconv.Itoa(r.PID), strconv.Itoa(r.Port), r.StartedAt.Local().Format("01-02 15:04"), r.URL)
		}
		out.Print(t.String(), nil)
		return 0
	})
}

func handleIdentify(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("identify")
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)
	if fs.NArg() != 1 {
		fmt.Println("Usage: ttydeck identify <pid>")
		return 1
	}
	pid, err := strconv.Atoi(fs.Arg(0))
	if err != nil || pid <= 0 {
		out.Error(fmt.Sprintf("invalid pid %q", fs.Arg(0)), ErrCodeInvalidOperation)
		return 1
	}

	return withEngine(cfg, out, func(ctx context.Context, e *engine.Engine) int {
		res, err := e.Identify(ctx, pid)
		if err != nil {
			return out.Fail(err)
		}
		out.Success(fmt.Sprintf("pid %d is session %s (confidence %.2f)", pid, res.SessionID, res.Confidence), res)
		return 0
	})
}

func handleAudit(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("audit")
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)

	return withEngine(cfg, out, func(ctx context.Context, e *engine.Engine) int {
		res := e.DeepHealthAudit(ctx)
		msg := fmt.Sprintf("Checked %d instance(s), marked %d dead", res.Checked, len(res.MarkedDead))
		out.Success(msg, res)
		return 0
	})
}

func handleReconcile(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("reconcile")
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)

	return withEngine(cfg, out, func(ctx context.Context, e *engine.Engine) int {
		moved := e.ReconcileDrift(ctx)
		if *jsonOutput {
			out.Print("", moved)
			return 0
		}
		if len(moved) == 0 {
			out.Success("No drift", nil)
			return 0
		}
		for _, m := range moved {
			out.Success(fmt.Sprintf("%s (%s): %s -> %s", TruncateID(m.InstanceID), m.TmuxSession,
				TruncateID(m.From), TruncateID(m.To)), nil)
		}
		return 0
	})
}
