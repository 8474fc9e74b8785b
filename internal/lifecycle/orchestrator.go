// Package lifecycle starts, tracks and tears down terminal servers for
// conversation sessions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/asheshgoplani/ttydeck/internal/classify"
	"github.com/asheshgoplani/ttydeck/internal/config"
	"github.com/asheshgoplani/ttydeck/internal/logging"
	"github.com/asheshgoplani/ttydeck/internal/registry"
	"github.com/asheshgoplani/ttydeck/internal/tmux"
)

var lifecycleLog = logging.ForComponent(logging.CompLifecycle)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SnapshotSource returns the latest classified processes without scanning.
type SnapshotSource interface {
	Processes() []classify.ProcessSnapshot
}

// ServerSource lists the pids of the latest scan whose command line is a
// terminal server. A SnapshotSource may implement it.
type ServerSource interface {
	ServerPIDs() []int
}

// Killer terminates process trees.
type Killer interface {
	Alive(pid int) bool
	KillTree(ctx context.Context, pid int, grace time.Duration) error
}

// Settings are the orchestrator's tunables.
type Settings struct {
	PortMin, PortMax int
	// Binary is the terminal server. Empty means this executable in
	// termserve mode.
	Binary       string
	ClaudeBinary string
	TmuxPrefix   string
	MinChars     int

	BindTimeout   time.Duration
	HealthTimeout time.Duration
	StartWait     time.Duration
	StopGrace     time.Duration

	// LockDir holds per-session cross-process start locks. Empty disables
	// them.
	LockDir string
}

// SettingsFromConfig maps user settings.
func SettingsFromConfig(cfg *config.UserConfig) Settings {
	ports := cfg.GetPortSettings()
	srv := cfg.GetServerSettings()
	eng := cfg.GetEngineSettings()
	s := Settings{
		PortMin:       ports.Min,
		PortMax:       ports.Max,
		Binary:        srv.Binary,
		ClaudeBinary:  cfg.GetClaudeSettings().Binary,
		TmuxPrefix:    srv.TmuxPrefix,
		MinChars:      srv.ContentMinChars,
		BindTimeout:   srv.BindTimeout(),
		HealthTimeout: srv.HealthTimeout(),
		StartWait:     srv.StartWait(),
		StopGrace:     srv.StopGrace(),
	}
	if eng.DataDir != "" {
		s.LockDir = filepath.Join(eng.DataDir, "locks")
	}
	return s
}

// Deps are the collaborators. Tmux may be nil when no multiplexer exists.
type Deps struct {
	Registry  *registry.Registry
	Snapshots SnapshotSource
	Tmux      tmux.Adapter
	Killer    Killer
	Prober    Prober
	Spawner   Spawner
	Health    HealthChecker
}

// Orchestrator decides whether a start is safe and runs it.
type Orchestrator struct {
	reg     *registry.Registry
	snaps   SnapshotSource
	tmux    tmux.Adapter
	killer  Killer
	probe   Prober
	spawner Spawner
	health  HealthChecker
	set     Settings
	ports   *portAllocator

	mu       sync.Mutex
	starting map[string]*startCall
	// spawned holds server pids this orchestrator started.
	spawned map[int]bool
}

type startCall struct {
	done chan struct{}
	res  StartResult
	err  error
}

// New builds an Orchestrator.
func New(d Deps, s Settings) *Orchestrator {
	if d.Prober == nil {
		d.Prober = OSProber{}
	}
	if d.Spawner == nil {
		d.Spawner = ExecSpawner{}
	}
	if d.Health == nil {
		d.Health = NewHTTPHealth(d.Tmux)
	}
	if s.ClaudeBinary == "" {
		s.ClaudeBinary = "claude"
	}
	return &Orchestrator{
		reg:      d.Registry,
		snaps:    d.Snapshots,
		tmux:     d.Tmux,
		killer:   d.Killer,
		probe:    d.Prober,
		spawner:  d.Spawner,
		health:   d.Health,
		set:      s,
		ports:    newPortAllocator(s.PortMin, s.PortMax, d.Prober),
		starting: make(map[string]*startCall),
		spawned:  make(map[int]bool),
	}
}

// SessionStatus is the start-safety verdict for one session.
type SessionStatus struct {
	SessionID        string                     `json:"session_id"`
	ProjectPath      string                     `json:"project_path,omitempty"`
	RunningProcesses []classify.ProcessSnapshot `json:"running_processes"`
	ActiveInstance   *registry.Public           `json:"active_instance,omitempty"`
	ConnectTarget    *classify.ProcessSnapshot  `json:"connect_target,omitempty"`
	CanStart         bool                       `json:"can_start"`
	// Blockers are the safety problems force may bypass.
	Blockers []string `json:"blockers,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// GetStatus merges the latest classification with the registry.
func (o *Orchestrator) GetStatus(sessionID, projectPath string) SessionStatus {
	st := SessionStatus{
		SessionID:        sessionID,
		ProjectPath:      projectPath,
		RunningProcesses: []classify.ProcessSnapshot{},
	}
	rec, hasActive := o.reg.ActiveFor(sessionID)
	if hasActive {
		pub := rec.Project()
		st.ActiveInstance = &pub
	}

	var snaps []classify.ProcessSnapshot
	if o.snaps != nil {
		snaps = o.snaps.Processes()
	}
	var attached *classify.ProcessSnapshot
	for i := range snaps {
		s := snaps[i]
		own := s.SessionID != "" && s.SessionID == sessionID
		sameProject := s.SessionID == "" && projectPath != "" && s.ProjectPath == projectPath
		if !own && !sameProject {
			continue
		}
		st.RunningProcesses = append(st.RunningProcesses, s)
		if hasActive && rec.PID > 0 && s.ServerPID == rec.PID {
			continue
		}

		if own {
			switch s.Category {
			case classify.CategoryUnmanagedMultiplexer:
			case classify.CategoryMultiplexerAttached:
				if attached == nil {
					attached = &snaps[i]
				}
			default:
				st.Blockers = append(st.Blockers,
					fmt.Sprintf("session is already open in pid %d (%s)", s.PID, s.Category))
			}
			continue
		}

		switch s.Category {
		case classify.CategoryUnmanagedTerminal, classify.CategoryWrapperTracked:
			st.Blockers = append(st.Blockers,
				fmt.Sprintf("unidentified claude pid %d in this project may write the same log", s.PID))
		case classify.CategoryUnmanagedMultiplexer:
			st.Warnings = append(st.Warnings,
				fmt.Sprintf("unidentified tmux pane %q in this project", s.PaneSession))
		default:
			st.Warnings = append(st.Warnings,
				fmt.Sprintf("unidentified claude pid %d (%s) in this project", s.PID, s.Category))
		}
	}

	if t, ok := classify.ConnectTarget(snaps, sessionID, projectPath); ok {
		st.ConnectTarget = &t
		if t.SessionID == "" {
			st.Warnings = append(st.Warnings,
				fmt.Sprintf("tmux pane %q chosen by recency; it may show a different conversation", t.PaneSession))
		}
	} else if attached != nil {
		st.ConnectTarget = attached
	}
	st.CanStart = !hasActive && len(st.Blockers) == 0
	return st
}

// StartOptions are caller intent for Start.
type StartOptions struct {
	// Mode selects the strategy. Empty picks multiplexed when tmux is
	// available and fallback otherwise.
	Mode   registry.Strategy
	Source string
	// Force bypasses blockers but never an already running instance.
	Force bool
}

// StartResult is the outcome of Start.
type StartResult struct {
	Success     bool              `json:"success"`
	InstanceID  string            `json:"instance_id,omitempty"`
	SessionID   string            `json:"session_id"`
	Port        int               `json:"port,omitempty"`
	PID         int               `json:"pid,omitempty"`
	URL         string            `json:"url,omitempty"`
	Strategy    registry.Strategy `json:"strategy,omitempty"`
	TmuxSession string            `json:"tmux_session,omitempty"`
	// Reused is set when an existing server was returned instead of
	// spawning.
	Reused   bool     `json:"reused,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func failed(res StartResult, err error) (StartResult, error) {
	res.Success = false
	res.Error = err.Error()
	return res, err
}

// Start launches a terminal server for sessionID. Only one start per
// session runs at a time; a concurrent caller waits up to StartWait for the
// first and returns its result, or ErrStartInProgress.
func (o *Orchestrator) Start(ctx context.Context, sessionID, projectPath string, opts StartOptions) (res StartResult, err error) {
	res.SessionID = sessionID
	if !sessionIDPattern.MatchString(sessionID) {
		return failed(res, ErrInvalidSession)
	}

	o.mu.Lock()
	if call, ok := o.starting[sessionID]; ok {
		o.mu.Unlock()
		lifecycleLog.Info("start_waiting_for_inflight", slog.String("session_id", sessionID))
		select {
		case <-call.done:
			return call.res, call.err
		case <-time.After(o.set.StartWait):
		case <-ctx.Done():
		}
		return failed(res, ErrStartInProgress)
	}
	call := &startCall{done: make(chan struct{})}
	o.starting[sessionID] = call
	o.mu.Unlock()

	defer func() {
		call.res, call.err = res, err
		o.mu.Lock()
		delete(o.starting, sessionID)
		o.mu.Unlock()
		close(call.done)
	}()

	if o.set.LockDir != "" {
		if mkErr := os.MkdirAll(o.set.LockDir, 0o700); mkErr == nil {
			lk := flock.New(filepath.Join(o.set.LockDir, "start-"+sessionID+".lock"))
			locked, lockErr := lk.TryLock()
			if lockErr != nil || !locked {
				return failed(res, ErrStartInProgress)
			}
			defer func() { _ = lk.Unlock() }()
		}
	}

	// A start runs to completion once begun; only the health phase has a
	// deadline.
	return o.start(context.WithoutCancel(ctx), sessionID, projectPath, opts)
}

func (o *Orchestrator) start(ctx context.Context, sessionID, projectPath string, opts StartOptions) (StartResult, error) {
	res := StartResult{SessionID: sessionID}

	bin, prefix, err := o.resolveBinary()
	if err != nil {
		return failed(res, err)
	}

	if err := o.reg.Sync(); err != nil {
		lifecycleLog.Warn("start_registry_sync_failed", slog.String("error", err.Error()))
	}
	st := o.GetStatus(sessionID, projectPath)
	if st.ActiveInstance != nil {
		a := st.ActiveInstance
		res.InstanceID, res.Port, res.PID, res.URL = a.ID, a.Port, a.PID, a.URL
		res.Strategy, res.TmuxSession = a.Strategy, a.TmuxSession
		return failed(res, ErrAlreadyRunning)
	}
	strategy := o.pickStrategy(opts.Mode)
	res.Strategy = strategy

	res.Warnings = st.Warnings
	blockers := st.Blockers
	if strategy != registry.StrategyMultiplexed {
		blockers = append(blockers, paneWriters(st)...)
	}
	if len(blockers) > 0 {
		if !opts.Force {
			return failed(res, fmt.Errorf("%w: %s", ErrSafetyViolation, strings.Join(blockers, "; ")))
		}
		lifecycleLog.Warn("start_force_bypass",
			slog.String("session_id", sessionID),
			slog.String("strategy", string(strategy)),
			slog.Any("blockers", blockers))
		res.Warnings = append(res.Warnings, blockers...)
	}

	var reuse string
	if strategy == registry.StrategyMultiplexed && st.ConnectTarget != nil {
		t := st.ConnectTarget
		if t.ServerAttached && t.Port > 0 {
			res.Success, res.Reused = true, true
			res.Port, res.PID, res.TmuxSession = t.Port, t.ServerPID, t.PaneSession
			res.URL = fmt.Sprintf("http://127.0.0.1:%d/", t.Port)
			lifecycleLog.Info("start_reused_server",
				slog.String("session_id", sessionID),
				slog.Int("port", t.Port))
			return res, nil
		}
		reuse = t.PaneSession
	}

	port, err := o.ports.reserve(o.reg.ActivePorts())
	if err != nil {
		return failed(res, err)
	}
	defer o.ports.release(port)
	res.Port = port

	var (
		tmuxName string
		created  bool
		served   []string
	)
	if strategy == registry.StrategyMultiplexed {
		tmuxName, created, err = o.prepareSession(ctx, sessionID, projectPath, reuse)
		if err != nil {
			return failed(res, err)
		}
		served = o.tmux.AttachArgs(tmuxName)
		res.TmuxSession = tmuxName
		res.Reused = reuse != ""
	} else {
		served = []string{o.set.ClaudeBinary, "--resume", sessionID}
	}

	rec, err := o.reg.Create(registry.Record{
		Port:        port,
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Strategy:    strategy,
		Source:      opts.Source,
		TmuxSession: tmuxName,
	})
	if err != nil {
		o.dropSession(ctx, tmuxName, created)
		return failed(res, err)
	}
	res.InstanceID = rec.ID

	pid, err := o.spawner.Spawn(ctx, SpawnRequest{
		Binary:  bin,
		Args:    serverArgs(prefix, port, strategy, projectPath, served),
		WorkDir: projectPath,
		Port:    port,
	})
	if err != nil {
		_ = o.reg.MarkDead(rec.ID, "spawn failed: "+err.Error())
		o.dropSession(ctx, tmuxName, created)
		return failed(res, fmt.Errorf("%w: spawn: %v", ErrSpawnHealth, err))
	}
	res.PID = pid
	o.mu.Lock()
	o.spawned[pid] = true
	o.mu.Unlock()

	backing := 0
	if tmuxName != "" {
		if bp, err := o.tmux.PanePID(ctx, tmuxName); err == nil {
			backing = bp
		}
	}
	if _, err := o.reg.Update(rec.ID, func(r *registry.Record) {
		r.PID = pid
		r.BackingPID = backing
	}); err != nil {
		lifecycleLog.Warn("start_record_update_failed", slog.String("id", rec.ID), slog.String("error", err.Error()))
	}

	if err := o.probe.WaitListening(ctx, port, o.set.BindTimeout); err != nil {
		o.teardown(ctx, rec.ID, pid, tmuxName, created, "port never bound")
		return failed(res, fmt.Errorf("%w: %v", ErrSpawnHealth, err))
	}

	hctx, cancel := context.WithTimeout(ctx, o.set.HealthTimeout)
	err = o.health.Check(hctx, HealthTarget{Port: port, TmuxSession: tmuxName, MinChars: o.set.MinChars})
	cancel()
	if err != nil {
		o.teardown(ctx, rec.ID, pid, tmuxName, created, "health check failed: "+err.Error())
		return failed(res, fmt.Errorf("%w: %v", ErrSpawnHealth, err))
	}

	if err := o.reg.MarkRunning(rec.ID); err != nil {
		// Stopped by another caller while starting.
		o.teardown(ctx, rec.ID, pid, tmuxName, created, "stopped during start")
		return failed(res, fmt.Errorf("start interrupted: %w", err))
	}

	res.Success = true
	res.URL = fmt.Sprintf("http://127.0.0.1:%d/", port)
	lifecycleLog.Info("start_succeeded",
		slog.String("session_id", sessionID),
		slog.String("strategy", string(strategy)),
		slog.Int("port", port),
		slog.Int("pid", pid))
	return res, nil
}

// paneWriters lists the tmux panes already running the session. A
// multiplexed start attaches to them; any other strategy would resume the
// conversation a second time and write the same log.
func paneWriters(st SessionStatus) []string {
	var out []string
	for _, s := range st.RunningProcesses {
		if s.SessionID != st.SessionID {
			continue
		}
		switch s.Category {
		case classify.CategoryUnmanagedMultiplexer, classify.CategoryMultiplexerAttached:
			out = append(out, fmt.Sprintf(
				"session is already running in tmux pane %q (pid %d); start in multiplexed mode to attach", s.PaneSession, s.PID))
		}
	}
	return out
}

// prepareSession reuses or creates the tmux session and applies the keep
// alive options.
func (o *Orchestrator) prepareSession(ctx context.Context, sessionID, projectPath, reuse string) (string, bool, error) {
	name, created := reuse, false
	if name == "" {
		name = o.tmuxName(sessionID)
		exists, err := o.tmux.HasSession(ctx, name)
		if err != nil {
			return "", false, fmt.Errorf("check tmux session: %w", err)
		}
		if !exists {
			cmd := o.set.ClaudeBinary + " --resume " + sessionID
			if err := o.tmux.NewSession(ctx, name, projectPath, cmd); err != nil {
				return "", false, err
			}
			created = true
		}
	}
	if err := o.tmux.SetOptions(ctx, name, tmux.KeepAliveOptions); err != nil {
		lifecycleLog.Warn("tmux_options_failed", slog.String("session", name), slog.String("error", err.Error()))
	}
	return name, created, nil
}

func (o *Orchestrator) dropSession(ctx context.Context, name string, created bool) {
	if name == "" || !created || o.tmux == nil {
		return
	}
	if err := o.tmux.KillSession(ctx, name); err != nil {
		lifecycleLog.Warn("tmux_cleanup_failed", slog.String("session", name), slog.String("error", err.Error()))
	}
}

// teardown kills a failed spawn and marks its record dead.
func (o *Orchestrator) teardown(ctx context.Context, id string, pid int, tmuxName string, created bool, reason string) {
	if pid > 0 && o.killer != nil {
		if err := o.killer.KillTree(ctx, pid, o.set.StopGrace); err != nil {
			lifecycleLog.Warn("teardown_kill_failed", slog.Int("pid", pid), slog.String("error", err.Error()))
		}
	}
	o.dropSession(ctx, tmuxName, created)
	if err := o.reg.MarkDead(id, reason); err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
		lifecycleLog.Warn("teardown_mark_dead_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	lifecycleLog.Warn("start_failed", slog.String("id", id), slog.Int("pid", pid), slog.String("reason", reason))
}

func (o *Orchestrator) pickStrategy(mode registry.Strategy) registry.Strategy {
	switch mode {
	case registry.StrategyDirect, registry.StrategyFallback:
		return mode
	}
	if o.tmux != nil && o.tmux.Available() {
		return registry.StrategyMultiplexed
	}
	if mode == registry.StrategyMultiplexed {
		lifecycleLog.Info("tmux_unavailable_fallback")
	}
	return registry.StrategyFallback
}

var tmuxUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func (o *Orchestrator) tmuxName(sessionID string) string {
	return o.set.TmuxPrefix + tmuxUnsafe.ReplaceAllString(sessionID, "_")
}

// ownsSession reports whether name was created by this tool.
func (o *Orchestrator) ownsSession(name string) bool {
	return name != "" && o.set.TmuxPrefix != "" && strings.HasPrefix(name, o.set.TmuxPrefix)
}

// resolveBinary returns the server path and the arguments that put it in
// server mode.
func (o *Orchestrator) resolveBinary() (string, []string, error) {
	if o.set.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrServerBinaryMissing, err)
		}
		return exe, []string{"termserve"}, nil
	}
	path, err := exec.LookPath(o.set.Binary)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s (install ttyd or unset server.binary)", ErrServerBinaryMissing, o.set.Binary)
	}
	if strings.HasPrefix(filepath.Base(path), "ttydeck") {
		return path, []string{"termserve"}, nil
	}
	return path, nil, nil
}

// serverArgs builds a ttyd-compatible command line.
func serverArgs(prefix []string, port int, strategy registry.Strategy, workDir string, served []string) []string {
	args := append([]string{}, prefix...)
	args = append(args, "-p", strconv.Itoa(port), "-W")
	switch strategy {
	case registry.StrategyDirect:
		args = append(args, "-o")
	case registry.StrategyFallback:
		args = append(args, "-m", "1")
	}
	if workDir != "" {
		args = append(args, "-w", workDir)
	}
	args = append(args, "--")
	return append(args, served...)
}
