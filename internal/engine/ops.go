package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/asheshgoplani/ttydeck/internal/classify"
	"github.com/asheshgoplani/ttydeck/internal/convlog"
	"github.com/asheshgoplani/ttydeck/internal/identify"
	"github.com/asheshgoplani/ttydeck/internal/lifecycle"
	"github.com/asheshgoplani/ttydeck/internal/registry"
	"github.com/asheshgoplani/ttydeck/internal/statuscache"
)

// Processes returns the last classified processes without scanning.
func (e *Engine) Processes() []classify.ProcessSnapshot {
	return e.cache.Processes()
}

// Snapshot returns the last published snapshot without scanning.
func (e *Engine) Snapshot() *statuscache.Snapshot {
	return e.cache.Snapshot()
}

// Refresh runs one poll now and returns the resulting snapshot. When a
// poll is already running the current snapshot is returned.
func (e *Engine) Refresh(ctx context.Context) *statuscache.Snapshot {
	e.cache.Poll(ctx)
	return e.cache.Snapshot()
}

// GetStatus reports what is running for a session and whether a start
// would be safe.
func (e *Engine) GetStatus(sessionID, projectPath string) lifecycle.SessionStatus {
	return e.orch.GetStatus(sessionID, projectPath)
}

// Start brings up a terminal server for the session.
func (e *Engine) Start(ctx context.Context, sessionID, projectPath string, opts lifecycle.StartOptions) (lifecycle.StartResult, error) {
	return e.orch.Start(ctx, sessionID, projectPath, opts)
}

// Stop ends the session's managed instance.
func (e *Engine) Stop(ctx context.Context, sessionID string, opts lifecycle.StopOptions) (lifecycle.StopResult, error) {
	return e.orch.Stop(ctx, sessionID, opts)
}

// KillAll kills everything attributed to the session.
func (e *Engine) KillAll(ctx context.Context, sessionID string) lifecycle.KillResult {
	return e.orch.KillAll(ctx, sessionID)
}

// KillProcess kills one tracked conversation or server pid.
func (e *Engine) KillProcess(ctx context.Context, pid int) (lifecycle.KillResult, error) {
	return e.orch.KillProcess(ctx, pid)
}

// Instances lists registry records, newest first.
func (e *Engine) Instances(f registry.Filter) []registry.Public {
	recs := e.reg.List(f)
	out := make([]registry.Public, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Project())
	}
	return out
}

// ReconcileDrift reassigns records whose pane now shows another session.
func (e *Engine) ReconcileDrift(ctx context.Context) []lifecycle.Reassignment {
	return e.orch.ReconcileDrift(ctx)
}

// DeepHealthAudit checks every multiplexed record end to end.
func (e *Engine) DeepHealthAudit(ctx context.Context) lifecycle.AuditResult {
	return e.orch.DeepHealthAudit(ctx)
}

// Identify runs the session identifier for a pane-hosted pid in the
// foreground. A cached result is returned as is.
func (e *Engine) Identify(ctx context.Context, pid int) (*identify.Result, error) {
	snap, ok := findPID(e.cache.Processes(), pid)
	if !ok {
		snap, ok = findPID(e.Refresh(ctx).Processes, pid)
	}
	if !ok {
		return nil, fmt.Errorf("identify %d: %w", pid, lifecycle.ErrNotClaudeProcess)
	}
	if snap.PaneSession == "" {
		return nil, fmt.Errorf("identify %d: %w", pid, ErrNotInPane)
	}
	res, _, err := e.ident.IdentifyForPID(ctx, pid, snap.PaneSession, snap.ProjectPath, snap.StartTime)
	if err != nil {
		return nil, fmt.Errorf("identify %d: %w", pid, err)
	}
	return res, nil
}

func findPID(snaps []classify.ProcessSnapshot, pid int) (classify.ProcessSnapshot, bool) {
	for _, s := range snaps {
		if s.PID == pid {
			return s, true
		}
	}
	return classify.ProcessSnapshot{}, false
}

type allLister interface {
	ListAll() ([]convlog.LogFile, error)
}

// ResolveSession maps an id, id prefix or fuzzy query to a conversation
// log. Logs of projectPath are searched before every project.
func (e *Engine) ResolveSession(projectPath, query string) (convlog.LogFile, error) {
	if projectPath != "" {
		logs, err := e.logs.ListLogs(projectPath)
		if err == nil && len(logs) > 0 {
			lf, err := convlog.Resolve(logs, query)
			if err == nil || errors.Is(err, convlog.ErrAmbiguous) {
				return lf, err
			}
		}
	}
	all, ok := e.logs.(allLister)
	if !ok {
		return convlog.LogFile{}, fmt.Errorf("%w: %q", convlog.ErrNoMatch, query)
	}
	logs, err := all.ListAll()
	if err != nil {
		return convlog.LogFile{}, fmt.Errorf("list conversation logs: %w", err)
	}
	return convlog.Resolve(logs, query)
}
