package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/asheshgoplani/ttydeck/internal/registry"
)

// StopOptions tune Stop.
type StopOptions struct {
	// KeepSession leaves a tmux session created by Start running.
	KeepSession bool
}

// StopResult is the outcome of Stop.
type StopResult struct {
	Success    bool   `json:"success"`
	Stopped    bool   `json:"stopped"`
	InstanceID string `json:"instance_id,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Warning    string `json:"warning,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Stop ends the session's managed instance. A session with no active record
// is already stopped.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string, opts StopOptions) (StopResult, error) {
	rec, ok := o.reg.ActiveFor(sessionID)
	if !ok {
		return StopResult{Success: true}, nil
	}
	res := StopResult{Success: true, Stopped: true, InstanceID: rec.ID, PID: rec.PID}

	if err := o.reg.MarkStopped(rec.ID); err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
		res.Success = false
		res.Error = err.Error()
		return res, fmt.Errorf("stop %s: %w", sessionID, err)
	}
	switch {
	case rec.PID <= 0:
	case !o.isServer(rec.PID):
		// A record loaded from disk can outlive its server; the pid may
		// now belong to something else.
		res.Warning = fmt.Sprintf("pid %d is not a terminal server in the last scan; not killed", rec.PID)
		lifecycleLog.Warn("stop_pid_unverified",
			slog.String("id", rec.ID),
			slog.Int("pid", rec.PID))
	default:
		if err := o.killer.KillTree(ctx, rec.PID, o.set.StopGrace); err != nil {
			res.Warning = err.Error()
			lifecycleLog.Warn("stop_kill_failed", slog.Int("pid", rec.PID), slog.String("error", err.Error()))
		}
		o.mu.Lock()
		delete(o.spawned, rec.PID)
		o.mu.Unlock()
	}
	if !opts.KeepSession && o.ownsSession(rec.TmuxSession) {
		o.dropSession(ctx, rec.TmuxSession, true)
	}
	lifecycleLog.Info("stop_succeeded",
		slog.String("session_id", sessionID),
		slog.String("id", rec.ID),
		slog.Int("pid", rec.PID))
	return res, nil
}

// PIDResult is one kill attempt.
type PIDResult struct {
	PID    int    `json:"pid"`
	Killed bool   `json:"killed"`
	Error  string `json:"error,omitempty"`
}

// KillResult aggregates per-pid outcomes.
type KillResult struct {
	Success bool        `json:"success"`
	Results []PIDResult `json:"results"`
	Killed  int         `json:"killed"`
	Failed  int         `json:"failed"`
	Error   string      `json:"error,omitempty"`
}

func (r *KillResult) add(pid int, err error) {
	pr := PIDResult{PID: pid, Killed: err == nil}
	if err != nil {
		pr.Error = err.Error()
		r.Failed++
	} else {
		r.Killed++
	}
	r.Results = append(r.Results, pr)
}

// KillAll kills every process the last snapshot attributes to sessionID,
// the servers serving them and the session's managed instance.
func (o *Orchestrator) KillAll(ctx context.Context, sessionID string) KillResult {
	pids := make(map[int]bool)
	if o.snaps != nil {
		for _, s := range o.snaps.Processes() {
			if s.SessionID != sessionID {
				continue
			}
			pids[s.PID] = true
			if s.ServerPID > 0 {
				pids[s.ServerPID] = true
			}
		}
	}

	rec, hasActive := o.reg.ActiveFor(sessionID)
	if hasActive {
		if rec.PID > 0 && o.isServer(rec.PID) {
			pids[rec.PID] = true
		}
		if err := o.reg.MarkStopped(rec.ID); err != nil {
			lifecycleLog.Warn("killall_mark_failed", slog.String("id", rec.ID), slog.String("error", err.Error()))
		}
	}

	ordered := make([]int, 0, len(pids))
	for pid := range pids {
		ordered = append(ordered, pid)
	}
	sort.Ints(ordered)

	res := KillResult{Results: []PIDResult{}}
	for _, pid := range ordered {
		res.add(pid, o.killer.KillTree(ctx, pid, o.set.StopGrace))
	}
	if hasActive && o.ownsSession(rec.TmuxSession) {
		o.dropSession(ctx, rec.TmuxSession, true)
	}
	res.Success = res.Failed == 0
	lifecycleLog.Info("killall_finished",
		slog.String("session_id", sessionID),
		slog.Int("killed", res.Killed),
		slog.Int("failed", res.Failed))
	return res
}

// KillProcess kills one pid after checking that the last snapshot lists it
// as a conversation process or the server of one.
func (o *Orchestrator) KillProcess(ctx context.Context, pid int) (KillResult, error) {
	res := KillResult{Results: []PIDResult{}}
	if pid <= 1 || pid == os.Getpid() || !o.tracked(pid) {
		err := fmt.Errorf("%w: %d", ErrNotClaudeProcess, pid)
		res.Error = err.Error()
		return res, err
	}
	err := o.killer.KillTree(ctx, pid, o.set.StopGrace)
	res.add(pid, err)
	res.Success = err == nil

	for _, rec := range o.reg.Active() {
		if rec.PID == pid {
			if mErr := o.reg.MarkStopped(rec.ID); mErr != nil {
				lifecycleLog.Warn("kill_mark_failed", slog.String("id", rec.ID), slog.String("error", mErr.Error()))
			}
		}
	}
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	lifecycleLog.Info("kill_process", slog.Int("pid", pid))
	return res, nil
}

// isServer reports whether pid is a terminal server this orchestrator
// spawned or one the last scan saw.
func (o *Orchestrator) isServer(pid int) bool {
	o.mu.Lock()
	mine := o.spawned[pid]
	o.mu.Unlock()
	if mine {
		return true
	}
	if o.snaps == nil {
		return false
	}
	for _, s := range o.snaps.Processes() {
		if s.ServerPID == pid {
			return true
		}
	}
	if src, ok := o.snaps.(ServerSource); ok {
		for _, p := range src.ServerPIDs() {
			if p == pid {
				return true
			}
		}
	}
	return false
}

func (o *Orchestrator) tracked(pid int) bool {
	if o.snaps == nil {
		return false
	}
	for _, s := range o.snaps.Processes() {
		if s.PID == pid || s.ServerPID == pid {
			return true
		}
	}
	return false
}
