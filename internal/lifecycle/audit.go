package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/asheshgoplani/ttydeck/internal/logging"
	"github.com/asheshgoplani/ttydeck/internal/registry"
)

// Reassignment is one drift correction.
type Reassignment struct {
	InstanceID  string `json:"instance_id"`
	TmuxSession string `json:"tmux_session"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// ReconcileDrift points multiplexed records at the session their pane now
// shows. The server keeps serving the same pane.
func (o *Orchestrator) ReconcileDrift(ctx context.Context) []Reassignment {
	if o.snaps == nil {
		return nil
	}
	observed := make(map[string]string)
	for _, s := range o.snaps.Processes() {
		if s.PaneSession == "" || s.SessionID == "" {
			continue
		}
		observed[s.PaneSession] = s.SessionID
	}

	var out []Reassignment
	for _, rec := range o.reg.Active() {
		if rec.TmuxSession == "" {
			continue
		}
		now, ok := observed[rec.TmuxSession]
		if !ok || now == rec.SessionID {
			continue
		}
		if err := o.reg.Reassign(rec.ID, now); err != nil {
			logging.Aggregate(logging.CompLifecycle, "drift_reassign_failed",
				slog.String("id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		out = append(out, Reassignment{InstanceID: rec.ID, TmuxSession: rec.TmuxSession, From: rec.SessionID, To: now})
		lifecycleLog.Info("drift_reassigned",
			slog.String("id", rec.ID),
			slog.String("tmux_session", rec.TmuxSession),
			slog.String("from", rec.SessionID),
			slog.String("to", now))
	}
	return out
}

// AuditResult is the outcome of one deep audit.
type AuditResult struct {
	Checked    int      `json:"checked"`
	MarkedDead []string `json:"marked_dead"`
	// SessionsListed is false when no multiplexed record needed the
	// session list or the list could not be read.
	SessionsListed bool `json:"sessions_listed"`
}

// DeepHealthAudit checks every active multiplexed record: its server and
// backing pid must be alive and its tmux session must exist. Sessions are
// listed once for the whole pass.
func (o *Orchestrator) DeepHealthAudit(ctx context.Context) AuditResult {
	res := AuditResult{MarkedDead: []string{}}
	var recs []registry.Record
	for _, rec := range o.reg.Active() {
		if rec.Strategy == registry.StrategyMultiplexed && rec.PID > 0 {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return res
	}
	res.Checked = len(recs)

	var sessions map[string]bool
	if o.tmux != nil {
		if names, err := o.tmux.ListSessions(ctx); err == nil {
			sessions = make(map[string]bool, len(names))
			for _, n := range names {
				sessions[n] = true
			}
			res.SessionsListed = true
		} else {
			logging.Aggregate(logging.CompLifecycle, "audit_list_sessions_failed", slog.String("error", err.Error()))
		}
	}

	for _, rec := range recs {
		reason := ""
		switch {
		case !o.killer.Alive(rec.PID):
			reason = "server process not alive"
		case rec.BackingPID > 0 && !o.killer.Alive(rec.BackingPID):
			reason = "backing process not alive"
			o.killOrphan(ctx, rec)
		case sessions != nil && rec.TmuxSession != "" && !sessions[rec.TmuxSession]:
			reason = "tmux session missing"
			o.killOrphan(ctx, rec)
		}
		if reason == "" {
			o.reg.Touch(rec.ID)
			continue
		}
		if err := o.reg.MarkDead(rec.ID, reason); err != nil {
			if !errors.Is(err, registry.ErrInvalidTransition) {
				lifecycleLog.Warn("audit_mark_failed", slog.String("id", rec.ID), slog.String("error", err.Error()))
			}
			continue
		}
		res.MarkedDead = append(res.MarkedDead, rec.ID)
		lifecycleLog.Info("audit_marked_dead",
			slog.String("id", rec.ID),
			slog.String("session_id", rec.SessionID),
			slog.String("reason", reason))
	}
	return res
}

// killOrphan ends a server that is still listening after what it serves
// went away. A pid no scan ties to a server is left alone.
func (o *Orchestrator) killOrphan(ctx context.Context, rec registry.Record) {
	if !o.isServer(rec.PID) {
		lifecycleLog.Warn("audit_pid_unverified", slog.String("id", rec.ID), slog.Int("pid", rec.PID))
		return
	}
	if err := o.killer.KillTree(ctx, rec.PID, o.set.StopGrace); err != nil {
		lifecycleLog.Warn("audit_kill_failed", slog.Int("pid", rec.PID), slog.String("error", err.Error()))
	}
}

// Sweep marks running records whose server pid has exited as dead. Direct
// servers exit on their own when their one client leaves.
func (o *Orchestrator) Sweep() int {
	n := 0
	for _, rec := range o.reg.List(registry.Filter{Statuses: []registry.Status{registry.StatusRunning}}) {
		if rec.PID <= 0 || o.killer.Alive(rec.PID) {
			continue
		}
		if err := o.reg.MarkDead(rec.ID, "server exited"); err == nil {
			n++
		}
	}
	return n
}

// ReservedPorts returns ports held by in-flight starts.
func (o *Orchestrator) ReservedPorts() []int {
	return o.ports.Reserved()
}
