package classify

import (
	"time"

	"github.com/asheshgoplani/ttydeck/internal/convlog"
)

// Proximity guesses a session from log timestamps near process start.
type Proximity struct {
	Logs   convlog.Lister
	Window time.Duration
}

// Match returns the log whose creation or modification time is closest to
// start, provided it lies inside the window and no other log is as close.
func (p Proximity) Match(projectPath string, start time.Time) (string, bool) {
	if p.Logs == nil || projectPath == "" || start.IsZero() {
		return "", false
	}
	logs, err := p.Logs.ListLogs(projectPath)
	if err != nil || len(logs) == 0 {
		return "", false
	}

	best := ""
	bestDist := time.Duration(-1)
	tied := false
	for _, l := range logs {
		d := distance(l.BirthTime, start)
		if m := distance(l.ModTime, start); d < 0 || (m >= 0 && m < d) {
			d = m
		}
		if d < 0 || d > p.Window {
			continue
		}
		switch {
		case bestDist < 0 || d < bestDist:
			best, bestDist, tied = l.SessionID, d, false
		case d == bestDist:
			tied = true
		}
	}
	if best == "" || tied {
		return "", false
	}
	return best, true
}

// distance is |a-b|, or -1 when a is unset.
func distance(a, b time.Time) time.Duration {
	if a.IsZero() {
		return -1
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}
