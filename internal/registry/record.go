// Package registry is the persisted set of terminal-server launch records.
package registry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrActiveInstanceExists is returned when a session already has a
	// starting or running record.
	ErrActiveInstanceExists = errors.New("an active instance already exists for this session")
	// ErrInvalidTransition is returned for status changes that leave a
	// terminal state or go backwards.
	ErrInvalidTransition = errors.New("invalid instance status transition")
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("instance record not found")
)

// Strategy is how a terminal server was spawned.
type Strategy string

const (
	// StrategyDirect serves one exclusive client and exits when it leaves.
	StrategyDirect Strategy = "direct"
	// StrategyMultiplexed attaches viewers to a shared tmux session.
	StrategyMultiplexed Strategy = "multiplexed"
	// StrategyFallback is a direct spawn capped at one client, used when
	// tmux is unavailable.
	StrategyFallback Strategy = "fallback"
)

// Status is a record's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusDead     Status = "dead"
)

// Active reports starting or running.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// Terminal reports stopped or dead.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusDead
}

// CanTransition reports whether from may move to to. Terminal states never
// change; running never returns to starting.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusStarting:
		return to == StatusStarting || to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to == StatusRunning || to.Terminal()
	}
	return false
}

// Record is one terminal-server launch.
type Record struct {
	ID              string    `json:"id"`
	PID             int       `json:"pid"`
	Port            int       `json:"port"`
	SessionID       string    `json:"session_id"`
	ProjectPath     string    `json:"project_path"`
	Strategy        Strategy  `json:"strategy"`
	Status          Status    `json:"status"`
	Source          string    `json:"source,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	StoppedAt       time.Time `json:"stopped_at,omitempty"`
	LastValidatedAt time.Time `json:"last_validated_at,omitempty"`
	TTY             string    `json:"tty,omitempty"`
	TmuxSession     string    `json:"tmux_session,omitempty"`
	BackingPID      int       `json:"backing_pid,omitempty"`
	// UpdatedAt is stamped on every persisted change and orders copies of
	// the record written by different processes.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	// Reason explains a dead record.
	Reason string `json:"reason,omitempty"`
}

// URL is the record's local HTTP address.
func (r Record) URL() string {
	if r.Port == 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d/", r.Port)
}

// Public is the projection exposed upward: the record plus its URL.
type Public struct {
	Record
	URL string `json:"url,omitempty"`
}

// Project returns the public shape of r.
func (r Record) Project() Public {
	return Public{Record: r, URL: r.URL()}
}

// Filter selects records from List. Zero fields match everything.
type Filter struct {
	Statuses  []Status
	SessionID string
	Strategy  Strategy
	Limit     int
}

func (f Filter) match(r *Record) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Strategy != "" && r.Strategy != f.Strategy {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Store persists records shared by every ttydeck process. Apply writes put
// and removes deleted in one step under the store's lock; rows it is not
// given stay as other processes left them.
type Store interface {
	Load() ([]Record, error)
	Apply(put []Record, deleted []string) error
}
