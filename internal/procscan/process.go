// Package procscan reads the OS process table and exposes the parent/child
// structure the classifier and orchestrator reason about.
package procscan

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrScanUnavailable is returned by table readers when the external query
// could not run. Scan itself never returns it; it degrades to empty maps.
var ErrScanUnavailable = errors.New("process scan unavailable")

// Process is one row of the OS process table.
type Process struct {
	PID       int           `json:"pid"`
	PPID      int           `json:"ppid"`
	Elapsed   time.Duration `json:"elapsed"`
	StartTime time.Time     `json:"start_time"`
	TTY       string        `json:"tty"`
	CPU       float64       `json:"cpu"`
	RSSKB     int64         `json:"rss_kb"`
	Command   string        `json:"command"`
}

// HasTerminal reports whether the process owns a real terminal device.
func (p Process) HasTerminal() bool {
	switch p.TTY {
	case "", "?", "??", "-":
		return false
	}
	return true
}

// Args splits the command line on whitespace.
func (p Process) Args() []string {
	return strings.Fields(p.Command)
}

// Executable is the basename of the first command-line token.
func (p Process) Executable() string {
	args := p.Args()
	if len(args) == 0 {
		return ""
	}
	return filepath.Base(args[0])
}

// Scan is the result of one inspection pass.
type Scan struct {
	Processes []Process
	// PaneMap maps a multiplexer pane's root pid to its session name.
	PaneMap map[int]string
	// Ancestry maps pid to parent pid.
	Ancestry  map[int]int
	ScannedAt time.Time
}

// ByPID indexes the scanned processes.
func (s Scan) ByPID() map[int]Process {
	out := make(map[int]Process, len(s.Processes))
	for _, p := range s.Processes {
		out[p.PID] = p
	}
	return out
}

// TableReader produces raw process rows.
type TableReader interface {
	ReadTable(ctx context.Context) ([]Process, error)
}

// PaneLister produces the pane-pid to session-name map.
type PaneLister interface {
	ListPanes(ctx context.Context) (map[int]string, error)
}

// Inspector is the read-side contract consumed above this package.
type Inspector interface {
	Scan(ctx context.Context) Scan
	Cwd(pid int) (string, error)
	Alive(pid int) bool
}
