// Package classify assigns every conversation process in a scan to a
// category and resolves which logical session it is serving.
package classify

import "time"

// Category is how a process is being served.
type Category string

const (
	CategoryDirect               Category = "direct-terminal-server"
	CategoryMultiplexerAttached  Category = "multiplexer-attached-server"
	CategoryShellServer          Category = "shell-server"
	CategoryWrapperTracked       Category = "wrapper-tracked"
	CategoryUnmanagedTerminal    Category = "unmanaged-terminal"
	CategoryUnmanagedMultiplexer Category = "unmanaged-multiplexer"
	CategoryUnknown              Category = "unknown"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryDirect,
	CategoryMultiplexerAttached,
	CategoryShellServer,
	CategoryWrapperTracked,
	CategoryUnmanagedTerminal,
	CategoryUnmanagedMultiplexer,
	CategoryUnknown,
}

// Source is where a viewer of the process lives.
type Source string

const (
	SourceConsoleTab       Source = "console-tab"
	SourceFullWindow       Source = "full-window"
	SourceExternalTerminal Source = "external-terminal"
	SourceUnknown          Source = "unknown"
)

// ParseSource maps user input to a Source, defaulting to unknown.
func ParseSource(s string) Source {
	switch Source(s) {
	case SourceConsoleTab, SourceFullWindow, SourceExternalTerminal:
		return Source(s)
	}
	return SourceUnknown
}

// IDSource records how SessionID was resolved.
type IDSource string

const (
	IDFromCommandLine IDSource = "cmdline"
	IDFromWrapperLog  IDSource = "wrapper"
	IDFromIdentifier  IDSource = "identified"
	IDFromProximity   IDSource = "proximity"
)

// ProcessSnapshot is one classified process. Snapshots are rebuilt on
// every poll and never persisted.
type ProcessSnapshot struct {
	PID         int      `json:"pid"`
	SessionID   string   `json:"session_id,omitempty"`
	IDSource    IDSource `json:"id_source,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	ProjectPath string   `json:"project_path,omitempty"`
	Category    Category `json:"category"`
	Source      Source   `json:"source"`
	TTY         string   `json:"tty,omitempty"`

	// PaneSession is the multiplexer session whose pane hosts the process.
	PaneSession string `json:"pane_session,omitempty"`
	// ServerAttached is set when a terminal server attaches to PaneSession.
	ServerAttached bool `json:"server_attached"`
	ServerPID      int  `json:"server_pid,omitempty"`
	Port           int  `json:"port,omitempty"`

	// NeedsIdentification marks multiplexer-hosted processes with no
	// resolved session for the Session Identifier.
	NeedsIdentification bool `json:"needs_identification,omitempty"`

	Command   string    `json:"command"`
	CPU       float64   `json:"cpu"`
	RSSKB     int64     `json:"rss_kb"`
	StartTime time.Time `json:"start_time"`
}

// Counts tallies snapshots by category. Every category is present.
func Counts(snaps []ProcessSnapshot) map[Category]int {
	out := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		out[c] = 0
	}
	for _, s := range snaps {
		out[s.Category]++
	}
	return out
}

// Managed reports whether a terminal server tracked by this engine serves
// the process.
func (s ProcessSnapshot) Managed() bool {
	switch s.Category {
	case CategoryDirect, CategoryMultiplexerAttached, CategoryShellServer:
		return true
	}
	return false
}
