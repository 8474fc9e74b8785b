package classify

import (
	"log/slog"
	"sort"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/logging"
	"github.com/asheshgoplani/ttydeck/internal/procscan"
)

var classifyLog = logging.ForComponent(logging.CompClassify)

const (
	// MaxAncestorDepth bounds the walk from a process up to its pane.
	MaxAncestorDepth = 10
	// MaxServerDepth bounds the walk from a terminal server down to the
	// process it serves.
	MaxServerDepth = 6
)

// KnownServer is a terminal server the registry launched.
type KnownServer struct {
	PID         int
	SessionID   string
	ProjectPath string
	Source      Source
	Port        int
	TmuxSession string
}

// IdentifiedLookup returns a cached Session Identifier result for pid.
type IdentifiedLookup interface {
	Identified(pid int) (sessionID string, confidence float64, ok bool)
}

// CwdLookup resolves a process's working directory.
type CwdLookup interface {
	Cwd(pid int) (string, error)
}

// Classifier turns a scan into ProcessSnapshots. Optional collaborators
// may be nil.
type Classifier struct {
	Target  string
	Exclude []string

	Wrapper    WrapperLookup
	Identified IdentifiedLookup
	Proximity  *Proximity
	Cwd        CwdLookup
}

type server struct {
	pid   int
	cmd   ServerCommand
	known *KnownServer
}

func (s server) port() int {
	if s.cmd.Port > 0 {
		return s.cmd.Port
	}
	if s.known != nil {
		return s.known.Port
	}
	return 0
}

// Classify assigns a category and best-effort session to every target
// process in scan. known holds registry-launched servers keyed by pid.
func (c *Classifier) Classify(scan procscan.Scan, known map[int]KnownServer) []ProcessSnapshot {
	servers := c.findServers(scan, known)

	roots := make([]int, 0, len(servers))
	attached := make(map[string]int)
	for _, s := range servers {
		roots = append(roots, s.pid)
	}
	sort.Ints(roots)
	for _, pid := range roots {
		s := servers[pid]
		name := s.cmd.TmuxSession
		if name == "" && s.known != nil {
			name = s.known.TmuxSession
		}
		if name == "" {
			continue
		}
		if _, taken := attached[name]; !taken {
			attached[name] = pid
		}
	}

	tree := procscan.NewTree(scan.Ancestry)
	served := tree.RootIndex(roots, MaxServerDepth)

	var out []ProcessSnapshot
	for _, p := range scan.Processes {
		args := p.Args()
		if !IsTarget(p.Command, args, c.Target, c.Exclude) {
			continue
		}
		snap := ProcessSnapshot{
			PID:       p.PID,
			Category:  CategoryUnknown,
			Source:    SourceUnknown,
			TTY:       p.TTY,
			Command:   p.Command,
			CPU:       p.CPU,
			RSSKB:     p.RSSKB,
			StartTime: p.StartTime,
		}
		if id := ExtractSessionID(args); id != "" {
			snap.SessionID, snap.IDSource = id, IDFromCommandLine
		}

		var srv *server
		if pane, ok := paneFor(p.PID, tree, scan.PaneMap); ok {
			snap.PaneSession = pane
			if spid, ok := attached[pane]; ok {
				snap.Category = CategoryMultiplexerAttached
				srv = servers[spid]
			} else {
				snap.Category = CategoryUnmanagedMultiplexer
			}
		} else if root, ok := servedBy(p, served, servers); ok {
			srv = servers[root]
			snap.Category = CategoryDirect
			if srv.cmd.ServesShell() {
				snap.Category = CategoryShellServer
			}
		}

		var wrapper WrapperEntry
		var tracked bool
		if c.Wrapper != nil {
			wrapper, tracked = c.Wrapper.Lookup(p.PID, p.StartTime)
		}
		if snap.Category == CategoryUnknown {
			switch {
			case tracked:
				snap.Category = CategoryWrapperTracked
			case p.HasTerminal():
				snap.Category = CategoryUnmanagedTerminal
				snap.Source = SourceExternalTerminal
			}
		}

		if srv != nil {
			snap.ServerAttached = true
			snap.ServerPID = srv.pid
			snap.Port = srv.port()
			if srv.known != nil {
				snap.Source = srv.known.Source
				snap.ProjectPath = srv.known.ProjectPath
			}
			if snap.ProjectPath == "" {
				snap.ProjectPath = srv.cmd.WorkDir
			}
		}

		if tracked {
			if snap.SessionID == "" && wrapper.SessionID != "" {
				snap.SessionID, snap.IDSource = wrapper.SessionID, IDFromWrapperLog
			}
			if wrapper.ProjectPath != "" {
				snap.ProjectPath = wrapper.ProjectPath
			}
		}
		if snap.ProjectPath == "" && c.Cwd != nil {
			if cwd, err := c.Cwd.Cwd(p.PID); err == nil {
				snap.ProjectPath = cwd
			}
		}

		if snap.SessionID == "" && c.Identified != nil {
			if id, conf, ok := c.Identified.Identified(p.PID); ok {
				snap.SessionID, snap.IDSource, snap.Confidence = id, IDFromIdentifier, conf
			}
		}
		if snap.SessionID == "" && snap.Category == CategoryUnmanagedTerminal && c.Proximity != nil {
			if id, ok := c.Proximity.Match(snap.ProjectPath, p.StartTime); ok {
				snap.SessionID, snap.IDSource = id, IDFromProximity
			}
		}

		if snap.SessionID == "" && snap.PaneSession != "" {
			snap.NeedsIdentification = true
		}
		out = append(out, snap)
	}

	classifyLog.Debug("classify_complete",
		slog.Int("candidates", len(out)),
		slog.Int("servers", len(servers)))
	return out
}

func (c *Classifier) findServers(scan procscan.Scan, known map[int]KnownServer) map[int]*server {
	servers := make(map[int]*server)
	for _, p := range scan.Processes {
		cmd, ok := ParseServerCommand(p.Args())
		k, isKnown := known[p.PID]
		if !ok && !isKnown {
			continue
		}
		s := &server{pid: p.PID, cmd: cmd}
		if isKnown {
			s.known = &k
		}
		servers[p.PID] = s
	}
	return servers
}

// paneFor walks from pid up through its ancestors looking for a pane root.
func paneFor(pid int, tree *procscan.Tree, panes map[int]string) (string, bool) {
	if name, ok := panes[pid]; ok {
		return name, true
	}
	for _, anc := range tree.Ancestors(pid, MaxAncestorDepth) {
		if name, ok := panes[anc]; ok {
			return name, true
		}
	}
	return "", false
}

func servedBy(p procscan.Process, served map[int]int, servers map[int]*server) (int, bool) {
	if root, ok := served[p.PID]; ok {
		return root, true
	}
	if root, ok := served[p.PPID]; ok {
		return root, true
	}
	if _, ok := servers[p.PPID]; ok {
		return p.PPID, true
	}
	return 0, false
}

// ConnectTarget picks an unmanaged multiplexer session a viewer could
// attach to for sessionID in projectPath. An exact session match wins;
// otherwise the most recently started unattached process of the project
// is chosen. The fallback is a heuristic and may pick the wrong pane when
// several are open.
func ConnectTarget(snaps []ProcessSnapshot, sessionID, projectPath string) (ProcessSnapshot, bool) {
	var (
		best  ProcessSnapshot
		found bool
	)
	for _, s := range snaps {
		if s.Category != CategoryUnmanagedMultiplexer || s.ServerAttached {
			continue
		}
		if sessionID != "" && s.SessionID == sessionID {
			return s, true
		}
		if s.SessionID != "" || projectPath == "" || s.ProjectPath != projectPath {
			continue
		}
		if !found || s.StartTime.After(best.StartTime) {
			best, found = s, true
		}
	}
	return best, found
}

// Since is the age of the process at now.
func (s ProcessSnapshot) Since(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}
