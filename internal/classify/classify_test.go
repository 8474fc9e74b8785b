package classify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/ttydeck/internal/convlog"
	"github.com/asheshgoplani/ttydeck/internal/procscan"
)

const (
	idA = "0b7c3c1e-2f7e-4a4f-9b1e-6f1d2c3b4a5d"
	idB = "11111111-2222-4333-8444-555555555555"
	idC = "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"
)

func TestParseServerCommand(t *testing.T) {
	cmd, ok := ParseServerCommand([]string{"ttyd", "-p", "7681", "-W", "-o", "-w", "/srv", "tmux", "attach-session", "-t", "=work"})
	require.True(t, ok)
	assert.Equal(t, 7681, cmd.Port)
	assert.True(t, cmd.Writable)
	assert.True(t, cmd.Once)
	assert.Equal(t, "/srv", cmd.WorkDir)
	assert.Equal(t, "work", cmd.TmuxSession)
	assert.Equal(t, []string{"tmux", "attach-session", "-t", "=work"}, cmd.Served)

	cmd, ok = ParseServerCommand([]string{"/usr/local/bin/ttydeck", "termserve", "--port=7690", "-m", "1", "--", "claude", "--resume", idA})
	require.True(t, ok)
	assert.Equal(t, 7690, cmd.Port)
	assert.Equal(t, 1, cmd.MaxClients)
	assert.Equal(t, []string{"claude", "--resume", idA}, cmd.Served)
	assert.Empty(t, cmd.TmuxSession)

	_, ok = ParseServerCommand([]string{"ttydeck", "daemon"})
	assert.False(t, ok)
	_, ok = ParseServerCommand([]string{"bash"})
	assert.False(t, ok)
}

func TestParseTmuxAttach(t *testing.T) {
	assert.Equal(t, "s1", ParseTmuxAttach([]string{"sh", "-c", "tmux", "-S", "/tmp/sock", "attach", "-ts1"}))
	assert.Equal(t, "s2", ParseTmuxAttach([]string{"'tmux", "a", "-t", "s2'"}))
	assert.Empty(t, ParseTmuxAttach([]string{"tmux", "new-session", "-t", "x"}))
}

func TestServesShell(t *testing.T) {
	assert.True(t, ServerCommand{Served: []string{"/bin/zsh", "-l"}}.ServesShell())
	assert.False(t, ServerCommand{Served: []string{"bash", "-c", "claude"}}.ServesShell())
	assert.False(t, ServerCommand{Served: []string{"claude"}}.ServesShell())
}

func TestExtractSessionID(t *testing.T) {
	assert.Equal(t, idA, ExtractSessionID([]string{"claude", "--resume", idA}))
	assert.Equal(t, idA, ExtractSessionID([]string{"claude", "--resume=" + idA}))
	assert.Equal(t, idA, ExtractSessionID([]string{"claude", "-r", "0B7C3C1E-2F7E-4A4F-9B1E-6F1D2C3B4A5D"}))
	assert.Equal(t, idB, ExtractSessionID([]string{"claude", "--session-id", idB}))
	assert.Empty(t, ExtractSessionID([]string{"claude", "--resume", "not-a-uuid"}))
	assert.Empty(t, ExtractSessionID([]string{"claude", "--resume"}))
}

func TestIsTarget(t *testing.T) {
	exclude := []string{"claude-wrapper"}
	assert.True(t, IsTarget("claude", []string{"claude"}, "claude", exclude))
	assert.True(t, IsTarget("node /opt/claude-code/cli.js", []string{"node", "/opt/claude-code/cli.js"}, "claude", exclude))
	assert.False(t, IsTarget("/usr/bin/claude-wrapper", []string{"/usr/bin/claude-wrapper"}, "claude", exclude))
	assert.False(t, IsTarget("ttyd -p 1 claude", []string{"ttyd", "-p", "1", "claude"}, "claude", exclude))
	assert.False(t, IsTarget("python app.py", []string{"python", "app.py"}, "claude", exclude))
}

type fakeWrapper map[int]WrapperEntry

func (f fakeWrapper) Lookup(pid int, _ time.Time) (WrapperEntry, bool) {
	e, ok := f[pid]
	return e, ok
}

type fakeIdentified map[int]string

func (f fakeIdentified) Identified(pid int) (string, float64, bool) {
	id, ok := f[pid]
	return id, 0.42, ok
}

type fakeLister []convlog.LogFile

func (f fakeLister) ListLogs(string) ([]convlog.LogFile, error) { return f, nil }

type fakeCwd map[int]string

func (f fakeCwd) Cwd(pid int) (string, error) {
	if d, ok := f[pid]; ok {
		return d, nil
	}
	return "", os.ErrNotExist
}

func proc(pid, ppid int, tty, command string, start time.Time) procscan.Process {
	return procscan.Process{PID: pid, PPID: ppid, TTY: tty, Command: command, StartTime: start}
}

func buildScan(procs ...procscan.Process) procscan.Scan {
	anc := make(map[int]int)
	for _, p := range procs {
		anc[p.PID] = p.PPID
	}
	return procscan.Scan{Processes: procs, Ancestry: anc, PaneMap: map[int]string{}}
}

func TestClassifyCategories(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	scan := buildScan(
		// tmux pane "work" viewed by a ttyd attach.
		proc(50, 1, "?", "ttyd -p 7681 -W tmux attach -t work", start),
		proc(100, 90, "pts/1", "-zsh", start),
		proc(101, 100, "pts/1", "claude --resume "+idA, start),
		// tmux pane "solo" nobody serves.
		proc(200, 90, "pts/2", "bash", start),
		proc(201, 200, "pts/2", "claude", start),
		// direct terminal server.
		proc(300, 1, "?", "ttyd -p 7682 -o claude --resume "+idB, start),
		proc(301, 300, "pts/3", "claude --resume "+idB, start),
		// terminal server serving a shell.
		proc(400, 1, "?", "ttyd -p 7683 -W bash", start),
		proc(401, 400, "pts/4", "bash", start),
		proc(402, 401, "pts/4", "claude", start),
		// wrapper-tracked, no terminal.
		proc(500, 1, "?", "claude", start),
		// plain terminal.
		proc(600, 1, "pts/5", "claude", start),
		// nothing known.
		proc(700, 1, "?", "node /opt/claude-code/cli.js", start),
		// excluded wrapper.
		proc(800, 1, "pts/6", "claude-restart-loop claude", start),
	)
	scan.PaneMap = map[int]string{100: "work", 200: "solo"}

	c := &Classifier{
		Target:    "claude",
		Exclude:   []string{"claude-restart-loop"},
		Wrapper:   fakeWrapper{500: {PID: 500, SessionID: idC, ProjectPath: "/p/wrapped"}},
		Proximity: &Proximity{Logs: fakeLister{{SessionID: idC, BirthTime: start.Add(5 * time.Second)}}, Window: time.Minute},
		Cwd:       fakeCwd{600: "/p/term", 201: "/p/solo"},
	}
	known := map[int]KnownServer{300: {PID: 300, SessionID: idB, ProjectPath: "/p/direct", Source: SourceConsoleTab}}
	snaps := c.Classify(scan, known)

	byPID := make(map[int]ProcessSnapshot)
	for _, s := range snaps {
		byPID[s.PID] = s
	}
	require.Len(t, byPID, 7)
	_, excluded := byPID[800]
	assert.False(t, excluded)

	s := byPID[101]
	assert.Equal(t, CategoryMultiplexerAttached, s.Category)
	assert.Equal(t, 7681, s.Port)
	assert.Equal(t, 50, s.ServerPID)
	assert.Equal(t, "work", s.PaneSession)
	assert.True(t, s.ServerAttached)
	assert.Equal(t, idA, s.SessionID)
	assert.Equal(t, IDFromCommandLine, s.IDSource)
	assert.False(t, s.NeedsIdentification)

	s = byPID[201]
	assert.Equal(t, CategoryUnmanagedMultiplexer, s.Category)
	assert.False(t, s.ServerAttached)
	assert.True(t, s.NeedsIdentification)
	assert.Equal(t, "/p/solo", s.ProjectPath)

	s = byPID[301]
	assert.Equal(t, CategoryDirect, s.Category)
	assert.Equal(t, 7682, s.Port)
	assert.Equal(t, SourceConsoleTab, s.Source)
	assert.Equal(t, "/p/direct", s.ProjectPath)

	assert.Equal(t, CategoryShellServer, byPID[402].Category)
	assert.Equal(t, 7683, byPID[402].Port)

	s = byPID[500]
	assert.Equal(t, CategoryWrapperTracked, s.Category)
	assert.Equal(t, idC, s.SessionID)
	assert.Equal(t, IDFromWrapperLog, s.IDSource)
	assert.Equal(t, "/p/wrapped", s.ProjectPath)

	s = byPID[600]
	assert.Equal(t, CategoryUnmanagedTerminal, s.Category)
	assert.Equal(t, SourceExternalTerminal, s.Source)
	assert.Equal(t, idC, s.SessionID)
	assert.Equal(t, IDFromProximity, s.IDSource)

	assert.Equal(t, CategoryUnknown, byPID[700].Category)

	counts := Counts(snaps)
	assert.Equal(t, 1, counts[CategoryMultiplexerAttached])
	assert.Equal(t, 1, counts[CategoryUnknown])
	assert.Len(t, counts, len(Categories))
}

func TestClassifyDeepAncestorChain(t *testing.T) {
	start := time.Now()
	procs := []procscan.Process{proc(10, 1, "?", "ttyd -p 7700 tmux attach -t deep", start)}
	procs = append(procs, proc(100, 90, "pts/1", "zsh", start))
	parent := 100
	for pid := 101; pid < 109; pid++ {
		procs = append(procs, proc(pid, parent, "pts/1", "sh", start))
		parent = pid
	}
	procs = append(procs, proc(200, parent, "pts/1", "claude", start))
	scan := buildScan(procs...)
	scan.PaneMap = map[int]string{100: "deep"}

	snaps := (&Classifier{Target: "claude"}).Classify(scan, nil)
	require.Len(t, snaps, 1)
	assert.Equal(t, CategoryMultiplexerAttached, snaps[0].Category)
	assert.Equal(t, 7700, snaps[0].Port)
}

func TestClassifyAppliesCachedIdentification(t *testing.T) {
	scan := buildScan(proc(100, 1, "pts/1", "zsh", time.Now()), proc(101, 100, "pts/1", "claude", time.Now()))
	scan.PaneMap = map[int]string{100: "solo"}

	c := &Classifier{Target: "claude", Identified: fakeIdentified{101: idA}}
	snaps := c.Classify(scan, nil)
	require.Len(t, snaps, 1)
	assert.Equal(t, idA, snaps[0].SessionID)
	assert.Equal(t, IDFromIdentifier, snaps[0].IDSource)
	assert.InDelta(t, 0.42, snaps[0].Confidence, 1e-9)
	assert.False(t, snaps[0].NeedsIdentification)
}

func TestClassifyEmptyScan(t *testing.T) {
	snaps := (&Classifier{Target: "claude"}).Classify(procscan.Scan{}, nil)
	assert.Empty(t, snaps)
}

func TestProximityRejectsTiesAndOutOfWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := Proximity{Window: time.Minute, Logs: fakeLister{
		{SessionID: idA, BirthTime: start.Add(-10 * time.Second)},
		{SessionID: idB, BirthTime: start.Add(10 * time.Second)},
	}}
	_, ok := p.Match("/p", start)
	assert.False(t, ok, "two equally close logs are ambiguous")

	p.Logs = fakeLister{
		{SessionID: idA, BirthTime: start.Add(-2 * time.Hour), ModTime: start.Add(3 * time.Second)},
		{SessionID: idB, BirthTime: start.Add(20 * time.Second)},
		{SessionID: idC, BirthTime: start.Add(5 * time.Minute)},
	}
	id, ok := p.Match("/p", start)
	require.True(t, ok)
	assert.Equal(t, idA, id, "modification time counts too")

	p.Logs = fakeLister{{SessionID: idC, BirthTime: start.Add(5 * time.Minute)}}
	_, ok = p.Match("/p", start)
	assert.False(t, ok)
}

func TestConnectTarget(t *testing.T) {
	now := time.Now()
	snaps := []ProcessSnapshot{
		{PID: 1, Category: CategoryUnmanagedMultiplexer, ProjectPath: "/p", StartTime: now.Add(-time.Hour)},
		{PID: 2, Category: CategoryUnmanagedMultiplexer, ProjectPath: "/p", StartTime: now.Add(-time.Minute)},
		{PID: 3, Category: CategoryUnmanagedMultiplexer, ProjectPath: "/p", ServerAttached: true, StartTime: now},
		{PID: 4, Category: CategoryUnmanagedMultiplexer, ProjectPath: "/q", SessionID: idA, StartTime: now.Add(-2 * time.Hour)},
	}
	s, ok := ConnectTarget(snaps, idA, "/p")
	require.True(t, ok)
	assert.Equal(t, 4, s.PID)

	s, ok = ConnectTarget(snaps, idB, "/p")
	require.True(t, ok)
	assert.Equal(t, 2, s.PID)

	_, ok = ConnectTarget(snaps, idB, "/elsewhere")
	assert.False(t, ok)
}

func TestWrapperLogReloadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wrapper.log")
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	w := NewWrapperLog(path)
	require.NoError(t, w.Reload())
	assert.Equal(t, 0, w.Len())

	body := `{"pid":42,"session_id":"` + idA + `","project_path":"/p","started_at":"2026-03-01T09:00:01Z"}
garbage
{"pid":42,"session_id":"` + idB + `","project_path":"/p","started_at":"2026-03-01T09:00:02Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, w.Reload())

	e, ok := w.Lookup(42, start)
	require.True(t, ok)
	assert.Equal(t, idB, e.SessionID, "later lines win")

	_, ok = w.Lookup(42, start.Add(time.Hour))
	assert.False(t, ok, "entry from a reused pid is ignored")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"pid":43,"session_id":"` + idC + `"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		_, ok := w.Lookup(43, start)
		return ok
	}, 3*time.Second, 50*time.Millisecond)
}
