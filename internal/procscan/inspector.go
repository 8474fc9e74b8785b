package procscan

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/ttydeck/internal/logging"
)

var scanLog = logging.ForComponent(logging.CompScan)

// System is the OS-backed Inspector. The process table and the pane table
// are read concurrently, one external query each.
type System struct {
	table TableReader
	panes PaneLister
	now   func() time.Time
}

// NewSystem wires a table reader and an optional pane lister.
func NewSystem(table TableReader, panes PaneLister) *System {
	if table == nil {
		table = NewPSReader()
	}
	return &System{table: table, panes: panes, now: time.Now}
}

// Scan implements Inspector. Failures of either source yield an empty
// result for that source.
func (s *System) Scan(ctx context.Context) Scan {
	var (
		procs []Process
		panes map[int]string
		g     errgroup.Group
	)

	g.Go(func() error {
		rows, err := s.table.ReadTable(ctx)
		if err != nil {
			logging.Aggregate(logging.CompScan, "process_table_unavailable", slog.String("error", err.Error()))
			return nil
		}
		procs = rows
		return nil
	})
	if s.panes != nil {
		g.Go(func() error {
			m, err := s.panes.ListPanes(ctx)
			if err != nil {
				logging.Aggregate(logging.CompScan, "pane_table_unavailable", slog.String("error", err.Error()))
				return nil
			}
			panes = m
			return nil
		})
	}
	_ = g.Wait()

	if panes == nil {
		panes = map[int]string{}
	}
	ancestry := make(map[int]int, len(procs))
	for _, p := range procs {
		ancestry[p.PID] = p.PPID
	}
	scanLog.Debug("scan_complete",
		slog.Int("processes", len(procs)),
		slog.Int("panes", len(panes)))

	return Scan{
		Processes: procs,
		PaneMap:   panes,
		Ancestry:  ancestry,
		ScannedAt: s.now(),
	}
}

// Cwd implements Inspector.
func (s *System) Cwd(pid int) (string, error) {
	return processCwd(pid)
}

// Alive implements Inspector.
func (s *System) Alive(pid int) bool {
	return Alive(pid)
}

// KillTree terminates pid and every descendant visible in a fresh process
// table read.
func (s *System) KillTree(ctx context.Context, pid int, grace time.Duration) error {
	var pids []int
	if rows, err := s.table.ReadTable(ctx); err == nil {
		ancestry := make(map[int]int, len(rows))
		for _, p := range rows {
			ancestry[p.PID] = p.PPID
		}
		pids = NewTree(ancestry).Descendants(pid, maxKillDepth)
	}
	return KillPIDs(ctx, append([]int{pid}, pids...), grace)
}
