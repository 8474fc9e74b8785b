// Package statuscache polls the process table on a fixed interval and keeps
// a pre-computed snapshot that readers get without blocking.
package statuscache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/classify"
	"github.com/asheshgoplani/ttydeck/internal/identify"
	"github.com/asheshgoplani/ttydeck/internal/lifecycle"
	"github.com/asheshgoplani/ttydeck/internal/logging"
	"github.com/asheshgoplani/ttydeck/internal/procscan"
	"github.com/asheshgoplani/ttydeck/internal/registry"
)

var statusLog = logging.ForComponent(logging.CompStatus)

// Snapshot is the read model. It is replaced whole on every poll and never
// mutated after publication.
type Snapshot struct {
	Instances []registry.Public            `json:"instances"`
	Processes []classify.ProcessSnapshot   `json:"processes"`
	// Servers are the pids whose command line is a terminal server.
	Servers []int `json:"servers,omitempty"`
	Counts    map[classify.Category]int    `json:"counts"`
	System    procscan.SystemStats         `json:"system"`
	Reserved  []int                        `json:"reserved_ports,omitempty"`
	Drift     []lifecycle.Reassignment     `json:"drift,omitempty"`
	Audit     *lifecycle.AuditResult       `json:"last_audit,omitempty"`
	UpdatedAt time.Time                    `json:"updated_at"`
	Cycle     uint64                       `json:"cycle"`
}

// Auditor is the lifecycle work run after each poll.
type Auditor interface {
	Sweep() int
	ReconcileDrift(ctx context.Context) []lifecycle.Reassignment
	DeepHealthAudit(ctx context.Context) lifecycle.AuditResult
	ReservedPorts() []int
}

// Identifier runs and caches pane identifications.
type Identifier interface {
	IdentifyForPID(ctx context.Context, pid int, sessionName, projectPath string, start time.Time) (*identify.Result, bool, error)
	Purge(live map[int]bool)
}

// TaskRunner runs detached background work owned by the engine.
type TaskRunner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Options configure a Cache.
type Options struct {
	Interval   time.Duration
	AuditEvery int
	// Stats reads host stats. Nil uses procscan.ReadSystemStats.
	Stats func() procscan.SystemStats
	// Primary reports whether this process owns the registry-mutating
	// auditor work. Nil means always.
	Primary func() bool
}

// Cache owns the poll loop.
type Cache struct {
	inspector  procscan.Inspector
	classifier *classify.Classifier
	reg        *registry.Registry
	ident      Identifier
	tasks      TaskRunner
	opts       Options

	auditor atomic.Pointer[auditorBox]
	snap    atomic.Pointer[Snapshot]
	polling atomic.Bool
	cycles  atomic.Uint64
	now     func() time.Time
}

type auditorBox struct{ a Auditor }

// New builds a Cache with an empty snapshot. ident and tasks may be nil.
func New(inspector procscan.Inspector, classifier *classify.Classifier, reg *registry.Registry, ident Identifier, tasks TaskRunner, opts Options) *Cache {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.AuditEvery <= 0 {
		opts.AuditEvery = 10
	}
	if opts.Stats == nil {
		opts.Stats = procscan.ReadSystemStats
	}
	c := &Cache{
		inspector:  inspector,
		classifier: classifier,
		reg:        reg,
		ident:      ident,
		tasks:      tasks,
		opts:       opts,
		now:        time.Now,
	}
	c.snap.Store(&Snapshot{
		Instances: []registry.Public{},
		Processes: []classify.ProcessSnapshot{},
		Counts:    classify.Counts(nil),
	})
	return c
}

// SetAuditor attaches the lifecycle orchestrator. It is set after
// construction because the orchestrator reads this cache.
func (c *Cache) SetAuditor(a Auditor) {
	c.auditor.Store(&auditorBox{a: a})
}

// Snapshot returns the latest snapshot. It never triggers a poll.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Processes implements lifecycle.SnapshotSource.
func (c *Cache) Processes() []classify.ProcessSnapshot {
	return c.snap.Load().Processes
}

// ServerPIDs implements lifecycle.ServerSource.
func (c *Cache) ServerPIDs() []int {
	return c.snap.Load().Servers
}

// Run polls every interval until ctx ends. The first poll runs at once.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Poll(ctx)
		}
	}
}

// Poll runs one cycle. It returns false without doing anything when a
// cycle is already in flight.
func (c *Cache) Poll(ctx context.Context) bool {
	if !c.polling.CompareAndSwap(false, true) {
		logging.Aggregate(logging.CompStatus, "poll_skipped_inflight")
		return false
	}
	defer c.polling.Store(false)

	start := c.now()
	cycle := c.cycles.Add(1)

	if err := c.reg.Sync(); err != nil {
		logging.Aggregate(logging.CompStatus, "registry_sync_failed", slog.String("error", err.Error()))
	}
	scan := c.inspector.Scan(ctx)
	snaps := c.classifier.Classify(scan, c.knownServers())
	if snaps == nil {
		snaps = []classify.ProcessSnapshot{}
	}

	live := make(map[int]bool, len(scan.Processes))
	var servers []int
	for _, p := range scan.Processes {
		live[p.PID] = true
		if _, ok := classify.ParseServerCommand(p.Args()); ok {
			servers = append(servers, p.PID)
		}
	}
	if c.ident != nil {
		c.ident.Purge(live)
		c.scheduleIdentification(snaps)
	}

	prev := c.snap.Load()
	next := &Snapshot{
		Instances: prev.Instances,
		Processes: snaps,
		Servers:   servers,
		Counts:    classify.Counts(snaps),
		System:    c.opts.Stats(),
		Audit:     prev.Audit,
		UpdatedAt: scan.ScannedAt,
		Cycle:     cycle,
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = start
	}
	// Publish processes first so drift reconciliation reads this cycle.
	c.snap.Store(next)

	final := *next
	if box := c.auditor.Load(); box != nil {
		a := box.a
		// Another engine holds primaryship and does the sweep, drift and
		// audit; this one only publishes.
		if c.opts.Primary == nil || c.opts.Primary() {
			if n := a.Sweep(); n > 0 {
				statusLog.Info("sweep_marked_dead", slog.Int("count", n))
			}
			final.Drift = a.ReconcileDrift(ctx)
			if cycle%uint64(c.opts.AuditEvery) == 0 {
				res := a.DeepHealthAudit(ctx)
				final.Audit = &res
			}
		}
		final.Reserved = a.ReservedPorts()
	}
	final.Instances = c.instances()
	c.snap.Store(&final)

	statusLog.Debug("poll_complete",
		slog.Uint64("cycle", cycle),
		slog.Int("processes", len(snaps)),
		slog.Int("instances", len(final.Instances)),
		slog.Duration("took", c.now().Sub(start)))
	return true
}

// knownServers maps active record pids for the classifier.
func (c *Cache) knownServers() map[int]classify.KnownServer {
	out := make(map[int]classify.KnownServer)
	for _, rec := range c.reg.Active() {
		if rec.PID <= 0 {
			continue
		}
		out[rec.PID] = classify.KnownServer{
			PID:         rec.PID,
			SessionID:   rec.SessionID,
			ProjectPath: rec.ProjectPath,
			Source:      classify.ParseSource(rec.Source),
			Port:        rec.Port,
			TmuxSession: rec.TmuxSession,
		}
	}
	return out
}

func (c *Cache) instances() []registry.Public {
	active := c.reg.Active()
	out := make([]registry.Public, 0, len(active))
	for _, rec := range active {
		out = append(out, rec.Project())
	}
	return out
}

// scheduleIdentification hands every pane-hosted process without a session
// to the identifier as a detached task. Results are read back by a later
// classification.
func (c *Cache) scheduleIdentification(snaps []classify.ProcessSnapshot) {
	for _, s := range snaps {
		if !s.NeedsIdentification || s.PaneSession == "" {
			continue
		}
		s := s
		task := func(ctx context.Context) error {
			_, _, err := c.ident.IdentifyForPID(ctx, s.PID, s.PaneSession, s.ProjectPath, s.StartTime)
			if errors.Is(err, identify.ErrRateLimited) {
				return nil
			}
			return err
		}
		if c.tasks == nil {
			go func() { _ = task(context.Background()) }()
			continue
		}
		c.tasks.Go("identify", task)
	}
}

// Cycles returns how many polls have run.
func (c *Cache) Cycles() uint64 {
	return c.cycles.Load()
}
