// Package engine wires the inspector, classifier, identifier, registry,
// status cache and lifecycle orchestrator into one context with a single
// lifetime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/classify"
	"github.com/asheshgoplani/ttydeck/internal/config"
	"github.com/asheshgoplani/ttydeck/internal/convlog"
	"github.com/asheshgoplani/ttydeck/internal/identify"
	"github.com/asheshgoplani/ttydeck/internal/lifecycle"
	"github.com/asheshgoplani/ttydeck/internal/logging"
	"github.com/asheshgoplani/ttydeck/internal/procscan"
	"github.com/asheshgoplani/ttydeck/internal/registry"
	"github.com/asheshgoplani/ttydeck/internal/statedb"
	"github.com/asheshgoplani/ttydeck/internal/statuscache"
	"github.com/asheshgoplani/ttydeck/internal/tmux"
)

var engineLog = logging.ForComponent(logging.CompEngine)

const (
	// InstancesFile is the JSON registry snapshot inside the data dir.
	InstancesFile = "instances.json"
	// StateDBFile is the SQLite registry inside the data dir.
	StateDBFile = "state.db"

	heartbeatInterval = 10 * time.Second
	heartbeatTimeout  = 30 * time.Second
)

// ErrNotInPane is returned by Identify for processes outside a tmux pane.
var ErrNotInPane = errors.New("process is not hosted in a tmux pane")

// Host is the OS surface: process inspection plus tree kill.
type Host interface {
	procscan.Inspector
	KillTree(ctx context.Context, pid int, grace time.Duration) error
}

// Options override collaborators. Nil fields get the real implementation.
type Options struct {
	Config  *config.UserConfig
	Host    Host
	Tmux    tmux.Adapter
	Store   registry.Store
	Logs    convlog.Lister
	Cache   convlog.Cache
	Spawner lifecycle.Spawner
	Prober  lifecycle.Prober
	Health  lifecycle.HealthChecker
	// Stats overrides host stats sampling.
	Stats func() procscan.SystemStats
}

// Engine is the long-lived context every operation runs against.
type Engine struct {
	cfg     *config.UserConfig
	dataDir string

	host    Host
	tmux    tmux.Adapter
	reg     *registry.Registry
	db      *statedb.StateDB
	wrapper *classify.WrapperLog
	logs    convlog.Lister
	ident   *identify.Identifier
	cache   *statuscache.Cache
	orch    *lifecycle.Orchestrator
	tasks   *taskGroup

	heartbeating atomic.Bool
	primary      atomic.Bool
}

// New builds an engine and loads the registry. Records whose server pid is
// gone are marked dead during the load.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("engine: load config: %w", err)
		}
		cfg = loaded
	}
	eng := cfg.GetEngineSettings()
	claude := cfg.GetClaudeSettings()
	if eng.DataDir != "" {
		if err := os.MkdirAll(eng.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("engine: data dir: %w", err)
		}
	}

	e := &Engine{cfg: cfg, dataDir: eng.DataDir, tasks: newTaskGroup()}

	e.tmux = opts.Tmux
	if e.tmux == nil {
		e.tmux = tmux.NewClient()
	}
	e.host = opts.Host
	if e.host == nil {
		e.host = procscan.NewSystem(procscan.NewPSReader(), e.tmux)
	}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = e.openStore(cfg.GetRegistrySettings()); err != nil {
			return nil, err
		}
	}
	e.reg = registry.New(store, cfg.GetRegistrySettings().MaxRecords)
	if err := e.reg.Load(e.host.Alive); err != nil {
		e.closeStore()
		return nil, fmt.Errorf("engine: load registry: %w", err)
	}

	var logs convlog.Lister = convlog.Projects{ConfigDir: claude.ConfigDir}
	if opts.Logs != nil {
		logs = opts.Logs
	}
	e.logs = logs
	var logCache convlog.Cache = convlog.NewLRUCache(convlog.DefaultCacheSize)
	if opts.Cache != nil {
		logCache = opts.Cache
	}
	e.ident = identify.New(e.tmux, logs, logCache, identify.OptionsFromConfig(cfg.GetIdentifySettings()))

	classifier := &classify.Classifier{
		Target:     claude.Binary,
		Exclude:    claude.Exclude,
		Identified: e.ident,
		Proximity: &classify.Proximity{
			Logs:   logs,
			Window: time.Duration(claude.ProximityWindowSecs) * time.Second,
		},
		Cwd: e.host,
	}
	if claude.WrapperLog != "" {
		e.wrapper = classify.NewWrapperLog(claude.WrapperLog)
		if err := e.wrapper.Reload(); err != nil {
			engineLog.Warn("wrapper_log_load_failed", slog.String("error", err.Error()))
		}
		classifier.Wrapper = e.wrapper
	}

	e.cache = statuscache.New(e.host, classifier, e.reg, e.ident, e.tasks, statuscache.Options{
		Interval:   eng.PollInterval(),
		AuditEvery: eng.AuditEvery,
		Stats:      opts.Stats,
		Primary:    e.IsPrimary,
	})

	spawner := opts.Spawner
	if spawner == nil && e.dataDir != "" {
		spawner = lifecycle.ExecSpawner{LogDir: filepath.Join(e.dataDir, "logs")}
	}
	e.orch = lifecycle.New(lifecycle.Deps{
		Registry:  e.reg,
		Snapshots: e.cache,
		Tmux:      e.tmux,
		Killer:    e.host,
		Prober:    opts.Prober,
		Spawner:   spawner,
		Health:    opts.Health,
	}, lifecycle.SettingsFromConfig(cfg))
	e.cache.SetAuditor(e.orch)

	engineLog.Info("engine_ready",
		slog.String("data_dir", e.dataDir),
		slog.String("backend", cfg.GetRegistrySettings().Backend),
		slog.Int("records", e.reg.Len()))
	return e, nil
}

func (e *Engine) openStore(rs config.RegistrySettings) (registry.Store, error) {
	jsonPath := filepath.Join(e.dataDir, InstancesFile)
	if rs.Backend != "sqlite" {
		return registry.NewJSONStore(jsonPath), nil
	}
	db, err := statedb.Open(filepath.Join(e.dataDir, StateDBFile))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	if n, err := statedb.ImportJSON(jsonPath, db); err != nil {
		engineLog.Warn("json_import_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		engineLog.Info("json_imported", slog.Int("records", n))
	}
	e.db = db
	return statedb.NewStore(db), nil
}

func (e *Engine) closeStore() {
	if e.db == nil {
		return
	}
	if err := e.db.Close(); err != nil {
		engineLog.Warn("statedb_close_failed", slog.String("error", err.Error()))
	}
	e.db = nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.UserConfig { return e.cfg }

// DataDir is where the engine keeps its state.
func (e *Engine) DataDir() string { return e.dataDir }

// Registry exposes the instance registry.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// TaskErrors returns recent background task failures.
func (e *Engine) TaskErrors() []TaskError { return e.tasks.Errors() }

// Run starts the poll loop and the wrapper log watcher, and with the
// sqlite backend a heartbeat, then blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.tasks.Go("status_cache", func(tctx context.Context) error {
		return e.cache.Run(joinDone(ctx, tctx))
	})
	if e.wrapper != nil {
		e.tasks.Go("wrapper_watch", func(tctx context.Context) error {
			return e.wrapper.Watch(joinDone(ctx, tctx))
		})
	}
	if e.db != nil {
		if err := e.registerHeartbeat(); err != nil {
			engineLog.Warn("heartbeat_register_failed", slog.String("error", err.Error()))
		} else {
			e.tasks.Go("heartbeat", func(tctx context.Context) error {
				return e.heartbeatLoop(joinDone(ctx, tctx))
			})
		}
	}
	engineLog.Info("engine_running")
	<-ctx.Done()
	return nil
}

func (e *Engine) registerHeartbeat() error {
	if err := e.db.CleanDeadInstances(heartbeatTimeout); err != nil {
		return err
	}
	if err := e.db.RegisterInstance(false); err != nil {
		return err
	}
	primary, err := e.db.ElectPrimary(heartbeatTimeout)
	if err != nil {
		return err
	}
	e.primary.Store(primary)
	e.heartbeating.Store(true)
	engineLog.Info("heartbeat_registered", slog.Bool("primary", primary))
	return nil
}

// IsPrimary reports whether this engine runs the sweep, drift and audit
// work after each poll. With the JSON backend every engine does. A
// heartbeating engine follows the election; a one-shot engine defers to a
// live primary daemon and takes the work when there is none.
func (e *Engine) IsPrimary() bool {
	if e.db == nil {
		return true
	}
	if e.heartbeating.Load() {
		return e.primary.Load()
	}
	pid, err := e.db.PrimaryPID(heartbeatTimeout)
	if err != nil {
		logging.Aggregate(logging.CompEngine, "primary_lookup_failed", slog.String("error", err.Error()))
		return true
	}
	return pid == 0 || pid == os.Getpid()
}

func (e *Engine) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.db.Heartbeat(); err != nil {
				logging.Aggregate(logging.CompEngine, "heartbeat_failed", slog.String("error", err.Error()))
				continue
			}
			primary, err := e.db.ElectPrimary(heartbeatTimeout)
			if err != nil {
				logging.Aggregate(logging.CompEngine, "elect_primary_failed", slog.String("error", err.Error()))
				continue
			}
			if was := e.primary.Swap(primary); was != primary {
				engineLog.Info("primary_changed", slog.Bool("primary", primary))
			}
		}
	}
}

// Close stops background work and releases the store. It is safe to call
// more than once.
func (e *Engine) Close() error {
	e.tasks.close()
	e.heartbeating.Store(false)
	if e.db != nil {
		if err := e.db.ResignPrimary(); err != nil {
			engineLog.Warn("resign_primary_failed", slog.String("error", err.Error()))
		}
		if err := e.db.UnregisterInstance(); err != nil {
			engineLog.Warn("heartbeat_unregister_failed", slog.String("error", err.Error()))
		}
		e.closeStore()
	}
	engineLog.Info("engine_closed")
	return nil
}

// joinDone returns a context that ends when either parent ends.
func joinDone(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	context.AfterFunc(ctx, func() { stop() })
	return ctx
}
