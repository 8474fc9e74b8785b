package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/asheshgoplani/ttydeck/internal/config"
	"github.com/asheshgoplani/ttydeck/internal/logging"
)

const daemonLockFile = "daemon.lock"

var cliLog = logging.ForComponent(logging.CompCLI)

func handleDaemon(cfg *config.UserConfig, args []string) int {
	fs, jsonOutput, quiet := commandFlags("daemon")
	once := fs.Bool("once", false, "Run a single poll and audit, then exit")
	fs.Usage = func() {
		fmt.Println("Usage: ttydeck daemon [--once]")
		fmt.Println()
		fmt.Println("Poll conversation processes and audit instances until interrupted.")
	}
	if !parseFlags(fs, args) {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet)

	e, err := newEngine(cfg)
	if err != nil {
		return out.Fail(err)
	}
	defer e.Close()

	if *once {
		ctx := context.Background()
		snap := e.Refresh(ctx)
		audit := e.DeepHealthAudit(ctx)
		out.Success(fmt.Sprintf("Polled %d process(es), %d instance(s), %d marked dead",
			len(snap.Processes), len(snap.Instances), len(audit.MarkedDead)), map[string]interface{}{
			"snapshot": snap,
			"audit":    audit,
		})
		return 0
	}

	lock := flock.New(filepath.Join(e.DataDir(), daemonLockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return out.Fail(fmt.Errorf("daemon lock: %w", err))
	}
	if !locked {
		out.Error("another daemon is already running for "+e.DataDir(), ErrCodeAlreadyRunning)
		return 1
	}
	defer func() { _ = lock.Unlock() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	defer signal.Stop(usr1Chan)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1Chan:
				dumpRingBuffer(e.DataDir())
			}
		}
	}()

	cliLog.Info("daemon_started", slog.Int("pid", os.Getpid()), slog.String("data_dir", e.DataDir()))
	if err := e.Run(ctx); err != nil {
		return out.Fail(err)
	}
	cliLog.Info("daemon_stopped", slog.Int("task_errors", len(e.TaskErrors())))
	return 0
}

func dumpRingBuffer(dir string) {
	dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
	if err := logging.DumpRingBuffer(dumpPath); err != nil {
		cliLog.Error("crash_dump_failed", slog.String("error", err.Error()))
		return
	}
	cliLog.Info("crash_dump_written", slog.String("path", dumpPath))
}
