package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// SpawnRequest is one terminal server launch.
type SpawnRequest struct {
	Binary  string
	Args    []string
	WorkDir string
	Port    int
}

// Spawner starts a terminal server and returns its pid. The process must
// outlive the call.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (int, error)
}

// ExecSpawner runs the server as a detached child in its own process group
// with output going to a per-port log file.
type ExecSpawner struct {
	// LogDir receives server-<port>.log. Empty discards output.
	LogDir string
}

// Spawn implements Spawner. ctx only bounds process creation; the server is
// not tied to it.
func (s ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cmd := exec.Command(req.Binary, req.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	// Own process group so the whole tree can be signalled together and
	// terminal signals to the engine don't reach it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o700); err == nil {
			f, err := os.OpenFile(filepath.Join(s.LogDir, fmt.Sprintf("server-%d.log", req.Port)),
				os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err == nil {
				logFile = f
				cmd.Stdout = f
				cmd.Stderr = f
			}
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, fmt.Errorf("start %s: %w", req.Binary, err)
	}
	pid := cmd.Process.Pid
	lifecycleLog.Info("server_spawned",
		slog.Int("pid", pid),
		slog.Int("port", req.Port),
		slog.String("binary", req.Binary))

	// Reap so the exited server never lingers as a zombie.
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		attrs := []slog.Attr{slog.Int("pid", pid), slog.Int("port", req.Port)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		lifecycleLog.LogAttrs(context.Background(), slog.LevelInfo, "server_exited", attrs...)
	}()
	return pid, nil
}
