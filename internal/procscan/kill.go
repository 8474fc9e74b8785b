package procscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

const maxKillDepth = 16

// Alive reports whether pid exists. EPERM counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// KillPIDs sends SIGTERM to every pid, waits up to grace for them to exit
// and SIGKILLs the survivors. Processes that are already gone are not an
// error. The first pid is treated as the root: an error is returned only if
// it is still alive at the end.
func KillPIDs(ctx context.Context, pids []int, grace time.Duration) error {
	if len(pids) == 0 {
		return nil
	}
	live := signalAll(pids, unix.SIGTERM)
	if len(live) == 0 {
		return nil
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		live = filterAlive(live)
		if len(live) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}

	live = filterAlive(live)
	if len(live) > 0 {
		scanLog.Info("kill_escalating_sigkill", slog.Any("pids", live))
		signalAll(live, unix.SIGKILL)
	}

	root := pids[0]
	for i := 0; i < 10 && Alive(root); i++ {
		time.Sleep(20 * time.Millisecond)
	}
	if Alive(root) && !isZombie(root) {
		return fmt.Errorf("procscan: pid %d survived SIGKILL", root)
	}
	return nil
}

func signalAll(pids []int, sig unix.Signal) []int {
	var sent []int
	for _, pid := range pids {
		if pid <= 1 {
			continue
		}
		if err := unix.Kill(pid, sig); err != nil {
			if !errors.Is(err, unix.ESRCH) {
				scanLog.Debug("kill_signal_failed",
					slog.Int("pid", pid),
					slog.String("signal", sig.String()),
					slog.String("error", err.Error()))
			}
			continue
		}
		sent = append(sent, pid)
	}
	return sent
}

func filterAlive(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if Alive(pid) && !isZombie(pid) {
			out = append(out, pid)
		}
	}
	return out
}
