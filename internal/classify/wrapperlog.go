package classify

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// wrapperStartTolerance bounds how far an entry's started_at may sit from
// the process start before the entry is treated as a reused pid.
const wrapperStartTolerance = 2 * time.Minute

// WrapperEntry is one line of the launch wrapper's JSONL log.
type WrapperEntry struct {
	PID         int       `json:"pid"`
	SessionID   string    `json:"session_id"`
	ProjectPath string    `json:"project_path"`
	StartedAt   time.Time `json:"started_at"`
}

// WrapperLookup resolves a pid to its wrapper entry.
type WrapperLookup interface {
	Lookup(pid int, start time.Time) (WrapperEntry, bool)
}

// WrapperLog keeps the launch wrapper's log in memory and reloads it when
// the file changes.
type WrapperLog struct {
	path string

	mu      sync.RWMutex
	entries map[int]WrapperEntry
}

var _ WrapperLookup = (*WrapperLog)(nil)

// NewWrapperLog returns a log reader for path. Call Reload or Watch to
// populate it.
func NewWrapperLog(path string) *WrapperLog {
	return &WrapperLog{path: path, entries: make(map[int]WrapperEntry)}
}

// Reload rereads the whole file. Later lines for the same pid win. A
// missing file empties the map.
func (w *WrapperLog) Reload() error {
	entries := make(map[int]WrapperEntry)
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			w.swap(entries)
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e WrapperEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil || e.PID <= 0 {
			continue
		}
		entries[e.PID] = e
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	w.swap(entries)
	return nil
}

func (w *WrapperLog) swap(entries map[int]WrapperEntry) {
	w.mu.Lock()
	w.entries = entries
	w.mu.Unlock()
}

// Lookup returns the entry for pid if its start time is consistent with a
// process started at start.
func (w *WrapperLog) Lookup(pid int, start time.Time) (WrapperEntry, bool) {
	w.mu.RLock()
	e, ok := w.entries[pid]
	w.mu.RUnlock()
	if !ok {
		return WrapperEntry{}, false
	}
	if !e.StartedAt.IsZero() && !start.IsZero() {
		d := e.StartedAt.Sub(start)
		if d < -wrapperStartTolerance || d > wrapperStartTolerance {
			return WrapperEntry{}, false
		}
	}
	return e, true
}

// Len reports the number of tracked pids.
func (w *WrapperLog) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Watch reloads the log whenever it is written until ctx is done. The
// parent directory is watched so the file may be created later.
func (w *WrapperLog) Watch(ctx context.Context) error {
	if err := w.Reload(); err != nil {
		classifyLog.Warn("wrapper_log_load_failed", slog.String("path", w.path), slog.String("error", err.Error()))
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				if err := w.Reload(); err != nil {
					classifyLog.Warn("wrapper_log_reload_failed", slog.String("error", err.Error()))
					return
				}
				classifyLog.Debug("wrapper_log_reloaded", slog.Int("entries", w.Len()))
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			classifyLog.Warn("wrapper_log_watch_error", slog.String("error", err.Error()))
		}
	}
}
