package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/asheshgoplani/ttydeck/internal/logging"
)

// maxTaskErrors bounds the errors kept for TaskErrors.
const maxTaskErrors = 32

// TaskError is one failed background task.
type TaskError struct {
	Name string
	Err  error
}

func (e TaskError) Error() string { return e.Name + ": " + e.Err.Error() }

func (e TaskError) Unwrap() error { return e.Err }

// taskGroup runs detached work under one cancellable context. Panics are
// converted to errors and every failure lands in a single sink.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     *conc.WaitGroup

	mu     sync.Mutex
	closed bool
	errs   []TaskError
}

func newTaskGroup() *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel, wg: conc.NewWaitGroup()}
}

// Go implements statuscache.TaskRunner. Tasks submitted after close are
// dropped.
func (g *taskGroup) Go(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		logging.Aggregate(logging.CompEngine, "task_dropped_after_close", slog.String("task", name))
		return
	}
	g.wg.Go(func() {
		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() { err = fn(g.ctx) })
		if rec := catcher.Recovered(); rec != nil {
			err = rec.AsError()
		}
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		g.report(name, err)
	})
}

func (g *taskGroup) report(name string, err error) {
	engineLog.Warn("task_failed", slog.String("task", name), slog.String("error", err.Error()))
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, TaskError{Name: name, Err: err})
	if len(g.errs) > maxTaskErrors {
		g.errs = g.errs[len(g.errs)-maxTaskErrors:]
	}
}

// Errors returns the retained task failures, oldest first.
func (g *taskGroup) Errors() []TaskError {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]TaskError(nil), g.errs...)
}

// close cancels running tasks and waits for them.
func (g *taskGroup) close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}
