package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type aggregateKey struct {
	component string
	event     string
}

// aggregateEntry counts one event within a window. The attrs of the most
// recent occurrence are kept as a sample.
type aggregateEntry struct {
	count     int64
	firstSeen time.Time
	sample    []slog.Attr
}

// Aggregator folds high-frequency events (scan failures, skipped polls,
// identification misses) into one event_summary line per window.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs.
// A nil logger drops everything it records.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

// Start runs the flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop ends the loop and writes what is pending. Safe to call twice.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.flush()
	})
}

// Record counts one occurrence of event.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	if a.logger == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{component: component, event: event}
	entry, ok := a.entries[key]
	if !ok {
		entry = &aggregateEntry{firstSeen: a.now()}
		a.entries[key] = entry
	}
	entry.count++
	if len(attrs) > 0 {
		entry.sample = attrs
	}
}

// Pending is the count recorded for event since the last flush.
func (a *Aggregator) Pending(component, event string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[aggregateKey{component: component, event: event}]; ok {
		return e.count
	}
	return 0
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()
	if len(entries) == 0 || a.logger == nil {
		return
	}

	keys := make([]aggregateKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return keys[i].event < keys[j].event
	})

	now := a.now()
	for _, k := range keys {
		e := entries[k]
		attrs := []any{
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", e.count),
			slog.Int("window_seconds", int(now.Sub(e.firstSeen).Seconds())),
		}
		if len(e.sample) > 0 {
			sample := make([]any, len(e.sample))
			for i, attr := range e.sample {
				sample[i] = attr
			}
			attrs = append(attrs, slog.Group("sample", sample...))
		}
		a.logger.Info("event_summary", attrs...)
	}
}
