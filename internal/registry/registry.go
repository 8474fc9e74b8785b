package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/ttydeck/internal/logging"
)

var registryLog = logging.ForComponent(logging.CompRegistry)

// DefaultMaxRecords caps the persisted set.
const DefaultMaxRecords = 200

// Registry is the in-memory view of the launch records shared by every
// ttydeck process. Every mutation rebuilds the active-per-session index and
// writes only the changed record to the store; Sync picks up what other
// processes wrote. A failed write is logged and the in-memory state stays
// authoritative.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	active  map[string]string
	store   Store
	max     int
	now     func() time.Time
}

// New returns an empty registry over store. store may be nil.
func New(store Store, max int) *Registry {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	return &Registry{
		records: make(map[string]*Record),
		active:  make(map[string]string),
		store:   store,
		max:     max,
		now:     time.Now,
	}
}

// Load replaces the in-memory set with the store's records and marks every
// active record whose pid is no longer alive as dead.
func (r *Registry) Load(alive func(pid int) bool) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Record, len(recs))
	for i := range recs {
		rec := recs[i]
		if rec.ID == "" {
			continue
		}
		r.records[rec.ID] = &rec
	}

	now := r.now()
	var changed []Record
	for _, rec := range r.records {
		if !rec.Status.Active() {
			continue
		}
		if alive != nil && !alive(rec.PID) {
			rec.Status = StatusDead
			rec.StoppedAt = now
			rec.Reason = "process not alive at load"
			rec.UpdatedAt = now
			changed = append(changed, *rec)
			continue
		}
		rec.LastValidatedAt = now
	}
	changed = append(changed, r.dedupeLocked(now)...)

	r.rebuildIndexLocked()
	registryLog.Info("registry_loaded",
		slog.Int("records", len(r.records)),
		slog.Int("marked_dead", len(changed)))
	r.persistLocked(changed, nil)
	return nil
}

// Sync folds in what other processes wrote since the last read. New
// records are adopted, newer copies replace older ones, terminal records
// another process evicted are dropped.
func (r *Registry) Sync() error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("registry: sync: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stored := make(map[string]bool, len(recs))
	var adopted int
	for i := range recs {
		rec := recs[i]
		if rec.ID == "" {
			continue
		}
		stored[rec.ID] = true
		cur, ok := r.records[rec.ID]
		if !ok {
			r.records[rec.ID] = &rec
			adopted++
			continue
		}
		if Supersedes(*cur, rec) {
			*cur = rec
			adopted++
		}
	}
	for id, rec := range r.records {
		if !stored[id] && rec.Status.Terminal() {
			delete(r.records, id)
		}
	}
	changed := r.dedupeLocked(r.now())
	r.rebuildIndexLocked()
	if adopted > 0 {
		registryLog.Debug("registry_synced", slog.Int("adopted", adopted))
	}
	r.persistLocked(changed, nil)
	return nil
}

// dedupeLocked keeps the newest active record per session and marks the
// rest dead. Two can only meet when separate processes each started one.
func (r *Registry) dedupeLocked(now time.Time) []Record {
	var changed []Record
	seen := make(map[string]bool)
	for _, rec := range r.sortedLocked() {
		if !rec.Status.Active() || rec.SessionID == "" {
			continue
		}
		if seen[rec.SessionID] {
			rec.Status = StatusDead
			rec.StoppedAt = now
			rec.Reason = "duplicate active record"
			rec.UpdatedAt = now
			changed = append(changed, *rec)
			continue
		}
		seen[rec.SessionID] = true
	}
	return changed
}

// Create inserts a new starting record. ID and StartedAt are assigned when
// empty.
func (r *Registry) Create(rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = r.now()
	}
	if rec.Status == "" {
		rec.Status = StatusStarting
	}
	// A record another process created for this session must be visible
	// before the one-active check.
	if err := r.Sync(); err != nil {
		registryLog.Warn("registry_sync_failed", slog.String("error", err.Error()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.upsertLocked(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// upsertLocked inserts or replaces rec, enforcing the state machine and the
// one-active-record-per-session rule.
func (r *Registry) upsertLocked(rec *Record) error {
	if old, ok := r.records[rec.ID]; ok && !CanTransition(old.Status, rec.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old.Status, rec.Status)
	}
	if rec.Status.Active() && rec.SessionID != "" {
		if other, ok := r.active[rec.SessionID]; ok && other != rec.ID {
			return fmt.Errorf("%w: %s (record %s)", ErrActiveInstanceExists, rec.SessionID, other)
		}
	}
	rec.UpdatedAt = r.now()
	cp := *rec
	r.records[rec.ID] = &cp
	r.commitLocked(cp)
	return nil
}

// MarkRunning flips a starting record to running.
func (r *Registry) MarkRunning(id string) error {
	return r.transition(id, StatusRunning, "")
}

// MarkStopped records an explicit, successful stop.
func (r *Registry) MarkStopped(id string) error {
	return r.transition(id, StatusStopped, "")
}

// MarkDead records a failed liveness or health check.
func (r *Registry) MarkDead(id, reason string) error {
	return r.transition(id, StatusDead, reason)
}

func (r *Registry) transition(id string, to Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !CanTransition(rec.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}
	from := rec.Status
	rec.Status = to
	now := r.now()
	rec.UpdatedAt = now
	switch to {
	case StatusRunning:
		rec.LastValidatedAt = now
	case StatusStopped, StatusDead:
		if rec.StoppedAt.IsZero() {
			rec.StoppedAt = now
		}
		if reason != "" {
			rec.Reason = reason
		}
	}
	r.commitLocked(*rec)
	registryLog.Info("record_transition",
		slog.String("id", id),
		slog.String("session_id", rec.SessionID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	return nil
}

// Update applies fn to a copy of the record and stores the result, all
// under one lock. fn may not change the id.
func (r *Registry) Update(id string, fn func(*Record)) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *rec
	fn(&cp)
	cp.ID = id
	if err := r.upsertLocked(&cp); err != nil {
		return Record{}, err
	}
	return cp, nil
}

// Reassign points an active record at a different logical session. It
// fails if the new session already has its own active record.
func (r *Registry) Reassign(id, sessionID string) error {
	_, err := r.Update(id, func(rec *Record) {
		rec.SessionID = sessionID
		rec.LastValidatedAt = r.now()
	})
	return err
}

// Touch stamps LastValidatedAt without persisting.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.LastValidatedAt = r.now()
	}
}

// Get returns a record by id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ActiveFor returns the session's starting or running record.
func (r *Registry) ActiveFor(sessionID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.active[sessionID]
	if !ok {
		return Record{}, false
	}
	return *r.records[id], true
}

// Active returns every starting or running record, newest first.
func (r *Registry) Active() []Record {
	return r.List(Filter{Statuses: []Status{StatusStarting, StatusRunning}})
}

// List returns matching records, newest first.
func (r *Registry) List(f Filter) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.sortedLocked() {
		if !f.match(rec) {
			continue
		}
		out = append(out, *rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// ActivePorts returns the ports held by active records.
func (r *Registry) ActivePorts() map[int]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make(map[int]bool)
	for _, rec := range r.records {
		if rec.Status.Active() && rec.Port > 0 {
			ports[rec.Port] = true
		}
	}
	return ports
}

// Len returns the number of records held in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) sortedLocked() []*Record {
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) rebuildIndexLocked() {
	r.active = make(map[string]string)
	for id, rec := range r.records {
		if rec.Status.Active() && rec.SessionID != "" {
			r.active[rec.SessionID] = id
		}
	}
}

// commitLocked evicts past the cap, rebuilds the index and persists the
// changed record along with any evictions.
func (r *Registry) commitLocked(changed Record) {
	var evicted []string
	if len(r.records) > r.max {
		sorted := r.sortedLocked()
		kept := 0
		for _, rec := range sorted {
			if kept < r.max || rec.Status.Active() {
				kept++
				continue
			}
			delete(r.records, rec.ID)
			evicted = append(evicted, rec.ID)
		}
	}
	r.rebuildIndexLocked()
	r.persistLocked([]Record{changed}, evicted)
}

func (r *Registry) persistLocked(put []Record, deleted []string) {
	if r.store == nil || (len(put) == 0 && len(deleted) == 0) {
		return
	}
	if err := r.store.Apply(put, deleted); err != nil {
		registryLog.Warn("registry_persist_failed", slog.String("error", err.Error()))
	}
}
