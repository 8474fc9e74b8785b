// Package statedb is the SQLite backend for the instance registry, plus the
// daemon heartbeat and primary election tables.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/ttydeck/internal/registry"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 2

// StateDB wraps a SQLite database.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// PRAGMAs below are per connection; one connection keeps them in force
	// and serializes writers within this process.
	db.SetMaxOpenConns(1)

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id                TEXT PRIMARY KEY,
			pid               INTEGER NOT NULL,
			port              INTEGER NOT NULL DEFAULT 0,
			session_id        TEXT NOT NULL DEFAULT '',
			project_path      TEXT NOT NULL DEFAULT '',
			strategy          TEXT NOT NULL,
			status            TEXT NOT NULL,
			source            TEXT NOT NULL DEFAULT '',
			started_at        INTEGER NOT NULL,
			stopped_at        INTEGER NOT NULL DEFAULT 0,
			last_validated_at INTEGER NOT NULL DEFAULT 0,
			tty               TEXT NOT NULL DEFAULT '',
			tmux_session      TEXT NOT NULL DEFAULT '',
			backing_pid       INTEGER NOT NULL DEFAULT 0,
			reason            TEXT NOT NULL DEFAULT '',
			updated_at        INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create records: %w", err)
	}

	// v1 databases predate updated_at.
	var hasUpdatedAt int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('records') WHERE name = 'updated_at'",
	).Scan(&hasUpdatedAt); err != nil {
		return fmt.Errorf("statedb: inspect records: %w", err)
	}
	if hasUpdatedAt == 0 {
		if _, err := tx.Exec("ALTER TABLE records ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0"); err != nil {
			return fmt.Errorf("statedb: add updated_at: %w", err)
		}
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_records_session ON records (session_id, status)
	`); err != nil {
		return fmt.Errorf("statedb: create records index: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS engine_heartbeats (
			pid        INTEGER PRIMARY KEY,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create heartbeats: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// IsEmpty returns true if the records table has no rows.
func (s *StateDB) IsEmpty() (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

// --- Records ---

const recordColumns = `id, pid, port, session_id, project_path, strategy, status, source,
	started_at, stopped_at, last_validated_at, tty, tmux_session, backing_pid, reason, updated_at`

const upsertRecord = `INSERT OR REPLACE INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func recordArgs(r registry.Record) []any {
	return []any{
		r.ID, r.PID, r.Port, r.SessionID, r.ProjectPath, string(r.Strategy), string(r.Status), r.Source,
		toMillis(r.StartedAt), toMillis(r.StoppedAt), toMillis(r.LastValidatedAt),
		r.TTY, r.TmuxSession, r.BackingPID, r.Reason, toMillis(r.UpdatedAt),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SaveRecords replaces the record set in a single transaction. Rows whose
// id is not in recs are deleted so evicted records don't reappear.
func (s *StateDB) SaveRecords(recs []registry.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(recs) == 0 {
		if _, err := tx.Exec("DELETE FROM records"); err != nil {
			return err
		}
	} else {
		placeholders := make([]string, len(recs))
		args := make([]any, len(recs))
		for i, r := range recs {
			placeholders[i] = "?"
			args[i] = r.ID
		}
		query := "DELETE FROM records WHERE id NOT IN (" + strings.Join(placeholders, ",") + ")"
		if _, err := tx.Exec(query, args...); err != nil {
			return err
		}
	}

	stmt, err := tx.Prepare(upsertRecord)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(recordArgs(r)...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ApplyRecords upserts put and deletes deleted in one transaction, leaving
// every other row alone. A put that would change the status of a stored
// stopped or dead row is skipped.
func (s *StateDB) ApplyRecords(put []registry.Record, deleted []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(upsertRecord)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range put {
		var stored string
		err := tx.QueryRow("SELECT status FROM records WHERE id = ?", r.ID).Scan(&stored)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && registry.Status(stored).Terminal() && registry.Status(stored) != r.Status {
			continue
		}
		if _, err := stmt.Exec(recordArgs(r)...); err != nil {
			return err
		}
	}
	for _, id := range deleted {
		if _, err := tx.Exec("DELETE FROM records WHERE id = ?", id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadRecords returns all records, newest first.
func (s *StateDB) LoadRecords() ([]registry.Record, error) {
	rows, err := s.db.Query(`SELECT ` + recordColumns + ` FROM records ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []registry.Record
	for rows.Next() {
		var r registry.Record
		var strategy, status string
		var started, stopped, validated, updated int64
		if err := rows.Scan(
			&r.ID, &r.PID, &r.Port, &r.SessionID, &r.ProjectPath, &strategy, &status, &r.Source,
			&started, &stopped, &validated,
			&r.TTY, &r.TmuxSession, &r.BackingPID, &r.Reason, &updated,
		); err != nil {
			return nil, err
		}
		r.Strategy = registry.Strategy(strategy)
		r.Status = registry.Status(status)
		r.StartedAt = fromMillis(started)
		r.StoppedAt = fromMillis(stopped)
		r.LastValidatedAt = fromMillis(validated)
		r.UpdatedAt = fromMillis(updated)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Store adapts StateDB to registry.Store. Every write bumps last_modified so
// other processes can poll for changes.
type Store struct {
	db *StateDB
}

// NewStore wraps db.
func NewStore(db *StateDB) *Store {
	return &Store{db: db}
}

// Load implements registry.Store.
func (st *Store) Load() ([]registry.Record, error) {
	return st.db.LoadRecords()
}

// Apply implements registry.Store.
func (st *Store) Apply(put []registry.Record, deleted []string) error {
	if err := st.db.ApplyRecords(put, deleted); err != nil {
		return fmt.Errorf("statedb: apply records: %w", err)
	}
	return st.db.Touch()
}

// --- Heartbeat ---

// RegisterInstance records this process as a running engine.
func (s *StateDB) RegisterInstance(isPrimary bool) error {
	now := time.Now().Unix()
	primary := 0
	if isPrimary {
		primary = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO engine_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, ?)
	`, s.pid, now, now, primary)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE engine_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterInstance removes this process from the heartbeat table.
func (s *StateDB) UnregisterInstance() error {
	_, err := s.db.Exec("DELETE FROM engine_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadInstances removes heartbeat entries that haven't been updated within timeout.
func (s *StateDB) CleanDeadInstances(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM engine_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveInstanceCount returns how many engines have heartbeats newer than timeout.
func (s *StateDB) AliveInstanceCount(timeout time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-timeout).Unix()
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM engine_heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}

// --- Primary Election ---

// ElectPrimary attempts to make this engine the primary.
// Returns true if this engine is now (or already was) the primary.
// Uses a transaction to atomically clear stale primaries and claim if available.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE engine_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM engine_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)

	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("statedb: query primary: %w", err)
	}

	if _, err := tx.Exec(
		"UPDATE engine_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// PrimaryPID returns the pid of the live primary, or 0 when none has a
// heartbeat newer than timeout.
func (s *StateDB) PrimaryPID(timeout time.Duration) (int, error) {
	var pid int
	cutoff := time.Now().Add(-timeout).Unix()
	err := s.db.QueryRow(
		"SELECT pid FROM engine_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&pid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return pid, err
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec(
		"UPDATE engine_heartbeats SET is_primary = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Touch updates a metadata timestamp that other processes can poll to detect changes.
func (s *StateDB) Touch() error {
	return s.SetMeta("last_modified", fmt.Sprintf("%d", time.Now().UnixNano()))
}

// LastModified returns the last_modified timestamp from metadata.
func (s *StateDB) LastModified() (int64, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	var ts int64
	_, err = fmt.Sscanf(val, "%d", &ts)
	return ts, err
}
