package statedb

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/registry"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(id string, started time.Time) registry.Record {
	return registry.Record{
		ID:          id,
		PID:         1000,
		Port:        7681,
		SessionID:   "sess-" + id,
		ProjectPath: "/work/" + id,
		Strategy:    registry.StrategyMultiplexed,
		Status:      registry.StatusRunning,
		StartedAt:   started,
		TmuxSession: "ttydeck-" + id,
	}
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.SaveRecords([]registry.Record{testRecord("a", time.Now())}); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	rows, err := db2.LoadRecords()
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(rows))
	}
	if rows[0].ID != "a" || rows[0].TmuxSession != "ttydeck-a" {
		t.Errorf("Unexpected data: %+v", rows[0])
	}
}

func TestSaveLoadRecords(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := testRecord("old", base)
	older.Status = registry.StatusDead
	older.StoppedAt = base.Add(time.Minute)
	older.Reason = "health check failed"
	newer := testRecord("new", base.Add(time.Hour))
	newer.LastValidatedAt = base.Add(2 * time.Hour)

	if err := db.SaveRecords([]registry.Record{older, newer}); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	loaded, err := db.LoadRecords()
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(loaded))
	}
	if loaded[0].ID != "new" || loaded[1].ID != "old" {
		t.Errorf("Wrong order: %s, %s", loaded[0].ID, loaded[1].ID)
	}
	if loaded[1].Reason != "health check failed" || loaded[1].Status != registry.StatusDead {
		t.Errorf("Dead record mismatch: %+v", loaded[1])
	}
	if !loaded[1].StoppedAt.Equal(older.StoppedAt) {
		t.Errorf("StoppedAt mismatch: %v vs %v", loaded[1].StoppedAt, older.StoppedAt)
	}
	if !loaded[0].StoppedAt.IsZero() {
		t.Errorf("Expected zero StoppedAt, got %v", loaded[0].StoppedAt)
	}
	if !loaded[0].LastValidatedAt.Equal(newer.LastValidatedAt) {
		t.Errorf("LastValidatedAt mismatch: %v", loaded[0].LastValidatedAt)
	}
}

func TestSaveRecordsDeletesMissing(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	if err := db.SaveRecords([]registry.Record{testRecord("a", now), testRecord("b", now)}); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}
	if err := db.SaveRecords([]registry.Record{testRecord("b", now)}); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}
	loaded, _ := db.LoadRecords()
	if len(loaded) != 1 || loaded[0].ID != "b" {
		t.Fatalf("Expected only b, got %+v", loaded)
	}

	if err := db.SaveRecords(nil); err != nil {
		t.Fatalf("SaveRecords(nil): %v", err)
	}
	empty, err := db.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Error("Expected empty after saving nil")
	}
}

func TestStoreBacksRegistry(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	reg := registry.New(store, 0)
	rec, err := reg.Create(registry.Record{PID: 4242, Port: 7700, SessionID: "s1", Strategy: registry.StrategyDirect})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.MarkRunning(rec.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	ts, err := db.LastModified()
	if err != nil || ts == 0 {
		t.Fatalf("Expected last_modified to be set, got %d (%v)", ts, err)
	}

	reloaded := registry.New(NewStore(db), 0)
	if err := reloaded.Load(func(pid int) bool { return pid == 4242 }); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := reloaded.ActiveFor("s1")
	if !ok {
		t.Fatal("Expected active record for s1")
	}
	if got.Status != registry.StatusRunning || got.Port != 7700 {
		t.Errorf("Unexpected record: %+v", got)
	}
}

func TestImportJSON(t *testing.T) {
	db := newTestDB(t)
	jsonPath := filepath.Join(t.TempDir(), "instances.json")

	src := registry.NewJSONStore(jsonPath)
	if err := src.Save([]registry.Record{testRecord("x", time.Now()), testRecord("y", time.Now())}); err != nil {
		t.Fatalf("seed json: %v", err)
	}

	n, err := ImportJSON(jsonPath, db)
	if err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 imported, got %d", n)
	}

	// Second run is a no-op even if the file changed.
	if err := src.Save([]registry.Record{testRecord("z", time.Now())}); err != nil {
		t.Fatalf("reseed json: %v", err)
	}
	n, err = ImportJSON(jsonPath, db)
	if err != nil {
		t.Fatalf("ImportJSON again: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 on second import, got %d", n)
	}
	loaded, _ := db.LoadRecords()
	if len(loaded) != 2 {
		t.Errorf("Expected 2 records, got %d", len(loaded))
	}
}

func TestImportJSONMissingFile(t *testing.T) {
	db := newTestDB(t)
	n, err := ImportJSON(filepath.Join(t.TempDir(), "nope.json"), db)
	if err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0, got %d", n)
	}
	marker, _ := db.GetMeta(MetaJSONImported)
	if marker == "" {
		t.Error("Expected import marker to be written")
	}
}

func TestHeartbeat(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterInstance(true); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := db.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	count, err := db.AliveInstanceCount(30 * time.Second)
	if err != nil {
		t.Fatalf("AliveInstanceCount: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 alive, got %d", count)
	}

	if err := db.UnregisterInstance(); err != nil {
		t.Fatalf("UnregisterInstance: %v", err)
	}
	count, _ = db.AliveInstanceCount(30 * time.Second)
	if count != 0 {
		t.Errorf("Expected 0 alive after unregister, got %d", count)
	}
}

func TestHeartbeatCleanup(t *testing.T) {
	db := newTestDB(t)

	stale := time.Now().Add(-2 * time.Minute).Unix()
	_, err := db.DB().Exec(
		"INSERT INTO engine_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
		99999, stale, stale, 0,
	)
	if err != nil {
		t.Fatalf("Insert stale: %v", err)
	}
	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := db.CleanDeadInstances(30 * time.Second); err != nil {
		t.Fatalf("CleanDeadInstances: %v", err)
	}

	var total int
	if err := db.DB().QueryRow("SELECT COUNT(*) FROM engine_heartbeats").Scan(&total); err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 row after cleanup, got %d", total)
	}
}

func TestTouchAndLastModified(t *testing.T) {
	db := newTestDB(t)

	ts0, err := db.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if ts0 != 0 {
		t.Errorf("Expected 0 before any touch, got %d", ts0)
	}
	if err := db.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	ts1, err := db.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if ts1 == 0 {
		t.Error("Expected non-zero after touch")
	}
}

func TestConcurrentApplies(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs := []registry.Record{testRecord(fmt.Sprintf("r%d", i), time.Now())}
			if err := store.Apply(recs, nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent apply: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 10 {
		t.Errorf("Expected every writer's record to survive, got %d", len(loaded))
	}
}

func TestApplyKeepsTerminalRows(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	dead := testRecord("a", time.Now())
	dead.Status = registry.StatusDead
	dead.Reason = "audit"
	if err := store.Apply([]registry.Record{dead, testRecord("b", time.Now())}, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// A stale running copy of a and the deletion of b.
	if err := store.Apply([]registry.Record{testRecord("a", time.Now())}, []string{"b"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(loaded))
	}
	if loaded[0].Status != registry.StatusDead || loaded[0].Reason != "audit" {
		t.Errorf("Dead row was overwritten: %+v", loaded[0])
	}
}

func TestRegistriesShareDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	open := func() *StateDB {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}
	daemon := registry.New(NewStore(open()), 0)
	cli := registry.New(NewStore(open()), 0)
	for _, r := range []*registry.Registry{daemon, cli} {
		if err := r.Load(func(int) bool { return true }); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}

	if _, err := cli.Create(registry.Record{PID: 1, SessionID: "cli-session"}); err != nil {
		t.Fatalf("cli Create: %v", err)
	}
	if _, err := daemon.Create(registry.Record{PID: 2, SessionID: "daemon-session"}); err != nil {
		t.Fatalf("daemon Create: %v", err)
	}

	loaded, err := NewStore(open()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected both records, got %d", len(loaded))
	}
	if _, ok := daemon.ActiveFor("cli-session"); !ok {
		t.Error("daemon did not pick up the command's record")
	}
}

func TestMigrateAddsUpdatedAt(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.DB().Exec("DROP TABLE records"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := db.DB().Exec(`CREATE TABLE records (
		id TEXT PRIMARY KEY, pid INTEGER NOT NULL, port INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '', project_path TEXT NOT NULL DEFAULT '',
		strategy TEXT NOT NULL, status TEXT NOT NULL, source TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL, stopped_at INTEGER NOT NULL DEFAULT 0,
		last_validated_at INTEGER NOT NULL DEFAULT 0, tty TEXT NOT NULL DEFAULT '',
		tmux_session TEXT NOT NULL DEFAULT '', backing_pid INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '')`); err != nil {
		t.Fatalf("create v1 table: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	rec := testRecord("a", time.Now())
	rec.UpdatedAt = time.UnixMilli(time.Now().UnixMilli())
	if err := db.SaveRecords([]registry.Record{rec}); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}
	loaded, err := db.LoadRecords()
	if err != nil || len(loaded) != 1 {
		t.Fatalf("LoadRecords: %v (%d)", err, len(loaded))
	}
	if !loaded[0].UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("updated_at = %v, want %v", loaded[0].UpdatedAt, rec.UpdatedAt)
	}
	if v, _ := db.GetMeta("schema_version"); v != "2" {
		t.Errorf("schema_version = %q", v)
	}
}

func TestElectPrimary_FirstInstance(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	isPrimary, err := db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary: %v", err)
	}
	if !isPrimary {
		t.Error("First engine should become primary")
	}
	isPrimary, err = db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary (repeat): %v", err)
	}
	if !isPrimary {
		t.Error("Should still be primary on repeat call")
	}
}

func TestElectPrimary_SecondInstance(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().Unix()
	_, err := db.DB().Exec(
		"INSERT INTO engine_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
		10001, now, now, 1,
	)
	if err != nil {
		t.Fatalf("Insert primary: %v", err)
	}
	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	isPrimary, err := db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary: %v", err)
	}
	if isPrimary {
		t.Error("Second engine should NOT become primary while first is alive")
	}
}

func TestElectPrimary_Failover(t *testing.T) {
	db := newTestDB(t)

	stale := time.Now().Add(-2 * time.Minute).Unix()
	_, err := db.DB().Exec(
		"INSERT INTO engine_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
		10001, stale, stale, 1,
	)
	if err != nil {
		t.Fatalf("Insert stale primary: %v", err)
	}
	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	isPrimary, err := db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary: %v", err)
	}
	if !isPrimary {
		t.Error("Should become primary after stale primary is cleared")
	}

	var stalePrimary int
	if err := db.DB().QueryRow(
		"SELECT is_primary FROM engine_heartbeats WHERE pid = 10001",
	).Scan(&stalePrimary); err != nil {
		t.Fatalf("Query stale PID: %v", err)
	}
	if stalePrimary != 0 {
		t.Error("Stale PID should have is_primary=0")
	}
}

func TestResignPrimary(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if ok, err := db.ElectPrimary(30 * time.Second); err != nil || !ok {
		t.Fatalf("ElectPrimary: %v %v", ok, err)
	}
	if err := db.ResignPrimary(); err != nil {
		t.Fatalf("ResignPrimary: %v", err)
	}
	var flag int
	if err := db.DB().QueryRow("SELECT is_primary FROM engine_heartbeats WHERE pid = ?", db.pid).Scan(&flag); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if flag != 0 {
		t.Error("Expected is_primary=0 after resign")
	}
}
