package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAggregatorRecord(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "agg.log")
	f, err := os.Create(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	logger := slog.New(slog.NewJSONHandler(f, nil))
	agg := NewAggregator(logger, 1) // 1 second interval for fast test
	agg.Start()

	// Record events
	agg.Record(CompScan, "ps_failed", slog.String("error", "exit 1"))
	agg.Record(CompScan, "ps_failed", slog.String("error", "exit 1"))
	agg.Record(CompScan, "ps_failed", slog.String("error", "exit 1"))
	agg.Record(CompScan, "tmux_unavailable")

	// Wait for flush
	time.Sleep(1500 * time.Millisecond)
	agg.Stop()
	_ = f.Sync()

	// Read and parse output
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("aggregator produced no output")
	}

	// Parse lines
	var records []map[string]any
	start := 0
	for i, b := range data {
		if b == '\n' {
			var r map[string]any
			if err := json.Unmarshal(data[start:i], &r); err == nil {
				records = append(records, r)
			}
			start = i + 1
		}
	}

	if len(records) < 2 {
		t.Fatalf("expected at least 2 summary records, got %d", len(records))
	}

	// Find the ps_failed summary
	found := false
	for _, r := range records {
		if r["event"] == "ps_failed" && r["msg"] == "event_summary" {
			count, ok := r["count"].(float64) // JSON numbers are float64
			if !ok || count != 3 {
				t.Errorf("expected count=3, got %v", r["count"])
			}
			found = true
		}
	}
	if !found {
		t.Error("ps_failed summary not found in output")
	}
}

func TestAggregatorNilLogger(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()

	// Should not panic
	agg.Record(CompScan, "test_event")

	time.Sleep(1200 * time.Millisecond)
	agg.Stop()
}

func TestAggregatorStopFlushes(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "agg.log")
	f, err := os.Create(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	logger := slog.New(slog.NewJSONHandler(f, nil))
	agg := NewAggregator(logger, 60) // Long interval, won't auto-flush
	agg.Start()

	agg.Record(CompStatus, "state_change")

	// Stop should trigger final flush
	agg.Stop()
	_ = f.Sync()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("expected final flush on Stop, got empty output")
	}
}

func TestAggregatorSampleAndPending(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)

	agg.Record(CompStatus, "poll_skipped_inflight", slog.Uint64("cycle", 4))
	agg.Record(CompStatus, "poll_skipped_inflight", slog.Uint64("cycle", 5))
	agg.Record(CompIdentify, "rate_limited")
	if got := agg.Pending(CompStatus, "poll_skipped_inflight"); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	agg.Stop()
	agg.Stop()
	if got := agg.Pending(CompStatus, "poll_skipped_inflight"); got != 0 {
		t.Errorf("Pending after flush = %d", got)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 summaries, got %d: %s", len(lines), buf.String())
	}
	// Summaries are sorted by component then event.
	var first, second map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if first["component"] != CompIdentify || second["component"] != CompStatus {
		t.Errorf("unexpected order: %v, %v", first["component"], second["component"])
	}
	sample, ok := second["sample"].(map[string]any)
	if !ok || sample["cycle"] != float64(5) {
		t.Errorf("expected latest sample, got %v", second["sample"])
	}
}
