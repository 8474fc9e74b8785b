package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTemp(t *testing.T, cfg Config) string {
	t.Helper()
	Shutdown()
	dir := t.TempDir()
	cfg.LogDir = dir
	Init(cfg)
	t.Cleanup(Shutdown)
	return filepath.Join(dir, LogFileName)
}

// readRecords parses every JSON line of the log file.
func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []map[string]any
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal(line, &r); err == nil {
			records = append(records, r)
		}
	}
	return records
}

func TestInitWritesJSONL(t *testing.T) {
	path := initTemp(t, Config{})

	Logger().Info("test_message", "key", "value")

	records := readRecords(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, "test_message", records[0]["msg"])
	assert.Equal(t, "value", records[0]["key"])
}

func TestInitWithoutDirDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	l := Logger()
	if l == nil {
		t.Fatal("expected non-nil logger even without a log dir")
	}
	l.Info("this goes nowhere")
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()
	early := ForComponent(CompLifecycle)

	path := initTemp(t, Config{})
	early.Info("start_port_reserved", "port", 7681)

	records := readRecords(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, CompLifecycle, records[0]["component"])
	assert.EqualValues(t, 7681, records[0]["port"])
}

func TestLevelFiltering(t *testing.T) {
	path := initTemp(t, Config{Level: "warn"})

	Logger().Info("should_be_filtered")
	Logger().Warn("should_appear")

	var msgs []any
	for _, r := range readRecords(t, path) {
		msgs = append(msgs, r["msg"])
	}
	assert.NotContains(t, msgs, "should_be_filtered")
	assert.Contains(t, msgs, "should_appear")
}

func TestDebugOverridesLevel(t *testing.T) {
	path := initTemp(t, Config{Level: "error", Debug: true})

	Logger().Debug("debug_visible")

	records := readRecords(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, "debug_visible", records[0]["msg"])
}

func TestTextFormat(t *testing.T) {
	path := initTemp(t, Config{Format: "text"})

	Logger().Info("text_format_test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	assert.Error(t, json.Unmarshal(bytes.TrimSpace(data), &record), "expected text, got JSON")
	assert.Contains(t, string(data), "msg=text_format_test")
}

func TestDumpRingBuffer(t *testing.T) {
	initTemp(t, Config{RingBufferSize: 1024})

	Logger().Info("ring_test_message")

	dump := filepath.Join(t.TempDir(), "crash-dump.jsonl")
	require.NoError(t, DumpRingBuffer(dump))
	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ring_test_message")
}

func TestBridgeWriter(t *testing.T) {
	path := initTemp(t, Config{})

	bw := NewBridgeWriter(CompWeb)
	_, _ = bw.Write([]byte("http: TLS handshake error from 127.0.0.1:5555: EOF\n"))
	_, _ = bw.Write([]byte("15:04:05.000000 [TMUX] attach failed\n"))
	n, err := bw.Write([]byte("   \n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	records := readRecords(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, CompWeb, records[0]["component"])
	assert.Equal(t, "WARN", records[0]["level"])
	assert.Equal(t, CompTmux, records[1]["component"])
	assert.Equal(t, "attach failed", records[1]["msg"])
}

func TestStripLogTimestamp(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"15:04:05.000000 hello", "hello"},
		{"15:04:05 hello", "hello"},
		{"no timestamp here", "no timestamp here"},
		{"12:34:56.789012 [STATUS] msg", "[STATUS] msg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripLogTimestamp(tt.input), tt.input)
	}
}

func TestCanonicalComponent(t *testing.T) {
	tests := map[string]string{
		"ps":        CompScan,
		"mux":       CompTmux,
		"termserve": CompWeb,
		"spawn":     CompLifecycle,
		"sqlite":    CompStorage,
		"fuzzy":     CompIdentify,
		"custom":    "custom",
	}
	for in, want := range tests {
		assert.Equal(t, want, canonicalComponent(in), in)
	}
}
