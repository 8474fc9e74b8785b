package convlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"type":"user","sessionId":"0b7c3c1e-2f7e-4a4f-9b1e-6f1d2c3b4a5d","cwd":"/home/u/proj","timestamp":"2026-01-02T10:00:00.000Z","message":{"role":"user","content":"refactor the billing module please"}}
not json at all
{"type":"assistant","sessionId":"0b7c3c1e-2f7e-4a4f-9b1e-6f1d2c3b4a5d","timestamp":"2026-01-02T10:00:05.000Z","message":{"role":"assistant","content":[{"type":"text","text":"I will start with the invoice generator."},{"type":"tool_use","name":"Read"}]}}
{"type":"summary","summary":"Billing refactor"}
`

func writeLog(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParse(t *testing.T) {
	rec := Parse([]byte(sampleLog))

	assert.Equal(t, "0b7c3c1e-2f7e-4a4f-9b1e-6f1d2c3b4a5d", rec.SessionID)
	assert.Equal(t, "/home/u/proj", rec.CWD)
	assert.Equal(t, 2, rec.Messages)
	assert.Equal(t, "refactor the billing module please", rec.Summary)
	assert.Equal(t, "refactor the billing module please\nI will start with the invoice generator.", rec.Text)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), rec.FirstAt)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 5, 0, time.UTC), rec.LastAt)
}

func TestReadTailStartsAtLineBoundary(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "x.jsonl", "first line that is long\nsecond\nthird\n")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	fi, err := f.Stat()
	require.NoError(t, err)

	buf, err := readTail(f, fi.Size(), 10)
	require.NoError(t, err)
	assert.Equal(t, "third\n", string(buf))

	buf, err = readTail(f, fi.Size(), 1000)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf), "first line"))
}

func TestProjectsListLogs(t *testing.T) {
	cfg := t.TempDir()
	p := Projects{ConfigDir: cfg}
	dir := p.Dir("/home/u/my.proj")
	assert.Equal(t, filepath.Join(cfg, "projects", "-home-u-my-proj"), dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	older := writeLog(t, dir, "11111111-1111-1111-1111-111111111111.jsonl", sampleLog)
	newer := writeLog(t, dir, "22222222-2222-2222-2222-222222222222.jsonl", sampleLog)
	writeLog(t, dir, "agent-abc.jsonl", sampleLog)
	writeLog(t, dir, "notes.txt", "x")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	logs, err := p.ListLogs("/home/u/my.proj")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, newer, logs[0].Path)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", logs[0].SessionID)
	assert.False(t, logs[1].BirthTime.IsZero())

	missing, err := p.ListLogs("/nowhere")
	require.NoError(t, err)
	assert.Empty(t, missing)

	all, err := p.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLRUCacheInvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "0b7c3c1e-2f7e-4a4f-9b1e-6f1d2c3b4a5d.jsonl", sampleLog)
	c := NewLRUCache(4)

	_, ok := c.GetCachedStructuredData(path)
	assert.False(t, ok, "cached lookup never parses")

	rec, err := c.GetStructuredData(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Messages)

	cached, ok := c.GetCachedStructuredData(path)
	require.True(t, ok)
	assert.Same(t, rec, cached)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"user","message":{"role":"user","content":"one more"}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, ok = c.GetCachedStructuredData(path)
	assert.False(t, ok, "grown file is stale")

	rec, err = c.GetStructuredData(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Messages)
}

func TestLRUCacheMissingFile(t *testing.T) {
	c := NewLRUCache(0)
	_, err := c.GetStructuredData(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	logs := []LogFile{
		{SessionID: "0b7c3c1e-2f7e-4a4f-9b1e-6f1d2c3b4a5d"},
		{SessionID: "0b7d0000-0000-4000-8000-000000000000"},
		{SessionID: "f00dcafe-1111-4222-8333-444455556666"},
	}

	got, err := Resolve(logs, "0b7c3c1e-2f7e-4a4f-9b1e-6f1d2c3b4a5d")
	require.NoError(t, err)
	assert.Equal(t, logs[0].SessionID, got.SessionID)

	got, err = Resolve(logs, "F00D")
	require.NoError(t, err)
	assert.Equal(t, logs[2].SessionID, got.SessionID)

	_, err = Resolve(logs, "0b7")
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = Resolve(logs, "zzzz")
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = Resolve(logs, "")
	assert.ErrorIs(t, err, ErrNoMatch)
}
