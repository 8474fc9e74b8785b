package identify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/ttydeck/internal/convlog"
)

const (
	idA = "0b7c3c1e-2f7e-4a4f-9b1e-6f1d2c3b4a5d"
	idB = "11111111-2222-4333-8444-555555555555"
)

func TestWordsAndNormalize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "it's", "fine"}, Words("  Hello, WORLD!  (it's) fine... --- "))
	assert.Equal(t, "a b c", Normalize("A\n\n  b;\tC"))
}

func TestNGramsPreferRecentLines(t *testing.T) {
	screen := "old words that should never appear\n\nnewer text comes right here\nlatest line of output now"
	got := NGrams(screen, 4, 2, 200)
	assert.Equal(t, []string{"line of output now", "latest line of output"}, got)

	got = NGrams(screen, 4, 100, 1)
	assert.Equal(t, []string{"line of output now", "latest line of output"}, got, "only the last non-empty line")

	assert.Empty(t, NGrams("a b c d e f", 4, 10, 10), "short filler windows are dropped")
	assert.Empty(t, NGrams("", 4, 10, 10))
}

func TestCoverage(t *testing.T) {
	screen := Normalize("prompt > the quick brown fox jumps over the lazy dog and then sleeps")
	chunks := Chunks("the quick brown fox jumps\nshort\nover the lazy dog and then", 20)
	assert.Equal(t, []string{"the quick brown fox jumps", "over the lazy dog and then"}, chunks)

	cov := Coverage(screen, chunks)
	want := float64(len("the quick brown fox jumps over the lazy dog and then")) / float64(len(screen))
	assert.InDelta(t, want, cov, 0.02)

	assert.Zero(t, Coverage("", chunks))
	assert.Zero(t, Coverage(screen, nil))
}

func TestChunksSplitLongLines(t *testing.T) {
	line := strings.Repeat("word ", 40)
	for _, c := range Chunks(line, 20) {
		assert.LessOrEqual(t, len(c), 80)
		assert.GreaterOrEqual(t, len(c), 20)
	}
}

func TestBirthScore(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.0, BirthScore(start.Add(-9*time.Minute), start))
	assert.Equal(t, 0.5, BirthScore(start.Add(25*time.Minute), start))
	assert.Equal(t, 0.2, BirthScore(start.Add(-59*time.Minute), start))
	assert.Equal(t, 0.0, BirthScore(start.Add(2*time.Hour), start))
	assert.Equal(t, 0.0, BirthScore(time.Time{}, start))
}

func TestWeightsAccept(t *testing.T) {
	w := DefaultWeights
	s := Score{Matches: 1, NGrams: 100, Birth: 1.0}
	w.Apply(&s)
	assert.InDelta(t, 0.004, s.Content, 1e-9)
	assert.InDelta(t, 0.304, s.Composite, 1e-9)
	assert.True(t, w.Accept(s), "composite floor")

	weak := Score{Matches: 1, NGrams: 100}
	w.Apply(&weak)
	assert.False(t, w.Accept(weak))

	stale := Score{Matches: 30, NGrams: 100, Coverage: 0.0, Birth: 0}
	w.CompositeFloor = 0.5
	w.Apply(&stale)
	assert.True(t, w.Accept(stale), "content alone clears the lower floor")
}

type fakeLister []convlog.LogFile

func (f fakeLister) ListLogs(string) ([]convlog.LogFile, error) { return f, nil }

type fakeCache map[string]string

func (f fakeCache) GetCachedStructuredData(path string) (*convlog.Record, bool) {
	text, ok := f[path]
	if !ok {
		return nil, false
	}
	return &convlog.Record{Path: path, Text: text}, true
}

func (f fakeCache) GetStructuredData(_ context.Context, path string) (*convlog.Record, error) {
	if rec, ok := f.GetCachedStructuredData(path); ok {
		return rec, nil
	}
	return nil, os.ErrNotExist
}

type fakePane struct {
	screen string
	err    error
	calls  atomic.Int32
}

func (f *fakePane) CapturePane(context.Context, string) (string, error) {
	f.calls.Add(1)
	return f.screen, f.err
}

func syntheticLines(prefix string, n int) []string {
	lines := make([]string, n)
	for i := range lines {
		words := make([]string, 8)
		for j := range words {
			words[j] = fmt.Sprintf("%s%dw%d", prefix, i, j)
		}
		lines[i] = strings.Join(words, " ")
	}
	return lines
}

func TestCompositeMonotonicInShare(t *testing.T) {
	const n = 10
	a := syntheticLines("a", n)
	b := syntheticLines("b", n)
	now := time.Now()
	logs := fakeLister{
		{Path: "/logs/a.jsonl", SessionID: idA, ModTime: now},
		{Path: "/logs/b.jsonl", SessionID: idB, ModTime: now},
	}
	cache := fakeCache{
		"/logs/a.jsonl": strings.Join(a, "\n"),
		"/logs/b.jsonl": strings.Join(b, "\n"),
	}
	opts := DefaultOptions()
	opts.MinCachedChars = 0
	id := New(&fakePane{}, logs, cache, opts)

	prev := -1.0
	for k := 1; k < n; k++ {
		screen := strings.Join(append(append([]string{}, a[:k]...), b[k:]...), "\n")
		res, err := id.Match(context.Background(), screen, "/p", time.Time{})
		require.NoError(t, err)
		require.NotNil(t, res, "k=%d", k)

		var scoreA, scoreB float64
		for _, s := range res.Candidates {
			switch s.SessionID {
			case idA:
				scoreA = s.Composite
			case idB:
				scoreB = s.Composite
			}
		}
		assert.Greater(t, scoreA, prev, "k=%d", k)
		prev = scoreA
		if k*2 > n {
			assert.Equal(t, idA, res.SessionID, "k=%d", k)
			assert.Greater(t, scoreA, scoreB)
		}
	}
}

func TestMatchIgnoresZeroMatchCandidates(t *testing.T) {
	now := time.Now()
	logs := fakeLister{{Path: "/logs/a.jsonl", SessionID: idA, ModTime: now, BirthTime: now}}
	cache := fakeCache{"/logs/a.jsonl": "completely unrelated conversation text about gardening tomatoes"}
	id := New(&fakePane{}, logs, cache, DefaultOptions())

	res, err := id.Match(context.Background(), "the build finished with seven warnings today", "/p", now)
	require.NoError(t, err)
	assert.Nil(t, res, "birth time alone never identifies")
}

func TestCandidatePoolWindows(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-6 * time.Hour)
	id := New(&fakePane{}, nil, nil, DefaultOptions())
	id.now = func() time.Time { return now }

	pool := id.candidatePool([]convlog.LogFile{
		{SessionID: "recent", ModTime: now.Add(-time.Hour)},
		{SessionID: "born-near-start", ModTime: now.Add(-72 * time.Hour), BirthTime: start.Add(30 * time.Minute)},
		{SessionID: "stale", ModTime: now.Add(-72 * time.Hour), BirthTime: now.Add(-80 * time.Hour)},
	}, start)
	var ids []string
	for _, l := range pool {
		ids = append(ids, l.SessionID)
	}
	assert.Equal(t, []string{"recent", "born-near-start"}, ids)
}

func TestIdentifyForPIDCooldown(t *testing.T) {
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	pane := &fakePane{screen: "nothing that matches any candidate log at all"}
	opts := DefaultOptions()
	opts.Cooldown = time.Minute
	id := New(pane, fakeLister{}, fakeCache{}, opts)
	id.now = func() time.Time { return clock }
	ctx := context.Background()

	res, fresh, err := id.IdentifyForPID(ctx, 42, "solo", "/p", clock)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, fresh)
	assert.EqualValues(t, 1, pane.calls.Load())

	clock = clock.Add(30 * time.Second)
	res, fresh, err = id.IdentifyForPID(ctx, 42, "solo", "/p", clock)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, fresh)
	assert.EqualValues(t, 1, pane.calls.Load(), "second call inside the cooldown does not capture")

	_, _, _ = id.IdentifyForPID(ctx, 43, "other", "/p", clock)
	assert.EqualValues(t, 2, pane.calls.Load(), "cooldown is per pid")

	clock = clock.Add(31 * time.Second)
	_, _, _ = id.IdentifyForPID(ctx, 42, "solo", "/p", clock)
	assert.EqualValues(t, 3, pane.calls.Load())
}

func TestIdentifyForPIDFailureStillCoolsDown(t *testing.T) {
	pane := &fakePane{err: errors.New("capture-pane timed out")}
	id := New(pane, fakeLister{}, fakeCache{}, DefaultOptions())

	_, _, err := id.IdentifyForPID(context.Background(), 7, "s", "/p", time.Now())
	assert.Error(t, err)
	_, _, err = id.IdentifyForPID(context.Background(), 7, "s", "/p", time.Now())
	assert.NoError(t, err)
	assert.EqualValues(t, 1, pane.calls.Load())
}

func TestIdentifyForPIDCachesSuccessAndPurges(t *testing.T) {
	a := syntheticLines("a", 6)
	now := time.Now()
	pane := &fakePane{screen: strings.Join(a, "\n")}
	logs := fakeLister{{Path: "/logs/a.jsonl", SessionID: idA, ModTime: now}}
	id := New(pane, logs, fakeCache{"/logs/a.jsonl": strings.Join(a, "\n")}, DefaultOptions())
	ctx := context.Background()

	res, fresh, err := id.IdentifyForPID(ctx, 99, "solo", "/p", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, fresh)
	assert.Equal(t, idA, res.SessionID)
	assert.Equal(t, 99, res.PID)

	sid, conf, ok := id.Identified(99)
	assert.True(t, ok)
	assert.Equal(t, idA, sid)
	assert.Greater(t, conf, 0.0)

	res, fresh, err = id.IdentifyForPID(ctx, 99, "solo", "/p", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, fresh)
	assert.EqualValues(t, 1, pane.calls.Load(), "results are never recomputed")

	id.Purge(map[int]bool{1: true})
	_, _, ok = id.Identified(99)
	assert.False(t, ok)
	assert.Empty(t, id.Results())
}

func TestIdentifyForPIDRateLimited(t *testing.T) {
	opts := DefaultOptions()
	opts.CapturesPerMinute = 1
	pane := &fakePane{screen: "x"}
	id := New(pane, fakeLister{}, fakeCache{}, opts)

	var limited int
	for pid := 1; pid <= 10; pid++ {
		if _, _, err := id.IdentifyForPID(context.Background(), pid, "s", "/p", time.Now()); errors.Is(err, ErrRateLimited) {
			limited++
		}
	}
	assert.Greater(t, limited, 0)
	assert.Less(t, int(pane.calls.Load()), 10)
}

const responseA = "I traced the flaky checkout test to a race between the inventory reservation worker and " +
	"the payment callback handler. The callback sometimes commits before the reservation row exists, so " +
	"the foreign key check fails and the order silently falls back to the pending state. I added an " +
	"explicit ordering guarantee by having the callback wait on the reservation future before committing."

const responseB = "Sure, here is a short poem about autumn leaves drifting across a quiet harbor town while " +
	"fishing boats return with the evening tide and gulls argue over scraps near the old stone pier."

func writeSession(t *testing.T, dir, id, prompt, response string) {
	t.Helper()
	body := fmt.Sprintf(`{"type":"user","sessionId":%q,"timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":%q}}
{"type":"assistant","sessionId":%q,"timestamp":"2026-01-01T10:00:09Z","message":{"role":"assistant","content":[{"type":"text","text":%q}]}}
`, id, prompt, id, response)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".jsonl"), []byte(body), 0o644))
}

func TestIdentifyVerbatimExcerptEndToEnd(t *testing.T) {
	cfgDir := t.TempDir()
	projects := convlog.Projects{ConfigDir: cfgDir}
	project := "/home/u/shop"
	dir := projects.Dir(project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeSession(t, dir, idA, "why is the checkout test flaky", responseA)
	writeSession(t, dir, idB, "write me a poem", responseB)

	start := strings.Index(responseA, "The callback")
	excerpt := responseA[start : start+200]
	screen := "\x1b[1m╭────────────────────────╮\x1b[0m\n" +
		"│ ✻ Welcome back         │\n" +
		"╰────────────────────────╯\n" +
		"⏺ " + excerpt + "\n" +
		"\n> \n" +
		"  ? for shortcuts\n"

	pane := &fakePane{screen: screen}
	id := New(pane, projects, convlog.NewLRUCache(8), DefaultOptions())

	res, err := id.Identify(context.Background(), "solo", project, time.Now().Add(-5*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, idA, res.SessionID)
	assert.Zero(t, res.Detail.Birth)
	assert.InDelta(t, res.Detail.Content, res.Detail.Composite, 1e-9, "score comes from content terms")
	assert.Greater(t, res.Detail.Ratio, 0.5)
	assert.Greater(t, res.Detail.Coverage, 0.0)
	for _, c := range res.Candidates {
		assert.NotEqual(t, idB, c.SessionID, "unrelated log has no n-gram matches")
	}
}
