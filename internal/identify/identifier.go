// Package identify infers which conversation log a multiplexer pane is
// showing by matching its rendered text against candidate logs.
package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/ttydeck/internal/config"
	"github.com/asheshgoplani/ttydeck/internal/convlog"
	"github.com/asheshgoplani/ttydeck/internal/logging"
	"github.com/asheshgoplani/ttydeck/internal/tmux"
)

var identifyLog = logging.ForComponent(logging.CompIdentify)

// ErrRateLimited is returned when the capture budget is spent.
var ErrRateLimited = errors.New("identify: capture rate limit reached")

// Capturer captures a pane's scrollback.
type Capturer interface {
	CapturePane(ctx context.Context, name string) (string, error)
}

// Options tune matching.
type Options struct {
	Weights        Weights
	Cooldown       time.Duration
	NGramSize      int
	MaxNGrams      int
	RecentLines    int
	TopCandidates  int
	MinChunkChars  int
	MinCachedChars int
	ModifiedWindow time.Duration
	BirthWindow    time.Duration
	// CapturesPerMinute limits fresh captures across all pids. Zero
	// disables the limit.
	CapturesPerMinute int
	LoadWorkers       int
}

// OptionsFromConfig maps user settings to Options.
func OptionsFromConfig(s config.IdentifySettings) Options {
	return Options{
		Weights: Weights{
			Content:        s.ContentWeight,
			Coverage:       s.CoverageWeight,
			Birth:          s.BirthWeight,
			CompositeFloor: s.CompositeFloor,
			ContentFloor:   s.ContentFloor,
		},
		Cooldown:          time.Duration(s.CooldownSecs) * time.Second,
		NGramSize:         s.NGramSize,
		MaxNGrams:         s.MaxNGrams,
		RecentLines:       s.RecentLines,
		TopCandidates:     s.TopCandidates,
		MinChunkChars:     s.MinChunkChars,
		MinCachedChars:    s.MinCachedChars,
		ModifiedWindow:    time.Duration(s.ModifiedWindowHours) * time.Hour,
		BirthWindow:       time.Duration(s.BirthWindowMinutes) * time.Minute,
		CapturesPerMinute: s.CapturesPerMinute,
		LoadWorkers:       4,
	}
}

// DefaultOptions are the options of an empty config.
func DefaultOptions() Options {
	var cfg config.UserConfig
	return OptionsFromConfig(cfg.GetIdentifySettings())
}

// Result is an accepted identification.
type Result struct {
	PID          int       `json:"pid,omitempty"`
	SessionID    string    `json:"session_id"`
	LogPath      string    `json:"log_path"`
	Confidence   float64   `json:"confidence"`
	Detail       Score     `json:"detail"`
	Candidates   []Score   `json:"candidates,omitempty"`
	IdentifiedAt time.Time `json:"identified_at"`
}

// Identifier runs matches and owns the per-pid result and attempt caches.
type Identifier struct {
	pane  Capturer
	logs  convlog.Lister
	cache convlog.Cache
	opts  Options

	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	results  map[int]Result
	attempts map[int]time.Time
	inflight map[int]bool
}

// New builds an Identifier.
func New(pane Capturer, logs convlog.Lister, cache convlog.Cache, opts Options) *Identifier {
	if opts.LoadWorkers <= 0 {
		opts.LoadWorkers = 4
	}
	id := &Identifier{
		pane:     pane,
		logs:     logs,
		cache:    cache,
		opts:     opts,
		now:      time.Now,
		results:  make(map[int]Result),
		attempts: make(map[int]time.Time),
		inflight: make(map[int]bool),
	}
	if opts.CapturesPerMinute > 0 {
		id.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.CapturesPerMinute)), 5)
	}
	return id
}

type candidate struct {
	log     convlog.LogFile
	text    string
	norm    string
	matches int
}

// Identify captures sessionName and matches it against the project's
// candidate logs. A nil result with a nil error means no candidate cleared
// either floor.
func (id *Identifier) Identify(ctx context.Context, sessionName, projectPath string, start time.Time) (*Result, error) {
	raw, err := id.pane.CapturePane(ctx, sessionName)
	if err != nil {
		return nil, fmt.Errorf("identify: capture %s: %w", sessionName, err)
	}
	return id.Match(ctx, tmux.Clean(raw), projectPath, start)
}

// Match scores cleaned screen text against the project's candidate logs.
func (id *Identifier) Match(ctx context.Context, screen, projectPath string, start time.Time) (*Result, error) {
	ngrams := NGrams(screen, id.opts.NGramSize, id.opts.MaxNGrams, id.opts.RecentLines)
	if len(ngrams) == 0 {
		return nil, nil
	}
	logs, err := id.logs.ListLogs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("identify: list logs: %w", err)
	}
	pooled := id.candidatePool(logs, start)
	if len(pooled) == 0 {
		return nil, nil
	}

	cands := id.loadCandidates(ctx, pooled)
	for i := range cands {
		cands[i].matches = CountMatches(ngrams, cands[i].norm)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].matches != cands[j].matches {
			return cands[i].matches > cands[j].matches
		}
		return absDur(cands[i].log.BirthTime.Sub(start)) < absDur(cands[j].log.BirthTime.Sub(start))
	})

	normScreen := Normalize(screen)
	var scores []Score
	for _, c := range cands {
		if len(scores) >= id.opts.TopCandidates || c.matches == 0 {
			break
		}
		s := Score{
			SessionID: c.log.SessionID,
			Path:      c.log.Path,
			Matches:   c.matches,
			NGrams:    len(ngrams),
			Coverage:  Coverage(normScreen, Chunks(c.text, id.opts.MinChunkChars)),
			Birth:     BirthScore(c.log.BirthTime, start),
		}
		id.opts.Weights.Apply(&s)
		scores = append(scores, s)
	}
	if len(scores) == 0 {
		return nil, nil
	}

	best := 0
	for i := range scores {
		if scores[i].Composite > scores[best].Composite {
			best = i
		}
	}
	if !id.opts.Weights.Accept(scores[best]) {
		identifyLog.Debug("identify_rejected",
			slog.String("project", projectPath),
			slog.Float64("composite", scores[best].Composite))
		return nil, nil
	}
	return &Result{
		SessionID:    scores[best].SessionID,
		LogPath:      scores[best].Path,
		Confidence:   scores[best].Composite,
		Detail:       scores[best],
		Candidates:   scores,
		IdentifiedAt: id.now(),
	}, nil
}

// candidatePool keeps logs modified recently or created near start.
func (id *Identifier) candidatePool(logs []convlog.LogFile, start time.Time) []convlog.LogFile {
	now := id.now()
	var out []convlog.LogFile
	for _, l := range logs {
		recent := now.Sub(l.ModTime) <= id.opts.ModifiedWindow
		born := !start.IsZero() && !l.BirthTime.IsZero() && absDur(l.BirthTime.Sub(start)) <= id.opts.BirthWindow
		if recent || born {
			out = append(out, l)
		}
	}
	return out
}

// loadCandidates builds searchable text for each log, preferring cached
// structured data and parsing when the cache has too little.
func (id *Identifier) loadCandidates(ctx context.Context, logs []convlog.LogFile) []candidate {
	p := pool.NewWithResults[candidate]().WithMaxGoroutines(id.opts.LoadWorkers)
	for _, l := range logs {
		p.Go(func() candidate {
			c := candidate{log: l}
			if rec, ok := id.cache.GetCachedStructuredData(l.Path); ok {
				c.text = rec.Text
			} else if rec, err := id.cache.GetStructuredData(ctx, l.Path); err == nil {
				c.text = rec.Text
			}
			if len(c.text) < id.opts.MinCachedChars {
				rec, err := convlog.ParseFile(l.Path)
				if err != nil {
					logging.Aggregate(logging.CompIdentify, "candidate_load_failed", slog.String("error", err.Error()))
				} else if len(rec.Text) > len(c.text) {
					c.text = rec.Text
				}
			}
			c.norm = Normalize(c.text)
			return c
		})
	}
	return p.Wait()
}

// IdentifyForPID runs Identify for pid unless it already has a result, an
// attempt is in flight, or its last attempt is within the cooldown. fresh
// is true only when this call computed a new result.
func (id *Identifier) IdentifyForPID(ctx context.Context, pid int, sessionName, projectPath string, start time.Time) (res *Result, fresh bool, err error) {
	id.mu.Lock()
	if r, ok := id.results[pid]; ok {
		id.mu.Unlock()
		return &r, false, nil
	}
	if id.inflight[pid] {
		id.mu.Unlock()
		return nil, false, nil
	}
	if last, ok := id.attempts[pid]; ok && id.now().Sub(last) < id.opts.Cooldown {
		id.mu.Unlock()
		return nil, false, nil
	}
	if id.limiter != nil && !id.limiter.Allow() {
		id.mu.Unlock()
		logging.Aggregate(logging.CompIdentify, "identify_rate_limited", slog.Int("pid", pid))
		return nil, false, ErrRateLimited
	}
	id.attempts[pid] = id.now()
	id.inflight[pid] = true
	id.mu.Unlock()

	defer func() {
		id.mu.Lock()
		delete(id.inflight, pid)
		id.mu.Unlock()
	}()

	res, err = id.Identify(ctx, sessionName, projectPath, start)
	if err != nil || res == nil {
		return nil, false, err
	}
	res.PID = pid

	id.mu.Lock()
	if _, tracked := id.attempts[pid]; tracked {
		id.results[pid] = *res
	}
	id.mu.Unlock()

	identifyLog.Info("session_identified",
		slog.Int("pid", pid),
		slog.String("tmux_session", sessionName),
		slog.String("session_id", res.SessionID),
		slog.Float64("confidence", res.Confidence))
	return res, true, nil
}

// Identified implements classify.IdentifiedLookup.
func (id *Identifier) Identified(pid int) (string, float64, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	r, ok := id.results[pid]
	if !ok {
		return "", 0, false
	}
	return r.SessionID, r.Confidence, true
}

// Purge drops results and attempts for pids not in live.
func (id *Identifier) Purge(live map[int]bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	for pid := range id.results {
		if !live[pid] {
			delete(id.results, pid)
		}
	}
	for pid := range id.attempts {
		if !live[pid] {
			delete(id.attempts, pid)
		}
	}
}

// Results returns a copy of the result cache.
func (id *Identifier) Results() map[int]Result {
	id.mu.Lock()
	defer id.mu.Unlock()
	out := make(map[int]Result, len(id.results))
	for pid, r := range id.results {
		out[pid] = r
	}
	return out
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
