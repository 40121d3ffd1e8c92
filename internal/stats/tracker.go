// Package stats accumulates per-run outcome and token accounting shared
// by all workers of one pipeline invocation.
package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	activeMu sync.Mutex
	active   *Tracker
)

// Tracker records new/cached/error outcomes per category plus token and
// cost counters for a single run. All methods are safe for concurrent use;
// each update holds the lock only for the duration of the mutation.
type Tracker struct {
	mu         sync.Mutex
	runID      string
	command    string
	startedAt  time.Time
	categories map[string]*categoryStats
}

type categoryStats struct {
	newIDs    map[string]struct{}
	cachedIDs map[string]struct{}
	errors    map[string]string
	tokens    TokenTotals
}

// TokenTotals holds cumulative token and cost counters.
type TokenTotals struct {
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	UncachedTokens   int64   `json:"uncached_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	ReasoningTokens  int64   `json:"reasoning_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

func (t *TokenTotals) add(d TokenTotals) {
	t.CacheReadTokens += d.CacheReadTokens
	t.CacheWriteTokens += d.CacheWriteTokens
	t.UncachedTokens += d.UncachedTokens
	t.OutputTokens += d.OutputTokens
	t.ReasoningTokens += d.ReasoningTokens
	t.CostUSD += d.CostUSD
}

// Begin creates the tracker for this invocation, labeled with the command
// that started it. Exactly one run may be active per process at a time; a
// nested Begin is an error.
func Begin(command string) (*Tracker, error) {
	activeMu.Lock()
	defer activeMu.Unlock()

	if active != nil {
		return nil, eris.New("stats: a run is already active")
	}

	active = &Tracker{
		runID:      uuid.NewString(),
		command:    command,
		startedAt:  time.Now().UTC(),
		categories: make(map[string]*categoryStats),
	}
	return active, nil
}

// End releases the active-run slot. Safe to call once per Begin; calling
// it on a tracker that is not the active run is a no-op.
func (t *Tracker) End() {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active == t {
		active = nil
	}
}

// RunID returns the unique identifier for this run.
func (t *Tracker) RunID() string {
	return t.runID
}

func (t *Tracker) category(name string) *categoryStats {
	cs, ok := t.categories[name]
	if !ok {
		cs = &categoryStats{
			newIDs:    make(map[string]struct{}),
			cachedIDs: make(map[string]struct{}),
			errors:    make(map[string]string),
		}
		t.categories[name] = cs
	}
	return cs
}

// MarkNew records an identifier as freshly processed in the category.
// Marking the same identifier twice counts once.
func (t *Tracker) MarkNew(category, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.category(category).newIDs[id] = struct{}{}
}

// MarkCached records an identifier as served from cache in the category.
func (t *Tracker) MarkCached(category, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.category(category).cachedIDs[id] = struct{}{}
}

// MarkError records a failure message for an identifier in the category.
// A later error for the same identifier overwrites the earlier message.
func (t *Tracker) MarkError(category, id, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.category(category).errors[id] = msg
}

// AddTokens accumulates token and cost counters for the category.
func (t *Tracker) AddTokens(category string, d TokenTotals) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.category(category).tokens.add(d)
}

// CategoryReport summarizes one category's outcomes. Identifier lists are
// sorted so successive exports of the same run diff cleanly.
type CategoryReport struct {
	New         int               `json:"new"`
	Cached      int               `json:"cached"`
	Errors      int               `json:"errors"`
	Total       int               `json:"total"`
	NewIDs      []string          `json:"new_ids,omitempty"`
	CachedIDs   []string          `json:"cached_ids,omitempty"`
	Tokens      TokenTotals       `json:"tokens"`
	ErrorDetail map[string]string `json:"error_detail,omitempty"`
}

// Report is the JSON-exportable summary of a run.
type Report struct {
	RunID        string                    `json:"run_id"`
	Command      string                    `json:"command"`
	StartedAt    time.Time                 `json:"started_at"`
	FinishedAt   time.Time                 `json:"finished_at"`
	DurationSecs float64                   `json:"duration_secs"`
	Categories   map[string]CategoryReport `json:"categories"`
	Tokens       TokenTotals               `json:"tokens"`
}

// Snapshot builds a point-in-time report of the run so far.
func (t *Tracker) Snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	rep := Report{
		RunID:        t.runID,
		Command:      t.command,
		StartedAt:    t.startedAt,
		FinishedAt:   now,
		DurationSecs: now.Sub(t.startedAt).Seconds(),
		Categories:   make(map[string]CategoryReport, len(t.categories)),
	}

	for name, cs := range t.categories {
		cr := CategoryReport{
			New:       len(cs.newIDs),
			Cached:    len(cs.cachedIDs),
			Errors:    len(cs.errors),
			NewIDs:    sortedKeys(cs.newIDs),
			CachedIDs: sortedKeys(cs.cachedIDs),
			Tokens:    cs.tokens,
		}
		// Total is the union of ids so an id that both hit the cache and
		// later failed counts once.
		union := make(map[string]struct{}, cr.New+cr.Cached+cr.Errors)
		for id := range cs.newIDs {
			union[id] = struct{}{}
		}
		for id := range cs.cachedIDs {
			union[id] = struct{}{}
		}
		for id := range cs.errors {
			union[id] = struct{}{}
		}
		cr.Total = len(union)

		if len(cs.errors) > 0 {
			cr.ErrorDetail = make(map[string]string, len(cs.errors))
			for id, msg := range cs.errors {
				cr.ErrorDetail[id] = msg
			}
		}

		rep.Categories[name] = cr
		rep.Tokens.add(cs.tokens)
	}

	return rep
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Export writes the run report as JSON to dir, named by wall-clock
// timestamp, and returns the written path.
func (t *Tracker) Export(dir string) (string, error) {
	rep := t.Snapshot()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "stats: create export dir")
	}

	name := "run-stats-" + rep.FinishedAt.Format("20060102-150405") + ".json"
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "stats: marshal report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrap(err, "stats: write report")
	}
	return path, nil
}

// LogSummary emits the run outcome per category through the global logger.
func (t *Tracker) LogSummary() {
	rep := t.Snapshot()

	names := make([]string, 0, len(rep.Categories))
	for name := range rep.Categories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cr := rep.Categories[name]
		zap.L().Info("run category summary",
			zap.String("run_id", rep.RunID),
			zap.String("category", name),
			zap.Int("new", cr.New),
			zap.Int("cached", cr.Cached),
			zap.Int("errors", cr.Errors),
			zap.Int("total", cr.Total),
			zap.Int64("output_tokens", cr.Tokens.OutputTokens),
			zap.Float64("cost_usd", cr.Tokens.CostUSD),
		)
	}

	zap.L().Info("run complete",
		zap.String("run_id", rep.RunID),
		zap.Float64("duration_secs", rep.DurationSecs),
		zap.Int64("cache_read_tokens", rep.Tokens.CacheReadTokens),
		zap.Int64("cache_write_tokens", rep.Tokens.CacheWriteTokens),
		zap.Int64("uncached_tokens", rep.Tokens.UncachedTokens),
		zap.Int64("output_tokens", rep.Tokens.OutputTokens),
		zap.Float64("cost_usd", rep.Tokens.CostUSD),
	)
}
