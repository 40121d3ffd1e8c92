package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/arb-consulting/shallow-review-2025/internal/blob"
	"github.com/arb-consulting/shallow-review-2025/internal/config"
	"github.com/arb-consulting/shallow-review-2025/internal/fetchcache"
	"github.com/arb-consulting/shallow-review-2025/internal/llm"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/render"
	"github.com/arb-consulting/shallow-review-2025/internal/resilience"
	"github.com/arb-consulting/shallow-review-2025/internal/stats"
	"github.com/arb-consulting/shallow-review-2025/internal/store"
	"github.com/arb-consulting/shallow-review-2025/pkg/anthropic"
)

type fakeCompletion struct {
	resp *anthropic.MessageResponse
	err  error
}

// fakeModel pops one scripted completion per CreateMessage call and records
// every request it saw. When respond is set it answers through that instead,
// which keeps concurrent runs order-independent.
type fakeModel struct {
	mu      sync.Mutex
	calls   []anthropic.MessageRequest
	queue   []fakeCompletion
	respond func(req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

func (f *fakeModel) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.respond != nil {
		return f.respond(req)
	}
	if len(f.queue) == 0 {
		return nil, eris.New("fake: no scripted response left")
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next.resp, next.err
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage: anthropic.TokenUsage{
			InputTokens:              100,
			OutputTokens:             20,
			CacheCreationInputTokens: 10,
			CacheReadInputTokens:     50,
		},
	}
}

func fenced(payload string) string {
	return "```json\n" + payload + "\n```"
}

// fakeRenderer serves canned HTML per URL and counts render calls, which is
// how the tests observe network activity.
type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	pages map[string]string
	fail  map[string]error
}

func (f *fakeRenderer) Render(_ context.Context, url string) (*render.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.fail[url]; ok {
		return nil, err
	}
	html, ok := f.pages[url]
	if !ok {
		html = "<html><body><h1>Stub</h1><p>A short stand-in page.</p></body></html>"
	}
	return &render.Result{HTML: html, StatusCode: 200, FinalURL: url, Duration: 5 * time.Millisecond}, nil
}

func (f *fakeRenderer) Close() error { return nil }

func (f *fakeRenderer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{
			HaikuModel:  "claude-haiku-4-5-20251001",
			SonnetModel: "claude-sonnet-4-5-20250929",
			OpusModel:   "claude-opus-4-6",
		},
		LLM: config.LLMConfig{
			MaxTokens: 1000,
			CacheTTL:  "1h",
		},
		Collect: config.PhaseConfig{
			Model:         "haiku",
			Limit:         50,
			Workers:       1,
			MinRelevancy:  0.3,
			MaxHTMLTokens: 50000,
		},
		Classify: config.PhaseConfig{
			Model:         "haiku",
			Limit:         50,
			Workers:       1,
			MaxHTMLTokens: 50000,
		},
	}
}

// testEnv wires a Pipeline over a real sqlite store, an on-disk blob cache
// and fakes for the renderer and the model. ctx is cancelled by the engine
// on budget exhaustion, the same wiring the commands use.
type testEnv struct {
	pipe     *Pipeline
	store    store.Store
	model    *fakeModel
	renderer *fakeRenderer
	cfg      *config.Config

	ctx    context.Context
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	return newTrackedEnv(t, nil)
}

func newTrackedEnv(t *testing.T, tracker *stats.Tracker) *testEnv {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "review.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store:    st,
		model:    &fakeModel{},
		renderer: &fakeRenderer{pages: map[string]string{}, fail: map[string]error{}},
		cfg:      testConfig(),
	}
	env.ctx, env.cancel = context.WithCancel(context.Background())
	t.Cleanup(env.cancel)

	cache := fetchcache.New(fetchcache.Options{
		Store:    st,
		Blobs:    blob.NewDir(filepath.Join(dir, "cache")),
		Renderer: env.renderer,
		Engine:   "http",
		Tracker:  tracker,
	})
	engine := llm.NewEngine(llm.EngineOptions{
		Client: env.model,
		Config: llm.Config{
			Model:     env.cfg.ResolveModel("haiku"),
			MaxTokens: 1000,
			Timeout:   time.Second,
			Retry: resilience.RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     2 * time.Millisecond,
			},
		},
		Tracker:   tracker,
		CancelRun: env.cancel,
	})
	env.pipe = New(env.cfg, st, cache, engine, model.DefaultTaxonomy(), tracker)
	return env
}

func (e *testEnv) addURL(t *testing.T, phase model.Phase, url string) model.URLRecord {
	t.Helper()
	cand := model.NewCandidate(url, "test", "", nil)
	inserted, err := e.store.InsertCandidate(context.Background(), phase, cand)
	require.NoError(t, err)
	require.True(t, inserted)
	return cand
}

func (e *testEnv) addScoredURL(t *testing.T, phase model.Phase, url string, score float64) model.URLRecord {
	t.Helper()
	cand := model.NewCandidate(url, "test", "", &score)
	inserted, err := e.store.InsertCandidate(context.Background(), phase, cand)
	require.NoError(t, err)
	require.True(t, inserted)
	return cand
}

// row loads one phase row by hash regardless of its status.
func (e *testEnv) row(t *testing.T, phase model.Phase, hash string) model.URLRecord {
	t.Helper()
	recs, err := e.store.SelectBatch(context.Background(), phase, store.BatchFilter{
		Statuses: phase.Statuses(),
		Limit:    1000,
	})
	require.NoError(t, err)
	for _, rec := range recs {
		if rec.Hash == hash {
			return rec
		}
	}
	t.Fatalf("no %s row for hash %s", phase, hash)
	return model.URLRecord{}
}

func (e *testEnv) rowsWithStatus(t *testing.T, phase model.Phase, status model.Status) []model.URLRecord {
	t.Helper()
	recs, err := e.store.SelectBatch(context.Background(), phase, store.BatchFilter{
		Statuses: []model.Status{status},
		Limit:    1000,
	})
	require.NoError(t, err)
	return recs
}
