package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/blob"
	"github.com/arb-consulting/shallow-review-2025/internal/config"
	"github.com/arb-consulting/shallow-review-2025/internal/cost"
	"github.com/arb-consulting/shallow-review-2025/internal/fetchcache"
	"github.com/arb-consulting/shallow-review-2025/internal/llm"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/pipeline"
	"github.com/arb-consulting/shallow-review-2025/internal/render"
	"github.com/arb-consulting/shallow-review-2025/internal/resilience"
	"github.com/arb-consulting/shallow-review-2025/internal/stats"
	"github.com/arb-consulting/shallow-review-2025/internal/store"
	"github.com/arb-consulting/shallow-review-2025/pkg/anthropic"
)

// pipelineEnv holds the initialized store, renderer and pipeline needed by
// the run commands.
type pipelineEnv struct {
	Store    store.Store
	Renderer render.Renderer
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Renderer != nil {
		if err := pe.Renderer.Close(); err != nil {
			zap.L().Warn("renderer close failed", zap.Error(err))
		}
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the named config scopes, sets up the store, blob
// directory, renderer and completion engine, and builds the Pipeline.
// cancel is flipped by the engine on budget exhaustion so the worker pools
// wind down. Callers should defer env.Close().
func initPipeline(ctx context.Context, scopes []string, tracker *stats.Tracker, cancel context.CancelFunc) (*pipelineEnv, error) {
	for _, scope := range scopes {
		if err := cfg.Validate(scope); err != nil {
			return nil, err
		}
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	renderer, err := render.New(cfg.Render.Engine, render.Config{
		Timeout:    time.Duration(cfg.Render.TimeoutSecs) * time.Second,
		Settle:     time.Duration(cfg.Render.SettleSecs) * time.Second,
		RatePerSec: cfg.Render.RatePerSec,
		UserAgent:  cfg.Render.UserAgent,
		Headless:   cfg.Render.Headless,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	fetch := fetchcache.New(fetchcache.Options{
		Store:    st,
		Blobs:    blob.NewDir(cfg.Data.Dir),
		Renderer: renderer,
		Engine:   cfg.Render.Engine,
		Tracker:  tracker,
	})

	engine := llm.NewEngine(llm.EngineOptions{
		Client: anthropic.NewClient(cfg.Anthropic.Key),
		Config: llm.Config{
			Model:     cfg.ResolveModel(""),
			MaxTokens: int64(cfg.LLM.MaxTokens),
			Timeout:   time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
			Retry: resilience.RetryConfig{
				MaxAttempts:    cfg.LLM.RetryAttempts,
				InitialBackoff: time.Duration(cfg.LLM.BackoffStartSecs) * time.Second,
				MaxBackoff:     time.Duration(cfg.LLM.BackoffCapSecs) * time.Second,
			},
		},
		Costs:     cost.NewCalculator(cost.WithOverrides(cost.DefaultRates(), pricingOverrides(cfg.Pricing))),
		Tracker:   tracker,
		CancelRun: cancel,
	})

	taxonomy, err := loadTaxonomy()
	if err != nil {
		_ = renderer.Close()
		_ = st.Close()
		return nil, err
	}

	return &pipelineEnv{
		Store:    st,
		Renderer: renderer,
		Pipeline: pipeline.New(cfg, st, fetch, engine, taxonomy, tracker),
	}, nil
}

func loadTaxonomy() (model.Taxonomy, error) {
	if cfg.Taxonomy.Path == "" {
		return model.DefaultTaxonomy(), nil
	}
	t, err := model.LoadTaxonomy(cfg.Taxonomy.Path)
	if err != nil {
		return model.Taxonomy{}, eris.Wrap(err, "load taxonomy")
	}
	zap.L().Info("taxonomy loaded",
		zap.String("path", cfg.Taxonomy.Path),
		zap.Int("categories", len(t.IDs())))
	return t, nil
}

func pricingOverrides(p config.PricingConfig) map[string]cost.ModelRate {
	if len(p.Anthropic) == 0 {
		return nil
	}
	rates := make(map[string]cost.ModelRate, len(p.Anthropic))
	for name, r := range p.Anthropic {
		rates[name] = cost.ModelRate{
			Input:         r.Input,
			Output:        r.Output,
			CacheWriteMul: r.CacheWriteMul,
			CacheReadMul:  r.CacheReadMul,
		}
	}
	return rates
}

// beginRun opens the run statistics tracker and derives the cancellable
// context every run command shares.
func beginRun(ctx context.Context, command string) (context.Context, context.CancelFunc, *stats.Tracker, error) {
	tracker, err := stats.Begin(command)
	if err != nil {
		return nil, nil, nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	return runCtx, cancel, tracker, nil
}

// finishRun exports the run report next to the data and logs the totals.
func finishRun(tracker *stats.Tracker) {
	defer tracker.End()
	path, err := tracker.Export(runsDir())
	if err != nil {
		zap.L().Warn("failed to export run statistics", zap.Error(err))
	} else {
		zap.L().Info("run statistics exported", zap.String("path", path))
	}
	tracker.LogSummary()
}

func runsDir() string {
	return filepath.Join(cfg.Data.Dir, "runs")
}
