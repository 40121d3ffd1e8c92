// Package pipeline runs the fetch, collect and classify phases over the
// phase tables. Each run selects a batch of rows by status, processes them
// on a bounded worker pool and concludes every row in a terminal status,
// so repeated runs only pay for work that has not succeeded yet.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arb-consulting/shallow-review-2025/internal/config"
	"github.com/arb-consulting/shallow-review-2025/internal/fetchcache"
	"github.com/arb-consulting/shallow-review-2025/internal/htmltext"
	"github.com/arb-consulting/shallow-review-2025/internal/llm"
	"github.com/arb-consulting/shallow-review-2025/internal/metrics"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/resilience"
	"github.com/arb-consulting/shallow-review-2025/internal/stats"
	"github.com/arb-consulting/shallow-review-2025/internal/store"
)

// Pipeline orchestrates the phases over a shared store, fetch cache and
// completion engine.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	fetch    *fetchcache.Cache
	engine   *llm.Engine
	breaker  *resilience.CircuitBreaker
	taxonomy model.Taxonomy
	tracker  *stats.Tracker
	prompts  promptSet
	convert  *htmltext.Converter
}

// New creates a Pipeline with all dependencies. Tracker may be nil when no
// run statistics are wanted.
func New(
	cfg *config.Config,
	st store.Store,
	fetch *fetchcache.Cache,
	engine *llm.Engine,
	taxonomy model.Taxonomy,
	tracker *stats.Tracker,
) *Pipeline {
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	// Only provider failures open the circuit. A page whose content cannot
	// be parsed says nothing about the model service's health.
	breakerCfg.ShouldTrip = func(err error) bool {
		return !isRunAbort(err) && !llm.IsContentShape(err)
	}

	return &Pipeline{
		cfg:      cfg,
		store:    st,
		fetch:    fetch,
		engine:   engine,
		breaker:  resilience.NewCircuitBreaker(breakerCfg),
		taxonomy: taxonomy,
		tracker:  tracker,
		prompts:  loadPrompts(cfg.Prompts),
		convert:  htmltext.NewConverter(),
	}
}

// RunOptions adjusts one phase run. Limit, Workers, Model and MaxTokens
// fall back to the phase configuration when zero; MinRelevancy is used as
// given, so callers pass the effective threshold.
type RunOptions struct {
	Limit        int
	Workers      int
	Model        string
	MaxTokens    int64
	MinRelevancy float64
	RetryErrors  bool
}

// Summary reports the row outcomes of one run. Rows left untouched by an
// interrupt are selected but neither done nor failed.
type Summary struct {
	Selected int
	Done     int
	Failed   int
}

// runSettings is a RunOptions with phase defaults resolved.
type runSettings struct {
	Limit         int
	Workers       int
	Model         string
	MaxTokens     int64
	MinRelevancy  float64
	MaxHTMLTokens int
	RetryErrors   bool
}

func (p *Pipeline) resolve(phaseCfg config.PhaseConfig, opts RunOptions) runSettings {
	s := runSettings{
		Limit:         opts.Limit,
		Workers:       opts.Workers,
		Model:         opts.Model,
		MaxTokens:     opts.MaxTokens,
		MinRelevancy:  opts.MinRelevancy,
		MaxHTMLTokens: phaseCfg.MaxHTMLTokens,
		RetryErrors:   opts.RetryErrors,
	}
	if s.Limit <= 0 {
		s.Limit = phaseCfg.Limit
	}
	if s.Workers <= 0 {
		s.Workers = phaseCfg.Workers
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.Model == "" {
		s.Model = phaseCfg.Model
	}
	s.Model = p.cfg.ResolveModel(s.Model)
	if s.MaxTokens <= 0 {
		s.MaxTokens = int64(p.cfg.LLM.MaxTokens)
	}
	return s
}

// selectBatch picks the rows a run will process: status new, widened to the
// phase's error statuses in retry-errors mode. Done rows are never selected.
func (p *Pipeline) selectBatch(ctx context.Context, phase model.Phase, s runSettings, minScore *float64) ([]model.URLRecord, error) {
	statuses := []model.Status{model.StatusNew}
	if s.RetryErrors {
		statuses = append(statuses, phase.ErrorStatuses()...)
	}
	return p.store.SelectBatch(ctx, phase, store.BatchFilter{
		Statuses:     statuses,
		MinRelevancy: minScore,
		Limit:        s.Limit,
	})
}

// failRow concludes a row in the given error status. Interrupts and budget
// exhaustion are not row failures: the row is left untouched for the next
// run and the cause is propagated so the pool stops dispatching.
func (p *Pipeline) failRow(ctx context.Context, phase model.Phase, row model.URLRecord, status model.Status, cause error) error {
	if isRunAbort(cause) || ctx.Err() != nil {
		return cause
	}

	msg := cause.Error()
	if err := p.store.MarkError(ctx, phase, row.Hash, status, msg); err != nil {
		zap.L().Error("failed to record row error",
			zap.String("phase", string(phase)),
			zap.String("hash", row.ShortHash),
			zap.Error(err))
	}
	metrics.ObserveTransition(string(phase), string(status))
	if p.tracker != nil {
		p.tracker.MarkError(string(phase), row.Hash, msg)
	}
	zap.L().Warn("row failed",
		zap.String("phase", string(phase)),
		zap.String("hash", row.ShortHash),
		zap.String("url", row.URL),
		zap.String("status", string(status)),
		zap.String("error", msg))
	return cause
}

// markRowDone records a successful transition in metrics and run statistics.
func (p *Pipeline) markRowDone(phase model.Phase, hash string) {
	metrics.ObserveTransition(string(phase), string(model.StatusDone))
	if p.tracker != nil {
		p.tracker.MarkNew(string(phase), hash)
	}
}

// isRunAbort reports whether err means the whole run is winding down rather
// than one row having failed. An open circuit aborts the run so a provider
// outage does not mark every remaining row as a compute error.
func isRunAbort(err error) bool {
	var budget *llm.BudgetError
	return errors.Is(err, llm.ErrInterrupted) ||
		errors.As(err, &budget) ||
		errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// runPool processes the batch on a bounded worker pool. Per-row failures
// are counted and never abort the batch; the first abort condition is
// returned after the pool drains.
func (p *Pipeline) runPool(ctx context.Context, phase model.Phase, workers int, batch []model.URLRecord, one func(context.Context, model.URLRecord) error) (Summary, error) {
	sum := Summary{Selected: len(batch)}

	var mu sync.Mutex
	var abortErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, row := range batch {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			metrics.IncActiveWorkers(string(phase))
			defer metrics.DecActiveWorkers(string(phase))

			err := one(gctx, row)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sum.Done++
			case isRunAbort(err):
				if abortErr == nil {
					abortErr = err
				}
				// Cancels the group so queued rows stop dispatching.
				return err
			default:
				sum.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if abortErr == nil && ctx.Err() != nil {
		abortErr = ctx.Err()
	}
	return sum, abortErr
}
