package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/fetchcache"
	"github.com/arb-consulting/shallow-review-2025/internal/llm"
	"github.com/arb-consulting/shallow-review-2025/internal/metrics"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/resilience"
	"github.com/arb-consulting/shallow-review-2025/internal/urlkey"
)

// RunCollect processes pending collect rows: each source page is fetched
// through the cache, converted to markdown and handed to the model, and the
// extracted items at or above the relevancy threshold are promoted into the
// classify table.
func (p *Pipeline) RunCollect(ctx context.Context, opts RunOptions) (Summary, error) {
	s := p.resolve(p.cfg.Collect, opts)

	batch, err := p.selectBatch(ctx, model.PhaseCollect, s, nil)
	if err != nil {
		return Summary{}, err
	}

	log := zap.L().With(zap.String("phase", "collect"))
	log.Info("run starting",
		zap.Int("selected", len(batch)),
		zap.Int("workers", s.Workers),
		zap.String("model", s.Model),
		zap.Bool("retry_errors", s.RetryErrors))

	sum, runErr := p.runPool(ctx, model.PhaseCollect, s.Workers, batch, func(ctx context.Context, row model.URLRecord) error {
		return p.collectOne(ctx, row, s)
	})

	log.Info("run finished",
		zap.Int("selected", sum.Selected),
		zap.Int("done", sum.Done),
		zap.Int("failed", sum.Failed))
	return sum, runErr
}

func (p *Pipeline) collectOne(ctx context.Context, row model.URLRecord, s runSettings) error {
	log := zap.L().With(
		zap.String("phase", "collect"),
		zap.String("hash", row.ShortHash),
		zap.String("url", row.URL))

	page, err := p.fetch.Fetch(ctx, row.URL, "collect", fetchcache.FetchOptions{RetryErrors: s.RetryErrors})
	if err != nil {
		return p.failRow(ctx, model.PhaseCollect, row, model.StatusFetchError, err)
	}

	html, err := page.HTML()
	if err != nil {
		return p.failRow(ctx, model.PhaseCollect, row, model.StatusFetchError, err)
	}

	content, err := p.convert.MarkdownCapped(html, row.URL, s.MaxHTMLTokens)
	if err != nil {
		return p.failRow(ctx, model.PhaseCollect, row, model.StatusExtractError, err)
	}

	res, err := p.completeCollect(ctx, row, content, s)
	if err != nil {
		return p.failRow(ctx, model.PhaseCollect, row, model.StatusExtractError, err)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return p.failRow(ctx, model.PhaseCollect, row, model.StatusExtractError, eris.Wrap(err, "pipeline: marshal collect result"))
	}
	if err := p.store.MarkDone(ctx, model.PhaseCollect, row.Hash, payload, res.SourceQuality); err != nil {
		return err
	}
	p.markRowDone(model.PhaseCollect, row.Hash)

	kept := keepItems(res.Items, s.MinRelevancy)
	promoted, existing := p.promote(ctx, row, kept)

	log.Info("source collected",
		zap.Int("items", len(res.Items)),
		zap.Int("kept", len(kept)),
		zap.Int("promoted", promoted),
		zap.Int("existing", existing),
		zap.Float64("source_quality", res.SourceQuality))
	return nil
}

func (p *Pipeline) completeCollect(ctx context.Context, row model.URLRecord, content string, s runSettings) (model.CollectResult, error) {
	req := llm.Request{
		Vars: map[string]any{
			"url":     row.URL,
			"content": content,
		},
		Model:          s.Model,
		MaxTokens:      s.MaxTokens,
		System:         p.prompts.collectSystem,
		User:           p.prompts.collectUser,
		SystemCacheTTL: p.cfg.LLM.CacheTTL,
		StatsCategory:  "collect",
	}
	return resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (model.CollectResult, error) {
		return llm.CompleteInto[model.CollectResult](ctx, p.engine, req)
	})
}

// keepItems filters extracted items by the relevancy threshold.
func keepItems(items []model.CollectItem, minRelevancy float64) []model.CollectItem {
	kept := make([]model.CollectItem, 0, len(items))
	for _, item := range items {
		if item.Relevancy >= minRelevancy {
			kept = append(kept, item)
		}
	}
	return kept
}

// promote inserts kept items as classify candidates. Duplicates are normal
// control flow, counted as existing; a store failure skips the item but
// never fails the source row.
func (p *Pipeline) promote(ctx context.Context, row model.URLRecord, items []model.CollectItem) (promoted, existing int) {
	for _, item := range items {
		normalized, err := urlkey.Normalize(item.URL)
		if err != nil {
			zap.L().Warn("skipping unusable extracted url",
				zap.String("source", row.URL),
				zap.String("url", item.URL),
				zap.Error(err))
			continue
		}

		rel := item.Relevancy
		cand := model.NewCandidate(normalized, "collect", row.URL, &rel)
		inserted, err := p.store.InsertCandidate(ctx, model.PhaseClassify, cand)
		if err != nil {
			zap.L().Warn("failed to insert classify candidate",
				zap.String("source", row.URL),
				zap.String("url", normalized),
				zap.Error(err))
			continue
		}

		if inserted {
			promoted++
			metrics.ObserveTransition(string(model.PhaseClassify), string(model.StatusNew))
			if p.tracker != nil {
				p.tracker.MarkNew("classify_candidates", cand.Hash)
			}
		} else {
			existing++
			if p.tracker != nil {
				p.tracker.MarkCached("classify_candidates", cand.Hash)
			}
		}
	}
	return promoted, existing
}
