package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/fetchcache"
	"github.com/arb-consulting/shallow-review-2025/internal/llm"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/resilience"
)

// RunClassify processes pending classify rows: each page is fetched through
// the cache, converted to markdown and classified against the taxonomy.
// Selection skips rows whose collect relevancy fell below the threshold;
// rows without a score (added directly) always qualify.
func (p *Pipeline) RunClassify(ctx context.Context, opts RunOptions) (Summary, error) {
	s := p.resolve(p.cfg.Classify, opts)

	batch, err := p.selectBatch(ctx, model.PhaseClassify, s, &s.MinRelevancy)
	if err != nil {
		return Summary{}, err
	}

	log := zap.L().With(zap.String("phase", "classify"))
	log.Info("run starting",
		zap.Int("selected", len(batch)),
		zap.Int("workers", s.Workers),
		zap.String("model", s.Model),
		zap.Float64("min_relevancy", s.MinRelevancy),
		zap.Bool("retry_errors", s.RetryErrors))

	sum, runErr := p.runPool(ctx, model.PhaseClassify, s.Workers, batch, func(ctx context.Context, row model.URLRecord) error {
		return p.classifyOne(ctx, row, s)
	})

	log.Info("run finished",
		zap.Int("selected", sum.Selected),
		zap.Int("done", sum.Done),
		zap.Int("failed", sum.Failed))
	return sum, runErr
}

func (p *Pipeline) classifyOne(ctx context.Context, row model.URLRecord, s runSettings) error {
	log := zap.L().With(
		zap.String("phase", "classify"),
		zap.String("hash", row.ShortHash),
		zap.String("url", row.URL))

	page, err := p.fetch.Fetch(ctx, row.URL, "classify", fetchcache.FetchOptions{RetryErrors: s.RetryErrors})
	if err != nil {
		return p.failRow(ctx, model.PhaseClassify, row, model.StatusFetchError, err)
	}

	html, err := page.HTML()
	if err != nil {
		return p.failRow(ctx, model.PhaseClassify, row, model.StatusFetchError, err)
	}

	content, err := p.convert.MarkdownCapped(html, row.URL, s.MaxHTMLTokens)
	if err != nil {
		return p.failRow(ctx, model.PhaseClassify, row, model.StatusClassifyError, err)
	}

	cls, err := p.completeClassify(ctx, row, content, s)
	if err != nil {
		return p.failRow(ctx, model.PhaseClassify, row, model.StatusClassifyError, err)
	}

	payload, err := json.Marshal(cls)
	if err != nil {
		return p.failRow(ctx, model.PhaseClassify, row, model.StatusClassifyError, eris.Wrap(err, "pipeline: marshal classification"))
	}
	if err := p.store.MarkDone(ctx, model.PhaseClassify, row.Hash, payload, cls.Relevancy); err != nil {
		return err
	}
	p.markRowDone(model.PhaseClassify, row.Hash)

	log.Info("page classified",
		zap.Strings("categories", cls.Categories),
		zap.Float64("relevancy", cls.Relevancy),
		zap.Float64("confidence", cls.Confidence))
	return nil
}

func (p *Pipeline) completeClassify(ctx context.Context, row model.URLRecord, content string, s runSettings) (model.Classification, error) {
	req := llm.Request{
		Vars: map[string]any{
			"url":      row.URL,
			"content":  content,
			"taxonomy": p.taxonomy.Describe(),
		},
		Model:          s.Model,
		MaxTokens:      s.MaxTokens,
		System:         p.prompts.classifySystem,
		User:           p.prompts.classifyUser,
		SystemCacheTTL: p.cfg.LLM.CacheTTL,
		StatsCategory:  "classify",
	}

	inTaxonomy := func(c model.Classification) error {
		for _, id := range c.Categories {
			if !p.taxonomy.Has(id) {
				return eris.Errorf("pipeline: category %q is not in the taxonomy", id)
			}
		}
		return nil
	}

	return resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (model.Classification, error) {
		return llm.CompleteInto(ctx, p.engine, req, inTaxonomy)
	})
}
