package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/config"
	"github.com/arb-consulting/shallow-review-2025/internal/fetchcache"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
)

// RunFetch warms the fetch cache for a phase's pending rows without making
// any model calls. Fetch failures mark the row fetch_error; successes leave
// the row's status alone so the compute phase picks it up with a warm cache.
func (p *Pipeline) RunFetch(ctx context.Context, phase model.Phase, opts RunOptions) (Summary, error) {
	s := p.resolve(p.phaseConfig(phase), opts)

	batch, err := p.selectBatch(ctx, phase, s, nil)
	if err != nil {
		return Summary{}, err
	}

	log := zap.L().With(zap.String("phase", string(phase)))
	log.Info("fetch run starting",
		zap.Int("selected", len(batch)),
		zap.Int("workers", s.Workers),
		zap.Bool("retry_errors", s.RetryErrors))

	sum, runErr := p.runPool(ctx, phase, s.Workers, batch, func(ctx context.Context, row model.URLRecord) error {
		_, err := p.fetch.Fetch(ctx, row.URL, string(phase), fetchcache.FetchOptions{RetryErrors: s.RetryErrors})
		if err != nil {
			return p.failRow(ctx, phase, row, model.StatusFetchError, err)
		}
		return nil
	})

	log.Info("fetch run finished",
		zap.Int("selected", sum.Selected),
		zap.Int("warmed", sum.Done),
		zap.Int("failed", sum.Failed))
	return sum, runErr
}

func (p *Pipeline) phaseConfig(phase model.Phase) config.PhaseConfig {
	if phase == model.PhaseClassify {
		return p.cfg.Classify
	}
	return p.cfg.Collect
}
