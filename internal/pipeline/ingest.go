package pipeline

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/llm"
	"github.com/arb-consulting/shallow-review-2025/internal/metrics"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/resilience"
	"github.com/arb-consulting/shallow-review-2025/internal/urlkey"
)

// IngestOptions adjusts URL ingestion.
type IngestOptions struct {
	// Phase is the destination table: "collect", "classify", or "auto" to
	// let the model decide per URL.
	Phase string

	// Source labels where the URLs came from. Defaults to "manual".
	Source string

	// Model is the detection model used when Phase is "auto".
	Model string
}

// IngestSummary reports the line outcomes of one ingestion.
type IngestSummary struct {
	Inserted  int
	Existing  int
	Malformed int
	Failed    int // auto-detection failures
}

// IngestFile reads newline-delimited URLs from path and inserts them as
// candidates. Blank lines and # comments are skipped; malformed lines are
// logged with their line number and counted, never silently dropped.
func (p *Pipeline) IngestFile(ctx context.Context, path string, opts IngestOptions) (IngestSummary, error) {
	auto := opts.Phase == "auto"
	var fixed model.Phase
	if !auto {
		var err error
		fixed, err = model.ParsePhase(opts.Phase)
		if err != nil {
			return IngestSummary{}, err
		}
	}

	source := opts.Source
	if source == "" {
		source = "manual"
	}
	detectModel := p.cfg.ResolveModel(opts.Model)

	f, err := os.Open(path)
	if err != nil {
		return IngestSummary{}, eris.Wrapf(err, "pipeline: open %s", path)
	}
	defer func() { _ = f.Close() }()

	var sum IngestSummary
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		normalized, err := urlkey.Normalize(line)
		if err != nil {
			sum.Malformed++
			zap.L().Warn("skipping malformed line",
				zap.String("file", path),
				zap.Int("line", lineNo),
				zap.String("text", line),
				zap.Error(err))
			continue
		}

		phase := fixed
		if auto {
			detected, err := p.detectPhase(ctx, normalized, detectModel)
			if err != nil {
				if isRunAbort(err) {
					return sum, err
				}
				sum.Failed++
				zap.L().Warn("phase detection failed",
					zap.Int("line", lineNo),
					zap.String("url", normalized),
					zap.Error(err))
				continue
			}
			phase = detected
		}

		cand := model.NewCandidate(normalized, source, "", nil)
		inserted, err := p.store.InsertCandidate(ctx, phase, cand)
		if err != nil {
			return sum, err
		}

		category := string(phase) + "_candidates"
		if inserted {
			sum.Inserted++
			metrics.ObserveTransition(string(phase), string(model.StatusNew))
			if p.tracker != nil {
				p.tracker.MarkNew(category, cand.Hash)
			}
			zap.L().Debug("url added",
				zap.String("phase", string(phase)),
				zap.String("hash", cand.ShortHash),
				zap.String("url", normalized))
		} else {
			sum.Existing++
			if p.tracker != nil {
				p.tracker.MarkCached(category, cand.Hash)
			}
			zap.L().Debug("url already exists",
				zap.String("phase", string(phase)),
				zap.String("hash", cand.ShortHash),
				zap.String("url", normalized))
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, eris.Wrapf(err, "pipeline: read %s", path)
	}

	zap.L().Info("ingestion finished",
		zap.String("file", path),
		zap.Int("inserted", sum.Inserted),
		zap.Int("existing", sum.Existing),
		zap.Int("malformed", sum.Malformed),
		zap.Int("detection_failed", sum.Failed))
	return sum, nil
}

// detectPhase asks the model whether a URL is a collection source or a
// single content page, judging by the URL alone.
func (p *Pipeline) detectPhase(ctx context.Context, rawURL, modelID string) (model.Phase, error) {
	req := llm.Request{
		Vars:           map[string]any{"url": rawURL},
		Model:          modelID,
		MaxTokens:      1000,
		System:         p.prompts.detectSystem,
		User:           p.prompts.detectUser,
		SystemCacheTTL: p.cfg.LLM.CacheTTL,
		StatsCategory:  "detect",
	}

	det, err := resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (model.PhaseDetection, error) {
		return llm.CompleteInto[model.PhaseDetection](ctx, p.engine, req)
	})
	if err != nil {
		return "", err
	}

	phase, err := model.ParsePhase(det.Phase)
	if err != nil {
		return "", err
	}
	zap.L().Debug("phase detected",
		zap.String("url", rawURL),
		zap.String("detected", det.Phase),
		zap.Float64("confidence", det.Confidence))
	return phase, nil
}
