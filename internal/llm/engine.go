// Package llm issues model completions with prompt templating, provider-side
// prompt caching, structured-output parsing and a classified retry policy.
//
// The provider cache is keyed by the full request payload, max_tokens
// included. After a content-shape failure the next attempt adds the failed
// attempt's number to max_tokens, producing a fresh cache key so the retry
// cannot replay the same unusable cached response. Transient failures keep
// the key stable so their retries still benefit from the cache.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/cost"
	"github.com/arb-consulting/shallow-review-2025/internal/metrics"
	"github.com/arb-consulting/shallow-review-2025/internal/resilience"
	"github.com/arb-consulting/shallow-review-2025/internal/stats"
	"github.com/arb-consulting/shallow-review-2025/pkg/anthropic"
)

// Validator is implemented by structured response types.
type Validator interface {
	Validate() error
}

// Config holds engine-wide defaults. Per-request values override them.
type Config struct {
	Model     string
	MaxTokens int64
	Timeout   time.Duration
	Retry     resilience.RetryConfig
}

// EngineOptions bundles the engine's collaborators.
type EngineOptions struct {
	Client anthropic.Client
	Config Config

	// Costs prices token usage for run accounting. Optional.
	Costs *cost.Calculator

	// Tracker receives token/cost totals for requests that carry a stats
	// category. Optional.
	Tracker *stats.Tracker

	// CancelRun flips the run's cooperative shutdown when the provider
	// reports budget exhaustion. Optional.
	CancelRun context.CancelFunc
}

// Engine executes completion requests against the model provider.
type Engine struct {
	client    anthropic.Client
	cfg       Config
	costs     *cost.Calculator
	tracker   *stats.Tracker
	cancelRun context.CancelFunc
}

// NewEngine creates an Engine with defaults applied.
func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Engine{
		client:    opts.Client,
		cfg:       cfg,
		costs:     opts.Costs,
		tracker:   opts.Tracker,
		cancelRun: opts.CancelRun,
	}
}

// Request describes one completion call.
type Request struct {
	// Vars is the variable map both prompt templates render over.
	Vars map[string]any

	// Model and MaxTokens override the engine defaults when non-zero.
	Model     string
	MaxTokens int64

	System PromptSource
	User   PromptSource

	// SystemCacheTTL / UserCacheTTL mark the rendered prompt for
	// provider-side caching ("5m" or "1h"). Empty disables caching for
	// that role.
	SystemCacheTTL string
	UserCacheTTL   string

	// ThinkingBudget enables extended thinking when positive.
	ThinkingBudget int64

	// StatsCategory routes token/cost accounting; empty skips accounting.
	StatsCategory string
}

// prepared is a Request after template rendering and default resolution.
type prepared struct {
	model     string
	maxTokens int64
	system    string
	user      string
	systemTTL string
	userTTL   string
	thinking  int64
	category  string
}

func (e *Engine) prepare(req Request) (*prepared, error) {
	p := &prepared{
		model:     req.Model,
		maxTokens: req.MaxTokens,
		systemTTL: req.SystemCacheTTL,
		userTTL:   req.UserCacheTTL,
		thinking:  req.ThinkingBudget,
		category:  req.StatsCategory,
	}
	if p.model == "" {
		p.model = e.cfg.Model
	}
	if p.model == "" {
		return nil, &ConfigError{Reason: "no model configured"}
	}
	if p.maxTokens <= 0 {
		p.maxTokens = e.cfg.MaxTokens
	}

	var err error
	if p.system, err = req.System.render("system", req.Vars); err != nil {
		return nil, err
	}
	if p.user, err = req.User.render("user", req.Vars); err != nil {
		return nil, err
	}
	return p, nil
}

// Completion renders the prompts and returns the model's raw response text.
// Transient provider failures are retried; the response is not parsed.
func (e *Engine) Completion(ctx context.Context, req Request) (string, anthropic.TokenUsage, error) {
	p, err := e.prepare(req)
	if err != nil {
		return "", anthropic.TokenUsage{}, err
	}

	resp, err := resilience.DoVal(ctx, e.retryConfig(p), func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.callOnce(ctx, p, p.maxTokens)
	})
	if err != nil {
		return "", anthropic.TokenUsage{}, err
	}
	return resp.Text(), resp.Usage, nil
}

// CompleteInto issues the request and parses the last fenced code block of
// the response into T, running T's Validate plus any extra checks. Failed
// attempts retry per the engine policy; after a content-shape failure on
// attempt N the next attempt sends max_tokens = base + N so the provider
// cache cannot replay the unusable response. The increment is local to this
// call; a fresh call always starts at the configured base.
func CompleteInto[T Validator](ctx context.Context, e *Engine, req Request, extra ...func(T) error) (T, error) {
	var zero T

	p, err := e.prepare(req)
	if err != nil {
		return zero, err
	}

	attempt := 0
	bump := int64(0)

	return resilience.DoVal(ctx, e.retryConfig(p), func(ctx context.Context) (T, error) {
		attempt++

		resp, err := e.callOnce(ctx, p, p.maxTokens+bump)
		if err != nil {
			return zero, err
		}
		text := resp.Text()

		block, err := extractJSONBlock(text)
		if err != nil {
			bump = int64(attempt)
			zap.L().Warn("llm: response has no fenced block, will bypass provider cache",
				zap.String("model", p.model),
				zap.Int("attempt", attempt),
				zap.String("response", text),
			)
			return zero, err
		}

		var out T
		if err := json.Unmarshal([]byte(block), &out); err != nil {
			bump = int64(attempt)
			logContentFailure(p.model, attempt, block, err)
			return zero, &ValidationError{Payload: block, Err: err}
		}
		if err := out.Validate(); err != nil {
			bump = int64(attempt)
			logContentFailure(p.model, attempt, block, err)
			return zero, &ValidationError{Payload: block, Err: err}
		}
		for _, check := range extra {
			if err := check(out); err != nil {
				bump = int64(attempt)
				logContentFailure(p.model, attempt, block, err)
				return zero, &ValidationError{Payload: block, Err: err}
			}
		}
		return out, nil
	})
}

func logContentFailure(model string, attempt int, payload string, err error) {
	zap.L().Warn("llm: response failed validation, will bypass provider cache",
		zap.String("model", model),
		zap.Int("attempt", attempt),
		zap.Error(err),
		zap.String("payload", payload),
	)
}

// callOnce issues a single provider call with the given max_tokens.
func (e *Engine) callOnce(ctx context.Context, p *prepared, maxTokens int64) (*anthropic.MessageResponse, error) {
	// A run that is already shutting down must not start a new call.
	if ctx.Err() != nil {
		return nil, ErrInterrupted
	}

	userMsg := anthropic.Message{Role: "user", Content: p.user}
	if p.userTTL != "" {
		userMsg.CacheControl = &anthropic.CacheControl{TTL: p.userTTL}
	}
	mreq := anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		System:    []anthropic.SystemBlock{systemBlock(p.system, p.systemTTL)},
		Messages:  []anthropic.Message{userMsg},
	}
	if p.thinking > 0 {
		mreq.ThinkingBudget = &p.thinking
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.CreateMessage(callCtx, mreq)
	e.observeCall(p.category, err, time.Since(start))

	if err != nil {
		if anthropic.IsBudgetExhausted(err) {
			zap.L().Error("llm: provider budget exhausted, stopping run", zap.Error(err))
			if e.cancelRun != nil {
				e.cancelRun()
			}
			return nil, &BudgetError{Err: err}
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// Per-call timeout with the run still live.
			return nil, resilience.NewTransientError(err, 0)
		}
		return nil, err
	}

	zap.L().Debug("llm: completion",
		zap.String("model", p.model),
		zap.Int64("max_tokens", maxTokens),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Int64("cache_read_tokens", resp.Usage.CacheReadInputTokens),
	)
	e.recordUsage(p, resp.Usage)
	return resp, nil
}

func systemBlock(text, ttl string) anthropic.SystemBlock {
	block := anthropic.SystemBlock{Text: text}
	if ttl != "" {
		block.CacheControl = &anthropic.CacheControl{TTL: ttl}
	}
	return block
}

func (e *Engine) retryConfig(p *prepared) resilience.RetryConfig {
	cfg := e.cfg.Retry
	cfg.ShouldRetry = shouldRetry
	cfg.OnRetry = func(attempt int, err error) {
		reason := retryReason(err)
		metrics.ObserveRetry(reason)
		zap.L().Warn("llm: retrying completion",
			zap.String("model", p.model),
			zap.Int("attempt", attempt),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
	return cfg
}

func (e *Engine) observeCall(category string, err error, d time.Duration) {
	if category == "" {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveCompletion(category, outcome, d)
}

// recordUsage feeds token and cost totals into the run tracker and metrics.
func (e *Engine) recordUsage(p *prepared, usage anthropic.TokenUsage) {
	if p.category == "" {
		return
	}

	var usd float64
	if e.costs != nil {
		usd = e.costs.Claude(p.model,
			int(usage.InputTokens),
			int(usage.OutputTokens),
			int(usage.CacheCreationInputTokens),
			int(usage.CacheReadInputTokens),
		)
	}

	if e.tracker != nil {
		e.tracker.AddTokens(p.category, stats.TokenTotals{
			CacheReadTokens:  usage.CacheReadInputTokens,
			CacheWriteTokens: usage.CacheCreationInputTokens,
			UncachedTokens:   usage.InputTokens,
			OutputTokens:     usage.OutputTokens,
			CostUSD:          usd,
		})
	}
	metrics.AddTokens(p.category,
		usage.CacheReadInputTokens,
		usage.CacheCreationInputTokens,
		usage.InputTokens,
		usage.OutputTokens,
	)
	metrics.AddCost(p.category, usd)
}

// fencedBlock matches a markdown code fence; the last match is the payload.
var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// extractJSONBlock returns the contents of the last fenced code block in
// text. Responses with no fenced block fail with an ExtractionError.
func extractJSONBlock(text string) (string, error) {
	matches := fencedBlock.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", &ExtractionError{Response: text}
	}
	return strings.TrimSpace(matches[len(matches)-1][1]), nil
}
