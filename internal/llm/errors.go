package llm

import (
	"errors"

	"github.com/rotisserie/eris"

	"github.com/arb-consulting/shallow-review-2025/internal/resilience"
	"github.com/arb-consulting/shallow-review-2025/pkg/anthropic"
)

// ErrInterrupted reports a call aborted before dispatch because the run is
// shutting down. Never retried.
var ErrInterrupted = eris.New("llm: interrupted before dispatch")

// ConfigError reports an invalid completion request. It is raised before any
// network call and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "llm: " + e.Reason
}

// ExtractionError reports a response with no fenced code block to parse.
type ExtractionError struct {
	Response string
}

func (e *ExtractionError) Error() string {
	return "llm: no fenced code block in response"
}

// ValidationError reports a parsed payload that failed schema validation.
type ValidationError struct {
	Payload string
	Err     error
}

func (e *ValidationError) Error() string {
	return "llm: response failed validation: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BudgetError reports that the provider refused the call for billing
// reasons. It aborts the whole run and is never retried.
type BudgetError struct {
	Err error
}

func (e *BudgetError) Error() string {
	return "llm: provider budget exhausted: " + e.Err.Error()
}

func (e *BudgetError) Unwrap() error {
	return e.Err
}

// IsContentShape reports whether err means the response content itself was
// unusable (missing block or failed validation). These failures drive the
// cache-bypass protocol and say nothing about the provider's health.
func IsContentShape(err error) bool {
	var ee *ExtractionError
	var ve *ValidationError
	return errors.As(err, &ee) || errors.As(err, &ve)
}

// shouldRetry classifies an attempt failure for the retry layer. Interrupts,
// budget exhaustion and configuration errors are terminal; rate limits,
// transient provider/network failures and content-shape failures retry.
func shouldRetry(err error) bool {
	if errors.Is(err, ErrInterrupted) {
		return false
	}
	var be *BudgetError
	if errors.As(err, &be) {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}
	if IsContentShape(err) {
		return true
	}
	if anthropic.IsRateLimited(err) || anthropic.IsTransientAPI(err) {
		return true
	}
	return resilience.IsTransient(err)
}

// retryReason names the retry cause for metrics.
func retryReason(err error) string {
	switch {
	case IsContentShape(err):
		return "content_shape"
	case anthropic.IsRateLimited(err):
		return "rate_limit"
	default:
		return "transient"
	}
}
