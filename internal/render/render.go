// Package render fetches fully rendered page HTML, either through headless
// Chrome or a plain HTTP client.
package render

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Result is the outcome of rendering one page. StatusCode is the main
// document's HTTP status; callers decide whether a non-2xx page counts as a
// failure.
type Result struct {
	HTML       string
	StatusCode int
	FinalURL   string
	Duration   time.Duration
}

// Renderer fetches one URL and returns the rendered document.
type Renderer interface {
	Render(ctx context.Context, url string) (*Result, error)
	Close() error
}

// Config controls rendering behavior for both engines.
type Config struct {
	Timeout    time.Duration
	Settle     time.Duration
	RatePerSec float64
	UserAgent  string
	Headless   bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 2 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "shallow-review/1.0"
	}
	return c
}

func (c Config) limiter() *rate.Limiter {
	if c.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(c.RatePerSec), 1)
}

// New builds the renderer named by engine: "chrome" or "http".
func New(engine string, cfg Config) (Renderer, error) {
	switch engine {
	case "chrome":
		return NewChrome(cfg), nil
	case "http":
		return NewHTTP(cfg), nil
	}
	return nil, eris.Errorf("render: unknown engine %q", engine)
}
