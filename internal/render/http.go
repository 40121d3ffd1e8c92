package render

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"
)

// HTTP renders pages with a plain GET and no JavaScript execution.
// It is the right engine for static sites and for tests.
type HTTP struct {
	cfg     Config
	limiter *rate.Limiter
	client  *http.Client
}

// NewHTTP creates an HTTP renderer with the given configuration.
func NewHTTP(cfg Config) *HTTP {
	cfg = cfg.withDefaults()
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTP{
		cfg:     cfg,
		limiter: cfg.limiter(),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// Render performs a single GET and returns the response body as HTML.
// Redirects are followed; the result carries the URL that finally served
// the page. Non-2xx responses are returned as data, not as errors.
func (h *HTTP) Render(ctx context.Context, rawURL string) (*Result, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "render: rate limiter wait")
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "render: create request for %s", rawURL)
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(err, "render: http %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	html, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}

	res := &Result{
		HTML:       html,
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Duration:   time.Since(start),
	}
	zap.L().Debug("rendered page over http",
		zap.String("url", rawURL),
		zap.Int("status", res.StatusCode),
		zap.Int("bytes", len(res.HTML)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// Close is a no-op; the HTTP engine holds no long-lived resources.
func (h *HTTP) Close() error {
	return nil
}

// decodeBody reads the response body, converting to UTF-8 when the
// Content-Type header declares a different charset.
func decodeBody(resp *http.Response) (string, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "render: read body")
	}

	charset := responseCharset(resp)
	if charset == "" || charset == "utf-8" {
		return string(raw), nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", eris.Wrapf(err, "render: unsupported charset %q", charset)
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", eris.Wrapf(err, "render: decode charset %q", charset)
	}
	return string(decoded), nil
}

func responseCharset(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}
