package render

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Chrome renders pages with headless Chrome via chromedp. The browser
// allocator is process-wide and starts lazily on the first render, so
// commands that never miss the fetch cache never launch a browser.
type Chrome struct {
	cfg     Config
	limiter *rate.Limiter

	allocOnce   sync.Once
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChrome creates a Chrome renderer. No browser process is started until
// the first Render call.
func NewChrome(cfg Config) *Chrome {
	cfg = cfg.withDefaults()
	return &Chrome{cfg: cfg, limiter: cfg.limiter()}
}

func (c *Chrome) allocatorCtx() context.Context {
	c.allocOnce.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.UserAgent(c.cfg.UserAgent),
		)
		if c.cfg.Headless {
			opts = append(opts, chromedp.Flag("headless", "new"))
		} else {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		c.allocator, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		zap.L().Debug("chrome allocator started", zap.Bool("headless", c.cfg.Headless))
	})
	return c.allocator
}

// Close shuts the shared browser down. Safe to call before the first render.
func (c *Chrome) Close() error {
	if c.allocCancel != nil {
		c.allocCancel()
	}
	return nil
}

const scrollToBottomJS = `window.scrollTo(0, document.body.scrollHeight)`

// Render navigates to url, waits for the document to settle, scrolls to the
// bottom to trigger lazy loading, and returns the final DOM.
func (c *Chrome) Render(ctx context.Context, url string) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "render: rate limit wait")
	}

	taskCtx, taskCancel := chromedp.NewContext(c.allocatorCtx())
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.Timeout)
	defer cancel()

	// Cancel the tab when the caller's context goes away; chromedp contexts
	// descend from the allocator, not from ctx.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	meta := &docMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	var html, finalURL string
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return err
			}
			return emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx)
		}),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.Settle),
		chromedp.Evaluate(scrollToBottomJS, nil),
		chromedp.Sleep(c.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(err, "render: chrome %s", url)
	}

	status, responseURL := meta.snapshot()
	if responseURL == "" {
		responseURL = finalURL
	}
	if status == 0 {
		status = 200
	}

	return &Result{
		HTML:       html,
		StatusCode: status,
		FinalURL:   responseURL,
		Duration:   time.Since(start),
	}, nil
}

// docMeta captures the main document's response status from CDP network
// events.
type docMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *docMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *docMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url
}
