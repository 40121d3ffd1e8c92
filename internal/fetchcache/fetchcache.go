// Package fetchcache serves rendered pages from a content-addressed cache
// backed by the fetch_cache relation and a compressed blob directory.
//
// Every fetch attempt concludes in exactly one persisted outcome before the
// call returns: a success row pointing at a blob, or an error row carrying
// the failure message. Later calls for the same url and kind replay that
// outcome without touching the network, which is what makes repeated runs
// cheap and idempotent.
package fetchcache

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/blob"
	"github.com/arb-consulting/shallow-review-2025/internal/metrics"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/render"
	"github.com/arb-consulting/shallow-review-2025/internal/stats"
	"github.com/arb-consulting/shallow-review-2025/internal/store"
	"github.com/arb-consulting/shallow-review-2025/internal/urlkey"
)

// StatsCategory is the run-report category for page fetches.
const StatsCategory = "fetch"

// State classifies what the cache already knows about a url and kind.
type State int

const (
	// Miss means no usable entry exists and a render is required.
	Miss State = iota
	// Hit means a success row exists and its blob is present on disk.
	Hit
	// CachedFailure means the last attempt concluded with an error.
	CachedFailure
)

// Lookup is the cache's answer for one url and kind.
type Lookup struct {
	State  State
	Record *model.FetchRecord // nil when State is Miss
}

// ReplayError reports a fetch that already concluded with a failure in an
// earlier attempt. It carries the stored message so callers can fail fast
// without re-rendering the page.
type ReplayError struct {
	URL     string
	Kind    string
	Message string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("fetchcache: cached failure for %s (%s): %s", e.URL, e.Kind, e.Message)
}

// Options wires a Cache's collaborators. Tracker may be nil when no run
// statistics are wanted.
type Options struct {
	Store    store.Store
	Blobs    *blob.Dir
	Renderer render.Renderer
	Engine   string // engine label for the fetch duration histogram
	Tracker  *stats.Tracker
}

// Cache is the content-addressed fetch cache.
type Cache struct {
	store    store.Store
	blobs    *blob.Dir
	renderer render.Renderer
	engine   string
	tracker  *stats.Tracker
}

// New returns a Cache over the given store, blob directory and renderer.
func New(opts Options) *Cache {
	return &Cache{
		store:    opts.Store,
		blobs:    opts.Blobs,
		renderer: opts.Renderer,
		engine:   opts.Engine,
		tracker:  opts.Tracker,
	}
}

// FetchOptions adjusts a single Fetch call.
type FetchOptions struct {
	// RetryErrors re-renders a url whose last attempt concluded with an
	// error instead of replaying the stored failure.
	RetryErrors bool
}

// Page is a concluded fetch: the persisted row plus the location of the
// stored document.
type Page struct {
	Record model.FetchRecord
	Path   string // absolute path to the compressed blob
	Cached bool   // true when served without network activity
	blobs  *blob.Dir
}

// HTML reads and decompresses the stored document.
func (p *Page) HTML() (string, error) {
	data, err := p.blobs.Read(p.Record.ContentPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Lookup reports what the cache knows about url under kind without touching
// the network. A success row whose blob has gone missing from disk degrades
// to Miss so the caller re-renders instead of tripping over a stale row.
func (c *Cache) Lookup(ctx context.Context, url, kind string) (Lookup, error) {
	rec, err := c.store.GetFetch(ctx, urlkey.ForFetch(url, kind))
	if err != nil {
		return Lookup{}, err
	}
	if rec == nil {
		return Lookup{State: Miss}, nil
	}
	if rec.Succeeded() {
		if c.blobs.Exists(rec.ContentPath) {
			return Lookup{State: Hit, Record: rec}, nil
		}
		zap.L().Warn("cached blob missing, will re-render",
			zap.String("url", url),
			zap.String("kind", kind),
			zap.String("path", rec.ContentPath))
		return Lookup{State: Miss}, nil
	}
	return Lookup{State: CachedFailure, Record: rec}, nil
}

// Fetch returns the stored page for url under kind, rendering and caching
// it on first sight. A cached failure is replayed as a ReplayError unless
// opts.RetryErrors asks for a fresh attempt.
func (c *Cache) Fetch(ctx context.Context, url, kind string, opts FetchOptions) (*Page, error) {
	look, err := c.Lookup(ctx, url, kind)
	if err != nil {
		return nil, err
	}

	switch look.State {
	case Hit:
		c.markCached(look.Record.Hash)
		metrics.ObserveFetch("hit")
		zap.L().Debug("fetch cache hit",
			zap.String("url", url),
			zap.String("kind", kind),
			zap.String("hash", look.Record.ShortHash))
		return c.page(*look.Record, true), nil
	case CachedFailure:
		if !opts.RetryErrors {
			metrics.ObserveFetch("cached_error")
			zap.L().Warn("replaying cached fetch failure",
				zap.String("url", url),
				zap.String("kind", kind),
				zap.String("error", look.Record.Error))
			return nil, &ReplayError{URL: url, Kind: kind, Message: look.Record.Error}
		}
	}

	return c.refresh(ctx, url, kind)
}

// refresh renders the page and persists the outcome, success or failure.
func (c *Cache) refresh(ctx context.Context, url, kind string) (*Page, error) {
	hash := urlkey.ForFetch(url, kind)
	zap.L().Info("rendering page",
		zap.String("url", url),
		zap.String("kind", kind),
		zap.String("hash", urlkey.Short(hash)))

	start := time.Now()
	res, err := c.renderer.Render(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed. Leave no row so the next run
			// attempts the render again.
			return nil, err
		}
		return nil, c.concludeFailure(ctx, url, kind, err)
	}

	rel := path.Join("fetch", hash+".html.zst")
	if err := c.blobs.Write(rel, []byte(res.HTML)); err != nil {
		return nil, c.concludeFailure(ctx, url, kind, err)
	}

	rec := model.NewFetchSuccess(url, kind, res.StatusCode, rel)
	if err := c.store.PutFetch(ctx, rec); err != nil {
		return nil, err
	}

	c.markNew(hash)
	metrics.ObserveFetch("fetched")
	metrics.ObserveFetchDuration(c.engine, time.Since(start))
	zap.L().Info("page rendered",
		zap.String("url", url),
		zap.String("kind", kind),
		zap.Int("status", res.StatusCode),
		zap.Duration("duration", res.Duration))
	return c.page(rec, false), nil
}

// concludeFailure writes the error row and returns the wrapped cause. The
// stored row is what later calls replay.
func (c *Cache) concludeFailure(ctx context.Context, url, kind string, cause error) error {
	msg := cause.Error()
	rec := model.NewFetchFailure(url, kind, 0, msg)
	if err := c.store.PutFetch(ctx, rec); err != nil {
		zap.L().Error("failed to persist fetch error",
			zap.String("url", url),
			zap.String("kind", kind),
			zap.Error(err))
	}
	c.markError(rec.Hash, msg)
	metrics.ObserveFetch("error")
	zap.L().Error("render failed",
		zap.String("url", url),
		zap.String("kind", kind),
		zap.String("error", msg))
	return eris.Wrapf(cause, "fetchcache: render %s (%s)", url, kind)
}

func (c *Cache) page(rec model.FetchRecord, cached bool) *Page {
	return &Page{
		Record: rec,
		Path:   c.blobs.Abs(rec.ContentPath),
		Cached: cached,
		blobs:  c.blobs,
	}
}

func (c *Cache) markNew(hash string) {
	if c.tracker != nil {
		c.tracker.MarkNew(StatsCategory, hash)
	}
}

func (c *Cache) markCached(hash string) {
	if c.tracker != nil {
		c.tracker.MarkCached(StatsCategory, hash)
	}
}

func (c *Cache) markError(hash, msg string) {
	if c.tracker != nil {
		c.tracker.MarkError(StatsCategory, hash, msg)
	}
}
