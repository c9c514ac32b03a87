// Package browser wraps the Chrome DevTools Protocol behind the small
// capability surface the rendering pool needs: launch a headless browser,
// open pages with a fixed viewport and init scripts, navigate, reload,
// evaluate in-page script, and screenshot.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// navigateTimeout bounds every navigation and reload. A timeout is
// reported as an error to the caller, never treated as fatal.
const navigateTimeout = 45 * time.Second

// noCachePaths are the upstream dashboard resources whose stale cached
// copies must be defeated on every request. Matching is case-insensitive
// on the request URL.
var noCachePaths = []string{"/vis.0/", "vis-views.json", "vis-user.css"}

var noCachePatterns = []*fetch.RequestPattern{
	{URLPattern: "*vis.0*vis-views.json*", RequestStage: fetch.RequestStageRequest},
	{URLPattern: "*vis.0*vis-user.css*", RequestStage: fetch.RequestStageRequest},
}

// Browser owns one headless Chrome process. Pages are opened as tabs of
// this browser; closing the browser invalidates every open page.
type Browser struct {
	width  int
	height int
	logger *zap.Logger

	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// Launch starts a headless browser sized for the matrix canvas. The
// application cache is disabled to defeat the dashboard's legacy offline
// manifest.
func Launch(ctx context.Context, width, height int, logger *zap.Logger) (*Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx,
		append(
			chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-application-cache", true),
		)...,
	)

	// No-op log funcs suppress chromedp's output for CDP events it cannot
	// unmarshal; version skew between the installed Chrome and the pinned
	// cdproto definitions makes these routine and harmless.
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(string, ...any) {}),
		chromedp.WithErrorf(func(string, ...any) {}),
		chromedp.WithDebugf(func(string, ...any) {}),
	)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser: launch failed: %w", err)
	}

	logger.Info("browser launched", zap.Int("width", width), zap.Int("height", height))

	return &Browser{
		width:       width,
		height:      height,
		logger:      logger,
		allocCancel: allocCancel,
		ctx:         browserCtx,
		cancel:      browserCancel,
	}, nil
}

// NewPage opens a tab with the matrix viewport, the init script installed
// for every document, and no-cache interception armed for the dashboard's
// cached resources.
func (b *Browser) NewPage() (*Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)

	p := &Page{ctx: tabCtx, cancel: tabCancel, logger: b.logger}

	err := chromedp.Run(tabCtx,
		emulation.SetDeviceMetricsOverride(int64(b.width), int64(b.height), 1, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := page.Enable().Do(ctx); err != nil {
				return err
			}
			return page.SetLifecycleEventsEnabled(true).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(initScript).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return fetch.Enable().WithPatterns(noCachePatterns).Do(ctx)
		}),
	)
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("browser: open page: %w", err)
	}

	p.interceptRequests()
	return p, nil
}

// Close tears down the browser and every page opened from it.
func (b *Browser) Close() {
	b.cancel()
	b.allocCancel()
	b.logger.Info("browser closed")
}

// Page is one open tab. All methods report failure as an ordinary error;
// callers absorb and log them.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// interceptRequests forwards paused dashboard-resource requests with
// cache-defeating headers. Anything else paused by the URL patterns is
// passed through untouched.
func (p *Page) interceptRequests() {
	chromedp.ListenTarget(p.ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			cmdCtx, cancel := context.WithTimeout(p.ctx, 2*time.Second)
			defer cancel()

			c := chromedp.FromContext(cmdCtx)
			execCtx := cdp.WithExecutor(cmdCtx, c.Target)

			cont := fetch.ContinueRequest(paused.RequestID)
			if isNoCacheURL(paused.Request.URL) {
				headers := make([]*fetch.HeaderEntry, 0, len(paused.Request.Headers)+2)
				for k, v := range paused.Request.Headers {
					if s, ok := v.(string); ok {
						headers = append(headers, &fetch.HeaderEntry{Name: k, Value: s})
					}
				}
				headers = append(headers,
					&fetch.HeaderEntry{Name: "cache-control", Value: "no-cache"},
					&fetch.HeaderEntry{Name: "pragma", Value: "no-cache"},
				)
				cont = cont.WithHeaders(headers)
			}
			if err := cont.Do(execCtx); err != nil {
				p.logger.Debug("continue intercepted request", zap.Error(err))
			}
		}()
	})
}

func isNoCacheURL(raw string) bool {
	lower := strings.ToLower(raw)
	if !strings.Contains(lower, noCachePaths[0]) {
		return false
	}
	return strings.Contains(lower, noCachePaths[1]) || strings.Contains(lower, noCachePaths[2])
}

// Navigate loads the given URL and returns once the document reaches
// DOMContentLoaded, bounded by the navigation timeout.
func (p *Page) Navigate(url string) error {
	return p.withDOMContentLoaded(func(ctx context.Context) error {
		_, _, _, err := page.Navigate(url).Do(ctx)
		return err
	})
}

// Reload reloads the current document with the same load semantics as
// Navigate.
func (p *Page) Reload() error {
	return p.withDOMContentLoaded(func(ctx context.Context) error {
		return page.Reload().Do(ctx)
	})
}

// withDOMContentLoaded arms a lifecycle listener, runs the navigation
// action, and waits for the DOMContentLoaded event or the deadline.
func (p *Page) withDOMContentLoaded(action func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(p.ctx, navigateTimeout)
	defer cancel()

	loaded := make(chan struct{}, 1)
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()

	chromedp.ListenTarget(listenCtx, func(ev any) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "DOMContentLoaded" {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	err := chromedp.Run(ctx, chromedp.ActionFunc(action))
	if err != nil {
		return fmt.Errorf("browser: navigate: %w", err)
	}

	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser: waiting for DOMContentLoaded: %w", ctx.Err())
	}
}

// CurrentURL reports the page's current location.
func (p *Page) CurrentURL() (string, error) {
	var url string
	if err := chromedp.Run(p.ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("browser: location: %w", err)
	}
	return url, nil
}

// ConsumeDirty reads and clears the in-page dirty flag, returning its
// prior value.
func (p *Page) ConsumeDirty() (bool, error) {
	var dirty bool
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(consumeDirtyScript, &dirty)); err != nil {
		return false, fmt.Errorf("browser: consume dirty: %w", err)
	}
	return dirty, nil
}

// MarkDirty raises the in-page dirty flag.
func (p *Page) MarkDirty() error {
	var ok bool
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(markDirtyScript, &ok)); err != nil {
		return fmt.Errorf("browser: mark dirty: %w", err)
	}
	return nil
}

// WaitPaint blocks until two nested animation frames have fired, so a
// capture never lands on a half-painted DOM.
func (p *Page) WaitPaint() error {
	var ok bool
	err := chromedp.Run(p.ctx, chromedp.Evaluate(paintDebounceScript, &ok,
		func(ep *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return ep.WithAwaitPromise(true)
		}))
	if err != nil {
		return fmt.Errorf("browser: paint debounce: %w", err)
	}
	return nil
}

// Screenshot captures the viewport as PNG. The surface capture path is
// preferred; when the browser rejects its options, a plain capture is
// taken instead.
func (p *Page) Screenshot() ([]byte, error) {
	var buf []byte
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		b, err := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithFromSurface(true).
			WithOptimizeForSpeed(true).
			Do(ctx)
		if err == nil {
			buf = b
		}
		return err
	}))
	if err == nil {
		return buf, nil
	}

	if fallbackErr := chromedp.Run(p.ctx, chromedp.CaptureScreenshot(&buf)); fallbackErr != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", fallbackErr)
	}
	return buf, nil
}

// Close shuts the tab. Safe to call after the owning browser is gone.
func (p *Page) Close() {
	p.cancel()
}
