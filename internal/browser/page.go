package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// chromeTab drives one Chrome target.
type chromeTab struct {
	ctx      context.Context
	cancel   context.CancelFunc
	viewport crawler.Viewport
	meta     *responseMeta
	life     *lifecycle
}

func (s *Session) openChromeTab(ctx context.Context, settings crawler.StealthSettings) (tab, error) {
	tabCtx, cancel := chromedp.NewContext(s.allocCtx)
	// The first Run creates the target and must use the tab context itself;
	// cancelling a derived context there would kill the tab.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	t := &chromeTab{
		ctx:      tabCtx,
		cancel:   cancel,
		viewport: settings.Viewport,
		meta:     newResponseMeta(),
		life:     newLifecycle(),
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			t.meta.capture(e)
		case *page.EventLifecycleEvent:
			t.life.record(e.LoaderID, e.Name)
		}
	})
	if err := chromedp.Run(tabCtx, stealthAction(settings, newFingerprintSeed())); err != nil {
		cancel()
		return nil, fmt.Errorf("prepare page: %w", err)
	}
	if ctx.Err() != nil {
		cancel()
		return nil, fmt.Errorf("prepare page: %w", ctx.Err())
	}
	return t, nil
}

// run executes actions on the tab, bounded by the caller's context.
func (t *chromeTab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (t *chromeTab) Navigate(ctx context.Context, url, referer string) (int, error) {
	t.meta.reset()
	var errorText string
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		nav := page.Navigate(url)
		if referer != "" {
			nav = nav.WithReferrer(referer)
		}
		_, loaderID, text, _, err := nav.Do(ctx)
		if err != nil {
			return err
		}
		errorText = text
		t.life.begin(loaderID)
		return nil
	}))
	if err != nil {
		return 0, fmt.Errorf("navigate %s: %w", url, err)
	}
	if errorText != "" {
		return 0, fmt.Errorf("navigate %s: %s", url, errorText)
	}
	status := t.meta.status()
	if status == 0 {
		status = http.StatusOK
	}
	return status, nil
}

func (t *chromeTab) WaitFor(ctx context.Context, strategy crawler.WaitStrategy) error {
	name := lifecycleEventFor(strategy)
	for {
		reached, changed := t.life.reached(name)
		if reached {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return fmt.Errorf("page closed: %w", t.ctx.Err())
		case <-changed:
		}
	}
}

func (t *chromeTab) Scroll(ctx context.Context, deltaY int) error {
	x, y := float64(t.viewport.Width)/2, float64(t.viewport.Height)/2
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(0).
			WithDeltaY(float64(deltaY)).
			Do(ctx)
	}))
}

func (t *chromeTab) MoveMouse(ctx context.Context, x, y float64) error {
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

func (t *chromeTab) HTML(ctx context.Context) (string, error) {
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (t *chromeTab) Location(ctx context.Context) (string, error) {
	var loc string
	if err := t.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (t *chromeTab) Close() error {
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	return err
}

func lifecycleEventFor(strategy crawler.WaitStrategy) string {
	switch strategy {
	case crawler.WaitLoad:
		return "load"
	case crawler.WaitNetworkIdle:
		return "networkIdle"
	default:
		return "DOMContentLoaded"
	}
}

// lifecycle tracks page lifecycle events per navigation loader.
type lifecycle struct {
	mu      sync.Mutex
	current cdp.LoaderID
	seen    map[cdp.LoaderID]map[string]bool
	changed chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		seen:    map[cdp.LoaderID]map[string]bool{},
		changed: make(chan struct{}),
	}
}

func (l *lifecycle) begin(loaderID cdp.LoaderID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.seen {
		if id != loaderID {
			delete(l.seen, id)
		}
	}
	l.current = loaderID
	l.notifyLocked()
}

func (l *lifecycle) record(loaderID cdp.LoaderID, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.seen[loaderID]
	if events == nil {
		events = map[string]bool{}
		l.seen[loaderID] = events
	}
	events[name] = true
	l.notifyLocked()
}

// reached reports whether name fired for the current navigation and returns
// a channel closed on the next event.
func (l *lifecycle) reached(name string) (bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Same-document navigations have no loader and nothing to wait for.
	if l.current == "" {
		return true, l.changed
	}
	return l.seen[l.current][name], l.changed
}

func (l *lifecycle) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// responseMeta captures the main document response of the last navigation.
type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	if m.code == 0 {
		m.code = int(event.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}
