// Package browser owns the shared headless Chrome instance and lends out pages
// prepared with the anti-detection bundle.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
	"github.com/jae-tech/digduck-crawler/internal/metrics"
)

// Config controls the browser process and page accounting.
type Config struct {
	ExecPath     string
	Headless     bool
	NoSandbox    bool
	MaxPages     int
	DrainTimeout time.Duration
	// Stealth is the fingerprint used when AcquirePage is called with empty
	// settings fields.
	Stealth crawler.StealthSettings
}

// tab is the browser-specific part of a page; Session adds lease accounting.
type tab interface {
	Navigate(ctx context.Context, url, referer string) (int, error)
	WaitFor(ctx context.Context, strategy crawler.WaitStrategy) error
	Scroll(ctx context.Context, deltaY int) error
	MoveMouse(ctx context.Context, x, y float64) error
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Close() error
}

type tabOpener func(ctx context.Context, settings crawler.StealthSettings) (tab, error)

// Session implements crawler.PageProvider over one Chrome allocator.
type Session struct {
	cfg    Config
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	open        tabOpener

	active       atomic.Int64
	terminating  atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New launches the allocator for a headless Chrome session. Chrome itself
// starts lazily with the first page.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("max pages must be >= 0")
	}
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", cfg.Stealth.Locale),
		chromedp.UserAgent(cfg.Stealth.UserAgent),
		chromedp.WindowSize(cfg.Stealth.Viewport.Width, cfg.Stealth.Viewport.Height),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	s := newSession(cfg, logger, nil)
	s.allocCtx = allocCtx
	s.allocCancel = allocCancel
	s.open = s.openChromeTab
	return s, nil
}

func newSession(cfg Config, logger *zap.Logger, open tabOpener) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:         cfg.withDefaults(),
		logger:      logger.Named("browser"),
		open:        open,
		allocCancel: func() {},
	}
}

func (c Config) withDefaults() Config {
	if c.MaxPages == 0 {
		c.MaxPages = 3
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	c.Stealth = MergeStealth(DefaultStealth(), c.Stealth)
	return c
}

// AcquirePage lends a page configured with settings merged over the session
// fingerprint. It fails with crawler.ErrSessionUnavailable while the session
// is terminating or when all page slots are taken.
func (s *Session) AcquirePage(ctx context.Context, settings crawler.StealthSettings) (crawler.Page, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}

	t, err := s.open(ctx, MergeStealth(s.cfg.Stealth, settings))
	if err != nil {
		s.unreserve()
		s.logger.Warn("open page failed", zap.Error(err))
		return nil, fmt.Errorf("open page: %w: %w", crawler.ErrSessionUnavailable, err)
	}
	return &leasedPage{tab: t, session: s}, nil
}

func (s *Session) reserve() error {
	if s.terminating.Load() {
		metrics.ObserveSessionReject("terminating")
		return fmt.Errorf("acquire page: session terminating: %w", crawler.ErrSessionUnavailable)
	}
	limit := int64(s.cfg.MaxPages)
	for {
		n := s.active.Load()
		if n >= limit {
			metrics.ObserveSessionReject("capacity")
			return fmt.Errorf("acquire page: %d of %d pages in use: %w", n, limit, crawler.ErrSessionUnavailable)
		}
		if s.active.CompareAndSwap(n, n+1) {
			break
		}
	}
	// Shutdown may have started between the check and the increment.
	if s.terminating.Load() {
		s.unreserve()
		metrics.ObserveSessionReject("terminating")
		return fmt.Errorf("acquire page: session terminating: %w", crawler.ErrSessionUnavailable)
	}
	metrics.SetBrowserPages(s.active.Load())
	return nil
}

func (s *Session) unreserve() {
	for {
		n := s.active.Load()
		if n <= 0 {
			return
		}
		if s.active.CompareAndSwap(n, n-1) {
			metrics.SetBrowserPages(n - 1)
			return
		}
	}
}

// ActivePages returns the number of pages currently lent out.
func (s *Session) ActivePages() int {
	return int(s.active.Load())
}

// Terminating reports whether Shutdown has been called.
func (s *Session) Terminating() bool {
	return s.terminating.Load()
}

// Shutdown stops lending pages, waits up to the drain timeout for outstanding
// pages to be released, then closes the browser. Calling it again returns the
// first result.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.terminating.Store(true)
		s.shutdownErr = s.drain(ctx)
		s.allocCancel()
		s.logger.Info("browser session closed", zap.Int("pages_outstanding", s.ActivePages()))
	})
	return s.shutdownErr
}

func (s *Session) drain(ctx context.Context) error {
	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for s.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain pages: %w", ctx.Err())
		case <-deadline.C:
			s.logger.Warn("drain timeout reached", zap.Int("pages_outstanding", s.ActivePages()))
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// leasedPage hands a tab to one holder and returns its slot exactly once.
type leasedPage struct {
	tab
	session *Session
	once    sync.Once
}

// Release closes the tab and frees the slot. Extra calls are no-ops.
func (p *leasedPage) Release() {
	p.once.Do(func() {
		if err := p.tab.Close(); err != nil {
			p.session.logger.Debug("close page", zap.Error(err))
		}
		p.session.unreserve()
	})
}
