// Package navigator loads pages with a readiness condition, a timeout and
// optional human-like pacing.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Sleeper pauses for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RandSource is the subset of *math/rand.Rand the navigator needs.
type RandSource interface {
	Int63n(n int64) int64
}

// DefaultNotFoundMarker is the SmartStore "product does not exist" text.
const DefaultNotFoundMarker = "상품이 존재하지 않습니다"

// Config tunes navigation defaults and pacing bounds.
type Config struct {
	Timeout        time.Duration
	WaitUntil      crawler.WaitStrategy
	HumanBehavior  bool
	PreDelayMin    time.Duration
	PreDelayMax    time.Duration
	SettleDelayMin time.Duration
	SettleDelayMax time.Duration
	MicroDelayMin  time.Duration
	MicroDelayMax  time.Duration
	ScrollSteps    int
	Viewport       crawler.Viewport
	// NotFoundMarkers trigger a single re-navigation when present in the
	// loaded document.
	NotFoundMarkers []string
}

// DefaultConfig returns the stock navigation settings.
func DefaultConfig() Config {
	return Config{
		Timeout:         60 * time.Second,
		WaitUntil:       crawler.WaitDOMContentLoaded,
		HumanBehavior:   true,
		PreDelayMin:     500 * time.Millisecond,
		PreDelayMax:     1400 * time.Millisecond,
		SettleDelayMin:  700 * time.Millisecond,
		SettleDelayMax:  1200 * time.Millisecond,
		MicroDelayMin:   80 * time.Millisecond,
		MicroDelayMax:   250 * time.Millisecond,
		ScrollSteps:     3,
		Viewport:        crawler.Viewport{Width: 1920, Height: 1080},
		NotFoundMarkers: []string{DefaultNotFoundMarker},
	}
}

// Navigator drives crawler.Page navigations.
type Navigator struct {
	cfg     Config
	sleeper Sleeper
	logger  *zap.Logger

	mu  sync.Mutex
	rnd RandSource
}

// New constructs a Navigator. Zero config fields fall back to DefaultConfig.
func New(cfg Config, sleeper Sleeper, rnd RandSource, logger *zap.Logger) (*Navigator, error) {
	if sleeper == nil {
		return nil, errors.New("sleeper is required")
	}
	if rnd == nil {
		return nil, errors.New("random source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.PreDelayMin > cfg.PreDelayMax || cfg.SettleDelayMin > cfg.SettleDelayMax || cfg.MicroDelayMin > cfg.MicroDelayMax {
		return nil, errors.New("delay min must be <= max")
	}
	return &Navigator{cfg: cfg, sleeper: sleeper, rnd: rnd, logger: logger.Named("navigator")}, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if !c.WaitUntil.Valid() {
		c.WaitUntil = def.WaitUntil
	}
	if c.PreDelayMax == 0 {
		c.PreDelayMin, c.PreDelayMax = def.PreDelayMin, def.PreDelayMax
	}
	if c.SettleDelayMax == 0 {
		c.SettleDelayMin, c.SettleDelayMax = def.SettleDelayMin, def.SettleDelayMax
	}
	if c.MicroDelayMax == 0 {
		c.MicroDelayMin, c.MicroDelayMax = def.MicroDelayMin, def.MicroDelayMax
	}
	if c.ScrollSteps < 0 {
		c.ScrollSteps = 0
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = def.Viewport
	}
	return c
}

// Navigate loads url in p and waits for the requested readiness condition.
// Timeouts yield crawler.ErrNavigationTimeout; transport failures and, when
// RequireSuccess is set, non-2xx responses yield crawler.ErrNavigation.
func (n *Navigator) Navigate(ctx context.Context, p crawler.Page, url string, opts crawler.NavigationOptions) (crawler.NavigationOutcome, error) {
	if opts.WaitUntil == "" {
		opts.WaitUntil = n.cfg.WaitUntil
	}
	if !opts.WaitUntil.Valid() {
		return crawler.NavigationOutcome{}, fmt.Errorf("navigate %s: unknown wait strategy %q: %w", url, opts.WaitUntil, crawler.ErrBadRequest)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = n.cfg.Timeout
	}
	human := n.cfg.HumanBehavior && opts.HumanBehavior
	logger := n.logger.With(zap.String("url", url))

	start := time.Now()
	var (
		status int
		err    error
	)
	for attempt := 1; ; attempt++ {
		if human {
			if err := n.pause(ctx, n.cfg.PreDelayMin, n.cfg.PreDelayMax); err != nil {
				return crawler.NavigationOutcome{}, fmt.Errorf("navigate %s: %w", url, err)
			}
			n.wiggle(ctx, p, logger)
		}

		status, err = n.load(ctx, p, url, opts)
		if err != nil {
			return crawler.NavigationOutcome{}, err
		}

		if human {
			if err := n.simulateReading(ctx, p, logger); err != nil {
				return crawler.NavigationOutcome{}, fmt.Errorf("navigate %s: %w", url, err)
			}
		}

		if attempt > 1 || !n.looksNotFound(ctx, p) {
			break
		}
		logger.Info("not-found page served, retrying once")
	}

	finalURL, err := p.Location(ctx)
	if err != nil || finalURL == "" {
		finalURL = url
	}
	return crawler.NavigationOutcome{
		FinalURL:   finalURL,
		StatusCode: status,
		Duration:   time.Since(start),
	}, nil
}

func (n *Navigator) load(ctx context.Context, p crawler.Page, url string, opts crawler.NavigationOptions) (int, error) {
	navCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	status, err := p.Navigate(navCtx, url, opts.Referer)
	if err != nil {
		return 0, n.classify(ctx, navCtx, url, opts.Timeout, err)
	}
	if err := p.WaitFor(navCtx, opts.WaitUntil); err != nil {
		return 0, n.classify(ctx, navCtx, url, opts.Timeout, err)
	}
	if opts.RequireSuccess && (status < 200 || status > 299) {
		return status, fmt.Errorf("navigate %s: status %d: %w", url, status, crawler.ErrNavigation)
	}
	return status, nil
}

func (n *Navigator) classify(parent, navCtx context.Context, url string, timeout time.Duration, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("navigate %s: %w", url, parent.Err())
	case errors.Is(navCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("navigate %s: no readiness within %s: %w", url, timeout, crawler.ErrNavigationTimeout)
	default:
		return fmt.Errorf("navigate %s: %w: %w", url, crawler.ErrNavigation, err)
	}
}

func (n *Navigator) looksNotFound(ctx context.Context, p crawler.Page) bool {
	if len(n.cfg.NotFoundMarkers) == 0 {
		return false
	}
	html, err := p.HTML(ctx)
	if err != nil {
		return false
	}
	for _, marker := range n.cfg.NotFoundMarkers {
		if marker != "" && strings.Contains(html, marker) {
			return true
		}
	}
	return false
}

// simulateReading scrolls down in steps with mouse moves, then settles.
func (n *Navigator) simulateReading(ctx context.Context, p crawler.Page, logger *zap.Logger) error {
	for i := 0; i < n.cfg.ScrollSteps; i++ {
		n.wiggle(ctx, p, logger)
		delta := 200 + int(n.int63n(400))
		if err := p.Scroll(ctx, delta); err != nil {
			logger.Debug("scroll failed", zap.Error(err))
		}
		if err := n.pause(ctx, n.cfg.MicroDelayMin, n.cfg.MicroDelayMax); err != nil {
			return err
		}
	}
	return n.pause(ctx, n.cfg.SettleDelayMin, n.cfg.SettleDelayMax)
}

func (n *Navigator) wiggle(ctx context.Context, p crawler.Page, logger *zap.Logger) {
	x := float64(n.int63n(int64(n.cfg.Viewport.Width)))
	y := float64(n.int63n(int64(n.cfg.Viewport.Height)))
	if err := p.MoveMouse(ctx, x, y); err != nil {
		logger.Debug("mouse move failed", zap.Error(err))
	}
}

func (n *Navigator) pause(ctx context.Context, lo, hi time.Duration) error {
	return n.sleeper.Sleep(ctx, n.between(lo, hi))
}

// between returns a random duration in [lo, hi].
func (n *Navigator) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(n.int63n(int64(hi-lo)+1))
}

func (n *Navigator) int63n(v int64) int64 {
	if v <= 0 {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rnd.Int63n(v)
}
