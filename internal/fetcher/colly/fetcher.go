// Package collyfetcher lends static HTML pages fetched with gocolly. It is the
// page provider used when the crawler runs without a browser.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	RespectRobots bool
	Timeout       time.Duration
	// MaxPages bounds concurrently lent pages. Zero means unbounded.
	MaxPages int
	// Headers are added to every request.
	Headers map[string]string
}

// Provider implements crawler.PageProvider with plain HTTP fetches.
type Provider struct {
	cfg           Config
	baseCollector *colly.Collector
	active        atomic.Int64
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Provider.
func New(cfg Config) *Provider {
	return newWithTransport(cfg, newHTTPTransport())
}

func newWithTransport(cfg Config, base http.RoundTripper) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	// The caller decides which URLs to load; re-navigation to the same URL is allowed.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newRobotsAwareTransport(base))
	c.SetRequestTimeout(cfg.Timeout)
	return &Provider{cfg: cfg, baseCollector: c}
}

// AcquirePage lends a page that carries the fingerprint headers of settings.
func (p *Provider) AcquirePage(ctx context.Context, settings crawler.StealthSettings) (crawler.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire static page: %w", err)
	}
	n := p.active.Add(1)
	if limit := p.cfg.MaxPages; limit > 0 && n > int64(limit) {
		p.active.Add(-1)
		return nil, fmt.Errorf("%d static pages open: %w", limit, crawler.ErrSessionUnavailable)
	}
	return &staticPage{provider: p, settings: settings}, nil
}

// Active reports the number of pages currently lent out.
func (p *Provider) Active() int64 {
	return p.active.Load()
}

type staticPage struct {
	provider *Provider
	settings crawler.StealthSettings

	mu       sync.Mutex
	body     []byte
	location string
	once     sync.Once
}

// Navigate loads url and keeps the response body for HTML. Non-2xx responses
// are returned with their status code and no error.
func (s *staticPage) Navigate(ctx context.Context, url, referer string) (int, error) {
	var (
		resp     *colly.Response
		fetchErr error
	)
	collector := s.provider.buildCollector(ctx, s.settings)
	s.provider.configureCollectorHooks(collector, s.settings, referer, &resp, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, errors.New("colly returned no response")
	}
	s.mu.Lock()
	s.body = append([]byte(nil), resp.Body...)
	s.location = resp.Request.URL.String()
	s.mu.Unlock()
	return resp.StatusCode, nil
}

// WaitFor returns immediately: the document is complete once Navigate returns.
func (s *staticPage) WaitFor(ctx context.Context, _ crawler.WaitStrategy) error {
	return ctx.Err()
}

func (s *staticPage) Scroll(context.Context, int) error { return nil }

func (s *staticPage) MoveMouse(context.Context, float64, float64) error { return nil }

func (s *staticPage) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == nil {
		return "", errors.New("page has not been navigated")
	}
	return string(s.body), nil
}

func (s *staticPage) Location(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, nil
}

func (s *staticPage) Release() {
	s.once.Do(func() {
		s.provider.active.Add(-1)
	})
}

func (p *Provider) buildCollector(ctx context.Context, settings crawler.StealthSettings) *colly.Collector {
	collector := p.baseCollector.Clone()
	collector.Context = ctx
	if settings.UserAgent != "" {
		collector.UserAgent = settings.UserAgent
	}
	return collector
}

func (p *Provider) configureCollectorHooks(
	hooks collectorHooks,
	settings crawler.StealthSettings,
	referer string,
	result **colly.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		p.copyHeaders(settings, referer, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = r
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (p *Provider) copyHeaders(settings crawler.StealthSettings, referer string, r *colly.Request) {
	for key, value := range p.cfg.Headers {
		r.Headers.Set(key, value)
	}
	if settings.AcceptLanguage != "" {
		r.Headers.Set("Accept-Language", settings.AcceptLanguage)
	}
	for key, values := range settings.ExtraHeaders {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if referer != "" {
		r.Headers.Set("Referer", referer)
	}
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ crawler.PageProvider = (*Provider)(nil)
