package navigator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type fakePage struct {
	status     int
	navErr     error
	blockWait  bool
	htmls      []string
	navigates  []string
	referers   []string
	scrolls    int
	mouseMoves int
	waits      []crawler.WaitStrategy
}

func (p *fakePage) Navigate(_ context.Context, url, referer string) (int, error) {
	p.navigates = append(p.navigates, url)
	p.referers = append(p.referers, referer)
	if p.navErr != nil {
		return 0, p.navErr
	}
	return p.status, nil
}

func (p *fakePage) WaitFor(ctx context.Context, strategy crawler.WaitStrategy) error {
	p.waits = append(p.waits, strategy)
	if p.blockWait {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) Scroll(context.Context, int) error {
	p.scrolls++
	return nil
}

func (p *fakePage) MoveMouse(context.Context, float64, float64) error {
	p.mouseMoves++
	return nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	if len(p.htmls) == 0 {
		return "<html><body>ok</body></html>", nil
	}
	h := p.htmls[0]
	p.htmls = p.htmls[1:]
	return h, nil
}

func (p *fakePage) Location(context.Context) (string, error) {
	if len(p.navigates) == 0 {
		return "", nil
	}
	return p.navigates[len(p.navigates)-1] + "#final", nil
}

func (p *fakePage) Release() {}

func newTestNavigator(t *testing.T, cfg Config) (*Navigator, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	n, err := New(cfg, sleeper, rand.New(rand.NewSource(7)), nil)
	require.NoError(t, err)
	return n, sleeper
}

func TestNavigateWithoutHumanBehavior(t *testing.T) {
	t.Parallel()

	n, sleeper := newTestNavigator(t, DefaultConfig())
	page := &fakePage{status: 200}

	out, err := n.Navigate(context.Background(), page, "https://smartstore.naver.com/a", crawler.NavigationOptions{
		Referer: "https://search.naver.com",
	})
	require.NoError(t, err)
	require.Equal(t, 200, out.StatusCode)
	require.Equal(t, "https://smartstore.naver.com/a#final", out.FinalURL)
	require.Equal(t, []string{"https://search.naver.com"}, page.referers)
	require.Equal(t, []crawler.WaitStrategy{crawler.WaitDOMContentLoaded}, page.waits)
	require.Empty(t, sleeper.delays)
	require.Zero(t, page.scrolls)
}

func TestNavigateHumanBehaviorStaysWithinBounds(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	n, sleeper := newTestNavigator(t, cfg)
	page := &fakePage{status: 200}

	_, err := n.Navigate(context.Background(), page, "https://example.com", crawler.NavigationOptions{
		HumanBehavior: true,
		WaitUntil:     crawler.WaitNetworkIdle,
	})
	require.NoError(t, err)

	require.Len(t, sleeper.delays, 1+cfg.ScrollSteps+1)
	pre := sleeper.delays[0]
	require.GreaterOrEqual(t, pre, cfg.PreDelayMin)
	require.LessOrEqual(t, pre, cfg.PreDelayMax)
	for _, micro := range sleeper.delays[1 : 1+cfg.ScrollSteps] {
		require.GreaterOrEqual(t, micro, cfg.MicroDelayMin)
		require.LessOrEqual(t, micro, cfg.MicroDelayMax)
	}
	settle := sleeper.delays[len(sleeper.delays)-1]
	require.GreaterOrEqual(t, settle, cfg.SettleDelayMin)
	require.LessOrEqual(t, settle, cfg.SettleDelayMax)
	require.Equal(t, cfg.ScrollSteps, page.scrolls)
	require.Equal(t, cfg.ScrollSteps+1, page.mouseMoves)
	require.Equal(t, []crawler.WaitStrategy{crawler.WaitNetworkIdle}, page.waits)
}

func TestNavigateHumanBehaviorDisabledGlobally(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.HumanBehavior = false
	n, sleeper := newTestNavigator(t, cfg)

	_, err := n.Navigate(context.Background(), &fakePage{status: 200}, "https://example.com", crawler.NavigationOptions{HumanBehavior: true})
	require.NoError(t, err)
	require.Empty(t, sleeper.delays)
}

func TestNavigateTimeout(t *testing.T) {
	t.Parallel()

	n, _ := newTestNavigator(t, DefaultConfig())
	page := &fakePage{status: 200, blockWait: true}

	_, err := n.Navigate(context.Background(), page, "https://example.com", crawler.NavigationOptions{Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, crawler.ErrNavigationTimeout)
	require.Equal(t, crawler.ClassTransient, crawler.Classify(err))
}

func TestNavigateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		page    *fakePage
		opts    crawler.NavigationOptions
		wantErr error
		status  int
	}{
		{
			name:    "transport failure",
			page:    &fakePage{navErr: errors.New("net::ERR_CONNECTION_RESET")},
			wantErr: crawler.ErrNavigation,
		},
		{
			name:    "non-2xx when success required",
			page:    &fakePage{status: 404},
			opts:    crawler.NavigationOptions{RequireSuccess: true},
			wantErr: crawler.ErrNavigation,
		},
		{
			name:   "non-2xx tolerated",
			page:   &fakePage{status: 404},
			status: 404,
		},
		{
			name:    "unknown wait strategy",
			page:    &fakePage{status: 200},
			opts:    crawler.NavigationOptions{WaitUntil: "eventually"},
			wantErr: crawler.ErrBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, _ := newTestNavigator(t, DefaultConfig())
			out, err := n.Navigate(context.Background(), tt.page, "https://example.com", tt.opts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.status, out.StatusCode)
		})
	}
}

func TestNavigateCancelledContext(t *testing.T) {
	t.Parallel()

	n, _ := newTestNavigator(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := n.Navigate(ctx, &fakePage{status: 200}, "https://example.com", crawler.NavigationOptions{HumanBehavior: true})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, crawler.ErrNavigationTimeout)
}

func TestNavigateRetriesNotFoundOnce(t *testing.T) {
	t.Parallel()

	n, _ := newTestNavigator(t, DefaultConfig())
	notFound := "<html><body>" + DefaultNotFoundMarker + "</body></html>"

	page := &fakePage{status: 200, htmls: []string{notFound}}
	_, err := n.Navigate(context.Background(), page, "https://example.com/p/1", crawler.NavigationOptions{})
	require.NoError(t, err)
	require.Len(t, page.navigates, 2)

	page = &fakePage{status: 200, htmls: []string{notFound, notFound, notFound}}
	_, err = n.Navigate(context.Background(), page, "https://example.com/p/1", crawler.NavigationOptions{})
	require.NoError(t, err)
	require.Len(t, page.navigates, 2, "re-navigation happens at most once")
}

func TestNewValidatesBounds(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PreDelayMin: time.Second, PreDelayMax: time.Millisecond}, &recordingSleeper{}, rand.New(rand.NewSource(1)), nil)
	require.Error(t, err)
	_, err = New(DefaultConfig(), nil, rand.New(rand.NewSource(1)), nil)
	require.Error(t, err)
}
