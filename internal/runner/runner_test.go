package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jae-tech/digduck-crawler/internal/clock/system"
	"github.com/jae-tech/digduck-crawler/internal/crawler"
	"github.com/jae-tech/digduck-crawler/internal/extractor"
	"github.com/jae-tech/digduck-crawler/internal/hash/sha256"
	"github.com/jae-tech/digduck-crawler/internal/id/uuid"
	"github.com/jae-tech/digduck-crawler/internal/ingest"
	"github.com/jae-tech/digduck-crawler/internal/jobs"
	"github.com/jae-tech/digduck-crawler/internal/navigator"
	"github.com/jae-tech/digduck-crawler/internal/policy/ratelimit"
	"github.com/jae-tech/digduck-crawler/internal/progress"
	publishermemory "github.com/jae-tech/digduck-crawler/internal/publisher/memory"
	"github.com/jae-tech/digduck-crawler/internal/storage/memory"
)

const (
	owner     = "owner@example.com"
	targetURL = "https://smartstore.naver.com/shop/products/1"
)

func pageURL(n int) string {
	if n == 1 {
		return targetURL
	}
	return fmt.Sprintf("%s?page=%d", targetURL, n)
}

// reviewHTML renders n reviews with native ids r{first}..r{first+n-1}.
func reviewHTML(first, n int) string {
	var b strings.Builder
	b.WriteString(`<html><body><ul>`)
	for i := 0; i < n; i++ {
		id := first + i
		fmt.Fprintf(&b, `<li class="review_list_item" data-review-id="r%d">`+
			`<div class="rating">5</div><p class="review_content">review %d</p>`+
			`<span class="reviewer">user%d</span></li>`, id, id, id)
	}
	b.WriteString(`</ul></body></html>`)
	return b.String()
}

const captchaHTML = `<html><body><div class="captcha_img"></div></body></html>`

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type allowAll struct{}

func (allowAll) Verify(context.Context, string) error { return nil }

// fakeBrowser serves canned documents keyed by URL.
type fakeBrowser struct {
	mu         sync.Mutex
	docs       map[string]string
	navErrs    map[string]error
	acquireErr error
	acquired   int
	released   int
	visited    []string
	onNavigate func(url string)
}

func (b *fakeBrowser) AcquirePage(context.Context, crawler.StealthSettings) (crawler.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquired++
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	return &fakePage{browser: b}, nil
}

func (b *fakeBrowser) visits() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.visited...)
}

type fakePage struct {
	browser *fakeBrowser
	current string
	once    sync.Once
}

func (p *fakePage) Navigate(_ context.Context, url, _ string) (int, error) {
	b := p.browser
	b.mu.Lock()
	b.visited = append(b.visited, url)
	err := b.navErrs[url]
	hook := b.onNavigate
	b.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if err != nil {
		return 0, err
	}
	p.current = url
	return 200, nil
}

func (p *fakePage) WaitFor(context.Context, crawler.WaitStrategy) error { return nil }
func (p *fakePage) Scroll(context.Context, int) error                   { return nil }
func (p *fakePage) MoveMouse(context.Context, float64, float64) error   { return nil }
func (p *fakePage) Location(context.Context) (string, error)            { return p.current, nil }

func (p *fakePage) HTML(context.Context) (string, error) {
	p.browser.mu.Lock()
	defer p.browser.mu.Unlock()
	if doc, ok := p.browser.docs[p.current]; ok {
		return doc, nil
	}
	return `<html><body><p>nothing here</p></body></html>`, nil
}

func (p *fakePage) Release() {
	p.once.Do(func() {
		p.browser.mu.Lock()
		p.browser.released++
		p.browser.mu.Unlock()
	})
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fixture struct {
	svc       *jobs.Service
	runner    *Runner
	browser   *fakeBrowser
	results   *memory.ResultStore
	blobs     *memory.BlobStore
	publisher *publishermemory.Publisher
	events    *recordingEmitter
}

func newFixture(t *testing.T, browser *fakeBrowser, threshold int) *fixture {
	t.Helper()
	f := &fixture{
		browser:   browser,
		results:   memory.NewResultStore(),
		blobs:     memory.NewBlobStore(),
		publisher: publishermemory.New(nil, 0),
		events:    &recordingEmitter{},
	}
	clock := system.New()
	registry := extractor.DefaultRegistry(nil)

	svc, err := jobs.NewService(jobs.Deps{
		Jobs:     memory.NewJobStore(),
		Results:  f.results,
		License:  allowAll{},
		Sites:    registry,
		IDs:      uuid.New(),
		Clock:    clock,
		Progress: f.events,
	})
	require.NoError(t, err)
	f.svc = svc

	pipeline, err := ingest.NewPipeline(ingest.Config{BatchSize: 2}, f.results, svc, uuid.New(), clock, nil)
	require.NoError(t, err)
	nav, err := navigator.New(navigator.Config{}, noSleep{}, rand.New(rand.NewSource(1)), nil)
	require.NoError(t, err)

	f.runner, err = New(Config{
		ConsecutiveFailureThreshold: threshold,
		SnapshotPages:               true,
		BlobPrefix:                  "pages",
		Topic:                       "crawl-jobs",
	}, Deps{
		Jobs:       svc,
		Pages:      browser,
		Navigator:  nav,
		Extractors: registry,
		Ingest:     pipeline,
		Pacer:      ratelimit.New(ratelimit.Config{}),
		Retry:      crawler.NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond),
		Sleeper:    noSleep{},
		Clock:      clock,
		Blobs:      f.blobs,
		Hasher:     sha256.New(),
		Publisher:  f.publisher,
		Progress:   f.events,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) start(t *testing.T, maxPages int) crawler.Job {
	t.Helper()
	return f.startWith(t, crawler.JobConfig{MaxPages: maxPages, MaxItems: 100, RequestDelayMs: 1})
}

func (f *fixture) startWith(t *testing.T, cfg crawler.JobConfig) crawler.Job {
	t.Helper()
	job, err := f.svc.StartJob(context.Background(), crawler.StartRequest{
		UserEmail: owner,
		Site:      crawler.SiteSmartStore,
		TargetURL: targetURL,
		Config:    cfg,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) notifications(t *testing.T) []Notification {
	t.Helper()
	msgs := f.publisher.Messages()
	out := make([]Notification, 0, len(msgs))
	for _, m := range msgs {
		require.Equal(t, "crawl-jobs", m.Topic)
		var n Notification
		require.NoError(t, m.Decode(&n))
		out = append(out, n)
	}
	return out
}

func TestRunCrawlsPagesInOrder(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{docs: map[string]string{
		pageURL(1): reviewHTML(1, 5),
		pageURL(2): reviewHTML(6, 5),
		pageURL(3): reviewHTML(11, 5),
	}}
	f := newFixture(t, browser, 3)
	job := f.start(t, 3)

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)
	require.Equal(t, crawler.Counters{
		TotalItems: 15, ProcessedItems: 15, SuccessItems: 15, PagesCrawled: 3,
	}, final.Counters)
	require.NotNil(t, final.CompletedAt)

	rows, err := f.results.ListResults(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 15)
	for i, row := range rows {
		require.Equal(t, fmt.Sprintf("r%d", i+1), row.NativeID)
		require.Equal(t, i/5+1, row.PageNumber)
		require.Equal(t, i%5+1, row.ItemOrder)
	}

	require.Equal(t, []string{pageURL(1), pageURL(2), pageURL(3)}, browser.visits())
	require.Equal(t, 1, browser.released)
	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StagePageDone, progress.StagePageDone, progress.StagePageDone,
		progress.StageJobDone,
	}, f.events.stages())
	require.Len(t, f.blobs.Paths(), 3)
	require.True(t, strings.HasPrefix(f.blobs.Paths()[0], "pages/"+job.ID+"/0001-"))

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	require.Equal(t, crawler.JobStatusCompleted, notes[0].Status)
	require.Equal(t, 15, notes[0].Counters.SuccessItems)
	require.Empty(t, notes[0].ErrorCode)
}

func TestRunWaitsRequestDelayBetweenEveryPage(t *testing.T) {
	t.Parallel()

	const delay = 150 * time.Millisecond
	var (
		mu sync.Mutex
		at []time.Time
	)
	browser := &fakeBrowser{
		docs: map[string]string{
			pageURL(1): reviewHTML(1, 5),
			pageURL(2): reviewHTML(6, 5),
			pageURL(3): reviewHTML(11, 5),
		},
		onNavigate: func(string) {
			mu.Lock()
			at = append(at, time.Now())
			mu.Unlock()
		},
	}
	f := newFixture(t, browser, 3)
	job := f.startWith(t, crawler.JobConfig{MaxPages: 3, MaxItems: 100, RequestDelayMs: int(delay / time.Millisecond)})

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, at, 3)
	for i := 1; i < len(at); i++ {
		// rate.Limiter may hand out a token a hair early.
		require.GreaterOrEqual(t, at[i].Sub(at[i-1]), delay-5*time.Millisecond, "gap before page %d", i+1)
	}
}

func TestRunStopsAtMaxItems(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{docs: map[string]string{
		pageURL(1): reviewHTML(1, 5),
		pageURL(2): reviewHTML(6, 5),
		pageURL(3): reviewHTML(11, 5),
	}}
	f := newFixture(t, browser, 3)
	job := f.startWith(t, crawler.JobConfig{MaxPages: 5, MaxItems: 7, RequestDelayMs: 1})

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)
	require.Equal(t, 7, final.Counters.TotalItems)
	require.Equal(t, 7, final.Counters.SuccessItems)
	require.Equal(t, 2, final.Counters.PagesCrawled)

	rows, err := f.results.ListResults(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 7)
	require.Equal(t, "r7", rows[6].NativeID)
	require.Equal(t, []string{pageURL(1), pageURL(2)}, browser.visits())
}

func TestRunFatalPageKeepsEarlierRows(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{docs: map[string]string{
		pageURL(1): reviewHTML(1, 5),
		pageURL(2): captchaHTML,
		pageURL(3): reviewHTML(11, 5),
	}}
	f := newFixture(t, browser, 3)
	job := f.start(t, 5)

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	require.Equal(t, crawler.CodeSiteBlocked, final.Error.Code)
	require.Equal(t, 2, final.Error.Details["page"])
	require.Equal(t, pageURL(2), final.Error.Details["url"])

	rows, err := f.results.ListResults(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, 5, final.Counters.SuccessItems)
	require.Equal(t, []string{pageURL(1), pageURL(2)}, browser.visits())

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	require.Equal(t, crawler.CodeSiteBlocked, notes[0].ErrorCode)
}

func TestRunSkipsTransientPageFailure(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{
		docs: map[string]string{
			pageURL(1): reviewHTML(1, 5),
			pageURL(3): reviewHTML(11, 5),
		},
		navErrs: map[string]error{pageURL(2): errors.New("net::ERR_CONNECTION_RESET")},
	}
	f := newFixture(t, browser, 3)
	job := f.start(t, 3)

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)
	require.Equal(t, 2, final.Counters.PagesCrawled)
	require.Equal(t, 1, final.Counters.PagesFailed)
	require.Equal(t, 10, final.Counters.SuccessItems)
	require.Equal(t, []string{pageURL(1), pageURL(2), pageURL(3)}, browser.visits())
	require.Contains(t, f.events.stages(), progress.StagePageFailed)
}

func TestRunConsecutiveFailuresFailJob(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{
		navErrs: map[string]error{
			pageURL(1): errors.New("boom"),
			pageURL(2): errors.New("boom"),
		},
	}
	f := newFixture(t, browser, 2)
	job := f.start(t, 5)

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, final.Status)
	require.Equal(t, crawler.CodeConsecutiveFailures, final.Error.Code)
	require.Equal(t, 2, final.Counters.PagesFailed)
	require.Zero(t, final.Counters.PagesCrawled)
}

func TestRunSessionUnavailableAfterRetries(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{acquireErr: fmt.Errorf("3 pages open: %w", crawler.ErrSessionUnavailable)}
	f := newFixture(t, browser, 3)
	job := f.start(t, 3)

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, browser.acquired)
	require.Equal(t, crawler.JobStatusFailed, final.Status)
	require.Equal(t, crawler.CodeSessionUnavailable, final.Error.Code)
	require.Nil(t, final.StartedAt)
	require.Empty(t, browser.visits())

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	require.Equal(t, crawler.CodeSessionUnavailable, notes[0].ErrorCode)
}

func TestRunStopsAfterCancel(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{docs: map[string]string{
		pageURL(1): reviewHTML(1, 5),
		pageURL(2): reviewHTML(6, 5),
	}}
	f := newFixture(t, browser, 3)
	job := f.start(t, 5)
	browser.onNavigate = func(url string) {
		if url == pageURL(1) {
			_, err := f.svc.CancelJob(context.Background(), job.ID, owner)
			require.NoError(t, err)
		}
	}

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, final.Status)
	require.Equal(t, []string{pageURL(1)}, browser.visits())
	require.Equal(t, 1, browser.released)
	require.NotContains(t, f.events.stages(), progress.StageJobDone)
}

func TestRunSkipsJobThatIsNotPending(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	f := newFixture(t, browser, 3)
	job := f.start(t, 3)
	_, err := f.svc.CancelJob(context.Background(), job.ID, owner)
	require.NoError(t, err)

	final, err := f.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, final.Status)
	require.Zero(t, browser.acquired)
	require.Empty(t, f.publisher.Messages())
}

func TestRunShutdownFailsJob(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{docs: map[string]string{
		pageURL(1): reviewHTML(1, 5),
		pageURL(2): reviewHTML(6, 5),
	}}
	f := newFixture(t, browser, 3)
	job := f.start(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	browser.onNavigate = func(url string) {
		if url == pageURL(1) {
			cancel()
		}
	}

	final, err := f.runner.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, crawler.JobStatusFailed, final.Status)
	require.Equal(t, crawler.CodeShutdown, final.Error.Code)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
