package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/config"
	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

type fakeApp struct {
	cfg      config.Config
	req      crawler.StartRequest
	crawlErr error
	ran      bool
	closed   bool
}

func (f *fakeApp) Run(context.Context) error { f.ran = true; return nil }

func (f *fakeApp) Crawl(_ context.Context, req crawler.StartRequest) (crawler.JobDetail, error) {
	f.req = req
	if f.crawlErr != nil {
		return crawler.JobDetail{}, f.crawlErr
	}
	return crawler.JobDetail{Job: crawler.Job{ID: "job-1", Status: crawler.JobStatusCompleted}}, nil
}

func (f *fakeApp) Close(context.Context) error { f.closed = true; return nil }

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

// withFakeApp swaps the factory; tests using it must not run in parallel.
func withFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config) (application, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	out, err := execute(t, "crawl",
		"--site", "naver_blog",
		"--url", "https://blog.naver.com/PostList.naver?blogId=foo",
		"--email", "me@example.com",
		"--max-pages", "2",
		"--keyword", "맛집",
		"--human=false",
		"--static",
	)
	require.NoError(t, err)
	require.True(t, fake.closed)

	require.Equal(t, crawler.SiteNaverBlog, fake.req.Site)
	require.Equal(t, crawler.JobTypeSearch, fake.req.Type)
	require.Equal(t, 2, fake.req.Config.MaxPages)
	require.Equal(t, []string{"맛집"}, fake.req.Config.Filters.Keywords)
	require.NotNil(t, fake.req.Config.HumanBehavior)
	require.False(t, *fake.req.Config.HumanBehavior)

	require.Empty(t, fake.cfg.DB.DSN)
	require.Equal(t, "memory", fake.cfg.License.Backend)
	require.Equal(t, []config.LicenseGrant{{Email: "me@example.com"}}, fake.cfg.License.Grants)
	require.False(t, fake.cfg.Scheduler.Enabled)
	require.Equal(t, config.RenderStatic, fake.cfg.Crawler.RenderMode)

	var got crawler.JobDetail
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "job-1", got.ID)
}

func TestCrawlCommandErrors(t *testing.T) {
	fake := &fakeApp{crawlErr: crawler.ErrUnsupportedSite}
	withFakeApp(t, fake)

	_, err := execute(t, "crawl", "--url", "https://example.com")
	require.ErrorIs(t, err, crawler.ErrUnsupportedSite)
	require.True(t, fake.closed)

	_, err = execute(t, "crawl")
	require.ErrorContains(t, err, `required flag(s) "url" not set`)
}

func TestServeCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, fake.ran)
	require.Equal(t, config.RenderBrowser, fake.cfg.Crawler.RenderMode)
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	_, err := execute(t, "--config", "/nonexistent/crawler.yaml", "serve")
	require.ErrorContains(t, err, "load config")
	require.False(t, fake.ran)
}

func TestConfigFromEmptyContext(t *testing.T) {
	t.Parallel()
	_, err := configFrom(context.Background())
	require.ErrorContains(t, err, "configuration not loaded")
}
