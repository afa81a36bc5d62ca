package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/app"
	"github.com/jae-tech/digduck-crawler/internal/config"
	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

const blogPage = `<html><body>
<table><tbody id="postBottomTitleListBody">
<tr><td><a class="pcol2" href="/PostView.naver?blogId=foo&logNo=223000000001">첫 번째 글</a></td></tr>
<tr><td><a class="pcol2" href="/PostView.naver?blogId=foo&logNo=223000000002">두 번째 글</a></td></tr>
</tbody></table>
<div id="postBottomTitleListNavigation"><a class="page">1</a></div>
</body></html>`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Crawler.RenderMode = config.RenderStatic
	cfg.Navigation.HumanBehavior = false
	cfg.Scheduler.Enabled = false
	cfg.License.Grants = []config.LicenseGrant{{Email: "owner@example.com"}}
	return cfg
}

func buildApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.Build(context.Background(), cfg, app.Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.Close(ctx))
	})
	return a
}

func TestBuildServesHealthEndpoints(t *testing.T) {
	t.Parallel()
	a := buildApp(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestBuildRejectsBadGrant(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.License.Grants = []config.LicenseGrant{{Email: "owner@example.com", ExpiresAt: "tomorrow"}}

	_, err := app.Build(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "license grant owner@example.com")
}

func TestCrawlRunsJobToCompletion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, blogPage)
	}))
	defer srv.Close()

	a := buildApp(t, testConfig(t))
	detail, err := a.Crawl(context.Background(), crawler.StartRequest{
		UserEmail: "Owner@Example.com",
		Site:      crawler.SiteNaverBlog,
		TargetURL: srv.URL + "/PostList.naver?blogId=foo",
		Config:    crawler.JobConfig{MaxPages: 1, MaxItems: 10},
	})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, detail.Status)
	require.Equal(t, "owner@example.com", detail.UserEmail)
	require.Equal(t, 2, detail.Counters.SuccessItems)
	require.Len(t, detail.Results, 2)
	require.Equal(t, "223000000001", detail.Results[0].NativeID)
}

func TestCrawlWithoutLicense(t *testing.T) {
	t.Parallel()
	a := buildApp(t, testConfig(t))

	_, err := a.Crawl(context.Background(), crawler.StartRequest{
		UserEmail: "stranger@example.com",
		Site:      crawler.SiteNaverBlog,
		TargetURL: "https://blog.naver.com/PostList.naver?blogId=foo",
	})
	require.ErrorIs(t, err, crawler.ErrLicenseInvalid)
}
