// Package metrics exposes Prometheus collectors for the crawl-job service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerItemsTotal             *prometheus.CounterVec
	crawlerNavigationSeconds      *prometheus.HistogramVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerActiveRunners          prometheus.Gauge
	crawlerBrowserPages           prometheus.Gauge
	crawlerSessionRejectsTotal    *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRobotsFallbacksTotal   *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of result pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Total number of extracted items, labeled by site and ingest outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerNavigationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_navigation_duration_seconds",
				Help:    "Histogram of page navigation latencies, labeled by site.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"site"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		crawlerActiveRunners = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_runners",
				Help: "Number of job runners currently executing a job.",
			},
		)

		crawlerBrowserPages = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_browser_pages_active",
				Help: "Number of browser pages currently lent out by the session.",
			},
		)

		crawlerSessionRejectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_session_rejects_total",
				Help: "Page acquisitions refused by the browser session, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of request pacing waits, labeled by site.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		crawlerRobotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallbacks_total",
				Help: "robots.txt probes answered with allow-all after retries, labeled by reason.",
			},
			[]string{"reason"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SiteLabel normalizes a site name into a metric label.
func SiteLabel(site string) string {
	site = strings.ToLower(strings.TrimSpace(site))
	if site == "" {
		return "unknown"
	}
	return site
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one processed result page.
func ObservePage(site, outcome string) {
	Init()
	crawlerPagesTotal.WithLabelValues(SiteLabel(site), outcome).Inc()
}

// ObserveItems adds n items with the given ingest outcome.
func ObserveItems(site, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerItemsTotal.WithLabelValues(SiteLabel(site), outcome).Add(float64(n))
}

// ObserveNavigation records a navigation latency.
func ObserveNavigation(site string, duration time.Duration) {
	Init()
	crawlerNavigationSeconds.WithLabelValues(SiteLabel(site)).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveRunners increments the active runners gauge.
func IncActiveRunners() {
	Init()
	crawlerActiveRunners.Inc()
}

// DecActiveRunners decrements the active runners gauge.
func DecActiveRunners() {
	Init()
	crawlerActiveRunners.Dec()
}

// SetBrowserPages reports the number of pages currently lent out.
func SetBrowserPages(n int64) {
	Init()
	crawlerBrowserPages.Set(float64(n))
}

// ObserveSessionReject counts a refused page acquisition.
func ObserveSessionReject(reason string) {
	Init()
	crawlerSessionRejectsTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(SiteLabel(site)).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	crawlerRobotsFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
