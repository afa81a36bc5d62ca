package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  workers: 6
  render_mode: static
  consecutive_failure_threshold: 5
  site_request_delay_ms:
    SMARTSTORE: 2500
browser:
  max_pages: 2
  viewport:
    width: 1280
    height: 720
navigation:
  timeout_seconds: 45
  wait_until: networkidle
storage:
  backend: gcs
  gcs_bucket: bucket
  prefix: snapshots
license:
  grants:
    - email: user@example.com
      expires_at: "2030-01-01T00:00:00Z"
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.Workers != 6 || cfg.Crawler.RenderMode != RenderStatic {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.ConsecutiveFailureThreshold != 5 {
		t.Fatalf("expected failure threshold 5, got %d", cfg.Crawler.ConsecutiveFailureThreshold)
	}
	if cfg.Browser.Viewport.Width != 1280 || cfg.Browser.Viewport.Height != 720 {
		t.Fatalf("expected viewport override, got %+v", cfg.Browser.Viewport)
	}
	if cfg.Browser.Locale != "ko-KR" {
		t.Fatalf("expected default locale ko-KR, got %q", cfg.Browser.Locale)
	}
	if got := cfg.NavigationTimeout(); got != 45*time.Second {
		t.Fatalf("expected navigation timeout 45s, got %v", got)
	}
	if got := cfg.RequestDelayFor(crawler.SiteSmartStore); got != 2500 {
		t.Fatalf("expected smartstore delay 2500, got %d", got)
	}
	if got := cfg.RequestDelayFor(crawler.SiteNaverBlog); got != crawler.DefaultRequestDelayMs {
		t.Fatalf("expected default delay, got %d", got)
	}
	if len(cfg.License.Grants) != 1 || cfg.License.Grants[0].Email != "user@example.com" {
		t.Fatalf("expected license grants to load: %+v", cfg.License.Grants)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Browser.MaxPages != 3 {
		t.Fatalf("expected 3 pages per session, got %d", cfg.Browser.MaxPages)
	}
	if cfg.Navigation.WaitUntil != string(crawler.WaitDOMContentLoaded) {
		t.Fatalf("unexpected wait strategy %q", cfg.Navigation.WaitUntil)
	}
	if cfg.Storage.Backend != "memory" || cfg.License.Backend != "memory" {
		t.Fatalf("expected memory backends by default")
	}
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Crawler: CrawlerConfig{
			Workers:                     1,
			RenderMode:                  RenderBrowser,
			ConsecutiveFailureThreshold: 3,
		},
		Browser:    BrowserConfig{MaxPages: 3},
		Navigation: NavigationConfig{TimeoutSeconds: 10, WaitUntil: "load"},
		Ingest:     IngestConfig{BatchSize: 10},
		Storage:    StorageConfig{Backend: "memory"},
		License:    LicenseConfig{Backend: "memory"},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid workers", mutate: func(c *Config) { c.Crawler.Workers = 0 }, want: "crawler.workers"},
		{name: "unknown render mode", mutate: func(c *Config) { c.Crawler.RenderMode = "magic" }, want: "crawler.render_mode"},
		{name: "zero pages", mutate: func(c *Config) { c.Browser.MaxPages = 0 }, want: "browser.max_pages"},
		{name: "bad wait", mutate: func(c *Config) { c.Navigation.WaitUntil = "idle" }, want: "navigation.wait_until"},
		{
			name: "inverted delays",
			mutate: func(c *Config) {
				c.Navigation.PreDelayMinMs = 900
				c.Navigation.PreDelayMaxMs = 100
			},
			want: "delay min",
		},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.gcs_bucket"},
		{name: "postgres license without dsn", mutate: func(c *Config) { c.License.Backend = "postgres" }, want: "db.dsn"},
		{
			name:   "bad license expiry",
			mutate: func(c *Config) { c.License.Grants = []LicenseGrant{{Email: "a@b.c", ExpiresAt: "tomorrow"}} },
			want:   "license.grants[0].expires_at",
		},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Tracing.SampleRatio = 1.5 }, want: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
