// Package config loads and validates crawl-job service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Navigation NavigationConfig `mapstructure:"navigation"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	License    LicenseConfig    `mapstructure:"license"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Render modes for CrawlerConfig.RenderMode.
const (
	RenderBrowser = "browser"
	RenderStatic  = "static"
)

// CrawlerConfig governs the dispatcher and per-job runner.
type CrawlerConfig struct {
	Workers                     int               `mapstructure:"workers"`
	QueueDepth                  int               `mapstructure:"queue_depth"`
	RenderMode                  string            `mapstructure:"render_mode"`
	MaxPagesDefault             int               `mapstructure:"max_pages_default"`
	MaxItemsDefault             int               `mapstructure:"max_items_default"`
	RequestDelayMs              int               `mapstructure:"request_delay_ms"`
	SiteRequestDelayMs          map[string]int    `mapstructure:"site_request_delay_ms"`
	ConsecutiveFailureThreshold int               `mapstructure:"consecutive_failure_threshold"`
	SessionRetryAttempts        int               `mapstructure:"session_retry_attempts"`
	SessionRetryBaseMs          int               `mapstructure:"session_retry_base_ms"`
	SessionRetryMaxMs           int               `mapstructure:"session_retry_max_ms"`
	SnapshotPages               bool              `mapstructure:"snapshot_pages"`
	StaticHeaders               map[string]string `mapstructure:"static_headers"`
}

// BrowserConfig configures the headless browser session and its fingerprint.
type BrowserConfig struct {
	ExecPath            string           `mapstructure:"exec_path"`
	Headless            bool             `mapstructure:"headless"`
	NoSandbox           bool             `mapstructure:"no_sandbox"`
	MaxPages            int              `mapstructure:"max_pages"`
	DrainTimeoutSeconds int              `mapstructure:"drain_timeout_seconds"`
	ChromeVersion       string           `mapstructure:"chrome_version"`
	UserAgent           string           `mapstructure:"user_agent"`
	Platform            string           `mapstructure:"platform"`
	Locale              string           `mapstructure:"locale"`
	Timezone            string           `mapstructure:"timezone"`
	AcceptLanguage      string           `mapstructure:"accept_language"`
	Viewport            crawler.Viewport `mapstructure:"viewport"`
}

// NavigationConfig configures page loading and human-like pacing.
type NavigationConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	WaitUntil        string `mapstructure:"wait_until"`
	HumanBehavior    bool   `mapstructure:"human_behavior"`
	PreDelayMinMs    int    `mapstructure:"pre_delay_min_ms"`
	PreDelayMaxMs    int    `mapstructure:"pre_delay_max_ms"`
	SettleDelayMinMs int    `mapstructure:"settle_delay_min_ms"`
	SettleDelayMaxMs int    `mapstructure:"settle_delay_max_ms"`
	ScrollSteps      int    `mapstructure:"scroll_steps"`
}

// IngestConfig controls result batching.
type IngestConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// StorageConfig selects the raw page snapshot backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LicenseConfig configures the license gate. Grants seed the memory backend.
type LicenseConfig struct {
	Backend string         `mapstructure:"backend"`
	Grants  []LicenseGrant `mapstructure:"grants"`
}

// LicenseGrant activates a user until an optional RFC3339 expiry.
type LicenseGrant struct {
	Email     string `mapstructure:"email"`
	ExpiresAt string `mapstructure:"expires_at"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// SchedulerConfig controls the scheduled-job sweeper.
type SchedulerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Spec      string `mapstructure:"spec"`
	BatchSize int    `mapstructure:"batch_size"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.workers", 3)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.render_mode", RenderBrowser)
	v.SetDefault("crawler.max_pages_default", crawler.DefaultMaxPages)
	v.SetDefault("crawler.max_items_default", crawler.DefaultMaxItems)
	v.SetDefault("crawler.request_delay_ms", crawler.DefaultRequestDelayMs)
	v.SetDefault("crawler.site_request_delay_ms", map[string]int{string(crawler.SiteSmartStore): 1500})
	v.SetDefault("crawler.consecutive_failure_threshold", 3)
	v.SetDefault("crawler.session_retry_attempts", 3)
	v.SetDefault("crawler.session_retry_base_ms", 500)
	v.SetDefault("crawler.session_retry_max_ms", 5000)
	v.SetDefault("crawler.snapshot_pages", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.max_pages", 3)
	v.SetDefault("browser.drain_timeout_seconds", 30)
	v.SetDefault("browser.chrome_version", "139.0.0.0")
	v.SetDefault("browser.platform", "MacIntel")
	v.SetDefault("browser.locale", "ko-KR")
	v.SetDefault("browser.timezone", "Asia/Seoul")
	v.SetDefault("browser.accept_language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("browser.viewport.width", 1920)
	v.SetDefault("browser.viewport.height", 1080)
	v.SetDefault("navigation.timeout_seconds", 60)
	v.SetDefault("navigation.wait_until", string(crawler.WaitDOMContentLoaded))
	v.SetDefault("navigation.human_behavior", true)
	v.SetDefault("navigation.pre_delay_min_ms", 500)
	v.SetDefault("navigation.pre_delay_max_ms", 1400)
	v.SetDefault("navigation.settle_delay_min_ms", 700)
	v.SetDefault("navigation.settle_delay_max_ms", 1200)
	v.SetDefault("navigation.scroll_steps", 3)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("license.backend", "memory")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 15s")
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "digduck-crawler")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	switch c.Crawler.RenderMode {
	case RenderBrowser, RenderStatic:
	default:
		return fmt.Errorf("crawler.render_mode must be %q or %q", RenderBrowser, RenderStatic)
	}
	if c.Crawler.ConsecutiveFailureThreshold <= 0 {
		return fmt.Errorf("crawler.consecutive_failure_threshold must be > 0")
	}
	if c.Browser.MaxPages <= 0 {
		return fmt.Errorf("browser.max_pages must be > 0")
	}
	if c.Navigation.TimeoutSeconds <= 0 {
		return fmt.Errorf("navigation.timeout_seconds must be > 0")
	}
	if !crawler.WaitStrategy(c.Navigation.WaitUntil).Valid() {
		return fmt.Errorf("navigation.wait_until %q is not a known strategy", c.Navigation.WaitUntil)
	}
	if c.Navigation.PreDelayMinMs > c.Navigation.PreDelayMaxMs ||
		c.Navigation.SettleDelayMinMs > c.Navigation.SettleDelayMaxMs {
		return fmt.Errorf("navigation delay min must be <= max")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.License.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres license backend")
		}
	default:
		return fmt.Errorf("license.backend %q is not supported", c.License.Backend)
	}
	for i, g := range c.License.Grants {
		if g.Email == "" {
			return fmt.Errorf("license.grants[%d].email is required", i)
		}
		if g.ExpiresAt == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, g.ExpiresAt); err != nil {
			return fmt.Errorf("license.grants[%d].expires_at: %w", i, err)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// NavigationTimeout returns the per-navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Navigation.TimeoutSeconds) * time.Second
}

// RequestDelayFor returns the default pacing delay in ms for site.
func (c Config) RequestDelayFor(site crawler.Site) int {
	if ms, ok := c.Crawler.SiteRequestDelayMs[strings.ToLower(string(site))]; ok && ms > 0 {
		return ms
	}
	if ms, ok := c.Crawler.SiteRequestDelayMs[string(site)]; ok && ms > 0 {
		return ms
	}
	return c.Crawler.RequestDelayMs
}
