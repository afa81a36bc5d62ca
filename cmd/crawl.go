package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/config"
	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

type crawlFlags struct {
	site      string
	jobType   string
	targetURL string
	email     string
	maxPages  int
	maxItems  int
	delayMs   int
	keywords  []string
	human     bool
	static    bool
}

func newCrawlCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl job in the foreground and print the result as JSON",
		Long: `crawl creates a job for the given target, runs it to completion against
in-memory stores and writes the job with its results to stdout. The caller's
email is granted a license for the duration of the run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runCrawl(cmd, oneShotConfig(cfg, f), f)
		},
	}
	cmd.Flags().StringVar(&f.site, "site", string(crawler.SiteSmartStore), "site to crawl (SMARTSTORE, NAVER_BLOG)")
	cmd.Flags().StringVar(&f.jobType, "type", string(crawler.JobTypeSearch), "job type (SEARCH, PAGE_SCRAPE)")
	cmd.Flags().StringVar(&f.targetURL, "url", "", "target URL")
	cmd.Flags().StringVar(&f.email, "email", "cli@localhost.localdomain", "user email recorded on the job")
	cmd.Flags().IntVar(&f.maxPages, "max-pages", 0, "maximum result pages (0 uses the default)")
	cmd.Flags().IntVar(&f.maxItems, "max-items", 0, "maximum items (0 uses the default)")
	cmd.Flags().IntVar(&f.delayMs, "delay-ms", 0, "delay between pages in ms (0 uses the site default)")
	cmd.Flags().StringSliceVar(&f.keywords, "keyword", nil, "keep only items containing one of these keywords")
	cmd.Flags().BoolVar(&f.human, "human", true, "simulate human scrolling and pauses")
	cmd.Flags().BoolVar(&f.static, "static", false, "fetch pages over plain HTTP instead of the browser")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// oneShotConfig keeps everything in memory and grants the caller a license.
func oneShotConfig(cfg config.Config, f crawlFlags) config.Config {
	cfg.DB.DSN = ""
	cfg.License.Backend = "memory"
	cfg.License.Grants = []config.LicenseGrant{{Email: f.email}}
	cfg.Scheduler.Enabled = false
	cfg.Tracing.Enabled = false
	if f.static {
		cfg.Crawler.RenderMode = config.RenderStatic
	}
	return cfg
}

func runCrawl(cmd *cobra.Command, cfg config.Config, f crawlFlags) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := a.Close(ctx); cerr != nil {
			a.Logger().Warn("close failed", zap.Error(cerr))
		}
	}()

	human := f.human
	detail, err := a.Crawl(cmd.Context(), crawler.StartRequest{
		UserEmail: f.email,
		Site:      crawler.Site(strings.ToUpper(f.site)),
		Type:      crawler.JobType(strings.ToUpper(f.jobType)),
		TargetURL: f.targetURL,
		Config: crawler.JobConfig{
			MaxPages:       f.maxPages,
			MaxItems:       f.maxItems,
			RequestDelayMs: f.delayMs,
			Filters:        crawler.Filters{Keywords: f.keywords},
			HumanBehavior:  &human,
		},
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(detail); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
