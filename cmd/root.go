// Package cmd defines the CLI commands of the crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/app"
	"github.com/jae-tech/digduck-crawler/internal/config"
	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// application is the part of *app.App the commands use. Tests replace newApp
// with a fake factory.
type application interface {
	Run(ctx context.Context) error
	Crawl(ctx context.Context, req crawler.StartRequest) (crawler.JobDetail, error)
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

var newApp = func(ctx context.Context, cfg config.Config) (application, error) {
	return app.Build(ctx, cfg, app.Options{})
}

type configKeyType struct{}

var configKey configKeyType

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "digduck-crawler",
		Short: "Crawl-job service for Naver SmartStore reviews and Naver blog posts.",
		Long: `digduck-crawler runs licensed crawl jobs against Korean commerce and blog
sites with a stealth headless browser, persists the extracted items and
reports progress over a REST API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); env vars use the CRAWLER_ prefix")
	cmd.AddCommand(newServeCmd(), newCrawlCmd())
	return cmd
}

func configFrom(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
