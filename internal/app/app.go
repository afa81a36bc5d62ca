// Package app wires configuration, storage, the crawl pipeline and the HTTP
// API into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jae-tech/digduck-crawler/internal/api"
	"github.com/jae-tech/digduck-crawler/internal/browser"
	"github.com/jae-tech/digduck-crawler/internal/clock/system"
	"github.com/jae-tech/digduck-crawler/internal/config"
	"github.com/jae-tech/digduck-crawler/internal/crawler"
	"github.com/jae-tech/digduck-crawler/internal/dispatcher"
	"github.com/jae-tech/digduck-crawler/internal/extractor"
	collyfetcher "github.com/jae-tech/digduck-crawler/internal/fetcher/colly"
	"github.com/jae-tech/digduck-crawler/internal/hash/sha256"
	"github.com/jae-tech/digduck-crawler/internal/id/uuid"
	"github.com/jae-tech/digduck-crawler/internal/ingest"
	"github.com/jae-tech/digduck-crawler/internal/jobs"
	"github.com/jae-tech/digduck-crawler/internal/license"
	"github.com/jae-tech/digduck-crawler/internal/logging"
	"github.com/jae-tech/digduck-crawler/internal/navigator"
	"github.com/jae-tech/digduck-crawler/internal/policy/ratelimit"
	"github.com/jae-tech/digduck-crawler/internal/progress"
	"github.com/jae-tech/digduck-crawler/internal/progress/sinks"
	memorypublisher "github.com/jae-tech/digduck-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/jae-tech/digduck-crawler/internal/publisher/pubsub"
	queuememory "github.com/jae-tech/digduck-crawler/internal/queue/memory"
	"github.com/jae-tech/digduck-crawler/internal/runner"
	"github.com/jae-tech/digduck-crawler/internal/scheduler"
	"github.com/jae-tech/digduck-crawler/internal/storage/gcs"
	"github.com/jae-tech/digduck-crawler/internal/storage/local"
	"github.com/jae-tech/digduck-crawler/internal/storage/memory"
	"github.com/jae-tech/digduck-crawler/internal/storage/postgres"
	"github.com/jae-tech/digduck-crawler/internal/store"
	"github.com/jae-tech/digduck-crawler/internal/telemetry"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Options override infrastructure Build would otherwise create.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the progress metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// App owns every long-lived component of the service.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	jobs      *jobs.Service
	runner    *runner.Runner
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	queue     *queuememory.Queue
	hub       *progress.Hub

	jobStore   crawler.JobStore
	results    crawler.ResultStore
	licenses   crawler.LicenseChecker
	pageLogs   store.PageLogRepository
	blobs      crawler.BlobStore
	publisher  crawler.Publisher
	pages      crawler.PageProvider
	session    *browser.Session
	pool       *pgxpool.Pool
	gcsClient  *storage.Client
	psClient   *pubsub.Client
	psPublish  *pubsubpublisher.Publisher
	tracerProv *sdktrace.TracerProvider
	ownsLogger bool
}

// Build constructs the App described by cfg. Partially built infrastructure
// is released when an error is returned.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	a := &App{cfg: cfg, logger: opts.Logger}
	if a.logger == nil {
		logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		a.logger = logger
		a.ownsLogger = true
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	steps := []func(context.Context) error{
		a.setupTracing,
		a.setupDatabase,
		a.setupLicenses,
		a.setupStorage,
		a.setupPublisher,
		func(context.Context) error { return a.setupProgress(reg) },
		a.setupPages,
		a.setupPipeline,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.closeInfrastructure(context.Background())
			return nil, err
		}
	}
	a.logger.Info("application built",
		zap.Int("port", cfg.Server.Port),
		zap.String("render_mode", cfg.Crawler.RenderMode),
		zap.Bool("postgres", a.pool != nil),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("workers", cfg.Crawler.Workers),
	)
	return a, nil
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracerProv = tp
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn is empty, jobs and results are kept in memory")
		a.jobStore = memory.NewJobStore()
		a.results = memory.NewResultStore()
		a.pageLogs = memory.NewPageLogStore()
		return nil
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}
	a.pool = pool
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	if a.jobStore, err = postgres.NewJobStore(pool); err != nil {
		return err
	}
	if a.results, err = postgres.NewResultStore(pool); err != nil {
		return err
	}
	if a.pageLogs, err = postgres.NewPageLogStore(pool); err != nil {
		return err
	}
	return nil
}

func (a *App) setupLicenses(ctx context.Context) error {
	grants, err := parseGrants(a.cfg.License.Grants)
	if err != nil {
		return err
	}
	switch a.cfg.License.Backend {
	case "postgres":
		if a.pool == nil {
			return errors.New("license backend postgres requires db.dsn")
		}
		licenses, err := postgres.NewLicenseStore(a.pool)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if err := licenses.Grant(ctx, g.email, g.expiresAt); err != nil {
				return fmt.Errorf("seed license %s: %w", g.email, err)
			}
		}
		a.licenses = licenses
	default:
		licenses := memory.NewLicenseStore()
		for _, g := range grants {
			licenses.Grant(g.email, g.expiresAt)
		}
		a.licenses = licenses
	}
	a.logger.Info("license gate ready", zap.String("backend", a.cfg.License.Backend), zap.Int("grants", len(grants)))
	return nil
}

type grant struct {
	email     string
	expiresAt *time.Time
}

func parseGrants(in []config.LicenseGrant) ([]grant, error) {
	out := make([]grant, 0, len(in))
	for _, g := range in {
		item := grant{email: g.Email}
		if g.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, g.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("license grant %s: %w", g.Email, err)
			}
			item.expiresAt = &t
		}
		out = append(out, item)
	}
	return out, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return err
		}
		a.blobs = blobs
	case "local":
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return err
		}
		a.blobs = blobs
	default:
		a.blobs = memory.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.publisher = memorypublisher.New(a.logger, memorypublisher.DefaultHistory)
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	a.psClient = client
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return err
	}
	a.psPublish = pub
	a.publisher = pub
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         a.logger,
	},
		sinks.NewLogSink(a.logger),
		sinks.NewStoreSink(a.pageLogs, a.logger),
		promSink,
	)
	return nil
}

func (a *App) stealth() crawler.StealthSettings {
	b := a.cfg.Browser
	ua := b.UserAgent
	if ua == "" && b.ChromeVersion != "" {
		ua = browser.UserAgentFor(b.ChromeVersion)
	}
	return browser.MergeStealth(browser.DefaultStealth(), crawler.StealthSettings{
		UserAgent:      ua,
		AcceptLanguage: b.AcceptLanguage,
		Platform:       b.Platform,
		Locale:         b.Locale,
		Timezone:       b.Timezone,
		Viewport:       b.Viewport,
	})
}

func (a *App) setupPages(context.Context) error {
	if a.cfg.Crawler.RenderMode == config.RenderStatic {
		a.pages = collyfetcher.New(collyfetcher.Config{
			Timeout:  a.cfg.NavigationTimeout(),
			MaxPages: a.cfg.Browser.MaxPages,
			Headers:  a.cfg.Crawler.StaticHeaders,
		})
		return nil
	}
	session, err := browser.New(browser.Config{
		ExecPath:     a.cfg.Browser.ExecPath,
		Headless:     a.cfg.Browser.Headless,
		NoSandbox:    a.cfg.Browser.NoSandbox,
		MaxPages:     a.cfg.Browser.MaxPages,
		DrainTimeout: time.Duration(a.cfg.Browser.DrainTimeoutSeconds) * time.Second,
		Stealth:      a.stealth(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init browser session: %w", err)
	}
	a.session = session
	a.pages = session
	return nil
}

func (a *App) setupPipeline(context.Context) error {
	clk := system.New()
	ids := uuid.New()
	queue := queuememory.NewQueue(a.cfg.Crawler.QueueDepth)
	a.queue = queue
	registry := extractor.DefaultRegistry(nil)

	svc, err := jobs.NewService(jobs.Deps{
		Jobs:        a.jobStore,
		Results:     a.results,
		License:     license.NewGate(a.licenses, clk, a.logger),
		Sites:       registry,
		IDs:         ids,
		Clock:       clk,
		Queue:       queue,
		Progress:    a.hub,
		SiteDelayMs: a.cfg.RequestDelayFor,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("init job service: %w", err)
	}
	a.jobs = svc

	nav, err := navigator.New(navigator.Config{
		Timeout:         a.cfg.NavigationTimeout(),
		WaitUntil:       crawler.WaitStrategy(a.cfg.Navigation.WaitUntil),
		HumanBehavior:   a.cfg.Navigation.HumanBehavior,
		PreDelayMin:     ms(a.cfg.Navigation.PreDelayMinMs),
		PreDelayMax:     ms(a.cfg.Navigation.PreDelayMaxMs),
		SettleDelayMin:  ms(a.cfg.Navigation.SettleDelayMinMs),
		SettleDelayMax:  ms(a.cfg.Navigation.SettleDelayMaxMs),
		ScrollSteps:     a.cfg.Navigation.ScrollSteps,
		Viewport:        a.cfg.Browser.Viewport,
		NotFoundMarkers: []string{navigator.DefaultNotFoundMarker},
	}, clk, rand.New(rand.NewSource(time.Now().UnixNano())), a.logger) //nolint:gosec // pacing jitter only
	if err != nil {
		return fmt.Errorf("init navigator: %w", err)
	}

	pipeline, err := ingest.NewPipeline(ingest.Config{BatchSize: a.cfg.Ingest.BatchSize}, a.results, svc, ids, clk, a.logger)
	if err != nil {
		return err
	}

	var blobs crawler.BlobStore
	if a.cfg.Crawler.SnapshotPages {
		blobs = a.blobs
	}
	run, err := runner.New(runner.Config{
		ConsecutiveFailureThreshold: a.cfg.Crawler.ConsecutiveFailureThreshold,
		Stealth:                     a.stealth(),
		SnapshotPages:               a.cfg.Crawler.SnapshotPages,
		ContentType:                 a.cfg.Storage.ContentType,
		BlobPrefix:                  a.cfg.Storage.Prefix,
		Topic:                       a.cfg.PubSub.TopicName,
	}, runner.Deps{
		Jobs:       svc,
		Pages:      a.pages,
		Navigator:  nav,
		Extractors: registry,
		Ingest:     pipeline,
		Pacer:      ratelimit.New(ratelimit.Config{}),
		Retry: crawler.NewExponentialRetryPolicy(
			a.cfg.Crawler.SessionRetryAttempts,
			ms(a.cfg.Crawler.SessionRetryBaseMs),
			ms(a.cfg.Crawler.SessionRetryMaxMs),
		),
		Sleeper:   clk,
		Clock:     clk,
		Blobs:     blobs,
		Hasher:    sha256.New(),
		Publisher: a.publisher,
		Progress:  a.hub,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}
	a.runner = run
	a.dispatch = dispatcher.New(queue, run, a.cfg.Crawler.Workers, a.logger)

	if a.cfg.Scheduler.Enabled {
		sched, err := scheduler.New(scheduler.Config{
			Spec:      a.cfg.Scheduler.Spec,
			BatchSize: a.cfg.Scheduler.BatchSize,
		}, svc, queue, clk, a.logger)
		if err != nil {
			return fmt.Errorf("init scheduler: %w", err)
		}
		a.scheduler = sched
	}

	a.apiServer = api.NewServer(svc, a.cfg.Server, a.cfg.Auth, api.Options{
		PageLogs: a.pageLogs,
		Ready:    a.ready,
		Logger:   a.logger,
	})
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (a *App) ready(ctx context.Context) error {
	if a.session != nil && a.session.Terminating() {
		return errors.New("browser session is shutting down")
	}
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Jobs returns the job service.
func (a *App) Jobs() *jobs.Service { return a.jobs }

// Runner returns the job runner used by the dispatcher.
func (a *App) Runner() *runner.Runner { return a.runner }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Crawl creates a job and runs it on the calling goroutine. The returned job
// is in a terminal state unless ctx ended first.
func (a *App) Crawl(ctx context.Context, req crawler.StartRequest) (crawler.JobDetail, error) {
	job, err := a.jobs.StartJob(ctx, req)
	if err != nil {
		return crawler.JobDetail{}, err
	}
	if _, err := a.runner.Run(ctx, job.ID); err != nil {
		return crawler.JobDetail{}, fmt.Errorf("run job %s: %w", job.ID, err)
	}
	return a.jobs.GetJob(context.WithoutCancel(ctx), job.ID)
}

// Run serves the API, the dispatcher and the scheduler until ctx ends or a
// termination signal arrives, then releases every resource.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Workers))
		a.dispatch.Run(gctx)
		return nil
	})
	if a.scheduler != nil {
		if err := a.scheduler.Start(gctx); err != nil {
			stop()
			_ = g.Wait()
			return errors.Join(err, a.Close(context.Background()))
		}
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases every resource held by the App.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if a.ownsLogger {
		_ = a.logger.Sync()
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.session != nil {
		if err := a.session.Shutdown(ctx); err != nil {
			a.logger.Warn("browser session shutdown failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.psPublish != nil {
		a.psPublish.Stop()
	}
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("storage client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerProv != nil {
		if err := a.tracerProv.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}
