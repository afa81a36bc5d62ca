// Package runner executes one crawl job at a time: it borrows a browser page,
// walks the result pages in order and hands every page to the ingestion
// pipeline until the job completes, fails or is cancelled.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
	"github.com/jae-tech/digduck-crawler/internal/extractor"
	"github.com/jae-tech/digduck-crawler/internal/metrics"
	"github.com/jae-tech/digduck-crawler/internal/progress"
)

// JobService is the part of the job state machine the runner drives.
type JobService interface {
	Job(ctx context.Context, jobID string) (crawler.Job, error)
	TransitionToRunning(ctx context.Context, jobID string) (crawler.Job, error)
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	RecordProgress(ctx context.Context, jobID string, delta crawler.ProgressDelta) (crawler.Job, error)
	CompleteJob(ctx context.Context, jobID string) (crawler.Job, error)
	FailJob(ctx context.Context, jobID, code, message string, details map[string]any) (crawler.Job, error)
}

// Navigator loads a URL into a page.
type Navigator interface {
	Navigate(ctx context.Context, p crawler.Page, url string, opts crawler.NavigationOptions) (crawler.NavigationOutcome, error)
}

// Extractors resolves the extractor for a site.
type Extractors interface {
	For(site crawler.Site) (extractor.Extractor, error)
}

// Ingester persists one page of items.
type Ingester interface {
	Ingest(ctx context.Context, jobID string, pageNumber int, items []crawler.Item) (crawler.IngestOutcome, error)
}

// Pacer enforces the mandatory delay between navigations of a job.
type Pacer interface {
	Wait(ctx context.Context, jobID, site string, every time.Duration) error
	Forget(jobID string)
}

// RetryPolicy decides whether a failed page acquisition is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Sleeper pauses between acquisition attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config controls Runner behavior.
type Config struct {
	ConsecutiveFailureThreshold int
	Stealth                     crawler.StealthSettings
	SnapshotPages               bool
	ContentType                 string
	BlobPrefix                  string
	Topic                       string
	// FinalizeTimeout bounds the terminal writes made after the run context
	// has been cancelled.
	FinalizeTimeout time.Duration
}

// Deps bundles the Runner collaborators. Blobs, Hasher, Publisher and
// Progress are optional.
type Deps struct {
	Jobs       JobService
	Pages      crawler.PageProvider
	Navigator  Navigator
	Extractors Extractors
	Ingest     Ingester
	Pacer      Pacer
	Retry      RetryPolicy
	Sleeper    Sleeper
	Clock      crawler.Clock
	Blobs      crawler.BlobStore
	Hasher     crawler.Hasher
	Publisher  crawler.Publisher
	Progress   progress.Emitter
	Logger     *zap.Logger
}

// Runner executes crawl jobs.
type Runner struct {
	Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Runner.
func New(cfg Config, deps Deps) (*Runner, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("runner: job service is required")
	case deps.Pages == nil:
		return nil, errors.New("runner: page provider is required")
	case deps.Navigator == nil:
		return nil, errors.New("runner: navigator is required")
	case deps.Extractors == nil:
		return nil, errors.New("runner: extractors are required")
	case deps.Ingest == nil:
		return nil, errors.New("runner: ingester is required")
	case deps.Pacer == nil:
		return nil, errors.New("runner: pacer is required")
	case deps.Retry == nil || deps.Sleeper == nil:
		return nil, errors.New("runner: retry policy and sleeper are required")
	case deps.Clock == nil:
		return nil, errors.New("runner: clock is required")
	}
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = 3
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Deps: deps, cfg: cfg, logger: logger.Named("runner")}, nil
}

// Run executes the job to a terminal state. A job that is no longer PENDING
// is skipped without error. The returned job is the last known record.
func (r *Runner) Run(ctx context.Context, jobID string) (crawler.Job, error) {
	logger := r.logger.With(zap.String("job_id", jobID))

	job, err := r.Jobs.Job(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status != crawler.JobStatusPending {
		logger.Debug("job not pending, skipping", zap.String("status", string(job.Status)))
		return job, nil
	}

	final, owned, err := r.execute(ctx, job, logger)
	if owned {
		r.publish(ctx, final, logger)
	}
	return final, err
}

// execute runs a PENDING job. owned reports whether this run moved the job
// out of PENDING.
func (r *Runner) execute(ctx context.Context, job crawler.Job, logger *zap.Logger) (crawler.Job, bool, error) {
	ext, err := r.Extractors.For(job.Site)
	if err != nil {
		final, ferr := r.fail(ctx, job, err, nil)
		return final, ferr == nil, ferr
	}

	page, err := r.acquire(ctx, job, logger)
	if err != nil {
		if ctx.Err() != nil {
			return job, false, fmt.Errorf("acquire page: %w", ctx.Err())
		}
		final, ferr := r.fail(ctx, job, err, map[string]any{"error": err.Error()})
		return final, ferr == nil, ferr
	}
	defer page.Release()

	job, err = r.Jobs.TransitionToRunning(ctx, job.ID)
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidJobState) {
			logger.Info("job left PENDING before start, skipping", zap.Error(err))
			return job, false, nil
		}
		return job, false, fmt.Errorf("start job: %w", err)
	}

	metrics.IncActiveRunners()
	defer metrics.DecActiveRunners()
	defer r.Pacer.Forget(job.ID)

	logger.Info("job started",
		zap.String("site", string(job.Site)),
		zap.String("type", string(job.Type)),
		zap.Int("max_pages", job.Config.MaxPages),
		zap.Int("max_items", job.Config.MaxItems),
	)
	final, err := r.crawl(ctx, job, ext, page, logger)
	return final, true, err
}

func (r *Runner) acquire(ctx context.Context, job crawler.Job, logger *zap.Logger) (crawler.Page, error) {
	for attempt := 1; ; attempt++ {
		page, err := r.Pages.AcquirePage(ctx, r.cfg.Stealth)
		if err == nil {
			return page, nil
		}
		if !r.Retry.ShouldRetry(err, attempt) {
			return nil, fmt.Errorf("acquire page after %d attempts: %w", attempt, err)
		}
		wait := r.Retry.Backoff(attempt - 1)
		logger.Warn("page acquisition failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.String("site", string(job.Site)),
			zap.Error(err),
		)
		if err := r.Sleeper.Sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("acquire page: %w", err)
		}
	}
}

// crawlState tracks one job's walk through its result pages.
type crawlState struct {
	job         crawler.Job
	url         string
	referer     string
	accepted    int
	succeeded   int
	consecutive int
	lastErr     error
}

func (r *Runner) crawl(ctx context.Context, job crawler.Job, ext extractor.Extractor, page crawler.Page, logger *zap.Logger) (crawler.Job, error) {
	st := &crawlState{job: job, url: job.TargetURL}
	maxPages := job.Config.MaxPages
	if job.Type == crawler.JobTypePageScrape {
		maxPages = 1
	}

	for pageNo := 1; maxPages <= 0 || pageNo <= maxPages; pageNo++ {
		cancelled, err := r.Jobs.IsCancelled(ctx, job.ID)
		if err != nil {
			return r.interrupted(ctx, st, err, logger)
		}
		if cancelled {
			logger.Info("job cancelled, stopping", zap.Int("page", pageNo))
			return r.current(ctx, st), nil
		}
		// Page 1 takes the bucket's initial token, so every later page waits
		// the full request delay.
		if err := r.Pacer.Wait(ctx, job.ID, string(job.Site), job.Config.RequestDelay()); err != nil {
			return r.interrupted(ctx, st, err, logger)
		}

		next, hasNext, err := r.processPage(ctx, st, ext, page, pageNo, logger)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx, st, ctx.Err(), logger)
			}
			switch crawler.Classify(err) {
			case crawler.ClassTransient:
				st.consecutive++
				st.lastErr = err
				if perr := r.recordFailedPage(ctx, st, pageNo, err); perr != nil {
					return r.interrupted(ctx, st, perr, logger)
				}
				if st.consecutive >= r.cfg.ConsecutiveFailureThreshold {
					return r.failWith(ctx, st.job, crawler.CodeConsecutiveFailures,
						fmt.Sprintf("%d consecutive page failures", st.consecutive),
						pageDetails(st.url, pageNo, err))
				}
				next, hasNext = skipTo(ext, job.TargetURL, pageNo+1)
				logger.Warn("page failed, skipping",
					zap.Int("page", pageNo),
					zap.Int("consecutive", st.consecutive),
					zap.Bool("has_next", hasNext),
					zap.Error(err),
				)
			case crawler.ClassFatal:
				return r.failWith(ctx, st.job, crawler.CodeOf(err), err.Error(), pageDetails(st.url, pageNo, err))
			default:
				return r.interrupted(ctx, st, err, logger)
			}
		}
		if !hasNext {
			break
		}
		st.referer = st.url
		st.url = next
	}

	if st.succeeded == 0 && st.lastErr != nil {
		return r.failWith(ctx, st.job, crawler.CodeOf(st.lastErr), "no page could be processed",
			map[string]any{"url": job.TargetURL, "error": st.lastErr.Error()})
	}
	done, err := r.Jobs.CompleteJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidJobState) {
			// Cancelled while the last page was in flight.
			return r.current(ctx, st), nil
		}
		return st.job, fmt.Errorf("complete job: %w", err)
	}
	return done, nil
}

// processPage navigates to st.url, extracts and ingests it. It returns the
// next page address when there is one.
func (r *Runner) processPage(
	ctx context.Context,
	st *crawlState,
	ext extractor.Extractor,
	page crawler.Page,
	pageNo int,
	logger *zap.Logger,
) (string, bool, error) {
	job := st.job
	site := string(job.Site)

	nav, err := r.Navigator.Navigate(ctx, page, st.url, crawler.NavigationOptions{
		WaitUntil:      job.Config.WaitUntil,
		Referer:        st.referer,
		HumanBehavior:  job.Config.HumanBehavior == nil || *job.Config.HumanBehavior,
		RequireSuccess: true,
	})
	if err != nil {
		return "", false, err
	}
	metrics.ObserveNavigation(site, nav.Duration)

	res, err := ext.ExtractPage(ctx, page, extractor.PageRequest{
		TargetURL:  nav.FinalURL,
		PageNumber: pageNo,
		Config:     job.Config,
		Accepted:   st.accepted,
	})
	if err != nil {
		return "", false, err
	}
	r.snapshot(ctx, job.ID, pageNo, page, logger)

	outcome, err := r.Ingest.Ingest(ctx, job.ID, pageNo, res.Items)
	if err != nil {
		return "", false, fmt.Errorf("ingest page %d: %w", pageNo, err)
	}
	st.accepted += len(res.Items)
	st.succeeded++
	st.consecutive = 0

	metrics.ObservePage(site, "ok")
	metrics.ObserveItems(site, "inserted", outcome.Inserted)
	metrics.ObserveItems(site, "duplicate", outcome.Duplicates)
	metrics.ObserveItems(site, "failed", len(outcome.Failed))
	r.emit(progress.Event{
		JobID:      job.ID,
		TS:         r.Clock.Now(),
		Stage:      progress.StagePageDone,
		Site:       site,
		URL:        nav.FinalURL,
		PageNumber: pageNo,
		Items:      outcome.Inserted,
		Duplicates: outcome.Duplicates,
		Failed:     len(outcome.Failed),
		StatusCode: nav.StatusCode,
		Dur:        nav.Duration,
	})
	logger.Info("page processed",
		zap.Int("page", pageNo),
		zap.Int("candidates", res.Candidates),
		zap.Int("kept", len(res.Items)),
		zap.Int("inserted", outcome.Inserted),
		zap.Int("duplicates", outcome.Duplicates),
		zap.Int("failed", len(outcome.Failed)),
		zap.Bool("has_next", res.HasNext),
	)
	return res.NextCursor, res.HasNext && res.NextCursor != "", nil
}

func (r *Runner) recordFailedPage(ctx context.Context, st *crawlState, pageNo int, cause error) error {
	site := string(st.job.Site)
	metrics.ObservePage(site, "failed")
	r.emit(progress.Event{
		JobID:      st.job.ID,
		TS:         r.Clock.Now(),
		Stage:      progress.StagePageFailed,
		Site:       site,
		URL:        st.url,
		PageNumber: pageNo,
		Note:       cause.Error(),
	})
	job, err := r.Jobs.RecordProgress(ctx, st.job.ID, crawler.ProgressDelta{PagesFailed: 1})
	if err != nil {
		return fmt.Errorf("record failed page: %w", err)
	}
	st.job = job
	return nil
}

// skipTo derives the address of pageNumber when the extractor can do so
// without the failed page's document.
func skipTo(ext extractor.Extractor, targetURL string, pageNumber int) (string, bool) {
	p, ok := ext.(extractor.Paginator)
	if !ok {
		return "", false
	}
	next, err := p.PageURL(targetURL, pageNumber)
	if err != nil {
		return "", false
	}
	return next, true
}

// interrupted handles errors that end the crawl outside the page error
// classes: shutdown, a concurrent cancel or an internal failure.
func (r *Runner) interrupted(ctx context.Context, st *crawlState, err error, logger *zap.Logger) (crawler.Job, error) {
	if ctx.Err() != nil {
		logger.Warn("run interrupted by shutdown", zap.Error(err))
		job, ferr := r.failWith(ctx, st.job, crawler.CodeShutdown, "crawler shutting down", nil)
		if ferr != nil {
			return job, ferr
		}
		return job, fmt.Errorf("run job: %w", ctx.Err())
	}
	if errors.Is(err, crawler.ErrInvalidJobState) {
		job := r.current(ctx, st)
		if job.Status == crawler.JobStatusCancelled {
			logger.Info("job cancelled mid-page")
			return job, nil
		}
	}
	return r.failWith(ctx, st.job, crawler.CodeInternal, err.Error(), nil)
}

func (r *Runner) fail(ctx context.Context, job crawler.Job, err error, details map[string]any) (crawler.Job, error) {
	return r.failWith(ctx, job, crawler.CodeOf(err), err.Error(), details)
}

// failWith records the failure. Terminal writes survive cancellation of ctx.
func (r *Runner) failWith(ctx context.Context, job crawler.Job, code, message string, details map[string]any) (crawler.Job, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalizeTimeout)
	defer cancel()

	failed, err := r.Jobs.FailJob(wctx, job.ID, code, message, details)
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidJobState) {
			r.logger.Info("job already terminal, failure not recorded",
				zap.String("job_id", job.ID), zap.String("code", code))
			return r.reload(wctx, job), nil
		}
		return job, fmt.Errorf("fail job: %w", err)
	}
	r.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("code", code),
		zap.String("message", message),
	)
	return failed, nil
}

func (r *Runner) current(ctx context.Context, st *crawlState) crawler.Job {
	return r.reload(context.WithoutCancel(ctx), st.job)
}

func (r *Runner) reload(ctx context.Context, fallback crawler.Job) crawler.Job {
	job, err := r.Jobs.Job(ctx, fallback.ID)
	if err != nil {
		return fallback
	}
	return job
}

func (r *Runner) snapshot(ctx context.Context, jobID string, pageNo int, page crawler.Page, logger *zap.Logger) {
	if !r.cfg.SnapshotPages || r.Blobs == nil || r.Hasher == nil {
		return
	}
	html, err := page.HTML(ctx)
	if err != nil {
		logger.Warn("snapshot read failed", zap.Int("page", pageNo), zap.Error(err))
		return
	}
	body := []byte(html)
	hash, err := r.Hasher.Hash(body)
	if err != nil {
		logger.Warn("snapshot hash failed", zap.Int("page", pageNo), zap.Error(err))
		return
	}
	uri, err := r.Blobs.PutObject(ctx, r.snapshotPath(jobID, pageNo, hash), r.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("snapshot upload failed", zap.Int("page", pageNo), zap.Error(err))
		return
	}
	logger.Debug("snapshot stored", zap.Int("page", pageNo), zap.String("blob_uri", uri))
}

func (r *Runner) snapshotPath(jobID string, pageNo int, hash string) string {
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%04d-%s.html", jobID, pageNo, hash)
	}
	return fmt.Sprintf("%s/%s/%04d-%s.html", prefix, jobID, pageNo, hash)
}

// Notification is the completion message published for a finished job.
type Notification struct {
	JobID       string            `json:"job_id"`
	UserEmail   string            `json:"user_email"`
	Site        crawler.Site      `json:"site"`
	Status      crawler.JobStatus `json:"status"`
	Counters    crawler.Counters  `json:"counters"`
	ErrorCode   string            `json:"error_code,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func (r *Runner) publish(ctx context.Context, job crawler.Job, logger *zap.Logger) {
	if r.Publisher == nil || r.cfg.Topic == "" || !job.Status.Terminal() {
		return
	}
	msg := Notification{
		JobID:       job.ID,
		UserEmail:   job.UserEmail,
		Site:        job.Site,
		Status:      job.Status,
		Counters:    job.Counters,
		CompletedAt: job.CompletedAt,
	}
	if job.Error != nil {
		msg.ErrorCode = job.Error.Code
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalizeTimeout)
	defer cancel()
	id, err := r.Publisher.Publish(pctx, r.cfg.Topic, msg)
	if err != nil {
		logger.Warn("completion publish failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	logger.Debug("completion published", zap.String("job_id", job.ID), zap.String("message_id", id))
}

func (r *Runner) emit(evt progress.Event) {
	if r.Progress != nil {
		r.Progress.Emit(evt)
	}
}

func pageDetails(url string, pageNo int, err error) map[string]any {
	return map[string]any{"url": url, "page": pageNo, "error": err.Error()}
}
