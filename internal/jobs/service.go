// Package jobs implements the crawl job state machine: creation behind the
// license gate and the one-active-job-per-user rule, the monotonic
// PENDING → RUNNING → COMPLETED|FAILED|CANCELLED transitions, and the counter
// updates reported by the ingestion pipeline.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
	"github.com/jae-tech/digduck-crawler/internal/metrics"
	"github.com/jae-tech/digduck-crawler/internal/progress"
)

// enqueueTimeout bounds how long StartJob waits on a full queue.
const enqueueTimeout = 2 * time.Second

// LicenseVerifier rejects users without a usable license.
type LicenseVerifier interface {
	Verify(ctx context.Context, email string) error
}

// SiteRegistry reports which sites can be crawled.
type SiteRegistry interface {
	Supports(site crawler.Site) bool
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Jobs    crawler.JobStore
	Results crawler.ResultStore
	License LicenseVerifier
	Sites   SiteRegistry
	IDs     crawler.IDGenerator
	Clock   crawler.Clock
	// Queue receives jobs that are due at creation time. Optional.
	Queue crawler.Queue
	// Progress receives lifecycle events. Optional.
	Progress progress.Emitter
	// SiteDelayMs returns the default request delay for a site. Optional.
	SiteDelayMs func(site crawler.Site) int
	Logger      *zap.Logger
}

// Service owns every job status and counter change.
type Service struct {
	jobs     crawler.JobStore
	results  crawler.ResultStore
	license  LicenseVerifier
	sites    SiteRegistry
	ids      crawler.IDGenerator
	clock    crawler.Clock
	queue    crawler.Queue
	progress progress.Emitter
	delayFor func(site crawler.Site) int
	validate *validator.Validate
	locks    *keyedMutex
	logger   *zap.Logger
}

// NewService validates deps and constructs a Service.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Results == nil:
		return nil, errors.New("result store is required")
	case deps.License == nil:
		return nil, errors.New("license verifier is required")
	case deps.Sites == nil:
		return nil, errors.New("site registry is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delayFor := deps.SiteDelayMs
	if delayFor == nil {
		delayFor = func(crawler.Site) int { return 0 }
	}
	return &Service{
		jobs:     deps.Jobs,
		results:  deps.Results,
		license:  deps.License,
		sites:    deps.Sites,
		ids:      deps.IDs,
		clock:    deps.Clock,
		queue:    deps.Queue,
		progress: deps.Progress,
		delayFor: delayFor,
		validate: newValidator(),
		locks:    newKeyedMutex(),
		logger:   logger.Named("jobs"),
	}, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// StartJob validates the request, checks the license and creates a PENDING
// job. A user with a PENDING or RUNNING job gets crawler.ErrJobAlreadyRunning.
func (s *Service) StartJob(ctx context.Context, req crawler.StartRequest) (crawler.Job, error) {
	req.UserEmail = normalizeEmail(req.UserEmail)
	req.TargetURL = strings.TrimSpace(req.TargetURL)
	if req.Type == "" {
		req.Type = crawler.JobTypeSearch
	}
	if err := s.validateRequest(req); err != nil {
		return crawler.Job{}, err
	}
	if !s.sites.Supports(req.Site) {
		return crawler.Job{}, fmt.Errorf("site %q: %w", req.Site, crawler.ErrUnsupportedSite)
	}
	if err := s.license.Verify(ctx, req.UserEmail); err != nil {
		return crawler.Job{}, fmt.Errorf("start job: %w", err)
	}

	unlock := s.locks.Lock(req.UserEmail)
	defer unlock()

	active, ok, err := s.jobs.ActiveJob(ctx, req.UserEmail)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("lookup active job: %w", err)
	}
	if ok {
		return crawler.Job{}, fmt.Errorf("user has %s job %s: %w", active.Status, active.ID, crawler.ErrJobAlreadyRunning)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	priority := req.Priority
	if priority == 0 {
		priority = crawler.DefaultPriority
	}
	job := crawler.Job{
		ID:          id,
		UserEmail:   req.UserEmail,
		Site:        req.Site,
		Type:        req.Type,
		TargetURL:   req.TargetURL,
		Status:      crawler.JobStatusPending,
		Priority:    priority,
		ScheduledAt: req.ScheduledAt,
		Config:      req.Config.WithDefaults(s.delayFor(req.Site)),
		CreatedAt:   s.clock.Now(),
	}
	if job.Type == crawler.JobTypePageScrape {
		job.Config.MaxPages = 1
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("user_email", job.UserEmail),
		zap.String("site", string(job.Site)),
		zap.String("job_type", string(job.Type)),
	)
	s.enqueueIfDue(ctx, job)
	return job, nil
}

func (s *Service) validateRequest(req crawler.StartRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", crawler.ErrBadRequest, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", crawler.ErrBadRequest, err)
	}
	if err := req.Config.Validate(); err != nil {
		return err
	}
	return nil
}

func (s *Service) enqueueIfDue(ctx context.Context, job crawler.Job) {
	if s.queue == nil {
		return
	}
	if job.ScheduledAt != nil && job.ScheduledAt.After(s.clock.Now()) {
		return
	}
	item := crawler.QueueItem{JobID: job.ID, Attempt: 1, Submitted: s.clock.Now().UnixNano()}
	ectx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(ectx, item); err != nil {
		// The scheduler sweep picks the job up later.
		s.logger.Warn("enqueue job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// TransitionToRunning moves a PENDING job to RUNNING.
func (s *Service) TransitionToRunning(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := s.jobs.TransitionJob(ctx, jobID,
		[]crawler.JobStatus{crawler.JobStatusPending}, crawler.JobStatusRunning, s.clock.Now(), nil)
	if err != nil {
		return job, fmt.Errorf("start running: %w", err)
	}
	s.emit(job, progress.StageJobStart, "")
	return job, nil
}

// RecordProgress adds delta to a RUNNING job's counters and refreshes its
// remaining-time estimate.
func (s *Service) RecordProgress(ctx context.Context, jobID string, delta crawler.ProgressDelta) (crawler.Job, error) {
	if err := validateDelta(delta); err != nil {
		return crawler.Job{}, err
	}
	current, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("record progress: %w", err)
	}
	if current.Status != crawler.JobStatusRunning {
		return current, fmt.Errorf("job %s is %s: %w", jobID, current.Status, crawler.ErrInvalidJobState)
	}
	estimate := estimateRemaining(current, current.Counters.Add(delta), s.clock.Now())
	job, err := s.jobs.AddProgress(ctx, jobID, delta, estimate)
	if err != nil {
		return job, fmt.Errorf("record progress: %w", err)
	}
	return job, nil
}

func validateDelta(d crawler.ProgressDelta) error {
	for _, v := range []int{d.TotalItems, d.ProcessedItems, d.SuccessItems, d.FailedItems, d.SkippedItems, d.PagesCrawled, d.PagesFailed} {
		if v < 0 {
			return fmt.Errorf("%w: progress delta must be >= 0", crawler.ErrBadRequest)
		}
	}
	if d.SuccessItems+d.FailedItems+d.SkippedItems != d.ProcessedItems {
		return fmt.Errorf("%w: success+failed+skipped must equal processed", crawler.ErrBadRequest)
	}
	if d.ProcessedItems > d.TotalItems {
		return fmt.Errorf("%w: processed exceeds total", crawler.ErrBadRequest)
	}
	return nil
}

// estimateRemaining projects the average page time over the unused page budget.
func estimateRemaining(job crawler.Job, next crawler.Counters, now time.Time) time.Duration {
	pagesDone := next.PagesCrawled + next.PagesFailed
	if job.StartedAt == nil || pagesDone == 0 {
		return 0
	}
	remaining := job.Config.MaxPages - pagesDone
	if remaining <= 0 {
		return 0
	}
	perPage := now.Sub(*job.StartedAt) / time.Duration(pagesDone)
	return perPage * time.Duration(remaining)
}

// CompleteJob moves a RUNNING job to COMPLETED.
func (s *Service) CompleteJob(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := s.jobs.TransitionJob(ctx, jobID,
		[]crawler.JobStatus{crawler.JobStatusRunning}, crawler.JobStatusCompleted, s.clock.Now(), nil)
	if err != nil {
		return job, fmt.Errorf("complete job: %w", err)
	}
	s.finished(job, progress.StageJobDone, "")
	return job, nil
}

// FailJob moves a PENDING or RUNNING job to FAILED with structured detail.
func (s *Service) FailJob(ctx context.Context, jobID, code, message string, details map[string]any) (crawler.Job, error) {
	jobErr := &crawler.JobError{Code: code, Message: message, Details: details}
	job, err := s.jobs.TransitionJob(ctx, jobID,
		[]crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusRunning},
		crawler.JobStatusFailed, s.clock.Now(), jobErr)
	if err != nil {
		return job, fmt.Errorf("fail job: %w", err)
	}
	s.finished(job, progress.StageJobError, code+": "+message)
	return job, nil
}

// CancelJob cancels a PENDING or RUNNING job on behalf of its owner. Jobs of
// other users are reported as not found.
func (s *Service) CancelJob(ctx context.Context, jobID, requestingUser string) (crawler.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if job.UserEmail != normalizeEmail(requestingUser) {
		return crawler.Job{}, fmt.Errorf("cancel job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	job, err = s.jobs.TransitionJob(ctx, jobID,
		[]crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusRunning},
		crawler.JobStatusCancelled, s.clock.Now(), nil)
	if err != nil {
		return job, fmt.Errorf("cancel job: %w", err)
	}
	s.finished(job, progress.StageJobCancelled, "cancelled by "+job.UserEmail)
	return job, nil
}

// GetJob returns a job with its stored results.
func (s *Service) GetJob(ctx context.Context, jobID string) (crawler.JobDetail, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.JobDetail{}, fmt.Errorf("get job: %w", err)
	}
	results, err := s.results.ListResults(ctx, jobID)
	if err != nil {
		return crawler.JobDetail{}, fmt.Errorf("list results: %w", err)
	}
	if results == nil {
		results = []crawler.Result{}
	}
	return crawler.JobDetail{Job: job, Results: results}, nil
}

// ListJobs returns one page of jobs matching filter, newest first.
func (s *Service) ListJobs(ctx context.Context, filter crawler.JobFilter) (crawler.JobPage, error) {
	filter = filter.Normalize()
	filter.UserEmail = normalizeEmail(filter.UserEmail)
	if filter.Status != "" && !filter.Status.Valid() {
		return crawler.JobPage{}, fmt.Errorf("%w: unknown status %q", crawler.ErrBadRequest, filter.Status)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return crawler.JobPage{}, fmt.Errorf("%w: unknown job type %q", crawler.ErrBadRequest, filter.Type)
	}
	jobs, total, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return crawler.JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	return crawler.NewJobPage(jobs, total, filter), nil
}

// Statistics summarizes a user's jobs.
func (s *Service) Statistics(ctx context.Context, email string) (crawler.Statistics, error) {
	email = normalizeEmail(email)
	if email == "" {
		return crawler.Statistics{}, fmt.Errorf("%w: user email is required", crawler.ErrBadRequest)
	}
	stats, err := s.jobs.Statistics(ctx, email)
	if err != nil {
		return crawler.Statistics{}, fmt.Errorf("statistics: %w", err)
	}
	return stats, nil
}

// Job returns the job record without its results.
func (s *Service) Job(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// IsCancelled reports whether the job has been cancelled.
func (s *Service) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("check cancelled: %w", err)
	}
	return job.Status == crawler.JobStatusCancelled, nil
}

// DuePending returns up to limit PENDING jobs whose schedule has arrived.
func (s *Service) DuePending(ctx context.Context, limit int) ([]crawler.Job, error) {
	jobs, err := s.jobs.DuePending(ctx, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("due pending: %w", err)
	}
	return jobs, nil
}

func (s *Service) finished(job crawler.Job, stage progress.Stage, note string) {
	metrics.ObserveJob(strings.ToLower(string(job.Status)))
	s.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("success_items", job.Counters.SuccessItems),
		zap.Int("pages_crawled", job.Counters.PagesCrawled),
		zap.Duration("elapsed", job.Elapsed()),
	)
	s.emit(job, stage, note)
}

func (s *Service) emit(job crawler.Job, stage progress.Stage, note string) {
	if s.progress == nil {
		return
	}
	s.progress.Emit(progress.Event{
		JobID: job.ID,
		TS:    s.clock.Now(),
		Stage: stage,
		Site:  string(job.Site),
		URL:   job.TargetURL,
		Dur:   job.Elapsed(),
		Note:  note,
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
