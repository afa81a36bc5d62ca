// Package memory provides in-memory stores for development, the one-shot CLI
// crawl and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// JobStore provides an in-memory crawler.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

var _ crawler.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob stores a new job. A second active job for the same user is
// rejected with crawler.ErrJobAlreadyRunning.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status.Active() {
		if active, ok := s.activeLocked(job.UserEmail); ok {
			return fmt.Errorf("user has job %s: %w", active.ID, crawler.ErrJobAlreadyRunning)
		}
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return job, nil
}

// ActiveJob returns the user's PENDING or RUNNING job, if any.
func (s *JobStore) ActiveJob(_ context.Context, userEmail string) (crawler.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.activeLocked(userEmail)
	return job, ok, nil
}

func (s *JobStore) activeLocked(userEmail string) (crawler.Job, bool) {
	for _, job := range s.jobs {
		if job.UserEmail == userEmail && job.Status.Active() {
			return job, true
		}
	}
	return crawler.Job{}, false
}

// ListJobs returns the filtered jobs newest first plus the total match count.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.Job, int, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	matched := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if matches(job, filter) {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b crawler.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	total := len(matched)
	start := min(filter.Offset(), total)
	end := min(start+filter.Limit, total)
	return matched[start:end], total, nil
}

func matches(job crawler.Job, f crawler.JobFilter) bool {
	switch {
	case f.UserEmail != "" && job.UserEmail != f.UserEmail:
		return false
	case f.Status != "" && job.Status != f.Status:
		return false
	case f.Site != "" && job.Site != f.Site:
		return false
	case f.Type != "" && job.Type != f.Type:
		return false
	case f.From != nil && job.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && job.CreatedAt.After(*f.To):
		return false
	}
	return true
}

// TransitionJob moves a job to status to when its current status is in from.
func (s *JobStore) TransitionJob(
	_ context.Context,
	jobID string,
	from []crawler.JobStatus,
	to crawler.JobStatus,
	at time.Time,
	jobErr *crawler.JobError,
) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if !slices.Contains(from, job.Status) {
		return job, fmt.Errorf("job %s is %s, cannot move to %s: %w", jobID, job.Status, to, crawler.ErrInvalidJobState)
	}
	job.Status = to
	if to == crawler.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = pointerTime(at)
	}
	if to.Terminal() {
		job.CompletedAt = pointerTime(at)
		job.EstimatedRemaining = 0
	}
	if jobErr != nil {
		job.Error = jobErr
	}
	s.jobs[jobID] = job
	return job, nil
}

// AddProgress adds delta to a RUNNING job's counters.
func (s *JobStore) AddProgress(
	_ context.Context,
	jobID string,
	delta crawler.ProgressDelta,
	estimated time.Duration,
) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if job.Status != crawler.JobStatusRunning {
		return job, fmt.Errorf("job %s is %s: %w", jobID, job.Status, crawler.ErrInvalidJobState)
	}
	job.Counters = job.Counters.Add(delta)
	job.EstimatedRemaining = estimated
	s.jobs[jobID] = job
	return job, nil
}

// Statistics counts the user's jobs by status.
func (s *JobStore) Statistics(_ context.Context, userEmail string) (crawler.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats crawler.Statistics
	for _, job := range s.jobs {
		if job.UserEmail == userEmail {
			stats.Count(job.Status, job.Counters.SuccessItems)
		}
	}
	return stats, nil
}

// DuePending returns PENDING jobs whose schedule has arrived, highest
// priority first, then oldest first.
func (s *JobStore) DuePending(_ context.Context, now time.Time, limit int) ([]crawler.Job, error) {
	s.mu.RLock()
	due := make([]crawler.Job, 0)
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusPending {
			continue
		}
		if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	s.mu.RUnlock()

	slices.SortFunc(due, func(a, b crawler.Job) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
