package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

const jobColumns = `id, user_email, site, job_type, target_url, status, priority, scheduled_at, config,
	total_items, processed_items, success_items, failed_items, skipped_items, pages_crawled, pages_failed,
	created_at, started_at, completed_at, estimated_remaining_ms, error`

// JobStore implements crawler.JobStore on the crawl_jobs table.
type JobStore struct {
	db DB
}

var _ crawler.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore over db.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db}, nil
}

// CreateJob inserts job. The partial unique index turns a second active job
// for the user into crawler.ErrJobAlreadyRunning.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	errJSON, err := marshalJobError(job.Error)
	if err != nil {
		return err
	}
	query := `
INSERT INTO crawl_jobs (
	id, user_email, site, job_type, target_url, status, priority, scheduled_at, config, created_at, error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`
	_, err = s.db.Exec(ctx, query,
		job.ID,
		job.UserEmail,
		string(job.Site),
		string(job.Type),
		job.TargetURL,
		string(job.Status),
		job.Priority,
		job.ScheduledAt,
		configJSON,
		job.CreatedAt,
		errJSON,
	)
	if err != nil {
		if isUniqueViolation(err, "crawl_jobs_one_active_per_user") {
			return fmt.Errorf("user %s: %w", job.UserEmail, crawler.ErrJobAlreadyRunning)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrJobNotFound)
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ActiveJob returns the user's PENDING or RUNNING job, if any.
func (s *JobStore) ActiveJob(ctx context.Context, userEmail string) (crawler.Job, bool, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs
WHERE user_email = $1 AND status IN ('PENDING', 'RUNNING')
LIMIT 1`
	job, err := scanJob(s.db.QueryRow(ctx, query, userEmail))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, false, nil
		}
		return crawler.Job{}, false, fmt.Errorf("active job: %w", err)
	}
	return job, true, nil
}

// ListJobs returns the filtered jobs newest first plus the total match count.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, int, error) {
	filter = filter.Normalize()
	where, args := jobFilterClause(filter)

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM crawl_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	if total == 0 {
		return []crawler.Job{}, 0, nil
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM crawl_jobs%s
ORDER BY created_at DESC, id DESC
LIMIT $%d OFFSET $%d`, jobColumns, where, n+1, n+2)
	args = append(args, filter.Limit, filter.Offset())
	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func jobFilterClause(f crawler.JobFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserEmail != "" {
		add("user_email = $%d", f.UserEmail)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Site != "" {
		add("site = $%d", string(f.Site))
	}
	if f.Type != "" {
		add("job_type = $%d", string(f.Type))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// TransitionJob moves a job to status to when its current status is in from.
// The WHERE clause makes the change a compare-and-set.
func (s *JobStore) TransitionJob(
	ctx context.Context,
	jobID string,
	from []crawler.JobStatus,
	to crawler.JobStatus,
	at time.Time,
	jobErr *crawler.JobError,
) (crawler.Job, error) {
	errJSON, err := marshalJobError(jobErr)
	if err != nil {
		return crawler.Job{}, err
	}
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	query := `
UPDATE crawl_jobs SET
	status = $2,
	started_at = CASE WHEN $2 = 'RUNNING' THEN COALESCE(started_at, $3) ELSE started_at END,
	completed_at = CASE WHEN $4 THEN $3 ELSE completed_at END,
	estimated_remaining_ms = CASE WHEN $4 THEN 0 ELSE estimated_remaining_ms END,
	error = COALESCE($5, error)
WHERE id = $1 AND status = ANY($6)
RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRow(ctx, query, jobID, string(to), at, to.Terminal(), errJSON, allowed))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("transition job: %w", err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return crawler.Job{}, getErr
	}
	return current, fmt.Errorf("job %s is %s, cannot move to %s: %w", jobID, current.Status, to, crawler.ErrInvalidJobState)
}

// AddProgress adds delta to a RUNNING job's counters.
func (s *JobStore) AddProgress(
	ctx context.Context,
	jobID string,
	delta crawler.ProgressDelta,
	estimated time.Duration,
) (crawler.Job, error) {
	query := `
UPDATE crawl_jobs SET
	total_items = total_items + $2,
	processed_items = processed_items + $3,
	success_items = success_items + $4,
	failed_items = failed_items + $5,
	skipped_items = skipped_items + $6,
	pages_crawled = pages_crawled + $7,
	pages_failed = pages_failed + $8,
	estimated_remaining_ms = $9
WHERE id = $1 AND status = 'RUNNING'
RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRow(ctx, query,
		jobID,
		delta.TotalItems,
		delta.ProcessedItems,
		delta.SuccessItems,
		delta.FailedItems,
		delta.SkippedItems,
		delta.PagesCrawled,
		delta.PagesFailed,
		estimated.Milliseconds(),
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("add progress: %w", err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return crawler.Job{}, getErr
	}
	return current, fmt.Errorf("job %s is %s: %w", jobID, current.Status, crawler.ErrInvalidJobState)
}

// Statistics counts the user's jobs by status.
func (s *JobStore) Statistics(ctx context.Context, userEmail string) (crawler.Statistics, error) {
	query := `
SELECT status, COUNT(*), COALESCE(SUM(success_items), 0)
FROM crawl_jobs
WHERE user_email = $1
GROUP BY status`
	rows, err := s.db.Query(ctx, query, userEmail)
	if err != nil {
		return crawler.Statistics{}, fmt.Errorf("job statistics: %w", err)
	}
	defer rows.Close()

	var stats crawler.Statistics
	for rows.Next() {
		var (
			status  string
			count   int64
			success int64
		)
		if err := rows.Scan(&status, &count, &success); err != nil {
			return crawler.Statistics{}, fmt.Errorf("scan statistics row: %w", err)
		}
		stats.CountN(crawler.JobStatus(status), int(count), int(success))
	}
	if err := rows.Err(); err != nil {
		return crawler.Statistics{}, fmt.Errorf("job statistics: %w", err)
	}
	return stats, nil
}

// DuePending returns PENDING jobs whose schedule has arrived, highest
// priority first, then oldest first.
func (s *JobStore) DuePending(ctx context.Context, now time.Time, limit int) ([]crawler.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs
WHERE status = 'PENDING' AND (scheduled_at IS NULL OR scheduled_at <= $1)
ORDER BY priority DESC, created_at ASC
LIMIT $2`
	jobs, err := s.queryJobs(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due pending: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]crawler.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []crawler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job         crawler.Job
		site        string
		jobType     string
		status      string
		configJSON  []byte
		errJSON     []byte
		estimatedMs int64
	)
	err := row.Scan(
		&job.ID,
		&job.UserEmail,
		&site,
		&jobType,
		&job.TargetURL,
		&status,
		&job.Priority,
		&job.ScheduledAt,
		&configJSON,
		&job.Counters.TotalItems,
		&job.Counters.ProcessedItems,
		&job.Counters.SuccessItems,
		&job.Counters.FailedItems,
		&job.Counters.SkippedItems,
		&job.Counters.PagesCrawled,
		&job.Counters.PagesFailed,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&estimatedMs,
		&errJSON,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Site = crawler.Site(site)
	job.Type = crawler.JobType(jobType)
	job.Status = crawler.JobStatus(status)
	job.EstimatedRemaining = time.Duration(estimatedMs) * time.Millisecond
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return crawler.Job{}, fmt.Errorf("decode job config: %w", err)
		}
	}
	if len(errJSON) > 0 {
		var jobErr crawler.JobError
		if err := json.Unmarshal(errJSON, &jobErr); err != nil {
			return crawler.Job{}, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &jobErr
	}
	return job, nil
}

func marshalJobError(jobErr *crawler.JobError) ([]byte, error) {
	if jobErr == nil {
		return nil, nil
	}
	data, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}
	return data, nil
}
