// Package store declares interfaces for persisting per-page crawl progress.
package store

import (
	"context"
	"time"
)

// PageOutcome mirrors the page_logs.outcome column.
type PageOutcome string

// Page outcomes persisted in page_logs.outcome.
const (
	PageOK     PageOutcome = "ok"
	PageFailed PageOutcome = "failed"
)

// PageLog is one audit row per processed result page. Together the rows of a
// job describe how far it got and why pages were skipped.
type PageLog struct {
	// JobID is the owning crawl job.
	JobID string
	// PageNumber is the 1-based result page.
	PageNumber int
	// URL is the navigated page URL.
	URL string
	// Outcome is ok or failed.
	Outcome PageOutcome
	// StatusCode is the document response status, 0 when unknown.
	StatusCode int
	// Items counts rows inserted from this page.
	Items int
	// Duplicates counts rows skipped as already stored.
	Duplicates int
	// Failed counts rows that could not be stored.
	Failed int
	// Duration is the wall time spent on the page.
	Duration time.Duration
	// Note carries the failure reason for failed pages.
	Note string
	// At is when the page finished.
	At time.Time
}

// PageLogRepository persists page audit rows.
type PageLogRepository interface {
	// AppendPageLogs stores rows; re-appending a (job, page) pair overwrites it.
	AppendPageLogs(ctx context.Context, logs []PageLog) error
	// ListPageLogs returns a job's rows ordered by page number.
	ListPageLogs(ctx context.Context, jobID string, limit, offset int) ([]PageLog, error)
}
