package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists job records. Status changes are compare-and-set: a
// transition only applies when the stored status is one of from.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ActiveJob(ctx context.Context, userEmail string) (Job, bool, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, int, error)
	TransitionJob(ctx context.Context, jobID string, from []JobStatus, to JobStatus, at time.Time, jobErr *JobError) (Job, error)
	AddProgress(ctx context.Context, jobID string, delta ProgressDelta, estimated time.Duration) (Job, error)
	Statistics(ctx context.Context, userEmail string) (Statistics, error)
	DuePending(ctx context.Context, now time.Time, limit int) ([]Job, error)
}

// ResultStore persists extracted items. InsertResults reports one outcome per
// row; a storage failure for one row must not roll back the others.
type ResultStore interface {
	InsertResults(ctx context.Context, rows []Result) ([]RowOutcome, error)
	ListResults(ctx context.Context, jobID string) ([]Result, error)
}

// LicenseChecker looks up a user's license. An unknown user yields an
// inactive License, not an error.
type LicenseChecker interface {
	CheckLicense(ctx context.Context, userEmail string) (License, error)
}

// Page is a scoped browser page handle. Release must be called exactly once
// by the holder; extra calls are no-ops.
type Page interface {
	Navigate(ctx context.Context, url, referer string) (int, error)
	WaitFor(ctx context.Context, strategy WaitStrategy) error
	Scroll(ctx context.Context, deltaY int) error
	MoveMouse(ctx context.Context, x, y float64) error
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Release()
}

// PageProvider lends pages configured with the anti-detection bundle.
type PageProvider interface {
	AcquirePage(ctx context.Context, settings StealthSettings) (Page, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for runnable job ids.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for snapshot naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and result IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted int64
}
