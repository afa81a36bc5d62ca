// Package progress defines the event structures emitted by the job runners.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StagePageDone     Stage = "PAGE_DONE"
	StagePageFailed   Stage = "PAGE_FAILED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawl progress.
type Event struct {
	// JobID identifies the crawl job.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Site scopes the event to a target site.
	Site string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// PageNumber is the 1-based result page for page stages.
	PageNumber int
	// Items counts rows inserted from the page.
	Items int
	// Duplicates counts rows skipped as already stored.
	Duplicates int
	// Failed counts rows that could not be stored.
	Failed int
	// StatusCode is the document response status.
	StatusCode int
	// Dur captures page or job wall time.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobCancelled:
	case StagePageDone, StagePageFailed:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
		if e.PageNumber <= 0 {
			return fmt.Errorf("%s requires page number", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Items < 0 || e.Duplicates < 0 || e.Failed < 0 {
		return errors.New("item counts must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a job.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError || e.Stage == StageJobCancelled
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
