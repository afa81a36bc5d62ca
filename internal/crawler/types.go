package crawler

import (
	"encoding/json"
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the status occupies the owner's single job slot.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobType distinguishes one-shot scrapes from paginated searches.
type JobType string

// Supported job types.
const (
	JobTypePageScrape JobType = "PAGE_SCRAPE"
	JobTypeSearch     JobType = "SEARCH"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypePageScrape || t == JobTypeSearch
}

// Site identifies the target site of a job.
type Site string

// Known sites. Only some of them have an extractor.
const (
	SiteSmartStore Site = "SMARTSTORE"
	SiteNaverBlog  Site = "NAVER_BLOG"
	SiteCoupang    Site = "COUPANG"
	SiteGmarket    Site = "GMARKET"
	SiteAuction    Site = "AUCTION"
	SiteElevenst   Site = "ELEVENST"
)

// ItemType tags the shape of an extracted item.
type ItemType string

// Extracted item types.
const (
	ItemTypeReview  ItemType = "review"
	ItemTypeProduct ItemType = "product"
	ItemTypePost    ItemType = "post"
)

// Counters tracks per-job item and page progress.
type Counters struct {
	TotalItems     int `json:"totalItems"`
	ProcessedItems int `json:"processedItems"`
	SuccessItems   int `json:"successItems"`
	FailedItems    int `json:"failedItems"`
	SkippedItems   int `json:"skippedItems"`
	PagesCrawled   int `json:"pagesCrawled"`
	PagesFailed    int `json:"pagesFailed"`
}

// Add returns c incremented by d.
func (c Counters) Add(d ProgressDelta) Counters {
	c.TotalItems += d.TotalItems
	c.ProcessedItems += d.ProcessedItems
	c.SuccessItems += d.SuccessItems
	c.FailedItems += d.FailedItems
	c.SkippedItems += d.SkippedItems
	c.PagesCrawled += d.PagesCrawled
	c.PagesFailed += d.PagesFailed
	return c
}

// ProgressDelta is an increment applied to Counters. All fields must be >= 0.
type ProgressDelta struct {
	TotalItems     int
	ProcessedItems int
	SuccessItems   int
	FailedItems    int
	SkippedItems   int
	PagesCrawled   int
	PagesFailed    int
}

// JobError carries structured failure detail for FAILED jobs.
type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Job represents one crawl execution attempt.
type Job struct {
	ID                 string        `json:"id"`
	UserEmail          string        `json:"userEmail"`
	Site               Site          `json:"site"`
	Type               JobType       `json:"jobType"`
	TargetURL          string        `json:"targetUrl"`
	Status             JobStatus     `json:"status"`
	Priority           int           `json:"priority"`
	ScheduledAt        *time.Time    `json:"scheduledAt,omitempty"`
	Config             JobConfig     `json:"config"`
	Counters           Counters      `json:"counters"`
	CreatedAt          time.Time     `json:"createdAt"`
	StartedAt          *time.Time    `json:"startedAt,omitempty"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty"`
	EstimatedRemaining time.Duration `json:"estimatedRemaining"`
	Error              *JobError     `json:"error,omitempty"`
}

// Elapsed returns the run time of a finished job, or zero when unknown.
func (j Job) Elapsed() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// StartRequest is the caller input for creating a job.
type StartRequest struct {
	UserEmail   string     `json:"userEmail" validate:"required,email"`
	Site        Site       `json:"site" validate:"required"`
	Type        JobType    `json:"jobType" validate:"omitempty,oneof=PAGE_SCRAPE SEARCH"`
	TargetURL   string     `json:"targetUrl" validate:"required,url"`
	Priority    int        `json:"priority" validate:"omitempty,min=1,max=10"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	Config      JobConfig  `json:"config"`
}

// JobDetail is a job together with its persisted results.
type JobDetail struct {
	Job
	Results []Result `json:"results"`
}

// JobFilter narrows ListJobs queries. Zero values mean "any".
type JobFilter struct {
	UserEmail string
	Status    JobStatus
	Site      Site
	Type      JobType
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

// Paging defaults for ListJobs.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalize clamps paging to sane bounds.
func (f JobFilter) Normalize() JobFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// Offset returns the row offset for the filter's page.
func (f JobFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// JobPage is one page of ListJobs output.
type JobPage struct {
	Jobs       []Job `json:"jobs"`
	Total      int   `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"totalPages"`
}

// NewJobPage computes paging metadata for a result set.
func NewJobPage(jobs []Job, total int, f JobFilter) JobPage {
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return JobPage{Jobs: jobs, Total: total, Page: f.Page, Limit: f.Limit, TotalPages: pages}
}

// Statistics summarizes a user's jobs by status.
type Statistics struct {
	Total               int `json:"total"`
	Pending             int `json:"pending"`
	Running             int `json:"running"`
	Completed           int `json:"completed"`
	Failed              int `json:"failed"`
	Cancelled           int `json:"cancelled"`
	TotalItemsProcessed int `json:"totalItemsProcessed"`
}

// Count adds one job with the given status and success count.
func (s *Statistics) Count(status JobStatus, successItems int) {
	s.CountN(status, 1, successItems)
}

// CountN adds n jobs with the given status and their summed success count.
func (s *Statistics) CountN(status JobStatus, n, successItems int) {
	s.Total += n
	switch status {
	case JobStatusPending:
		s.Pending += n
	case JobStatusRunning:
		s.Running += n
	case JobStatusCompleted:
		s.Completed += n
	case JobStatusFailed:
		s.Failed += n
	case JobStatusCancelled:
		s.Cancelled += n
	}
	s.TotalItemsProcessed += successItems
}

// License is the answer of the license gate for a user.
type License struct {
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Item is one extracted record, before persistence.
type Item struct {
	NativeID      string         `json:"nativeId,omitempty"`
	Type          ItemType       `json:"type"`
	Title         string         `json:"title,omitempty"`
	Content       string         `json:"content,omitempty"`
	URL           string         `json:"url,omitempty"`
	Price         *float64       `json:"price,omitempty"`
	OriginalPrice *float64       `json:"originalPrice,omitempty"`
	Discount      *float64       `json:"discount,omitempty"`
	Rating        *float64       `json:"rating,omitempty"`
	Date          *time.Time     `json:"date,omitempty"`
	Author        string         `json:"author,omitempty"`
	Verified      bool           `json:"verified,omitempty"`
	ImageURLs     []string       `json:"imageUrls,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Result is one persisted extracted item.
type Result struct {
	ID           string          `json:"id"`
	JobID        string          `json:"jobId"`
	NativeID     string          `json:"nativeId,omitempty"`
	ItemType     ItemType        `json:"itemType"`
	Payload      json.RawMessage `json:"payload"`
	QualityScore float64         `json:"qualityScore"`
	ItemOrder    int             `json:"itemOrder"`
	PageNumber   int             `json:"pageNumber"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// RowStatus is the per-row outcome of a batch insert.
type RowStatus string

// Row outcomes reported by ResultStore.InsertResults.
const (
	RowInserted  RowStatus = "inserted"
	RowDuplicate RowStatus = "duplicate"
	RowFailed    RowStatus = "failed"
)

// RowOutcome reports what happened to rows[Index].
type RowOutcome struct {
	Index  int
	Status RowStatus
	Err    error
}

// RowFailure describes a single row that failed to persist.
type RowFailure struct {
	ItemOrder int    `json:"itemOrder"`
	NativeID  string `json:"nativeId,omitempty"`
	Reason    string `json:"reason"`
}

// IngestOutcome summarizes one Ingest call.
type IngestOutcome struct {
	Inserted   int          `json:"inserted"`
	Duplicates int          `json:"duplicates"`
	Failed     []RowFailure `json:"failed,omitempty"`
}

// Processed is the number of items accounted for by the outcome.
func (o IngestOutcome) Processed() int {
	return o.Inserted + o.Duplicates + len(o.Failed)
}

// PageResult is an extractor's output for one page.
type PageResult struct {
	Items      []Item
	HasNext    bool
	NextCursor string
	// Candidates counts items seen on the page before filters and caps.
	Candidates int
}

// WaitStrategy names the readiness condition a navigation waits for.
type WaitStrategy string

// Supported wait strategies.
const (
	WaitLoad             WaitStrategy = "load"
	WaitDOMContentLoaded WaitStrategy = "domcontentloaded"
	WaitNetworkIdle      WaitStrategy = "networkidle"
)

// Valid reports whether w is a known strategy.
func (w WaitStrategy) Valid() bool {
	switch w {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
		return true
	default:
		return false
	}
}

// NavigationOptions controls one Navigate call.
type NavigationOptions struct {
	WaitUntil      WaitStrategy
	Timeout        time.Duration
	Referer        string
	HumanBehavior  bool
	RequireSuccess bool
}

// NavigationOutcome describes a successful navigation.
type NavigationOutcome struct {
	FinalURL   string
	StatusCode int
	Duration   time.Duration
}

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int `mapstructure:"width" json:"width"`
	Height int `mapstructure:"height" json:"height"`
}

// StealthSettings is the fingerprint applied to a page at creation time.
type StealthSettings struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string
	Locale         string
	Timezone       string
	Viewport       Viewport
	ExtraHeaders   http.Header
}
