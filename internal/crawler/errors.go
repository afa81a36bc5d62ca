package crawler

import (
	"context"
	"errors"
)

// Caller-facing errors.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrLicenseInvalid    = errors.New("license invalid")
	ErrJobAlreadyRunning = errors.New("job already running")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidJobState   = errors.New("invalid job state")
	ErrUnsupportedSite   = errors.New("site not supported")
)

// Site and resource errors seen by the runner.
var (
	ErrSessionUnavailable = errors.New("browser session unavailable")
	ErrNavigationTimeout  = errors.New("navigation timeout")
	ErrNavigation         = errors.New("navigation error")
	ErrExtraction         = errors.New("extraction error")
	ErrExtractionFatal    = errors.New("extraction fatal")
)

// ErrQueueClosed is returned by queues that no longer accept or yield work.
var ErrQueueClosed = errors.New("queue closed")

// ErrorClass groups errors by how the runner must react to them.
type ErrorClass int

// Error classes.
const (
	ClassInternal ErrorClass = iota
	ClassCaller
	ClassTransient
	ClassFatal
	ClassResource
)

func (c ErrorClass) String() string {
	switch c {
	case ClassCaller:
		return "caller"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassResource:
		return "resource"
	default:
		return "internal"
	}
}

// Classify maps err onto its ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrExtractionFatal):
		return ClassFatal
	case errors.Is(err, ErrSessionUnavailable):
		return ClassResource
	case errors.Is(err, ErrNavigationTimeout),
		errors.Is(err, ErrNavigation),
		errors.Is(err, ErrExtraction):
		return ClassTransient
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrLicenseInvalid),
		errors.Is(err, ErrJobAlreadyRunning),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrInvalidJobState),
		errors.Is(err, ErrUnsupportedSite):
		return ClassCaller
	default:
		return ClassInternal
	}
}

// Job error codes recorded on FAILED jobs.
const (
	CodeSiteBlocked         = "SITE_BLOCKED"
	CodeConsecutiveFailures = "CONSECUTIVE_FAILURES"
	CodeSessionUnavailable  = "SESSION_UNAVAILABLE"
	CodeNavigationTimeout   = "NAVIGATION_TIMEOUT"
	CodeNavigationFailed    = "NAVIGATION_FAILED"
	CodeExtractionFailed    = "EXTRACTION_FAILED"
	CodeUnsupportedSite     = "UNSUPPORTED_SITE"
	CodeShutdown            = "SHUTDOWN"
	CodeInternal            = "INTERNAL_ERROR"
)

// CodeOf returns the job error code for err.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrExtractionFatal):
		return CodeSiteBlocked
	case errors.Is(err, ErrSessionUnavailable):
		return CodeSessionUnavailable
	case errors.Is(err, ErrNavigationTimeout):
		return CodeNavigationTimeout
	case errors.Is(err, ErrNavigation):
		return CodeNavigationFailed
	case errors.Is(err, ErrExtraction):
		return CodeExtractionFailed
	case errors.Is(err, ErrUnsupportedSite):
		return CodeUnsupportedSite
	case errors.Is(err, context.Canceled):
		return CodeShutdown
	default:
		return CodeInternal
	}
}
