package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Job configuration limits and defaults.
const (
	DefaultMaxPages       = 10
	DefaultMaxItems       = 2000
	DefaultRequestDelayMs = 1000
	MaxPagesLimit         = 50
	DefaultPriority       = 5
)

// FloatRange is an inclusive numeric bound; nil ends are open.
type FloatRange struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Contains reports whether v lies within the range.
func (r *FloatRange) Contains(v float64) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// DateRange is an inclusive time bound; nil ends are open.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Contains reports whether t lies within the range.
func (r *DateRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// Filters restrict which extracted items are kept.
type Filters struct {
	Rating          *FloatRange `json:"rating,omitempty"`
	Price           *FloatRange `json:"price,omitempty"`
	DateRange       *DateRange  `json:"dateRange,omitempty"`
	Keywords        []string    `json:"keywords,omitempty"`
	ExcludeKeywords []string    `json:"excludeKeywords,omitempty"`
}

// Match reports whether item passes every configured filter. Items missing a
// filtered field are kept, matching how the sites omit optional data.
func (f Filters) Match(item Item) bool {
	if item.Rating != nil && !f.Rating.Contains(*item.Rating) {
		return false
	}
	if item.Price != nil && !f.Price.Contains(*item.Price) {
		return false
	}
	if item.Date != nil && !f.DateRange.Contains(*item.Date) {
		return false
	}
	if len(f.Keywords) == 0 && len(f.ExcludeKeywords) == 0 {
		return true
	}
	text := strings.ToLower(item.Title + " " + item.Content)
	if len(f.Keywords) > 0 && !containsAny(text, f.Keywords) {
		return false
	}
	return !containsAny(text, f.ExcludeKeywords)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// JobConfig is the site-agnostic configuration envelope of a job.
type JobConfig struct {
	MaxPages       int               `json:"maxPages"`
	MaxItems       int               `json:"maxItems"`
	RequestDelayMs int               `json:"requestDelay"`
	Filters        Filters           `json:"filters"`
	Selectors      map[string]string `json:"selectors,omitempty"`
	WaitUntil      WaitStrategy      `json:"waitUntil,omitempty"`
	HumanBehavior  *bool             `json:"humanBehavior,omitempty"`
}

// RequestDelay returns the mandatory pause between page navigations.
func (c JobConfig) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelayMs) * time.Millisecond
}

// WithDefaults fills zero values; siteDelayMs overrides the generic delay
// default when positive.
func (c JobConfig) WithDefaults(siteDelayMs int) JobConfig {
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxPages > MaxPagesLimit {
		c.MaxPages = MaxPagesLimit
	}
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.RequestDelayMs <= 0 {
		c.RequestDelayMs = DefaultRequestDelayMs
		if siteDelayMs > 0 {
			c.RequestDelayMs = siteDelayMs
		}
	}
	return c
}

// Validate rejects inconsistent configuration.
func (c JobConfig) Validate() error {
	if c.MaxPages < 0 || c.MaxItems < 0 || c.RequestDelayMs < 0 {
		return fmt.Errorf("%w: limits must be >= 0", ErrBadRequest)
	}
	if c.WaitUntil != "" && !c.WaitUntil.Valid() {
		return fmt.Errorf("%w: unknown waitUntil %q", ErrBadRequest, c.WaitUntil)
	}
	for name, r := range map[string]*FloatRange{"rating": c.Filters.Rating, "price": c.Filters.Price} {
		if r != nil && r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("%w: %s filter min > max", ErrBadRequest, name)
		}
	}
	if d := c.Filters.DateRange; d != nil && d.From != nil && d.To != nil && d.From.After(*d.To) {
		return fmt.Errorf("%w: dateRange from after to", ErrBadRequest)
	}
	return nil
}

// Selector returns the configured selector override for field, or def.
func (c JobConfig) Selector(field, def string) string {
	if s := strings.TrimSpace(c.Selectors[field]); s != "" {
		return s
	}
	return def
}
