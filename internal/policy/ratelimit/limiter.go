// Package ratelimit paces page navigations with one token bucket per job.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jae-tech/digduck-crawler/internal/metrics"
)

// Limiter hands out per-job limiters that allow one navigation every
// request delay.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	minDelay time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// MinDelay is a floor applied to every job's request delay.
	MinDelay time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		minDelay: cfg.MinDelay,
	}
}

func (l *Limiter) limiterFor(jobID string, every time.Duration) *rate.Limiter {
	if every < l.minDelay {
		every = l.minDelay
	}
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[jobID]
	if !exists {
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[jobID] = limiter
		return limiter
	}
	if limiter.Limit() != limit {
		limiter.SetLimit(limit)
	}
	return limiter
}

// Wait blocks until jobID may navigate again. The first call for a job returns
// immediately; later calls are spaced by at least every.
func (l *Limiter) Wait(ctx context.Context, jobID, site string, every time.Duration) error {
	limiter := l.limiterFor(jobID, every)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(site, waited)
	}
	return nil
}

// Forget drops the job's limiter once the job has finished.
func (l *Limiter) Forget(jobID string) {
	l.mu.Lock()
	delete(l.limiters, jobID)
	l.mu.Unlock()
}

// Len reports how many jobs currently hold a limiter.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
