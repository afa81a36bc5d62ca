// Package scheduler periodically enqueues PENDING jobs whose scheduled time
// has arrived.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Defaults applied by New.
const (
	DefaultSpec      = "@every 15s"
	DefaultBatchSize = 50
	// DefaultRequeueAfter is how long an enqueued job may stay PENDING before
	// the sweeper enqueues it again.
	DefaultRequeueAfter = 5 * time.Minute
)

// PendingSource lists due PENDING jobs.
type PendingSource interface {
	DuePending(ctx context.Context, limit int) ([]crawler.Job, error)
}

// Config controls the sweep cadence.
type Config struct {
	Spec         string
	BatchSize    int
	RequeueAfter time.Duration
}

// Scheduler runs a cron entry that moves due jobs onto the queue.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	batch   int
	requeue time.Duration
	source  PendingSource
	queue   crawler.Queue
	clock   crawler.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	enqueued map[string]time.Time
	entry    cron.EntryID
	started  bool
}

// New validates the cron spec and builds a stopped Scheduler.
func New(cfg Config, source PendingSource, queue crawler.Queue, clock crawler.Clock, logger *zap.Logger) (*Scheduler, error) {
	switch {
	case source == nil:
		return nil, errors.New("pending source is required")
	case queue == nil:
		return nil, errors.New("queue is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RequeueAfter <= 0 {
		cfg.RequeueAfter = DefaultRequeueAfter
	}
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Spec, err)
	}
	logger = logger.Named("scheduler")
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger{logger.Sugar()}))),
		spec:     cfg.Spec,
		batch:    cfg.BatchSize,
		requeue:  cfg.RequeueAfter,
		source:   source,
		queue:    queue,
		clock:    clock,
		logger:   logger,
		enqueued: make(map[string]time.Time),
	}, nil
}

// Start registers the sweep and starts the cron loop. Sweeps run with ctx
// until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	id, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("add sweep: %w", err)
	}
	s.entry = id
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.spec), zap.Int("batch_size", s.batch))
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cron.Remove(s.entry)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Sweep enqueues due jobs once and returns how many were enqueued. Jobs
// enqueued by an earlier sweep are skipped until RequeueAfter has passed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	jobs, err := s.source.DuePending(ctx, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make(map[string]struct{}, len(jobs))
	count := 0
	for _, job := range jobs {
		due[job.ID] = struct{}{}
		if at, ok := s.enqueued[job.ID]; ok && now.Sub(at) < s.requeue {
			continue
		}
		item := crawler.QueueItem{JobID: job.ID, Attempt: 1, Submitted: now.UnixNano()}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			return count, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		s.enqueued[job.ID] = now
		count++
	}
	// A truncated listing says nothing about the jobs it left out.
	if len(jobs) < s.batch {
		for id := range s.enqueued {
			if _, ok := due[id]; !ok {
				delete(s.enqueued, id)
			}
		}
	}
	if count > 0 {
		s.logger.Info("enqueued due jobs", zap.Int("count", count), zap.Int("due", len(jobs)))
	}
	return count, nil
}

// Tracked returns the number of job ids remembered as enqueued.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enqueued)
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
