// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// JobRunner executes one job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (crawler.Job, error)
}

// Dispatcher fans out queue work to a pool of workers. Each worker runs one
// job at a time.
type Dispatcher struct {
	queue   crawler.Queue
	runner  JobRunner
	workers int
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a Dispatcher with the given number of workers.
func New(queue crawler.Queue, runner JobRunner, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runner:  runner,
		workers: workers,
		logger:  logger.Named("dispatcher"),
		tracer:  otel.Tracer("github.com/jae-tech/digduck-crawler/internal/dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes and every
// in-flight job has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	logger := d.logger.With(zap.Int("worker", worker))
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				logger.Info("queue closed, worker exiting")
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		d.run(ctx, logger, item)
	}
}

func (d *Dispatcher) run(ctx context.Context, logger *zap.Logger, item crawler.QueueItem) {
	ctx, span := d.tracer.Start(ctx, "crawl_job", trace.WithAttributes(
		attribute.String("job.id", item.JobID),
		attribute.Int("job.attempt", item.Attempt),
	))
	defer span.End()

	job, err := d.runner.Run(ctx, item.JobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job run failed")
		logger.Error("job run failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	span.SetAttributes(
		attribute.String("job.status", string(job.Status)),
		attribute.Int("job.success_items", job.Counters.SuccessItems),
	)
	logger.Debug("job run finished", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
