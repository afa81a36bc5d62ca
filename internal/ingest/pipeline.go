// Package ingest streams extracted items into the result store and reports the
// resulting counter deltas to the job state machine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// DefaultBatchSize is the number of rows written per InsertResults call.
const DefaultBatchSize = 100

// ProgressRecorder applies counter deltas to a job.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, jobID string, delta crawler.ProgressDelta) (crawler.Job, error)
}

// Config tunes a Pipeline.
type Config struct {
	BatchSize int
}

// Pipeline persists one page of items at a time.
type Pipeline struct {
	results   crawler.ResultStore
	recorder  ProgressRecorder
	ids       crawler.IDGenerator
	clock     crawler.Clock
	batchSize int
	logger    *zap.Logger
}

// NewPipeline wires the pipeline collaborators.
func NewPipeline(
	cfg Config,
	results crawler.ResultStore,
	recorder ProgressRecorder,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Pipeline, error) {
	if results == nil || recorder == nil || ids == nil || clock == nil {
		return nil, errors.New("ingest: results, recorder, ids and clock are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		results:   results,
		recorder:  recorder,
		ids:       ids,
		clock:     clock,
		batchSize: cfg.BatchSize,
		logger:    logger.Named("ingest"),
	}, nil
}

// pending is a row waiting for its store outcome.
type pending struct {
	order    int
	nativeID string
	row      crawler.Result
}

// Ingest stores items in page order and records one progress delta for the
// page. Items repeating a native id already seen on the page or stored for the
// job count as skipped; rows the store rejects count as failed without
// affecting the others.
func (p *Pipeline) Ingest(ctx context.Context, jobID string, pageNumber int, items []crawler.Item) (crawler.IngestOutcome, error) {
	var outcome crawler.IngestOutcome
	logger := p.logger.With(zap.String("job_id", jobID), zap.Int("page", pageNumber))

	seen := make(map[string]struct{}, len(items))
	rows := make([]pending, 0, len(items))
	for i, item := range items {
		// ItemOrder is the position on the page, so skipped rows leave gaps.
		order := i + 1
		if item.NativeID != "" {
			if _, dup := seen[item.NativeID]; dup {
				outcome.Duplicates++
				continue
			}
			seen[item.NativeID] = struct{}{}
		}
		row, err := p.buildRow(jobID, pageNumber, order, item)
		if err != nil {
			outcome.Failed = append(outcome.Failed, crawler.RowFailure{ItemOrder: order, NativeID: item.NativeID, Reason: err.Error()})
			continue
		}
		rows = append(rows, pending{order: order, nativeID: item.NativeID, row: row})
	}

	for start := 0; start < len(rows); start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return outcome, fmt.Errorf("ingest page %d: %w", pageNumber, err)
		}
		chunk := rows[start:min(start+p.batchSize, len(rows))]
		p.writeChunk(ctx, chunk, &outcome, logger)
	}

	delta := crawler.ProgressDelta{
		TotalItems:     len(items),
		ProcessedItems: outcome.Processed(),
		SuccessItems:   outcome.Inserted,
		FailedItems:    len(outcome.Failed),
		SkippedItems:   outcome.Duplicates,
		PagesCrawled:   1,
	}
	if _, err := p.recorder.RecordProgress(ctx, jobID, delta); err != nil {
		return outcome, fmt.Errorf("ingest page %d: %w", pageNumber, err)
	}
	logger.Debug("page ingested",
		zap.Int("items", len(items)),
		zap.Int("inserted", outcome.Inserted),
		zap.Int("duplicates", outcome.Duplicates),
		zap.Int("failed", len(outcome.Failed)),
	)
	return outcome, nil
}

func (p *Pipeline) buildRow(jobID string, pageNumber, order int, item crawler.Item) (crawler.Result, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return crawler.Result{}, fmt.Errorf("encode payload: %w", err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return crawler.Result{}, fmt.Errorf("generate result id: %w", err)
	}
	return crawler.Result{
		ID:           id,
		JobID:        jobID,
		NativeID:     item.NativeID,
		ItemType:     item.Type,
		Payload:      payload,
		QualityScore: QualityScore(item),
		ItemOrder:    order,
		PageNumber:   pageNumber,
		CreatedAt:    p.clock.Now(),
	}, nil
}

func (p *Pipeline) writeChunk(ctx context.Context, chunk []pending, outcome *crawler.IngestOutcome, logger *zap.Logger) {
	rows := make([]crawler.Result, len(chunk))
	for i, c := range chunk {
		rows[i] = c.row
	}
	results, err := p.results.InsertResults(ctx, rows)
	if err != nil {
		logger.Warn("insert results failed", zap.Int("rows", len(rows)), zap.Error(err))
		for _, c := range chunk {
			outcome.Failed = append(outcome.Failed, crawler.RowFailure{ItemOrder: c.order, NativeID: c.nativeID, Reason: err.Error()})
		}
		return
	}

	reported := make([]bool, len(chunk))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(chunk) || reported[r.Index] {
			continue
		}
		reported[r.Index] = true
		c := chunk[r.Index]
		switch r.Status {
		case crawler.RowInserted:
			outcome.Inserted++
		case crawler.RowDuplicate:
			outcome.Duplicates++
		default:
			reason := "store rejected row"
			if r.Err != nil {
				reason = r.Err.Error()
			}
			outcome.Failed = append(outcome.Failed, crawler.RowFailure{ItemOrder: c.order, NativeID: c.nativeID, Reason: reason})
		}
	}
	for i, ok := range reported {
		if !ok {
			c := chunk[i]
			outcome.Failed = append(outcome.Failed, crawler.RowFailure{ItemOrder: c.order, NativeID: c.nativeID, Reason: "no outcome reported"})
		}
	}
}
