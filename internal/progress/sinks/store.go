package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/progress"
	"github.com/jae-tech/digduck-crawler/internal/store"
)

// StoreSink persists page events via a store.PageLogRepository. Each batch is
// written with a single AppendPageLogs call; job events are ignored because
// the job store already records them.
type StoreSink struct {
	repo   store.PageLogRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.PageLogRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume converts page events into audit rows. It respects ctx deadlines and
// returns any repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	logs := make([]store.PageLog, 0, len(batch))
	for _, evt := range batch {
		var outcome store.PageOutcome
		switch evt.Stage {
		case progress.StagePageDone:
			outcome = store.PageOK
		case progress.StagePageFailed:
			outcome = store.PageFailed
		default:
			continue
		}
		logs = append(logs, store.PageLog{
			JobID:      evt.JobID,
			PageNumber: evt.PageNumber,
			URL:        evt.URL,
			Outcome:    outcome,
			StatusCode: evt.StatusCode,
			Items:      evt.Items,
			Duplicates: evt.Duplicates,
			Failed:     evt.Failed,
			Duration:   evt.Dur,
			Note:       evt.Note,
			At:         evt.TS,
		})
	}
	if len(logs) == 0 {
		return nil
	}
	if err := s.repo.AppendPageLogs(ctx, logs); err != nil {
		return fmt.Errorf("append page logs: %w", err)
	}
	s.logger.Debug("page logs stored", zap.Int("rows", len(logs)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
