package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jae-tech/digduck-crawler/internal/store"
)

// PageLogStore implements store.PageLogRepository on the page_logs table.
type PageLogStore struct {
	db DB
}

var _ store.PageLogRepository = (*PageLogStore)(nil)

// NewPageLogStore constructs a PageLogStore over db.
func NewPageLogStore(db DB) (*PageLogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PageLogStore{db: db}, nil
}

// AppendPageLogs upserts rows in one transaction.
func (s *PageLogStore) AppendPageLogs(ctx context.Context, logs []store.PageLog) (err error) {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin page log tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `
INSERT INTO page_logs (job_id, page_number, url, outcome, status_code, items, duplicates, failed, duration_ms, note, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (job_id, page_number) DO UPDATE SET
	url = EXCLUDED.url,
	outcome = EXCLUDED.outcome,
	status_code = EXCLUDED.status_code,
	items = EXCLUDED.items,
	duplicates = EXCLUDED.duplicates,
	failed = EXCLUDED.failed,
	duration_ms = EXCLUDED.duration_ms,
	note = EXCLUDED.note,
	at = EXCLUDED.at`
	for _, l := range logs {
		if _, err = tx.Exec(ctx, query,
			l.JobID,
			l.PageNumber,
			l.URL,
			string(l.Outcome),
			l.StatusCode,
			l.Items,
			l.Duplicates,
			l.Failed,
			l.Duration.Milliseconds(),
			l.Note,
			l.At,
		); err != nil {
			return fmt.Errorf("upsert page log %s/%d: %w", l.JobID, l.PageNumber, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit page logs: %w", err)
	}
	return nil
}

// ListPageLogs returns a job's rows ordered by page number.
func (s *PageLogStore) ListPageLogs(ctx context.Context, jobID string, limit, offset int) ([]store.PageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT job_id, page_number, url, outcome, status_code, items, duplicates, failed, duration_ms, note, at
FROM page_logs
WHERE job_id = $1
ORDER BY page_number
LIMIT $2 OFFSET $3`
	rows, err := s.db.Query(ctx, query, jobID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list page logs: %w", err)
	}
	defer rows.Close()

	logs := []store.PageLog{}
	for rows.Next() {
		var (
			l          store.PageLog
			outcome    string
			durationMs int64
		)
		if err := rows.Scan(
			&l.JobID,
			&l.PageNumber,
			&l.URL,
			&outcome,
			&l.StatusCode,
			&l.Items,
			&l.Duplicates,
			&l.Failed,
			&durationMs,
			&l.Note,
			&l.At,
		); err != nil {
			return nil, fmt.Errorf("scan page log row: %w", err)
		}
		l.Outcome = store.PageOutcome(outcome)
		l.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list page logs: %w", err)
	}
	return logs, nil
}
