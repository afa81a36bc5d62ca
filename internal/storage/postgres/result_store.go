package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

const resultColumns = `id, job_id, native_id, item_type, payload, quality_score, item_order, page_number, created_at`

const resultConflict = `ON CONFLICT (job_id, native_id) WHERE native_id <> '' DO NOTHING`

// ResultStore implements crawler.ResultStore on the crawl_results table.
type ResultStore struct {
	db DB
}

var _ crawler.ResultStore = (*ResultStore)(nil)

// NewResultStore constructs a ResultStore over db.
func NewResultStore(db DB) (*ResultStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ResultStore{db: db}, nil
}

// InsertResults writes rows with one multi-row INSERT. Rows the partial
// unique index rejects come back as duplicates. When the statement as a whole
// fails, each row is retried alone so one bad row cannot sink the others.
func (s *ResultStore) InsertResults(ctx context.Context, rows []crawler.Result) ([]crawler.RowOutcome, error) {
	if len(rows) == 0 {
		return []crawler.RowOutcome{}, nil
	}
	inserted, err := s.insertBatch(ctx, rows)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("insert results: %w", ctx.Err())
		}
		return s.insertEach(ctx, rows), nil
	}
	outcomes := make([]crawler.RowOutcome, len(rows))
	for i, row := range rows {
		outcomes[i] = crawler.RowOutcome{Index: i, Status: crawler.RowDuplicate}
		if _, ok := inserted[row.ID]; ok {
			outcomes[i].Status = crawler.RowInserted
		}
	}
	return outcomes, nil
}

func (s *ResultStore) insertBatch(ctx context.Context, rows []crawler.Result) (map[string]struct{}, error) {
	var (
		values []string
		args   = make([]any, 0, len(rows)*9)
	)
	for _, row := range rows {
		n := len(args)
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9))
		args = append(args, resultArgs(row)...)
	}
	query := `INSERT INTO crawl_results (` + resultColumns + `) VALUES ` +
		strings.Join(values, ",") + ` ` + resultConflict + ` RETURNING id`

	res, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	inserted := make(map[string]struct{}, len(rows))
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, err
		}
		inserted[id] = struct{}{}
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *ResultStore) insertEach(ctx context.Context, rows []crawler.Result) []crawler.RowOutcome {
	query := `INSERT INTO crawl_results (` + resultColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ` + resultConflict
	outcomes := make([]crawler.RowOutcome, len(rows))
	for i, row := range rows {
		outcomes[i] = crawler.RowOutcome{Index: i}
		tag, err := s.db.Exec(ctx, query, resultArgs(row)...)
		switch {
		case err != nil:
			outcomes[i].Status = crawler.RowFailed
			outcomes[i].Err = fmt.Errorf("insert result: %w", err)
		case tag.RowsAffected() == 0:
			outcomes[i].Status = crawler.RowDuplicate
		default:
			outcomes[i].Status = crawler.RowInserted
		}
	}
	return outcomes
}

func resultArgs(row crawler.Result) []any {
	return []any{
		row.ID,
		row.JobID,
		row.NativeID,
		string(row.ItemType),
		[]byte(row.Payload),
		row.QualityScore,
		row.ItemOrder,
		row.PageNumber,
		row.CreatedAt,
	}
}

// ListResults returns a job's rows ordered by page then item order.
func (s *ResultStore) ListResults(ctx context.Context, jobID string) ([]crawler.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM crawl_results WHERE job_id = $1 ORDER BY page_number, item_order`
	rows, err := s.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	results := []crawler.Result{}
	for rows.Next() {
		var (
			r        crawler.Result
			itemType string
			payload  []byte
		)
		if err := rows.Scan(
			&r.ID,
			&r.JobID,
			&r.NativeID,
			&itemType,
			&payload,
			&r.QualityScore,
			&r.ItemOrder,
			&r.PageNumber,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.ItemType = crawler.ItemType(itemType)
		r.Payload = payload
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}
