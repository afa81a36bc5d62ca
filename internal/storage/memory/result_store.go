package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

type resultKey struct {
	jobID    string
	nativeID string
}

// ResultStore provides an in-memory crawler.ResultStore with the same
// (job, native id) uniqueness the database enforces.
type ResultStore struct {
	mu     sync.RWMutex
	byJob  map[string][]crawler.Result
	unique map[resultKey]struct{}
}

var _ crawler.ResultStore = (*ResultStore)(nil)

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{
		byJob:  make(map[string][]crawler.Result),
		unique: make(map[resultKey]struct{}),
	}
}

// InsertResults appends rows, reporting rows whose native id already exists
// for the job as duplicates.
func (s *ResultStore) InsertResults(_ context.Context, rows []crawler.Result) ([]crawler.RowOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]crawler.RowOutcome, len(rows))
	for i, row := range rows {
		outcomes[i] = crawler.RowOutcome{Index: i, Status: crawler.RowInserted}
		if row.NativeID != "" {
			key := resultKey{jobID: row.JobID, nativeID: row.NativeID}
			if _, dup := s.unique[key]; dup {
				outcomes[i].Status = crawler.RowDuplicate
				continue
			}
			s.unique[key] = struct{}{}
		}
		s.byJob[row.JobID] = append(s.byJob[row.JobID], row)
	}
	return outcomes, nil
}

// ListResults returns a job's rows ordered by page then item order.
func (s *ResultStore) ListResults(_ context.Context, jobID string) ([]crawler.Result, error) {
	s.mu.RLock()
	out := append([]crawler.Result(nil), s.byJob[jobID]...)
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b crawler.Result) int {
		if c := cmp.Compare(a.PageNumber, b.PageNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.ItemOrder, b.ItemOrder)
	})
	return out, nil
}
