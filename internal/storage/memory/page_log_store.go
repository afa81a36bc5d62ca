package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/jae-tech/digduck-crawler/internal/store"
)

// PageLogStore keeps page audit rows in memory.
type PageLogStore struct {
	mu   sync.RWMutex
	logs map[string]map[int]store.PageLog
}

var _ store.PageLogRepository = (*PageLogStore)(nil)

// NewPageLogStore constructs a PageLogStore.
func NewPageLogStore() *PageLogStore {
	return &PageLogStore{logs: make(map[string]map[int]store.PageLog)}
}

// AppendPageLogs stores rows keyed by (job, page).
func (s *PageLogStore) AppendPageLogs(_ context.Context, logs []store.PageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		pages := s.logs[l.JobID]
		if pages == nil {
			pages = make(map[int]store.PageLog)
			s.logs[l.JobID] = pages
		}
		pages[l.PageNumber] = l
	}
	return nil
}

// ListPageLogs returns a job's rows ordered by page number.
func (s *PageLogStore) ListPageLogs(_ context.Context, jobID string, limit, offset int) ([]store.PageLog, error) {
	s.mu.RLock()
	out := make([]store.PageLog, 0, len(s.logs[jobID]))
	for _, l := range s.logs[jobID] {
		out = append(out, l)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b store.PageLog) int { return cmp.Compare(a.PageNumber, b.PageNumber) })

	offset = max(offset, 0)
	if offset >= len(out) {
		return []store.PageLog{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
