package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   JobStatus
		terminal bool
		active   bool
	}{
		{JobStatusPending, false, true},
		{JobStatusRunning, false, true},
		{JobStatusCompleted, true, false},
		{JobStatusFailed, true, false},
		{JobStatusCancelled, true, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.terminal, tt.status.Terminal(), tt.status)
		require.Equal(t, tt.active, tt.status.Active(), tt.status)
		require.True(t, tt.status.Valid(), tt.status)
	}
	require.False(t, JobStatus("PAUSED").Valid())
	require.False(t, JobType("CRAWL").Valid())
}

func TestJobFilterPaging(t *testing.T) {
	t.Parallel()

	f := JobFilter{}.Normalize()
	require.Equal(t, 1, f.Page)
	require.Equal(t, DefaultListLimit, f.Limit)
	require.Zero(t, f.Offset())

	f = JobFilter{Page: 3, Limit: 500}.Normalize()
	require.Equal(t, MaxListLimit, f.Limit)
	require.Equal(t, 200, f.Offset())

	page := NewJobPage(nil, 41, JobFilter{Page: 2, Limit: 20})
	require.NotNil(t, page.Jobs)
	require.Equal(t, 3, page.TotalPages)
	require.Equal(t, 2, page.Page)

	require.Zero(t, NewJobPage(nil, 0, JobFilter{Page: 1, Limit: 20}).TotalPages)
}

func TestStatisticsCount(t *testing.T) {
	t.Parallel()

	var s Statistics
	s.Count(JobStatusCompleted, 40)
	s.CountN(JobStatusFailed, 2, 5)
	s.Count(JobStatusRunning, 3)
	s.CountN(JobStatusCancelled, 1, 0)
	s.Count(JobStatusPending, 0)

	require.Equal(t, Statistics{
		Total:               6,
		Pending:             1,
		Running:             1,
		Completed:           1,
		Failed:              2,
		Cancelled:           1,
		TotalItemsProcessed: 48,
	}, s)
}
