package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jae-tech/digduck-crawler/internal/progress"
	"github.com/jae-tech/digduck-crawler/internal/store"
)

// TestStoreSinkPersistsPageEvents ensures page events become audit rows in one call.
func TestStoreSinkPersistsPageEvents(t *testing.T) {
	t.Parallel()

	repo := &fakePageLogRepo{}
	sink := NewStoreSink(repo, nil)
	jobID := uuid.NewString()
	now := time.Now()

	batch := []progress.Event{
		{JobID: jobID, Stage: progress.StageJobStart, TS: now},
		{
			JobID:      jobID,
			Stage:      progress.StagePageDone,
			Site:       "SMARTSTORE",
			PageNumber: 1,
			URL:        "https://smartstore.naver.com/a?page=1",
			StatusCode: 200,
			Items:      20,
			Duplicates: 1,
			Dur:        2 * time.Second,
			TS:         now.Add(time.Second),
		},
		{
			JobID:      jobID,
			Stage:      progress.StagePageFailed,
			Site:       "SMARTSTORE",
			PageNumber: 2,
			Note:       "navigation timeout",
			TS:         now.Add(2 * time.Second),
		},
		{JobID: jobID, Stage: progress.StageJobDone, TS: now.Add(3 * time.Second)},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1, repo.calls)
	require.Len(t, repo.logs, 2)
	require.Equal(t, store.PageOK, repo.logs[0].Outcome)
	require.Equal(t, 20, repo.logs[0].Items)
	require.Equal(t, 1, repo.logs[0].Duplicates)
	require.Equal(t, store.PageFailed, repo.logs[1].Outcome)
	require.Equal(t, "navigation timeout", repo.logs[1].Note)
}

// TestStoreSinkSkipsJobOnlyBatches avoids empty repository writes.
func TestStoreSinkSkipsJobOnlyBatches(t *testing.T) {
	t.Parallel()

	repo := &fakePageLogRepo{}
	sink := NewStoreSink(repo, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: uuid.NewString(), Stage: progress.StageJobStart, TS: time.Now()},
	}))
	require.Zero(t, repo.calls)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakePageLogRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: uuid.NewString(), Stage: progress.StagePageDone, Site: "NAVER_BLOG", PageNumber: 1, TS: time.Now()},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "append page logs")
}

type fakePageLogRepo struct {
	fail  bool
	calls int
	logs  []store.PageLog
}

func (f *fakePageLogRepo) AppendPageLogs(_ context.Context, logs []store.PageLog) error {
	if f.fail {
		return assertErr("append")
	}
	f.calls++
	f.logs = append(f.logs, logs...)
	return nil
}

func (f *fakePageLogRepo) ListPageLogs(context.Context, string, int, int) ([]store.PageLog, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
