package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	jobID := uuid.NewString()
	hub.Emit(pageEvent(jobID, 1))
	hub.Emit(pageEvent(jobID, 2))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnJobEnd(t *testing.T) {
	t.Parallel()

	cases := []Stage{StageJobDone, StageJobError, StageJobCancelled}
	for _, stage := range cases {
		t.Run(string(stage), func(t *testing.T) {
			t.Parallel()

			sink := newStubSink()
			hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
			defer func() {
				require.NoError(t, hub.Close(context.Background()))
			}()

			jobID := uuid.NewString()
			hub.Emit(pageEvent(jobID, 1))
			hub.Emit(pageEvent(jobID, 2))
			end := sampleEvent(stage)
			end.JobID = jobID
			hub.Emit(end)

			require.Eventually(t, func() bool {
				b := sink.Batches()
				return len(b) == 1 && len(b[0]) == 3
			}, time.Second, 5*time.Millisecond)
			require.Equal(t, stage, sink.Batches()[0][2].Stage)
		})
	}
}

func TestHubDropsPageEventsWhenFull(t *testing.T) {
	t.Parallel()

	sink := newBlockingSink()
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1, TerminalWait: 20 * time.Millisecond}, sink)

	jobID := uuid.NewString()
	hub.Emit(pageEvent(jobID, 1))
	<-sink.entered
	hub.Emit(pageEvent(jobID, 2))

	hub.Emit(pageEvent(jobID, 3))
	require.EqualValues(t, 1, hub.Dropped())

	end := sampleEvent(StageJobDone)
	end.JobID = jobID
	start := time.Now()
	hub.Emit(end)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.EqualValues(t, 2, hub.Dropped())

	close(sink.release)
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, []int{1, 2}, sink.Pages())
}

func TestHubSinksReceiveOwnCopy(t *testing.T) {
	t.Parallel()

	mutating := sinkFunc(func(_ context.Context, batch []Event) error {
		batch[0].Items = 99
		return nil
	})
	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, nil, mutating, sink)

	evt := pageEvent(uuid.NewString(), 1)
	evt.Items = 3
	hub.Emit(evt)
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, 3, batches[0][0].Items)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(StageJobStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	bad := sampleEvent(StagePageDone)
	bad.PageNumber = 0
	hub.Emit(bad)
	hub.Emit(Event{Stage: StageJobStart, TS: time.Now()})
	hub.Emit(sampleEvent(StagePageDone))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, StagePageDone, batches[0][0].Stage)
	require.Zero(t, hub.Dropped())
}

func TestHubEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(StageJobStart))
	require.Empty(t, sink.Batches())

	var nilHub *Hub
	nilHub.Emit(sampleEvent(StageJobStart))
	require.NoError(t, nilHub.Close(context.Background()))
	require.Zero(t, nilHub.Dropped())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		mutate func(*Event)
		ok     bool
	}{
		"page done":       {mutate: func(*Event) {}, ok: true},
		"missing job":     {mutate: func(e *Event) { e.JobID = "" }},
		"missing ts":      {mutate: func(e *Event) { e.TS = time.Time{} }},
		"missing site":    {mutate: func(e *Event) { e.Site = "" }},
		"unknown stage":   {mutate: func(e *Event) { e.Stage = "FETCH" }},
		"negative dur":    {mutate: func(e *Event) { e.Dur = -time.Second }},
		"negative counts": {mutate: func(e *Event) { e.Failed = -1 }},
	}
	for name, tc := range cases {
		evt := sampleEvent(StagePageDone)
		tc.mutate(&evt)
		err := evt.Validate()
		if tc.ok {
			require.NoError(t, err, name)
		} else {
			require.Error(t, err, name)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status3xx, ClassifyStatus(302))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// blockingSink holds the first batch until release is closed.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	pages []int
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingSink) Consume(_ context.Context, batch []Event) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.pages = append(s.pages, evt.PageNumber)
	}
	return nil
}

func (s *blockingSink) Close(context.Context) error { return nil }

func (s *blockingSink) Pages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pages...)
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		JobID: uuid.NewString(),
		TS:    time.Now(),
		Stage: stage,
		Site:  "SMARTSTORE",
	}
	if stage == StagePageDone || stage == StagePageFailed {
		evt.PageNumber = 1
		evt.StatusCode = 200
	}
	return evt
}

func pageEvent(jobID string, page int) Event {
	evt := sampleEvent(StagePageDone)
	evt.JobID = jobID
	evt.PageNumber = page
	return evt
}
