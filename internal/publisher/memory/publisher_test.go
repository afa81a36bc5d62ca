package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type note struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func TestPublishEncodesJSON(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	pub := New(zap.New(core), 0)

	id, err := pub.Publish(context.Background(), "crawl-jobs", note{JobID: "job-1", Status: "COMPLETED"})
	require.NoError(t, err)
	require.Equal(t, "local-1", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-jobs", msgs[0].Topic)
	require.JSONEq(t, `{"job_id":"job-1","status":"COMPLETED"}`, string(msgs[0].Data))

	var got note
	require.NoError(t, msgs[0].Decode(&got))
	require.Equal(t, "job-1", got.JobID)

	entries := logs.FilterMessage("notification published").All()
	require.Len(t, entries, 1)
	require.Equal(t, "local-1", entries[0].ContextMap()["message_id"])
}

func TestPublishKeepsRecentHistory(t *testing.T) {
	t.Parallel()

	pub := New(nil, 2)
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), "crawl-jobs", i)
		require.NoError(t, err)
	}

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "local-2", msgs[0].ID)
	require.Equal(t, "local-3", msgs[1].ID)

	msgs[0].Topic = "modified"
	require.Equal(t, "crawl-jobs", pub.Messages()[0].Topic)
}

func TestPublishRejects(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name    string
		ctx     context.Context
		topic   string
		payload any
	}{
		{name: "empty topic", ctx: context.Background(), payload: 1},
		{name: "unencodable payload", ctx: context.Background(), topic: "t", payload: make(chan int)},
		{name: "cancelled context", ctx: cancelled, topic: "t", payload: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pub := New(nil, 0)
			_, err := pub.Publish(tc.ctx, tc.topic, tc.payload)
			require.Error(t, err)
			require.Empty(t, pub.Messages())
		})
	}
}
