package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/loykin/dspyvisor/internal/history"
)

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}

func TestNew_BadScheme(t *testing.T) {
	_, err := New("http://localhost:6379")
	require.Error(t, err)
}

func TestRedisSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	c, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	uri, err := c.ConnectionString(ctx)
	require.NoError(t, err)

	sink, err := New(uri + "?stream=test:history")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	require.Equal(t, "test:history", sink.Stream())

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, typ := range []history.EventType{history.EventSpawned, history.EventCrashed} {
		require.NoError(t, sink.Send(ctx, history.Event{
			Type:       typ,
			OccurredAt: now,
			Record:     history.Record{Name: "dspy", RunID: "r1", PID: 7, State: "running"},
		}))
	}

	got, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, history.EventSpawned, got[0].Type)
	require.Equal(t, history.EventCrashed, got[1].Type)
	require.Equal(t, "r1", got[1].Record.RunID)
}
