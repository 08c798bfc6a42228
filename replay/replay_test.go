package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/ipctest"
	"github.com/c360/yangstore/types"
)

func openTestLog(t *testing.T) (*Log, func()) {
	t.Helper()
	url := ipctest.NewNATSURL(t)
	conn := ipc.New(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("could not connect to test NATS server at %s: %v", url, err)
	}
	return New(conn, nil), func() { conn.Close(context.Background()) }
}

func TestReplayDeliversHistoryThenComplete(t *testing.T) {
	log, closeFn := openTestLog(t)
	defer closeFn()
	module := "replay-test-a"
	ctx := context.Background()

	require.NoError(t, log.EnsureStream(ctx, module))
	require.NoError(t, log.Append(ctx, module, types.ReplayEntry{Timestamp: time.Now(), XPath: "/m:a", Payload: []byte("1")}))
	require.NoError(t, log.Append(ctx, module, types.ReplayEntry{Timestamp: time.Now(), XPath: "/m:b", Payload: []byte("2")}))

	stop := time.Now().Add(-time.Millisecond)
	events, err := log.Replay(ctx, module, time.Time{}, stop)
	require.NoError(t, err)

	var kinds []types.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.GreaterOrEqual(t, len(kinds), 3)
	require.Equal(t, types.EventReplay, kinds[0])
	require.Contains(t, kinds, types.EventReplayComplete)
	require.Equal(t, types.EventStop, kinds[len(kinds)-1])
}

func TestReplayWithNoHistoryStillCompletesAndGoesRealtime(t *testing.T) {
	log, closeFn := openTestLog(t)
	defer closeFn()
	module := "replay-test-b"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, log.EnsureStream(ctx, module))

	events, err := log.Replay(ctx, module, time.Time{}, time.Time{})
	require.NoError(t, err)

	select {
	case ev, ok := <-events:
		require.True(t, ok)
		require.Equal(t, types.EventReplayComplete, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive replay_complete")
	}

	select {
	case ev, ok := <-events:
		require.True(t, ok)
		require.Equal(t, types.EventRealtime, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive realtime transition")
	}

	cancel()
	_, ok := <-events
	require.False(t, ok)
}
