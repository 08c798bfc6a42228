package subshm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/ipctest"
	"github.com/c360/yangstore/types"
)

func TestRingBlocksUntilSpace(t *testing.T) {
	r := NewRing[int](2)
	ctx := context.Background()

	require.NoError(t, r.Push(ctx, 1))
	require.NoError(t, r.Push(ctx, 2))

	pushed := make(chan struct{})
	go func() {
		require.NoError(t, r.Push(ctx, 3))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push should have blocked while ring was full")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok := r.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, 1, v)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push did not unblock after Pop freed space")
	}
}

func TestRingCloseWakesWaiters(t *testing.T) {
	r := NewRing[int](1)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		_, ok := r.Pop(ctx)
		require.False(t, ok)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	r.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Close")
	}
}

func openTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	url := ipctest.NewNATSURL(t)
	conn := ipc.New(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("could not connect to test NATS server at %s: %v", url, err)
	}
	return NewManager(conn, 16, nil), func() { conn.Close(context.Background()) }
}

func TestAckBitmapFillsAndWakesWaiter(t *testing.T) {
	mgr, closeFn := openTestManager(t)
	defer closeFn()
	ctx := context.Background()

	key := Key{Module: "test-mod", Kind: types.ModuleChange}
	require.NoError(t, mgr.EnsureStream(ctx, key))

	ev := types.Event{ID: uuid.New(), Kind: types.EventChange, Module: "test-mod"}
	require.NoError(t, mgr.Post(ctx, key, ev, 2))

	waitDone := make(chan []uint64)
	go func() {
		unacked, err := mgr.Wait(ctx, ev.ID.String(), []uint64{1, 2}, 2*time.Second)
		require.NoError(t, err)
		waitDone <- unacked
	}()

	mgr.Ack(ev.ID.String(), 1)
	mgr.Ack(ev.ID.String(), 2)

	select {
	case unacked := <-waitDone:
		require.Empty(t, unacked)
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after both acks")
	}
}

func TestAckBitmapTimeoutReportsUnacked(t *testing.T) {
	mgr, closeFn := openTestManager(t)
	defer closeFn()
	ctx := context.Background()

	key := Key{Module: "test-mod2", Kind: types.ModuleChange}
	ev := types.Event{ID: uuid.New(), Kind: types.EventChange, Module: "test-mod2"}
	require.NoError(t, mgr.Post(ctx, key, ev, 2))

	mgr.Ack(ev.ID.String(), 1)

	unacked, err := mgr.Wait(ctx, ev.ID.String(), []uint64{1, 2}, 200*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, []uint64{2}, unacked)
}
