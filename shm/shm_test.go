package shm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/ipctest"
	"github.com/c360/yangstore/types"
)

// openTestRegion starts an ephemeral NATS container via ipctest and opens
// a Region against it.
func openTestRegion(t *testing.T) (*Region, func()) {
	t.Helper()
	url := ipctest.NewNATSURL(t)
	conn := ipc.New(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("could not connect to test NATS server at %s: %v", url, err)
	}
	r, err := Open(context.Background(), conn)
	require.NoError(t, err)
	return r, func() { conn.Close(context.Background()) }
}

func TestGenerationBump(t *testing.T) {
	r, closeFn := openTestRegion(t)
	defer closeFn()
	ctx := context.Background()

	start, err := r.Generation(ctx)
	require.NoError(t, err)

	r.Install(types.Module{Name: "test-mod", Revision: "2024-01-01"})
	require.Equal(t, 1, r.PendingCount())

	next, err := r.MaterializeGeneration(ctx)
	require.NoError(t, err)
	require.Equal(t, start+1, next)
	require.Equal(t, 0, r.PendingCount())

	m, err := r.Module(ctx, "test-mod")
	require.NoError(t, err)
	require.Equal(t, "2024-01-01", m.Revision)
}

func TestMaterializeRefusesWhilePinned(t *testing.T) {
	r, closeFn := openTestRegion(t)
	defer closeFn()
	ctx := context.Background()

	unpin := r.Pin()
	defer unpin()

	r.Install(types.Module{Name: "pinned-mod"})
	_, err := r.MaterializeGeneration(ctx)
	require.Error(t, err)
}

func TestFeatureToggleAndExtBlob(t *testing.T) {
	r, closeFn := openTestRegion(t)
	defer closeFn()
	ctx := context.Background()

	r.Install(types.Module{Name: "feat-mod"})
	_, err := r.MaterializeGeneration(ctx)
	require.NoError(t, err)

	r.SetFeature("feat-mod", "turbo", true)
	_, err = r.MaterializeGeneration(ctx)
	require.NoError(t, err)

	m, err := r.Module(ctx, "feat-mod")
	require.NoError(t, err)
	require.True(t, m.Features["turbo"])

	require.NoError(t, r.PutExt(ctx, "roster.feat-mod", []byte(`{"subs":[]}`)))
	blob, err := r.GetExt(ctx, "roster.feat-mod")
	require.NoError(t, err)
	require.Equal(t, `{"subs":[]}`, string(blob))
}
