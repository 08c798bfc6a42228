package mem

import (
	"context"
	"testing"
	"time"

	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/schema/memtree"
	"github.com/c360/yangstore/types"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	p := New()
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, "m"))

	tree := memtree.FromNodes(&schema.Node{XPath: "/m:a", Kind: schema.KindString, Value: "v1"})
	require.NoError(t, p.Store(ctx, "m", types.Running, tree))

	loaded, err := p.Load(ctx, "m", types.Running)
	require.NoError(t, err)
	n, ok := loaded.Get("/m:a")
	require.True(t, ok)
	require.Equal(t, "v1", n.Value)
}

func TestCopyAndCandidateReset(t *testing.T) {
	p := New()
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, "m"))
	tree := memtree.FromNodes(&schema.Node{XPath: "/m:a", Kind: schema.KindString, Value: "v1"})
	require.NoError(t, p.Store(ctx, "m", types.Running, tree))

	require.NoError(t, p.CandidateReset(ctx, "m"))
	cand, err := p.Load(ctx, "m", types.Candidate)
	require.NoError(t, err)
	n, ok := cand.Get("/m:a")
	require.True(t, ok)
	require.Equal(t, "v1", n.Value)

	require.NoError(t, p.Copy(ctx, "m", types.Running, types.Startup))
	startup, err := p.Load(ctx, "m", types.Startup)
	require.NoError(t, err)
	_, ok = startup.Get("/m:a")
	require.True(t, ok)
}

func TestNotifAppendAndReplay(t *testing.T) {
	p := New()
	ctx := context.Background()
	t0 := time.Now()
	require.NoError(t, p.NotifAppend(ctx, "m", t0, []byte("n1")))
	require.NoError(t, p.NotifAppend(ctx, "m", t0.Add(time.Second), []byte("n2")))

	it, err := p.NotifReplayIter(ctx, "m", t0.Add(500*time.Millisecond), time.Time{})
	require.NoError(t, err)
	defer it.Close()

	entry, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("n2"), entry.Payload)

	_, ok, err = it.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccessCheckDefaultAllow(t *testing.T) {
	p := New()
	ok, err := p.AccessCheck(context.Background(), "m", "alice", true)
	require.NoError(t, err)
	require.True(t, ok)

	p.GrantWrite("m", "bob", false)
	ok, err = p.AccessCheck(context.Background(), "m", "bob", true)
	require.NoError(t, err)
	require.False(t, ok)
}
