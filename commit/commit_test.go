package commit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/yangstore/diffengine"
	"github.com/c360/yangstore/dsplugin/mem"
	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/ipctest"
	"github.com/c360/yangstore/locktable"
	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/schema/memtree"
	"github.com/c360/yangstore/subscription"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *mem.Plugin, *locktable.Table) {
	t.Helper()
	url := ipctest.NewNATSURL(t)
	conn := ipc.New(url)
	connectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(connectCtx); err != nil {
		t.Skipf("could not connect to test NATS server at %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })

	tbl, err := locktable.Open(context.Background(), conn, time.Second, nil)
	require.NoError(t, err)

	plugin := mem.New()
	require.NoError(t, plugin.Init(context.Background(), "test-mod"))
	subs := subscription.New(nil)
	return New(tbl, subs, plugin, nil, 2*time.Second, nil, nil, nil), plugin, tbl
}

type fakeContext struct {
	nodes map[string]schema.SchemaNode
}

func newFakeContext(nodes ...schema.SchemaNode) *fakeContext {
	m := make(map[string]schema.SchemaNode, len(nodes))
	for _, n := range nodes {
		m[n.XPath] = n
	}
	return &fakeContext{nodes: m}
}

func (f *fakeContext) Generation() uint64 { return 1 }
func (f *fakeContext) LookupNode(xpath string) (schema.SchemaNode, bool) {
	n, ok := f.nodes[xpath]
	return n, ok
}
func (f *fakeContext) ModuleOf(xpath string) string { return "test-mod" }

func TestCommitStoresAndDeliversDone(t *testing.T) {
	o, plugin, _ := newTestOrchestrator(t)

	old := memtree.New()
	newTree := memtree.FromNodes(&schema.Node{XPath: "/m:leaf", Value: "v1"})

	var gotDone bool
	_, err := o.subs.Register(context.Background(), subscription.Subscription{
		Kind:   types.ModuleChange,
		Module: "test-mod",
		ChangeFn: func(ctx context.Context, ev types.Event) (*types.ChangeRecord, error) {
			if ev.Kind == types.EventDone {
				gotDone = true
			}
			return nil, nil
		},
	}, nil)
	require.NoError(t, err)

	changes, err := o.Commit(context.Background(), types.SessionID(1), []Edit{
		{Module: "test-mod", Kind: types.Running, Old: old, New: newTree},
	})
	require.NoError(t, err)
	require.Contains(t, changes, "test-mod")

	stored, err := plugin.Load(context.Background(), "test-mod", types.Running)
	require.NoError(t, err)
	n, ok := stored.Get("/m:leaf")
	require.True(t, ok)
	require.Equal(t, "v1", n.Value)

	time.Sleep(10 * time.Millisecond)
	require.True(t, gotDone)
}

func TestCommitVetoTriggersAbort(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	old := memtree.New()
	newTree := memtree.FromNodes(&schema.Node{XPath: "/m:leaf", Value: "v1"})

	// The higher-priority peer accepts change and so is owed an abort; the
	// vetoing subscriber never completed change and gets no abort.
	var aborted bool
	_, err := o.subs.Register(context.Background(), subscription.Subscription{
		Kind:     types.ModuleChange,
		Module:   "test-mod",
		Priority: 10,
		ChangeFn: func(ctx context.Context, ev types.Event) (*types.ChangeRecord, error) {
			if ev.Kind == types.EventAbort {
				aborted = true
			}
			return nil, nil
		},
	}, nil)
	require.NoError(t, err)
	_, err = o.subs.Register(context.Background(), subscription.Subscription{
		Kind:   types.ModuleChange,
		Module: "test-mod",
		ChangeFn: func(ctx context.Context, ev types.Event) (*types.ChangeRecord, error) {
			if ev.Kind == types.EventChange {
				return nil, yerrors.New(yerrors.CallbackFailed, "test", "veto", "reject")
			}
			return nil, nil
		},
	}, nil)
	require.NoError(t, err)

	_, err = o.Commit(context.Background(), types.SessionID(2), []Edit{
		{Module: "test-mod", Kind: types.Running, Old: old, New: newTree},
	})
	require.Error(t, err)
	require.True(t, aborted)
}

func TestCommitRejectsWhenDSLockedByAnotherSession(t *testing.T) {
	o, _, tbl := newTestOrchestrator(t)

	require.NoError(t, tbl.DSLock("test-mod", types.SessionID(99)))
	defer tbl.DSUnlock("test-mod", types.SessionID(99))

	old := memtree.New()
	newTree := memtree.FromNodes(&schema.Node{XPath: "/m:leaf", Value: "v1"})

	_, err := o.Commit(context.Background(), types.SessionID(1), []Edit{
		{Module: "test-mod", Kind: types.Running, Old: old, New: newTree},
	})
	require.Error(t, err)
	require.Equal(t, yerrors.Locked, yerrors.CodeOf(err))
}

func TestCommitUpdatePhaseAmendsDiff(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	old := memtree.New()
	newTree := memtree.FromNodes(&schema.Node{XPath: "/m:leaf", Value: "v1"})

	_, err := o.subs.Register(context.Background(), subscription.Subscription{
		Kind:   types.ModuleChange,
		Module: "test-mod",
		Flags:  types.FlagUpdate,
		ChangeFn: func(ctx context.Context, ev types.Event) (*types.ChangeRecord, error) {
			return &types.ChangeRecord{Entries: []types.ChangeEntry{
				{XPath: "/m:extra", Op: types.OpCreate, NewValue: "added-by-update"},
			}}, nil
		},
	}, nil)
	require.NoError(t, err)

	changes, err := o.Commit(context.Background(), types.SessionID(1), []Edit{
		{Module: "test-mod", Kind: types.Running, Old: old, New: newTree},
	})
	require.NoError(t, err)

	var sawExtra bool
	for _, e := range changes["test-mod"].Entries {
		if e.XPath == "/m:extra" {
			sawExtra = true
		}
	}
	require.True(t, sawExtra)
}

func TestCommitAbortsWhenMergedRecordFailsRevalidation(t *testing.T) {
	o, plugin, _ := newTestOrchestrator(t)

	// /m:top requires at least 2 child elements; newTree only ever has
	// one, so re-validating after the update phase must fail (no update
	// subscriber is registered here; the one below only watches change).
	sctx := newFakeContext(schema.SchemaNode{XPath: "/m:top", MinElements: 2})
	o.sctx = sctx
	o.validator = diffengine.NewValidator()

	old := memtree.New()
	newTree := memtree.FromNodes(&schema.Node{XPath: "/m:top/leaf", Value: "v1"})

	var sawChangePhase bool
	_, err := o.subs.Register(context.Background(), subscription.Subscription{
		Kind:   types.ModuleChange,
		Module: "test-mod",
		ChangeFn: func(ctx context.Context, ev types.Event) (*types.ChangeRecord, error) {
			if ev.Kind == types.EventChange {
				sawChangePhase = true
			}
			return nil, nil
		},
	}, nil)
	require.NoError(t, err)

	_, err = o.Commit(context.Background(), types.SessionID(1), []Edit{
		{Module: "test-mod", Kind: types.Running, Old: old, New: newTree},
	})
	require.Error(t, err)
	require.Equal(t, yerrors.ValidationFailed, yerrors.CodeOf(err))
	require.False(t, sawChangePhase, "a revalidation failure must abort before the change phase runs")

	stored, loadErr := plugin.Load(context.Background(), "test-mod", types.Running)
	require.NoError(t, loadErr)
	_, ok := stored.Get("/m:top/leaf")
	require.False(t, ok, "a revalidation failure must leave nothing stored")
}

// failAfterStore wraps a *mem.Plugin and fails Store for failModule,
// letting tests exercise a partial-store failure in a multi-module
// transaction.
type failAfterStore struct {
	*mem.Plugin
	failModule string
}

func (f *failAfterStore) Store(ctx context.Context, module string, kind types.DatastoreKind, tree schema.Tree) error {
	if module == f.failModule {
		return yerrors.New(yerrors.System, "test", "Store", "injected failure")
	}
	return f.Plugin.Store(ctx, module, kind, tree)
}

func TestCommitRollsBackEarlierStoresOnPartialFailure(t *testing.T) {
	o, plugin, _ := newTestOrchestrator(t)
	require.NoError(t, plugin.Init(context.Background(), "test-mod-2"))
	o.plugin = &failAfterStore{Plugin: plugin, failModule: "test-mod-2"}

	oldA := memtree.FromNodes(&schema.Node{XPath: "/m:leaf", Value: "before"})
	require.NoError(t, plugin.Store(context.Background(), "test-mod", types.Running, oldA))
	newA := memtree.FromNodes(&schema.Node{XPath: "/m:leaf", Value: "after"})

	oldB := memtree.New()
	newB := memtree.FromNodes(&schema.Node{XPath: "/m:leaf", Value: "v1"})

	_, err := o.Commit(context.Background(), types.SessionID(1), []Edit{
		{Module: "test-mod", Kind: types.Running, Old: oldA, New: newA},
		{Module: "test-mod-2", Kind: types.Running, Old: oldB, New: newB},
	})
	require.Error(t, err)

	stored, err := plugin.Load(context.Background(), "test-mod", types.Running)
	require.NoError(t, err)
	n, ok := stored.Get("/m:leaf")
	require.True(t, ok)
	require.Equal(t, "before", n.Value, "test-mod's successful store must be rolled back after test-mod-2 failed")
}

func TestCommitRejectsDuplicateModule(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	tree := memtree.New()
	_, err := o.Commit(context.Background(), types.SessionID(1), []Edit{
		{Module: "test-mod", Kind: types.Running, Old: tree, New: tree},
		{Module: "test-mod", Kind: types.Startup, Old: tree, New: tree},
	})
	require.Error(t, err)
}
