package diffengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/schema/memtree"
	"github.com/c360/yangstore/types"
)

type fakeContext struct {
	gen   uint64
	nodes map[string]schema.SchemaNode
}

func newFakeContext(nodes ...schema.SchemaNode) *fakeContext {
	m := make(map[string]schema.SchemaNode, len(nodes))
	for _, n := range nodes {
		m[n.XPath] = n
	}
	return &fakeContext{gen: 1, nodes: m}
}

func (f *fakeContext) Generation() uint64 { return f.gen }
func (f *fakeContext) LookupNode(xpath string) (schema.SchemaNode, bool) {
	n, ok := f.nodes[xpath]
	return n, ok
}
func (f *fakeContext) ModuleOf(xpath string) string { return "test-mod" }

func TestSetSynthesizesParents(t *testing.T) {
	sctx := newFakeContext(
		schema.SchemaNode{XPath: "/m:top"},
		schema.SchemaNode{XPath: "/m:top/leaf"},
	)
	e := New(sctx)
	tree := memtree.New()

	out, err := e.Set(tree, "/m:top/leaf", "v1", SetOptions{})
	require.NoError(t, err)

	n, ok := out.Get("/m:top/leaf")
	require.True(t, ok)
	require.Equal(t, "v1", n.Value)
	_, ok = out.Get("/m:top")
	require.True(t, ok)
}

func TestSetStrictRejectsExisting(t *testing.T) {
	sctx := newFakeContext(schema.SchemaNode{XPath: "/m:leaf"})
	e := New(sctx)
	tree := memtree.FromNodes(&schema.Node{XPath: "/m:leaf", Value: "old"})

	_, err := e.Set(tree, "/m:leaf", "new", SetOptions{Strict: true})
	require.Error(t, err)
}

func TestDeleteStrictRequiresExisting(t *testing.T) {
	sctx := newFakeContext()
	e := New(sctx)
	tree := memtree.New()

	_, err := e.Delete(tree, "/m:missing", DeleteOptions{Strict: true})
	require.Error(t, err)
}

func TestMoveRequiresUserOrderedAndAnchor(t *testing.T) {
	sctx := newFakeContext(
		schema.SchemaNode{XPath: "/m:list[k='a']", UserOrdered: true},
		schema.SchemaNode{XPath: "/m:plain"},
	)
	e := New(sctx)
	tree := memtree.FromNodes(&schema.Node{XPath: "/m:list[k='a']", Value: "a"})

	_, err := e.Move(tree, "/m:plain", types.First, "")
	require.Error(t, err)

	_, err = e.Move(tree, "/m:list[k='a']", types.Before, "")
	require.Error(t, err)

	_, err = e.Move(tree, "/m:list[k='a']", types.First, "")
	require.NoError(t, err)
}

func TestDiffClassifiesCreateDeleteAndSkipsUnchanged(t *testing.T) {
	old := memtree.FromNodes(
		&schema.Node{XPath: "/m:a", Value: "1"},
		&schema.Node{XPath: "/m:b", Value: "2"},
	)
	newTree := memtree.FromNodes(
		&schema.Node{XPath: "/m:a", Value: "1"},
		&schema.Node{XPath: "/m:c", Value: "3"},
	)

	rec, err := Diff(old, newTree)
	require.NoError(t, err)

	ops := make(map[string]types.EditOp)
	for _, e := range rec.Entries {
		ops[e.XPath] = e.Op
	}
	require.Equal(t, types.OpDelete, ops["/m:b"])
	require.Equal(t, types.OpCreate, ops["/m:c"])
	_, stillPresent := ops["/m:a"]
	require.False(t, stillPresent)
}

func TestDiffClassifiesModify(t *testing.T) {
	old := memtree.FromNodes(&schema.Node{XPath: "/m:a", Value: "1"})
	newTree := memtree.FromNodes(&schema.Node{XPath: "/m:a", Value: "2"})

	rec, err := Diff(old, newTree)
	require.NoError(t, err)
	require.Len(t, rec.Entries, 1)
	require.Equal(t, types.OpModify, rec.Entries[0].Op)
}

func TestDiffOrdersCreatesAscendingAndDeletesDescendingByDepth(t *testing.T) {
	old := memtree.FromNodes(
		&schema.Node{XPath: "/m:gone", Value: "1"},
		&schema.Node{XPath: "/m:gone/child", Value: "2"},
	)
	newTree := memtree.FromNodes(
		&schema.Node{XPath: "/m:top", Value: "1"},
		&schema.Node{XPath: "/m:top/leaf", Value: "2"},
	)

	rec, err := Diff(old, newTree)
	require.NoError(t, err)

	var createOrder, deleteOrder []string
	for _, e := range rec.Entries {
		switch e.Op {
		case types.OpCreate:
			createOrder = append(createOrder, e.XPath)
		case types.OpDelete:
			deleteOrder = append(deleteOrder, e.XPath)
		}
	}
	require.Equal(t, []string{"/m:top", "/m:top/leaf"}, createOrder, "parent must be created before its child")
	require.Equal(t, []string{"/m:gone/child", "/m:gone"}, deleteOrder, "child must be deleted before its parent")
}

func TestEditorMoveSurfacesAsOpMoveViaDiffWithEditor(t *testing.T) {
	sctx := newFakeContext(schema.SchemaNode{XPath: "/m:list[k='a']", UserOrdered: true})
	e := New(sctx)
	tree := memtree.FromNodes(&schema.Node{XPath: "/m:list[k='a']", Value: "a"})

	moved, err := e.Move(tree, "/m:list[k='a']", types.First, "")
	require.NoError(t, err)

	moves := e.TakeMoves()
	require.Contains(t, moves, "/m:list[k='a']")

	rec, err := DiffWithEditor(tree, moved, moves)
	require.NoError(t, err)

	var found bool
	for _, entry := range rec.Entries {
		if entry.XPath == "/m:list[k='a']" {
			require.Equal(t, types.OpMove, entry.Op)
			require.Equal(t, types.First, entry.Position)
			found = true
		}
	}
	require.True(t, found)

	// TakeMoves clears the editor's pending set so a later diff doesn't
	// replay a stale move.
	require.Empty(t, e.TakeMoves())
}

func TestValidatorMinElementsAndLeafref(t *testing.T) {
	sctx := newFakeContext(
		schema.SchemaNode{XPath: "/m:list[k='a']", LeafrefTarget: "/m:missing-target"},
		schema.SchemaNode{XPath: "/m:top", MinElements: 2},
	)
	tree := memtree.FromNodes(
		&schema.Node{XPath: "/m:list[k='a']", Value: "a"},
		&schema.Node{XPath: "/m:top/leaf", Value: "x"},
	)

	v := NewValidator()
	rec := v.Validate(context.Background(), tree, sctx, "test-mod")
	require.False(t, rec.Empty())

	var sawLeafref, sawMinElements bool
	for _, e := range rec.Entries {
		if e.XPath == "/m:list[k='a']" {
			sawLeafref = true
		}
		if e.XPath == "/m:top" {
			sawMinElements = true
		}
	}
	require.True(t, sawLeafref)
	require.True(t, sawMinElements)
}
