// Package memtree is a minimal, in-memory schema.Tree implementation used
// by tests and the in-memory reference datastore plugin. It keeps instance
// data as a flat map keyed by xpath, mirroring the flat-JSON-payload idiom
// the rest of the corpus uses for lightweight structured data (c.f. the
// teacher's generic-JSON message payload) rather than a real nested YANG
// tree — full YANG parsing/validation is an external collaborator per
// spec.md §1.
package memtree

import (
	"context"
	"sort"

	"github.com/c360/yangstore/schema"
)

// Tree is a flat, sorted-by-xpath instance-data tree.
type Tree struct {
	nodes map[string]*schema.Node
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{nodes: make(map[string]*schema.Node)}
}

// FromNodes builds a tree from a set of nodes, keyed by their xpath.
func FromNodes(nodes ...*schema.Node) *Tree {
	t := New()
	for _, n := range nodes {
		t.nodes[n.XPath] = n
	}
	return t
}

// Put inserts or replaces the node at n.XPath.
func (t *Tree) Put(n *schema.Node) { t.nodes[n.XPath] = n }

// Delete removes the node at xpath, if present.
func (t *Tree) Delete(xpath string) { delete(t.nodes, xpath) }

// Get returns the node at xpath.
func (t *Tree) Get(xpath string) (*schema.Node, bool) {
	n, ok := t.nodes[xpath]
	return n, ok
}

// Walk visits every node in xpath-sorted order.
func (t *Tree) Walk(fn func(*schema.Node) error) error {
	keys := make([]string, 0, len(t.nodes))
	for k := range t.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(t.nodes[k]); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep, independent copy.
func (t *Tree) Clone() schema.Tree {
	out := New()
	for k, v := range t.nodes {
		cp := *v
		out.nodes[k] = &cp
	}
	return out
}

// Merge overlays other's nodes onto a copy of the receiver. defaultOp is
// accepted for interface conformance with edit-config-style callers but a
// flat tree has no ancestor/descendant relationship to inherit through, so
// "merge" and "replace" both overwrite matching xpaths and "delete"/
// "remove" remove them; "create" fails if the xpath already exists.
func (t *Tree) Merge(_ context.Context, other schema.Tree, defaultOp string) (schema.Tree, error) {
	out := t.Clone().(*Tree)
	ot, ok := other.(*Tree)
	if !ok {
		return nil, schemaErr("merge: other tree is not a memtree.Tree")
	}
	for k, v := range ot.nodes {
		switch defaultOp {
		case "delete", "remove":
			delete(out.nodes, k)
		case "create":
			if _, exists := out.nodes[k]; exists {
				return nil, schemaErr("merge: node already exists: " + k)
			}
			out.nodes[k] = v
		default: // "merge", "replace", or unset
			out.nodes[k] = v
		}
	}
	return out, nil
}

// Validate runs no schema checks by itself — memtree has no schema-time
// metadata of its own; callers pair it with a schema.Context and run
// diffengine.Validator for real constraint checking. Validate exists to
// satisfy schema.Tree and always returns no errors.
func (t *Tree) Validate(_ context.Context, _ schema.Context) []schema.ValidationError {
	return nil
}

type treeError string

func (e treeError) Error() string { return string(e) }

func schemaErr(msg string) error { return treeError(msg) }
