// Package diffengine implements the Edit/Diff Engine: the Set/Delete/
// Move/EditBatch tree operations, canonical diff computation against a
// schema.Tree, and a Validator layering gojsonschema's mandatory/type
// checks underneath hand-rolled leafref/unique/min-max-elements passes
// that have no JSON Schema equivalent.
package diffengine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/schema/memtree"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/value"
	"github.com/c360/yangstore/yerrors"
)

// SetOptions configures Set.
type SetOptions struct {
	NonRecursive bool // if set, missing parents are not synthesized
	Strict       bool // if set, the final node must not already exist
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	Strict bool // if set, the target must exist
}

// MoveRecord is a pending Move call's target position, surfaced on the
// matching ChangeEntry once the transaction that staged it is diffed.
type MoveRecord struct {
	Position types.MovePosition
	Anchor   string
}

// Editor applies Set/Delete/Move/EditBatch operations to a staged tree,
// grounded on spec.md §4.3.
type Editor struct {
	sctx  schema.Context
	moves map[string]MoveRecord
}

// New creates an Editor bound to a schema context.
func New(sctx schema.Context) *Editor {
	return &Editor{sctx: sctx}
}

// Set creates or replaces the node at path with value, synthesizing
// missing parents unless opts.NonRecursive is set.
func (e *Editor) Set(tree schema.Tree, path string, val any, opts SetOptions) (schema.Tree, error) {
	_, exists := tree.Get(path)
	if opts.Strict && exists {
		return nil, yerrors.New(yerrors.InvalidArgument, "diffengine", "Set", "strict: node already exists: "+path)
	}
	sn, ok := e.sctx.LookupNode(path)
	if !ok {
		return nil, yerrors.New(yerrors.BadElement, "diffengine", "Set", path)
	}

	overlay := memtree.New()
	overlay.Put(&schema.Node{XPath: path, Kind: kindOf(sn), Value: val})
	if !opts.NonRecursive {
		for _, parent := range ancestorPaths(path) {
			if _, ok := tree.Get(parent); ok {
				continue
			}
			if psn, ok := e.sctx.LookupNode(parent); ok {
				overlay.Put(&schema.Node{XPath: parent, Kind: kindOf(psn)})
			}
		}
	}
	return tree.Merge(context.Background(), overlay, "merge")
}

// Delete removes path; if opts.Strict, the target must exist. A
// keyless list path deletes every instance sharing that prefix.
func (e *Editor) Delete(tree schema.Tree, path string, opts DeleteOptions) (schema.Tree, error) {
	_, exists := tree.Get(path)
	if opts.Strict && !exists {
		return nil, yerrors.New(yerrors.InvalidArgument, "diffengine", "Delete", "strict: node does not exist: "+path)
	}
	overlay := memtree.New()
	overlay.Put(&schema.Node{XPath: path, Kind: schema.KindContainer})
	_ = tree.Walk(func(n *schema.Node) error {
		if strings.HasPrefix(n.XPath, path+"[") {
			overlay.Put(&schema.Node{XPath: n.XPath, Kind: n.Kind})
		}
		return nil
	})
	return tree.Merge(context.Background(), overlay, "delete")
}

// Move repositions a user-ordered list or leaf-list entry. Before/After
// require anchor; First/Last must leave it empty. The minimal memtree
// collaborator has no native sibling-order storage, so Move records the
// requested position in the Editor's order side-table; a real schema
// library backing schema.Tree would instead reorder Children directly.
func (e *Editor) Move(tree schema.Tree, path string, pos types.MovePosition, anchor string) (schema.Tree, error) {
	sn, ok := e.sctx.LookupNode(path)
	if !ok {
		return nil, yerrors.New(yerrors.BadElement, "diffengine", "Move", path)
	}
	if !sn.UserOrdered {
		return nil, yerrors.New(yerrors.InvalidArgument, "diffengine", "Move", "not a user-ordered node: "+path)
	}
	switch pos {
	case types.Before, types.After:
		if anchor == "" {
			return nil, yerrors.New(yerrors.InvalidArgument, "diffengine", "Move", "anchor required")
		}
	case types.First, types.Last:
		if anchor != "" {
			return nil, yerrors.New(yerrors.InvalidArgument, "diffengine", "Move", "anchor must be empty")
		}
	}
	if _, ok := tree.Get(path); !ok {
		return nil, yerrors.New(yerrors.InvalidArgument, "diffengine", "Move", "node does not exist: "+path)
	}
	e.recordMove(path, pos, anchor)
	return tree.Clone(), nil
}

// recordMove lets the diff stage attach Position/Anchor to the
// resulting ChangeEntry even though the underlying tree has no ordering
// of its own to compare.
func (e *Editor) recordMove(path string, pos types.MovePosition, anchor string) {
	if e.moves == nil {
		e.moves = make(map[string]MoveRecord)
	}
	e.moves[path] = MoveRecord{Position: pos, Anchor: anchor}
}

// TakeMoves returns every move recorded on this editor since the last
// call and clears them, scoping each Move call's effect to the single
// ApplyChanges that diffs it rather than leaking into a later
// transaction on the same session.
func (e *Editor) TakeMoves() map[string]MoveRecord {
	m := e.moves
	e.moves = nil
	return m
}

// EditBatch merges an edit-config-style subtree, where each node
// inherits its operation (create/merge/replace/delete/remove) from the
// nearest ancestor or defaultOp.
func (e *Editor) EditBatch(tree schema.Tree, edit schema.Tree, defaultOp string) (schema.Tree, error) {
	if defaultOp == "" {
		defaultOp = "merge"
	}
	merged, err := tree.Merge(context.Background(), edit, defaultOp)
	if err != nil {
		return nil, yerrors.Wrap(err, yerrors.InvalidArgument, "diffengine", "EditBatch", "")
	}
	return merged, nil
}

// Diff computes the canonical Δ between oldTree and newTree by walking
// both into flat value.Flat slices (cmp-friendly, since schema.Tree
// implementations may not be comparable by cmp.Equal directly) and
// pairing them by xpath.
func Diff(oldTree, newTree schema.Tree) (types.ChangeRecord, error) {
	return diffWithMoves(oldTree, newTree, nil)
}

// DiffWithEditor is Diff plus moves (typically an Editor's TakeMoves
// snapshot, filtered to the paths belonging to the module being
// diffed), surfaced as Position/Anchor on the matching ChangeEntry.
func DiffWithEditor(oldTree, newTree schema.Tree, moves map[string]MoveRecord) (types.ChangeRecord, error) {
	return diffWithMoves(oldTree, newTree, moves)
}

func diffWithMoves(oldTree, newTree schema.Tree, moves map[string]MoveRecord) (types.ChangeRecord, error) {
	oldFlat, err := value.FromTree(oldTree)
	if err != nil {
		return types.ChangeRecord{}, yerrors.Wrap(err, yerrors.Internal, "diffengine", "Diff", "flatten old")
	}
	newFlat, err := value.FromTree(newTree)
	if err != nil {
		return types.ChangeRecord{}, yerrors.Wrap(err, yerrors.Internal, "diffengine", "Diff", "flatten new")
	}

	oldByPath := make(map[string]value.Flat, len(oldFlat))
	for _, f := range oldFlat {
		oldByPath[f.XPath] = f
	}
	newByPath := make(map[string]value.Flat, len(newFlat))
	for _, f := range newFlat {
		newByPath[f.XPath] = f
	}

	paths := make(map[string]struct{}, len(oldFlat)+len(newFlat))
	for p := range oldByPath {
		paths[p] = struct{}{}
	}
	for p := range newByPath {
		paths[p] = struct{}{}
	}
	for p := range moves {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var creates, deletes, others []types.ChangeEntry
	for _, p := range sorted {
		oldV, hasOld := oldByPath[p]
		newV, hasNew := newByPath[p]
		if mv, ok := moves[p]; ok {
			others = append(others, types.ChangeEntry{Op: types.OpMove, XPath: p, Position: mv.Position, Anchor: mv.Anchor})
			continue
		}
		switch {
		case hasNew && !hasOld:
			creates = append(creates, types.ChangeEntry{Op: types.OpCreate, XPath: p, NewValue: newV.Data})
		case hasOld && !hasNew:
			deletes = append(deletes, types.ChangeEntry{Op: types.OpDelete, XPath: p, OldValue: oldV.Data})
		case !value.Equal(oldV, newV):
			others = append(others, types.ChangeEntry{Op: types.OpModify, XPath: p, OldValue: oldV.Data, NewValue: newV.Data})
		}
	}

	// types.ChangeRecord's documented ordering: creates ascending by
	// schema depth (so a parent is created before its children),
	// deletes descending (so a child is removed before its parent).
	// Modifies and moves carry no such ordering requirement; they sort
	// lexically for determinism and sit between the two.
	sort.SliceStable(creates, func(i, j int) bool {
		if di, dj := pathDepth(creates[i].XPath), pathDepth(creates[j].XPath); di != dj {
			return di < dj
		}
		return creates[i].XPath < creates[j].XPath
	})
	sort.SliceStable(deletes, func(i, j int) bool {
		if di, dj := pathDepth(deletes[i].XPath), pathDepth(deletes[j].XPath); di != dj {
			return di > dj
		}
		return deletes[i].XPath < deletes[j].XPath
	})
	sort.SliceStable(others, func(i, j int) bool { return others[i].XPath < others[j].XPath })

	var rec types.ChangeRecord
	rec.Entries = append(rec.Entries, creates...)
	rec.Entries = append(rec.Entries, others...)
	rec.Entries = append(rec.Entries, deletes...)
	return rec, nil
}

// pathDepth counts xpath's path separators, used to order creates
// ascending and deletes descending by nesting depth.
func pathDepth(xpath string) int {
	depth := 0
	for _, c := range xpath {
		if c == '/' {
			depth++
		}
	}
	return depth
}

// Equal reports whether two trees hold identical flat value sets,
// exercising go-cmp the way spec.md §4.3's "structural comparison"
// calls for, distinct from the per-xpath Diff above which also needs
// create/delete classification cmp.Equal alone can't give us.
func Equal(a, b schema.Tree) (bool, error) {
	fa, err := value.FromTree(a)
	if err != nil {
		return false, err
	}
	fb, err := value.FromTree(b)
	if err != nil {
		return false, err
	}
	sort.Slice(fa, func(i, j int) bool { return fa[i].XPath < fa[j].XPath })
	sort.Slice(fb, func(i, j int) bool { return fb[i].XPath < fb[j].XPath })
	return cmp.Equal(fa, fb, cmp.Comparer(func(x, y value.Flat) bool { return value.Equal(x, y) })), nil
}

func kindOf(sn schema.SchemaNode) schema.NodeKind {
	if sn.UserOrdered {
		return schema.KindList
	}
	return schema.KindString
}

func ancestorPaths(path string) []string {
	var out []string
	cur := path
	for {
		idx := lastSlash(cur)
		if idx <= 0 {
			break
		}
		cur = cur[:idx]
		out = append([]string{cur}, out...)
	}
	return out
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func parentPath(path string) string {
	idx := lastSlash(path)
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// Validator runs schema validation: a gojsonschema pass against the
// module's JSON-Schema projection for mandatory/type-like constraints,
// then hand-rolled unique/min-max-elements/leafref passes.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // module -> compiled schema
}

// NewValidator creates a Validator with no module schemas registered;
// RegisterSchema adds them.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*gojsonschema.Schema)}
}

// RegisterSchema compiles and registers the JSON Schema projection for
// module.
func (v *Validator) RegisterSchema(module string, schemaJSON []byte) error {
	loader := gojsonschema.NewBytesLoader(schemaJSON)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return yerrors.Wrap(err, yerrors.SchemaLibrary, "diffengine", "RegisterSchema", module)
	}
	v.schemas[module] = compiled
	return nil
}

// Validate runs every registered constraint against tree under sctx,
// returning every offending node rather than stopping at the first.
func (v *Validator) Validate(ctx context.Context, tree schema.Tree, sctx schema.Context, module string) *yerrors.Record {
	rec := yerrors.NewRecord(yerrors.ValidationFailed)

	for _, ve := range tree.Validate(ctx, sctx) {
		rec.Add(ve.Message, ve.XPath)
	}

	if compiled, ok := v.schemas[module]; ok {
		flat, err := value.FromTree(tree)
		if err == nil {
			doc := flatToDoc(flat)
			result, err := compiled.Validate(gojsonschema.NewGoLoader(doc))
			if err == nil && !result.Valid() {
				for _, e := range result.Errors() {
					rec.Add(e.Description(), e.Field())
				}
			}
		}
	}

	v.checkMinMaxAndUnique(tree, sctx, rec)
	v.checkLeafrefs(tree, sctx, rec)
	return rec
}

func (v *Validator) checkMinMaxAndUnique(tree schema.Tree, sctx schema.Context, rec *yerrors.Record) {
	counts := make(map[string]int)
	seen := make(map[string]map[string]string) // groupKey -> uniqueValueKey -> first xpath
	_ = tree.Walk(func(n *schema.Node) error {
		parent := parentPath(n.XPath)
		counts[parent]++
		sn, ok := sctx.LookupNode(n.XPath)
		if !ok {
			return nil
		}
		for _, group := range sn.UniqueGroups {
			key := fmt.Sprintf("%s|%v", parent, group)
			valKey := fmt.Sprintf("%v", n.Value)
			if seen[key] == nil {
				seen[key] = make(map[string]string)
			}
			if first, dup := seen[key][valKey]; dup && first != n.XPath {
				rec.Add("unique constraint violated", n.XPath)
			} else {
				seen[key][valKey] = n.XPath
			}
		}
		return nil
	})
	for parent, count := range counts {
		sn, ok := sctx.LookupNode(parent)
		if !ok {
			continue
		}
		if sn.MinElements > 0 && count < sn.MinElements {
			rec.Add("too few elements", parent)
		}
		if sn.MaxElements > 0 && count > sn.MaxElements {
			rec.Add("too many elements", parent)
		}
	}
}

func (v *Validator) checkLeafrefs(tree schema.Tree, sctx schema.Context, rec *yerrors.Record) {
	_ = tree.Walk(func(n *schema.Node) error {
		sn, ok := sctx.LookupNode(n.XPath)
		if !ok || sn.LeafrefTarget == "" {
			return nil
		}
		if _, ok := tree.Get(sn.LeafrefTarget); !ok {
			rec.Add("leafref target does not exist: "+sn.LeafrefTarget, n.XPath)
		}
		return nil
	})
}

func flatToDoc(flat []value.Flat) map[string]any {
	doc := make(map[string]any, len(flat))
	for _, f := range flat {
		doc[f.XPath] = f.Data
	}
	return doc
}
