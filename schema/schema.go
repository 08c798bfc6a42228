// Package schema declares the external schema-tree collaborator the core
// consumes but does not implement: parsing YANG, validating instance data
// against a schema, and producing a canonical diff between two trees.
// Concrete implementations live outside this module; the core only needs
// the interface below plus a schema-node lookup by path.
package schema

import "context"

// NodeKind enumerates the flat-value kinds the value package round-trips
// losslessly against a Tree, per the public value-marshaling contract.
type NodeKind int

const (
	KindList NodeKind = iota
	KindContainer
	KindPresenceContainer
	KindEmptyLeaf
	KindNotification
	KindBinary
	KindBits
	KindBool
	KindDecimal64
	KindEnum
	KindIdentityref
	KindInstanceID
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindString
	KindAnyXML
	KindAnyData
)

// Node is a single addressable node in a Tree.
type Node struct {
	XPath        string
	Kind         NodeKind
	Value        any
	Default      bool
	UserOrdered  bool
	Keyless      bool
	Children     []*Node
}

// SchemaNode describes a node's schema-time properties, independent of any
// instance data — used by the edit engine and validator to decide whether
// a path is a leaf-list, a user-ordered list, mandatory, etc.
type SchemaNode struct {
	XPath         string
	Module        string
	UserOrdered   bool
	Keyless       bool
	Mandatory     bool
	MinElements   int
	MaxElements   int // 0 means unbounded
	LeafrefTarget string
	UniqueGroups  [][]string
}

// Context is the schema context a Connection shares across its sessions;
// it is immutable per generation (per spec.md §5) and is replaced wholesale
// when the generation advances.
type Context interface {
	// Generation is the MAIN-SHM generation this context was built for.
	Generation() uint64
	// LookupNode returns the schema-time node description for xpath.
	LookupNode(xpath string) (SchemaNode, bool)
	// ModuleOf returns the owning module name for xpath, or "" if unknown.
	ModuleOf(xpath string) string
}

// Tree is the instance-data part of the external schema-tree
// collaborator (merge, validate, walk); parse is on Parser, schema-node
// lookup on Context, and diff lives in package diffengine.
type Tree interface {
	// Walk visits every node in depth-first order.
	Walk(func(*Node) error) error
	// Get returns the node at xpath, if present.
	Get(xpath string) (*Node, bool)
	// Clone returns a deep, independent copy — trees are value types
	// within a transaction per the design notes.
	Clone() Tree
	// Merge applies other on top of the receiver following the given
	// default operation for nodes that carry none, returning the merged
	// result (the receiver is not mutated).
	Merge(ctx context.Context, other Tree, defaultOp string) (Tree, error)
	// Validate checks the tree against sctx, returning every offending
	// xpath rather than stopping at the first.
	Validate(ctx context.Context, sctx Context) []ValidationError
}

// ValidationError is one offending node discovered during Validate.
type ValidationError struct {
	XPath   string
	Message string
}

// Parser parses serialized instance data into a Tree under a schema
// Context — the "parse" operation of the {parse, merge, diff, validate,
// free, walk} ABI. Free is implicit in Go (GC); there is no explicit
// Free operation in this binding.
type Parser interface {
	Parse(ctx context.Context, sctx Context, data []byte, format string) (Tree, error)
	Serialize(ctx context.Context, t Tree, format string) ([]byte, error)
}
