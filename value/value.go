// Package value implements the flat value representation clients see at
// the wire boundary, and lossless round-trip marshaling between it and
// the schema.Tree type. Wire encoding of values into bytes is explicitly
// out of scope (spec.md §1); this package only covers the flat struct and
// the Tree<->Flat conversion utility.
package value

import (
	"fmt"

	"github.com/c360/yangstore/schema"
)

// Flat is the public flat-value type: one node, addressed by xpath, typed
// by Kind, carrying a default-flag and an arbitrary data payload.
type Flat struct {
	XPath   string
	Kind    schema.NodeKind
	Default bool
	Data    any
}

// FromNode converts a single schema.Node into its flat representation.
// Round trip with ToNode is lossless for every NodeKind.
func FromNode(n *schema.Node) Flat {
	return Flat{
		XPath:   n.XPath,
		Kind:    n.Kind,
		Default: n.Default,
		Data:    n.Value,
	}
}

// ToNode converts a flat value back into a schema.Node. Children are not
// populated — ToNode reconstructs exactly the leaf/value-bearing node that
// FromNode produced, which is the unit the round-trip property in spec.md
// §8 is stated over.
func ToNode(f Flat) *schema.Node {
	return &schema.Node{
		XPath:   f.XPath,
		Kind:    f.Kind,
		Value:   f.Data,
		Default: f.Default,
	}
}

// FromTree flattens every node of t into a slice of Flat values in walk
// order.
func FromTree(t schema.Tree) ([]Flat, error) {
	var out []Flat
	err := t.Walk(func(n *schema.Node) error {
		out = append(out, FromNode(n))
		return nil
	})
	return out, err
}

// Equal reports whether two flat values carry the same xpath, kind,
// default flag, and data payload, used by the round-trip property tests.
func Equal(a, b Flat) bool {
	if a.XPath != b.XPath || a.Kind != b.Kind || a.Default != b.Default {
		return false
	}
	return fmt.Sprint(a.Data) == fmt.Sprint(b.Data)
}

// TypeName returns the lowercase wire name for a NodeKind, matching the
// names enumerated in spec.md §6.
func TypeName(k schema.NodeKind) string {
	names := map[schema.NodeKind]string{
		schema.KindList:              "list",
		schema.KindContainer:         "container",
		schema.KindPresenceContainer: "presence-container",
		schema.KindEmptyLeaf:         "empty-leaf",
		schema.KindNotification:      "notification",
		schema.KindBinary:            "binary",
		schema.KindBits:              "bits",
		schema.KindBool:              "bool",
		schema.KindDecimal64:         "decimal64",
		schema.KindEnum:              "enum",
		schema.KindIdentityref:       "identityref",
		schema.KindInstanceID:        "instanceid",
		schema.KindInt8:              "int8",
		schema.KindInt16:             "int16",
		schema.KindInt32:             "int32",
		schema.KindInt64:             "int64",
		schema.KindUint8:             "uint8",
		schema.KindUint16:            "uint16",
		schema.KindUint32:            "uint32",
		schema.KindUint64:            "uint64",
		schema.KindString:            "string",
		schema.KindAnyXML:            "anyxml",
		schema.KindAnyData:           "anydata",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return "unknown"
}
