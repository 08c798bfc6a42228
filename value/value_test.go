package value

import (
	"testing"

	"github.com/c360/yangstore/schema"
	"github.com/stretchr/testify/require"
)

func TestFlatRoundTrip(t *testing.T) {
	cases := []schema.NodeKind{
		schema.KindString, schema.KindBool, schema.KindInt32,
		schema.KindUint64, schema.KindEnum, schema.KindBinary,
	}
	for _, kind := range cases {
		n := &schema.Node{XPath: "/m:a", Kind: kind, Value: "v", Default: false}
		flat := FromNode(n)
		back := ToNode(flat)
		require.Equal(t, n.XPath, back.XPath)
		require.Equal(t, n.Kind, back.Kind)
		require.Equal(t, n.Value, back.Value)
		require.True(t, Equal(flat, FromNode(back)))
	}
}

func TestTypeNameKnown(t *testing.T) {
	require.Equal(t, "string", TypeName(schema.KindString))
	require.Equal(t, "unknown", TypeName(schema.NodeKind(999)))
}
