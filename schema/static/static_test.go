package static

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/yangstore/schema"
)

func TestLookupNodeFallsBackToGenericNodeUnderDeclaredModule(t *testing.T) {
	c := New()
	c.DeclareModule("test-mod")

	n, ok := c.LookupNode("/test-mod:anything/leaf")
	require.True(t, ok)
	require.Equal(t, "test-mod", n.Module)

	_, ok = c.LookupNode("/other-mod:leaf")
	require.False(t, ok)
}

func TestDeclareNodeOverridesFallback(t *testing.T) {
	c := New()
	c.DeclareNode(schema.SchemaNode{XPath: "/test-mod:top", Module: "test-mod", Mandatory: true})

	n, ok := c.LookupNode("/test-mod:top")
	require.True(t, ok)
	require.True(t, n.Mandatory)
}

func TestModuleOfOnlyRecognizesDeclaredModules(t *testing.T) {
	c := New()
	c.DeclareModule("test-mod")
	require.Equal(t, "test-mod", c.ModuleOf("/test-mod:leaf"))
	require.Equal(t, "", c.ModuleOf("/unknown:leaf"))
}

func TestWithGenerationCopiesDeclarationsAtNewGeneration(t *testing.T) {
	c := New()
	c.DeclareModule("test-mod")
	next := c.WithGeneration(2)

	require.Equal(t, uint64(1), c.Generation())
	require.Equal(t, uint64(2), next.Generation())
	require.Equal(t, "test-mod", next.ModuleOf("/test-mod:leaf"))
}
