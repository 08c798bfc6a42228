// Package static ships a minimal, permissive schema.Context reference
// implementation — the schema-side counterpart to dsplugin/mem's
// in-memory datastore plugin. It is not a YANG compiler: it has no
// notion of types, leafrefs, or cardinality beyond what its caller
// declares explicitly. It exists so cmd/yangstored (and tests that
// don't want to hand-write a fakeContext) have something real to wire
// against; a production deployment supplies its own schema.Context
// built from compiled YANG modules instead.
package static

import (
	"strings"
	"sync"

	"github.com/c360/yangstore/schema"
)

// Context is a schema.Context built from an explicit node list, plus a
// permissive fallback: any xpath under a declared module name resolves
// to a generic, non-mandatory, unbounded node if it wasn't declared
// explicitly. This keeps ad hoc operational/test data writable without
// requiring every leaf to be declared up front.
type Context struct {
	mu      sync.RWMutex
	gen     uint64
	modules map[string]bool
	nodes   map[string]schema.SchemaNode
}

// New creates an empty Context at generation 1.
func New() *Context {
	return &Context{gen: 1, modules: make(map[string]bool), nodes: make(map[string]schema.SchemaNode)}
}

// DeclareModule registers name as a known module, so ModuleOf and the
// permissive LookupNode fallback recognize its xpaths.
func (c *Context) DeclareModule(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[name] = true
}

// DeclareNode registers an explicit schema-time description for a
// path, overriding the permissive fallback for that path.
func (c *Context) DeclareNode(n schema.SchemaNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[n.Module] = true
	c.nodes[n.XPath] = n
}

// Generation returns the context's generation counter.
func (c *Context) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// WithGeneration returns a shallow copy of c at generation gen, for
// Connection.SetSchemaContext to install after MaterializeGeneration
// advances the shared counter.
func (c *Context) WithGeneration(gen uint64) *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	next := &Context{gen: gen, modules: make(map[string]bool, len(c.modules)), nodes: make(map[string]schema.SchemaNode, len(c.nodes))}
	for k, v := range c.modules {
		next.modules[k] = v
	}
	for k, v := range c.nodes {
		next.nodes[k] = v
	}
	return next
}

// LookupNode returns the declared node for xpath, or a generic node if
// xpath falls under a declared module and nothing more specific was
// declared.
func (c *Context) LookupNode(xpath string) (schema.SchemaNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.nodes[xpath]; ok {
		return n, true
	}
	module := moduleOf(xpath)
	if module == "" || !c.modules[module] {
		return schema.SchemaNode{}, false
	}
	return schema.SchemaNode{XPath: xpath, Module: module}, true
}

// ModuleOf returns the module prefix of an xpath like "/mod:leaf", or
// "" if it isn't declared.
func (c *Context) ModuleOf(xpath string) string {
	module := moduleOf(xpath)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.modules[module] {
		return ""
	}
	return module
}

func moduleOf(xpath string) string {
	xpath = strings.TrimPrefix(xpath, "/")
	seg, _, _ := strings.Cut(xpath, "/")
	name, _, ok := strings.Cut(seg, ":")
	if !ok {
		return ""
	}
	return name
}
