// Package mem is an in-memory reference implementation of the dsplugin
// ABI. It is suitable for tests and local development; production plugins
// (file/database-backed) remain external collaborators per spec.md §1.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/c360/yangstore/dsplugin"
	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/schema/memtree"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

type dsKey struct {
	module string
	kind   types.DatastoreKind
}

// Plugin is a process-local, lock-protected map of module+datastore to
// tree, plus a per-module append-only notification log.
type Plugin struct {
	mu    sync.RWMutex
	trees map[dsKey]schema.Tree
	notif map[string][]types.ReplayEntry
	users map[string]map[string]bool // module -> user -> write-access
}

// New creates an empty in-memory plugin.
func New() *Plugin {
	return &Plugin{
		trees: make(map[dsKey]schema.Tree),
		notif: make(map[string][]types.ReplayEntry),
		users: make(map[string]map[string]bool),
	}
}

func (p *Plugin) Init(_ context.Context, module string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, kind := range []types.DatastoreKind{types.Startup, types.Running, types.Operational, types.Candidate} {
		key := dsKey{module, kind}
		if _, ok := p.trees[key]; !ok {
			p.trees[key] = memtree.New()
		}
	}
	return nil
}

func (p *Plugin) Destroy(_ context.Context, module string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, kind := range []types.DatastoreKind{types.Startup, types.Running, types.Operational, types.Candidate} {
		delete(p.trees, dsKey{module, kind})
	}
	delete(p.notif, module)
	return nil
}

func (p *Plugin) Store(_ context.Context, module string, kind types.DatastoreKind, tree schema.Tree) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trees[dsKey{module, kind}] = tree.Clone()
	return nil
}

func (p *Plugin) Load(_ context.Context, module string, kind types.DatastoreKind) (schema.Tree, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.trees[dsKey{module, kind}]
	if !ok {
		return nil, yerrors.New(yerrors.NotFound, "mem", "Load", "module/datastore not found")
	}
	return t.Clone(), nil
}

func (p *Plugin) Copy(_ context.Context, module string, src, dst types.DatastoreKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	srcTree, ok := p.trees[dsKey{module, src}]
	if !ok {
		return yerrors.New(yerrors.NotFound, "mem", "Copy", "source not found")
	}
	p.trees[dsKey{module, dst}] = srcTree.Clone()
	return nil
}

func (p *Plugin) AccessCheck(_ context.Context, module, user string, write bool) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	perms, ok := p.users[module]
	if !ok {
		// No ACL registered for this module: default-allow, matching the
		// core's "the core only calls its decision function" stance — a
		// real NACM backend supplies the policy.
		return true, nil
	}
	canWrite, known := perms[user]
	if !known {
		return true, nil
	}
	if write {
		return canWrite, nil
	}
	return true, nil
}

// GrantWrite is a test/admin helper to register a user's write permission
// for a module, exercised by AccessCheck above.
func (p *Plugin) GrantWrite(module, user string, canWrite bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.users[module] == nil {
		p.users[module] = make(map[string]bool)
	}
	p.users[module][user] = canWrite
}

func (p *Plugin) CandidateReset(_ context.Context, module string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	running, ok := p.trees[dsKey{module, types.Running}]
	if !ok {
		return yerrors.New(yerrors.NotFound, "mem", "CandidateReset", "running not found")
	}
	p.trees[dsKey{module, types.Candidate}] = running.Clone()
	return nil
}

func (p *Plugin) RunningModified(_ context.Context, module string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.trees[dsKey{module, types.Running}]
	return ok, nil
}

func (p *Plugin) NotifAppend(_ context.Context, module string, ts time.Time, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notif[module] = append(p.notif[module], types.ReplayEntry{Timestamp: ts, Payload: payload})
	return nil
}

func (p *Plugin) NotifReplayIter(_ context.Context, module string, start, stop time.Time) (dsplugin.ReplayIterator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var entries []types.ReplayEntry
	for _, e := range p.notif[module] {
		if e.Timestamp.Before(start) {
			continue
		}
		if !stop.IsZero() && e.Timestamp.After(stop) {
			continue
		}
		entries = append(entries, e)
	}
	return &iterator{entries: entries}, nil
}

type iterator struct {
	entries []types.ReplayEntry
	pos     int
}

func (it *iterator) Next(_ context.Context) (types.ReplayEntry, bool, error) {
	if it.pos >= len(it.entries) {
		return types.ReplayEntry{}, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}

func (it *iterator) Close() error { return nil }

var _ dsplugin.Plugin = (*Plugin)(nil)
