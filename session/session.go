// Package session implements the public Connection/Session API: the
// surface spec.md §3's data model and §4.2-§4.7's operations are
// exposed through, layered over locktable, subscription, commit, rpc,
// and replay.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/yangstore/commit"
	"github.com/c360/yangstore/diffengine"
	"github.com/c360/yangstore/dsplugin"
	"github.com/c360/yangstore/locktable"
	"github.com/c360/yangstore/replay"
	"github.com/c360/yangstore/rpc"
	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/schema/memtree"
	"github.com/c360/yangstore/shm"
	"github.com/c360/yangstore/subscription"
	"github.com/c360/yangstore/subshm"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

// Connection is a host process's handle onto the shared datastore: the
// schema context, shared-metadata region, lock table, subscription
// registry, commit orchestrator, RPC dispatcher, and replay log every
// Session it mints shares.
type Connection struct {
	id      types.ConnectionID
	region  *shm.Region
	locks   *locktable.Table
	subs    *subscription.Registry
	plugin  dsplugin.Plugin
	rings   *subshm.Manager
	replays *replay.Log
	commit  *commit.Orchestrator
	rpc     *rpc.Dispatcher

	mu   sync.RWMutex
	sctx schema.Context

	nextSessionID atomic.Uint64
}

// NewConnection wires a Connection from its collaborators. sctx is the
// schema context for the current generation; SetSchemaContext swaps it
// in when MaterializeGeneration advances the generation counter.
func NewConnection(id types.ConnectionID, region *shm.Region, locks *locktable.Table, subs *subscription.Registry, plugin dsplugin.Plugin, rings *subshm.Manager, replays *replay.Log, orch *commit.Orchestrator, dispatcher *rpc.Dispatcher, sctx schema.Context) *Connection {
	return &Connection{
		id: id, region: region, locks: locks, subs: subs, plugin: plugin,
		rings: rings, replays: replays, commit: orch, rpc: dispatcher, sctx: sctx,
	}
}

// SchemaContext returns the current schema context.
func (c *Connection) SchemaContext() schema.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sctx
}

// SetSchemaContext installs sctx as current, the generation boundary
// every live Session checks itself against at the start of the next
// operation.
func (c *Connection) SetSchemaContext(sctx schema.Context) {
	c.mu.Lock()
	c.sctx = sctx
	c.mu.Unlock()
}

// NewSession opens a Session bound to datastore kind ds. originator
// carries the audit identity recovered from the original
// implementation's sr_session_set_orig_name/sr_session_set_orig_data
// (SPEC_FULL.md §9); its Name may be empty when the caller doesn't use
// the facility.
func (c *Connection) NewSession(ds types.DatastoreKind, user string, originator types.Originator) *Session {
	sctx := c.SchemaContext()
	return &Session{
		conn:       c,
		id:         types.SessionID(c.nextSessionID.Add(1)),
		ds:         ds,
		user:       user,
		originator: originator,
		generation: sctx.Generation(),
		editor:     diffengine.New(sctx),
		staged:     make(map[string]schema.Tree),
		base:       make(map[string]schema.Tree),
	}
}

// Session is a single client's staged-edit and read context against one
// datastore kind, per spec.md §3.
type Session struct {
	conn       *Connection
	id         types.SessionID
	ds         types.DatastoreKind
	user       string
	originator types.Originator

	mu         sync.Mutex
	generation uint64
	editor     *diffengine.Editor
	staged     map[string]schema.Tree
	base       map[string]schema.Tree
	lastErr    error
}

// ID returns the session's identifier, used as the lock table's and
// commit orchestrator's session key.
func (s *Session) ID() types.SessionID { return s.id }

// SetOriginator updates the audit identity attached to this session's
// future events.
func (s *Session) SetOriginator(o types.Originator) {
	s.mu.Lock()
	s.originator = o
	s.mu.Unlock()
}

// GetLastError returns the error from the most recent failed operation
// on this session, or nil. It does not clear on read. Set, Delete, Move,
// EditBatch, GetSubtree and ApplyChanges clear it on entry; Lock, Unlock,
// Subscribe, Unsubscribe, RPCSend and NotificationSend only set it when
// they fail, so a success from one of them leaves an earlier error in
// place.
func (s *Session) GetLastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// discardStaged drops every staged/base tree and rebuilds the editor
// against the connection's current schema context — the reaction to a
// generation change spec.md §3's Session invariant calls for.
func (s *Session) discardStaged(sctx schema.Context) {
	s.generation = sctx.Generation()
	s.editor = diffengine.New(sctx)
	s.staged = make(map[string]schema.Tree)
	s.base = make(map[string]schema.Tree)
}

// checkGeneration must be called with s.mu held. If the connection's
// schema generation has moved on since this session staged its edits,
// it discards them and returns an operation_failed error flavored
// "context_changed" rather than silently diffing against a stale tree.
func (s *Session) checkGeneration() error {
	sctx := s.conn.SchemaContext()
	if sctx.Generation() == s.generation {
		return nil
	}
	s.discardStaged(sctx)
	return yerrors.New(yerrors.OperationFailed, "session", "checkGeneration", "context_changed: schema generation advanced, staged edits discarded")
}

func (s *Session) fail(err error) error {
	s.lastErr = err
	return err
}

// treeFor returns the module's working tree, staging a fresh load from
// the plugin the first time this session touches it. base retains the
// pre-edit snapshot for Diff/rollback.
func (s *Session) treeFor(ctx context.Context, module string) (schema.Tree, error) {
	if t, ok := s.staged[module]; ok {
		return t, nil
	}
	t, err := s.conn.plugin.Load(ctx, module, s.ds)
	if err != nil {
		if yerrors.CodeOf(err) != yerrors.NotFound {
			return nil, s.fail(err)
		}
		t = memtree.New()
	}
	s.base[module] = t.Clone()
	s.staged[module] = t
	return t, nil
}

func (s *Session) moduleOf(path string) (string, error) {
	module := s.conn.SchemaContext().ModuleOf(path)
	if module == "" {
		return "", s.fail(yerrors.New(yerrors.UnknownModule, "session", "moduleOf", path))
	}
	return module, nil
}

// Set stages a create-or-replace at path in this session's edit set.
func (s *Session) Set(ctx context.Context, path string, val any, opts diffengine.SetOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
	if err := s.checkGeneration(); err != nil {
		return s.fail(err)
	}
	module, err := s.moduleOf(path)
	if err != nil {
		return err
	}
	tree, err := s.treeFor(ctx, module)
	if err != nil {
		return err
	}
	newTree, err := s.editor.Set(tree, path, val, opts)
	if err != nil {
		return s.fail(err)
	}
	s.staged[module] = newTree
	return nil
}

// Delete stages a removal of path.
func (s *Session) Delete(ctx context.Context, path string, opts diffengine.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
	if err := s.checkGeneration(); err != nil {
		return s.fail(err)
	}
	module, err := s.moduleOf(path)
	if err != nil {
		return err
	}
	tree, err := s.treeFor(ctx, module)
	if err != nil {
		return err
	}
	newTree, err := s.editor.Delete(tree, path, opts)
	if err != nil {
		return s.fail(err)
	}
	s.staged[module] = newTree
	return nil
}

// Move stages a reposition of a user-ordered entry at path.
func (s *Session) Move(ctx context.Context, path string, pos types.MovePosition, anchor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
	if err := s.checkGeneration(); err != nil {
		return s.fail(err)
	}
	module, err := s.moduleOf(path)
	if err != nil {
		return err
	}
	tree, err := s.treeFor(ctx, module)
	if err != nil {
		return err
	}
	newTree, err := s.editor.Move(tree, path, pos, anchor)
	if err != nil {
		return s.fail(err)
	}
	s.staged[module] = newTree
	return nil
}

// EditBatch merges an edit-config-style subtree into module's staged
// tree, each node inheriting its operation from the nearest ancestor or
// defaultOp.
func (s *Session) EditBatch(ctx context.Context, module string, edit schema.Tree, defaultOp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
	if err := s.checkGeneration(); err != nil {
		return s.fail(err)
	}
	tree, err := s.treeFor(ctx, module)
	if err != nil {
		return err
	}
	newTree, err := s.editor.EditBatch(tree, edit, defaultOp)
	if err != nil {
		return s.fail(err)
	}
	s.staged[module] = newTree
	return nil
}

// GetSubtree returns the node at path and its descendants. For an
// operational-datastore session the stored tree is stitched with every
// registered operational-get provider's contribution before returning.
func (s *Session) GetSubtree(ctx context.Context, path string) (schema.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
	if err := s.checkGeneration(); err != nil {
		return nil, s.fail(err)
	}
	module, err := s.moduleOf(path)
	if err != nil {
		return nil, err
	}
	tree, err := s.treeFor(ctx, module)
	if err != nil {
		return nil, err
	}
	if s.ds != types.Operational || s.conn.subs == nil {
		return tree, nil
	}
	overlaid, err := s.conn.subs.Overlay(ctx, module, tree)
	if err != nil {
		return nil, s.fail(err)
	}
	return overlaid, nil
}

// ApplyChanges runs every staged module edit through the commit
// orchestrator's five-phase protocol. On success the staged trees
// become the new base (so a subsequent edit diffs against the
// just-committed state); on failure or veto every staged edit in this
// transaction is discarded, per the orchestrator's atomicity guarantee
// that the stored datastore is left exactly as it was.
func (s *Session) ApplyChanges(ctx context.Context) (map[string]types.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
	if err := s.checkGeneration(); err != nil {
		return nil, s.fail(err)
	}
	if len(s.staged) == 0 {
		return nil, nil
	}

	allMoves := s.editor.TakeMoves()
	edits := make([]commit.Edit, 0, len(s.staged))
	for module, tree := range s.staged {
		var moves map[string]diffengine.MoveRecord
		for path, mv := range allMoves {
			if s.conn.SchemaContext().ModuleOf(path) != module {
				continue
			}
			if moves == nil {
				moves = make(map[string]diffengine.MoveRecord)
			}
			moves[path] = mv
		}
		edits = append(edits, commit.Edit{Module: module, Kind: s.ds, Old: s.base[module], New: tree, Moves: moves})
	}

	changes, err := s.conn.commit.Commit(ctx, s.id, edits)
	if err != nil {
		s.staged = make(map[string]schema.Tree)
		s.base = make(map[string]schema.Tree)
		return nil, s.fail(err)
	}

	for module, tree := range s.staged {
		s.base[module] = tree.Clone()
	}
	return changes, nil
}

// DiscardChanges drops every staged edit without committing, reverting
// this session's view back to the last committed base.
func (s *Session) DiscardChanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = make(map[string]schema.Tree)
}

// Lock acquires module's write ds-lock for this session. An empty
// module name locks the whole datastore (sysrepo's sr_lock(NULL)),
// requiring region to list the currently installed modules.
func (s *Session) Lock(ctx context.Context, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if module != "" {
		if err := s.conn.locks.DSLock(module, s.id); err != nil {
			return s.fail(err)
		}
		return nil
	}
	if s.conn.region == nil {
		return s.fail(yerrors.New(yerrors.Unsupported, "session", "Lock", "whole-datastore lock requires a shared metadata region"))
	}
	mods, err := s.conn.region.Modules(ctx)
	if err != nil {
		return s.fail(err)
	}
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = m.Name
	}
	if err := s.conn.locks.DSLockDatastore(names, s.id); err != nil {
		return s.fail(err)
	}
	return nil
}

// Unlock releases module's write ds-lock. An empty module name releases
// a prior whole-datastore Lock.
func (s *Session) Unlock(module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if module == "" {
		err = s.conn.locks.DSUnlockDatastore(s.id)
	} else {
		err = s.conn.locks.DSUnlock(module, s.id)
	}
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// Subscribe registers sub under this session, delivering the one-shot
// enabled event (if FlagEnabled is set) through onEnabled.
func (s *Session) Subscribe(ctx context.Context, sub subscription.Subscription, onEnabled func(types.Event)) (subscription.Handle, error) {
	sub.Session = s.id
	h, err := s.conn.subs.Register(ctx, sub, onEnabled)
	if err != nil {
		s.mu.Lock()
		s.fail(err)
		s.mu.Unlock()
	}
	return h, err
}

// Unsubscribe removes every subscription filed under h.
func (s *Session) Unsubscribe(ctx context.Context, h subscription.Handle) error {
	if err := s.conn.subs.Unsubscribe(ctx, h); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.fail(err)
	}
	return nil
}

// RPCSend dispatches an RPC call to path's highest-priority subscriber.
func (s *Session) RPCSend(ctx context.Context, module, path string, input schema.Tree) (schema.Tree, error) {
	if s.conn.rpc == nil {
		return nil, s.failLocked(yerrors.New(yerrors.Unsupported, "session", "RPCSend", "no RPC dispatcher configured"))
	}
	out, err := s.conn.rpc.Send(ctx, module, path, input)
	if err != nil {
		return nil, s.failLocked(err)
	}
	return out, nil
}

// NotificationSend emits a notification: it is appended to module's
// replay log (if the module has replay enabled; with no shared metadata
// region to consult, every notification is appended) and posted to every
// registered Notification subscriber through Sub-SHM.
func (s *Session) NotificationSend(ctx context.Context, module, xpath string, payload []byte, ts types.ReplayEntry) error {
	entry := ts
	entry.XPath = xpath
	entry.Payload = payload

	appendReplay := s.conn.replays != nil
	if appendReplay && s.conn.region != nil {
		m, err := s.conn.region.Module(ctx, module)
		appendReplay = err == nil && m.ReplayEnabled
	}
	if appendReplay {
		if err := s.conn.replays.Append(ctx, module, entry); err != nil {
			return s.failLocked(err)
		}
	}

	if s.conn.rings == nil || s.conn.subs == nil {
		return nil
	}
	subs := s.conn.subs.ByModuleKind(module, types.Notification)
	if len(subs) == 0 {
		return nil
	}
	ev := types.Event{
		Kind:                types.EventNotif,
		Module:              module,
		RawPayload:          payload,
		OriginatorSessionID: uint64(s.id),
		RequestTimestamp:    entry.Timestamp,
	}
	if err := s.conn.rings.Post(ctx, subshm.Key{Module: module, Kind: types.Notification}, ev, len(subs)); err != nil {
		return s.failLocked(err)
	}
	return nil
}

func (s *Session) failLocked(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail(err)
}
