// Package subscription implements the subscription registry: the
// in-process subscriber list, the Sub-SHM roster mirror, CTX_REUSE
// handle grouping, and operational-get overlay stitching, per spec.md
// §4.5.
package subscription

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/shm"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

// ChangeCallback handles a module-change, update, or done/abort event.
// A non-nil error from a change-phase callback is a veto. An
// update-phase subscriber may additionally return a supplemental
// ChangeRecord amending the transaction's diff; every other phase
// ignores a non-nil return value.
type ChangeCallback func(ctx context.Context, ev types.Event) (*types.ChangeRecord, error)

// OperationalCallback appends the subscriber's contribution to the
// overlay tree being assembled for an operational-datastore read.
type OperationalCallback func(ctx context.Context, overlay schema.Tree) error

// RPCCallback handles a synchronous RPC dispatch, returning the output
// tree for the call.
type RPCCallback func(ctx context.Context, input schema.Tree) (schema.Tree, error)

// Handle groups one or more subscriptions filed under a single
// CTX_REUSE registration.
type Handle uuid.UUID

// Subscription is one registered (kind, module, xpath, priority, flags,
// callback, session) tuple.
type Subscription struct {
	ID       uuid.UUID
	Handle   Handle
	Kind     types.SubscriptionKind
	Module   string
	XPath    string
	Priority int32
	Flags    types.SubscriptionFlags
	Session  types.SessionID

	ChangeFn      ChangeCallback
	OperationalFn OperationalCallback
	RPCFn         RPCCallback

	// seq is a monotonic registration sequence number assigned by
	// Register, breaking priority ties in registration order. Callers
	// outside this package can't set it.
	seq uint64
}

// rosterEntry is the Sub-SHM-mirrored, JSON-serializable projection of
// a Subscription, stripped of callbacks.
type rosterEntry struct {
	ID       uuid.UUID               `json:"id"`
	Handle   uuid.UUID               `json:"handle"`
	Kind     types.SubscriptionKind  `json:"kind"`
	Module   string                  `json:"module"`
	XPath    string                  `json:"xpath"`
	Priority int32                   `json:"priority"`
	Flags    types.SubscriptionFlags `json:"flags"`
	Session  types.SessionID         `json:"session"`
}

// Registry mirrors spec.md §4.5's subscription registry.
type Registry struct {
	region *shm.Region

	mu      sync.RWMutex
	subs    map[uuid.UUID]*Subscription
	nextSeq atomic.Uint64
}

// New creates a Registry backed by region for Sub-SHM roster mirroring.
func New(region *shm.Region) *Registry {
	return &Registry{region: region, subs: make(map[uuid.UUID]*Subscription)}
}

// Register adds a subscription, appends it to the module's Sub-SHM
// roster, and — if sub.Flags has FlagEnabled — synthesizes the one-shot
// done event via onEnabled so the caller can deliver it.
func (r *Registry) Register(ctx context.Context, sub Subscription, onEnabled func(types.Event)) (Handle, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Handle == (Handle{}) {
		sub.Handle = Handle(uuid.New())
	}

	r.mu.Lock()
	s := sub
	s.seq = r.nextSeq.Add(1)
	r.subs[s.ID] = &s
	r.mu.Unlock()

	if err := r.mirrorRoster(ctx, sub.Module); err != nil {
		return Handle{}, err
	}

	if sub.Flags.Has(types.FlagEnabled) && onEnabled != nil {
		onEnabled(types.Event{
			ID:     uuid.New(),
			Kind:   types.EventDone,
			Module: sub.Module,
		})
	}
	return sub.Handle, nil
}

// Unsubscribe removes every subscription filed under handle.
func (r *Registry) Unsubscribe(ctx context.Context, h Handle) error {
	r.mu.Lock()
	var modules []string
	for id, s := range r.subs {
		if s.Handle == h {
			modules = append(modules, s.Module)
			delete(r.subs, id)
		}
	}
	r.mu.Unlock()

	for _, m := range modules {
		if err := r.mirrorRoster(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// ByModuleKind returns every subscription for module and kind, sorted
// by descending priority with ties broken by registration order, for
// the orchestrator's priority-tiered fan-out and for rpc.Dispatcher's
// single-target selection within a tier.
func (r *Registry) ByModuleKind(module string, kind types.SubscriptionKind) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.subs {
		if s.Module == module && s.Kind == kind {
			out = append(out, s)
		}
	}
	sortByPriorityThenRegistration(out)
	return out
}

// PriorityTiers groups subs into descending-priority tiers, each tier
// containing every subscription sharing the same priority value — the
// unit the commit orchestrator fans out to concurrently before moving
// to the next tier.
func PriorityTiers(subs []*Subscription) [][]*Subscription {
	if len(subs) == 0 {
		return nil
	}
	var tiers [][]*Subscription
	cur := []*Subscription{subs[0]}
	for _, s := range subs[1:] {
		if s.Priority == cur[0].Priority {
			cur = append(cur, s)
			continue
		}
		tiers = append(tiers, cur)
		cur = []*Subscription{s}
	}
	tiers = append(tiers, cur)
	return tiers
}

// OperationalProviders returns every non-passive operational-get
// callback registered for module (with no filtering by xpath), used by
// Overlay, sorted the same way ByModuleKind is.
func (r *Registry) OperationalProviders(module string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.subs {
		if s.Module == module && s.Kind == types.OperationalGet && !s.Flags.Has(types.FlagPassive) {
			out = append(out, s)
		}
	}
	sortByPriorityThenRegistration(out)
	return out
}

// sortByPriorityThenRegistration orders subs by descending priority,
// breaking ties by ascending registration sequence.
func sortByPriorityThenRegistration(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Priority != subs[j].Priority {
			return subs[i].Priority > subs[j].Priority
		}
		return subs[i].seq < subs[j].seq
	})
}

// Overlay walks every registered operational-provider for module and
// merges their contributions into base, stitching the operational
// overlay a read sees on top of the stored running/operational tree.
func (r *Registry) Overlay(ctx context.Context, module string, base schema.Tree) (schema.Tree, error) {
	result := base
	for _, s := range r.OperationalProviders(module) {
		if s.OperationalFn == nil {
			continue
		}
		if err := s.OperationalFn(ctx, result); err != nil {
			return nil, yerrors.Wrap(err, yerrors.CallbackFailed, "subscription", "Overlay", s.Module)
		}
	}
	return result, nil
}

func (r *Registry) mirrorRoster(ctx context.Context, module string) error {
	r.mu.RLock()
	var entries []rosterEntry
	for _, s := range r.subs {
		if s.Module != module {
			continue
		}
		entries = append(entries, rosterEntry{
			ID: s.ID, Handle: uuid.UUID(s.Handle), Kind: s.Kind, Module: s.Module,
			XPath: s.XPath, Priority: s.Priority, Flags: s.Flags, Session: s.Session,
		})
	}
	r.mu.RUnlock()

	b, err := json.Marshal(entries)
	if err != nil {
		return yerrors.Wrap(err, yerrors.Internal, "subscription", "mirrorRoster", "marshal")
	}
	if r.region == nil {
		return nil
	}
	return r.region.PutExt(ctx, "roster."+module, b)
}
