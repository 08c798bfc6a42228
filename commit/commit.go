// Package commit implements the five-phase commit orchestrator (C6):
// update -> change -> store -> done | abort, with name-ordered module
// lock acquisition to avoid cross-commit deadlock and priority-tiered,
// concurrent subscriber fan-out within each phase.
package commit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/yangstore/diffengine"
	"github.com/c360/yangstore/dsplugin"
	"github.com/c360/yangstore/locktable"
	"github.com/c360/yangstore/metric"
	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/subscription"
	"github.com/c360/yangstore/subshm"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

// Edit is one module's staged change: the tree as stored before the
// transaction, the tree the caller wants stored after it, and any
// pending Move records (from diffengine.Editor.TakeMoves) belonging to
// this module's paths.
type Edit struct {
	Module string
	Kind   types.DatastoreKind
	Old    schema.Tree
	New    schema.Tree
	Moves  map[string]diffengine.MoveRecord
}

// Orchestrator drives the five-phase commit protocol described in
// spec.md §4.4. rings is optional: when nil, the orchestrator still
// invokes in-process subscriber callbacks but skips the cross-process
// Sub-SHM mirror and ack-bitmap wait. validator is optional: when nil,
// the re-validate step after the update phase is skipped, matching a
// deployment with no registered module schemas.
type Orchestrator struct {
	locks     *locktable.Table
	subs      *subscription.Registry
	plugin    dsplugin.Plugin
	rings     *subshm.Manager
	validator *diffengine.Validator
	sctx      schema.Context
	metrics   *metric.Metrics

	ackTimeout time.Duration
	logger     *slog.Logger
}

// New creates an Orchestrator. ackTimeout bounds how long phase `change`
// waits for every cross-process subscriber to acknowledge before
// converting the missing acks into an abort; zero defaults to 10s per
// spec.md §4.4. validator and sctx back the re-validation step spec.md
// §4.4 requires after update-phase amendments merge; metrics may be nil.
func New(locks *locktable.Table, subs *subscription.Registry, plugin dsplugin.Plugin, rings *subshm.Manager, ackTimeout time.Duration, validator *diffengine.Validator, sctx schema.Context, metrics *metric.Metrics) *Orchestrator {
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	return &Orchestrator{
		locks: locks, subs: subs, plugin: plugin, rings: rings,
		validator: validator, sctx: sctx, metrics: metrics,
		ackTimeout: ackTimeout, logger: slog.Default(),
	}
}

// Commit runs the five-phase protocol over edits, acquiring each
// touched module's write lock in deterministic name order. It returns
// the final per-module change record (after any update-phase
// amendments) on success.
func (o *Orchestrator) Commit(ctx context.Context, sessionID types.SessionID, edits []Edit) (map[string]types.ChangeRecord, error) {
	if len(edits) == 0 {
		return nil, nil
	}
	sorted := append([]Edit(nil), edits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Module < sorted[j].Module })

	seen := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		if seen[e.Module] {
			return nil, yerrors.New(yerrors.InvalidArgument, "commit", "Commit", "duplicate module in transaction: "+e.Module)
		}
		seen[e.Module] = true
	}

	sid := fmt.Sprintf("session-%d", sessionID)

	for _, e := range sorted {
		if holder, held := o.locks.DSLockHolder(e.Module); held && holder != sessionID {
			return nil, yerrors.New(yerrors.Locked, "commit", "Commit", "module ds-locked by another session: "+e.Module)
		}
	}

	acquired := make([]string, 0, len(sorted))
	defer func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := o.locks.WriteUnlock(context.Background(), acquired[i], sid); err != nil {
				o.logger.Error("commit: write unlock failed", "module", acquired[i], "error", err)
			}
		}
	}()
	for _, e := range sorted {
		if err := o.locks.WriteLock(ctx, e.Module, sid, false); err != nil {
			return nil, yerrors.Wrap(err, yerrors.Locked, "commit", "Commit", "acquire write lock: "+e.Module)
		}
		acquired = append(acquired, e.Module)
	}

	changes := make(map[string]types.ChangeRecord, len(sorted))
	for _, e := range sorted {
		rec, err := diffengine.DiffWithEditor(e.Old, e.New, e.Moves)
		if err != nil {
			return nil, yerrors.Wrap(err, yerrors.Internal, "commit", "Commit", "diff: "+e.Module)
		}
		changes[e.Module] = rec
	}

	updateStart := time.Now()
	for _, e := range sorted {
		amended, err := o.runUpdatePhase(ctx, sessionID, e.Module, changes[e.Module])
		if err != nil {
			o.recordAbort(sorted, "update_phase")
			return nil, yerrors.Wrap(err, yerrors.ValidationFailed, "commit", "Commit", "update phase: "+e.Module)
		}
		if amended != nil {
			changes[e.Module] = mergeChangeRecords(changes[e.Module], *amended)
		}
	}
	o.observePhase("update", updateStart)

	// Once every update-phase subscriber has responded, re-validate each
	// edit's New tree, aborting before the change and store phases run if
	// it fails the module's schema constraints. Update-phase amendments
	// are merged into the change record only; they are not applied to
	// e.New, so the tree validated here and stored below lacks them.
	if o.validator != nil {
		for _, e := range sorted {
			if rec := o.validator.Validate(ctx, e.New, o.sctx, e.Module); !rec.Empty() {
				o.recordAbort(sorted, "revalidation")
				return nil, yerrors.Wrap(rec, yerrors.ValidationFailed, "commit", "Commit", "re-validate after update phase: "+e.Module)
			}
		}
	}

	notified := make(map[string][]*subscription.Subscription, len(sorted))
	var order []string
	changeStart := time.Now()
	for _, e := range sorted {
		order = append(order, e.Module)
		n, err := o.runChangePhase(ctx, sessionID, e.Module, changes[e.Module])
		notified[e.Module] = n
		if err != nil {
			o.runAbortPhase(ctx, sessionID, order, changes, notified)
			o.recordAbort(sorted, "change_phase_veto")
			return nil, yerrors.Wrap(err, yerrors.CallbackFailed, "commit", "Commit", "change phase veto: "+e.Module)
		}
	}
	o.observePhase("change", changeStart)

	storeStart := time.Now()
	stored := make([]string, 0, len(sorted))
	for _, e := range sorted {
		if err := o.plugin.Store(ctx, e.Module, e.Kind, e.New); err != nil {
			o.rollbackStore(ctx, sorted, stored)
			o.runAbortPhase(ctx, sessionID, order, changes, notified)
			o.recordAbort(sorted, "store_failed")
			return nil, yerrors.Wrap(err, yerrors.System, "commit", "Commit", "store: "+e.Module)
		}
		stored = append(stored, e.Module)
	}
	o.observePhase("store", storeStart)

	for _, e := range sorted {
		o.runDonePhase(ctx, sessionID, e.Module, changes[e.Module])
	}

	if o.metrics != nil {
		for _, e := range sorted {
			o.metrics.RecordCommit(e.Module, "committed")
		}
	}
	return changes, nil
}

// recordAbort records an abort outcome for every module touched by the
// transaction, since the five-phase protocol aborts atomically across
// all of edits rather than per-module.
func (o *Orchestrator) recordAbort(edits []Edit, reason string) {
	if o.metrics == nil {
		return
	}
	for _, e := range edits {
		o.metrics.RecordAbort(e.Module, reason)
	}
}

// observePhase records how long a commit phase took, when metrics are
// configured.
func (o *Orchestrator) observePhase(phase string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObservePhaseDuration(phase, time.Since(start).Seconds())
}

// runUpdatePhase delivers Δ to update-flagged subscribers in descending
// priority tiers, concurrently within a tier, collecting any
// supplemental edits they return.
func (o *Orchestrator) runUpdatePhase(ctx context.Context, sessionID types.SessionID, module string, rec types.ChangeRecord) (*types.ChangeRecord, error) {
	subs := filterFlag(o.subs.ByModuleKind(module, types.ModuleChange), types.FlagUpdate)
	if len(subs) == 0 {
		return nil, nil
	}
	ev := types.Event{ID: uuid.New(), Kind: types.EventUpdate, Module: module, Payload: &rec, OriginatorSessionID: uint64(sessionID)}
	cbCtx := context.WithValue(ctx, types.CtxKeySessionID, sessionID)

	var merged *types.ChangeRecord
	for _, tier := range subscription.PriorityTiers(subs) {
		g, _ := errgroup.WithContext(ctx)
		results := make([]*types.ChangeRecord, len(tier))
		for i, s := range tier {
			i, s := i, s
			g.Go(func() error {
				if s.ChangeFn == nil {
					return nil
				}
				amend, err := s.ChangeFn(cbCtx, ev)
				if err != nil {
					return err
				}
				results[i] = amend
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, r := range results {
			if r == nil {
				continue
			}
			if merged == nil {
				m := *r
				merged = &m
			} else {
				m := mergeChangeRecords(*merged, *r)
				merged = &m
			}
		}
	}
	return merged, nil
}

// runChangePhase delivers the final Δ to every change-subscriber that
// isn't done_only, mirroring it through the Sub-SHM ring when rings is
// configured and waiting for the ack bitmap to fill before returning.
// It returns the subscribers that successfully observed the event, in
// delivery order, so a later abort can address them in reverse.
func (o *Orchestrator) runChangePhase(ctx context.Context, sessionID types.SessionID, module string, rec types.ChangeRecord) ([]*subscription.Subscription, error) {
	subs := filterOutFlag(o.subs.ByModuleKind(module, types.ModuleChange), types.FlagDoneOnly)
	if len(subs) == 0 {
		return nil, nil
	}
	ev := types.Event{ID: uuid.New(), Kind: types.EventChange, Module: module, Payload: &rec, OriginatorSessionID: uint64(sessionID)}
	cbCtx := context.WithValue(ctx, types.CtxKeySessionID, sessionID)

	if o.rings != nil {
		key := subshm.Key{Module: module, Kind: types.ModuleChange}
		if err := o.rings.Post(ctx, key, ev, len(subs)); err != nil {
			return nil, yerrors.Wrap(err, yerrors.System, "commit", "runChangePhase", "post")
		}
	}

	var mu sync.Mutex
	var notified []*subscription.Subscription
	for _, tier := range subscription.PriorityTiers(subs) {
		g, _ := errgroup.WithContext(ctx)
		for _, s := range tier {
			s := s
			g.Go(func() error {
				if s.ChangeFn != nil {
					if _, err := s.ChangeFn(cbCtx, ev); err != nil {
						return err
					}
				}
				if o.rings != nil {
					o.rings.Ack(ev.ID.String(), subscriberNumericID(s.ID))
				}
				mu.Lock()
				notified = append(notified, s)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return notified, err
		}
	}

	if o.rings != nil {
		ids := make([]uint64, len(subs))
		for i, s := range subs {
			ids[i] = subscriberNumericID(s.ID)
		}
		unacked, err := o.rings.Wait(ctx, ev.ID.String(), ids, o.ackTimeout)
		o.rings.ClearAck(ev.ID.String())
		if err != nil {
			return notified, yerrors.Wrap(err, yerrors.Timeout, "commit", "runChangePhase", fmt.Sprintf("unacked subscribers: %v", unacked))
		}
	}
	return notified, nil
}

// runDonePhase delivers the non-vetoable done event to every
// change-subscriber, including done_only ones; errors are logged, never
// propagated, per spec.md §4.4.
func (o *Orchestrator) runDonePhase(ctx context.Context, sessionID types.SessionID, module string, rec types.ChangeRecord) {
	subs := o.subs.ByModuleKind(module, types.ModuleChange)
	if len(subs) == 0 {
		return
	}
	ev := types.Event{ID: uuid.New(), Kind: types.EventDone, Module: module, Payload: &rec, OriginatorSessionID: uint64(sessionID)}
	cbCtx := context.WithValue(ctx, types.CtxKeySessionID, sessionID)
	for _, tier := range subscription.PriorityTiers(subs) {
		var wg sync.WaitGroup
		for _, s := range tier {
			if s.ChangeFn == nil {
				continue
			}
			wg.Add(1)
			go func(s *subscription.Subscription) {
				defer wg.Done()
				if _, err := s.ChangeFn(cbCtx, ev); err != nil {
					o.logger.Error("commit: done callback failed", "module", module, "subscriber", s.ID, "error", err)
				}
			}(s)
		}
		wg.Wait()
	}
}

// runAbortPhase delivers abort, in reverse priority within each module
// and in reverse module order, to every subscriber that successfully
// observed phase change for that module.
func (o *Orchestrator) runAbortPhase(ctx context.Context, sessionID types.SessionID, order []string, changes map[string]types.ChangeRecord, notified map[string][]*subscription.Subscription) {
	cbCtx := context.WithValue(ctx, types.CtxKeySessionID, sessionID)
	for i := len(order) - 1; i >= 0; i-- {
		module := order[i]
		rec := changes[module]
		ev := types.Event{ID: uuid.New(), Kind: types.EventAbort, Module: module, Payload: &rec, OriginatorSessionID: uint64(sessionID)}
		subs := notified[module]
		for j := len(subs) - 1; j >= 0; j-- {
			s := subs[j]
			if s.ChangeFn == nil {
				continue
			}
			if _, err := s.ChangeFn(cbCtx, ev); err != nil {
				o.logger.Error("commit: abort callback failed", "module", module, "subscriber", s.ID, "error", err)
			}
		}
	}
}

// rollbackStore restores stored's modules to their pre-transaction
// tree, in reverse store order, after a later module's Store failed —
// the atomicity guarantee spec.md §8's commit scenario requires:
// apply_changes returning an error must leave every touched module
// exactly as it was.
func (o *Orchestrator) rollbackStore(ctx context.Context, edits []Edit, stored []string) {
	byModule := make(map[string]Edit, len(edits))
	for _, e := range edits {
		byModule[e.Module] = e
	}
	for i := len(stored) - 1; i >= 0; i-- {
		e := byModule[stored[i]]
		if err := o.plugin.Store(ctx, e.Module, e.Kind, e.Old); err != nil {
			o.logger.Error("commit: rollback store failed", "module", e.Module, "error", err)
		}
	}
}

func filterFlag(subs []*subscription.Subscription, flag types.SubscriptionFlags) []*subscription.Subscription {
	var out []*subscription.Subscription
	for _, s := range subs {
		if s.Flags.Has(flag) {
			out = append(out, s)
		}
	}
	return out
}

func filterOutFlag(subs []*subscription.Subscription, flag types.SubscriptionFlags) []*subscription.Subscription {
	var out []*subscription.Subscription
	for _, s := range subs {
		if !s.Flags.Has(flag) {
			out = append(out, s)
		}
	}
	return out
}

// mergeChangeRecords combines a and b, with b's entry for a given xpath
// taking precedence, preserving first-seen ordering.
func mergeChangeRecords(a, b types.ChangeRecord) types.ChangeRecord {
	byPath := make(map[string]types.ChangeEntry, len(a.Entries)+len(b.Entries))
	var order []string
	for _, e := range a.Entries {
		if _, ok := byPath[e.XPath]; !ok {
			order = append(order, e.XPath)
		}
		byPath[e.XPath] = e
	}
	for _, e := range b.Entries {
		if _, ok := byPath[e.XPath]; !ok {
			order = append(order, e.XPath)
		}
		byPath[e.XPath] = e
	}
	merged := types.ChangeRecord{Entries: make([]types.ChangeEntry, 0, len(order))}
	for _, p := range order {
		merged.Entries = append(merged.Entries, byPath[p])
	}
	return merged
}

// subscriberNumericID derives a stable uint64 ack-bitmap id from a
// subscription's uuid, since subshm's ack bitmap is keyed numerically.
func subscriberNumericID(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[:8])
}
