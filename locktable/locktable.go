// Package locktable implements the per-module lock table: the in-process
// read/write/upgradable-read state machine that mediates commits and
// reads, and the session-scoped, non-reentrant ds_lock/ds_unlock the
// sysrepo public API exposes. Cross-process mutual exclusion on the
// write lock is recovered with a lease over a JetStream KV key standing
// in for the robust mutex the original relies on: a holder that stops
// renewing its lease is presumed dead once the key's TTL expires, and
// the next acquirer observes an inconsistency sentinel it must clear
// before proceeding.
package locktable

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/metric"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

const lockBucket = "MODULE_LOCKS"

// state is the in-process lock state for one module, adapted from
// pkg/buffer's sync.Cond-gated block/wait pattern: readers and writers
// wait on the same mutex via dedicated conditions instead of a fixed
// capacity buffer.
type state struct {
	mu sync.Mutex

	readCount        int
	writeHolder      string // session id holding the write lock, "" if none
	upgradableHolder string // session id holding the upgradable read, "" if none

	dsHolder       types.SessionID
	dsHeld         bool
	inconsistent   bool

	readReleased  *sync.Cond
	writeReleased *sync.Cond
}

func newState() *state {
	s := &state{}
	s.readReleased = sync.NewCond(&s.mu)
	s.writeReleased = sync.NewCond(&s.mu)
	return s
}

// Table is the module lock table, C3.
type Table struct {
	conn    *ipc.Conn
	kv      jetstream.KeyValue
	metrics *metric.Metrics

	lease        time.Duration
	renewPeriod  time.Duration

	mu     sync.Mutex
	states map[string]*state
	leases map[string]*leaseHandle

	wholeDSHeld    bool
	wholeDSHolder  types.SessionID
	wholeDSModules []string
}

type leaseHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates a Table backed by conn's JetStream KV. lease controls how
// long a cross-process write-lock key survives without renewal. metrics
// may be nil.
func Open(ctx context.Context, conn *ipc.Conn, lease time.Duration, metrics *metric.Metrics) (*Table, error) {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	kv, err := conn.EnsureKV(ctx, jetstream.KeyValueConfig{Bucket: lockBucket, TTL: lease})
	if err != nil {
		return nil, yerrors.Wrap(err, yerrors.System, "locktable", "Open", "")
	}
	return &Table{
		conn:        conn,
		kv:          kv,
		metrics:     metrics,
		lease:       lease,
		renewPeriod: lease / 3,
		states:      make(map[string]*state),
		leases:      make(map[string]*leaseHandle),
	}, nil
}

func (t *Table) stateFor(module string) *state {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[module]
	if !ok {
		s = newState()
		t.states[module] = s
	}
	return s
}

// ReadLock blocks until no write holder is present, then increments the
// reader count.
func (t *Table) ReadLock(ctx context.Context, module string) error {
	start := time.Now()
	s := t.stateFor(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.writeHolder != "" {
		if !waitWithContext(ctx, s.writeReleased) {
			return ctx.Err()
		}
	}
	s.readCount++
	t.observeWait(module, "read", start)
	return nil
}

// ReadUnlock decrements the reader count and wakes waiting writers.
func (t *Table) ReadUnlock(module string) error {
	s := t.stateFor(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readCount == 0 {
		return yerrors.New(yerrors.OperationFailed, "locktable", "ReadUnlock", "not read-locked")
	}
	s.readCount--
	if s.readCount == 0 {
		s.readReleased.Broadcast()
	}
	return nil
}

// WriteLock acquires the write lock for sessionID, blocking for readers
// and any other writer to drain. If upgrade is true, the caller must
// already hold the upgradable read lock for sessionID.
func (t *Table) WriteLock(ctx context.Context, module, sessionID string, upgrade bool) error {
	start := time.Now()
	s := t.stateFor(module)
	s.mu.Lock()
	if upgrade {
		if s.upgradableHolder != sessionID {
			s.mu.Unlock()
			return yerrors.New(yerrors.OperationFailed, "locktable", "WriteLock", "no upgradable read held")
		}
		// The caller's own upgradable read counts toward readCount; drop
		// it here so the wait below only blocks on *other* readers.
		s.readCount--
	}
	for s.writeHolder != "" || s.readCount > 0 {
		if !waitWithContext(ctx, s.readReleased) {
			if upgrade {
				s.readCount++
			}
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	s.writeHolder = sessionID
	s.upgradableHolder = ""
	s.mu.Unlock()

	t.observeWait(module, "write", start)
	return t.acquireLease(ctx, module, sessionID)
}

// observeWait records how long a lock acquisition waited, when metrics
// are configured.
func (t *Table) observeWait(module, kind string, start time.Time) {
	if t.metrics == nil {
		return
	}
	t.metrics.ObserveLockWait(module, kind, time.Since(start).Seconds())
}

// WriteUnlock releases the write lock and the cross-process lease.
func (t *Table) WriteUnlock(ctx context.Context, module, sessionID string) error {
	s := t.stateFor(module)
	s.mu.Lock()
	if s.writeHolder != sessionID {
		s.mu.Unlock()
		return yerrors.New(yerrors.OperationFailed, "locktable", "WriteUnlock", "not write-locked by session")
	}
	s.writeHolder = ""
	s.writeReleased.Broadcast()
	// Writers queued behind this one wait on readReleased.
	s.readReleased.Broadcast()
	s.mu.Unlock()

	t.releaseLease(ctx, module)
	return nil
}

// UpgradableReadLock lets sessionID evaluate a change while permitting
// concurrent reads; only one session may hold it per module at a time.
func (t *Table) UpgradableReadLock(ctx context.Context, module, sessionID string) error {
	s := t.stateFor(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.upgradableHolder != "" || s.writeHolder != "" {
		if !waitWithContext(ctx, s.writeReleased) {
			return ctx.Err()
		}
	}
	s.upgradableHolder = sessionID
	s.readCount++
	return nil
}

// Inconsistent reports whether the module's cross-process lease was
// recovered from a dead holder and has not yet been cleared.
func (t *Table) Inconsistent(module string) bool {
	s := t.stateFor(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inconsistent
}

// ClearInconsistent acknowledges and clears the inconsistency flag,
// required before the caller proceeds per the liveness contract.
func (t *Table) ClearInconsistent(module string) {
	s := t.stateFor(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inconsistent = false
}

func (t *Table) leaseKey(module string) string { return "write." + module }

func (t *Table) acquireLease(ctx context.Context, module, sessionID string) error {
	key := t.leaseKey(module)
	rev, created, err := t.tryCreateLease(ctx, key, sessionID)
	if err != nil {
		return err
	}
	if !created {
		s := t.stateFor(module)
		s.mu.Lock()
		s.inconsistent = true
		s.mu.Unlock()
		if t.metrics != nil {
			t.metrics.RecordLockInconsistent(module)
		}
		rev, err = t.forceLease(ctx, key, sessionID)
		if err != nil {
			return err
		}
	}
	t.startRenewal(module, key, sessionID, rev)
	return nil
}

func (t *Table) tryCreateLease(ctx context.Context, key, sessionID string) (uint64, bool, error) {
	rev, err := t.kv.Create(ctx, key, []byte(sessionID))
	if err == nil {
		return rev, true, nil
	}
	return 0, false, nil
}

func (t *Table) forceLease(ctx context.Context, key, sessionID string) (uint64, error) {
	e, err := t.kv.Get(ctx, key)
	if err != nil {
		rev, err := t.kv.Create(ctx, key, []byte(sessionID))
		if err != nil {
			return 0, yerrors.Wrap(err, yerrors.Locked, "locktable", "forceLease", key)
		}
		return rev, nil
	}
	rev, err := t.kv.Update(ctx, key, []byte(sessionID), e.Revision())
	if err != nil {
		return 0, yerrors.Wrap(err, yerrors.Locked, "locktable", "forceLease", "lease still held")
	}
	return rev, nil
}

func (t *Table) startRenewal(module, key, sessionID string, rev uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.leases[module] = &leaseHandle{cancel: cancel, done: done}
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.renewPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e, err := t.kv.Get(ctx, key)
				if err != nil {
					return
				}
				if _, err := t.kv.Update(ctx, key, []byte(sessionID), e.Revision()); err != nil {
					return
				}
			}
		}
	}()
}

func (t *Table) releaseLease(ctx context.Context, module string) {
	t.mu.Lock()
	h, ok := t.leases[module]
	if ok {
		delete(t.leases, module)
	}
	t.mu.Unlock()
	if ok {
		h.cancel()
		<-h.done
	}
	_ = t.kv.Delete(ctx, t.leaseKey(module))
}

// DSLock takes the advisory, session-scoped, non-reentrant datastore
// lock on module for sessionID. It fails if the whole datastore is
// currently locked by a different session via DSLockDatastore.
func (t *Table) DSLock(module string, sessionID types.SessionID) error {
	t.mu.Lock()
	wholeHeldByOther := t.wholeDSHeld && t.wholeDSHolder != sessionID
	t.mu.Unlock()
	if wholeHeldByOther {
		return yerrors.New(yerrors.Locked, "locktable", "DSLock", "datastore is whole-locked")
	}

	s := t.stateFor(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dsHeld {
		return yerrors.New(yerrors.Locked, "locktable", "DSLock", "already held")
	}
	s.dsHeld = true
	s.dsHolder = sessionID
	return nil
}

// DSLockDatastore takes the whole-datastore lock sysrepo's lock(NULL)
// exposes: every module in modules is locked transactionally in name
// order (the same fairness rule commit's write-lock acquisition
// follows), and a second DSLockDatastore call — by any session,
// including the current holder — returns locked until DSUnlockDatastore
// releases it.
func (t *Table) DSLockDatastore(modules []string, sessionID types.SessionID) error {
	t.mu.Lock()
	if t.wholeDSHeld {
		t.mu.Unlock()
		return yerrors.New(yerrors.Locked, "locktable", "DSLockDatastore", "whole datastore already locked")
	}
	t.mu.Unlock()

	sorted := append([]string(nil), modules...)
	sort.Strings(sorted)

	acquired := make([]string, 0, len(sorted))
	for _, m := range sorted {
		if err := t.DSLock(m, sessionID); err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				_ = t.DSUnlock(acquired[i], sessionID)
			}
			return err
		}
		acquired = append(acquired, m)
	}

	t.mu.Lock()
	t.wholeDSHeld = true
	t.wholeDSHolder = sessionID
	t.wholeDSModules = sorted
	t.mu.Unlock()
	return nil
}

// DSUnlockDatastore releases a whole-datastore lock taken by
// DSLockDatastore, unlocking every module it covered.
func (t *Table) DSUnlockDatastore(sessionID types.SessionID) error {
	t.mu.Lock()
	if !t.wholeDSHeld || t.wholeDSHolder != sessionID {
		t.mu.Unlock()
		return yerrors.New(yerrors.OperationFailed, "locktable", "DSUnlockDatastore", "not locked by this session")
	}
	modules := t.wholeDSModules
	t.wholeDSHeld = false
	t.wholeDSModules = nil
	t.mu.Unlock()

	for _, m := range modules {
		_ = t.DSUnlock(m, sessionID)
	}
	return nil
}

// DSUnlock releases the datastore lock; fails with operation_failed if
// module is not currently ds-locked.
func (t *Table) DSUnlock(module string, sessionID types.SessionID) error {
	s := t.stateFor(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dsHeld {
		return yerrors.New(yerrors.OperationFailed, "locktable", "DSUnlock", "not locked")
	}
	if s.dsHolder != sessionID {
		return yerrors.New(yerrors.OperationFailed, "locktable", "DSUnlock", "not held by this session")
	}
	s.dsHeld = false
	return nil
}

// DSLockHolder reports whether module is ds-locked, and if so by whom.
func (t *Table) DSLockHolder(module string) (types.SessionID, bool) {
	s := t.stateFor(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dsHolder, s.dsHeld
}

// waitWithContext calls cond.Wait and returns false if ctx is done,
// without holding the lock across the context select — Wait re-acquires
// cond.L before returning, matching the caller's expectation that the
// mutex is held on both branches.
func waitWithContext(ctx context.Context, cond *sync.Cond) bool {
	if ctx.Err() != nil {
		return false
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.Broadcast()
		case <-stop:
		}
	}()
	cond.Wait()
	close(stop)
	return ctx.Err() == nil
}
