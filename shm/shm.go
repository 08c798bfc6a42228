// Package shm implements the shared metadata region: the generation
// counter, the installed-module table, and the pending-change queue that
// must drain before a new generation is published. It is the Go stand-in
// for sysrepo's MAIN-SHM/Ext-SHM: a JetStream KV bucket reached through
// an ipc.Conn plays the role of the mapped segment, and "readers detect
// staleness by rechecking the generation" becomes "readers compare the
// __generation key they last observed against the bucket's current
// value."
package shm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

const (
	mainBucket = "MAIN_SHM"
	extBucket  = "EXT_SHM"
	genKey     = "__generation"
	moduleKeyPrefix = "module."
)

// Region is a handle onto the shared metadata region.
type Region struct {
	conn *ipc.Conn

	mu   sync.Mutex
	main jetstream.KeyValue
	ext  jetstream.KeyValue

	refcount atomic.Int64
	pending  []PendingOp
	pendMu   sync.Mutex
}

// Open gets-or-creates the MAIN-SHM and EXT-SHM buckets over conn.
func Open(ctx context.Context, conn *ipc.Conn) (*Region, error) {
	main, err := conn.EnsureKV(ctx, jetstream.KeyValueConfig{Bucket: mainBucket})
	if err != nil {
		return nil, yerrors.Wrap(err, yerrors.System, "shm", "Open", "main bucket")
	}
	ext, err := conn.EnsureKV(ctx, jetstream.KeyValueConfig{Bucket: extBucket})
	if err != nil {
		return nil, yerrors.Wrap(err, yerrors.System, "shm", "Open", "ext bucket")
	}
	r := &Region{conn: conn, main: main, ext: ext}
	if _, err := main.Get(ctx, genKey); err != nil {
		if _, err := main.Create(ctx, genKey, encodeUint(0)); err != nil && !isKeyExists(err) {
			return nil, yerrors.Wrap(err, yerrors.System, "shm", "Open", "seed generation")
		}
	}
	return r, nil
}

// Generation returns the current generation counter.
func (r *Region) Generation(ctx context.Context) (uint64, error) {
	e, err := r.main.Get(ctx, genKey)
	if err != nil {
		return 0, yerrors.Wrap(err, yerrors.System, "shm", "Generation", "")
	}
	return decodeUint(e.Value()), nil
}

// Pin increments the refcount of sessions depending on the current
// generation; Unpin releases it. MaterializeGeneration refuses to run
// while the refcount is nonzero.
func (r *Region) Pin() func() {
	r.refcount.Add(1)
	var once sync.Once
	return func() { once.Do(func() { r.refcount.Add(-1) }) }
}

// PendingOp is a deferred module-table mutation queued by Install,
// Remove, or SetFeature and drained by MaterializeGeneration — the
// recovered "Pending list of deferred operations" design note.
type PendingOp struct {
	Kind    PendingKind
	Module  string
	Entry   types.Module
	Feature string
	Enable  bool
}

type PendingKind int

const (
	PendingInstall PendingKind = iota
	PendingRemove
	PendingFeature
)

// Install queues a module installation.
func (r *Region) Install(m types.Module) {
	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	r.pending = append(r.pending, PendingOp{Kind: PendingInstall, Module: m.Name, Entry: m})
}

// Remove queues a module removal.
func (r *Region) Remove(module string) {
	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	r.pending = append(r.pending, PendingOp{Kind: PendingRemove, Module: module})
}

// SetFeature queues a feature toggle.
func (r *Region) SetFeature(module, feature string, enable bool) {
	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	r.pending = append(r.pending, PendingOp{Kind: PendingFeature, Module: module, Feature: feature, Enable: enable})
}

// PendingCount reports the number of queued but undrained operations.
func (r *Region) PendingCount() int {
	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	return len(r.pending)
}

// MaterializeGeneration drains the pending-op queue into the module
// table and bumps the generation counter, refusing while any session
// is pinned to the current generation.
func (r *Region) MaterializeGeneration(ctx context.Context) (uint64, error) {
	if r.refcount.Load() != 0 {
		return 0, yerrors.New(yerrors.Locked, "shm", "MaterializeGeneration", "generation is pinned by active sessions")
	}
	r.pendMu.Lock()
	ops := r.pending
	r.pending = nil
	r.pendMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case PendingInstall:
			if err := r.putModule(ctx, op.Entry); err != nil {
				return 0, err
			}
		case PendingRemove:
			if err := r.main.Delete(ctx, moduleKeyPrefix+op.Module); err != nil {
				return 0, yerrors.Wrap(err, yerrors.System, "shm", "MaterializeGeneration", "remove "+op.Module)
			}
		case PendingFeature:
			m, err := r.getModuleLocked(ctx, op.Module)
			if err != nil {
				return 0, err
			}
			if m.Features == nil {
				m.Features = make(map[string]bool)
			}
			m.Features[op.Feature] = op.Enable
			if err := r.putModule(ctx, m); err != nil {
				return 0, err
			}
		}
	}
	return r.bumpGeneration(ctx)
}

func (r *Region) bumpGeneration(ctx context.Context) (uint64, error) {
	for {
		e, err := r.main.Get(ctx, genKey)
		if err != nil {
			return 0, yerrors.Wrap(err, yerrors.System, "shm", "bumpGeneration", "")
		}
		next := decodeUint(e.Value()) + 1
		if _, err := r.main.Update(ctx, genKey, encodeUint(next), e.Revision()); err != nil {
			if isWrongRevision(err) {
				continue
			}
			return 0, yerrors.Wrap(err, yerrors.System, "shm", "bumpGeneration", "cas")
		}
		return next, nil
	}
}

func (r *Region) putModule(ctx context.Context, m types.Module) error {
	b, err := json.Marshal(m)
	if err != nil {
		return yerrors.Wrap(err, yerrors.Internal, "shm", "putModule", "marshal")
	}
	if _, err := r.main.Put(ctx, moduleKeyPrefix+m.Name, b); err != nil {
		return yerrors.Wrap(err, yerrors.System, "shm", "putModule", m.Name)
	}
	return nil
}

// Module returns the installed module entry by name.
func (r *Region) Module(ctx context.Context, name string) (types.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getModuleLocked(ctx, name)
}

func (r *Region) getModuleLocked(ctx context.Context, name string) (types.Module, error) {
	e, err := r.main.Get(ctx, moduleKeyPrefix+name)
	if err != nil {
		return types.Module{}, yerrors.New(yerrors.UnknownModule, "shm", "Module", name)
	}
	var m types.Module
	if err := json.Unmarshal(e.Value(), &m); err != nil {
		return types.Module{}, yerrors.Wrap(err, yerrors.Internal, "shm", "Module", "unmarshal")
	}
	return m, nil
}

// Modules lists every installed module.
func (r *Region) Modules(ctx context.Context) ([]types.Module, error) {
	keys, err := r.main.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, yerrors.Wrap(err, yerrors.System, "shm", "Modules", "")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Module
	for _, k := range keys {
		if len(k) <= len(moduleKeyPrefix) || k[:len(moduleKeyPrefix)] != moduleKeyPrefix {
			continue
		}
		m, err := r.getModuleLocked(ctx, k[len(moduleKeyPrefix):])
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// PutExt stores a large variable-length blob (subscription roster,
// serialized feature list) in EXT-SHM under key.
func (r *Region) PutExt(ctx context.Context, key string, value []byte) error {
	if _, err := r.ext.Put(ctx, key, value); err != nil {
		return yerrors.Wrap(err, yerrors.System, "shm", "PutExt", key)
	}
	return nil
}

// GetExt reads a blob from EXT-SHM.
func (r *Region) GetExt(ctx context.Context, key string) ([]byte, error) {
	e, err := r.ext.Get(ctx, key)
	if err != nil {
		return nil, yerrors.New(yerrors.NotFound, "shm", "GetExt", key)
	}
	return e.Value(), nil
}

func encodeUint(v uint64) []byte { return []byte(fmt.Sprintf("%d", v)) }

func decodeUint(b []byte) uint64 {
	var v uint64
	fmt.Sscanf(string(b), "%d", &v)
	return v
}

func isKeyExists(err error) bool {
	return err != nil && (err == jetstream.ErrKeyExists)
}

func isWrongRevision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
