// Package dsplugin declares the datastore plugin ABI the commit
// orchestrator calls to actually land bytes in a file, a database, or
// memory, per spec.md §6. Concrete plugins are external collaborators;
// this module only defines the interface and ships an in-memory reference
// implementation (mem subpackage) used by tests.
package dsplugin

import (
	"context"
	"time"

	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/types"
)

// Plugin is the datastore plugin ABI: init/destroy, store/load/copy,
// access checks, candidate reset, and notification persistence/replay.
type Plugin interface {
	Init(ctx context.Context, module string) error
	Destroy(ctx context.Context, module string) error

	Store(ctx context.Context, module string, kind types.DatastoreKind, tree schema.Tree) error
	Load(ctx context.Context, module string, kind types.DatastoreKind) (schema.Tree, error)
	Copy(ctx context.Context, module string, src, dst types.DatastoreKind) error

	AccessCheck(ctx context.Context, module, user string, write bool) (bool, error)
	CandidateReset(ctx context.Context, module string) error
	RunningModified(ctx context.Context, module string) (bool, error)

	NotifAppend(ctx context.Context, module string, ts time.Time, payload []byte) error
	NotifReplayIter(ctx context.Context, module string, start, stop time.Time) (ReplayIterator, error)
}

// ReplayIterator streams persisted notifications in non-decreasing
// timestamp order.
type ReplayIterator interface {
	Next(ctx context.Context) (types.ReplayEntry, bool, error)
	Close() error
}
