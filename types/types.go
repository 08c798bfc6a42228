// Package types holds the shared data-model declarations for the
// datastore core: modules, datastores, sessions, connections, module
// locks, change records, events, and replay entries, per the system's
// data model.
package types

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DatastoreKind names the datastore a session binds to.
type DatastoreKind int

const (
	Startup DatastoreKind = iota
	Running
	Operational
	Candidate
)

func (k DatastoreKind) String() string {
	switch k {
	case Startup:
		return "startup"
	case Running:
		return "running"
	case Operational:
		return "operational"
	case Candidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// EditOp classifies a single diff entry or a staged edit operation.
type EditOp int

const (
	OpCreate EditOp = iota
	OpDelete
	OpModify
	OpMove
)

func (o EditOp) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	case OpMove:
		return "move"
	default:
		return "unknown"
	}
}

// MovePosition names one of the four valid anchor positions for Move.
type MovePosition int

const (
	Before MovePosition = iota
	After
	First
	Last
)

func (p MovePosition) String() string {
	switch p {
	case Before:
		return "before"
	case After:
		return "after"
	case First:
		return "first"
	case Last:
		return "last"
	default:
		return "unknown"
	}
}

// SubscriptionKind names one of the five subscriber categories.
type SubscriptionKind int

const (
	ModuleChange SubscriptionKind = iota
	OperationalGet
	RPC
	Notification
	YangPush
)

func (k SubscriptionKind) String() string {
	switch k {
	case ModuleChange:
		return "module-change"
	case OperationalGet:
		return "operational-get"
	case RPC:
		return "rpc"
	case Notification:
		return "notification"
	case YangPush:
		return "yang-push"
	default:
		return "unknown"
	}
}

// SubscriptionFlags are composable bitwise flags on a subscription.
type SubscriptionFlags uint8

const (
	FlagCtxReuse SubscriptionFlags = 1 << iota
	FlagPassive
	FlagDoneOnly
	FlagEnabled
	FlagUpdate
)

func (f SubscriptionFlags) Has(flag SubscriptionFlags) bool { return f&flag != 0 }

// EventKind names the phase or notification kind carried by an Event.
type EventKind int

const (
	EventUpdate EventKind = iota
	EventChange
	EventDone
	EventAbort
	EventRPC
	EventNotif
	EventOperGet
	EventReplay
	EventReplayComplete
	EventStop
	EventRealtime
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventChange:
		return "change"
	case EventDone:
		return "done"
	case EventAbort:
		return "abort"
	case EventRPC:
		return "rpc"
	case EventNotif:
		return "notif"
	case EventOperGet:
		return "oper-get"
	case EventReplay:
		return "replay"
	case EventReplayComplete:
		return "replay_complete"
	case EventStop:
		return "stop"
	case EventRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// Module mirrors the fixed and variable-length module metadata record
// carried in the shared metadata region.
type Module struct {
	Name            string
	Revision        string
	Owner           string
	Group           string
	Mode            uint32
	ReplayEnabled   bool
	Features        map[string]bool
	Implemented     bool
	PluginID        map[DatastoreKind]string
	Generation      uint64
	RPCPaths        []string
	NotifPaths      []string
}

// ChangeEntry is one classified node in a change record (Δ).
type ChangeEntry struct {
	XPath    string
	Op       EditOp
	OldValue any
	NewValue any
	// Position and Anchor are set only for Op == OpMove.
	Position MovePosition
	Anchor   string
}

// ChangeRecord (Δ) is a list of classified per-node operations, sorted by
// schema depth ascending for creates and descending for deletes.
type ChangeRecord struct {
	Entries []ChangeEntry
}

// Modules returns the deduplicated set of module names touched by the
// change record, in first-seen order — the orchestrator then sorts this
// deterministically before acquiring locks.
func (c *ChangeRecord) Modules(moduleOf func(xpath string) string) []string {
	seen := make(map[string]bool)
	var mods []string
	for _, e := range c.Entries {
		m := moduleOf(e.XPath)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		mods = append(mods, m)
	}
	return mods
}

// Event is the unit of data carried through Sub-SHM slots.
type Event struct {
	ID                 uuid.UUID
	Kind               EventKind
	Module             string
	Priority           int32
	Payload            *ChangeRecord
	RawPayload         []byte
	OriginatorSessionID uint64
	OriginatorNCID     uint64
	RequestTimestamp   time.Time
	// AckBitmap is populated by the waiting orchestrator, not the wire
	// format; it tracks which subscriber ids have acknowledged.
	AckBitmap map[uint64]bool
}

// ReplayEntry is a single notification logged for later replay.
type ReplayEntry struct {
	Timestamp time.Time
	XPath     string
	Payload   []byte
}

// Originator carries the originator identity/free-form data a session may
// attach for audit purposes, recovered from the original implementation's
// sr_session_set_orig_name/sr_session_set_orig_data.
type Originator struct {
	Name string
	Data []byte
}

// SessionID uniquely identifies a session within a connection.
type SessionID uint64

// ConnectionID uniquely identifies a connection on the host.
type ConnectionID uint64

// CtxKey is used to stash request-scoped values (e.g. the originating
// session id) on a context.Context passed through callback boundaries.
type CtxKey string

const CtxKeySessionID CtxKey = "yangstore.session_id"

// SessionIDFromContext extracts a session id stashed by the orchestrator
// when invoking an in-process callback, defaulting to zero when absent.
func SessionIDFromContext(ctx context.Context) SessionID {
	v, _ := ctx.Value(CtxKeySessionID).(SessionID)
	return v
}
