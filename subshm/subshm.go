// Package subshm implements the Sub-SHM ring: a per-(module,
// subscription-kind) bounded queue of events with an acknowledgement
// bitmap. The in-process half is a generic ring buffer directly adapted
// from the teacher's circularBuffer[T], carrying the same Block overflow
// policy and sync.Cond wait/signal discipline; Post additionally
// publishes onto a JetStream stream so subscribers living in other
// processes can tail the same event sequence.
package subshm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/metric"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

// Ring is a thread-safe, fixed-capacity queue of events for one
// (module, subscription kind) pair, with Block overflow semantics:
// Post waits for room rather than dropping or rejecting, since losing a
// change event would violate the "every registered subscriber is
// offered every event" totality property.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int
	tail     int

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

// NewRing creates an in-process ring of the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring[T]{items: make([]T, capacity), capacity: capacity}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// Push blocks until there is room, then enqueues item.
func (r *Ring[T]) Push(ctx context.Context, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.size == r.capacity && !r.closed {
		if !waitCtx(ctx, &r.mu, r.notFull) {
			return ctx.Err()
		}
	}
	if r.closed {
		return yerrors.New(yerrors.OperationFailed, "subshm", "Push", "ring closed")
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.notEmpty.Signal()
	return nil
}

// Pop blocks until an item is available or the ring is closed.
func (r *Ring[T]) Pop(ctx context.Context) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for r.size == 0 && !r.closed {
		if !waitCtx(ctx, &r.mu, r.notEmpty) {
			return zero, false
		}
	}
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.notFull.Signal()
	return item, true
}

// Size returns the current queue depth.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Close wakes every blocked Push/Pop caller.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
}

func waitCtx(ctx context.Context, mu *sync.Mutex, cond *sync.Cond) bool {
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

// Key identifies a single Sub-SHM ring.
type Key struct {
	Module string
	Kind   types.SubscriptionKind
}

func (k Key) subject() string   { return fmt.Sprintf("subshm.%s.%d", k.Module, k.Kind) }
func (k Key) streamName() string { return fmt.Sprintf("SUBSHM_%s_%d", k.Module, k.Kind) }

// Manager owns every Sub-SHM ring and its cross-process JetStream
// mirror, plus the per-event acknowledgement bitmap.
type Manager struct {
	conn     *ipc.Conn
	capacity int
	metrics  *metric.Metrics

	mu    sync.Mutex
	rings map[Key]*Ring[types.Event]
	acks  map[string]*ackState // keyed by Event.ID string
}

type ackState struct {
	mu      sync.Mutex
	bitmap  map[uint64]bool
	total   int
	waiters []chan struct{}
	key     Key
}

// NewManager creates a Manager; capacity bounds each ring's in-process
// depth. metrics may be nil.
func NewManager(conn *ipc.Conn, capacity int, metrics *metric.Metrics) *Manager {
	return &Manager{
		conn:     conn,
		capacity: capacity,
		metrics:  metrics,
		rings:    make(map[Key]*Ring[types.Event]),
		acks:     make(map[string]*ackState),
	}
}

func (m *Manager) ringFor(key Key) *Ring[types.Event] {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[key]
	if !ok {
		r = NewRing[types.Event](m.capacity)
		m.rings[key] = r
	}
	return r
}

// Post enqueues ev locally and publishes it to the cross-process
// subject, registering an ack bitmap sized for subscriberCount.
func (m *Manager) Post(ctx context.Context, key Key, ev types.Event, subscriberCount int) error {
	m.registerAck(ev.ID.String(), key, subscriberCount)

	if err := m.ringFor(key).Push(ctx, ev); err != nil {
		return err
	}

	payload, err := encodeEvent(ev)
	if err != nil {
		return yerrors.Wrap(err, yerrors.Internal, "subshm", "Post", "encode")
	}
	if nc, err := m.conn.NATSConn(); err == nil {
		if pubErr := nc.Publish(key.subject(), payload); pubErr != nil {
			return yerrors.Wrap(pubErr, yerrors.System, "subshm", "Post", "publish")
		}
	}
	return nil
}

// EnsureStream gets-or-creates the JetStream stream backing key's
// cross-process leg.
func (m *Manager) EnsureStream(ctx context.Context, key Key) error {
	_, err := m.conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     key.streamName(),
		Subjects: []string{key.subject()},
	})
	if err != nil {
		return yerrors.Wrap(err, yerrors.System, "subshm", "EnsureStream", key.subject())
	}
	return nil
}

// Pop retrieves the next locally queued event for key.
func (m *Manager) Pop(ctx context.Context, key Key) (types.Event, bool) {
	return m.ringFor(key).Pop(ctx)
}

func (m *Manager) registerAck(eventID string, key Key, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks[eventID] = &ackState{bitmap: make(map[uint64]bool), total: count, key: key}
}

// Ack records subscriberID's acknowledgement of eventID and wakes any
// Wait callers once every subscriber has acked.
func (m *Manager) Ack(eventID string, subscriberID uint64) {
	m.mu.Lock()
	a, ok := m.acks[eventID]
	m.mu.Unlock()
	if !ok {
		return
	}
	a.mu.Lock()
	a.bitmap[subscriberID] = true
	full := len(a.bitmap) >= a.total
	var waiters []chan struct{}
	if full {
		waiters = a.waiters
		a.waiters = nil
	}
	a.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Wait blocks until eventID's ack bitmap is full or timeout elapses; on
// timeout it returns the set of subscriber ids that never acked, which
// the caller converts into synthetic aborts per spec.md §4.4.
func (m *Manager) Wait(ctx context.Context, eventID string, subscriberIDs []uint64, timeout time.Duration) (unacked []uint64, err error) {
	m.mu.Lock()
	a, ok := m.acks[eventID]
	m.mu.Unlock()
	if !ok {
		return nil, yerrors.New(yerrors.NotFound, "subshm", "Wait", "unknown event id")
	}
	start := time.Now()

	a.mu.Lock()
	if len(a.bitmap) >= a.total {
		a.mu.Unlock()
		m.observeAckWait(a.key, start)
		return nil, nil
	}
	done := make(chan struct{})
	a.waiters = append(a.waiters, done)
	a.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
	case <-tctx.Done():
	}
	m.observeAckWait(a.key, start)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range subscriberIDs {
		if !a.bitmap[id] {
			unacked = append(unacked, id)
		}
	}
	if len(unacked) > 0 {
		if m.metrics != nil {
			m.metrics.RecordAckTimeout(a.key.Module, kindLabel(a.key.Kind))
		}
		return unacked, yerrors.New(yerrors.Timeout, "subshm", "Wait", "not all subscribers acked")
	}
	return nil, nil
}

func (m *Manager) observeAckWait(key Key, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveAckWait(key.Module, kindLabel(key.Kind), time.Since(start).Seconds())
}

func kindLabel(k types.SubscriptionKind) string {
	switch k {
	case types.ModuleChange:
		return "module_change"
	case types.RPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// ClearAck discards eventID's ack bitmap once the commit phase that
// created it has completed.
func (m *Manager) ClearAck(eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.acks, eventID)
}

func encodeEvent(ev types.Event) ([]byte, error) {
	return json.Marshal(ev)
}
