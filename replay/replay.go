// Package replay implements the per-module replay log (C8): an
// append-only JetStream stream of notification entries, with Replay
// opening a time-anchored consumer that drains history, announces
// completion, and optionally hands off to a live feed.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/metric"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

// Log is the replay log for every replay-enabled module, backed by one
// JetStream stream per module.
type Log struct {
	conn    *ipc.Conn
	metrics *metric.Metrics
}

// New creates a Log bound to conn. metrics may be nil.
func New(conn *ipc.Conn, metrics *metric.Metrics) *Log {
	return &Log{conn: conn, metrics: metrics}
}

func streamName(module string) string { return fmt.Sprintf("REPLAY_%s", module) }
func subject(module string) string    { return fmt.Sprintf("replay.%s", module) }

// EnsureStream gets-or-creates module's replay stream.
func (l *Log) EnsureStream(ctx context.Context, module string) error {
	_, err := l.conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     streamName(module),
		Subjects: []string{subject(module)},
	})
	if err != nil {
		return yerrors.Wrap(err, yerrors.System, "replay", "EnsureStream", module)
	}
	return nil
}

// Append logs one notification for module. Entries are never mutated
// or reordered once appended, per spec.md §4.6.
func (l *Log) Append(ctx context.Context, module string, entry types.ReplayEntry) error {
	js, err := l.conn.JetStream()
	if err != nil {
		return yerrors.Wrap(err, yerrors.System, "replay", "Append", module)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return yerrors.Wrap(err, yerrors.Internal, "replay", "Append", "marshal")
	}
	if _, err := js.Publish(ctx, subject(module), b); err != nil {
		return yerrors.Wrap(err, yerrors.System, "replay", "Append", "publish")
	}
	return nil
}

// Replay opens an iterator at the first entry with timestamp >= start
// (or at the beginning of the log if start is zero), delivers every
// matching entry as an EventReplay event, emits one EventReplayComplete
// once caught up, then — if stop is zero or still in the future —
// transitions to a live feed and emits EventRealtime, finally emitting
// EventStop once stop elapses. The returned channel is closed when the
// feed ends, either because ctx was canceled or stop was reached with
// no further live phase pending.
func (l *Log) Replay(ctx context.Context, module string, start, stop time.Time) (<-chan types.Event, error) {
	js, err := l.conn.JetStream()
	if err != nil {
		return nil, yerrors.Wrap(err, yerrors.System, "replay", "Replay", module)
	}

	cfg := jetstream.ConsumerConfig{FilterSubject: subject(module)}
	if start.IsZero() {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	} else {
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &start
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName(module), cfg)
	if err != nil {
		return nil, yerrors.Wrap(err, yerrors.System, "replay", "Replay", "create consumer")
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, yerrors.Wrap(err, yerrors.System, "replay", "Replay", "consumer info")
	}

	out := make(chan types.Event, 16)
	go l.run(ctx, consumer, module, info.NumPending, stop, out)
	return out, nil
}

func (l *Log) run(ctx context.Context, consumer jetstream.Consumer, module string, pending uint64, stop time.Time, out chan types.Event) {
	defer close(out)

	caughtUp := make(chan struct{})
	var once sync.Once
	var delivered uint64

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var entry types.ReplayEntry
		_ = json.Unmarshal(msg.Data(), &entry)
		msg.Ack()

		select {
		case out <- types.Event{
			ID:               uuid.New(),
			Kind:             types.EventReplay,
			Module:           module,
			RawPayload:       msg.Data(),
			RequestTimestamp: entry.Timestamp,
		}:
		case <-ctx.Done():
		}

		if l.metrics != nil && !entry.Timestamp.IsZero() {
			l.metrics.SetReplayLag(module, time.Since(entry.Timestamp).Seconds())
		}

		delivered++
		if pending > 0 && delivered >= pending {
			once.Do(func() { close(caughtUp) })
		}
	})
	if err != nil {
		return
	}
	defer cc.Stop()

	if pending == 0 {
		once.Do(func() { close(caughtUp) })
	}

	select {
	case <-caughtUp:
	case <-ctx.Done():
		return
	}

	select {
	case out <- types.Event{ID: uuid.New(), Kind: types.EventReplayComplete, Module: module}:
	case <-ctx.Done():
		return
	}

	if !stop.IsZero() && !stop.After(time.Now()) {
		select {
		case out <- types.Event{ID: uuid.New(), Kind: types.EventStop, Module: module}:
		case <-ctx.Done():
		}
		return
	}

	select {
	case out <- types.Event{ID: uuid.New(), Kind: types.EventRealtime, Module: module}:
	case <-ctx.Done():
		return
	}

	if stop.IsZero() {
		<-ctx.Done()
		return
	}

	timer := time.NewTimer(time.Until(stop))
	defer timer.Stop()
	select {
	case <-timer.C:
		select {
		case out <- types.Event{ID: uuid.New(), Kind: types.EventStop, Module: module}:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}
