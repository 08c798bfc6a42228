// Package ipc provides the cross-process transport the shared metadata
// region, module lock table, Sub-SHM rings, and replay log all attach to.
// It is adapted from the teacher's natsclient.Client: a NATS connection
// with a circuit breaker, wrapped with the JetStream KV and stream
// helpers the rest of this module uses as its "shared memory" substrate,
// per the design notes' "global mutable state -> typed handle + shared
// mapping" rule.
package ipc

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Status represents the state of the underlying NATS connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = stderrors.New("not connected to ipc transport")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Conn manages the connection to the shared transport, with a circuit
// breaker so a flapping NATS server degrades rather than wedging callers.
type Conn struct {
	url    string
	status atomic.Value
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream

	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Value
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration

	closed atomic.Bool
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(c *Conn) { c.logger = l } }

// WithCircuitThreshold overrides the number of consecutive failures before
// the circuit opens.
func WithCircuitThreshold(n int32) Option { return func(c *Conn) { c.circuitThreshold = n } }

// New creates a Conn bound to url, unconnected until Connect is called.
func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:              url,
		logger:           slog.Default(),
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		timeout:          5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	return c
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	v := c.status.Load()
	if v == nil {
		return StatusDisconnected
	}
	return v.(Status)
}

func (c *Conn) setStatus(s Status) { c.status.Store(s) }

// IsHealthy reports whether the transport is currently usable.
func (c *Conn) IsHealthy() bool { return c.Status() == StatusConnected }

func (c *Conn) recordFailure() {
	c.failures.Add(1)
	if c.circuitFailures.Add(1) >= c.circuitThreshold {
		if c.status.CompareAndSwap(c.Status(), StatusCircuitOpen) {
			cur := c.backoff.Load().(time.Duration)
			next := cur * 2
			if next > c.maxBackoff {
				next = c.maxBackoff
			}
			c.backoff.Store(next)
			c.circuitFailures.Store(0)
			time.AfterFunc(cur, c.testCircuit)
		}
	}
}

func (c *Conn) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Conn) testCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// Connect establishes the NATS connection and initializes JetStream.
func (c *Conn) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)

	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, _ error) { c.setStatus(StatusReconnecting) }),
		nats.ReconnectHandler(func(_ *nats.Conn) { c.setStatus(StatusConnected); c.resetCircuit() }),
		nats.ClosedHandler(func(_ *nats.Conn) { c.setStatus(StatusDisconnected) }),
	}

	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			done <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- err
			return
		}
		c.mu.Lock()
		c.conn, c.js = conn, js
		c.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			c.recordFailure()
			if c.Status() != StatusCircuitOpen {
				c.setStatus(StatusDisconnected)
			}
			return fmt.Errorf("ipc: connect %s: %w", c.url, err)
		}
	case <-ctx.Done():
		c.recordFailure()
		return ctx.Err()
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	return nil
}

// Close drains and closes the connection.
func (c *Conn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.conn.Drain() }()
	select {
	case err := <-done:
		if err != nil {
			c.conn.Close()
			return err
		}
	case <-ctx.Done():
		c.conn.Close()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		c.conn.Close()
	}
	c.setStatus(StatusDisconnected)
	return nil
}

// JetStream returns the JetStream context, failing if not connected.
func (c *Conn) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// NATSConn exposes the raw *nats.Conn for subject publish/subscribe use by
// Sub-SHM, guarded the same way as JetStream().
func (c *Conn) NATSConn() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// EnsureKV gets-or-creates a JetStream KV bucket, tolerating the benign
// create/get race the teacher's natsclient.CreateKeyValueBucket handles.
func (c *Conn) EnsureKV(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	if kv, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return kv, nil
	}
	kv, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExists(err) {
			return js.KeyValue(ctx, cfg.Bucket)
		}
		c.recordFailure()
		return nil, err
	}
	c.resetCircuit()
	return kv, nil
}

// EnsureStream gets-or-creates a JetStream stream.
func (c *Conn) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	if s, err := js.Stream(ctx, cfg.Name); err == nil {
		return s, nil
	}
	s, err := js.CreateStream(ctx, cfg)
	if err != nil {
		if isAlreadyExists(err) {
			return js.Stream(ctx, cfg.Name)
		}
		c.recordFailure()
		return nil, err
	}
	c.resetCircuit()
	return s, nil
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "already in use") || strings.Contains(s, "already exists")
}
