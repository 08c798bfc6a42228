// Package health implements the datastore's component health model:
// per-component status, aggregation across components, and a Monitor a
// process can poll or expose over HTTP. Adapted from the teacher's
// health/status.go, health/helpers.go, and health/monitor.go — narrowed
// to this module's own component set (connection, shared metadata
// region, lock table) in place of the teacher's component registry.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/locktable"
	"github.com/c360/yangstore/shm"
)

// Status is a single component's health snapshot.
type Status struct {
	Component   string
	Healthy     bool
	State       string // "healthy", "unhealthy", "degraded"
	Message     string
	Timestamp   time.Time
	SubStatuses []Status
}

// IsHealthy reports whether State is "healthy".
func (s Status) IsHealthy() bool { return s.State == "healthy" }

// IsDegraded reports whether State is "degraded".
func (s Status) IsDegraded() bool { return s.State == "degraded" }

// IsUnhealthy reports whether State is "unhealthy".
func (s Status) IsUnhealthy() bool { return s.State == "unhealthy" }

// NewHealthy builds a healthy Status.
func NewHealthy(component, message string) Status {
	return Status{Component: component, Healthy: true, State: "healthy", Message: message, Timestamp: time.Now()}
}

// NewUnhealthy builds an unhealthy Status.
func NewUnhealthy(component, message string) Status {
	return Status{Component: component, Healthy: false, State: "unhealthy", Message: message, Timestamp: time.Now()}
}

// NewDegraded builds a degraded Status.
func NewDegraded(component, message string) Status {
	return Status{Component: component, Healthy: false, State: "degraded", Message: message, Timestamp: time.Now()}
}

// Aggregate rolls up sub-statuses: unhealthy if any sub-status is
// unhealthy, degraded if none are unhealthy but at least one is
// degraded, healthy otherwise.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no sub-components to aggregate")
	}
	var hasUnhealthy, hasDegraded bool
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}
	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "one or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "one or more sub-components are degraded")
	default:
		status = NewHealthy(component, "all sub-components are healthy")
	}
	status.SubStatuses = append([]Status(nil), subStatuses...)
	return status
}

// Monitor tracks the health of multiple named components.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records status under name.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get returns the last-recorded status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// GetAll returns a copy of every tracked component's status.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// AggregateHealth rolls up every tracked component under systemName.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	m.mu.RUnlock()
	return Aggregate(systemName, subs)
}

// Remove stops tracking name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// CheckConnection probes an ipc.Conn's NATS connection and records the
// result on the monitor under "connection".
func CheckConnection(m *Monitor, conn *ipc.Conn) {
	if conn.IsHealthy() {
		m.Update("connection", NewHealthy("connection", "connected to NATS"))
		return
	}
	m.Update("connection", NewUnhealthy("connection", "not connected: status "+conn.Status().String()))
}

// CheckGeneration probes the shared metadata region's pending-op queue
// and records the result under "shm": degraded once operations are
// queued but not yet drained by MaterializeGeneration.
func CheckGeneration(ctx context.Context, m *Monitor, region *shm.Region) {
	gen, err := region.Generation(ctx)
	if err != nil {
		m.Update("shm", NewUnhealthy("shm", err.Error()))
		return
	}
	if n := region.PendingCount(); n > 0 {
		m.Update("shm", NewDegraded("shm", "generation "+itoa(gen)+" has pending undrained operations"))
		return
	}
	m.Update("shm", NewHealthy("shm", "generation "+itoa(gen)))
}

// CheckLockTable records whether module is currently flagged
// inconsistent (a dead write-lock holder was recovered) under
// "locktable.<module>".
func CheckLockTable(m *Monitor, locks *locktable.Table, module string) {
	name := "locktable." + module
	if locks.Inconsistent(module) {
		m.Update(name, NewDegraded(name, "recovered a dead write-lock holder's lease"))
		return
	}
	m.Update(name, NewHealthy(name, "no recovered lease inconsistency"))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
