package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsDisconnected(t *testing.T) {
	c := New("nats://localhost:4222")
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	c := New("nats://invalid:4222", WithCircuitThreshold(3))

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
}

func TestCircuitBreakerResets(t *testing.T) {
	c := New("nats://invalid:4222", WithCircuitThreshold(2))
	c.recordFailure()
	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, int32(0), c.circuitFailures.Load())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", Status(99).String())
}

func TestBackoffDoubles(t *testing.T) {
	c := New("nats://invalid:4222", WithCircuitThreshold(1))
	c.recordFailure()
	first := c.backoff.Load().(time.Duration)
	assert.Equal(t, 2*time.Second, first)

	c.testCircuit()
	c.recordFailure()
	second := c.backoff.Load().(time.Duration)
	assert.Equal(t, 4*time.Second, second)
}
