package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/ipctest"
	"github.com/c360/yangstore/locktable"
	"github.com/c360/yangstore/shm"
	"github.com/c360/yangstore/types"
)

func TestAggregateReflectsWorstSubStatus(t *testing.T) {
	healthy := Aggregate("sys", []Status{NewHealthy("a", "ok"), NewHealthy("b", "ok")})
	require.True(t, healthy.IsHealthy())

	degraded := Aggregate("sys", []Status{NewHealthy("a", "ok"), NewDegraded("b", "slow")})
	require.True(t, degraded.IsDegraded())

	unhealthy := Aggregate("sys", []Status{NewDegraded("a", "slow"), NewUnhealthy("b", "down")})
	require.True(t, unhealthy.IsUnhealthy())
}

func TestMonitorUpdateGetAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.Update("locktable.m1", NewHealthy("locktable.m1", "ok"))
	m.Update("connection", NewUnhealthy("connection", "down"))

	got, ok := m.Get("connection")
	require.True(t, ok)
	require.True(t, got.IsUnhealthy())

	agg := m.AggregateHealth("yangstore")
	require.True(t, agg.IsUnhealthy())

	m.Remove("connection")
	agg2 := m.AggregateHealth("yangstore")
	require.True(t, agg2.IsHealthy())
}

func newTestConn(t *testing.T) *ipc.Conn {
	t.Helper()
	url := ipctest.NewNATSURL(t)
	conn := ipc.New(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("could not connect to test NATS server at %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func TestCheckConnectionRecordsHealthy(t *testing.T) {
	conn := newTestConn(t)
	m := NewMonitor()
	CheckConnection(m, conn)

	got, ok := m.Get("connection")
	require.True(t, ok)
	require.True(t, got.IsHealthy())
}

func TestCheckGenerationRecordsPendingAsDegraded(t *testing.T) {
	conn := newTestConn(t)
	region, err := shm.Open(context.Background(), conn)
	require.NoError(t, err)

	m := NewMonitor()
	CheckGeneration(context.Background(), m, region)
	got, ok := m.Get("shm")
	require.True(t, ok)
	require.True(t, got.IsHealthy())

	region.Install(types.Module{Name: "health-test-mod"})
	CheckGeneration(context.Background(), m, region)
	got, ok = m.Get("shm")
	require.True(t, ok)
	require.True(t, got.IsDegraded())
}

func TestCheckLockTableRecordsConsistentModuleAsHealthy(t *testing.T) {
	conn := newTestConn(t)
	tbl, err := locktable.Open(context.Background(), conn, time.Second, nil)
	require.NoError(t, err)

	m := NewMonitor()
	CheckLockTable(m, tbl, "no-such-module")
	got, ok := m.Get("locktable.no-such-module")
	require.True(t, ok)
	require.True(t, got.IsHealthy())
}
