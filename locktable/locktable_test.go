package locktable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/yangstore/ipc"
	"github.com/c360/yangstore/ipctest"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

func openTestTable(t *testing.T) (*Table, func()) {
	t.Helper()
	url := ipctest.NewNATSURL(t)
	conn := ipc.New(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("could not connect to test NATS server at %s: %v", url, err)
	}
	tbl, err := Open(context.Background(), conn, time.Second, nil)
	require.NoError(t, err)
	return tbl, func() { conn.Close(context.Background()) }
}

func TestReadLockExcludesWriter(t *testing.T) {
	tbl, closeFn := openTestTable(t)
	defer closeFn()
	ctx := context.Background()

	require.NoError(t, tbl.ReadLock(ctx, "m"))

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := tbl.WriteLock(wctx, "m", "writer-1", false)
	require.Error(t, err)

	require.NoError(t, tbl.ReadUnlock("m"))
}

func TestUpgradableReadThenWrite(t *testing.T) {
	tbl, closeFn := openTestTable(t)
	defer closeFn()
	ctx := context.Background()

	require.NoError(t, tbl.UpgradableReadLock(ctx, "m2", "sess-1"))
	require.NoError(t, tbl.WriteLock(ctx, "m2", "sess-1", true))
	require.NoError(t, tbl.WriteUnlock(ctx, "m2", "sess-1"))
}

func TestDSLockNotReentrant(t *testing.T) {
	tbl, closeFn := openTestTable(t)
	defer closeFn()

	require.NoError(t, tbl.DSLock("m3", types.SessionID(1)))
	err := tbl.DSLock("m3", types.SessionID(1))
	require.Error(t, err)

	err = tbl.DSUnlock("m3", types.SessionID(2))
	require.Error(t, err)

	require.NoError(t, tbl.DSUnlock("m3", types.SessionID(1)))
	err = tbl.DSUnlock("m3", types.SessionID(1))
	require.Error(t, err)
}

// TestWholeDatastoreLockReentryAndStrayUnlock carries forward the
// original implementation's tests/test_lock.c scenario: a second
// whole-datastore lock returns locked, a per-module lock taken while
// the whole datastore is locked returns locked, and unlocking a module
// that is no longer locked returns operation_failed.
func TestWholeDatastoreLockReentryAndStrayUnlock(t *testing.T) {
	tbl, closeFn := openTestTable(t)
	defer closeFn()

	sess := types.SessionID(1)
	require.NoError(t, tbl.DSLockDatastore([]string{"test", "when2"}, sess))

	err := tbl.DSLockDatastore([]string{"test", "when2"}, sess)
	require.Error(t, err)
	require.Equal(t, yerrors.Locked, yerrors.CodeOf(err))

	err = tbl.DSLock("test", types.SessionID(2))
	require.Error(t, err)
	require.Equal(t, yerrors.Locked, yerrors.CodeOf(err))

	require.NoError(t, tbl.DSUnlockDatastore(sess))

	err = tbl.DSUnlock("when2", sess)
	require.Error(t, err)
	require.Equal(t, yerrors.OperationFailed, yerrors.CodeOf(err))
}

func TestWriteLockLeaseRecoveryAfterDeath(t *testing.T) {
	// Two Table instances over the same NATS server stand in for two
	// processes: each has its own in-process lock state but shares the
	// MODULE_LOCKS bucket, so only the cross-process lease carries the
	// dead holder's claim.
	tblA, closeA := openTestTable(t)
	defer closeA()
	tblB, closeB := openTestTable(t)
	defer closeB()
	ctx := context.Background()

	require.NoError(t, tblA.WriteLock(ctx, "m4", "sess-a", false))
	// Simulate the holder dying: stop renewal without calling WriteUnlock,
	// leaving its lease key behind in the bucket.
	tblA.mu.Lock()
	h := tblA.leases["m4"]
	tblA.mu.Unlock()
	h.cancel()
	<-h.done

	// Sleep past the point sess-a would have renewed, but short of the
	// lease's own TTL, so the key is still present (stale) rather than
	// already expired — the window the liveness check is meant to catch.
	time.Sleep(400 * time.Millisecond)

	require.NoError(t, tblB.WriteLock(ctx, "m4", "sess-b", false))
	require.True(t, tblB.Inconsistent("m4"))
	tblB.ClearInconsistent("m4")
	require.False(t, tblB.Inconsistent("m4"))
}
