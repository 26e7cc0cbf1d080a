package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/config"
	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/txn"
)

func newTestManager(t *testing.T) (*Manager, *txn.Manager) {
	t.Helper()
	txnMgr := txn.NewManager(config.Repeatable)
	return New(txnMgr, 20*time.Millisecond, nil, nil), txnMgr
}

func TestLockManager_SharedLocksAreCompatible(t *testing.T) {
	m, txnMgr := newTestManager(t)
	rid := heap.RowID{PageID: 1, Slot: 1}
	t1 := txnMgr.Begin()
	t2 := txnMgr.Begin()

	require.NoError(t, m.LockShared(t1, rid))
	require.NoError(t, m.LockShared(t2, rid))
}

func TestLockManager_ExclusiveExcludesShared(t *testing.T) {
	m, txnMgr := newTestManager(t)
	rid := heap.RowID{PageID: 1, Slot: 1}
	t1 := txnMgr.Begin()
	t2 := txnMgr.Begin()

	require.NoError(t, m.LockExclusive(t1, rid))

	done := make(chan error, 1)
	go func() { done <- m.LockShared(t2, rid) }()

	select {
	case <-done:
		t.Fatal("t2 should have blocked behind t1's exclusive lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock(t1, rid))
	require.NoError(t, <-done)
}

// TestLockManager_S6_UpgradeConflict mirrors scenario S6.
func TestLockManager_S6_UpgradeConflict(t *testing.T) {
	m, txnMgr := newTestManager(t)
	rid := heap.RowID{PageID: 7, Slot: 0}
	t1 := txnMgr.Begin()
	t2 := txnMgr.Begin()
	t3 := txnMgr.Begin()

	require.NoError(t, m.LockShared(t1, rid))
	require.NoError(t, m.LockShared(t2, rid))
	require.NoError(t, m.LockShared(t3, rid))

	upgradeDone := make(chan error, 1)
	go func() { upgradeDone <- m.LockUpgrade(t1, rid) }()
	time.Sleep(20 * time.Millisecond)

	err := m.LockUpgrade(t2, rid)
	require.Error(t, err)
	reason, ok := dberr.IsTxnAborted(err)
	require.True(t, ok)
	require.Equal(t, dberr.UpgradeConflict, reason)

	require.NoError(t, m.Unlock(t3, rid))

	select {
	case err := <-upgradeDone:
		require.NoError(t, err)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("t1's upgrade should have completed once t2 and t3 released their shared locks")
	}
}

func TestLockManager_DeadlockDetector_AbortsYoungest(t *testing.T) {
	m, txnMgr := newTestManager(t)
	ridA := heap.RowID{PageID: 1, Slot: 0}
	ridB := heap.RowID{PageID: 2, Slot: 0}

	t1 := txnMgr.Begin()
	t2 := txnMgr.Begin()
	require.Less(t, t1.ID(), t2.ID())

	require.NoError(t, m.LockExclusive(t1, ridA))
	require.NoError(t, m.LockExclusive(t2, ridB))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() {
		defer wg.Done()
		err1 = m.LockExclusive(t1, ridB)
	}()
	go func() {
		defer wg.Done()
		err2 = m.LockExclusive(t2, ridA)
	}()
	wg.Wait()

	// Exactly one of the two waiters is aborted as the deadlock victim; the
	// other proceeds once the victim's locks are released.
	aborted := 0
	for _, e := range []error{err1, err2} {
		if e != nil {
			reason, ok := dberr.IsTxnAborted(e)
			require.True(t, ok)
			require.Equal(t, dberr.Deadlock, reason)
			aborted++
		}
	}
	require.Equal(t, 1, aborted)
	require.Equal(t, txn.Aborted, t2.State())
}
