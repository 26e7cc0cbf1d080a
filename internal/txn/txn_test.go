package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/config"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/storage"
)

func TestManager_BeginAssignsIncreasingIDs(t *testing.T) {
	m := NewManager(config.ReadCommitted)

	t1 := m.Begin()
	t2 := m.Begin()

	require.Less(t, t1.ID(), t2.ID())
	require.Equal(t, Growing, t1.State())
}

func TestManager_GetTransactionReturnsRegisteredTxn(t *testing.T) {
	m := NewManager(config.ReadCommitted)
	t1 := m.Begin()

	got := m.GetTransaction(t1.ID())
	require.Same(t, t1, got)
}

func TestManager_CommitAndAbortSetTerminalState(t *testing.T) {
	m := NewManager(config.ReadCommitted)
	t1 := m.Begin()
	m.Commit(t1)
	require.Equal(t, Committed, t1.State())

	t2 := m.Begin()
	m.Abort(t2)
	require.Equal(t, Aborted, t2.State())
}

func TestManager_Forget(t *testing.T) {
	m := NewManager(config.ReadCommitted)
	t1 := m.Begin()
	m.Forget(t1.ID())
	require.Nil(t, m.GetTransaction(t1.ID()))
}

func TestTransaction_LockSetsTrackSharedAndExclusiveRows(t *testing.T) {
	m := NewManager(config.ReadCommitted)
	tr := m.Begin()

	rid1 := heap.RowID{PageID: storage.PageID(1), Slot: 0}
	rid2 := heap.RowID{PageID: storage.PageID(2), Slot: 1}

	tr.AddShared(rid1)
	tr.AddExclusive(rid2)

	require.True(t, tr.HoldsShared(rid1))
	require.False(t, tr.HoldsShared(rid2))
	require.ElementsMatch(t, []heap.RowID{rid1}, tr.SharedLockSet())
	require.ElementsMatch(t, []heap.RowID{rid2}, tr.ExclusiveLockSet())

	tr.RemoveShared(rid1)
	require.False(t, tr.HoldsShared(rid1))
	require.Empty(t, tr.SharedLockSet())

	tr.RemoveExclusive(rid2)
	require.Empty(t, tr.ExclusiveLockSet())
}

func TestTransaction_SetShrinkingOnlyTransitionsFromGrowing(t *testing.T) {
	m := NewManager(config.ReadCommitted)
	tr := m.Begin()

	tr.SetShrinking()
	require.Equal(t, Shrinking, tr.State())

	m.Commit(tr)
	tr.SetShrinking()
	require.Equal(t, Committed, tr.State())
}

func TestTransaction_PrevLSNTracksLogChainTail(t *testing.T) {
	m := NewManager(config.ReadCommitted)
	tr := m.Begin()

	require.EqualValues(t, -1, tr.PrevLSN())
	tr.SetPrevLSN(7)
	require.EqualValues(t, 7, tr.PrevLSN())
}
