package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "recovery.log"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_BeginRequiresNoActiveChain(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Begin(1)
	require.NoError(t, err)
	_, err = l.Begin(1)
	require.ErrorIs(t, err, ErrActiveChain)
}

func TestLog_WriteRequiresActiveChain(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Insert(1, "a", 1)
	require.ErrorIs(t, err, ErrNoActiveChain)

	_, err = l.Begin(1)
	require.NoError(t, err)
	_, err = l.Insert(1, "a", 1)
	require.NoError(t, err)
}

func TestLog_CommitAndAbortCloseTheChain(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Begin(1)
	require.NoError(t, err)
	_, err = l.Commit(1)
	require.NoError(t, err)
	_, err = l.Commit(1)
	require.ErrorIs(t, err, ErrNoActiveChain)

	_, err = l.Begin(2)
	require.NoError(t, err)
	_, err = l.Abort(2)
	require.NoError(t, err)
	_, err = l.Insert(2, "x", 1)
	require.ErrorIs(t, err, ErrNoActiveChain)
}

func TestLog_PrevLSNChaining(t *testing.T) {
	l := newTestLog(t)
	begin, err := l.Begin(1)
	require.NoError(t, err)
	require.Equal(t, invalidLSN, begin.PrevLSN)

	ins, err := l.Insert(1, "a", 1)
	require.NoError(t, err)
	require.Equal(t, begin.LSN, ins.PrevLSN)

	upd, err := l.Update(1, "a", 1, "b", 2)
	require.NoError(t, err)
	require.Equal(t, ins.LSN, upd.PrevLSN)
}

// TestRecovery_RedoThenUndo mirrors property 8: redo followed by undo on
// any log prefix produces the state of the database after executing the
// committed-or-earlier prefix of transactions in LSN order.
func TestRecovery_RedoThenUndo(t *testing.T) {
	l := newTestLog(t)

	// t1 inserts "a" and commits.
	_, err := l.Begin(1)
	require.NoError(t, err)
	_, err = l.Insert(1, "a", 10)
	require.NoError(t, err)
	_, err = l.Commit(1)
	require.NoError(t, err)

	// t2 inserts "b", updates "a", and crashes (no commit/abort record).
	_, err = l.Begin(2)
	require.NoError(t, err)
	_, err = l.Insert(2, "b", 20)
	require.NoError(t, err)
	_, err = l.Update(2, "a", 10, "a2", 11)
	require.NoError(t, err)

	mgr := NewManager(l, nil, nil)
	mgr.RedoPhase(0)

	// After redo alone, t2's effects are visible even though it never committed.
	v, ok := mgr.Data().Get("b")
	require.True(t, ok)
	require.Equal(t, int32(20), v)
	_, ok = mgr.Data().Get("a")
	require.False(t, ok, "update renamed the key, old one should be gone")
	v, ok = mgr.Data().Get("a2")
	require.True(t, ok)
	require.Equal(t, int32(11), v)

	mgr.UndoPhase()

	// t2 never committed, so undo must unwind it entirely: "b" disappears,
	// "a2" disappears, and "a" is restored to its committed value from t1.
	_, ok = mgr.Data().Get("b")
	require.False(t, ok)
	_, ok = mgr.Data().Get("a2")
	require.False(t, ok)
	v, ok = mgr.Data().Get("a")
	require.True(t, ok)
	require.Equal(t, int32(10), v)
}

func TestRecovery_AbortDuringRedoUndoesImmediately(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Begin(1)
	require.NoError(t, err)
	_, err = l.Insert(1, "k", 1)
	require.NoError(t, err)
	_, err = l.Abort(1)
	require.NoError(t, err)

	mgr := NewManager(l, nil, nil)
	mgr.RedoPhase(0)

	_, ok := mgr.Data().Get("k")
	require.False(t, ok)

	mgr.UndoPhase() // no-op: nothing left active
	_, ok = mgr.Data().Get("k")
	require.False(t, ok)
}

func TestRecovery_CheckpointSeedsImageAndActiveSet(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Begin(1)
	require.NoError(t, err)
	begin1, _ := l.Insert(1, "preexisting", 99)
	_ = begin1

	ckpt := NewCheckpoint(0)
	ckpt.AddData("seeded", 5)

	mgr := NewManager(l, nil, nil)
	mgr.Init(ckpt)
	v, ok := mgr.Data().Get("seeded")
	require.True(t, ok)
	require.Equal(t, int32(5), v)

	mgr.RedoPhase(0)
	v, ok = mgr.Data().Get("preexisting")
	require.True(t, ok)
	require.Equal(t, int32(99), v)
}

func TestLog_ReopenReplaysExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery.log")

	l1, err := Open(path, nil, nil)
	require.NoError(t, err)
	_, err = l1.Begin(1)
	require.NoError(t, err)
	_, err = l1.Insert(1, "a", 1)
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := Open(path, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close() })

	// The chain is still open on disk; a fresh writer continues it rather
	// than rejecting a begin for an id that was never closed out.
	_, err = l2.Insert(1, "b", 2)
	require.NoError(t, err)

	records := l2.Records()
	require.Len(t, records, 3)
}
