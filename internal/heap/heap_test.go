package heap

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
	"github.com/tuannm99/novasql/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestPool(t *testing.T, capacity int) *bufferpool.Pool {
	t.Helper()
	log := logging.New(logging.Config{Level: "error"})
	met := metrics.New(prometheus.NewRegistry())
	disk, err := storage.OpenDiskManager(filepath.Join(t.TempDir(), "data.db"), log, met)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close() })
	return bufferpool.New(disk, capacity, bufferpool.KindClock, log, met)
}

func TestTableHeap_InsertGetRoundTrip(t *testing.T) {
	pool := newTestPool(t, 16)
	h := New(pool, nil)

	rid, err := h.InsertTuple([]byte("row one"))
	require.NoError(t, err)

	data, ok, err := h.GetTuple(rid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "row one", string(data))
}

func TestTableHeap_UpdateInPlaceKeepsRowID(t *testing.T) {
	pool := newTestPool(t, 16)
	h := New(pool, nil)

	rid, err := h.InsertTuple([]byte("original"))
	require.NoError(t, err)

	newRid, err := h.UpdateTuple([]byte("short"), rid)
	require.NoError(t, err)
	require.Equal(t, rid, newRid)

	data, ok, err := h.GetTuple(newRid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "short", string(data))
}

func TestTableHeap_DeleteThenGetIsInvisible(t *testing.T) {
	pool := newTestPool(t, 16)
	h := New(pool, nil)

	rid, err := h.InsertTuple([]byte("to be deleted"))
	require.NoError(t, err)

	ok, err := h.MarkDelete(rid)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.ApplyDelete(rid))

	_, ok, err = h.GetTuple(rid)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTableHeap_RollbackDeleteRestoresVisibility(t *testing.T) {
	pool := newTestPool(t, 16)
	h := New(pool, nil)

	rid, err := h.InsertTuple([]byte("keep me"))
	require.NoError(t, err)

	ok, err := h.MarkDelete(rid)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.RollbackDelete(rid)
	require.NoError(t, err)
	require.True(t, ok)

	data, ok, err := h.GetTuple(rid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "keep me", string(data))
}

func TestTableHeap_IteratorWalksLiveTuplesInOrderAndSkipsDeleted(t *testing.T) {
	pool := newTestPool(t, 16)
	h := New(pool, nil)

	var rids []RowID
	for i := 0; i < 5; i++ {
		rid, err := h.InsertTuple([]byte(fmt.Sprintf("row-%d", i)))
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	ok, err := h.MarkDelete(rids[2])
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.ApplyDelete(rids[2]))

	it, err := h.Begin()
	require.NoError(t, err)

	var seen []string
	for it.Valid() {
		data, ok, err := it.Tuple()
		require.NoError(t, err)
		require.True(t, ok)
		seen = append(seen, string(data))
		require.NoError(t, it.Next())
	}

	require.Equal(t, []string{"row-0", "row-1", "row-3", "row-4"}, seen)
}

func TestTableHeap_InsertAcrossMultiplePages(t *testing.T) {
	pool := newTestPool(t, 16)
	h := New(pool, nil)

	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte('a' + i%26)
	}

	var rids []RowID
	for i := 0; i < 5; i++ {
		rid, err := h.InsertTuple(big)
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	require.NotEqual(t, storage.InvalidPageID, h.FirstPageID())
	require.NotEqual(t, storage.InvalidPageID, h.LastPageID())

	for _, rid := range rids {
		data, ok, err := h.GetTuple(rid)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, big, data)
	}
}

func TestTableHeap_InsertTupleTooLargeRejected(t *testing.T) {
	pool := newTestPool(t, 16)
	h := New(pool, nil)

	oversized := make([]byte, storage.MaxTupleSize+1)
	_, err := h.InsertTuple(oversized)
	require.Error(t, err)
}

func TestTableHeap_OpenReconstructsExistingChain(t *testing.T) {
	pool := newTestPool(t, 16)
	h := New(pool, nil)

	rid, err := h.InsertTuple([]byte("persisted row"))
	require.NoError(t, err)

	reopened := Open(pool, nil, h.FirstPageID(), h.LastPageID())
	data, ok, err := reopened.GetTuple(rid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted row", string(data))
}
