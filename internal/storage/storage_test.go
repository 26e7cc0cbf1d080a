package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestDiskManager(t *testing.T) *DiskManager {
	t.Helper()
	log := logging.New(logging.Config{Level: "error"})
	met := metrics.New(prometheus.NewRegistry())
	d, err := OpenDiskManager(filepath.Join(t.TempDir(), "data.db"), log, met)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDiskManager_AllocateWriteReadRoundTrip(t *testing.T) {
	d := newTestDiskManager(t)

	id, err := d.AllocatePage()
	require.NoError(t, err)

	var buf [PageSize]byte
	copy(buf[:], "hello page")
	require.NoError(t, d.WritePage(id, buf[:]))

	var out [PageSize]byte
	require.NoError(t, d.ReadPage(id, out[:]))
	require.Equal(t, buf, out)
}

func TestDiskManager_DeallocateMarksPageFree(t *testing.T) {
	d := newTestDiskManager(t)

	id, err := d.AllocatePage()
	require.NoError(t, err)

	free, err := d.IsPageFree(id)
	require.NoError(t, err)
	require.False(t, free)

	require.NoError(t, d.DeallocatePage(id))

	free, err = d.IsPageFree(id)
	require.NoError(t, err)
	require.True(t, free)
}

func TestDiskManager_DeallocatedPageIsReused(t *testing.T) {
	d := newTestDiskManager(t)

	id1, err := d.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, d.DeallocatePage(id1))

	id2, err := d.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestDiskManager_ReopenPreservesAllocation(t *testing.T) {
	dir := t.TempDir()
	log := logging.New(logging.Config{Level: "error"})
	met := metrics.New(prometheus.NewRegistry())

	path := filepath.Join(dir, "data.db")
	d, err := OpenDiskManager(path, log, met)
	require.NoError(t, err)

	id, err := d.AllocatePage()
	require.NoError(t, err)
	var buf [PageSize]byte
	copy(buf[:], "persisted")
	require.NoError(t, d.WritePage(id, buf[:]))
	require.NoError(t, d.Close())

	d2, err := OpenDiskManager(path, log, met)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d2.Close() })

	free, err := d2.IsPageFree(id)
	require.NoError(t, err)
	require.False(t, free)

	var out [PageSize]byte
	require.NoError(t, d2.ReadPage(id, out[:]))
	require.Equal(t, buf, out)
}

func TestSlottedPage_InsertReadUpdateReclaim(t *testing.T) {
	page := NewPage(FirstUserPageID)
	sp := NewSlottedPage(page)
	sp.Init()

	slot1 := sp.Insert([]byte("first tuple"))
	slot2 := sp.Insert([]byte("second tuple, a bit longer"))

	data, ok := sp.Read(slot1)
	require.True(t, ok)
	require.Equal(t, "first tuple", string(data))

	data, ok = sp.Read(slot2)
	require.True(t, ok)
	require.Equal(t, "second tuple, a bit longer", string(data))

	require.True(t, sp.UpdateInPlace(slot1, []byte("1st")))
	data, ok = sp.Read(slot1)
	require.True(t, ok)
	require.Equal(t, "1st", string(data))

	require.True(t, sp.MarkTombstone(slot2))
	tomb, ok := sp.IsTombstone(slot2)
	require.True(t, ok)
	require.True(t, tomb)

	require.True(t, sp.ClearTombstone(slot2))
	tomb, ok = sp.IsTombstone(slot2)
	require.True(t, ok)
	require.False(t, tomb)
}

func TestSlottedPage_CanFitRespectsFreeSpace(t *testing.T) {
	page := NewPage(FirstUserPageID)
	sp := NewSlottedPage(page)
	sp.Init()

	require.True(t, sp.CanFit(100))
	require.False(t, sp.CanFit(PageSize))
}

func TestBitmapPage_AllocateFreeRoundTrip(t *testing.T) {
	bp := NewBitmapPage()

	off1, ok := bp.AllocateFirstFree()
	require.True(t, ok)
	off2, ok := bp.AllocateFirstFree()
	require.True(t, ok)
	require.NotEqual(t, off1, off2)
	require.True(t, bp.IsSet(off1))
	require.True(t, bp.IsSet(off2))

	require.True(t, bp.Free(off1))
	require.False(t, bp.IsSet(off1))
	require.EqualValues(t, 1, bp.CountSet())
}
