package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
	"github.com/tuannm99/novasql/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestPool(t *testing.T, capacity int, kind Kind) *Pool {
	t.Helper()
	log := logging.New(logging.Config{Level: "error"})
	met := metrics.New(prometheus.NewRegistry())
	disk, err := storage.OpenDiskManager(filepath.Join(t.TempDir(), "data.db"), log, met)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close() })
	return New(disk, capacity, kind, log, met)
}

func TestPool_NewPageFetchUnpinRoundTrip(t *testing.T) {
	p := newTestPool(t, 4, KindClock)

	page, err := p.NewPage()
	require.NoError(t, err)
	require.NotNil(t, page)
	copy(page.Data[:], "hello")
	require.True(t, p.UnpinPage(page.ID, true))

	fetched, err := p.FetchPage(page.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.Equal(t, "hello", string(fetched.Data[:5]))
	require.True(t, p.UnpinPage(page.ID, false))
}

func TestPool_NewPageReturnsNilWhenFullyPinned(t *testing.T) {
	p := newTestPool(t, 2, KindClock)

	p1, err := p.NewPage()
	require.NoError(t, err)
	p2, err := p.NewPage()
	require.NoError(t, err)
	require.NotNil(t, p1)
	require.NotNil(t, p2)

	p3, err := p.NewPage()
	require.NoError(t, err)
	require.Nil(t, p3)
}

func TestPool_EvictionFlushesDirtyPageBeforeReuse(t *testing.T) {
	p := newTestPool(t, 1, KindClock)

	page1, err := p.NewPage()
	require.NoError(t, err)
	copy(page1.Data[:], "dirty data")
	require.True(t, p.UnpinPage(page1.ID, true))
	id1 := page1.ID

	// Allocating a new page forces eviction of the only frame.
	page2, err := p.NewPage()
	require.NoError(t, err)
	require.True(t, p.UnpinPage(page2.ID, false))

	refetched, err := p.FetchPage(id1)
	require.NoError(t, err)
	require.NotNil(t, refetched)
	require.Equal(t, "dirty data", string(refetched.Data[:10]))
	require.True(t, p.UnpinPage(id1, false))
}

func TestPool_DeletePageFailsWhilePinned(t *testing.T) {
	p := newTestPool(t, 4, KindClock)

	page, err := p.NewPage()
	require.NoError(t, err)

	ok, err := p.DeletePage(page.ID)
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, p.UnpinPage(page.ID, false))
	ok, err = p.DeletePage(page.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPool_QuiescedHoldsAfterSettling(t *testing.T) {
	p := newTestPool(t, 3, KindClock)

	require.True(t, p.Quiesced())

	page, err := p.NewPage()
	require.NoError(t, err)
	require.True(t, p.UnpinPage(page.ID, false))

	require.True(t, p.Quiesced())
}

func TestPool_LRUReplacerEvictsLeastRecentlyUsed(t *testing.T) {
	p := newTestPool(t, 2, KindLRU)

	a, err := p.NewPage()
	require.NoError(t, err)
	require.True(t, p.UnpinPage(a.ID, false))

	b, err := p.NewPage()
	require.NoError(t, err)
	require.True(t, p.UnpinPage(b.ID, false))

	// Touch a so b becomes the LRU victim.
	_, err = p.FetchPage(a.ID)
	require.NoError(t, err)
	require.True(t, p.UnpinPage(a.ID, false))

	c, err := p.NewPage()
	require.NoError(t, err)
	require.True(t, p.UnpinPage(c.ID, false))

	_, ok := p.pageTable[b.ID]
	require.False(t, ok)
	_, ok = p.pageTable[a.ID]
	require.True(t, ok)
}
