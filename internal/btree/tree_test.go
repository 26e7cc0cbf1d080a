package btree

import (
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
	"github.com/tuannm99/novasql/internal/storage"
)

const compositeKeySize = 4 + 4 + 7 // i(int32) | i+n(int32) | "minisql"(7 bytes)

func encodeComposite(a, b int32) []byte {
	buf := make([]byte, compositeKeySize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(a))
	binary.BigEndian.PutUint32(buf[4:8], uint32(b))
	copy(buf[8:], "minisql")
	return buf
}

func newTestTree(t *testing.T, keySize int) *Tree {
	t.Helper()
	dir := t.TempDir()
	log := logging.Get()
	met := metrics.Noop()
	disk, err := storage.OpenDiskManager(filepath.Join(dir, "data.db"), log, met)
	require.NoError(t, err)
	pool := bufferpool.New(disk, 64, bufferpool.KindClock, log, met)
	tree, err := NewTree(pool, log, 1, keySize, ByteCompare)
	require.NoError(t, err)
	return tree
}

func TestTree_InsertGetValue_Basic(t *testing.T) {
	tree := newTestTree(t, compositeKeySize)

	n := 500
	for i := 0; i < n; i++ {
		ok, err := tree.Insert(encodeComposite(int32(i), int32(i+n)), heap.RowID{PageID: storage.PageID(i), Slot: uint16(i % 64)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := 0; i < n; i++ {
		rid, found, err := tree.GetValue(encodeComposite(int32(i), int32(i+n)))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, storage.PageID(i), rid.PageID)
		require.Equal(t, uint16(i%64), rid.Slot)
	}
}

func TestTree_Insert_DuplicateKeyRejected(t *testing.T) {
	tree := newTestTree(t, compositeKeySize)
	key := encodeComposite(1, 2)
	ok, err := tree.Insert(key, heap.RowID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(key, heap.RowID{PageID: 2, Slot: 0})
	require.NoError(t, err)
	require.False(t, ok)
}

// TestTree_S4_LargeInsertAndHalfDelete mirrors scenario S4: 16,000 unique
// composite keys inserted, half removed in shuffled order, the remaining
// half still retrievable, then the rest removed leaving an empty tree.
func TestTree_S4_LargeInsertAndHalfDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large B+-tree scenario in short mode")
	}
	tree := newTestTree(t, compositeKeySize)
	const total = 16000
	n := int32(total)

	for i := int32(0); i < n; i++ {
		ok, err := tree.Insert(encodeComposite(i, i+n), heap.RowID{PageID: storage.PageID(i % 1000), Slot: uint16(i % 64)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := int32(0); i < n; i++ {
		_, found, err := tree.GetValue(encodeComposite(i, i+n))
		require.NoError(t, err)
		require.True(t, found)
	}

	firstHalf := make([]int32, total/2)
	for i := range firstHalf {
		firstHalf[i] = int32(i)
	}
	rand.New(rand.NewSource(42)).Shuffle(len(firstHalf), func(i, j int) {
		firstHalf[i], firstHalf[j] = firstHalf[j], firstHalf[i]
	})
	for _, i := range firstHalf {
		require.NoError(t, tree.Remove(encodeComposite(i, i+n)))
	}

	for i := int32(0); i < n; i++ {
		_, found, err := tree.GetValue(encodeComposite(i, i+n))
		require.NoError(t, err)
		if i < n/2 {
			require.False(t, found, "key %d should have been removed", i)
		} else {
			require.True(t, found, "key %d should still be present", i)
		}
	}

	for i := n / 2; i < n; i++ {
		require.NoError(t, tree.Remove(encodeComposite(i, i+n)))
	}

	require.True(t, tree.IsEmpty())
	require.Equal(t, storage.InvalidPageID, tree.root)
}

func TestTree_BeginAt_YieldsFirstElementGreaterOrEqual(t *testing.T) {
	tree := newTestTree(t, compositeKeySize)
	n := int32(200)
	for i := int32(0); i < n; i += 2 {
		ok, err := tree.Insert(encodeComposite(i, i+n), heap.RowID{PageID: storage.PageID(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tree.BeginAt(encodeComposite(51, 51+n))
	require.NoError(t, err)
	require.True(t, it.Valid())
	key, err := it.Key()
	require.NoError(t, err)
	require.Equal(t, encodeComposite(52, 52+n), key)
}

func TestTree_Iterator_VisitsInOrderThenEnds(t *testing.T) {
	tree := newTestTree(t, compositeKeySize)
	n := int32(300)
	for i := int32(0); i < n; i++ {
		ok, err := tree.Insert(encodeComposite(i, i+n), heap.RowID{PageID: storage.PageID(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	count := int32(0)
	for it.Valid() {
		key, err := it.Key()
		require.NoError(t, err)
		require.Equal(t, encodeComposite(count, count+n), key)
		count++
		require.NoError(t, it.Next())
	}
	require.Equal(t, n, count)
	require.False(t, it.Valid())
}

func TestTree_Remove_NonExistentKeyIsNoop(t *testing.T) {
	tree := newTestTree(t, compositeKeySize)
	require.NoError(t, tree.Remove(encodeComposite(1, 2)))
	require.True(t, tree.IsEmpty())
}

func TestTree_Destroy_ResetsRootToInvalid(t *testing.T) {
	tree := newTestTree(t, compositeKeySize)
	for i := int32(0); i < 300; i++ {
		ok, err := tree.Insert(encodeComposite(i, i+1), heap.RowID{PageID: storage.PageID(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, tree.Destroy())
	require.True(t, tree.IsEmpty())
}
