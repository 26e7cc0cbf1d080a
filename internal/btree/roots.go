package btree

import (
	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/bx"
	"github.com/tuannm99/novasql/internal/storage"
)

const indexRootsMagic uint32 = 0x4E534952 // "NSIR"
const indexRootsHeaderSize = 8
const indexRootsEntrySize = 4 + 4 // indexID(u32), rootPageID(i32)

// EnsureIndexRootsPage formats the well-known index-roots directory page
// the first time it is used.
func EnsureIndexRootsPage(pool *bufferpool.Pool) error {
	page, err := pool.FetchPage(storage.IndexRootsPageID)
	if err != nil {
		return err
	}
	if page == nil {
		return nil
	}
	if bx.U32(page.Data[0:4]) != indexRootsMagic {
		bx.PutU32(page.Data[0:4], indexRootsMagic)
		bx.PutU32(page.Data[4:8], 0)
		pool.UnpinPage(storage.IndexRootsPageID, true)
		return nil
	}
	pool.UnpinPage(storage.IndexRootsPageID, false)
	return nil
}

// GetRoot looks up index_id's current root page id.
func GetRoot(pool *bufferpool.Pool, indexID uint32) (storage.PageID, bool, error) {
	page, err := pool.FetchPage(storage.IndexRootsPageID)
	if err != nil {
		return storage.InvalidPageID, false, err
	}
	defer pool.UnpinPage(storage.IndexRootsPageID, false)

	count := int(bx.U32(page.Data[4:8]))
	for i := 0; i < count; i++ {
		off := indexRootsHeaderSize + i*indexRootsEntrySize
		if bx.U32(page.Data[off:off+4]) == indexID {
			return storage.PageID(bx.I32(page.Data[off+4 : off+8])), true, nil
		}
	}
	return storage.InvalidPageID, false, nil
}

// SetRoot updates (or inserts) index_id's root page id, including setting
// it to InvalidPageID when the tree becomes empty.
func SetRoot(pool *bufferpool.Pool, indexID uint32, root storage.PageID) error {
	page, err := pool.FetchPage(storage.IndexRootsPageID)
	if err != nil {
		return err
	}
	count := int(bx.U32(page.Data[4:8]))
	for i := 0; i < count; i++ {
		off := indexRootsHeaderSize + i*indexRootsEntrySize
		if bx.U32(page.Data[off:off+4]) == indexID {
			bx.PutI32(page.Data[off+4:off+8], int32(root))
			pool.UnpinPage(storage.IndexRootsPageID, true)
			return nil
		}
	}
	off := indexRootsHeaderSize + count*indexRootsEntrySize
	bx.PutU32(page.Data[off:off+4], indexID)
	bx.PutI32(page.Data[off+4:off+8], int32(root))
	bx.PutU32(page.Data[4:8], uint32(count+1))
	pool.UnpinPage(storage.IndexRootsPageID, true)
	return nil
}
