// Package heap implements the table heap: a doubly-linked list of slotted
// pages storing variable-length tuples, with a three-phase delete
// lifecycle (MarkDelete / ApplyDelete / RollbackDelete) and a forward
// iterator.
package heap

import (
	"sync"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/storage"
)

// RowID identifies a tuple: the page it lives on and its slot number. It
// is stable across in-place updates but not across delete-then-reinsert.
type RowID struct {
	PageID storage.PageID
	Slot   uint16
}

// InvalidRowID is the iterator's end sentinel.
var InvalidRowID = RowID{PageID: storage.InvalidPageID, Slot: 0}

// TableHeap is a doubly-linked list of slotted pages rooted at
// FirstPageID, tracking LastPageID and a page_id -> free_space_remaining
// map for admission decisions.
type TableHeap struct {
	pool *bufferpool.Pool
	log  *logging.Logger

	mu           sync.Mutex
	firstPageID  storage.PageID
	lastPageID   storage.PageID
	freeSpace    map[storage.PageID]int
	latches      map[storage.PageID]*sync.RWMutex
}

// New creates an empty table heap. The first page is allocated lazily on
// the first insert, not here — matching a freshly created, page-less heap.
func New(pool *bufferpool.Pool, log *logging.Logger) *TableHeap {
	if log == nil {
		log = logging.Get()
	}
	return &TableHeap{
		pool:        pool,
		log:         log.WithComponent("heap"),
		firstPageID: storage.InvalidPageID,
		lastPageID:  storage.InvalidPageID,
		freeSpace:   make(map[storage.PageID]int),
		latches:     make(map[storage.PageID]*sync.RWMutex),
	}
}

// Open reconstructs a TableHeap handle over an already-populated chain.
func Open(pool *bufferpool.Pool, log *logging.Logger, first, last storage.PageID) *TableHeap {
	h := New(pool, log)
	h.firstPageID = first
	h.lastPageID = last
	return h
}

func (h *TableHeap) FirstPageID() storage.PageID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstPageID
}

func (h *TableHeap) LastPageID() storage.PageID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPageID
}

func (h *TableHeap) latchFor(id storage.PageID) *sync.RWMutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.latches[id]
	if !ok {
		l = &sync.RWMutex{}
		h.latches[id] = l
	}
	return l
}

func (h *TableHeap) allocatePageLocked() (*storage.Page, error) {
	page, err := h.pool.NewPage()
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, dberr.ErrOutOfMemory
	}
	sp := storage.NewSlottedPage(page)
	sp.Init()
	return page, nil
}

// InsertTuple rejects tuples whose serialized size (plus slot overhead)
// exceeds the per-page cap without allocating. It finds the first page
// with enough free space; on an empty heap it allocates a first page
// instead of silently no-opping.
func (h *TableHeap) InsertTuple(data []byte) (RowID, error) {
	if len(data)+4 > storage.MaxTupleSize {
		return InvalidRowID, dberr.ErrFailed
	}

	h.mu.Lock()
	first := h.firstPageID
	h.mu.Unlock()

	if first == storage.InvalidPageID {
		return h.insertIntoNewFirstPage(data)
	}

	// Scan the known free-space map first (admission hint); fall back to
	// the full chain if nothing is cached or everything cached is full.
	h.mu.Lock()
	candidates := make([]storage.PageID, 0, len(h.freeSpace))
	for id, free := range h.freeSpace {
		if free >= len(data)+4 {
			candidates = append(candidates, id)
		}
	}
	h.mu.Unlock()

	for _, id := range candidates {
		if rid, ok, err := h.tryInsertOnPage(id, data); err != nil {
			return InvalidRowID, err
		} else if ok {
			return rid, nil
		}
	}

	return h.insertScanningChain(data)
}

func (h *TableHeap) insertIntoNewFirstPage(data []byte) (RowID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.firstPageID != storage.InvalidPageID {
		h.mu.Unlock()
		rid, ok, err := h.tryInsertOnPage(h.firstPageID, data)
		h.mu.Lock()
		if err != nil {
			return InvalidRowID, err
		}
		if ok {
			return rid, nil
		}
	}

	page, err := h.allocatePageLocked()
	if err != nil {
		return InvalidRowID, err
	}
	h.firstPageID = page.ID
	h.lastPageID = page.ID

	// h.mu is already held here, so the latch is looked up directly rather
	// than through latchFor, which would lock h.mu a second time.
	latch, ok := h.latches[page.ID]
	if !ok {
		latch = &sync.RWMutex{}
		h.latches[page.ID] = latch
	}
	latch.Lock()
	sp := storage.NewSlottedPage(page)
	slot := sp.Insert(data)
	h.freeSpace[page.ID] = sp.FreeSpaceRemaining()
	latch.Unlock()

	h.pool.UnpinPage(page.ID, true)
	return RowID{PageID: page.ID, Slot: slot}, nil
}

// tryInsertOnPage attempts to insert on a specific known page; ok is false
// (not an error) if the page no longer has room.
func (h *TableHeap) tryInsertOnPage(id storage.PageID, data []byte) (RowID, bool, error) {
	page, err := h.pool.FetchPage(id)
	if err != nil {
		return InvalidRowID, false, err
	}
	if page == nil {
		return InvalidRowID, false, dberr.ErrOutOfMemory
	}
	latch := h.latchFor(id)
	latch.Lock()
	sp := storage.NewSlottedPage(page)
	if !sp.CanFit(len(data)) {
		latch.Unlock()
		h.pool.UnpinPage(id, false)
		return InvalidRowID, false, nil
	}
	slot := sp.Insert(data)
	h.mu.Lock()
	h.freeSpace[id] = sp.FreeSpaceRemaining()
	h.mu.Unlock()
	latch.Unlock()
	h.pool.UnpinPage(id, true)
	return RowID{PageID: id, Slot: slot}, true, nil
}

// insertScanningChain walks next_page_id links looking for room, allocating
// a new page linked after lastPageID on a full scan miss.
func (h *TableHeap) insertScanningChain(data []byte) (RowID, error) {
	h.mu.Lock()
	cur := h.firstPageID
	h.mu.Unlock()

	for cur != storage.InvalidPageID {
		if rid, ok, err := h.tryInsertOnPage(cur, data); err != nil {
			return InvalidRowID, err
		} else if ok {
			return rid, nil
		}
		page, err := h.pool.FetchPage(cur)
		if err != nil {
			return InvalidRowID, err
		}
		if page == nil {
			return InvalidRowID, dberr.ErrOutOfMemory
		}
		sp := storage.NewSlottedPage(page)
		next := sp.NextPageID()
		h.pool.UnpinPage(cur, false)
		cur = next
	}

	h.mu.Lock()
	last := h.lastPageID
	h.mu.Unlock()

	newPage, err := h.allocatePageLocked()
	if err != nil {
		return InvalidRowID, err
	}

	lastPage, err := h.pool.FetchPage(last)
	if err != nil {
		return InvalidRowID, err
	}
	if lastPage != nil {
		latch := h.latchFor(last)
		latch.Lock()
		storage.NewSlottedPage(lastPage).SetNextPageID(newPage.ID)
		latch.Unlock()
		h.pool.UnpinPage(last, true)
	}

	newLatch := h.latchFor(newPage.ID)
	newLatch.Lock()
	newSP := storage.NewSlottedPage(newPage)
	newSP.SetPrevPageID(last)
	slot := newSP.Insert(data)
	newLatch.Unlock()

	h.mu.Lock()
	h.freeSpace[newPage.ID] = newSP.FreeSpaceRemaining()
	h.lastPageID = newPage.ID
	h.mu.Unlock()

	h.pool.UnpinPage(newPage.ID, true)
	return RowID{PageID: newPage.ID, Slot: slot}, nil
}

// GetTuple reads the current tuple, returning ok=false on tombstone or a
// missing page.
func (h *TableHeap) GetTuple(rid RowID) (data []byte, ok bool, err error) {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return nil, false, err
	}
	if page == nil {
		return nil, false, dberr.ErrNotFound
	}
	latch := h.latchFor(rid.PageID)
	latch.RLock()
	sp := storage.NewSlottedPage(page)
	data, ok = sp.Read(rid.Slot)
	latch.RUnlock()
	h.pool.UnpinPage(rid.PageID, false)
	return data, ok, nil
}

// MarkDelete sets the slot's tombstone bit without reclaiming space.
func (h *TableHeap) MarkDelete(rid RowID) (bool, error) {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return false, err
	}
	if page == nil {
		return false, dberr.ErrNotFound
	}
	latch := h.latchFor(rid.PageID)
	latch.Lock()
	ok := storage.NewSlottedPage(page).MarkTombstone(rid.Slot)
	latch.Unlock()
	h.pool.UnpinPage(rid.PageID, ok)
	return ok, nil
}

// RollbackDelete clears the tombstone bit, restoring visibility.
func (h *TableHeap) RollbackDelete(rid RowID) (bool, error) {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return false, err
	}
	if page == nil {
		return false, dberr.ErrNotFound
	}
	latch := h.latchFor(rid.PageID)
	latch.Lock()
	ok := storage.NewSlottedPage(page).ClearTombstone(rid.Slot)
	latch.Unlock()
	h.pool.UnpinPage(rid.PageID, ok)
	return ok, nil
}

// ApplyDelete reclaims the slot's space. If the owning page becomes empty
// and is not the first page, it is unlinked and deallocated; if the first
// page becomes empty and has a successor, FirstPageID advances.
func (h *TableHeap) ApplyDelete(rid RowID) error {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	if page == nil {
		return dberr.ErrNotFound
	}

	latch := h.latchFor(rid.PageID)
	latch.Lock()
	sp := storage.NewSlottedPage(page)
	sp.Reclaim(rid.Slot)
	empty := sp.IsEmpty()
	prev := sp.PrevPageID()
	next := sp.NextPageID()
	h.mu.Lock()
	h.freeSpace[rid.PageID] = sp.FreeSpaceRemaining()
	h.mu.Unlock()
	latch.Unlock()
	h.pool.UnpinPage(rid.PageID, true)

	if !empty {
		return nil
	}

	h.mu.Lock()
	isFirst := rid.PageID == h.firstPageID
	isLast := rid.PageID == h.lastPageID
	h.mu.Unlock()

	if isFirst && next == storage.InvalidPageID {
		return nil // sole page; keep it rather than leaving the heap page-less mid-op
	}

	if err := h.unlinkPage(rid.PageID, prev, next); err != nil {
		return err
	}

	h.mu.Lock()
	if isFirst {
		h.firstPageID = next
	}
	if isLast {
		h.lastPageID = prev
	}
	delete(h.freeSpace, rid.PageID)
	h.mu.Unlock()

	if _, err := h.pool.DeletePage(rid.PageID); err != nil {
		return err
	}
	return nil
}

func (h *TableHeap) unlinkPage(id, prev, next storage.PageID) error {
	if prev != storage.InvalidPageID {
		pp, err := h.pool.FetchPage(prev)
		if err != nil {
			return err
		}
		if pp != nil {
			l := h.latchFor(prev)
			l.Lock()
			storage.NewSlottedPage(pp).SetNextPageID(next)
			l.Unlock()
			h.pool.UnpinPage(prev, true)
		}
	}
	if next != storage.InvalidPageID {
		np, err := h.pool.FetchPage(next)
		if err != nil {
			return err
		}
		if np != nil {
			l := h.latchFor(next)
			l.Lock()
			storage.NewSlottedPage(np).SetPrevPageID(prev)
			l.Unlock()
			h.pool.UnpinPage(next, true)
		}
	}
	return nil
}

// UpdateTuple tries in-place update first; on a too-small page it falls
// back to mark-delete + reinsert, rolling back the mark on any failure.
// The row id only changes on the delete-reinsert path.
func (h *TableHeap) UpdateTuple(newData []byte, rid RowID) (RowID, error) {
	page, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return InvalidRowID, err
	}
	if page == nil {
		return InvalidRowID, dberr.ErrNotFound
	}
	latch := h.latchFor(rid.PageID)
	latch.Lock()
	sp := storage.NewSlottedPage(page)
	if sp.UpdateInPlace(rid.Slot, newData) {
		latch.Unlock()
		h.pool.UnpinPage(rid.PageID, true)
		return rid, nil
	}
	latch.Unlock()
	h.pool.UnpinPage(rid.PageID, false)

	if len(newData)+4 > storage.MaxTupleSize {
		return InvalidRowID, dberr.ErrFailed
	}

	if _, err := h.MarkDelete(rid); err != nil {
		return InvalidRowID, err
	}
	newRid, err := h.InsertTuple(newData)
	if err != nil {
		_, _ = h.RollbackDelete(rid)
		return InvalidRowID, err
	}
	if err := h.ApplyDelete(rid); err != nil {
		return InvalidRowID, err
	}
	return newRid, nil
}

// Iterator walks live tuples in page order, forward-only. End is
// represented by RowID == InvalidRowID.
type Iterator struct {
	heap *TableHeap
	cur  RowID
}

// Begin returns an iterator positioned at the first live tuple.
func (h *TableHeap) Begin() (*Iterator, error) {
	it := &Iterator{heap: h}
	h.mu.Lock()
	start := h.firstPageID
	h.mu.Unlock()
	if start == storage.InvalidPageID {
		it.cur = InvalidRowID
		return it, nil
	}
	rid, err := h.firstLiveOnOrAfter(start, 0)
	if err != nil {
		return nil, err
	}
	it.cur = rid
	return it, nil
}

// firstLiveOnOrAfter finds the first live slot at index >= fromSlot on
// pageID, following next_page_id links as needed.
func (h *TableHeap) firstLiveOnOrAfter(pageID storage.PageID, fromSlot uint16) (RowID, error) {
	cur := pageID
	slot := fromSlot
	for cur != storage.InvalidPageID {
		page, err := h.pool.FetchPage(cur)
		if err != nil {
			return InvalidRowID, err
		}
		if page == nil {
			return InvalidRowID, dberr.ErrNotFound
		}
		latch := h.latchFor(cur)
		latch.RLock()
		sp := storage.NewSlottedPage(page)
		count := sp.TupleCount()
		next := sp.NextPageID()
		var found = InvalidRowID
		for ; slot < count; slot++ {
			if tomb, ok := sp.IsTombstone(slot); ok && !tomb {
				found = RowID{PageID: cur, Slot: slot}
				break
			}
		}
		latch.RUnlock()
		h.pool.UnpinPage(cur, false)

		if found != InvalidRowID {
			return found, nil
		}
		cur = next
		slot = 0
	}
	return InvalidRowID, nil
}

func (it *Iterator) Valid() bool { return it.cur != InvalidRowID }
func (it *Iterator) RowID() RowID { return it.cur }

func (it *Iterator) Tuple() ([]byte, bool, error) {
	if !it.Valid() {
		return nil, false, nil
	}
	return it.heap.GetTuple(it.cur)
}

// Next advances to the next live tuple.
func (it *Iterator) Next() error {
	if !it.Valid() {
		return nil
	}
	rid, err := it.heap.firstLiveOnOrAfter(it.cur.PageID, it.cur.Slot+1)
	if err != nil {
		return err
	}
	it.cur = rid
	return nil
}
