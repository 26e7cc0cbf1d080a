package bufferpool

import (
	"sync"

	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
	"github.com/tuannm99/novasql/internal/storage"
)

// Pool is a fixed-capacity cache of pages backed by a single disk manager.
// fetch/unpin/new/delete are atomic with respect to each other behind one
// mutex, matching the "buffer-pool structures are protected by a single
// mutex" rule.
type Pool struct {
	mu sync.Mutex

	disk *storage.DiskManager
	log  *logging.Logger
	met  *metrics.Metrics

	capacity  int
	pages     []*storage.Page // index == frame id; nil == free frame holds no page
	pageTable map[storage.PageID]int
	freeList  []int
	replacer  Replacer
}

// Kind selects which Replacer implementation backs a new Pool.
type Kind string

const (
	KindLRU   Kind = "lru"
	KindClock Kind = "clock"
)

func New(disk *storage.DiskManager, capacity int, kind Kind, log *logging.Logger, met *metrics.Metrics) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if log == nil {
		log = logging.Get()
	}
	log = log.WithComponent("bufferpool")

	var repl Replacer
	switch kind {
	case KindLRU:
		repl = NewLRUReplacer(capacity)
	default:
		repl = NewClockReplacer(capacity)
	}

	free := make([]int, capacity)
	for i := range free {
		free[i] = i
	}

	return &Pool{
		disk:      disk,
		log:       log,
		met:       met,
		capacity:  capacity,
		pages:     make([]*storage.Page, capacity),
		pageTable: make(map[storage.PageID]int),
		freeList:  free,
		replacer:  repl,
	}
}

// victimFrameLocked picks a frame for reuse: free list first, else the
// replacer. Returns (-1, false) when the pool is entirely pinned.
func (p *Pool) victimFrameLocked() (int, bool) {
	if n := len(p.freeList); n > 0 {
		fid := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return fid, true
	}
	fid, ok := p.replacer.Victim()
	if !ok {
		return -1, false
	}
	if p.met != nil {
		p.met.BufferPoolEvictions.Inc()
	}
	return fid, true
}

// flushFrameLocked writes a frame's page back to disk if dirty.
func (p *Pool) flushFrameLocked(frameID int) error {
	page := p.pages[frameID]
	if page == nil || !page.IsDirty {
		return nil
	}
	if err := p.disk.WritePage(page.ID, page.Data[:]); err != nil {
		return err
	}
	page.IsDirty = false
	return nil
}

// evictFrameLocked evacuates whatever page currently sits in frameID,
// flushing first if needed, and removes it from the page table.
func (p *Pool) evictFrameLocked(frameID int) error {
	page := p.pages[frameID]
	if page == nil {
		return nil
	}
	if err := p.flushFrameLocked(frameID); err != nil {
		return err
	}
	delete(p.pageTable, page.ID)
	p.pages[frameID] = nil
	return nil
}

// FetchPage pins and returns the requested page, loading it from disk on a
// miss. Returns (nil, nil) — not an error — when the pool is full of
// pinned frames, per the "fails with null" failure semantics.
func (p *Pool) FetchPage(id storage.PageID) (*storage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if frameID, ok := p.pageTable[id]; ok {
		page := p.pages[frameID]
		if page.PinCount == 0 {
			p.replacer.Pin(frameID)
		}
		page.PinCount++
		if p.met != nil {
			p.met.BufferPoolHits.Inc()
		}
		return page, nil
	}

	if p.met != nil {
		p.met.BufferPoolMisses.Inc()
	}

	frameID, ok := p.victimFrameLocked()
	if !ok {
		return nil, nil
	}
	if err := p.evictFrameLocked(frameID); err != nil {
		return nil, err
	}

	page := storage.NewPage(id)
	if err := p.disk.ReadPage(id, page.Data[:]); err != nil {
		return nil, err
	}
	page.PinCount = 1
	page.IsDirty = false

	p.pages[frameID] = page
	p.pageTable[id] = frameID
	p.replacer.Pin(frameID)
	return page, nil
}

// NewPage allocates a fresh page id from the disk manager and returns a
// pinned, zeroed page for it.
func (p *Pool) NewPage() (*storage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID, ok := p.victimFrameLocked()
	if !ok {
		return nil, nil
	}
	if err := p.evictFrameLocked(frameID); err != nil {
		return nil, err
	}

	id, err := p.disk.AllocatePage()
	if err != nil {
		return nil, err
	}

	page := storage.NewPage(id)
	page.PinCount = 1
	page.IsDirty = false

	p.pages[frameID] = page
	p.pageTable[id] = frameID
	p.replacer.Pin(frameID)
	return page, nil
}

// UnpinPage decrements the pin count, ORing in the dirty flag (a dirty page
// cannot become clean via unpin). Requires pin_count > 0.
func (p *Pool) UnpinPage(id storage.PageID, isDirty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID, ok := p.pageTable[id]
	if !ok {
		return false
	}
	page := p.pages[frameID]
	if page.PinCount <= 0 {
		return false
	}
	if isDirty {
		page.IsDirty = true
	}
	page.PinCount--
	if page.PinCount == 0 {
		p.replacer.Unpin(frameID)
	}
	return true
}

// DeletePage removes a page from the pool and frees it on disk. Succeeds
// (returns true) when the page is absent, or resident and unpinned; fails
// when the page is pinned.
func (p *Pool) DeletePage(id storage.PageID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID, ok := p.pageTable[id]
	if !ok {
		if err := p.disk.DeallocatePage(id); err != nil && err != dberr.ErrNotFound {
			return false, err
		}
		return true, nil
	}
	page := p.pages[frameID]
	if page.PinCount > 0 {
		return false, nil
	}

	p.replacer.Pin(frameID) // remove from tracking if present
	delete(p.pageTable, id)
	p.pages[frameID] = nil
	p.freeList = append(p.freeList, frameID)

	if err := p.disk.DeallocatePage(id); err != nil {
		return false, err
	}
	return true, nil
}

// FlushPage writes the page back to disk if dirty and clears the flag.
func (p *Pool) FlushPage(id storage.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID, ok := p.pageTable[id]
	if !ok {
		return nil
	}
	return p.flushFrameLocked(frameID)
}

// FlushAll writes back every dirty resident page. Called on engine
// shutdown; the engine takes no checkpoints, so that is its only caller.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for frameID, page := range p.pages {
		if page == nil {
			continue
		}
		if err := p.flushFrameLocked(frameID); err != nil {
			return err
		}
	}
	return nil
}

// Capacity returns the fixed frame count.
func (p *Pool) Capacity() int { return p.capacity }

// Quiesced reports |page_table| + |free_list| == pool_size, a property
// test invariant; exposed for tests rather than asserted internally on
// every call (it only holds between operations, not mid-operation).
func (p *Pool) Quiesced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pageTable) == p.capacity-len(p.freeList)
}
