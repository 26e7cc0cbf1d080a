package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/tuannm99/novasql/internal/bx"
	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
)

// bitmapHeaderSize is {next_free_hint(u32), reserved(u32)} at the front
// of every bitmap page; the remaining bytes are one bit per data page in
// the extent.
const bitmapHeaderSize = 8

// BitmapSize is the number of data pages described by a single bitmap page.
const BitmapSize = 8 * (PageSize - bitmapHeaderSize)

// metaHeaderSize is {magic(u32), extent_count(u32), allocated_pages(u32)}.
const metaHeaderSize = 12

const fileMetaMagic uint32 = 0x4E53444D // "NSDM"

// maxExtentsPerMetaPage bounds how many per-extent used-page counters fit
// after the fixed meta header.
const maxExtentsPerMetaPage = (PageSize - metaHeaderSize) / 4

// DiskManager allocates and frees page ids over a single bitmap-paginated
// file and performs the raw positional reads/writes. It does no caching —
// that is the buffer pool's job — and serializes every operation behind a
// single mutex, matching the "disk manager operations are atomic" rule.
type DiskManager struct {
	mu  sync.Mutex
	f   *os.File
	log *logging.Logger
	met *metrics.Metrics

	extentCount    uint32
	allocatedPages uint32
	extentUsed     []uint32 // len == extentCount
}

// OpenDiskManager opens (creating if necessary) the backing file at path.
func OpenDiskManager(path string, log *logging.Logger, met *metrics.Metrics) (*DiskManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Get()
	}
	log = log.WithComponent("diskmanager")

	dm := &DiskManager{f: f, log: log, met: met}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		if err := dm.initMeta(); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else if err := dm.loadMeta(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return dm, nil
}

func (d *DiskManager) Close() error {
	if d == nil || d.f == nil {
		return nil
	}
	return d.f.Close()
}

func (d *DiskManager) initMeta() error {
	d.extentCount = 0
	d.allocatedPages = 0
	d.extentUsed = nil
	return d.writeMetaLocked()
}

func (d *DiskManager) loadMeta() error {
	var buf [PageSize]byte
	if _, err := d.f.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("diskmanager: read meta page: %w", err)
	}
	if bx.U32(buf[0:4]) != fileMetaMagic {
		return dberr.ErrPageCorrupted
	}
	d.extentCount = bx.U32(buf[4:8])
	d.allocatedPages = bx.U32(buf[8:12])
	d.extentUsed = make([]uint32, d.extentCount)
	off := metaHeaderSize
	for i := uint32(0); i < d.extentCount; i++ {
		d.extentUsed[i] = bx.U32(buf[off : off+4])
		off += 4
	}
	return nil
}

func (d *DiskManager) writeMetaLocked() error {
	var buf [PageSize]byte
	bx.PutU32(buf[0:4], fileMetaMagic)
	bx.PutU32(buf[4:8], d.extentCount)
	bx.PutU32(buf[8:12], d.allocatedPages)
	off := metaHeaderSize
	for _, used := range d.extentUsed {
		bx.PutU32(buf[off:off+4], used)
		off += 4
	}
	_, err := d.f.WriteAt(buf[:], 0)
	return err
}

// physicalOffset converts a physical page index (0 == meta page) to a file
// byte offset.
func physicalOffset(physical uint64) int64 { return int64(physical) * PageSize }

// extentBitmapPhysical returns the physical page index of an extent's
// bitmap page.
func extentBitmapPhysical(extentID uint32) uint64 {
	return 1 + uint64(extentID)*(1+uint64(BitmapSize))
}

func logicalToExtent(id PageID) (extentID uint32, offset uint32) {
	n := uint32(id)
	return n / uint32(BitmapSize), n % uint32(BitmapSize)
}

func extentToLogical(extentID, offset uint32) PageID {
	return PageID(extentID*uint32(BitmapSize) + offset)
}

func (d *DiskManager) readBitmap(extentID uint32) (*BitmapPage, error) {
	var raw [PageSize]byte
	if _, err := d.f.ReadAt(raw[:], physicalOffset(extentBitmapPhysical(extentID))); err != nil {
		return nil, fmt.Errorf("diskmanager: read bitmap %d: %w", extentID, err)
	}
	return decodeBitmapPage(raw[:]), nil
}

func (d *DiskManager) writeBitmap(extentID uint32, bp *BitmapPage) error {
	var raw [PageSize]byte
	bp.Encode(raw[:])
	_, err := d.f.WriteAt(raw[:], physicalOffset(extentBitmapPhysical(extentID)))
	return err
}

// appendExtentLocked grows the file with a brand-new, all-free extent and
// returns its id.
func (d *DiskManager) appendExtentLocked() (uint32, error) {
	extentID := d.extentCount
	bp := NewBitmapPage()
	if err := d.writeBitmap(extentID, bp); err != nil {
		return 0, err
	}
	d.extentCount++
	d.extentUsed = append(d.extentUsed, 0)
	return extentID, nil
}

// AllocatePage scans extents in deterministic (ascending id) order for the
// first with free space, flips the bit for the lowest free offset, and
// appends a new extent when every existing one is full.
func (d *DiskManager) AllocatePage() (PageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for extentID := uint32(0); extentID < d.extentCount; extentID++ {
		if d.extentUsed[extentID] >= uint32(BitmapSize) {
			continue
		}
		bp, err := d.readBitmap(extentID)
		if err != nil {
			return InvalidPageID, err
		}
		offset, ok := bp.AllocateFirstFree()
		if !ok {
			continue // bitmap disagrees with counter; skip defensively
		}
		if err := d.writeBitmap(extentID, bp); err != nil {
			return InvalidPageID, err
		}
		d.extentUsed[extentID]++
		d.allocatedPages++
		if err := d.writeMetaLocked(); err != nil {
			return InvalidPageID, err
		}
		if d.met != nil {
			d.met.PagesAllocated.Inc()
		}
		return extentToLogical(extentID, offset), nil
	}

	extentID, err := d.appendExtentLocked()
	if err != nil {
		return InvalidPageID, err
	}
	bp, err := d.readBitmap(extentID)
	if err != nil {
		return InvalidPageID, err
	}
	offset, ok := bp.AllocateFirstFree()
	if !ok {
		return InvalidPageID, dberr.ErrOutOfMemory
	}
	if err := d.writeBitmap(extentID, bp); err != nil {
		return InvalidPageID, err
	}
	d.extentUsed[extentID]++
	d.allocatedPages++
	if err := d.writeMetaLocked(); err != nil {
		return InvalidPageID, err
	}
	if d.met != nil {
		d.met.PagesAllocated.Inc()
	}
	return extentToLogical(extentID, offset), nil
}

// DeallocatePage clears the bit for id and updates the extent's free hint.
func (d *DiskManager) DeallocatePage(id PageID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	extentID, offset := logicalToExtent(id)
	if extentID >= d.extentCount {
		return dberr.ErrNotFound
	}
	bp, err := d.readBitmap(extentID)
	if err != nil {
		return err
	}
	if !bp.Free(offset) {
		return dberr.ErrNotFound
	}
	if err := d.writeBitmap(extentID, bp); err != nil {
		return err
	}
	d.extentUsed[extentID]--
	d.allocatedPages--
	if d.met != nil {
		d.met.PagesFreed.Inc()
	}
	return d.writeMetaLocked()
}

// IsPageFree reports whether id's bit is currently clear.
func (d *DiskManager) IsPageFree(id PageID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	extentID, offset := logicalToExtent(id)
	if extentID >= d.extentCount {
		return true, nil
	}
	bp, err := d.readBitmap(extentID)
	if err != nil {
		return false, err
	}
	return !bp.IsSet(offset), nil
}

// ReadPage performs positional I/O into buf, which must be PageSize bytes.
func (d *DiskManager) ReadPage(id PageID, buf []byte) error {
	if len(buf) != PageSize {
		return dberr.ErrFailed
	}
	extentID, offset := logicalToExtent(id)
	physical := extentBitmapPhysical(extentID) + 1 + uint64(offset)

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(buf, physicalOffset(physical))
	return err
}

// WritePage performs positional I/O from buf, which must be PageSize bytes.
func (d *DiskManager) WritePage(id PageID, buf []byte) error {
	if len(buf) != PageSize {
		return dberr.ErrFailed
	}
	extentID, offset := logicalToExtent(id)
	physical := extentBitmapPhysical(extentID) + 1 + uint64(offset)

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(buf, physicalOffset(physical))
	return err
}

// AllocatedPages returns the total count of currently allocated pages, as
// kept in the meta page counters.
func (d *DiskManager) AllocatedPages() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocatedPages
}

// Recount walks every bitmap and returns the number of set bits, for
// comparison against AllocatedPages; it does not update the meta counters.
func (d *DiskManager) Recount() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total uint32
	for extentID := uint32(0); extentID < d.extentCount; extentID++ {
		bp, err := d.readBitmap(extentID)
		if err != nil {
			return 0, err
		}
		total += bp.CountSet()
	}
	return total, nil
}
