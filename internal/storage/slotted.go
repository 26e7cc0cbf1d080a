package storage

import "github.com/tuannm99/novasql/internal/bx"

// Slotted page header layout, at the front of Page.Data:
//
//	prev_page_id(i32) next_page_id(i32) free_space_pointer(u16) tuple_count(u16)
const slottedHeaderSize = 4 + 4 + 2 + 2

// Each slot directory entry is {offset(u16), size(u16)}; the top bit of
// size is a tombstone flag so a deleted slot keeps its number stable.
const slotEntrySize = 4

const tombstoneBit uint16 = 0x8000
const sizeMask uint16 = 0x7FFF

// MaxTupleSize is the largest tuple (including slot overhead) that a single
// page can ever hold, i.e. an otherwise-empty page with exactly one slot.
const MaxTupleSize = PageSize - slottedHeaderSize - slotEntrySize

// SlottedPage is a view over a Page's bytes implementing the table-heap
// on-disk layout: a header, a slot directory growing forward from the
// header, and tuple bytes packed backward from the end of the page.
type SlottedPage struct {
	Data *[PageSize]byte
}

func NewSlottedPage(p *Page) SlottedPage {
	sp := SlottedPage{Data: &p.Data}
	return sp
}

// Init formats an empty slotted page.
func (s SlottedPage) Init() {
	s.setPrevPageID(InvalidPageID)
	s.setNextPageID(InvalidPageID)
	s.setFreeSpacePointer(PageSize)
	s.setTupleCount(0)
}

func (s SlottedPage) PrevPageID() PageID { return PageID(bx.I32(s.Data[0:4])) }
func (s SlottedPage) setPrevPageID(id PageID) { bx.PutI32(s.Data[0:4], int32(id)) }

func (s SlottedPage) NextPageID() PageID { return PageID(bx.I32(s.Data[4:8])) }
func (s SlottedPage) setNextPageID(id PageID) { bx.PutI32(s.Data[4:8], int32(id)) }

func (s SlottedPage) SetPrevPageID(id PageID) { s.setPrevPageID(id) }
func (s SlottedPage) SetNextPageID(id PageID) { s.setNextPageID(id) }

func (s SlottedPage) freeSpacePointer() uint16 { return bx.U16(s.Data[8:10]) }
func (s SlottedPage) setFreeSpacePointer(v uint16) { bx.PutU16(s.Data[8:10], v) }

func (s SlottedPage) TupleCount() uint16 { return bx.U16(s.Data[10:12]) }
func (s SlottedPage) setTupleCount(v uint16) { bx.PutU16(s.Data[10:12], v) }

func (s SlottedPage) slotOffset(slot uint16) int {
	return slottedHeaderSize + int(slot)*slotEntrySize
}

func (s SlottedPage) rawSlot(slot uint16) (offset, sizeField uint16) {
	o := s.slotOffset(slot)
	return bx.U16(s.Data[o : o+2]), bx.U16(s.Data[o+2 : o+4])
}

func (s SlottedPage) putSlot(slot uint16, offset, sizeField uint16) {
	o := s.slotOffset(slot)
	bx.PutU16(s.Data[o:o+2], offset)
	bx.PutU16(s.Data[o+2:o+4], sizeField)
}

// FreeSpaceRemaining is the number of bytes available for a new slot+tuple.
func (s SlottedPage) FreeSpaceRemaining() int {
	slotsEnd := s.slotOffset(s.TupleCount())
	return int(s.freeSpacePointer()) - slotsEnd
}

// CanFit reports whether a tuple of tupleLen bytes fits, accounting for the
// new slot directory entry it would need.
func (s SlottedPage) CanFit(tupleLen int) bool {
	return tupleLen+slotEntrySize <= s.FreeSpaceRemaining()
}

// IsTombstone reports whether slot is marked deleted. ok is false if slot
// is out of range.
func (s SlottedPage) IsTombstone(slot uint16) (tomb bool, ok bool) {
	if slot >= s.TupleCount() {
		return false, false
	}
	_, sizeField := s.rawSlot(slot)
	return sizeField&tombstoneBit != 0, true
}

// Insert appends tuple bytes into a brand-new slot, returning the slot
// number. Caller must have checked CanFit.
func (s SlottedPage) Insert(tuple []byte) uint16 {
	fsp := s.freeSpacePointer() - uint16(len(tuple))
	copy(s.Data[fsp:int(fsp)+len(tuple)], tuple)
	s.setFreeSpacePointer(fsp)

	slot := s.TupleCount()
	s.putSlot(slot, fsp, uint16(len(tuple)))
	s.setTupleCount(slot + 1)
	return slot
}

// Read returns a copy of the live tuple bytes at slot, or ok=false if the
// slot is out of range or tombstoned.
func (s SlottedPage) Read(slot uint16) (data []byte, ok bool) {
	if slot >= s.TupleCount() {
		return nil, false
	}
	offset, sizeField := s.rawSlot(slot)
	if sizeField&tombstoneBit != 0 {
		return nil, false
	}
	size := sizeField & sizeMask
	out := make([]byte, size)
	copy(out, s.Data[offset:int(offset)+int(size)])
	return out, true
}

// MarkTombstone sets the tombstone bit without reclaiming space.
func (s SlottedPage) MarkTombstone(slot uint16) bool {
	if slot >= s.TupleCount() {
		return false
	}
	offset, sizeField := s.rawSlot(slot)
	if sizeField&tombstoneBit != 0 {
		return false
	}
	s.putSlot(slot, offset, sizeField|tombstoneBit)
	return true
}

// ClearTombstone clears the tombstone bit, restoring visibility.
func (s SlottedPage) ClearTombstone(slot uint16) bool {
	if slot >= s.TupleCount() {
		return false
	}
	offset, sizeField := s.rawSlot(slot)
	if sizeField&tombstoneBit == 0 {
		return false
	}
	s.putSlot(slot, offset, sizeField&sizeMask)
	return true
}

// UpdateInPlace overwrites slot's bytes with newData, if it fits in the
// slot's currently recorded size. Returns false if it doesn't fit (caller must
// fall back to delete+reinsert).
func (s SlottedPage) UpdateInPlace(slot uint16, newData []byte) bool {
	if slot >= s.TupleCount() {
		return false
	}
	offset, sizeField := s.rawSlot(slot)
	if sizeField&tombstoneBit != 0 {
		return false
	}
	size := int(sizeField & sizeMask)
	if len(newData) > size {
		return false
	}
	copy(s.Data[offset:int(offset)+len(newData)], newData)
	// Record the new size so Read returns exactly newData; the vacated
	// bytes between len(newData) and size stay as unreachable padding
	// within the tuple region and are not returned to free space.
	s.putSlot(slot, offset, uint16(len(newData)))
	return true
}

// Reclaim physically removes a tombstoned slot's tuple bytes, compacting
// the tuple region. Slot numbers of other tuples are preserved; the
// reclaimed slot's directory entry is zeroed but its number stays taken
// (row ids stay stable until the page itself is considered for reuse).
func (s SlottedPage) Reclaim(slot uint16) {
	offset, sizeField := s.rawSlot(slot)
	size := sizeField & sizeMask
	if size == 0 {
		return
	}
	fsp := s.freeSpacePointer()

	// Shift every tuple physically before `offset` (i.e. at a higher
	// address range than fsp but starting below offset) up by `size`
	// bytes, then fix up slot offsets pointing into the shifted region.
	if offset > fsp {
		shiftLen := int(offset) - int(fsp)
		copy(s.Data[int(fsp)+int(size):int(fsp)+int(size)+shiftLen], s.Data[fsp:offset])
		for sl := uint16(0); sl < s.TupleCount(); sl++ {
			if sl == slot {
				continue
			}
			o, sf := s.rawSlot(sl)
			if o >= fsp && o < offset {
				s.putSlot(sl, o+size, sf)
			}
		}
	}
	s.setFreeSpacePointer(fsp + size)
	s.putSlot(slot, 0, tombstoneBit)
}

// IsEmpty reports whether every slot on the page has been reclaimed.
func (s SlottedPage) IsEmpty() bool {
	for sl := uint16(0); sl < s.TupleCount(); sl++ {
		_, sizeField := s.rawSlot(sl)
		if sizeField&sizeMask != 0 {
			return false
		}
	}
	return true
}
