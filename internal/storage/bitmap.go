package storage

import "github.com/tuannm99/novasql/internal/bx"

// invalidHint marks a fully-packed extent: the hint doesn't point anywhere.
const invalidHint uint32 = 0xFFFFFFFF

// BitmapPage tracks, one bit per data page, which pages of its extent are
// allocated, plus a "next free hint" to skip a linear rescan on the common
// case of sequential allocation.
type BitmapPage struct {
	nextFreeHint uint32
	bits         []byte // BitmapSize bits, packed 8/byte
}

// NewBitmapPage returns an all-free bitmap page.
func NewBitmapPage() *BitmapPage {
	return &BitmapPage{
		nextFreeHint: 0,
		bits:         make([]byte, BitmapSize/8),
	}
}

func decodeBitmapPage(raw []byte) *BitmapPage {
	bp := &BitmapPage{
		nextFreeHint: bx.U32(raw[0:4]),
		bits:         make([]byte, BitmapSize/8),
	}
	copy(bp.bits, raw[bitmapHeaderSize:bitmapHeaderSize+len(bp.bits)])
	return bp
}

// Encode writes the bitmap page into raw, which must be PageSize bytes.
func (bp *BitmapPage) Encode(raw []byte) {
	bx.PutU32(raw[0:4], bp.nextFreeHint)
	bx.PutU32(raw[4:8], 0) // reserved, kept for header alignment
	copy(raw[bitmapHeaderSize:], bp.bits)
}

func (bp *BitmapPage) IsSet(offset uint32) bool {
	return bp.bits[offset/8]&(1<<(offset%8)) != 0
}

func (bp *BitmapPage) set(offset uint32) {
	bp.bits[offset/8] |= 1 << (offset % 8)
}

func (bp *BitmapPage) clear(offset uint32) {
	bp.bits[offset/8] &^= 1 << (offset % 8)
}

// AllocateFirstFree returns the smallest free offset, sets its bit, and
// advances the hint. ok is false only if the extent is entirely full.
func (bp *BitmapPage) AllocateFirstFree() (offset uint32, ok bool) {
	start := bp.nextFreeHint
	if start == invalidHint || start >= uint32(BitmapSize) {
		start = 0
	}
	// Deterministic allocation: always the smallest free offset, scanning
	// from the hint first (the common sequential case), then wrapping.
	for _, base := range [2]uint32{start, 0} {
		for i := base; i < uint32(BitmapSize); i++ {
			if !bp.IsSet(i) {
				bp.set(i)
				bp.advanceHintFrom(i + 1)
				return i, true
			}
		}
		if base == 0 {
			break
		}
	}
	bp.nextFreeHint = invalidHint
	return 0, false
}

func (bp *BitmapPage) advanceHintFrom(from uint32) {
	for i := from; i < uint32(BitmapSize); i++ {
		if !bp.IsSet(i) {
			bp.nextFreeHint = i
			return
		}
	}
	for i := uint32(0); i < from; i++ {
		if !bp.IsSet(i) {
			bp.nextFreeHint = i
			return
		}
	}
	bp.nextFreeHint = invalidHint
}

// Free clears offset's bit, reporting whether it had been set.
func (bp *BitmapPage) Free(offset uint32) bool {
	if !bp.IsSet(offset) {
		return false
	}
	bp.clear(offset)
	if bp.nextFreeHint == invalidHint || offset < bp.nextFreeHint {
		bp.nextFreeHint = offset
	}
	return true
}

// CountSet recounts set bits from scratch (used by property tests).
func (bp *BitmapPage) CountSet() uint32 {
	var n uint32
	for i := uint32(0); i < uint32(BitmapSize); i++ {
		if bp.IsSet(i) {
			n++
		}
	}
	return n
}
