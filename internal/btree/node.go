// Package btree implements a general, on-disk, order-preserving, unique
// key B+-tree index over opaque fixed-size byte-sequence keys.
package btree

import (
	"github.com/tuannm99/novasql/internal/bx"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/storage"
)

type nodeKind uint8

const (
	kindLeaf     nodeKind = 1
	kindInternal nodeKind = 2
)

// commonHeaderSize: {kind(u8), parentID(i32), size(u16), maxSize(u16)}.
const commonHeaderSize = 1 + 4 + 2 + 2

// leafHeaderSize adds nextPageID(i32) for the sibling chain.
const leafHeaderSize = commonHeaderSize + 4

const internalHeaderSize = commonHeaderSize

// rowIDEncodedSize: {pageID(i32), slot(u16), reserved(u16)}.
const rowIDEncodedSize = 4 + 2 + 2

// pointerEncodedSize: child page id, i32.
const pointerEncodedSize = 4

// node is a thin view over a Page's bytes, generalized over leaf/internal
// by nodeKind, for the tree's fixed key size.
type node struct {
	page    *storage.Page
	keySize int
}

func (n node) kind() nodeKind       { return nodeKind(n.page.Data[0]) }
func (n node) setKind(k nodeKind)   { n.page.Data[0] = byte(k) }
func (n node) IsLeaf() bool         { return n.kind() == kindLeaf }
func (n node) ParentID() storage.PageID { return storage.PageID(bx.I32(n.page.Data[1:5])) }
func (n node) SetParentID(id storage.PageID) { bx.PutI32(n.page.Data[1:5], int32(id)) }
func (n node) Size() int            { return int(bx.U16(n.page.Data[5:7])) }
func (n node) setSize(v int)        { bx.PutU16(n.page.Data[5:7], uint16(v)) }
func (n node) MaxSize() int         { return int(bx.U16(n.page.Data[7:9])) }
func (n node) SetMaxSize(v int)     { bx.PutU16(n.page.Data[7:9], uint16(v)) }
func (n node) PageID() storage.PageID { return n.page.ID }

// ---- leaf ----

type leafNode struct{ node }

func asLeaf(n node) leafNode { return leafNode{n} }

func (l leafNode) NextPageID() storage.PageID {
	return storage.PageID(bx.I32(l.page.Data[commonHeaderSize : commonHeaderSize+4]))
}
func (l leafNode) SetNextPageID(id storage.PageID) {
	bx.PutI32(l.page.Data[commonHeaderSize:commonHeaderSize+4], int32(id))
}

func (l leafNode) entrySize() int { return l.keySize + rowIDEncodedSize }

func (l leafNode) entryOffset(i int) int { return leafHeaderSize + i*l.entrySize() }

func (l leafNode) KeyAt(i int) []byte {
	off := l.entryOffset(i)
	return l.page.Data[off : off+l.keySize]
}

func (l leafNode) ValueAt(i int) heap.RowID {
	off := l.entryOffset(i) + l.keySize
	return heap.RowID{
		PageID: storage.PageID(bx.I32(l.page.Data[off : off+4])),
		Slot:   bx.U16(l.page.Data[off+4 : off+6]),
	}
}

func (l leafNode) setEntry(i int, key []byte, rid heap.RowID) {
	off := l.entryOffset(i)
	copy(l.page.Data[off:off+l.keySize], key)
	vOff := off + l.keySize
	bx.PutI32(l.page.Data[vOff:vOff+4], int32(rid.PageID))
	bx.PutU16(l.page.Data[vOff+4:vOff+6], rid.Slot)
	bx.PutU16(l.page.Data[vOff+6:vOff+8], 0)
}

// insertAt shifts entries [i..size) right by one and writes key/rid at i.
func (l leafNode) insertAt(i int, key []byte, rid heap.RowID) {
	sz := l.Size()
	for j := sz; j > i; j-- {
		copy(l.page.Data[l.entryOffset(j):l.entryOffset(j)+l.entrySize()],
			l.page.Data[l.entryOffset(j-1):l.entryOffset(j-1)+l.entrySize()])
	}
	l.setEntry(i, key, rid)
	l.setSize(sz + 1)
}

// removeAt shifts entries [i+1..size) left by one.
func (l leafNode) removeAt(i int) {
	sz := l.Size()
	for j := i; j < sz-1; j++ {
		copy(l.page.Data[l.entryOffset(j):l.entryOffset(j)+l.entrySize()],
			l.page.Data[l.entryOffset(j+1):l.entryOffset(j+1)+l.entrySize()])
	}
	l.setSize(sz - 1)
}

func (l leafNode) init(maxSize int) {
	l.setKind(kindLeaf)
	l.SetParentID(storage.InvalidPageID)
	l.setSize(0)
	l.SetMaxSize(maxSize)
	l.SetNextPageID(storage.InvalidPageID)
}

// ---- internal ----

type internalNode struct{ node }

func asInternal(n node) internalNode { return internalNode{n} }

func (in internalNode) entrySize() int { return in.keySize + pointerEncodedSize }
func (in internalNode) entryOffset(i int) int { return internalHeaderSize + i*in.entrySize() }

// KeyAt(0) is the low-sentinel and is never compared against.
func (in internalNode) KeyAt(i int) []byte {
	off := in.entryOffset(i)
	return in.page.Data[off : off+in.keySize]
}

func (in internalNode) ValueAt(i int) storage.PageID {
	off := in.entryOffset(i) + in.keySize
	return storage.PageID(bx.I32(in.page.Data[off : off+4]))
}

func (in internalNode) setEntry(i int, key []byte, child storage.PageID) {
	off := in.entryOffset(i)
	copy(in.page.Data[off:off+in.keySize], key)
	bx.PutI32(in.page.Data[off+in.keySize:off+in.keySize+4], int32(child))
}

func (in internalNode) insertAt(i int, key []byte, child storage.PageID) {
	sz := in.Size()
	for j := sz; j > i; j-- {
		copy(in.page.Data[in.entryOffset(j):in.entryOffset(j)+in.entrySize()],
			in.page.Data[in.entryOffset(j-1):in.entryOffset(j-1)+in.entrySize()])
	}
	in.setEntry(i, key, child)
	in.setSize(sz + 1)
}

func (in internalNode) removeAt(i int) {
	sz := in.Size()
	for j := i; j < sz-1; j++ {
		copy(in.page.Data[in.entryOffset(j):in.entryOffset(j)+in.entrySize()],
			in.page.Data[in.entryOffset(j+1):in.entryOffset(j+1)+in.entrySize()])
	}
	in.setSize(sz - 1)
}

func (in internalNode) init(maxSize int) {
	in.setKind(kindInternal)
	in.SetParentID(storage.InvalidPageID)
	in.setSize(0)
	in.SetMaxSize(maxSize)
}

// ValueIndex returns the slot holding child, or -1.
func (in internalNode) ValueIndex(child storage.PageID) int {
	for i := 0; i < in.Size(); i++ {
		if in.ValueAt(i) == child {
			return i
		}
	}
	return -1
}
