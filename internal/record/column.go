// Package record implements the Column/Schema/Row codec: the typed,
// magic-numbered serialization formats persisted by the catalog and table
// heap.
package record

import (
	"fmt"

	"github.com/tuannm99/novasql/internal/bx"
	"github.com/tuannm99/novasql/internal/dberr"
)

// ColumnType enumerates the field types a Row can carry.
type ColumnType int32

const (
	TypeInt32 ColumnType = iota + 1
	TypeFloat32
	TypeFixedChar
)

const columnMagic uint32 = 0x4E534331 // "NSC1"

// Column describes one field of a Schema.
type Column struct {
	Name        string
	Type        ColumnType
	Length      uint32 // byte length for FixedChar; ignored otherwise
	TableIndex  uint32 // ordinal position within the owning schema
	Nullable    bool
	Unique      bool
}

// FixedSize returns the on-disk payload size of a non-null value of this
// column's type (excluding the row's own length prefix for FixedChar).
func (c Column) FixedSize() int {
	switch c.Type {
	case TypeInt32, TypeFloat32:
		return 4
	case TypeFixedChar:
		return int(c.Length)
	default:
		return 0
	}
}

// EncodedSize returns the byte size of this column's serialized form.
func (c Column) EncodedSize() int {
	return 4 + 4 + len(c.Name) + 4 + 4 + 4 + 4 + 4
}

// Encode appends the column's serialized bytes to buf.
func (c Column) Encode(buf []byte) []byte {
	var hdr [4]byte
	bx.PutU32(hdr[:], columnMagic)
	buf = append(buf, hdr[:]...)

	var nameLen [4]byte
	bx.PutU32(nameLen[:], uint32(len(c.Name)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, []byte(c.Name)...)

	var scratch [4]byte
	bx.PutU32(scratch[:], uint32(c.Type))
	buf = append(buf, scratch[:]...)
	bx.PutU32(scratch[:], c.Length)
	buf = append(buf, scratch[:]...)
	bx.PutU32(scratch[:], c.TableIndex)
	buf = append(buf, scratch[:]...)
	bx.PutU32(scratch[:], boolToU32(c.Nullable))
	buf = append(buf, scratch[:]...)
	bx.PutU32(scratch[:], boolToU32(c.Unique))
	buf = append(buf, scratch[:]...)
	return buf
}

// DecodeColumn reads one Column from buf, returning the number of bytes
// consumed.
func DecodeColumn(buf []byte) (Column, int, error) {
	if len(buf) < 8 {
		return Column{}, 0, dberr.ErrPageCorrupted
	}
	if bx.U32(buf[0:4]) != columnMagic {
		return Column{}, 0, fmt.Errorf("record: bad column magic: %w", dberr.ErrPageCorrupted)
	}
	nameLen := int(bx.U32(buf[4:8]))
	off := 8
	if len(buf) < off+nameLen+4*5 {
		return Column{}, 0, dberr.ErrPageCorrupted
	}
	name := string(buf[off : off+nameLen])
	off += nameLen

	typ := ColumnType(bx.U32(buf[off : off+4]))
	off += 4
	length := bx.U32(buf[off : off+4])
	off += 4
	tableIndex := bx.U32(buf[off : off+4])
	off += 4
	nullable := bx.U32(buf[off:off+4]) != 0
	off += 4
	unique := bx.U32(buf[off:off+4]) != 0
	off += 4

	return Column{
		Name:       name,
		Type:       typ,
		Length:     length,
		TableIndex: tableIndex,
		Nullable:   nullable,
		Unique:     unique,
	}, off, nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
