package record

import (
	"fmt"

	"github.com/tuannm99/novasql/internal/bx"
	"github.com/tuannm99/novasql/internal/dberr"
)

const schemaMagic uint32 = 0x4E535331 // "NSS1"

// Schema is an ordered list of columns, persisted with a magic-number
// header so catalog reads can detect corruption.
type Schema struct {
	Columns []Column
}

// ColumnIndex returns the ordinal position of name, or -1 if absent.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Encode serializes the schema as magic | column_count | columns[*].
func (s Schema) Encode() []byte {
	buf := make([]byte, 0, 8+len(s.Columns)*32)
	var hdr [8]byte
	bx.PutU32(hdr[0:4], schemaMagic)
	bx.PutU32(hdr[4:8], uint32(len(s.Columns)))
	buf = append(buf, hdr[:]...)
	for _, c := range s.Columns {
		buf = c.Encode(buf)
	}
	return buf
}

// DecodeSchema parses a schema previously produced by Encode.
func DecodeSchema(buf []byte) (Schema, int, error) {
	if len(buf) < 8 {
		return Schema{}, 0, dberr.ErrPageCorrupted
	}
	if bx.U32(buf[0:4]) != schemaMagic {
		return Schema{}, 0, fmt.Errorf("record: bad schema magic: %w", dberr.ErrPageCorrupted)
	}
	count := int(bx.U32(buf[4:8]))
	off := 8
	cols := make([]Column, 0, count)
	for i := 0; i < count; i++ {
		col, n, err := DecodeColumn(buf[off:])
		if err != nil {
			return Schema{}, 0, err
		}
		cols = append(cols, col)
		off += n
	}
	return Schema{Columns: cols}, off, nil
}
