package record

import (
	"fmt"
	"math"

	"github.com/tuannm99/novasql/internal/bx"
	"github.com/tuannm99/novasql/internal/dberr"
)

// Field is one value of a Row. Exactly one of Int32/Float32/Str is
// meaningful, selected by the owning column's type, unless Null is set.
type Field struct {
	Null   bool
	Int32  int32
	Float32 float32
	Str    string
}

func NullField() Field { return Field{Null: true} }
func IntField(v int32) Field { return Field{Int32: v} }
func FloatField(v float32) Field { return Field{Float32: v} }
func StrField(v string) Field { return Field{Str: v} }

// Row is an ordered list of fields matching a Schema.
type Row struct {
	Fields []Field
}

// nullBitmapWords returns how many u32 words are needed for n bits.
func nullBitmapWords(n int) int {
	if n == 0 {
		return 0
	}
	return (n + 31) / 32
}

// Encode serializes the row as field_count | null_bitmap | fields[*],
// where fields[i] is present only when bit i of the null bitmap is 0.
// schema supplies the type needed to encode each non-null field.
func (r Row) Encode(schema Schema) ([]byte, error) {
	if len(r.Fields) != len(schema.Columns) {
		return nil, fmt.Errorf("record: row has %d fields, schema has %d: %w", len(r.Fields), len(schema.Columns), dberr.ErrFailed)
	}
	words := nullBitmapWords(len(r.Fields))
	bitmap := make([]uint32, words)
	for i, f := range r.Fields {
		if f.Null {
			bitmap[i/32] |= 1 << uint(i%32)
		}
	}

	buf := make([]byte, 0, 8+words*4+len(r.Fields)*8)
	var hdr [4]byte
	bx.PutU32(hdr[:], uint32(len(r.Fields)))
	buf = append(buf, hdr[:]...)
	for _, w := range bitmap {
		var b [4]byte
		bx.PutU32(b[:], w)
		buf = append(buf, b[:]...)
	}

	for i, f := range r.Fields {
		if f.Null {
			continue
		}
		col := schema.Columns[i]
		switch col.Type {
		case TypeInt32:
			var b [4]byte
			bx.PutU32(b[:], uint32(f.Int32))
			buf = append(buf, b[:]...)
		case TypeFloat32:
			var b [4]byte
			bx.PutU32(b[:], math.Float32bits(f.Float32))
			buf = append(buf, b[:]...)
		case TypeFixedChar:
			if uint32(len(f.Str)) > col.Length {
				return nil, fmt.Errorf("record: column %q value exceeds length %d: %w", col.Name, col.Length, dberr.ErrFailed)
			}
			var lenB [4]byte
			bx.PutU32(lenB[:], uint32(len(f.Str)))
			buf = append(buf, lenB[:]...)
			buf = append(buf, []byte(f.Str)...)
		default:
			return nil, fmt.Errorf("record: unknown column type %d: %w", col.Type, dberr.ErrFailed)
		}
	}
	return buf, nil
}

// DecodeRow parses a row previously produced by Encode against schema.
func DecodeRow(buf []byte, schema Schema) (Row, error) {
	if len(buf) < 4 {
		return Row{}, dberr.ErrPageCorrupted
	}
	fieldCount := int(bx.U32(buf[0:4]))
	if fieldCount != len(schema.Columns) {
		return Row{}, fmt.Errorf("record: encoded field count %d != schema columns %d: %w", fieldCount, len(schema.Columns), dberr.ErrPageCorrupted)
	}
	words := nullBitmapWords(fieldCount)
	off := 4
	if len(buf) < off+words*4 {
		return Row{}, dberr.ErrPageCorrupted
	}
	bitmap := make([]uint32, words)
	for i := 0; i < words; i++ {
		bitmap[i] = bx.U32(buf[off : off+4])
		off += 4
	}

	fields := make([]Field, fieldCount)
	for i := 0; i < fieldCount; i++ {
		isNull := bitmap[i/32]&(1<<uint(i%32)) != 0
		if isNull {
			fields[i] = NullField()
			continue
		}
		col := schema.Columns[i]
		switch col.Type {
		case TypeInt32:
			if len(buf) < off+4 {
				return Row{}, dberr.ErrPageCorrupted
			}
			fields[i] = IntField(int32(bx.U32(buf[off : off+4])))
			off += 4
		case TypeFloat32:
			if len(buf) < off+4 {
				return Row{}, dberr.ErrPageCorrupted
			}
			fields[i] = FloatField(math.Float32frombits(bx.U32(buf[off : off+4])))
			off += 4
		case TypeFixedChar:
			if len(buf) < off+4 {
				return Row{}, dberr.ErrPageCorrupted
			}
			strLen := int(bx.U32(buf[off : off+4]))
			off += 4
			if len(buf) < off+strLen {
				return Row{}, dberr.ErrPageCorrupted
			}
			fields[i] = StrField(string(buf[off : off+strLen]))
			off += strLen
		default:
			return Row{}, fmt.Errorf("record: unknown column type %d: %w", col.Type, dberr.ErrPageCorrupted)
		}
	}
	return Row{Fields: fields}, nil
}
