// Package catalog implements the table/index registry: in-memory lookup
// maps backed by a page-persisted catalog meta page, per-table meta pages,
// and per-index meta pages.
package catalog

import (
	"fmt"

	"github.com/tuannm99/novasql/internal/bx"
	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/storage"
)

const (
	catalogMetaMagic uint32 = 0x4E534331 // "NSC1"
	tableMetaMagic   uint32 = 0x4E535431 // "NST1"
	indexMetaMagic   uint32 = 0x4E534931 // "NSI1"
)

// catalogEntry is one (id, meta_page_id) pair in the catalog meta page.
type catalogEntry struct {
	id     uint32
	pageID storage.PageID
}

// encodeCatalogMeta serializes the catalog meta page:
// magic | table_count | (table_id, meta_page_id)* | index_count | (index_id, meta_page_id)*
func encodeCatalogMeta(tables, indexes []catalogEntry) []byte {
	buf := make([]byte, 0, 8+len(tables)*8+4+len(indexes)*8)
	var hdr [4]byte
	bx.PutU32(hdr[:], catalogMetaMagic)
	buf = append(buf, hdr[:]...)
	buf = appendEntries(buf, tables)
	buf = appendEntries(buf, indexes)
	return buf
}

func appendEntries(buf []byte, entries []catalogEntry) []byte {
	var cnt [4]byte
	bx.PutU32(cnt[:], uint32(len(entries)))
	buf = append(buf, cnt[:]...)
	for _, e := range entries {
		var rec [8]byte
		bx.PutU32(rec[0:4], e.id)
		bx.PutI32(rec[4:8], int32(e.pageID))
		buf = append(buf, rec[:]...)
	}
	return buf
}

func decodeCatalogMeta(buf []byte) (tables, indexes []catalogEntry, err error) {
	if len(buf) < 4 || bx.U32(buf[0:4]) != catalogMetaMagic {
		return nil, nil, fmt.Errorf("catalog: bad catalog meta magic: %w", dberr.ErrPageCorrupted)
	}
	off := 4
	tables, off, err = decodeEntries(buf, off)
	if err != nil {
		return nil, nil, err
	}
	indexes, _, err = decodeEntries(buf, off)
	if err != nil {
		return nil, nil, err
	}
	return tables, indexes, nil
}

func decodeEntries(buf []byte, off int) ([]catalogEntry, int, error) {
	if off+4 > len(buf) {
		return nil, 0, fmt.Errorf("catalog: truncated catalog meta: %w", dberr.ErrPageCorrupted)
	}
	count := int(bx.U32(buf[off : off+4]))
	off += 4
	entries := make([]catalogEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+8 > len(buf) {
			return nil, 0, fmt.Errorf("catalog: truncated catalog meta entry: %w", dberr.ErrPageCorrupted)
		}
		entries = append(entries, catalogEntry{
			id:     bx.U32(buf[off : off+4]),
			pageID: storage.PageID(bx.I32(buf[off+4 : off+8])),
		})
		off += 8
	}
	return entries, off, nil
}

// encodeTableMeta serializes a table's meta page:
// magic | table_id | first_page_id | last_page_id | name_len | name | schema
func encodeTableMeta(tableID uint32, firstPage, lastPage storage.PageID, name string, schema record.Schema) []byte {
	nameB := []byte(name)
	schemaB := schema.Encode()
	buf := make([]byte, 0, 4+4+4+4+4+len(nameB)+len(schemaB))
	var hdr [20]byte
	bx.PutU32(hdr[0:4], tableMetaMagic)
	bx.PutU32(hdr[4:8], tableID)
	bx.PutI32(hdr[8:12], int32(firstPage))
	bx.PutI32(hdr[12:16], int32(lastPage))
	bx.PutU32(hdr[16:20], uint32(len(nameB)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, nameB...)
	buf = append(buf, schemaB...)
	return buf
}

type decodedTableMeta struct {
	tableID    uint32
	firstPage  storage.PageID
	lastPage   storage.PageID
	name       string
	schema     record.Schema
}

func decodeTableMeta(buf []byte) (decodedTableMeta, error) {
	if len(buf) < 20 || bx.U32(buf[0:4]) != tableMetaMagic {
		return decodedTableMeta{}, fmt.Errorf("catalog: bad table meta magic: %w", dberr.ErrPageCorrupted)
	}
	tableID := bx.U32(buf[4:8])
	firstPage := storage.PageID(bx.I32(buf[8:12]))
	lastPage := storage.PageID(bx.I32(buf[12:16]))
	nameLen := int(bx.U32(buf[16:20]))
	off := 20
	if off+nameLen > len(buf) {
		return decodedTableMeta{}, fmt.Errorf("catalog: truncated table meta name: %w", dberr.ErrPageCorrupted)
	}
	name := string(buf[off : off+nameLen])
	off += nameLen
	schema, _, err := record.DecodeSchema(buf[off:])
	if err != nil {
		return decodedTableMeta{}, err
	}
	return decodedTableMeta{tableID: tableID, firstPage: firstPage, lastPage: lastPage, name: name, schema: schema}, nil
}

// encodeIndexMeta serializes an index's meta page:
// magic | index_id | table_id | name_len | name | key_column_count | key_columns[]
func encodeIndexMeta(indexID, tableID uint32, name string, keyColumns []int) []byte {
	nameB := []byte(name)
	buf := make([]byte, 0, 16+len(nameB)+4+len(keyColumns)*4)
	var hdr [16]byte
	bx.PutU32(hdr[0:4], indexMetaMagic)
	bx.PutU32(hdr[4:8], indexID)
	bx.PutU32(hdr[8:12], tableID)
	bx.PutU32(hdr[12:16], uint32(len(nameB)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, nameB...)
	var cnt [4]byte
	bx.PutU32(cnt[:], uint32(len(keyColumns)))
	buf = append(buf, cnt[:]...)
	for _, c := range keyColumns {
		var v [4]byte
		bx.PutU32(v[:], uint32(c))
		buf = append(buf, v[:]...)
	}
	return buf
}

type decodedIndexMeta struct {
	indexID    uint32
	tableID    uint32
	name       string
	keyColumns []int
}

func decodeIndexMeta(buf []byte) (decodedIndexMeta, error) {
	if len(buf) < 16 || bx.U32(buf[0:4]) != indexMetaMagic {
		return decodedIndexMeta{}, fmt.Errorf("catalog: bad index meta magic: %w", dberr.ErrPageCorrupted)
	}
	indexID := bx.U32(buf[4:8])
	tableID := bx.U32(buf[8:12])
	nameLen := int(bx.U32(buf[12:16]))
	off := 16
	if off+nameLen+4 > len(buf) {
		return decodedIndexMeta{}, fmt.Errorf("catalog: truncated index meta: %w", dberr.ErrPageCorrupted)
	}
	name := string(buf[off : off+nameLen])
	off += nameLen
	count := int(bx.U32(buf[off : off+4]))
	off += 4
	cols := make([]int, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return decodedIndexMeta{}, fmt.Errorf("catalog: truncated index meta key columns: %w", dberr.ErrPageCorrupted)
		}
		cols = append(cols, int(bx.U32(buf[off:off+4])))
		off += 4
	}
	return decodedIndexMeta{indexID: indexID, tableID: tableID, name: name, keyColumns: cols}, nil
}
