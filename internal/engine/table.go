package engine

import (
	"fmt"
	"hash/crc32"

	"github.com/tuannm99/novasql/internal/catalog"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/txn"
)

// Table is a row-level handle onto one catalog-registered table, wiring
// heap mutations to row locking and the recovery log.
type Table struct {
	engine *Engine
	info   *catalog.TableInfo
}

// Table looks up a table handle by name.
func (e *Engine) Table(name string) (*Table, error) {
	info, err := e.cat.GetTableByName(name)
	if err != nil {
		return nil, err
	}
	return &Table{engine: e, info: info}, nil
}

// ridKey renders a RowID as the recovery log's string key space.
func ridKey(rid heap.RowID) string {
	return fmt.Sprintf("%d:%d", rid.PageID, rid.Slot)
}

// checksum summarizes row bytes as the recovery log's int32 value space —
// the log's key/value domain is the original teaching system's abstract
// (string, int32) pair, too narrow to carry a real row's bytes, so mutated
// rows are logged by row-id key and content checksum rather than by value.
func checksum(data []byte) int32 {
	return int32(crc32.ChecksumIEEE(data))
}

// Insert appends row to the table heap under t, taking an exclusive lock
// on the freshly assigned row id and logging it to the recovery log.
func (tb *Table) Insert(t *txn.Transaction, row record.Row) (heap.RowID, error) {
	data, err := row.Encode(tb.info.Schema)
	if err != nil {
		return heap.RowID{}, err
	}
	rid, err := tb.info.Heap.InsertTuple(data)
	if err != nil {
		return heap.RowID{}, err
	}
	if err := tb.engine.lockMgr.LockExclusive(t, rid); err != nil {
		return heap.RowID{}, err
	}
	if err := tb.engine.cat.SyncTableHeapMeta(tb.info.TableID); err != nil {
		return heap.RowID{}, err
	}
	if _, err := tb.engine.wal.Insert(t.ID(), ridKey(rid), checksum(data)); err != nil {
		return heap.RowID{}, err
	}
	return rid, nil
}

// Get reads and decodes the row at rid under t, taking a shared lock.
func (tb *Table) Get(t *txn.Transaction, rid heap.RowID) (record.Row, bool, error) {
	if err := tb.engine.lockMgr.LockShared(t, rid); err != nil {
		return record.Row{}, false, err
	}
	data, ok, err := tb.info.Heap.GetTuple(rid)
	if err != nil || !ok {
		return record.Row{}, ok, err
	}
	row, err := record.DecodeRow(data, tb.info.Schema)
	return row, true, err
}

// Update rewrites the row at rid under t, taking an exclusive lock
// (upgrading from shared if t already holds one) and logging the mutation.
func (tb *Table) Update(t *txn.Transaction, rid heap.RowID, row record.Row) (heap.RowID, error) {
	if t.HoldsShared(rid) {
		if err := tb.engine.lockMgr.LockUpgrade(t, rid); err != nil {
			return heap.RowID{}, err
		}
	} else if err := tb.engine.lockMgr.LockExclusive(t, rid); err != nil {
		return heap.RowID{}, err
	}

	oldData, ok, err := tb.info.Heap.GetTuple(rid)
	if err != nil {
		return heap.RowID{}, err
	}
	if !ok {
		return heap.RowID{}, fmt.Errorf("engine: update on missing row %v", rid)
	}

	newData, err := row.Encode(tb.info.Schema)
	if err != nil {
		return heap.RowID{}, err
	}
	newRid, err := tb.info.Heap.UpdateTuple(newData, rid)
	if err != nil {
		return heap.RowID{}, err
	}
	if _, err := tb.engine.wal.Update(t.ID(), ridKey(rid), checksum(oldData), ridKey(newRid), checksum(newData)); err != nil {
		return heap.RowID{}, err
	}
	return newRid, nil
}

// Delete marks rid deleted under t. The tuple remains recoverable via
// rollback until a later apply_delete; here delete is immediately applied,
// matching a committing statement rather than an in-flight one.
func (tb *Table) Delete(t *txn.Transaction, rid heap.RowID) error {
	if err := tb.engine.lockMgr.LockExclusive(t, rid); err != nil {
		return err
	}
	data, ok, err := tb.info.Heap.GetTuple(rid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("engine: delete on missing row %v", rid)
	}
	if _, err := tb.info.Heap.MarkDelete(rid); err != nil {
		return err
	}
	if err := tb.info.Heap.ApplyDelete(rid); err != nil {
		return err
	}
	_, err = tb.engine.wal.Delete(t.ID(), ridKey(rid), checksum(data))
	return err
}

// TableIterator walks every live row of a table in heap order.
type TableIterator struct {
	schema record.Schema
	it     *heap.Iterator
}

// Iter returns a forward iterator over every live row, decoded against the
// table's schema.
func (tb *Table) Iter() (*TableIterator, error) {
	it, err := tb.info.Heap.Begin()
	if err != nil {
		return nil, err
	}
	return &TableIterator{schema: tb.info.Schema, it: it}, nil
}

func (it *TableIterator) Valid() bool { return it.it.Valid() }

func (it *TableIterator) Row() (record.Row, error) {
	data, _, err := it.it.Tuple()
	if err != nil {
		return record.Row{}, err
	}
	return record.DecodeRow(data, it.schema)
}

func (it *TableIterator) RowID() heap.RowID { return it.it.RowID() }

func (it *TableIterator) Next() error { return it.it.Next() }
