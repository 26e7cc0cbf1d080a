package engine

import (
	"github.com/tuannm99/novasql/internal/btree"
	"github.com/tuannm99/novasql/internal/catalog"
	"github.com/tuannm99/novasql/internal/heap"
)

// Index is a handle onto one catalog-registered B+-tree index.
type Index struct {
	info *catalog.IndexInfo
}

// Index looks up an index handle by table and index name.
func (e *Engine) Index(tableName, indexName string) (*Index, error) {
	info, err := e.cat.GetIndex(tableName, indexName)
	if err != nil {
		return nil, err
	}
	return &Index{info: info}, nil
}

func (ix *Index) Insert(key []byte, rid heap.RowID) (bool, error) { return ix.info.Tree.Insert(key, rid) }
func (ix *Index) Remove(key []byte) error                         { return ix.info.Tree.Remove(key) }
func (ix *Index) Get(key []byte) (heap.RowID, bool, error)        { return ix.info.Tree.GetValue(key) }

func (ix *Index) Iter() (*btree.Iterator, error)            { return ix.info.Tree.Begin() }
func (ix *Index) IterFrom(key []byte) (*btree.Iterator, error) { return ix.info.Tree.BeginAt(key) }
