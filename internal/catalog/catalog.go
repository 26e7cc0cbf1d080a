package catalog

import (
	"sync"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/btree"
	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/storage"
)

// TableInfo is everything the catalog knows about one table.
type TableInfo struct {
	TableID    uint32
	Name       string
	Schema     record.Schema
	MetaPageID storage.PageID
	Heap       *heap.TableHeap
}

// IndexInfo is everything the catalog knows about one B+-tree index.
type IndexInfo struct {
	IndexID    uint32
	TableID    uint32
	Name       string
	KeyColumns []int
	MetaPageID storage.PageID
	Tree       *btree.Tree
}

// Catalog is the in-memory table/index registry, backed by a page-persisted
// catalog meta page plus one meta page per table and per index.
type Catalog struct {
	mu sync.Mutex

	pool *bufferpool.Pool
	log  *logging.Logger
	met  *metrics.Metrics

	tableNameToID map[string]uint32
	tableByID     map[uint32]*TableInfo
	tableIndexes  map[uint32]map[string]uint32 // table id -> index name -> index id
	indexByID     map[uint32]*IndexInfo

	nextTableID uint32
	nextIndexID uint32
}

// Open constructs a catalog over pool. If init is true a fresh, empty
// catalog meta page is formatted; otherwise the existing catalog meta page
// (and every table/index meta page it lists) is loaded.
func Open(pool *bufferpool.Pool, log *logging.Logger, met *metrics.Metrics, init bool) (*Catalog, error) {
	if log == nil {
		log = logging.Get()
	}
	if met == nil {
		met = metrics.Noop()
	}
	c := &Catalog{
		pool:          pool,
		log:           log.WithComponent("catalog"),
		met:           met,
		tableNameToID: make(map[string]uint32),
		tableByID:     make(map[uint32]*TableInfo),
		tableIndexes:  make(map[uint32]map[string]uint32),
		indexByID:     make(map[uint32]*IndexInfo),
	}
	if err := btree.EnsureIndexRootsPage(pool); err != nil {
		return nil, err
	}
	if init {
		if err := c.formatEmptyMeta(); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) formatEmptyMeta() error {
	page, err := c.pool.FetchPage(storage.CatalogMetaPageID)
	if err != nil {
		return err
	}
	copy(page.Data[:], encodeCatalogMeta(nil, nil))
	c.pool.UnpinPage(storage.CatalogMetaPageID, true)
	return nil
}

func (c *Catalog) load() error {
	page, err := c.pool.FetchPage(storage.CatalogMetaPageID)
	if err != nil {
		return err
	}
	tables, indexes, err := decodeCatalogMeta(page.Data[:])
	c.pool.UnpinPage(storage.CatalogMetaPageID, false)
	if err != nil {
		return err
	}

	for _, entry := range tables {
		if err := c.loadTable(entry.id, entry.pageID); err != nil {
			return err
		}
	}
	for _, entry := range indexes {
		if err := c.loadIndex(entry.id, entry.pageID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) loadTable(tableID uint32, metaPageID storage.PageID) error {
	page, err := c.pool.FetchPage(metaPageID)
	if err != nil {
		return err
	}
	meta, err := decodeTableMeta(page.Data[:])
	c.pool.UnpinPage(metaPageID, false)
	if err != nil {
		return err
	}

	h := heap.Open(c.pool, c.log, meta.firstPage, meta.lastPage)
	info := &TableInfo{
		TableID:    tableID,
		Name:       meta.name,
		Schema:     meta.schema,
		MetaPageID: metaPageID,
		Heap:       h,
	}
	c.tableNameToID[meta.name] = tableID
	c.tableByID[tableID] = info
	if tableID >= c.nextTableID {
		c.nextTableID = tableID + 1
	}
	return nil
}

// loadIndex reconstructs one index from its meta page. indexID is used
// directly throughout — never shadowed by a loop-local redeclaration.
func (c *Catalog) loadIndex(indexID uint32, metaPageID storage.PageID) error {
	page, err := c.pool.FetchPage(metaPageID)
	if err != nil {
		return err
	}
	meta, err := decodeIndexMeta(page.Data[:])
	c.pool.UnpinPage(metaPageID, false)
	if err != nil {
		return err
	}

	table, ok := c.tableByID[meta.tableID]
	if !ok {
		return dberr.ErrTableNotExist
	}
	keySize := compositeKeySize(table.Schema, meta.keyColumns)
	tree, err := btree.OpenTree(c.pool, c.log, indexID, keySize, btree.ByteCompare)
	if err != nil {
		return err
	}

	info := &IndexInfo{
		IndexID:    indexID,
		TableID:    meta.tableID,
		Name:       meta.name,
		KeyColumns: meta.keyColumns,
		MetaPageID: metaPageID,
		Tree:       tree,
	}
	c.indexByID[indexID] = info
	if c.tableIndexes[meta.tableID] == nil {
		c.tableIndexes[meta.tableID] = make(map[string]uint32)
	}
	c.tableIndexes[meta.tableID][meta.name] = indexID
	if indexID >= c.nextIndexID {
		c.nextIndexID = indexID + 1
	}
	return nil
}

func compositeKeySize(schema record.Schema, keyColumns []int) int {
	size := 0
	for _, idx := range keyColumns {
		size += schema.Columns[idx].FixedSize()
	}
	return size
}

// CreateTable registers a new, empty table.
func (c *Catalog) CreateTable(name string, schema record.Schema) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tableNameToID[name]; exists {
		return nil, dberr.ErrTableAlreadyExist
	}

	tableID := c.nextTableID
	c.nextTableID++

	metaPage, err := c.pool.NewPage()
	if err != nil {
		return nil, err
	}
	metaPageID := metaPage.ID

	h := heap.New(c.pool, c.log)
	copy(metaPage.Data[:], encodeTableMeta(tableID, h.FirstPageID(), h.LastPageID(), name, schema))
	c.pool.UnpinPage(metaPageID, true)

	info := &TableInfo{TableID: tableID, Name: name, Schema: schema, MetaPageID: metaPageID, Heap: h}
	c.tableNameToID[name] = tableID
	c.tableByID[tableID] = info

	if err := c.appendCatalogEntryLocked(true, tableID, metaPageID); err != nil {
		return nil, err
	}
	return info, nil
}

// CreateIndex registers a new, empty B+-tree index over table.
func (c *Catalog) CreateIndex(tableName, indexName string, keyColumns []int) (*IndexInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tableID, ok := c.tableNameToID[tableName]
	if !ok {
		return nil, dberr.ErrTableNotExist
	}
	table := c.tableByID[tableID]
	for _, idx := range keyColumns {
		if idx < 0 || idx >= len(table.Schema.Columns) {
			return nil, dberr.ErrColumnNameNotExist
		}
	}
	if _, exists := c.tableIndexes[tableID][indexName]; exists {
		return nil, dberr.ErrIndexAlreadyExist
	}

	indexID := c.nextIndexID
	c.nextIndexID++

	metaPage, err := c.pool.NewPage()
	if err != nil {
		return nil, err
	}
	metaPageID := metaPage.ID
	copy(metaPage.Data[:], encodeIndexMeta(indexID, tableID, indexName, keyColumns))
	c.pool.UnpinPage(metaPageID, true)

	keySize := compositeKeySize(table.Schema, keyColumns)
	tree, err := btree.NewTree(c.pool, c.log, indexID, keySize, btree.ByteCompare)
	if err != nil {
		return nil, err
	}

	info := &IndexInfo{
		IndexID: indexID, TableID: tableID, Name: indexName,
		KeyColumns: keyColumns, MetaPageID: metaPageID, Tree: tree,
	}
	c.indexByID[indexID] = info
	if c.tableIndexes[tableID] == nil {
		c.tableIndexes[tableID] = make(map[string]uint32)
	}
	c.tableIndexes[tableID][indexName] = indexID

	if err := c.appendCatalogEntryLocked(false, indexID, metaPageID); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Catalog) appendCatalogEntryLocked(isTable bool, id uint32, pageID storage.PageID) error {
	page, err := c.pool.FetchPage(storage.CatalogMetaPageID)
	if err != nil {
		return err
	}
	tables, indexes, err := decodeCatalogMeta(page.Data[:])
	if err != nil {
		c.pool.UnpinPage(storage.CatalogMetaPageID, false)
		return err
	}
	if isTable {
		tables = append(tables, catalogEntry{id: id, pageID: pageID})
	} else {
		indexes = append(indexes, catalogEntry{id: id, pageID: pageID})
	}
	copy(page.Data[:], encodeCatalogMeta(tables, indexes))
	c.pool.UnpinPage(storage.CatalogMetaPageID, true)
	return nil
}

func (c *Catalog) GetTableByName(name string) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.tableNameToID[name]
	if !ok {
		return nil, dberr.ErrTableNotExist
	}
	return c.tableByID[id], nil
}

func (c *Catalog) GetTableByID(id uint32) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.tableByID[id]
	if !ok {
		return nil, dberr.ErrTableNotExist
	}
	return info, nil
}

func (c *Catalog) GetIndex(tableName, indexName string) (*IndexInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tableID, ok := c.tableNameToID[tableName]
	if !ok {
		return nil, dberr.ErrTableNotExist
	}
	indexID, ok := c.tableIndexes[tableID][indexName]
	if !ok {
		return nil, dberr.ErrIndexNotFound
	}
	return c.indexByID[indexID], nil
}

// GetTables fills out with every currently registered table, clearing it
// first. An empty input slice is accepted and simply fills from scratch —
// this does not resize-then-clear, which would leave stale trailing
// entries behind when the registry has shrunk since out was last used.
func (c *Catalog) GetTables(out []*TableInfo) []*TableInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out = out[:0]
	for _, info := range c.tableByID {
		out = append(out, info)
	}
	return out
}

// SyncTableHeapMeta rewrites table's meta page with its heap's current
// first/last page ids. The heap allocates its first page lazily on the
// first insert, so the meta page written at CreateTable time is stale the
// moment that happens; callers that mutate a table's heap are responsible
// for calling this afterward.
func (c *Catalog) SyncTableHeapMeta(tableID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.tableByID[tableID]
	if !ok {
		return dberr.ErrTableNotExist
	}
	page, err := c.pool.FetchPage(info.MetaPageID)
	if err != nil {
		return err
	}
	copy(page.Data[:], encodeTableMeta(tableID, info.Heap.FirstPageID(), info.Heap.LastPageID(), info.Name, info.Schema))
	c.pool.UnpinPage(info.MetaPageID, true)
	return nil
}

// GetTableIndexes returns every index registered on table.
func (c *Catalog) GetTableIndexes(tableName string) ([]*IndexInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tableID, ok := c.tableNameToID[tableName]
	if !ok {
		return nil, dberr.ErrTableNotExist
	}
	out := make([]*IndexInfo, 0, len(c.tableIndexes[tableID]))
	for _, indexID := range c.tableIndexes[tableID] {
		out = append(out, c.indexByID[indexID])
	}
	return out, nil
}

// DropIndex removes name from table's index set, freeing its meta page and
// destroying the underlying tree. Dropping a nonexistent index is an error.
func (c *Catalog) DropIndex(tableName, indexName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tableID, ok := c.tableNameToID[tableName]
	if !ok {
		return dberr.ErrTableNotExist
	}
	indexID, ok := c.tableIndexes[tableID][indexName]
	if !ok {
		return dberr.ErrIndexNotFound
	}
	info := c.indexByID[indexID]
	if err := info.Tree.Destroy(); err != nil {
		return err
	}
	if _, err := c.pool.DeletePage(info.MetaPageID); err != nil {
		return err
	}
	delete(c.indexByID, indexID)
	delete(c.tableIndexes[tableID], indexName)
	return c.removeCatalogEntryLocked(false, indexID)
}

// DropTable removes name and every index registered on it, cascading so no
// orphaned index meta page is left reachable from a dangling table id.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	tableID, ok := c.tableNameToID[name]
	var indexNames []string
	if ok {
		for indexName := range c.tableIndexes[tableID] {
			indexNames = append(indexNames, indexName)
		}
	}
	c.mu.Unlock()
	if !ok {
		return dberr.ErrTableNotExist
	}

	for _, indexName := range indexNames {
		if err := c.DropIndex(name, indexName); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.tableByID[tableID]
	if _, err := c.pool.DeletePage(info.MetaPageID); err != nil {
		return err
	}
	delete(c.tableByID, tableID)
	delete(c.tableNameToID, name)
	delete(c.tableIndexes, tableID)
	return c.removeCatalogEntryLocked(true, tableID)
}

func (c *Catalog) removeCatalogEntryLocked(isTable bool, id uint32) error {
	page, err := c.pool.FetchPage(storage.CatalogMetaPageID)
	if err != nil {
		return err
	}
	tables, indexes, err := decodeCatalogMeta(page.Data[:])
	if err != nil {
		c.pool.UnpinPage(storage.CatalogMetaPageID, false)
		return err
	}
	if isTable {
		tables = removeEntry(tables, id)
	} else {
		indexes = removeEntry(indexes, id)
	}
	copy(page.Data[:], encodeCatalogMeta(tables, indexes))
	c.pool.UnpinPage(storage.CatalogMetaPageID, true)
	return nil
}

func removeEntry(entries []catalogEntry, id uint32) []catalogEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// FlushCatalogMetaPage forces the catalog meta page to disk through the
// buffer pool.
func (c *Catalog) FlushCatalogMetaPage() error {
	return c.pool.FlushPage(storage.CatalogMetaPageID)
}
