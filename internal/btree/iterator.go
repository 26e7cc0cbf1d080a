package btree

import (
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/storage"
)

// Iterator walks leaf entries in key order via the leaf sibling chain.
// A dedicated end flag makes End() unambiguous: it is never confused with
// a cursor that merely landed past the last slot of a leaf page.
type Iterator struct {
	tree    *Tree
	pageID  storage.PageID
	slot    int
	atEnd   bool
	started bool
}

// End returns a past-the-end iterator, distinguishable from every valid
// position regardless of how many entries the tree holds.
func (t *Tree) End() *Iterator {
	return &Iterator{tree: t, pageID: storage.InvalidPageID, atEnd: true, started: true}
}

// Begin returns an iterator positioned at the first entry in key order.
func (t *Tree) Begin() (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == storage.InvalidPageID {
		return t.End(), nil
	}
	cur := t.root
	for {
		n, err := t.fetchNode(cur)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			l := asLeaf(n)
			it := &Iterator{tree: t, pageID: cur, slot: 0, started: true}
			if l.Size() == 0 {
				t.unpin(cur, false)
				return t.End(), nil
			}
			t.unpin(cur, false)
			return it, nil
		}
		in := asInternal(n)
		child := in.ValueAt(0)
		t.unpin(cur, false)
		cur = child
	}
}

// BeginAt returns an iterator positioned at the first entry with a key
// greater than or equal to key.
func (t *Tree) BeginAt(key []byte) (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == storage.InvalidPageID {
		return t.End(), nil
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	idx, _ := t.leafLowerBound(leaf, key)
	pageID := leaf.PageID()
	size := leaf.Size()
	next := leaf.NextPageID()
	t.unpin(pageID, false)

	if idx < size {
		return &Iterator{tree: t, pageID: pageID, slot: idx, started: true}, nil
	}
	// Lower bound landed past this leaf's last slot: the first live entry,
	// if any, is at the start of the next leaf in the sibling chain.
	if next == storage.InvalidPageID {
		return t.End(), nil
	}
	return &Iterator{tree: t, pageID: next, slot: 0, started: true}, nil
}

// Valid reports whether the iterator currently refers to a live entry.
func (it *Iterator) Valid() bool {
	return it.started && !it.atEnd
}

// Key returns the current entry's key. Only valid when Valid() is true.
func (it *Iterator) Key() ([]byte, error) {
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()
	n, err := it.tree.fetchNode(it.pageID)
	if err != nil {
		return nil, err
	}
	defer it.tree.unpin(it.pageID, false)
	l := asLeaf(n)
	return append([]byte(nil), l.KeyAt(it.slot)...), nil
}

// Value returns the current entry's row id. Only valid when Valid() is true.
func (it *Iterator) Value() (heap.RowID, error) {
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()
	n, err := it.tree.fetchNode(it.pageID)
	if err != nil {
		return heap.RowID{}, err
	}
	defer it.tree.unpin(it.pageID, false)
	l := asLeaf(n)
	return l.ValueAt(it.slot), nil
}

// Next advances the iterator by one entry, crossing leaf boundaries via the
// sibling chain and reaching End() once the chain is exhausted.
func (it *Iterator) Next() error {
	if it.atEnd {
		return nil
	}
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()

	n, err := it.tree.fetchNode(it.pageID)
	if err != nil {
		return err
	}
	l := asLeaf(n)
	if it.slot+1 < l.Size() {
		it.slot++
		it.tree.unpin(it.pageID, false)
		return nil
	}
	next := l.NextPageID()
	it.tree.unpin(it.pageID, false)
	if next == storage.InvalidPageID {
		it.atEnd = true
		it.pageID = storage.InvalidPageID
		it.slot = 0
		return nil
	}
	it.pageID = next
	it.slot = 0
	return nil
}
