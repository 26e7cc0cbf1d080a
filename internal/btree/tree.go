package btree

import (
	"bytes"
	"sync"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/storage"
)

// Comparator orders two fixed-size keys; semantics match bytes.Compare.
type Comparator func(a, b []byte) int

// ByteCompare is the default comparator for opaque fixed-width keys.
func ByteCompare(a, b []byte) int { return bytes.Compare(a, b) }

// Tree is a unique-key, order-preserving, persistent B+-tree. Concurrency
// is coarse-grained: readers (Search, iteration) hold a shared lock,
// mutators (Insert, Remove, Destroy) hold an exclusive one. This trades
// intra-tree parallelism for a vastly simpler, still-correct
// implementation than full latch-crabbing, and is a documented
// simplification, not an accident.
type Tree struct {
	pool    *bufferpool.Pool
	log     *logging.Logger
	indexID uint32
	keySize int
	cmp     Comparator

	leafMax, internalMax     int
	minLeafSize, minInternal int

	mu   sync.RWMutex
	root storage.PageID
}

// NewTree creates a fresh, empty tree registered under indexID in the
// index-roots directory page.
func NewTree(pool *bufferpool.Pool, log *logging.Logger, indexID uint32, keySize int, cmp Comparator) (*Tree, error) {
	if cmp == nil {
		cmp = ByteCompare
	}
	if log == nil {
		log = logging.Get()
	}
	if err := EnsureIndexRootsPage(pool); err != nil {
		return nil, err
	}
	leafMax := (storage.PageSize - leafHeaderSize) / (keySize + rowIDEncodedSize)
	internalMax := (storage.PageSize - internalHeaderSize) / (keySize + pointerEncodedSize)
	t := &Tree{
		pool:         pool,
		log:          log.WithComponent("btree"),
		indexID:      indexID,
		keySize:      keySize,
		cmp:          cmp,
		leafMax:      leafMax,
		internalMax:  internalMax,
		minLeafSize:  (leafMax + 1) / 2,
		minInternal:  (internalMax + 1) / 2,
		root:         storage.InvalidPageID,
	}
	if err := SetRoot(pool, indexID, storage.InvalidPageID); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenTree reattaches to a tree already registered under indexID.
func OpenTree(pool *bufferpool.Pool, log *logging.Logger, indexID uint32, keySize int, cmp Comparator) (*Tree, error) {
	if cmp == nil {
		cmp = ByteCompare
	}
	if log == nil {
		log = logging.Get()
	}
	root, _, err := GetRoot(pool, indexID)
	if err != nil {
		return nil, err
	}
	leafMax := (storage.PageSize - leafHeaderSize) / (keySize + rowIDEncodedSize)
	internalMax := (storage.PageSize - internalHeaderSize) / (keySize + pointerEncodedSize)
	return &Tree{
		pool:        pool,
		log:         log.WithComponent("btree"),
		indexID:     indexID,
		keySize:     keySize,
		cmp:         cmp,
		leafMax:     leafMax,
		internalMax: internalMax,
		minLeafSize: (leafMax + 1) / 2,
		minInternal: (internalMax + 1) / 2,
		root:        root,
	}, nil
}

func (t *Tree) fetchNode(id storage.PageID) (node, error) {
	page, err := t.pool.FetchPage(id)
	if err != nil {
		return node{}, err
	}
	if page == nil {
		return node{}, dberr.ErrOutOfMemory
	}
	return node{page: page, keySize: t.keySize}, nil
}

func (t *Tree) unpin(id storage.PageID, dirty bool) { t.pool.UnpinPage(id, dirty) }

// IsEmpty reports whether the tree currently has no root, a cheap check
// that avoids a full descent.
func (t *Tree) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root == storage.InvalidPageID
}

// findLeaf descends from root to the leaf that would contain key. Every
// intermediate page is fetched then unpinned before moving to the child.
func (t *Tree) findLeaf(key []byte) (leafNode, error) {
	cur := t.root
	for {
		n, err := t.fetchNode(cur)
		if err != nil {
			return leafNode{}, err
		}
		if n.IsLeaf() {
			return asLeaf(n), nil
		}
		in := asInternal(n)
		childIdx := t.internalChildIndex(in, key)
		child := in.ValueAt(childIdx)
		t.unpin(cur, false)
		cur = child
	}
}

// internalChildIndex finds, via binary search, the child whose range
// contains key. Entry 0's key is a low-sentinel and never compared.
func (t *Tree) internalChildIndex(in internalNode, key []byte) int {
	lo, hi := 1, in.Size()-1
	res := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if t.cmp(in.KeyAt(mid), key) <= 0 {
			res = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return res
}

// GetValue walks from root and returns the row id for key, if present.
func (t *Tree) GetValue(key []byte) (heap.RowID, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == storage.InvalidPageID {
		return heap.RowID{}, false, nil
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return heap.RowID{}, false, err
	}
	idx, found := t.leafLowerBound(leaf, key)
	var rid heap.RowID
	if found {
		rid = leaf.ValueAt(idx)
	}
	t.unpin(leaf.PageID(), false)
	return rid, found, nil
}

// leafLowerBound returns the index of the first key >= search key, and
// whether that key equals it exactly.
func (t *Tree) leafLowerBound(l leafNode, key []byte) (int, bool) {
	lo, hi := 0, l.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(l.KeyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < l.Size() && t.cmp(l.KeyAt(lo), key) == 0
}

// Insert places (key, value). Returns false if key already exists (unique
// constraint).
func (t *Tree) Insert(key []byte, value heap.RowID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == storage.InvalidPageID {
		page, err := t.pool.NewPage()
		if err != nil {
			return false, err
		}
		if page == nil {
			return false, dberr.ErrOutOfMemory
		}
		leaf := asLeaf(node{page: page, keySize: t.keySize})
		leaf.init(t.leafMax)
		leaf.insertAt(0, key, value)
		t.unpin(page.ID, true)
		t.root = page.ID
		return true, SetRoot(t.pool, t.indexID, t.root)
	}

	leaf, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	idx, found := t.leafLowerBound(leaf, key)
	if found {
		t.unpin(leaf.PageID(), false)
		return false, nil
	}
	leaf.insertAt(idx, key, value)

	if leaf.Size() >= t.leafMax {
		err := t.splitLeaf(leaf)
		t.unpin(leaf.PageID(), true)
		if err != nil {
			return false, err
		}
		return true, nil
	}
	t.unpin(leaf.PageID(), true)
	return true, nil
}

func (t *Tree) splitLeaf(l leafNode) error {
	page, err := t.pool.NewPage()
	if err != nil {
		return err
	}
	if page == nil {
		return dberr.ErrOutOfMemory
	}
	right := asLeaf(node{page: page, keySize: t.keySize})
	right.init(t.leafMax)

	mid := l.Size() / 2
	for i := mid; i < l.Size(); i++ {
		right.insertAt(right.Size(), l.KeyAt(i), l.ValueAt(i))
	}
	l.setSize(mid)

	right.SetNextPageID(l.NextPageID())
	l.SetNextPageID(right.PageID())
	right.SetParentID(l.ParentID())

	separator := append([]byte(nil), right.KeyAt(0)...)
	t.unpin(right.PageID(), true)
	return t.insertIntoParent(l.node, right.PageID(), separator)
}

// insertIntoParent adds (separator, rightChild) to node's parent, growing
// a new root when node was the root, and recursing on overflow.
func (t *Tree) insertIntoParent(left node, right storage.PageID, separator []byte) error {
	if left.ParentID() == storage.InvalidPageID {
		page, err := t.pool.NewPage()
		if err != nil {
			return err
		}
		if page == nil {
			return dberr.ErrOutOfMemory
		}
		newRoot := asInternal(node{page: page, keySize: t.keySize})
		newRoot.init(t.internalMax)
		zero := make([]byte, t.keySize)
		newRoot.insertAt(0, zero, left.PageID())
		newRoot.insertAt(1, separator, right)

		left.SetParentID(newRoot.PageID())
		rightNode, err := t.fetchNode(right)
		if err != nil {
			return err
		}
		rightNode.SetParentID(newRoot.PageID())
		t.unpin(right, true)

		t.root = newRoot.PageID()
		t.unpin(newRoot.PageID(), true)
		return SetRoot(t.pool, t.indexID, t.root)
	}

	parentID := left.ParentID()
	pn, err := t.fetchNode(parentID)
	if err != nil {
		return err
	}
	parent := asInternal(pn)

	leftIdx := parent.ValueIndex(left.PageID())
	parent.insertAt(leftIdx+1, separator, right)

	rightNode, err := t.fetchNode(right)
	if err != nil {
		t.unpin(parentID, true)
		return err
	}
	rightNode.SetParentID(parentID)
	t.unpin(right, true)

	if parent.Size() > t.internalMax {
		return t.splitInternal(parent)
	}
	t.unpin(parentID, true)
	return nil
}

func (t *Tree) splitInternal(in internalNode) error {
	page, err := t.pool.NewPage()
	if err != nil {
		return err
	}
	if page == nil {
		return dberr.ErrOutOfMemory
	}
	right := asInternal(node{page: page, keySize: t.keySize})
	right.init(t.internalMax)

	mid := in.Size() / 2
	for i := mid; i < in.Size(); i++ {
		right.insertAt(right.Size(), in.KeyAt(i), in.ValueAt(i))
		childNode, err := t.fetchNode(in.ValueAt(i))
		if err != nil {
			return err
		}
		childNode.SetParentID(right.PageID())
		t.unpin(childNode.PageID(), true)
	}
	in.setSize(mid)
	right.SetParentID(in.ParentID())

	separator := append([]byte(nil), right.KeyAt(0)...)
	t.unpin(right.PageID(), true)
	err = t.insertIntoParent(in.node, right.PageID(), separator)
	t.unpin(in.PageID(), true)
	return err
}

// Remove descends to key's leaf and deletes it, rebalancing on underflow.
func (t *Tree) Remove(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == storage.InvalidPageID {
		return nil
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	idx, found := t.leafLowerBound(leaf, key)
	if !found {
		t.unpin(leaf.PageID(), false)
		return nil
	}
	leaf.removeAt(idx)

	if leaf.Size() >= t.minLeafSize || leaf.PageID() == t.root {
		if leaf.PageID() == t.root && leaf.Size() == 0 {
			emptyRoot := leaf.PageID()
			t.root = storage.InvalidPageID
			t.unpin(emptyRoot, true)
			if _, err := t.pool.DeletePage(emptyRoot); err != nil {
				return err
			}
			return SetRoot(t.pool, t.indexID, t.root)
		}
		t.unpin(leaf.PageID(), true)
		return nil
	}

	return t.coalesceOrRedistributeLeaf(leaf)
}

// Destroy recursively frees every page of the tree and resets the roots
// directory entry, mirroring the original implementation's BPlusTree::Destroy.
func (t *Tree) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == storage.InvalidPageID {
		return nil
	}
	if err := t.destroyRec(t.root); err != nil {
		return err
	}
	t.root = storage.InvalidPageID
	return SetRoot(t.pool, t.indexID, t.root)
}

func (t *Tree) destroyRec(id storage.PageID) error {
	n, err := t.fetchNode(id)
	if err != nil {
		return err
	}
	if !n.IsLeaf() {
		in := asInternal(n)
		children := make([]storage.PageID, in.Size())
		for i := range children {
			children[i] = in.ValueAt(i)
		}
		t.unpin(id, false)
		for _, c := range children {
			if err := t.destroyRec(c); err != nil {
				return err
			}
		}
	} else {
		t.unpin(id, false)
	}
	_, err = t.pool.DeletePage(id)
	return err
}
