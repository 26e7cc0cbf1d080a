package btree

import "github.com/tuannm99/novasql/internal/storage"

// siblingChoice picks the left sibling unless node is the leftmost child,
// in which case the right sibling; it returns the sibling's index in
// parent and whether sibling is positioned before node.
func siblingChoice(parent internalNode, idx int) (siblingIdx int, siblingIsLeft bool) {
	if idx == 0 {
		return 1, false
	}
	return idx - 1, true
}

// adjustRoot handles a root that has underflowed after a delete: an empty
// leaf root destroys the tree; an internal root with a single child
// promotes that child to be the new root.
func (t *Tree) adjustRoot(n node) error {
	if n.IsLeaf() {
		// Leaf root never destroyed here except size 0, handled by caller;
		// otherwise leave as-is (root has no minimum size constraint).
		t.unpin(n.PageID(), true)
		return nil
	}
	in := asInternal(n)
	if in.Size() > 1 {
		t.unpin(n.PageID(), true)
		return nil
	}
	// Promote the sole remaining child to root.
	onlyChild := in.ValueAt(0)
	oldRoot := n.PageID()
	t.unpin(oldRoot, true)

	childNode, err := t.fetchNode(onlyChild)
	if err != nil {
		return err
	}
	childNode.SetParentID(storage.InvalidPageID)
	t.unpin(onlyChild, true)

	t.root = onlyChild
	if _, err := t.pool.DeletePage(oldRoot); err != nil {
		return err
	}
	return SetRoot(t.pool, t.indexID, t.root)
}

func (t *Tree) coalesceOrRedistributeLeaf(l leafNode) error {
	if l.ParentID() == storage.InvalidPageID {
		return t.adjustRoot(l.node)
	}
	pn, err := t.fetchNode(l.ParentID())
	if err != nil {
		return err
	}
	parent := asInternal(pn)
	idx := parent.ValueIndex(l.PageID())
	sibIdx, sibIsLeft := siblingChoice(parent, idx)
	sibID := parent.ValueAt(sibIdx)

	sibNodeRaw, err := t.fetchNode(sibID)
	if err != nil {
		t.unpin(parent.PageID(), false)
		return err
	}
	sib := asLeaf(sibNodeRaw)

	if l.Size()+sib.Size() <= t.leafMax {
		var left, right leafNode
		var leftIdx int
		if sibIsLeft {
			left, right, leftIdx = sib, l, sibIdx
		} else {
			left, right, leftIdx = l, sib, idx
		}
		for i := 0; i < right.Size(); i++ {
			left.insertAt(left.Size(), right.KeyAt(i), right.ValueAt(i))
		}
		left.SetNextPageID(right.NextPageID())
		t.unpin(left.PageID(), true)
		rightID := right.PageID()
		t.unpin(rightID, true)
		if _, err := t.pool.DeletePage(rightID); err != nil {
			return err
		}
		parent.removeAt(leftIdx + 1)
		return t.coalesceOrRedistributeInternalParent(parent)
	}

	// Redistribute one entry from sibling.
	if sibIsLeft {
		// Move sibling's last entry to the front of l.
		last := sib.Size() - 1
		k := append([]byte(nil), sib.KeyAt(last)...)
		v := sib.ValueAt(last)
		sib.removeAt(last)
		l.insertAt(0, k, v)
		parent.setEntry(idx, l.KeyAt(0), l.PageID())
	} else {
		// Move sibling's first entry to the end of l.
		k := append([]byte(nil), sib.KeyAt(0)...)
		v := sib.ValueAt(0)
		sib.removeAt(0)
		l.insertAt(l.Size(), k, v)
		parent.setEntry(sibIdx, sib.KeyAt(0), sib.PageID())
	}
	t.unpin(l.PageID(), true)
	t.unpin(sib.PageID(), true)
	t.unpin(parent.PageID(), true)
	return nil
}

// coalesceOrRedistributeInternalParent checks whether parent underflowed
// after a child removal and rebalances it if so.
func (t *Tree) coalesceOrRedistributeInternalParent(parent internalNode) error {
	if parent.PageID() == t.root || parent.ParentID() == storage.InvalidPageID {
		return t.adjustRoot(parent.node)
	}
	if parent.Size() >= t.minInternal {
		t.unpin(parent.PageID(), true)
		return nil
	}
	return t.coalesceOrRedistributeInternal(parent)
}

func (t *Tree) coalesceOrRedistributeInternal(in internalNode) error {
	if in.ParentID() == storage.InvalidPageID {
		return t.adjustRoot(in.node)
	}
	pn, err := t.fetchNode(in.ParentID())
	if err != nil {
		return err
	}
	parent := asInternal(pn)
	idx := parent.ValueIndex(in.PageID())
	sibIdx, sibIsLeft := siblingChoice(parent, idx)
	sibID := parent.ValueAt(sibIdx)

	sibNodeRaw, err := t.fetchNode(sibID)
	if err != nil {
		t.unpin(parent.PageID(), false)
		return err
	}
	sib := asInternal(sibNodeRaw)

	if in.Size()+sib.Size() <= t.internalMax {
		var left, right internalNode
		var leftIdx, rightParentIdx int
		if sibIsLeft {
			left, right, leftIdx, rightParentIdx = sib, in, sibIdx, idx
		} else {
			left, right, leftIdx, rightParentIdx = in, sib, idx, sibIdx
		}
		// The parent's separator key for `right` is pulled down to become
		// the key of right's first entry once merged.
		pulledDown := append([]byte(nil), parent.KeyAt(rightParentIdx)...)
		for i := 0; i < right.Size(); i++ {
			key := right.KeyAt(i)
			if i == 0 {
				key = pulledDown
			}
			child := right.ValueAt(i)
			left.insertAt(left.Size(), key, child)
			childNode, err := t.fetchNode(child)
			if err != nil {
				return err
			}
			childNode.SetParentID(left.PageID())
			t.unpin(child, true)
		}
		t.unpin(left.PageID(), true)
		rightID := right.PageID()
		t.unpin(rightID, true)
		if _, err := t.pool.DeletePage(rightID); err != nil {
			return err
		}
		parent.removeAt(leftIdx + 1)
		return t.coalesceOrRedistributeInternalParent(parent)
	}

	// Redistribute through the parent's separator key.
	if sibIsLeft {
		last := sib.Size() - 1
		movedKey := append([]byte(nil), parent.KeyAt(idx)...)
		movedChild := sib.ValueAt(last)
		newSeparator := append([]byte(nil), sib.KeyAt(last)...)
		sib.removeAt(last)

		// insertAt(0, ...) shifts the existing entry 0 (sentinel key,
		// formerly-first child) to index 1; that shifted entry must carry
		// the separator being pulled down, not the freshly inserted one.
		in.insertAt(0, movedKey, movedChild)
		oldFirstChild := in.ValueAt(1)
		in.setEntry(1, movedKey, oldFirstChild)
		childNode, err := t.fetchNode(movedChild)
		if err != nil {
			return err
		}
		childNode.SetParentID(in.PageID())
		t.unpin(movedChild, true)

		parent.setEntry(idx, newSeparator, in.PageID())
	} else {
		movedKey := append([]byte(nil), parent.KeyAt(sibIdx)...)
		movedChild := sib.ValueAt(0)
		newSeparator := append([]byte(nil), sib.KeyAt(1)...)
		sib.removeAt(0)

		in.insertAt(in.Size(), movedKey, movedChild)
		childNode, err := t.fetchNode(movedChild)
		if err != nil {
			return err
		}
		childNode.SetParentID(in.PageID())
		t.unpin(movedChild, true)

		parent.setEntry(sibIdx, newSeparator, sib.PageID())
	}
	t.unpin(in.PageID(), true)
	t.unpin(sib.PageID(), true)
	t.unpin(parent.PageID(), true)
	return nil
}
