package btree

import "driftdb/pkg/page"

// findChildIndex returns the index in parent's child array that holds
// childID, or -1 if not present.
func findChildIndex(parent *page.Page, childID int32) int32 {
	n := getNumKeys(parent)
	for i := int32(0); i <= n; i++ {
		if getChildAt(parent, i) == childID {
			return i
		}
	}
	return -1
}

// rebalance fixes an underflowing node at position idx in parent,
// trying left redistribution, then right redistribution, then left
// merge, then right merge, in that order, per the node's fix-up rule.
// Returns merged=true if a merge occurred (parent lost a key and may
// now itself be underflowing). nodeConsumed reports whether node
// itself (as opposed to the right local fetched here) was the page
// absorbed by a left merge — rebalance owns left/right's disposal
// directly, but node's lock and pin belong to the caller, so it must
// free node itself once rebalance returns.
func (t *Tree) rebalance(node, parent *page.Page, idx int32, leaf bool) (merged, nodeConsumed bool, err error) {
	var left, right *page.Page
	rightConsumed := false
	if idx > 0 {
		left, err = t.pool.FetchPage(getChildAt(parent, idx-1))
		if err != nil {
			return false, false, err
		}
		left.WLock()
		defer func() {
			left.WUnlock()
			t.pool.UnpinPage(left, true)
		}()
	}
	if idx < getNumKeys(parent) {
		right, err = t.pool.FetchPage(getChildAt(parent, idx+1))
		if err != nil {
			return false, false, err
		}
		right.WLock()
		defer func() {
			right.WUnlock()
			if rightConsumed {
				t.pool.DeletePage(right)
			} else {
				t.pool.UnpinPage(right, true)
			}
		}()
	}

	min := MinInternalEntries
	max := MaxInternalEntries
	if leaf {
		min = MinLeafEntries
		max = MaxLeafEntries
	}

	if left != nil && getNumKeys(left) > min {
		t.redistributeFromLeft(node, parent, left, idx, leaf)
		return false, false, nil
	}
	if right != nil && getNumKeys(right) > min {
		t.redistributeFromRight(node, parent, right, idx, leaf)
		return false, false, nil
	}
	if left != nil && getNumKeys(left)+getNumKeys(node) < max {
		t.mergeInto(left, node, parent, idx-1, leaf)
		return true, true, nil
	}
	if right != nil && getNumKeys(node)+getNumKeys(right) < max {
		t.mergeInto(node, right, parent, idx, leaf)
		rightConsumed = true
		return true, false, nil
	}
	return false, false, nil
}

// redistributeFromLeft rotates left's last entry into node's front,
// updating the parent separator at idx-1 to match.
func (t *Tree) redistributeFromLeft(node, parent, left *page.Page, idx int32, leaf bool) {
	ln := getNumKeys(left)
	n := getNumKeys(node)
	if leaf {
		k := leafKeyAt(left, ln-1)
		v := leafRIDAt(left, ln-1)
		leafShiftRight(node, 0, n)
		setLeafEntry(node, 0, k, v)
		setNumKeys(node, n+1)
		setNumKeys(left, ln-1)
		setInternalKeyAt(parent, idx-1, k)
		return
	}
	sepKey := internalKeyAt(parent, idx-1)
	movedChildPN := getChildAt(left, ln)
	movedKey := internalKeyAt(left, ln-1)
	internalShiftRight(node, 0, 0, n)
	setInternalKeyAt(node, 0, sepKey)
	setChildAt(node, 0, movedChildPN)
	setNumKeys(node, n+1)
	setNumKeys(left, ln-1)
	setInternalKeyAt(parent, idx-1, movedKey)
	t.reparent(movedChildPN, node.ID())
}

// redistributeFromRight rotates right's first entry into node's tail,
// updating the parent separator at idx to match.
func (t *Tree) redistributeFromRight(node, parent, right *page.Page, idx int32, leaf bool) {
	n := getNumKeys(node)
	if leaf {
		k := leafKeyAt(right, 0)
		v := leafRIDAt(right, 0)
		setLeafEntry(node, n, k, v)
		setNumKeys(node, n+1)
		rn := getNumKeys(right)
		leafShiftLeft(right, 0, rn)
		setNumKeys(right, rn-1)
		setInternalKeyAt(parent, idx, leafKeyAt(right, 0))
		return
	}
	sepKey := internalKeyAt(parent, idx)
	movedChildPN := getChildAt(right, 0)
	setInternalKeyAt(node, n, sepKey)
	setChildAt(node, n+1, movedChildPN)
	setNumKeys(node, n+1)
	rn := getNumKeys(right)
	newSep := internalKeyAt(right, 0)
	for j := int32(0); j < rn-1; j++ {
		setInternalKeyAt(right, j, internalKeyAt(right, j+1))
	}
	for j := int32(0); j < rn; j++ {
		setChildAt(right, j, getChildAt(right, j+1))
	}
	setNumKeys(right, rn-1)
	setInternalKeyAt(parent, idx, newSep)
	t.reparent(movedChildPN, node.ID())
}

// mergeInto absorbs right's entries into left and removes the
// separator at sepIdx (and right's child pointer) from parent.
func (t *Tree) mergeInto(left, right, parent *page.Page, sepIdx int32, leaf bool) {
	ln := getNumKeys(left)
	rn := getNumKeys(right)
	if leaf {
		for i := int32(0); i < rn; i++ {
			setLeafEntry(left, ln+i, leafKeyAt(right, i), leafRIDAt(right, i))
		}
		setNumKeys(left, ln+rn)
		setNextLeaf(left, getNextLeaf(right))
	} else {
		sepKey := internalKeyAt(parent, sepIdx)
		setInternalKeyAt(left, ln, sepKey)
		setChildAt(left, ln+1, getChildAt(right, 0))
		t.reparent(getChildAt(right, 0), left.ID())
		for i := int32(0); i < rn; i++ {
			setInternalKeyAt(left, ln+1+i, internalKeyAt(right, i))
			childPN := getChildAt(right, i+1)
			setChildAt(left, ln+2+i, childPN)
			t.reparent(childPN, left.ID())
		}
		setNumKeys(left, ln+1+rn)
	}
	pn := getNumKeys(parent)
	for j := sepIdx; j < pn-1; j++ {
		setInternalKeyAt(parent, j, internalKeyAt(parent, j+1))
	}
	for j := sepIdx + 1; j < pn; j++ {
		setChildAt(parent, j, getChildAt(parent, j+1))
	}
	setNumKeys(parent, pn-1)
}

// reparent updates the stored parent pointer of the page with the
// given id, fetching and unpinning it. Best-effort: a failure to fetch
// is not fatal since the parent pointer is advisory bookkeeping, not
// load-bearing for traversal (traversal always walks down from the
// root, never via stored parent pointers).
func (t *Tree) reparent(childPN, parentPN int32) {
	child, err := t.pool.FetchPage(childPN)
	if err != nil {
		return
	}
	setParent(child, parentPN)
	t.pool.UnpinPage(child, true)
}
