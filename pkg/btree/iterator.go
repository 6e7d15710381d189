package btree

import (
	"driftdb/pkg/page"
	"driftdb/pkg/rid"
)

// Iterator is a forward-only cursor over the tree's (key, RID) pairs in
// key order. It keeps a pin, not a latch, on the leaf it is currently
// positioned over, taking that leaf's shared latch only while reading
// from it or hopping to the next leaf — a weak snapshot: concurrent
// inserts/deletes ahead of the cursor may or may not be seen.
type Iterator struct {
	t    *Tree
	leaf *page.Page
	idx  int32
	done bool
}

// Begin returns an iterator positioned at the smallest key in the tree.
func (t *Tree) Begin() (*Iterator, error) {
	return t.BeginAt(minKey)
}

const minKey = int64(-1) << 63

// BeginAt returns an iterator positioned at the smallest key >= key.
func (t *Tree) BeginAt(key int64) (*Iterator, error) {
	leaf, err := t.descendShared(key)
	if err != nil {
		return nil, err
	}
	idx := leafSearch(leaf, key)
	leaf.RUnlock()
	it := &Iterator{t: t, leaf: leaf, idx: idx}
	it.advancePastEnd()
	return it, nil
}

// advancePastEnd moves to the next leaf(s) while positioned past the
// end of the current one, terminating the iterator once the rightmost
// leaf's chain is exhausted. The current leaf stays pinned at rest but
// is only latched for the instant it takes to check its key count or
// hop to its successor — never held across the call boundary.
func (it *Iterator) advancePastEnd() {
	for {
		it.leaf.RLock()
		n := getNumKeys(it.leaf)
		if it.idx < n {
			it.leaf.RUnlock()
			return
		}
		next := getNextLeaf(it.leaf)
		it.leaf.RUnlock()
		it.t.pool.UnpinPage(it.leaf, false)
		if next == page.NoPage {
			it.leaf = nil
			it.done = true
			return
		}
		nextLeaf, err := it.t.pool.FetchPage(next)
		if err != nil {
			it.done = true
			return
		}
		it.leaf = nextLeaf
		it.idx = 0
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return !it.done }

// Key returns the key at the iterator's current position, latching
// the leaf only for the read.
func (it *Iterator) Key() int64 {
	it.leaf.RLock()
	defer it.leaf.RUnlock()
	return leafKeyAt(it.leaf, it.idx)
}

// RID returns the RID at the iterator's current position, latching
// the leaf only for the read.
func (it *Iterator) RID() rid.RID {
	it.leaf.RLock()
	defer it.leaf.RUnlock()
	return leafRIDAt(it.leaf, it.idx)
}

// Next advances the iterator to the next entry.
func (it *Iterator) Next() {
	if it.done {
		return
	}
	it.idx++
	it.advancePastEnd()
}

// Close releases the pin the iterator is still holding. Safe to call
// more than once and after the iterator has already run off the end.
func (it *Iterator) Close() {
	if !it.done && it.leaf != nil {
		it.t.pool.UnpinPage(it.leaf, false)
	}
	it.done = true
}
