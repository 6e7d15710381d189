// Package btree implements a disk-backed B+ tree index with latch
// crabbing: an optimistic shared-latch descent is tried first for
// every operation, falling back to a pessimistic exclusive-latch
// descent (releasing ancestors once a child is proven safe) whenever
// the optimistic attempt would require a structural change — a split
// on insert, or a redistribute/merge on delete.
package btree

import (
	"fmt"
	"sync"

	"driftdb/pkg/buffer"
	"driftdb/pkg/page"
	"driftdb/pkg/rid"
)

// Tree is a B+ tree index over int64 keys and rid.RID values, backed
// by a dedicated buffer pool. The root always occupies page RootPN; an
// empty tree is represented by a leaf root with zero keys.
type Tree struct {
	pool *buffer.Pool

	// rootMu serializes the rare structural transitions that touch the
	// root page's identity as a node: promoting a split leaf/internal
	// root to a new internal root, and collapsing a single-child
	// internal root back down. Every other operation only ever holds
	// per-page latches.
	rootMu sync.Mutex
}

// Open returns a Tree over pool, initializing an empty leaf root if the
// pool's backing file has no pages yet.
func Open(pool *buffer.Pool) (*Tree, error) {
	if pool.NumPages() == 0 {
		root, err := pool.NewPage()
		if err != nil {
			return nil, err
		}
		initLeaf(root)
		if err := pool.UnpinPage(root, true); err != nil {
			return nil, err
		}
	}
	return &Tree{pool: pool}, nil
}

// Close flushes the tree's buffer pool.
func (t *Tree) Close() error {
	return t.pool.Close()
}

// descendShared walks from the root to the leaf that should contain
// key, holding only a shared latch on the current node at any time
// (crabbing: latch child, then release parent). Returns the leaf,
// still pinned and read-latched.
func (t *Tree) descendShared(key int64) (*page.Page, error) {
	cur, err := t.pool.FetchPage(RootPN)
	if err != nil {
		return nil, err
	}
	cur.RLock()
	for !isLeaf(cur) {
		idx := internalSearch(cur, key)
		childPN := getChildAt(cur, idx)
		child, err := t.pool.FetchPage(childPN)
		if err != nil {
			cur.RUnlock()
			t.pool.UnpinPage(cur, false)
			return nil, err
		}
		child.RLock()
		cur.RUnlock()
		t.pool.UnpinPage(cur, false)
		cur = child
	}
	return cur, nil
}

// descendExclusiveFor walks from the root to the leaf that should
// contain key, holding exclusive latches the whole way, releasing an
// ancestor as soon as the child just latched is judged safe by safe().
// Returns the surviving stack of latched-and-pinned pages, root-first,
// leaf-last.
func (t *Tree) descendExclusiveFor(key int64, safe func(numKeys int32, leaf bool) bool) ([]*page.Page, error) {
	root, err := t.pool.FetchPage(RootPN)
	if err != nil {
		return nil, err
	}
	root.WLock()
	stack := []*page.Page{root}
	cur := root
	for !isLeaf(cur) {
		idx := internalSearch(cur, key)
		childPN := getChildAt(cur, idx)
		child, err := t.pool.FetchPage(childPN)
		if err != nil {
			t.releaseStack(stack, false)
			return nil, err
		}
		child.WLock()
		if safe(getNumKeys(child), isLeaf(child)) {
			t.releaseStack(stack, false)
			stack = stack[:0]
		}
		stack = append(stack, child)
		cur = child
	}
	return stack, nil
}

// releaseStack unlocks and unpins every page in stack, in order.
// Any page listed in consumed was absorbed by a merge during this
// operation and is freed back to the pool instead of merely unpinned.
func (t *Tree) releaseStack(stack []*page.Page, dirty bool, consumed ...*page.Page) {
	isConsumed := func(pg *page.Page) bool {
		for _, c := range consumed {
			if c == pg {
				return true
			}
		}
		return false
	}
	for _, p := range stack {
		p.WUnlock()
		if isConsumed(p) {
			t.pool.DeletePage(p)
		} else {
			t.pool.UnpinPage(p, dirty)
		}
	}
}

// Find returns the RID associated with key, if present.
func (t *Tree) Find(key int64) (rid.RID, bool, error) {
	leaf, err := t.descendShared(key)
	if err != nil {
		return rid.RID{}, false, err
	}
	idx := leafSearch(leaf, key)
	n := getNumKeys(leaf)
	var result rid.RID
	found := false
	if idx < n && leafKeyAt(leaf, idx) == key {
		result = leafRIDAt(leaf, idx)
		found = true
	}
	leaf.RUnlock()
	t.pool.UnpinPage(leaf, false)
	return result, found, nil
}

// Insert adds key -> value to the tree. Returns false without error if
// key is already present: duplicate keys are rejected, not overwritten.
func (t *Tree) Insert(key int64, value rid.RID) (bool, error) {
	inserted, handled, err := t.insertOptimistic(key, value)
	if err != nil {
		return false, err
	}
	if handled {
		return inserted, nil
	}
	return t.insertPessimistic(key, value)
}

func (t *Tree) insertOptimistic(key int64, value rid.RID) (inserted, handled bool, err error) {
	leaf, err := t.descendShared(key)
	if err != nil {
		return false, true, err
	}
	leaf.RUnlock()
	leaf.WLock()
	n := getNumKeys(leaf)
	idx := leafSearch(leaf, key)
	if idx < n && leafKeyAt(leaf, idx) == key {
		leaf.WUnlock()
		t.pool.UnpinPage(leaf, false)
		return false, true, nil
	}
	if !safeForInsert(n, true) {
		leaf.WUnlock()
		t.pool.UnpinPage(leaf, false)
		return false, false, nil
	}
	leafShiftRight(leaf, idx, n)
	setLeafEntry(leaf, idx, key, value)
	setNumKeys(leaf, n+1)
	leaf.WUnlock()
	t.pool.UnpinPage(leaf, true)
	return true, true, nil
}

func (t *Tree) insertPessimistic(key int64, value rid.RID) (bool, error) {
	stack, err := t.descendExclusiveFor(key, func(n int32, leaf bool) bool { return safeForInsert(n, leaf) })
	if err != nil {
		return false, err
	}
	leaf := stack[len(stack)-1]
	n := getNumKeys(leaf)
	idx := leafSearch(leaf, key)
	if idx < n && leafKeyAt(leaf, idx) == key {
		t.releaseStack(stack, false)
		return false, nil
	}
	leafShiftRight(leaf, idx, n)
	setLeafEntry(leaf, idx, key, value)
	setNumKeys(leaf, n+1)

	var splitErr error
	if n+1 >= MaxLeafEntries {
		splitErr = t.propagateLeafSplit(stack)
	}
	t.releaseStack(stack, true)
	return splitErr == nil, splitErr
}

// propagateLeafSplit splits the leaf at the top of stack and pushes the
// resulting separator up through stack's remaining ancestors, cascading
// further splits as needed and creating a new root if the split
// reaches the top.
func (t *Tree) propagateLeafSplit(stack []*page.Page) error {
	leaf := stack[len(stack)-1]
	newLeaf, sepKey, err := t.splitLeaf(leaf)
	if err != nil {
		return err
	}
	defer t.pool.UnpinPage(newLeaf, true)
	return t.propagateSplitUp(stack[:len(stack)-1], leaf, newLeaf.ID(), sepKey, newLeaf)
}

func (t *Tree) propagateSplitUp(ancestors []*page.Page, leftNode *page.Page, rightPN int32, sepKey int64, rightNode *page.Page) error {
	if len(ancestors) == 0 {
		return t.makeNewRoot(leftNode, rightPN, sepKey, rightNode)
	}
	parent := ancestors[len(ancestors)-1]
	internalInsertSeparator(parent, sepKey, rightPN)
	setParent(rightNode, parent.ID())
	if getNumKeys(parent) < MaxInternalEntries {
		return nil
	}
	newInternal, newSep, err := t.splitInternal(parent)
	if err != nil {
		return err
	}
	defer t.pool.UnpinPage(newInternal, true)
	return t.propagateSplitUp(ancestors[:len(ancestors)-1], parent, newInternal.ID(), newSep, newInternal)
}

func (t *Tree) splitLeaf(leaf *page.Page) (*page.Page, int64, error) {
	newLeaf, err := t.pool.NewPage()
	if err != nil {
		return nil, 0, err
	}
	initLeaf(newLeaf)
	n := getNumKeys(leaf)
	mid := n / 2
	for i := mid; i < n; i++ {
		setLeafEntry(newLeaf, i-mid, leafKeyAt(leaf, i), leafRIDAt(leaf, i))
	}
	setNumKeys(newLeaf, n-mid)
	setNumKeys(leaf, mid)
	setNextLeaf(newLeaf, getNextLeaf(leaf))
	setNextLeaf(leaf, newLeaf.ID())
	return newLeaf, leafKeyAt(newLeaf, 0), nil
}

func (t *Tree) splitInternal(node *page.Page) (*page.Page, int64, error) {
	newNode, err := t.pool.NewPage()
	if err != nil {
		return nil, 0, err
	}
	initInternal(newNode)
	n := getNumKeys(node)
	mid := n / 2
	sepKey := internalKeyAt(node, mid)

	setChildAt(newNode, 0, getChildAt(node, mid+1))
	j := int32(1)
	for i := mid + 1; i < n; i++ {
		setInternalKeyAt(newNode, j-1, internalKeyAt(node, i))
		setChildAt(newNode, j, getChildAt(node, i+1))
		j++
	}
	newNumKeys := n - mid - 1
	setNumKeys(newNode, newNumKeys)
	setNumKeys(node, mid)

	for i := int32(0); i <= newNumKeys; i++ {
		t.reparent(getChildAt(newNode, i), newNode.ID())
	}
	return newNode, sepKey, nil
}

func internalInsertSeparator(p *page.Page, key int64, rightPN int32) {
	n := getNumKeys(p)
	idx := internalSearch(p, key)
	internalShiftRight(p, idx, idx+1, n)
	setInternalKeyAt(p, idx, key)
	setChildAt(p, idx+1, rightPN)
	setNumKeys(p, n+1)
}

// makeNewRoot relocates the current root's contents (leftNode, still
// living at RootPN) into a freshly allocated page, then reinitializes
// RootPN as a fresh internal node pointing at the relocated node and
// rightNode.
func (t *Tree) makeNewRoot(leftNode *page.Page, rightPN int32, sepKey int64, rightNode *page.Page) error {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	relocated, err := t.pool.NewPage()
	if err != nil {
		return err
	}
	copy(relocated.Data, leftNode.Data)
	relocated.SetDirty(true)
	setParent(relocated, RootPN)
	if !isLeaf(relocated) {
		n := getNumKeys(relocated)
		for i := int32(0); i <= n; i++ {
			t.reparent(getChildAt(relocated, i), relocated.ID())
		}
	}
	t.pool.UnpinPage(relocated, true)

	initInternal(leftNode)
	setChildAt(leftNode, 0, relocated.ID())
	setInternalKeyAt(leftNode, 0, sepKey)
	setChildAt(leftNode, 1, rightPN)
	setNumKeys(leftNode, 1)
	setParent(leftNode, page.NoPage)
	setParent(rightNode, RootPN)
	return nil
}

// Remove deletes key from the tree, if present. A no-op if key is absent.
func (t *Tree) Remove(key int64) error {
	handled, err := t.removeOptimistic(key)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}
	return t.removePessimistic(key)
}

func (t *Tree) removeOptimistic(key int64) (handled bool, err error) {
	leaf, err := t.descendShared(key)
	if err != nil {
		return true, err
	}
	leaf.RUnlock()
	leaf.WLock()
	n := getNumKeys(leaf)
	idx := leafSearch(leaf, key)
	if idx >= n || leafKeyAt(leaf, idx) != key {
		leaf.WUnlock()
		t.pool.UnpinPage(leaf, false)
		return true, nil
	}
	root := leaf.ID() == RootPN
	if !safeForDelete(n, true, root) {
		leaf.WUnlock()
		t.pool.UnpinPage(leaf, false)
		return false, nil
	}
	leafShiftLeft(leaf, idx, n)
	setNumKeys(leaf, n-1)
	leaf.WUnlock()
	t.pool.UnpinPage(leaf, true)
	return true, nil
}

func (t *Tree) removePessimistic(key int64) error {
	stack, err := t.descendExclusiveFor(key, func(n int32, leaf bool) bool { return safeForDelete(n, leaf, false) })
	if err != nil {
		return err
	}
	leaf := stack[len(stack)-1]
	n := getNumKeys(leaf)
	idx := leafSearch(leaf, key)
	if idx >= n || leafKeyAt(leaf, idx) != key {
		t.releaseStack(stack, false)
		return nil
	}
	leafShiftLeft(leaf, idx, n)
	setNumKeys(leaf, n-1)

	var fixErr error
	var consumed []*page.Page
	if leaf.ID() != RootPN && n-1 < MinLeafEntries {
		consumed, fixErr = t.fixUnderflow(stack)
	} else if leaf.ID() == RootPN {
		fixErr = t.fixRoot(leaf)
	}
	t.releaseStack(stack, true, consumed...)
	return fixErr
}

// fixUnderflow walks stack from the leaf upward, redistributing or
// merging at each underflowing level, stopping as soon as a
// redistribution resolves the underflow without touching the parent's
// key count, or cascading all the way to the root. Returns the subset
// of stack (if any) that a left merge absorbed into its sibling —
// releaseStack must free these instead of just unpinning them.
func (t *Tree) fixUnderflow(stack []*page.Page) ([]*page.Page, error) {
	var consumed []*page.Page
	for i := len(stack) - 1; i >= 0; i-- {
		node := stack[i]
		if node.ID() == RootPN {
			if i+1 < len(stack) && !isLeaf(node) && getNumKeys(node) == 0 && getChildAt(node, 0) == stack[i+1].ID() {
				// The only child is still latched in stack (it absorbed its
				// right sibling), so collapse it here; releaseStack frees it.
				child := stack[i+1]
				t.rootMu.Lock()
				copy(node.Data, child.Data)
				setParent(node, page.NoPage)
				if !isLeaf(node) {
					for j := int32(0); j <= getNumKeys(node); j++ {
						t.reparent(getChildAt(node, j), RootPN)
					}
				}
				t.rootMu.Unlock()
				return append(consumed, child), nil
			}
			return consumed, t.fixRoot(node)
		}
		if i == 0 {
			return consumed, fmt.Errorf("btree: underflowed node %d has no retained parent", node.ID())
		}
		parent := stack[i-1]
		leaf := isLeaf(node)
		min := MinInternalEntries
		if leaf {
			min = MinLeafEntries
		}
		if getNumKeys(node) >= min {
			return consumed, nil
		}
		idx := findChildIndex(parent, node.ID())
		if idx < 0 {
			return consumed, fmt.Errorf("btree: node %d not found in retained parent %d", node.ID(), parent.ID())
		}
		merged, nodeConsumed, err := t.rebalance(node, parent, idx, leaf)
		if err != nil {
			return consumed, err
		}
		if nodeConsumed {
			consumed = append(consumed, node)
		}
		if !merged {
			return consumed, nil
		}
		// A merge emptied node into a sibling and removed a separator
		// from parent; continue the loop to see if parent now underflows.
	}
	return consumed, nil
}

// fixRoot applies the root adjustment rules: an internal root left with
// a single child is collapsed, promoting that child in its place. A
// leaf root is never adjusted; size 0 simply means the tree is empty.
func (t *Tree) fixRoot(root *page.Page) error {
	if isLeaf(root) || getNumKeys(root) > 0 {
		return nil
	}
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	onlyChildPN := getChildAt(root, 0)
	child, err := t.pool.FetchPage(onlyChildPN)
	if err != nil {
		return err
	}
	child.WLock()
	copy(root.Data, child.Data)
	root.SetDirty(true)
	setParent(root, page.NoPage)
	if !isLeaf(root) {
		n := getNumKeys(root)
		for i := int32(0); i <= n; i++ {
			t.reparent(getChildAt(root, i), RootPN)
		}
	}
	child.WUnlock()
	// child's contents now live at root's page id; its own page is
	// permanently obsolete, not merely unreferenced.
	return t.pool.DeletePage(child)
}
