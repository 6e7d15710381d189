package btree

import (
	"encoding/binary"
	"sort"

	"driftdb/pkg/page"
	"driftdb/pkg/rid"
)

// kind identifies whether a page holds a leaf or an internal node.
type kind uint8

const (
	internalKind kind = 0
	leafKind     kind = 1
)

func getKind(p *page.Page) kind    { return kind(p.Data[offKind]) }
func setKind(p *page.Page, k kind) { p.Data[offKind] = byte(k) }

func getNumKeys(p *page.Page) int32 {
	return int32(binary.LittleEndian.Uint32(p.Data[offNumKeys:]))
}

func setNumKeys(p *page.Page, n int32) {
	binary.LittleEndian.PutUint32(p.Data[offNumKeys:], uint32(n))
	p.SetDirty(true)
}

func getParent(p *page.Page) int32 {
	return int32(binary.LittleEndian.Uint32(p.Data[offParent:]))
}

func setParent(p *page.Page, id int32) {
	binary.LittleEndian.PutUint32(p.Data[offParent:], uint32(id))
	p.SetDirty(true)
}

func isLeaf(p *page.Page) bool { return getKind(p) == leafKind }

func initLeaf(p *page.Page) {
	for i := range p.Data {
		p.Data[i] = 0
	}
	setKind(p, leafKind)
	setNumKeys(p, 0)
	setParent(p, page.NoPage)
	setNextLeaf(p, page.NoPage)
}

func initInternal(p *page.Page) {
	for i := range p.Data {
		p.Data[i] = 0
	}
	setKind(p, internalKind)
	setNumKeys(p, 0)
	setParent(p, page.NoPage)
}

// -- leaf accessors --

func getNextLeaf(p *page.Page) int32 {
	return int32(binary.LittleEndian.Uint32(p.Data[offNextLeaf:]))
}

func setNextLeaf(p *page.Page, id int32) {
	binary.LittleEndian.PutUint32(p.Data[offNextLeaf:], uint32(id))
	p.SetDirty(true)
}

func leafEntryOffset(i int32) int { return leafHeaderSize + int(i)*leafEntrySize }

func leafKeyAt(p *page.Page, i int32) int64 {
	off := leafEntryOffset(i)
	return int64(binary.LittleEndian.Uint64(p.Data[off:]))
}

func leafRIDAt(p *page.Page, i int32) rid.RID {
	off := leafEntryOffset(i) + keySize
	return rid.Unmarshal(p.Data[off : off+ridSize])
}

func setLeafEntry(p *page.Page, i int32, key int64, r rid.RID) {
	off := leafEntryOffset(i)
	binary.LittleEndian.PutUint64(p.Data[off:], uint64(key))
	buf := r.Marshal()
	copy(p.Data[off+keySize:], buf[:])
	p.SetDirty(true)
}

// leafSearch returns the first index in p whose key is >= key, or
// numKeys if every entry's key is smaller.
func leafSearch(p *page.Page, key int64) int32 {
	n := getNumKeys(p)
	idx := sort.Search(int(n), func(i int) bool { return leafKeyAt(p, int32(i)) >= key })
	return int32(idx)
}

// leafShiftRight opens up a gap at index i by moving entries [i, n) to [i+1, n+1).
func leafShiftRight(p *page.Page, i, n int32) {
	for j := n - 1; j >= i; j-- {
		setLeafEntry(p, j+1, leafKeyAt(p, j), leafRIDAt(p, j))
	}
}

// leafShiftLeft closes the gap at index i by moving entries [i+1, n) to [i, n-1).
func leafShiftLeft(p *page.Page, i, n int32) {
	for j := i; j < n-1; j++ {
		setLeafEntry(p, j, leafKeyAt(p, j+1), leafRIDAt(p, j+1))
	}
}

// -- internal accessors --

func getChildAt(p *page.Page, i int32) int32 {
	off := pnsOffset + i*pnSize
	return int32(binary.LittleEndian.Uint32(p.Data[off:]))
}

func setChildAt(p *page.Page, i, childPN int32) {
	off := pnsOffset + i*pnSize
	binary.LittleEndian.PutUint32(p.Data[off:], uint32(childPN))
	p.SetDirty(true)
}

func internalKeyAt(p *page.Page, i int32) int64 {
	off := keysOffset + i*keySize
	return int64(binary.LittleEndian.Uint64(p.Data[off:]))
}

func setInternalKeyAt(p *page.Page, i int32, key int64) {
	off := keysOffset + i*keySize
	binary.LittleEndian.PutUint64(p.Data[off:], uint64(key))
	p.SetDirty(true)
}

// internalSearch returns the index of the child to descend into for key:
// the first index i such that key < internalKeyAt(p, i), or numKeys if
// key is >= every separator (descend into the rightmost child).
func internalSearch(p *page.Page, key int64) int32 {
	n := getNumKeys(p)
	idx := sort.Search(int(n), func(i int) bool { return key < internalKeyAt(p, int32(i)) })
	return int32(idx)
}

func internalShiftRight(p *page.Page, keyIdx, childIdx, n int32) {
	for j := n - 1; j >= keyIdx; j-- {
		setInternalKeyAt(p, j+1, internalKeyAt(p, j))
	}
	for j := n; j >= childIdx; j-- {
		setChildAt(p, j+1, getChildAt(p, j))
	}
}

// safeForInsert reports whether inserting one more entry into a node
// with n keys of the given kind would still leave it under max.
func safeForInsert(n int32, leaf bool) bool {
	if leaf {
		return n+1 < MaxLeafEntries
	}
	return n+1 < MaxInternalEntries
}

// safeForDelete reports whether removing one entry from a node with n
// keys, which is the root or not, would still leave it at or above the
// minimum occupancy.
func safeForDelete(n int32, leaf, root bool) bool {
	if root {
		if leaf {
			return true
		}
		return n-1 >= 1 // internal root just needs >=1 key (2 children) after delete, or can underflow to promote
	}
	if leaf {
		return n-1 >= MinLeafEntries
	}
	return n-1 >= MinInternalEntries
}
