// Package table implements a minimal table heap standing in for a
// full slotted-page tuple store: fixed 8-byte int64 tuples packed
// into page.Size slots and addressed by rid.RID. It exists to drive
// and test INSERT/UPDATE/MARKDELETE/APPLYDELETE/ROLLBACKDELETE without
// building a variable-length physical tuple format, which is out of
// scope.
package table

import (
	"encoding/binary"
	"errors"
	"sync"

	"driftdb/pkg/buffer"
	"driftdb/pkg/page"
	"driftdb/pkg/rid"
)

const (
	slotEmpty byte = iota
	slotLive
	slotTombstone
)

const (
	headerSize = 8 // numSlots int32 | nextPage int32
	slotState  = 1
	slotValue  = 8
	slotSize   = slotState + slotValue
)

// SlotsPerPage is the number of fixed-size tuple slots a page holds.
var SlotsPerPage = int32((page.Size - headerSize) / slotSize)

// ErrNoSuchTuple is returned when a RID does not address a live tuple.
var ErrNoSuchTuple = errors.New("table: no such tuple")

// Heap is an append-only sequence of pages of fixed-size tuple slots.
type Heap struct {
	pool *buffer.Pool
	mu   sync.Mutex

	firstPage int32
	lastPage  int32
}

// Create allocates the heap's first page and returns a new, empty Heap.
func Create(pool *buffer.Pool) (*Heap, error) {
	pg, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	setNumSlots(pg, 0)
	setNextPage(pg, page.NoPage)
	// Write the empty page out now so Open and Pages find a terminated
	// chain even if the pool never flushes it before a crash.
	if err := pool.FlushPage(pg); err != nil {
		pool.UnpinPage(pg, true)
		return nil, err
	}
	id := pg.ID()
	pool.UnpinPage(pg, true)
	return &Heap{pool: pool, firstPage: id, lastPage: id}, nil
}

// Open wraps an existing heap whose first page is known (recorded by
// the catalog), walking its next-page chain to find the current last
// page — the only state Insert needs to keep appending.
func Open(pool *buffer.Pool, firstPage int32) (*Heap, error) {
	h := &Heap{pool: pool, firstPage: firstPage, lastPage: firstPage}
	for {
		pg, err := pool.FetchPage(h.lastPage)
		if err != nil {
			return nil, err
		}
		next := getNextPage(pg)
		pool.UnpinPage(pg, false)
		if next == page.NoPage {
			break
		}
		h.lastPage = next
	}
	return h, nil
}

// FirstPage returns the heap's first page id, the value pkg/catalog persists.
func (h *Heap) FirstPage() int32 { return h.firstPage }

// Pages returns every page id belonging to the heap, walking the
// next-page chain from the first page. Used by recovery to resolve a
// log record's RID back to the heap that owns it.
func (h *Heap) Pages() ([]int32, error) {
	var ids []int32
	id := h.firstPage
	for id != page.NoPage {
		ids = append(ids, id)
		pg, err := h.pool.FetchPage(id)
		if err != nil {
			return nil, err
		}
		next := getNextPage(pg)
		h.pool.UnpinPage(pg, false)
		id = next
	}
	return ids, nil
}

func numSlots(pg *page.Page) int32 {
	return int32(binary.LittleEndian.Uint32(pg.Data[0:4]))
}

func setNumSlots(pg *page.Page, n int32) {
	binary.LittleEndian.PutUint32(pg.Data[0:4], uint32(n))
	pg.SetDirty(true)
}

func getNextPage(pg *page.Page) int32 {
	return int32(binary.LittleEndian.Uint32(pg.Data[4:8]))
}

func setNextPage(pg *page.Page, id int32) {
	binary.LittleEndian.PutUint32(pg.Data[4:8], uint32(id))
	pg.SetDirty(true)
}

func slotOffset(i int32) int { return headerSize + int(i)*slotSize }

func getState(pg *page.Page, i int32) byte { return pg.Data[slotOffset(i)] }

func setState(pg *page.Page, i int32, s byte) {
	pg.Data[slotOffset(i)] = s
	pg.SetDirty(true)
}

func getValue(pg *page.Page, i int32) int64 {
	return int64(binary.LittleEndian.Uint64(pg.Data[slotOffset(i)+slotState:]))
}

func setValue(pg *page.Page, i int32, v int64) {
	binary.LittleEndian.PutUint64(pg.Data[slotOffset(i)+slotState:], uint64(v))
	pg.SetDirty(true)
}

// Insert appends value as a new live tuple, allocating a new page
// past the current last one if it is full, and returns the tuple's RID.
func (h *Heap) Insert(value int64) (rid.RID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pg, err := h.pool.FetchPage(h.lastPage)
	if err != nil {
		return rid.Invalid, err
	}
	n := numSlots(pg)
	if n >= SlotsPerPage {
		oldPg := pg
		newPg, err := h.pool.NewPage()
		if err != nil {
			h.pool.UnpinPage(oldPg, false)
			return rid.Invalid, err
		}
		setNumSlots(newPg, 0)
		setNextPage(newPg, page.NoPage)
		oldPg.WLock()
		setNextPage(oldPg, newPg.ID())
		oldPg.WUnlock()
		h.pool.UnpinPage(oldPg, true)
		h.lastPage = newPg.ID()
		pg, n = newPg, 0
	}

	pg.WLock()
	setState(pg, n, slotLive)
	setValue(pg, n, value)
	setNumSlots(pg, n+1)
	pg.WUnlock()
	id := pg.ID()
	h.pool.UnpinPage(pg, true)
	return rid.New(id, n), nil
}

// Get returns the live tuple at r, or ErrNoSuchTuple if the slot is
// empty or tombstoned.
func (h *Heap) Get(r rid.RID) (int64, error) {
	pg, err := h.pool.FetchPage(r.PageID)
	if err != nil {
		return 0, err
	}
	defer h.pool.UnpinPage(pg, false)
	pg.RLock()
	defer pg.RUnlock()
	if getState(pg, r.Slot) != slotLive {
		return 0, ErrNoSuchTuple
	}
	return getValue(pg, r.Slot), nil
}

// Update overwrites the tuple at r in place. Used both for the live
// UPDATE operation and to replay an UPDATE/INSERT log record's value
// at recovery.
func (h *Heap) Update(r rid.RID, value int64) error {
	return h.putAt(r, value, slotLive)
}

// MarkDelete tombstones the tuple at r without discarding its bytes,
// so Abort can still undo it via RollbackDelete.
func (h *Heap) MarkDelete(r rid.RID) error {
	return h.setStateAt(r, slotTombstone)
}

// RollbackDelete reverts a MarkDelete, making the tuple live again.
func (h *Heap) RollbackDelete(r rid.RID) error {
	return h.setStateAt(r, slotLive)
}

// ApplyDelete physically removes the tuple at r. Only ever called for
// an already-committed transaction's write-set (at Commit, draining
// MARKDELETEd entries) or by recovery's redo pass — a live transaction
// never calls this directly.
func (h *Heap) ApplyDelete(r rid.RID) error {
	return h.putAt(r, 0, slotEmpty)
}

func (h *Heap) putAt(r rid.RID, value int64, state byte) error {
	pg, err := h.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	pg.WLock()
	setState(pg, r.Slot, state)
	setValue(pg, r.Slot, value)
	pg.WUnlock()
	return h.pool.UnpinPage(pg, true)
}

func (h *Heap) setStateAt(r rid.RID, state byte) error {
	pg, err := h.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	pg.WLock()
	setState(pg, r.Slot, state)
	pg.WUnlock()
	return h.pool.UnpinPage(pg, true)
}

// PageLSN peeks a page's LSN without pinning it past the call. Used by
// recovery's redo pass to decide, per the WAL rule, whether a record's
// effect is already present on the page and can be skipped.
func (h *Heap) PageLSN(pageID int32) (int64, error) {
	pg, err := h.pool.FetchPage(pageID)
	if err != nil {
		return 0, err
	}
	lsn := pg.LSN()
	h.pool.UnpinPage(pg, false)
	return lsn, nil
}

// SetPageLSN stamps a page with the LSN of the log record whose effect
// was just applied to it, completing the log-then-data write ordering.
func (h *Heap) SetPageLSN(pageID int32, lsn int64) error {
	pg, err := h.pool.FetchPage(pageID)
	if err != nil {
		return err
	}
	pg.SetLSN(lsn)
	return h.pool.UnpinPage(pg, true)
}

// ReinsertAt writes value as a live tuple at the exact RID given,
// growing the page's slot count if needed. Used by recovery's redo
// pass to replay an INSERT at its original RID rather than wherever
// the heap's append cursor currently sits.
func (h *Heap) ReinsertAt(r rid.RID, value int64) error {
	pg, err := h.pool.FetchPage(r.PageID)
	if err != nil {
		return err
	}
	pg.WLock()
	if n := numSlots(pg); r.Slot >= n {
		setNumSlots(pg, r.Slot+1)
	}
	setState(pg, r.Slot, slotLive)
	setValue(pg, r.Slot, value)
	pg.WUnlock()
	return h.pool.UnpinPage(pg, true)
}

// EncodeValue serializes a tuple's payload for embedding in a log record.
func EncodeValue(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

// DecodeValue parses a tuple payload produced by EncodeValue.
func DecodeValue(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}
