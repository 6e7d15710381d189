// Package txn implements the transaction manager: Begin/Commit/Abort
// driving pkg/lock (two-phase locking, acquired per table operation)
// and pkg/logmgr (BEGIN/COMMIT/ABORT records, force-flush on commit),
// plus the per-transaction write-set of undo entries Abort replays in
// reverse.
//
// It keeps the teacher's clientId uuid.UUID -> transaction map as the
// outward client-session index, wrapping the strictly-increasing
// numeric txn id the lock manager uses for wait-die ordering.
package txn

import (
	"errors"
	"fmt"
	"sync"

	"driftdb/pkg/lock"
	"driftdb/pkg/logmgr"
	"driftdb/pkg/rid"
	"driftdb/pkg/table"

	"github.com/google/uuid"
)

// ErrAlreadyBegan is returned by Begin if the client already has a running transaction.
var ErrAlreadyBegan = errors.New("txn: transaction already began")

// ErrNoSuchTransaction is returned when a client has no running transaction.
var ErrNoSuchTransaction = errors.New("txn: no such transaction")

// undoEntry is one write-set entry: enough to invert the operation
// during Abort without re-reading the log.
type undoEntry struct {
	heap *table.Heap
	rid  rid.RID
	typ  logmgr.RecordType
	old  int64
}

// Transaction is one client's unit of work. It implements lock.Txn.
type Transaction struct {
	id     lock.TxnID
	client uuid.UUID

	mu      sync.Mutex
	state   lock.State
	locks   map[rid.RID]bool
	writes  []undoEntry
	lastLSN int64
}

// ID returns the transaction's strictly-increasing numeric id.
func (t *Transaction) ID() lock.TxnID { return t.id }

// State returns the transaction's current 2PL state.
func (t *Transaction) State() lock.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the transaction's 2PL state.
func (t *Transaction) SetState(s lock.State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Manager drives Begin/Commit/Abort and every locked table operation.
type Manager struct {
	lockMgr *lock.Manager
	log     *logmgr.Manager

	mu       sync.Mutex
	nextID   int64
	sessions map[uuid.UUID]*Transaction
}

// NewManager constructs a transaction Manager over the given lock and log managers.
func NewManager(lockMgr *lock.Manager, log *logmgr.Manager) *Manager {
	return &Manager{lockMgr: lockMgr, log: log, sessions: make(map[uuid.UUID]*Transaction)}
}

// Begin starts a new transaction for client, emitting its BEGIN record.
func (m *Manager) Begin(client uuid.UUID) (*Transaction, error) {
	m.mu.Lock()
	if _, found := m.sessions[client]; found {
		m.mu.Unlock()
		return nil, ErrAlreadyBegan
	}
	id := lock.TxnID(m.nextID)
	m.nextID++
	t := &Transaction{id: id, client: client, state: lock.Growing}
	m.sessions[client] = t
	m.mu.Unlock()

	lsn, err := m.log.Append(&logmgr.Record{Type: logmgr.TypeBegin, TxnID: int64(id)})
	if err != nil {
		return nil, err
	}
	t.lastLSN = lsn
	return t, nil
}

// Session returns the running transaction for client, if any.
func (m *Manager) Session(client uuid.UUID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[client]
	return t, ok
}

func (m *Manager) append(t *Transaction, rec *logmgr.Record) (int64, error) {
	rec.TxnID = int64(t.id)
	t.mu.Lock()
	rec.PrevLSN = t.lastLSN
	t.mu.Unlock()
	lsn, err := m.log.Append(rec)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.lastLSN = lsn
	t.mu.Unlock()
	return lsn, nil
}

func errAborted(t *Transaction) error {
	return fmt.Errorf("txn: transaction %d aborted (wait-die)", t.id)
}

func (t *Transaction) rememberLock(r rid.RID) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[rid.RID]bool)
	}
	t.locks[r] = true
	t.mu.Unlock()
}

func (t *Transaction) rememberWrite(e undoEntry) {
	t.mu.Lock()
	t.writes = append(t.writes, e)
	t.mu.Unlock()
}

// Insert allocates a new tuple in h, locks its RID exclusively, and
// logs and applies the INSERT.
func (m *Manager) Insert(t *Transaction, h *table.Heap, value int64) (rid.RID, error) {
	r, err := h.Insert(value)
	if err != nil {
		return rid.Invalid, err
	}
	if !m.lockMgr.LockExclusive(t, r) {
		return rid.Invalid, errAborted(t)
	}
	t.rememberLock(r)
	lsn, err := m.append(t, &logmgr.Record{Type: logmgr.TypeInsert, RID: r, Tuple: table.EncodeValue(value)})
	if err != nil {
		return rid.Invalid, err
	}
	if err := h.SetPageLSN(r.PageID, lsn); err != nil {
		return rid.Invalid, err
	}
	t.rememberWrite(undoEntry{heap: h, rid: r, typ: logmgr.TypeInsert})
	return r, nil
}

// Read locks r with a shared lock and returns its live tuple.
func (m *Manager) Read(t *Transaction, h *table.Heap, r rid.RID) (int64, error) {
	if !m.lockMgr.LockShared(t, r) {
		return 0, errAborted(t)
	}
	t.rememberLock(r)
	return h.Get(r)
}

// Update locks r exclusively and logs and applies the new value,
// remembering the old one for Abort.
func (m *Manager) Update(t *Transaction, h *table.Heap, r rid.RID, newValue int64) error {
	if !m.lockMgr.LockExclusive(t, r) {
		return errAborted(t)
	}
	t.rememberLock(r)
	old, err := h.Get(r)
	if err != nil {
		return err
	}
	lsn, err := m.append(t, &logmgr.Record{
		Type: logmgr.TypeUpdate, RID: r,
		OldTuple: table.EncodeValue(old), NewTuple: table.EncodeValue(newValue),
	})
	if err != nil {
		return err
	}
	if err := h.Update(r, newValue); err != nil {
		return err
	}
	if err := h.SetPageLSN(r.PageID, lsn); err != nil {
		return err
	}
	t.rememberWrite(undoEntry{heap: h, rid: r, typ: logmgr.TypeUpdate, old: old})
	return nil
}

// Delete locks r exclusively and logs and applies a MARKDELETE — the
// true physical delete is deferred to Commit.
func (m *Manager) Delete(t *Transaction, h *table.Heap, r rid.RID) error {
	if !m.lockMgr.LockExclusive(t, r) {
		return errAborted(t)
	}
	t.rememberLock(r)
	lsn, err := m.append(t, &logmgr.Record{Type: logmgr.TypeMarkDelete, RID: r})
	if err != nil {
		return err
	}
	if err := h.MarkDelete(r); err != nil {
		return err
	}
	if err := h.SetPageLSN(r.PageID, lsn); err != nil {
		return err
	}
	t.rememberWrite(undoEntry{heap: h, rid: r, typ: logmgr.TypeMarkDelete})
	return nil
}

// Commit drains the write-set, turning every MARKDELETE into a true
// APPLYDELETE, emits COMMIT, force-flushes the log past it, and
// releases every lock the transaction held.
func (m *Manager) Commit(client uuid.UUID) error {
	t, ok := m.Session(client)
	if !ok {
		return ErrNoSuchTransaction
	}
	t.SetState(lock.Shrinking)

	for _, w := range t.writes {
		if w.typ != logmgr.TypeMarkDelete {
			continue
		}
		lsn, err := m.append(t, &logmgr.Record{Type: logmgr.TypeApplyDelete, RID: w.rid, Tuple: table.EncodeValue(0)})
		if err != nil {
			return err
		}
		if err := w.heap.ApplyDelete(w.rid); err != nil {
			return err
		}
		if err := w.heap.SetPageLSN(w.rid.PageID, lsn); err != nil {
			return err
		}
	}

	lsn, err := m.append(t, &logmgr.Record{Type: logmgr.TypeCommit})
	if err != nil {
		return err
	}
	if err := m.log.ForceFlush(lsn); err != nil {
		return err
	}
	t.SetState(lock.Committed)
	m.releaseAll(t)
	m.endSession(client)
	return nil
}

// Abort walks the write-set in reverse, undoing each entry — deleting
// an INSERTed tuple, restoring an UPDATEd tuple's old value,
// rolling back a MARKDELETE — then emits ABORT, flushes, and releases
// every lock the transaction held.
func (m *Manager) Abort(client uuid.UUID) error {
	t, ok := m.Session(client)
	if !ok {
		return ErrNoSuchTransaction
	}
	t.SetState(lock.Shrinking)

	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		var err error
		switch w.typ {
		case logmgr.TypeInsert:
			err = w.heap.ApplyDelete(w.rid)
		case logmgr.TypeUpdate:
			err = w.heap.Update(w.rid, w.old)
		case logmgr.TypeMarkDelete:
			err = w.heap.RollbackDelete(w.rid)
		}
		if err != nil {
			return err
		}
	}

	lsn, err := m.append(t, &logmgr.Record{Type: logmgr.TypeAbort})
	if err != nil {
		return err
	}
	if err := m.log.ForceFlush(lsn); err != nil {
		return err
	}
	t.SetState(lock.Aborted)
	m.releaseAll(t)
	m.endSession(client)
	return nil
}

func (m *Manager) releaseAll(t *Transaction) {
	t.mu.Lock()
	rids := make([]rid.RID, 0, len(t.locks))
	for r := range t.locks {
		rids = append(rids, r)
	}
	t.mu.Unlock()
	for _, r := range rids {
		m.lockMgr.Unlock(t, r)
	}
}

func (m *Manager) endSession(client uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, client)
	m.mu.Unlock()
}
