// Package lock implements a per-RID shared/exclusive lock table
// enforcing two-phase locking with wait-die deadlock prevention: a
// requester younger than every conflicting holder or waiter aborts
// immediately instead of blocking, which keeps the wait-for graph
// acyclic by construction and removes the need to ever detect a cycle.
package lock

import (
	"sync"

	"driftdb/pkg/rid"
)

// TxnID is a strictly increasing transaction identifier; a smaller id
// means an older transaction.
type TxnID int64

const noTxn TxnID = -1

// State is a transaction's position in the two-phase locking state machine.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

// Txn is the subset of transaction bookkeeping the lock manager reads
// and mutates. pkg/txn's Transaction implements this.
type Txn interface {
	ID() TxnID
	State() State
	SetState(State)
}

type mode int

const (
	noMode mode = iota
	sharedMode
	exclusiveMode
)

type waiter struct {
	txn   TxnID
	want  mode
	ready chan struct{}
}

// entry is the wait list for a single RID: the currently granted mode,
// the set of transactions holding it, the smallest (or, in the shared
// case, the largest seen while granting — ported as-is from the
// reference wait-die implementation) id among current holders used for
// the wait-die comparison, and the FIFO queue of blocked waiters.
type entry struct {
	state   mode
	granted map[TxnID]bool
	oldest  TxnID
	waiters []*waiter
}

func newEntry(id TxnID, m mode) *entry {
	return &entry{state: m, granted: map[TxnID]bool{id: true}, oldest: id}
}

// Manager is the lock table.
type Manager struct {
	mu     sync.Mutex
	table  map[rid.RID]*entry
	strict bool
}

// New constructs a Manager. In strict mode, locks may only be released
// on commit or abort (strict two-phase locking / cascadelessness).
func New(strict bool) *Manager {
	return &Manager{table: make(map[rid.RID]*entry), strict: strict}
}

// checkState validates the transaction is still allowed to acquire
// locks, transitioning SHRINKING requesters to ABORTED per the 2PL
// state machine.
func checkState(txn Txn) bool {
	switch txn.State() {
	case Aborted, Committed:
		return false
	case Shrinking:
		txn.SetState(Aborted)
		return false
	default:
		return true
	}
}

// LockShared acquires a shared lock on r for txn, blocking if an
// incompatible exclusive lock is held by an older transaction, and
// aborting txn immediately (wait-die) if it is younger than that holder.
func (m *Manager) LockShared(txn Txn, r rid.RID) bool {
	if !checkState(txn) {
		return false
	}
	m.mu.Lock()
	id := txn.ID()
	e, ok := m.table[r]
	if !ok {
		m.table[r] = newEntry(id, sharedMode)
		m.mu.Unlock()
		return true
	}
	if e.state == exclusiveMode {
		if e.oldest != noTxn && id > e.oldest {
			m.mu.Unlock()
			txn.SetState(Aborted)
			return false
		}
		w := &waiter{txn: id, want: sharedMode, ready: make(chan struct{})}
		e.waiters = append(e.waiters, w)
		m.mu.Unlock()
		<-w.ready
		return true
	}
	e.granted[id] = true
	if id > e.oldest {
		e.oldest = id
	}
	m.mu.Unlock()
	return true
}

// LockExclusive acquires an exclusive lock on r for txn. Any existing
// lock, shared or exclusive, conflicts, so the wait-die check always
// applies.
func (m *Manager) LockExclusive(txn Txn, r rid.RID) bool {
	if !checkState(txn) {
		return false
	}
	m.mu.Lock()
	id := txn.ID()
	e, ok := m.table[r]
	if !ok {
		m.table[r] = newEntry(id, exclusiveMode)
		m.mu.Unlock()
		return true
	}
	if e.oldest != noTxn && id > e.oldest {
		m.mu.Unlock()
		txn.SetState(Aborted)
		return false
	}
	w := &waiter{txn: id, want: exclusiveMode, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()
	<-w.ready
	return true
}

// LockUpgrade converts txn's shared lock on r into an exclusive one. If
// txn is the sole shared holder, the conversion is atomic; otherwise it
// degrades to releasing the shared lock and re-requesting exclusive
// under the ordinary wait-die rule (which can abort or block txn).
func (m *Manager) LockUpgrade(txn Txn, r rid.RID) bool {
	if !checkState(txn) {
		return false
	}
	m.mu.Lock()
	id := txn.ID()
	e, ok := m.table[r]
	if !ok || !e.granted[id] {
		m.mu.Unlock()
		return false
	}
	if e.state == sharedMode && len(e.granted) == 1 {
		e.state = exclusiveMode
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	if !m.unlock(txn, r, true) {
		return false
	}
	return m.LockExclusive(txn, r)
}

// Unlock releases txn's lock on r. In strict mode this only succeeds
// once txn has committed or aborted; otherwise the first unlock of a
// growing-phase transaction transitions it to SHRINKING.
func (m *Manager) Unlock(txn Txn, r rid.RID) bool {
	return m.unlock(txn, r, false)
}

func (m *Manager) unlock(txn Txn, r rid.RID, upgrading bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := txn.State()
	if m.strict {
		if state != Committed && state != Aborted && !upgrading {
			return false
		}
	} else if state == Growing && !upgrading {
		txn.SetState(Shrinking)
	}

	id := txn.ID()
	e, ok := m.table[r]
	if !ok || !e.granted[id] {
		return false
	}
	delete(e.granted, id)
	if len(e.waiters) == 0 {
		if len(e.granted) == 0 {
			delete(m.table, r)
		}
		return true
	}
	if len(e.granted) > 0 {
		// Other shared holders remain; waiters stay queued until they go.
		return true
	}

	e.oldest = noTxn
	head := e.waiters[0]
	e.waiters = e.waiters[1:]
	e.granted[head.txn] = true
	e.state = head.want
	close(head.ready)

	// A granted shared lock is compatible with any other waiter also
	// requesting shared, so wake a run of them together.
	for head.want == sharedMode && len(e.waiters) > 0 && e.waiters[0].want == sharedMode {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		e.granted[w.txn] = true
		close(w.ready)
	}
	if len(e.waiters) > 0 {
		e.oldest = e.waiters[0].txn
	}
	return true
}
