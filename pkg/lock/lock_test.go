package lock

import (
	"testing"
	"time"

	"driftdb/pkg/rid"
)

type testTxn struct {
	id    TxnID
	state State
}

func (t *testTxn) ID() TxnID       { return t.id }
func (t *testTxn) State() State    { return t.state }
func (t *testTxn) SetState(s State) { t.state = s }

func TestSharedSharedCompatible(t *testing.T) {
	m := New(false)
	r := rid.New(1, 0)
	t0 := &testTxn{id: 0, state: Growing}
	t1 := &testTxn{id: 1, state: Growing}

	if !m.LockShared(t0, r) {
		t.Fatal("t0 LockShared should succeed")
	}
	if !m.LockShared(t1, r) {
		t.Fatal("t1 LockShared should succeed")
	}
	if t0.State() != Growing || t1.State() != Growing {
		t.Fatalf("both txns should remain Growing, got %v %v", t0.State(), t1.State())
	}
}

func TestWaitDieYoungerDies(t *testing.T) {
	m := New(false)
	r := rid.New(1, 0)
	t0 := &testTxn{id: 0, state: Growing}
	t1 := &testTxn{id: 1, state: Growing}

	if !m.LockExclusive(t0, r) {
		t.Fatal("t0 LockExclusive should succeed")
	}
	if m.LockShared(t1, r) {
		t.Fatal("younger t1 should die, not acquire")
	}
	if t1.State() != Aborted {
		t.Fatalf("t1 state = %v, want Aborted", t1.State())
	}
}

func TestWaitDieOlderWaits(t *testing.T) {
	m := New(false)
	r := rid.New(1, 0)
	t0 := &testTxn{id: 0, state: Growing}
	t1 := &testTxn{id: 1, state: Growing}

	if !m.LockShared(t1, r) {
		t.Fatal("t1 LockShared should succeed")
	}

	done := make(chan bool, 1)
	go func() {
		done <- m.LockExclusive(t0, r)
	}()

	select {
	case <-done:
		t.Fatal("t0 should block while t1 holds the shared lock")
	case <-time.After(50 * time.Millisecond):
	}

	t1.SetState(Committed)
	if !m.Unlock(t1, r) {
		t.Fatal("t1 Unlock should succeed")
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("t0 LockExclusive should eventually succeed")
		}
	case <-time.After(time.Second):
		t.Fatal("t0 never acquired the lock after t1 released it")
	}
}

func TestStrictUnlockRejectedUntilTerminal(t *testing.T) {
	m := New(true)
	r := rid.New(1, 0)
	t0 := &testTxn{id: 0, state: Growing}

	if !m.LockExclusive(t0, r) {
		t.Fatal("LockExclusive should succeed")
	}
	if m.Unlock(t0, r) {
		t.Fatal("strict mode should reject unlock while Growing")
	}

	t0.SetState(Committed)
	if !m.Unlock(t0, r) {
		t.Fatal("unlock should succeed once committed")
	}
	if m.Unlock(t0, r) {
		t.Fatal("second unlock of an already-released lock should fail")
	}
}
