package txn

import (
	"path/filepath"
	"testing"
	"time"

	"driftdb/pkg/buffer"
	"driftdb/pkg/disk"
	"driftdb/pkg/lock"
	"driftdb/pkg/logmgr"
	"driftdb/pkg/table"

	"github.com/google/uuid"
)

func newTestEnv(t *testing.T) (*Manager, *table.Heap) {
	t.Helper()
	wal, err := logmgr.Open(filepath.Join(t.TempDir(), "wal.log"), 4096, time.Hour, nil)
	if err != nil {
		t.Fatalf("logmgr.Open: %v", err)
	}
	t.Cleanup(func() { wal.Close() })

	d, err := disk.Open(filepath.Join(t.TempDir(), "heap.db"))
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	pool := buffer.New(d, 16, wal, nil)
	h, err := table.Create(pool)
	if err != nil {
		t.Fatalf("table.Create: %v", err)
	}

	m := NewManager(lock.New(true), wal)
	return m, h
}

func TestCommitPersistsInsert(t *testing.T) {
	m, h := newTestEnv(t)
	client := uuid.New()
	tx, err := m.Begin(client)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	r, err := m.Insert(tx, h, 7)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Commit(client); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	v, err := h.Get(r)
	if err != nil || v != 7 {
		t.Fatalf("Get = (%d, %v), want (7, nil)", v, err)
	}
	if tx.State() != lock.Committed {
		t.Fatalf("State() = %v, want Committed", tx.State())
	}
}

func TestAbortUndoesInsert(t *testing.T) {
	m, h := newTestEnv(t)
	client := uuid.New()
	tx, err := m.Begin(client)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	r, err := m.Insert(tx, h, 9)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Abort(client); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := h.Get(r); err != table.ErrNoSuchTuple {
		t.Fatalf("Get after abort = %v, want ErrNoSuchTuple", err)
	}
}

func TestAbortRestoresOldValueOnUpdate(t *testing.T) {
	m, h := newTestEnv(t)
	client := uuid.New()
	tx, err := m.Begin(client)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	r, err := m.Insert(tx, h, 1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Commit(client); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	client2 := uuid.New()
	tx2, err := m.Begin(client2)
	if err != nil {
		t.Fatalf("Begin 2: %v", err)
	}
	if err := m.Update(tx2, h, r, 100); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := m.Abort(client2); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	v, err := h.Get(r)
	if err != nil || v != 1 {
		t.Fatalf("Get after abort-of-update = (%d, %v), want (1, nil)", v, err)
	}
}

func TestDeleteAppliedOnlyAtCommit(t *testing.T) {
	m, h := newTestEnv(t)
	client := uuid.New()
	tx, err := m.Begin(client)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	r, err := m.Insert(tx, h, 5)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Commit(client); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	client2 := uuid.New()
	tx2, err := m.Begin(client2)
	if err != nil {
		t.Fatalf("Begin 2: %v", err)
	}
	if err := m.Delete(tx2, h, r); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// MARKDELETEd but not yet applied: a rollback would still see it, but
	// a fresh Get through the heap already reports it absent since
	// MarkDelete tombstones the slot immediately.
	if err := m.Commit(client2); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}
	if _, err := h.Get(r); err != table.ErrNoSuchTuple {
		t.Fatalf("Get after commit-of-delete = %v, want ErrNoSuchTuple", err)
	}
}

func TestDoubleBeginRejected(t *testing.T) {
	m, _ := newTestEnv(t)
	client := uuid.New()
	if _, err := m.Begin(client); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := m.Begin(client); err != ErrAlreadyBegan {
		t.Fatalf("second Begin = %v, want ErrAlreadyBegan", err)
	}
}
