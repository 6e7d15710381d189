package recovery

import (
	"path/filepath"
	"testing"
	"time"

	"driftdb/pkg/buffer"
	"driftdb/pkg/disk"
	"driftdb/pkg/lock"
	"driftdb/pkg/logmgr"
	"driftdb/pkg/table"
	"driftdb/pkg/txn"

	"github.com/google/uuid"
)

type fakeTables struct {
	heaps []*table.Heap
}

func (f *fakeTables) HeapForPage(pageID int32) (*table.Heap, bool) {
	for _, h := range f.heaps {
		ids, err := h.Pages()
		if err != nil {
			continue
		}
		for _, id := range ids {
			if id == pageID {
				return h, true
			}
		}
	}
	return nil, false
}

func TestRecoverRedoesCommittedWrite(t *testing.T) {
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db")

	d, err := disk.Open(filepath.Join(dbDir, "data.db"))
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	wal, err := logmgr.Open(filepath.Join(dbDir, "wal.log"), 4096, time.Hour, nil)
	if err != nil {
		t.Fatalf("logmgr.Open: %v", err)
	}
	pool := buffer.New(d, 16, wal, nil)
	h, err := table.Create(pool)
	if err != nil {
		t.Fatalf("table.Create: %v", err)
	}

	tm := txn.NewManager(lock.New(true), wal)
	client := uuid.New()
	tx, err := tm.Begin(client)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	r, err := tm.Insert(tx, h, 42)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tm.Commit(client); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Simulate a crash: the page's in-memory mutation is never flushed
	// to data.db, only the WAL record is durable.
	if err := wal.Close(); err != nil {
		t.Fatalf("wal.Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("d.Close: %v", err)
	}

	d2, err := disk.Open(filepath.Join(dbDir, "data.db"))
	if err != nil {
		t.Fatalf("reopen disk: %v", err)
	}
	wal2, err := logmgr.Open(filepath.Join(dbDir, "wal.log"), 4096, time.Hour, nil)
	if err != nil {
		t.Fatalf("reopen logmgr: %v", err)
	}
	pool2 := buffer.New(d2, 16, wal2, nil)
	h2, err := table.Open(pool2, h.FirstPage())
	if err != nil {
		t.Fatalf("table.Open: %v", err)
	}

	mgr := New(pool2, wal2, dbDir)
	if err := mgr.Recover(&fakeTables{heaps: []*table.Heap{h2}}); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	v, err := h2.Get(r)
	if err != nil || v != 42 {
		t.Fatalf("Get after recovery = (%d, %v), want (42, nil)", v, err)
	}
}

func TestRecoverUndoesLoserTransaction(t *testing.T) {
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db")

	d, err := disk.Open(filepath.Join(dbDir, "data.db"))
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	wal, err := logmgr.Open(filepath.Join(dbDir, "wal.log"), 4096, time.Hour, nil)
	if err != nil {
		t.Fatalf("logmgr.Open: %v", err)
	}
	pool := buffer.New(d, 16, wal, nil)
	h, err := table.Create(pool)
	if err != nil {
		t.Fatalf("table.Create: %v", err)
	}

	tm := txn.NewManager(lock.New(true), wal)
	client := uuid.New()
	tx, err := tm.Begin(client)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	r, err := tm.Insert(tx, h, 99)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Crash before Commit or Abort: the transaction never reaches a
	// terminal state, so recovery must undo its INSERT.
	if err := wal.Close(); err != nil {
		t.Fatalf("wal.Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("d.Close: %v", err)
	}

	d2, err := disk.Open(filepath.Join(dbDir, "data.db"))
	if err != nil {
		t.Fatalf("reopen disk: %v", err)
	}
	wal2, err := logmgr.Open(filepath.Join(dbDir, "wal.log"), 4096, time.Hour, nil)
	if err != nil {
		t.Fatalf("reopen logmgr: %v", err)
	}
	pool2 := buffer.New(d2, 16, wal2, nil)
	h2, err := table.Open(pool2, h.FirstPage())
	if err != nil {
		t.Fatalf("table.Open: %v", err)
	}

	mgr := New(pool2, wal2, dbDir)
	if err := mgr.Recover(&fakeTables{heaps: []*table.Heap{h2}}); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, err := h2.Get(r); err != table.ErrNoSuchTuple {
		t.Fatalf("Get after recovery of loser txn = %v, want ErrNoSuchTuple", err)
	}
}
