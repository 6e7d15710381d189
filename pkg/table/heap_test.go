package table

import (
	"path/filepath"
	"testing"

	"driftdb/pkg/buffer"
	"driftdb/pkg/disk"
)

func newTestPool(t *testing.T) *buffer.Pool {
	t.Helper()
	d, err := disk.Open(filepath.Join(t.TempDir(), "heap.db"))
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	return buffer.New(d, 16, nil, nil)
}

func TestInsertGet(t *testing.T) {
	h, err := Create(newTestPool(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r, err := h.Insert(42)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, err := h.Get(r)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 42 {
		t.Fatalf("Get returned %d, want 42", v)
	}
}

func TestUpdateMarkDeleteRollback(t *testing.T) {
	h, err := Create(newTestPool(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r, err := h.Insert(1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := h.Update(r, 2); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v, _ := h.Get(r); v != 2 {
		t.Fatalf("Get after update = %d, want 2", v)
	}

	if err := h.MarkDelete(r); err != nil {
		t.Fatalf("MarkDelete: %v", err)
	}
	if _, err := h.Get(r); err != ErrNoSuchTuple {
		t.Fatalf("Get after MarkDelete = %v, want ErrNoSuchTuple", err)
	}

	if err := h.RollbackDelete(r); err != nil {
		t.Fatalf("RollbackDelete: %v", err)
	}
	if v, err := h.Get(r); err != nil || v != 2 {
		t.Fatalf("Get after RollbackDelete = (%d, %v), want (2, nil)", v, err)
	}

	if err := h.ApplyDelete(r); err != nil {
		t.Fatalf("ApplyDelete: %v", err)
	}
	if _, err := h.Get(r); err != ErrNoSuchTuple {
		t.Fatalf("Get after ApplyDelete = %v, want ErrNoSuchTuple", err)
	}
}

func TestInsertSpansMultiplePages(t *testing.T) {
	pool := newTestPool(t)
	h, err := Create(pool)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	n := int(SlotsPerPage)*2 + 3
	seen := make(map[int32]bool)
	for i := 0; i < n; i++ {
		r, err := h.Insert(int64(i))
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		seen[r.PageID] = true
	}
	if len(seen) < 3 {
		t.Fatalf("expected tuples to span at least 3 pages, saw %d", len(seen))
	}

	pages, err := h.Pages()
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	if len(pages) != len(seen) {
		t.Fatalf("Pages() returned %d pages, want %d", len(pages), len(seen))
	}
}

func TestOpenWalksChain(t *testing.T) {
	pool := newTestPool(t)
	h, err := Create(pool)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	n := int(SlotsPerPage) + 5
	for i := 0; i < n; i++ {
		if _, err := h.Insert(int64(i)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	reopened, err := Open(pool, h.FirstPage())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r, err := reopened.Insert(int64(n))
	if err != nil {
		t.Fatalf("Insert after reopen: %v", err)
	}
	v, err := reopened.Get(r)
	if err != nil || v != int64(n) {
		t.Fatalf("Get after reopen = (%d, %v), want (%d, nil)", v, err, n)
	}
}
