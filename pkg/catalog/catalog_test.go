package catalog

import (
	"path/filepath"
	"testing"

	"driftdb/pkg/buffer"
	"driftdb/pkg/disk"
)

func newTestPool(t *testing.T) *buffer.Pool {
	t.Helper()
	d, err := disk.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	return buffer.New(d, 16, nil, nil)
}

func TestRegisterLookup(t *testing.T) {
	pool := newTestPool(t)
	c, err := Open(pool)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Register("accounts", "", 1, KindHeap); err != nil {
		t.Fatalf("Register accounts: %v", err)
	}
	if err := c.Register("by_balance", "by_balance.idx", 0, KindBTree); err != nil {
		t.Fatalf("Register by_balance: %v", err)
	}

	path, root, kind, ok := c.Lookup("accounts")
	if !ok || path != "" || root != 1 || kind != KindHeap {
		t.Fatalf("Lookup(accounts) = (%q, %d, %v, %v), want (\"\", 1, KindHeap, true)", path, root, kind, ok)
	}

	path, root, kind, ok = c.Lookup("by_balance")
	if !ok || path != "by_balance.idx" || root != 0 || kind != KindBTree {
		t.Fatalf("Lookup(by_balance) = (%q, %d, %v, %v), want (\"by_balance.idx\", 0, KindBTree, true)", path, root, kind, ok)
	}

	if _, _, _, ok := c.Lookup("nope"); ok {
		t.Fatal("Lookup(nope) should not be found")
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	c, err := Open(newTestPool(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Register("accounts", "", 1, KindHeap); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Register("accounts", "", 2, KindHeap); err != ErrExists {
		t.Fatalf("second Register = %v, want ErrExists", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	pool := newTestPool(t)
	c, err := Open(pool)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Register("accounts", "", 7, KindHeap); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reopened, err := Open(pool)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	path, root, kind, ok := reopened.Lookup("accounts")
	if !ok || path != "" || root != 7 || kind != KindHeap {
		t.Fatalf("Lookup after reopen = (%q, %d, %v, %v)", path, root, kind, ok)
	}
}

func TestList(t *testing.T) {
	c, err := Open(newTestPool(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c.Register("a", "", 1, KindHeap)
	c.Register("b", "b.idx", 0, KindBTree)
	entries := c.List()
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
}
