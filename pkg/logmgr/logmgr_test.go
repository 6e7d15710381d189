package logmgr

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "wal.log"), 4096, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAppendAssignsIncreasingLSNs(t *testing.T) {
	m := newTestManager(t)
	lsn1, err := m.Append(&Record{Type: TypeBegin, TxnID: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	lsn2, err := m.Append(&Record{Type: TypeCommit, TxnID: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if lsn2 <= lsn1 {
		t.Fatalf("lsn2 (%d) should be greater than lsn1 (%d)", lsn2, lsn1)
	}
}

func TestForceFlushMakesRecordDurable(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Append(&Record{Type: TypeInsert, TxnID: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.ForceFlush(lsn); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if m.PersistentLSN() < lsn {
		t.Fatalf("PersistentLSN() = %d, want >= %d", m.PersistentLSN(), lsn)
	}
}

func TestBackgroundFlushEventuallyPersists(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Append(&Record{Type: TypeBegin, TxnID: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for m.PersistentLSN() < lsn && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.PersistentLSN() < lsn {
		t.Fatalf("background flush never caught up to lsn %d", lsn)
	}
}

func TestLSNNumberingResumesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	m, err := Open(path, 4096, time.Hour, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	lsn, err := m.Append(&Record{Type: TypeBegin, TxnID: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.ForceFlush(lsn); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, 4096, time.Hour, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	if reopened.NextLSN() <= lsn {
		t.Fatalf("reopened NextLSN() = %d, want > %d", reopened.NextLSN(), lsn)
	}
	next, err := reopened.Append(&Record{Type: TypeCommit, TxnID: 1})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if next <= lsn {
		t.Fatalf("next LSN after reopen = %d, want > %d", next, lsn)
	}
}
