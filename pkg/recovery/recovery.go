// Package recovery implements checkpointing and ARIES-style crash
// recovery (redo then undo) over the write-ahead log.
//
// It replaces the teacher's textual, per-action recovery log (no LSN,
// replayed by re-invoking REPL handlers) with the binary, LSN-addressed
// design grounded on the reference log_recovery.cpp: a redo pass builds
// active_txn (txn id -> last LSN seen) and lsn_mapping (LSN -> file
// offset) while applying every data record whose target page has not
// already absorbed it, then an undo pass walks each surviving loser's
// prev-LSN chain backward, inverting its effects. The teacher's
// whole-directory checkpoint snapshot (delta/Prime via otiai10/copy)
// is kept; the teacher's backscanner-over-the-log-file usage is
// adapted to a small side index of checkpoint offsets, since the
// binary WAL has no line structure for backscanner to split on.
package recovery

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"driftdb/pkg/buffer"
	"driftdb/pkg/logmgr"
	"driftdb/pkg/table"

	"github.com/icza/backscanner"
	"github.com/otiai10/copy"
)

// Tables resolves a RID's page to the heap that owns it, so recovery
// can replay a record's effect without depending on the catalog
// directly.
type Tables interface {
	HeapForPage(pageID int32) (*table.Heap, bool)
}

// Manager drives checkpointing and crash recovery for one database directory.
type Manager struct {
	pool   *buffer.Pool
	log    *logmgr.Manager
	dbPath string
}

// New constructs a recovery Manager over pool and log for the database
// rooted at dbPath.
func New(pool *buffer.Pool, log *logmgr.Manager, dbPath string) *Manager {
	return &Manager{pool: pool, log: log, dbPath: dbPath}
}

func (m *Manager) ckptIndexPath() string {
	return m.log.Path() + ".ckpt"
}

func (m *Manager) backupPath() string {
	return strings.TrimSuffix(m.dbPath, string(filepath.Separator)) + "-recovery"
}

// Checkpoint flushes every dirty page, appends a CHECKPOINT record
// listing the transactions active at the time, force-flushes the log
// past it, records the record's file offset in the checkpoint index,
// and takes a whole-directory backup snapshot.
func (m *Manager) Checkpoint(activeTxns []int64) error {
	if err := m.pool.FlushAllPages(); err != nil {
		return err
	}
	rec := &logmgr.Record{Type: logmgr.TypeCheckpoint, ActiveTxns: activeTxns}
	lsn, err := m.log.Append(rec)
	if err != nil {
		return err
	}
	if err := m.log.ForceFlush(lsn); err != nil {
		return err
	}
	offset, ok := m.log.OffsetOf(lsn)
	if !ok {
		return nil
	}
	if err := appendCheckpointIndex(m.ckptIndexPath(), offset); err != nil {
		return err
	}
	return m.snapshot()
}

func (m *Manager) snapshot() error {
	base := strings.TrimSuffix(m.dbPath, string(filepath.Separator))
	backup := m.backupPath()
	os.RemoveAll(backup)
	return copy.Copy(base, backup)
}

// Restore replaces the database directory with the most recent
// checkpoint snapshot. Call before Recover so the log replay starts
// from the same physical state the checkpoint was taken against.
func (m *Manager) Restore() error {
	backup := m.backupPath()
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		return nil
	}
	base := strings.TrimSuffix(m.dbPath, string(filepath.Separator))
	os.RemoveAll(base)
	return copy.Copy(backup, base)
}

func appendCheckpointIndex(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.FormatInt(offset, 10) + "\n")
	return err
}

// lastCheckpointOffset scans the checkpoint index backward to find the
// byte offset, in the main log file, of the most recent checkpoint.
// Returns ok=false if no checkpoint has ever been taken.
func lastCheckpointOffset(path string) (int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	scanner := backscanner.New(f, int(info.Size()))
	line, _, err := scanner.LineBytes()
	if err != nil {
		if err == io.EOF {
			return 0, false, nil
		}
		return 0, false, err
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(line)), 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return offset, true, nil
}

// Recover scans the whole log, redoing every data record at or after
// the most recent checkpoint (or from the start of the log, if none)
// whose effect is not yet present on its target page, then undoes every
// transaction left active at the end of the log — the losers that
// never reached COMMIT or ABORT — by walking their prev-LSN chains
// backward and inverting each record's effect.
func (m *Manager) Recover(tables Tables) error {
	data, err := os.ReadFile(m.log.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	start, ok, err := lastCheckpointOffset(m.ckptIndexPath())
	if err != nil {
		return err
	}
	redoFrom := 0
	if ok {
		redoFrom = int(start)
	}
	pos := 0

	activeTxn := make(map[int64]int64)   // txn id -> last LSN seen
	lsnMapping := make(map[int64]int64) // LSN -> file offset

	for pos < len(data) {
		rec, n, okRec := logmgr.Unmarshal(data[pos:])
		if !okRec {
			break
		}
		lsnMapping[rec.LSN] = int64(pos)

		switch rec.Type {
		case logmgr.TypeCommit, logmgr.TypeAbort:
			delete(activeTxn, rec.TxnID)
		case logmgr.TypeCheckpoint:
			// The scan starts at the beginning of the log, so every
			// transaction listed here already has its last LSN recorded.
		case logmgr.TypeBegin:
			activeTxn[rec.TxnID] = rec.LSN
		default:
			activeTxn[rec.TxnID] = rec.LSN
			if pos >= redoFrom {
				if err := m.redo(tables, rec); err != nil {
					return err
				}
			}
		}
		pos += n
	}

	for _, lastLSN := range activeTxn {
		lsn := lastLSN
		for lsn != 0 {
			offset, ok := lsnMapping[lsn]
			if !ok {
				break
			}
			rec, _, okRec := logmgr.Unmarshal(data[offset:])
			if !okRec {
				break
			}
			if err := m.undo(tables, rec); err != nil {
				return err
			}
			lsn = rec.PrevLSN
		}
	}
	return nil
}

// redo applies rec's effect to its target page unless the page's LSN
// already dominates it — the WAL rule's idempotence check.
func (m *Manager) redo(tables Tables, rec logmgr.Record) error {
	switch rec.Type {
	case logmgr.TypeInsert, logmgr.TypeApplyDelete, logmgr.TypeMarkDelete,
		logmgr.TypeRollbackDelete, logmgr.TypeUpdate:
		h, ok := tables.HeapForPage(rec.RID.PageID)
		if !ok {
			return nil
		}
		pageLSN, err := h.PageLSN(rec.RID.PageID)
		if err != nil {
			return err
		}
		if pageLSN >= rec.LSN {
			return nil
		}
		if err := applyRecord(h, rec); err != nil {
			return err
		}
		return h.SetPageLSN(rec.RID.PageID, rec.LSN)
	default: // NEWPAGE: pages are (re)allocated lazily by the heap, nothing to redo
		return nil
	}
}

func applyRecord(h *table.Heap, rec logmgr.Record) error {
	switch rec.Type {
	case logmgr.TypeInsert:
		return h.ReinsertAt(rec.RID, table.DecodeValue(rec.Tuple))
	case logmgr.TypeApplyDelete:
		return h.ApplyDelete(rec.RID)
	case logmgr.TypeMarkDelete:
		return h.MarkDelete(rec.RID)
	case logmgr.TypeRollbackDelete:
		return h.RollbackDelete(rec.RID)
	case logmgr.TypeUpdate:
		return h.Update(rec.RID, table.DecodeValue(rec.NewTuple))
	}
	return nil
}

// undo inverts rec's effect for a loser transaction: INSERT ->
// ApplyDelete, MARKDELETE -> RollbackDelete, UPDATE -> restore the old
// value. APPLYDELETE never needs undoing since it is only ever emitted
// for an already-committed transaction's write-set.
func (m *Manager) undo(tables Tables, rec logmgr.Record) error {
	switch rec.Type {
	case logmgr.TypeInsert:
		h, ok := tables.HeapForPage(rec.RID.PageID)
		if !ok {
			return nil
		}
		return h.ApplyDelete(rec.RID)
	case logmgr.TypeMarkDelete:
		h, ok := tables.HeapForPage(rec.RID.PageID)
		if !ok {
			return nil
		}
		return h.RollbackDelete(rec.RID)
	case logmgr.TypeUpdate:
		h, ok := tables.HeapForPage(rec.RID.PageID)
		if !ok {
			return nil
		}
		return h.Update(rec.RID, table.DecodeValue(rec.OldTuple))
	}
	return nil
}
