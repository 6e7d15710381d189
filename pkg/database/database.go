// Package database wires the four storage-engine subsystems
// (pkg/buffer's hash-directory page table, pkg/btree's latch-crabbing
// index, pkg/lock's wait-die two-phase locking, and pkg/logmgr's
// ARIES write-ahead log) into one library-API handle, the way the
// teacher's Database tied a basepath and a name->index map together.
//
// Every table heap shares one buffer pool, disk file, and write-ahead
// log, so a tuple's RID is globally unique and doubles as the lock
// manager's resource key. Each B+ tree index gets its own disk file
// and buffer pool instead, since a tree's root always lives at page 0
// of its own pool.
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"driftdb/pkg/btree"
	"driftdb/pkg/buffer"
	"driftdb/pkg/catalog"
	"driftdb/pkg/config"
	"driftdb/pkg/disk"
	"driftdb/pkg/lock"
	"driftdb/pkg/logging"
	"driftdb/pkg/logmgr"
	"driftdb/pkg/recovery"
	"driftdb/pkg/table"
	"driftdb/pkg/txn"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var nameRE = regexp.MustCompile(`^\w+$`)

// ErrInvalidName is returned for a table or index name containing
// anything but word characters.
var ErrInvalidName = errors.New("database: name must be alphanumeric")

// ErrNotFound is returned when a named table or index does not exist.
var ErrNotFound = errors.New("database: no such table or index")

// ErrWrongKind is returned when a name is looked up as the wrong kind
// of catalog entry (table heap vs. B+ tree index).
var ErrWrongKind = errors.New("database: entry is not of the requested kind")

const dataFileName = "data.db"
const walFileName = "wal.log"

// Database is one driftdb instance.
type Database struct {
	cfg config.Config
	log *zap.Logger

	disk    *disk.Manager
	pool    *buffer.Pool
	wal     *logmgr.Manager
	lockMgr *lock.Manager
	txnMgr  *txn.Manager
	cat     *catalog.Catalog
	rec     *recovery.Manager

	mu        sync.Mutex
	heaps     map[string]*table.Heap
	treePools map[string]*buffer.Pool
	treeDisks map[string]*disk.Manager
	trees     map[string]*btree.Tree
}

// Open opens (creating if necessary) the database directory named by
// cfg.Path, replaying the write-ahead log and bringing every table
// heap back to a transaction-consistent state before returning.
func Open(cfg config.Config) (*Database, error) {
	if err := os.MkdirAll(cfg.Path, 0775); err != nil {
		return nil, err
	}

	log := logging.New("database")

	d, err := disk.Open(filepath.Join(cfg.Path, dataFileName))
	if err != nil {
		return nil, err
	}
	wal, err := logmgr.Open(filepath.Join(cfg.Path, walFileName), cfg.LogBufferSize, cfg.LogFlushTimeout, logging.New("logmgr"))
	if err != nil {
		return nil, err
	}
	pool := buffer.New(d, cfg.BufferPoolFrames, wal, logging.New("buffer"))

	cat, err := catalog.Open(pool)
	if err != nil {
		return nil, err
	}

	db := &Database{
		cfg:       cfg,
		log:       log,
		disk:      d,
		pool:      pool,
		wal:       wal,
		lockMgr:   lock.New(cfg.Strict2PL),
		cat:       cat,
		heaps:     make(map[string]*table.Heap),
		treePools: make(map[string]*buffer.Pool),
		treeDisks: make(map[string]*disk.Manager),
		trees:     make(map[string]*btree.Tree),
	}
	db.txnMgr = txn.NewManager(db.lockMgr, wal)
	db.rec = recovery.New(pool, wal, cfg.Path)

	for _, e := range cat.List() {
		switch e.Kind {
		case catalog.KindHeap:
			h, err := table.Open(pool, e.Root)
			if err != nil {
				return nil, err
			}
			db.heaps[e.Name] = h
		case catalog.KindBTree:
			if err := db.openTreeLocked(e.Name, e.Path); err != nil {
				return nil, err
			}
		}
	}

	if cfg.LoggingEnabled {
		if err := db.rec.Recover(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Close flushes and closes every open pool, tree, and the log.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for name, d := range db.treeDisks {
		note(db.treePools[name].FlushAllPages())
		note(d.Close())
	}
	note(db.pool.Close())
	note(db.wal.Close())
	return firstErr
}

// CreateTable creates a new, empty table heap in the shared pool.
func (db *Database) CreateTable(name string) (*table.Heap, error) {
	if !nameRE.MatchString(name) {
		return nil, ErrInvalidName
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, _, _, ok := db.cat.Lookup(name); ok {
		return nil, catalog.ErrExists
	}
	h, err := table.Create(db.pool)
	if err != nil {
		return nil, err
	}
	if err := db.cat.Register(name, "", h.FirstPage(), catalog.KindHeap); err != nil {
		return nil, err
	}
	db.heaps[name] = h
	return h, nil
}

// Table returns the table heap registered under name.
func (db *Database) Table(name string) (*table.Heap, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if h, ok := db.heaps[name]; ok {
		return h, nil
	}
	_, root, kind, ok := db.cat.Lookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	if kind != catalog.KindHeap {
		return nil, ErrWrongKind
	}
	h, err := table.Open(db.pool, root)
	if err != nil {
		return nil, err
	}
	db.heaps[name] = h
	return h, nil
}

// CreateIndex creates a new, empty B+ tree index in its own file.
func (db *Database) CreateIndex(name string) (*btree.Tree, error) {
	if !nameRE.MatchString(name) {
		return nil, ErrInvalidName
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, _, _, ok := db.cat.Lookup(name); ok {
		return nil, catalog.ErrExists
	}
	path := indexFileName(name)
	if err := db.openTreeLocked(name, path); err != nil {
		return nil, err
	}
	if err := db.cat.Register(name, path, btree.RootPN, catalog.KindBTree); err != nil {
		return nil, err
	}
	return db.trees[name], nil
}

// Index returns the B+ tree index registered under name.
func (db *Database) Index(name string) (*btree.Tree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.trees[name]; ok {
		return t, nil
	}
	path, _, kind, ok := db.cat.Lookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	if kind != catalog.KindBTree {
		return nil, ErrWrongKind
	}
	if err := db.openTreeLocked(name, path); err != nil {
		return nil, err
	}
	return db.trees[name], nil
}

func indexFileName(name string) string {
	return fmt.Sprintf("%s.idx", name)
}

func (db *Database) openTreeLocked(name, path string) error {
	d, err := disk.Open(filepath.Join(db.cfg.Path, path))
	if err != nil {
		return err
	}
	pool := buffer.New(d, db.cfg.BufferPoolFrames, db.wal, logging.New("btree."+name))
	t, err := btree.Open(pool)
	if err != nil {
		d.Close()
		return err
	}
	db.treeDisks[name] = d
	db.treePools[name] = pool
	db.trees[name] = t
	return nil
}

// Begin starts a new transaction for client.
func (db *Database) Begin(client uuid.UUID) (*txn.Transaction, error) {
	return db.txnMgr.Begin(client)
}

// Txn returns the transaction manager driving locked table operations.
func (db *Database) Txn() *txn.Manager { return db.txnMgr }

// Checkpoint flushes every dirty page and records a checkpoint log
// record listing the given active transaction ids.
func (db *Database) Checkpoint(activeTxns []int64) error {
	return db.rec.Checkpoint(activeTxns)
}

// HeapForPage implements recovery.Tables, resolving a log record's
// target page back to the heap that owns it.
func (db *Database) HeapForPage(pageID int32) (*table.Heap, bool) {
	db.mu.Lock()
	heaps := make([]*table.Heap, 0, len(db.heaps))
	for _, h := range db.heaps {
		heaps = append(heaps, h)
	}
	db.mu.Unlock()

	for _, h := range heaps {
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
