// Package catalog persists the name -> (file path, root page id, kind)
// mapping for every index and table heap a database holds, on a
// single reserved page rewritten in place on every change — grounded
// on the teacher's Database.tables map, generalized to survive a
// restart. Each index still gets its own backing file and buffer
// pool, as the teacher's per-table pager does, so an index's root page
// id is always btree.RootPN within that file; the
// catalog's job is remembering which file and kind a name resolves to.
//
// A catalog entry is assigned once and never mutates again —
// replaying a Register is harmless — so unlike tuple mutations it
// needs no undo/redo log record of its own, only the guarantee that
// its page reaches disk before Register returns.
package catalog

import (
	"encoding/binary"
	"errors"
	"sync"

	"driftdb/pkg/buffer"
	"driftdb/pkg/page"
)

// Kind distinguishes what kind of index or heap a catalog entry names.
type Kind byte

const (
	KindBTree Kind = iota + 1
	KindHash
	KindHeap
)

// PageID is the fixed page the catalog lives on.
const PageID int32 = 0

// ErrExists is returned by Register for a name already taken.
var ErrExists = errors.New("catalog: entry already exists")

type entry struct {
	name string
	path string
	root int32
	kind Kind
}

// Entry is a snapshot of one catalog entry, returned by List.
type Entry struct {
	Name string
	Path string
	Root int32
	Kind Kind
}

// Catalog is the database's name directory.
type Catalog struct {
	pool *buffer.Pool

	mu      sync.Mutex
	entries []entry
}

// Open loads the catalog from PageID, allocating and initializing an
// empty one if the pool has no pages yet.
func Open(pool *buffer.Pool) (*Catalog, error) {
	c := &Catalog{pool: pool}
	if pool.NumPages() == 0 {
		pg, err := pool.NewPage()
		if err != nil {
			return nil, err
		}
		if pg.ID() != PageID {
			return nil, errors.New("catalog: must be the first page allocated")
		}
		encode(pg, nil)
		err = c.pool.FlushPage(pg)
		c.pool.UnpinPage(pg, true)
		return c, err
	}
	pg, err := pool.FetchPage(PageID)
	if err != nil {
		return nil, err
	}
	pg.RLock()
	c.entries = decode(pg)
	pg.RUnlock()
	pool.UnpinPage(pg, false)
	return c, nil
}

// Lookup returns the file path, root page id, and kind registered for name.
func (c *Catalog) Lookup(name string) (path string, root int32, kind Kind, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.name == name {
			return e.path, e.root, e.kind, true
		}
	}
	return "", 0, 0, false
}

// Register adds a new name -> (path, root, kind) entry, persisting it
// in-place before returning.
func (c *Catalog) Register(name, path string, root int32, kind Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.name == name {
			return ErrExists
		}
	}
	c.entries = append(c.entries, entry{name: name, path: path, root: root, kind: kind})
	return c.flush()
}

// List returns every registered entry.
func (c *Catalog) List() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = Entry{Name: e.name, Path: e.path, Root: e.root, Kind: e.kind}
	}
	return out
}

func (c *Catalog) flush() error {
	pg, err := c.pool.FetchPage(PageID)
	if err != nil {
		return err
	}
	pg.WLock()
	encode(pg, c.entries)
	pg.WUnlock()
	if err := c.pool.FlushPage(pg); err != nil {
		c.pool.UnpinPage(pg, true)
		return err
	}
	return c.pool.UnpinPage(pg, true)
}

func encode(pg *page.Page, entries []entry) {
	buf := pg.Data
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	pos := 4
	for _, e := range entries {
		pos = putString(buf, pos, e.name)
		pos = putString(buf, pos, e.path)
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(e.root))
		pos += 4
		buf[pos] = byte(e.kind)
		pos++
	}
	pg.SetDirty(true)
}

func decode(pg *page.Page) []entry {
	buf := pg.Data
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	entries := make([]entry, 0, count)
	pos := 4
	for i := 0; i < count; i++ {
		var name, path string
		name, pos = getString(buf, pos)
		path, pos = getString(buf, pos)
		root := int32(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		kind := Kind(buf[pos])
		pos++
		entries = append(entries, entry{name: name, path: path, root: root, kind: kind})
	}
	return entries
}

func putString(buf []byte, pos int, s string) int {
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(s)))
	pos += 4
	copy(buf[pos:], s)
	return pos + len(s)
}

func getString(buf []byte, pos int) (string, int) {
	n := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	return string(buf[pos : pos+n]), pos + n
}
