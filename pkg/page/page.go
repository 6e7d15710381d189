// Package page defines the fixed-size buffer-pool frame contents
// shared by every on-disk structure in the storage engine.
package page

import (
	"sync"
	"sync/atomic"
)

// Size is the size of a page in bytes, aligned to the disk manager's
// block size so pages can be read/written with O_DIRECT.
const Size = 4096

// NoPage is the page id used when a slot does not refer to any page.
const NoPage int32 = -1

// Page caches one page's worth of on-disk bytes plus the metadata the
// buffer pool and recovery components need: a pin count, a dirty
// flag, a reader/writer latch, and the LSN of the last log record
// whose effect is present in Data.
type Page struct {
	id       int32
	pinCount atomic.Int32
	dirty    atomic.Bool
	latch    sync.RWMutex
	lsn      atomic.Int64
	Data     []byte
}

// New wraps the given (already appropriately aligned) byte slice as a page frame.
func New(data []byte) *Page {
	p := &Page{Data: data}
	p.id = NoPage
	return p
}

// ID returns the page's current page number.
func (p *Page) ID() int32 { return p.id }

// SetID reassigns the page number this frame is caching.
func (p *Page) SetID(id int32) { p.id = id }

// Pin increments the pin count, preventing eviction.
func (p *Page) Pin() int32 { return p.pinCount.Add(1) }

// Unpin decrements the pin count, returning the count after the decrement.
func (p *Page) Unpin() int32 { return p.pinCount.Add(-1) }

// PinCount returns the current pin count.
func (p *Page) PinCount() int32 { return p.pinCount.Load() }

// IsDirty reports whether the page has unflushed writes.
func (p *Page) IsDirty() bool { return p.dirty.Load() }

// SetDirty sets the dirty flag.
func (p *Page) SetDirty(dirty bool) { p.dirty.Store(dirty) }

// LSN returns the LSN of the last log record applied to this page.
func (p *Page) LSN() int64 { return p.lsn.Load() }

// SetLSN records the LSN of the last log record applied to this page.
func (p *Page) SetLSN(lsn int64) { p.lsn.Store(lsn) }

// WriteAt copies src into the page's data at the given offset and marks it dirty.
func (p *Page) WriteAt(src []byte, offset int) {
	copy(p.Data[offset:offset+len(src)], src)
	p.dirty.Store(true)
}

// WLock acquires the page's writer latch.
func (p *Page) WLock() { p.latch.Lock() }

// WUnlock releases the page's writer latch.
func (p *Page) WUnlock() { p.latch.Unlock() }

// RLock acquires the page's reader latch.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases the page's reader latch.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Reset zeroes the page's data and resets its dirty/LSN state, for reuse
// by a new page number after eviction.
func (p *Page) Reset() {
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.dirty.Store(false)
	p.lsn.Store(0)
}
