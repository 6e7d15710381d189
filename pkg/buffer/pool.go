// Package buffer implements the buffer pool: the in-memory cache of
// fixed-size pages backed by a disk.Manager, fronted by an extendible
// hash directory acting as the page table (spec.md §1/§4.1). Eviction
// policy is the FIFO-over-unpinned-pages scheme the teacher's pager
// used: the victim is the head of the unpinned list. A bitset of
// evictable frames is kept alongside that list; EvictableFrameCount
// reads it, eviction itself does not.
package buffer

import (
	"errors"
	"sync"

	"driftdb/pkg/disk"
	"driftdb/pkg/hashdir"
	"driftdb/pkg/list"
	"driftdb/pkg/page"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// WAL is the subset of the log manager the buffer pool needs to
// enforce the WAL rule: force the log before writing back a dirty
// page whose LSN has not yet reached stable storage.
type WAL interface {
	ForceFlush(lsn int64) error
	PersistentLSN() int64
}

// Pool is the buffer pool manager.
type Pool struct {
	disk *disk.Manager
	wal  WAL
	log  *zap.Logger

	frames    []*page.Page
	frameOf   map[*page.Page]int
	evictable *bitset.BitSet

	freeList     *list.List
	unpinnedList *list.List
	pinnedList   *list.List
	pageTable    *hashdir.Table[int32, *list.Link]

	freedPageIDs []int32 // page ids released by DeletePage, reused before growing the file

	mu   sync.Mutex
	cond *sync.Cond // signaled when a frame becomes evictable

	fetchGroup singleflight.Group
}

// New constructs a Pool with numFrames resident frames, backed by disk.
func New(d *disk.Manager, numFrames int, wal WAL, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	frames := disk.AlignedBlock(page.Size * numFrames)
	p := &Pool{
		disk:         d,
		wal:          wal,
		log:          log,
		frames:       make([]*page.Page, numFrames),
		frameOf:      make(map[*page.Page]int, numFrames),
		evictable:    bitset.New(uint(numFrames)),
		freeList:     list.NewList(),
		unpinnedList: list.NewList(),
		pinnedList:   list.NewList(),
		pageTable:    hashdir.New[int32, *list.Link](4, hashdir.Int32Hasher()),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < numFrames; i++ {
		frame := page.New(frames[i*page.Size : (i+1)*page.Size])
		p.frames[i] = frame
		p.frameOf[frame] = i
		p.freeList.PushTail(frame)
	}
	return p
}

// NumPages returns the number of pages allocated on disk.
func (p *Pool) NumPages() int32 { return p.disk.NumPages() }

// NewPage allocates a new page and pins it in the pool, reusing a
// deleted page's id (and its disk slot) in preference to growing the
// file, per the deleted-page free-list DeletePage maintains.
func (p *Pool) NewPage() (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var id int32
	if n := len(p.freedPageIDs); n > 0 {
		id = p.freedPageIDs[n-1]
		p.freedPageIDs = p.freedPageIDs[:n-1]
	} else {
		id = p.disk.Allocate()
	}
	frame, err := p.claimFrame()
	if err != nil {
		return nil, err
	}
	frame.Reset()
	frame.SetID(id)
	frame.Pin()
	frame.SetDirty(true)
	link := p.pinnedList.PushTail(frame)
	p.pageTable.Insert(id, link)
	return frame, nil
}

// FetchPage pins and returns the page with the given id, reading it
// from disk on a cache miss. Concurrent misses on the same id are
// collapsed into a single disk read via singleflight.
func (p *Pool) FetchPage(id int32) (*page.Page, error) {
	p.mu.Lock()
	if link, ok := p.pageTable.Find(id); ok {
		frame := link.GetValue().(*page.Page)
		if link.GetList() == p.unpinnedList {
			link.PopSelf()
			newLink := p.pinnedList.PushTail(frame)
			p.pageTable.Insert(id, newLink)
			p.clearEvictable(frame)
		}
		frame.Pin()
		p.mu.Unlock()
		return frame, nil
	}
	p.mu.Unlock()

	leader := false
	v, err, _ := p.fetchGroup.Do(frameKey(id), func() (interface{}, error) {
		leader = true
		return p.fetchMiss(id)
	})
	if err != nil {
		return nil, err
	}
	frame := v.(*page.Page)
	// The singleflight leader already pinned the frame; followers pin again.
	p.mu.Lock()
	if link, ok := p.pageTable.Find(id); !leader && ok && link.GetValue().(*page.Page) == frame {
		frame.Pin()
	}
	p.mu.Unlock()
	return frame, nil
}

func frameKey(id int32) string {
	return string([]byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)})
}

func (p *Pool) fetchMiss(id int32) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if link, ok := p.pageTable.Find(id); ok {
		frame := link.GetValue().(*page.Page)
		frame.Pin()
		return frame, nil
	}
	frame, err := p.claimFrame()
	if err != nil {
		return nil, err
	}
	frame.Reset()
	frame.SetID(id)
	if err := p.disk.ReadPage(id, frame.Data); err != nil {
		p.freeList.PushTail(frame)
		return nil, err
	}
	frame.Pin()
	link := p.pinnedList.PushTail(frame)
	p.pageTable.Insert(id, link)
	return frame, nil
}

// UnpinPage releases a pin on the page, optionally marking it dirty.
func (p *Pool) UnpinPage(pg *page.Page, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dirty {
		pg.SetDirty(true)
	}
	count := pg.Unpin()
	if count < 0 {
		return errors.New("buffer: pin count went negative")
	}
	if count == 0 {
		link, ok := p.pageTable.Find(pg.ID())
		if ok {
			link.PopSelf()
			newLink := p.unpinnedList.PushTail(pg)
			p.pageTable.Insert(pg.ID(), newLink)
			p.setEvictable(pg)
			p.cond.Broadcast()
		}
	}
	return nil
}

// DeletePage releases the caller's pin on pg and discards its frame
// without flushing it, adding pg's id to the free list NewPage draws
// from. Used when a page's contents are permanently obsolete — a B+
// tree node absorbed by a merge, or a collapsed root's former child —
// rather than merely unreferenced.
func (p *Pool) DeletePage(pg *page.Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := pg.ID()
	if link, ok := p.pageTable.Find(id); ok {
		link.PopSelf()
		p.pageTable.Remove(id)
	}
	pg.Unpin()
	pg.SetDirty(false)
	pg.Reset()
	p.clearEvictable(pg)
	p.freeList.PushTail(pg)
	p.freedPageIDs = append(p.freedPageIDs, id)
	p.cond.Broadcast()
	return nil
}

// FlushPage writes a dirty page back to disk, obeying the WAL rule:
// the log is force-flushed past the page's LSN before the write.
func (p *Pool) FlushPage(pg *page.Page) error {
	if !pg.IsDirty() {
		return nil
	}
	if p.wal != nil && pg.LSN() > p.wal.PersistentLSN() {
		if err := p.wal.ForceFlush(pg.LSN()); err != nil {
			return err
		}
	}
	if err := p.disk.WritePage(pg.ID(), pg.Data); err != nil {
		return err
	}
	pg.SetDirty(false)
	return nil
}

// FlushAllPages flushes every pinned and unpinned page that is dirty.
func (p *Pool) FlushAllPages() error {
	var firstErr error
	flush := func(link *list.Link) {
		if err := p.FlushPage(link.GetValue().(*page.Page)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.pinnedList.Map(flush)
	p.unpinnedList.Map(flush)
	return firstErr
}

// Close flushes all dirty pages and closes the backing disk manager.
// Returns an error if any page is still pinned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinnedList.PeekHead() != nil {
		return errors.New("buffer: pages are still pinned on close")
	}
	if err := p.FlushAllPages(); err != nil {
		return err
	}
	return p.disk.Close()
}

// claimFrame returns an unused frame from the free list, or evicts the
// oldest unpinned frame. If neither list has a candidate (every frame
// is pinned), it blocks on the pool's condition variable until
// UnpinPage makes one evictable, rechecking both lists each time it
// wakes. The pool's mu must be held on entry; it is released while
// waiting and reacquired before the next check, per the Cond contract.
func (p *Pool) claimFrame() (*page.Page, error) {
	for {
		if freeLink := p.freeList.PeekHead(); freeLink != nil {
			freeLink.PopSelf()
			return freeLink.GetValue().(*page.Page), nil
		}
		if unpinnedLink := p.unpinnedList.PeekHead(); unpinnedLink != nil {
			unpinnedLink.PopSelf()
			frame := unpinnedLink.GetValue().(*page.Page)
			if err := p.FlushPage(frame); err != nil {
				p.log.Error("flush on evict failed", zap.Int32("page", frame.ID()), zap.Error(err))
				return nil, err
			}
			p.pageTable.Remove(frame.ID())
			p.clearEvictable(frame)
			p.log.Debug("evicted page", zap.Int32("page", frame.ID()))
			return frame, nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) setEvictable(pg *page.Page) {
	if idx, ok := p.frameOf[pg]; ok {
		p.evictable.Set(uint(idx))
	}
}

func (p *Pool) clearEvictable(pg *page.Page) {
	if idx, ok := p.frameOf[pg]; ok {
		p.evictable.Clear(uint(idx))
	}
}

// EvictableFrameCount reports how many frames are currently eligible
// for eviction (unpinned), per the bitset-backed replacer shell.
func (p *Pool) EvictableFrameCount() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictable.Count()
}
