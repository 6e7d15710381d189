package logmgr

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager is the write-ahead log manager. It keeps two in-memory
// buffers — one being appended to, one being flushed — and a
// background goroutine that swaps and writes them out either when a
// flush is explicitly requested (buffer full, or a caller forcing the
// log past some LSN) or when LogFlushTimeout elapses on its own,
// mirroring the reference log manager's log_buffer_/flush_buffer_
// double buffering and BgFSync loop.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond // broadcast whenever persistentLSN advances

	logBuffer   []byte
	flushBuffer []byte
	bufferSize  int

	nextLSN       int64
	persistentLSN int64
	lsnOffset     map[int64]int64 // lsn -> byte offset in the log file, for checkpoint indexing

	file *logFile

	flushTimeout time.Duration
	flushNow     chan struct{}
	stop         chan struct{}
	done         chan struct{}

	log *zap.Logger
}

// Open opens (creating if necessary) the log file at path and starts
// the background flush goroutine.
func Open(path string, bufferSize int, flushTimeout time.Duration, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := openLogFile(path)
	if err != nil {
		return nil, err
	}
	lastLSN, offsets, err := scanExisting(f)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		logBuffer:     make([]byte, 0, bufferSize),
		flushBuffer:   make([]byte, 0, bufferSize),
		bufferSize:    bufferSize,
		nextLSN:       lastLSN + 1,
		persistentLSN: lastLSN,
		lsnOffset:     offsets,
		file:          f,
		flushTimeout:  flushTimeout,
		flushNow:      make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		log:           log,
	}
	m.cond = sync.NewCond(&m.mu)
	go m.flushLoop()
	return m, nil
}

// scanExisting walks every record already on disk so a reopened
// Manager resumes LSN numbering after the last record it wrote
// instead of colliding with history, and so OffsetOf works for
// records written before this process started.
func scanExisting(f *logFile) (int64, map[int64]int64, error) {
	size := f.Size()
	if size == 0 {
		return 0, make(map[int64]int64), nil
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, nil, err
	}
	last, offsets := scanRecords(buf, 0)
	return last, offsets, nil
}

// Close stops the flush goroutine after flushing whatever remains
// buffered, then closes the underlying file.
func (m *Manager) Close() error {
	close(m.stop)
	<-m.done
	return m.file.Close()
}

// Append assigns the record the next LSN, serializes it into the
// active buffer, and returns the assigned LSN. If the record would
// overflow the buffer, Append signals an immediate flush and waits
// for one to complete before retrying, exactly as AppendLogRecord
// blocks-and-retries in the reference implementation.
func (m *Manager) Append(rec *Record) (int64, error) {
	size := int(rec.computeSize())
	m.mu.Lock()
	for size+len(m.logBuffer) > m.bufferSize {
		before := m.persistentLSN
		m.mu.Unlock()
		m.signalFlush()
		m.mu.Lock()
		for m.persistentLSN == before && len(m.logBuffer)+size > m.bufferSize {
			m.cond.Wait()
		}
	}
	lsn := m.nextLSN
	m.nextLSN++
	rec.LSN = lsn
	buf := rec.Marshal()
	m.logBuffer = append(m.logBuffer, buf...)
	m.mu.Unlock()
	return lsn, nil
}

// NextLSN returns the LSN that will be assigned to the next appended record.
func (m *Manager) NextLSN() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// PersistentLSN returns the largest LSN known to be durable on disk.
func (m *Manager) PersistentLSN() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistentLSN
}

// ForceFlush blocks until every record up to and including lsn is durable.
func (m *Manager) ForceFlush(lsn int64) error {
	m.mu.Lock()
	if m.persistentLSN >= lsn {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.signalFlush()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.persistentLSN < lsn {
		m.cond.Wait()
	}
	return nil
}

func (m *Manager) signalFlush() {
	select {
	case m.flushNow <- struct{}{}:
	default:
	}
}

func (m *Manager) flushLoop() {
	defer close(m.done)
	timer := time.NewTimer(m.flushTimeout)
	defer timer.Stop()
	for {
		select {
		case <-m.stop:
			m.flushOnce()
			return
		case <-m.flushNow:
		case <-timer.C:
		}
		m.flushOnce()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.flushTimeout)
	}
}

// flushOnce swaps the log buffer for the (empty) flush buffer, writes
// the swapped-out contents to disk, and advances persistentLSN to the
// last record's LSN.
func (m *Manager) flushOnce() {
	m.mu.Lock()
	if len(m.logBuffer) == 0 {
		m.mu.Unlock()
		return
	}
	m.logBuffer, m.flushBuffer = m.flushBuffer[:0], m.logBuffer
	out := m.flushBuffer
	m.mu.Unlock()

	base, err := m.file.Append(out)
	if err != nil {
		m.log.Error("log flush failed", zap.Error(err))
		return
	}

	last, offsets := scanRecords(out, base)

	m.mu.Lock()
	if last > m.persistentLSN {
		m.persistentLSN = last
	}
	for lsn, off := range offsets {
		m.lsnOffset[lsn] = off
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

// scanRecords walks every record in buf (which was written starting at
// file offset base), returning the last record's LSN and each
// record's absolute file offset.
func scanRecords(buf []byte, base int64) (last int64, offsets map[int64]int64) {
	offsets = make(map[int64]int64)
	for pos := 0; pos < len(buf); {
		rec, n, ok := Unmarshal(buf[pos:])
		if !ok {
			break
		}
		last = rec.LSN
		offsets[rec.LSN] = base + int64(pos)
		pos += n
	}
	return last, offsets
}

// OffsetOf returns the byte offset in the log file of the record with
// the given LSN, once it has been flushed.
func (m *Manager) OffsetOf(lsn int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.lsnOffset[lsn]
	return off, ok
}

// Path returns the path of the underlying log file.
func (m *Manager) Path() string { return m.file.Name() }

// logFile is a thin append-only wrapper over an *os.File; unlike
// disk.Manager, log records are not page-aligned so they bypass the
// page-oriented disk manager entirely.
type logFile struct {
	f    *os.File
	size int64
}

func openLogFile(path string) (*logFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &logFile{f: f, size: info.Size()}, nil
}

func (lf *logFile) Append(buf []byte) (int64, error) {
	offset := lf.size
	n, err := lf.f.WriteAt(buf, offset)
	lf.size += int64(n)
	if err != nil {
		return offset, err
	}
	return offset, lf.f.Sync()
}

func (lf *logFile) ReadAt(buf []byte, offset int64) (int, error) {
	return lf.f.ReadAt(buf, offset)
}

func (lf *logFile) Size() int64 { return lf.size }

func (lf *logFile) Close() error { return lf.f.Close() }

func (lf *logFile) Name() string { return lf.f.Name() }
