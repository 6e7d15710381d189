// Package logmgr implements the write-ahead log: a binary, ARIES-style
// log record format, a double-buffered in-memory log with a background
// flush goroutine, and the durability primitives (Append,
// ForceFlush) the buffer pool and transaction manager build on.
//
// It is grounded on the reference log_manager.cpp's double-buffer
// design (log_buffer_/flush_buffer_, SwapBuffers, BgFSync) and its
// exact 20-byte log record header.
package logmgr

import (
	"encoding/binary"

	"driftdb/pkg/rid"
)

// RecordType identifies the kind of log record.
type RecordType int32

const (
	TypeBegin RecordType = iota + 1
	TypeCommit
	TypeAbort
	TypeInsert
	TypeApplyDelete
	TypeMarkDelete
	TypeRollbackDelete
	TypeUpdate
	TypeNewPage
	// TypeCheckpoint is the ambient checkpoint record (added): its
	// payload is the list of txn ids active at the time it was taken,
	// taking the place of the teacher's textual checkpointLog.
	TypeCheckpoint
)

// headerSize is the fixed 20-byte header every record starts with:
// size, lsn, txn_id, prev_lsn, type, each a little-endian int32.
const headerSize = 20

// Record is one write-ahead log record. LSN/TxnID/PrevLSN are kept as
// int64 for ergonomic comparison against page.Page's LSN field, but are
// truncated to int32 on the wire per the on-disk format.
type Record struct {
	Size    int32
	LSN     int64
	TxnID   int64
	PrevLSN int64
	Type    RecordType

	RID        rid.RID
	Tuple      []byte // INSERT, APPLYDELETE
	OldTuple   []byte // UPDATE
	NewTuple   []byte // UPDATE
	PrevPageID int32  // NEWPAGE
	ActiveTxns []int64 // CHECKPOINT
}

func payloadSize(t []byte) int32 { return 4 + int32(len(t)) }

func (r *Record) computeSize() int32 {
	switch r.Type {
	case TypeInsert, TypeApplyDelete:
		return headerSize + 8 + payloadSize(r.Tuple)
	case TypeMarkDelete, TypeRollbackDelete:
		return headerSize + 8
	case TypeUpdate:
		return headerSize + 8 + payloadSize(r.OldTuple) + payloadSize(r.NewTuple)
	case TypeNewPage:
		return headerSize + 4
	case TypeCheckpoint:
		return headerSize + 4 + int32(len(r.ActiveTxns))*8
	default: // BEGIN, COMMIT, ABORT
		return headerSize
	}
}

func appendTuple(buf []byte, t []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(t)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, t...)
}

// Marshal serializes the record, recomputing and storing its Size.
func (r *Record) Marshal() []byte {
	r.Size = r.computeSize()
	buf := make([]byte, 0, r.Size)
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(r.Size))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(r.LSN))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(r.TxnID))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(r.PrevLSN))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(r.Type))
	buf = append(buf, hdr[:]...)

	switch r.Type {
	case TypeInsert, TypeApplyDelete:
		ridBuf := r.RID.Marshal()
		buf = append(buf, ridBuf[:]...)
		buf = appendTuple(buf, r.Tuple)
	case TypeMarkDelete, TypeRollbackDelete:
		ridBuf := r.RID.Marshal()
		buf = append(buf, ridBuf[:]...)
	case TypeUpdate:
		ridBuf := r.RID.Marshal()
		buf = append(buf, ridBuf[:]...)
		buf = appendTuple(buf, r.OldTuple)
		buf = appendTuple(buf, r.NewTuple)
	case TypeNewPage:
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], uint32(r.PrevPageID))
		buf = append(buf, pidBuf[:]...)
	case TypeCheckpoint:
		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(r.ActiveTxns)))
		buf = append(buf, countBuf[:]...)
		for _, id := range r.ActiveTxns {
			var idBuf [8]byte
			binary.LittleEndian.PutUint64(idBuf[:], uint64(id))
			buf = append(buf, idBuf[:]...)
		}
	}
	return buf
}

// Unmarshal parses one record from the front of buf, returning the
// record and the number of bytes it consumed. ok is false if buf does
// not start with a complete, valid record (e.g. the zero-padded tail
// of a partially-filled buffer).
func Unmarshal(buf []byte) (r Record, n int, ok bool) {
	if len(buf) < headerSize {
		return Record{}, 0, false
	}
	size := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if size < headerSize || int(size) > len(buf) {
		return Record{}, 0, false
	}
	r.Size = size
	r.LSN = int64(int32(binary.LittleEndian.Uint32(buf[4:8])))
	r.TxnID = int64(int32(binary.LittleEndian.Uint32(buf[8:12])))
	r.PrevLSN = int64(int32(binary.LittleEndian.Uint32(buf[12:16])))
	r.Type = RecordType(binary.LittleEndian.Uint32(buf[16:20]))
	if r.Type < TypeBegin || r.Type > TypeCheckpoint {
		return Record{}, 0, false
	}
	pos := headerSize
	switch r.Type {
	case TypeInsert, TypeApplyDelete:
		r.RID = rid.Unmarshal(buf[pos : pos+8])
		pos += 8
		r.Tuple, pos = readTuple(buf, pos)
	case TypeMarkDelete, TypeRollbackDelete:
		r.RID = rid.Unmarshal(buf[pos : pos+8])
		pos += 8
	case TypeUpdate:
		r.RID = rid.Unmarshal(buf[pos : pos+8])
		pos += 8
		r.OldTuple, pos = readTuple(buf, pos)
		r.NewTuple, pos = readTuple(buf, pos)
	case TypeNewPage:
		r.PrevPageID = int32(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
	case TypeCheckpoint:
		count := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		r.ActiveTxns = make([]int64, count)
		for i := 0; i < count; i++ {
			r.ActiveTxns[i] = int64(binary.LittleEndian.Uint64(buf[pos:]))
			pos += 8
		}
	}
	return r, pos, true
}

func readTuple(buf []byte, pos int) ([]byte, int) {
	n := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	t := make([]byte, n)
	copy(t, buf[pos:pos+n])
	return t, pos + n
}
