// Package wal implements the write-ahead log the pager commits through in
// WAL mode. Committed pages are appended to the log as checksummed frames
// instead of being written into the database file; readers consult the log
// first, and a checkpoint migrates frames back into the database.
//
// The log chains a cumulative checksum through every frame, so recovery
// after a crash replays exactly the prefix that reached disk intact and
// stops at the first torn frame.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quarrydb/quarry/internal/logging"
	"github.com/quarrydb/quarry/pager"
	"github.com/quarrydb/quarry/pcache"
	"github.com/quarrydb/quarry/vfs"
)

const (
	headerSize      = 32
	frameHeaderSize = 24

	magic   = 0x57a10901
	version = 1
)

// ErrBusy is returned when the log cannot admit a second writer.
var ErrBusy = errors.New("wal: log is busy")

type frameMeta struct {
	pgno   pager.Pgno
	dbSize pager.Pgno // nonzero marks a commit frame
}

// Log is one write-ahead log file shared by every connection to a database
// within this process. It implements pager.WriteAheadLog.
type Log struct {
	mu sync.Mutex

	fs   vfs.FS
	fd   vfs.File
	dbFd vfs.File
	name string
	log  *slog.Logger

	pageSize int
	ckptSeq  uint32
	salt     [2]uint32
	s1, s2   uint32 // running checksum over all appended frames

	frames []frameMeta             // frames[i] describes frame i+1
	index  map[pager.Pgno][]uint32 // ascending frame numbers per page

	mxFrame uint32 // newest committed frame
	dbSize  pager.Pgno

	writing  bool
	snapshot uint32 // reader's view of mxFrame
	reading  bool
}

// Open opens or creates the log file for the given database file. An
// existing log is recovered: frames are verified against the checksum chain
// and the last commit frame becomes the durable end of the log.
func Open(fs vfs.FS, dbFd vfs.File, name string, pageSize int) (*Log, error) {
	fd, err := fs.Open(name, false)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", name, err)
	}
	l := &Log{
		fs:       fs,
		fd:       fd,
		dbFd:     dbFd,
		name:     name,
		log:      logging.GetLogger().With("wal", name),
		pageSize: pageSize,
		index:    make(map[pager.Pgno][]uint32),
	}
	sz, err := fd.Size()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("wal: size: %w", err)
	}
	if sz == 0 {
		if err := l.writeHeader(); err != nil {
			fd.Close()
			return nil, err
		}
		return l, nil
	}
	if err := l.recover(sz); err != nil {
		fd.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) writeHeader() error {
	l.salt[0]++
	l.salt[1] += 7
	var buf [headerSize]byte
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], version)
	binary.BigEndian.PutUint32(buf[8:12], uint32(l.pageSize))
	binary.BigEndian.PutUint32(buf[12:16], l.ckptSeq)
	binary.BigEndian.PutUint32(buf[16:20], l.salt[0])
	binary.BigEndian.PutUint32(buf[20:24], l.salt[1])
	s1, s2 := cksumStep(0, 0, buf[0:24])
	binary.BigEndian.PutUint32(buf[24:28], s1)
	binary.BigEndian.PutUint32(buf[28:32], s2)
	if _, err := l.fd.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("wal: header write: %w", err)
	}
	l.s1, l.s2 = s1, s2
	return nil
}

// recover rebuilds in-memory state from an existing log file.
func (l *Log) recover(sz int64) error {
	var buf [headerSize]byte
	if _, err := l.fd.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("wal: header read: %w", err)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != magic ||
		binary.BigEndian.Uint32(buf[4:8]) != version {
		return errors.New("wal: unrecognized log header")
	}
	ps := int(binary.BigEndian.Uint32(buf[8:12]))
	if ps != l.pageSize {
		return fmt.Errorf("wal: log page size %d, database uses %d", ps, l.pageSize)
	}
	s1, s2 := cksumStep(0, 0, buf[0:24])
	if s1 != binary.BigEndian.Uint32(buf[24:28]) || s2 != binary.BigEndian.Uint32(buf[28:32]) {
		return errors.New("wal: log header checksum mismatch")
	}
	l.ckptSeq = binary.BigEndian.Uint32(buf[12:16])
	l.salt[0] = binary.BigEndian.Uint32(buf[16:20])
	l.salt[1] = binary.BigEndian.Uint32(buf[20:24])
	l.s1, l.s2 = s1, s2

	frameSize := int64(frameHeaderSize + l.pageSize)
	frame := make([]byte, frameSize)
	off := int64(headerSize)
	var lastCommit uint32
	var lastCommitSize pager.Pgno
	var lastS1, lastS2 uint32 = l.s1, l.s2
	for off+frameSize <= sz {
		if _, err := l.fd.ReadAt(frame, off); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("wal: frame read: %w", err)
		}
		meta, s1, s2, ok := l.verifyFrame(frame)
		if !ok {
			break
		}
		l.s1, l.s2 = s1, s2
		l.frames = append(l.frames, meta)
		n := uint32(len(l.frames))
		l.index[meta.pgno] = append(l.index[meta.pgno], n)
		if meta.dbSize != 0 {
			lastCommit = n
			lastCommitSize = meta.dbSize
			lastS1, lastS2 = s1, s2
		}
		off += frameSize
	}

	// Anything after the last commit frame never became durable.
	l.truncateTo(lastCommit, lastS1, lastS2)
	l.mxFrame = lastCommit
	l.snapshot = lastCommit
	l.dbSize = lastCommitSize
	l.log.Info("log recovered", "frames", l.mxFrame, "dbSize", uint32(l.dbSize))
	return nil
}

// verifyFrame checks one frame against the running checksum chain.
func (l *Log) verifyFrame(frame []byte) (frameMeta, uint32, uint32, bool) {
	var meta frameMeta
	if binary.BigEndian.Uint32(frame[8:12]) != l.salt[0] ||
		binary.BigEndian.Uint32(frame[12:16]) != l.salt[1] {
		return meta, 0, 0, false
	}
	s1, s2 := cksumStep(l.s1, l.s2, frame[0:8])
	s1, s2 = cksumStep(s1, s2, frame[frameHeaderSize:])
	if s1 != binary.BigEndian.Uint32(frame[16:20]) || s2 != binary.BigEndian.Uint32(frame[20:24]) {
		return meta, 0, 0, false
	}
	meta.pgno = pager.Pgno(binary.BigEndian.Uint32(frame[0:4]))
	meta.dbSize = pager.Pgno(binary.BigEndian.Uint32(frame[4:8]))
	return meta, s1, s2, true
}

// truncateTo rewinds the in-memory frame list to n frames.
func (l *Log) truncateTo(n uint32, s1, s2 uint32) {
	for i := uint32(len(l.frames)); i > n; i-- {
		meta := l.frames[i-1]
		refs := l.index[meta.pgno]
		if len(refs) > 0 && refs[len(refs)-1] == i {
			refs = refs[:len(refs)-1]
			if len(refs) == 0 {
				delete(l.index, meta.pgno)
			} else {
				l.index[meta.pgno] = refs
			}
		}
	}
	l.frames = l.frames[:n]
	l.s1, l.s2 = s1, s2
}

func (l *Log) frameOffset(frame uint32) int64 {
	return headerSize + int64(frame-1)*int64(frameHeaderSize+l.pageSize)
}

// BeginRead pins a read snapshot at the current committed end of the log.
func (l *Log) BeginRead() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.snapshot != l.mxFrame
	l.snapshot = l.mxFrame
	l.reading = true
	return changed, nil
}

// EndRead releases the read snapshot.
func (l *Log) EndRead() {
	l.mu.Lock()
	l.reading = false
	l.mu.Unlock()
}

// FindFrame returns the newest frame for pgno visible to the caller: the
// read snapshot, extended to the uncommitted tail for the writer.
func (l *Log) FindFrame(pgno pager.Pgno) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := l.snapshot
	if l.writing {
		limit = uint32(len(l.frames))
	}
	refs := l.index[pgno]
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i] <= limit {
			return refs[i], nil
		}
	}
	return 0, nil
}

// ReadFrame copies the page image of frame into data.
func (l *Log) ReadFrame(frame uint32, data []byte) error {
	if _, err := l.fd.ReadAt(data, l.frameOffset(frame)+frameHeaderSize); err != nil {
		return fmt.Errorf("wal: frame read: %w", err)
	}
	return nil
}

// BeginWrite opens a write transaction. The caller's snapshot must still be
// the end of the log, otherwise its cached view is stale.
func (l *Log) BeginWrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writing {
		return ErrBusy
	}
	if l.snapshot != l.mxFrame {
		return pager.ErrBusySnapshot
	}
	l.writing = true
	return nil
}

// EndWrite closes the write transaction.
func (l *Log) EndWrite() error {
	l.mu.Lock()
	l.writing = false
	l.mu.Unlock()
	return nil
}

// WriteFrames appends pages to the log. With commit set, the last frame
// carries the new database size, the log is synced, and the frames become
// visible to subsequent readers.
func (l *Log) WriteFrames(pageSize int, pages []*pcache.Page, truncateTo pager.Pgno, commit bool, syncFlags vfs.SyncFlag) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.writing {
		return fmt.Errorf("wal: WriteFrames outside a write transaction")
	}
	if pageSize != l.pageSize {
		return fmt.Errorf("wal: page size %d, log uses %d", pageSize, l.pageSize)
	}

	buf := make([]byte, frameHeaderSize+pageSize)
	for i, pg := range pages {
		var dbSize pager.Pgno
		if commit && i == len(pages)-1 {
			dbSize = truncateTo
		}
		binary.BigEndian.PutUint32(buf[0:4], uint32(pg.Pgno))
		binary.BigEndian.PutUint32(buf[4:8], uint32(dbSize))
		binary.BigEndian.PutUint32(buf[8:12], l.salt[0])
		binary.BigEndian.PutUint32(buf[12:16], l.salt[1])
		s1, s2 := cksumStep(l.s1, l.s2, buf[0:8])
		s1, s2 = cksumStep(s1, s2, pg.Data)
		binary.BigEndian.PutUint32(buf[16:20], s1)
		binary.BigEndian.PutUint32(buf[20:24], s2)
		copy(buf[frameHeaderSize:], pg.Data)

		n := uint32(len(l.frames)) + 1
		if _, err := l.fd.WriteAt(buf, l.frameOffset(n)); err != nil {
			return fmt.Errorf("wal: frame write: %w", err)
		}
		l.s1, l.s2 = s1, s2
		l.frames = append(l.frames, frameMeta{pgno: pg.Pgno, dbSize: dbSize})
		l.index[pg.Pgno] = append(l.index[pg.Pgno], n)
	}

	if commit {
		if err := l.fd.Sync(syncFlags); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
		l.mxFrame = uint32(len(l.frames))
		l.snapshot = l.mxFrame
		if truncateTo != 0 {
			l.dbSize = truncateTo
		}
	}
	return nil
}

// Undo discards the uncommitted tail of the log, reporting each affected
// page number so the pager can drop or reload its cached copy. The tail is
// truncated before the callbacks run, so the callback may read back through
// the log and will see only committed frames.
func (l *Log) Undo(undo func(pager.Pgno) error) error {
	l.mu.Lock()
	seen := make(map[pager.Pgno]bool)
	var pgnos []pager.Pgno
	for i := uint32(len(l.frames)); i > l.mxFrame; i-- {
		pgno := l.frames[i-1].pgno
		if !seen[pgno] {
			seen[pgno] = true
			pgnos = append(pgnos, pgno)
		}
	}
	sp := l.committedPosition()
	l.truncateTo(l.mxFrame, sp.Cksum[0], sp.Cksum[1])
	l.mu.Unlock()

	if undo != nil {
		for _, pgno := range pgnos {
			if err := undo(pgno); err != nil {
				return err
			}
		}
	}
	return nil
}

// Savepoint captures the writer's current log position.
func (l *Log) Savepoint() pager.WalSavepoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return pager.WalSavepoint{
		Frame:    uint32(len(l.frames)),
		Cksum:    [2]uint32{l.s1, l.s2},
		MaxFrame: l.mxFrame,
	}
}

// SavepointUndo rewinds the uncommitted tail to a captured position.
func (l *Log) SavepointUndo(sp pager.WalSavepoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sp.Frame < l.mxFrame {
		return fmt.Errorf("wal: savepoint predates a commit")
	}
	l.truncateTo(sp.Frame, sp.Cksum[0], sp.Cksum[1])
	return nil
}

// committedPosition reconstructs the checksum state at mxFrame by replaying
// frame headers from disk. Only used on the rare full-undo path.
func (l *Log) committedPosition() pager.WalSavepoint {
	// Recompute by scanning from the header; undo happens at most once per
	// failed transaction, so simplicity wins over caching.
	var buf [headerSize]byte
	s1, s2 := uint32(0), uint32(0)
	if _, err := l.fd.ReadAt(buf[:], 0); err == nil {
		s1, s2 = cksumStep(0, 0, buf[0:24])
	}
	frame := make([]byte, frameHeaderSize+l.pageSize)
	for i := uint32(1); i <= l.mxFrame; i++ {
		if _, err := l.fd.ReadAt(frame, l.frameOffset(i)); err != nil {
			break
		}
		s1, s2 = cksumStep(s1, s2, frame[0:8])
		s1, s2 = cksumStep(s1, s2, frame[frameHeaderSize:])
	}
	return pager.WalSavepoint{Frame: l.mxFrame, Cksum: [2]uint32{s1, s2}, MaxFrame: l.mxFrame}
}

// Checkpoint copies every committed frame into the database file, newest
// copy of each page winning, then resets the log. Fails with ErrBusy while
// a writer or reader needs the log.
func (l *Log) Checkpoint(syncFlags vfs.SyncFlag) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writing || l.reading {
		return int(l.mxFrame), 0, ErrBusy
	}
	total := int(l.mxFrame)
	if l.mxFrame == 0 {
		return 0, 0, nil
	}

	backfilled := 0
	data := make([]byte, l.pageSize)
	for pgno, refs := range l.index {
		var newest uint32
		for i := len(refs) - 1; i >= 0; i-- {
			if refs[i] <= l.mxFrame {
				newest = refs[i]
				break
			}
		}
		if newest == 0 {
			continue
		}
		if err := l.ReadFrame(newest, data); err != nil {
			return total, backfilled, err
		}
		off := int64(pgno-1) * int64(l.pageSize)
		if _, err := l.dbFd.WriteAt(data, off); err != nil {
			return total, backfilled, fmt.Errorf("wal: checkpoint write: %w", err)
		}
		backfilled++
	}
	if l.dbSize != 0 {
		if err := l.dbFd.Truncate(int64(l.dbSize) * int64(l.pageSize)); err != nil {
			return total, backfilled, fmt.Errorf("wal: checkpoint truncate: %w", err)
		}
	}
	if err := l.dbFd.Sync(syncFlags); err != nil {
		return total, backfilled, fmt.Errorf("wal: checkpoint db sync: %w", err)
	}

	// Reset the log under a fresh salt so stale frames cannot replay.
	l.frames = nil
	l.index = make(map[pager.Pgno][]uint32)
	l.mxFrame = 0
	l.snapshot = 0
	l.ckptSeq++
	if err := l.fd.Truncate(0); err != nil {
		return total, backfilled, fmt.Errorf("wal: log truncate: %w", err)
	}
	if err := l.writeHeader(); err != nil {
		return total, backfilled, err
	}
	if err := l.fd.Sync(syncFlags); err != nil {
		return total, backfilled, fmt.Errorf("wal: log sync: %w", err)
	}
	l.log.Info("checkpoint complete", "frames", total, "backfilled", backfilled)
	return total, backfilled, nil
}

// Frames reports the number of frames currently in the log, committed or
// not.
func (l *Log) Frames() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint32(len(l.frames))
}

// Close releases the log file, deleting it when requested.
func (l *Log) Close(deleteLog bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd == nil {
		return nil
	}
	err := l.fd.Close()
	l.fd = nil
	if deleteLog {
		if derr := l.fs.Delete(l.name); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// cksumStep folds b into the cumulative checksum pair, eight bytes at a
// time. The second sum folds the first back in, so reordered or shifted
// frames fail verification.
func cksumStep(s1, s2 uint32, b []byte) (uint32, uint32) {
	for i := 0; i+8 <= len(b); i += 8 {
		s1 += binary.BigEndian.Uint32(b[i:]) + s2
		s2 += binary.BigEndian.Uint32(b[i+4:]) + s1
	}
	return s1, s2
}
