// Package pager provides transactional page-level access to a database
// file. A pager hands out fixed-size pages from a cache, journals their
// original content before the first modification, and commits or rolls back
// atomically using the journal plus a three-level file locking protocol. A
// crash at any point leaves either the old or the new database image,
// recoverable by playing back the journal the next reader finds.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/quarrydb/quarry/internal/logging"
	"github.com/quarrydb/quarry/pcache"
	"github.com/quarrydb/quarry/vfs"
)

// Pgno is a database page number, starting at 1.
type Pgno = pcache.Pgno

// Page is a pinned cache page. Callers read and modify Page.Data, after
// telling the pager via Write that the page is about to change.
type Page = pcache.Page

// MaxPgno is the largest valid page number.
const MaxPgno = Pgno(0x7ffffffe)

// State is the pager's position in its transaction life cycle. States are
// ordered; comparisons like state >= StateWriterLocked are meaningful.
type State int

const (
	// StateOpen - no lock held, nothing known about the file.
	StateOpen State = iota

	// StateReader - shared lock held, a consistent snapshot is readable.
	StateReader

	// StateWriterLocked - reserved lock held, write transaction open, no
	// changes made yet.
	StateWriterLocked

	// StateWriterCacheMod - pages modified in cache, journal open, database
	// file untouched.
	StateWriterCacheMod

	// StateWriterDBMod - database file modified; the journal must be played
	// back to recover the old image.
	StateWriterDBMod

	// StateWriterFinished - commit phase one done, waiting for phase two.
	StateWriterFinished

	// StateError - an I/O or similar failure latched; the pager refuses
	// work until all page references are released and it resets.
	StateError
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReader:
		return "reader"
	case StateWriterLocked:
		return "writer-locked"
	case StateWriterCacheMod:
		return "writer-cachemod"
	case StateWriterDBMod:
		return "writer-dbmod"
	case StateWriterFinished:
		return "writer-finished"
	case StateError:
		return "error"
	}
	return "unknown"
}

// lockUnknown records that the file lock level is indeterminate after a
// failed unlock. The pager assumes the worst until it fully unlocks.
const lockUnknown vfs.LockLevel = -1

// Options configure a pager.
type Options struct {
	// PageSize must be a power of two in [512, 65536]. Defaults to 4096.
	// Opening an existing database adopts the file's page size instead.
	PageSize int

	// CacheSize is the page cache budget in pages. Defaults to 2000.
	CacheSize int

	// Group shares a cache eviction domain with other pagers. Nil gives the
	// pager a private, lock-free group.
	Group *pcache.Group

	// JournalMode selects rollback journal handling. Defaults to delete
	// mode.
	JournalMode JournalMode

	// ReadOnly opens the database for reading only.
	ReadOnly bool

	// Memory keeps the database and journal entirely in memory.
	Memory bool

	// FullSync requests the stronger sync variant on commit barriers.
	FullSync bool

	// Logger receives structured diagnostics. Defaults to the package
	// logger.
	Logger *slog.Logger
}

// Stats are cumulative counters for one pager.
type Stats struct {
	CacheHits   int
	CacheMisses int
	PageWrites  int
	Spills      int
}

// Pager manages one database file.
type Pager struct {
	fs  vfs.FS
	log *slog.Logger

	filename    string
	journalName string
	readOnly    bool
	memory      bool

	fd   vfs.File
	jrnl *journal
	subj *subJournal

	state   State
	lck     vfs.LockLevel
	errCode error

	pageSize    int
	journalMode JournalMode
	syncFlags   vfs.SyncFlag

	hdr        Header
	dbSize     Pgno // current image size in pages
	dbOrigSize Pgno // image size when the write transaction began
	dbFileSize Pgno // size of the file on disk in pages
	dbHintSize Pgno // last size hint given to the file

	dbFileVers [16]byte // bytes 24..39 of page 1 as last seen on disk

	inJournal       *Bitvec
	savepoints      []*Savepoint
	changeCountDone bool
	noSpill         int

	cache     *pcache.Cache
	group     *pcache.Group
	cacheSize int
	wal       WriteAheadLog

	busy   func(count int) bool
	backup func(pgno Pgno, data []byte)

	stats Stats
}

// Open creates a pager for the named database file. The file itself is not
// read until the first read transaction begins.
func Open(fs vfs.FS, filename string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if !ValidPageSize(opts.PageSize) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, opts.PageSize)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	if opts.Memory {
		fs = vfs.NewMemFS()
		opts.JournalMode = JournalModeMemory
	}

	fd, err := fs.Open(filename, opts.ReadOnly)
	if err != nil {
		return nil, ioErr("open", err, false)
	}

	p := &Pager{
		fs:          fs,
		log:         opts.Logger.With("db", filename),
		filename:    filename,
		journalName: filename + "-journal",
		readOnly:    opts.ReadOnly,
		memory:      opts.Memory,
		fd:          fd,
		state:       StateOpen,
		lck:         vfs.LockNone,
		pageSize:    opts.PageSize,
		journalMode: opts.JournalMode,
		syncFlags:   vfs.SyncNormal,
	}
	if opts.FullSync {
		p.syncFlags = vfs.SyncFull
	}

	p.group = opts.Group
	if p.group == nil {
		p.group = pcache.NewGroup(false)
	}
	p.cacheSize = opts.CacheSize
	p.cache = pcache.NewCache(p.group, pcache.Options{
		PageSize:  opts.PageSize,
		Purgeable: !opts.Memory,
		MaxPages:  opts.CacheSize,
		Spiller:   p,
	})
	return p, nil
}

// Close releases every resource. An open transaction is rolled back first.
// Closing twice is harmless.
func (p *Pager) Close() error {
	if p.fd == nil {
		return nil
	}
	if p.state >= StateWriterLocked && p.state != StateError {
		if err := p.Rollback(); err != nil {
			p.log.Warn("rollback during close failed", "error", err)
		}
	}
	var firstErr error
	if p.jrnl != nil {
		if err := p.jrnl.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.jrnl = nil
	}
	if p.wal != nil {
		if err := p.wal.Close(true); err != nil && firstErr == nil {
			firstErr = err
		}
		p.wal = nil
	}
	if p.lck != vfs.LockNone {
		if err := p.fd.Unlock(vfs.LockNone); err != nil && firstErr == nil {
			firstErr = err
		}
		p.lck = vfs.LockNone
	}
	if err := p.fd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	p.fd = nil
	p.cache.Close()
	p.state = StateOpen
	return firstErr
}

// SetWal routes this pager through a write-ahead log. Must be called before
// the first transaction.
func (p *Pager) SetWal(w WriteAheadLog) error {
	if p.state != StateOpen {
		return fmt.Errorf("%w: cannot enable WAL mid-transaction", ErrMisuse)
	}
	p.wal = w
	p.journalMode = JournalModeWAL
	return nil
}

// SetBusyHandler installs the callback invoked when a lock is contended.
// Returning true retries the lock; false gives up with ErrBusy.
func (p *Pager) SetBusyHandler(f func(count int) bool) { p.busy = f }

// SetBackupHook installs a callback observing every page write to the
// database file, used to keep an online backup in step.
func (p *Pager) SetBackupHook(f func(pgno Pgno, data []byte)) { p.backup = f }

// State returns the pager's current life-cycle state.
func (p *Pager) State() State { return p.state }

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// ImageSize returns the database image size in pages as seen by the current
// transaction.
func (p *Pager) ImageSize() Pgno { return p.dbSize }

// Header returns the database header as read by the current read
// transaction.
func (p *Pager) Header() Header { return p.hdr }

// SetMeta stores a value in one of the client meta slots on page 1. Must be
// called inside a write transaction; the change is durable at commit.
func (p *Pager) SetMeta(i int, v uint32) error {
	if i < 0 || i >= MetaCount {
		return fmt.Errorf("%w: meta slot %d", ErrMisuse, i)
	}
	return p.updateHeader(func(h *Header) { h.Meta[i] = v })
}

// SetFreelist records the freelist head page and length in the header.
func (p *Pager) SetFreelist(head Pgno, count uint32) error {
	return p.updateHeader(func(h *Header) {
		h.FreelistHead = head
		h.FreelistCount = count
	})
}

// updateHeader applies a header mutation through a journaled write of page 1.
func (p *Pager) updateHeader(mut func(*Header)) error {
	if err := p.latched(); err != nil {
		return err
	}
	if p.state < StateWriterLocked {
		return fmt.Errorf("%w: header update outside a write transaction", ErrMisuse)
	}
	pg, err := p.Get(1)
	if err != nil {
		return err
	}
	defer p.Unref(pg)
	if err := p.Write(pg); err != nil {
		return err
	}
	mut(&p.hdr)
	p.hdr.Encode(pg.Data)
	return nil
}

// Stats returns cumulative counters.
func (p *Pager) Stats() Stats { return p.stats }

// Filename returns the database file name.
func (p *Pager) Filename() string { return p.filename }

// JournalMode returns the journal mode in effect.
func (p *Pager) JournalMode() JournalMode { return p.journalMode }

func (p *Pager) useWal() bool { return p.wal != nil }

// latched returns the pager's latched error while in the error state.
func (p *Pager) latched() error {
	if p.state == StateError {
		return p.errCode
	}
	return nil
}

// setError latches err: the pager enters the error state and refuses all
// work until every page reference is released, after which it resets and the
// next read transaction plays back any journal. Benign errors (busy, full,
// out of memory) do not latch.
func (p *Pager) setError(err error) {
	if err == nil || isBenign(err) {
		return
	}
	if p.state != StateError {
		p.log.Error("pager entering error state", "state", p.state.String(), "error", err)
		p.errCode = err
		p.state = StateError
	}
}

// lockWait acquires the given lock level, consulting the busy handler on
// contention.
func (p *Pager) lockWait(level vfs.LockLevel) error {
	if p.lck != lockUnknown && p.lck >= level {
		return nil
	}
	for n := 0; ; n++ {
		err := p.fd.Lock(level)
		if err == nil {
			p.lck = level
			return nil
		}
		if !errors.Is(err, vfs.ErrBusy) {
			return ioErr("lock", err, false)
		}
		if p.busy == nil || !p.busy(n) {
			return ErrBusy
		}
	}
}

// unlockTo downgrades the file lock. A failed unlock leaves the level
// unknown, which forces a full unlock before the pager trusts it again.
func (p *Pager) unlockTo(level vfs.LockLevel) error {
	if err := p.fd.Unlock(level); err != nil {
		p.lck = lockUnknown
		return ioErr("unlock", err, false)
	}
	p.lck = level
	return nil
}

// BeginRead opens a read transaction: it takes a shared lock, recovers from
// a hot journal if one is found, and loads the header so pages can be read
// from a consistent snapshot. Idempotent while a transaction is open.
func (p *Pager) BeginRead() error {
	switch {
	case p.state == StateError:
		if p.cache.RefSum() > 0 {
			return p.errCode
		}
		p.reset()
	case p.state != StateOpen:
		return nil
	}

	if err := p.lockWait(vfs.LockShared); err != nil {
		return err
	}

	if !p.useWal() {
		hot, err := p.hasHotJournal()
		if err != nil {
			p.unlockAbandon()
			return err
		}
		if hot {
			if err := p.recoverHotJournal(); err != nil {
				p.unlockAbandon()
				return err
			}
		}
	}

	if err := p.loadHeader(); err != nil {
		p.unlockAbandon()
		return err
	}

	if p.useWal() {
		changed, err := p.wal.BeginRead()
		if err != nil {
			p.unlockAbandon()
			return err
		}
		if changed {
			p.cache.TruncateTo(1)
		}
		if f, _ := p.wal.FindFrame(1); f != 0 {
			// The log may hold a newer header than the file.
			if err := p.loadHeaderFromWal(f); err != nil {
				p.unlockAbandon()
				return err
			}
		}
	}

	p.state = StateReader
	return nil
}

// EndRead closes the read transaction and drops the shared lock. Cached
// pages are kept; a later BeginRead revalidates them against the on-disk
// change counter.
func (p *Pager) EndRead() {
	if p.state != StateReader {
		return
	}
	if p.useWal() {
		p.wal.EndRead()
	}
	if err := p.unlockTo(vfs.LockNone); err != nil {
		p.log.Warn("unlock failed", "error", err)
	}
	p.state = StateOpen
}

// unlockAbandon drops all locks after a failed transaction start.
func (p *Pager) unlockAbandon() {
	if err := p.unlockTo(vfs.LockNone); err != nil {
		p.log.Warn("unlock failed", "error", err)
	}
	p.state = StateOpen
}

// reset clears the error state once no page references remain.
func (p *Pager) reset() {
	p.errCode = nil
	p.cache.TruncateTo(1)
	p.cache.ClearWriteableFlags()
	p.inJournal = nil
	p.savepoints = nil
	p.subj = nil
	p.changeCountDone = false
	if p.jrnl != nil {
		_ = p.jrnl.close()
		p.jrnl = nil
	}
	_ = p.fd.Unlock(vfs.LockNone)
	p.lck = vfs.LockNone
	p.state = StateOpen
	p.log.Info("pager reset after error")
}

// loadHeader reads the database header and validates the cache against the
// file version stamp. Called with at least a shared lock held.
func (p *Pager) loadHeader() error {
	sz, err := p.fd.Size()
	if err != nil {
		return ioErr("size", err, false)
	}
	if sz == 0 {
		p.hdr = NewHeader(p.pageSize)
		p.hdr.DBSize = 0
		p.dbSize = 0
		p.dbFileSize = 0
		return nil
	}

	buf := make([]byte, HeaderSize)
	if _, err := p.fd.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return ioErr("header read", err, false)
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	if hdr.PageSize != p.pageSize {
		if p.cache.RefSum() > 0 {
			return fmt.Errorf("%w: file page size %d differs from configured %d",
				ErrMisuse, hdr.PageSize, p.pageSize)
		}
		p.setPageSize(hdr.PageSize)
	}
	p.hdr = hdr
	p.dbFileSize = Pgno(sz / int64(p.pageSize))
	p.dbSize = hdr.DBSize
	if p.dbSize == 0 || p.dbSize > p.dbFileSize {
		p.dbSize = p.dbFileSize
	}

	// If another connection changed the file since we last read it, every
	// cached page is stale.
	var vers [16]byte
	copy(vers[:], buf[changeCounterOffset:changeCounterOffset+16])
	if vers != p.dbFileVers {
		p.cache.TruncateTo(1)
		p.dbFileVers = vers
	}
	return nil
}

// loadHeaderFromWal refreshes header fields from the newest copy of page 1
// in the write-ahead log.
func (p *Pager) loadHeaderFromWal(frame uint32) error {
	buf := make([]byte, p.pageSize)
	if err := p.wal.ReadFrame(frame, buf); err != nil {
		return err
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	p.hdr = hdr
	p.dbSize = hdr.DBSize
	return nil
}

// setPageSize rebuilds the page cache for a new page size. Only legal while
// no pages are referenced.
func (p *Pager) setPageSize(n int) {
	p.cache.Close()
	p.pageSize = n
	p.cache = pcache.NewCache(p.group, pcache.Options{
		PageSize:  n,
		Purgeable: !p.memory,
		MaxPages:  p.cacheSize,
		Spiller:   p,
	})
}

// hasHotJournal reports whether a journal left by a crashed writer must be
// played back. A journal is hot when it exists with content, no connection
// holds a reserved lock, and the database file is nonempty.
func (p *Pager) hasHotJournal() (bool, error) {
	exists, err := p.fs.Exists(p.journalName)
	if err != nil {
		return false, ioErr("journal stat", err, false)
	}
	if !exists {
		return false, nil
	}

	sz, err := p.fd.Size()
	if err != nil {
		return false, ioErr("size", err, false)
	}
	if sz == 0 {
		// Empty database: the journal is leftover noise.
		if err := p.fs.Delete(p.journalName); err != nil {
			return false, ioErr("journal delete", err, false)
		}
		return false, nil
	}

	reserved, err := p.fd.CheckReservedLock()
	if err != nil {
		return false, ioErr("reserved check", err, false)
	}
	if reserved {
		// A live writer owns the journal.
		return false, nil
	}

	jfd, err := p.fs.Open(p.journalName, true)
	if err != nil {
		return false, ioErr("journal open", err, false)
	}
	defer jfd.Close()
	var first [1]byte
	n, err := jfd.ReadAt(first[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, ioErr("journal read", err, false)
	}
	// A zeroed header means a persist-mode journal from a clean commit.
	return n == 1 && first[0] != 0, nil
}

// recoverHotJournal plays a crashed writer's journal back into the database
// file. Requires upgrading to an exclusive lock; contention returns ErrBusy
// and the read transaction does not start.
func (p *Pager) recoverHotJournal() error {
	if err := p.lockWait(vfs.LockExclusive); err != nil {
		return err
	}
	p.log.Warn("hot journal found, recovering", "journal", p.journalName)

	// Re-check under the exclusive lock; another connection may have
	// recovered it while we waited.
	exists, err := p.fs.Exists(p.journalName)
	if err != nil {
		return ioErr("journal stat", err, false)
	}
	if exists {
		jfd, err := p.fs.Open(p.journalName, false)
		if err != nil {
			return ioErr("journal open", err, false)
		}
		err = p.playbackFile(jfd, true)
		cerr := jfd.Close()
		if err != nil {
			p.setError(err)
			return err
		}
		if cerr != nil {
			return ioErr("journal close", cerr, false)
		}
		if err := p.fs.Delete(p.journalName); err != nil {
			return ioErr("journal delete", err, false)
		}
		p.dbFileVers = [16]byte{}
		p.cache.TruncateTo(1)
		p.log.Info("hot journal recovered")
	}
	return p.unlockTo(vfs.LockShared)
}

// playbackFile applies every synced journal section in fd to the database
// file, oldest first, then truncates the file to the image size recorded in
// the first section and syncs. verify enables per-record checksums, which
// stop playback at the first record that never made it to disk intact.
func (p *Pager) playbackFile(fd vfs.File, verify bool) error {
	szJ, err := fd.Size()
	if err != nil {
		return ioErr("journal size", err, false)
	}
	if super, err := readSuperJournal(fd); err != nil {
		return err
	} else if super != "" {
		// Part of a multi-database commit; if the super-journal is gone the
		// commit completed and this journal must not be replayed.
		exists, err := p.fs.Exists(super)
		if err != nil {
			return ioErr("super-journal stat", err, false)
		}
		if !exists {
			p.log.Info("journal superseded by completed super-journal", "super", super)
			return nil
		}
	}

	var mxPg Pgno
	off := int64(0)
	first := true
	for off < szJ {
		sec, err := readSection(fd, off, szJ)
		if err != nil {
			return err
		}
		if sec == nil {
			break
		}
		if sec.pageSize != p.pageSize {
			return fmt.Errorf("%w: journal page size %d", ErrCorrupt, sec.pageSize)
		}
		if first {
			mxPg = sec.dbOrigSize
			first = false
		}
		off += journalSectorSize
		recSize := int64(sec.pageSize) + 8
		nRec := int64(sec.nRec)
		if sec.nRec == noRecordCount {
			nRec = (szJ - off) / recSize
		}
		buf := make([]byte, recSize)
		for i := int64(0); i < nRec; i++ {
			if off+recSize > szJ {
				break
			}
			if _, err := fd.ReadAt(buf, off); err != nil {
				return ioErr("journal read", err, false)
			}
			off += recSize
			pgno := Pgno(binary.BigEndian.Uint32(buf[0:4]))
			data := buf[4 : 4+sec.pageSize]
			if pgno == 0 {
				continue
			}
			if verify {
				want := binary.BigEndian.Uint32(buf[4+sec.pageSize:])
				if journalChecksum(sec.nonce, data) != want {
					// A torn record marks the end of the durable journal.
					return p.finishPlayback(mxPg)
				}
			}
			if err := p.playbackToFile(pgno, data, mxPg); err != nil {
				return err
			}
		}
		off = sectorAlign(off)
	}
	if first {
		// No valid section; nothing to do.
		return nil
	}
	return p.finishPlayback(mxPg)
}

// playbackToFile writes one journaled image back to the database file and
// refreshes any cached copy.
func (p *Pager) playbackToFile(pgno Pgno, data []byte, mxPg Pgno) error {
	if pgno > mxPg {
		return nil
	}
	offset := int64(pgno-1) * int64(p.pageSize)
	if _, err := p.fd.WriteAt(data, offset); err != nil {
		return ioErr("playback write", err, true)
	}
	if pgno > p.dbFileSize {
		p.dbFileSize = pgno
	}
	if pg, _ := p.cache.Fetch(pgno, pcache.NoCreate); pg != nil {
		copy(pg.Data, data)
		p.cache.MakeClean(pg)
		p.cache.Release(pg)
	}
	if pgno == 1 {
		p.readDBFileVers(data)
	}
	return nil
}

// finishPlayback truncates the database back to its pre-transaction size and
// makes the restored image durable.
func (p *Pager) finishPlayback(mxPg Pgno) error {
	if mxPg > 0 {
		if err := p.truncateFile(mxPg); err != nil {
			return err
		}
	}
	if err := p.fd.Sync(p.syncFlags); err != nil {
		return ioErr("db sync", err, true)
	}
	p.dbSize = mxPg
	return nil
}

func (p *Pager) truncateFile(pages Pgno) error {
	if err := p.fd.Truncate(int64(pages) * int64(p.pageSize)); err != nil {
		return ioErr("db truncate", err, true)
	}
	p.dbFileSize = pages
	return nil
}

func (p *Pager) readDBFileVers(page1 []byte) {
	copy(p.dbFileVers[:], page1[changeCounterOffset:changeCounterOffset+16])
}

// Get returns page pgno, pinned. Pages beyond the current image come back
// zero-filled: the caller is creating them. Requires an open transaction.
func (p *Pager) Get(pgno Pgno) (*Page, error) {
	if err := p.latched(); err != nil {
		return nil, err
	}
	if p.state < StateReader {
		return nil, fmt.Errorf("%w: Get outside a transaction", ErrMisuse)
	}
	if pgno == 0 || pgno > MaxPgno {
		return nil, fmt.Errorf("%w: page number %d", ErrCorrupt, pgno)
	}

	if pg, err := p.cache.Fetch(pgno, pcache.NoCreate); err != nil {
		return nil, err
	} else if pg != nil {
		p.stats.CacheHits++
		return pg, nil
	}
	p.stats.CacheMisses++

	pg, err := p.cache.Fetch(pgno, pcache.CreateHard)
	if err != nil {
		p.setError(err)
		return nil, err
	}
	if err := p.readPage(pg); err != nil {
		p.cache.Drop(pg)
		p.setError(err)
		return nil, err
	}
	return pg, nil
}

// readPage fills a fresh slot from the write-ahead log or the database file.
// Slots for pages beyond the file stay zeroed.
func (p *Pager) readPage(pg *Page) error {
	if p.useWal() {
		frame, err := p.wal.FindFrame(pg.Pgno)
		if err != nil {
			return err
		}
		if frame != 0 {
			return p.wal.ReadFrame(frame, pg.Data)
		}
	}
	if pg.Pgno > p.dbFileSize {
		return nil
	}
	offset := int64(pg.Pgno-1) * int64(p.pageSize)
	if _, err := p.fd.ReadAt(pg.Data, offset); err != nil && !errors.Is(err, io.EOF) {
		return ioErr("page read", err, false)
	}
	if pg.Pgno == 1 {
		p.readDBFileVers(pg.Data)
	}
	return nil
}

// Unref releases a pinned page. When the last reference drops in the error
// state, the pager resets so the next transaction can recover.
func (p *Pager) Unref(pg *Page) {
	p.cache.Release(pg)
	if p.state == StateError && p.cache.RefSum() == 0 {
		p.reset()
	}
}

// BeginWrite upgrades to a write transaction: it takes the reserved lock so
// at most one writer exists, while readers continue against the old image.
func (p *Pager) BeginWrite() error {
	if err := p.latched(); err != nil {
		return err
	}
	if p.readOnly {
		return ErrReadOnly
	}
	if p.state == StateOpen {
		if err := p.BeginRead(); err != nil {
			return err
		}
	}
	if p.state >= StateWriterLocked {
		return nil
	}
	if p.state != StateReader {
		return fmt.Errorf("%w: BeginWrite in state %s", ErrMisuse, p.state)
	}

	if p.useWal() {
		if err := p.wal.BeginWrite(); err != nil {
			return err
		}
	} else {
		if err := p.lockWait(vfs.LockReserved); err != nil {
			return err
		}
	}
	p.state = StateWriterLocked
	p.dbOrigSize = p.dbSize
	p.dbHintSize = p.dbSize
	p.inJournal = NewBitvec(p.dbSize)
	p.changeCountDone = false
	return nil
}

// Write declares that pg is about to be modified. The first write to a page
// saves its pre-image in the rollback journal; the first write of the
// transaction opens the journal. The page is marked dirty and, if the
// journal has unsynced content covering it, flagged as needing a sync before
// it may reach the database file.
func (p *Pager) Write(pg *Page) error {
	if err := p.latched(); err != nil {
		return err
	}
	if p.state < StateWriterLocked {
		return fmt.Errorf("%w: Write outside a write transaction", ErrMisuse)
	}
	if pg.Has(pcache.FlagDontWrite) {
		// Rewriting a page that was marked droppable revives it.
		pg.ClearFlags(pcache.FlagDontWrite)
	}

	if p.state == StateWriterLocked {
		if err := p.openJournalForWrite(); err != nil {
			p.setError(err)
			return err
		}
	}

	usesJournal := !p.useWal() && p.journalMode != JournalModeOff
	if usesJournal && pg.Pgno <= p.dbOrigSize && !p.inJournal.Test(pg.Pgno) {
		// First modification this transaction: save the pre-image.
		if err := p.jrnl.writeRecord(pg.Pgno, pg.Data); err != nil {
			p.setError(err)
			return err
		}
		p.inJournal.Set(pg.Pgno)
		if p.journalMode != JournalModeMemory {
			pg.SetFlags(pcache.FlagNeedSync)
		}
	} else if len(p.savepoints) > 0 {
		// Already journaled, or a page the transaction created: record the
		// savepoint-time content instead.
		p.subjournalPage(pg)
	}

	pg.SetFlags(pcache.FlagWriteable)
	p.cache.MakeDirty(pg)
	if pg.Pgno > p.dbSize {
		p.dbSize = pg.Pgno
	}
	return nil
}

// openJournalForWrite creates the rollback journal and moves the pager to
// the cache-modified state.
func (p *Pager) openJournalForWrite() error {
	if !p.useWal() && p.journalMode != JournalModeOff {
		if p.jrnl == nil {
			j, err := openJournal(p.fs, p.journalName, p.journalMode, p.pageSize)
			if err != nil {
				return err
			}
			p.jrnl = j
		}
		if err := p.jrnl.startSection(p.dbOrigSize); err != nil {
			return err
		}
	}
	p.state = StateWriterCacheMod
	return nil
}

// DontWrite marks a pinned page as not needing to reach the database file,
// typically because the content is garbage (a freed page). A later Write
// revives it.
func (p *Pager) DontWrite(pg *Page) {
	if pg.IsDirty() && len(p.savepoints) == 0 {
		pg.SetFlags(pcache.FlagDontWrite)
	}
}

// TruncateImage shrinks the database image to n pages. The file itself
// shrinks at commit. Pages beyond n already in cache are discarded or
// marked do-not-write.
func (p *Pager) TruncateImage(n Pgno) error {
	if err := p.latched(); err != nil {
		return err
	}
	if p.state < StateWriterLocked || n > p.dbSize {
		return fmt.Errorf("%w: TruncateImage(%d) with image size %d in state %s",
			ErrMisuse, n, p.dbSize, p.state)
	}
	p.dbSize = n
	return nil
}

// SpillPage is the cache group's flush hook: it writes one dirty page to the
// file so the slot can be recycled. Spills are refused mid-rollback and
// while the pager is in the error state, in which case the cache grows
// instead.
func (p *Pager) SpillPage(pg *Page) error {
	if p.noSpill > 0 || p.state == StateError || p.state < StateWriterCacheMod {
		return nil
	}
	if pg.Cache() != p.cache {
		// Shared-group spill request for another pager's page; that pager
		// must handle it.
		return nil
	}
	p.stats.Spills++
	p.log.Debug("spilling page", "pgno", pg.Pgno)

	if p.useWal() {
		// A savepoint rollback rewinds the log past this frame, so the
		// savepoint-time content must be captured before the page leaves
		// the cache.
		if len(p.savepoints) > 0 {
			p.subjournalPage(pg)
		}
		err := p.wal.WriteFrames(p.pageSize, []*Page{pg}, 0, false, p.syncFlags)
		if err != nil {
			p.setError(err)
			return err
		}
		p.cache.MakeClean(pg)
		return nil
	}

	if pg.Has(pcache.FlagNeedSync) || p.state == StateWriterCacheMod {
		// The pre-image must be durable before the page may overwrite the
		// file copy. Leaving WriterCacheMod requires the open journal
		// section to be synced even when this victim was never journaled.
		if err := p.syncJournal(); err != nil {
			p.setError(err)
			return err
		}
	}
	if err := p.lockWait(vfs.LockExclusive); err != nil {
		return err
	}
	if p.state == StateWriterCacheMod {
		p.state = StateWriterDBMod
	}
	if err := p.writePage(pg); err != nil {
		p.setError(err)
		return err
	}
	p.cache.MakeClean(pg)
	return nil
}

// syncJournal makes the journal durable and opens a fresh section for any
// further pre-images, clearing the need-sync flag on every dirty page.
func (p *Pager) syncJournal() error {
	if p.jrnl == nil {
		return nil
	}
	if err := p.jrnl.sync(p.syncFlags); err != nil {
		return err
	}
	if err := p.jrnl.startSection(p.dbOrigSize); err != nil {
		return err
	}
	p.cache.ClearSyncFlags()
	return nil
}

// writePage writes one page image to the database file, maintaining the
// version stamp, the file size, write counters, and the backup hook.
func (p *Pager) writePage(pg *Page) error {
	if pg.Pgno > p.dbSize || pg.Has(pcache.FlagDontWrite) {
		return nil
	}
	if p.dbHintSize < p.dbSize {
		_ = p.fd.SizeHint(int64(p.dbSize) * int64(p.pageSize))
		p.dbHintSize = p.dbSize
	}
	if pg.Pgno == 1 {
		p.readDBFileVers(pg.Data)
	}
	offset := int64(pg.Pgno-1) * int64(p.pageSize)
	if _, err := p.fd.WriteAt(pg.Data, offset); err != nil {
		return ioErr("page write", err, true)
	}
	if pg.Pgno > p.dbFileSize {
		p.dbFileSize = pg.Pgno
	}
	p.stats.PageWrites++
	if p.backup != nil {
		p.backup(pg.Pgno, pg.Data)
	}
	return nil
}

// incrChangeCounter bumps the change counter on page 1 and folds the new
// image size into the header, once per transaction.
func (p *Pager) incrChangeCounter() error {
	if p.changeCountDone {
		return nil
	}
	pg, err := p.Get(1)
	if err != nil {
		return err
	}
	defer p.Unref(pg)
	if err := p.Write(pg); err != nil {
		return err
	}
	p.hdr.ChangeCounter++
	p.hdr.DBSize = p.dbSize
	p.hdr.Encode(pg.Data)
	p.changeCountDone = true
	return nil
}

// CommitPhaseOne makes every change durable without yet releasing the
// journal: the change counter is bumped, the journal is synced (carrying the
// super-journal name for multi-database commits), dirty pages are written
// under the exclusive lock, and the database file is synced. After phase one
// the commit is decided: recovery from this point rolls forward, not back.
func (p *Pager) CommitPhaseOne(superJournal string) error {
	if err := p.latched(); err != nil {
		return err
	}
	if p.state < StateWriterLocked {
		return fmt.Errorf("%w: commit outside a write transaction", ErrMisuse)
	}
	if p.state == StateWriterFinished {
		return nil
	}

	// A transaction that touched nothing commits without I/O.
	if p.state == StateWriterLocked && p.cache.DirtyCount() == 0 && p.dbSize == p.dbOrigSize {
		p.state = StateWriterFinished
		return nil
	}

	if err := p.commitPhaseOne(superJournal); err != nil {
		p.setError(err)
		return err
	}
	p.state = StateWriterFinished
	return nil
}

func (p *Pager) commitPhaseOne(superJournal string) error {
	if err := p.incrChangeCounter(); err != nil {
		return err
	}

	if p.useWal() {
		dirty := p.cache.DirtyAll()
		if err := p.wal.WriteFrames(p.pageSize, dirty, p.dbSize, true, p.syncFlags); err != nil {
			return err
		}
		p.cache.CleanAll()
		return nil
	}

	if p.jrnl != nil {
		if err := p.jrnl.writeSuperJournal(superJournal); err != nil {
			return err
		}
		if err := p.jrnl.sync(p.syncFlags); err != nil {
			return err
		}
		p.cache.ClearSyncFlags()
	}

	if err := p.lockWait(vfs.LockExclusive); err != nil {
		return err
	}
	p.state = StateWriterDBMod

	for _, pg := range p.cache.DirtyAll() {
		if err := p.writePage(pg); err != nil {
			return err
		}
	}
	p.cache.CleanAll()
	p.cache.TruncateTo(p.dbSize + 1)

	if p.dbFileSize != p.dbSize {
		if err := p.truncateFile(p.dbSize); err != nil {
			return err
		}
	}
	if err := p.fd.Sync(p.syncFlags); err != nil {
		return ioErr("db sync", err, true)
	}
	return nil
}

// CommitPhaseTwo finalizes the journal according to the journal mode and
// returns the pager to the reader state. Once this returns the transaction
// is durable and invisible to rollback.
func (p *Pager) CommitPhaseTwo() error {
	if err := p.latched(); err != nil {
		return err
	}
	if p.state != StateWriterFinished {
		return fmt.Errorf("%w: CommitPhaseTwo in state %s", ErrMisuse, p.state)
	}

	if p.useWal() {
		if err := p.wal.EndWrite(); err != nil {
			p.setError(err)
			return err
		}
	} else if p.jrnl != nil {
		if err := p.jrnl.finalize(p.journalMode); err != nil {
			p.setError(err)
			return err
		}
		if p.journalMode == JournalModeDelete {
			p.jrnl = nil
		}
	}
	p.endWriteTransaction()
	return nil
}

// Checkpoint migrates committed log frames into the database file when the
// pager is in WAL mode. Returns the number of frames in the log and the
// number copied back.
func (p *Pager) Checkpoint() (logFrames, backfilled int, err error) {
	if err := p.latched(); err != nil {
		return 0, 0, err
	}
	if !p.useWal() {
		return 0, 0, nil
	}
	if p.state >= StateWriterLocked {
		return 0, 0, fmt.Errorf("%w: checkpoint inside a write transaction", ErrMisuse)
	}
	return p.wal.Checkpoint(p.syncFlags)
}

// Commit is CommitPhaseOne and CommitPhaseTwo back to back, for the common
// single-database case.
func (p *Pager) Commit() error {
	if err := p.CommitPhaseOne(""); err != nil {
		return err
	}
	return p.CommitPhaseTwo()
}

// Rollback abandons the write transaction, restoring the database image
// from the journal. After a successful rollback the pager is a reader again,
// even if it was in the error state.
func (p *Pager) Rollback() error {
	if p.state < StateWriterLocked && p.state != StateError {
		return nil
	}
	p.log.Debug("rolling back", "state", p.state.String())

	if p.useWal() {
		// Drop unpinned copies of modified pages; reload any the caller still
		// holds from the committed image.
		undo := func(pgno Pgno) error {
			pg, _ := p.cache.Fetch(pgno, pcache.NoCreate)
			if pg == nil {
				return nil
			}
			if pg.Refs() == 1 {
				p.cache.Drop(pg)
				return nil
			}
			p.cache.MakeClean(pg)
			rerr := p.readPage(pg)
			p.cache.Release(pg)
			return rerr
		}
		err := p.wal.Undo(undo)
		for _, pg := range p.cache.DirtyAll() {
			if uerr := undo(pg.Pgno); uerr != nil && err == nil {
				err = uerr
			}
		}
		p.dbSize = p.dbOrigSize
		p.cache.ClearWriteableFlags()
		if werr := p.wal.EndWrite(); err == nil {
			err = werr
		}
		if err != nil {
			p.setError(err)
			return err
		}
		p.endWriteTransaction()
		return nil
	}

	if err := p.rollbackJournal(); err != nil {
		p.setError(err)
		return err
	}
	if p.jrnl != nil {
		if err := p.jrnl.finalize(p.journalMode); err != nil {
			p.setError(err)
			return err
		}
		if p.journalMode == JournalModeDelete {
			p.jrnl = nil
		}
	}
	if p.state == StateError {
		p.errCode = nil
		if p.cache.RefSum() == 0 {
			p.reset()
			return nil
		}
	}
	p.endWriteTransaction()
	return nil
}

// rollbackJournal undoes this transaction's changes. When the database file
// was never touched the cached copies are simply discarded; otherwise the
// journal is played back into the file.
func (p *Pager) rollbackJournal() error {
	p.noSpill++
	defer func() { p.noSpill-- }()

	fileModified := p.state >= StateWriterDBMod || p.state == StateError
	if p.jrnl != nil && p.jrnl.off > 0 && fileModified {
		if err := p.playbackFile(p.jrnl.fd, false); err != nil {
			return err
		}
	}

	p.dbSize = p.dbOrigSize
	p.cache.TruncateTo(p.dbSize + 1)
	// Whatever remains dirty holds this transaction's content; drop it so
	// the next Get rereads the committed image.
	for _, pg := range p.cache.DirtyAll() {
		if pg.Refs() == 0 {
			p.cache.Drop(pg)
		} else {
			p.cache.MakeClean(pg)
			pg.SetFlags(pcache.FlagDontWrite)
		}
	}
	p.cache.ClearWriteableFlags()
	return nil
}

// endWriteTransaction clears per-transaction state and downgrades to a
// shared lock.
func (p *Pager) endWriteTransaction() {
	p.inJournal = nil
	p.savepoints = nil
	p.subj = nil
	p.changeCountDone = false
	p.dbOrigSize = 0
	if !p.useWal() {
		if err := p.unlockTo(vfs.LockShared); err != nil {
			p.log.Warn("downgrade to shared failed", "error", err)
		}
	}
	p.state = StateReader
}
