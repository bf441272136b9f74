package pager

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quarrydb/quarry/vfs"
)

// JournalMode selects how the rollback journal is managed across
// transactions.
type JournalMode int

const (
	// JournalModeDelete removes the journal file when a transaction ends.
	JournalModeDelete JournalMode = iota

	// JournalModeTruncate truncates the journal to zero bytes instead of
	// deleting it, which is cheaper on some file systems.
	JournalModeTruncate

	// JournalModePersist zeroes the journal header and leaves the file in
	// place.
	JournalModePersist

	// JournalModeMemory keeps the journal in memory. Rollback still works,
	// but a crash mid-commit can corrupt the database.
	JournalModeMemory

	// JournalModeOff disables the journal entirely. Rollback is impossible.
	JournalModeOff

	// JournalModeWAL routes commits through the write-ahead log instead of a
	// rollback journal.
	JournalModeWAL
)

func (m JournalMode) String() string {
	switch m {
	case JournalModeDelete:
		return "delete"
	case JournalModeTruncate:
		return "truncate"
	case JournalModePersist:
		return "persist"
	case JournalModeMemory:
		return "memory"
	case JournalModeOff:
		return "off"
	case JournalModeWAL:
		return "wal"
	}
	return "unknown"
}

// Journal file format. Each synced section begins with a sector-aligned
// header followed by nRec records of (pgno, page image, checksum).
const (
	journalHeaderSize = 28
	journalSectorSize = 512

	// noRecordCount in a header means "records run to end of file"; it is
	// replaced by the real count when the section is synced.
	noRecordCount = 0xffffffff
)

var journalMagic = [8]byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7}

// journal is an open rollback journal.
type journal struct {
	fd       vfs.File
	fs       vfs.FS
	name     string
	pageSize int

	off    int64  // append position
	hdrOff int64  // offset of the open section's header
	nRec   uint32 // records written to the open section
	nonce  uint32 // checksum seed for the open section
	open   bool   // a section header has been written and not yet synced out
}

// openJournal creates or opens the journal file. Memory mode journals are
// backed by an in-memory file system so the record format stays identical.
func openJournal(fs vfs.FS, name string, mode JournalMode, pageSize int) (*journal, error) {
	if mode == JournalModeMemory {
		fs = vfs.NewMemFS()
	}
	fd, err := fs.Open(name, false)
	if err != nil {
		return nil, ioErr("journal open", err, false)
	}
	return &journal{fd: fd, fs: fs, name: name, pageSize: pageSize}, nil
}

// recordSize returns the on-disk size of one journal record.
func (j *journal) recordSize() int64 { return int64(j.pageSize) + 8 }

// startSection writes a fresh section header at the next sector boundary.
// The record count is left as noRecordCount until the section is synced.
func (j *journal) startSection(dbOrigSize Pgno) error {
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return fmt.Errorf("pager: journal nonce: %w", err)
	}
	j.nonce = binary.BigEndian.Uint32(seed[:])
	j.hdrOff = sectorAlign(j.off)

	buf := make([]byte, journalSectorSize)
	copy(buf[0:8], journalMagic[:])
	binary.BigEndian.PutUint32(buf[8:12], noRecordCount)
	binary.BigEndian.PutUint32(buf[12:16], j.nonce)
	binary.BigEndian.PutUint32(buf[16:20], uint32(dbOrigSize))
	binary.BigEndian.PutUint32(buf[20:24], journalSectorSize)
	binary.BigEndian.PutUint32(buf[24:28], uint32(j.pageSize))

	if _, err := j.fd.WriteAt(buf, j.hdrOff); err != nil {
		return ioErr("journal header write", err, false)
	}
	j.off = j.hdrOff + journalSectorSize
	j.nRec = 0
	j.open = true
	return nil
}

// writeRecord appends one page pre-image to the open section.
func (j *journal) writeRecord(pgno Pgno, data []byte) error {
	buf := make([]byte, j.recordSize())
	binary.BigEndian.PutUint32(buf[0:4], uint32(pgno))
	copy(buf[4:4+j.pageSize], data)
	binary.BigEndian.PutUint32(buf[4+j.pageSize:], journalChecksum(j.nonce, data))
	if _, err := j.fd.WriteAt(buf, j.off); err != nil {
		return ioErr("journal record write", err, false)
	}
	j.off += j.recordSize()
	j.nRec++
	return nil
}

// sync closes the open section: the real record count is patched into the
// header and everything is forced to disk. After sync the pages covered by
// the section may be written to the database file.
func (j *journal) sync(flags vfs.SyncFlag) error {
	if !j.open {
		return nil
	}
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], j.nRec)
	if _, err := j.fd.WriteAt(cnt[:], j.hdrOff+8); err != nil {
		return ioErr("journal header finalize", err, false)
	}
	if err := j.fd.Sync(flags); err != nil {
		return ioErr("journal sync", err, false)
	}
	j.open = false
	return nil
}

// writeSuperJournal appends the super-journal name record used for
// multi-database atomic commits. Layout, back to front from EOF: magic,
// checksum, name length, name, sentinel page number.
func (j *journal) writeSuperJournal(name string) error {
	if name == "" {
		return nil
	}
	n := len(name)
	buf := make([]byte, 4+n+4+4+8)
	binary.BigEndian.PutUint32(buf[0:4], 0) // sentinel pgno, never valid
	copy(buf[4:], name)
	binary.BigEndian.PutUint32(buf[4+n:], uint32(n))
	var cksum uint32
	for i := 0; i < n; i++ {
		cksum += uint32(name[i])
	}
	binary.BigEndian.PutUint32(buf[8+n:], cksum)
	copy(buf[12+n:], journalMagic[:])
	if _, err := j.fd.WriteAt(buf, j.off); err != nil {
		return ioErr("super-journal write", err, false)
	}
	j.off += int64(len(buf))
	return nil
}

// readSuperJournal returns the super-journal name recorded at the end of the
// journal, or "" if none is present or the record fails its checksum.
func readSuperJournal(fd vfs.File) (string, error) {
	szJ, err := fd.Size()
	if err != nil {
		return "", ioErr("journal size", err, false)
	}
	if szJ < 16 {
		return "", nil
	}
	var tail [16]byte
	if _, err := fd.ReadAt(tail[:], szJ-16); err != nil {
		return "", ioErr("super-journal read", err, false)
	}
	if [8]byte(tail[8:16]) != journalMagic {
		return "", nil
	}
	nName := binary.BigEndian.Uint32(tail[0:4])
	wantCksum := binary.BigEndian.Uint32(tail[4:8])
	if int64(nName) > szJ-16-4 {
		return "", nil
	}
	name := make([]byte, nName)
	if _, err := fd.ReadAt(name, szJ-16-int64(nName)); err != nil {
		return "", ioErr("super-journal read", err, false)
	}
	var cksum uint32
	for _, b := range name {
		cksum += uint32(b)
	}
	if cksum != wantCksum {
		return "", nil
	}
	return string(name), nil
}

// finalize ends the journal's life for this transaction according to mode.
func (j *journal) finalize(mode JournalMode) error {
	switch mode {
	case JournalModeTruncate:
		if err := j.fd.Truncate(0); err != nil {
			return ioErr("journal truncate", err, false)
		}
		if err := j.fd.Sync(vfs.SyncNormal); err != nil {
			return ioErr("journal sync", err, false)
		}
	case JournalModePersist:
		zeros := make([]byte, journalHeaderSize)
		if _, err := j.fd.WriteAt(zeros, 0); err != nil {
			return ioErr("journal header zero", err, false)
		}
		if err := j.fd.Sync(vfs.SyncNormal); err != nil {
			return ioErr("journal sync", err, false)
		}
	case JournalModeMemory:
		if err := j.fd.Truncate(0); err != nil {
			return ioErr("journal truncate", err, false)
		}
	default:
		// Delete mode, and the fallback for anything else.
		if err := j.fd.Close(); err != nil {
			return ioErr("journal close", err, false)
		}
		j.fd = nil
		if err := j.fs.Delete(j.name); err != nil {
			return ioErr("journal delete", err, false)
		}
		return nil
	}
	j.off = 0
	j.nRec = 0
	j.open = false
	return nil
}

func (j *journal) close() error {
	if j.fd == nil {
		return nil
	}
	err := j.fd.Close()
	j.fd = nil
	return err
}

// journalChecksum computes the per-record checksum: the section nonce plus a
// sample of the page content every 200 bytes, counted from the end. Sampling
// keeps journaling cheap while still catching torn or misdirected writes.
func journalChecksum(nonce uint32, data []byte) uint32 {
	cksum := nonce
	for i := len(data) - 200; i > 0; i -= 200 {
		cksum += uint32(data[i])
	}
	return cksum
}

func sectorAlign(off int64) int64 {
	if off%journalSectorSize == 0 {
		return off
	}
	return (off/journalSectorSize + 1) * journalSectorSize
}

// journalSection is a decoded section header.
type journalSection struct {
	nRec       uint32
	nonce      uint32
	dbOrigSize Pgno
	sectorSize int64
	pageSize   int
}

// readSection parses the section header at off. Returns (nil, nil) when the
// bytes there are not a valid header, which ends playback.
func readSection(fd vfs.File, off, szJ int64) (*journalSection, error) {
	if off+journalHeaderSize > szJ {
		return nil, nil
	}
	var buf [journalHeaderSize]byte
	if _, err := fd.ReadAt(buf[:], off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, ioErr("journal header read", err, false)
	}
	if [8]byte(buf[0:8]) != journalMagic {
		return nil, nil
	}
	sec := &journalSection{
		nRec:       binary.BigEndian.Uint32(buf[8:12]),
		nonce:      binary.BigEndian.Uint32(buf[12:16]),
		dbOrigSize: Pgno(binary.BigEndian.Uint32(buf[16:20])),
		sectorSize: int64(binary.BigEndian.Uint32(buf[20:24])),
		pageSize:   int(binary.BigEndian.Uint32(buf[24:28])),
	}
	if sec.sectorSize != journalSectorSize || !ValidPageSize(sec.pageSize) {
		return nil, nil
	}
	return sec, nil
}
