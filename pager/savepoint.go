package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/quarrydb/quarry/pcache"
)

// Savepoint marks a point in a write transaction that can be rolled back to
// without abandoning the transaction.
type Savepoint struct {
	name    string
	iOffset int64   // main journal append offset when the savepoint opened
	nOrig   Pgno    // database image size when the savepoint opened
	iSubRec int     // sub-journal record count when the savepoint opened
	inSub   *Bitvec // pages recorded in the sub-journal for this savepoint
	walData WalSavepoint
}

// Name returns the savepoint's name.
func (s *Savepoint) Name() string { return s.name }

// subJournal holds sub-journal records in memory. Pages whose transaction
// pre-image is already in the main journal get their savepoint-time content
// recorded here instead, so a partial rollback can restore them.
type subRec struct {
	pgno Pgno
	data []byte
}

type subJournal struct {
	recs []subRec
}

func (sj *subJournal) append(pgno Pgno, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	sj.recs = append(sj.recs, subRec{pgno: pgno, data: cp})
}

func (sj *subJournal) count() int {
	if sj == nil {
		return 0
	}
	return len(sj.recs)
}

// OpenSavepoint starts a named savepoint. Requires an open write
// transaction. Reusing an existing name is a misuse.
func (p *Pager) OpenSavepoint(name string) error {
	if err := p.latched(); err != nil {
		return err
	}
	if p.state < StateWriterLocked {
		return fmt.Errorf("%w: savepoint outside a write transaction", ErrMisuse)
	}
	if p.findSavepoint(name) >= 0 {
		return fmt.Errorf("%w: savepoint %q already open", ErrMisuse, name)
	}
	sp := &Savepoint{
		name:    name,
		nOrig:   p.dbSize,
		iSubRec: p.subj.count(),
		inSub:   NewBitvec(p.dbSize),
	}
	if p.jrnl != nil {
		sp.iOffset = p.jrnl.off
	}
	if p.useWal() {
		sp.walData = p.wal.Savepoint()
	}
	p.savepoints = append(p.savepoints, sp)
	p.log.Debug("savepoint opened", "name", name, "dbSize", sp.nOrig)
	return nil
}

// ReleaseSavepoint commits a savepoint: it and every younger savepoint are
// discarded and their changes stay part of the transaction.
func (p *Pager) ReleaseSavepoint(name string) error {
	if err := p.latched(); err != nil {
		return err
	}
	i := p.findSavepoint(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	p.savepoints = p.savepoints[:i]
	if len(p.savepoints) == 0 {
		p.subj = nil
	}
	return nil
}

// RollbackToSavepoint undoes every change made after the named savepoint was
// opened. The savepoint itself stays open; younger savepoints are discarded.
func (p *Pager) RollbackToSavepoint(name string) error {
	if err := p.latched(); err != nil {
		return err
	}
	i := p.findSavepoint(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	p.savepoints = p.savepoints[:i+1]
	sp := p.savepoints[i]
	if err := p.playbackSavepoint(sp); err != nil {
		p.setError(err)
		return err
	}
	p.log.Debug("savepoint rolled back", "name", name, "dbSize", p.dbSize)
	return nil
}

func (p *Pager) findSavepoint(name string) int {
	for i, sp := range p.savepoints {
		if sp.name == name {
			return i
		}
	}
	return -1
}

// subjournalPage records page content for open savepoints that do not yet
// cover it. Called before a page is modified when its transaction pre-image
// already lives in the main journal.
func (p *Pager) subjournalPage(pg *Page) {
	need := false
	for _, sp := range p.savepoints {
		if pg.Pgno <= sp.nOrig && !sp.inSub.Test(pg.Pgno) {
			need = true
		}
	}
	if !need {
		return
	}
	if p.subj == nil {
		p.subj = &subJournal{}
	}
	p.subj.append(pg.Pgno, pg.Data)
	for _, sp := range p.savepoints {
		if pg.Pgno <= sp.nOrig {
			sp.inSub.Set(pg.Pgno)
		}
	}
}

// playbackSavepoint restores the database image to its state at sp. Main
// journal records written after the savepoint opened are replayed first,
// then sub-journal records; a page set ensures only the oldest record for
// each page applies.
func (p *Pager) playbackSavepoint(sp *Savepoint) error {
	p.dbSize = sp.nOrig
	p.cache.TruncateTo(sp.nOrig + 1)
	done := NewBitvec(sp.nOrig)

	if p.useWal() {
		// Discard the log frames written after the savepoint; the
		// sub-journal below restores the page content.
		if err := p.wal.SavepointUndo(sp.walData); err != nil {
			return err
		}
	} else if p.jrnl != nil && p.jrnl.off > sp.iOffset {
		if err := p.replayJournalRange(sp.iOffset, done); err != nil {
			return err
		}
	}
	if p.subj != nil {
		for _, rec := range p.subj.recs[sp.iSubRec:] {
			if err := p.restorePage(rec.pgno, rec.data, done); err != nil {
				return err
			}
		}
	}
	return nil
}

// replayJournalRange applies every main journal record at file offset from
// or later. Checksums are not verified; the records were written by this
// connection within the current transaction.
func (p *Pager) replayJournalRange(from int64, done *Bitvec) error {
	j := p.jrnl
	szJ := j.off
	off := int64(0)
	buf := make([]byte, j.recordSize())
	for off < szJ {
		sec, err := readSection(j.fd, off, szJ)
		if err != nil {
			return err
		}
		if sec == nil {
			break
		}
		off += journalSectorSize
		nRec := int64(sec.nRec)
		if sec.nRec == noRecordCount {
			nRec = (szJ - off) / j.recordSize()
		}
		for i := int64(0); i < nRec && off < szJ; i++ {
			if off >= from {
				if _, err := j.fd.ReadAt(buf, off); err != nil {
					return ioErr("journal read", err, false)
				}
				pgno := Pgno(binary.BigEndian.Uint32(buf[0:4]))
				if err := p.restorePage(pgno, buf[4:4+j.pageSize], done); err != nil {
					return err
				}
			}
			off += j.recordSize()
		}
		off = sectorAlign(off)
	}
	return nil
}

// restorePage copies a journaled image back into the cache and marks the
// page dirty so the restored content reaches the file before commit. Pages
// past the rolled-back image size and duplicate records are skipped.
func (p *Pager) restorePage(pgno Pgno, data []byte, done *Bitvec) error {
	if pgno == 0 || pgno > p.dbSize {
		return nil
	}
	if done != nil {
		if done.Test(pgno) {
			return nil
		}
		done.Set(pgno)
	}
	pg, err := p.cache.Fetch(pgno, pcache.CreateHard)
	if err != nil {
		return err
	}
	copy(pg.Data, data)
	p.cache.MakeDirty(pg)
	if pgno == 1 {
		p.readDBFileVers(pg.Data)
	}
	p.cache.Release(pg)
	return nil
}
