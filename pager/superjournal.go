package pager

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/quarrydb/quarry/vfs"
)

// SuperJournalName returns a fresh super-journal file name next to dbPath.
// The name must never repeat: a stale file with the same name would make
// every child journal pointing at it look like part of an unfinished commit.
func SuperJournalName(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "super-"+uuid.NewString()+".journal")
}

// CommitAll commits open write transactions on several pagers atomically.
// The pagers must share one file system. With more than one transaction a
// super-journal ties the individual rollback journals together: each child
// journal records the super-journal's name, and recovery replays a child
// only while that file still exists. Deleting the super-journal is therefore
// the commit point for the whole set.
func CommitAll(fs vfs.FS, pagers ...*Pager) error {
	var active []*Pager
	for _, p := range pagers {
		if p.state >= StateWriterLocked && p.state != StateError {
			active = append(active, p)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0].Commit()
	}

	super := SuperJournalName(active[0].filename)
	if err := writeSuperJournalFile(fs, super, active); err != nil {
		return err
	}

	for _, p := range active {
		if err := p.CommitPhaseOne(super); err != nil {
			for _, q := range active {
				_ = q.Rollback()
			}
			_ = fs.Delete(super)
			return err
		}
	}

	// Every database is durable; dropping the super-journal commits them all
	// at once.
	if err := fs.Delete(super); err != nil {
		return ioErr("super-journal delete", err, false)
	}

	var firstErr error
	for _, p := range active {
		if err := p.CommitPhaseTwo(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeSuperJournalFile records the child journal names, one per NUL-
// terminated entry, and makes the file durable before any child commits
// against it.
func writeSuperJournalFile(fs vfs.FS, name string, pagers []*Pager) error {
	fd, err := fs.Open(name, false)
	if err != nil {
		return ioErr("super-journal create", err, false)
	}
	off := int64(0)
	for _, p := range pagers {
		entry := append([]byte(p.journalName), 0)
		if _, err := fd.WriteAt(entry, off); err != nil {
			fd.Close()
			return ioErr("super-journal write", err, false)
		}
		off += int64(len(entry))
	}
	if err := fd.Sync(vfs.SyncNormal); err != nil {
		fd.Close()
		return ioErr("super-journal sync", err, false)
	}
	return fd.Close()
}
