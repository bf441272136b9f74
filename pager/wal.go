package pager

import (
	"github.com/quarrydb/quarry/pcache"
	"github.com/quarrydb/quarry/vfs"
)

// WriteAheadLog is the log the pager commits through in JournalModeWAL.
// Reads consult the log before the database file; commits append frames
// instead of rewriting pages in place; a checkpoint migrates frames back.
//
// The wal package provides the file-backed implementation.
type WriteAheadLog interface {
	// BeginRead opens a read transaction pinned to the current log snapshot.
	// The returned flag is true when the snapshot changed since the caller's
	// previous read transaction, meaning cached pages may be stale.
	BeginRead() (changed bool, err error)

	// EndRead closes the read transaction.
	EndRead()

	// FindFrame returns the log frame holding the newest copy of pgno
	// visible to the read transaction, or 0 when the page must be read from
	// the database file.
	FindFrame(pgno Pgno) (uint32, error)

	// ReadFrame copies the page image of the given frame into data.
	ReadFrame(frame uint32, data []byte) error

	// BeginWrite opens a write transaction. Fails with a stale-snapshot
	// error if another writer committed since this reader's snapshot.
	BeginWrite() error

	// EndWrite closes the write transaction.
	EndWrite() error

	// Undo rolls back the current write transaction, invoking undo for each
	// page number that must be discarded from the page cache.
	Undo(undo func(Pgno) error) error

	// Savepoint captures the writer's current log position.
	Savepoint() WalSavepoint

	// SavepointUndo rewinds the write transaction to a captured position.
	SavepointUndo(sp WalSavepoint) error

	// WriteFrames appends the dirty pages oldest first. truncateTo is the
	// database image size recorded with the commit frame; commit marks the
	// final frame as a commit boundary and makes the frames durable per
	// syncFlags.
	WriteFrames(pageSize int, pages []*pcache.Page, truncateTo Pgno, commit bool, syncFlags vfs.SyncFlag) error

	// Checkpoint copies committed frames into the database file and resets
	// the log when no reader needs it. Returns the number of frames in the
	// log and the number checkpointed.
	Checkpoint(syncFlags vfs.SyncFlag) (logFrames, backfilled int, err error)

	// Frames reports the current number of frames in the log.
	Frames() uint32

	// Close releases the log. If deleteLog is set and no other connection
	// uses it, the log file is removed.
	Close(deleteLog bool) error
}

// WalSavepoint is an opaque log position used to rewind a write transaction.
type WalSavepoint struct {
	Frame    uint32
	Cksum    [2]uint32
	MaxFrame uint32
}
