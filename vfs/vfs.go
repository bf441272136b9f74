// Package vfs defines the file-system capability consumed by the pager: page
// aligned reads and writes, durability syncs, and the three-level advisory
// locking protocol (shared, reserved, exclusive) that coordinates independent
// connections to the same database file.
package vfs

import "errors"

// LockLevel is the advisory lock held on a database file. Levels are ordered:
// a connection holding LockExclusive also satisfies every lower level.
type LockLevel int

const (
	// LockNone - no lock is held.
	LockNone LockLevel = iota

	// LockShared - the file may be read. Any number of connections may hold
	// a shared lock at once.
	LockShared

	// LockReserved - the connection intends to write. At most one reserved
	// lock may exist, and it coexists with shared locks.
	LockReserved

	// LockExclusive - the file may be written. No other lock of any level
	// may coexist with an exclusive lock.
	LockExclusive
)

// String returns the lock level name used in logs and errors.
func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockReserved:
		return "reserved"
	case LockExclusive:
		return "exclusive"
	}
	return "unknown"
}

// SyncFlag selects how hard Sync pushes data to stable storage.
type SyncFlag int

const (
	// SyncNormal requests an ordinary fsync.
	SyncNormal SyncFlag = iota

	// SyncFull additionally requests that the drive flush its own cache
	// where the platform can express that (F_FULLFSYNC on darwin). On other
	// platforms it behaves like SyncNormal.
	SyncFull

	// SyncDataOnly requests fdatasync semantics: file content must be
	// durable but metadata updates may be deferred.
	SyncDataOnly
)

// Common errors returned by File implementations.
var (
	// ErrBusy indicates a lock could not be acquired because another
	// connection holds a conflicting lock. Callers retry via their busy
	// handler or surface the condition.
	ErrBusy = errors.New("file is locked")

	// ErrLockProtocol indicates a lock request skipped a required level,
	// e.g. asking for Reserved without holding Shared.
	ErrLockProtocol = errors.New("lock protocol violation")

	// ErrClosed indicates an operation on a closed file handle.
	ErrClosed = errors.New("file is closed")
)

// File is one open handle on a database, journal, or log file.
//
// ReadAt must return io.EOF (possibly with a short read) when reading past
// the end of the file; the pager treats short reads of pages beyond the file
// extent as zero-filled.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Truncate sets the file to exactly size bytes.
	Truncate(size int64) error

	// Sync forces written data to stable storage.
	Sync(flags SyncFlag) error

	// Size returns the current file size in bytes.
	Size() (int64, error)

	// Lock upgrades the handle's lock to level. Levels must be acquired in
	// order (None -> Shared -> Reserved -> Exclusive), except that Shared
	// may upgrade directly to Exclusive. Returns ErrBusy on contention.
	Lock(level LockLevel) error

	// Unlock downgrades the handle's lock to level (LockShared or LockNone).
	Unlock(level LockLevel) error

	// CheckReservedLock reports whether any connection, including this one,
	// holds a reserved or greater lock on the file.
	CheckReservedLock() (bool, error)

	// SizeHint tells the implementation the file is expected to grow to
	// size bytes, so space can be reserved ahead of the writes. Advisory;
	// implementations may ignore it.
	SizeHint(size int64) error

	Close() error
}

// FS opens and removes files. The pager only ever addresses files by name
// through an FS, so tests can substitute an in-memory implementation.
type FS interface {
	// Open opens or creates the named file. With readOnly set the file must
	// exist and writes fail.
	Open(name string, readOnly bool) (File, error)

	// Delete removes the named file. Deleting a missing file is not an
	// error.
	Delete(name string) error

	// Exists reports whether the named file exists.
	Exists(name string) (bool, error)
}
