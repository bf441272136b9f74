//go:build unix

package vfs

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Byte-range lock geometry. All connections, in any process, must agree on
// these offsets for the locking protocol to work, so they are fixed. The
// range sits far beyond any realistic database size; pages that would overlap
// it are never allocated by the pager.
const (
	pendingByte  int64 = 0x40000000
	reservedByte int64 = pendingByte + 1
	sharedFirst  int64 = pendingByte + 2
	sharedSize   int64 = 510
)

// OSFS is the production file system: real files with POSIX advisory locks.
type OSFS struct{}

// NewOSFS returns the OS-backed file system.
func NewOSFS() *OSFS { return &OSFS{} }

// Open opens or creates name.
func (OSFS) Open(name string, readOnly bool) (File, error) {
	var f *os.File
	var err error
	if readOnly {
		f, err = os.OpenFile(name, os.O_RDONLY, 0)
	} else {
		f, err = os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &osFile{f: f}, nil
}

// Delete removes name. Missing files are ignored.
func (OSFS) Delete(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether name exists.
func (OSFS) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type osFile struct {
	mu    sync.Mutex
	f     *os.File
	level LockLevel
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.ReadAt(p, off)
}

func (o *osFile) WriteAt(p []byte, off int64) (int, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.WriteAt(p, off)
}

func (o *osFile) Truncate(size int64) error {
	if o.f == nil {
		return ErrClosed
	}
	return o.f.Truncate(size)
}

func (o *osFile) Sync(flags SyncFlag) error {
	if o.f == nil {
		return ErrClosed
	}
	return fsync(int(o.f.Fd()), flags)
}

func (o *osFile) Size() (int64, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	info, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (o *osFile) SizeHint(size int64) error {
	if o.f == nil {
		return ErrClosed
	}
	// Best effort: reservation failures are not the caller's problem.
	preallocate(int(o.f.Fd()), size)
	return nil
}

func (o *osFile) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	o.level = LockNone
	return err
}

// fcntlLock applies one F_SETLK request and translates contention errors
// into ErrBusy.
func (o *osFile) fcntlLock(typ int16, start, length int64) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	err := unix.FcntlFlock(o.f.Fd(), unix.F_SETLK, &lk)
	switch err {
	case nil:
		return nil
	case unix.EACCES, unix.EAGAIN, unix.EBUSY, unix.EINTR:
		return ErrBusy
	}
	return fmt.Errorf("fcntl lock: %w", err)
}

// Lock upgrades the handle to level using the shared/reserved/pending byte
// ranges. The pending byte is write-locked while upgrading to exclusive so
// that new readers queue behind the writer instead of starving it.
func (o *osFile) Lock(level LockLevel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return ErrClosed
	}
	if o.level >= level {
		return nil
	}

	switch level {
	case LockShared:
		if o.level != LockNone {
			return ErrLockProtocol
		}
		// Momentarily hold a read lock on the pending byte: a writer that
		// has reached PENDING blocks new shared locks here.
		if err := o.fcntlLock(unix.F_RDLCK, pendingByte, 1); err != nil {
			return err
		}
		err := o.fcntlLock(unix.F_RDLCK, sharedFirst, sharedSize)
		// Release the pending byte regardless of the outcome.
		_ = o.fcntlLock(unix.F_UNLCK, pendingByte, 1)
		if err != nil {
			return err
		}
		o.level = LockShared

	case LockReserved:
		if o.level != LockShared {
			return ErrLockProtocol
		}
		if err := o.fcntlLock(unix.F_WRLCK, reservedByte, 1); err != nil {
			return err
		}
		o.level = LockReserved

	case LockExclusive:
		if o.level < LockShared {
			return ErrLockProtocol
		}
		if err := o.fcntlLock(unix.F_WRLCK, pendingByte, 1); err != nil {
			return err
		}
		if err := o.fcntlLock(unix.F_WRLCK, sharedFirst, sharedSize); err != nil {
			// Keep the pending lock: readers drain, the next attempt wins.
			return err
		}
		o.level = LockExclusive

	default:
		return ErrLockProtocol
	}
	return nil
}

// Unlock downgrades the handle to LockShared or LockNone.
func (o *osFile) Unlock(level LockLevel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return ErrClosed
	}
	if level > LockShared {
		return ErrLockProtocol
	}
	if o.level <= level {
		return nil
	}

	if level == LockShared {
		// Downgrade the shared range back to a read lock, then release the
		// reserved and pending bytes.
		if err := o.fcntlLock(unix.F_RDLCK, sharedFirst, sharedSize); err != nil {
			return err
		}
		if err := o.fcntlLock(unix.F_UNLCK, pendingByte, 2); err != nil {
			return err
		}
		o.level = LockShared
		return nil
	}

	if err := o.fcntlLock(unix.F_UNLCK, 0, 0); err != nil {
		return err
	}
	o.level = LockNone
	return nil
}

// CheckReservedLock reports whether any connection holds a reserved or
// greater lock on the file.
func (o *osFile) CheckReservedLock() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return false, ErrClosed
	}
	if o.level >= LockReserved {
		return true, nil
	}
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  reservedByte,
		Len:    1,
	}
	if err := unix.FcntlFlock(o.f.Fd(), unix.F_GETLK, &lk); err != nil {
		return false, fmt.Errorf("fcntl getlk: %w", err)
	}
	return lk.Type != unix.F_UNLCK, nil
}
