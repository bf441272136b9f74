package pager

import (
	"errors"
	"fmt"

	"github.com/quarrydb/quarry/pcache"
)

// Sentinel errors returned by pager operations. Callers branch on these with
// errors.Is; everything else is an *IOError or a wrapped lower-level failure.
var (
	// ErrBusy means a required file lock is held by another connection. The
	// operation may be retried; nothing about the pager changed.
	ErrBusy = errors.New("pager: database is locked")

	// ErrBusySnapshot means a read transaction cannot upgrade to a write
	// transaction because the snapshot it reads is stale.
	ErrBusySnapshot = errors.New("pager: snapshot is stale")

	// ErrFull means the database image cannot grow, either because the disk
	// is full or a configured page limit was reached.
	ErrFull = errors.New("pager: database or disk is full")

	// ErrNoMem means a page slot could not be admitted to the cache.
	ErrNoMem = pcache.ErrNoMem

	// ErrCorrupt means the database or journal content is malformed.
	ErrCorrupt = errors.New("pager: database disk image is malformed")

	// ErrMisuse means the operation is illegal in the pager's current state,
	// e.g. writing a page with no write transaction open.
	ErrMisuse = errors.New("pager: operation misuse")

	// ErrReadOnly means a write was attempted on a read-only pager.
	ErrReadOnly = errors.New("pager: attempt to write a readonly database")

	// ErrInvalidPageSize means the requested page size is not a power of two
	// in [512, 65536].
	ErrInvalidPageSize = errors.New("pager: invalid page size")

	// ErrNotFound means a named savepoint does not exist.
	ErrNotFound = errors.New("pager: no such savepoint")
)

// IOError wraps a failed file operation. PossiblyCorrupt is set when the
// failure happened at a point where the database file may hold a mix of old
// and new content, so the caller must not trust the image until the journal
// is played back.
type IOError struct {
	Op              string
	Err             error
	PossiblyCorrupt bool
}

func (e *IOError) Error() string {
	if e.PossiblyCorrupt {
		return fmt.Sprintf("pager: disk I/O error during %s (image possibly corrupt): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pager: disk I/O error during %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ioErr builds an IOError for op.
func ioErr(op string, err error, possiblyCorrupt bool) error {
	return &IOError{Op: op, Err: err, PossiblyCorrupt: possiblyCorrupt}
}

// isBenign reports whether err leaves the pager fully intact, so the error
// state need not latch. Busy and full conditions are always benign.
func isBenign(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrFull) || errors.Is(err, ErrNoMem)
}
