package vfs

import (
	"fmt"
	"io"
	"sync"
)

// MemFS is an in-memory file system. It honors the full locking protocol
// across handles, so tests can exercise reader/writer contention between
// "connections" without touching the disk. It also backs in-memory databases.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memNode
}

// NewMemFS returns an empty in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]*memNode)}
}

type memNode struct {
	mu       sync.Mutex
	data     []byte
	nShared  int
	reserved *memFile // handle holding the reserved lock, if any
	excl     *memFile // handle holding the exclusive lock, if any
}

// Open opens or creates name.
func (m *MemFS) Open(name string, readOnly bool) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.files[name]
	if !ok {
		if readOnly {
			return nil, fmt.Errorf("open %s: file does not exist", name)
		}
		node = &memNode{}
		m.files[name] = node
	}
	return &memFile{node: node, name: name, readOnly: readOnly}, nil
}

// Delete removes name. Open handles keep their node, like an unlinked file.
func (m *MemFS) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

// Exists reports whether name exists.
func (m *MemFS) Exists(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok, nil
}

type memFile struct {
	mu       sync.Mutex
	node     *memNode
	name     string
	readOnly bool
	level    LockLevel
	closed   bool
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.node.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.readOnly {
		return 0, fmt.Errorf("write %s: read-only file", f.name)
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.node.data)) {
		grown := make([]byte, end)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	copy(f.node.data[off:], p)
	return len(p), nil
}

func (f *memFile) Truncate(size int64) error {
	if f.closed {
		return ErrClosed
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if size <= int64(len(f.node.data)) {
		f.node.data = f.node.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	return nil
}

func (f *memFile) Sync(SyncFlag) error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

func (f *memFile) Size() (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	return int64(len(f.node.data)), nil
}

func (f *memFile) SizeHint(int64) error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

func (f *memFile) Lock(level LockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.level >= level {
		return nil
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	switch level {
	case LockShared:
		if f.level != LockNone {
			return ErrLockProtocol
		}
		if f.node.excl != nil {
			return ErrBusy
		}
		f.node.nShared++
		f.level = LockShared

	case LockReserved:
		if f.level != LockShared {
			return ErrLockProtocol
		}
		if f.node.reserved != nil || f.node.excl != nil {
			return ErrBusy
		}
		f.node.reserved = f
		f.level = LockReserved

	case LockExclusive:
		if f.level < LockShared {
			return ErrLockProtocol
		}
		if f.node.excl != nil {
			return ErrBusy
		}
		if f.node.reserved != nil && f.node.reserved != f {
			return ErrBusy
		}
		if f.node.nShared > 1 {
			// Other readers still hold shared locks.
			return ErrBusy
		}
		f.node.excl = f
		f.level = LockExclusive

	default:
		return ErrLockProtocol
	}
	return nil
}

func (f *memFile) Unlock(level LockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if level > LockShared {
		return ErrLockProtocol
	}
	if f.level <= level {
		return nil
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	f.unlockTo(level)
	return nil
}

// unlockTo downgrades with both mutexes held.
func (f *memFile) unlockTo(level LockLevel) {
	if f.node.excl == f {
		f.node.excl = nil
	}
	if f.node.reserved == f {
		f.node.reserved = nil
	}
	if level == LockNone && f.level >= LockShared {
		f.node.nShared--
	}
	f.level = level
}

func (f *memFile) CheckReservedLock() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	return f.node.reserved != nil || f.node.excl != nil, nil
}

func (f *memFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.node.mu.Lock()
	f.unlockTo(LockNone)
	f.node.mu.Unlock()
	f.closed = true
	return nil
}
