//go:build linux

package vfs

import "golang.org/x/sys/unix"

// preallocate reserves disk space without changing the visible file size.
func preallocate(fd int, size int64) {
	_ = unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size)
}

func fsync(fd int, flags SyncFlag) error {
	if flags == SyncDataOnly {
		return unix.Fdatasync(fd)
	}
	return unix.Fsync(fd)
}
