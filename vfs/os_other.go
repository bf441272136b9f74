//go:build unix && !linux

package vfs

import "golang.org/x/sys/unix"

// preallocate is a no-op where the platform lacks a keep-size fallocate.
func preallocate(fd int, size int64) {}

func fsync(fd int, flags SyncFlag) error {
	return unix.Fsync(fd)
}
