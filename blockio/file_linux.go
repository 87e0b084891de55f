// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"os"

	"golang.org/x/sys/unix"
)

func openFile(path string, flag int, perm os.FileMode, direct bool) (*os.File, error) {
	if direct {
		flag |= unix.O_DIRECT
	}
	return os.OpenFile(path, flag, perm)
}

// datasync flushes data (and the file size, if it changed) to the
// device, skipping unrelated metadata updates.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == unix.EOPNOTSUPP {
		// Filesystem without fallocate support (e.g. tmpfs on old
		// kernels); fall back to extending the file sparsely.
		return extend(f, size)
	}
	return err
}
