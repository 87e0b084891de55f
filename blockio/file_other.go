// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build !linux

package blockio

import "os"

func openFile(path string, flag int, perm os.FileMode, direct bool) (*os.File, error) {
	// O_DIRECT is unavailable; the Direct flag is advisory here.
	// Alignment preconditions are enforced regardless, so files
	// written on this platform read back identically on Linux.
	return os.OpenFile(path, flag, perm)
}

func datasync(f *os.File) error {
	return f.Sync()
}

func preallocate(f *os.File, size int64) error {
	return extend(f, size)
}
