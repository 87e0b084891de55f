// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package blockio provides aligned, cache-bypassing file I/O for
// the pgz engine. Every read and write issued through this package
// covers a whole number of 4KiB blocks at a 4KiB-aligned offset;
// violating this is a programming error and faults the process via
// package must, not a recoverable error. On Linux, files opened
// with the Direct flag bypass the page cache (O_DIRECT); elsewhere
// the flag is advisory. Sync provides strong durability: it forces
// data to physical media, not merely to the drive cache, using
// fdatasync where available.
//
// Short reads and writes are retried internally until the full
// aligned span has been transferred or a fatal I/O error occurs.
// Callers may treat all calls as blocking; cancellation is checked
// at operation boundaries only.
package blockio

import (
	"context"
	"os"

	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/must"
)

// BlockSize is the alignment unit for all I/O issued through this
// package.
const BlockSize = 4096

// Mode is a bitset of file open flags.
type Mode uint

const (
	// ReadWrite opens the file for reading and writing; without it
	// the file is opened read-only.
	ReadWrite Mode = 1 << iota
	// Create creates the file if it does not exist.
	Create
	// Truncate truncates the file upon open.
	Truncate
	// Direct bypasses the OS page cache where the platform
	// supports it.
	Direct
)

// Op identifies an I/O operation for observers.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpSync
)

// String returns a human-readable name for the operation op.
func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSync:
		return "sync"
	}
	return "unknown"
}

// An Observer is invoked for each I/O operation issued on a file.
// It is used by the engine's statistics and by tests that verify
// alignment and inject faults. A non-nil error from the observer is
// returned to the caller in place of performing the operation.
type Observer func(op Op, off int64, length int) error

// File is an open block file. Methods on File are safe for
// concurrent use.
type File struct {
	f       *os.File
	name    string
	direct  bool
	observe Observer
}

// Open opens the file at path according to mode.
func Open(path string, mode Mode) (*File, error) {
	var flag int
	if mode&ReadWrite != 0 {
		flag = os.O_RDWR
	} else {
		flag = os.O_RDONLY
	}
	if mode&Create != 0 {
		flag |= os.O_CREATE
	}
	if mode&Truncate != 0 {
		flag |= os.O_TRUNC
	}
	direct := mode&Direct != 0
	f, err := openFile(path, flag, 0666, direct)
	if err != nil {
		return nil, errors.E(errors.IO, "blockio.Open", path, err)
	}
	return &File{f: f, name: path, direct: direct}, nil
}

// SetObserver installs an observer on the file. It must be called
// before the file is shared across goroutines.
func (f *File) SetObserver(obs Observer) {
	f.observe = obs
}

// Name returns the path with which the file was opened.
func (f *File) Name() string { return f.name }

func checkAligned(p []byte, off int64) {
	must.Truef(off%BlockSize == 0, "blockio: misaligned offset %d", off)
	must.Truef(len(p)%BlockSize == 0, "blockio: misaligned length %d", len(p))
}

// ReadAt reads the full aligned span p from the file at offset off.
// The entire span is transferred, or an error is returned.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) error {
	checkAligned(p, off)
	if err := ctx.Err(); err != nil {
		return errors.E(errors.Canceled, err)
	}
	if f.observe != nil {
		if err := f.observe(OpRead, off, len(p)); err != nil {
			return err
		}
	}
	for len(p) > 0 {
		n, err := f.f.ReadAt(p, off)
		p = p[n:]
		off += int64(n)
		if err != nil {
			return errors.E(errors.IO, "blockio.ReadAt", f.name, err)
		}
	}
	return nil
}

// WriteAt writes the full aligned span p to the file at offset off.
// The entire span is transferred, or an error is returned.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) error {
	checkAligned(p, off)
	if err := ctx.Err(); err != nil {
		return errors.E(errors.Canceled, err)
	}
	if f.observe != nil {
		if err := f.observe(OpWrite, off, len(p)); err != nil {
			return err
		}
	}
	for len(p) > 0 {
		n, err := f.f.WriteAt(p, off)
		p = p[n:]
		off += int64(n)
		if err != nil {
			return errors.E(errors.IO, "blockio.WriteAt", f.name, err)
		}
	}
	return nil
}

// Sync forces the file's data to stable storage.
func (f *File) Sync() error {
	if f.observe != nil {
		if err := f.observe(OpSync, 0, 0); err != nil {
			return err
		}
	}
	if err := datasync(f.f); err != nil {
		return errors.E(errors.IO, "blockio.Sync", f.name, err)
	}
	return nil
}

// Preallocate reserves size bytes of storage for the file, so that
// subsequent appends within the reservation cannot fail for lack of
// space and do not continually extend file metadata.
func (f *File) Preallocate(size int64) error {
	if err := preallocate(f.f, size); err != nil {
		return errors.E(errors.IO, "blockio.Preallocate", f.name, err)
	}
	return nil
}

// Truncate truncates the file to the provided aligned size. It is
// used only by recovery, to discard a torn tail.
func (f *File) Truncate(size int64) error {
	must.Truef(size%BlockSize == 0, "blockio: misaligned truncate to %d", size)
	if err := f.f.Truncate(size); err != nil {
		return errors.E(errors.IO, "blockio.Truncate", f.name, err)
	}
	return nil
}

// Size returns the current size of the file.
func (f *File) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, errors.E(errors.IO, "blockio.Size", f.name, err)
	}
	return info.Size(), nil
}

// Close closes the file.
func (f *File) Close() error {
	if err := f.f.Close(); err != nil {
		return errors.E(errors.IO, "blockio.Close", f.name, err)
	}
	return nil
}

// Remove unlinks the file at path.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return errors.E(errors.IO, "blockio.Remove", path, err)
	}
	return nil
}
