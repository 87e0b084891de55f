// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package flock guards an engine directory with a POSIX advisory
// lock so at most one process operates on it at a time.
package flock

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/grailbio/pgz/errors"
)

// A Lock is an exclusive advisory lock on a file. The lock is held
// by the file descriptor, so it is released by the kernel if the
// process dies.
type Lock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// New returns an unacquired lock on path. The file is created on
// first acquisition and left in place afterwards.
func New(path string) *Lock {
	return &Lock{path: path}
}

// TryLock acquires the lock without blocking. It returns an error of
// kind Precondition if another process holds the lock.
func (l *Lock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return errors.E(errors.Precondition, "flock: already held", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return errors.E("flock: open", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() // nolint: errcheck
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return errors.E(errors.Precondition, "flock: locked by another process", l.path)
		}
		return errors.E("flock: flock", l.path, err)
	}
	l.f = f
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.E(errors.Precondition, "flock: not held", l.path)
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err != nil {
		return errors.E("flock: unlock", l.path, err)
	}
	return nil
}
