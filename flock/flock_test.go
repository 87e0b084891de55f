// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package flock_test

import (
	"path/filepath"
	"testing"

	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/flock"
)

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	l := flock.New(path)
	for i := 0; i < 3; i++ {
		if err := l.TryLock(); err != nil {
			t.Fatal(err)
		}
		if err := l.Unlock(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLockExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	l1, l2 := flock.New(path), flock.New(path)
	if err := l1.TryLock(); err != nil {
		t.Fatal(err)
	}
	err := l2.TryLock()
	if got, want := errors.Is(errors.Precondition, err), true; got != want {
		t.Fatalf("got %v, want contention error", err)
	}
	if err := l1.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := l2.TryLock(); err != nil {
		t.Fatal(err)
	}
	if err := l2.Unlock(); err != nil {
		t.Fatal(err)
	}
}

func TestUnlockNotHeld(t *testing.T) {
	l := flock.New(filepath.Join(t.TempDir(), "LOCK"))
	if err := l.Unlock(); err == nil {
		t.Fatal("expected error")
	}
}
