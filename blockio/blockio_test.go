// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/must"
)

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	f, err := Open(filepath.Join(t.TempDir(), "data"), ReadWrite|Create)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := AlignedBuf(3 * BlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := f.WriteAt(ctx, buf, BlockSize); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatal(err)
	}
	got := AlignedBuf(3 * BlockSize)
	if err := f.ReadAt(ctx, got, BlockSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, buf) {
		t.Error("read data differs from written data")
	}
	size, err := f.Size()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := size, int64(4*BlockSize); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAlignmentFault(t *testing.T) {
	// Capture must faults instead of panicking.
	var faults int
	defer func(f func(int, ...interface{})) { must.Func = f }(must.Func)
	must.Func = func(int, ...interface{}) { faults++ }

	ctx := context.Background()
	f, err := Open(filepath.Join(t.TempDir(), "data"), ReadWrite|Create)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := AlignedBuf(BlockSize)
	f.WriteAt(ctx, buf[:100], 0)      // misaligned length
	f.WriteAt(ctx, buf, 17)           // misaligned offset
	f.ReadAt(ctx, buf[:BlockSize-1], 0)
	if got, want := faults, 3; got != want {
		t.Errorf("got %v faults, want %v", got, want)
	}
}

func TestObserver(t *testing.T) {
	ctx := context.Background()
	f, err := Open(filepath.Join(t.TempDir(), "data"), ReadWrite|Create)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var ops []Op
	f.SetObserver(func(op Op, off int64, length int) error {
		if off%BlockSize != 0 || length%BlockSize != 0 {
			t.Errorf("observer saw misaligned %v at %d+%d", op, off, length)
		}
		ops = append(ops, op)
		return nil
	})
	buf := AlignedBuf(BlockSize)
	if err := f.WriteAt(ctx, buf, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := f.ReadAt(ctx, buf, 0); err != nil {
		t.Fatal(err)
	}
	want := []Op{OpWrite, OpSync, OpRead}
	if len(ops) != len(want) {
		t.Fatalf("got %v ops, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op %d: got %v, want %v", i, ops[i], want[i])
		}
	}
}

func TestObserverFault(t *testing.T) {
	ctx := context.Background()
	f, err := Open(filepath.Join(t.TempDir(), "data"), ReadWrite|Create)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	injected := errors.E(errors.IO, "injected fault")
	f.SetObserver(func(op Op, off int64, length int) error {
		if op == OpSync {
			return injected
		}
		return nil
	})
	buf := AlignedBuf(BlockSize)
	if err := f.WriteAt(ctx, buf, 0); err != nil {
		t.Fatal(err)
	}
	if got := f.Sync(); got != injected {
		t.Errorf("got %v, want injected fault", got)
	}
}

func TestAlignedBuf(t *testing.T) {
	for _, n := range []int{BlockSize, 4 * BlockSize, 32 * BlockSize} {
		buf := AlignedBuf(n)
		if got, want := len(buf), n; got != want {
			t.Errorf("got len %v, want %v", got, want)
		}
		if addr := uintptr(unsafe.Pointer(&buf[0])); addr%BlockSize != 0 {
			t.Errorf("buffer not aligned: %#x", addr)
		}
	}
}

func TestPreallocate(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "data"), ReadWrite|Create)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Preallocate(64 * BlockSize); err != nil {
		t.Fatal(err)
	}
}

func TestRound(t *testing.T) {
	for _, c := range []struct{ in, up, down int64 }{
		{0, 0, 0},
		{1, BlockSize, 0},
		{BlockSize, BlockSize, BlockSize},
		{BlockSize + 1, 2 * BlockSize, BlockSize},
	} {
		if got, want := RoundUp(c.in), c.up; got != want {
			t.Errorf("RoundUp(%d): got %v, want %v", c.in, got, want)
		}
		if got, want := RoundDown(c.in), c.down; got != want {
			t.Errorf("RoundDown(%d): got %v, want %v", c.in, got, want)
		}
	}
}
