// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package manifest

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/grailbio/pgz/errors"
)

func mustOpen(t *testing.T, dir string, opts Options) *Manifest {
	t.Helper()
	m, err := Open(context.Background(), dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func manifestFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "MANIFEST-*"))
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func TestCreateAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := mustOpen(t, dir, Options{})
	seg := m.AllocSegment()
	if got, want := seg, uint32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	id := m.AllocTableID()
	meta := TableMeta{
		ID:          id,
		Smallest:    []byte("a"),
		Largest:     []byte("z"),
		Entries:     100,
		Size:        4096,
		MaxCommitTs: 42,
	}
	if err := m.Apply(ctx, AddSegment(seg), AddTable(0, meta)); err != nil {
		t.Fatal(err)
	}
	want := m.State()
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}

	m = mustOpen(t, dir, Options{})
	defer m.Close(ctx) // nolint: errcheck
	if got := m.State(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	// Allocation high-water marks survive reload.
	if got, want := m.AllocSegment(), uint32(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := m.AllocTableID(), id+1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAtomicBatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := mustOpen(t, dir, Options{})
	old := TableMeta{ID: m.AllocTableID(), Smallest: []byte("a"), Largest: []byte("m")}
	if err := m.Apply(ctx, AddTable(0, old)); err != nil {
		t.Fatal(err)
	}
	// A compaction-style swap: outputs in, inputs out, one record.
	out := TableMeta{ID: m.AllocTableID(), Smallest: []byte("a"), Largest: []byte("m")}
	if err := m.Apply(ctx, AddTable(1, out), RemoveTable(0, old.ID)); err != nil {
		t.Fatal(err)
	}
	want := m.State()
	if got := len(want.Levels[0]); got != 0 {
		t.Errorf("got %v tables in L0, want 0", got)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	m = mustOpen(t, dir, Options{})
	defer m.Close(ctx) // nolint: errcheck
	if got := m.State(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCheckpointRotation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := mustOpen(t, dir, Options{CheckpointEvery: 4})
	for i := 0; i < 10; i++ {
		if err := m.Apply(ctx, AddSegment(m.AllocSegment())); err != nil {
			t.Fatal(err)
		}
	}
	// Two automatic checkpoints have rotated the log; only the
	// current generation remains.
	if got, want := len(manifestFiles(t, dir)), 1; got != want {
		t.Errorf("got %v manifest files, want %v", got, want)
	}
	want := m.State()
	if got, want := len(want.Segments), 10; got != want {
		t.Errorf("got %v segments, want %v", got, want)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	m = mustOpen(t, dir, Options{})
	defer m.Close(ctx) // nolint: errcheck
	if got := m.State(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestAdvanceEpoch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := mustOpen(t, dir, Options{})
	if err := m.Apply(ctx, AdvanceEpoch(7)); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	m = mustOpen(t, dir, Options{})
	defer m.Close(ctx) // nolint: errcheck
	if got, want := m.Epoch(), uint64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTornTailTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := mustOpen(t, dir, Options{})
	if err := m.Apply(ctx, AddSegment(m.AllocSegment())); err != nil {
		t.Fatal(err)
	}
	want := m.State()
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: garbage past the last record.
	files := manifestFiles(t, dir)
	if len(files) != 1 {
		t.Fatal(files)
	}
	f, err := os.OpenFile(files[0], os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	junk := make([]byte, 4096)
	for i := range junk {
		junk[i] = 0xff
	}
	if _, err := f.Write(junk); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	m = mustOpen(t, dir, Options{})
	if got := m.State(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	// The log is writable again after truncation.
	if err := m.Apply(ctx, AddSegment(m.AllocSegment())); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	m = mustOpen(t, dir, Options{})
	defer m.Close(ctx) // nolint: errcheck
	if got, want := len(m.State().Segments), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSuperblockFailover(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := mustOpen(t, dir, Options{})
	if err := m.Apply(ctx, AddSegment(m.AllocSegment())); err != nil {
		t.Fatal(err)
	}
	want := m.State()
	// Close checkpoints, so both superblock copies are now valid.
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}

	flip := func(off int64) {
		f, err := os.OpenFile(filepath.Join(dir, superblockFile), os.O_RDWR, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		b := make([]byte, 1)
		if _, err := f.ReadAt(b, off); err != nil {
			t.Fatal(err)
		}
		b[0] ^= 0xff
		if _, err := f.WriteAt(b, off); err != nil {
			t.Fatal(err)
		}
	}

	// Corrupt the older copy: the newer one carries the store.
	flip(1*4096 + 8)
	m = mustOpen(t, dir, Options{})
	if got := m.State(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if err := m.closeFiles(ctx); err != nil {
		t.Fatal(err)
	}

	// Corrupt the remaining copy too: the store is unreadable.
	flip(0*4096 + 8)
	if _, err := Open(ctx, dir, Options{}); !errors.Is(errors.Corruption, err) {
		t.Errorf("got %v, want Corruption", err)
	}
}
