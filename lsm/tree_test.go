// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/pgz/vlog"
)

func testOpts() Options {
	return Options{
		SegmentSize:       1 << 20,
		L0CompactTrigger:  2,
		BaseLevelSize:     1 << 20,
		DisableBackground: true,
	}
}

func mustOpenTree(t *testing.T, dir string, opts Options) *Tree {
	t.Helper()
	ctx := context.Background()
	tr, err := Open(ctx, dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.FinishRecovery(ctx); err != nil {
		t.Fatal(err)
	}
	return tr
}

func put(t *testing.T, tr *Tree, key string, ts uint64, value string) {
	t.Helper()
	ptr, err := tr.AppendValue(context.Background(), []byte(value))
	if err != nil {
		t.Fatal(err)
	}
	tr.Apply([]byte(key), ts, ptr)
}

func del(tr *Tree, key string, ts uint64) {
	tr.Apply([]byte(key), ts, vlog.Pointer{})
}

// get resolves key at readTs down to its value, or ok=false for
// absent keys and tombstones.
func get(t *testing.T, tr *Tree, key string, readTs uint64) (string, bool) {
	t.Helper()
	ctx := context.Background()
	e, ok, err := tr.Get(ctx, []byte(key), func(ts uint64) bool { return ts <= readTs })
	if err != nil {
		t.Fatal(err)
	}
	if !ok || e.Tombstone() {
		return "", false
	}
	v, err := tr.ReadValue(ctx, e.Ptr)
	if err != nil {
		t.Fatal(err)
	}
	return string(v), true
}

func freezeActive(tr *Tree) {
	tr.mu.Lock()
	tr.freezeLocked()
	tr.mu.Unlock()
}

func flush(t *testing.T, tr *Tree) {
	t.Helper()
	freezeActive(tr)
	if err := tr.flushOldest(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTreeBasic(t *testing.T) {
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts())
	for i := 0; i < 100; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+1), fmt.Sprintf("value%03d", i))
	}
	for i := 0; i < 100; i++ {
		v, ok := get(t, tr, fmt.Sprintf("key%03d", i), 1000)
		if !ok {
			t.Fatalf("missing key%03d", i)
		}
		if got, want := v, fmt.Sprintf("value%03d", i); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, ok := get(t, tr, "absent", 1000); ok {
		t.Error("found absent key")
	}
	// Below every commit ts nothing is visible.
	if _, ok := get(t, tr, "key000", 0); ok {
		t.Error("found key below all commit timestamps")
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTreeFlushAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts())
	for i := 0; i < 200; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+1), fmt.Sprintf("value%03d", i))
	}
	if err := tr.Close(ctx); err != nil {
		t.Fatal(err)
	}

	tr = mustOpenTree(t, dir, testOpts())
	defer tr.Close(ctx) // nolint: errcheck
	if got, want := tr.Stats().FrozenMemTables, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := tr.Stats().Levels; len(got) == 0 || got[0].Tables == 0 {
		t.Fatalf("expected L0 tables after reopen, got %+v", got)
	}
	for i := 0; i < 200; i++ {
		v, ok := get(t, tr, fmt.Sprintf("key%03d", i), 1000)
		if !ok {
			t.Fatalf("missing key%03d after reopen", i)
		}
		if got, want := v, fmt.Sprintf("value%03d", i); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	// Accounting was rebuilt: the sealed segments' bytes are
	// accounted live.
	var live int64
	for _, id := range tr.vl.Segments() {
		live += tr.vl.Stats(id).Live
	}
	if live == 0 {
		t.Error("expected live bytes after accounting rebuild")
	}
}

func TestTreeOverwriteAcrossStrata(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts())
	defer tr.Close(ctx) // nolint: errcheck

	put(t, tr, "k", 10, "old")
	flush(t, tr)
	put(t, tr, "k", 20, "new")

	if v, _ := get(t, tr, "k", 100); v != "new" {
		t.Errorf("got %q, want %q", v, "new")
	}
	if v, _ := get(t, tr, "k", 15); v != "old" {
		t.Errorf("got %q, want %q", v, "old")
	}

	// Newer L0 table shadows older for the same key.
	flush(t, tr)
	if v, _ := get(t, tr, "k", 100); v != "new" {
		t.Errorf("got %q, want %q", v, "new")
	}
}

func TestTreeDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts())
	defer tr.Close(ctx) // nolint: errcheck

	put(t, tr, "k", 10, "v")
	del(tr, "k", 20)
	if _, ok := get(t, tr, "k", 100); ok {
		t.Error("deleted key visible")
	}
	if v, ok := get(t, tr, "k", 15); !ok || v != "v" {
		t.Errorf("got %q %v, want pre-delete version", v, ok)
	}
	// The tombstone survives a flush.
	flush(t, tr)
	if _, ok := get(t, tr, "k", 100); ok {
		t.Error("deleted key visible after flush")
	}
}

func TestTreeScan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts())
	defer tr.Close(ctx) // nolint: errcheck

	for i := 0; i < 50; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+1), "v")
	}
	flush(t, tr)
	for i := 50; i < 100; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+1), "v")
	}

	it := tr.Iter()
	defer it.Close()
	n := 0
	for it.Seek(ctx, nil); it.Valid(); it.Next(ctx) {
		if got, want := string(it.Entry().Key), fmt.Sprintf("key%03d", n); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		n++
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if got, want := n, 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTreeCorruptTableExcluded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts())
	put(t, tr, "k", 10, "v")
	if err := tr.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// Smash the table footer. The tree still opens; the table is
	// excluded from reads.
	paths, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil || len(paths) != 1 {
		t.Fatalf("globbing tables: %v %v", paths, err)
	}
	path := paths[0]
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-1] ^= 0xff
	if err := os.WriteFile(path, buf, 0666); err != nil {
		t.Fatal(err)
	}

	tr = mustOpenTree(t, dir, testOpts())
	defer tr.Close(ctx) // nolint: errcheck
	if _, ok := get(t, tr, "k", 100); ok {
		t.Error("read served from excluded table")
	}
}
