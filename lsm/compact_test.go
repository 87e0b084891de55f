// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lsm

import (
	"context"
	"fmt"
	"testing"
)

func compactOnce(t *testing.T, tr *Tree) {
	t.Helper()
	lvl, ok := tr.claimCompaction()
	if !ok {
		t.Fatal("no compaction claimable")
	}
	err := tr.compact(context.Background(), lvl)
	tr.jmu.Lock()
	tr.compacting = false
	tr.jmu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
}

func TestCompactTiered(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts())
	defer tr.Close(ctx) // nolint: errcheck

	for i := 0; i < 100; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+1), "a")
	}
	flush(t, tr)
	for i := 50; i < 150; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+101), "b")
	}
	flush(t, tr)

	compactOnce(t, tr)
	s := tr.Stats()
	if got, want := s.Levels[0].Tables, 0; got != want {
		t.Errorf("got %v L0 tables, want %v", got, want)
	}
	if s.Levels[1].Tables == 0 {
		t.Fatal("expected L1 tables")
	}
	for i := 0; i < 150; i++ {
		want := "a"
		if i >= 50 {
			want = "b"
		}
		v, ok := get(t, tr, fmt.Sprintf("key%03d", i), 1000)
		if !ok {
			t.Fatalf("missing key%03d", i)
		}
		if v != want {
			t.Errorf("key%03d: got %q, want %q", i, v, want)
		}
	}
	// The manifest agrees with the in-memory levels.
	state := tr.mnf.State()
	if got, want := len(state.Levels[0]), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(state.Levels[1]), s.Levels[1].Tables; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCompactDropsShadowedVersions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts()) // SafeTs nil: no snapshots held
	defer tr.Close(ctx)                    // nolint: errcheck

	put(t, tr, "k", 10, "old")
	flush(t, tr)
	put(t, tr, "k", 20, "new")
	flush(t, tr)
	compactOnce(t, tr)

	if v, _ := get(t, tr, "k", 100); v != "new" {
		t.Errorf("got %q, want %q", v, "new")
	}
	// The shadowed version is gone.
	if _, ok := get(t, tr, "k", 15); ok {
		t.Error("shadowed version survived compaction")
	}
	// And its value bytes are accounted garbage somewhere.
	var garbage int64
	for _, id := range tr.vl.Segments() {
		garbage += tr.vl.Stats(id).Garbage
	}
	if garbage == 0 {
		t.Error("expected garbage after dropping shadowed version")
	}
}

func TestCompactKeepsSnapshotVisibleVersions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := testOpts()
	opts.SafeTs = func() uint64 { return 15 } // a snapshot at ts 15 stays open
	tr := mustOpenTree(t, dir, opts)
	defer tr.Close(ctx) // nolint: errcheck

	put(t, tr, "k", 10, "old")
	flush(t, tr)
	put(t, tr, "k", 20, "new")
	flush(t, tr)
	compactOnce(t, tr)

	if v, ok := get(t, tr, "k", 15); !ok || v != "old" {
		t.Errorf("got %q %v, want snapshot-visible version", v, ok)
	}
}

func TestCompactDropsTombstonesAtBottom(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, testOpts())
	defer tr.Close(ctx) // nolint: errcheck

	put(t, tr, "gone", 10, "v")
	put(t, tr, "kept", 11, "v")
	flush(t, tr)
	del(tr, "gone", 20)
	flush(t, tr)
	compactOnce(t, tr)

	if _, ok := get(t, tr, "gone", 1000); ok {
		t.Error("deleted key visible")
	}
	it := tr.Iter()
	defer it.Close()
	n := 0
	for it.Seek(ctx, nil); it.Valid(); it.Next(ctx) {
		if got, want := string(it.Entry().Key), "kept"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		n++
	}
	if got, want := n, 1; got != want {
		t.Errorf("got %v entries, want %v", got, want)
	}
}

func TestCompactLeveled(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := testOpts()
	opts.BaseLevelSize = 1 // L1 always overflows
	tr := mustOpenTree(t, dir, opts)
	defer tr.Close(ctx) // nolint: errcheck

	for i := 0; i < 100; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+1), "a")
	}
	flush(t, tr)
	for i := 0; i < 100; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+101), "b")
	}
	flush(t, tr)
	compactOnce(t, tr) // tiered into L1
	compactOnce(t, tr) // leveled into L2

	s := tr.Stats()
	if len(s.Levels) < 3 || s.Levels[2].Tables == 0 {
		t.Fatalf("expected L2 tables, got %+v", s.Levels)
	}
	for i := 0; i < 100; i++ {
		v, ok := get(t, tr, fmt.Sprintf("key%03d", i), 1000)
		if !ok {
			t.Fatalf("missing key%03d", i)
		}
		if got, want := v, "b"; got != want {
			t.Errorf("key%03d: got %q, want %q", i, got, want)
		}
	}
}
