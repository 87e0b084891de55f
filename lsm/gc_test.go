// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lsm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/grailbio/pgz/admit"
)

// gcOpts force fast segment rotation: records pad to 4KiB, so a
// 64KiB segment holds 16 of them.
func gcOpts() Options {
	opts := testOpts()
	opts.SegmentSize = 64 << 10
	return opts
}

func collect(t *testing.T, tr *Tree, seg uint32) {
	t.Helper()
	err := tr.collectSegment(context.Background(), seg)
	tr.jmu.Lock()
	tr.collecting = false
	tr.jmu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
}

func TestGCReclaimsOverwrittenSegment(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, gcOpts())
	defer tr.Close(ctx) // nolint: errcheck

	// Fill past the first segment, then overwrite everything so the
	// early segments are mostly garbage after compaction.
	for i := 0; i < 20; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+1), "old")
	}
	flush(t, tr)
	for i := 0; i < 20; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+101), "new")
	}
	flush(t, tr)
	compactOnce(t, tr)

	seg, ok := tr.claimGC()
	if !ok {
		t.Fatal("no GC candidate")
	}
	active, _ := tr.vl.ActiveSegment()
	if seg == active {
		t.Fatalf("claimed active segment %d", seg)
	}
	collect(t, tr, seg)

	// Nothing was relocated, so the barrier clears immediately.
	if !tr.removePendingSegments(ctx) {
		t.Fatal("segment not removed")
	}

	for _, id := range tr.vl.Segments() {
		if id == seg {
			t.Fatalf("segment %d still tracked", seg)
		}
	}
	for _, id := range tr.mnf.State().Segments {
		if id == seg {
			t.Fatalf("segment %d still in manifest", seg)
		}
	}
	if _, err := os.Stat(fmt.Sprintf("%s/%06d.vlog", dir, seg)); !os.IsNotExist(err) {
		t.Errorf("segment file still present: %v", err)
	}
	// Every key still reads its latest value.
	for i := 0; i < 20; i++ {
		v, ok := get(t, tr, fmt.Sprintf("key%03d", i), 1000)
		if !ok {
			t.Fatalf("missing key%03d", i)
		}
		if got, want := v, "new"; got != want {
			t.Errorf("key%03d: got %q, want %q", i, got, want)
		}
	}
}

func TestGCRelocatesLiveValues(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := mustOpenTree(t, dir, gcOpts())
	defer tr.Close(ctx) // nolint: errcheck

	// Segment 1 fills with 16 records; overwrite most but not all,
	// leaving a few live values to relocate.
	for i := 0; i < 16; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+1), fmt.Sprintf("v%03d", i))
	}
	flush(t, tr)
	for i := 4; i < 16; i++ {
		put(t, tr, fmt.Sprintf("key%03d", i), uint64(i+101), "new")
	}
	flush(t, tr)
	compactOnce(t, tr)

	seg, ok := tr.claimGC()
	if !ok {
		t.Fatal("no GC candidate")
	}
	collect(t, tr, seg)

	// With live values relocated into the active MemTable, removal
	// waits for a durable flush. The first pass freezes the MemTable
	// so that flush can happen.
	if tr.removePendingSegments(ctx) {
		t.Fatal("segment removed before relocations were flushed")
	}
	for {
		tr.mu.RLock()
		n := len(tr.frozen)
		tr.mu.RUnlock()
		if n == 0 {
			break
		}
		if err := tr.flushOldest(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if !tr.removePendingSegments(ctx) {
		t.Fatal("segment not removed after barrier cleared")
	}

	// The survivors moved: they resolve to the same value through a
	// pointer outside the victim segment.
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("key%03d", i)
		e, ok, err := tr.Get(ctx, []byte(key), always)
		if err != nil || !ok {
			t.Fatalf("%s: %v %v", key, ok, err)
		}
		if e.Ptr.Segment == seg {
			t.Errorf("%s still points into victim segment", key)
		}
		if v, _ := get(t, tr, key, 1000); v != fmt.Sprintf("v%03d", i) {
			t.Errorf("%s: got %q", key, v)
		}
		// Relocation preserves the original commit timestamp.
		if got, want := e.CommitTs, uint64(i+1); got != want {
			t.Errorf("%s: got ts %v, want %v", key, got, want)
		}
	}
}

// A relocated value larger than the I/O bucket's burst settles its
// throttle debt in installments; one oversized Acquire would fail
// and wedge the segment forever.
func TestGCLargeValueThrottle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := testOpts()
	opts.SegmentSize = 512 << 10
	opts.Governor = admit.GovernorOpts{IORate: 1 << 30, IOBurst: 128 << 10}
	tr := mustOpenTree(t, dir, opts)
	defer tr.Close(ctx) // nolint: errcheck

	// keep and gone fill segment 1; spill forces rotation so the
	// victim is sealed. Overwriting gone leaves the segment below
	// the live ratio threshold with one large survivor.
	put(t, tr, "keep", 1, strings.Repeat("a", 180<<10))
	put(t, tr, "gone", 2, strings.Repeat("b", 260<<10))
	put(t, tr, "spill", 3, strings.Repeat("c", 200<<10))
	flush(t, tr)
	put(t, tr, "gone", 4, "small")
	flush(t, tr)
	compactOnce(t, tr)

	seg, ok := tr.claimGC()
	if !ok {
		t.Fatal("no GC candidate")
	}
	collect(t, tr, seg)

	e, ok, err := tr.Get(ctx, []byte("keep"), always)
	if err != nil || !ok {
		t.Fatalf("keep: %v %v", ok, err)
	}
	if e.Ptr.Segment == seg {
		t.Error("keep still points into victim segment")
	}
	if v, _ := get(t, tr, "keep", 1000); v != strings.Repeat("a", 180<<10) {
		t.Errorf("keep: got %d bytes", len(v))
	}
}
