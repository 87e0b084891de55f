// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lsm

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/grailbio/pgz/log"
	"github.com/grailbio/pgz/manifest"
	"github.com/grailbio/pgz/sstable"
)

// claimGC picks the sealed segment most worth collecting: any
// candidate below the live ratio threshold or past the age
// threshold, preferring the one with the most garbage. One GC runs
// at a time.
func (t *Tree) claimGC() (uint32, bool) {
	t.jmu.Lock()
	defer t.jmu.Unlock()
	if t.collecting {
		return 0, false
	}
	active, _ := t.vl.ActiveSegment()
	t.mu.RLock()
	pending := make(map[uint32]bool, len(t.pending))
	for _, p := range t.pending {
		pending[p.seg] = true
	}
	t.mu.RUnlock()

	var (
		best        uint32
		bestGarbage int64 = -1
	)
	for _, id := range t.vl.Segments() {
		if id == active || pending[id] {
			continue
		}
		st := t.vl.Stats(id)
		occupied := st.Live + st.Garbage
		if occupied == 0 || st.Garbage == 0 {
			continue
		}
		ratio := float64(st.Live) / float64(occupied)
		if ratio >= t.opts.GCLiveRatio && time.Since(st.Created) < t.opts.GCAge {
			continue
		}
		if st.Garbage > bestGarbage {
			best, bestGarbage = id, st.Garbage
		}
	}
	if bestGarbage < 0 {
		return 0, false
	}
	t.collecting = true
	return best, true
}

// collectSegment relocates every live value in seg to the tail of
// the value log, re-inserting each version into the active MemTable
// with its original commit timestamp and the new address. Reads from
// any snapshot resolve the MemTable version first, so the old
// address goes unreferenced as soon as the insert lands. The segment
// file itself is only removed later, once the relocated entries are
// durably flushed and every snapshot that might still chase the old
// pointers has closed.
func (t *Tree) collectSegment(ctx context.Context, seg uint32) error {
	it := t.Iter()
	defer it.Close()
	var (
		prev      sstable.Entry
		relocated int
		ioDebt    int
		cpuDebt   int
	)
	for it.Seek(ctx, nil); it.Valid(); it.Next(ctx) {
		e := it.Entry()
		if bytes.Equal(e.Key, prev.Key) && e.CommitTs == prev.CommitTs {
			continue
		}
		prev.Key = append(prev.Key[:0], e.Key...)
		prev.CommitTs = e.CommitTs
		if e.Ptr.IsZero() || e.Ptr.Segment != seg {
			continue
		}
		ioDebt += 2 * int(e.Ptr.Length)
		cpuDebt++
		if err := t.pay(ctx, &ioDebt, &cpuDebt); err != nil {
			return err
		}
		payload, err := t.vl.Read(ctx, e.Ptr)
		if err != nil {
			return err
		}
		newPtr, err := t.vl.Append(ctx, payload)
		if err != nil {
			return err
		}
		t.vl.MarkGarbage(e.Ptr)
		t.Apply(e.Key, e.CommitTs, newPtr)
		relocated++
	}
	if err := it.Err(); err != nil {
		return err
	}
	if err := t.vl.Sync(); err != nil {
		return err
	}

	// Gate removal on the relocations becoming durable and on all
	// snapshots that predate them draining. Relocated entries sit in
	// the active MemTable, whose seq on freeze will be memSeq+1.
	t.mu.Lock()
	barrier := t.memSeq
	if relocated > 0 {
		barrier = t.memSeq + 1
	}
	t.pending = append(t.pending, pendingRemoval{seg: seg, memSeq: barrier, ts: t.maxTs})
	t.mu.Unlock()
	atomic.AddUint64(&t.gcRuns, 1)
	log.Debug.Printf("lsm: gc relocated %d values out of segment %08d", relocated, seg)
	t.kickBg()
	return nil
}

// removePendingSegments deletes GC'd segments whose barriers have
// cleared. If a barrier is stuck behind an idle active MemTable, the
// MemTable is frozen so the flush can proceed.
func (t *Tree) removePendingSegments(ctx context.Context) bool {
	floor := t.snapshotFloor()
	t.mu.Lock()
	var (
		ready []uint32
		keep  []pendingRemoval
	)
	needFlush := false
	for _, p := range t.pending {
		if t.flushedSeq >= p.memSeq && floor > p.ts {
			ready = append(ready, p.seg)
			continue
		}
		if t.flushedSeq < p.memSeq && len(t.frozen) == 0 {
			needFlush = true
		}
		keep = append(keep, p)
	}
	t.pending = keep
	if needFlush {
		t.freezeLocked()
	}
	t.mu.Unlock()

	for _, seg := range ready {
		// The epoch bump records that pointers into this segment are
		// invalid from here on.
		if err := t.mnf.Apply(ctx, manifest.RemoveSegment(seg), manifest.AdvanceEpoch(t.mnf.Epoch()+1)); err != nil {
			log.Error.Printf("lsm: removing segment %08d from manifest: %v", seg, err)
			t.mu.Lock()
			t.pending = append(t.pending, pendingRemoval{seg: seg})
			t.mu.Unlock()
			continue
		}
		if err := t.vl.RemoveSegment(seg); err != nil {
			log.Error.Printf("lsm: removing segment %08d: %v", seg, err)
		}
	}
	return len(ready) > 0
}
