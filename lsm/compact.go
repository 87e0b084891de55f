// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lsm

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/grailbio/pgz/admit"
	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/log"
	"github.com/grailbio/pgz/manifest"
	"github.com/grailbio/pgz/retry"
	"github.com/grailbio/pgz/sstable"
	"github.com/grailbio/pgz/vlog"
)

var flushRetry = retry.Backoff(100*time.Millisecond, 10*time.Second, 2)

func (t *Tree) startBackground() {
	for i := 0; i < t.opts.Workers; i++ {
		t.bgWG.Add(1)
		go t.backgroundWorker()
	}
}

func (t *Tree) backgroundWorker() {
	defer t.bgWG.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-t.bgCtx.Done():
			return
		case <-t.kick:
		case <-tick.C:
		}
		for t.runOneJob(t.bgCtx) {
			if t.bgCtx.Err() != nil {
				return
			}
		}
	}
}

// runOneJob claims and runs at most one maintenance job, highest
// priority first. It reports whether any work was done.
func (t *Tree) runOneJob(ctx context.Context) bool {
	if t.claimFlush() {
		err := t.flushWithRetry(ctx)
		t.jmu.Lock()
		t.flushing = false
		t.jmu.Unlock()
		if err != nil && ctx.Err() == nil {
			log.Error.Printf("lsm: flush: %v", err)
		}
		return true
	}
	if lvl, ok := t.claimCompaction(); ok {
		err := t.compact(ctx, lvl)
		t.jmu.Lock()
		t.compacting = false
		t.jmu.Unlock()
		if err != nil && ctx.Err() == nil {
			log.Error.Printf("lsm: compaction L%d: %v", lvl, err)
		}
		return true
	}
	if t.removePendingSegments(ctx) {
		return true
	}
	if seg, ok := t.claimGC(); ok {
		err := t.collectSegment(ctx, seg)
		t.jmu.Lock()
		t.collecting = false
		t.jmu.Unlock()
		if err != nil && ctx.Err() == nil {
			log.Error.Printf("lsm: gc segment %08d: %v", seg, err)
		}
		return true
	}
	return false
}

func (t *Tree) claimFlush() bool {
	t.jmu.Lock()
	defer t.jmu.Unlock()
	if t.flushing {
		return false
	}
	t.mu.RLock()
	n := len(t.frozen)
	t.mu.RUnlock()
	if n == 0 {
		return false
	}
	t.flushing = true
	return true
}

func (t *Tree) flushWithRetry(ctx context.Context) error {
	for retries := 0; ; retries++ {
		err := t.flushOldest(ctx)
		if err == nil || errors.Is(errors.Precondition, err) {
			return nil
		}
		log.Error.Printf("lsm: flush (retrying): %v", err)
		if err := retry.Wait(ctx, flushRetry, retries); err != nil {
			return err
		}
	}
}

// flushOldest writes the oldest frozen MemTable as a new L0 table,
// registers it in the manifest, and installs it.
func (t *Tree) flushOldest(ctx context.Context) error {
	t.mu.RLock()
	if len(t.frozen) == 0 {
		t.mu.RUnlock()
		return errors.E(errors.Precondition, "lsm: nothing to flush")
	}
	mt := t.frozen[0]
	t.mu.RUnlock()

	id := t.mnf.AllocTableID()
	path := manifest.TablePath(t.dir, id)
	b, err := sstable.NewBuilder(path, t.tableOpts())
	if err != nil {
		return err
	}
	var ioDebt, cpuDebt int
	it := mt.Iter()
	for it.Seek(ctx, nil); it.Valid(); it.Next(ctx) {
		e := it.Entry()
		ioDebt += len(e.Key) + 26
		cpuDebt++
		if err := t.pay(ctx, &ioDebt, &cpuDebt); err != nil {
			b.Abort() // nolint: errcheck
			return err
		}
		if err := b.Add(ctx, e); err != nil {
			b.Abort() // nolint: errcheck
			return err
		}
	}
	meta, err := b.Finish(ctx)
	if err != nil {
		b.Abort() // nolint: errcheck
		return err
	}
	tbl, err := sstable.Open(ctx, path, t.tableOpts())
	if err != nil {
		return err
	}
	tm := manifest.TableMeta{
		ID:          id,
		Smallest:    meta.Smallest,
		Largest:     meta.Largest,
		Entries:     meta.Entries,
		Size:        meta.Size,
		MaxCommitTs: meta.MaxCommitTs,
	}
	if err := t.mnf.Apply(ctx, manifest.AddTable(0, tm)); err != nil {
		tbl.Close()          // nolint: errcheck
		blockio.Remove(path) // nolint: errcheck
		return err
	}

	t.mu.Lock()
	if len(t.levels) == 0 {
		t.levels = make([][]*tableHandle, 1)
	}
	t.levels[0] = append(t.levels[0], &tableHandle{meta: tm, tbl: tbl, refs: 1})
	t.frozen = t.frozen[1:]
	t.flushedSeq++
	l0 := len(t.levels[0])
	t.mu.Unlock()
	atomic.AddUint64(&t.flushes, 1)
	if l0 >= t.opts.L0CompactTrigger {
		t.kickBg()
	}
	return nil
}

// pay settles accumulated throttle debt against the governor once it
// crosses a chunk boundary. A single large debt (a GC pass over a
// multi-megabyte value) is settled in burst-bounded installments so
// it never exceeds a bucket's capacity.
func (t *Tree) pay(ctx context.Context, ioDebt, cpuDebt *int) error {
	if *ioDebt >= 256<<10 {
		if err := settle(ctx, t.gov.IO(), ioDebt); err != nil {
			return err
		}
	}
	if *cpuDebt >= 4096 {
		if err := settle(ctx, t.gov.CPU(), cpuDebt); err != nil {
			return err
		}
	}
	return nil
}

func settle(ctx context.Context, b *admit.Bucket, debt *int) error {
	burst := b.Burst()
	for *debt > 0 {
		n := *debt
		if n > burst {
			n = burst
		}
		if err := b.Acquire(ctx, n); err != nil {
			return err
		}
		*debt -= n
	}
	return nil
}

func (t *Tree) maxLevelBytes(lvl int) int64 {
	n := t.opts.BaseLevelSize
	for i := 1; i < lvl; i++ {
		n *= int64(t.opts.LevelRatio)
	}
	return n
}

// claimCompaction picks the most urgent level needing compaction: L0
// by file count, deeper levels by size overflow. One compaction runs
// at a time.
func (t *Tree) claimCompaction() (int, bool) {
	t.jmu.Lock()
	defer t.jmu.Unlock()
	if t.compacting {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.levels) > 0 && len(t.levels[0]) >= t.opts.L0CompactTrigger {
		t.compacting = true
		return 0, true
	}
	for lvl := 1; lvl < len(t.levels); lvl++ {
		var size int64
		for _, h := range t.levels[lvl] {
			size += h.meta.Size
		}
		if size > t.maxLevelBytes(lvl) {
			t.compacting = true
			return lvl, true
		}
	}
	return 0, false
}

// compactInputs is the claimed input set of one compaction.
type compactInputs struct {
	srcLevel int
	srcs     []*tableHandle // merge priority order, newest first
	retire   []retireEntry
	target   int
	// bottom tells whether target is the deepest populated level, so
	// tombstones old enough may be dropped entirely.
	bottom bool
}

type retireEntry struct {
	h   *tableHandle
	lvl int
}

func (t *Tree) planCompaction(lvl int) (compactInputs, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	in := compactInputs{srcLevel: lvl, target: lvl + 1}
	if lvl == 0 {
		// Tiered: merge all of L0 with all of L1.
		if len(t.levels) == 0 || len(t.levels[0]) == 0 {
			return in, false
		}
		for i := len(t.levels[0]) - 1; i >= 0; i-- {
			in.srcs = append(in.srcs, t.levels[0][i])
			in.retire = append(in.retire, retireEntry{t.levels[0][i], 0})
		}
		if len(t.levels) > 1 {
			for _, h := range t.levels[1] {
				in.srcs = append(in.srcs, h)
				in.retire = append(in.retire, retireEntry{h, 1})
			}
		}
	} else {
		// Leveled: one source table (round robin by key cursor) plus
		// the overlapping run in the next level.
		if lvl >= len(t.levels) || len(t.levels[lvl]) == 0 {
			return in, false
		}
		src := t.levels[lvl][0]
		if cur := t.cursor[lvl]; cur != nil {
			if h := findNext(t.levels[lvl], cur); h != nil {
				src = h
			}
		}
		in.srcs = append(in.srcs, src)
		in.retire = append(in.retire, retireEntry{src, lvl})
		if lvl+1 < len(t.levels) {
			for _, h := range t.levels[lvl+1] {
				if bytes.Compare(h.meta.Largest, src.meta.Smallest) < 0 ||
					bytes.Compare(h.meta.Smallest, src.meta.Largest) > 0 {
					continue
				}
				in.srcs = append(in.srcs, h)
				in.retire = append(in.retire, retireEntry{h, lvl + 1})
			}
		}
	}
	in.bottom = true
	for deeper := in.target + 1; deeper < len(t.levels); deeper++ {
		if len(t.levels[deeper]) > 0 {
			in.bottom = false
		}
	}
	for _, h := range in.srcs {
		h.acquire()
	}
	return in, true
}

// findNext returns the first table whose smallest key is strictly
// after cur, for round-robin source selection within a level.
func findNext(handles []*tableHandle, cur []byte) *tableHandle {
	for _, h := range handles {
		if bytes.Compare(h.meta.Smallest, cur) > 0 {
			return h
		}
	}
	return nil
}

// compact merges the claimed inputs into the target level, dropping
// versions no snapshot can see. The manifest swap of outputs for
// inputs is one atomic record. Input corruption aborts the job; the
// inputs stay in place and reads keep being served around the bad
// table.
func (t *Tree) compact(ctx context.Context, lvl int) error {
	in, ok := t.planCompaction(lvl)
	if !ok {
		return nil
	}
	defer func() {
		for _, h := range in.srcs {
			h.release()
		}
	}()

	srcs := make([]iterator, len(in.srcs))
	for i, h := range in.srcs {
		srcs[i] = h.tbl.Iter()
	}
	merged := newMergeIter(srcs...)
	outs, garbage, err := t.writeCompaction(ctx, merged, in)
	if err != nil {
		discardOuts(outs)
		return err
	}

	deltas := make([]manifest.Delta, 0, len(outs)+len(in.retire))
	for _, o := range outs {
		deltas = append(deltas, manifest.AddTable(in.target, o.meta))
	}
	for _, r := range in.retire {
		deltas = append(deltas, manifest.RemoveTable(r.lvl, r.h.meta.ID))
	}
	if err := t.mnf.Apply(ctx, deltas...); err != nil {
		discardOuts(outs)
		return err
	}

	t.install(in, outs)
	// Old pointers rewritten away by the merge are garbage only once
	// the swap is durable.
	for _, ptr := range garbage {
		t.vl.MarkGarbage(ptr)
	}
	if len(outs) > 0 {
		t.jmu.Lock()
		t.cursor[in.srcLevel] = append([]byte(nil), outs[len(outs)-1].meta.Largest...)
		t.jmu.Unlock()
	}
	atomic.AddUint64(&t.compactions, 1)
	log.Debug.Printf("lsm: compacted %d tables L%d->L%d into %d tables",
		len(in.retire), in.srcLevel, in.target, len(outs))
	t.kickBg()
	return nil
}

type compactOut struct {
	meta manifest.TableMeta
	tbl  *sstable.Table
}

func discardOuts(outs []compactOut) {
	for _, o := range outs {
		o.tbl.Close()               // nolint: errcheck
		blockio.Remove(o.tbl.Path()) // nolint: errcheck
	}
}

// writeCompaction drains the merged input into size-bounded output
// tables. Dropped versions' pointers are returned so their bytes can
// be declared garbage after the manifest swap.
func (t *Tree) writeCompaction(ctx context.Context, it *mergeIter, in compactInputs) (outs []compactOut, garbage []vlog.Pointer, err error) {
	safe := t.safeTs()
	var (
		b       *sstable.Builder
		id      uint64
		path    string
		size    int64
		prevKey []byte
		prevTs  uint64
		first   bool
		covered bool
		ioDebt  int
		cpuDebt int
	)
	finish := func() error {
		if b == nil {
			return nil
		}
		meta, err := b.Finish(ctx)
		b = nil
		if err != nil {
			return err
		}
		tbl, err := sstable.Open(ctx, path, t.tableOpts())
		if err != nil {
			return err
		}
		outs = append(outs, compactOut{
			meta: manifest.TableMeta{
				ID:          id,
				Smallest:    meta.Smallest,
				Largest:     meta.Largest,
				Entries:     meta.Entries,
				Size:        meta.Size,
				MaxCommitTs: meta.MaxCommitTs,
			},
			tbl: tbl,
		})
		return nil
	}
	defer func() {
		if b != nil {
			b.Abort() // nolint: errcheck
		}
	}()

	for it.Seek(ctx, nil); it.Valid(); it.Next(ctx) {
		e := it.Entry()
		sameKey := bytes.Equal(e.Key, prevKey)
		if sameKey && e.CommitTs == prevTs {
			// Duplicate version from a GC relocation: the higher
			// priority source carried the current pointer, and GC
			// already counted the superseded record as garbage.
			continue
		}
		if !sameKey {
			prevKey = append(prevKey[:0], e.Key...)
			first = true
			covered = false
			// Split outputs on key boundaries only, so all versions
			// of a key share a table.
			if b != nil && size >= t.opts.TableSize {
				if err := finish(); err != nil {
					return outs, garbage, err
				}
				size = 0
			}
		}
		prevTs = e.CommitTs
		newest := first
		first = false

		ioDebt += len(e.Key) + 26
		cpuDebt++
		if err := t.pay(ctx, &ioDebt, &cpuDebt); err != nil {
			return outs, garbage, err
		}

		if covered {
			// A newer version already serves every snapshot still
			// possible; no reader can reach this one.
			if !e.Ptr.IsZero() {
				garbage = append(garbage, e.Ptr)
			}
			continue
		}
		if e.CommitTs <= safe {
			covered = true
		}
		if newest && e.Tombstone() && e.CommitTs <= safe && in.bottom {
			// Nothing deeper can hold this key; the tombstone and
			// everything it shadows disappear.
			continue
		}
		if b == nil {
			id = t.mnf.AllocTableID()
			path = manifest.TablePath(t.dir, id)
			if b, err = sstable.NewBuilder(path, t.tableOpts()); err != nil {
				return outs, garbage, err
			}
		}
		if err := b.Add(ctx, e); err != nil {
			return outs, garbage, err
		}
		size += int64(len(e.Key)) + 26
	}
	if err := it.Err(); err != nil {
		return outs, garbage, err
	}
	return outs, garbage, finish()
}

// install swaps compaction outputs for inputs in the in-memory level
// structure and schedules input files for unlinking.
func (t *Tree) install(in compactInputs, outs []compactOut) {
	retired := make(map[*tableHandle]bool, len(in.retire))
	for _, r := range in.retire {
		retired[r.h] = true
	}
	t.mu.Lock()
	for len(t.levels) <= in.target {
		t.levels = append(t.levels, nil)
	}
	for _, lvl := range []int{in.srcLevel, in.target} {
		kept := t.levels[lvl][:0:0]
		for _, h := range t.levels[lvl] {
			if !retired[h] {
				kept = append(kept, h)
			}
		}
		t.levels[lvl] = kept
	}
	for _, o := range outs {
		t.levels[in.target] = append(t.levels[in.target], &tableHandle{meta: o.meta, tbl: o.tbl, refs: 1})
	}
	sortHandles(t.levels[in.target])
	t.mu.Unlock()
	for _, r := range in.retire {
		atomic.StoreInt32(&r.h.drop, 1)
		r.h.release()
	}
}
