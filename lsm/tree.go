// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lsm implements the log-structured merge tree that indexes
// the value log: a mutable MemTable over immutable sorted tables
// organized in levels, with background flush, compaction, and value
// log garbage collection admission-controlled by a latency-aware
// governor.
package lsm

import (
	"bytes"
	"context"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/pgz/admit"
	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/log"
	"github.com/grailbio/pgz/manifest"
	"github.com/grailbio/pgz/sstable"
	"github.com/grailbio/pgz/vlog"
)

// Options configure a Tree.
type Options struct {
	// MemTableSize is the freeze threshold in bytes. Default 8MiB.
	MemTableSize int64
	// BlockSize is passed through to sorted table builders.
	BlockSize int
	// Direct requests cache-bypassing I/O on all data files.
	Direct bool
	// Observer, if non-nil, is installed on all data files.
	Observer blockio.Observer
	// SegmentSize is the value log segment target size.
	SegmentSize int64
	// Transform optionally compresses value payloads.
	Transform *vlog.Transform

	// L0CompactTrigger is the L0 file count that triggers a tiered
	// compaction into L1. Default 4.
	L0CompactTrigger int
	// BaseLevelSize is the byte budget of L1; each deeper level gets
	// LevelRatio times more. Defaults 256MiB and 10.
	BaseLevelSize int64
	LevelRatio    int
	// TableSize is the target size of compaction output tables.
	// Default 64MiB.
	TableSize int64

	// GCLiveRatio is the live fraction below which a sealed segment
	// becomes a GC candidate. Default 0.5.
	GCLiveRatio float64
	// GCAge makes a sealed segment with any garbage a candidate
	// regardless of ratio. Default 1h.
	GCAge time.Duration

	// Governor configures background admission control.
	Governor admit.GovernorOpts
	// CheckpointEvery is passed through to the manifest.
	CheckpointEvery int

	// SafeTs is the version reclaim horizon: compaction drops a
	// version only once a newer version at or below SafeTs exists. A
	// nil SafeTs never constrains reclamation.
	SafeTs func() uint64
	// SnapshotFloor reports the oldest read timestamp among open
	// snapshots, or MaxUint64 when none are open. GC defers segment
	// file removal until the floor passes its relocation barrier. A
	// nil SnapshotFloor means no snapshots are ever held open.
	SnapshotFloor func() uint64

	// Workers is the background worker count. Default 2.
	Workers int
	// DisableBackground suppresses background workers; flush,
	// compaction, and GC then run only through explicit calls. Used
	// in tests.
	DisableBackground bool
}

func (o Options) withDefaults() Options {
	if o.MemTableSize <= 0 {
		o.MemTableSize = 8 << 20
	}
	if o.L0CompactTrigger <= 0 {
		o.L0CompactTrigger = 4
	}
	if o.BaseLevelSize <= 0 {
		o.BaseLevelSize = 256 << 20
	}
	if o.LevelRatio <= 0 {
		o.LevelRatio = 10
	}
	if o.TableSize <= 0 {
		o.TableSize = 64 << 20
	}
	if o.GCLiveRatio <= 0 {
		o.GCLiveRatio = 0.5
	}
	if o.GCAge <= 0 {
		o.GCAge = time.Hour
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	return o
}

// tableHandle is a reference-counted open sorted table. The tree
// holds one reference; views and compactions hold more. When a
// compaction retires a table its file is unlinked as the last
// reference drops.
type tableHandle struct {
	meta manifest.TableMeta
	tbl  *sstable.Table
	refs int32
	drop int32
}

func (h *tableHandle) acquire() { atomic.AddInt32(&h.refs, 1) }

func (h *tableHandle) release() {
	if atomic.AddInt32(&h.refs, -1) > 0 {
		return
	}
	if err := h.tbl.Close(); err != nil {
		log.Error.Printf("lsm: closing table %06d: %v", h.meta.ID, err)
	}
	if atomic.LoadInt32(&h.drop) != 0 {
		if err := blockio.Remove(h.tbl.Path()); err != nil {
			log.Error.Printf("lsm: removing table %06d: %v", h.meta.ID, err)
		}
	}
}

func (h *tableHandle) contains(key []byte) bool {
	return bytes.Compare(h.meta.Smallest, key) <= 0 && bytes.Compare(key, h.meta.Largest) <= 0
}

// pendingRemoval gates deletion of a GC'd value log segment: its
// relocated entries must be durably flushed (memSeq) and every
// snapshot that might still hold the old pointers must have closed
// (ts below the global safe timestamp).
type pendingRemoval struct {
	seg    uint32
	memSeq uint64
	ts     uint64
}

// A Tree is the LSM tree manager. It owns the MemTables, the leveled
// sorted tables, the value log, the manifest, and all background
// maintenance.
type Tree struct {
	opts Options
	dir  string
	mnf  *manifest.Manifest
	vl   *vlog.Log
	gov  *admit.Governor

	mu         sync.RWMutex
	active     *MemTable
	frozen     []*MemTable // oldest first
	levels     [][]*tableHandle
	maxTs      uint64
	memSeq     uint64 // seqno of the active MemTable
	flushedSeq uint64 // seqno of the newest flushed MemTable
	pending    []pendingRemoval
	closed     bool

	flushes     uint64 // atomic
	compactions uint64 // atomic
	gcRuns      uint64 // atomic

	jmu        sync.Mutex // job claims
	flushing   bool
	compacting bool
	collecting bool
	cursor     map[int][]byte // per-level compaction cursor

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	kick     chan struct{}
}

// Open loads or creates a tree in dir. Background maintenance does
// not start until FinishRecovery: the caller first replays its
// commit log into the tree via Apply.
func Open(ctx context.Context, dir string, opts Options) (_ *Tree, err error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.E(errors.IO, "lsm.Open", dir, err)
	}
	t := &Tree{
		opts:   opts,
		dir:    dir,
		gov:    admit.NewGovernor(opts.Governor),
		active: NewMemTable(),
		cursor: make(map[int][]byte),
		kick:   make(chan struct{}, 1),
	}
	t.bgCtx, t.bgCancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			t.release(ctx)
		}
	}()

	t.mnf, err = manifest.Open(ctx, dir, manifest.Options{
		Direct:          opts.Direct,
		Observer:        opts.Observer,
		CheckpointEvery: opts.CheckpointEvery,
	})
	if err != nil {
		return nil, err
	}
	t.vl, err = vlog.Open(dir, vlog.Options{
		SegmentSize: opts.SegmentSize,
		Direct:      opts.Direct,
		Transform:   opts.Transform,
		Observer:    opts.Observer,
		// The manifest learns of a segment before its first byte is
		// written, so recovery never finds an unknown segment file.
		OnRotate: func(seg uint32) error {
			return t.mnf.Apply(t.bgCtx, manifest.AddSegment(seg))
		},
	})
	if err != nil {
		return nil, err
	}

	state := t.mnf.State()
	if len(state.Segments) == 0 {
		id := t.mnf.AllocSegment()
		if err := t.mnf.Apply(ctx, manifest.AddSegment(id)); err != nil {
			return nil, err
		}
		if err := t.vl.CreateSegment(ctx, id); err != nil {
			return nil, err
		}
	} else {
		segs := append([]uint32{}, state.Segments...)
		sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
		for _, id := range segs[:len(segs)-1] {
			if err := t.vl.OpenSegment(id); err != nil {
				return nil, err
			}
		}
		if _, err := t.vl.Recover(ctx, segs[len(segs)-1]); err != nil {
			return nil, err
		}
	}

	t.levels = make([][]*tableHandle, len(state.Levels))
	for li, lvl := range state.Levels {
		for _, meta := range lvl {
			tbl, err := sstable.Open(ctx, manifest.TablePath(dir, meta.ID), t.tableOpts())
			if err != nil {
				if errors.Is(errors.Corruption, err) {
					// The table stays registered but is excluded
					// from reads until a compaction rewrites or a
					// repair replaces it.
					log.Error.Printf("lsm: excluding table %06d: %v", meta.ID, err)
					continue
				}
				return nil, err
			}
			t.levels[li] = append(t.levels[li], &tableHandle{meta: meta, tbl: tbl, refs: 1})
		}
		if li >= 1 {
			sortHandles(t.levels[li])
		}
	}
	return t, nil
}

func sortHandles(handles []*tableHandle) {
	sort.Slice(handles, func(i, j int) bool {
		return bytes.Compare(handles[i].meta.Smallest, handles[j].meta.Smallest) < 0
	})
}

func (t *Tree) tableOpts() sstable.Options {
	return sstable.Options{
		BlockSize: t.opts.BlockSize,
		Direct:    t.opts.Direct,
		Observer:  t.opts.Observer,
	}
}

// FinishRecovery rebuilds value log accounting from the recovered
// tree and starts background maintenance. It is called once, after
// the commit log has been replayed.
func (t *Tree) FinishRecovery(ctx context.Context) error {
	if err := t.rebuildAccounting(ctx); err != nil {
		return err
	}
	if !t.opts.DisableBackground {
		t.startBackground()
	}
	return nil
}

// rebuildAccounting walks every live version and credits its record
// to its segment; the remainder of each segment's occupied size is
// garbage. Counters are advisory (they only steer GC candidate
// selection), so the walk tolerates excluded tables.
func (t *Tree) rebuildAccounting(ctx context.Context) error {
	it := t.Iter()
	defer it.Close()
	var prev sstable.Entry
	for it.Seek(ctx, nil); it.Valid(); it.Next(ctx) {
		e := it.Entry()
		if bytes.Equal(e.Key, prev.Key) && e.CommitTs == prev.CommitTs {
			continue
		}
		prev = sstable.Entry{Key: append(prev.Key[:0], e.Key...), CommitTs: e.CommitTs}
		if e.Ptr.IsZero() {
			continue
		}
		t.vl.MarkLive(e.Ptr)
		t.vl.NoteWriteTs(e.Ptr.Segment, e.CommitTs)
	}
	if err := it.Err(); err != nil {
		return err
	}
	for _, id := range t.vl.Segments() {
		size, err := t.vl.SegmentSize(id)
		if err != nil {
			return err
		}
		t.vl.AddGarbage(id, size-t.vl.Stats(id).Live)
	}
	return nil
}

// Governor returns the background admission governor.
func (t *Tree) Governor() *admit.Governor { return t.gov }

// AppendValue appends a payload to the value log. The record is not
// durable until SyncValues.
func (t *Tree) AppendValue(ctx context.Context, payload []byte) (vlog.Pointer, error) {
	return t.vl.Append(ctx, payload)
}

// SyncValues makes all appended values durable.
func (t *Tree) SyncValues() error { return t.vl.Sync() }

// ReadValue dereferences a value pointer.
func (t *Tree) ReadValue(ctx context.Context, ptr vlog.Pointer) ([]byte, error) {
	return t.vl.Read(ctx, ptr)
}

// DiscardValue declares an appended value garbage without its entry
// ever becoming visible, as when a commit fails after writing its
// values.
func (t *Tree) DiscardValue(ptr vlog.Pointer) {
	t.vl.MarkGarbage(ptr)
}

// Apply makes a committed version visible by inserting it into the
// active MemTable, freezing it for flush if it is full. The caller
// has already made the version durable (value bytes plus commit
// record).
func (t *Tree) Apply(key []byte, ts uint64, ptr vlog.Pointer) {
	t.mu.Lock()
	t.active.Put(key, ts, ptr)
	if ts > t.maxTs {
		t.maxTs = ts
	}
	if !ptr.IsZero() {
		t.vl.NoteWriteTs(ptr.Segment, ts)
	}
	if t.active.Size() >= t.opts.MemTableSize {
		t.freezeLocked()
	}
	t.mu.Unlock()
}

func (t *Tree) freezeLocked() {
	if t.active.Len() == 0 {
		return
	}
	t.frozen = append(t.frozen, t.active)
	t.active = NewMemTable()
	t.memSeq++
	t.kickBg()
}

func (t *Tree) kickBg() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Tree) safeTs() uint64 {
	if t.opts.SafeTs == nil {
		return math.MaxUint64
	}
	return t.opts.SafeTs()
}

func (t *Tree) snapshotFloor() uint64 {
	if t.opts.SnapshotFloor == nil {
		return math.MaxUint64
	}
	return t.opts.SnapshotFloor()
}

// view is a consistent snapshot of the tree's strata with table
// references held.
type view struct {
	mems   []*MemTable // newest first
	levels [][]*tableHandle
}

func (t *Tree) acquireView() *view {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := &view{mems: make([]*MemTable, 0, 1+len(t.frozen))}
	v.mems = append(v.mems, t.active)
	for i := len(t.frozen) - 1; i >= 0; i-- {
		v.mems = append(v.mems, t.frozen[i])
	}
	v.levels = make([][]*tableHandle, len(t.levels))
	for li, lvl := range t.levels {
		v.levels[li] = append([]*tableHandle{}, lvl...)
		for _, h := range lvl {
			h.acquire()
		}
	}
	return v
}

func (v *view) release() {
	for _, lvl := range v.levels {
		for _, h := range lvl {
			h.release()
		}
	}
	v.levels = nil
}

// Get returns the newest version of key admitted by visible,
// searching the active MemTable, frozen MemTables newest first, L0
// newest first, then one fence-selected table per deeper level. A
// corrupt table is logged and skipped; deeper strata still serve.
func (t *Tree) Get(ctx context.Context, key []byte, visible func(uint64) bool) (sstable.Entry, bool, error) {
	start := time.Now()
	defer func() { t.gov.ObserveRead(time.Since(start)) }()

	v := t.acquireView()
	defer v.release()
	for _, m := range v.mems {
		if e, ok := m.Get(key, visible); ok {
			return e, true, nil
		}
	}
	if len(v.levels) > 0 {
		for i := len(v.levels[0]) - 1; i >= 0; i-- {
			h := v.levels[0][i]
			if !h.contains(key) {
				continue
			}
			e, ok, err := h.tbl.Get(ctx, key, visible)
			if err != nil {
				if errors.Is(errors.Corruption, err) {
					log.Error.Printf("lsm: table %06d: %v", h.meta.ID, err)
					continue
				}
				return sstable.Entry{}, false, err
			}
			if ok {
				return e, true, nil
			}
		}
	}
	for li := 1; li < len(v.levels); li++ {
		h := findHandle(v.levels[li], key)
		if h == nil {
			continue
		}
		e, ok, err := h.tbl.Get(ctx, key, visible)
		if err != nil {
			if errors.Is(errors.Corruption, err) {
				log.Error.Printf("lsm: table %06d: %v", h.meta.ID, err)
				continue
			}
			return sstable.Entry{}, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return sstable.Entry{}, false, nil
}

// findHandle returns the unique table in a non-overlapping level
// that may contain key.
func findHandle(handles []*tableHandle, key []byte) *tableHandle {
	i := sort.Search(len(handles), func(i int) bool {
		return bytes.Compare(handles[i].meta.Largest, key) >= 0
	})
	if i >= len(handles) || !handles[i].contains(key) {
		return nil
	}
	return handles[i]
}

// An Iter merges all strata of the tree into one (key asc, ts desc)
// cursor. Close releases the underlying table references.
type Iter struct {
	*mergeIter
	v *view
}

// Iter returns a merged iterator over a consistent snapshot of the
// tree.
func (t *Tree) Iter() *Iter {
	v := t.acquireView()
	var srcs []iterator
	for _, m := range v.mems {
		srcs = append(srcs, m.Iter())
	}
	if len(v.levels) > 0 {
		for i := len(v.levels[0]) - 1; i >= 0; i-- {
			srcs = append(srcs, v.levels[0][i].tbl.Iter())
		}
	}
	for li := 1; li < len(v.levels); li++ {
		if len(v.levels[li]) > 0 {
			srcs = append(srcs, newLevelIter(v.levels[li]))
		}
	}
	return &Iter{mergeIter: newMergeIter(srcs...), v: v}
}

// Close releases the iterator's table references.
func (it *Iter) Close() {
	it.v.release()
}

// LevelStats describes one level for Stats.
type LevelStats struct {
	Tables int
	Bytes  int64
}

// Stats is a point-in-time summary of the tree.
type Stats struct {
	MemTableBytes   int64
	FrozenMemTables int
	Levels          []LevelStats
	Segments        int
	Epoch           uint64
	MaxCommitTs     uint64

	// LiveBytes and GarbageBytes sum the value log segment
	// accounting; their ratio drives GC candidate selection.
	LiveBytes    int64
	GarbageBytes int64

	// Flushes, Compactions and GCRuns count completed background
	// jobs since Open.
	Flushes     uint64
	Compactions uint64
	GCRuns      uint64
}

// Stats returns a point-in-time summary.
func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{
		MemTableBytes:   t.active.Size(),
		FrozenMemTables: len(t.frozen),
		Segments:        len(t.vl.Segments()),
		Epoch:           t.mnf.Epoch(),
		MaxCommitTs:     t.maxTs,
		Flushes:         atomic.LoadUint64(&t.flushes),
		Compactions:     atomic.LoadUint64(&t.compactions),
		GCRuns:          atomic.LoadUint64(&t.gcRuns),
	}
	for _, seg := range t.vl.Segments() {
		ss := t.vl.Stats(seg)
		s.LiveBytes += ss.Live
		s.GarbageBytes += ss.Garbage
	}
	for _, lvl := range t.levels {
		ls := LevelStats{Tables: len(lvl)}
		for _, h := range lvl {
			ls.Bytes += h.meta.Size
		}
		s.Levels = append(s.Levels, ls)
	}
	return s
}

// release closes everything without flushing; used on failed opens.
func (t *Tree) release(ctx context.Context) {
	t.bgCancel()
	t.mu.Lock()
	for _, lvl := range t.levels {
		for _, h := range lvl {
			h.release()
		}
	}
	t.levels = nil
	t.mu.Unlock()
	if t.vl != nil {
		t.vl.Close() // nolint: errcheck
	}
	if t.mnf != nil {
		t.mnf.Close(ctx) // nolint: errcheck
	}
}

// CloseDirty closes all files without flushing MemTables or
// checkpointing, so a reopen exercises the recovery path. Crash
// tests use it in place of Close.
func (t *Tree) CloseDirty(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.E(errors.Precondition, "lsm: already closed")
	}
	t.closed = true
	t.mu.Unlock()
	t.release(ctx)
	return nil
}

// Close stops background maintenance, flushes all MemTables so a
// clean reopen needs no commit log replay, and closes the manifest
// with a final checkpoint.
func (t *Tree) Close(ctx context.Context) error {
	t.bgCancel()
	t.bgWG.Wait()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.E(errors.Precondition, "lsm: already closed")
	}
	t.closed = true
	t.freezeLocked()
	frozen := append([]*MemTable{}, t.frozen...)
	t.mu.Unlock()

	var e errors.Once
	for range frozen {
		e.Set(t.flushOldest(ctx))
	}
	t.mu.Lock()
	for _, lvl := range t.levels {
		for _, h := range lvl {
			h.release()
		}
	}
	t.levels = nil
	t.mu.Unlock()
	e.Set(t.vl.Sync())
	e.Set(t.vl.Close())
	e.Set(t.mnf.Close(ctx))
	return e.Err()
}
