// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lsm

import (
	"bytes"
	"context"

	"github.com/grailbio/pgz/sstable"
)

// iterator is the cursor shape shared by memtables, sorted tables,
// levels, and merges: after Seek the cursor is positioned at the
// first entry >= key (if any), and entries arrive in (key asc,
// commit_ts desc) order.
type iterator interface {
	Seek(ctx context.Context, key []byte)
	Next(ctx context.Context) bool
	Valid() bool
	Entry() sstable.Entry
	Err() error
}

// entryLess orders entries by key ascending, then commit timestamp
// descending.
func entryLess(a, b sstable.Entry) bool {
	switch bytes.Compare(a.Key, b.Key) {
	case -1:
		return true
	case 1:
		return false
	}
	return a.CommitTs > b.CommitTs
}

// mergeIter merges sources, newest first: when two sources hold an
// entry for the same (key, commit_ts), the lower-indexed source wins
// the tie and is emitted first. Duplicates are emitted, not elided;
// consumers that must deduplicate (compaction) do so on consecutive
// equal (key, commit_ts) pairs.
type mergeIter struct {
	srcs []iterator
	cur  int
	err  error
}

func newMergeIter(srcs ...iterator) *mergeIter {
	return &mergeIter{srcs: srcs, cur: -1}
}

func (m *mergeIter) Seek(ctx context.Context, key []byte) {
	m.err = nil
	for _, src := range m.srcs {
		src.Seek(ctx, key)
		if err := src.Err(); err != nil && m.err == nil {
			m.err = err
		}
	}
	m.pick()
}

// pick selects the minimum-ordered valid source. Source counts are
// small (a handful of memtables plus one cursor per level), so a
// linear scan beats heap bookkeeping.
func (m *mergeIter) pick() {
	m.cur = -1
	for i, src := range m.srcs {
		if !src.Valid() {
			continue
		}
		if m.cur < 0 || entryLess(src.Entry(), m.srcs[m.cur].Entry()) {
			m.cur = i
		}
	}
}

func (m *mergeIter) Next(ctx context.Context) bool {
	if m.cur < 0 || m.err != nil {
		return false
	}
	src := m.srcs[m.cur]
	src.Next(ctx)
	if err := src.Err(); err != nil && m.err == nil {
		m.err = err
	}
	m.pick()
	return m.cur >= 0
}

func (m *mergeIter) Valid() bool { return m.cur >= 0 && m.err == nil }

func (m *mergeIter) Entry() sstable.Entry { return m.srcs[m.cur].Entry() }

func (m *mergeIter) Err() error { return m.err }

// levelIter concatenates the tables of one non-overlapping level in
// key order, opening one table cursor at a time.
type levelIter struct {
	handles []*tableHandle // sorted by smallest key
	idx     int
	it      *sstable.Iter
	valid   bool
	err     error
}

func newLevelIter(handles []*tableHandle) *levelIter {
	return &levelIter{handles: handles}
}

func (l *levelIter) Seek(ctx context.Context, key []byte) {
	l.err = nil
	l.valid = false
	l.it = nil
	// First table whose largest key admits key.
	l.idx = 0
	for l.idx < len(l.handles) && bytes.Compare(l.handles[l.idx].tbl.Largest(), key) < 0 {
		l.idx++
	}
	if l.idx >= len(l.handles) {
		return
	}
	l.it = l.handles[l.idx].tbl.Iter()
	l.it.Seek(ctx, key)
	l.settle(ctx)
}

// settle advances across table boundaries until a valid position or
// the end of the level.
func (l *levelIter) settle(ctx context.Context) {
	for {
		if err := l.it.Err(); err != nil {
			l.err = err
			return
		}
		if l.it.Valid() {
			l.valid = true
			return
		}
		l.idx++
		if l.idx >= len(l.handles) {
			return
		}
		l.it = l.handles[l.idx].tbl.Iter()
		l.it.Seek(ctx, nil)
	}
}

func (l *levelIter) Next(ctx context.Context) bool {
	if !l.valid {
		return false
	}
	l.valid = false
	l.it.Next(ctx)
	l.settle(ctx)
	return l.valid
}

func (l *levelIter) Valid() bool { return l.valid }

func (l *levelIter) Entry() sstable.Entry { return l.it.Entry() }

func (l *levelIter) Err() error { return l.err }
