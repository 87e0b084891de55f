// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package txn

import (
	"bytes"
	"context"
	"sort"

	"github.com/grailbio/pgz/lsm"
	"github.com/grailbio/pgz/sstable"
)

type overlayEntry struct {
	key    []byte
	value  []byte
	delete bool
}

// A Scanner iterates the keys in [start, end) in ascending order as
// of the transaction's snapshot, with the transaction's own writes
// layered on top. Deleted keys are skipped. A nil end scans to the
// last key.
type Scanner struct {
	ctx context.Context
	x   *Txn
	it  *lsm.Iter
	end []byte

	over []overlayEntry
	oi   int

	treeKey   []byte
	treeEntry sstable.Entry
	treeOK    bool

	key, value []byte
	err        error
	done       bool
}

// Scan returns a Scanner over [start, end). The scanner must be
// closed.
func (x *Txn) Scan(ctx context.Context, start, end []byte) *Scanner {
	s := &Scanner{ctx: ctx, x: x, end: end}
	for k, w := range x.writes {
		key := []byte(k)
		if bytes.Compare(key, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(key, end) >= 0 {
			continue
		}
		s.over = append(s.over, overlayEntry{key: key, value: w.value, delete: w.delete})
	}
	sort.Slice(s.over, func(i, j int) bool { return bytes.Compare(s.over[i].key, s.over[j].key) < 0 })
	s.it = x.m.tree.Iter()
	s.it.Seek(ctx, start)
	s.nextTreeKey()
	return s
}

// nextTreeKey resolves the next key in the tree to its newest
// version visible to the snapshot, skipping keys with no visible
// version.
func (s *Scanner) nextTreeKey() {
	s.treeOK = false
	for s.err == nil && s.it.Valid() {
		first := s.it.Entry()
		if s.end != nil && bytes.Compare(first.Key, s.end) >= 0 {
			return
		}
		key := append([]byte(nil), first.Key...)
		var (
			chosen sstable.Entry
			found  bool
		)
		for s.it.Valid() && bytes.Equal(s.it.Entry().Key, key) {
			e := s.it.Entry()
			if !found && s.x.visible(e.CommitTs) {
				chosen = sstable.Entry{Key: key, Ptr: e.Ptr, CommitTs: e.CommitTs}
				found = true
			}
			s.it.Next(s.ctx)
		}
		s.err = s.it.Err()
		if found && s.err == nil {
			s.treeKey, s.treeEntry, s.treeOK = key, chosen, true
			return
		}
	}
	if err := s.it.Err(); err != nil {
		s.err = err
	}
}

// Next advances to the next live key, reporting whether one exists.
func (s *Scanner) Next() bool {
	if s.err != nil || s.done {
		return false
	}
	for {
		if s.err != nil {
			return false
		}
		hasOver := s.oi < len(s.over)
		if !hasOver && !s.treeOK {
			s.done = true
			return false
		}
		useOver := hasOver
		if hasOver && s.treeOK {
			switch bytes.Compare(s.over[s.oi].key, s.treeKey) {
			case 0:
				// Own write shadows the committed version.
				s.nextTreeKey()
			case 1:
				useOver = false
			}
		}
		if useOver {
			w := s.over[s.oi]
			s.oi++
			if w.delete {
				continue
			}
			s.key, s.value = w.key, w.value
			return true
		}
		e := s.treeEntry
		key := s.treeKey
		s.nextTreeKey()
		if e.Tombstone() {
			continue
		}
		v, err := s.x.m.tree.ReadValue(s.ctx, e.Ptr)
		if err != nil {
			s.err = err
			return false
		}
		s.key, s.value = key, v
		return true
	}
}

// Key returns the current key. It is valid until the next call to
// Next.
func (s *Scanner) Key() []byte { return s.key }

// Value returns the current value. It is valid until the next call
// to Next.
func (s *Scanner) Value() []byte { return s.value }

// Err returns the first error encountered by the scanner.
func (s *Scanner) Err() error { return s.err }

// Close releases the scanner's snapshot resources.
func (s *Scanner) Close() {
	s.it.Close()
}
