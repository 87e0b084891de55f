// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lsm

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/pgz/sstable"
	"github.com/grailbio/pgz/vlog"
)

const (
	skipMaxLevel = 16
	// skipP is 1/4, applied as a 16-bit threshold in randomLevel.
	skipThreshold = 0xffff / 4
)

type version struct {
	ts  uint64
	ptr vlog.Pointer
}

type mtNode struct {
	key      []byte
	versions []version // descending ts
	forward  []*mtNode
}

// A MemTable is an ordered map from key to a chain of versions,
// backed by a skip list. Nodes are only ever inserted, so readers
// may traverse concurrently with writers under the table's read
// lock. Once frozen for flush a MemTable sees no further writes.
type MemTable struct {
	mu    sync.RWMutex
	head  *mtNode
	level int
	rng   uint64
	size  int64
	count int64
	maxTs uint64
}

// NewMemTable returns an empty table.
func NewMemTable() *MemTable {
	return &MemTable{
		head: &mtNode{forward: make([]*mtNode, skipMaxLevel)},
		rng:  1,
	}
}

// xorshift64; cheap enough to sit inside the write lock.
func (m *MemTable) randomLevel() int {
	level := 0
	for level < skipMaxLevel-1 {
		m.rng ^= m.rng << 13
		m.rng ^= m.rng >> 7
		m.rng ^= m.rng << 17
		if m.rng&0xffff >= skipThreshold {
			break
		}
		level++
	}
	return level
}

// findGE returns the first node with key >= key, filling update with
// the rightmost node before it at every level.
func (m *MemTable) findGE(key []byte, update []*mtNode) *mtNode {
	cur := m.head
	for i := m.level; i >= 0; i-- {
		for cur.forward[i] != nil && bytes.Compare(cur.forward[i].key, key) < 0 {
			cur = cur.forward[i]
		}
		if update != nil {
			update[i] = cur
		}
	}
	return cur.forward[0]
}

// Put records a version of key. A put with the commit timestamp of
// an existing version replaces that version's pointer; this is how
// GC relocations supersede old value addresses without changing
// visibility.
func (m *MemTable) Put(key []byte, ts uint64, ptr vlog.Pointer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update := make([]*mtNode, skipMaxLevel)
	node := m.findGE(key, update)
	if ts > m.maxTs {
		m.maxTs = ts
	}
	if node != nil && bytes.Equal(node.key, key) {
		// Insert into the version chain at the right spot. Commits
		// may apply slightly out of timestamp order.
		i := 0
		for i < len(node.versions) && node.versions[i].ts > ts {
			i++
		}
		if i < len(node.versions) && node.versions[i].ts == ts {
			// Replace the chain rather than the slot: iterators
			// read retained chains without the lock.
			vs := append([]version(nil), node.versions...)
			vs[i].ptr = ptr
			node.versions = vs
			return
		}
		vs := make([]version, 0, len(node.versions)+1)
		vs = append(vs, node.versions[:i]...)
		vs = append(vs, version{ts: ts, ptr: ptr})
		vs = append(vs, node.versions[i:]...)
		node.versions = vs
		atomic.AddInt64(&m.size, entryOverhead)
		atomic.AddInt64(&m.count, 1)
		return
	}

	level := m.randomLevel()
	if level > m.level {
		for i := m.level + 1; i <= level; i++ {
			update[i] = m.head
		}
		m.level = level
	}
	node = &mtNode{
		key:      append([]byte{}, key...),
		versions: []version{{ts: ts, ptr: ptr}},
		forward:  make([]*mtNode, level+1),
	}
	for i := 0; i <= level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	atomic.AddInt64(&m.size, int64(len(key))+entryOverhead)
	atomic.AddInt64(&m.count, 1)
}

// entryOverhead approximates the in-memory cost of one version.
const entryOverhead = 48

// Get returns the newest version of key admitted by visible.
func (m *MemTable) Get(key []byte, visible func(uint64) bool) (sstable.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node := m.findGE(key, nil)
	if node == nil || !bytes.Equal(node.key, key) {
		return sstable.Entry{}, false
	}
	for _, v := range node.versions {
		if visible(v.ts) {
			return sstable.Entry{Key: node.key, Ptr: v.ptr, CommitTs: v.ts}, true
		}
	}
	return sstable.Entry{}, false
}

// Size returns the approximate memory footprint in bytes.
func (m *MemTable) Size() int64 { return atomic.LoadInt64(&m.size) }

// Len returns the number of stored versions.
func (m *MemTable) Len() int64 { return atomic.LoadInt64(&m.count) }

// MaxTs returns the largest commit timestamp ever put.
func (m *MemTable) MaxTs() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxTs
}

// Iter returns an iterator over all versions in (key asc, ts desc)
// order. It is safe under concurrent puts: nodes are never removed,
// and every pointer step happens under the read lock.
func (m *MemTable) Iter() *memIter {
	return &memIter{m: m}
}

// memIter takes unused ctx parameters so it is interchangeable with
// table iterators in merge cursors; memory iteration cannot block.
type memIter struct {
	m        *MemTable
	node     *mtNode
	versions []version
	vi       int
	valid    bool
}

func (it *memIter) Seek(_ context.Context, key []byte) {
	it.m.mu.RLock()
	it.node = it.m.findGE(key, nil)
	if it.node != nil {
		// Version chains are replaced wholesale on insert, so a held
		// slice stays consistent outside the lock.
		it.versions = it.node.versions
	}
	it.m.mu.RUnlock()
	it.vi = 0
	it.valid = it.node != nil
}

func (it *memIter) Next(_ context.Context) bool {
	if !it.valid {
		return false
	}
	if it.vi+1 < len(it.versions) {
		it.vi++
		return true
	}
	it.m.mu.RLock()
	it.node = it.node.forward[0]
	if it.node != nil {
		it.versions = it.node.versions
	}
	it.m.mu.RUnlock()
	it.vi = 0
	it.valid = it.node != nil
	return it.valid
}

func (it *memIter) Valid() bool { return it.valid }

func (it *memIter) Entry() sstable.Entry {
	v := it.versions[it.vi]
	return sstable.Entry{Key: it.node.key, Ptr: v.ptr, CommitTs: v.ts}
}

func (it *memIter) Err() error { return nil }
