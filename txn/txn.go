// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package txn provides snapshot-isolation transactions over an LSM
// tree. A transaction reads from a frozen snapshot identified by a
// read timestamp, buffers its writes privately, and at commit time
// validates first-committer-wins: if any written key gained a
// committed version after the snapshot was taken, the commit fails
// with a Conflict error. Commit durability goes through a
// group-commit log so concurrent commits share fsyncs. Write skew is
// permitted; this is snapshot isolation, not serializability.
package txn

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/lsm"
	"github.com/grailbio/pgz/must"
	"github.com/grailbio/pgz/sstable"
	"github.com/grailbio/pgz/vlog"
)

// Options configure a Manager.
type Options struct {
	// Direct requests cache-bypassing I/O on the commit log.
	Direct bool
	// Observer, if non-nil, is installed on the commit log file.
	Observer blockio.Observer
}

// A Manager issues transactions against a tree. It owns the
// timestamp oracle, the open-snapshot accounting that bounds version
// reclamation, and the commit log.
type Manager struct {
	tree *lsm.Tree
	cl   *commitLog

	commits   uint64 // atomic
	conflicts uint64 // atomic

	mu       sync.Mutex
	nextTxid uint64
	nextTs   uint64         // last assigned commit timestamp
	readTs   uint64         // contiguous applied prefix; new snapshots read here
	done     map[uint64]bool // committed out of order, above readTs
	snaps    map[uint64]int  // open snapshot refcounts by read timestamp
	pending  map[string]int  // keys claimed by in-flight commits
}

// Stats counts commit outcomes since New.
type Stats struct {
	Commits   uint64
	Conflicts uint64
}

// Stats returns commit outcome counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Commits:   atomic.LoadUint64(&m.commits),
		Conflicts: atomic.LoadUint64(&m.conflicts),
	}
}

// New opens the commit log in dir, replays intact commit records
// into the tree, and returns a manager whose oracle resumes after
// the newest recovered timestamp. The caller wires SafeTs and
// SnapshotFloor into the tree before opening it (see Funcs) and
// calls the tree's FinishRecovery after New.
func New(ctx context.Context, tree *lsm.Tree, dir string, opts Options) (*Manager, error) {
	cl, err := openCommitLog(dir, opts.Direct, opts.Observer)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		tree:    tree,
		cl:      cl,
		done:    make(map[uint64]bool),
		snaps:   make(map[uint64]int),
		pending: make(map[string]int),
	}
	err = cl.replay(ctx, func(txid, commitTs uint64, key []byte, ptr vlog.Pointer) error {
		tree.Apply(append([]byte(nil), key...), commitTs, ptr)
		if txid > m.nextTxid {
			m.nextTxid = txid
		}
		return nil
	})
	if err != nil {
		cl.close() // nolint: errcheck
		return nil, err
	}
	m.nextTs = tree.Stats().MaxCommitTs
	m.readTs = m.nextTs
	return m, nil
}

// SafeTs is the version reclaim horizon for compaction: the oldest
// open snapshot's read timestamp, or the current read timestamp when
// no snapshot is open.
func (m *Manager) SafeTs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.minSnapLocked(); ok {
		return ts
	}
	return m.readTs
}

// SnapshotFloor is the oldest open snapshot's read timestamp, or
// MaxUint64 when none are open.
func (m *Manager) SnapshotFloor() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.minSnapLocked(); ok {
		return ts
	}
	return math.MaxUint64
}

func (m *Manager) minSnapLocked() (uint64, bool) {
	var (
		min   uint64
		found bool
	)
	for ts := range m.snaps {
		if !found || ts < min {
			min, found = ts, true
		}
	}
	return min, found
}

// Begin starts a transaction reading from the current snapshot.
func (m *Manager) Begin() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxid++
	m.snaps[m.readTs]++
	return &Txn{
		m:      m,
		id:     m.nextTxid,
		readTs: m.readTs,
		writes: make(map[string]txnWrite),
	}
}

func (m *Manager) releaseSnapshot(readTs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.snaps[readTs] - 1
	must.True(n >= 0, "txn: snapshot refcount underflow")
	if n == 0 {
		delete(m.snaps, readTs)
	} else {
		m.snaps[readTs] = n
	}
}

// Close closes the commit log. Reset discards it first when the tree
// has been flushed cleanly.
func (m *Manager) Close(reset bool) error {
	if reset {
		if err := m.cl.reset(); err != nil {
			m.cl.close() // nolint: errcheck
			return err
		}
	}
	return m.cl.close()
}

type txnWrite struct {
	value  []byte
	delete bool
}

// A Txn is a single transaction. It is not safe for concurrent use.
type Txn struct {
	m      *Manager
	id     uint64
	readTs uint64
	writes map[string]txnWrite
	closed bool
}

// ReadTs returns the transaction's snapshot timestamp.
func (x *Txn) ReadTs() uint64 { return x.readTs }

func (x *Txn) visible(ts uint64) bool { return ts <= x.readTs }

// Get returns the value of key as of the transaction's snapshot,
// with the transaction's own uncommitted writes layered on top. It
// returns a NotExist error for absent and deleted keys.
func (x *Txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	if x.closed {
		return nil, errors.E(errors.Precondition, "txn: finished")
	}
	if w, ok := x.writes[string(key)]; ok {
		if w.delete {
			return nil, errors.E(errors.NotExist, "txn.Get", string(key))
		}
		return append([]byte(nil), w.value...), nil
	}
	e, ok, err := x.m.tree.Get(ctx, key, x.visible)
	if err != nil {
		return nil, err
	}
	if !ok || e.Tombstone() {
		return nil, errors.E(errors.NotExist, "txn.Get", string(key))
	}
	return x.m.tree.ReadValue(ctx, e.Ptr)
}

// checkKey rejects keys the index cannot store. Size limits are
// enforced here, before any I/O, so a commit record never carries an
// entry that would poison flush or replay.
func checkKey(key []byte) error {
	if len(key) == 0 {
		return errors.E(errors.Invalid, "txn: empty key")
	}
	if len(key) > sstable.MaxKey {
		return errors.E(errors.Invalid, fmt.Sprintf("txn: key length %d exceeds %d", len(key), sstable.MaxKey))
	}
	return nil
}

// Put buffers a write of key to value.
func (x *Txn) Put(key, value []byte) error {
	if x.closed {
		return errors.E(errors.Precondition, "txn: finished")
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if len(value) > vlog.MaxPayload {
		return errors.E(errors.Invalid, fmt.Sprintf("txn: value length %d exceeds %d", len(value), vlog.MaxPayload))
	}
	x.writes[string(key)] = txnWrite{value: append([]byte(nil), value...)}
	return nil
}

// Delete buffers a deletion of key.
func (x *Txn) Delete(key []byte) error {
	if x.closed {
		return errors.E(errors.Precondition, "txn: finished")
	}
	if err := checkKey(key); err != nil {
		return err
	}
	x.writes[string(key)] = txnWrite{delete: true}
	return nil
}

// Abort discards the transaction's writes and releases its
// snapshot. Aborting a finished transaction is a no-op.
func (x *Txn) Abort() {
	if x.closed {
		return
	}
	x.closed = true
	x.m.releaseSnapshot(x.readTs)
}

// Commit validates and durably commits the transaction's writes.
// Under first-committer-wins, a Conflict error means some written
// key was committed by another transaction after this one's
// snapshot; the caller may retry with a fresh transaction. The
// transaction is finished either way.
func (x *Txn) Commit(ctx context.Context) error {
	if x.closed {
		return errors.E(errors.Precondition, "txn: finished")
	}
	x.closed = true
	defer x.m.releaseSnapshot(x.readTs)
	if len(x.writes) == 0 {
		return nil
	}
	return x.m.commit(ctx, x)
}

func (m *Manager) commit(ctx context.Context, x *Txn) error {
	keys := make([][]byte, 0, len(x.writes))
	for k := range x.writes {
		keys = append(keys, []byte(k))
	}

	// Claim the write set before validating. A key claimed by an
	// in-flight commit necessarily commits above our snapshot, and a
	// commit that released its claim has already applied, so the
	// validation read below cannot miss it.
	m.mu.Lock()
	for _, key := range keys {
		if m.pending[string(key)] > 0 {
			m.mu.Unlock()
			atomic.AddUint64(&m.conflicts, 1)
			return errors.E(errors.Conflict, "txn.Commit", string(key))
		}
	}
	for _, key := range keys {
		m.pending[string(key)] = 1
	}
	m.mu.Unlock()
	release := func() {
		m.mu.Lock()
		for _, key := range keys {
			delete(m.pending, string(key))
		}
		m.mu.Unlock()
	}

	// First-committer-wins: any committed version above our snapshot
	// on a written key loses us the commit.
	for _, key := range keys {
		e, ok, err := m.tree.Get(ctx, key, func(uint64) bool { return true })
		if err != nil {
			release()
			return err
		}
		if ok && e.CommitTs > x.readTs {
			release()
			atomic.AddUint64(&m.conflicts, 1)
			return errors.E(errors.Conflict, "txn.Commit", string(key))
		}
	}

	m.mu.Lock()
	m.nextTs++
	commitTs := m.nextTs
	m.mu.Unlock()

	err := m.writeCommit(ctx, x, commitTs, keys)

	m.mu.Lock()
	for _, key := range keys {
		delete(m.pending, string(key))
	}
	// Visibility advances only over the contiguous prefix of applied
	// commits, so no snapshot can observe a timestamp gap. A failed
	// commit burns its timestamp.
	m.done[commitTs] = true
	for m.done[m.readTs+1] {
		m.readTs++
		delete(m.done, m.readTs)
	}
	m.mu.Unlock()
	if err == nil {
		atomic.AddUint64(&m.commits, 1)
	}
	return err
}

// writeCommit makes the transaction durable and visible: values to
// the value log, the commit record through the group-commit log,
// then the index entries into the MemTable. Value bytes are synced
// before the commit record, so a durable record never references
// torn values.
func (m *Manager) writeCommit(ctx context.Context, x *Txn, commitTs uint64, keys [][]byte) (err error) {
	ptrs := make([]vlog.Pointer, len(keys))
	defer func() {
		if err != nil {
			for _, ptr := range ptrs {
				if !ptr.IsZero() {
					m.tree.DiscardValue(ptr)
				}
			}
		}
	}()
	for i, key := range keys {
		w := x.writes[string(key)]
		if w.delete {
			continue
		}
		if ptrs[i], err = m.tree.AppendValue(ctx, w.value); err != nil {
			return err
		}
	}
	if err = m.tree.SyncValues(); err != nil {
		return err
	}
	frame := encodeCommit(nil, x.id, commitTs, keys, ptrs)
	if err = m.cl.append(ctx, frame); err != nil {
		return err
	}
	for i, key := range keys {
		m.tree.Apply(key, commitTs, ptrs[i])
	}
	return nil
}
