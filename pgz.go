// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pgz implements a single-node key-value storage engine for
// flash devices. Values live in an append-only value log; the keys
// index them through an LSM tree whose sorted tables store only
// 16-byte value pointers, so compaction rewrites keys without
// rewriting values. All file I/O is 4KiB-aligned and
// checksummed. Transactions run under snapshot isolation with
// first-committer-wins conflict detection, and commit durability is
// amortized through a group-commit log. Background flush, compaction,
// and value log garbage collection are admission-controlled by a
// token-bucket governor that backs off when foreground read latency
// degrades.
package pgz

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/grailbio/pgz/admit"
	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/flock"
	"github.com/grailbio/pgz/lsm"
	"github.com/grailbio/pgz/txn"
	"github.com/grailbio/pgz/vlog"
)

// Txn is a transaction against a DB. See package txn.
type Txn = txn.Txn

// Scanner iterates a key range within a transaction. See package
// txn.
type Scanner = txn.Scanner

// Options configure a DB. The zero value is usable; see the field
// comments for defaults.
type Options struct {
	// Direct requests cache-bypassing (O_DIRECT) I/O on all engine
	// files.
	Direct bool
	// Transform optionally compresses value payloads, e.g.
	// vlog.Zstd(3).
	Transform *vlog.Transform
	// Observer, if non-nil, is installed on every engine file. Tests
	// use it to verify alignment and inject faults.
	Observer blockio.Observer

	// MemTableSize is the MemTable freeze threshold. Default 8MiB.
	MemTableSize int64
	// SegmentSize is the value log segment target size. Default
	// 512MiB.
	SegmentSize int64
	// L0CompactTrigger, BaseLevelSize, LevelRatio, and TableSize
	// shape the LSM level structure. Defaults 4, 256MiB, 10, 64MiB.
	L0CompactTrigger int
	BaseLevelSize    int64
	LevelRatio       int
	TableSize        int64
	// GCLiveRatio and GCAge pick value log GC candidates. Defaults
	// 0.5 and 1h.
	GCLiveRatio float64
	GCAge       time.Duration
	// Governor configures background admission control, including
	// the foreground read latency SLO.
	Governor admit.GovernorOpts
	// CheckpointEvery bounds manifest log growth between
	// checkpoints. Default 1024 records.
	CheckpointEvery int
	// Workers is the background maintenance worker count. Default 2.
	Workers int
	// DisableBackground suppresses background maintenance. Used in
	// tests.
	DisableBackground bool
}

// A DB is an open engine instance. Methods on DB are safe for
// concurrent use.
type DB struct {
	dir  string
	lk   *flock.Lock
	tree *lsm.Tree
	mgr  *txn.Manager
}

// Open opens or creates the engine in dir. A previous unclean
// shutdown is recovered automatically: the manifest replays to the
// last checkpoint, torn log tails are discarded, and committed
// transactions are reapplied from the commit log.
func Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.E("pgz: mkdir", dir, err)
	}
	// The directory lock keeps a second process (or a second Open in
	// this process) from racing the manifest and value log.
	lk := flock.New(filepath.Join(dir, "LOCK"))
	if err := lk.TryLock(); err != nil {
		return nil, err
	}
	var mgr *txn.Manager
	tree, err := lsm.Open(ctx, dir, lsm.Options{
		MemTableSize:     opts.MemTableSize,
		Direct:           opts.Direct,
		Observer:         opts.Observer,
		SegmentSize:      opts.SegmentSize,
		Transform:        opts.Transform,
		L0CompactTrigger: opts.L0CompactTrigger,
		BaseLevelSize:    opts.BaseLevelSize,
		LevelRatio:       opts.LevelRatio,
		TableSize:        opts.TableSize,
		GCLiveRatio:      opts.GCLiveRatio,
		GCAge:            opts.GCAge,
		Governor:         opts.Governor,
		CheckpointEvery:  opts.CheckpointEvery,
		Workers:          opts.Workers,
		DisableBackground: opts.DisableBackground,
		SafeTs: func() uint64 {
			if mgr == nil {
				return 0
			}
			return mgr.SafeTs()
		},
		SnapshotFloor: func() uint64 {
			if mgr == nil {
				return 0
			}
			return mgr.SnapshotFloor()
		},
	})
	if err != nil {
		lk.Unlock() // nolint: errcheck
		return nil, err
	}
	mgr, err = txn.New(ctx, tree, dir, txn.Options{
		Direct:   opts.Direct,
		Observer: opts.Observer,
	})
	if err != nil {
		tree.CloseDirty(ctx) // nolint: errcheck
		lk.Unlock()          // nolint: errcheck
		return nil, err
	}
	if err := tree.FinishRecovery(ctx); err != nil {
		mgr.Close(false)     // nolint: errcheck
		tree.CloseDirty(ctx) // nolint: errcheck
		lk.Unlock()          // nolint: errcheck
		return nil, err
	}
	return &DB{dir: dir, lk: lk, tree: tree, mgr: mgr}, nil
}

// Begin starts a transaction reading from the current snapshot.
func (db *DB) Begin() *Txn {
	return db.mgr.Begin()
}

// Update runs fn in a transaction and commits it if fn succeeds. The
// transaction is aborted if fn returns an error or panics. Commit
// may fail with a Conflict error; Update does not retry.
func (db *DB) Update(ctx context.Context, fn func(*Txn) error) error {
	x := db.Begin()
	defer x.Abort()
	if err := fn(x); err != nil {
		return err
	}
	return x.Commit(ctx)
}

// View runs fn in a read-only snapshot.
func (db *DB) View(ctx context.Context, fn func(*Txn) error) error {
	x := db.Begin()
	defer x.Abort()
	return fn(x)
}

// Get returns the current value of key in a single-operation
// snapshot. It returns a NotExist error for absent and deleted keys.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	x := db.Begin()
	defer x.Abort()
	return x.Get(ctx, key)
}

// Put durably writes key to value in a single-operation
// transaction.
func (db *DB) Put(ctx context.Context, key, value []byte) error {
	return db.Update(ctx, func(x *Txn) error {
		return x.Put(key, value)
	})
}

// Delete durably deletes key in a single-operation transaction.
// Deleting an absent key succeeds.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	return db.Update(ctx, func(x *Txn) error {
		return x.Delete(key)
	})
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	// Tree summarizes the LSM strata: MemTable fill, per-level table
	// counts and sizes, live value log segments, background job
	// counts.
	Tree lsm.Stats
	// Txn counts commit outcomes.
	Txn txn.Stats
	// BackgroundFactor is the governor's current throttle factor in
	// (0, 1]; 1 means background I/O runs at its configured rate.
	BackgroundFactor float64
	// BackgroundIORate is the current background I/O budget in
	// bytes/sec after throttling.
	BackgroundIORate float64
}

// Stats returns a point-in-time summary of the engine.
func (db *DB) Stats() Stats {
	gov := db.tree.Governor()
	return Stats{
		Tree:             db.tree.Stats(),
		Txn:              db.mgr.Stats(),
		BackgroundFactor: gov.Factor(),
		BackgroundIORate: gov.IO().Rate(),
	}
}

// Close flushes all in-memory state, checkpoints the manifest, and
// truncates the commit log, so the next Open performs no replay.
// Outstanding transactions must be finished before Close.
func (db *DB) Close(ctx context.Context) error {
	var e errors.Once
	e.Set(db.tree.Close(ctx))
	e.Set(db.mgr.Close(e.Err() == nil))
	e.Set(db.lk.Unlock())
	return e.Err()
}
