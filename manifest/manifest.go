// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package manifest maintains the crash-safe record of what exists on
// disk: live value log segments, the sorted tables of each level, and
// the GC epoch.
//
// The root is a superblock file holding two fixed-offset copies;
// the valid copy with the higher sequence number is authoritative,
// and updates always overwrite the other copy. The superblock points
// into a generation-numbered manifest log of structural deltas. Each
// log record is a 4KiB-padded, xxhash-checksummed batch of deltas;
// a batch is applied atomically or not at all, which is what lets
// compaction swap file sets without a window where neither set is
// visible. A checkpoint writes the full state as the first record of
// a fresh generation and retires the old log, bounding replay time.
package manifest

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/log"
)

var byteOrder = binary.LittleEndian

const (
	superblockFile = "SUPERBLOCK"

	// recordHeader is len:u32 followed by xxhash64 of the payload.
	recordHeader = 12
	maxRecord    = 16 << 20

	defaultCheckpointEvery = 1024
)

// Options configure a Manifest.
type Options struct {
	// Direct requests cache-bypassing I/O on manifest files.
	Direct bool
	// Observer, if non-nil, is installed on manifest files.
	Observer blockio.Observer
	// CheckpointEvery bounds the number of delta records between
	// checkpoints. Default 1024.
	CheckpointEvery int
}

func (o Options) checkpointEvery() int {
	if o.CheckpointEvery <= 0 {
		return defaultCheckpointEvery
	}
	return o.CheckpointEvery
}

func (o Options) mode(create bool) blockio.Mode {
	mode := blockio.ReadWrite
	if create {
		mode |= blockio.Create
	}
	if o.Direct {
		mode |= blockio.Direct
	}
	return mode
}

// A Manifest is the durable registry of live segments and tables.
// It is safe for concurrent use.
type Manifest struct {
	dir  string
	opts Options

	mu     sync.Mutex
	sb     superblock
	super  *blockio.File
	logf   *blockio.File
	logOff int64
	state  State
	deltas int
}

func manifestPath(dir string, generation uint32) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%08d", generation))
}

// TablePath returns the file path of the sorted table with the given
// id.
func TablePath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", id))
}

// Open loads the manifest in dir, creating it if none exists.
func Open(ctx context.Context, dir string, opts Options) (*Manifest, error) {
	m := &Manifest{dir: dir, opts: opts}
	superPath := filepath.Join(dir, superblockFile)
	if _, err := os.Stat(superPath); os.IsNotExist(err) {
		if err := m.create(ctx, superPath); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := m.load(ctx, superPath); err != nil {
		return nil, err
	}
	return m, nil
}

// create initializes a fresh store: an empty snapshot in generation
// 1, then the first superblock. Crashing before the superblock write
// leaves no superblock, and the next Open re-initializes.
func (m *Manifest) create(ctx context.Context, superPath string) (err error) {
	defer func() {
		if err != nil {
			m.closeFiles(ctx) // nolint: errcheck
		}
	}()
	m.logf, err = blockio.Open(manifestPath(m.dir, 1), m.opts.mode(true)|blockio.Truncate)
	if err != nil {
		return err
	}
	if m.opts.Observer != nil {
		m.logf.SetObserver(m.opts.Observer)
	}
	m.state = State{NextTableID: 1, NextSegment: 1}
	if err := m.appendRecord(ctx, encodeSnapshot(m.state)); err != nil {
		return err
	}
	m.super, err = blockio.Open(superPath, m.opts.mode(true))
	if err != nil {
		return err
	}
	if m.opts.Observer != nil {
		m.super.SetObserver(m.opts.Observer)
	}
	if err := m.super.Preallocate(superCopies * blockio.BlockSize); err != nil {
		return err
	}
	m.sb = superblock{sequence: 1, manifestPtr: packManifestPtr(1, 0)}
	return writeSuperblock(ctx, m.super, m.sb)
}

// load reads the superblock and replays the manifest log it points
// to.
func (m *Manifest) load(ctx context.Context, superPath string) (err error) {
	defer func() {
		if err != nil {
			m.closeFiles(ctx) // nolint: errcheck
		}
	}()
	m.super, err = blockio.Open(superPath, m.opts.mode(false))
	if err != nil {
		return err
	}
	if m.opts.Observer != nil {
		m.super.SetObserver(m.opts.Observer)
	}
	m.sb, err = readSuperblock(ctx, m.super)
	if err != nil {
		return err
	}
	m.logf, err = blockio.Open(manifestPath(m.dir, m.sb.generation()), m.opts.mode(false))
	if err != nil {
		return err
	}
	if m.opts.Observer != nil {
		m.logf.SetObserver(m.opts.Observer)
	}
	return m.replay(ctx, m.sb.offset())
}

// replay applies records from off to the end of the log. A torn or
// zeroed record ends the log: the tail is truncated and appends
// resume there. A checksummed record that fails to decode is real
// corruption and fatal.
func (m *Manifest) replay(ctx context.Context, off int64) error {
	size, err := m.logf.Size()
	if err != nil {
		return err
	}
	head := blockio.AlignedBuf(blockio.BlockSize)
	for off < size {
		if err := m.logf.ReadAt(ctx, head, off); err != nil {
			return err
		}
		plen := byteOrder.Uint32(head)
		if plen == 0 || plen > maxRecord {
			break
		}
		span := blockio.RoundUp(recordHeader + int64(plen))
		if off+span > size {
			break
		}
		buf := head
		if span > blockio.BlockSize {
			buf = blockio.AlignedBuf(int(span))
			if err := m.logf.ReadAt(ctx, buf, off); err != nil {
				return err
			}
		}
		payload := buf[recordHeader : recordHeader+plen]
		if byteOrder.Uint64(buf[4:]) != xxhash.Sum64(payload) {
			break
		}
		if err := decodeRecord(&m.state, payload); err != nil {
			return errors.E(errors.Fatal, fmt.Sprintf("manifest: replay at offset %d", off), err)
		}
		off += span
	}
	if off < size {
		log.Printf("manifest: truncating torn tail at offset %d (size %d)", off, size)
		if err := m.logf.Truncate(off); err != nil {
			return err
		}
	}
	m.logOff = off
	return nil
}

// appendRecord durably appends one record to the log.
func (m *Manifest) appendRecord(ctx context.Context, payload []byte) error {
	if len(payload) > maxRecord {
		return errors.E(errors.Invalid, fmt.Sprintf("manifest: record of %d bytes", len(payload)))
	}
	span := blockio.RoundUp(recordHeader + int64(len(payload)))
	buf := blockio.AlignedBuf(int(span))
	byteOrder.PutUint32(buf[0:], uint32(len(payload)))
	byteOrder.PutUint64(buf[4:], xxhash.Sum64(payload))
	copy(buf[recordHeader:], payload)
	if err := m.logf.WriteAt(ctx, buf, m.logOff); err != nil {
		return err
	}
	if err := m.logf.Sync(); err != nil {
		return err
	}
	m.logOff += span
	return nil
}

// State returns a copy of the current state.
func (m *Manifest) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Epoch returns the current GC epoch.
func (m *Manifest) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Epoch
}

// AllocTableID reserves a table id. The reservation is persisted
// only by a later AddTable delta; an id reserved by a crashed flush
// may be reused, which is safe because table files are created with
// truncation.
func (m *Manifest) AllocTableID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.state.NextTableID
	m.state.NextTableID++
	return id
}

// AllocSegment reserves a value log segment id, with the same
// reservation semantics as AllocTableID.
func (m *Manifest) AllocSegment() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.state.NextSegment
	m.state.NextSegment++
	return seg
}

// Apply durably appends deltas as one atomic record and applies them
// to the in-memory state. Either all of them are visible after a
// crash or none are.
func (m *Manifest) Apply(ctx context.Context, deltas ...Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Validate against a copy first so a programming fault cannot
	// follow a durable write.
	next := m.state.clone()
	var payload []byte
	for _, d := range deltas {
		next.apply(d)
		payload = appendDelta(payload, d)
	}
	if err := m.appendRecord(ctx, payload); err != nil {
		return err
	}
	m.state = next
	m.deltas++
	if m.deltas >= m.opts.checkpointEvery() {
		return m.checkpointLocked(ctx)
	}
	return nil
}

// Checkpoint compacts the log to a single snapshot in a fresh
// generation.
func (m *Manifest) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLocked(ctx)
}

func (m *Manifest) checkpointLocked(ctx context.Context) error {
	oldGen := m.sb.generation()
	newGen := oldGen + 1
	logf, err := blockio.Open(manifestPath(m.dir, newGen), m.opts.mode(true)|blockio.Truncate)
	if err != nil {
		return err
	}
	if m.opts.Observer != nil {
		logf.SetObserver(m.opts.Observer)
	}
	oldLog, oldOff := m.logf, m.logOff
	m.logf, m.logOff = logf, 0
	if err := m.appendRecord(ctx, encodeSnapshot(m.state)); err != nil {
		m.logf, m.logOff = oldLog, oldOff
		logf.Close() // nolint: errcheck
		return err
	}
	sb := superblock{
		sequence:    m.sb.sequence + 1,
		manifestPtr: packManifestPtr(newGen, 0),
		vlogEpoch:   m.state.Epoch,
	}
	if err := writeSuperblock(ctx, m.super, sb); err != nil {
		m.logf, m.logOff = oldLog, oldOff
		logf.Close() // nolint: errcheck
		return err
	}
	m.sb = sb
	m.deltas = 0
	if err := oldLog.Close(); err != nil {
		log.Error.Printf("manifest: closing generation %d: %v", oldGen, err)
	}
	if err := blockio.Remove(manifestPath(m.dir, oldGen)); err != nil {
		log.Error.Printf("manifest: removing generation %d: %v", oldGen, err)
	}
	return nil
}

func (m *Manifest) closeFiles(ctx context.Context) error {
	var e errors.Once
	if m.logf != nil {
		e.Set(m.logf.Close())
	}
	if m.super != nil {
		e.Set(m.super.Close())
	}
	return e.Err()
}

// Close checkpoints and closes the manifest. The next Open replays
// only the closing snapshot.
func (m *Manifest) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var e errors.Once
	e.Set(m.checkpointLocked(ctx))
	e.Set(m.closeFiles(ctx))
	return e.Err()
}
