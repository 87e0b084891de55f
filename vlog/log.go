// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/crc32c"
	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/log"
)

// MaxPayload bounds the stored size of a single value, protecting
// recovery scans from parsing garbage lengths.
const MaxPayload = 1 << 30

// Options configure a value log.
type Options struct {
	// SegmentSize is the target segment size; the log rotates to a
	// new segment once the active one reaches it.
	SegmentSize int64
	// Direct requests cache-bypassing I/O on segment files.
	Direct bool
	// Transform, if non-nil, rewrites payloads on their way to and
	// from the log (e.g. compression). Stored lengths refer to the
	// transformed payload.
	Transform *Transform
	// OnRotate, if non-nil, is invoked with the id of a new segment
	// before any data is written to it. The engine uses it to
	// record the segment in the manifest first.
	OnRotate func(segment uint32) error
	// Observer, if non-nil, is installed on every segment file.
	Observer blockio.Observer
}

func (o Options) segmentSize() int64 {
	if o.SegmentSize <= 0 {
		return 64 << 20
	}
	return blockio.RoundUp(o.SegmentSize)
}

// SegmentStats accounts for the bytes in one segment. Live and
// Garbage track padded record sizes, so Live+Garbage approximates
// the segment's occupied size.
type SegmentStats struct {
	Live    int64
	Garbage int64
	// LastWriteTs is the largest commit timestamp whose value was
	// appended to this segment. GC must not reclaim a segment while
	// a snapshot older than this is open.
	LastWriteTs uint64
	// Created is when this process first tracked the segment. Age
	// restarts on reopen, which only delays age-triggered GC.
	Created time.Time
}

// A Log is an append-only value store split across segment files.
// Appends are serialized internally; reads may proceed concurrently
// with appends and with each other.
type Log struct {
	dir  string
	opts Options

	mu     sync.Mutex // serializes Append, rotation, Sync
	active *segment

	rmu     sync.RWMutex
	readers map[uint32]*blockio.File

	smu   sync.Mutex
	stats map[uint32]*SegmentStats
}

type segment struct {
	id  uint32
	f   *blockio.File
	off int64
}

// SegmentPath returns the path of segment id within dir.
func SegmentPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.vlog", id))
}

// Open returns a value log rooted at dir. No segment is active
// until CreateSegment or Recover is called.
func Open(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.E(errors.IO, "vlog.Open", dir, err)
	}
	return &Log{
		dir:     dir,
		opts:    opts,
		readers: make(map[uint32]*blockio.File),
		stats:   make(map[uint32]*SegmentStats),
	}, nil
}

func (l *Log) openMode() blockio.Mode {
	mode := blockio.ReadWrite | blockio.Create
	if l.opts.Direct {
		mode |= blockio.Direct
	}
	return mode
}

// CreateSegment creates segment id and makes it the active append
// target.
func (l *Log) CreateSegment(ctx context.Context, id uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createLocked(ctx, id)
}

func (l *Log) createLocked(_ context.Context, id uint32) error {
	f, err := blockio.Open(SegmentPath(l.dir, id), l.openMode())
	if err != nil {
		return err
	}
	if l.opts.Observer != nil {
		f.SetObserver(l.opts.Observer)
	}
	if err := f.Preallocate(l.opts.segmentSize()); err != nil {
		f.Close() // nolint: errcheck
		return err
	}
	l.installActive(&segment{id: id, f: f})
	return nil
}

func (l *Log) installActive(seg *segment) {
	l.active = seg
	l.rmu.Lock()
	l.readers[seg.id] = seg.f
	l.rmu.Unlock()
	l.smu.Lock()
	l.statsLocked(seg.id)
	l.smu.Unlock()
}

// statsLocked returns the accounting entry for id, creating it if
// needed. The caller holds smu.
func (l *Log) statsLocked(id uint32) *SegmentStats {
	s := l.stats[id]
	if s == nil {
		s = &SegmentStats{Created: time.Now()}
		l.stats[id] = s
	}
	return s
}

// Recover opens segment id, scans it for the last fully valid
// record, truncates the torn tail if any, and makes the segment the
// active append target. It returns the recovered append offset.
func (l *Log) Recover(ctx context.Context, id uint32) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := blockio.Open(SegmentPath(l.dir, id), l.openMode())
	if err != nil {
		return 0, err
	}
	if l.opts.Observer != nil {
		f.SetObserver(l.opts.Observer)
	}
	off, err := scanLastGood(ctx, f)
	if err != nil {
		f.Close() // nolint: errcheck
		return 0, err
	}
	size, err := f.Size()
	if err != nil {
		f.Close() // nolint: errcheck
		return 0, err
	}
	if off < size {
		log.Printf("vlog: segment %06d: discarding torn tail at %d (size %d)", id, off, size)
		if err := f.Truncate(off); err != nil {
			f.Close() // nolint: errcheck
			return 0, err
		}
		if err := f.Sync(); err != nil {
			f.Close() // nolint: errcheck
			return 0, err
		}
	}
	l.installActive(&segment{id: id, f: f, off: off})
	return off, nil
}

// OpenSegment ensures segment id is readable. It is used during
// recovery for sealed segments referenced by the manifest.
func (l *Log) OpenSegment(id uint32) error {
	_, err := l.reader(id)
	return err
}

// ActiveSegment returns the id of the active segment and its append
// offset.
func (l *Log) ActiveSegment() (uint32, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return 0, 0
	}
	return l.active.id, l.active.off
}

// Append encodes payload into a new record and writes it at the
// active segment's write offset, rotating to a new segment first if
// the active one is full. The returned pointer addresses the stored
// payload. Append does not itself make the record durable; call
// Sync (group commit does).
func (l *Log) Append(ctx context.Context, payload []byte) (Pointer, error) {
	stored := payload
	if l.opts.Transform != nil {
		var err error
		stored, err = l.opts.Transform.Encode(nil, payload)
		if err != nil {
			return Pointer{}, errors.E("vlog: transform encode", err)
		}
	}
	if len(stored) > MaxPayload {
		return Pointer{}, errors.E(errors.Invalid, fmt.Sprintf("vlog: value of %d bytes exceeds maximum", len(stored)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return Pointer{}, errors.E(errors.Precondition, "vlog: no active segment")
	}
	size := recordSize(len(stored))
	if l.active.off+size > l.opts.segmentSize() && l.active.off > 0 {
		if err := l.rotateLocked(ctx); err != nil {
			return Pointer{}, err
		}
	}

	buf := blockio.AlignedBuf(int(size))
	byteOrder.PutUint32(buf[0:], uint32(len(stored)))
	// The checksum covers the length field as well as the payload,
	// so that a valid empty record is distinguishable from
	// preallocated zeros during recovery scans.
	byteOrder.PutUint32(buf[4:], crc32c.Update(crc32c.Sum(buf[0:4]), stored))
	copy(buf[headerSize:], stored)

	ptr := Pointer{Segment: l.active.id, Offset: uint64(l.active.off), Length: uint32(len(stored))}
	if err := l.active.f.WriteAt(ctx, buf, l.active.off); err != nil {
		return Pointer{}, err
	}
	l.active.off += size

	l.smu.Lock()
	l.stats[ptr.Segment].Live += size
	l.smu.Unlock()
	return ptr, nil
}

func (l *Log) rotateLocked(ctx context.Context) error {
	// Seal the current segment: everything in it must be durable
	// before its successor is announced.
	if err := l.active.f.Sync(); err != nil {
		return err
	}
	next := l.active.id + 1
	if l.opts.OnRotate != nil {
		if err := l.opts.OnRotate(next); err != nil {
			return err
		}
	}
	log.Debug.Printf("vlog: rotating to segment %06d", next)
	return l.createLocked(ctx, next)
}

// Sync makes all appended records durable.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return nil
	}
	return l.active.f.Sync()
}

func (l *Log) reader(id uint32) (*blockio.File, error) {
	l.rmu.RLock()
	f := l.readers[id]
	l.rmu.RUnlock()
	if f != nil {
		return f, nil
	}
	l.rmu.Lock()
	defer l.rmu.Unlock()
	if f = l.readers[id]; f != nil {
		return f, nil
	}
	mode := blockio.Mode(0)
	if l.opts.Direct {
		mode |= blockio.Direct
	}
	f, err := blockio.Open(SegmentPath(l.dir, id), mode)
	if err != nil {
		return nil, err
	}
	if l.opts.Observer != nil {
		f.SetObserver(l.opts.Observer)
	}
	l.readers[id] = f
	return f, nil
}

// Read dereferences ptr, verifies the record checksum, reverses any
// payload transform, and returns a copy of the payload owned by the
// caller. A checksum mismatch or truncated record returns a
// Corruption error; garbage is never silently returned.
func (l *Log) Read(ctx context.Context, ptr Pointer) ([]byte, error) {
	if ptr.IsZero() {
		return nil, errors.E(errors.Precondition, "vlog: read through null pointer")
	}
	f, err := l.reader(ptr.Segment)
	if err != nil {
		return nil, err
	}
	span := recordSize(int(ptr.Length))
	buf := blockio.AlignedBuf(int(span))
	if err := f.ReadAt(ctx, buf, int64(ptr.Offset)); err != nil {
		return nil, err
	}
	length := byteOrder.Uint32(buf[0:])
	crc := byteOrder.Uint32(buf[4:])
	if length != ptr.Length {
		return nil, errors.E(errors.Corruption, errors.Fatal,
			fmt.Sprintf("vlog: segment %06d offset %d: record length %d, pointer length %d",
				ptr.Segment, ptr.Offset, length, ptr.Length))
	}
	stored := buf[headerSize : headerSize+int(length)]
	if got := crc32c.Update(crc32c.Sum(buf[0:4]), stored); got != crc {
		return nil, errors.E(errors.Corruption, errors.Fatal,
			fmt.Sprintf("vlog: segment %06d offset %d: checksum mismatch", ptr.Segment, ptr.Offset))
	}
	if l.opts.Transform != nil {
		payload, err := l.opts.Transform.Decode(nil, stored)
		if err != nil {
			return nil, errors.E(errors.Corruption, errors.Fatal, "vlog: transform decode", err)
		}
		return append([]byte{}, payload...), nil
	}
	return append([]byte{}, stored...), nil
}

// scanLastGood scans 4KiB-aligned boundaries from the start of f,
// validating each record, and returns the offset just past the last
// fully valid record.
func scanLastGood(ctx context.Context, f *blockio.File) (int64, error) {
	size, err := f.Size()
	if err != nil {
		return 0, err
	}
	var (
		off  int64
		head = blockio.AlignedBuf(blockio.BlockSize)
	)
	for off+blockio.BlockSize <= size {
		if err := f.ReadAt(ctx, head, off); err != nil {
			return 0, err
		}
		length := byteOrder.Uint32(head[0:])
		crc := byteOrder.Uint32(head[4:])
		if length > MaxPayload {
			break
		}
		span := recordSize(int(length))
		if off+span > size {
			break
		}
		var stored []byte
		if span == blockio.BlockSize {
			stored = head[headerSize : headerSize+int(length)]
		} else {
			buf := blockio.AlignedBuf(int(span))
			if err := f.ReadAt(ctx, buf, off); err != nil {
				return 0, err
			}
			stored = buf[headerSize : headerSize+int(length)]
		}
		if crc32c.Update(crc32c.Sum(head[0:4]), stored) != crc {
			break
		}
		off += span
	}
	return off, nil
}

// MarkLive adds a record's padded size to segment id's live bytes.
// It is called when rebuilding accounting during recovery or after
// GC relocation.
func (l *Log) MarkLive(ptr Pointer) {
	l.smu.Lock()
	defer l.smu.Unlock()
	l.statsLocked(ptr.Segment).Live += recordSize(int(ptr.Length))
}

// MarkGarbage moves a record's padded size from segment id's live
// bytes to its garbage bytes. It is called whenever the owning LSM
// entry is rewritten or dropped.
func (l *Log) MarkGarbage(ptr Pointer) {
	l.smu.Lock()
	defer l.smu.Unlock()
	s := l.stats[ptr.Segment]
	if s == nil {
		return
	}
	size := recordSize(int(ptr.Length))
	s.Live -= size
	s.Garbage += size
}

// NoteWriteTs records that a value with commit timestamp ts was
// written to segment id.
func (l *Log) NoteWriteTs(id uint32, ts uint64) {
	l.smu.Lock()
	defer l.smu.Unlock()
	if s := l.statsLocked(id); ts > s.LastWriteTs {
		s.LastWriteTs = ts
	}
}

// AddGarbage adds n bytes of garbage to segment id's accounting
// without touching its live count. It is used when rebuilding
// accounting at open, where garbage is the segment's occupied size
// minus the live bytes found in the tree.
func (l *Log) AddGarbage(id uint32, n int64) {
	if n <= 0 {
		return
	}
	l.smu.Lock()
	defer l.smu.Unlock()
	l.statsLocked(id).Garbage += n
}

// SegmentSize returns the occupied byte size of segment id.
func (l *Log) SegmentSize(id uint32) (int64, error) {
	f, err := l.reader(id)
	if err != nil {
		return 0, err
	}
	return f.Size()
}

// Stats returns a copy of the accounting for segment id.
func (l *Log) Stats(id uint32) SegmentStats {
	l.smu.Lock()
	defer l.smu.Unlock()
	if s := l.stats[id]; s != nil {
		return *s
	}
	return SegmentStats{}
}

// Segments returns the ids of all segments with accounting state,
// in unspecified order.
func (l *Log) Segments() []uint32 {
	l.smu.Lock()
	defer l.smu.Unlock()
	ids := make([]uint32, 0, len(l.stats))
	for id := range l.stats {
		ids = append(ids, id)
	}
	return ids
}

// RemoveSegment closes and unlinks segment id. The caller must
// ensure the manifest no longer references the segment and no
// snapshot can read it.
func (l *Log) RemoveSegment(id uint32) error {
	l.mu.Lock()
	if l.active != nil && l.active.id == id {
		l.mu.Unlock()
		return errors.E(errors.Precondition, "vlog: cannot remove active segment")
	}
	l.mu.Unlock()
	l.rmu.Lock()
	if f := l.readers[id]; f != nil {
		f.Close() // nolint: errcheck
		delete(l.readers, id)
	}
	l.rmu.Unlock()
	l.smu.Lock()
	delete(l.stats, id)
	l.smu.Unlock()
	return blockio.Remove(SegmentPath(l.dir, id))
}

// Close closes all open segment files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rmu.Lock()
	defer l.rmu.Unlock()
	var first errors.Once
	for id, f := range l.readers {
		first.Set(f.Close())
		delete(l.readers, id)
	}
	l.active = nil
	return first.Err()
}
