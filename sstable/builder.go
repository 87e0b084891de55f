// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sstable

import (
	"bytes"
	"context"

	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/crc32c"
	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/must"
)

// Options configure table building and reading.
type Options struct {
	// BlockSize is the target uncompressed size of a data block.
	// It is clamped to [32KiB, 128KiB].
	BlockSize int
	// Direct requests cache-bypassing I/O on table files.
	Direct bool
	// Observer, if non-nil, is installed on table files.
	Observer blockio.Observer
}

func (o Options) blockSize() int {
	switch {
	case o.BlockSize == 0:
		return 64 << 10
	case o.BlockSize < 32<<10:
		return 32 << 10
	case o.BlockSize > 128<<10:
		return 128 << 10
	}
	return o.BlockSize
}

func (o Options) mode(write bool) blockio.Mode {
	var mode blockio.Mode
	if write {
		mode = blockio.ReadWrite | blockio.Create | blockio.Truncate
	}
	if o.Direct {
		mode |= blockio.Direct
	}
	return mode
}

// Meta describes a finished table for registration in the manifest.
type Meta struct {
	Path               string
	Smallest, Largest  []byte
	Entries            uint64
	Size               int64
	// MaxCommitTs is the largest commit timestamp in the table; it
	// bounds what compaction may drop.
	MaxCommitTs uint64
}

type fenceEntry struct {
	firstKey []byte
	offset   uint64
}

// A Builder accumulates sorted entries and writes a table file.
// Callers guarantee sortedness: keys must be non-decreasing, and
// versions of a single key must arrive with commit timestamps
// descending. Both MemTable flush and compaction merges provide
// input in this order; violating it is a programming error.
type Builder struct {
	f    *blockio.File
	path string
	opts Options

	off    int64
	buf    []byte // entry region of the current block
	count  uint32 // entries in the current block
	first  []byte // first key of the current block
	fence  []fenceEntry
	hashes []uint64

	prevKey []byte
	prevTs  uint64
	entries uint64
	maxTs   uint64

	smallest, largest []byte
}

// NewBuilder creates a builder writing to path.
func NewBuilder(path string, opts Options) (*Builder, error) {
	f, err := blockio.Open(path, opts.mode(true))
	if err != nil {
		return nil, err
	}
	if opts.Observer != nil {
		f.SetObserver(opts.Observer)
	}
	return &Builder{f: f, path: path, opts: opts}, nil
}

// Add appends an entry. See the Builder comment for ordering
// requirements.
func (b *Builder) Add(ctx context.Context, e Entry) error {
	must.Truef(len(e.Key) > 0 && len(e.Key) <= MaxKey, "sstable: key length %d", len(e.Key))
	sameKey := false
	if b.prevKey != nil {
		switch bytes.Compare(b.prevKey, e.Key) {
		case 1:
			must.Never("sstable: keys added out of order")
		case 0:
			sameKey = true
			must.Truef(e.CommitTs < b.prevTs, "sstable: versions added out of order")
		}
	}
	// A key's versions never straddle a block boundary, so a point
	// lookup touches exactly one data block.
	if len(b.buf) >= b.opts.blockSize() && !sameKey {
		if err := b.flushBlock(ctx); err != nil {
			return err
		}
	}
	if b.count == 0 {
		b.first = append(b.first[:0], e.Key...)
	}
	if !sameKey {
		b.hashes = append(b.hashes, keyHash(e.Key))
	}
	b.buf = appendEntry(b.buf, e)
	b.count++
	b.entries++
	if e.CommitTs > b.maxTs {
		b.maxTs = e.CommitTs
	}
	if b.smallest == nil {
		b.smallest = append([]byte{}, e.Key...)
	}
	b.largest = append(b.largest[:0], e.Key...)
	b.prevKey = append(b.prevKey[:0], e.Key...)
	b.prevTs = e.CommitTs
	return nil
}

// flushBlock writes the accumulated data block:
// block_len, count, entries, crc32c, padding.
func (b *Builder) flushBlock(ctx context.Context) error {
	if b.count == 0 {
		return nil
	}
	span := blockio.RoundUp(int64(8 + len(b.buf) + 4))
	out := blockio.AlignedBuf(int(span))
	byteOrder.PutUint32(out[0:], uint32(len(b.buf)))
	byteOrder.PutUint32(out[4:], b.count)
	copy(out[8:], b.buf)
	byteOrder.PutUint32(out[8+len(b.buf):], crc32c.Sum(out[:8+len(b.buf)]))
	if err := b.f.WriteAt(ctx, out, b.off); err != nil {
		return err
	}
	b.fence = append(b.fence, fenceEntry{
		firstKey: append([]byte{}, b.first...),
		offset:   uint64(b.off),
	})
	b.off += span
	b.buf = b.buf[:0]
	b.count = 0
	return nil
}

// writeSpan writes payload (plus its trailing crc32c and padding)
// at the current offset, returning the payload length.
func (b *Builder) writeSpan(ctx context.Context, payload []byte) (uint32, error) {
	span := blockio.RoundUp(int64(len(payload) + 4))
	out := blockio.AlignedBuf(int(span))
	copy(out, payload)
	byteOrder.PutUint32(out[len(payload):], crc32c.Sum(payload))
	if err := b.f.WriteAt(ctx, out, b.off); err != nil {
		return 0, err
	}
	b.off += span
	return uint32(len(payload)), nil
}

// Finish writes the fence index, Bloom filter, and footer, syncs
// the file, and returns its metadata. The builder cannot be used
// afterwards.
func (b *Builder) Finish(ctx context.Context) (Meta, error) {
	if b.entries == 0 {
		b.f.Close() // nolint: errcheck
		return Meta{}, errors.E(errors.Precondition, "sstable: empty table")
	}
	if err := b.flushBlock(ctx); err != nil {
		return Meta{}, err
	}

	// Fence index.
	fenceOff := uint64(b.off)
	var payload []byte
	var n4 [4]byte
	byteOrder.PutUint32(n4[:], uint32(len(b.fence)))
	payload = append(payload, n4[:]...)
	for _, fe := range b.fence {
		var kl [2]byte
		byteOrder.PutUint16(kl[:], uint16(len(fe.firstKey)))
		payload = append(payload, kl[:]...)
		payload = append(payload, fe.firstKey...)
		var off [8]byte
		byteOrder.PutUint64(off[:], fe.offset)
		payload = append(payload, off[:]...)
	}
	fenceLen, err := b.writeSpan(ctx, payload)
	if err != nil {
		return Meta{}, err
	}

	// Bloom filter.
	bloomOff := uint64(b.off)
	filter := newBloom(len(b.hashes))
	for _, h := range b.hashes {
		filter.addHash(h)
	}
	bloomLen, err := b.writeSpan(ctx, filter.encode(nil))
	if err != nil {
		return Meta{}, err
	}

	// Footer.
	footer := encodeFooter(footerFields{
		fenceOff:    fenceOff,
		fenceLen:    fenceLen,
		bloomOff:    bloomOff,
		bloomLen:    bloomLen,
		entries:     b.entries,
		maxCommitTs: b.maxTs,
		smallest:    b.smallest,
		largest:     b.largest,
	})
	if err := b.f.WriteAt(ctx, footer, b.off); err != nil {
		return Meta{}, err
	}
	b.off += int64(len(footer))

	if err := b.f.Sync(); err != nil {
		return Meta{}, err
	}
	if err := b.f.Close(); err != nil {
		return Meta{}, err
	}
	return Meta{
		Path:        b.path,
		Smallest:    b.smallest,
		Largest:     b.largest,
		Entries:     b.entries,
		Size:        b.off,
		MaxCommitTs: b.maxTs,
	}, nil
}

// Abort discards the partially built table.
func (b *Builder) Abort() error {
	b.f.Close() // nolint: errcheck
	return blockio.Remove(b.path)
}
