// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sstable

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/crc32c"
	"github.com/grailbio/pgz/errors"
)

// A Table reads an immutable sorted table file. The footer, fence
// index, and Bloom filter are loaded and validated at open; data
// blocks are read on demand. A table whose footer or fence index
// fails validation is unreadable in its entirety, and Open returns
// a fatal Corruption error: the engine must exclude the file and
// serve from other levels.
//
// Tables are safe for concurrent use.
type Table struct {
	f      *blockio.File
	path   string
	opts   Options
	footer footerFields
	fence  []fenceEntry
	filter *bloom
}

// Open opens and validates the table at path.
func Open(ctx context.Context, path string, opts Options) (_ *Table, err error) {
	f, err := blockio.Open(path, opts.mode(false))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.Close() // nolint: errcheck
		}
	}()
	if opts.Observer != nil {
		f.SetObserver(opts.Observer)
	}
	t := &Table{f: f, path: path, opts: opts}

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size < blockio.BlockSize || size%blockio.BlockSize != 0 {
		return nil, t.corruptf("implausible size %d", size)
	}
	fbuf := blockio.AlignedBuf(blockio.BlockSize)
	if err := f.ReadAt(ctx, fbuf, size-blockio.BlockSize); err != nil {
		return nil, err
	}
	footer, ok := decodeFooter(fbuf)
	if !ok {
		return nil, t.corruptf("bad footer")
	}
	t.footer = footer

	// Fence index.
	payload, err := t.readSpan(ctx, footer.fenceOff, footer.fenceLen)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, t.corruptf("bad fence index")
	}
	n := int(byteOrder.Uint32(payload))
	payload = payload[4:]
	t.fence = make([]fenceEntry, 0, n)
	for i := 0; i < n; i++ {
		if len(payload) < 2 {
			return nil, t.corruptf("bad fence index")
		}
		klen := int(byteOrder.Uint16(payload))
		if len(payload) < 2+klen+8 {
			return nil, t.corruptf("bad fence index")
		}
		t.fence = append(t.fence, fenceEntry{
			firstKey: append([]byte{}, payload[2:2+klen]...),
			offset:   byteOrder.Uint64(payload[2+klen:]),
		})
		payload = payload[2+klen+8:]
	}

	// Bloom filter.
	payload, err = t.readSpan(ctx, footer.bloomOff, footer.bloomLen)
	if err != nil {
		return nil, err
	}
	t.filter, ok = decodeBloom(payload)
	if !ok {
		return nil, t.corruptf("bad bloom filter")
	}
	return t, nil
}

func (t *Table) corruptf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return errors.E(errors.Corruption, errors.Fatal, fmt.Sprintf("sstable %s: %s", t.path, msg))
}

// readSpan reads a checksummed span (payload followed by crc32c and
// padding) written by Builder.writeSpan.
func (t *Table) readSpan(ctx context.Context, off uint64, plen uint32) ([]byte, error) {
	span := blockio.RoundUp(int64(plen) + 4)
	buf := blockio.AlignedBuf(int(span))
	if err := t.f.ReadAt(ctx, buf, int64(off)); err != nil {
		return nil, err
	}
	if byteOrder.Uint32(buf[plen:]) != crc32c.Sum(buf[:plen]) {
		return nil, t.corruptf("checksum mismatch at offset %d", off)
	}
	return buf[:plen], nil
}

// readBlock reads and validates the data block at off, returning
// its entry region and entry count.
func (t *Table) readBlock(ctx context.Context, off uint64) ([]byte, uint32, error) {
	head := blockio.AlignedBuf(blockio.BlockSize)
	if err := t.f.ReadAt(ctx, head, int64(off)); err != nil {
		return nil, 0, err
	}
	blockLen := byteOrder.Uint32(head[0:])
	count := byteOrder.Uint32(head[4:])
	span := blockio.RoundUp(int64(8 + blockLen + 4))
	buf := head
	if span > blockio.BlockSize {
		if blockLen > uint32(256<<10) {
			return nil, 0, t.corruptf("implausible block length %d at offset %d", blockLen, off)
		}
		buf = blockio.AlignedBuf(int(span))
		if err := t.f.ReadAt(ctx, buf, int64(off)); err != nil {
			return nil, 0, err
		}
	}
	if byteOrder.Uint32(buf[8+blockLen:]) != crc32c.Sum(buf[:8+blockLen]) {
		return nil, 0, t.corruptf("block checksum mismatch at offset %d", off)
	}
	return buf[8 : 8+blockLen], count, nil
}

// seekFence returns the index of the block that may contain key, or
// -1 if key precedes the table.
func (t *Table) seekFence(key []byte) int {
	return sort.Search(len(t.fence), func(i int) bool {
		return bytes.Compare(t.fence[i].firstKey, key) > 0
	}) - 1
}

// Get returns the newest version of key admitted by the visibility
// predicate visible. At most one data block is read: a Bloom filter
// negative answers without I/O, and a key's versions never straddle
// blocks.
func (t *Table) Get(ctx context.Context, key []byte, visible func(commitTs uint64) bool) (Entry, bool, error) {
	if !t.filter.mayContain(key) {
		return Entry{}, false, nil
	}
	idx := t.seekFence(key)
	if idx < 0 {
		return Entry{}, false, nil
	}
	block, count, err := t.readBlock(ctx, t.fence[idx].offset)
	if err != nil {
		return Entry{}, false, err
	}
	for i := uint32(0); i < count; i++ {
		e, n, ok := decodeEntry(block)
		if !ok {
			return Entry{}, false, t.corruptf("truncated entry in block %d", idx)
		}
		block = block[n:]
		switch bytes.Compare(e.Key, key) {
		case -1:
			continue
		case 1:
			return Entry{}, false, nil
		}
		if visible(e.CommitTs) {
			e.Key = append([]byte{}, e.Key...)
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Smallest returns the table's smallest key.
func (t *Table) Smallest() []byte { return t.footer.smallest }

// Largest returns the table's largest key.
func (t *Table) Largest() []byte { return t.footer.largest }

// Entries returns the number of entries in the table.
func (t *Table) Entries() uint64 { return t.footer.entries }

// MaxCommitTs returns the largest commit timestamp in the table.
func (t *Table) MaxCommitTs() uint64 { return t.footer.maxCommitTs }

// Path returns the table's file path.
func (t *Table) Path() string { return t.path }

// Close closes the underlying file.
func (t *Table) Close() error {
	return t.f.Close()
}

// An Iter is a lazy, forward-only iterator over a table's entries.
// It is restartable: Seek may be called at any time to reposition
// it. An Iter is not safe for concurrent use; create one per scan.
type Iter struct {
	t        *Table
	blockIdx int
	rest     []byte
	remain   uint32
	cur      Entry
	valid    bool
	err      error
}

// Iter returns a new iterator over the table.
func (t *Table) Iter() *Iter {
	return &Iter{t: t, blockIdx: -1}
}

// Seek positions the iterator at the first entry whose key is >=
// key (at its newest version). After Seek, Valid reports whether
// such an entry exists and Entry returns it.
func (it *Iter) Seek(ctx context.Context, key []byte) {
	it.err = nil
	it.valid = false
	idx := it.t.seekFence(key)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(it.t.fence) {
		return
	}
	if !it.loadBlock(ctx, idx) {
		return
	}
	for it.advance(ctx) {
		if bytes.Compare(it.cur.Key, key) >= 0 {
			it.valid = true
			return
		}
	}
}

// Next advances to the following entry, reporting whether one
// exists.
func (it *Iter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	it.valid = it.advance(ctx)
	return it.valid
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iter) Valid() bool { return it.valid }

// Entry returns the current entry. The key is valid until the next
// call to Next or Seek.
func (it *Iter) Entry() Entry { return it.cur }

// Err returns the first error encountered by the iterator.
func (it *Iter) Err() error { return it.err }

func (it *Iter) loadBlock(ctx context.Context, idx int) bool {
	block, count, err := it.t.readBlock(ctx, it.t.fence[idx].offset)
	if err != nil {
		it.err = err
		return false
	}
	it.blockIdx = idx
	it.rest = block
	it.remain = count
	return true
}

func (it *Iter) advance(ctx context.Context) bool {
	for it.remain == 0 {
		if it.blockIdx+1 >= len(it.t.fence) {
			return false
		}
		if !it.loadBlock(ctx, it.blockIdx+1) {
			return false
		}
	}
	e, n, ok := decodeEntry(it.rest)
	if !ok {
		it.err = it.t.corruptf("truncated entry in block %d", it.blockIdx)
		return false
	}
	it.rest = it.rest[n:]
	it.remain--
	it.cur = e
	return true
}
