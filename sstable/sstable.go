// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sstable implements the immutable sorted table files of
// the pgz engine. A table maps keys to value-log pointers; it never
// stores row payloads. Tables are written once by a Builder (from a
// MemTable flush or a compaction merge) and never mutated.
//
// File layout, in 4KiB-aligned spans (little endian, CRC32C):
//
//	data block   := block_len:u32, count:u32, entries..., crc32c:u32, pad→4KiB
//	entry        := k_len:u16, key, seg:u32, off:u64, len:u32, commit_ts:u64
//	fence index  := count:u32, (k_len:u16, first_key, file_offset:u64)..., crc32c:u32, pad→4KiB
//	bloom filter := nbits:u64, nhash:u32, words:u64..., crc32c:u32, pad→4KiB
//	footer       := one 4KiB block, see footer.go
//
// Entries within a block are ordered by key ascending and, within a
// key, by commit_ts descending. A tombstone is an entry whose value
// pointer is the null sentinel.
package sstable

import (
	"encoding/binary"

	"github.com/grailbio/pgz/vlog"
)

var byteOrder = binary.LittleEndian

// MaxKey is the largest permitted key length. It is bounded so that
// the smallest and largest keys of a table always fit in its footer
// block.
const MaxKey = 1024

// An Entry is a single key version stored in a table.
type Entry struct {
	Key      []byte
	Ptr      vlog.Pointer
	CommitTs uint64
}

// Tombstone tells whether the entry records a deletion.
func (e Entry) Tombstone() bool {
	return e.Ptr.IsZero()
}

// encodedSize returns the encoded size of the entry.
func (e Entry) encodedSize() int {
	return 2 + len(e.Key) + vlog.PointerSize + 8
}

func appendEntry(b []byte, e Entry) []byte {
	var kl [2]byte
	byteOrder.PutUint16(kl[:], uint16(len(e.Key)))
	b = append(b, kl[:]...)
	b = append(b, e.Key...)
	b = e.Ptr.Encode(b)
	var ts [8]byte
	byteOrder.PutUint64(ts[:], e.CommitTs)
	return append(b, ts[:]...)
}

// decodeEntry decodes one entry from b, returning it and the number
// of bytes consumed. ok is false if b is too short to hold an
// entry.
func decodeEntry(b []byte) (e Entry, n int, ok bool) {
	if len(b) < 2 {
		return e, 0, false
	}
	klen := int(byteOrder.Uint16(b))
	n = 2 + klen + vlog.PointerSize + 8
	if len(b) < n {
		return e, 0, false
	}
	e.Key = b[2 : 2+klen]
	e.Ptr = vlog.DecodePointer(b[2+klen:])
	e.CommitTs = byteOrder.Uint64(b[2+klen+vlog.PointerSize:])
	return e, n, true
}
