// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package vlog implements the pgz value log: an append-only store
// of row payloads, separate from the sorted key index. Values are
// addressed by a Pointer (segment, offset, length) and are written
// exactly once; the only mutation a segment file ever sees is a
// recovery-time truncation of a torn tail.
//
// Record layout (little endian):
//
//	len    uint32  // stored payload length
//	crc32c uint32  // checksum of the payload
//	payload [len]byte
//	padding to the next 4KiB boundary
//
// Records always begin on 4KiB boundaries, so a crashed append can
// be found by scanning aligned offsets and validating checksums.
package vlog

import (
	"encoding/binary"

	"github.com/grailbio/pgz/blockio"
)

// PointerSize is the encoded size of a Pointer.
const PointerSize = 16

const headerSize = 8

var byteOrder = binary.LittleEndian

// A Pointer addresses a payload in the value log. It is immutable
// once created. The zero Pointer is a sentinel meaning "no value"
// and is used for tombstones.
type Pointer struct {
	// Segment is the id of the segment file holding the payload.
	Segment uint32
	// Offset is the byte offset of the record within the segment.
	Offset uint64
	// Length is the stored payload length.
	Length uint32
}

// IsZero tells whether p is the null pointer sentinel.
func (p Pointer) IsZero() bool {
	return p == Pointer{}
}

// Encode appends the 16-byte encoding of p to b.
func (p Pointer) Encode(b []byte) []byte {
	var buf [PointerSize]byte
	byteOrder.PutUint32(buf[0:], p.Segment)
	byteOrder.PutUint64(buf[4:], p.Offset)
	byteOrder.PutUint32(buf[12:], p.Length)
	return append(b, buf[:]...)
}

// DecodePointer decodes a Pointer from the first 16 bytes of b.
func DecodePointer(b []byte) Pointer {
	return Pointer{
		Segment: byteOrder.Uint32(b[0:]),
		Offset:  byteOrder.Uint64(b[4:]),
		Length:  byteOrder.Uint32(b[12:]),
	}
}

// recordSize returns the padded on-disk size of a record holding a
// payload of n bytes.
func recordSize(n int) int64 {
	return blockio.RoundUp(int64(headerSize + n))
}
