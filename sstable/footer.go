// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sstable

import (
	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/crc32c"
)

// tableMagic is stored little-endian, producing the bytes "PGZT" at
// the start of the footer block.
const tableMagic = 0x545A4750

const tableVersion = 1

// footerFields is the decoded form of the footer block:
//
//	magic:u32, version:u32, fence_off:u64, fence_len:u32,
//	bloom_off:u64, bloom_len:u32, entries:u64, max_commit_ts:u64,
//	k_len:u16, smallest_key, k_len:u16, largest_key,
//	crc32c:u32, pad→4KiB
//
// The checksum covers everything before it. MaxKey guarantees both
// keys fit in one block.
type footerFields struct {
	fenceOff    uint64
	fenceLen    uint32
	bloomOff    uint64
	bloomLen    uint32
	entries     uint64
	maxCommitTs uint64
	smallest    []byte
	largest     []byte
}

func encodeFooter(f footerFields) []byte {
	out := blockio.AlignedBuf(blockio.BlockSize)
	i := 0
	put32 := func(v uint32) { byteOrder.PutUint32(out[i:], v); i += 4 }
	put64 := func(v uint64) { byteOrder.PutUint64(out[i:], v); i += 8 }
	putKey := func(k []byte) {
		byteOrder.PutUint16(out[i:], uint16(len(k)))
		i += 2
		copy(out[i:], k)
		i += len(k)
	}
	put32(tableMagic)
	put32(tableVersion)
	put64(f.fenceOff)
	put32(f.fenceLen)
	put64(f.bloomOff)
	put32(f.bloomLen)
	put64(f.entries)
	put64(f.maxCommitTs)
	putKey(f.smallest)
	putKey(f.largest)
	byteOrder.PutUint32(out[i:], crc32c.Sum(out[:i]))
	return out
}

func decodeFooter(b []byte) (footerFields, bool) {
	var f footerFields
	if len(b) != blockio.BlockSize {
		return f, false
	}
	i := 0
	get32 := func() uint32 { v := byteOrder.Uint32(b[i:]); i += 4; return v }
	get64 := func() uint64 { v := byteOrder.Uint64(b[i:]); i += 8; return v }
	if get32() != tableMagic || get32() != tableVersion {
		return f, false
	}
	f.fenceOff = get64()
	f.fenceLen = get32()
	f.bloomOff = get64()
	f.bloomLen = get32()
	f.entries = get64()
	f.maxCommitTs = get64()
	for _, key := range []*[]byte{&f.smallest, &f.largest} {
		n := int(byteOrder.Uint16(b[i:]))
		i += 2
		if n > MaxKey || i+n+4 > len(b) {
			return f, false
		}
		*key = append([]byte{}, b[i:i+n]...)
		i += n
	}
	if byteOrder.Uint32(b[i:]) != crc32c.Sum(b[:i]) {
		return f, false
	}
	return f, true
}
