// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package crc32c computes CRC-32 checksums using the Castagnoli
// polynomial. It is the leaf dependency of every on-disk structure
// in the engine: value log records, SSTable blocks and footers,
// superblocks, and commit records all carry CRC32C checksums. The
// standard library's implementation is hardware accelerated on
// amd64 and arm64.
package crc32c

import (
	"hash"
	"hash/crc32"
)

var table = crc32.MakeTable(crc32.Castagnoli)

// Sum returns the CRC32C checksum of data.
func Sum(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Update returns the result of adding the bytes in data to the
// running checksum crc. It allows checksumming a span that is not
// contiguous in memory.
func Update(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, table, data)
}

// New returns a hash.Hash32 computing the CRC32C checksum.
func New() hash.Hash32 {
	return crc32.New(table)
}
