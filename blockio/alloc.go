// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"unsafe"

	"github.com/grailbio/pgz/must"
)

// AlignedBuf returns a buffer of n bytes whose backing memory is
// aligned to BlockSize, as required for O_DIRECT transfers. n must
// be a multiple of BlockSize.
func AlignedBuf(n int) []byte {
	must.Truef(n%BlockSize == 0, "blockio: misaligned buffer size %d", n)
	if n == 0 {
		return nil
	}
	raw := make([]byte, n+BlockSize)
	off := int(uintptr(unsafe.Pointer(&raw[0])) & (BlockSize - 1))
	if off != 0 {
		off = BlockSize - off
	}
	return raw[off : off+n : off+n]
}

// RoundUp rounds n up to the next multiple of BlockSize.
func RoundUp(n int64) int64 {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}

// RoundDown rounds n down to the previous multiple of BlockSize.
func RoundDown(n int64) int64 {
	return n &^ (BlockSize - 1)
}
