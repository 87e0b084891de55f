// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package manifest

import (
	"context"

	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/crc32c"
	"github.com/grailbio/pgz/errors"
)

const (
	superMagic   = 0x50475A53 // "PGZS", little endian
	superVersion = 1

	// The superblock file holds two copies at fixed offsets. The
	// copy with the highest valid sequence number is authoritative;
	// updates always overwrite the other copy, so one valid copy
	// survives any crash.
	superCopies = 2
)

// superblock is the root of all on-disk state. manifestPtr packs the
// manifest log generation (high 32 bits) and the replay offset within
// it (low 32 bits).
type superblock struct {
	sequence    uint64
	manifestPtr uint64
	vlogEpoch   uint64
}

func (sb superblock) generation() uint32 { return uint32(sb.manifestPtr >> 32) }
func (sb superblock) offset() int64      { return int64(uint32(sb.manifestPtr)) }

func packManifestPtr(generation uint32, offset int64) uint64 {
	return uint64(generation)<<32 | uint64(uint32(offset))
}

func encodeSuperblock(sb superblock) []byte {
	out := blockio.AlignedBuf(blockio.BlockSize)
	byteOrder.PutUint32(out[0:], superMagic)
	byteOrder.PutUint32(out[4:], superVersion)
	byteOrder.PutUint64(out[8:], sb.sequence)
	byteOrder.PutUint64(out[16:], sb.manifestPtr)
	byteOrder.PutUint64(out[24:], sb.vlogEpoch)
	byteOrder.PutUint32(out[32:], crc32c.Sum(out[:32]))
	return out
}

func decodeSuperblock(b []byte) (superblock, bool) {
	var sb superblock
	if len(b) < 36 {
		return sb, false
	}
	if byteOrder.Uint32(b[0:]) != superMagic || byteOrder.Uint32(b[4:]) != superVersion {
		return sb, false
	}
	if byteOrder.Uint32(b[32:]) != crc32c.Sum(b[:32]) {
		return sb, false
	}
	sb.sequence = byteOrder.Uint64(b[8:])
	sb.manifestPtr = byteOrder.Uint64(b[16:])
	sb.vlogEpoch = byteOrder.Uint64(b[24:])
	return sb, true
}

// readSuperblock reads both copies and returns the valid one with
// the higher sequence number.
func readSuperblock(ctx context.Context, f *blockio.File) (superblock, error) {
	buf := blockio.AlignedBuf(blockio.BlockSize)
	var (
		best  superblock
		found bool
	)
	for i := 0; i < superCopies; i++ {
		if err := f.ReadAt(ctx, buf, int64(i)*blockio.BlockSize); err != nil {
			return superblock{}, err
		}
		sb, ok := decodeSuperblock(buf)
		if !ok {
			continue
		}
		if !found || sb.sequence > best.sequence {
			best = sb
			found = true
		}
	}
	if !found {
		return superblock{}, errors.E(errors.Corruption, errors.Fatal, "manifest: no valid superblock copy")
	}
	return best, nil
}

// writeSuperblock durably installs sb by writing the copy slot that
// its sequence selects and syncing. The previous copy is untouched,
// so a crash mid-write leaves it authoritative.
func writeSuperblock(ctx context.Context, f *blockio.File, sb superblock) error {
	off := int64(sb.sequence%superCopies) * blockio.BlockSize
	if err := f.WriteAt(ctx, encodeSuperblock(sb), off); err != nil {
		return err
	}
	return f.Sync()
}
