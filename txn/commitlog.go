// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package txn

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"

	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/crc32c"
	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/log"
	"github.com/grailbio/pgz/must"
	"github.com/grailbio/pgz/sync/ctxsync"
	"github.com/grailbio/pgz/vlog"
)

var byteOrder = binary.LittleEndian

const (
	commitLogName = "COMMIT.log"
	// frame: len u32 | crc32c u32 | payload | pad to 4KiB.
	// payload: txid u64 | commit_ts u64 | count u32 | entries,
	// each entry k_len u16 | key | pointer (16B).
	frameHeader   = 8
	payloadHeader = 20
	maxFrame      = 16 << 20
)

func commitLogPath(dir string) string { return filepath.Join(dir, commitLogName) }

// encodeCommit appends the framed commit record for one transaction
// to b. Writes carry their value log pointers; deletes carry the
// zero pointer.
func encodeCommit(b []byte, txid, commitTs uint64, keys [][]byte, ptrs []vlog.Pointer) []byte {
	must.True(len(keys) == len(ptrs), "txn: keys and pointers disagree")
	base := len(b)
	var u [8]byte
	b = append(b, make([]byte, frameHeader)...)
	byteOrder.PutUint64(u[:], txid)
	b = append(b, u[:]...)
	byteOrder.PutUint64(u[:], commitTs)
	b = append(b, u[:]...)
	byteOrder.PutUint32(u[:4], uint32(len(keys)))
	b = append(b, u[:4]...)
	for i, key := range keys {
		byteOrder.PutUint16(u[:2], uint16(len(key)))
		b = append(b, u[:2]...)
		b = append(b, key...)
		b = ptrs[i].Encode(b)
	}
	plen := len(b) - base - frameHeader
	byteOrder.PutUint32(b[base:], uint32(plen))
	// The checksum covers the length field so a valid empty frame
	// cannot be confused with preallocated zeros.
	crc := crc32c.Update(crc32c.Sum(b[base:base+4]), b[base+frameHeader:])
	byteOrder.PutUint32(b[base+4:], crc)
	for len(b)-base < int(blockio.RoundUp(int64(len(b)-base))) {
		b = append(b, 0)
	}
	return b
}

// A commitLog is the group-commit write-ahead log for transaction
// commit records. Concurrent committers append under a short lock;
// one of them becomes the sync leader and flushes the whole pending
// batch, so a burst of commits shares a single Sync.
type commitLog struct {
	f *blockio.File

	mu      sync.Mutex
	cond    *ctxsync.Cond
	buf     []byte
	bufBase int64 // file offset of buf[0]
	durable int64 // all bytes below this are synced
	syncing bool
	err     error // sticky; the log is dead once a sync fails
}

func openCommitLog(dir string, direct bool, obs blockio.Observer) (*commitLog, error) {
	mode := blockio.ReadWrite | blockio.Create
	if direct {
		mode |= blockio.Direct
	}
	f, err := blockio.Open(commitLogPath(dir), mode)
	if err != nil {
		return nil, err
	}
	if obs != nil {
		f.SetObserver(obs)
	}
	c := &commitLog{f: f}
	c.cond = ctxsync.NewCond(&c.mu)
	return c, nil
}

// replay scans the log from the start, invoking fn for every entry
// of every intact commit record. A torn or corrupt tail ends the
// scan and is truncated away; appends resume after the last intact
// record.
func (c *commitLog) replay(ctx context.Context, fn func(txid, commitTs uint64, key []byte, ptr vlog.Pointer) error) error {
	size, err := c.f.Size()
	if err != nil {
		return err
	}
	var off int64
	head := blockio.AlignedBuf(blockio.BlockSize)
	for off+blockio.BlockSize <= size {
		if err := c.f.ReadAt(ctx, head, off); err != nil {
			return err
		}
		plen := int64(byteOrder.Uint32(head[0:4]))
		if plen == 0 || plen > maxFrame {
			break
		}
		span := blockio.RoundUp(frameHeader + plen)
		if off+span > size {
			break
		}
		frame := head[:blockio.BlockSize]
		if span > blockio.BlockSize {
			frame = blockio.AlignedBuf(int(span))
			if err := c.f.ReadAt(ctx, frame, off); err != nil {
				return err
			}
		}
		payload := frame[frameHeader : frameHeader+plen]
		if crc32c.Update(crc32c.Sum(frame[0:4]), payload) != byteOrder.Uint32(frame[4:8]) {
			break
		}
		if err := decodeCommit(payload, fn); err != nil {
			return err
		}
		off += span
	}
	if off < size {
		log.Printf("txn: dropping %d bytes of torn commit log tail", size-off)
		if err := c.f.Truncate(off); err != nil {
			return err
		}
	}
	c.bufBase = off
	c.durable = off
	return nil
}

func decodeCommit(payload []byte, fn func(txid, commitTs uint64, key []byte, ptr vlog.Pointer) error) error {
	corrupt := errors.E(errors.Corruption, errors.Fatal, "txn: truncated commit record")
	if len(payload) < payloadHeader {
		return corrupt
	}
	txid := byteOrder.Uint64(payload[0:8])
	commitTs := byteOrder.Uint64(payload[8:16])
	count := byteOrder.Uint32(payload[16:20])
	b := payload[payloadHeader:]
	for i := uint32(0); i < count; i++ {
		if len(b) < 2 {
			return corrupt
		}
		klen := int(byteOrder.Uint16(b))
		b = b[2:]
		if len(b) < klen+vlog.PointerSize {
			return corrupt
		}
		key := b[:klen]
		ptr := vlog.DecodePointer(b[klen : klen+vlog.PointerSize])
		b = b[klen+vlog.PointerSize:]
		if err := fn(txid, commitTs, key, ptr); err != nil {
			return err
		}
	}
	return nil
}

// append makes frame durable, batching with concurrent appenders.
// It returns once every byte of frame is synced to the log.
func (c *commitLog) append(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.buf = append(c.buf, frame...)
	target := c.bufBase + int64(len(c.buf))
	for {
		if c.err != nil {
			return c.err
		}
		if c.durable >= target {
			return nil
		}
		if c.syncing {
			if err := c.cond.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		c.syncing = true
		batch := c.buf
		base := c.bufBase
		c.buf = nil
		c.bufBase = base + int64(len(batch))
		c.mu.Unlock()
		aligned := blockio.AlignedBuf(len(batch))
		copy(aligned, batch)
		// The batch carries other committers' records, so the leader
		// finishes the write even if its own context is canceled.
		err := c.f.WriteAt(context.Background(), aligned, base)
		if err == nil {
			err = c.f.Sync()
		}
		c.mu.Lock()
		c.syncing = false
		if err != nil {
			c.err = err
		} else {
			c.durable = base + int64(len(batch))
		}
		c.cond.Broadcast()
	}
}

// reset truncates the log. It is called after a clean flush has made
// every commit reachable from the sorted tables.
func (c *commitLog) reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.f.Truncate(0); err != nil {
		return err
	}
	c.buf = nil
	c.bufBase = 0
	c.durable = 0
	return nil
}

func (c *commitLog) close() error {
	return c.f.Close()
}
