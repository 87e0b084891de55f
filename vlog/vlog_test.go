// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vlog

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"testing"

	"github.com/grailbio/pgz/blockio"
	"github.com/grailbio/pgz/errors"
)

func testLog(t *testing.T, opts Options) *Log {
	t.Helper()
	l, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendRead(t *testing.T) {
	ctx := context.Background()
	l := testLog(t, Options{})
	if err := l.CreateSegment(ctx, 0); err != nil {
		t.Fatal(err)
	}
	rnd := rand.New(rand.NewSource(0))
	payloads := make([][]byte, 100)
	ptrs := make([]Pointer, 100)
	for i := range payloads {
		payloads[i] = make([]byte, rnd.Intn(3*blockio.BlockSize))
		rnd.Read(payloads[i])
		ptr, err := l.Append(ctx, payloads[i])
		if err != nil {
			t.Fatal(err)
		}
		ptrs[i] = ptr
	}
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
	for i, ptr := range ptrs {
		got, err := l.Read(ctx, ptr)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Errorf("payload %d: read differs from written", i)
		}
	}
}

func TestEmptyPayload(t *testing.T) {
	ctx := context.Background()
	l := testLog(t, Options{})
	if err := l.CreateSegment(ctx, 0); err != nil {
		t.Fatal(err)
	}
	ptr, err := l.Append(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := l.Read(ctx, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d bytes, want 0", len(got))
	}
}

func TestRotation(t *testing.T) {
	ctx := context.Background()
	var rotated []uint32
	l := testLog(t, Options{
		SegmentSize: 4 * blockio.BlockSize,
		OnRotate:    func(id uint32) error { rotated = append(rotated, id); return nil },
	})
	if err := l.CreateSegment(ctx, 0); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 2*blockio.BlockSize)
	var ptrs []Pointer
	for i := 0; i < 6; i++ {
		ptr, err := l.Append(ctx, payload)
		if err != nil {
			t.Fatal(err)
		}
		ptrs = append(ptrs, ptr)
	}
	if len(rotated) == 0 {
		t.Fatal("expected at least one rotation")
	}
	if got, want := ptrs[len(ptrs)-1].Segment, rotated[len(rotated)-1]; got != want {
		t.Errorf("got last segment %d, want %d", got, want)
	}
	// All pointers remain readable across segments.
	for i, ptr := range ptrs {
		if _, err := l.Read(ctx, ptr); err != nil {
			t.Errorf("pointer %d unreadable: %v", i, err)
		}
	}
}

func TestCorruptionDetected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	small := Options{SegmentSize: 16 * blockio.BlockSize}
	l, err := Open(dir, small)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.CreateSegment(ctx, 0); err != nil {
		t.Fatal(err)
	}
	payload := []byte("precious bytes")
	ptr, err := l.Append(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
	l.Close() // nolint: errcheck

	// Flip one payload byte on disk.
	path := SegmentPath(dir, 0)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[headerSize+3] ^= 0x40
	if err := os.WriteFile(path, data, 0666); err != nil {
		t.Fatal(err)
	}

	l, err = Open(dir, small)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if _, err := l.Recover(ctx, 0); err != nil {
		t.Fatal(err)
	}
	_, err = l.Read(ctx, ptr)
	if !errors.Is(errors.Corruption, err) {
		t.Errorf("got %v, want Corruption", err)
	}
}

func TestRecoverTruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	small := Options{SegmentSize: 16 * blockio.BlockSize}
	l, err := Open(dir, small)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.CreateSegment(ctx, 0); err != nil {
		t.Fatal(err)
	}
	good := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var ptrs []Pointer
	for _, p := range good {
		ptr, err := l.Append(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		ptrs = append(ptrs, ptr)
	}
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
	goodEnd := int64(ptrs[2].Offset) + recordSize(len(good[2]))
	l.Close() // nolint: errcheck

	// Simulate a crash mid-append: a record header claiming more
	// payload than was written.
	path := SegmentPath(dir, 0)
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		t.Fatal(err)
	}
	torn := make([]byte, blockio.BlockSize)
	byteOrder.PutUint32(torn[0:], 3*blockio.BlockSize) // length pointing past EOF
	if _, err := f.WriteAt(torn, goodEnd); err != nil {
		t.Fatal(err)
	}
	f.Close() // nolint: errcheck

	l, err = Open(dir, small)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	off, err := l.Recover(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := off, goodEnd; got != want {
		t.Errorf("got recovered offset %v, want %v", got, want)
	}
	for i, ptr := range ptrs {
		v, err := l.Read(ctx, ptr)
		if err != nil {
			t.Fatalf("record %d unreadable after recovery: %v", i, err)
		}
		if !bytes.Equal(v, good[i]) {
			t.Errorf("record %d: got %q, want %q", i, v, good[i])
		}
	}
	// Re-running recovery on the recovered store is a no-op.
	off2, err := l.Recover(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if off2 != off {
		t.Errorf("recovery not idempotent: %d then %d", off, off2)
	}
}

func TestTransforms(t *testing.T) {
	ctx := context.Background()
	for _, transform := range []*Transform{Zstd(3), Flate(6)} {
		t.Run(transform.Name, func(t *testing.T) {
			l := testLog(t, Options{Transform: transform})
			if err := l.CreateSegment(ctx, 0); err != nil {
				t.Fatal(err)
			}
			payload := bytes.Repeat([]byte("compressible "), 1000)
			ptr, err := l.Append(ctx, payload)
			if err != nil {
				t.Fatal(err)
			}
			if int(ptr.Length) >= len(payload) {
				t.Errorf("stored %d bytes, expected compression below %d", ptr.Length, len(payload))
			}
			got, err := l.Read(ctx, ptr)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("round trip through transform failed")
			}
		})
	}
}

func TestGarbageAccounting(t *testing.T) {
	ctx := context.Background()
	l := testLog(t, Options{})
	if err := l.CreateSegment(ctx, 0); err != nil {
		t.Fatal(err)
	}
	ptr, err := l.Append(ctx, make([]byte, 100))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := l.Stats(0).Live, recordSize(100); got != want {
		t.Errorf("got live %v, want %v", got, want)
	}
	l.MarkGarbage(ptr)
	stats := l.Stats(0)
	if got, want := stats.Live, int64(0); got != want {
		t.Errorf("got live %v, want %v", got, want)
	}
	if got, want := stats.Garbage, recordSize(100); got != want {
		t.Errorf("got garbage %v, want %v", got, want)
	}
}
