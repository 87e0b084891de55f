// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package crc32c

import "testing"

func TestSum(t *testing.T) {
	// Known-answer test from RFC 3720 appendix B.4.
	var zeros [32]byte
	if got, want := Sum(zeros[:]), uint32(0x8a9136aa); got != want {
		t.Errorf("got %#x, want %#x", got, want)
	}
	if got, want := Sum([]byte("123456789")), uint32(0xe3069283); got != want {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestUpdate(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	for split := 0; split <= len(data); split++ {
		crc := Update(Sum(data[:split]), data[split:])
		if got, want := crc, Sum(data); got != want {
			t.Errorf("split %d: got %#x, want %#x", split, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	h := New()
	h.Write([]byte("1234"))
	h.Write([]byte("56789"))
	if got, want := h.Sum32(), Sum([]byte("123456789")); got != want {
		t.Errorf("got %#x, want %#x", got, want)
	}
}
