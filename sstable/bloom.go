// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sstable

import (
	"math"

	xxhash "github.com/cespare/xxhash/v2"
	"github.com/willf/bitset"
)

// bloomFP is the target false-positive rate for table Bloom
// filters.
const bloomFP = 0.001

// A bloom is a Bloom filter over the keys of one table. A negative
// answer is definitive and lets reads skip the file without I/O.
type bloom struct {
	bits  *bitset.BitSet
	nbits uint64
	nhash uint32
}

// newBloom returns a filter sized for n keys at the package false
// positive target.
func newBloom(n int) *bloom {
	if n < 1 {
		n = 1
	}
	nbits := uint64(math.Ceil(-float64(n) * math.Log(bloomFP) / (math.Ln2 * math.Ln2)))
	if nbits < 64 {
		nbits = 64
	}
	nhash := uint32(math.Round(float64(nbits) / float64(n) * math.Ln2))
	if nhash < 1 {
		nhash = 1
	}
	return &bloom{
		bits:  bitset.New(uint(nbits)),
		nbits: nbits,
		nhash: nhash,
	}
}

// keyHash returns the base hash from which a key's probe positions
// are derived. Builders retain hashes rather than keys, so the
// filter can be sized once the table's key count is known.
func keyHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// indexes derives the probe positions for base hash h1 by double
// hashing (Kirsch-Mitzenmacher).
func (f *bloom) indexes(h1 uint64, probe func(uint) bool) bool {
	h2 := h1>>33 | h1<<31
	for i := uint32(0); i < f.nhash; i++ {
		if !probe(uint((h1 + uint64(i)*h2) % f.nbits)) {
			return false
		}
	}
	return true
}

func (f *bloom) addHash(h1 uint64) {
	f.indexes(h1, func(i uint) bool {
		f.bits.Set(i)
		return true
	})
}

// mayContain tells whether key may be present; false means
// definitely absent.
func (f *bloom) mayContain(key []byte) bool {
	return f.indexes(keyHash(key), f.bits.Test)
}

// encode appends the filter's serialized form (nbits, nhash, words)
// to b.
func (f *bloom) encode(b []byte) []byte {
	var hdr [12]byte
	byteOrder.PutUint64(hdr[0:], f.nbits)
	byteOrder.PutUint32(hdr[8:], f.nhash)
	b = append(b, hdr[:]...)
	for _, w := range f.bits.Bytes() {
		var word [8]byte
		byteOrder.PutUint64(word[:], w)
		b = append(b, word[:]...)
	}
	return b
}

// decodeBloom decodes a filter from its serialized form.
func decodeBloom(b []byte) (*bloom, bool) {
	if len(b) < 12 {
		return nil, false
	}
	nbits := byteOrder.Uint64(b[0:])
	nhash := byteOrder.Uint32(b[8:])
	words := b[12:]
	if nbits == 0 || nhash == 0 || uint64(len(words))*8 < nbits {
		return nil, false
	}
	set := make([]uint64, len(words)/8)
	for i := range set {
		set[i] = byteOrder.Uint64(words[i*8:])
	}
	return &bloom{bits: bitset.From(set), nbits: nbits, nhash: nhash}, true
}
