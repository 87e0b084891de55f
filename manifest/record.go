// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package manifest

import (
	"fmt"

	"github.com/grailbio/pgz/errors"
	"github.com/grailbio/pgz/must"
)

// TableMeta describes one registered sorted table file.
type TableMeta struct {
	ID                uint64
	Smallest, Largest []byte
	Entries           uint64
	Size              int64
	MaxCommitTs       uint64
}

// State is the set of live on-disk structures: value log segments
// and sorted tables per level. It is reconstructed from the manifest
// log at open and mutated only through Apply.
type State struct {
	// Epoch counts value log GC passes.
	Epoch uint64
	// NextTableID and NextSegment are allocation high-water marks.
	NextTableID uint64
	NextSegment uint32
	// Segments are live value log segment ids.
	Segments []uint32
	// Levels[i] are the tables of level i, in registration order.
	Levels [][]TableMeta
}

// clone returns a deep copy, so callers can hold a State without
// racing Apply.
func (s State) clone() State {
	c := s
	c.Segments = append([]uint32{}, s.Segments...)
	c.Levels = make([][]TableMeta, len(s.Levels))
	for i, lvl := range s.Levels {
		c.Levels[i] = append([]TableMeta{}, lvl...)
	}
	return c
}

// A DeltaKind identifies one structural change.
type DeltaKind uint8

const (
	deltaInvalid DeltaKind = iota
	// DeltaSnapshot records the full state; it begins every manifest
	// generation and is never passed to Apply.
	DeltaSnapshot
	DeltaAddSegment
	DeltaRemoveSegment
	DeltaAddTable
	DeltaRemoveTable
	DeltaAdvanceEpoch
)

// A Delta is one structural change. The fields used depend on Kind:
// segment deltas use Segment, table deltas use Level and Table (or
// Table.ID for removal), epoch advances use Epoch.
type Delta struct {
	Kind    DeltaKind
	Segment uint32
	Level   int
	Table   TableMeta
	Epoch   uint64
}

func AddSegment(seg uint32) Delta    { return Delta{Kind: DeltaAddSegment, Segment: seg} }
func RemoveSegment(seg uint32) Delta { return Delta{Kind: DeltaRemoveSegment, Segment: seg} }
func AddTable(level int, t TableMeta) Delta {
	return Delta{Kind: DeltaAddTable, Level: level, Table: t}
}
func RemoveTable(level int, id uint64) Delta {
	return Delta{Kind: DeltaRemoveTable, Level: level, Table: TableMeta{ID: id}}
}
func AdvanceEpoch(epoch uint64) Delta { return Delta{Kind: DeltaAdvanceEpoch, Epoch: epoch} }

// apply mutates s by one delta. Removals of absent entries are
// programming errors: the caller holds the manifest lock and acts on
// state it just read.
func (s *State) apply(d Delta) {
	switch d.Kind {
	case DeltaAddSegment:
		s.Segments = append(s.Segments, d.Segment)
		if d.Segment >= s.NextSegment {
			s.NextSegment = d.Segment + 1
		}
	case DeltaRemoveSegment:
		for i, seg := range s.Segments {
			if seg == d.Segment {
				s.Segments = append(s.Segments[:i], s.Segments[i+1:]...)
				return
			}
		}
		must.Never("manifest: removing unknown segment ", d.Segment)
	case DeltaAddTable:
		for len(s.Levels) <= d.Level {
			s.Levels = append(s.Levels, nil)
		}
		s.Levels[d.Level] = append(s.Levels[d.Level], d.Table)
		if d.Table.ID >= s.NextTableID {
			s.NextTableID = d.Table.ID + 1
		}
	case DeltaRemoveTable:
		if d.Level < len(s.Levels) {
			lvl := s.Levels[d.Level]
			for i, t := range lvl {
				if t.ID == d.Table.ID {
					s.Levels[d.Level] = append(lvl[:i], lvl[i+1:]...)
					return
				}
			}
		}
		must.Never("manifest: removing unknown table ", d.Table.ID)
	case DeltaAdvanceEpoch:
		s.Epoch = d.Epoch
	default:
		must.Never("manifest: bad delta kind ", d.Kind)
	}
}

func appendKey(b, key []byte) []byte {
	var kl [2]byte
	byteOrder.PutUint16(kl[:], uint16(len(key)))
	b = append(b, kl[:]...)
	return append(b, key...)
}

func appendTableMeta(b []byte, t TableMeta) []byte {
	var u8 [8]byte
	byteOrder.PutUint64(u8[:], t.ID)
	b = append(b, u8[:]...)
	byteOrder.PutUint64(u8[:], t.Entries)
	b = append(b, u8[:]...)
	byteOrder.PutUint64(u8[:], uint64(t.Size))
	b = append(b, u8[:]...)
	byteOrder.PutUint64(u8[:], t.MaxCommitTs)
	b = append(b, u8[:]...)
	b = appendKey(b, t.Smallest)
	return appendKey(b, t.Largest)
}

// appendDelta appends d's wire form: a one-byte kind tag followed by
// kind-specific fields.
func appendDelta(b []byte, d Delta) []byte {
	b = append(b, byte(d.Kind))
	var (
		u4 [4]byte
		u8 [8]byte
	)
	switch d.Kind {
	case DeltaAddSegment, DeltaRemoveSegment:
		byteOrder.PutUint32(u4[:], d.Segment)
		b = append(b, u4[:]...)
	case DeltaAddTable:
		byteOrder.PutUint32(u4[:], uint32(d.Level))
		b = append(b, u4[:]...)
		b = appendTableMeta(b, d.Table)
	case DeltaRemoveTable:
		byteOrder.PutUint32(u4[:], uint32(d.Level))
		b = append(b, u4[:]...)
		byteOrder.PutUint64(u8[:], d.Table.ID)
		b = append(b, u8[:]...)
	case DeltaAdvanceEpoch:
		byteOrder.PutUint64(u8[:], d.Epoch)
		b = append(b, u8[:]...)
	default:
		must.Never("manifest: encoding bad delta kind ", d.Kind)
	}
	return b
}

// encodeSnapshot encodes the full state as a single snapshot delta.
func encodeSnapshot(s State) []byte {
	var (
		b  []byte
		u4 [4]byte
		u8 [8]byte
	)
	b = append(b, byte(DeltaSnapshot))
	byteOrder.PutUint64(u8[:], s.Epoch)
	b = append(b, u8[:]...)
	byteOrder.PutUint64(u8[:], s.NextTableID)
	b = append(b, u8[:]...)
	byteOrder.PutUint32(u4[:], s.NextSegment)
	b = append(b, u4[:]...)
	byteOrder.PutUint32(u4[:], uint32(len(s.Segments)))
	b = append(b, u4[:]...)
	for _, seg := range s.Segments {
		byteOrder.PutUint32(u4[:], seg)
		b = append(b, u4[:]...)
	}
	byteOrder.PutUint32(u4[:], uint32(len(s.Levels)))
	b = append(b, u4[:]...)
	for _, lvl := range s.Levels {
		byteOrder.PutUint32(u4[:], uint32(len(lvl)))
		b = append(b, u4[:]...)
		for _, t := range lvl {
			b = appendTableMeta(b, t)
		}
	}
	return b
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = errors.E(errors.Corruption, "manifest: truncated record")
	}
	d.b = nil
}

func (d *decoder) u8() uint8 {
	if len(d.b) < 1 {
		d.fail()
		return 0
	}
	v := d.b[0]
	d.b = d.b[1:]
	return v
}

func (d *decoder) u32() uint32 {
	if len(d.b) < 4 {
		d.fail()
		return 0
	}
	v := byteOrder.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) u64() uint64 {
	if len(d.b) < 8 {
		d.fail()
		return 0
	}
	v := byteOrder.Uint64(d.b)
	d.b = d.b[8:]
	return v
}

func (d *decoder) key() []byte {
	if len(d.b) < 2 {
		d.fail()
		return nil
	}
	n := int(byteOrder.Uint16(d.b))
	if len(d.b) < 2+n {
		d.fail()
		return nil
	}
	k := append([]byte{}, d.b[2:2+n]...)
	d.b = d.b[2+n:]
	return k
}

func (d *decoder) tableMeta() TableMeta {
	var t TableMeta
	t.ID = d.u64()
	t.Entries = d.u64()
	t.Size = int64(d.u64())
	t.MaxCommitTs = d.u64()
	t.Smallest = d.key()
	t.Largest = d.key()
	return t
}

// decodeRecord decodes one record payload, applying its deltas to s.
// A record is a sequence of tagged deltas; a snapshot delta replaces
// s wholesale.
func decodeRecord(s *State, payload []byte) error {
	d := &decoder{b: payload}
	for len(d.b) > 0 && d.err == nil {
		switch kind := DeltaKind(d.u8()); kind {
		case DeltaSnapshot:
			var snap State
			snap.Epoch = d.u64()
			snap.NextTableID = d.u64()
			snap.NextSegment = d.u32()
			for i, n := 0, d.u32(); uint32(i) < n && d.err == nil; i++ {
				snap.Segments = append(snap.Segments, d.u32())
			}
			for i, n := 0, d.u32(); uint32(i) < n && d.err == nil; i++ {
				var lvl []TableMeta
				for j, m := 0, d.u32(); uint32(j) < m && d.err == nil; j++ {
					lvl = append(lvl, d.tableMeta())
				}
				snap.Levels = append(snap.Levels, lvl)
			}
			if d.err == nil {
				*s = snap
			}
		case DeltaAddSegment, DeltaRemoveSegment:
			seg := d.u32()
			if d.err == nil {
				s.apply(Delta{Kind: kind, Segment: seg})
			}
		case DeltaAddTable:
			level := int(d.u32())
			t := d.tableMeta()
			if d.err == nil {
				s.apply(Delta{Kind: kind, Level: level, Table: t})
			}
		case DeltaRemoveTable:
			level := int(d.u32())
			id := d.u64()
			if d.err == nil {
				s.apply(Delta{Kind: kind, Level: level, Table: TableMeta{ID: id}})
			}
		case DeltaAdvanceEpoch:
			epoch := d.u64()
			if d.err == nil {
				s.apply(Delta{Kind: kind, Epoch: epoch})
			}
		default:
			return errors.E(errors.Corruption, fmt.Sprintf("manifest: bad delta kind %d", kind))
		}
	}
	return d.err
}
