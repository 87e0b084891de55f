// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vlog

import (
	"bytes"
	"io"

	"github.com/DataDog/zstd"
	"github.com/klauspost/compress/flate"

	"github.com/grailbio/pgz/errors"
)

// A TransformFunc rewrites a payload on its way to or from the log.
// Parameter scratch is a performance hint: if the result fits, the
// function should use it and return it as the result.
type TransformFunc func(scratch, in []byte) ([]byte, error)

// A Transform is a pair of inverse payload transformations, applied
// at append and read time respectively. Transformed payloads remain
// opaque bytes at the record-format level, so the on-disk layout is
// unchanged; only the stored length differs from the caller's.
type Transform struct {
	Name   string
	Encode TransformFunc
	Decode TransformFunc
}

// Zstd returns a Transform that compresses payloads with zstd at
// the given level.
func Zstd(level int) *Transform {
	return &Transform{
		Name: "zstd",
		Encode: func(scratch, in []byte) ([]byte, error) {
			return zstd.CompressLevel(scratch[:0], in, level)
		},
		Decode: func(scratch, in []byte) ([]byte, error) {
			return zstd.Decompress(scratch[:0], in)
		},
	}
}

// Flate returns a Transform that compresses payloads with DEFLATE
// at the given level.
func Flate(level int) *Transform {
	return &Transform{
		Name: "flate",
		Encode: func(scratch, in []byte) ([]byte, error) {
			var buf bytes.Buffer
			w, err := flate.NewWriter(&buf, level)
			if err != nil {
				return nil, err
			}
			if _, err = w.Write(in); err != nil {
				return nil, err
			}
			if err = w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decode: func(scratch, in []byte) ([]byte, error) {
			r := flate.NewReader(bytes.NewReader(in))
			out := bytes.NewBuffer(scratch[:0])
			if _, err := io.Copy(out, r); err != nil {
				return nil, errors.E(errors.Corruption, "flate decode", err)
			}
			if err := r.Close(); err != nil {
				return nil, errors.E(errors.Corruption, "flate decode", err)
			}
			return out.Bytes(), nil
		},
	}
}
