// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import (
	"context"
	"fmt"
)

// CleanUp is defer-able syntactic sugar that calls f and reports an
// error, if any, to *dst. Pass the caller's named return error:
//
//	func flush(path string) (err error) {
//		f, err := blockio.Open(path, blockio.Create)
//		if err != nil { ... }
//		defer errors.CleanUp(f.Close, &err)
//		...
//	}
//
// If the caller returns with its own error, the cleanup error is
// appended to its message rather than chained as a cause, since the
// two failures are usually unrelated.
func CleanUp(cleanUp func() error, dst *error) {
	err2 := cleanUp()
	if err2 == nil {
		return
	}
	if *dst == nil {
		*dst = err2
		return
	}
	*dst = E(*dst, fmt.Sprintf("second error in cleanup: %v", err2))
}

// CleanUpCtx is CleanUp for a cleanup function that takes a context.
func CleanUpCtx(ctx context.Context, cleanUp func(context.Context) error, dst *error) {
	CleanUp(func() error { return cleanUp(ctx) }, dst)
}
