// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides context-aware synchronization primitives.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable whose Wait can be interrupted by
// context cancellation. Like sync.Cond, the caller must hold the
// associated lock when calling Wait or Broadcast.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond associated with lock l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes all goroutines currently in Wait.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait unlocks the associated lock, suspends the calling goroutine
// until Broadcast or until ctx is done, then relocks the lock. It
// returns ctx's error if the wait was interrupted, in which case no
// broadcast was necessarily observed. As with sync.Cond, callers
// must re-check the condition in a loop.
func (c *Cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}
