// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package admit contains admission control for background work.
// Flush, compaction, and GC jobs acquire tokens from rate-limited
// buckets before consuming I/O bandwidth or CPU; the Governor
// adjusts the refill rates from observed foreground read latency so
// background work yields when the device is under pressure.
package admit

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/pgz/errors"
)

var admitRate = expvar.NewMap("admit.rate")

// A Bucket is a token bucket: tokens accrue at a configurable rate
// up to a burst capacity, and Acquire blocks until the requested
// tokens are available. A bucket is not fair: waiters race for
// accrued tokens.
type Bucket struct {
	mu    sync.Mutex
	rate  float64 // tokens per second
	burst float64
	tokens float64
	last  time.Time
	wake  chan struct{}

	now     func() time.Time
	rateVar expvar.Float
}

// NewBucket returns a bucket refilling at rate tokens per second
// with the given burst capacity.
func NewBucket(rate float64, burst int) *Bucket {
	b := &Bucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		wake:   make(chan struct{}),
		now:    time.Now,
	}
	b.last = b.now()
	b.rateVar.Set(rate)
	return b
}

// EnableVarExport exports the bucket's current rate for monitoring.
func EnableVarExport(b *Bucket, name string) {
	admitRate.Set(name, &b.rateVar)
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.last = now
	}
}

// setRate installs a new refill rate and wakes waiters so they
// recompute their deadlines.
func (b *Bucket) setRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.rate = rate
	b.rateVar.Set(rate)
	close(b.wake)
	b.wake = make(chan struct{})
}

// Rate returns the current refill rate.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// Burst returns the bucket capacity, the largest single Acquire.
func (b *Bucket) Burst() int {
	return int(b.burst)
}

// Acquire blocks until n tokens are available and consumes them.
// Returns on success, or if the context was canceled. Requests
// larger than the burst capacity are invalid.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if float64(n) > b.burst {
		return errors.E(errors.Invalid, fmt.Sprintf("admit: %d tokens exceeds burst %.0f", n, b.burst))
	}
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((float64(n) - b.tokens) / b.rate * float64(time.Second))
		wake := b.wake
		b.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-wake:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return errors.E(ctx.Err(), "admit: acquire")
		}
	}
}

// TryAcquire consumes n tokens if they are available without
// blocking, reporting whether it did.
func (b *Bucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}
