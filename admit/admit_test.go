// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package admit

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/pgz/errors"
)

func TestBucketRefill(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBucket(100, 50)
	b.now = func() time.Time { return now }
	b.last = now

	// The bucket starts full.
	if !b.TryAcquire(50) {
		t.Fatal("full bucket refused burst")
	}
	if b.TryAcquire(1) {
		t.Fatal("empty bucket granted a token")
	}
	// 100 tokens/s: after 200ms there are 20.
	now = now.Add(200 * time.Millisecond)
	if !b.TryAcquire(20) {
		t.Fatal("refill not applied")
	}
	if b.TryAcquire(1) {
		t.Fatal("over-refill")
	}
	// Refill caps at burst capacity.
	now = now.Add(time.Hour)
	if !b.TryAcquire(50) {
		t.Fatal("refill not applied")
	}
	if b.TryAcquire(1) {
		t.Fatal("refill exceeded burst")
	}
}

func TestBucketAcquireBlocks(t *testing.T) {
	ctx := context.Background()
	b := NewBucket(1000, 10)
	if err := b.Acquire(ctx, 10); err != nil {
		t.Fatal(err)
	}
	// The next acquire must wait for refill.
	start := time.Now()
	if err := b.Acquire(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 2*time.Millisecond {
		t.Errorf("acquire returned after %v, want at least 2ms of refill", d)
	}
}

func TestBucketAcquireCancel(t *testing.T) {
	b := NewBucket(0.001, 10)
	if err := b.Acquire(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Acquire(ctx, 1) }()
	cancel()
	if err := <-errc; !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want Canceled", err)
	}
}

func TestBucketAcquireTooLarge(t *testing.T) {
	b := NewBucket(100, 10)
	if err := b.Acquire(context.Background(), 11); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestGovernorBackoff(t *testing.T) {
	g := NewGovernor(GovernorOpts{ReadSLO: 10 * time.Millisecond})
	if got, want := g.Factor(), 1.0; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// Sustained latency over the SLO halves the rates.
	for i := 0; i < adjustEvery; i++ {
		g.ObserveRead(50 * time.Millisecond)
	}
	if got, want := g.Factor(), backoffFactor; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.IO().Rate(), g.opts.IORate*backoffFactor; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Continued pressure backs off further, down to the floor.
	for i := 0; i < latencyWindow*8; i++ {
		g.ObserveRead(50 * time.Millisecond)
	}
	if got, want := g.Factor(), minFactor; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGovernorHysteresis(t *testing.T) {
	g := NewGovernor(GovernorOpts{ReadSLO: 10 * time.Millisecond})
	for i := 0; i < adjustEvery; i++ {
		g.ObserveRead(50 * time.Millisecond)
	}
	backedOff := g.Factor()
	if backedOff >= 1 {
		t.Fatalf("got factor %v, want backed off", backedOff)
	}
	// Flush the 50ms samples out of the window with latency under
	// the SLO but inside the dead band.
	for i := 0; i < latencyWindow*2; i++ {
		g.ObserveRead(9 * time.Millisecond)
	}
	settled := g.Factor()
	// Dead-band latency causes no further movement in either
	// direction.
	for i := 0; i < latencyWindow*2; i++ {
		g.ObserveRead(9 * time.Millisecond)
	}
	if got, want := g.Factor(), settled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Latency well under the SLO: additive recovery back to 1.
	for i := 0; i < latencyWindow*8; i++ {
		g.ObserveRead(time.Millisecond)
	}
	if got, want := g.Factor(), 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
