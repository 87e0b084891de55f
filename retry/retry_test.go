// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/pgz/errors"
)

func TestBackoff(t *testing.T) {
	policy := Backoff(time.Second, 10*time.Second, 2)
	expect := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for retries, wait := range expect {
		keepgoing, dur := policy.Retry(retries)
		if !keepgoing {
			t.Fatal("!keepgoing")
		}
		if got, want := dur, wait; got != want {
			t.Errorf("retry %d: got %v, want %v", retries, got, want)
		}
	}
}

func TestJitter(t *testing.T) {
	policy := Jitter(time.Second, 10*time.Second, 2)
	for retries := 0; retries < 8; retries++ {
		keepgoing, dur := policy.Retry(retries)
		if !keepgoing {
			t.Fatal("!keepgoing")
		}
		if dur < 0 || dur > 15*time.Second {
			t.Errorf("retry %d: wait %v out of range", retries, dur)
		}
	}
}

func TestMaxTries(t *testing.T) {
	policy := MaxTries(Backoff(time.Millisecond, time.Second, 2), 3)
	ctx := context.Background()
	var retries int
	for ; ; retries++ {
		if err := Wait(ctx, policy, retries); err != nil {
			if got, want := err, errors.E(errors.TooManyTries); !errors.Match(want, got) {
				t.Errorf("got %v, want %v", got, want)
			}
			break
		}
	}
	if got, want := retries, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Wait(ctx, Backoff(time.Hour, time.Hour, 1), 0)
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
}
