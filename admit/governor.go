// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package admit

import (
	"sort"
	"sync"
	"time"

	"github.com/grailbio/pgz/log"
)

const (
	// latencyWindow is the number of recent read latencies retained;
	// adjustEvery is how many new samples trigger a rate adjustment.
	latencyWindow = 256
	adjustEvery   = 64

	// The AIMD schedule: halve on pressure, restore additively once
	// latency drops below recoverFraction of the SLO. The dead band
	// in between is the hysteresis that prevents oscillation.
	backoffFactor   = 0.5
	recoverStep     = 0.1
	recoverFraction = 0.7
	minFactor       = 1.0 / 16
)

// GovernorOpts configure a Governor.
type GovernorOpts struct {
	// IORate and IOBurst dimension the background I/O bucket, in
	// bytes per second and bytes. Defaults: 64MiB/s, 8MiB.
	IORate  float64
	IOBurst int
	// CPURate and CPUBurst dimension the background CPU bucket, in
	// abstract work units (one unit per compacted entry). Defaults:
	// 1e6/s, 1e5.
	CPURate  float64
	CPUBurst int
	// ReadSLO is the p95 foreground read latency target. Default
	// 20ms.
	ReadSLO time.Duration
}

func (o GovernorOpts) withDefaults() GovernorOpts {
	if o.IORate == 0 {
		o.IORate = 64 << 20
	}
	if o.IOBurst == 0 {
		o.IOBurst = 8 << 20
	}
	if o.CPURate == 0 {
		o.CPURate = 1e6
	}
	if o.CPUBurst == 0 {
		o.CPUBurst = 1e5
	}
	if o.ReadSLO == 0 {
		o.ReadSLO = 20 * time.Millisecond
	}
	return o
}

// A Governor owns the background I/O and CPU buckets and adjusts
// their refill rates from observed foreground read latency: when the
// windowed p95 exceeds the SLO the rates back off multiplicatively,
// and they recover additively once latency is comfortably under it.
type Governor struct {
	opts GovernorOpts
	io   *Bucket
	cpu  *Bucket

	mu      sync.Mutex
	window  [latencyWindow]time.Duration
	n       int // filled entries
	next    int // ring cursor
	pending int // samples since last adjustment
	factor  float64
}

// NewGovernor returns a governor with the given options.
func NewGovernor(opts GovernorOpts) *Governor {
	opts = opts.withDefaults()
	return &Governor{
		opts:   opts,
		io:     NewBucket(opts.IORate, opts.IOBurst),
		cpu:    NewBucket(opts.CPURate, opts.CPUBurst),
		factor: 1,
	}
}

// IO returns the background I/O bucket. Tokens are bytes.
func (g *Governor) IO() *Bucket { return g.io }

// CPU returns the background CPU bucket. Tokens are work units.
func (g *Governor) CPU() *Bucket { return g.cpu }

// ObserveRead records one foreground read latency sample.
func (g *Governor) ObserveRead(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window[g.next] = d
	g.next = (g.next + 1) % latencyWindow
	if g.n < latencyWindow {
		g.n++
	}
	g.pending++
	if g.pending >= adjustEvery {
		g.pending = 0
		g.adjustLocked()
	}
}

// Factor returns the current rate multiplier in [minFactor, 1].
func (g *Governor) Factor() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.factor
}

func (g *Governor) p95Locked() time.Duration {
	lat := make([]time.Duration, g.n)
	copy(lat, g.window[:g.n])
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	return lat[g.n*95/100]
}

func (g *Governor) adjustLocked() {
	p95 := g.p95Locked()
	factor := g.factor
	switch {
	case p95 > g.opts.ReadSLO:
		factor *= backoffFactor
		if factor < minFactor {
			factor = minFactor
		}
	case p95 < time.Duration(float64(g.opts.ReadSLO)*recoverFraction):
		factor += recoverStep
		if factor > 1 {
			factor = 1
		}
	}
	if factor == g.factor {
		return
	}
	log.Debug.Printf("admit: read p95 %v (slo %v), background rate factor %.3f -> %.3f",
		p95, g.opts.ReadSLO, g.factor, factor)
	g.factor = factor
	g.io.setRate(g.opts.IORate * factor)
	g.cpu.setRate(g.opts.CPURate * factor)
}
