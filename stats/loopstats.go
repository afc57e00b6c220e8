/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// mjdUnixEpoch is the Modified Julian Day of 1970-01-01
const mjdUnixEpoch = 40587

// LoopStats writes one ntpd loopstats record per snapshot:
// MJD, seconds past midnight, offset, frequency ppm, jitter, wander ppm, poll
type LoopStats struct {
	mux sync.Mutex
	w   io.Writer
}

// NewLoopStats returns a LoopStats writing into w
func NewLoopStats(w io.Writer) *LoopStats {
	return &LoopStats{w: w}
}

// Record formats a loopstats line
func Record(l Loop) string {
	t := l.Time.UTC()
	day := t.Unix()/86400 + mjdUnixEpoch
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	secs := t.Sub(midnight).Seconds()
	return fmt.Sprintf("%d %.3f %.9f %.3f %.9f %.6f %d\n", day, secs, l.Offset, l.Frequency, l.Jitter, l.Wander, l.Poll)
}

// Write appends a record
func (s *LoopStats) Write(l Loop) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, err := io.WriteString(s.w, Record(l))
	return err
}

// Aggregator keeps running mean and stddev of the loop over a window
type Aggregator struct {
	mux       sync.Mutex
	offset    *welford.Stats
	frequency *welford.Stats
	jitter    *welford.Stats
	n         int64
	maxOffset float64
}

// NewAggregator returns an empty Aggregator
func NewAggregator() *Aggregator {
	a := &Aggregator{}
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.offset = welford.New()
	a.frequency = welford.New()
	a.jitter = welford.New()
	a.n = 0
	a.maxOffset = 0
}

// Add accounts a snapshot
func (a *Aggregator) Add(l Loop) {
	a.mux.Lock()
	a.offset.Add(l.Offset)
	a.frequency.Add(l.Frequency)
	a.jitter.Add(l.Jitter)
	a.n++
	a.maxOffset = math.Max(a.maxOffset, math.Abs(l.Offset))
	a.mux.Unlock()
}

// Flush returns the window aggregates as counters and starts a new window.
// Offset and jitter are in nanoseconds, frequency in parts per billion.
func (a *Aggregator) Flush() map[string]int64 {
	a.mux.Lock()
	defer a.mux.Unlock()
	res := map[string]int64{}
	if a.n == 0 {
		return res
	}
	res["loop.samples"] = a.n
	res["loop.offset_ns.mean"] = round(a.offset.Mean() * 1e9)
	res["loop.offset_ns.stddev"] = round(a.offset.Stddev() * 1e9)
	res["loop.offset_ns.max"] = round(a.maxOffset * 1e9)
	res["loop.frequency_ppb.mean"] = round(a.frequency.Mean() * 1e3)
	res["loop.frequency_ppb.stddev"] = round(a.frequency.Stddev() * 1e3)
	res["loop.jitter_ns.mean"] = round(a.jitter.Mean() * 1e9)
	a.reset()
	return res
}

func round(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v))
}
