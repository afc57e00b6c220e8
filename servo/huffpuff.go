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

package servo

import (
	"container/ring"
	"math"
	"time"
)

// HuffPuffPeriod is the default bucket rotation period
const HuffPuffPeriod = 900 * time.Second

// HuffPuff corrects offsets for asymmetric path delay.
// It keeps the minimum delay observed in each rotation period over the window.
type HuffPuff struct {
	size     int
	buckets  *ring.Ring
	minDelay float64
}

// NewHuffPuff returns a filter holding window/period buckets.
// Zero window returns a disabled filter.
func NewHuffPuff(window, period time.Duration) *HuffPuff {
	h := &HuffPuff{minDelay: math.Inf(1)}
	if window <= 0 || period <= 0 {
		return h
	}
	h.size = int(window / period)
	if h.size < 1 {
		h.size = 1
	}
	h.buckets = ring.New(h.size)
	for i := 0; i < h.size; i++ {
		h.buckets.Value = math.Inf(1)
		h.buckets = h.buckets.Next()
	}
	return h
}

// Len returns number of buckets, 0 if disabled
func (h *HuffPuff) Len() int {
	return h.size
}

// MinDelay returns minimum delay over the window, +Inf if nothing was seen yet
func (h *HuffPuff) MinDelay() float64 {
	return h.minDelay
}

// Condition records delay into the current bucket and returns the offset
// corrected by half of the delay excess over the window minimum,
// subtracted from positive offsets and added to the rest
func (h *HuffPuff) Condition(offset, delay float64) float64 {
	if h.size == 0 || math.IsNaN(delay) || delay < 0 {
		return offset
	}
	if delay < h.buckets.Value.(float64) {
		h.buckets.Value = delay
	}
	if delay < h.minDelay {
		h.minDelay = delay
	}
	dtemp := (delay - h.minDelay) / 2
	if offset > 0 {
		return offset - dtemp
	}
	return offset + dtemp
}

// Rotate starts a new bucket, dropping the oldest one, and recomputes the minimum
func (h *HuffPuff) Rotate() {
	if h.size == 0 {
		return
	}
	h.buckets = h.buckets.Next()
	h.buckets.Value = math.Inf(1)
	h.minDelay = math.Inf(1)
	h.buckets.Do(func(v any) {
		h.minDelay = math.Min(h.minDelay, v.(float64))
	})
}
