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

/*
Package source produces offset samples for the clock discipline.

Two kinds of sources exist: NTP servers queried over UDP and ntpd SHM
reference clock segments fed by gpsd, chrony refclocks or ptp4l tooling.
*/
package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/facebook/ntpdisc/ntp/protocol"
)

// ErrNoSamples is returned when no source produced a usable sample
var ErrNoSamples = errors.New("no usable samples")

// Sample is a single measurement against a reference
type Sample struct {
	Source string
	// Offset is reference minus local time, seconds
	Offset float64
	// Delay is the round trip delay, seconds. Zero for local refclocks
	Delay  float64
	Jitter float64
	// Leap is the leap indicator announced by the reference
	Leap uint8
	Time time.Time
}

// LeapSign returns +1 for a pending insertion, -1 for a deletion, 0 otherwise
func (s *Sample) LeapSign() int {
	switch s.Leap {
	case protocol.LeapAddSecond:
		return 1
	case protocol.LeapDelSecond:
		return -1
	}
	return 0
}

func (s *Sample) String() string {
	return fmt.Sprintf("%s offset %+.9f delay %.9f jitter %.9f leap %d", s.Source, s.Offset, s.Delay, s.Jitter, s.Leap)
}

// Source yields samples, polymorphic over network peers and refclocks
type Source interface {
	Name() string
	Sample(ctx context.Context, poll int) (*Sample, error)
	Close() error
}

// Best queries every source and returns the sample with the lowest delay
func Best(ctx context.Context, sources []Source, poll int) (*Sample, []error) {
	var best *Sample
	var errs []error
	for _, src := range sources {
		s, err := src.Sample(ctx, poll)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		if best == nil || s.Delay < best.Delay {
			best = s
		}
	}
	if best == nil {
		errs = append(errs, ErrNoSamples)
	}
	return best, errs
}

// filter picks the minimum delay exchange and estimates jitter as the RMS
// distance of the other offsets from it
func filter(name string, samples []*Sample, floor float64) (*Sample, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	best := samples[0]
	for _, s := range samples[1:] {
		if s.Delay < best.Delay {
			best = s
		}
	}
	var sum float64
	for _, s := range samples {
		d := s.Offset - best.Offset
		sum += d * d
	}
	jitter := 0.0
	if len(samples) > 1 {
		jitter = math.Sqrt(sum / float64(len(samples)-1))
	}
	res := *best
	res.Source = name
	res.Jitter = math.Max(jitter, floor)
	return &res, nil
}

// precisionSeconds converts log2 precision into seconds
func precisionSeconds(precision int8) float64 {
	return math.Ldexp(1, int(precision))
}
