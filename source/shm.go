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

package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/facebook/ntpdisc/ntp/shm"
)

// shmHistory is how many recent offsets feed the refclock jitter
const shmHistory = 8

// maxSHMAge is how stale a refclock sample may be
const maxSHMAge = 4 * time.Second

type segment interface {
	Sample() (*shm.NTPSHM, error)
	Detach() error
}

// SHM is an ntpd shared memory reference clock unit
type SHM struct {
	mux     sync.Mutex
	unit    int
	seg     segment
	now     func() time.Time
	offsets []float64
	last    *Sample
}

// NewSHM attaches SHM unit
func NewSHM(unit int) (*SHM, error) {
	seg, err := shm.Attach(unit)
	if err != nil {
		return nil, err
	}
	return newSHM(unit, seg, time.Now), nil
}

func newSHM(unit int, seg segment, now func() time.Time) *SHM {
	return &SHM{unit: unit, seg: seg, now: now}
}

// Name returns the refclock name in ntpd notation
func (s *SHM) Name() string {
	return fmt.Sprintf("SHM(%d)", s.unit)
}

// Close detaches the segment
func (s *SHM) Close() error {
	return s.seg.Detach()
}

// Collect consumes a fresh sample from the segment if the writer left one.
// It is meant to be called every second, between polls.
func (s *SHM) Collect() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.collect()
}

func (s *SHM) collect() error {
	n, err := s.seg.Sample()
	if errors.Is(err, shm.ErrNotReady) {
		return nil
	}
	if err != nil {
		return err
	}
	now := s.now()
	if age := now.Sub(n.ReceiveTimeStamp()); age > maxSHMAge || age < -maxSHMAge {
		return fmt.Errorf("%s: stale sample received at %v", s.Name(), n.ReceiveTimeStamp())
	}
	off := n.Offset()
	s.offsets = append(s.offsets, off)
	if len(s.offsets) > shmHistory {
		s.offsets = s.offsets[len(s.offsets)-shmHistory:]
	}
	floor := 0.0
	if n.Precision < 0 {
		floor = precisionSeconds(int8(n.Precision))
	}
	s.last = &Sample{
		Source: s.Name(),
		Offset: off,
		Leap:   uint8(n.Leap),
		Time:   n.ReceiveTimeStamp(),
		Jitter: math.Max(s.jitter(), floor),
	}
	return nil
}

// jitter is the RMS of successive offset differences
func (s *SHM) jitter() float64 {
	if len(s.offsets) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(s.offsets); i++ {
		d := s.offsets[i] - s.offsets[i-1]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(s.offsets)-1))
}

// Sample returns the latest collected sample and forgets it
func (s *SHM) Sample(_ context.Context, _ int) (*Sample, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if err := s.collect(); err != nil {
		return nil, err
	}
	if s.last == nil {
		return nil, ErrNoSamples
	}
	res := s.last
	s.last = nil
	return res, nil
}
