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

package clock

import (
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebook/ntpdisc/servo"
)

// SystemClock is CLOCK_REALTIME behind the discipline interfaces.
// It implements servo.Clock, servo.KernelDiscipline and leap.TAISetter
type SystemClock struct {
	// DryRun only logs the adjustments
	DryRun bool
	// residual is the sub-microsecond part of past slews the kernel has not seen yet
	residual float64
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// Step moves the clock by delta seconds
func (c *SystemClock) Step(delta float64) error {
	d := secondsToDuration(delta)
	if c.DryRun {
		log.Infof("dry run: step clock by %v", d)
		return nil
	}
	state, err := Step(unix.CLOCK_REALTIME, d)
	if err != nil {
		return fmt.Errorf("stepping clock by %v: %w", d, err)
	}
	log.Debugf("clock stepped by %v, state %s", d, StateString(state))
	return nil
}

// carry adds the residual of previous slews to adj and returns the whole
// microseconds ADJ_OFFSET_SINGLESHOT can take, keeping the rest for next time
func (c *SystemClock) carry(adj float64) time.Duration {
	total := adj + c.residual
	us := math.Trunc(total * 1e6)
	c.residual = total - us/1e6
	return time.Duration(us) * time.Microsecond
}

// Slew adds adj seconds to the outstanding one-shot slew
func (c *SystemClock) Slew(adj float64) error {
	d := c.carry(adj)
	if c.DryRun {
		log.Debugf("dry run: slew clock by %v, residual %.9fs", d, c.residual)
		return nil
	}
	if d == 0 {
		return nil
	}
	remaining, err := SlewRemaining()
	if err != nil {
		return fmt.Errorf("reading outstanding slew: %w", err)
	}
	if _, err := SlewOnce(remaining + d); err != nil {
		return fmt.Errorf("slewing clock by %v: %w", remaining+d, err)
	}
	return nil
}

// Apply hands the loop update over to the kernel PLL
func (c *SystemClock) Apply(p *servo.KernelParams) (*servo.KernelFeedback, error) {
	k := &KernelPLL{
		Offset:       secondsToDuration(p.Offset),
		TimeConstant: p.TimeConstant,
		EstError:     secondsToDuration(p.EstError),
		MaxError:     secondsToDuration(p.MaxError),
		FrequencyPPB: p.Frequency * 1e9,
		SetFrequency: p.SetFrequency,
		Leap:         p.Leap,
		StatusOnly:   p.StatusOnly,
	}
	if c.DryRun {
		log.Debugf("dry run: kernel PLL update %+v", *k)
		return &servo.KernelFeedback{Frequency: p.Frequency}, nil
	}
	st, err := UpdateKernelPLL(k)
	if err != nil {
		return nil, fmt.Errorf("updating kernel PLL: %w", err)
	}
	log.Debugf("kernel PLL: freq %.3f PPB jitter %v status %s state %s", st.FrequencyPPB, st.Jitter, st.Status, StateString(st.State))
	return &servo.KernelFeedback{
		Frequency: st.FrequencyPPB / 1e9,
		Jitter:    st.Jitter.Seconds(),
	}, nil
}

// SetTAI publishes TAI-UTC offset to the kernel
func (c *SystemClock) SetTAI(offset int) error {
	if c.DryRun {
		log.Infof("dry run: set TAI offset to %d", offset)
		return nil
	}
	return SetTAI(unix.CLOCK_REALTIME, offset)
}

// Precision measures the clock read granularity: the smallest non-zero
// difference between consecutive readings
func Precision() time.Duration {
	const samples = 64
	best := time.Duration(math.MaxInt64)
	last := time.Now()
	for i := 0; i < samples; {
		now := time.Now()
		d := now.Sub(last)
		if d <= 0 {
			continue
		}
		if d < best {
			best = d
		}
		last = now
		i++
	}
	return best
}

// PrecisionLog2 converts precision into the log2 seconds form used in NTP packets
func PrecisionLog2(p time.Duration) int8 {
	if p <= 0 {
		return -30
	}
	return int8(math.Ceil(math.Log2(p.Seconds())))
}
