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

package leap

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpdisc/servo"
)

//go:generate mockgen -source=coordinator.go -destination=coordinator_mock.go -package=leap

// KernelLeap arms the kernel leap second state machine.
// It returns false if the kernel discipline is not in use.
type KernelLeap interface {
	SetKernelLeap(leap int) bool
}

// TAISetter publishes TAI-UTC offset to the system
type TAISetter interface {
	SetTAI(offset int) error
}

// Status is a read-only copy of the coordinator state
type Status struct {
	Phase     Phase  `json:"phase"`
	Mode      Mode   `json:"mode"`
	Pending   *Event `json:"pending,omitempty"`
	TAI       int    `json:"tai"`
	Completed int    `json:"completed"`
}

// Coordinator owns the pending leap event and applies it at the boundary.
// It is not safe for concurrent use.
type Coordinator struct {
	mode   Mode
	clock  servo.Clock
	kernel KernelLeap
	tai    TAISetter

	phase     Phase
	pending   *Event
	taiOffset int
	completed int
	// kernel leap bits are set for the pending event
	kernelArmed bool
}

// NewCoordinator returns an idle coordinator. kernel and tai may be nil
func NewCoordinator(mode Mode, taiOffset int, clock servo.Clock, kernel KernelLeap, tai TAISetter) *Coordinator {
	return &Coordinator{
		mode:      mode,
		clock:     clock,
		kernel:    kernel,
		tai:       tai,
		taiOffset: taiOffset,
	}
}

// Phase returns current phase
func (c *Coordinator) Phase() Phase {
	return c.phase
}

// TAI returns current TAI-UTC offset
func (c *Coordinator) TAI() int {
	return c.taiOffset
}

// SetTAI replaces TAI-UTC offset, it is ignored while a leap second is being applied
func (c *Coordinator) SetTAI(offset int) {
	if c.phase == PhaseApplying || offset == c.taiOffset {
		return
	}
	log.Infof("TAI offset %d -> %d", c.taiOffset, offset)
	c.taiOffset = offset
	c.publishTAI()
}

// Status returns a copy of the coordinator state
func (c *Coordinator) Status() Status {
	s := Status{
		Phase:     c.phase,
		Mode:      c.mode,
		TAI:       c.taiOffset,
		Completed: c.completed,
	}
	if c.pending != nil {
		e := *c.pending
		s.Pending = &e
	}
	return s
}

// Announce schedules the leap event. It returns false if the announcement was ignored
func (c *Coordinator) Announce(e Event, now time.Time) bool {
	if err := e.Valid(); err != nil {
		log.Warningf("ignoring leap announcement: %v", err)
		return false
	}
	if c.phase == PhaseApplying {
		log.Warningf("ignoring leap announcement (%s) while applying %s", e, c.pending)
		return false
	}
	if !e.Effective.After(now) {
		log.Warningf("ignoring leap announcement (%s) in the past", e)
		return false
	}
	if c.pending != nil {
		if c.pending.Sign == e.Sign && c.pending.Effective.Equal(e.Effective) {
			return true
		}
		log.Warningf("replacing pending %s with %s", c.pending, e)
		c.disarmKernel()
	}
	c.pending = &e
	c.phase = PhaseArmed
	log.Warningf("leap armed: %s, TAI offset %d -> %d", e, c.taiOffset, c.taiOffset+e.TAIDelta())
	c.checkImminent(now)
	return true
}

// Retract cancels the pending leap event unless it is already being applied
func (c *Coordinator) Retract() bool {
	switch c.phase {
	case PhaseIdle:
		return false
	case PhaseApplying:
		log.Warningf("cannot retract %s, already applying", c.pending)
		return false
	}
	log.Warningf("leap disarmed: %s", c.pending)
	c.disarmKernel()
	c.pending = nil
	c.phase = PhaseIdle
	return true
}

func (c *Coordinator) checkImminent(now time.Time) {
	if c.phase != PhaseArmed || c.pending.Effective.Sub(now) > Day {
		return
	}
	c.phase = PhaseImminent
	log.Warningf("leap imminent: %s", c.pending)
	if c.mode == ModeKernel {
		c.armKernel()
	}
}

func (c *Coordinator) armKernel() {
	if c.kernel == nil || !c.kernel.SetKernelLeap(c.pending.Sign) {
		log.Warningf("kernel leap mode is not available, will step the clock instead")
		return
	}
	c.kernelArmed = true
}

func (c *Coordinator) disarmKernel() {
	if !c.kernelArmed {
		return
	}
	c.kernelArmed = false
	c.clearKernel()
}

func (c *Coordinator) clearKernel() {
	if !c.kernel.SetKernelLeap(0) {
		log.Errorf("failed to clear kernel leap bits")
	}
}

// Tick advances the coordinator by one second. It returns true when the
// coordinator corrected the clock this second and the discipline slew must be skipped
func (c *Coordinator) Tick(now time.Time) bool {
	switch c.phase {
	case PhaseIdle:
		return false
	case PhaseArmed:
		c.checkImminent(now)
		if c.phase != PhaseImminent {
			return false
		}
	}

	e := c.pending
	sign := float64(e.Sign)
	switch {
	case c.kernelArmed:
		if now.Before(e.Effective) {
			return false
		}
		// kernel already inserted or deleted the second
		c.phase = PhaseApplying
		c.kernelArmed = false
		c.clearKernel()
		c.complete()
		return true
	case c.mode == ModeSlew:
		if now.Before(e.Effective.Add(-time.Second)) {
			return false
		}
		if c.phase == PhaseImminent {
			c.phase = PhaseApplying
			if !now.Before(e.Effective) {
				// missed the first half
				c.slew(-sign)
				c.complete()
				return true
			}
			c.slew(-sign / 2)
			return true
		}
		if now.Before(e.Effective) {
			return true
		}
		c.slew(-sign / 2)
		c.complete()
		return true
	default:
		if now.Before(e.Effective) {
			return false
		}
		c.phase = PhaseApplying
		log.Warningf("stepping clock by %+.0fs for %s", -sign, e)
		if err := c.clock.Step(-sign); err != nil {
			log.Errorf("failed to step clock for leap second: %v", err)
		}
		c.complete()
		return true
	}
}

func (c *Coordinator) slew(adj float64) {
	log.Infof("slewing clock by %+.1fs for %s", adj, c.pending)
	if err := c.clock.Slew(adj); err != nil {
		log.Errorf("failed to slew clock for leap second: %v", err)
	}
}

func (c *Coordinator) complete() {
	e := c.pending
	c.taiOffset += e.TAIDelta()
	c.completed++
	c.pending = nil
	c.phase = PhaseIdle
	log.Infof("leap second completed: %s, TAI offset is now %d", e, c.taiOffset)
	c.publishTAI()
}

func (c *Coordinator) publishTAI() {
	if c.tai == nil {
		return
	}
	if err := c.tai.SetTAI(c.taiOffset); err != nil {
		log.Errorf("failed to set TAI offset %d: %v", c.taiOffset, err)
	}
}
