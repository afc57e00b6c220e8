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

package daemon

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpdisc/leap"
	"github.com/facebook/ntpdisc/servo"
)

// Engine owns the discipline loop, the leap coordinator and the sample
// conditioner and serializes every call into them
type Engine struct {
	mux   sync.Mutex
	clock servo.Clock
	disc  *servo.Discipline
	coord *leap.Coordinator
	huff  *servo.HuffPuff

	last    servo.Snapshot
	lastSet bool
}

// NewEngine wires the loop to the clock. kernel and tai may be nil
func NewEngine(cfg *Config, clock servo.Clock, kernel servo.KernelDiscipline, tai leap.TAISetter, taiOffset int) *Engine {
	disc := servo.NewDiscipline(&cfg.Servo, clock, kernel)
	return &Engine{
		clock: clock,
		disc:  disc,
		coord: leap.NewCoordinator(cfg.Leap.Mode, taiOffset, clock, disc, tai),
		huff:  servo.NewHuffPuff(cfg.HuffPuffWindow, servo.HuffPuffPeriod),
	}
}

// InitFrequency seeds the loop with a persisted frequency, s/s
func (e *Engine) InitFrequency(freq float64) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.disc.InitFrequency(freq)
}

// ApplySample conditions the sample for path asymmetry and feeds it to the loop
func (e *Engine) ApplySample(offset, jitter, delay float64, now time.Time) servo.Outcome {
	e.mux.Lock()
	defer e.mux.Unlock()
	conditioned := e.huff.Condition(offset, delay)
	if conditioned != offset {
		log.Debugf("huff-n-puff: offset %+.9f -> %+.9f, delay %.9f min %.9f", offset, conditioned, delay, e.huff.MinDelay())
	}
	return e.disc.ApplySample(conditioned, jitter, now)
}

// OnSecondTick runs once per second: leap countdown first, then the phase
// and frequency slew unless the leap coordinator owns the clock this second
func (e *Engine) OnSecondTick(now time.Time) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	var err error
	if !e.coord.Tick(now) {
		if adj, ok := e.disc.PhaseSlew(); ok && adj != 0 {
			err = e.clock.Slew(adj)
		}
	}
	e.disc.AddDispersion(servo.ClockPhi)
	return err
}

// AnnounceLeap schedules a leap event, false if it was ignored
func (e *Engine) AnnounceLeap(ev leap.Event, now time.Time) bool {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.coord.Announce(ev, now)
}

// RetractLeap cancels the pending leap event, false if there was nothing to cancel
func (e *Engine) RetractLeap() bool {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.coord.Retract()
}

// SetTAI updates TAI-UTC offset from a leap source
func (e *Engine) SetTAI(offset int) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.coord.SetTAI(offset)
}

// RotateHuffPuff starts a new huff-n-puff bucket
func (e *Engine) RotateHuffPuff() {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.huff.Rotate()
}

// Snapshot returns the discipline state
func (e *Engine) Snapshot() servo.Snapshot {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.disc.Snapshot()
}

// Changed returns the snapshot and whether it differs from the one
// returned by the previous call
func (e *Engine) Changed() (servo.Snapshot, bool) {
	e.mux.Lock()
	defer e.mux.Unlock()
	s := e.disc.Snapshot()
	// dispersion grows every second, it alone does not make a new record
	cmp := s
	cmp.Dispersion = e.last.Dispersion
	changed := !e.lastSet || cmp != e.last
	e.last = s
	e.lastSet = true
	return s, changed
}

// LeapStatus returns the leap coordinator state
func (e *Engine) LeapStatus() leap.Status {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.coord.Status()
}

// Frequency returns the current frequency correction, s/s
func (e *Engine) Frequency() float64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.disc.Frequency()
}

// PollInterval returns the interval the sources should be polled at
func (e *Engine) PollInterval() (time.Duration, int) {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.disc.PollInterval(), e.disc.Snapshot().SysPoll
}

// KernelError returns the last kernel discipline failure, if any
func (e *Engine) KernelError() error {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.disc.KernelError()
}
