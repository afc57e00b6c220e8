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
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// Discipline is a hybrid PLL/FLL clock discipline loop.
// Offsets follow the RFC 5905 sign: reference minus local, so a positive
// offset means the local clock is behind and has to be advanced.
// Discipline is not safe for concurrent use, callers serialize access.
type Discipline struct {
	cfg    *Config
	clock  Clock
	kernel KernelDiscipline

	state          State
	clockOffset    float64 // phase still to be slewed, seconds
	lastOffset     float64 // offset of the previous sample, seconds
	driftComp      float64 // frequency correction, s/s
	clockJitter    float64 // seconds
	clockStability float64 // s/s
	sysPoll        int
	tcCounter      int
	clockEpoch     time.Time
	dispersion     float64

	// kernel state
	kernelOwned   bool
	kernelLeap    int
	kernelFreqSet bool
	kernelErr     error
}

// NewDiscipline creates a loop in NeverSet state.
// kernel may be nil when the platform has no in-kernel discipline.
func NewDiscipline(cfg *Config, clock Clock, kernel KernelDiscipline) *Discipline {
	d := &Discipline{
		cfg:     cfg,
		clock:   clock,
		kernel:  kernel,
		state:   StateNeverSet,
		sysPoll: cfg.MinPoll,
	}
	d.clockJitter = d.resolution()
	return d
}

// InitFrequency seeds the frequency from persisted state and moves the loop to FreqSet
func (d *Discipline) InitFrequency(freq float64) {
	maxFreq := d.cfg.maxFrequency()
	d.driftComp = clamp(freq, -maxFreq, maxFreq)
	d.state = StateFreqSet
	d.kernelFreqSet = false
	log.Infof("initial frequency %+.3f PPM", d.driftComp*1e6)
}

// State returns current state of the loop
func (d *Discipline) State() State {
	return d.state
}

// Frequency returns current frequency correction in s/s
func (d *Discipline) Frequency() float64 {
	return d.driftComp
}

// PollInterval returns the current update interval
func (d *Discipline) PollInterval() time.Duration {
	return time.Duration(1<<d.sysPoll) * time.Second
}

// TimeConstant returns the loop time constant in seconds
func (d *Discipline) TimeConstant() float64 {
	return math.Ldexp(1, tauShift+d.sysPoll)
}

// KernelOwned reports whether the in-kernel PLL took the last update
func (d *Discipline) KernelOwned() bool {
	return d.kernelOwned
}

// Snapshot returns a copy of the loop state
func (d *Discipline) Snapshot() Snapshot {
	return Snapshot{
		Offset:         d.clockOffset,
		DriftComp:      d.driftComp,
		ClockJitter:    d.clockJitter,
		ClockStability: d.clockStability,
		SysPoll:        d.sysPoll,
		State:          d.state,
		Dispersion:     d.dispersion,
		KernelOwned:    d.kernelOwned,
	}
}

func (d *Discipline) resolution() float64 {
	return d.cfg.ClockResolution.Seconds()
}

func (d *Discipline) pollSeconds() float64 {
	return math.Ldexp(1, d.sysPoll)
}

// reset moves the loop into the new state with the given phase reference
func (d *Discipline) reset(state State, now time.Time, offset float64) {
	d.state = state
	d.clockOffset = offset
	d.lastOffset = offset
	d.clockEpoch = now
}

func (d *Discipline) step(offset float64) {
	log.Warningf("stepping clock by %+.9fs", offset)
	if err := d.clock.Step(offset); err != nil {
		log.Errorf("failed to step clock by %+.9fs: %v", offset, err)
	}
	d.tcCounter = 0
	d.clockJitter = d.resolution()
}

// adjustFrequency adds delta to the frequency correction and updates wander
func (d *Discipline) adjustFrequency(delta float64) {
	maxFreq := d.cfg.maxFrequency()
	prev := d.driftComp
	d.driftComp = clamp(d.driftComp+delta, -maxFreq, maxFreq)
	applied := d.driftComp - prev
	s2 := d.clockStability * d.clockStability
	d.clockStability = math.Sqrt(s2 + (applied*applied-s2)/d.cfg.AvgConstant)
}

func (d *Discipline) updateJitter(offset float64) {
	diff := math.Max(math.Abs(offset-d.lastOffset), d.resolution())
	j2 := d.clockJitter * d.clockJitter
	d.clockJitter = math.Sqrt(j2 + (diff*diff-j2)/d.cfg.AvgConstant)
}

// isPopcorn tells if the sample is an isolated outlier we should not learn from
func (d *Discipline) isPopcorn(offset, mu float64) bool {
	return math.Abs(offset-d.lastOffset) > d.cfg.SpikeGate*d.clockJitter && mu < 2*d.pollSeconds()
}

// loopGain computes the combined FLL and PLL frequency adjustment
func (d *Discipline) loopGain(offset, mu float64) float64 {
	allan := d.cfg.allanIntercept()
	minFLL := allan / 2
	window := allan / 2
	overlap := clamp((mu-minFLL)/window, 0, 1)
	fll := offset * overlap / (math.Max(mu, allan) * fllGain)

	divisor := math.Ldexp(1, pllGainShift+d.sysPoll)
	pll := offset * math.Min(mu, d.pollSeconds()) / (divisor * divisor)
	return fll + pll
}

// adaptPoll runs the slow poll-interval hysteresis loop
func (d *Discipline) adaptPoll(sampleJitter float64) {
	if d.state != StateSynced {
		return
	}
	envelope := math.Max(d.clockJitter, sampleJitter)
	if d.clockStability < d.cfg.maxStability() && math.Abs(d.clockOffset) < d.cfg.PollGate*envelope {
		d.tcCounter += d.sysPoll
		if d.tcCounter >= pollLimit {
			d.tcCounter = pollLimit
			if d.sysPoll < d.cfg.MaxPoll {
				d.tcCounter = 0
				d.sysPoll++
				log.Debugf("poll interval increased to %ds", 1<<d.sysPoll)
			}
		}
		return
	}
	d.tcCounter -= d.sysPoll << 1
	if d.tcCounter <= -pollLimit {
		d.tcCounter = -pollLimit
		if d.sysPoll > d.cfg.MinPoll {
			d.tcCounter = 0
			d.sysPoll--
			log.Debugf("poll interval decreased to %ds", 1<<d.sysPoll)
		}
	}
}

// ApplySample feeds one conditioned measurement into the loop.
// offset and jitter are in seconds, now is the time of the measurement.
func (d *Discipline) ApplySample(offset, jitter float64, now time.Time) Outcome {
	if math.IsNaN(offset) || math.IsInf(offset, 0) {
		log.Errorf("rejecting non-finite offset %v in state %s", offset, d.state)
		return OutcomePanicked
	}
	if !d.cfg.PanicOverrideAllowed && math.Abs(offset) >= d.cfg.panicThreshold() {
		log.Errorf("offset %+.6fs exceeds panic threshold %v in state %s, set clock manually", offset, d.cfg.PanicThreshold, d.state)
		return OutcomePanicked
	}
	if math.IsNaN(jitter) || jitter < 0 {
		jitter = 0
	}

	var mu float64
	if !d.clockEpoch.IsZero() {
		mu = math.Max(now.Sub(d.clockEpoch).Seconds(), 0)
	}

	var outcome Outcome
	if math.Abs(offset) > d.cfg.stepThreshold() {
		outcome = d.large(offset, mu, now)
	} else {
		outcome = d.small(offset, jitter, mu, now)
	}
	if outcome == OutcomeIgnored {
		return outcome
	}
	d.dispersion = jitter
	d.updateKernel()
	log.Debugf("sample %+.9fs mu %.0fs: %s -> %s", offset, mu, outcome, d.state)
	return outcome
}

// large handles offsets beyond the step threshold
func (d *Discipline) large(offset, mu float64, now time.Time) Outcome {
	stepout := d.cfg.stepoutThreshold()
	switch d.state {
	case StateTimeSet:
		if mu < stepout {
			return OutcomeIgnored
		}
		d.reset(StateFreqTraining, now, offset)
		return OutcomeSlewed
	case StateSynced, StateFreqTraining, StateSpike:
		if mu < stepout {
			if d.state == StateSynced {
				log.Warningf("spike detected: offset %+.6fs", offset)
				d.state = StateSpike
			}
			return OutcomeIgnored
		}
		d.adjustFrequency((offset - d.clockOffset) / mu)
		if d.cfg.StepCorrectionsAllowed {
			d.step(offset)
			d.reset(StateTimeSet, now, 0)
			return OutcomeStepped
		}
		d.reset(StateFreqTraining, now, offset)
		return OutcomeSlewed
	default:
		d.step(offset)
		d.reset(StateTimeSet, now, 0)
		return OutcomeStepped
	}
}

// small handles offsets within the step threshold
func (d *Discipline) small(offset, jitter, mu float64, now time.Time) Outcome {
	switch d.state {
	case StateNeverSet:
		d.reset(StateTimeSet, now, offset)
		return OutcomeSlewed
	case StateFreqSet:
		d.reset(StateSynced, now, offset)
		return OutcomeSlewed
	case StateFreqTraining:
		if mu < d.cfg.stepoutThreshold() {
			return OutcomeIgnored
		}
		d.adjustFrequency((offset - d.clockOffset) / mu)
		d.reset(StateSynced, now, offset)
		return OutcomeSlewed
	}

	// TimeSet, Spike and Synced all end up tracking
	if d.isPopcorn(offset, mu) {
		log.Debugf("popcorn spike %+.9fs suppressed", offset)
		d.lastOffset = offset
		return OutcomeIgnored
	}
	d.state = StateSynced
	delta := d.loopGain(offset, mu)
	d.updateJitter(offset)
	d.adjustFrequency(delta)
	d.reset(StateSynced, now, offset)
	d.adaptPoll(jitter)
	return OutcomeSlewed
}

// updateKernel hands the accepted update over to the in-kernel PLL if it is enabled
func (d *Discipline) updateKernel() {
	if d.kernel == nil || !d.cfg.KernelDisciplineEnabled {
		d.kernelOwned = false
		return
	}
	p := &KernelParams{
		Offset:       d.clockOffset,
		TimeConstant: d.sysPoll,
		EstError:     d.clockJitter,
		MaxError:     d.dispersion,
		Leap:         d.kernelLeap,
	}
	if !d.kernelFreqSet {
		p.Frequency = d.driftComp
		p.SetFrequency = true
	}
	fb, err := d.kernel.Apply(p)
	if err != nil {
		// fall back to our own discipline for this cycle
		d.kernelOwned = false
		d.kernelErr = err
		return
	}
	d.kernelFreqSet = true
	d.kernelOwned = true
	maxFreq := d.cfg.maxFrequency()
	d.driftComp = clamp(fb.Frequency, -maxFreq, maxFreq)
	if fb.Jitter > 0 {
		d.clockJitter = fb.Jitter
	}
}

// SetKernelLeap sets the leap bits passed to the kernel, returns false if
// the kernel discipline is not in use or the kernel refused the bits
func (d *Discipline) SetKernelLeap(leap int) bool {
	if d.kernel == nil || !d.cfg.KernelDisciplineEnabled {
		return false
	}
	if d.kernelLeap == leap {
		return true
	}
	if d.state == StateNeverSet || d.state == StateFreqSet {
		// nothing accepted yet, bits go out with the first update
		d.kernelLeap = leap
		return true
	}
	// leap bits only, no phase sample
	if _, err := d.kernel.Apply(&KernelParams{Leap: leap, StatusOnly: true}); err != nil {
		d.kernelErr = err
		return false
	}
	d.kernelLeap = leap
	return true
}

// PhaseSlew advances the user-space phase correction by one second.
// It returns the adjustment to hand to the clock for this second, or
// false if the in-kernel PLL owns the adjustment.
func (d *Discipline) PhaseSlew() (float64, bool) {
	if d.kernelOwned {
		return 0, false
	}
	adj := d.clockOffset / d.TimeConstant()
	d.clockOffset -= adj
	return adj + d.driftComp, true
}

// KernelError returns the last kernel discipline failure and clears it
func (d *Discipline) KernelError() error {
	err := d.kernelErr
	d.kernelErr = nil
	return err
}

// AddDispersion grows the dispersion by phi seconds
func (d *Discipline) AddDispersion(phi float64) {
	d.dispersion += phi
}

// Dispersion returns accumulated dispersion since the last accepted sample
func (d *Discipline) Dispersion() float64 {
	return d.dispersion
}
