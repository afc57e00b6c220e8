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
	"fmt"
	"time"
)

// Loop constants which are not exposed as configuration
const (
	// pllGainShift makes the PLL frequency divisor (4*tau)^2 = 2^(6+poll) squared
	pllGainShift = 6
	// tauShift makes the loop time constant 16 * 2^poll
	tauShift = 4
	// fllGain divides the FLL frequency estimate
	fllGain = 4.0
	// pollLimit is the poll-adjust hysteresis limit
	pollLimit = 30
	// ClockPhi is the worst-case oscillator drift used for dispersion, s/s
	ClockPhi = 15e-6
	// absolute poll bounds supported by the loop
	minPollBound = 3
	maxPollBound = 17
)

// Config holds the discipline loop knobs
type Config struct {
	StepThreshold           time.Duration `yaml:"step_threshold"`    // slew below, step above
	PanicThreshold          time.Duration `yaml:"panic_threshold"`   // refuse to correct above
	StepoutThreshold        time.Duration `yaml:"stepout_threshold"` // minimum interval before a sustained large offset is trusted
	MaxFrequencyPPM         float64       `yaml:"max_frequency_ppm"` // drift_comp is clamped to +-this value
	AllanIntercept          time.Duration `yaml:"allan_intercept"`   // FLL fades in from half of it and saturates at it
	PollGate                float64       `yaml:"poll_gate"`         // poll-adjust gate, multiples of jitter
	SpikeGate               float64       `yaml:"spike_gate"`        // popcorn gate, multiples of jitter
	AvgConstant             float64       `yaml:"avg_constant"`      // averaging constant for jitter and stability
	MaxStabilityPPM         float64       `yaml:"max_stability_ppm"` // poll interval only grows below this wander
	MinPoll                 int           `yaml:"min_poll"`
	MaxPoll                 int           `yaml:"max_poll"`
	ClockResolution         time.Duration `yaml:"clock_resolution"` // jitter floor, 0 means measure at startup
	KernelDisciplineEnabled bool          `yaml:"kernel_discipline_enabled"`
	PanicOverrideAllowed    bool          `yaml:"panic_override_allowed"`
	StepCorrectionsAllowed  bool          `yaml:"step_corrections_allowed"`
}

// DefaultConfig returns loop configuration with ntpd defaults
func DefaultConfig() *Config {
	return &Config{
		StepThreshold:          128 * time.Millisecond,
		PanicThreshold:         1000 * time.Second,
		StepoutThreshold:       900 * time.Second,
		MaxFrequencyPPM:        500,
		AllanIntercept:         1500 * time.Second,
		PollGate:               4,
		SpikeGate:              3,
		AvgConstant:            8,
		MaxStabilityPPM:        2,
		MinPoll:                6,
		MaxPoll:                10,
		ClockResolution:        time.Microsecond,
		StepCorrectionsAllowed: true,
	}
}

// Validate makes sure the loop configuration is sane
func (c *Config) Validate() error {
	if c.StepThreshold <= 0 {
		return fmt.Errorf("step_threshold must be greater than zero")
	}
	if c.PanicThreshold <= c.StepThreshold {
		return fmt.Errorf("panic_threshold must be greater than step_threshold")
	}
	if c.StepoutThreshold <= 0 {
		return fmt.Errorf("stepout_threshold must be greater than zero")
	}
	if c.MaxFrequencyPPM <= 0 {
		return fmt.Errorf("max_frequency_ppm must be greater than zero")
	}
	if c.AllanIntercept <= 0 {
		return fmt.Errorf("allan_intercept must be greater than zero")
	}
	if c.PollGate <= 0 || c.SpikeGate <= 0 {
		return fmt.Errorf("poll_gate and spike_gate must be greater than zero")
	}
	if c.AvgConstant < 1 {
		return fmt.Errorf("avg_constant must be at least 1")
	}
	if c.MaxStabilityPPM <= 0 {
		return fmt.Errorf("max_stability_ppm must be greater than zero")
	}
	if c.MinPoll < minPollBound || c.MaxPoll > maxPollBound {
		return fmt.Errorf("poll range must be within [%d, %d]", minPollBound, maxPollBound)
	}
	if c.MinPoll > c.MaxPoll {
		return fmt.Errorf("min_poll %d is greater than max_poll %d", c.MinPoll, c.MaxPoll)
	}
	if c.ClockResolution < 0 {
		return fmt.Errorf("clock_resolution must be 0 or positive")
	}
	return nil
}

func (c *Config) stepThreshold() float64    { return c.StepThreshold.Seconds() }
func (c *Config) panicThreshold() float64   { return c.PanicThreshold.Seconds() }
func (c *Config) stepoutThreshold() float64 { return c.StepoutThreshold.Seconds() }
func (c *Config) maxFrequency() float64     { return c.MaxFrequencyPPM / 1e6 }
func (c *Config) maxStability() float64     { return c.MaxStabilityPPM / 1e6 }
func (c *Config) allanIntercept() float64   { return c.AllanIntercept.Seconds() }
