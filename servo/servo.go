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
	"strings"

	"golang.org/x/exp/constraints"
)

// State is the state of the clock discipline loop
type State uint8

// All the states of the discipline loop
const (
	// StateNeverSet means neither time nor frequency has been set
	StateNeverSet State = iota
	// StateFreqSet means frequency was loaded from the drift file, time is not set
	StateFreqSet
	// StateTimeSet means time was set (stepped or accepted), frequency is not trained
	StateTimeSet
	// StateFreqTraining means we measure frequency directly over the stepout interval
	StateFreqTraining
	// StateSynced is normal PLL/FLL tracking
	StateSynced
	// StateSpike means a large offset was seen in synced state and is waiting out the stepout interval
	StateSpike
)

var stateNames = map[State]string{
	StateNeverSet:     "NSET",
	StateFreqSet:      "FSET",
	StateTimeSet:      "TSET",
	StateFreqTraining: "FREQ",
	StateSynced:       "SYNC",
	StateSpike:        "SPIK",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNSUPPORTED"
}

// MarshalText implements encoding.TextMarshaler so snapshots carry readable states
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToUpper(string(b))
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown discipline state %q", string(b))
}

// Outcome is the result of applying one sample to the discipline loop
type Outcome uint8

// All possible outcomes of ApplySample
const (
	OutcomeIgnored Outcome = iota
	OutcomeSlewed
	OutcomeStepped
	OutcomePanicked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "IGNORED"
	case OutcomeSlewed:
		return "SLEWED"
	case OutcomeStepped:
		return "STEPPED"
	case OutcomePanicked:
		return "PANICKED"
	}
	return "UNSUPPORTED"
}

// Snapshot is a consistent read-only copy of the discipline state,
// the same set of values ntpd writes to loopstats
type Snapshot struct {
	Offset         float64 `json:"offset"`          // seconds
	DriftComp      float64 `json:"drift_comp"`      // s/s
	ClockJitter    float64 `json:"clock_jitter"`    // seconds
	ClockStability float64 `json:"clock_stability"` // s/s
	SysPoll        int     `json:"sys_poll"`        // log2 s
	State          State   `json:"state"`
	Dispersion     float64 `json:"dispersion"` // seconds
	KernelOwned    bool    `json:"kernel_owned"`
}

// FrequencyPPM returns drift compensation in PPM
func (s Snapshot) FrequencyPPM() float64 {
	return s.DriftComp * 1e6
}

// StabilityPPM returns wander in PPM
func (s Snapshot) StabilityPPM() float64 {
	return s.ClockStability * 1e6
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
