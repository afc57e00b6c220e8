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
Package leap coordinates leap second insertion and deletion with the clock discipline.

A pending leap event moves through Idle, Armed, Imminent and Applying phases.
Depending on the mode the second is applied as one step, as a slew spread
over the two seconds around the boundary, or by the kernel itself.
*/
package leap

import (
	"fmt"
	"strings"
	"time"
)

// Day is the imminence window before a leap event
const Day = 24 * time.Hour

// ArmWindow is how far ahead a leap event from a file is announced
const ArmWindow = 28 * Day

// EndOfMonth returns the first instant of the next UTC month, where
// a leap second announced by upstream servers takes effect
func EndOfMonth(now time.Time) time.Time {
	t := now.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// Mode is how the leap second is applied to the clock
type Mode uint8

// Supported leap modes
const (
	ModeStep Mode = iota
	ModeSlew
	ModeKernel
)

var modeNames = map[Mode]string{
	ModeStep:   "step",
	ModeSlew:   "slew",
	ModeKernel: "kernel",
}

func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return "unsupported"
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so mode can be set from config
func (m *Mode) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for mode, n := range modeNames {
		if n == name {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("unknown leap mode %q", string(b))
}

// Phase is the coordinator state
type Phase uint8

// Coordinator phases
const (
	PhaseIdle Phase = iota
	PhaseArmed
	PhaseImminent
	PhaseApplying
)

var phaseNames = map[Phase]string{
	PhaseIdle:     "IDLE",
	PhaseArmed:    "ARMED",
	PhaseImminent: "IMMINENT",
	PhaseApplying: "APPLYING",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return "UNSUPPORTED"
}

// MarshalText implements encoding.TextMarshaler
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Event is an announced leap second
type Event struct {
	// Effective is the UTC instant right after the leap second, midnight of the new day
	Effective time.Time `json:"effective"`
	// Sign is +1 for an inserted and -1 for a deleted second
	Sign int `json:"sign"`
}

// TAIDelta is the change of TAI-UTC once the event is applied
func (e Event) TAIDelta() int {
	return e.Sign
}

// Valid checks the event can be scheduled
func (e Event) Valid() error {
	if e.Sign != 1 && e.Sign != -1 {
		return fmt.Errorf("leap sign must be +1 or -1, got %d", e.Sign)
	}
	if e.Effective.IsZero() {
		return fmt.Errorf("leap effective time is not set")
	}
	return nil
}

func (e Event) String() string {
	op := "insert"
	if e.Sign < 0 {
		op = "delete"
	}
	return fmt.Sprintf("%s leap second before %s", op, e.Effective.UTC().Format(time.RFC3339))
}
