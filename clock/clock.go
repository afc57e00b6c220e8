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
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// PPBToTimexPPM is what we use to conver PPB to PPM.
// man clock_adjtime(2):
// In struct timex, freq, ppsfreq, and stabil are ppm (parts per million) with a 16-bit fractional part.
// To covert value where 2^16=65536 is 1 ppm to ppb or back, we need this multiplier
const PPBToTimexPPM = 65.536

// maxPhase is the biggest offset the kernel PLL accepts
const maxPhase = 500 * time.Millisecond

// maxTimeConst is the biggest kernel PLL time constant
const maxTimeConst = 10

// clock_adjtime modes from usr/include/linux/timex.h
const (
	// time offset
	AdjOffset uint32 = 0x0001
	// frequency offset
	AdjFrequency uint32 = 0x0002
	// maximum time error
	AdjMaxError uint32 = 0x0004
	// estimated time error
	AdjEstError uint32 = 0x0008
	// clock status
	AdjStatus uint32 = 0x0010
	// pll time constant
	AdjTimeConst uint32 = 0x0020
	// set TAI offset
	AdjTAI uint32 = 0x0080
	// add 'time' to current time
	AdjSetOffset uint32 = 0x0100
	// select microsecond resolution
	AdjMicro uint32 = 0x1000
	// select nanosecond resolution
	AdjNano uint32 = 0x2000
	// tick value
	AdjTick uint32 = 0x4000
	// old-fashioned adjtime
	AdjOffsetSingleshot uint32 = 0x8001
	// read-only adjtime
	AdjOffsetSSRead uint32 = 0xa001
)

// Status is the timex status bitmask
type Status int32

// clock status bits from usr/include/linux/timex.h
const (
	StaPLL       Status = 0x0001 // enable PLL updates
	StaPPSFreq   Status = 0x0002 // enable PPS freq discipline
	StaPPSTime   Status = 0x0004 // enable PPS time discipline
	StaFLL       Status = 0x0008 // select frequency-lock mode
	StaIns       Status = 0x0010 // insert leap
	StaDel       Status = 0x0020 // delete leap
	StaUnsync    Status = 0x0040 // clock unsynchronized
	StaFreqHold  Status = 0x0080 // hold frequency
	StaPPSSignal Status = 0x0100 // PPS signal present (ro)
	StaPPSJitter Status = 0x0200 // PPS signal jitter exceeded (ro)
	StaPPSWander Status = 0x0400 // PPS signal wander exceeded (ro)
	StaPPSError  Status = 0x0800 // PPS signal calibration error (ro)
	StaClockErr  Status = 0x1000 // clock hardware fault (ro)
	StaNano      Status = 0x2000 // resolution (0 = us, 1 = ns) (ro)
	StaMode      Status = 0x4000 // mode (0 = PLL, 1 = FLL) (ro)
	StaClk       Status = 0x8000 // clock source (0 = A, 1 = B) (ro)
)

var statusNames = map[Status]string{
	StaPLL:       "PLL",
	StaPPSFreq:   "PPSFREQ",
	StaPPSTime:   "PPSTIME",
	StaFLL:       "FLL",
	StaIns:       "INS",
	StaDel:       "DEL",
	StaUnsync:    "UNSYNC",
	StaFreqHold:  "FREQHOLD",
	StaPPSSignal: "PPSSIGNAL",
	StaPPSJitter: "PPSJITTER",
	StaPPSWander: "PPSWANDER",
	StaPPSError:  "PPSERROR",
	StaClockErr:  "CLOCKERR",
	StaNano:      "NANO",
	StaMode:      "MODE",
	StaClk:       "CLK",
}

func (s Status) String() string {
	var labels []string
	for bit, label := range statusNames {
		if s&bit == bit {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return strings.Join(labels, "|")
}

// stateNames are clock states returned by clock_adjtime
var stateNames = []string{"TIME_OK", "TIME_INS", "TIME_DEL", "TIME_OOP", "TIME_WAIT", "TIME_ERROR"}

// StateString returns name of the clock state returned by clock_adjtime
func StateString(state int) string {
	if state < 0 || state >= len(stateNames) {
		return fmt.Sprintf("TIME_%d", state)
	}
	return stateNames[state]
}

// Adjtime issues CLOCK_ADJTIME syscall to either adjust the parameters of given clock,
// or read them if buf is empty.
func Adjtime(clockid int32, buf *unix.Timex) (state int, err error) {
	return unix.ClockAdjtime(clockid, buf)
}

// FrequencyPPB reads device frequency in PPB
func FrequencyPPB(clockid int32) (freqPPB float64, state int, err error) {
	tx := &unix.Timex{}
	state, err = Adjtime(clockid, tx)
	// man(2) clock_adjtime
	freqPPB = float64(getFreq(tx)) / PPBToTimexPPM
	return freqPPB, state, err
}

// AdjFreqPPB adjusts clock frequency in PPB
func AdjFreqPPB(clockid int32, freqPPB float64) (state int, err error) {
	tx := &unix.Timex{}
	// this way we can have platform-dependent code isolated
	setFreq(tx, freqPPB)
	tx.Modes = AdjFrequency
	return Adjtime(clockid, tx)
}

// normalizeTimeval splits nanoseconds into a timeval the kernel accepts in ADJ_NANO mode.
// The value of a timeval is the sum of its fields, but the field tv_usec must always be non-negative
func normalizeTimeval(step time.Duration) (sec, nsec int64) {
	sec = int64(step / time.Second)
	nsec = int64(step % time.Second)
	if nsec < 0 {
		sec--
		nsec += int64(time.Second)
	}
	return sec, nsec
}

// Step steps clock by given step
func Step(clockid int32, step time.Duration) (state int, err error) {
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	// this way we can have platform-dependent code isolated
	sec, nsec := normalizeTimeval(step)
	setTime(tx, sec, nsec)
	return Adjtime(clockid, tx)
}

// SlewOnce starts adjtime(3) style slew of the system clock by adj, replacing
// the previous one. It returns what was left of the previous slew
func SlewOnce(adj time.Duration) (time.Duration, error) {
	tx := &unix.Timex{}
	tx.Modes = AdjOffsetSingleshot
	setOffset(tx, adj.Microseconds())
	if _, err := Adjtime(unix.CLOCK_REALTIME, tx); err != nil {
		return 0, err
	}
	return time.Duration(getOffset(tx)) * time.Microsecond, nil
}

// SlewRemaining returns the part of the one-shot slew not applied yet
func SlewRemaining() (time.Duration, error) {
	tx := &unix.Timex{}
	tx.Modes = AdjOffsetSSRead
	if _, err := Adjtime(unix.CLOCK_REALTIME, tx); err != nil {
		return 0, err
	}
	return time.Duration(getOffset(tx)) * time.Microsecond, nil
}

// MaxFreqPPB returns maximum frequency adjustment supported by the clock
func MaxFreqPPB(clockid int32) (freqPPB float64, state int, err error) {
	tx := &unix.Timex{}
	state, err = Adjtime(clockid, tx)
	if err != nil {
		return 0.0, state, err
	}
	// man(2) clock_adjtime
	freqPPB = float64(getTolerance(tx)) / PPBToTimexPPM
	if freqPPB == 0 {
		freqPPB = 500000
	}
	return freqPPB, state, nil
}

// SetSync sets clock status to TIME_OK
func SetSync(clockid int32) error {
	tx := &unix.Timex{}
	tx.Modes = AdjStatus | AdjMaxError
	state, err := Adjtime(clockid, tx)

	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %s is not TIME_OK after setting sync state", StateString(state))
	}
	return err
}

// ReadStatus returns status bits of the clock
func ReadStatus(clockid int32) (Status, int, error) {
	tx := &unix.Timex{}
	state, err := Adjtime(clockid, tx)
	return Status(tx.Status), state, err
}

// SetLeap sets STA_INS for positive sign, STA_DEL for negative and clears both for zero,
// keeping other status bits
func SetLeap(clockid int32, sign int) (int, error) {
	status, _, err := ReadStatus(clockid)
	if err != nil {
		return 0, err
	}
	tx := &unix.Timex{}
	tx.Modes = AdjStatus
	tx.Status = int32(withLeap(status, sign))
	return Adjtime(clockid, tx)
}

func withLeap(status Status, sign int) Status {
	status &^= StaIns | StaDel
	switch {
	case sign > 0:
		status |= StaIns
	case sign < 0:
		status |= StaDel
	}
	return status
}

// SetTAI sets TAI-UTC offset kept by the kernel
func SetTAI(clockid int32, offset int) error {
	tx := &unix.Timex{}
	tx.Modes = AdjTAI
	setConstant(tx, int64(offset))
	_, err := Adjtime(clockid, tx)
	return err
}

// KernelPLL is the set of values handed over to the in-kernel PLL
type KernelPLL struct {
	Offset       time.Duration
	TimeConstant int // log2 poll interval
	EstError     time.Duration
	MaxError     time.Duration
	FrequencyPPB float64
	SetFrequency bool
	Leap         int
	// StatusOnly sends just the leap bits
	StatusOnly bool
}

// KernelPLLState is what the kernel PLL reports back
type KernelPLLState struct {
	FrequencyPPB float64
	Jitter       time.Duration
	Status       Status
	State        int
}

// timex builds the syscall argument for the kernel PLL update
func (k *KernelPLL) timex() *unix.Timex {
	tx := &unix.Timex{}
	tx.Status = int32(withLeap(StaPLL, k.Leap))
	if k.StatusOnly {
		tx.Modes = AdjStatus
		return tx
	}
	tx.Modes = AdjOffset | AdjStatus | AdjTimeConst | AdjEstError | AdjMaxError | AdjNano
	offset := k.Offset
	if offset > maxPhase {
		offset = maxPhase
	} else if offset < -maxPhase {
		offset = -maxPhase
	}
	setOffset(tx, offset.Nanoseconds())
	// the kernel PLL time constant is log2 poll interval minus 4
	tc := k.TimeConstant - 4
	if tc < 0 {
		tc = 0
	} else if tc > maxTimeConst {
		tc = maxTimeConst
	}
	setConstant(tx, int64(tc))
	setErrors(tx, k.EstError.Microseconds(), k.MaxError.Microseconds())
	if k.SetFrequency {
		tx.Modes |= AdjFrequency
		setFreq(tx, k.FrequencyPPB)
	}
	return tx
}

func pllState(tx *unix.Timex, state int) *KernelPLLState {
	s := &KernelPLLState{
		FrequencyPPB: float64(getFreq(tx)) / PPBToTimexPPM,
		Status:       Status(tx.Status),
		State:        state,
	}
	jitter := time.Duration(getJitter(tx))
	if s.Status&StaNano == 0 {
		jitter *= time.Microsecond
	}
	s.Jitter = jitter
	return s
}

// UpdateKernelPLL feeds the kernel PLL of the system clock and returns its state
func UpdateKernelPLL(k *KernelPLL) (*KernelPLLState, error) {
	tx := k.timex()
	state, err := Adjtime(unix.CLOCK_REALTIME, tx)
	if err != nil {
		return nil, err
	}
	return pllState(tx, state), nil
}
