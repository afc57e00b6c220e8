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
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	log.SetLevel(log.DebugLevel)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDiscipline(t *testing.T) (*Discipline, *MockClock) {
	ctrl := gomock.NewController(t)
	clk := NewMockClock(ctrl)
	return NewDiscipline(DefaultConfig(), clk, nil), clk
}

func TestDisciplineColdStart(t *testing.T) {
	d, clk := newTestDiscipline(t)
	clk.EXPECT().Step(0.5).Return(nil)

	require.Equal(t, StateNeverSet, d.State())
	outcome := d.ApplySample(0.5, 0.001, t0)
	require.Equal(t, OutcomeStepped, outcome)
	s := d.Snapshot()
	require.Equal(t, StateTimeSet, s.State)
	require.Equal(t, 0.0, s.Offset)
	require.Equal(t, 0.0, d.lastOffset)
	require.Equal(t, 0.0, s.DriftComp)
	require.Equal(t, 1e-6, s.ClockJitter)
	require.Equal(t, 0.001, s.Dispersion)
	require.Equal(t, t0, d.clockEpoch)
}

func TestDisciplineColdStartSmallOffset(t *testing.T) {
	d, _ := newTestDiscipline(t)

	outcome := d.ApplySample(0.01, 0.001, t0)
	require.Equal(t, OutcomeSlewed, outcome)
	require.Equal(t, StateTimeSet, d.State())
	require.Equal(t, 0.01, d.Snapshot().Offset)
	require.Equal(t, 0.0, d.Frequency())
}

func TestDisciplineFreqSet(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.InitFrequency(10e-6)
	require.Equal(t, StateFreqSet, d.State())

	outcome := d.ApplySample(0.01, 0.001, t0)
	require.Equal(t, OutcomeSlewed, outcome)
	require.Equal(t, StateSynced, d.State())
	require.Equal(t, 0.01, d.Snapshot().Offset)
	require.Equal(t, 10e-6, d.Frequency())
}

func TestDisciplineFreqSetLargeOffsetSteps(t *testing.T) {
	d, clk := newTestDiscipline(t)
	d.cfg.StepCorrectionsAllowed = false
	d.InitFrequency(10e-6)
	clk.EXPECT().Step(-2.0).Return(nil)

	outcome := d.ApplySample(-2.0, 0.001, t0)
	require.Equal(t, OutcomeStepped, outcome)
	require.Equal(t, StateTimeSet, d.State())
}

func TestDisciplineInitFrequencyClamp(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.InitFrequency(1e-3)
	require.Equal(t, 5e-4, d.Frequency())
	d.InitFrequency(-1e-3)
	require.Equal(t, -5e-4, d.Frequency())
}

func TestDisciplinePanicThreshold(t *testing.T) {
	d, clk := newTestDiscipline(t)
	before := d.Snapshot()

	require.Equal(t, OutcomePanicked, d.ApplySample(1000, 0.001, t0))
	require.Equal(t, OutcomePanicked, d.ApplySample(-1000.5, 0.001, t0))
	require.Equal(t, before, d.Snapshot())

	clk.EXPECT().Step(999.9).Return(nil)
	require.Equal(t, OutcomeStepped, d.ApplySample(999.9, 0.001, t0))
}

func TestDisciplinePanicOverride(t *testing.T) {
	d, clk := newTestDiscipline(t)
	d.cfg.PanicOverrideAllowed = true
	clk.EXPECT().Step(2000.0).Return(nil)

	require.Equal(t, OutcomeStepped, d.ApplySample(2000, 0.001, t0))
}

func TestDisciplineNonFinite(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.cfg.PanicOverrideAllowed = true
	before := d.Snapshot()

	require.Equal(t, OutcomePanicked, d.ApplySample(math.NaN(), 0.001, t0))
	require.Equal(t, OutcomePanicked, d.ApplySample(math.Inf(1), 0.001, t0))
	require.Equal(t, OutcomePanicked, d.ApplySample(math.Inf(-1), 0.001, t0))
	require.Equal(t, before, d.Snapshot())
}

func TestDisciplineStepoutGating(t *testing.T) {
	d, clk := newTestDiscipline(t)
	d.state = StateFreqTraining
	d.clockEpoch = t0
	before := d.Snapshot()

	outcome := d.ApplySample(1.0, 0.001, t0.Add(899*time.Second))
	require.Equal(t, OutcomeIgnored, outcome)
	require.Equal(t, before, d.Snapshot())

	clk.EXPECT().Step(1.0).Return(nil)
	outcome = d.ApplySample(1.0, 0.001, t0.Add(901*time.Second))
	require.Equal(t, OutcomeStepped, outcome)
	require.Equal(t, StateTimeSet, d.State())
	// 1/901 is beyond the frequency limit
	require.Equal(t, 5e-4, d.Frequency())
	require.InDelta(t, 5e-4/math.Sqrt(8), d.Snapshot().ClockStability, 1e-12)
}

func TestDisciplineStepoutNoSteps(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.cfg.StepCorrectionsAllowed = false
	d.state = StateFreqTraining
	d.clockEpoch = t0

	outcome := d.ApplySample(0.2, 0.001, t0.Add(1000*time.Second))
	require.Equal(t, OutcomeSlewed, outcome)
	require.Equal(t, StateFreqTraining, d.State())
	require.Equal(t, 0.2, d.Snapshot().Offset)
	require.InDelta(t, 0.2/1000, d.Frequency(), 1e-15)
	require.Equal(t, t0.Add(1000*time.Second), d.clockEpoch)
}

func TestDisciplineFreqTrainingSmallOffset(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateFreqTraining
	d.clockEpoch = t0
	d.clockOffset = 0.05

	require.Equal(t, OutcomeIgnored, d.ApplySample(0.1, 0.001, t0.Add(100*time.Second)))
	require.Equal(t, StateFreqTraining, d.State())

	outcome := d.ApplySample(0.1, 0.001, t0.Add(901*time.Second))
	require.Equal(t, OutcomeSlewed, outcome)
	require.Equal(t, StateSynced, d.State())
	require.InDelta(t, 0.05/901, d.Frequency(), 1e-15)
	require.Equal(t, 0.1, d.Snapshot().Offset)
}

func TestDisciplineTimeSetLargeOffset(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateTimeSet
	d.clockEpoch = t0

	require.Equal(t, OutcomeIgnored, d.ApplySample(0.3, 0.001, t0.Add(10*time.Second)))
	require.Equal(t, StateTimeSet, d.State())

	require.Equal(t, OutcomeSlewed, d.ApplySample(0.3, 0.001, t0.Add(900*time.Second)))
	require.Equal(t, StateFreqTraining, d.State())
	require.Equal(t, 0.3, d.Snapshot().Offset)
	require.Equal(t, 0.0, d.Frequency())
}

func TestDisciplineSpikeThenStep(t *testing.T) {
	d, clk := newTestDiscipline(t)
	d.state = StateSynced
	d.clockEpoch = t0
	d.clockJitter = 1e-3

	offset := 5 * d.cfg.StepThreshold.Seconds()
	before := d.Snapshot()
	outcome := d.ApplySample(offset, 0.001, t0.Add(10*time.Second))
	require.Equal(t, OutcomeIgnored, outcome)
	require.Equal(t, StateSpike, d.State())
	after := d.Snapshot()
	after.State = before.State
	require.Equal(t, before, after)

	// still inside stepout, stays in spike
	require.Equal(t, OutcomeIgnored, d.ApplySample(offset, 0.001, t0.Add(600*time.Second)))
	require.Equal(t, StateSpike, d.State())

	clk.EXPECT().Step(offset).Return(nil)
	outcome = d.ApplySample(offset, 0.001, t0.Add(901*time.Second))
	require.Equal(t, OutcomeStepped, outcome)
	require.Equal(t, StateTimeSet, d.State())
	require.Equal(t, 5e-4, d.Frequency())
}

func TestDisciplineSpikeRecovery(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateSpike
	d.clockEpoch = t0
	d.clockJitter = 1e-3

	outcome := d.ApplySample(0.0005, 0.001, t0.Add(64*time.Second))
	require.Equal(t, OutcomeSlewed, outcome)
	require.Equal(t, StateSynced, d.State())
}

func TestDisciplinePopcorn(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateSynced
	d.clockEpoch = t0
	d.clockJitter = 1e-6

	outcome := d.ApplySample(0.001, 0.0001, t0.Add(64*time.Second))
	require.Equal(t, OutcomeIgnored, outcome)
	require.Equal(t, 0.001, d.lastOffset)
	require.Equal(t, 0.0, d.Frequency())
	require.Equal(t, StateSynced, d.State())

	// the same offset again is no longer an outlier
	outcome = d.ApplySample(0.001, 0.0001, t0.Add(65*time.Second))
	require.Equal(t, OutcomeSlewed, outcome)
	require.Greater(t, d.Frequency(), 0.0)
}

func TestDisciplinePopcornTimeSet(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateTimeSet
	d.clockEpoch = t0
	d.clockJitter = 1e-6

	// suppressed sample leaves the state alone
	require.Equal(t, OutcomeIgnored, d.ApplySample(0.001, 0.0001, t0.Add(64*time.Second)))
	require.Equal(t, StateTimeSet, d.State())

	require.Equal(t, OutcomeSlewed, d.ApplySample(0.001, 0.0001, t0.Add(65*time.Second)))
	require.Equal(t, StateSynced, d.State())
}

func TestDisciplinePopcornAfterLongGap(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateSynced
	d.clockEpoch = t0
	d.clockJitter = 1e-6

	// mu beyond twice the poll interval disables the popcorn gate
	outcome := d.ApplySample(0.001, 0.0001, t0.Add(129*time.Second))
	require.Equal(t, OutcomeSlewed, outcome)
}

func TestDisciplineSteadyTracking(t *testing.T) {
	d, clk := newTestDiscipline(t)
	clk.EXPECT().Step(gomock.Any()).Times(0)
	d.state = StateSynced
	d.clockEpoch = t0
	d.lastOffset = 0.0002
	d.clockJitter = 1e-6

	now := t0
	for i := 0; i < 10; i++ {
		now = now.Add(d.PollInterval())
		require.Equal(t, OutcomeSlewed, d.ApplySample(0.0002, 0.0001, now))
		require.Equal(t, StateSynced, d.State())
	}
	// five updates at poll 6 and five at poll 7, FLL not engaged yet
	expected := 5*0.0002*64/math.Pow(2, 24) + 5*0.0002*128/math.Pow(2, 26)
	require.InDelta(t, expected, d.Frequency(), 1e-18)
	require.InDelta(t, 5.7220458984375e-9, d.Frequency(), 1e-18)
	require.Equal(t, 8, d.Snapshot().SysPoll)
	require.Equal(t, 0, d.tcCounter)
}

func TestDisciplinePollDecrease(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateSynced
	d.clockEpoch = t0
	d.lastOffset = 0.0002
	d.clockJitter = 1e-6
	d.clockStability = 1e-5
	d.sysPoll = 8

	now := t0
	now = now.Add(d.PollInterval())
	d.ApplySample(0.0002, 0.0001, now)
	require.Equal(t, 8, d.Snapshot().SysPoll)
	require.Equal(t, -16, d.tcCounter)

	now = now.Add(d.PollInterval())
	d.ApplySample(0.0002, 0.0001, now)
	require.Equal(t, 7, d.Snapshot().SysPoll)
	require.Equal(t, 0, d.tcCounter)
}

func TestDisciplinePollBounds(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateSynced
	d.clockEpoch = t0
	d.clockJitter = 1e-6
	d.clockStability = 1e-5

	now := t0
	for i := 0; i < 5; i++ {
		now = now.Add(d.PollInterval())
		d.ApplySample(0, 0.0001, now)
		require.Equal(t, d.cfg.MinPoll, d.Snapshot().SysPoll)
		require.GreaterOrEqual(t, d.tcCounter, -pollLimit)
	}
}

func TestDisciplineFLL(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateSynced
	d.clockEpoch = t0
	d.lastOffset = 0.001
	d.clockJitter = 1e-3

	// mu of 1125s gives half FLL weight
	d.ApplySample(0.001, 0.001, t0.Add(1125*time.Second))
	fll := 0.001 * 0.5 / (1500 * 4)
	pll := 0.001 * 64 / math.Pow(2, 24)
	require.InDelta(t, fll+pll, d.Frequency(), 1e-18)
}

func TestDisciplineFrequencyLimit(t *testing.T) {
	d, clk := newTestDiscipline(t)
	clk.EXPECT().Step(gomock.Any()).Return(nil).AnyTimes()
	d.InitFrequency(4.9e-4)

	now := t0
	offsets := []float64{0.1, 0.12, -0.12, 0.127, 0.5, -0.6, 0.127, 0.127, 100, 0.1, -0.1}
	for i := 0; i < 50; i++ {
		now = now.Add(901 * time.Second)
		d.ApplySample(offsets[i%len(offsets)], 0.01, now)
		require.LessOrEqual(t, math.Abs(d.Frequency()), 5e-4)
	}
}

func TestDisciplineNeverSkipsToSynced(t *testing.T) {
	d, clk := newTestDiscipline(t)
	clk.EXPECT().Step(gomock.Any()).Return(nil).AnyTimes()

	seen := []State{d.State()}
	now := t0
	for _, o := range []float64{0.001, 0.001, 0.002, 0.001} {
		now = now.Add(64 * time.Second)
		d.ApplySample(o, 0.001, now)
		seen = append(seen, d.State())
	}
	require.Equal(t, StateNeverSet, seen[0])
	require.Equal(t, StateTimeSet, seen[1])
	require.Equal(t, StateSynced, seen[len(seen)-1])
}

func TestDisciplineIgnoredKeepsState(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.state = StateSynced
	d.clockEpoch = t0
	d.clockOffset = 0.0001
	d.lastOffset = 0.0001
	d.driftComp = 3e-6
	d.clockJitter = 1e-5
	d.clockStability = 1e-8
	d.tcCounter = 12
	d.dispersion = 0.002
	before := *d

	require.Equal(t, OutcomeIgnored, d.ApplySample(0.01, 0.001, t0.Add(10*time.Second)))
	before.lastOffset = 0.01
	require.Equal(t, before, *d)
}

func TestDisciplineNegativeJitter(t *testing.T) {
	d, _ := newTestDiscipline(t)
	require.Equal(t, OutcomeSlewed, d.ApplySample(0.001, -1, t0))
	require.Equal(t, 0.0, d.Dispersion())
	require.Equal(t, OutcomeSlewed, d.ApplySample(0.001, math.NaN(), t0.Add(time.Second)))
	require.Equal(t, 0.0, d.Dispersion())
}

func TestDisciplinePhaseSlew(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.clockOffset = 0.016
	d.driftComp = 1e-6

	require.Equal(t, 1024.0, d.TimeConstant())
	adj, ok := d.PhaseSlew()
	require.True(t, ok)
	require.InDelta(t, 0.016/1024+1e-6, adj, 1e-15)
	require.InDelta(t, 0.016-0.016/1024, d.Snapshot().Offset, 1e-15)

	for i := 0; i < 20000; i++ {
		d.PhaseSlew()
	}
	require.Less(t, math.Abs(d.Snapshot().Offset), 1e-6)
	require.Equal(t, 1e-6, d.Frequency())
}

func TestDisciplineDispersion(t *testing.T) {
	d, _ := newTestDiscipline(t)
	d.AddDispersion(ClockPhi)
	d.AddDispersion(ClockPhi)
	require.InDelta(t, 30e-6, d.Dispersion(), 1e-15)

	d.ApplySample(0.001, 0.0005, t0)
	require.Equal(t, 0.0005, d.Dispersion())
}

func TestDisciplineKernel(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := NewMockClock(ctrl)
	kernel := NewMockKernelDiscipline(ctrl)
	cfg := DefaultConfig()
	cfg.KernelDisciplineEnabled = true
	d := NewDiscipline(cfg, clk, kernel)
	d.InitFrequency(1e-5)

	kernel.EXPECT().Apply(&KernelParams{
		Offset:       0.01,
		TimeConstant: 6,
		EstError:     1e-6,
		MaxError:     0.001,
		Frequency:    1e-5,
		SetFrequency: true,
	}).Return(&KernelFeedback{Frequency: 2e-5, Jitter: 5e-6}, nil)

	require.Equal(t, OutcomeSlewed, d.ApplySample(0.01, 0.001, t0))
	require.True(t, d.KernelOwned())
	require.Equal(t, 2e-5, d.Frequency())
	require.Equal(t, 5e-6, d.Snapshot().ClockJitter)
	_, ok := d.PhaseSlew()
	require.False(t, ok)

	// leap bits go out alone, the last offset is not handed over again
	gomock.InOrder(
		kernel.EXPECT().Apply(&KernelParams{Leap: 1, StatusOnly: true}).Return(&KernelFeedback{Frequency: 3e-5}, nil),
		kernel.EXPECT().Apply(&KernelParams{Leap: 0, StatusOnly: true}).Return(&KernelFeedback{Frequency: 3e-5}, nil),
	)
	require.True(t, d.SetKernelLeap(1))
	require.Equal(t, 2e-5, d.Frequency())
	require.Equal(t, 5e-6, d.Snapshot().ClockJitter)
	// no change, no call
	require.True(t, d.SetKernelLeap(1))
	require.True(t, d.SetKernelLeap(0))

	// frequency is only pushed once, afterwards the kernel owns it
	kernel.EXPECT().Apply(gomock.Any()).DoAndReturn(func(p *KernelParams) (*KernelFeedback, error) {
		require.False(t, p.SetFrequency)
		require.False(t, p.StatusOnly)
		require.Equal(t, 0.01, p.Offset)
		return &KernelFeedback{Frequency: 2.1e-5}, nil
	})
	require.Equal(t, OutcomeSlewed, d.ApplySample(0.01, 0.001, t0.Add(64*time.Second)))
	require.Equal(t, 2.1e-5, d.Frequency())
}

func TestDisciplineKernelLeapRefused(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := NewMockClock(ctrl)
	kernel := NewMockKernelDiscipline(ctrl)
	cfg := DefaultConfig()
	cfg.KernelDisciplineEnabled = true
	d := NewDiscipline(cfg, clk, kernel)

	kernel.EXPECT().Apply(gomock.Any()).Return(&KernelFeedback{}, nil)
	require.Equal(t, OutcomeSlewed, d.ApplySample(0.01, 0.001, t0))

	kernel.EXPECT().Apply(&KernelParams{Leap: 1, StatusOnly: true}).Return(nil, errors.New("EPERM"))
	require.False(t, d.SetKernelLeap(1))
	require.ErrorContains(t, d.KernelError(), "EPERM")

	// nothing was armed, the next try goes to the kernel again
	kernel.EXPECT().Apply(&KernelParams{Leap: 1, StatusOnly: true}).Return(&KernelFeedback{}, nil)
	require.True(t, d.SetKernelLeap(1))
}

func TestDisciplineKernelFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := NewMockClock(ctrl)
	kernel := NewMockKernelDiscipline(ctrl)
	cfg := DefaultConfig()
	cfg.KernelDisciplineEnabled = true
	d := NewDiscipline(cfg, clk, kernel)

	kernel.EXPECT().Apply(gomock.Any()).Return(nil, errors.New("EPERM"))
	require.Equal(t, OutcomeSlewed, d.ApplySample(0.01, 0.001, t0))
	require.False(t, d.KernelOwned())
	require.ErrorContains(t, d.KernelError(), "EPERM")
	require.NoError(t, d.KernelError())
	adj, ok := d.PhaseSlew()
	require.True(t, ok)
	require.InDelta(t, 0.01/1024, adj, 1e-15)
}

func TestDisciplineKernelDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := NewMockClock(ctrl)
	kernel := NewMockKernelDiscipline(ctrl)
	kernel.EXPECT().Apply(gomock.Any()).Times(0)
	d := NewDiscipline(DefaultConfig(), clk, kernel)

	require.Equal(t, OutcomeSlewed, d.ApplySample(0.01, 0.001, t0))
	require.False(t, d.KernelOwned())
	require.False(t, d.SetKernelLeap(1))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "NSET", StateNeverSet.String())
	require.Equal(t, "SPIK", StateSpike.String())
	require.Equal(t, "UNSUPPORTED", State(42).String())
	require.Equal(t, "STEPPED", OutcomeStepped.String())

	b, err := json.Marshal(Snapshot{State: StateSynced, SysPoll: 6})
	require.NoError(t, err)
	require.Contains(t, string(b), `"state":"SYNC"`)

	var s State
	require.NoError(t, s.UnmarshalText([]byte("freq")))
	require.Equal(t, StateFreqTraining, s)
	require.Error(t, s.UnmarshalText([]byte("nope")))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.MinPoll = 11
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.PanicThreshold = 100 * time.Millisecond
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.AvgConstant = 0
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.MaxPoll = 18
	require.Error(t, c.Validate())
}
