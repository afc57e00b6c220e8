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

package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ntpdisc/stats"
)

func TestCheckSync(t *testing.T) {
	cases := []struct {
		state string
		want  status
	}{
		{"", CRITICAL},
		{"NSET", CRITICAL},
		{"FSET", CRITICAL},
		{"TSET", WARN},
		{"FREQ", WARN},
		{"SPIK", WARN},
		{"SYNC", OK},
	}
	for _, c := range cases {
		t.Run(c.state, func(t *testing.T) {
			s := &stats.Status{Loop: stats.Loop{State: c.state, Source: "ntp1:123"}}
			got, _ := checkSync(s)
			require.Equal(t, c.want, got)
		})
	}
}

func TestCheckOffset(t *testing.T) {
	s := &stats.Status{}
	s.Loop.Offset = 0.0001
	got, msg := checkOffset(s)
	require.Equal(t, OK, got)
	require.Contains(t, msg, "Residual offset")

	s.Loop.Offset = -0.005
	got, _ = checkOffset(s)
	require.Equal(t, WARN, got)

	s.Loop.Offset = 0.2
	got, _ = checkOffset(s)
	require.Equal(t, FAIL, got)
}

func TestCheckFrequency(t *testing.T) {
	s := &stats.Status{}
	s.Loop.Frequency = -12.5
	got, _ := checkFrequency(s)
	require.Equal(t, OK, got)

	s.Loop.Frequency = 450
	got, _ = checkFrequency(s)
	require.Equal(t, FAIL, got)
}

func TestCheckLeap(t *testing.T) {
	s := &stats.Status{}
	s.Loop.Leap.TAI = 37
	got, msg := checkLeap(s)
	require.Equal(t, OK, got)
	require.Contains(t, msg, "37")

	s.Loop.Leap.Pending = "insert leap second before 2024-07-01T00:00:00Z"
	s.Loop.Leap.Phase = "ARMED"
	got, msg = checkLeap(s)
	require.Equal(t, WARN, got)
	require.Contains(t, msg, "ARMED")
}

func TestCheckCounters(t *testing.T) {
	s := &stats.Status{Counters: map[string]int64{"polls": 10}}
	got, _ := checkSamples(s)
	require.Equal(t, OK, got)
	got, msg := checkKernel(s)
	require.Equal(t, OK, got)
	require.Contains(t, msg, "User-space")

	s.Counters["samples.missing"] = 2
	s.Counters["kernel.errors"] = 1
	got, _ = checkSamples(s)
	require.Equal(t, WARN, got)
	got, _ = checkKernel(s)
	require.Equal(t, WARN, got)
}

func TestCheckProcess(t *testing.T) {
	s := &stats.Status{Counters: map[string]int64{}}
	got, msg := checkProcess(s)
	require.Equal(t, OK, got)
	require.Contains(t, msg, "No process stats")

	s.Counters[stats.CounterUptime] = 60
	got, msg = checkProcess(s)
	require.Equal(t, WARN, got)
	require.Contains(t, msg, "settling")

	s.Counters[stats.CounterUptime] = 3600
	got, msg = checkProcess(s)
	require.Equal(t, OK, got)
	require.Contains(t, msg, "1h0m0s")

	s.Counters[stats.CounterGCPause] = int64(200 * time.Millisecond)
	got, msg = checkProcess(s)
	require.Equal(t, WARN, got)
	require.Contains(t, msg, "GC")
}
