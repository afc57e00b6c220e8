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
	"fmt"
	"math"
	"os"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/ntpdisc/stats"
)

type status int

// possible check results
const (
	OK status = iota
	WARN
	FAIL
	CRITICAL
)

// diagnoser is function that does checks on the daemon status
type diagnoser func(s *stats.Status) (status, string)

var okString = color.GreenString("[ OK ]")
var warnString = color.YellowString("[WARN]")
var failString = color.RedString("[FAIL]")

var statusToColor = []string{okString, warnString, failString}

// generic function to check value against some thresholds
func checkAgainstThreshold(name string, value, warnThreshold, failThreshold float64, unit, explanation string) (status, string) {
	msgTemplate := "%s is %s, we expect it to be within %s%s"
	absValue := math.Abs(value)
	thresholdStr := color.BlueString("%.1f%s", warnThreshold, unit)
	if absValue > failThreshold {
		return FAIL, fmt.Sprintf(msgTemplate, name, color.RedString("%.3f%s", value, unit), thresholdStr, ". "+explanation)
	}
	if absValue > warnThreshold {
		return WARN, fmt.Sprintf(msgTemplate, name, color.YellowString("%.3f%s", value, unit), thresholdStr, ". "+explanation)
	}
	return OK, fmt.Sprintf(msgTemplate, name, color.GreenString("%.3f%s", value, unit), thresholdStr, "")
}

func checkSync(s *stats.Status) (status, string) {
	switch s.Loop.State {
	case "", "NSET", "FSET":
		return CRITICAL, "Clock was never set, no usable samples yet"
	case "SYNC":
		return OK, fmt.Sprintf("Clock is syncing to %s", color.BlueString(s.Loop.Source))
	case "SPIK":
		return WARN, fmt.Sprintf("Spike detected on %s, large offset is not trusted yet", color.BlueString(s.Loop.Source))
	}
	return WARN, fmt.Sprintf("Clock is converging to %s, loop state is %s", color.BlueString(s.Loop.Source), color.YellowString(s.Loop.State))
}

func checkLeap(s *stats.Status) (status, string) {
	if s.Loop.Leap.Pending != "" {
		return WARN, fmt.Sprintf("Leap second is %s (%s mode): %s", s.Loop.Leap.Phase, s.Loop.Leap.Mode, s.Loop.Leap.Pending)
	}
	return OK, fmt.Sprintf("No leap second pending, TAI-UTC is %d", s.Loop.Leap.TAI)
}

func checkOffset(s *stats.Status) (status, string) {
	// 1ms is a reasonable expectation on healthy network
	const warnThreshold = 1.0
	const failThreshold = 128.0
	return checkAgainstThreshold(
		"Residual offset",
		s.Loop.Offset*1000,
		warnThreshold,
		failThreshold,
		"ms",
		"Offset is the part of the last correction not yet slewed away.",
	)
}

func checkJitter(s *stats.Status) (status, string) {
	const warnThreshold = 1.0
	const failThreshold = 1000.0
	return checkAgainstThreshold(
		"Clock jitter",
		s.Loop.Jitter*1000,
		warnThreshold,
		failThreshold,
		"ms",
		"Jitter is the RMS of the differences between consecutive offsets.",
	)
}

func checkFrequency(s *stats.Status) (status, string) {
	const warnThreshold = 100.0
	const failThreshold = 400.0
	return checkAgainstThreshold(
		"Frequency correction",
		s.Loop.Frequency,
		warnThreshold,
		failThreshold,
		"PPM",
		"Large corrections point to a broken oscillator or a fight with another time daemon.",
	)
}

func checkSamples(s *stats.Status) (status, string) {
	polls := s.Counters["polls"]
	missing := s.Counters["samples.missing"]
	if missing > 0 {
		return WARN, fmt.Sprintf("%s of %d polls produced no usable samples", color.YellowString("%d", missing), polls)
	}
	return OK, fmt.Sprintf("All %d polls produced usable samples", polls)
}

func checkKernel(s *stats.Status) (status, string) {
	if n := s.Counters["kernel.errors"]; n > 0 {
		return WARN, fmt.Sprintf("Kernel discipline failed %s times, user-space loop is used", color.YellowString("%d", n))
	}
	if s.Loop.Kernel {
		return OK, "Kernel discipline owns the clock"
	}
	return OK, "User-space discipline owns the clock"
}

func checkProcess(s *stats.Status) (status, string) {
	const settle = 15 * time.Minute
	const maxPause = 100 * time.Millisecond
	up, ok := s.Counters[stats.CounterUptime]
	if !ok {
		return OK, "No process stats collected yet"
	}
	uptime := time.Duration(up) * time.Second
	if pause := time.Duration(s.Counters[stats.CounterGCPause]); pause > maxPause {
		return WARN, fmt.Sprintf("GC paused the daemon for %s, ticks were late", color.YellowString("%v", pause))
	}
	if uptime < settle {
		return WARN, fmt.Sprintf("Daemon started %s ago, the loop may still be settling", color.YellowString("%v", uptime))
	}
	return OK, fmt.Sprintf("Daemon up for %v", uptime)
}

var diagnosers = []diagnoser{
	checkSync,
	checkLeap,
	checkOffset,
	checkJitter,
	checkFrequency,
	checkSamples,
	checkKernel,
	checkProcess,
}

func runDiagnosers(s *stats.Status) {
	for _, check := range diagnosers {
		status, msg := check(s)
		switch status {
		case CRITICAL:
			fmt.Printf("%s %s\n", failString, msg)
			os.Exit(1)
		default:
			fmt.Printf("%s %s\n", statusToColor[status], msg)
		}
	}
}

func printStatus(s *stats.Status) {
	l := s.Loop
	fmt.Printf("state:      %s\n", l.State)
	fmt.Printf("source:     %s\n", l.Source)
	fmt.Printf("offset:     %+.9fs\n", l.Offset)
	fmt.Printf("frequency:  %+.3fPPM\n", l.Frequency)
	fmt.Printf("jitter:     %.9fs\n", l.Jitter)
	fmt.Printf("wander:     %.3fPPM\n", l.Wander)
	fmt.Printf("poll:       %ds\n", 1<<l.Poll)
	fmt.Printf("dispersion: %.6fs\n", l.Dispersion)
	fmt.Printf("kernel:     %v\n", l.Kernel)
	fmt.Printf("leap:       %s %s TAI-UTC %d %s\n", l.Leap.Mode, l.Leap.Phase, l.Leap.TAI, l.Leap.Pending)
	if up, ok := s.Counters[stats.CounterUptime]; ok {
		fmt.Printf("uptime:     %v\n", time.Duration(up)*time.Second)
		fmt.Printf("rss:        %dKiB\n", s.Counters[stats.CounterRSS]>>10)
	}
}

func statusURL() string {
	return fmt.Sprintf("http://%s/", monitoringAddr)
}

func init() {
	RootCmd.AddCommand(diagCmd)
	RootCmd.AddCommand(statusCmd)
}

const desc = "Perform basic diagnosis of the running daemon, report in human-readable form."

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: desc,
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		s, err := stats.FetchStatus(statusURL())
		if err != nil {
			log.Fatal(err)
		}
		runDiagnosers(s)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print discipline loop state of the running daemon",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		s, err := stats.FetchStatus(statusURL())
		if err != nil {
			log.Fatal(err)
		}
		printStatus(s)
	},
}
