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

package stats

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

// Process counters read back by ntpdiscctl
const (
	CounterUptime     = "process.uptime"
	CounterCPU        = "process.cpu_permil"
	CounterRSS        = "process.rss"
	CounterFDs        = "process.num_fds"
	CounterGoroutines = "runtime.goroutines"
	// CounterGCPause is the longest GC pause seen during the interval, ns.
	// Long pauses delay the per-second tick
	CounterGCPause = "runtime.gc.max_pause_ns"
)

// SysStats gathers process and Go runtime counters of the daemon
type SysStats struct {
	start  time.Time
	proc   *process.Process
	lastGC uint32
}

// NewSysStats returns SysStats counting uptime from now
func NewSysStats() *SysStats {
	return &SysStats{start: time.Now()}
}

// maxPause returns the longest GC pause since the GC cycle numbered last
func maxPause(m *runtime.MemStats, last uint32) uint64 {
	size := uint32(len(m.PauseNs))
	n := m.NumGC - last
	if n > size {
		n = size
	}
	var longest uint64
	for i := uint32(0); i < n; i++ {
		// most recent pause is at (NumGC-1) % size
		p := m.PauseNs[(m.NumGC-1-i)%size]
		if p > longest {
			longest = p
		}
	}
	return longest
}

// Collect returns the current process counters
func (s *SysStats) Collect() (map[string]int64, error) {
	if s.proc == nil {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return nil, err
		}
		s.proc = proc
	}
	stats := map[string]int64{
		CounterUptime:     int64(time.Since(s.start).Seconds()),
		CounterGoroutines: int64(runtime.NumGoroutine()),
	}
	if val, err := s.proc.Percent(0); err == nil {
		stats[CounterCPU] = int64(val * 10)
	}
	if val, err := s.proc.MemoryInfo(); err == nil {
		stats[CounterRSS] = int64(val.RSS)
	}
	if val, err := s.proc.NumFDs(); err == nil {
		stats[CounterFDs] = int64(val)
	}

	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)
	stats[CounterGCPause] = int64(maxPause(m, s.lastGC))
	s.lastGC = m.NumGC
	return stats, nil
}
