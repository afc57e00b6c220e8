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
Package stats exposes the discipline loop and daemon counters to monitoring:
JSON over HTTP, Prometheus and the ntpd loopstats file format.
*/
package stats

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"
)

// Leap is the leap coordinator part of the status
type Leap struct {
	Phase   string `json:"phase"`
	Mode    string `json:"mode"`
	Pending string `json:"pending,omitempty"`
	TAI     int    `json:"tai"`
}

// Loop is the latest discipline snapshot
type Loop struct {
	Time       time.Time `json:"time"`
	State      string    `json:"state"`
	Offset     float64   `json:"offset"`
	Frequency  float64   `json:"frequency_ppm"`
	Jitter     float64   `json:"jitter"`
	Wander     float64   `json:"wander_ppm"`
	Poll       int       `json:"poll"`
	Dispersion float64   `json:"dispersion"`
	Kernel     bool      `json:"kernel"`
	Source     string    `json:"source,omitempty"`
	Leap       Leap      `json:"leap"`
}

// Status is what the daemon reports on /
type Status struct {
	Loop     Loop             `json:"loop"`
	Counters map[string]int64 `json:"counters"`
}

// Server is a stats server interface
type Server interface {
	// Reset atomically sets all the counters to 0
	Reset()
	SetCounter(key string, val int64)
	UpdateCounterBy(key string, count int64)
	SetLoop(l Loop)
}

// Stats is an in-memory implementation of Server
type Stats struct {
	mux      sync.Mutex
	counters map[string]int64
	loop     Loop
}

// NewStats created new instance of Stats
func NewStats() *Stats {
	return &Stats{
		counters: map[string]int64{},
	}
}

// UpdateCounterBy will increment counter
func (s *Stats) UpdateCounterBy(key string, count int64) {
	s.mux.Lock()
	s.counters[key] += count
	s.mux.Unlock()
}

// SetCounter will set a counter to the provided value.
func (s *Stats) SetCounter(key string, val int64) {
	s.mux.Lock()
	s.counters[key] = val
	s.mux.Unlock()
}

// SetLoop stores the latest loop snapshot
func (s *Stats) SetLoop(l Loop) {
	s.mux.Lock()
	s.loop = l
	s.mux.Unlock()
}

// Get returns an map of counters
func (s *Stats) Get() map[string]int64 {
	ret := make(map[string]int64)
	s.mux.Lock()
	for key, val := range s.counters {
		ret[key] = val
	}
	s.mux.Unlock()
	return ret
}

// Status returns a consistent copy of counters and loop snapshot
func (s *Stats) Status() *Status {
	st := &Status{Counters: make(map[string]int64)}
	s.mux.Lock()
	for key, val := range s.counters {
		st.Counters[key] = val
	}
	st.Loop = s.loop
	s.mux.Unlock()
	return st
}

// Reset all the values of counters
func (s *Stats) Reset() {
	s.mux.Lock()
	for k := range s.counters {
		s.counters[k] = 0
	}
	s.mux.Unlock()
}

func fetch(url string, v any) error {
	c := http.Client{
		Timeout: time.Second * 2,
	}

	resp, err := c.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// FetchStatus returns populated Status structure fetched from url
func FetchStatus(url string) (*Status, error) {
	s := &Status{}
	if err := fetch(url, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FetchCounters returns counters fetched from url
func FetchCounters(url string) (map[string]int64, error) {
	c := make(map[string]int64)
	if err := fetch(url, &c); err != nil {
		return nil, err
	}
	return c, nil
}
