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
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "ntpdisc"

var (
	offsetDesc     = prometheus.NewDesc(promNamespace+"_offset_seconds", "last accepted offset", []string{"state"}, nil)
	frequencyDesc  = prometheus.NewDesc(promNamespace+"_frequency_ppm", "frequency correction", nil, nil)
	jitterDesc     = prometheus.NewDesc(promNamespace+"_jitter_seconds", "clock jitter", nil, nil)
	wanderDesc     = prometheus.NewDesc(promNamespace+"_wander_ppm", "frequency wander", nil, nil)
	pollDesc       = prometheus.NewDesc(promNamespace+"_poll_log2", "poll interval exponent", nil, nil)
	dispersionDesc = prometheus.NewDesc(promNamespace+"_dispersion_seconds", "root dispersion", nil, nil)
	taiDesc        = prometheus.NewDesc(promNamespace+"_tai_offset_seconds", "TAI-UTC offset", nil, nil)
)

// collector renders counters and the loop snapshot at scrape time
type collector struct {
	stats *Stats
}

func newCollector(s *Stats) *collector {
	return &collector{stats: s}
}

// Describe sends nothing, counters are dynamic so the collector is unchecked
func (c *collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats.Status()
	l := st.Loop
	ch <- prometheus.MustNewConstMetric(offsetDesc, prometheus.GaugeValue, l.Offset, l.State)
	ch <- prometheus.MustNewConstMetric(frequencyDesc, prometheus.GaugeValue, l.Frequency)
	ch <- prometheus.MustNewConstMetric(jitterDesc, prometheus.GaugeValue, l.Jitter)
	ch <- prometheus.MustNewConstMetric(wanderDesc, prometheus.GaugeValue, l.Wander)
	ch <- prometheus.MustNewConstMetric(pollDesc, prometheus.GaugeValue, float64(l.Poll))
	ch <- prometheus.MustNewConstMetric(dispersionDesc, prometheus.GaugeValue, l.Dispersion)
	ch <- prometheus.MustNewConstMetric(taiDesc, prometheus.GaugeValue, float64(l.Leap.TAI))
	for k, v := range st.Counters {
		desc := prometheus.NewDesc(promNamespace+"_"+flattenKey(k), k, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v))
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}
