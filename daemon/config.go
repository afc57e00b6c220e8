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

package daemon

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/ntpdisc/driftfile"
	"github.com/facebook/ntpdisc/dscp"
	"github.com/facebook/ntpdisc/leap"
	"github.com/facebook/ntpdisc/servo"
)

// SourceConfig describes where samples come from
type SourceConfig struct {
	Servers       []string      `yaml:"servers"`        // NTP servers, host or host:port
	Burst         int           `yaml:"burst"`          // exchanges per server per poll
	BurstInterval time.Duration `yaml:"burst_interval"` // pause between exchanges in a burst
	Timeout       time.Duration `yaml:"timeout"`        // single exchange timeout
	SHMUnits      []int         `yaml:"shm_units"`      // ntpd SHM refclock units
	DSCP          int           `yaml:"dscp"`           // DiffServ code point of requests
}

// LeapConfig describes leap second handling
type LeapConfig struct {
	Mode            leap.Mode     `yaml:"mode"`
	ListFile        string        `yaml:"list_file"` // leap-seconds.list, takes precedence over tz_file
	TZFile          string        `yaml:"tz_file"`   // right/UTC from the tz database
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ArmWindow       time.Duration `yaml:"arm_window"`
	// FromSources trusts leap indicators of upstream servers when no file is configured
	FromSources bool `yaml:"from_sources"`
}

// Config is the daemon configuration
type Config struct {
	Servo                    servo.Config  `yaml:"servo"`
	Source                   SourceConfig  `yaml:"source"`
	Leap                     LeapConfig    `yaml:"leap"`
	DriftFile                string        `yaml:"drift_file"`
	DriftInterval            time.Duration `yaml:"drift_interval"`
	WanderThreshold          float64       `yaml:"wander_threshold"`
	HuffPuffWindow           time.Duration `yaml:"huffpuff_window"` // 0 disables the filter
	LoopStatsFile            string        `yaml:"loopstats_file"`
	MonitoringAddress        string        `yaml:"monitoring_address"`
	MetricsAggregationWindow time.Duration `yaml:"metrics_aggregation_window"`
	KernelErrorLogInterval   time.Duration `yaml:"kernel_error_log_interval"`
	ExitOnPanic              bool          `yaml:"exit_on_panic"`
	DryRun                   bool          `yaml:"dry_run"` // log clock adjustments instead of making them
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Servo: *servo.DefaultConfig(),
		Source: SourceConfig{
			Burst:         4,
			BurstInterval: 2 * time.Second,
			Timeout:       time.Second,
		},
		Leap: LeapConfig{
			Mode:            leap.ModeStep,
			ListFile:        leap.DefaultListFile,
			RefreshInterval: leap.Day,
			ArmWindow:       leap.ArmWindow,
		},
		DriftInterval:            time.Hour,
		WanderThreshold:          driftfile.DefaultThreshold,
		MonitoringAddress:        ":4270",
		MetricsAggregationWindow: time.Minute,
		KernelErrorLogInterval:   time.Hour,
		ExitOnPanic:              true,
	}
}

// Validate config is sane
func (c *Config) Validate() error {
	if err := c.Servo.Validate(); err != nil {
		return fmt.Errorf("invalid servo config: %w", err)
	}
	if len(c.Source.Servers) == 0 && len(c.Source.SHMUnits) == 0 {
		return fmt.Errorf("at least one server or shm unit must be specified")
	}
	if c.Source.Burst < 1 || c.Source.Burst > 8 {
		return fmt.Errorf("burst must be within [1, 8]")
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than zero")
	}
	if c.Source.BurstInterval < 0 {
		return fmt.Errorf("burst_interval must be 0 or positive")
	}
	if c.Source.DSCP < 0 || c.Source.DSCP > dscp.MaxDSCP {
		return fmt.Errorf("dscp must be within [0, %d]", dscp.MaxDSCP)
	}
	for _, u := range c.Source.SHMUnits {
		if u < 0 || u > 255 {
			return fmt.Errorf("shm unit %d is out of range", u)
		}
	}
	if c.Leap.Mode == leap.ModeKernel && !c.Servo.KernelDisciplineEnabled {
		return fmt.Errorf("leap mode %q requires kernel_discipline_enabled", c.Leap.Mode)
	}
	if c.Leap.RefreshInterval <= 0 {
		return fmt.Errorf("leap refresh_interval must be greater than zero")
	}
	if c.Leap.ArmWindow < leap.Day {
		return fmt.Errorf("leap arm_window must be at least %v", leap.Day)
	}
	if c.DriftInterval <= 0 {
		return fmt.Errorf("drift_interval must be greater than zero")
	}
	if c.WanderThreshold < 0 {
		return fmt.Errorf("wander_threshold must be 0 or positive")
	}
	if c.HuffPuffWindow < 0 {
		return fmt.Errorf("huffpuff_window must be 0 or positive")
	}
	if c.HuffPuffWindow > 0 && c.HuffPuffWindow < servo.HuffPuffPeriod {
		return fmt.Errorf("huffpuff_window must be at least %v", servo.HuffPuffPeriod)
	}
	if c.MetricsAggregationWindow <= 0 {
		return fmt.Errorf("metrics_aggregation_window must be greater than zero")
	}
	if c.KernelErrorLogInterval <= 0 {
		return fmt.Errorf("kernel_error_log_interval must be greater than zero")
	}
	return nil
}

// ReadConfig reads config from the file on top of defaults
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PrepareConfig prepares final version of config based on defaults, CLI flags and on-disk config, and validates resulting config
func PrepareConfig(cfgPath string, servers []string, monitoringAddress string, driftFile string, dryRun bool, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if len(servers) > 0 {
		warn("servers")
		cfg.Source.Servers = servers
	}
	if setFlags["monitoringaddr"] {
		warn("monitoringaddr")
		cfg.MonitoringAddress = monitoringAddress
	}
	if setFlags["driftfile"] {
		warn("driftfile")
		cfg.DriftFile = driftFile
	}
	if setFlags["dryrun"] {
		warn("dryrun")
		cfg.DryRun = dryRun
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
