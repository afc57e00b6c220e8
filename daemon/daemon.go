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
Package daemon runs the clock discipline: it polls sources, feeds the loop,
ticks it once per second and keeps leap second, drift file and monitoring
state up to date.
*/
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/facebook/ntpdisc/clock"
	"github.com/facebook/ntpdisc/driftfile"
	"github.com/facebook/ntpdisc/leap"
	"github.com/facebook/ntpdisc/servo"
	"github.com/facebook/ntpdisc/source"
	"github.com/facebook/ntpdisc/stats"
)

// counters exported via stats
const (
	counterPolls          = "polls"
	counterNoSamples      = "samples.missing"
	counterSourceErrors   = "source.errors"
	counterSlewErrors     = "clock.slew_errors"
	counterKernelErrors   = "kernel.errors"
	counterLeapErrors     = "leap.errors"
	counterDriftWrites    = "drift.writes"
	counterDriftErrors    = "drift.errors"
	counterOutcomePrefix  = "outcome."
	counterLeapAnnounced  = "leap.announced"
	counterLeapRetracted  = "leap.retracted"
	counterLoopStatsError = "loopstats.errors"
)

// FrequencyStore persists the frequency correction across restarts
type FrequencyStore interface {
	Load() (float64, error)
	Persist(freq float64) (bool, error)
}

// Daemon drives the Engine
type Daemon struct {
	cfg       *Config
	engine    *Engine
	sources   []source.Source
	shms      []*source.SHM
	leapSrc   leap.Source
	drift     FrequencyStore
	stats     stats.Server
	loopstats *stats.LoopStats
	agg       *stats.Aggregator
	sysstats  *stats.SysStats
	kernelLog *rate.Sometimes
	now       func() time.Time

	mux        sync.Mutex
	lastSource string
}

// New builds the daemon around the system clock. loopstats may be nil
func New(cfg *Config, st stats.Server, loopstats io.Writer) (*Daemon, error) {
	clk := &clock.SystemClock{DryRun: cfg.DryRun}
	if cfg.Servo.ClockResolution == 0 {
		cfg.Servo.ClockResolution = clock.Precision()
		log.Infof("measured clock precision %v", cfg.Servo.ClockResolution)
	}
	precision := clock.PrecisionLog2(cfg.Servo.ClockResolution)

	var kernel servo.KernelDiscipline
	if cfg.Servo.KernelDisciplineEnabled {
		kernel = clk
	}

	leapSrc := leapSource(&cfg.Leap)
	tai := 0
	if leapSrc != nil {
		var err error
		if _, tai, err = leapSrc.Next(time.Now()); err != nil && !errors.Is(err, leap.ErrExpired) {
			log.Warningf("reading leap seconds: %v", err)
		}
	}
	engine := NewEngine(cfg, clk, kernel, clk, tai)

	var sources []source.Source
	var shms []*source.SHM
	for _, server := range cfg.Source.Servers {
		n := source.NewNTP(server, cfg.Source.Burst, cfg.Source.BurstInterval, cfg.Source.Timeout, precision)
		n.DSCP = cfg.Source.DSCP
		sources = append(sources, n)
	}
	for _, unit := range cfg.Source.SHMUnits {
		s, err := source.NewSHM(unit)
		if err != nil {
			for _, prev := range shms {
				_ = prev.Close()
			}
			return nil, err
		}
		shms = append(shms, s)
		sources = append(sources, s)
	}

	var drift FrequencyStore
	if cfg.DriftFile != "" {
		drift = driftfile.New(cfg.DriftFile, cfg.WanderThreshold)
	}
	d := newDaemon(cfg, engine, sources, leapSrc, drift, st)
	d.shms = shms
	if loopstats != nil {
		d.loopstats = stats.NewLoopStats(loopstats)
	}
	return d, nil
}

func newDaemon(cfg *Config, engine *Engine, sources []source.Source, leapSrc leap.Source, drift FrequencyStore, st stats.Server) *Daemon {
	return &Daemon{
		cfg:       cfg,
		engine:    engine,
		sources:   sources,
		leapSrc:   leapSrc,
		drift:     drift,
		stats:     st,
		agg:       stats.NewAggregator(),
		sysstats:  stats.NewSysStats(),
		kernelLog: &rate.Sometimes{First: 1, Interval: cfg.KernelErrorLogInterval},
		now:       time.Now,
	}
}

func leapSource(cfg *LeapConfig) leap.Source {
	if cfg.ListFile != "" {
		return &leap.ListSource{Path: cfg.ListFile}
	}
	if cfg.TZFile != "" {
		return &leap.TZSource{Path: cfg.TZFile}
	}
	return nil
}

// Engine returns the engine driven by the daemon
func (d *Daemon) Engine() *Engine {
	return d.engine
}

// Run runs until ctx is cancelled or the loop panics
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()
	d.loadDrift()
	d.refreshLeap(d.now())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.every(ctx, time.Second, d.tick)
	})
	g.Go(func() error {
		return d.runPoller(ctx)
	})
	if d.leapSrc != nil {
		g.Go(func() error {
			return d.every(ctx, d.cfg.Leap.RefreshInterval, d.refreshLeap)
		})
	}
	if d.cfg.HuffPuffWindow > 0 {
		g.Go(func() error {
			return d.every(ctx, servo.HuffPuffPeriod, func(time.Time) { d.engine.RotateHuffPuff() })
		})
	}
	if d.drift != nil {
		g.Go(func() error {
			return d.every(ctx, d.cfg.DriftInterval, d.persistDrift)
		})
	}
	g.Go(func() error {
		return d.every(ctx, d.cfg.MetricsAggregationWindow, d.collectStats)
	})
	err := g.Wait()
	d.persistDrift(d.now())
	return err
}

func (d *Daemon) close() {
	for _, s := range d.sources {
		if err := s.Close(); err != nil {
			log.Warningf("closing %s: %v", s.Name(), err)
		}
	}
}

// every calls f on each tick until ctx is done
func (d *Daemon) every(ctx context.Context, interval time.Duration, f func(time.Time)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f(d.now())
		}
	}
}

func (d *Daemon) runPoller(ctx context.Context) error {
	for {
		if err := d.poll(ctx); err != nil {
			return err
		}
		interval, _ := d.engine.PollInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// tick is the once per second housekeeping
func (d *Daemon) tick(now time.Time) {
	for _, s := range d.shms {
		if err := s.Collect(); err != nil {
			d.stats.UpdateCounterBy(counterSourceErrors, 1)
			log.Warningf("%s: %v", s.Name(), err)
		}
	}
	if err := d.engine.OnSecondTick(now); err != nil {
		d.stats.UpdateCounterBy(counterSlewErrors, 1)
		log.Errorf("slewing clock: %v", err)
	}
	d.checkKernel()
	if snap, changed := d.engine.Changed(); changed {
		d.publish(now, snap)
	}
}

// poll takes the best sample from the sources and applies it
func (d *Daemon) poll(ctx context.Context) error {
	_, sysPoll := d.engine.PollInterval()
	d.stats.UpdateCounterBy(counterPolls, 1)
	best, errs := source.Best(ctx, d.sources, sysPoll)
	for _, err := range errs {
		if errors.Is(err, source.ErrNoSamples) && best == nil {
			continue
		}
		d.stats.UpdateCounterBy(counterSourceErrors, 1)
		log.Warningf("polling: %v", err)
	}
	if best == nil {
		d.stats.UpdateCounterBy(counterNoSamples, 1)
		log.Warning("no usable samples this poll")
		return nil
	}
	now := d.now()
	d.setLastSource(best.Source)
	d.leapFromSample(best, now)

	outcome := d.engine.ApplySample(best.Offset, best.Jitter, best.Delay, now)
	d.stats.UpdateCounterBy(counterOutcomePrefix+strings.ToLower(outcome.String()), 1)
	d.checkKernel()
	snap := d.engine.Snapshot()
	log.Infof("%s: %s offset %+.9f state %s freq %+.3f jitter %.9f wander %.3f poll %d",
		best.Source, outcome, best.Offset, snap.State, snap.FrequencyPPM(), snap.ClockJitter, snap.StabilityPPM(), snap.SysPoll)

	switch outcome {
	case servo.OutcomePanicked:
		if d.cfg.ExitOnPanic {
			return fmt.Errorf("offset %+.6fs from %s exceeds panic threshold %v", best.Offset, best.Source, d.cfg.Servo.PanicThreshold)
		}
		return nil
	case servo.OutcomeIgnored:
		return nil
	}
	l := d.loop(now, snap)
	d.agg.Add(l)
	if d.loopstats != nil {
		if err := d.loopstats.Write(l); err != nil {
			d.stats.UpdateCounterBy(counterLoopStatsError, 1)
			log.Errorf("writing loopstats: %v", err)
		}
	}
	d.stats.SetLoop(l)
	return nil
}

func (d *Daemon) checkKernel() {
	err := d.engine.KernelError()
	if err == nil {
		return
	}
	d.stats.UpdateCounterBy(counterKernelErrors, 1)
	d.kernelLog.Do(func() {
		log.Warningf("kernel discipline failed, using user-space loop: %v", err)
	})
}

func (d *Daemon) loop(now time.Time, snap servo.Snapshot) stats.Loop {
	ls := d.engine.LeapStatus()
	l := stats.Loop{
		Time:       now,
		State:      snap.State.String(),
		Offset:     snap.Offset,
		Frequency:  snap.FrequencyPPM(),
		Jitter:     snap.ClockJitter,
		Wander:     snap.StabilityPPM(),
		Poll:       snap.SysPoll,
		Dispersion: snap.Dispersion,
		Kernel:     snap.KernelOwned,
		Source:     d.source(),
		Leap: stats.Leap{
			Phase: ls.Phase.String(),
			Mode:  ls.Mode.String(),
			TAI:   ls.TAI,
		},
	}
	if ls.Pending != nil {
		l.Leap.Pending = ls.Pending.String()
	}
	return l
}

func (d *Daemon) setLastSource(name string) {
	d.mux.Lock()
	d.lastSource = name
	d.mux.Unlock()
}

func (d *Daemon) source() string {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.lastSource
}

func (d *Daemon) publish(now time.Time, snap servo.Snapshot) {
	d.stats.SetLoop(d.loop(now, snap))
}

// leapFromSample follows upstream leap indicators when no leap file is configured
func (d *Daemon) leapFromSample(s *source.Sample, now time.Time) {
	if !d.cfg.Leap.FromSources || d.leapSrc != nil {
		return
	}
	sign := s.LeapSign()
	if sign == 0 {
		if st := d.engine.LeapStatus(); st.Pending != nil && d.engine.RetractLeap() {
			d.stats.UpdateCounterBy(counterLeapRetracted, 1)
		}
		return
	}
	ev := leap.Event{Effective: leap.EndOfMonth(now), Sign: sign}
	if sameEvent(d.engine.LeapStatus().Pending, ev) {
		return
	}
	if d.engine.AnnounceLeap(ev, now) {
		d.stats.UpdateCounterBy(counterLeapAnnounced, 1)
	}
}

func sameEvent(pending *leap.Event, e leap.Event) bool {
	return pending != nil && pending.Sign == e.Sign && pending.Effective.Equal(e.Effective)
}

// refreshLeap re-reads the leap source, announcing events within the arm window
// and retracting ones that disappeared
func (d *Daemon) refreshLeap(now time.Time) {
	if d.leapSrc == nil {
		return
	}
	ev, tai, err := d.leapSrc.Next(now)
	if err != nil {
		if !errors.Is(err, leap.ErrExpired) {
			d.stats.UpdateCounterBy(counterLeapErrors, 1)
			log.Warningf("reading leap seconds: %v", err)
			return
		}
		log.Warningf("%v, using it anyway", err)
	}
	st := d.engine.LeapStatus()
	if st.Pending == nil && tai > 0 {
		d.engine.SetTAI(tai)
	}
	if ev != nil && ev.Effective.Sub(now) <= d.cfg.Leap.ArmWindow {
		if sameEvent(st.Pending, *ev) {
			return
		}
		if d.engine.AnnounceLeap(*ev, now) {
			d.stats.UpdateCounterBy(counterLeapAnnounced, 1)
		}
		return
	}
	if st.Pending != nil && d.engine.RetractLeap() {
		d.stats.UpdateCounterBy(counterLeapRetracted, 1)
	}
}

func (d *Daemon) loadDrift() {
	if d.drift == nil {
		return
	}
	freq, err := d.drift.Load()
	if err != nil {
		if errors.Is(err, driftfile.ErrNoDrift) {
			log.Info("no drift file, frequency will be trained")
		} else {
			log.Warningf("loading drift file: %v", err)
		}
		return
	}
	d.engine.InitFrequency(freq)
}

func (d *Daemon) persistDrift(_ time.Time) {
	if d.drift == nil {
		return
	}
	snap := d.engine.Snapshot()
	if snap.State != servo.StateSynced {
		return
	}
	written, err := d.drift.Persist(snap.DriftComp)
	if err != nil {
		d.stats.UpdateCounterBy(counterDriftErrors, 1)
		log.Warningf("persisting drift: %v", err)
		return
	}
	if written {
		d.stats.UpdateCounterBy(counterDriftWrites, 1)
		log.Debugf("drift %+.3f PPM persisted", snap.FrequencyPPM())
	}
}

func (d *Daemon) collectStats(_ time.Time) {
	sys, err := d.sysstats.Collect()
	if err != nil {
		log.Warningf("collecting process stats: %v", err)
	}
	for k, v := range sys {
		d.stats.SetCounter(k, v)
	}
	for k, v := range d.agg.Flush() {
		d.stats.SetCounter(k, v)
	}
}
