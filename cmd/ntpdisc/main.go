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

package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sddaemon "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpdisc/daemon"
	"github.com/facebook/ntpdisc/stats"

	_ "net/http/pprof"
)

func doWork(cfg *daemon.Config) error {
	st := stats.NewJSONStats()
	go func() {
		if err := st.Start(cfg.MonitoringAddress); err != nil {
			log.Errorf("Failed to start monitoring server: %v", err)
		}
	}()

	var loopstats io.Writer
	if cfg.LoopStatsFile != "" {
		f, err := os.OpenFile(cfg.LoopStatsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		loopstats = f
	}

	d, err := daemon.New(cfg, st, loopstats)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	if ok, err := sddaemon.SdNotify(false, "READY=1"); err != nil {
		log.Warningf("Failed to notify systemd: %v", err)
	} else if ok {
		log.Debug("notified systemd")
	}
	err = d.Run(ctx)
	if _, serr := sddaemon.SdNotify(false, "STOPPING=1"); serr != nil {
		log.Warningf("Failed to notify systemd: %v", serr)
	}
	return err
}

func main() {
	var (
		verboseFlag        bool
		configFlag         string
		monitoringAddrFlag string
		driftFileFlag      string
		dryRunFlag         bool
		pprofFlag          string
	)
	defaults := daemon.DefaultConfig()

	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&configFlag, "config", "", "path to the config")
	flag.StringVar(&monitoringAddrFlag, "monitoringaddr", defaults.MonitoringAddress, "address to start monitoring http server on")
	flag.StringVar(&driftFileFlag, "driftfile", defaults.DriftFile, "path to the drift file, disabled if empty")
	flag.BoolVar(&dryRunFlag, "dryrun", false, "compute corrections but never touch the system clock")
	flag.StringVar(&pprofFlag, "pprof", "", "Address to have the profiler listen on, disabled if empty.")

	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}
	cfg, err := daemon.PrepareConfig(configFlag, flag.Args(), monitoringAddrFlag, driftFileFlag, dryRunFlag, setFlags)
	if err != nil {
		log.Fatal(err)
	}
	if pprofFlag != "" {
		go func() {
			err = http.ListenAndServe(pprofFlag, nil)
			if err != nil {
				log.Errorf("Failed to start pprof. Err: %v", err)
			}
		}()
	}
	if err := doWork(cfg); err != nil {
		log.Fatal(err)
	}
}
