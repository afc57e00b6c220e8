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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/ntpdisc/leap"
	"github.com/facebook/ntpdisc/leaphash"
	"github.com/facebook/ntpdisc/leapsectz"
)

// fakeSeconds writes N fake leap seconds in leap-seconds.list format
func fakeSeconds(w io.Writer, now time.Time, secondsCount int) {
	ntpEpoch := time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
	firstOfThisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	// the timestamp in this format is number of seconds from NTP Epoch
	fmt.Fprintf(w, "# Generating %d fake leap seconds:\n", secondsCount)
	for i := 0; i < secondsCount; i++ {
		firstOfFakeMonth := firstOfThisMonth.AddDate(0, i+1, 0)
		delta := int((firstOfFakeMonth.Sub(ntpEpoch)).Seconds())
		fmt.Fprintf(w, "%d  XX  # %s\n", delta, firstOfFakeMonth.Format(time.RFC3339))
	}
}

// signFile generates hash for leap-seconds.list
func signFile(w io.Writer, fileName string) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "#h %s\n", leaphash.Compute(string(data)))
	return nil
}

// printLeap prints leap second information from the timezone database
func printLeap(w io.Writer, srcfile string) error {
	ls, err := leapsectz.Parse(srcfile)
	if err != nil {
		return err
	}
	for _, l := range ls {
		fmt.Fprintln(w, l.Time().UTC())
	}
	return nil
}

// printNext prints the next leap event the daemon would act on
func printNext(w io.Writer, src leap.Source, now time.Time) error {
	ev, tai, err := src.Next(now)
	if err != nil && !errors.Is(err, leap.ErrExpired) {
		return err
	}
	if err != nil {
		log.Warning(err)
	}
	fmt.Fprintf(w, "TAI-UTC: %d\n", tai)
	if ev == nil {
		fmt.Fprintln(w, "no leap second announced")
		return nil
	}
	fmt.Fprintf(w, "next: %s, in %s\n", ev, ev.Effective.Sub(now).Round(time.Second))
	return nil
}

// addFakeSecondZoneInfo reads zoneinfo leap seconds and adds one at the start of the month offsetMonth from now
func addFakeSecondZoneInfo(srcfile, dstfile string, now time.Time, offsetMonth int) error {
	ls, err := leapsectz.Parse(srcfile)
	if err != nil {
		return err
	}

	unixEpoch := time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)
	fakeLeap := time.Date(now.Year(), now.Month()+time.Month(offsetMonth), 1, 0, 0, 0, 0, time.UTC)
	log.Infof("Fake second added on %s", fakeLeap.Format(time.RFC3339))
	ls = append(ls, leapsectz.LeapSecond{
		Tleap: uint64(fakeLeap.Sub(unixEpoch).Seconds()) + uint64(len(ls)),
		Nleap: int32(len(ls) + 1),
	})

	o, err := os.Create(dstfile)
	if err != nil {
		return err
	}
	defer o.Close()

	return leapsectz.Write(o, '2', ls, "")
}

func leapSource() leap.Source {
	if listFile != "" {
		return &leap.ListSource{Path: listFile}
	}
	return &leap.TZSource{Path: sourceLeapSeconds}
}

// cli vars
var fsCount int
var signFileName string
var sourceLeapSeconds string
var destLeapSeconds string
var listFile string
var offsetMonth int

func init() {
	RootCmd.AddCommand(leapCmd)
	// next
	leapCmd.AddCommand(nextLeapCmd)
	nextLeapCmd.Flags().StringVarP(&listFile, "list", "l", "", "leap-seconds.list to read, timezone database is used if empty")
	nextLeapCmd.Flags().StringVarP(&sourceLeapSeconds, "srcfile", "s", leapsectz.DefaultFile, "Source file of leap seconds")
	// fakeseconds
	leapCmd.AddCommand(fakeSecondsCmd)
	fakeSecondsCmd.Flags().IntVarP(&fsCount, "count", "c", 5, "Number of entities to generate")
	// signfile
	leapCmd.AddCommand(signFileCmd)
	signFileCmd.Flags().StringVarP(&signFileName, "file", "f", "leap-seconds.list", "File name")
	// printleap
	leapCmd.AddCommand(printLeapCmd)
	printLeapCmd.Flags().StringVarP(&sourceLeapSeconds, "srcfile", "s", leapsectz.DefaultFile, "Source file of leap seconds")
	// addfakesecond
	leapCmd.AddCommand(addFakeSecondZoneInfoCmd)
	addFakeSecondZoneInfoCmd.Flags().IntVarP(&offsetMonth, "month", "m", 1, "How many months to add to current to insert leap second")
	addFakeSecondZoneInfoCmd.Flags().StringVarP(&sourceLeapSeconds, "srcfile", "s", leapsectz.DefaultFile, "Source file of leap seconds")
	addFakeSecondZoneInfoCmd.Flags().StringVarP(&destLeapSeconds, "dstfile", "d", "/usr/share/zoneinfo/right/Fake", "Destination file for fake leap seconds")
}

var leapCmd = &cobra.Command{
	Use:   "leap",
	Short: "Leap second utils",
}

var nextLeapCmd = &cobra.Command{
	Use:   "next",
	Short: "Prints the next leap second and current TAI-UTC offset",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := printNext(os.Stdout, leapSource(), time.Now()); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

var fakeSecondsCmd = &cobra.Command{
	Use:   "fakeseconds",
	Short: "Prints some fake seconds.",
	Long:  "Prints some fake seconds (potential slots when leap seconds might happen) in leap-seconds.list format",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		fakeSeconds(os.Stdout, time.Now(), fsCount)
	},
}

var signFileCmd = &cobra.Command{
	Use:   "signfile",
	Short: "Generate hash signature for leap-seconds.list",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := signFile(os.Stdout, signFileName); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

var printLeapCmd = &cobra.Command{
	Use:   "printleap",
	Short: "Prints leap second information from the system timezone database",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := printLeap(os.Stdout, sourceLeapSeconds); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

var addFakeSecondZoneInfoCmd = &cobra.Command{
	Use:   "addfakesecond",
	Short: "Copies the timezone database leap seconds adding a fake one",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := addFakeSecondZoneInfo(sourceLeapSeconds, destLeapSeconds, time.Now(), offsetMonth); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}
