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
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/facebook/ntpdisc/driftfile"
)

var driftFile string

func showDrift(w io.Writer, path string) error {
	freq, err := driftfile.Read(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%+.3f PPM\n", freq*1e6)
	return nil
}

func setDrift(path, ppm string) error {
	v, err := strconv.ParseFloat(ppm, 64)
	if err != nil {
		return fmt.Errorf("invalid frequency %q: %w", ppm, err)
	}
	return driftfile.Write(path, v/1e6)
}

func init() {
	RootCmd.AddCommand(driftCmd)
	driftCmd.PersistentFlags().StringVarP(&driftFile, "file", "f", "/var/lib/ntpdisc/drift", "drift file")
	driftCmd.AddCommand(driftShowCmd)
	driftCmd.AddCommand(driftSetCmd)
}

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Read or seed the persisted frequency correction",
}

var driftShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted frequency correction",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := showDrift(os.Stdout, driftFile); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

var driftSetCmd = &cobra.Command{
	Use:   "set <ppm>",
	Short: "Seed the frequency correction, takes effect on the next daemon start",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := setDrift(driftFile, args[0]); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}
