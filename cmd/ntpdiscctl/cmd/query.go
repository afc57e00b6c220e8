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
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/facebook/ntpdisc/clock"
	"github.com/facebook/ntpdisc/source"
)

func stripZeroes(num float64) string {
	s := fmt.Sprintf("%.2f", num)
	return strings.TrimRight(strings.TrimRight(s, "0"), ".")
}

// query polls a server the way the daemon does and prints the filtered sample
func query(ctx context.Context, w io.Writer, src source.Source) error {
	s, err := src.Sample(ctx, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Server: %s, Leap: %d\n", s.Source, s.Leap)
	fmt.Fprintf(w, "Offset: %fs (%sus) | Delay: %fs (%sus) | Jitter: %fs\n",
		s.Offset, stripZeroes(s.Offset*1e6),
		s.Delay, stripZeroes(s.Delay*1e6),
		s.Jitter)
	return nil
}

var queryServer string
var queryBurst int
var queryTimeout time.Duration

func init() {
	RootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryServer, "server", "s", "", "Server to query")
	queryCmd.Flags().IntVarP(&queryBurst, "requests", "r", 4, "How many requests to send")
	queryCmd.Flags().DurationVarP(&queryTimeout, "timeout", "t", time.Second, "Timeout of a single request")
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Sends NTP request(s) to a remote NTP server. Similar to ntpdate -q",
	Long:  "'query' polls remote NTP server with a burst of requests and reports the offset, delay and jitter of the best exchange",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if queryServer == "" {
			fmt.Println("server must be specified")
			os.Exit(1)
		}
		src := source.NewNTP(queryServer, queryBurst, 100*time.Millisecond, queryTimeout, clock.PrecisionLog2(clock.Precision()))
		defer src.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryBurst+1)*(queryTimeout+100*time.Millisecond))
		defer cancel()
		if err := query(ctx, os.Stdout, src); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}
