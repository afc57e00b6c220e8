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

package source

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpdisc/dscp"
	"github.com/facebook/ntpdisc/ntp/protocol"
)

// DefaultNTPPort is the NTP service port
const DefaultNTPPort = "123"

// NTP is a network peer queried in client mode
type NTP struct {
	Server    string
	Burst     int
	Interval  time.Duration
	Timeout   time.Duration
	Precision int8
	// DSCP marks requests, 0 leaves the default
	DSCP int
}

// NewNTP returns an NTP source for server, appending the default port if missing
func NewNTP(server string, burst int, interval, timeout time.Duration, precision int8) *NTP {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, DefaultNTPPort)
	}
	if burst < 1 {
		burst = 1
	}
	return &NTP{
		Server:    server,
		Burst:     burst,
		Interval:  interval,
		Timeout:   timeout,
		Precision: precision,
	}
}

// Name returns the server address
func (n *NTP) Name() string {
	return n.Server
}

// Close is a no-op, each poll uses its own socket
func (n *NTP) Close() error {
	return nil
}

// Sample runs a burst of exchanges and returns the filtered result
func (n *NTP) Sample(ctx context.Context, poll int) (*Sample, error) {
	raddr, err := net.ResolveUDPAddr("udp", n.Server)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", n.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if n.DSCP > 0 {
		if err := dscp.EnableConn(conn, n.DSCP); err != nil {
			log.Warningf("%s: setting DSCP %d: %v", n.Server, n.DSCP, err)
		}
	}
	if err := protocol.EnableKernelTimestamps(conn); err != nil {
		log.Debugf("%s: kernel timestamps unavailable: %v", n.Server, err)
	}

	var samples []*Sample
	var lastErr error
	for i := 0; i < n.Burst; i++ {
		if i > 0 && n.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(n.Interval):
			}
		}
		s, err := n.exchange(ctx, conn, poll)
		if err != nil {
			log.Debugf("%s: exchange failed: %v", n.Server, err)
			lastErr = err
			continue
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoSamples, lastErr)
		}
		return nil, ErrNoSamples
	}
	return filter(n.Server, samples, precisionSeconds(n.Precision))
}

func (n *NTP) exchange(ctx context.Context, conn *net.UDPConn, poll int) (*Sample, error) {
	deadline := time.Now().Add(n.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	clientTransmitTime := time.Now()
	req := protocol.NewRequest(clientTransmitTime, int8(poll), n.Precision)
	b, err := req.Bytes()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(b); err != nil {
		return nil, err
	}
	resp, clientReceiveTime, _, err := protocol.ReadPacketWithKernelTimestamp(conn)
	if err != nil {
		return nil, err
	}
	if err := resp.ValidateResponse(req); err != nil {
		return nil, err
	}
	serverReceiveTime := protocol.Unix(resp.RxTimeSec, resp.RxTimeFrac)
	serverTransmitTime := protocol.Unix(resp.TxTimeSec, resp.TxTimeFrac)
	// kernel timestamp carries no monotonic reading, drop ours to compare wall clocks
	clientTransmitTime = clientTransmitTime.Round(0)

	delay := protocol.Delay(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime)
	if delay < 0 {
		delay = 0
	}
	return &Sample{
		Offset: protocol.Offset(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime).Seconds(),
		Delay:  delay.Seconds(),
		Leap:   resp.LeapIndicator(),
		Time:   clientReceiveTime,
	}, nil
}
