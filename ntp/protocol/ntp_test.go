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

package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	// Unix
	usec  = int64(1585147599)
	unsec = int64(631495778)
	// NTP
	nsec  = uint32(3794136399)
	nfrac = uint32(2712253714)

	// Network Delays
	forwardDelay = 10 * time.Millisecond
	returnDelay  = 20 * time.Millisecond

	// offset between local and remote clock
	offset = 123 * time.Microsecond

	// Packet request. From ntpdate run
	ntpRequest = &Packet{
		Settings:       227,
		Stratum:        0,
		Poll:           3,
		Precision:      -6,
		RootDelay:      65536,
		RootDispersion: 65536,
		ReferenceID:    0,
		RefTimeSec:     0,
		RefTimeFrac:    0,
		OrigTimeSec:    0,
		OrigTimeFrac:   0,
		RxTimeSec:      0,
		RxTimeFrac:     0,
		TxTimeSec:      3794210679,
		TxTimeFrac:     2718216404,
	}

	// Same request as above in bytes
	ntpRequestBytes = []byte{227, 0, 3, 250, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212}

	// Packet response
	ntpResponse = &Packet{
		Settings:       36,
		Stratum:        1,
		Poll:           3,
		Precision:      -32,
		RootDelay:      0,
		RootDispersion: 10,
		ReferenceID:    1178738720,
		RefTimeSec:     3794209800,
		RefTimeFrac:    0,
		OrigTimeSec:    3794210679,
		OrigTimeFrac:   2718216404,
		RxTimeSec:      3794210679,
		RxTimeFrac:     2718375472,
		TxTimeSec:      3794210679,
		TxTimeFrac:     2719753478,
	}
	// Same response as above in bytes
	ntpResponseBytes = []byte{36, 1, 3, 224, 0, 0, 0, 0, 0, 0, 0, 10, 70, 66, 32, 32, 226, 39, 12, 8, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212, 226, 39, 15, 119, 162, 7, 30, 48, 226, 39, 15, 119, 162, 28, 37, 6}

	ntpBadRequest = &Packet{Settings: 0}
)

// Testing conversion so if Packet structure changes we notice
func TestRequestConversion(t *testing.T) {
	bytes, err := ntpRequest.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpRequestBytes, bytes)
}

// Testing conversion so if Packet structure changes we notice
func TestResponseConersion(t *testing.T) {
	bytes, err := ntpResponse.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpResponseBytes, bytes)
}

func TestBytesToPacket(t *testing.T) {
	packet, err := BytesToPacket(ntpResponseBytes)
	require.NoError(t, err)
	require.Equal(t, ntpResponse, packet)
}

func TestBytesToPacketError(t *testing.T) {
	bytes := []byte{}
	packet, err := BytesToPacket(bytes)
	require.NotNil(t, err)
	require.Equal(t, &Packet{}, packet)
}

// Testing conversion so if Packet structure changes we notice
func TestPacketConversionFailure(t *testing.T) {
	bytes, err := ntpRequest.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpRequestBytes, bytes)
}

func TestRequestSize(t *testing.T) {
	require.Equal(t, PacketSizeBytes, len(ntpRequestBytes))
}

func TestResponseSize(t *testing.T) {
	require.Equal(t, PacketSizeBytes, len(ntpResponseBytes))
}

func TestValidSettingsFormat(t *testing.T) {
	require.True(t, ntpRequest.ValidSettingsFormat())
}

func TestInvalidSettingsFormat(t *testing.T) {
	require.False(t, ntpBadRequest.ValidSettingsFormat())

	req := *ntpRequest
	req.Settings = LeapAddSecond<<6 | 4<<3 | modeClient
	require.False(t, req.ValidSettingsFormat())
}

func TestValidateResponseLeap(t *testing.T) {
	for _, li := range []uint8{LeapNoWarning, LeapAddSecond, LeapDelSecond} {
		resp := *ntpResponse
		resp.Settings = li<<6 | 4<<3 | modeServer
		require.NoError(t, resp.ValidateResponse(ntpRequest))
		require.Equal(t, li, resp.LeapIndicator())
	}
}

func TestTime(t *testing.T) {
	testtime := time.Unix(usec, unsec)
	sec, frac := Time(testtime)

	require.Equal(t, nsec, sec)
	require.Equal(t, nfrac, frac)
}

func TestUnix(t *testing.T) {
	testtime := Unix(nsec, nfrac)

	require.Equal(t, usec, testtime.Unix())
	// +1ns is a rounding issue
	require.Equal(t, unsec, int64(testtime.Nanosecond())+1)
}

func TestOffsetDelay(t *testing.T) {
	tests := []struct {
		name  string
		clock time.Duration
	}{
		{name: "in sync", clock: 0},
		{name: "server ahead", clock: offset},
		{name: "server behind", clock: -offset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientTransmitTime := time.Now()
			// server clock reading when the request arrives
			serverReceiveTime := clientTransmitTime.Add(forwardDelay + tt.clock)
			// OS delay server 10us
			serverTransmitTime := serverReceiveTime.Add(10 * time.Microsecond)
			clientReceiveTime := serverTransmitTime.Add(returnDelay - tt.clock)

			// asymmetric path shows up as half the difference
			asym := (forwardDelay - returnDelay) / 2
			require.Equal(t, tt.clock+asym, Offset(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime))
			require.Equal(t, forwardDelay+returnDelay, Delay(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime))
		})
	}
}

func TestShort(t *testing.T) {
	require.Equal(t, time.Second, Short(1<<16))
	require.Equal(t, 500*time.Millisecond, Short(1<<15))
	require.Equal(t, time.Duration(152587), Short(10))
}

func TestNewRequest(t *testing.T) {
	now := time.Unix(usec, unsec)
	req := NewRequest(now, 6, -20)
	require.True(t, req.ValidSettingsFormat())
	require.Equal(t, uint8(4), req.Version())
	require.Equal(t, uint8(modeClient), req.Mode())
	require.Equal(t, uint8(LeapNoWarning), req.LeapIndicator())
	require.Equal(t, nsec, req.TxTimeSec)
	require.Equal(t, nfrac, req.TxTimeFrac)
	require.Equal(t, int8(6), req.Poll)
	require.Equal(t, int8(-20), req.Precision)
}

func TestValidateResponse(t *testing.T) {
	require.NoError(t, ntpResponse.ValidateResponse(ntpRequest))
	require.Equal(t, uint8(modeServer), ntpResponse.Mode())

	tests := []struct {
		name   string
		mutate func(p *Packet)
	}{
		{name: "client mode", mutate: func(p *Packet) { p.Settings = 0x23 }},
		{name: "unsynchronized", mutate: func(p *Packet) { p.Settings = 0xe4 }},
		{name: "stratum 0", mutate: func(p *Packet) { p.Stratum = 0 }},
		{name: "stratum 16", mutate: func(p *Packet) { p.Stratum = 16 }},
		{name: "origin mismatch", mutate: func(p *Packet) { p.OrigTimeFrac++ }},
		{name: "zero transmit", mutate: func(p *Packet) { p.TxTimeSec, p.TxTimeFrac = 0, 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := *ntpResponse
			tt.mutate(&resp)
			require.ErrorIs(t, resp.ValidateResponse(ntpRequest), ErrInvalidResponse)
		})
	}
}

func TestRxTimestampMissing(t *testing.T) {
	_, ok := rxTimestamp(nil)
	require.False(t, ok)
}

func TestReadNTPPacket(t *testing.T) {
	// listen to incoming udp packets
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("localhost"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	// Send a client request
	cconn, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer cconn.Close()
	_, err = cconn.Write(ntpRequestBytes)
	require.NoError(t, err)

	request, returnaddr, err := ReadNTPPacket(conn)
	require.Equal(t, ntpRequest, request, "We should have the same request arriving on the server")
	require.Equal(t, cconn.LocalAddr().String(), returnaddr.String())
	require.NoError(t, err)
}

func Benchmark_PacketToBytesConversion(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = ntpResponse.Bytes()
	}
}

func Benchmark_BytesToPacketConversion(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = BytesToPacket(ntpResponseBytes)
	}
}

// Benchmark_ServerWithoutKernelTimestamps measures reading NTP packets without kernel timestamps
func Benchmark_ServerWithoutKernelTimestamps(b *testing.B) {
	// Server
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("localhost"), Port: 0})
	require.Nil(b, err)
	defer conn.Close()

	// Client
	addr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	require.Nil(b, err)
	cconn, err := net.DialUDP("udp", nil, addr)
	require.Nil(b, err)
	defer cconn.Close()

	for i := 0; i < b.N; i++ {
		_, _ = cconn.Write(ntpRequestBytes)
		_, _, _ = ReadNTPPacket(conn)
	}
}

func TestReadPacketWithKernelTimestamp(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("localhost"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, EnableKernelTimestamps(conn))

	cconn, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer cconn.Close()

	before := time.Now()
	_, err = cconn.Write(ntpResponseBytes)
	require.NoError(t, err)

	packet, rx, addr, err := ReadPacketWithKernelTimestamp(conn)
	require.NoError(t, err)
	require.Equal(t, ntpResponse, packet)
	require.Equal(t, cconn.LocalAddr().String(), addr.String())
	require.WithinDuration(t, before, rx, time.Second)
}

func Benchmark_ServerWithKernelTimestamps(b *testing.B) {
	// Server
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("localhost"), Port: 0})
	require.Nil(b, err)
	defer conn.Close()

	// Allow reading of kernel timestamps via socket
	err = EnableKernelTimestamps(conn)
	require.NoError(b, err)

	// Client
	addr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	require.Nil(b, err)
	cconn, err := net.DialUDP("udp", nil, addr)
	require.Nil(b, err)
	defer cconn.Close()

	for i := 0; i < b.N; i++ {
		_, _ = cconn.Write(ntpRequestBytes)
		_, _, _, _ = ReadPacketWithKernelTimestamp(conn)
	}
}
