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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PacketSizeBytes sets the size of NTP packet
const PacketSizeBytes = 48

// ControlHeaderSizeBytes is a buffer to read packet header with Kernel timestamps
const ControlHeaderSizeBytes = 32

// Packet is an NTPv4 packet
/*
http://seriot.ch/ntp.php
https://tools.ietf.org/html/rfc958
   0                   1                   2                   3
   0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
0 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |LI | VN  |Mode |    Stratum     |     Poll      |  Precision   |
4 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Delay                            |
8 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Dispersion                       |
12+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                          Reference ID                         |
16+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                     Reference Timestamp (64)                  +
  |                                                               |
24+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Origin Timestamp (64)                    +
  |                                                               |
32+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Receive Timestamp (64)                   +
  |                                                               |
40+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Transmit Timestamp (64)                  +
  |                                                               |
48+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

 0 1 2 3 4 5 6 7
+-+-+-+-+-+-+-+-+
|LI | VN  |Mode |
+-+-+-+-+-+-+-+-+
 0 1 1 0 0 0 1 1

Setting = LI | VN  |Mode. Client request example:
00 100 011 (or 0x23)
|  |   +-- client mode (3)
|  + ----- version (4)
+ -------- leap indicator, 0 no warning
*/
type Packet struct {
	Settings       uint8  // leap year indicator, version number and mode
	Stratum        uint8  // stratum
	Poll           int8   // poll. Power of 2
	Precision      int8   // precision. Power of 2
	RootDelay      uint32 // total delay to the reference clock
	RootDispersion uint32 // total dispersion to the reference clock
	ReferenceID    uint32 // identifier of server or a reference clock
	RefTimeSec     uint32 // last time local clock was updated sec
	RefTimeFrac    uint32 // last time local clock was updated frac
	OrigTimeSec    uint32 // client time sec
	OrigTimeFrac   uint32 // client time frac
	RxTimeSec      uint32 // receive time sec
	RxTimeFrac     uint32 // receive time frac
	TxTimeSec      uint32 // transmit time sec
	TxTimeFrac     uint32 // transmit time frac
}

// Leap indicator values
const (
	LeapNoWarning     = 0
	LeapAddSecond     = 1
	LeapDelSecond     = 2
	LeapNotInSync     = 3
	liAlarmCondition  = LeapNotInSync
	vnFirst           = 1
	vnLast            = 4
	modeClient        = 3
	modeServer        = 4
	modeBroadcast     = 5
	maxStratum        = 15
	versionCurrent    = 4
	settingsVersionSh = 3
	settingsLeapSh    = 6
)

// ErrInvalidResponse is returned for a reply that can't be used as a sample
var ErrInvalidResponse = errors.New("invalid ntp response")

// NewRequest builds a client mode request stamped with transmit time t.
// The transmit timestamp is echoed back by the server as origin timestamp.
func NewRequest(t time.Time, poll, precision int8) *Packet {
	txSec, txFrac := Time(t)
	return &Packet{
		Settings:   versionCurrent<<settingsVersionSh | modeClient,
		Poll:       poll,
		Precision:  precision,
		TxTimeSec:  txSec,
		TxTimeFrac: txFrac,
	}
}

// LeapIndicator returns the LI field
func (p *Packet) LeapIndicator() uint8 {
	return p.Settings >> settingsLeapSh
}

// Version returns the VN field
func (p *Packet) Version() uint8 {
	return (p.Settings >> settingsVersionSh) & 0x7
}

// Mode returns the Mode field
func (p *Packet) Mode() uint8 {
	return p.Settings & 0x7
}

func (p *Packet) validVersionMode(mode ...uint8) bool {
	v := p.Version()
	m := p.Mode()
	if v < vnFirst || v > vnLast {
		return false
	}
	for _, want := range mode {
		if m == want {
			return true
		}
	}
	return false
}

// ValidSettingsFormat verifies that LI | VN  |Mode fields are set correctly
// for a client request:
// LN:must be 0 or 3
// VN:must be 1,2,3 or 4
// Mode:must be 3
func (p *Packet) ValidSettingsFormat() bool {
	l := p.LeapIndicator()
	if l != LeapNoWarning && l != liAlarmCondition {
		return false
	}
	return p.validVersionMode(modeClient)
}

// ValidateResponse checks a reply against the request that triggered it
func (p *Packet) ValidateResponse(req *Packet) error {
	// any leap indicator is fine here, servers announce leap seconds with it
	if !p.validVersionMode(modeServer, modeBroadcast) {
		return fmt.Errorf("%w: bad settings %#x", ErrInvalidResponse, p.Settings)
	}
	if p.LeapIndicator() == LeapNotInSync {
		return fmt.Errorf("%w: server is not synchronized", ErrInvalidResponse)
	}
	if p.Stratum == 0 || p.Stratum > maxStratum {
		return fmt.Errorf("%w: stratum %d", ErrInvalidResponse, p.Stratum)
	}
	if p.OrigTimeSec != req.TxTimeSec || p.OrigTimeFrac != req.TxTimeFrac {
		return fmt.Errorf("%w: origin timestamp mismatch", ErrInvalidResponse)
	}
	if p.TxTimeSec == 0 && p.TxTimeFrac == 0 {
		return fmt.Errorf("%w: zero transmit timestamp", ErrInvalidResponse)
	}
	return nil
}

// Bytes converts Packet to []bytes
func (p *Packet) Bytes() ([]byte, error) {
	var bytes bytes.Buffer
	err := binary.Write(&bytes, binary.BigEndian, p)
	return bytes.Bytes(), err
}

// BytesToPacket converts []bytes to Packet
func BytesToPacket(ntpPacketBytes []byte) (*Packet, error) {
	packet := &Packet{}
	reader := bytes.NewReader(ntpPacketBytes)
	err := binary.Read(reader, binary.BigEndian, packet)
	return packet, err
}

// ReadNTPPacket reads incoming NTP packet
func ReadNTPPacket(conn *net.UDPConn) (ntp *Packet, remAddr net.Addr, err error) {
	buf := make([]byte, PacketSizeBytes)
	_, remAddr, err = conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	ntp, err = BytesToPacket(buf)

	return ntp, remAddr, err
}

// EnableKernelTimestamps asks the kernel to attach SO_TIMESTAMPNS receive timestamps
func EnableKernelTimestamps(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// ReadPacketWithKernelTimestamp reads kernel timestamp from incoming packet.
// If no timestamp was attached the time of the read is returned instead.
func ReadPacketWithKernelTimestamp(conn *net.UDPConn) (ntp *Packet, kernelRxTime time.Time, remAddr net.Addr, err error) {
	buf := make([]byte, PacketSizeBytes)
	oob := make([]byte, ControlHeaderSizeBytes)

	// Receive message + control struct from the socket
	// https://linux.die.net/man/2/recvmsg
	// This is a low-level way of getting the message (NTP packet content)
	// Additionally we receive control headers, one of which is kernel timestamp
	n, oobn, _, sa, err := conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return nil, time.Time{}, nil, err
	}
	kernelRxTime = time.Now()
	if n < PacketSizeBytes {
		return nil, kernelRxTime, sa, fmt.Errorf("short ntp packet of %d bytes", n)
	}
	if ts, ok := rxTimestamp(oob[:oobn]); ok {
		kernelRxTime = ts
	}

	packet, err := BytesToPacket(buf)
	return packet, kernelRxTime, sa, err
}

// rxTimestamp extracts SCM_TIMESTAMPNS from control messages
func rxTimestamp(oob []byte) (time.Time, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}, false
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_TIMESTAMPNS {
			continue
		}
		if len(m.Data) < int(unsafe.Sizeof(unix.Timespec{})) {
			return time.Time{}, false
		}
		// Extract kernel timestamp from control fields
		ts := (*unix.Timespec)(unsafe.Pointer(&m.Data[0]))
		return time.Unix(ts.Unix()), true
	}
	return time.Time{}, false
}
