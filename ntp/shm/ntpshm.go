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

package shm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// SHMKEY is a key of the first NTPD SHM segment
// http://doc.ntp.org/current-stable/drivers/driver28.html
const SHMKEY = 0x4e545030

// IPCCREAT create if key is nonexistent
// https://man7.org/linux/man-pages/man0/sys_ipc.h.0p.html
const IPCCREAT = 00001000

// NTPSHMSize is a size of NTPSHM struct
const NTPSHMSize = 96

// byte offsets of the fields the reader touches in place
const (
	countOffset = 4
	validOffset = 48
)

// leap indicator values used by refclock writers
const (
	LeapNoWarning = 0
	LeapAddSecond = 1
	LeapDelSecond = 2
	LeapNotInSync = 3
)

// ErrNotReady is returned when the segment holds no fresh sample
var ErrNotReady = errors.New("shm: no valid sample")

// ErrBusy is returned when the writer updated the segment while we read it
var ErrBusy = errors.New("shm: segment updated during read")

// NTPSHM Declaration of the SHM segment from ntp (ntpd/refclock_shm.c)
// with the padding a 64-bit time_t introduces
type NTPSHM struct {
	Mode                 int32
	Count                int32
	ClockTimeStampSec    int64
	ClockTimeStampUSec   int32
	_                    int32
	ReceiveTimeStampSec  int64
	ReceiveTimeStampUSec int32
	Leap                 int32
	Precision            int32
	Nsamples             int32
	Valid                int32
	ClockTimeStampNSec   uint32
	ReceiveTimeStampNSec uint32
	Dummy                [8]int32
	_                    int32
}

// Unmarshal decodes a raw segment
func Unmarshal(b []byte) (*NTPSHM, error) {
	if len(b) < NTPSHMSize {
		return nil, fmt.Errorf("shm: short segment of %d bytes", len(b))
	}
	s := &NTPSHM{}
	if err := binary.Read(bytes.NewReader(b[:NTPSHMSize]), binary.NativeEndian, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ClockTimeStamp returns the clock time
func (n *NTPSHM) ClockTimeStamp() time.Time {
	if n.Mode == 0 {
		return time.Unix(n.ClockTimeStampSec, int64(n.ClockTimeStampUSec)*1000)
	}
	return time.Unix(n.ClockTimeStampSec, int64(n.ClockTimeStampNSec))
}

// ReceiveTimeStamp returns the receive time
func (n *NTPSHM) ReceiveTimeStamp() time.Time {
	if n.Mode == 0 {
		return time.Unix(n.ReceiveTimeStampSec, int64(n.ReceiveTimeStampUSec)*1000)
	}
	return time.Unix(n.ReceiveTimeStampSec, int64(n.ReceiveTimeStampNSec))
}

// Offset returns reference minus local time in seconds
func (n *NTPSHM) Offset() float64 {
	return n.ClockTimeStamp().Sub(n.ReceiveTimeStamp()).Seconds()
}

// Segment is an attached SHM refclock unit
type Segment struct {
	unit int
	data []byte
}

// Attach creates (if needed) and attaches SHM unit. Units 0 and 1 are
// root-only as in ntpd, higher units are world writable.
func Attach(unit int) (*Segment, error) {
	perm := 0600
	if unit > 1 {
		perm = 0666
	}
	id, err := unix.SysvShmGet(SHMKEY+unit, NTPSHMSize, IPCCREAT|perm)
	if err != nil {
		return nil, fmt.Errorf("failed get shm unit %d: %w", unit, err)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to shm unit %d: %w", unit, err)
	}
	return &Segment{unit: unit, data: data}, nil
}

// Unit returns the SHM unit number
func (s *Segment) Unit() int {
	return s.unit
}

// Read returns a copy of the segment without consuming it
func (s *Segment) Read() (*NTPSHM, error) {
	return Unmarshal(s.data)
}

// Sample reads the segment and marks it consumed. The writer count is checked
// before and after the copy to detect a concurrent update.
func (s *Segment) Sample() (*NTPSHM, error) {
	return sample(s.data)
}

// Detach releases the mapping
func (s *Segment) Detach() error {
	if s.data == nil {
		return nil
	}
	err := unix.SysvShmDetach(s.data)
	s.data = nil
	return err
}

func sample(data []byte) (*NTPSHM, error) {
	if len(data) < NTPSHMSize {
		return nil, fmt.Errorf("shm: short segment of %d bytes", len(data))
	}
	if binary.NativeEndian.Uint32(data[validOffset:]) == 0 {
		return nil, ErrNotReady
	}
	count := binary.NativeEndian.Uint32(data[countOffset:])
	n, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if n.Mode == 1 && count != binary.NativeEndian.Uint32(data[countOffset:]) {
		return nil, ErrBusy
	}
	binary.NativeEndian.PutUint32(data[validOffset:], 0)
	return n, nil
}
