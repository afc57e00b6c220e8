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

// Package leapsectz reads the leap second table of the system timezone
// database (the TZif "right/UTC" zone) and finds upcoming leap events
package leapsectz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// DefaultFile is the zone carrying leap second records
const DefaultFile = "/usr/share/zoneinfo/right/UTC"

// initialTAI is TAI-UTC before the first leap second of 1972
const initialTAI = 10

var (
	errBadData            = errors.New("malformed time zone information")
	errUnsupportedVersion = errors.New("unsupported version")
	// ErrNoLeapSeconds is returned when the zone has no leap second records
	ErrNoLeapSeconds = errors.New("no leap seconds information found")
)

// LeapSecond is a leap second record as stored in TZif files
type LeapSecond struct {
	Tleap uint64 // occurrence, seconds since epoch counting previous leap seconds
	Nleap int32  // total correction after this leap second
}

// Header represents file header structure. Fields names are copied from doc
type Header struct {
	IsUtcCnt uint32 // UT/local indicators
	IsStdCnt uint32 // standard/wall indicators
	LeapCnt  uint32 // leap second records
	TimeCnt  uint32 // transition times
	TypeCnt  uint32 // local time type records, never zero
	CharCnt  uint32 // octets of time zone designations
}

// Time returns the UTC instant right after the leap second, the start of the new day
func (l LeapSecond) Time() time.Time {
	return time.Unix(int64(l.Tleap-uint64(l.Nleap)+1), 0)
}

// Table is a list of leap seconds ordered by time
type Table []LeapSecond

// Parse returns the leap second table from srcfile. Pass "" to use DefaultFile
func Parse(srcfile string) (Table, error) {
	if srcfile == "" {
		srcfile = DefaultFile
	}
	f, err := os.Open(srcfile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parse(f)
}

// Sign returns +1 if i-th leap second is inserted and -1 if deleted
func (t Table) Sign(i int) int {
	var prev int32
	if i > 0 {
		prev = t[i-1].Nleap
	}
	if t[i].Nleap < prev {
		return -1
	}
	return 1
}

// Latest returns the last leap second which took effect before now
func (t Table) Latest(now time.Time) (LeapSecond, bool) {
	var res LeapSecond
	found := false
	for _, l := range t {
		if l.Time().After(now) {
			break
		}
		res = l
		found = true
	}
	return res, found
}

// Next returns the first leap second taking effect after the given time and its sign
func (t Table) Next(after time.Time) (LeapSecond, int, bool) {
	for i, l := range t {
		if l.Time().After(after) {
			return l, t.Sign(i), true
		}
	}
	return LeapSecond{}, 0, false
}

// TAI returns TAI-UTC in effect at the given time
func (t Table) TAI(at time.Time) int {
	l, ok := t.Latest(at)
	if !ok {
		return initialTAI
	}
	return initialTAI + int(l.Nleap)
}

// Next reads srcfile and returns the first leap second after the given time.
// Pass "" to use DefaultFile
func Next(srcfile string, after time.Time) (LeapSecond, int, error) {
	t, err := Parse(srcfile)
	if err != nil {
		return LeapSecond{}, 0, err
	}
	l, sign, ok := t.Next(after)
	if !ok {
		return LeapSecond{}, 0, fmt.Errorf("no leap second after %s: %w", after.Format(time.RFC3339), ErrNoLeapSeconds)
	}
	return l, sign, nil
}

// readHeader reads the magic, version byte with its padding and counts
func readHeader(r io.Reader) (byte, *Header, error) {
	var pre [20]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return 0, nil, errBadData
	}
	if string(pre[:4]) != "TZif" {
		return 0, nil, errBadData
	}
	version := pre[4]
	if version != 0 && version != '2' && version != '3' && version != '4' {
		return 0, nil, errUnsupportedVersion
	}
	hdr := &Header{}
	if err := binary.Read(r, binary.BigEndian, hdr); err != nil {
		return 0, nil, errBadData
	}
	return version, hdr, nil
}

func discard(r io.Reader, n int) error {
	if c, _ := io.CopyN(io.Discard, r, int64(n)); c != int64(n) {
		return errBadData
	}
	return nil
}

// parse reads the version 1 block, or for version 2 and later files skips it and
// reads the 64-bit block that follows
func parse(r io.Reader) (Table, error) {
	version, hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	timeSize := 4
	if version != 0 {
		// the v1 block is there for old readers only
		skip := int(hdr.TimeCnt)*5 + int(hdr.TypeCnt)*6 + int(hdr.CharCnt) +
			int(hdr.LeapCnt)*8 + int(hdr.IsUtcCnt) + int(hdr.IsStdCnt)
		if err := discard(r, skip); err != nil {
			return nil, err
		}
		if _, hdr, err = readHeader(r); err != nil {
			return nil, err
		}
		timeSize = 8
	}

	// transition times, their types, local time types and designations
	skip := int(hdr.TimeCnt)*(timeSize+1) + int(hdr.TypeCnt)*6 + int(hdr.CharCnt)
	if err := discard(r, skip); err != nil {
		return nil, err
	}

	ret := make(Table, 0, hdr.LeapCnt)
	for i := 0; i < int(hdr.LeapCnt); i++ {
		var l LeapSecond
		if timeSize == 4 {
			var rec [2]uint32
			if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
				return nil, errBadData
			}
			l.Tleap = uint64(rec[0])
			l.Nleap = int32(rec[1])
		} else if err := binary.Read(r, binary.BigEndian, &l); err != nil {
			return nil, errBadData
		}
		ret = append(ret, l)
	}
	if len(ret) == 0 {
		return nil, ErrNoLeapSeconds
	}
	return ret, nil
}

func writeBlock(w io.Writer, ver byte, ls Table, name string, wide bool) error {
	hdr := Header{
		IsUtcCnt: 1,
		IsStdCnt: 1,
		LeapCnt:  uint32(len(ls)),
		TypeCnt:  1,
		CharCnt:  uint32(len(name)),
	}
	b := new(bytes.Buffer)
	b.WriteString("TZif")
	b.WriteByte(ver)
	b.Write(make([]byte, 15))
	_ = binary.Write(b, binary.BigEndian, hdr)
	// no transitions, one mandatory local time type record, then the designation
	b.Write(make([]byte, 6))
	b.WriteString(name)
	for _, l := range ls {
		if wide {
			_ = binary.Write(b, binary.BigEndian, l)
		} else {
			_ = binary.Write(b, binary.BigEndian, [2]uint32{uint32(l.Tleap), uint32(l.Nleap)})
		}
	}
	// UT/local and standard/wall indicators
	b.Write([]byte{0, 0})
	_, err := w.Write(b.Bytes())
	return err
}

// Write dumps the table as a TZif file of version 0 or '2'
func Write(w io.Writer, ver byte, ls Table, name string) error {
	if ver != 0 && ver != '2' {
		return errUnsupportedVersion
	}
	if name == "" {
		name = "UTC"
	}
	zname := name + "\x00"
	if err := writeBlock(w, ver, ls, zname, false); err != nil {
		return err
	}
	if ver != '2' {
		return nil
	}
	if err := writeBlock(w, ver, ls, zname, true); err != nil {
		return err
	}
	// POSIX TZ footer
	_, err := io.WriteString(w, "\n"+name+"\n")
	return err
}
