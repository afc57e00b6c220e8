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

package leap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/facebook/ntpdisc/leaphash"
	"github.com/facebook/ntpdisc/leapsectz"
	ntp "github.com/facebook/ntpdisc/ntp/protocol"
)

// DefaultListFile is where distributions ship the IERS leap second list
const DefaultListFile = "/usr/share/zoneinfo/leap-seconds.list"

var (
	// ErrExpired means the leap second list is past its expiration date
	ErrExpired = errors.New("leap second list expired")
	// ErrBadHash means the #h checksum does not match the content
	ErrBadHash = errors.New("leap second list checksum mismatch")
	// ErrNoEntries means the list has no data lines
	ErrNoEntries = errors.New("leap second list has no entries")
)

// Entry is one data line: TAI-UTC in effect from the given UTC instant
type Entry struct {
	Start time.Time
	TAI   int
}

// List is the content of a leap-seconds.list file
type List struct {
	Updated time.Time
	Expires time.Time
	Hash    string
	Entries []Entry
}

func ntpSeconds(s string) (time.Time, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return time.Time{}, err
	}
	return ntp.Unix(uint32(v), 0).UTC(), nil
}

// ParseList parses leap-seconds.list content and verifies its checksum.
// A list without #h line is accepted as is
func ParseList(data []byte) (*List, error) {
	l := &List{}
	s := bufio.NewScanner(bytes.NewReader(data))
	lineno := 0
	for s.Scan() {
		lineno++
		line := s.Text()
		var err error
		switch {
		case strings.HasPrefix(line, "#$"):
			l.Updated, err = ntpSeconds(strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "#@"):
			l.Expires, err = ntpSeconds(strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "#h"):
			l.Hash = strings.Join(strings.Fields(line[2:]), " ")
		case strings.HasPrefix(line, "#"):
			continue
		default:
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: expected 2 fields, got %d", lineno, len(fields))
			}
			var e Entry
			if e.Start, err = ntpSeconds(fields[0]); err == nil {
				e.TAI, err = strconv.Atoi(fields[1])
			}
			l.Entries = append(l.Entries, e)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(l.Entries) == 0 {
		return nil, ErrNoEntries
	}
	if l.Hash != "" {
		if h := leaphash.Compute(string(data)); h != l.Hash {
			return nil, fmt.Errorf("%w: file has %q, computed %q", ErrBadHash, l.Hash, h)
		}
	}
	return l, nil
}

// ReadList reads and parses leap second list from path
func ReadList(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := ParseList(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return l, nil
}

// Expired tells if the list should not be trusted about future events any more
func (l *List) Expired(now time.Time) bool {
	return !l.Expires.IsZero() && now.After(l.Expires)
}

// TAI returns TAI-UTC in effect at the given time, 0 before the first entry
func (l *List) TAI(at time.Time) int {
	tai := 0
	for _, e := range l.Entries {
		if e.Start.After(at) {
			break
		}
		tai = e.TAI
	}
	return tai
}

// Next returns the first leap event after the given time
func (l *List) Next(after time.Time) (Event, bool) {
	for i := 1; i < len(l.Entries); i++ {
		e := l.Entries[i]
		if !e.Start.After(after) {
			continue
		}
		sign := 1
		if e.TAI < l.Entries[i-1].TAI {
			sign = -1
		}
		return Event{Effective: e.Start, Sign: sign}, true
	}
	return Event{}, false
}

// Source provides leap second information
type Source interface {
	// Next returns the first leap event after the given time and TAI-UTC in effect at that time
	Next(after time.Time) (*Event, int, error)
}

// ListSource reads leap-seconds.list on every call
type ListSource struct {
	Path string
}

// Next implements Source. Expired lists are still used, with ErrExpired logged by the caller
func (s *ListSource) Next(after time.Time) (*Event, int, error) {
	l, err := ReadList(s.Path)
	if err != nil {
		return nil, 0, err
	}
	tai := l.TAI(after)
	var expired error
	if l.Expired(after) {
		expired = fmt.Errorf("%s expired on %s: %w", s.Path, l.Expires.Format(time.DateOnly), ErrExpired)
	}
	e, ok := l.Next(after)
	if !ok {
		return nil, tai, expired
	}
	return &e, tai, expired
}

// TZSource reads leap seconds from the timezone database
type TZSource struct {
	Path string
}

// Next implements Source
func (s *TZSource) Next(after time.Time) (*Event, int, error) {
	t, err := leapsectz.Parse(s.Path)
	if err != nil {
		return nil, 0, err
	}
	tai := t.TAI(after)
	l, sign, ok := t.Next(after)
	if !ok {
		return nil, tai, nil
	}
	return &Event{Effective: l.Time().UTC(), Sign: sign}, tai, nil
}
