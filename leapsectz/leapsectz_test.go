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

package leapsectz

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseV0(t *testing.T) {
	byteData := []byte{
		'T', 'Z', 'i', 'f', // magic
		0x00, 0x00, 0x00, 0x00, // version
		0x00, 0x00, 0x00, 0x00, // pad
		0x00, 0x00, 0x00, 0x00, // pad
		0x00, 0x00, 0x00, 0x00, // pad
		0x00, 0x00, 0x00, 0x00, // UTC/local
		0x00, 0x00, 0x00, 0x00, // standard/wall
		0x00, 0x00, 0x00, 0x01, // leap
		0x00, 0x00, 0x00, 0x00, // transition
		0x00, 0x00, 0x00, 0x00, // local tz
		0x00, 0x00, 0x00, 0x00, // characters
		0x04, 0xb2, 0x58, 0x00, // leap time
		0x00, 0x00, 0x00, 0x01, // leap count
	}

	ls, err := parse(bytes.NewReader(byteData))
	require.NoError(t, err)
	require.Len(t, ls, 1)
	require.Equal(t, uint64(78796800), ls[0].Tleap)
	require.Equal(t, int32(1), ls[0].Nleap)
	// Saturday, July 1, 1972 12:00:00 AM
	require.Equal(t, time.Date(1972, 7, 1, 0, 0, 0, 0, time.UTC), ls[0].Time().UTC())
}

func TestParseBadData(t *testing.T) {
	_, err := parse(bytes.NewReader([]byte("TZxf")))
	require.ErrorIs(t, err, errBadData)

	_, err = parse(bytes.NewReader(append([]byte("TZif9"), make([]byte, 50)...)))
	require.ErrorIs(t, err, errUnsupportedVersion)
}

var testTable = Table{
	{Tleap: 78796800, Nleap: 1},
	{Tleap: 94694401, Nleap: 2},
	{Tleap: 126230402, Nleap: 3},
}

func TestWriteParse(t *testing.T) {
	for _, ver := range []byte{0, '2'} {
		b := new(bytes.Buffer)
		require.NoError(t, Write(b, ver, testTable, ""))
		ls, err := parse(b)
		require.NoError(t, err)
		require.Equal(t, testTable, ls)
	}
	require.ErrorIs(t, Write(new(bytes.Buffer), '3', testTable, ""), errUnsupportedVersion)
}

func TestNext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "UTC")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(f, '2', testTable, "UTC"))
	require.NoError(t, f.Close())

	l, sign, err := Next(path, time.Date(1972, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, sign)
	require.Equal(t, time.Date(1973, 1, 1, 0, 0, 0, 0, time.UTC), l.Time().UTC())

	_, _, err = Next(path, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, errors.Is(err, ErrNoLeapSeconds))
}

func TestTableLatestAndTAI(t *testing.T) {
	_, ok := testTable.Latest(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	require.False(t, ok)
	require.Equal(t, 10, testTable.TAI(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)))

	l, ok := testTable.Latest(time.Date(1973, 6, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, int32(2), l.Nleap)
	require.Equal(t, 12, testTable.TAI(time.Date(1973, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, 13, testTable.TAI(time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestTableSignNegative(t *testing.T) {
	table := Table{{Tleap: 78796800, Nleap: 1}, {Tleap: 94694400, Nleap: 0}}
	require.Equal(t, 1, table.Sign(0))
	require.Equal(t, -1, table.Sign(1))
}

func TestParseSystem(t *testing.T) {
	if _, err := os.Stat(DefaultFile); err != nil {
		t.Skipf("no %s: %v", DefaultFile, err)
	}
	ls, err := Parse("")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ls), 27)
	l, ok := ls.Latest(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), l.Time().UTC())
	require.Equal(t, 37, ls.TAI(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
}
