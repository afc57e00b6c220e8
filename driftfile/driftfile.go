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

// Package driftfile keeps the clock frequency correction across restarts
// in the ntpd drift file format: a single number in PPM
package driftfile

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

// DefaultThreshold is the smallest frequency change worth a write, s/s
const DefaultThreshold = 1e-7

var (
	// ErrNoDrift means there is no drift file yet
	ErrNoDrift = errors.New("no drift file")
	// ErrLocked means another process holds the drift file
	ErrLocked = errors.New("drift file is locked by another process")
)

// File is a drift file on disk
type File struct {
	path      string
	threshold float64
	last      float64
	written   bool
}

// New returns drift file at path. threshold is in s/s
func New(path string, threshold float64) *File {
	return &File{path: path, threshold: threshold}
}

// Path returns drift file location
func (f *File) Path() string {
	return f.path
}

// Read parses drift file at path and returns frequency in s/s
func Read(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoDrift
		}
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("%s: empty drift file", path)
	}
	ppm, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if math.IsNaN(ppm) || math.IsInf(ppm, 0) {
		return 0, fmt.Errorf("%s: invalid frequency %q", path, fields[0])
	}
	return ppm / 1e6, nil
}

// Load reads the stored frequency in s/s
func (f *File) Load() (float64, error) {
	freq, err := Read(f.path)
	if err != nil {
		return 0, err
	}
	f.last = freq
	f.written = true
	return freq, nil
}

// Persist writes the frequency if it moved by at least the threshold since the
// last write. It reports whether the file was written
func (f *File) Persist(freq float64) (bool, error) {
	if f.written && math.Abs(freq-f.last) < f.threshold {
		return false, nil
	}
	if err := Write(f.path, freq); err != nil {
		return false, err
	}
	f.last = freq
	f.written = true
	return true, nil
}

// Write atomically replaces drift file at path with frequency in s/s
func Write(path string, freq float64) error {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warningf("failed to unlock %s: %v", lock.Path(), err)
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintf(tmp, "%.3f\n", freq*1e6); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	log.Debugf("wrote %.3f PPM to %s", freq*1e6, path)
	return nil
}
