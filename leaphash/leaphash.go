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

/*
Package leaphash computes the checksum of the NIST leap-seconds.list file.

The hash is SHA-1 over the digits of the update time (#$), the expiration
time (#@) and the first two columns of every data line, with all whitespace
and comments removed. It is printed as five 32-bit words in hex without
leading zeros, the same way the #h line of the file carries it.
*/
package leaphash

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strings"
)

// Compute returns the hash of leap-seconds.list content in #h line format
func Compute(data string) string {
	var sb strings.Builder
	for _, line := range strings.Split(data, "\n") {
		switch {
		case strings.HasPrefix(line, "#$"), strings.HasPrefix(line, "#@"):
			line = line[2:]
		case strings.HasPrefix(line, "#"):
			continue
		default:
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
		}
		for _, f := range strings.Fields(line) {
			sb.WriteString(f)
		}
	}
	h := sha1.Sum([]byte(sb.String()))
	words := make([]string, 0, sha1.Size/4)
	for i := 0; i < sha1.Size; i += 4 {
		words = append(words, fmt.Sprintf("%x", binary.BigEndian.Uint32(h[i:i+4])))
	}
	return strings.Join(words, " ")
}
