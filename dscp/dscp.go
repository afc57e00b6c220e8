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

// Package dscp marks outgoing packets with a DiffServ code point
package dscp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MaxDSCP is the largest valid code point
const MaxDSCP = 63

// Enable sets DSCP on the socket fd bound to localAddr
func Enable(fd int, localAddr net.IP, dscp int) error {
	if dscp < 0 || dscp > MaxDSCP {
		return fmt.Errorf("invalid DSCP %d, valid values are between 0-%d", dscp, MaxDSCP)
	}
	// DSCP is the upper 6 bits of TOS / traffic class
	tos := dscp << 2
	if localAddr.To4() != nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}

// EnableConn sets DSCP on the UDP connection
func EnableConn(conn *net.UDPConn, dscp int) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var ip net.IP
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		ip = addr.IP
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = Enable(int(fd), ip, dscp)
	}); err != nil {
		return err
	}
	return serr
}
