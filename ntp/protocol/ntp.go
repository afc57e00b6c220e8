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
Package protocol implements the NTPv4 packet and the RFC 5905 on-wire
arithmetic a client needs to turn one exchange into an offset and delay.
It provides quick and transparent translation between 48 bytes and
simply accessible struct.
*/
package protocol

import (
	"time"
)

// NanosecondsToUnix is the difference between NTP and Unix epoch in NS
const NanosecondsToUnix = int64(2208988800000000000)

// Time is converting Unix time to sec and frac NTP format
func Time(t time.Time) (seconds uint32, fracions uint32) {
	nsec := t.UnixNano() + NanosecondsToUnix
	sec := nsec / time.Second.Nanoseconds()
	return uint32(sec), uint32((nsec - sec*time.Second.Nanoseconds()) << 32 / time.Second.Nanoseconds())
}

// Unix is converting NTP seconds and fractions into Unix time
func Unix(seconds, fractions uint32) time.Time {
	secs := int64(seconds) - NanosecondsToUnix/time.Second.Nanoseconds()
	nanos := (int64(fractions) * time.Second.Nanoseconds()) >> 32 // convert fractional to nanos
	return time.Unix(secs, nanos)
}

// Short converts NTP short format (16.16 fixed point) into a duration
func Short(v uint32) time.Duration {
	return time.Duration((int64(v) * time.Second.Nanoseconds()) >> 16)
}

// Offset is the RFC 5905 clock offset theta = ((T2-T1) + (T3-T4)) / 2,
// positive when the server is ahead of the local clock.
// T1 client transmit, T2 server receive, T3 server transmit, T4 client receive.
func Offset(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime time.Time) time.Duration {
	forwardPath := serverReceiveTime.Sub(clientTransmitTime)
	returnPath := serverTransmitTime.Sub(clientReceiveTime)
	return (forwardPath + returnPath) / 2
}

// Delay is the RFC 5905 round-trip delay delta = (T4-T1) - (T3-T2).
// It can come out negative when clocks misbehave, callers clamp it.
func Delay(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime time.Time) time.Duration {
	return clientReceiveTime.Sub(clientTransmitTime) - serverTransmitTime.Sub(serverReceiveTime)
}
