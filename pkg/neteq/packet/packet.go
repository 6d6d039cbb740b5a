// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package packet holds the arrived-media value type and the ordered,
// bounded jitter buffer that stores packets until playout consumes them.
package packet

import (
	"time"

	"github.com/pion/rtp"
)

// Packet is one arrived audio packet. Immutable once constructed; owned by
// the Buffer from insert until it is popped or evicted.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	PayloadType    uint8
	Marker         bool
	Payload        []byte

	ArrivalTime time.Time
	SampleRate  uint32
	Channels    uint8
	DurationMs  uint32
}

// New constructs a Packet from explicit header fields. ArrivalTime is set to
// now; callers replaying captures may overwrite it before insertion.
func New(seq uint16, timestamp uint32, ssrc uint32, payloadType uint8, payload []byte, sampleRate uint32, channels uint8, durationMs uint32) *Packet {
	return &Packet{
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           ssrc,
		PayloadType:    payloadType,
		Payload:        payload,
		ArrivalTime:    time.Now(),
		SampleRate:     sampleRate,
		Channels:       channels,
		DurationMs:     durationMs,
	}
}

// FromRTP adapts a parsed RTP packet. The payload slice is referenced, not
// copied; callers that reuse read buffers must copy first.
func FromRTP(p *rtp.Packet, sampleRate uint32, channels uint8, durationMs uint32) *Packet {
	return &Packet{
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
		PayloadType:    p.PayloadType,
		Marker:         p.Marker,
		Payload:        p.Payload,
		ArrivalTime:    time.Now(),
		SampleRate:     sampleRate,
		Channels:       channels,
		DurationMs:     durationMs,
	}
}

// ExpectedSamples returns the total sample count this packet should decode
// to, across all channels.
func (p *Packet) ExpectedSamples() int {
	return int(uint64(p.SampleRate)*uint64(p.DurationMs)/1000) * int(p.Channels)
}

func (p *Packet) Age() time.Duration {
	return time.Since(p.ArrivalTime)
}

func (p *Packet) IsOlderThan(maxAge time.Duration) bool {
	return p.Age() > maxAge
}

// SeqNewer reports whether sequence number a is newer than b, tolerating
// wraparound. Equal values are not newer.
func SeqNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}

// TimestampNewer reports whether timestamp a is newer than b, tolerating
// wraparound.
func TimestampNewer(a, b uint32) bool {
	return a != b && a-b < 0x80000000
}

// TimestampDelta returns a-b in media clock units, tolerating wraparound.
func TimestampDelta(a, b uint32) uint32 {
	return a - b
}
