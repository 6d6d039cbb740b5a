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

package packet

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestSeqNewer(t *testing.T) {
	require.True(t, SeqNewer(101, 100))
	require.False(t, SeqNewer(100, 101))
	require.False(t, SeqNewer(100, 100))

	// wraparound
	require.True(t, SeqNewer(0, 65535))
	require.False(t, SeqNewer(65535, 0))
	require.True(t, SeqNewer(5, 65530))
}

func TestTimestampNewer(t *testing.T) {
	require.True(t, TimestampNewer(2000, 1000))
	require.False(t, TimestampNewer(1000, 2000))
	require.False(t, TimestampNewer(1000, 1000))

	// wraparound
	require.True(t, TimestampNewer(100, 0xffffff00))
	require.False(t, TimestampNewer(0xffffff00, 100))
}

func TestExpectedSamples(t *testing.T) {
	p := New(100, 1000, 12345, 96, make([]byte, 320), 16000, 1, 20)
	// 16000 Hz * 20ms = 320 samples
	require.Equal(t, 320, p.ExpectedSamples())

	stereo := New(100, 1000, 12345, 96, make([]byte, 640), 48000, 2, 10)
	require.Equal(t, 960, stereo.ExpectedSamples())
}

func TestPacketAge(t *testing.T) {
	p := New(100, 1000, 12345, 96, make([]byte, 160), 16000, 1, 20)
	p.ArrivalTime = time.Now().Add(-50 * time.Millisecond)

	require.True(t, p.Age() >= 50*time.Millisecond)
	require.True(t, p.IsOlderThan(20*time.Millisecond))
	require.False(t, p.IsOlderThan(time.Second))
}

func TestFromRTP(t *testing.T) {
	rp := &rtp.Packet{
		Header: rtp.Header{
			SequenceNumber: 42,
			Timestamp:      4242,
			SSRC:           7,
			PayloadType:    111,
			Marker:         true,
		},
		Payload: []byte{1, 2, 3},
	}
	p := FromRTP(rp, 48000, 2, 20)

	require.Equal(t, uint16(42), p.SequenceNumber)
	require.Equal(t, uint32(4242), p.Timestamp)
	require.Equal(t, uint32(7), p.SSRC)
	require.Equal(t, uint8(111), p.PayloadType)
	require.True(t, p.Marker)
	require.Equal(t, []byte{1, 2, 3}, p.Payload)
	require.Equal(t, uint32(48000), p.SampleRate)
	require.Equal(t, uint8(2), p.Channels)
}
