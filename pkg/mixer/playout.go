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

package mixer

import (
	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/neteq/codec"
	"github.com/livekit/neteq/pkg/neteq/packet"
)

// Playout produces one stream's audio, one frame at a time. InsertPacket is
// safe for concurrent use with GetAudio; GetAudio calls must not overlap.
type Playout interface {
	// InsertPacket accepts one arrived packet.
	InsertPacket(pkt *packet.Packet) error
	// GetAudio produces the next samplesPerChannel samples of playout.
	GetAudio(samplesPerChannel int) (*neteq.AudioFrame, error)
	// RegisterDecoder maps an RTP payload type to a decoder.
	RegisterDecoder(payloadType uint8, dec codec.Decoder)

	SampleRate() uint32
	Channels() uint8
	SamplesPerTick() int
	Stats() neteq.Stats
	Flush()
}

var (
	_ Playout = (*JitterBufferedPlayout)(nil)
	_ Playout = (*DirectPlayout)(nil)
)

// JitterBufferedPlayout plays a stream through the full adaptive engine:
// reordering, delay tracking, time stretching, and concealment. This is the
// strategy for audio arriving over a network.
type JitterBufferedPlayout struct {
	*neteq.NetEq
}

func NewJitterBufferedPlayout(config *neteq.Config, opts ...neteq.Option) (*JitterBufferedPlayout, error) {
	eng, err := neteq.New(config, opts...)
	if err != nil {
		return nil, err
	}
	return &JitterBufferedPlayout{NetEq: eng}, nil
}
