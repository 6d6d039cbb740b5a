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

package codec

import (
	"encoding/binary"

	"github.com/pion/opus"
	"github.com/pkg/errors"
)

// Opus frames carry 20 ms of audio in the SILK modes the pure Go decoder
// supports.
const opusFrameDurationMs = 20

// large enough for 20 ms of stereo s16 at 48 kHz
const opusScratchBytes = 48000 / 1000 * opusFrameDurationMs * 2 * 2

// OpusDecoder decodes Opus payloads with the pure Go pion decoder and
// converts the s16 output to float32. The decoder reports the bandwidth it
// actually decoded at, which may be below the negotiated stream rate.
type OpusDecoder struct {
	dec        opus.Decoder
	sampleRate uint32
	channels   uint8
	scratch    []byte
}

func NewOpusDecoder(sampleRate uint32, channels uint8) *OpusDecoder {
	return &OpusDecoder{
		dec:        opus.NewDecoder(),
		sampleRate: sampleRate,
		channels:   channels,
		scratch:    make([]byte, opusScratchBytes),
	}
}

func (d *OpusDecoder) SampleRate() uint32 {
	return d.sampleRate
}

func (d *OpusDecoder) Channels() uint8 {
	return d.channels
}

func (d *OpusDecoder) Decode(encoded []byte) ([]float32, error) {
	if len(encoded) == 0 {
		return nil, ErrEmptyPayload
	}

	bandwidth, isStereo, err := d.dec.Decode(encoded, d.scratch)
	if err != nil {
		return nil, errors.Wrap(err, "opus decode failed")
	}

	samplesPerChannel := bandwidth.SampleRate() / 1000 * opusFrameDurationMs
	numSamples := samplesPerChannel
	if isStereo {
		numSamples *= 2
	}
	if numSamples*2 > len(d.scratch) {
		numSamples = len(d.scratch) / 2
	}

	samples := make([]float32, numSamples)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(d.scratch[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}
