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
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPCM16Decoder(t *testing.T) {
	d := NewPCM16Decoder(16000, 1)
	require.Equal(t, uint32(16000), d.SampleRate())
	require.Equal(t, uint8(1), d.Channels())

	encoded := make([]byte, 8)
	for i, s := range []int16{0, 16384, -16384, -32768} {
		binary.LittleEndian.PutUint16(encoded[i*2:], uint16(s))
	}

	samples, err := d.Decode(encoded)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	require.InDelta(t, 0.0, samples[0], 1e-6)
	require.InDelta(t, 0.5, samples[1], 1e-6)
	require.InDelta(t, -0.5, samples[2], 1e-6)
	require.InDelta(t, -1.0, samples[3], 1e-6)
}

func TestPCM16DecoderRejectsBadPayloads(t *testing.T) {
	d := NewPCM16Decoder(16000, 1)

	_, err := d.Decode(nil)
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = d.Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrOddPayloadLength)
}

func TestPCMFloatDecoder(t *testing.T) {
	d := NewPCMFloatDecoder(48000, 2)
	require.Equal(t, uint32(48000), d.SampleRate())
	require.Equal(t, uint8(2), d.Channels())

	want := []float32{0.25, -0.75, 1.0}
	encoded := make([]byte, 4*len(want))
	for i, v := range want {
		binary.LittleEndian.PutUint32(encoded[i*4:], math.Float32bits(v))
	}

	samples, err := d.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, want, samples)
}

func TestPCMFloatDecoderRejectsBadPayloads(t *testing.T) {
	d := NewPCMFloatDecoder(48000, 1)

	_, err := d.Decode(nil)
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = d.Decode([]byte{1, 2, 3, 4, 5})
	require.ErrorIs(t, err, ErrBadPayloadAlign)
}

func TestOpusDecoderRejectsEmptyPayload(t *testing.T) {
	d := NewOpusDecoder(48000, 1)
	require.Equal(t, uint32(48000), d.SampleRate())
	require.Equal(t, uint8(1), d.Channels())

	_, err := d.Decode(nil)
	require.ErrorIs(t, err, ErrEmptyPayload)
}
