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

// Package codec defines the decoder contract the playout engine consumes and
// ships implementations for raw PCM payloads, Opus, and RFC 3389 style
// comfort noise.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

var (
	ErrEmptyPayload     = errors.New("payload is empty")
	ErrOddPayloadLength = errors.New("pcm16 payload length must be a multiple of 2")
	ErrBadPayloadAlign  = errors.New("float payload length must be a multiple of 4")
)

// Decoder turns one encoded payload into interleaved float32 PCM in [-1, 1].
// Implementations are not safe for concurrent use; the engine serializes
// calls on its consumer goroutine.
type Decoder interface {
	// SampleRate returns the rate of the decoded output in Hz.
	SampleRate() uint32
	// Channels returns the number of interleaved output channels.
	Channels() uint8
	// Decode decodes a single payload. The returned slice is owned by the
	// caller and holds Channels() interleaved channels.
	Decode(encoded []byte) ([]float32, error)
}

// Codec names as they appear in configuration and signaling.
const (
	NamePCM16    = "pcm16"
	NamePCMFloat = "pcmf32"
	NameOpus     = "opus"
	NameCNG      = "cng"
)

var ErrUnknownCodec = errors.New("unknown codec name")

// ByName constructs a decoder from its configuration name.
func ByName(name string, sampleRate uint32, channels uint8) (Decoder, error) {
	switch name {
	case NamePCM16:
		return NewPCM16Decoder(sampleRate, channels), nil
	case NamePCMFloat:
		return NewPCMFloatDecoder(sampleRate, channels), nil
	case NameOpus:
		return NewOpusDecoder(sampleRate, channels), nil
	case NameCNG:
		return NewCNGDecoder(sampleRate, channels), nil
	default:
		return nil, errors.Wrap(ErrUnknownCodec, name)
	}
}

// ------------------------------------------------

// PCM16Decoder passes through little-endian signed 16 bit PCM.
type PCM16Decoder struct {
	sampleRate uint32
	channels   uint8
}

func NewPCM16Decoder(sampleRate uint32, channels uint8) *PCM16Decoder {
	return &PCM16Decoder{
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (d *PCM16Decoder) SampleRate() uint32 {
	return d.sampleRate
}

func (d *PCM16Decoder) Channels() uint8 {
	return d.channels
}

func (d *PCM16Decoder) Decode(encoded []byte) ([]float32, error) {
	if len(encoded) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(encoded)%2 != 0 {
		return nil, ErrOddPayloadLength
	}

	samples := make([]float32, len(encoded)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(encoded[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}

// ------------------------------------------------

// PCMFloatDecoder passes through little-endian float32 PCM.
type PCMFloatDecoder struct {
	sampleRate uint32
	channels   uint8
}

func NewPCMFloatDecoder(sampleRate uint32, channels uint8) *PCMFloatDecoder {
	return &PCMFloatDecoder{
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (d *PCMFloatDecoder) SampleRate() uint32 {
	return d.sampleRate
}

func (d *PCMFloatDecoder) Channels() uint8 {
	return d.channels
}

func (d *PCMFloatDecoder) Decode(encoded []byte) ([]float32, error) {
	if len(encoded) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(encoded)%4 != 0 {
		return nil, ErrBadPayloadAlign
	}

	samples := make([]float32, len(encoded)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(encoded[i*4:]))
	}
	return samples, nil
}
