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

package neteq

// SpeechType classifies what a frame contains.
type SpeechType int

const (
	// SpeechTypeNormal is decoded stream audio.
	SpeechTypeNormal SpeechType = iota
	// SpeechTypeCNG is comfort noise.
	SpeechTypeCNG
	// SpeechTypeExpand is concealment audio.
	SpeechTypeExpand
)

func (s SpeechType) String() string {
	switch s {
	case SpeechTypeNormal:
		return "normal"
	case SpeechTypeCNG:
		return "cng"
	case SpeechTypeExpand:
		return "expand"
	default:
		return "unknown"
	}
}

// AudioFrame is one tick of playout audio.
type AudioFrame struct {
	// Samples holds interleaved PCM for all channels.
	Samples           []float32
	SampleRate        uint32
	Channels          uint8
	SamplesPerChannel int
	SpeechType        SpeechType
	VADActivity       bool
	// Timestamp is the playout position of the first sample, in media clock
	// units. Advances by the emitted sample count each tick, wrapping.
	Timestamp uint32
}

func NewAudioFrame(sampleRate uint32, channels uint8, samplesPerChannel int) *AudioFrame {
	return &AudioFrame{
		Samples:           make([]float32, samplesPerChannel*int(channels)),
		SampleRate:        sampleRate,
		Channels:          channels,
		SamplesPerChannel: samplesPerChannel,
	}
}

func (f *AudioFrame) DurationMs() uint32 {
	if f.SampleRate == 0 {
		return 0
	}
	return uint32(f.SamplesPerChannel) * 1000 / f.SampleRate
}
