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
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/neteq/codec"
	"github.com/livekit/neteq/pkg/neteq/packet"
)

const testSampleRate = 16000

func floatPayload(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// constPacket carries durationMs of mono audio at a constant sample value,
// encoded as raw float32 so the fallback decoder handles it.
func constPacket(seq uint16, ts uint32, durationMs uint32, value float32) *packet.Packet {
	samples := make([]float32, testSampleRate/1000*durationMs)
	for i := range samples {
		samples[i] = value
	}
	return packet.New(seq, ts, 0xfeedc0de, 96, floatPayload(samples), testSampleRate, 1, durationMs)
}

func pcm16Payload(value int16, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(value))
	}
	return buf
}

func newDirectPlayout(t *testing.T, params DirectPlayoutParams) *DirectPlayout {
	t.Helper()
	if params.SampleRate == 0 {
		params.SampleRate = testSampleRate
	}
	dp, err := NewDirectPlayout(params)
	require.NoError(t, err)
	return dp
}

// ------------------------------------------------

func TestDirectPlayoutPlaysInArrivalOrder(t *testing.T) {
	dp := newDirectPlayout(t, DirectPlayoutParams{})

	// Sequence numbers are deliberately reversed: direct playout plays in
	// arrival order, never reorders.
	require.NoError(t, dp.InsertPacket(constPacket(2, 160, 10, 0.2)))
	require.NoError(t, dp.InsertPacket(constPacket(1, 0, 10, 0.1)))
	require.Equal(t, uint32(20), dp.Stats().CurrentBufferSizeMs)

	frame, err := dp.GetAudio(160)
	require.NoError(t, err)
	require.Len(t, frame.Samples, 160)
	require.Equal(t, neteq.SpeechTypeNormal, frame.SpeechType)
	require.True(t, frame.VADActivity)
	require.Equal(t, uint32(0), frame.Timestamp)
	require.InDelta(t, 0.2, frame.Samples[0], 1e-6)
	require.InDelta(t, 0.2, frame.Samples[159], 1e-6)

	frame, err = dp.GetAudio(160)
	require.NoError(t, err)
	require.Equal(t, uint32(160), frame.Timestamp)
	require.InDelta(t, 0.1, frame.Samples[0], 1e-6)

	st := dp.Stats()
	require.Equal(t, uint32(0), st.CurrentBufferSizeMs)
	require.Equal(t, uint64(320), st.Lifetime.TotalSamplesReceived)
	require.Equal(t, "normal", st.LastOperation)
}

func TestDirectPlayoutPadsShortfallWithSilence(t *testing.T) {
	dp := newDirectPlayout(t, DirectPlayoutParams{})

	require.NoError(t, dp.InsertPacket(constPacket(1, 0, 10, 0.25)))

	// 10ms queued against a 20ms pull: half audio, half silence.
	frame, err := dp.GetAudio(320)
	require.NoError(t, err)
	require.Equal(t, neteq.SpeechTypeExpand, frame.SpeechType)
	require.True(t, frame.VADActivity)
	require.InDelta(t, 0.25, frame.Samples[0], 1e-6)
	require.InDelta(t, 0.25, frame.Samples[159], 1e-6)
	require.Zero(t, frame.Samples[160])
	require.Zero(t, frame.Samples[319])

	// Dry queue: pure silence, no voice activity.
	frame, err = dp.GetAudio(320)
	require.NoError(t, err)
	require.Equal(t, neteq.SpeechTypeExpand, frame.SpeechType)
	require.False(t, frame.VADActivity)
	for _, s := range frame.Samples {
		require.Zero(t, s)
	}

	// New audio ends the episode.
	require.NoError(t, dp.InsertPacket(constPacket(2, 160, 20, 0.5)))
	frame, err = dp.GetAudio(320)
	require.NoError(t, err)
	require.Equal(t, neteq.SpeechTypeNormal, frame.SpeechType)

	st := dp.Stats()
	require.Equal(t, uint64(1), st.Lifetime.ConcealmentEvents)
	require.Equal(t, uint64(480), st.Lifetime.ConcealedSamples)
	require.Equal(t, uint64(480), st.Lifetime.SilentConcealedSamples)
}

func TestDirectPlayoutShedsOldestWhenConsumerStalls(t *testing.T) {
	dp := newDirectPlayout(t, DirectPlayoutParams{MaxQueuedMs: 40})

	require.NoError(t, dp.InsertPacket(constPacket(1, 0, 20, 0.1)))
	require.NoError(t, dp.InsertPacket(constPacket(2, 320, 20, 0.2)))
	require.NoError(t, dp.InsertPacket(constPacket(3, 640, 20, 0.3)))

	st := dp.Stats()
	require.Equal(t, uint32(40), st.CurrentBufferSizeMs)
	require.Equal(t, uint64(1), st.Operations.DiscardedPrimaryPackets)

	// The first packet's audio was shed; playout resumes at the second.
	frame, err := dp.GetAudio(160)
	require.NoError(t, err)
	require.InDelta(t, 0.2, frame.Samples[0], 1e-6)

	dp.Flush()
	st = dp.Stats()
	require.Equal(t, uint32(0), st.CurrentBufferSizeMs)
	require.Equal(t, uint64(1), st.Lifetime.BufferFlushes)
}

func TestDirectPlayoutSkipsUndecodablePacket(t *testing.T) {
	dp := newDirectPlayout(t, DirectPlayoutParams{})
	dp.RegisterDecoder(96, codec.NewPCM16Decoder(testSampleRate, 1))

	bad := packet.New(1, 0, 0xfeedc0de, 96, []byte{1, 2, 3}, testSampleRate, 1, 10)
	require.NoError(t, dp.InsertPacket(bad))
	st := dp.Stats()
	require.Equal(t, uint32(0), st.CurrentBufferSizeMs)
	require.Zero(t, st.Lifetime.TotalSamplesReceived)

	good := packet.New(2, 160, 0xfeedc0de, 96, pcm16Payload(8192, 160), testSampleRate, 1, 10)
	require.NoError(t, dp.InsertPacket(good))
	frame, err := dp.GetAudio(160)
	require.NoError(t, err)
	require.InDelta(t, 0.25, frame.Samples[0], 1e-4)
	require.Equal(t, neteq.SpeechTypeNormal, frame.SpeechType)
}

func TestDirectPlayoutInputValidation(t *testing.T) {
	_, err := NewDirectPlayout(DirectPlayoutParams{SampleRate: 50})
	require.ErrorIs(t, err, neteq.ErrInvalidSampleRate)

	dp := newDirectPlayout(t, DirectPlayoutParams{})
	require.ErrorIs(t, dp.InsertPacket(nil), neteq.ErrNilPacket)
	_, err = dp.GetAudio(0)
	require.ErrorIs(t, err, neteq.ErrInvalidFrameSize)

	require.Equal(t, uint32(testSampleRate), dp.SampleRate())
	require.Equal(t, uint8(1), dp.Channels())
	require.Equal(t, 160, dp.SamplesPerTick())
}
