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

package dsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// tilePeriod repeats one waveform period so lag estimation sees an exactly
// periodic history.
func tilePeriod(period []float32, repeats int) []float32 {
	out := make([]float32, 0, len(period)*repeats)
	for i := 0; i < repeats; i++ {
		out = append(out, period...)
	}
	return out
}

func TestExpanderEstimatesPitchLag(t *testing.T) {
	e := NewExpander(ExpanderParams{SampleRate: 16000, Channels: 1})

	// 100Hz at 16kHz has a period of exactly 160 samples
	period := makeSine(160, 100, 16000, 0.5)
	e.UpdateHistory(tilePeriod(period, 4))

	output := make([]float32, 160)
	e.Process(output, ExpandPhaseStart)
	require.Equal(t, 160, e.lag)
}

func TestExpanderWithoutHistoryProducesNoiseFloor(t *testing.T) {
	e := NewExpander(ExpanderParams{SampleRate: 16000, Channels: 1})

	output := make([]float32, 160)
	e.Process(output, ExpandPhaseStart)
	require.Less(t, Energy(output), float32(1e-7))
}

func TestExpanderKeepsToneLevelThenFades(t *testing.T) {
	e := NewExpander(ExpanderParams{SampleRate: 16000, Channels: 1, FadeDurationMs: 200})

	period := makeSine(160, 100, 16000, 0.5)
	e.UpdateHistory(tilePeriod(period, 4))

	first := make([]float32, 160)
	e.Process(first, ExpandPhaseStart)
	require.Greater(t, Energy(first), float32(0.05))

	// 200ms of concealment is 20 frames, drive past that and the gain
	// bottoms out
	frame := make([]float32, 160)
	for i := 0; i < 21; i++ {
		e.Process(frame, ExpandPhaseContinue)
	}
	require.True(t, e.Faded())
	require.Less(t, Energy(frame), float32(1e-7))
}

func TestExpanderGainRecoversOnRealAudio(t *testing.T) {
	e := NewExpander(ExpanderParams{SampleRate: 16000, Channels: 1, FadeDurationMs: 200})

	period := makeSine(160, 100, 16000, 0.5)
	e.UpdateHistory(tilePeriod(period, 4))

	output := make([]float32, 160)
	e.Process(output, ExpandPhaseStart)
	for i := 0; i < 4; i++ {
		e.Process(output, ExpandPhaseContinue)
	}
	require.Less(t, e.MuteFactor(), float32(1.0))
	require.False(t, e.Faded())

	e.UpdateHistory(period)
	require.Equal(t, float32(1.0), e.MuteFactor())
	require.Zero(t, e.lag)
}

func TestExpanderContinuationFollowsEpisode(t *testing.T) {
	e := NewExpander(ExpanderParams{SampleRate: 16000, Channels: 1})

	period := makeSine(160, 100, 16000, 0.5)
	e.UpdateHistory(tilePeriod(period, 4))

	output := make([]float32, 160)
	e.Process(output, ExpandPhaseStart)

	cont := make([]float32, 48)
	e.Continuation(cont)
	require.Greater(t, Energy(cont), float32(0.05))

	// adjacent replayed samples stay close for a smooth tone
	require.InDelta(t, output[len(output)-1], cont[0], 0.05)
}

func TestExpanderContinuationWithoutEpisodeIsQuiet(t *testing.T) {
	e := NewExpander(ExpanderParams{SampleRate: 16000, Channels: 1})

	period := makeSine(160, 100, 16000, 0.5)
	e.UpdateHistory(tilePeriod(period, 4))

	cont := make([]float32, 48)
	e.Continuation(cont)
	require.Less(t, Energy(cont), float32(1e-7))
}

func TestExpanderStereoReplaysBothChannels(t *testing.T) {
	e := NewExpander(ExpanderParams{SampleRate: 16000, Channels: 2})

	mono := tilePeriod(makeSine(160, 100, 16000, 0.5), 4)
	e.UpdateHistory(interleaveScaled(mono, 0.5))

	output := make([]float32, 320)
	e.Process(output, ExpandPhaseStart)
	require.Greater(t, Energy(output), float32(0.05))
	for i := 0; i < len(output)/2; i++ {
		require.InDelta(t, 0.5*output[i*2], output[i*2+1], 1e-4)
	}
}

func TestExpanderReset(t *testing.T) {
	e := NewExpander(ExpanderParams{SampleRate: 16000, Channels: 1})

	period := makeSine(160, 100, 16000, 0.5)
	e.UpdateHistory(tilePeriod(period, 4))

	output := make([]float32, 160)
	e.Process(output, ExpandPhaseStart)
	require.NotZero(t, e.lag)

	e.Reset()
	require.Zero(t, e.lag)
	require.Empty(t, e.history)
	require.Equal(t, float32(1.0), e.MuteFactor())
}
