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

// Package dsp implements the sample domain pieces of adaptive playout:
// time stretching that speeds playout up or slows it down without a pitch
// shift, waveform extrapolation for concealment, and the correlation and
// crossfade primitives they share. Samples are float32 PCM in [-1, 1],
// interleaved when there is more than one channel.
package dsp

// BestNormalizedCorrelation slides a window of the given length over two
// equal length slices and returns the window start with the highest
// normalized correlation together with that correlation. Correlation is
// normalized by the larger per-sample energy of the two windows, so a
// perfect match scores 1 and an inverted match -1. An all zero window
// counts as a perfect match.
func BestNormalizedCorrelation(a, b []float32, length int) (int, float32) {
	var corr, energy float32
	bestPos := 0
	bestCorr := float32(-1.0)

	for i := 0; i < len(a); i++ {
		x := a[i]
		y := b[i]
		corr += x * y
		energy += max(x*x, y*y)

		if i+1 >= length {
			normalized := float32(1.0)
			if energy != 0 {
				normalized = corr / energy
			}

			start := i + 1 - length
			if normalized >= 1.0 {
				return start, 1.0
			}
			if normalized > bestCorr {
				bestCorr = normalized
				bestPos = start
			}

			oldX := a[start]
			oldY := b[start]
			corr -= oldX * oldY
			energy -= max(oldX*oldX, oldY*oldY)
		}
	}

	return bestPos, bestCorr
}

// Crossfade copies prev into out and linearly fades its last fadeLen
// samples into the head of next. prev and out must be the same length,
// next must hold at least fadeLen samples.
func Crossfade(prev, next []float32, fadeLen int, out []float32) {
	fadeStart := len(prev) - fadeLen
	copy(out[:fadeStart], prev[:fadeStart])

	for i := 0; i < fadeLen; i++ {
		fadeOut := 1.0 - float32(i)/float32(fadeLen)
		fadeIn := 1.0 - fadeOut
		out[fadeStart+i] = prev[fadeStart+i]*fadeOut + next[i]*fadeIn
	}
}

// CrossfadeFrames linearly fades between two interleaved regions over
// fadeFrames frames. All channels of a frame share one fade factor. out may
// alias next.
func CrossfadeFrames(prev, next []float32, fadeFrames, channels int, out []float32) {
	for i := 0; i < fadeFrames; i++ {
		fadeOut := 1.0 - float32(i)/float32(fadeFrames)
		fadeIn := 1.0 - fadeOut
		for c := 0; c < channels; c++ {
			idx := i*channels + c
			out[idx] = prev[idx]*fadeOut + next[idx]*fadeIn
		}
	}
}

// Energy returns the mean squared sample value.
func Energy(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float32
	for _, x := range samples {
		sum += x * x
	}
	return sum / float32(len(samples))
}
