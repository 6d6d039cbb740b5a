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

// Result reports how a time stretch call went.
type Result int

const (
	// ResultNoStretch means the signal was passed through unchanged,
	// usually because the window was too short to stretch safely.
	ResultNoStretch Result = iota
	// ResultSuccess means samples were removed or added inside normal
	// energy audio.
	ResultSuccess
	// ResultSuccessLowEnergy means samples were removed or added inside a
	// low energy region, where the splice is close to inaudible.
	ResultSuccessLowEnergy
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultSuccessLowEnergy:
		return "success_low_energy"
	default:
		return "no_stretch"
	}
}

// Stretched reports whether the call changed the playout duration.
func (r Result) Stretched() bool {
	return r != ResultNoStretch
}

const minOverlapFrames = 32

// OverlapLength returns the crossfade window used by the stretchers and the
// expander, about 3ms with a floor of 32 frames.
func OverlapLength(sampleRate uint32) int {
	return max(int(float32(sampleRate)*0.003), minOverlapFrames)
}

// monoMix averages interleaved samples down to one channel. For mono input
// it returns the slice itself.
func monoMix(input []float32, channels int) []float32 {
	if channels <= 1 {
		return input
	}
	frames := len(input) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += input[base+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// longestLowEnergyRegion finds the longest run of input whose mean energy
// stays below threshold, using a rolling energy sum and a monotonic stack so
// the scan is linear. validate constrains candidate (start, length) pairs,
// letting the caller reject regions that would break the splice geometry.
// Returns the start index and length of the best region, (0, 0) when none
// qualifies.
func longestLowEnergyRegion(input []float32, threshold float32, validate func(start, length int) bool) (int, int) {
	rollingSum := make([]float32, len(input)+1)
	for i, x := range input {
		rollingSum[i+1] = rollingSum[i] + x*x - threshold
	}

	// Indices of a strictly increasing subsequence of rollingSum. Only
	// these can start a minimal-sum region.
	stack := make([]int, 0, len(rollingSum))
	for i, v := range rollingSum {
		if len(stack) == 0 || v > rollingSum[stack[len(stack)-1]] {
			stack = append(stack, i)
		}
	}

	maxLen := 0
	bestStart := 0
	for j := len(rollingSum) - 1; j >= 0; j-- {
		for len(stack) > 0 && stack[len(stack)-1] >= j {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			break
		}
		for si := len(stack) - 1; si >= 0; si-- {
			i := stack[si]
			if rollingSum[j] > rollingSum[i] {
				break
			}
			length := j - i
			if length > maxLen && validate(i, length) {
				maxLen = length
				bestStart = i
				stack = stack[:si]
			}
		}
	}

	return bestStart, maxLen
}
