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

import "math"

const lowEnergyThreshold = 0.001

// Accelerate shortens audio so playout catches up with the buffer while
// pitch is preserved. It removes samples from the longest low energy region
// when one exists and crossfades over the seam; in fast mode it will also
// cut into normal energy audio when that removes more.
//
// Removal decisions are made on a mono mix and applied to every channel, so
// frame alignment survives multichannel input.
type Accelerate struct {
	overlapLength    int
	usedInputSamples int
}

func NewAccelerate(sampleRate uint32) *Accelerate {
	return &Accelerate{overlapLength: OverlapLength(sampleRate)}
}

// Process shortens input into output. Both are interleaved; output must be
// shorter than input for any samples to come out. fastMode trades splice
// quality for a guaranteed minimum removal. The number of input samples
// consumed is available from UsedInputSamples afterwards.
func (a *Accelerate) Process(input, output []float32, channels int, fastMode bool) Result {
	if channels <= 0 {
		channels = 1
	}
	inFrames := len(input) / channels
	outFrames := len(output) / channels

	if inFrames <= outFrames {
		copy(output[:inFrames*channels], input)
		a.usedInputSamples = inFrames * channels
		return ResultNoStretch
	}
	if outFrames < a.overlapLength*2 || inFrames-outFrames < a.overlapLength {
		// too short for a crossfade on both sides of the cut
		copy(output, input[:outFrames*channels])
		a.usedInputSamples = outFrames * channels
		return ResultNoStretch
	}

	mono := monoMix(input, channels)

	lowEnergyFactor := float32(0.2)
	if fastMode {
		lowEnergyFactor = 0.4
	}
	maxRemoveLowEnergy := a.maxFramesToRemove(inFrames, outFrames, lowEnergyFactor)
	maxRemoveHighEnergy := 0
	if fastMode {
		maxRemoveHighEnergy = a.maxFramesToRemove(inFrames, outFrames, 0.25)
	}

	bestPos, framesToRemove := a.findLowEnergyRemoval(mono, outFrames, maxRemoveLowEnergy)
	isLowEnergy := true

	if !fastMode && framesToRemove == 0 {
		copy(output, input[:outFrames*channels])
		a.usedInputSamples = outFrames * channels
		return ResultNoStretch
	}
	if fastMode && framesToRemove < maxRemoveHighEnergy {
		// not enough quiet audio, cut where the energy is lowest
		isLowEnergy = false
		framesToRemove = maxRemoveHighEnergy
		bestPos = a.findBestRemovalPoint(mono[:outFrames+framesToRemove], framesToRemove)
	}

	usable := input[:(outFrames+framesToRemove)*channels]
	copy(output[:bestPos*channels], usable[:bestPos*channels])
	CrossfadeFrames(
		usable[bestPos*channels:(bestPos+a.overlapLength)*channels],
		usable[(bestPos+framesToRemove)*channels:(bestPos+framesToRemove+a.overlapLength)*channels],
		a.overlapLength, channels,
		output[bestPos*channels:(bestPos+a.overlapLength)*channels],
	)
	copy(output[(bestPos+a.overlapLength)*channels:], usable[(bestPos+framesToRemove+a.overlapLength)*channels:])
	a.usedInputSamples = len(usable)

	if isLowEnergy {
		return ResultSuccessLowEnergy
	}
	return ResultSuccess
}

// UsedInputSamples returns how many input samples the last Process call
// consumed, counting all channels.
func (a *Accelerate) UsedInputSamples() int {
	return a.usedInputSamples
}

func (a *Accelerate) Reset() {
	a.usedInputSamples = 0
}

func (a *Accelerate) maxFramesToRemove(inFrames, outFrames int, factor float32) int {
	maxRemove := int(float32(outFrames) * factor)
	maxRemove = min(maxRemove, outFrames/2)
	maxRemove = min(maxRemove, inFrames-outFrames)
	return max(maxRemove, a.overlapLength)
}

// findLowEnergyRemoval locates the longest quiet region and decides how many
// frames inside it can go. Returns (0, 0) when the region is too short to
// hide the crossfade.
func (a *Accelerate) findLowEnergyRemoval(mono []float32, outFrames, maxRemove int) (int, int) {
	usable := mono[:outFrames+maxRemove]
	bestPos, bestLen := longestLowEnergyRegion(usable, lowEnergyThreshold, func(start, length int) bool {
		return start+min(max(length-a.overlapLength, 0), maxRemove) <= outFrames
	})
	framesToRemove := min(max(bestLen-a.overlapLength, 0), maxRemove)
	if framesToRemove < a.overlapLength {
		return 0, 0
	}
	return bestPos, framesToRemove
}

// findBestRemovalPoint scans for the removal window with the lowest energy,
// stepping by half an overlap so the search stays cheap.
func (a *Accelerate) findBestRemovalPoint(mono []float32, removalLength int) int {
	bestPosition := len(mono) / 3
	lowestEnergy := float32(math.MaxFloat32)

	searchEnd := len(mono) - removalLength - a.overlapLength
	step := max(a.overlapLength/2, 1)
	for pos := a.overlapLength; pos < searchEnd; pos += step {
		end := min(pos+removalLength, len(mono))
		if e := Energy(mono[pos:end]); e < lowestEnergy {
			lowestEnergy = e
			bestPosition = pos
		}
	}
	return bestPosition
}
