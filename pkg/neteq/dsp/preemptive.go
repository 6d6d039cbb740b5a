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

const (
	// Up to a fifth of the output window may be repeated material.
	preemptiveMaxAddRatio = 0.25
	// Input below this mean energy stretches near inaudibly.
	preemptiveLowEnergy = 0.01
)

// PreemptiveExpand lengthens audio so playout slows down while the buffer
// refills, again without a pitch shift. It repeats the input segment with
// the best waveform match and crossfades the seam, so the output stays
// periodic where the input was.
//
// Like Accelerate, match decisions are made on a mono mix and applied to
// every channel.
type PreemptiveExpand struct {
	overlapLength    int
	usedInputSamples int
}

func NewPreemptiveExpand(sampleRate uint32) *PreemptiveExpand {
	return &PreemptiveExpand{overlapLength: OverlapLength(sampleRate)}
}

// Process fills output from a prefix of input, repeating the best matching
// segment so that fewer input samples cover the whole window. The output
// window must span at least five overlap lengths for any repetition to
// happen; shorter windows pass through unchanged.
func (p *PreemptiveExpand) Process(input, output []float32, channels int) Result {
	if channels <= 0 {
		channels = 1
	}
	inFrames := len(input) / channels
	outFrames := len(output) / channels

	if inFrames < outFrames {
		copy(output[:inFrames*channels], input)
		p.usedInputSamples = inFrames * channels
		return ResultNoStretch
	}

	mono := monoMix(input, channels)
	isLowEnergy := Energy(mono) < preemptiveLowEnergy

	maxAddFrames := int(float32(outFrames) / (1 + 1/preemptiveMaxAddRatio))
	if maxAddFrames < p.overlapLength {
		copy(output, input[:outFrames*channels])
		p.usedInputSamples = outFrames * channels
		return ResultNoStretch
	}

	bestPos := 0
	bestAddFrames := 0
	bestCorr := float32(-1.0)
	for addFrames := p.overlapLength; addFrames < maxAddFrames; addFrames++ {
		correlationLen := outFrames - addFrames*2 - p.overlapLength
		pos, corr := BestNormalizedCorrelation(
			mono[addFrames:correlationLen+addFrames],
			mono[:correlationLen],
			p.overlapLength,
		)
		if corr > bestCorr {
			bestCorr = corr
			bestPos = addFrames + pos
			bestAddFrames = addFrames
		}
	}

	usable := input[:(outFrames-bestAddFrames)*channels]
	copy(output[:bestPos*channels], usable[:bestPos*channels])
	CrossfadeFrames(
		usable[bestPos*channels:(bestPos+p.overlapLength)*channels],
		usable[(bestPos-bestAddFrames)*channels:(bestPos-bestAddFrames+p.overlapLength)*channels],
		p.overlapLength, channels,
		output[bestPos*channels:(bestPos+p.overlapLength)*channels],
	)
	copy(output[(bestPos+p.overlapLength)*channels:], usable[(bestPos-bestAddFrames+p.overlapLength)*channels:])
	p.usedInputSamples = len(usable)

	if isLowEnergy {
		return ResultSuccessLowEnergy
	}
	return ResultSuccess
}

// UsedInputSamples returns how many input samples the last Process call
// consumed, counting all channels.
func (p *PreemptiveExpand) UsedInputSamples() int {
	return p.usedInputSamples
}

func (p *PreemptiveExpand) Reset() {
	p.usedInputSamples = 0
}
