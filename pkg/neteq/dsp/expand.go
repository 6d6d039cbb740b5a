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

// ExpandPhase tells the expander where in a concealment episode a call
// falls, so it can seam the boundary against real audio.
type ExpandPhase int

const (
	// ExpandPhaseStart is the first concealment frame after real audio.
	// The output head is crossfaded from the tail of played out history.
	ExpandPhaseStart ExpandPhase = iota
	// ExpandPhaseContinue extends an ongoing episode.
	ExpandPhaseContinue
)

const (
	// Amplitude of the background noise mixed under faded concealment.
	noiseFloorAmplitude = 0.0001
	// Lag search bounds in Hz, covering the usual voice pitch range.
	maxPitchHz = 500
	minPitchHz = 50

	defaultExpandFadeMs = 200
)

type ExpanderParams struct {
	SampleRate uint32
	Channels   int
	// FadeDurationMs is how long continuous concealment takes to fade
	// fully down to the noise floor. Defaults to 200ms.
	FadeDurationMs uint32
}

// Expander conceals missing audio. It keeps a short history of played out
// samples, estimates the dominant pitch period when a gap starts and replays
// that period with a decaying gain, mixing in low level noise so long gaps
// land on a quiet noise floor instead of a frozen tone.
//
// The pitch lag is estimated on a mono mix and the same period is replayed
// on every channel.
type Expander struct {
	sampleRate uint32
	channels   int
	overlap    int // frames
	minLag     int // frames
	maxLag     int
	maxHistory int // frames

	history      []float32 // interleaved tail of real playout
	lag          int       // frames, 0 while no episode is active
	cyclePos     int       // read position inside the replayed period
	muteFactor   float32
	fadePerFrame float32
	rng          *Random
}

func NewExpander(params ExpanderParams) *Expander {
	channels := max(params.Channels, 1)
	fadeMs := params.FadeDurationMs
	if fadeMs == 0 {
		fadeMs = defaultExpandFadeMs
	}
	maxLag := int(params.SampleRate / minPitchHz)
	return &Expander{
		sampleRate:   params.SampleRate,
		channels:     channels,
		overlap:      OverlapLength(params.SampleRate),
		minLag:       int(params.SampleRate / maxPitchHz),
		maxLag:       maxLag,
		maxHistory:   maxLag * 2,
		muteFactor:   1,
		fadePerFrame: 1000.0 / (float32(params.SampleRate) * float32(fadeMs)),
		rng:          NewRandom(1),
	}
}

// UpdateHistory feeds played out real audio into the expander and ends any
// active concealment episode. samples are interleaved.
func (e *Expander) UpdateHistory(samples []float32) {
	e.history = append(e.history, samples...)
	if maxLen := e.maxHistory * e.channels; len(e.history) > maxLen {
		excess := len(e.history) - maxLen
		e.history = append(e.history[:0], e.history[excess:]...)
	}
	e.lag = 0
	e.cyclePos = 0
	e.muteFactor = 1
}

// Process fills output with concealment audio. On ExpandPhaseStart it picks
// a fresh pitch lag and crossfades from the history tail; on
// ExpandPhaseContinue it keeps replaying the period where the previous call
// stopped, so consecutive frames stay phase continuous.
func (e *Expander) Process(output []float32, phase ExpandPhase) {
	frames := len(output) / e.channels
	histFrames := len(e.history) / e.channels

	if histFrames < e.minLag {
		e.fillNoise(output)
		return
	}

	if phase == ExpandPhaseStart || e.lag == 0 {
		e.lag = e.estimateLag()
		e.cyclePos = 0
	}

	e.synthesize(output)

	if phase == ExpandPhaseStart {
		n := min(e.overlap, frames)
		tail := e.history[(histFrames-n)*e.channels:]
		CrossfadeFrames(tail, output[:n*e.channels], n, e.channels, output[:n*e.channels])
	}
}

// Continuation fills out with the samples concealment would have produced
// next. The engine crossfades these under the first decoded frame after an
// episode so the return to real audio has no step.
func (e *Expander) Continuation(out []float32) {
	if e.lag == 0 || len(e.history) < e.lag*e.channels {
		e.fillNoise(out)
		return
	}
	e.synthesize(out)
}

// MuteFactor returns the current concealment gain, 1 at episode start down
// to 0 once the fade duration has passed.
func (e *Expander) MuteFactor() float32 {
	return e.muteFactor
}

// Faded reports whether concealment has decayed all the way to the noise
// floor.
func (e *Expander) Faded() bool {
	return e.muteFactor <= 0
}

func (e *Expander) Reset() {
	e.history = e.history[:0]
	e.lag = 0
	e.cyclePos = 0
	e.muteFactor = 1
}

// synthesize replays the last lag frames of history with the decaying gain,
// noise filling in as the gain drops.
func (e *Expander) synthesize(output []float32) {
	frames := len(output) / e.channels
	histFrames := len(e.history) / e.channels
	base := histFrames - e.lag
	gain := e.muteFactor

	for i := 0; i < frames; i++ {
		src := (base + e.cyclePos) * e.channels
		dst := i * e.channels
		for c := 0; c < e.channels; c++ {
			noise := (e.rng.Float32() - 0.5) * noiseFloorAmplitude
			output[dst+c] = e.history[src+c]*gain + noise*(1-gain)
		}
		e.cyclePos++
		if e.cyclePos >= e.lag {
			e.cyclePos = 0
		}
		gain = max(gain-e.fadePerFrame, 0)
	}
	e.muteFactor = gain
}

func (e *Expander) fillNoise(output []float32) {
	frames := len(output) / e.channels
	gain := e.muteFactor
	for i := 0; i < frames; i++ {
		dst := i * e.channels
		for c := 0; c < e.channels; c++ {
			output[dst+c] = (e.rng.Float32() - 0.5) * noiseFloorAmplitude
		}
		gain = max(gain-e.fadePerFrame, 0)
	}
	e.muteFactor = gain
}

// estimateLag finds the period whose repetition best matches the most
// recent audio, comparing a two overlap window against itself shifted by
// each candidate lag.
func (e *Expander) estimateLag() int {
	mono := monoMix(e.history, e.channels)
	window := e.overlap * 2
	maxLag := e.maxLag
	if len(mono) < maxLag+window {
		maxLag = len(mono) - window
		if maxLag < e.minLag {
			return min(e.minLag, len(mono))
		}
	}

	target := mono[len(mono)-window:]
	bestLag := e.minLag
	bestCorr := float32(-2.0)
	for lag := e.minLag; lag <= maxLag; lag++ {
		candidate := mono[len(mono)-window-lag : len(mono)-lag]
		var corr, energy float32
		for i := 0; i < window; i++ {
			corr += target[i] * candidate[i]
			energy += max(target[i]*target[i], candidate[i]*candidate[i])
		}
		normalized := float32(1.0)
		if energy > 0 {
			normalized = corr / energy
		}
		if normalized > bestCorr {
			bestCorr = normalized
			bestLag = lag
		}
	}
	return bestLag
}
