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

package delay

import (
	"math"
)

// BufferLevelFilter smooths the raw buffer level so time stretch decisions
// do not oscillate. Large level jumps, a late joining stream or a burst
// flush, switch to a more responsive coefficient for one step. Not safe for
// concurrent use, it belongs to the playout side.
type BufferLevelFilter struct {
	filteredLevelSamples float64
	levelFactor          float64
	sampleRateHz         uint32
}

func NewBufferLevelFilter(sampleRateHz uint32) *BufferLevelFilter {
	return &BufferLevelFilter{
		levelFactor:  253.0 / 256.0,
		sampleRateHz: sampleRateHz,
	}
}

// Update filters the raw buffer size, then subtracts the samples added or
// removed by time stretching this tick so stretch output does not read as a
// network level change.
func (f *BufferLevelFilter) Update(bufferSizeSamples int, timeStretchedSamples int32) {
	bufferJump := math.Abs(float64(bufferSizeSamples) - f.filteredLevelSamples)

	// Below 100 samples the filter is still starting up and needs a much
	// larger jump before abandoning the slow coefficient.
	var jumpThreshold float64
	if f.filteredLevelSamples < 100 {
		jumpThreshold = math.Max(float64(bufferSizeSamples)*0.75, 3000)
	} else {
		jumpThreshold = math.Max(f.filteredLevelSamples*3, 1500)
	}

	effectiveFactor := f.levelFactor
	if bufferJump > jumpThreshold {
		effectiveFactor = 0.7
	}

	filteredLevel := effectiveFactor*f.filteredLevelSamples + (1-effectiveFactor)*float64(bufferSizeSamples)
	f.filteredLevelSamples = math.Max(filteredLevel-float64(timeStretchedSamples), 0)
}

// SetFilteredBufferLevel overwrites the filtered level, used after a flush.
func (f *BufferLevelFilter) SetFilteredBufferLevel(bufferSizeSamples int) {
	f.filteredLevelSamples = float64(bufferSizeSamples)
}

// FilteredCurrentLevel returns the filtered buffer level in samples.
func (f *BufferLevelFilter) FilteredCurrentLevel() int {
	return int(math.Max(f.filteredLevelSamples, 0))
}

// FilteredCurrentLevelMs returns the filtered buffer level in milliseconds.
func (f *BufferLevelFilter) FilteredCurrentLevelMs() uint32 {
	if f.sampleRateHz == 0 {
		return 0
	}
	return uint32(uint64(f.FilteredCurrentLevel()) * 1000 / uint64(f.sampleRateHz))
}

// SetTargetBufferLevel picks the filter coefficient for the given target.
// Higher targets tolerate more smoothing.
func (f *BufferLevelFilter) SetTargetBufferLevel(targetLevelMs uint32) {
	switch {
	case targetLevelMs <= 20:
		f.levelFactor = 251.0 / 256.0
	case targetLevelMs <= 60:
		f.levelFactor = 252.0 / 256.0
	case targetLevelMs <= 140:
		f.levelFactor = 253.0 / 256.0
	default:
		f.levelFactor = 254.0 / 256.0
	}
}

// TargetLevelSamples converts a target in milliseconds to samples.
func (f *BufferLevelFilter) TargetLevelSamples(targetLevelMs uint32) int {
	if f.sampleRateHz == 0 {
		return 0
	}
	return int(uint64(targetLevelMs) * uint64(f.sampleRateHz) / 1000)
}

func (f *BufferLevelFilter) SetSampleRate(sampleRateHz uint32) {
	f.sampleRateHz = sampleRateHz
}

// LevelFactor returns the current steady state coefficient.
func (f *BufferLevelFilter) LevelFactor() float64 {
	return f.levelFactor
}

func (f *BufferLevelFilter) Reset() {
	f.filteredLevelSamples = 0
	f.levelFactor = 253.0 / 256.0
}
