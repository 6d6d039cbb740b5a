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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferLevelFilterStartsEmpty(t *testing.T) {
	f := NewBufferLevelFilter(16000)
	require.Equal(t, 0, f.FilteredCurrentLevel())
	require.EqualValues(t, 0, f.FilteredCurrentLevelMs())
}

func TestBufferLevelFilterSmoothsSmallChanges(t *testing.T) {
	f := NewBufferLevelFilter(16000)

	// From zero, 1000 raw samples pass only ~1.2% through the filter.
	f.Update(1000, 0)
	first := f.FilteredCurrentLevel()
	require.GreaterOrEqual(t, first, 10)
	require.LessOrEqual(t, first, 15)

	// 2000 is below the startup jump threshold, still conservative.
	f.Update(2000, 0)
	second := f.FilteredCurrentLevel()
	require.Greater(t, second, first)
	require.Less(t, second, 50)
}

func TestBufferLevelFilterLargeJumpResponds(t *testing.T) {
	f := NewBufferLevelFilter(48000)

	// 11000 from zero exceeds the startup threshold, one aggressive step
	// moves 30% of the way.
	f.Update(11000, 0)
	level := f.FilteredCurrentLevel()
	require.Greater(t, level, 3000)
	require.Less(t, level, 3500)
}

func TestBufferLevelFilterTimeStretchCompensation(t *testing.T) {
	f := NewBufferLevelFilter(16000)

	// Stretch removal larger than the filtered level clamps at zero.
	f.Update(1000, 100)
	require.Equal(t, 0, f.FilteredCurrentLevel())
}

func TestBufferLevelFilterCoefficientSelection(t *testing.T) {
	f := NewBufferLevelFilter(16000)

	f.SetTargetBufferLevel(15)
	require.InDelta(t, 251.0/256.0, f.LevelFactor(), 0.001)

	f.SetTargetBufferLevel(40)
	require.InDelta(t, 252.0/256.0, f.LevelFactor(), 0.001)

	f.SetTargetBufferLevel(100)
	require.InDelta(t, 253.0/256.0, f.LevelFactor(), 0.001)

	f.SetTargetBufferLevel(200)
	require.InDelta(t, 254.0/256.0, f.LevelFactor(), 0.001)
}

func TestBufferLevelFilterConversions(t *testing.T) {
	f := NewBufferLevelFilter(16000)

	require.Equal(t, 1600, f.TargetLevelSamples(100))

	f.SetFilteredBufferLevel(1600)
	require.Equal(t, 1600, f.FilteredCurrentLevel())
	require.EqualValues(t, 100, f.FilteredCurrentLevelMs())
}

func TestBufferLevelFilterReset(t *testing.T) {
	f := NewBufferLevelFilter(16000)
	f.SetTargetBufferLevel(200)
	f.Update(1000, 0)
	require.Greater(t, f.FilteredCurrentLevel(), 0)

	f.Reset()
	require.Equal(t, 0, f.FilteredCurrentLevel())
	require.InDelta(t, 253.0/256.0, f.LevelFactor(), 0.001)
}
