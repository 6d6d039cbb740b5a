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

func histogramSum(h *Histogram) int64 {
	var sum int64
	for _, b := range h.buckets {
		sum += int64(b)
	}
	return sum
}

func TestHistogramResetDistribution(t *testing.T) {
	h := NewHistogram(8, 0.5, 0)
	h.Reset()

	sum := histogramSum(h)
	expected := int64(1) << 30
	diff := expected - sum
	if diff < 0 {
		diff = -diff
	}
	require.LessOrEqual(t, diff, expected/100, "reset distribution should sum to ~1 in Q30")
	require.EqualValues(t, 0, h.AddCount())
}

func TestHistogramMassConservation(t *testing.T) {
	h := NewHistogram(100, 0.9993, 2.0)

	for i := 0; i < 50; i++ {
		h.Add(i % 7)
		require.EqualValues(t, int64(1)<<30, histogramSum(h), "bucket mass must stay exactly 1 in Q30")
	}
	require.EqualValues(t, 50, h.AddCount())
}

func TestHistogramQuantileTracksMass(t *testing.T) {
	h := NewHistogram(4, 0.5, 0)
	h.Reset()

	for i := 0; i < 10; i++ {
		h.Add(0)
	}
	require.LessOrEqual(t, h.Quantile(0.5), 1)
}

func TestHistogramSingleBucketQuantile(t *testing.T) {
	// First add after construction carries full weight, so the quantile
	// lands exactly on the added bucket.
	h := NewHistogram(100, 0.9993, 2.0)
	h.Add(5)

	require.Equal(t, 5, h.Quantile(0.97))
	require.Equal(t, 5, h.Quantile(0.5))
}

func TestHistogramForgetFactorRamp(t *testing.T) {
	h := NewHistogram(100, 0.9993, 2.0)
	base := int32(floatToQ(0.9993, 15))

	h.Add(0)
	require.EqualValues(t, 0, h.forgetFactor, "first add should carry full weight")

	h.Add(0)
	require.EqualValues(t, 10923, h.forgetFactor)

	prev := h.forgetFactor
	for i := 0; i < 50; i++ {
		h.Add(0)
		require.GreaterOrEqual(t, h.forgetFactor, prev)
		require.LessOrEqual(t, h.forgetFactor, base)
		prev = h.forgetFactor
	}
}

func TestHistogramResetRestartsRamp(t *testing.T) {
	h := NewHistogram(100, 0.9993, 2.0)
	for i := 0; i < 10; i++ {
		h.Add(3)
	}
	require.NotEqualValues(t, 0, h.forgetFactor)

	h.Reset()
	require.EqualValues(t, 0, h.forgetFactor)
	require.EqualValues(t, 0, h.AddCount())

	h.Add(7)
	require.Equal(t, 7, h.Quantile(0.97))
}
