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

// Package delay estimates how much buffering the network conditions require.
// It tracks relative packet arrival delays in a leaky histogram and derives a
// target buffer level from a configured quantile of that distribution.
package delay

import (
	"math"
)

// Histogram is a probability distribution over delay buckets. Bucket values
// are Q30 fixed point and sum to 1 << 30. Each Add leaks all buckets by a
// Q15 forget factor before placing the remaining mass on the new sample, so
// old observations fade out exponentially.
type Histogram struct {
	buckets          []int32
	forgetFactor     int32
	baseForgetFactor int32
	addCount         uint32
	// startForgetWeight > 0 ramps the forget factor up from zero so the
	// first observations dominate quickly after a reset.
	startForgetWeight float64
}

// NewHistogram creates a histogram with numBuckets buckets. baseForgetFactor
// is the steady state leak per Add in [0, 1). startForgetWeight <= 0 disables
// the startup ramp.
func NewHistogram(numBuckets int, baseForgetFactor float64, startForgetWeight float64) *Histogram {
	return &Histogram{
		buckets:           make([]int32, numBuckets),
		baseForgetFactor:  int32(floatToQ(baseForgetFactor, 15)),
		startForgetWeight: startForgetWeight,
	}
}

// Add records an observation in the given bucket.
func (h *Histogram) Add(value int) {
	var vectorSum int64
	for i := range h.buckets {
		tmp := (int64(h.buckets[i]) * int64(h.forgetFactor)) >> 15
		h.buckets[i] = int32(tmp)
		vectorSum += tmp
	}

	addAmount := ((1 << 15) - int64(h.forgetFactor)) << 15
	h.buckets[value] = int32(int64(h.buckets[value]) + addAmount)
	vectorSum += addAmount

	// The bucket values must keep summing to exactly 1 in Q30. Spread the
	// rounding error over the early buckets, at most 1/16 of each.
	vectorSum -= 1 << 30
	if vectorSum != 0 {
		flipSign := int64(1)
		if vectorSum > 0 {
			flipSign = -1
		}
		for i := range h.buckets {
			absSum := vectorSum
			if absSum < 0 {
				absSum = -absSum
			}
			correction := min(absSum, int64(h.buckets[i])>>4)
			if correction < 0 {
				correction = 0
			}
			correction *= flipSign
			h.buckets[i] = int32(int64(h.buckets[i]) + correction)
			vectorSum += correction
			if vectorSum == 0 {
				break
			}
		}
	}

	h.addCount++

	if h.startForgetWeight > 0 {
		// Ramp the forget factor so the effective weight on a new sample
		// is never smaller than the weight on the old ones.
		if h.forgetFactor != h.baseForgetFactor {
			forget := math.Round((1 << 15) * (1.0 - h.startForgetWeight/float64(h.addCount+1)))
			f := int32(forget)
			if f > h.baseForgetFactor {
				f = h.baseForgetFactor
			}
			if f < 0 {
				f = 0
			}
			h.forgetFactor = f
		}
	} else {
		h.forgetFactor += (h.baseForgetFactor - h.forgetFactor + 3) >> 2
	}
}

// Quantile returns the smallest bucket index whose reverse cumulative
// probability reaches the given probability in [0, 1].
func (h *Histogram) Quantile(probability float64) int {
	inverseProbability := (1 << 30) - floatToQ(probability, 30)

	index := 0
	sum := int64(1 << 30)
	sum -= int64(h.buckets[0])
	for sum > inverseProbability && index < len(h.buckets)-1 {
		index++
		sum -= int64(h.buckets[index])
	}
	return index
}

// Reset replaces the distribution with an exponentially decaying prior,
// buckets[i] = 0.5^(i+1), and restarts the forget factor ramp.
func (h *Histogram) Reset() {
	// 0x4002 is slightly more than 1 in Q14 so the halved series sums as
	// close to 1 as possible.
	tempProb := uint32(0x4002)
	for i := range h.buckets {
		tempProb >>= 1
		h.buckets[i] = int32(tempProb << 16)
	}
	h.forgetFactor = 0
	h.addCount = 0
}

// NumBuckets returns the number of buckets.
func (h *Histogram) NumBuckets() int {
	return len(h.buckets)
}

// AddCount returns how many observations were added since construction or
// the last Reset.
func (h *Histogram) AddCount() uint32 {
	return h.addCount
}

func floatToQ(v float64, q uint) int64 {
	return int64(math.Round(v * float64(int64(1)<<q)))
}
