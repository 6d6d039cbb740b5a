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

// reorderOptimizer keeps a histogram of how late reordered packets arrive
// and picks the delay that balances added latency against the loss caused by
// playing on before a reordered packet shows up. One percent of loss is
// traded against msPerLossPercent milliseconds of delay.
type reorderOptimizer struct {
	histogram        *Histogram
	msPerLossPercent uint32
	optimalDelayMs   uint32
}

func newReorderOptimizer(forgetFactor float64, msPerLossPercent uint32, startForgetWeight float64) *reorderOptimizer {
	return &reorderOptimizer{
		histogram:        NewHistogram(delayBuckets, forgetFactor, startForgetWeight),
		msPerLossPercent: msPerLossPercent,
	}
}

func (r *reorderOptimizer) update(relativeDelayMs int32, reordered bool, baseDelayMs uint32) {
	// In order packets land in bucket zero so the distribution also learns
	// how rare reordering is.
	index := 0
	if reordered {
		index = int(relativeDelayMs) / bucketSizeMs
	}
	if index < r.histogram.NumBuckets() {
		r.histogram.Add(index)
	}

	minBucket := r.minimizeCost(baseDelayMs)
	r.optimalDelayMs = uint32(1+minBucket) * bucketSizeMs
}

// minimizeCost scans the buckets for the delay with the lowest combined cost
// of waiting beyond baseDelayMs and of losing the distribution tail beyond
// the candidate bucket.
func (r *reorderOptimizer) minimizeCost(baseDelayMs uint32) int {
	lossProbability := int64(1) << 30
	minCost := int64(math.MaxInt64)
	minBucket := 0
	for i, b := range r.histogram.buckets {
		lossProbability -= int64(b)
		delayMs := int64(i*bucketSizeMs) - int64(baseDelayMs)
		if delayMs < 0 {
			delayMs = 0
		}
		cost := (delayMs << 30) + 100*int64(r.msPerLossPercent)*lossProbability
		if cost < minCost {
			minCost = cost
			minBucket = i
		}
		if lossProbability <= 0 {
			break
		}
	}
	return minBucket
}

func (r *reorderOptimizer) reset() {
	r.histogram.Reset()
	r.optimalDelayMs = 0
}
