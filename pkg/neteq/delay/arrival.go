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
	"time"

	"github.com/gammazero/deque"

	"github.com/livekit/neteq/pkg/neteq/packet"
)

type packetDelay struct {
	iatDelayMs  int32
	arrivalTime time.Time
}

// arrivalDelayTracker measures how late packets arrive relative to their
// media timestamps. For each packet it compares the inter arrival time
// against the timestamp advance, keeps a short history of those deltas and
// sums them into a running relative delay. The running sum is clamped at
// zero, which moves the reference point forward whenever packets run early,
// so the tracker reacts to late tails and mostly ignores early arrivals.
type arrivalDelayTracker struct {
	maxHistoryMs uint32

	history         deque.Deque[packetDelay]
	newestTimestamp uint32
	lastTimestamp   uint32
	haveLast        bool
	lastPacketTime  time.Time
}

func newArrivalDelayTracker(maxHistoryMs uint32) *arrivalDelayTracker {
	t := &arrivalDelayTracker{
		maxHistoryMs: maxHistoryMs,
	}
	t.history.SetMinCapacity(7)
	return t
}

// update records one packet arrival and returns the current relative delay
// in milliseconds plus whether the packet arrived behind a newer one.
func (t *arrivalDelayTracker) update(timestamp uint32, sampleRate uint32, arrival time.Time) (int32, bool) {
	// Expected gap from the timestamp advance. A packet older than its
	// predecessor contributes zero, its full inter arrival time then counts
	// as delay.
	var expectedIatMs int64
	if t.haveLast && sampleRate > 0 && packet.TimestampNewer(timestamp, t.lastTimestamp) {
		expectedIatMs = int64(packet.TimestampDelta(timestamp, t.lastTimestamp)) * 1000 / int64(sampleRate)
	}

	var iatMs int64
	if !t.lastPacketTime.IsZero() {
		iatMs = arrival.Sub(t.lastPacketTime).Milliseconds()
	}

	iatDelayMs := int32(iatMs - expectedIatMs)
	t.lastPacketTime = arrival

	t.history.PushBack(packetDelay{iatDelayMs: iatDelayMs, arrivalTime: arrival})
	maxAge := time.Duration(t.maxHistoryMs) * time.Millisecond
	for t.history.Len() > 0 && arrival.Sub(t.history.Front().arrivalTime) > maxAge {
		t.history.PopFront()
	}

	relativeDelay := t.relativeDelay()

	if !t.haveLast || packet.TimestampNewer(timestamp, t.newestTimestamp) {
		t.newestTimestamp = timestamp
	}
	reordered := t.haveLast && t.newestTimestamp != timestamp

	t.lastTimestamp = timestamp
	t.haveLast = true

	return relativeDelay, reordered
}

func (t *arrivalDelayTracker) relativeDelay() int32 {
	if t.history.Len() < 2 {
		return 0
	}

	var relativeDelay int32
	for i := 0; i < t.history.Len(); i++ {
		relativeDelay += t.history.At(i).iatDelayMs
		if relativeDelay < 0 {
			relativeDelay = 0
		}
	}
	return relativeDelay
}

func (t *arrivalDelayTracker) reset() {
	t.history.Clear()
	t.newestTimestamp = 0
	t.lastTimestamp = 0
	t.haveLast = false
	t.lastPacketTime = time.Time{}
}
