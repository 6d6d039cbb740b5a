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

package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConcealmentAccounting(t *testing.T) {
	c := NewCalculator()

	c.ConcealmentEvent(160, false)
	c.ConcealedSamples(160, false)
	c.ConcealedSamples(160, true)

	lt := c.Lifetime()
	require.Equal(t, uint64(1), lt.ConcealmentEvents)
	require.Equal(t, uint64(480), lt.ConcealedSamples)
	require.Equal(t, uint64(160), lt.SilentConcealedSamples)
}

func TestTimeStretchCounters(t *testing.T) {
	c := NewCalculator()

	c.TimeStretched(StretchAccelerate, 100)
	c.TimeStretched(StretchPreemptive, 40)
	c.TimeStretched(StretchExpand, 320)

	lt := c.Lifetime()
	require.Equal(t, uint64(100), lt.RemovedSamplesForAcceleration)
	require.Equal(t, uint64(40), lt.InsertedSamplesForDeceleration)

	op := c.Operation()
	require.Equal(t, uint64(100), op.AccelerateSamples)
	require.Equal(t, uint64(40), op.PreemptiveSamples)
}

func TestNetworkRatesAreQ14Fractions(t *testing.T) {
	c := NewCalculator()

	// 1000 samples emitted, 100 of them removed by accelerate and 250
	// synthesized by expand.
	c.FrameEmitted(10, 1000, 80)
	c.TimeStretched(StretchAccelerate, 100)
	c.TimeStretched(StretchExpand, 250)

	n := c.Network()
	require.Equal(t, Q14FromFloat(0.1), n.AccelerateRate)
	require.Equal(t, Q14FromFloat(0.25), n.ExpandRate)
	require.Zero(t, n.PreemptiveRate)
}

func TestReorderRate(t *testing.T) {
	c := NewCalculator()

	for i := 0; i < 9; i++ {
		c.PacketInOrder()
	}
	c.PacketReordered(3)

	n := c.Network()
	require.Equal(t, uint32(10), n.TotalPacketsReceived)
	require.Equal(t, uint32(1), n.ReorderedPackets)
	require.Equal(t, uint16(1000), n.ReorderRatePermyriad)
	require.Equal(t, uint16(3), n.MaxReorderDistance)
}

func TestWaitingTimePercentiles(t *testing.T) {
	c := NewCalculator()

	for _, d := range []int32{10, 30, 20, 50, 40} {
		c.PacketArrived(d)
	}

	n := c.Network()
	require.Equal(t, int32(10), n.MinWaitingTimeMs)
	require.Equal(t, int32(50), n.MaxWaitingTimeMs)
	require.Equal(t, int32(30), n.MeanWaitingTimeMs)
	require.Equal(t, int32(30), n.MedianWaitingTimeMs)
	require.Equal(t, uint64(5), c.Lifetime().JitterBufferPacketsReceived)
}

func TestWaitingTimeWindowSlides(t *testing.T) {
	c := NewCalculator()

	c.PacketArrived(1000)
	for i := 0; i < waitingTimeWindow; i++ {
		c.PacketArrived(10)
	}

	// The early outlier has been pushed out of the window.
	require.Equal(t, int32(10), c.Network().MaxWaitingTimeMs)
}

func TestResetClearsEverything(t *testing.T) {
	c := NewCalculator()

	c.PacketInOrder()
	c.ConcealmentEvent(160, false)
	c.BufferFlush()
	c.StreamReset()
	c.Reset()

	require.Zero(t, c.Network().TotalPacketsReceived)
	require.Zero(t, c.Lifetime().ConcealmentEvents)
	require.Zero(t, c.Lifetime().BufferFlushes)
	require.Zero(t, c.Operation().PacketBufferFlushes)
}

func TestConcurrentUpdates(t *testing.T) {
	c := NewCalculator()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.PacketInOrder()
				c.SamplesReceived(160)
				c.FrameEmitted(10, 160, 80)
				_ = c.Network()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint32(4000), c.Network().TotalPacketsReceived)
	require.Equal(t, uint64(4000*160), c.Lifetime().TotalSamplesReceived)
}
