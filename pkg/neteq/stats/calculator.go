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

// Package stats collects jitter-buffer counters and rates. The Calculator is
// a pure observer: the engine and packet buffer report events into it, and
// snapshots are readable at any time without disturbing the playout path.
package stats

import (
	"sort"
	"sync"
	"time"
)

const waitingTimeWindow = 100 // packets retained for waiting-time percentiles

// Stretch identifies which time-scale operation produced or consumed samples.
type Stretch int

const (
	StretchAccelerate Stretch = iota
	StretchPreemptive
	StretchExpand
)

// NetworkStatistics is the windowed view of buffer health.
type NetworkStatistics struct {
	CurrentBufferSizeMs   uint16 `json:"current_buffer_size_ms"`
	PreferredBufferSizeMs uint16 `json:"preferred_buffer_size_ms"`
	// rates are Q14 fractions of total emitted samples
	ExpandRate     uint16 `json:"expand_rate"`
	PreemptiveRate uint16 `json:"preemptive_rate"`
	AccelerateRate uint16 `json:"accelerate_rate"`

	MeanWaitingTimeMs   int32 `json:"mean_waiting_time_ms"`
	MedianWaitingTimeMs int32 `json:"median_waiting_time_ms"`
	MinWaitingTimeMs    int32 `json:"min_waiting_time_ms"`
	MaxWaitingTimeMs    int32 `json:"max_waiting_time_ms"`

	ReorderedPackets     uint32 `json:"reordered_packets"`
	TotalPacketsReceived uint32 `json:"total_packets_received"`
	ReorderRatePermyriad uint16 `json:"reorder_rate_permyriad"`
	MaxReorderDistance   uint16 `json:"max_reorder_distance"`
}

// LifetimeStatistics are cumulative counters over the engine lifetime.
type LifetimeStatistics struct {
	TotalSamplesReceived           uint64 `json:"total_samples_received"`
	ConcealedSamples               uint64 `json:"concealed_samples"`
	SilentConcealedSamples         uint64 `json:"silent_concealed_samples"`
	ConcealmentEvents              uint64 `json:"concealment_events"`
	Underruns                      uint64 `json:"underruns"`
	JitterBufferDelayMs            uint64 `json:"jitter_buffer_delay_ms"`
	JitterBufferEmittedCount       uint64 `json:"jitter_buffer_emitted_count"`
	JitterBufferTargetDelayMs      uint64 `json:"jitter_buffer_target_delay_ms"`
	InsertedSamplesForDeceleration uint64 `json:"inserted_samples_for_deceleration"`
	RemovedSamplesForAcceleration  uint64 `json:"removed_samples_for_acceleration"`
	RelativePacketArrivalDelayMs   uint64 `json:"relative_packet_arrival_delay_ms"`
	JitterBufferPacketsReceived    uint64 `json:"jitter_buffer_packets_received"`
	BufferFlushes                  uint64 `json:"buffer_flushes"`
	LatePacketsDiscarded           uint64 `json:"late_packets_discarded"`
	DuplicatePacketsDiscarded      uint64 `json:"duplicate_packets_discarded"`
	StreamResets                   uint64 `json:"stream_resets"`
}

// OperationStatistics track internal decision-engine state for diagnostics.
type OperationStatistics struct {
	PreemptiveSamples       uint64 `json:"preemptive_samples"`
	AccelerateSamples       uint64 `json:"accelerate_samples"`
	PacketBufferFlushes     uint64 `json:"packet_buffer_flushes"`
	DiscardedPrimaryPackets uint64 `json:"discarded_primary_packets"`
	LastWaitingTimeMs       uint64 `json:"last_waiting_time_ms"`
	CurrentBufferSizeMs     uint64 `json:"current_buffer_size_ms"`
	CurrentFrameSizeMs      uint64 `json:"current_frame_size_ms"`
	NextPacketAvailable     bool   `json:"next_packet_available"`
}

// Calculator aggregates all statistics. Safe for concurrent use; every event
// method takes the internal lock briefly and never calls back out.
type Calculator struct {
	lock sync.Mutex

	network   NetworkStatistics
	lifetime  LifetimeStatistics
	operation OperationStatistics

	startTime    time.Time
	waitingTimes []int32

	totalOutputSamples   uint64
	totalExpandedSamples uint64
}

func NewCalculator() *Calculator {
	return &Calculator{
		startTime:    time.Now(),
		waitingTimes: make([]int32, 0, waitingTimeWindow),
	}
}

// UpdateBufferSize records the current and target buffer levels.
func (c *Calculator) UpdateBufferSize(currentMs, preferredMs uint16) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.network.CurrentBufferSizeMs = currentMs
	c.network.PreferredBufferSizeMs = preferredMs
	c.operation.CurrentBufferSizeMs = uint64(currentMs)
}

// PacketArrived records one accepted packet and its arrival delay estimate.
func (c *Calculator) PacketArrived(arrivalDelayMs int32) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.JitterBufferPacketsReceived++
	c.waitingTimes = append(c.waitingTimes, arrivalDelayMs)
	if len(c.waitingTimes) > waitingTimeWindow {
		c.waitingTimes = c.waitingTimes[1:]
	}
	c.updateWaitingTimeStats()
}

// SamplesReceived accounts decoded-payload samples carried by accepted packets.
func (c *Calculator) SamplesReceived(samples uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.TotalSamplesReceived += samples
}

// RelativeArrivalDelay accumulates the delay-tracker output for one packet.
func (c *Calculator) RelativeArrivalDelay(delayMs uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.RelativePacketArrivalDelayMs += delayMs
}

// FrameEmitted records one playout tick: how much audio left the buffer and
// what the target was at that moment. emittedSamples counts all channels.
func (c *Calculator) FrameEmitted(durationMs, emittedSamples, targetDelayMs uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.JitterBufferDelayMs += durationMs
	c.lifetime.JitterBufferEmittedCount += emittedSamples
	c.lifetime.JitterBufferTargetDelayMs += targetDelayMs
	c.totalOutputSamples += emittedSamples
	c.operation.CurrentFrameSizeMs = durationMs
}

// NextPacketAvailable mirrors whether the buffer had a packet ready when the
// last decision ran.
func (c *Calculator) NextPacketAvailable(available bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.operation.NextPacketAvailable = available
}

// ConcealmentEvent records a new concealment episode.
func (c *Calculator) ConcealmentEvent(concealedSamples uint64, silent bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.ConcealmentEvents++
	c.lifetime.ConcealedSamples += concealedSamples
	if silent {
		c.lifetime.SilentConcealedSamples += concealedSamples
	}
}

// ConcealedSamples adds samples to an episode already counted by
// ConcealmentEvent.
func (c *Calculator) ConcealedSamples(samples uint64, silent bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.ConcealedSamples += samples
	if silent {
		c.lifetime.SilentConcealedSamples += samples
	}
}

// Underrun records a starvation episode whose concealment budget ran out.
func (c *Calculator) Underrun() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.Underruns++
}

// TimeStretched records samples added or removed by a time-scale operation.
func (c *Calculator) TimeStretched(kind Stretch, samples uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch kind {
	case StretchAccelerate:
		c.lifetime.RemovedSamplesForAcceleration += samples
		c.operation.AccelerateSamples += samples
	case StretchPreemptive:
		c.lifetime.InsertedSamplesForDeceleration += samples
		c.operation.PreemptiveSamples += samples
	case StretchExpand:
		c.totalExpandedSamples += samples
	}
}

// BufferFlush records a full buffer flush.
func (c *Calculator) BufferFlush() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.BufferFlushes++
	c.operation.PacketBufferFlushes++
}

// StreamReset records a discontinuity-triggered epoch reset.
func (c *Calculator) StreamReset() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.StreamResets++
}

// PacketDiscarded records a dropped packet; late marks age-based drops.
func (c *Calculator) PacketDiscarded(late bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if late {
		c.lifetime.LatePacketsDiscarded++
	}
	c.operation.DiscardedPrimaryPackets++
}

// DuplicateDiscarded records a duplicate insert that was ignored.
func (c *Calculator) DuplicateDiscarded() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lifetime.DuplicatePacketsDiscarded++
	c.operation.DiscardedPrimaryPackets++
}

// PacketReordered records an out-of-order arrival and its displacement.
func (c *Calculator) PacketReordered(distance uint16) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.network.ReorderedPackets++
	c.network.TotalPacketsReceived++
	if distance > c.network.MaxReorderDistance {
		c.network.MaxReorderDistance = distance
	}
	c.updateReorderRate()
}

// PacketInOrder records an in-order arrival.
func (c *Calculator) PacketInOrder() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.network.TotalPacketsReceived++
	c.updateReorderRate()
}

// Network returns a copy of the network statistics with rates recomputed.
func (c *Calculator) Network() NetworkStatistics {
	c.lock.Lock()
	defer c.lock.Unlock()

	n := c.network
	if c.totalOutputSamples > 0 {
		total := float64(c.totalOutputSamples)
		n.AccelerateRate = Q14FromFloat(float64(c.lifetime.RemovedSamplesForAcceleration) / total)
		n.PreemptiveRate = Q14FromFloat(float64(c.lifetime.InsertedSamplesForDeceleration) / total)
		n.ExpandRate = Q14FromFloat(float64(c.totalExpandedSamples) / total)
	}
	return n
}

// Lifetime returns a copy of the lifetime counters.
func (c *Calculator) Lifetime() LifetimeStatistics {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.lifetime
}

// Operation returns a copy of the operation diagnostics.
func (c *Calculator) Operation() OperationStatistics {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.operation
}

func (c *Calculator) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Reset clears everything, keeping only the construction time.
func (c *Calculator) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.network = NetworkStatistics{}
	c.lifetime = LifetimeStatistics{}
	c.operation = OperationStatistics{}
	c.waitingTimes = c.waitingTimes[:0]
	c.totalOutputSamples = 0
	c.totalExpandedSamples = 0
}

func (c *Calculator) updateReorderRate() {
	if c.network.TotalPacketsReceived == 0 {
		return
	}
	rate := float64(c.network.ReorderedPackets) / float64(c.network.TotalPacketsReceived) * 10000.0
	c.network.ReorderRatePermyriad = uint16(rate)
}

func (c *Calculator) updateWaitingTimeStats() {
	if len(c.waitingTimes) == 0 {
		return
	}

	sorted := make([]int32, len(c.waitingTimes))
	copy(sorted, c.waitingTimes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	c.network.MinWaitingTimeMs = sorted[0]
	c.network.MaxWaitingTimeMs = sorted[len(sorted)-1]

	var sum int64
	for _, v := range sorted {
		sum += int64(v)
	}
	c.network.MeanWaitingTimeMs = int32(sum / int64(len(sorted)))
	c.network.MedianWaitingTimeMs = sorted[len(sorted)/2]

	c.operation.LastWaitingTimeMs = uint64(c.waitingTimes[len(c.waitingTimes)-1])
}
