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

package packet

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/neteq/stats"
)

// ReturnCode reports what an insert or flush did beyond storing the packet.
type ReturnCode int

const (
	ReturnOK ReturnCode = iota
	ReturnFlushed
	ReturnPartialFlush
	ReturnBufferEmpty
)

const defaultMaxPacketAge = 2 * time.Second

// SmartFlushParams bound how far the buffered span may exceed the target
// before insertion triggers a partial flush.
type SmartFlushParams struct {
	TargetLevelThresholdMs uint32 `yaml:"target_level_threshold_ms,omitempty"`
	TargetLevelMultiplier  uint32 `yaml:"target_level_multiplier,omitempty"`
}

func DefaultSmartFlushParams() SmartFlushParams {
	return SmartFlushParams{
		TargetLevelThresholdMs: 500,
		TargetLevelMultiplier:  3,
	}
}

type BufferParams struct {
	MaxPackets   int
	MaxPacketAge time.Duration
	SmartFlush   SmartFlushParams
	Logger       logger.Logger
}

// Buffer is the ordered jitter buffer. Packets are kept in ascending
// timestamp order; duplicates are rejected; stale and overflowing packets
// are evicted with the outcome counted. All methods are safe for concurrent
// use, and critical sections do ordering work only, never decoding.
type Buffer struct {
	lock    sync.Mutex
	params  BufferParams
	packets deque.Deque[*Packet]
	logger  logger.Logger
}

func NewBuffer(params BufferParams) *Buffer {
	if params.MaxPacketAge == 0 {
		params.MaxPacketAge = defaultMaxPacketAge
	}
	if params.SmartFlush.TargetLevelThresholdMs == 0 {
		params.SmartFlush = DefaultSmartFlushParams()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	b := &Buffer{
		params: params,
		logger: params.Logger.WithComponent("packetbuffer"),
	}
	b.packets.SetMinCapacity(7)
	return b
}

func (b *Buffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.packets.Len()
}

func (b *Buffer) Empty() bool {
	return b.Len() == 0
}

// Utilization returns buffer fill as a percentage of capacity.
func (b *Buffer) Utilization() float32 {
	b.lock.Lock()
	defer b.lock.Unlock()

	return float32(b.packets.Len()) / float32(b.params.MaxPackets) * 100.0
}

// Insert stores a packet in timestamp order. Stale packets are evicted
// first; a span grossly exceeding the target triggers a partial flush; at
// capacity a partial then full flush makes room. Duplicate packets are
// dropped and counted, never double-stored.
func (b *Buffer) Insert(pkt *Packet, calc *stats.Calculator, targetLevelMs uint32) ReturnCode {
	b.lock.Lock()
	defer b.lock.Unlock()

	code := ReturnOK

	b.discardOldLocked(calc)

	if b.shouldSmartFlushLocked(targetLevelMs) {
		if b.partialFlushLocked(targetLevelMs, calc) == ReturnPartialFlush {
			code = ReturnPartialFlush
		}
	}

	if b.packets.Len() >= b.params.MaxPackets {
		if b.partialFlushLocked(targetLevelMs, calc) == ReturnPartialFlush {
			code = ReturnPartialFlush
		}
		if b.packets.Len() >= b.params.MaxPackets {
			b.flushLocked(calc)
			b.logger.Warnw("buffer overflow, performed full flush", nil)
			code = ReturnFlushed
		}
	}

	insertPos := b.findInsertPositionLocked(pkt)

	if b.isDuplicateLocked(pkt, insertPos) {
		b.logger.Debugw("discarding duplicate packet",
			"sequenceNumber", pkt.SequenceNumber, "timestamp", pkt.Timestamp)
		calc.DuplicateDiscarded()
		return code
	}

	if insertPos < b.packets.Len() {
		distance := uint16(b.packets.Len() - insertPos)
		calc.PacketReordered(distance)
		b.logger.Debugw("reordered packet",
			"sequenceNumber", pkt.SequenceNumber,
			"timestamp", pkt.Timestamp,
			"insertPos", insertPos,
			"distance", distance)
	} else {
		calc.PacketInOrder()
	}

	b.packets.Insert(insertPos, pkt)

	calc.PacketArrived(b.arrivalDelayLocked(insertPos))
	return code
}

// PeekNextTimestamp returns the timestamp of the oldest buffered packet.
func (b *Buffer) PeekNextTimestamp() (uint32, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.packets.Len() == 0 {
		return 0, false
	}
	return b.packets.Front().Timestamp, true
}

// PopNext removes and returns the oldest buffered packet.
func (b *Buffer) PopNext() *Packet {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.packets.Len() == 0 {
		return nil
	}
	return b.packets.PopFront()
}

// DiscardNext drops the oldest packet without returning it.
func (b *Buffer) DiscardNext(calc *stats.Calculator) ReturnCode {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.packets.Len() == 0 {
		return ReturnBufferEmpty
	}
	pkt := b.packets.PopFront()
	calc.PacketDiscarded(pkt.IsOlderThan(b.params.MaxPacketAge))
	return ReturnOK
}

// DiscardOlderThanTimestamp drops packets whose timestamps precede limit.
func (b *Buffer) DiscardOlderThanTimestamp(limit uint32, calc *stats.Calculator) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	discarded := 0
	for b.packets.Len() > 0 && TimestampNewer(limit, b.packets.Front().Timestamp) {
		b.packets.PopFront()
		calc.PacketDiscarded(true)
		discarded++
	}
	if discarded > 0 {
		b.logger.Debugw("discarded old packets by timestamp", "count", discarded)
	}
	return discarded
}

// Flush drops everything.
func (b *Buffer) Flush(calc *stats.Calculator) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.flushLocked(calc)
}

// PartialFlush drops the oldest packets so that the newest remaining ones
// cover at least targetLevelMs. The playout side uses this to fast-forward
// a backlog that grossly exceeds the target instead of draining it tick by
// tick.
func (b *Buffer) PartialFlush(targetLevelMs uint32, calc *stats.Calculator) ReturnCode {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.partialFlushLocked(targetLevelMs, calc)
}

// SpanMs returns the buffered timestamp span in milliseconds.
func (b *Buffer) SpanMs() uint32 {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.spanMsLocked()
}

// ContentDurationMs returns the summed packet durations. More reliable than
// SpanMs when packets carry close timestamps.
func (b *Buffer) ContentDurationMs() uint32 {
	b.lock.Lock()
	defer b.lock.Unlock()

	var total uint32
	for i := 0; i < b.packets.Len(); i++ {
		total += b.packets.At(i).DurationMs
	}
	return total
}

// NumSamples returns the expected decoded sample count across the buffer.
func (b *Buffer) NumSamples() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	total := 0
	for i := 0; i < b.packets.Len(); i++ {
		total += b.packets.At(i).ExpectedSamples()
	}
	return total
}

// ------------------------------------------------

func (b *Buffer) flushLocked(calc *stats.Calculator) {
	flushed := b.packets.Len()
	b.packets.Clear()
	if flushed > 0 {
		calc.BufferFlush()
		b.logger.Debugw("flushed packets from buffer", "count", flushed)
	}
}

// partialFlushLocked keeps the newest packets covering targetLevelMs and
// drops the rest from the front.
func (b *Buffer) partialFlushLocked(targetLevelMs uint32, calc *stats.Calculator) ReturnCode {
	if b.packets.Len() == 0 {
		return ReturnBufferEmpty
	}

	var keptMs uint32
	keep := 0
	for i := b.packets.Len() - 1; i >= 0; i-- {
		keptMs += b.packets.At(i).DurationMs
		keep++
		if keptMs >= targetLevelMs {
			break
		}
	}

	remove := b.packets.Len() - keep
	if remove <= 0 {
		return ReturnOK
	}
	for i := 0; i < remove; i++ {
		pkt := b.packets.PopFront()
		calc.PacketDiscarded(pkt.IsOlderThan(b.params.MaxPacketAge))
	}
	b.logger.Debugw("partial flush", "removed", remove, "kept", keep)
	return ReturnPartialFlush
}

func (b *Buffer) findInsertPositionLocked(pkt *Packet) int {
	low, high := 0, b.packets.Len()
	for low < high {
		mid := (low + high) / 2
		if !TimestampNewer(b.packets.At(mid).Timestamp, pkt.Timestamp) {
			low = mid + 1
		} else {
			high = mid
		}
	}
	return low
}

func (b *Buffer) isDuplicateLocked(pkt *Packet, insertPos int) bool {
	for _, pos := range []int{insertPos - 1, insertPos, insertPos + 1} {
		if pos < 0 || pos >= b.packets.Len() {
			continue
		}
		existing := b.packets.At(pos)
		if existing.Timestamp == pkt.Timestamp &&
			existing.SequenceNumber == pkt.SequenceNumber &&
			existing.SSRC == pkt.SSRC {
			return true
		}
	}
	return false
}

// arrivalDelayLocked estimates how long the packet will wait: 10ms per
// packet already queued ahead of it.
func (b *Buffer) arrivalDelayLocked(insertPos int) int32 {
	return int32(insertPos) * 10
}

func (b *Buffer) shouldSmartFlushLocked(targetLevelMs uint32) bool {
	if b.packets.Len() == 0 {
		return false
	}
	threshold := b.params.SmartFlush.TargetLevelThresholdMs
	if targetLevelMs > threshold {
		threshold = targetLevelMs
	}
	return b.spanMsLocked() > threshold*b.params.SmartFlush.TargetLevelMultiplier
}

func (b *Buffer) spanMsLocked() uint32 {
	if b.packets.Len() == 0 {
		return 0
	}
	oldest := b.packets.Front()
	newest := b.packets.Back()
	spanSamples := TimestampDelta(newest.Timestamp, oldest.Timestamp)
	return uint32(uint64(spanSamples) * 1000 / uint64(oldest.SampleRate))
}

func (b *Buffer) discardOldLocked(calc *stats.Calculator) {
	// timestamp order does not imply arrival order, so scan the whole buffer
	discarded := 0
	for i := b.packets.Len() - 1; i >= 0; i-- {
		if b.packets.At(i).IsOlderThan(b.params.MaxPacketAge) {
			b.packets.Remove(i)
			calc.PacketDiscarded(true)
			discarded++
		}
	}
	if discarded > 0 {
		b.logger.Debugw("discarded stale packets", "count", discarded)
	}
}
