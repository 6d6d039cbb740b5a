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

package mixer

import (
	"math"
	"sync"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/neteq/codec"
	"github.com/livekit/neteq/pkg/neteq/packet"
	"github.com/livekit/neteq/pkg/neteq/stats"
)

const defaultMaxQueuedMs = 5000

type DirectPlayoutParams struct {
	// SampleRate and Channels describe the output format. Zero values default
	// to 16kHz mono.
	SampleRate uint32
	Channels   uint8
	// MaxQueuedMs bounds decoded audio waiting for playout. When the consumer
	// stalls, the oldest audio is shed to stay under the bound.
	MaxQueuedMs uint32
	Logger      logger.Logger
}

// DirectPlayout decodes packets the moment they arrive and plays them back
// in arrival order. No reordering, no delay adaptation, no concealment
// beyond silence when the queue runs dry. Suited to input that is already
// paced and ordered, such as file replay or a local capture pipeline.
type DirectPlayout struct {
	params         DirectPlayoutParams
	logger         logger.Logger
	samplesPerTick int
	maxQueued      int

	decoderLock sync.RWMutex
	decoders    map[uint8]codec.Decoder
	fallback    codec.Decoder

	lock        sync.Mutex
	queue       deque.Deque[float32]
	overflowing bool
	padActive   bool
	timestamp   uint32

	calc   *stats.Calculator
	lastOp atomic.Int32
}

func NewDirectPlayout(params DirectPlayoutParams) (*DirectPlayout, error) {
	if params.SampleRate == 0 {
		params.SampleRate = 16000
	}
	if params.Channels == 0 {
		params.Channels = 1
	}
	if params.MaxQueuedMs == 0 {
		params.MaxQueuedMs = defaultMaxQueuedMs
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	samplesPerTick := int(params.SampleRate / 100)
	if samplesPerTick == 0 {
		return nil, errors.Wrapf(neteq.ErrInvalidSampleRate, "sample rate %dHz is below one tick", params.SampleRate)
	}

	d := &DirectPlayout{
		params:         params,
		logger:         params.Logger.WithComponent("playout"),
		samplesPerTick: samplesPerTick,
		maxQueued:      int(uint64(params.MaxQueuedMs)*uint64(params.SampleRate)/1000) * int(params.Channels),
		decoders:       make(map[uint8]codec.Decoder),
		fallback:       codec.NewPCMFloatDecoder(params.SampleRate, params.Channels),
		calc:           stats.NewCalculator(),
	}
	d.lastOp.Store(int32(neteq.OperationUndefined))
	d.queue.SetMinCapacity(9)
	return d, nil
}

// RegisterDecoder maps an RTP payload type to a decoder. Packets with an
// unmapped payload type decode as raw little-endian float32 samples.
func (d *DirectPlayout) RegisterDecoder(payloadType uint8, dec codec.Decoder) {
	d.decoderLock.Lock()
	d.decoders[payloadType] = dec
	d.decoderLock.Unlock()
}

// ------------------------------------------------

// InsertPacket decodes the packet immediately and queues its audio for
// playout. A decode failure is logged and skipped; the stream keeps playing.
// Safe for concurrent use with GetAudio.
func (d *DirectPlayout) InsertPacket(pkt *packet.Packet) error {
	if pkt == nil {
		return neteq.ErrNilPacket
	}

	d.decoderLock.RLock()
	dec, ok := d.decoders[pkt.PayloadType]
	d.decoderLock.RUnlock()
	if !ok {
		dec = d.fallback
	}

	decoded, err := dec.Decode(pkt.Payload)
	if err != nil {
		d.logger.Warnw("packet decode failed", err,
			"seq", pkt.SequenceNumber,
			"payloadType", pkt.PayloadType,
		)
		return nil
	}

	d.lock.Lock()
	for _, s := range decoded {
		d.queue.PushBack(s)
	}
	trimmed := 0
	for d.queue.Len() > d.maxQueued {
		d.queue.PopFront()
		trimmed++
	}
	if trimmed > 0 {
		// A stalled consumer sheds roughly one packet's worth per arrival.
		d.calc.PacketDiscarded(false)
		if !d.overflowing {
			d.overflowing = true
			d.logger.Warnw("playout queue overflowing, shedding oldest audio", nil,
				"maxQueuedMs", d.params.MaxQueuedMs,
				"trimmedSamples", trimmed,
			)
		}
	}
	queuedMs := d.queuedDurationMsLocked()
	d.lock.Unlock()

	d.calc.SamplesReceived(uint64(len(decoded)))
	d.calc.UpdateBufferSize(clampUint16(queuedMs), 0)
	return nil
}

// GetAudio drains queued audio into a frame, padding with silence when the
// queue runs short. A padded frame is marked as expand audio.
func (d *DirectPlayout) GetAudio(samplesPerChannel int) (*neteq.AudioFrame, error) {
	if samplesPerChannel <= 0 {
		return nil, errors.Wrapf(neteq.ErrInvalidFrameSize, "%d samples per channel", samplesPerChannel)
	}

	frame := neteq.NewAudioFrame(d.params.SampleRate, d.params.Channels, samplesPerChannel)

	d.lock.Lock()
	filled := 0
	for filled < len(frame.Samples) && d.queue.Len() > 0 {
		frame.Samples[filled] = d.queue.PopFront()
		filled++
	}
	d.overflowing = false
	frame.Timestamp = d.timestamp
	d.timestamp += uint32(len(frame.Samples))

	if filled == len(frame.Samples) {
		d.padActive = false
	} else {
		padded := uint64(len(frame.Samples) - filled)
		if d.padActive {
			d.calc.ConcealedSamples(padded, true)
		} else {
			d.calc.ConcealmentEvent(padded, true)
		}
		d.padActive = true
	}
	padded := d.padActive
	d.lock.Unlock()

	if padded {
		frame.SpeechType = neteq.SpeechTypeExpand
		frame.VADActivity = filled > 0
		d.lastOp.Store(int32(neteq.OperationExpand))
	} else {
		frame.SpeechType = neteq.SpeechTypeNormal
		frame.VADActivity = true
		d.lastOp.Store(int32(neteq.OperationNormal))
	}

	d.calc.FrameEmitted(uint64(frame.DurationMs()), uint64(len(frame.Samples)), 0)
	return frame, nil
}

// ------------------------------------------------

// Stats returns a snapshot in the engine's format. Delay fields read as
// zero; direct playout has no adaptive target.
func (d *DirectPlayout) Stats() neteq.Stats {
	d.lock.Lock()
	queuedMs := d.queuedDurationMsLocked()
	d.lock.Unlock()

	return neteq.Stats{
		Network:             d.calc.Network(),
		Lifetime:            d.calc.Lifetime(),
		Operations:          d.calc.Operation(),
		CurrentBufferSizeMs: queuedMs,
		LastOperation:       neteq.Operation(d.lastOp.Load()).String(),
	}
}

// Flush drops all queued audio.
func (d *DirectPlayout) Flush() {
	d.lock.Lock()
	d.queue.Clear()
	d.padActive = false
	d.overflowing = false
	d.lock.Unlock()
	d.calc.BufferFlush()
}

func (d *DirectPlayout) SampleRate() uint32 {
	return d.params.SampleRate
}

func (d *DirectPlayout) Channels() uint8 {
	return d.params.Channels
}

// SamplesPerTick is the per-channel sample count of one 10ms frame.
func (d *DirectPlayout) SamplesPerTick() int {
	return d.samplesPerTick
}

func (d *DirectPlayout) queuedDurationMsLocked() uint32 {
	perChannel := d.queue.Len() / int(d.params.Channels)
	return uint32(uint64(perChannel) * 1000 / uint64(d.params.SampleRate))
}

func clampUint16(v uint32) uint16 {
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
