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

// Package neteq turns a jittery, lossy, reordered packet stream into a
// steady 10ms cadence of playout audio. Arrived packets go into an ordered
// buffer, an adaptive delay estimator tracks how much buffering the network
// requires, and every playout tick a decision step picks between plain
// decode, time compression, time stretch, and loss concealment so buffered
// delay stays near the estimated target.
package neteq

import (
	"math"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/neteq/codec"
	"github.com/livekit/neteq/pkg/neteq/delay"
	"github.com/livekit/neteq/pkg/neteq/dsp"
	"github.com/livekit/neteq/pkg/neteq/packet"
	"github.com/livekit/neteq/pkg/neteq/stats"
)

const comfortNoiseAmplitude = 0.001

// fastForwardGraceTicks is how many consecutive FastAccelerate decisions run
// before a grossly over-target backlog is cut down to the target by dropping
// the oldest packets. Time stretching gets a short chance first; past that,
// waiting tens of ticks for a late joiner to catch up is worse than the
// splice.
const fastForwardGraceTicks = 3

// NetEq is one adaptive jitter buffer instance. InsertPacket may be called
// from any goroutine and never blocks on playout; GetAudio must be called
// from a single goroutine, one call per 10ms of playout.
type NetEq struct {
	config Config
	logger logger.Logger

	buffer       *packet.Buffer
	delayManager *delay.Manager
	calc         *stats.Calculator

	decoderLock sync.RWMutex
	decoders    map[uint8]codec.Decoder
	fallback    codec.Decoder

	insertLock    sync.Mutex
	haveInserted  bool
	lastInsertSeq uint16
	lastInsertTS  uint32

	// resetPending carries a stream restart from the insert side to the
	// playout side; the consumer applies it at the top of the next tick.
	resetPending atomic.Bool
	lastOp       atomic.Int32

	// Everything below is owned by the GetAudio goroutine.
	filter     *delay.BufferLevelFilter
	accelerate *dsp.Accelerate
	preemptive *dsp.PreemptiveExpand
	expander   *dsp.Expander
	rng        *dsp.Random
	leftover   deque.Deque[float32]

	samplesPerTick  int
	expandActive    bool
	underrunDone    bool
	concealedMs     uint32
	sampleMemory    int32
	prevTimeScale   bool
	fastAccelStreak int
	frameTimestamp  uint32
}

type Option func(*NetEq)

func WithLogger(l logger.Logger) Option {
	return func(n *NetEq) {
		n.logger = l
	}
}

// WithDecoder registers a decoder for an RTP payload type at construction.
func WithDecoder(payloadType uint8, dec codec.Decoder) Option {
	return func(n *NetEq) {
		n.decoders[payloadType] = dec
	}
}

// New creates an engine. A nil config uses DefaultConfig; a non-nil config
// has zero numeric fields filled from defaults before validation.
func New(config *Config, opts ...Option) (*NetEq, error) {
	var cfg Config
	if config == nil {
		cfg = *DefaultConfig()
	} else {
		cfg = config.withDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	samplesPerTick := int(cfg.SampleRate / 100)
	if samplesPerTick == 0 {
		return nil, errors.Wrapf(ErrInvalidFrameSize, "sample rate %dHz is below one tick", cfg.SampleRate)
	}

	n := &NetEq{
		config:         cfg,
		logger:         logger.GetLogger(),
		calc:           stats.NewCalculator(),
		decoders:       make(map[uint8]codec.Decoder),
		fallback:       codec.NewPCMFloatDecoder(cfg.SampleRate, cfg.Channels),
		samplesPerTick: samplesPerTick,
	}
	n.lastOp.Store(int32(OperationUndefined))
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithComponent("neteq")

	delayConfig := cfg.Delay
	if delayConfig.BaseMinimumDelayMs == 0 {
		delayConfig.BaseMinimumDelayMs = cfg.MinimumDelayMs
	}
	n.delayManager = delay.NewManager(delay.ManagerParams{
		Config: delayConfig,
		Logger: n.logger,
	})
	if cfg.MaximumDelayMs > 0 {
		n.delayManager.SetMaximumDelay(cfg.MaximumDelayMs)
	}
	if cfg.MinimumDelayMs > 0 {
		n.delayManager.SetMinimumDelay(cfg.MinimumDelayMs)
	}

	n.buffer = packet.NewBuffer(packet.BufferParams{
		MaxPackets:   cfg.MaxBufferedPackets,
		MaxPacketAge: time.Duration(cfg.MaxPacketAgeMs) * time.Millisecond,
		SmartFlush:   cfg.SmartFlush,
		Logger:       n.logger,
	})
	n.filter = delay.NewBufferLevelFilter(cfg.SampleRate)
	n.accelerate = dsp.NewAccelerate(cfg.SampleRate)
	n.preemptive = dsp.NewPreemptiveExpand(cfg.SampleRate)
	n.expander = dsp.NewExpander(dsp.ExpanderParams{
		SampleRate:     cfg.SampleRate,
		Channels:       int(cfg.Channels),
		FadeDurationMs: cfg.Decision.ExpandFadeMs,
	})
	n.rng = dsp.NewRandom(1)
	n.leftover.SetMinCapacity(9)

	n.logger.Debugw("engine created",
		"sampleRate", cfg.SampleRate,
		"channels", cfg.Channels,
		"maxBufferedPackets", cfg.MaxBufferedPackets,
	)
	return n, nil
}

// RegisterDecoder maps an RTP payload type to a decoder. Packets with an
// unmapped payload type decode as raw little-endian float32 samples.
func (n *NetEq) RegisterDecoder(payloadType uint8, dec codec.Decoder) {
	n.decoderLock.Lock()
	n.decoders[payloadType] = dec
	n.decoderLock.Unlock()
}

// ------------------------------------------------

// InsertPacket stores one arrived packet and feeds the delay estimate. Safe
// for concurrent use with GetAudio.
func (n *NetEq) InsertPacket(pkt *packet.Packet) error {
	if pkt == nil {
		return ErrNilPacket
	}
	if pkt.ArrivalTime.IsZero() {
		pkt.ArrivalTime = time.Now()
	}
	sampleRate := pkt.SampleRate
	if sampleRate == 0 {
		sampleRate = n.config.SampleRate
	}

	reset := n.detectDiscontinuity(pkt, sampleRate)
	relativeDelay := n.delayManager.Update(pkt.Timestamp, sampleRate, pkt.ArrivalTime, reset)
	if relativeDelay > 0 {
		n.calc.RelativeArrivalDelay(uint64(relativeDelay))
	}
	target := n.delayManager.TargetDelayMs()

	switch n.buffer.Insert(pkt, n.calc, target) {
	case packet.ReturnFlushed:
		n.logger.Warnw("packet buffer flushed on insert", nil,
			"seq", pkt.SequenceNumber,
			"targetMs", target,
		)
	case packet.ReturnPartialFlush:
		n.logger.Debugw("packet buffer partially flushed on insert",
			"seq", pkt.SequenceNumber,
			"targetMs", target,
		)
	}

	n.calc.SamplesReceived(uint64(pkt.ExpectedSamples()))
	n.calc.UpdateBufferSize(clampUint16(n.buffer.ContentDurationMs()), clampUint16(target))
	return nil
}

// detectDiscontinuity reports whether this packet starts a new stream epoch:
// a timestamp or sequence jump too large to be jitter or loss. Adaptive
// state is flushed immediately; playout state resets at the next GetAudio.
func (n *NetEq) detectDiscontinuity(pkt *packet.Packet, sampleRate uint32) bool {
	n.insertLock.Lock()
	defer n.insertLock.Unlock()

	if !n.haveInserted {
		n.haveInserted = true
		n.lastInsertSeq = pkt.SequenceNumber
		n.lastInsertTS = pkt.Timestamp
		return false
	}

	tsDelta := pkt.Timestamp - n.lastInsertTS
	if tsDelta > math.MaxUint32/2 {
		tsDelta = -tsDelta
	}
	seqDelta := pkt.SequenceNumber - n.lastInsertSeq
	if seqDelta > math.MaxUint16/2 {
		seqDelta = -seqDelta
	}
	n.lastInsertSeq = pkt.SequenceNumber
	n.lastInsertTS = pkt.Timestamp

	maxTSJump := sampleRate / 1000 * n.config.Decision.MaxTimestampJumpMs
	if tsDelta <= maxTSJump && seqDelta <= n.config.Decision.MaxSequenceJump {
		return false
	}

	n.logger.Warnw("stream discontinuity, restarting adaptation", nil,
		"seq", pkt.SequenceNumber,
		"timestamp", pkt.Timestamp,
		"timestampJump", tsDelta,
		"sequenceJump", seqDelta,
	)
	n.buffer.Flush(n.calc)
	n.calc.StreamReset()
	n.resetPending.Store(true)
	return true
}

// ------------------------------------------------

// GetAudio produces the next frame of playout audio, samplesPerChannel per
// channel; SamplesPerTick gives the canonical 10ms size. The frame always
// holds exactly the requested sample count regardless of the operation
// chosen. Must be called from a single goroutine.
func (n *NetEq) GetAudio(samplesPerChannel int) (*AudioFrame, error) {
	if samplesPerChannel <= 0 {
		return nil, errors.Wrapf(ErrInvalidFrameSize, "%d samples per channel", samplesPerChannel)
	}
	if n.resetPending.Swap(false) {
		n.applyConsumerReset()
	}

	frame := NewAudioFrame(n.config.SampleRate, n.config.Channels, samplesPerChannel)
	frame.Timestamp = n.frameTimestamp

	op := n.decide()
	switch op {
	case OperationNormal, OperationMerge:
		n.decodeNormal(frame)
	case OperationAccelerate:
		n.decodeAccelerate(frame, false)
	case OperationFastAccelerate:
		n.decodeAccelerate(frame, true)
	case OperationPreemptiveExpand:
		n.decodePreemptiveExpand(frame)
	case OperationExpand:
		n.decodeExpand(frame)
	case OperationComfortNoise:
		n.generateComfortNoise(frame)
	default:
		n.decodeExpand(frame)
	}
	n.lastOp.Store(int32(op))

	n.frameTimestamp += uint32(len(frame.Samples))
	n.calc.FrameEmitted(uint64(frame.DurationMs()), uint64(len(frame.Samples)), uint64(n.delayManager.TargetDelayMs()))
	return frame, nil
}

// decide refreshes the buffer level filter and picks the operation for this
// tick. Concealment takes over as soon as there is nothing left to decode.
func (n *NetEq) decide() Operation {
	empty := n.buffer.Empty() && n.leftover.Len() == 0
	n.calc.NextPacketAvailable(!empty)
	if empty {
		n.fastAccelStreak = 0
		return n.decideConcealment()
	}

	targetMs := n.delayManager.TargetDelayMs()
	n.filter.SetTargetBufferLevel(targetMs)

	var timeStretched int32
	if n.prevTimeScale {
		timeStretched = n.sampleMemory
	}
	n.filter.Update(n.bufferSamples(), timeStretched)
	n.prevTimeScale = false
	n.sampleMemory = 0

	if n.config.ForTestNoTimeStretching {
		return OperationNormal
	}
	return n.decideTimeScale(targetMs)
}

// decideTimeScale compares the filtered buffer level against the target
// window. Above the window playout compresses, below it stretches. A level
// that stays grossly above the window fast-forwards instead: tens of
// packets from a long-running sender would otherwise take hundreds of
// accelerated ticks to bleed out.
func (n *NetEq) decideTimeScale(targetMs uint32) Operation {
	rate := uint64(n.config.SampleRate)
	targetSamples := int64(uint64(targetMs) * rate / 1000)
	decelSamples := int64(uint64(n.config.Decision.DecelerationOffsetMs) * rate / 1000)
	windowSamples := int64(uint64(n.config.Decision.HighWindowMs) * rate / 1000)

	low := targetSamples * 3 / 4
	if v := targetSamples - decelSamples; v > low {
		low = v
	}
	high := targetSamples
	if v := low + windowSamples; v > high {
		high = v
	}

	level := int64(n.filter.FilteredCurrentLevel())
	fast := high * int64(n.config.Decision.FastMultiplier)

	if n.config.EnableFastAccelerate && level >= fast {
		n.fastAccelStreak++
		if n.fastAccelStreak > fastForwardGraceTicks && int64(n.bufferSamples()) >= fast {
			n.fastForward(targetMs)
		}
		return OperationFastAccelerate
	}
	n.fastAccelStreak = 0

	switch {
	case level >= high:
		return OperationAccelerate
	case level < low:
		return OperationPreemptiveExpand
	default:
		return OperationNormal
	}
}

// fastForward cuts the backlog down to the target level by dropping the
// oldest packets, then restarts level filtering from the trimmed state. The
// splice lands on a tick boundary; the dropped packets are counted as
// discarded.
func (n *NetEq) fastForward(targetMs uint32) {
	droppedLeftover := n.leftover.Len()
	n.leftover.Clear()
	n.buffer.PartialFlush(targetMs, n.calc)
	n.filter.SetFilteredBufferLevel(n.bufferSamples())
	n.fastAccelStreak = 0
	n.logger.Debugw("fast-forwarded backlog to target",
		"targetMs", targetMs,
		"bufferMs", n.buffer.ContentDurationMs(),
		"droppedLeftoverSamples", droppedLeftover,
	)
}

// decideConcealment runs the starvation ladder: expand until the expander
// has faded out, then comfort noise, and past the concealment budget a full
// internal restart.
func (n *NetEq) decideConcealment() Operation {
	if n.concealedMs >= n.config.Decision.MaxConcealmentMs {
		n.logger.Warnw("concealment budget exhausted, restarting playout", nil,
			"concealedMs", n.concealedMs,
		)
		n.internalReset()
		return OperationComfortNoise
	}
	if n.expandActive && n.expander.Faded() {
		if !n.underrunDone {
			n.underrunDone = true
			n.calc.Underrun()
		}
		return OperationComfortNoise
	}
	return OperationExpand
}

// ------------------------------------------------

func (n *NetEq) decodeNormal(frame *AudioFrame) {
	filled := n.fillFromStream(frame.Samples)
	n.finishFrame(frame, filled)
}

// decodeAccelerate pulls an extended window and compresses it in time,
// shaving buffered delay without discarding a whole frame. fast doubles the
// window and the removal allowance.
func (n *NetEq) decodeAccelerate(frame *AudioFrame, fast bool) {
	window := 3
	if fast {
		window = 4
	}
	input := make([]float32, len(frame.Samples)*window/2)
	got := n.fillFromStream(input)

	if got <= len(frame.Samples) {
		copy(frame.Samples, input[:got])
		n.finishFrame(frame, got)
		return
	}

	result := n.accelerate.Process(input[:got], frame.Samples, int(n.config.Channels), fast)
	used := n.accelerate.UsedInputSamples()
	n.restoreLeftover(input[used:got])

	if result.Stretched() {
		n.calc.TimeStretched(stats.StretchAccelerate, uint64(used-len(frame.Samples)))
	}
	n.sampleMemory = int32(got / int(n.config.Channels))
	n.prevTimeScale = true
	n.finishFrame(frame, len(frame.Samples))
}

// decodePreemptiveExpand decodes one frame and stretches it over more
// playout time, rebuilding buffer against an underrun.
func (n *NetEq) decodePreemptiveExpand(frame *AudioFrame) {
	input := make([]float32, len(frame.Samples))
	got := n.fillFromStream(input)

	if got < len(frame.Samples) {
		copy(frame.Samples, input[:got])
		n.finishFrame(frame, got)
		return
	}

	result := n.preemptive.Process(input, frame.Samples, int(n.config.Channels))
	used := n.preemptive.UsedInputSamples()
	n.restoreLeftover(input[used:])

	if result.Stretched() {
		n.calc.TimeStretched(stats.StretchPreemptive, uint64(len(frame.Samples)-used))
	}
	n.sampleMemory = int32(got / int(n.config.Channels))
	n.prevTimeScale = true
	n.finishFrame(frame, len(frame.Samples))
}

// decodeExpand synthesizes one frame of concealment audio.
func (n *NetEq) decodeExpand(frame *AudioFrame) {
	phase := dsp.ExpandPhaseContinue
	if !n.expandActive {
		phase = dsp.ExpandPhaseStart
	}
	n.expander.Process(frame.Samples, phase)

	concealed := uint64(len(frame.Samples))
	if n.expandActive {
		n.calc.ConcealedSamples(concealed, false)
	} else {
		n.calc.ConcealmentEvent(concealed, false)
		n.expandActive = true
		n.underrunDone = false
	}
	n.calc.TimeStretched(stats.StretchExpand, concealed)
	n.concealedMs += frame.DurationMs()
	frame.SpeechType = SpeechTypeExpand
	frame.VADActivity = false
}

// generateComfortNoise fills the frame with low level noise once the
// expander has fully faded out.
func (n *NetEq) generateComfortNoise(frame *AudioFrame) {
	for i := range frame.Samples {
		frame.Samples[i] = (n.rng.Float32() - 0.5) * comfortNoiseAmplitude
	}

	concealed := uint64(len(frame.Samples))
	if n.expandActive {
		n.calc.ConcealedSamples(concealed, true)
	} else {
		n.calc.ConcealmentEvent(concealed, true)
		n.expandActive = true
	}
	n.calc.TimeStretched(stats.StretchExpand, concealed)
	n.concealedMs += frame.DurationMs()
	frame.SpeechType = SpeechTypeCNG
	frame.VADActivity = false
}

// ------------------------------------------------

// fillFromStream copies decoded stream audio into dst, draining leftover
// samples from the previous tick first and then decoding buffered packets.
// Excess decoded audio is kept for the next tick. Returns samples written.
func (n *NetEq) fillFromStream(dst []float32) int {
	filled := 0
	for filled < len(dst) && n.leftover.Len() > 0 {
		dst[filled] = n.leftover.PopFront()
		filled++
	}
	for filled < len(dst) {
		pkt := n.buffer.PopNext()
		if pkt == nil {
			break
		}
		decoded, err := n.decodePacket(pkt)
		if err != nil {
			n.logger.Warnw("packet decode failed", err,
				"seq", pkt.SequenceNumber,
				"payloadType", pkt.PayloadType,
			)
			continue
		}
		for _, s := range decoded {
			if filled < len(dst) {
				dst[filled] = s
				filled++
			} else {
				n.leftover.PushBack(s)
			}
		}
	}
	return filled
}

func (n *NetEq) decodePacket(pkt *packet.Packet) ([]float32, error) {
	n.decoderLock.RLock()
	dec, ok := n.decoders[pkt.PayloadType]
	n.decoderLock.RUnlock()
	if !ok {
		dec = n.fallback
	}
	return dec.Decode(pkt.Payload)
}

// restoreLeftover returns unconsumed decoded samples to the front of the
// leftover queue, preserving playout order.
func (n *NetEq) restoreLeftover(unused []float32) {
	for i := len(unused) - 1; i >= 0; i-- {
		n.leftover.PushFront(unused[i])
	}
}

// finishFrame closes out a decode tick. A full frame ends any open
// concealment episode; a short fill is padded by the expander so the output
// length never varies.
func (n *NetEq) finishFrame(frame *AudioFrame, filled int) {
	if filled >= len(frame.Samples) {
		n.finishRealAudio(frame.Samples)
		frame.SpeechType = SpeechTypeNormal
		frame.VADActivity = true
		return
	}

	if filled > 0 {
		n.finishRealAudio(frame.Samples[:filled])
	}
	tail := frame.Samples[filled:]
	phase := dsp.ExpandPhaseStart
	if n.expandActive && filled == 0 {
		phase = dsp.ExpandPhaseContinue
	}
	n.expander.Process(tail, phase)

	concealed := uint64(len(tail))
	if n.expandActive {
		n.calc.ConcealedSamples(concealed, false)
	} else {
		n.calc.ConcealmentEvent(concealed, false)
	}
	n.calc.TimeStretched(stats.StretchExpand, concealed)
	n.concealedMs += uint32(uint64(len(tail)/int(n.config.Channels)) * 1000 / uint64(n.config.SampleRate))
	n.expandActive = true
	frame.SpeechType = SpeechTypeExpand
	frame.VADActivity = filled > 0
}

// finishRealAudio feeds played stream audio into the expander history and,
// when a concealment episode was open, stitches the seam with a short
// crossfade from the expander's continuation.
func (n *NetEq) finishRealAudio(real []float32) {
	channels := int(n.config.Channels)
	if n.expandActive {
		fadeFrames := dsp.OverlapLength(n.config.SampleRate)
		if limit := len(real) / channels; fadeFrames > limit {
			fadeFrames = limit
		}
		if fadeFrames > 0 {
			cont := make([]float32, fadeFrames*channels)
			n.expander.Continuation(cont)
			dsp.CrossfadeFrames(cont, real[:fadeFrames*channels], fadeFrames, channels, real[:fadeFrames*channels])
		}
		n.expandActive = false
	}
	n.underrunDone = false
	n.concealedMs = 0
	n.expander.UpdateHistory(real)
}

// ------------------------------------------------

// internalReset restarts playout from scratch after the concealment budget
// runs out. The insert side keeps its sequence tracking; if the stream
// returns with another jump, discontinuity detection flushes again, which is
// idempotent on an empty buffer.
func (n *NetEq) internalReset() {
	n.buffer.Flush(n.calc)
	n.delayManager.Reset()
	n.calc.StreamReset()
	n.applyConsumerReset()
}

// applyConsumerReset clears all playout-side state. Runs on the GetAudio
// goroutine only.
func (n *NetEq) applyConsumerReset() {
	n.filter.Reset()
	n.accelerate.Reset()
	n.preemptive.Reset()
	n.expander.Reset()
	n.leftover.Clear()
	n.expandActive = false
	n.underrunDone = false
	n.concealedMs = 0
	n.sampleMemory = 0
	n.prevTimeScale = false
	n.fastAccelStreak = 0
	n.logger.Debugw("playout state reset")
}

// bufferSamples is the decision-time estimate of stored audio in samples per
// channel, counting both buffered packets and the sub-frame remainder.
func (n *NetEq) bufferSamples() int {
	contentMs := uint64(n.buffer.ContentDurationMs())
	return int(contentMs*uint64(n.config.SampleRate)/1000) + n.leftover.Len()/int(n.config.Channels)
}

// ------------------------------------------------

// Stats returns a point-in-time snapshot across all statistics domains.
func (n *NetEq) Stats() Stats {
	return Stats{
		Network:               n.calc.Network(),
		Lifetime:              n.calc.Lifetime(),
		Operations:            n.calc.Operation(),
		CurrentBufferSizeMs:   n.CurrentBufferSizeMs(),
		TargetDelayMs:         n.delayManager.TargetDelayMs(),
		PacketsAwaitingDecode: n.buffer.Len(),
		LastOperation:         n.LastOperation().String(),
	}
}

// Stats is a snapshot of engine state and counters, JSON-ready for
// diagnostics endpoints.
type Stats struct {
	Network    stats.NetworkStatistics   `json:"network"`
	Lifetime   stats.LifetimeStatistics  `json:"lifetime"`
	Operations stats.OperationStatistics `json:"operations"`

	CurrentBufferSizeMs   uint32 `json:"current_buffer_size_ms"`
	TargetDelayMs         uint32 `json:"target_delay_ms"`
	PacketsAwaitingDecode int    `json:"packets_awaiting_decode"`
	LastOperation         string `json:"last_operation"`
}

// TargetDelayMs is the current adaptive delay target.
func (n *NetEq) TargetDelayMs() uint32 {
	return n.delayManager.TargetDelayMs()
}

// CurrentBufferSizeMs is the audio duration held in buffered packets. The
// sub-frame remainder on the playout side is not included.
func (n *NetEq) CurrentBufferSizeMs() uint32 {
	return n.buffer.ContentDurationMs()
}

// Empty reports whether the packet buffer holds no packets.
func (n *NetEq) Empty() bool {
	return n.buffer.Empty()
}

// LastOperation is the operation chosen by the most recent GetAudio tick.
func (n *NetEq) LastOperation() Operation {
	return Operation(n.lastOp.Load())
}

// Flush drops all buffered packets and schedules a playout state reset for
// the next GetAudio tick.
func (n *NetEq) Flush() {
	n.buffer.Flush(n.calc)
	n.delayManager.Reset()
	n.resetPending.Store(true)
}

// SetMinimumDelay raises the lower bound on the target delay. Returns the
// effective minimum after clamping against the maximum.
func (n *NetEq) SetMinimumDelay(delayMs uint32) uint32 {
	return n.delayManager.SetMinimumDelay(delayMs)
}

// SetMaximumDelay caps the target delay. Returns the effective maximum.
func (n *NetEq) SetMaximumDelay(delayMs uint32) uint32 {
	return n.delayManager.SetMaximumDelay(delayMs)
}

func (n *NetEq) SampleRate() uint32 {
	return n.config.SampleRate
}

func (n *NetEq) Channels() uint8 {
	return n.config.Channels
}

// SamplesPerTick is the per-channel sample count of one GetAudio frame.
func (n *NetEq) SamplesPerTick() int {
	return n.samplesPerTick
}

func clampUint16(v uint32) uint16 {
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
