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

// Package mixer combines multiple playout streams into a single audio
// output. Each stream plays through its own Playout strategy; the Mixer
// polls them in lockstep and sums the frames.
package mixer

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/neteq"
)

const (
	defaultTickInterval      = 10 * time.Millisecond
	defaultMixWorkers        = 4
	defaultDepartedStatsSize = 64

	streamCountLogInterval = 500 * time.Millisecond
)

var (
	ErrMixerClosed    = errors.New("mixer is closed")
	ErrStreamExists   = errors.New("stream already registered")
	ErrStreamNotFound = errors.New("stream not registered")
	ErrFormatMismatch = errors.New("stream format does not match mixer output")
	ErrMissingPlayout = errors.New("stream id and playout are required")
)

// MixerParams configures a Mixer. Zero numeric fields take defaults; OnFrame
// is required only when the Start loop is used.
type MixerParams struct {
	// SampleRate and Channels describe the mixed output. Every registered
	// stream must produce this format.
	SampleRate uint32
	Channels   uint8
	// TickInterval paces the Start loop and sizes its frames.
	TickInterval time.Duration
	// MixWorkers bounds how many streams are polled concurrently per frame.
	MixWorkers int
	// DepartedStatsSize bounds how many removed streams keep a final stats
	// snapshot.
	DepartedStatsSize int
	// OnFrame receives each frame produced by the Start loop.
	OnFrame func(frame *neteq.AudioFrame)
	Logger  logger.Logger
}

// Mixer sums the playout of registered streams into one output stream. Mix
// may be driven directly or by the Start loop; calls are serialized either
// way. Streams may come and go while running.
type Mixer struct {
	params         MixerParams
	logger         logger.Logger
	samplesPerTick int

	lock      sync.RWMutex
	streams   *orderedmap.OrderedMap[string, *mixedStream]
	departed  *lru.Cache[string, neteq.Stats]
	debouncer func(func())

	// mixLock serializes Mix against Close so the pool cannot be stopped
	// under an in-flight fan-out.
	mixLock   sync.Mutex
	pool      *workerpool.WorkerPool
	timestamp uint32

	framesMixed atomic.Uint64
	mixErrors   atomic.Uint64

	isStarted atomic.Bool
	done      core.Fuse
}

type mixedStream struct {
	id      string
	playout Playout
	gain    float32
}

func NewMixer(params MixerParams) (*Mixer, error) {
	if params.SampleRate == 0 {
		params.SampleRate = 16000
	}
	if params.Channels == 0 {
		params.Channels = 1
	}
	if params.TickInterval == 0 {
		params.TickInterval = defaultTickInterval
	}
	if params.MixWorkers == 0 {
		params.MixWorkers = defaultMixWorkers
	}
	if params.DepartedStatsSize == 0 {
		params.DepartedStatsSize = defaultDepartedStatsSize
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	samplesPerTick := int(uint64(params.SampleRate) * uint64(params.TickInterval) / uint64(time.Second))
	if samplesPerTick == 0 {
		return nil, errors.Wrapf(neteq.ErrInvalidSampleRate, "sample rate %dHz is below one %s tick", params.SampleRate, params.TickInterval)
	}
	departed, err := lru.New[string, neteq.Stats](params.DepartedStatsSize)
	if err != nil {
		return nil, err
	}

	return &Mixer{
		params:         params,
		logger:         params.Logger.WithComponent("mixer"),
		samplesPerTick: samplesPerTick,
		streams:        orderedmap.NewOrderedMap[string, *mixedStream](),
		departed:       departed,
		debouncer:      debounce.New(streamCountLogInterval),
		pool:           workerpool.New(params.MixWorkers),
	}, nil
}

// ------------------------------------------------

// StreamParams registers one stream with the mixer.
type StreamParams struct {
	ID      string
	Playout Playout
	// Gain scales the stream's samples before summing. Zero means unity.
	Gain float32
}

// AddStream registers a stream. The mixer polls the playout on every Mix; it
// must not be polled elsewhere while registered.
func (m *Mixer) AddStream(params StreamParams) error {
	if params.ID == "" || params.Playout == nil {
		return ErrMissingPlayout
	}
	if params.Playout.SampleRate() != m.params.SampleRate || params.Playout.Channels() != m.params.Channels {
		return errors.Wrapf(ErrFormatMismatch, "stream %s is %dHz/%dch, mixer is %dHz/%dch",
			params.ID, params.Playout.SampleRate(), params.Playout.Channels(),
			m.params.SampleRate, m.params.Channels)
	}
	gain := params.Gain
	if gain == 0 {
		gain = 1
	}

	m.lock.Lock()
	if _, ok := m.streams.Get(params.ID); ok {
		m.lock.Unlock()
		return errors.Wrap(ErrStreamExists, params.ID)
	}
	m.streams.Set(params.ID, &mixedStream{
		id:      params.ID,
		playout: params.Playout,
		gain:    gain,
	})
	m.lock.Unlock()

	m.debouncer(m.logStreamCount)
	return nil
}

// RemoveStream unregisters a stream, retaining its final stats snapshot.
func (m *Mixer) RemoveStream(id string) error {
	m.lock.Lock()
	entry, ok := m.streams.Get(id)
	if ok {
		m.streams.Delete(id)
	}
	m.lock.Unlock()
	if !ok {
		return errors.Wrap(ErrStreamNotFound, id)
	}

	m.departed.Add(id, entry.playout.Stats())
	m.debouncer(m.logStreamCount)
	return nil
}

// SetStreamGain adjusts a registered stream's gain, taking effect on the
// next Mix. Unlike AddStream, zero here mutes the stream.
func (m *Mixer) SetStreamGain(id string, gain float32) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	entry, ok := m.streams.Get(id)
	if !ok {
		return errors.Wrap(ErrStreamNotFound, id)
	}
	entry.gain = gain
	return nil
}

func (m *Mixer) logStreamCount() {
	m.logger.Infow("stream count changed", "streams", m.NumStreams())
}

// ------------------------------------------------

// Mix produces one output frame by polling every registered stream and
// summing the results, scaled by stream gain and clamped to full scale. A
// stream that fails to produce audio contributes silence for the tick. Mix
// must not be called after Close.
func (m *Mixer) Mix(samplesPerChannel int) (*neteq.AudioFrame, error) {
	if samplesPerChannel <= 0 {
		return nil, errors.Wrapf(neteq.ErrInvalidFrameSize, "%d samples per channel", samplesPerChannel)
	}

	m.mixLock.Lock()
	defer m.mixLock.Unlock()
	if m.done.IsBroken() {
		return nil, ErrMixerClosed
	}

	m.lock.RLock()
	snapshot := make([]mixedStream, 0, m.streams.Len())
	for el := m.streams.Front(); el != nil; el = el.Next() {
		snapshot = append(snapshot, *el.Value)
	}
	m.lock.RUnlock()

	frames := make([]*neteq.AudioFrame, len(snapshot))
	var wg sync.WaitGroup
	wg.Add(len(snapshot))
	for i, stream := range snapshot {
		i, stream := i, stream
		m.pool.Submit(func() {
			defer wg.Done()
			frame, err := stream.playout.GetAudio(samplesPerChannel)
			if err != nil {
				m.mixErrors.Inc()
				m.logger.Warnw("stream playout failed", err, "streamID", stream.id)
				return
			}
			frames[i] = frame
		})
	}
	wg.Wait()

	out := neteq.NewAudioFrame(m.params.SampleRate, m.params.Channels, samplesPerChannel)
	out.Timestamp = m.timestamp
	m.timestamp += uint32(len(out.Samples))

	for i, frame := range frames {
		if frame == nil {
			continue
		}
		gain := snapshot[i].gain
		n := len(frame.Samples)
		if n > len(out.Samples) {
			n = len(out.Samples)
		}
		for j := 0; j < n; j++ {
			out.Samples[j] += frame.Samples[j] * gain
		}
		if frame.VADActivity {
			out.VADActivity = true
		}
	}
	for j, s := range out.Samples {
		if s > 1 {
			out.Samples[j] = 1
		} else if s < -1 {
			out.Samples[j] = -1
		}
	}
	if out.VADActivity {
		out.SpeechType = neteq.SpeechTypeNormal
	} else {
		out.SpeechType = neteq.SpeechTypeExpand
	}

	m.framesMixed.Inc()
	return out, nil
}

// ------------------------------------------------

// Start drives Mix on the configured tick, delivering each frame to
// OnFrame. Later calls are no-ops.
func (m *Mixer) Start() {
	if m.params.OnFrame == nil {
		m.logger.Warnw("cannot start mixer without a frame sink", nil)
		return
	}
	if m.isStarted.Swap(true) {
		return
	}
	go m.worker()
}

func (m *Mixer) worker() {
	tk := time.NewTicker(m.params.TickInterval)
	defer tk.Stop()
	for {
		select {
		case <-m.done.Watch():
			return
		case <-tk.C:
			if m.done.IsBroken() {
				return
			}
			frame, err := m.Mix(m.samplesPerTick)
			if err != nil {
				continue
			}
			m.params.OnFrame(frame)
		}
	}
}

// Close stops the tick loop and the worker pool. Streams are not flushed;
// callers still holding playouts may keep polling them directly.
func (m *Mixer) Close() {
	m.done.Break()
	m.mixLock.Lock()
	m.pool.StopWait()
	m.mixLock.Unlock()
}

// ------------------------------------------------

func (m *Mixer) SampleRate() uint32 {
	return m.params.SampleRate
}

func (m *Mixer) Channels() uint8 {
	return m.params.Channels
}

// SamplesPerTick is the per-channel sample count of one Start-loop frame.
func (m *Mixer) SamplesPerTick() int {
	return m.samplesPerTick
}

func (m *Mixer) NumStreams() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.streams.Len()
}

// StreamIDs returns registered stream ids in registration order.
func (m *Mixer) StreamIDs() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	ids := make([]string, 0, m.streams.Len())
	for el := m.streams.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Key)
	}
	return ids
}

// StreamStats snapshots a registered stream.
func (m *Mixer) StreamStats(id string) (neteq.Stats, bool) {
	m.lock.RLock()
	entry, ok := m.streams.Get(id)
	m.lock.RUnlock()
	if !ok {
		return neteq.Stats{}, false
	}
	return entry.playout.Stats(), true
}

// DepartedStreamStats returns the final snapshot of a removed stream, if it
// is still retained.
func (m *Mixer) DepartedStreamStats(id string) (neteq.Stats, bool) {
	return m.departed.Get(id)
}

// Stats is a mixer snapshot, JSON-ready for diagnostics endpoints.
type Stats struct {
	ActiveStreams int                    `json:"active_streams"`
	FramesMixed   uint64                 `json:"frames_mixed"`
	MixErrors     uint64                 `json:"mix_errors"`
	Streams       map[string]neteq.Stats `json:"streams"`
}

// Stats snapshots the mixer and every registered stream.
func (m *Mixer) Stats() Stats {
	m.lock.RLock()
	streams := make(map[string]neteq.Stats, m.streams.Len())
	for el := m.streams.Front(); el != nil; el = el.Next() {
		streams[el.Key] = el.Value.playout.Stats()
	}
	active := m.streams.Len()
	m.lock.RUnlock()

	return Stats{
		ActiveStreams: active,
		FramesMixed:   m.framesMixed.Load(),
		MixErrors:     m.mixErrors.Load(),
		Streams:       streams,
	}
}
