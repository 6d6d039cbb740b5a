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

package service

import (
	"encoding/binary"
	"math"
	"net/http"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/mixer"
	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/telemetry/prometheus"
	"github.com/livekit/neteq/pkg/utils"
)

// subscriberQueueSize buffers a few hundred milliseconds of frames per
// listener before drops start.
const subscriberQueueSize = 32

// MixFormat describes the binary frames a mix listener will receive. It is
// sent as a JSON text message when the connection opens.
type MixFormat struct {
	Encoding       string `json:"encoding"`
	SampleRate     uint32 `json:"sample_rate"`
	Channels       uint8  `json:"channels"`
	SamplesPerTick int    `json:"samples_per_tick"`
}

// MixService fans mixed frames out to websocket listeners. Each binary
// message is one tick of interleaved little-endian float32 samples; slow
// listeners drop frames rather than stall the mix loop.
type MixService struct {
	upgrader websocket.Upgrader
	logger   logger.Logger
	format   MixFormat

	lock        sync.RWMutex
	subscribers map[string]*mixSubscriber

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

type mixSubscriber struct {
	id   string
	ch   chan []byte
	done core.Fuse
}

func NewMixService(m *mixer.Mixer) *MixService {
	s := &MixService{
		logger: logger.GetLogger().WithComponent("mix"),
		format: MixFormat{
			Encoding:       "pcm_f32le",
			SampleRate:     m.SampleRate(),
			Channels:       m.Channels(),
			SamplesPerTick: m.SamplesPerTick(),
		},
		subscribers: make(map[string]*mixSubscriber),
	}

	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s
}

func (s *MixService) Format() MixFormat {
	return s.format
}

// ListenerStats is an aggregate counter snapshot across all listeners.
type ListenerStats struct {
	Connections   int    `json:"connections"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
}

func (s *MixService) Stats() ListenerStats {
	s.lock.RLock()
	connections := len(s.subscribers)
	s.lock.RUnlock()

	return ListenerStats{
		Connections:   connections,
		FramesSent:    s.framesSent.Load(),
		FramesDropped: s.framesDropped.Load(),
	}
}

// Broadcast encodes one mixed frame and offers it to every listener. It is
// the mixer's frame sink and must not block.
func (s *MixService) Broadcast(frame *neteq.AudioFrame) {
	prometheus.IncrementFramesMixed(1)

	s.lock.RLock()
	defer s.lock.RUnlock()
	if len(s.subscribers) == 0 {
		return
	}

	payload := encodeFrame(frame)
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- payload:
		default:
			s.framesDropped.Inc()
			prometheus.IncrementFramesDropped(1)
		}
	}
}

func (s *MixService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		handleError(w, r, http.StatusInternalServerError, err)
		return
	}
	wsc := newWSConn(conn)

	sub := &mixSubscriber{
		id: utils.NewGuid(utils.ListenerPrefix),
		ch: make(chan []byte, subscriberQueueSize),
	}
	slog := s.logger.WithValues("listenerID", sub.id, "remote", r.RemoteAddr)

	if err = wsc.WriteJSON(s.format); err != nil {
		slog.Warnw("could not send mix format", err)
		_ = wsc.Close()
		return
	}

	s.addSubscriber(sub)
	prometheus.ListenerStarted()
	slog.Infow("mix listener connected")

	defer func() {
		s.removeSubscriber(sub.id)
		prometheus.ListenerEnded()
		_ = wsc.Close()
		slog.Infow("mix listener closed")
	}()

	// listeners only consume; the read loop just detects the close
	go func() {
		for {
			if _, _, readErr := wsc.ReadMessage(); readErr != nil {
				sub.done.Break()
				return
			}
		}
	}()

	for {
		select {
		case <-sub.done.Watch():
			return
		case payload := <-sub.ch:
			if err = wsc.WriteBinary(payload); err != nil {
				if !IsWebSocketCloseError(err) {
					slog.Warnw("error writing to websocket", err)
				}
				return
			}
			s.framesSent.Inc()
			prometheus.IncrementBytes(prometheus.Outgoing, uint64(len(payload)))
		}
	}
}

func (s *MixService) addSubscriber(sub *mixSubscriber) {
	s.lock.Lock()
	s.subscribers[sub.id] = sub
	s.lock.Unlock()
}

func (s *MixService) removeSubscriber(id string) {
	s.lock.Lock()
	delete(s.subscribers, id)
	s.lock.Unlock()
}

func encodeFrame(frame *neteq.AudioFrame) []byte {
	payload := make([]byte, 4*len(frame.Samples))
	for i, sample := range frame.Samples {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(sample))
	}
	return payload
}
