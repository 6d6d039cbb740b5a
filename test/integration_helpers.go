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

package test

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/neteq/pkg/config"
	"github.com/livekit/neteq/pkg/service"
)

const (
	testPacketMs = 20
	testToneHz   = 440
	testSSRC     = 0xcafe0001
)

func createServer(t *testing.T, mutate func(conf *config.Config)) *service.PlayoutServer {
	t.Helper()

	conf := config.DefaultConfig
	conf.BindAddress = "127.0.0.1"
	conf.Port = 0
	if mutate != nil {
		mutate(&conf)
	}

	s, err := service.NewPlayoutServer(&conf)
	require.NoError(t, err)

	go func() {
		if startErr := s.Start(); startErr != nil {
			t.Error(startErr)
		}
	}()
	require.Eventually(t, s.IsRunning, 10*time.Second, 10*time.Millisecond)
	t.Cleanup(s.Stop)

	return s
}

// ------------------------------------------------

// sender feeds pcm16 tone packets into /ingest the way a live publisher
// would, one continuous sine wave split across sequenced RTP packets.
type sender struct {
	t    *testing.T
	conn *websocket.Conn
	rate uint32

	seq     uint16
	samples uint64
}

func newSender(t *testing.T, addr, query string) *sender {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ingest?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &sender{
		t:    t,
		conn: conn,
		rate: config.DefaultConfig.Engine.SampleRate,
	}
}

func (s *sender) close() {
	require.NoError(s.t, s.conn.Close())
}

// buildPacket marshals the next packet of the tone and advances the stream
// position.
func (s *sender) buildPacket() ([]byte, error) {
	perPacket := int(s.rate) * testPacketMs / 1000

	payload := make([]byte, 2*perPacket)
	for i := 0; i < perPacket; i++ {
		v := 0.5 * math.Sin(2*math.Pi*testToneHz*float64(s.samples+uint64(i))/float64(s.rate))
		binary.LittleEndian.PutUint16(payload[2*i:], uint16(int16(v*32767)))
	}

	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: s.seq,
			Timestamp:      uint32(s.samples),
			SSRC:           testSSRC,
		},
		Payload: payload,
	}
	s.seq++
	s.samples += uint64(perPacket)

	return p.Marshal()
}

// sendPacket emits the next packet, reporting whether the connection is
// still usable. Send helpers run on their own goroutines and the test may
// finish first, so write failures end the feed instead of failing the test.
// When drop is set the packet is skipped on the wire but the stream position
// still advances, simulating loss.
func (s *sender) sendPacket(drop bool) bool {
	buf, err := s.buildPacket()
	if err != nil {
		return false
	}
	if drop {
		return true
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, buf) == nil
}

// sendTone paces out n packets at the given interval.
func (s *sender) sendTone(n int, pace time.Duration) {
	for i := 0; i < n; i++ {
		if !s.sendPacket(false) {
			return
		}
		if pace > 0 {
			time.Sleep(pace)
		}
	}
}

// sendSwapped delivers packets two at a time with their order flipped, so
// every other packet arrives before its predecessor.
func (s *sender) sendSwapped(pairs int, pace time.Duration) {
	for i := 0; i < pairs; i++ {
		first, err := s.buildPacket()
		if err != nil {
			return
		}
		second, err := s.buildPacket()
		if err != nil {
			return
		}
		if s.conn.WriteMessage(websocket.BinaryMessage, second) != nil {
			return
		}
		if s.conn.WriteMessage(websocket.BinaryMessage, first) != nil {
			return
		}
		if pace > 0 {
			time.Sleep(pace)
		}
	}
}

// ------------------------------------------------

// listener consumes /mix frames.
type listener struct {
	t      *testing.T
	conn   *websocket.Conn
	format service.MixFormat
}

func newListener(t *testing.T, addr string) *listener {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/mix", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Second)))

	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)

	l := &listener{t: t, conn: conn}
	require.NoError(t, json.Unmarshal(payload, &l.format))
	return l
}

// readFrame returns one tick of interleaved samples.
func (l *listener) readFrame() []float32 {
	for {
		messageType, payload, err := l.conn.ReadMessage()
		require.NoError(l.t, err)
		if messageType != websocket.BinaryMessage {
			continue
		}

		samples := make([]float32, len(payload)/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
		}
		return samples
	}
}

// waitForAudio reads frames until one carries a clearly non-silent sample.
func (l *listener) waitForAudio(maxFrames int) bool {
	for i := 0; i < maxFrames; i++ {
		for _, v := range l.readFrame() {
			if v > 0.01 || v < -0.01 {
				return true
			}
		}
	}
	return false
}

// ------------------------------------------------

func streamStats(t *testing.T, addr, streamID string) (service.StreamStats, bool) {
	t.Helper()

	res, err := http.Get("http://" + addr + "/stats?stream=" + streamID)
	require.NoError(t, err)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return service.StreamStats{}, false
	}
	var stats service.StreamStats
	require.NoError(t, json.NewDecoder(res.Body).Decode(&stats))
	return stats, true
}

func serverStats(t *testing.T, addr string) service.ServerStats {
	t.Helper()

	res, err := http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	var stats service.ServerStats
	require.NoError(t, json.NewDecoder(res.Body).Decode(&stats))
	return stats
}
