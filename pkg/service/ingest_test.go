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

package service_test

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/neteq/pkg/config"
	"github.com/livekit/neteq/pkg/service"
)

const testSSRC = 0x11223344

// pcm16Packet builds a marshaled RTP packet carrying packetMs of constant
// 16-bit audio at the server's default rate.
func pcm16Packet(t *testing.T, seq uint16, packetMs int) []byte {
	t.Helper()

	samples := int(config.DefaultConfig.Engine.SampleRate) * packetMs / 1000
	payload := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(payload[2*i:], uint16(int16(2000)))
	}

	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * uint32(samples),
			SSRC:           testSSRC,
		},
		Payload: payload,
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

func dialIngest(t *testing.T, addr, query string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ingest?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestIngestStream(t *testing.T) {
	for _, strategy := range []string{config.StrategyJitter, config.StrategyDirect} {
		t.Run(strategy, func(t *testing.T) {
			s := startTestServer(t, nil)
			streamID := "stream-" + strategy

			conn := dialIngest(t, s.Addr(), fmt.Sprintf("stream_id=%s&strategy=%s&packet_ms=20", streamID, strategy))
			for seq := uint16(0); seq < 25; seq++ {
				require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm16Packet(t, seq, 20)))
				time.Sleep(5 * time.Millisecond)
			}

			statsURL := "http://" + s.Addr() + "/stats?stream=" + streamID
			require.Eventually(t, func() bool {
				var stream service.StreamStats
				if httpGet(t, statsURL, &stream) != http.StatusOK {
					return false
				}
				return stream.Active && stream.Stats.Lifetime.TotalSamplesReceived > 0
			}, 5*time.Second, 50*time.Millisecond)

			var node service.ServerStats
			require.Equal(t, http.StatusOK, httpGet(t, "http://"+s.Addr()+"/stats", &node))
			require.EqualValues(t, 1, node.Ingest.Connections)
			require.GreaterOrEqual(t, node.Ingest.PacketsReceived, uint64(20))
			require.Equal(t, 1, node.Mixer.ActiveStreams)
			require.Contains(t, node.Mixer.Streams, streamID)

			// closing the socket retires the stream, but its final snapshot
			// stays queryable
			require.NoError(t, conn.Close())
			require.Eventually(t, func() bool {
				var stream service.StreamStats
				if httpGet(t, statsURL, &stream) != http.StatusOK {
					return false
				}
				return !stream.Active && stream.Stats.Lifetime.TotalSamplesReceived > 0
			}, 5*time.Second, 50*time.Millisecond)
		})
	}
}

func TestIngestDuplicateStream(t *testing.T) {
	s := startTestServer(t, nil)

	_ = dialIngest(t, s.Addr(), "stream_id=dup")

	_, res, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ingest?stream_id=dup", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestIngestRejectsBadParams(t *testing.T) {
	s := startTestServer(t, nil)

	for _, query := range []string{
		"strategy=bogus",
		"packet_ms=0",
		"packet_ms=500",
		"packet_ms=abc",
		"gain=-1",
		"gain=abc",
	} {
		_, res, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ingest?"+query, nil)
		require.Error(t, err, query)
		require.NotNil(t, res, query)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, query)
	}
}

func TestIngestReceiverReports(t *testing.T) {
	s := startTestServer(t, func(conf *config.Config) {
		conf.Ingest.ReportInterval = 100 * time.Millisecond
	})

	conn := dialIngest(t, s.Addr(), "stream_id=rr")
	for seq := uint16(0); seq < 10; seq++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm16Packet(t, seq, 20)))
	}

	// reports repeat at the configured interval; wait for one that has seen
	// the last packet
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		messageType, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, messageType)

		packets, err := rtcp.Unmarshal(payload)
		require.NoError(t, err)
		require.NotEmpty(t, packets)

		rr, ok := packets[0].(*rtcp.ReceiverReport)
		require.True(t, ok)
		require.Len(t, rr.Reports, 1)
		require.EqualValues(t, testSSRC, rr.Reports[0].SSRC)
		if rr.Reports[0].LastSequenceNumber&0xffff == 9 {
			break
		}
	}
}

func TestIngestGeneratesStreamID(t *testing.T) {
	s := startTestServer(t, nil)

	conn := dialIngest(t, s.Addr(), "")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm16Packet(t, 0, 20)))

	var node service.ServerStats
	require.Eventually(t, func() bool {
		if httpGet(t, "http://"+s.Addr()+"/stats", &node) != http.StatusOK {
			return false
		}
		return node.Mixer.ActiveStreams == 1
	}, 5*time.Second, 50*time.Millisecond)

	for id := range node.Mixer.Streams {
		require.True(t, len(id) > 2 && id[:2] == "S-")
	}
}

func TestIngestMalformedPacketsDropped(t *testing.T) {
	s := startTestServer(t, nil)

	conn := dialIngest(t, s.Addr(), "stream_id=junk")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not rtp")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm16Packet(t, 0, 20)))

	require.Eventually(t, func() bool {
		var node service.ServerStats
		if httpGet(t, "http://"+s.Addr()+"/stats", &node) != http.StatusOK {
			return false
		}
		return node.Ingest.PacketsDropped >= 1 && node.Ingest.PacketsReceived >= 1
	}, 5*time.Second, 50*time.Millisecond)
}
