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
	"hash/fnv"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"go.uber.org/atomic"

	"github.com/livekit/neteq/pkg/config"
	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/mixer"
	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/neteq/codec"
	"github.com/livekit/neteq/pkg/neteq/packet"
	"github.com/livekit/neteq/pkg/neteq/stats"
	"github.com/livekit/neteq/pkg/telemetry/prometheus"
	"github.com/livekit/neteq/pkg/utils"
)

const (
	defaultPacketMs = 20
	maxPacketMs     = 120
)

// IngestService accepts websocket connections carrying RTP packets as binary
// messages. Each connection becomes one mixer stream with its own playout;
// RTCP receiver reports flow back on the same socket.
type IngestService struct {
	conf     *config.Config
	mixer    *mixer.Mixer
	upgrader websocket.Upgrader
	logger   logger.Logger

	connections     atomic.Int32
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsDropped  atomic.Uint64
}

func NewIngestService(conf *config.Config, m *mixer.Mixer) *IngestService {
	s := &IngestService{
		conf:   conf,
		mixer:  m,
		logger: logger.GetLogger().WithComponent("ingest"),
	}

	// allow connections from any origin; deployments front this with their
	// own auth proxy
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s
}

// IngestStats is an aggregate counter snapshot across all connections.
type IngestStats struct {
	Connections     int32  `json:"connections"`
	PacketsReceived uint64 `json:"packets_received"`
	BytesReceived   uint64 `json:"bytes_received"`
	PacketsDropped  uint64 `json:"packets_dropped"`
}

func (s *IngestService) Stats() IngestStats {
	return IngestStats{
		Connections:     s.connections.Load(),
		PacketsReceived: s.packetsReceived.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
	}
}

func (s *IngestService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID := r.FormValue("stream_id")
	if streamID == "" {
		streamID = utils.NewGuid(utils.StreamPrefix)
	}

	strategy := r.FormValue("strategy")
	if strategy == "" {
		strategy = s.conf.Ingest.Strategy
	}
	if !funk.ContainsString([]string{config.StrategyJitter, config.StrategyDirect}, strategy) {
		handleError(w, r, http.StatusBadRequest, ErrUnknownStrategy, "strategy", strategy)
		return
	}

	packetMs := uint32(defaultPacketMs)
	if v := r.FormValue("packet_ms"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil || parsed == 0 || parsed > maxPacketMs {
			handleError(w, r, http.StatusBadRequest, ErrInvalidPacketMs, "packetMs", v)
			return
		}
		packetMs = uint32(parsed)
	}

	gain := float32(1)
	if v := r.FormValue("gain"); v != "" {
		parsed, err := strconv.ParseFloat(v, 32)
		if err != nil || parsed < 0 {
			handleError(w, r, http.StatusBadRequest, ErrInvalidGain, "gain", v)
			return
		}
		gain = float32(parsed)
	}

	playout, err := s.newPlayout(streamID, strategy)
	if err != nil {
		handleError(w, r, http.StatusInternalServerError, err, "streamID", streamID)
		return
	}

	if err = s.mixer.AddStream(mixer.StreamParams{
		ID:      streamID,
		Playout: playout,
		Gain:    gain,
	}); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mixer.ErrStreamExists) {
			status = http.StatusConflict
		}
		handleError(w, r, status, err, "streamID", streamID)
		return
	}

	// upgrade only once the basics are good to go
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = s.mixer.RemoveStream(streamID)
		handleError(w, r, http.StatusInternalServerError, err, "streamID", streamID)
		return
	}
	if s.conf.Ingest.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.conf.Ingest.MaxMessageBytes)
	}
	wsc := newWSConn(conn)

	slog := s.logger.WithValues("streamID", streamID, "strategy", strategy, "remote", r.RemoteAddr)
	slog.Infow("ingest stream connected", "packetMs", packetMs, "gain", gain)
	s.connections.Inc()
	prometheus.StreamStarted(strategy)

	done := make(chan struct{})
	defer func() {
		close(done)
		prometheus.RecordPlayoutLifetime(playout.Stats())
		prometheus.StreamEnded(strategy)
		_ = s.mixer.RemoveStream(streamID)
		_ = wsc.Close()
		s.connections.Dec()
		slog.Infow("ingest stream closed")
	}()

	builder := stats.NewReportBuilder(receiverSSRC(streamID), s.mixer.SampleRate())
	go s.reportWorker(wsc, builder, done, slog)

	for {
		messageType, payload, err := wsc.ReadMessage()
		if err != nil {
			if !IsWebSocketCloseError(err) {
				slog.Errorw("error reading from websocket", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			slog.Debugw("ignoring non-binary message", "type", messageType)
			continue
		}
		s.handlePacket(playout, builder, payload, packetMs, slog)
	}
}

// newPlayout builds the per-stream playout with decoders for every payload
// type the configuration maps.
func (s *IngestService) newPlayout(streamID, strategy string) (mixer.Playout, error) {
	engineLogger := logger.GetLogger().WithValues("streamID", streamID)

	var playout mixer.Playout
	switch strategy {
	case config.StrategyJitter:
		engineConf := s.conf.Engine
		jp, err := mixer.NewJitterBufferedPlayout(&engineConf, neteq.WithLogger(engineLogger))
		if err != nil {
			return nil, err
		}
		playout = jp
	case config.StrategyDirect:
		dp, err := mixer.NewDirectPlayout(mixer.DirectPlayoutParams{
			SampleRate: s.conf.Engine.SampleRate,
			Channels:   s.conf.Engine.Channels,
			Logger:     engineLogger,
		})
		if err != nil {
			return nil, err
		}
		playout = dp
	default:
		return nil, errors.Wrap(ErrUnknownStrategy, strategy)
	}

	for payloadType, name := range s.conf.Ingest.PayloadTypes {
		dec, err := codec.ByName(name, s.conf.Engine.SampleRate, s.conf.Engine.Channels)
		if err != nil {
			return nil, err
		}
		playout.RegisterDecoder(payloadType, dec)
	}

	return playout, nil
}

func (s *IngestService) handlePacket(
	playout mixer.Playout,
	builder *stats.ReportBuilder,
	payload []byte,
	packetMs uint32,
	slog logger.Logger,
) {
	var rtpPacket rtp.Packet
	if err := rtpPacket.Unmarshal(payload); err != nil {
		s.packetsDropped.Inc()
		prometheus.IncrementPacketsDropped("malformed", 1)
		slog.Debugw("dropping malformed packet", "error", err)
		return
	}

	pkt := packet.FromRTP(&rtpPacket, s.conf.Engine.SampleRate, s.conf.Engine.Channels, packetMs)
	builder.PacketReceived(rtpPacket.SequenceNumber, rtpPacket.Timestamp, rtpPacket.SSRC, pkt.ArrivalTime)

	if err := playout.InsertPacket(pkt); err != nil {
		s.packetsDropped.Inc()
		prometheus.IncrementPacketsDropped("insert", 1)
		slog.Debugw("dropping packet", "error", err, "seq", rtpPacket.SequenceNumber)
		return
	}

	s.packetsReceived.Inc()
	s.bytesReceived.Add(uint64(len(payload)))
	prometheus.IncrementPackets(prometheus.Incoming, 1)
	prometheus.IncrementBytes(prometheus.Incoming, uint64(len(payload)))
}

// reportWorker sends an RTCP receiver report at the configured interval until
// the connection closes.
func (s *IngestService) reportWorker(wsc *wsConn, builder *stats.ReportBuilder, done <-chan struct{}, slog logger.Logger) {
	interval := s.conf.Ingest.ReportInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rr := builder.Build()
			if len(rr.Reports) == 0 {
				continue
			}
			payload, err := rr.Marshal()
			if err != nil {
				slog.Warnw("could not marshal receiver report", err)
				continue
			}
			if err = wsc.WriteBinary(payload); err != nil {
				if !IsWebSocketCloseError(err) {
					slog.Warnw("could not send receiver report", err)
				}
				return
			}
			prometheus.IncrementPackets(prometheus.Outgoing, 1)
			prometheus.IncrementBytes(prometheus.Outgoing, uint64(len(payload)))
		}
	}
}

// receiverSSRC derives a stable report source id from the stream id.
func receiverSSRC(streamID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return h.Sum32()
}
