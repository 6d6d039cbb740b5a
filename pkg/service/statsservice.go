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
	"encoding/json"
	"net/http"
	"time"

	"github.com/livekit/neteq/pkg/mixer"
	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/telemetry/prometheus"
)

// StatsService serves JSON diagnostics: the whole node by default, one
// stream with ?stream=<id>. Departed streams stay queryable while their
// final snapshot is retained.
type StatsService struct {
	nodeID    string
	startedAt time.Time
	mixer     *mixer.Mixer
	ingest    *IngestService
	mix       *MixService
	nodeStats func() *prometheus.NodeStats
}

type StatsServiceParams struct {
	NodeID    string
	StartedAt time.Time
	Mixer     *mixer.Mixer
	Ingest    *IngestService
	Mix       *MixService
	// NodeStats returns the latest system snapshot, nil when none has been
	// taken yet.
	NodeStats func() *prometheus.NodeStats
}

func NewStatsService(params StatsServiceParams) *StatsService {
	return &StatsService{
		nodeID:    params.NodeID,
		startedAt: params.StartedAt,
		mixer:     params.Mixer,
		ingest:    params.Ingest,
		mix:       params.Mix,
		nodeStats: params.NodeStats,
	}
}

// ServerStats is the full diagnostics document.
type ServerStats struct {
	NodeID    string                `json:"node_id"`
	StartedAt time.Time             `json:"started_at"`
	Uptime    string                `json:"uptime"`
	Format    MixFormat             `json:"format"`
	Mixer     mixer.Stats           `json:"mixer"`
	Ingest    IngestStats           `json:"ingest"`
	Listeners ListenerStats         `json:"listeners"`
	Node      *prometheus.NodeStats `json:"node,omitempty"`
}

// StreamStats is the single-stream diagnostics document.
type StreamStats struct {
	StreamID string      `json:"stream_id"`
	Active   bool        `json:"active"`
	Stats    neteq.Stats `json:"stats"`
}

func (s *StatsService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if streamID := r.FormValue("stream"); streamID != "" {
		s.serveStream(w, r, streamID)
		return
	}

	stats := ServerStats{
		NodeID:    s.nodeID,
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Format:    s.mix.Format(),
		Mixer:     s.mixer.Stats(),
		Ingest:    s.ingest.Stats(),
		Listeners: s.mix.Stats(),
	}
	if s.nodeStats != nil {
		stats.Node = s.nodeStats()
	}

	writeJSON(w, r, stats)
}

func (s *StatsService) serveStream(w http.ResponseWriter, r *http.Request, streamID string) {
	if stats, ok := s.mixer.StreamStats(streamID); ok {
		writeJSON(w, r, StreamStats{StreamID: streamID, Active: true, Stats: stats})
		return
	}
	if stats, ok := s.mixer.DepartedStreamStats(streamID); ok {
		writeJSON(w, r, StreamStats{StreamID: streamID, Stats: stats})
		return
	}
	handleError(w, r, http.StatusNotFound, ErrStreamNotFound, "streamID", streamID)
}

func writeJSON(w http.ResponseWriter, r *http.Request, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		handleError(w, r, http.StatusInternalServerError, err)
	}
}
