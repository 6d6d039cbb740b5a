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

// Package prometheus registers and updates the node's metrics. Init must run
// before any other call; everything after is safe from any goroutine.
package prometheus

import (
	"time"

	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/livekit/neteq/pkg/config"
)

const (
	livekitNamespace string = "livekit"
)

var (
	initialized atomic.Bool

	promCPULoad    prometheus.Gauge
	promMemoryLoad prometheus.Gauge
)

func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	promCPULoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "node",
		Name:        "cpu_load",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promMemoryLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "node",
		Name:        "memory_load",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(promCPULoad)
	prometheus.MustRegister(promMemoryLoad)

	initPacketStats(nodeID)
	initPlayoutStats(nodeID)
}

// NodeStats is a sampled view of system load and traffic, served by /stats.
type NodeStats struct {
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NumCPUs          uint32  `json:"num_cpus"`
	CPULoad          float32 `json:"cpu_load"`
	MemoryLoad       float32 `json:"memory_load"`
	LoadAvgLast1Min  float32 `json:"load_avg_last1min"`
	LoadAvgLast5Min  float32 `json:"load_avg_last5min"`
	LoadAvgLast15Min float32 `json:"load_avg_last15min"`

	PacketsIn      uint64 `json:"packets_in"`
	PacketsOut     uint64 `json:"packets_out"`
	BytesIn        uint64 `json:"bytes_in"`
	BytesOut       uint64 `json:"bytes_out"`
	PacketsDropped uint64 `json:"packets_dropped"`
	FramesMixed    uint64 `json:"frames_mixed"`
	FramesDropped  uint64 `json:"frames_dropped"`

	PacketsInPerSec   float32 `json:"packets_in_per_sec"`
	PacketsOutPerSec  float32 `json:"packets_out_per_sec"`
	BytesInPerSec     float32 `json:"bytes_in_per_sec"`
	BytesOutPerSec    float32 `json:"bytes_out_per_sec"`
	FramesMixedPerSec float32 `json:"frames_mixed_per_sec"`
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// GetUpdatedNodeStats samples the system and snapshots the traffic counters.
// Per-second rates recompute when enough time has passed since prevAverage
// or when traffic moved; the returned bool reports which happened.
func GetUpdatedNodeStats(prev *NodeStats, prevAverage *NodeStats) (*NodeStats, bool, error) {
	loadAvg, err := getLoadAvg()
	if err != nil {
		return nil, false, err
	}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return nil, false, err
	}

	memoryLoad, _ := getMemoryStats()
	// memory sampling can fail on some platforms; use it when available

	bytesInNow := bytesIn.Load()
	bytesOutNow := bytesOut.Load()
	packetsInNow := packetsIn.Load()
	packetsOutNow := packetsOut.Load()
	packetsDroppedNow := packetsDropped.Load()
	framesMixedNow := framesMixed.Load()
	framesDroppedNow := framesDropped.Load()

	updatedAt := time.Now()
	elapsed := updatedAt.Sub(prevAverage.UpdatedAt).Seconds()
	// include sufficient buffer to be sure a stats update had taken place
	computeAverage := elapsed > config.StatsUpdateInterval.Seconds()+2
	if bytesInNow != prevAverage.BytesIn ||
		bytesOutNow != prevAverage.BytesOut ||
		packetsInNow != prevAverage.PacketsIn ||
		packetsOutNow != prevAverage.PacketsOut ||
		framesMixedNow != prevAverage.FramesMixed {
		computeAverage = true
	}

	stats := &NodeStats{
		StartedAt:         prev.StartedAt,
		UpdatedAt:         updatedAt,
		NumCPUs:           numCPUs,
		CPULoad:           cpuLoad,
		MemoryLoad:        memoryLoad,
		LoadAvgLast1Min:   float32(loadAvg.Loadavg1),
		LoadAvgLast5Min:   float32(loadAvg.Loadavg5),
		LoadAvgLast15Min:  float32(loadAvg.Loadavg15),
		PacketsIn:         packetsInNow,
		PacketsOut:        packetsOutNow,
		BytesIn:           bytesInNow,
		BytesOut:          bytesOutNow,
		PacketsDropped:    packetsDroppedNow,
		FramesMixed:       framesMixedNow,
		FramesDropped:     framesDroppedNow,
		PacketsInPerSec:   prevAverage.PacketsInPerSec,
		PacketsOutPerSec:  prevAverage.PacketsOutPerSec,
		BytesInPerSec:     prevAverage.BytesInPerSec,
		BytesOutPerSec:    prevAverage.BytesOutPerSec,
		FramesMixedPerSec: prevAverage.FramesMixedPerSec,
	}

	if computeAverage && elapsed > 0 {
		stats.PacketsInPerSec = perSec(prevAverage.PacketsIn, packetsInNow, elapsed)
		stats.PacketsOutPerSec = perSec(prevAverage.PacketsOut, packetsOutNow, elapsed)
		stats.BytesInPerSec = perSec(prevAverage.BytesIn, bytesInNow, elapsed)
		stats.BytesOutPerSec = perSec(prevAverage.BytesOut, bytesOutNow, elapsed)
		stats.FramesMixedPerSec = perSec(prevAverage.FramesMixed, framesMixedNow, elapsed)
	}

	promCPULoad.Set(float64(cpuLoad))
	promMemoryLoad.Set(float64(memoryLoad))

	return stats, computeAverage, nil
}

func perSec(prev, curr uint64, secs float64) float32 {
	return float32(float64(curr-prev) / secs)
}
