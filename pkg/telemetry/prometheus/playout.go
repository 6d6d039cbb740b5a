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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/livekit/neteq/pkg/neteq"
)

var (
	framesMixed   atomic.Uint64
	framesDropped atomic.Uint64

	promStreamCurrent   *prometheus.GaugeVec
	promListenerCurrent prometheus.Gauge
	promFrameCounter    *prometheus.CounterVec
	promPlayoutCounter  *prometheus.CounterVec
)

func initPlayoutStats(nodeID string) {
	promStreamCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "stream",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"strategy"})
	promListenerCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "listener",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promFrameCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "mix",
		Name:        "frames",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"state"})
	promPlayoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   livekitNamespace,
		Subsystem:   "playout",
		Name:        "samples",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"kind"})

	prometheus.MustRegister(promStreamCurrent)
	prometheus.MustRegister(promListenerCurrent)
	prometheus.MustRegister(promFrameCounter)
	prometheus.MustRegister(promPlayoutCounter)
}

func StreamStarted(strategy string) {
	promStreamCurrent.WithLabelValues(strategy).Add(1)
}

func StreamEnded(strategy string) {
	promStreamCurrent.WithLabelValues(strategy).Sub(1)
}

func ListenerStarted() {
	promListenerCurrent.Add(1)
}

func ListenerEnded() {
	promListenerCurrent.Sub(1)
}

func IncrementFramesMixed(count uint64) {
	promFrameCounter.WithLabelValues("mixed").Add(float64(count))
	framesMixed.Add(count)
}

func IncrementFramesDropped(count uint64) {
	promFrameCounter.WithLabelValues("dropped").Add(float64(count))
	framesDropped.Add(count)
}

// RecordPlayoutLifetime folds a departed stream's lifetime counters into the
// node totals.
func RecordPlayoutLifetime(s neteq.Stats) {
	lifetime := s.Lifetime
	promPlayoutCounter.WithLabelValues("received").Add(float64(lifetime.TotalSamplesReceived))
	promPlayoutCounter.WithLabelValues("concealed").Add(float64(lifetime.ConcealedSamples))
	promPlayoutCounter.WithLabelValues("silent_concealed").Add(float64(lifetime.SilentConcealedSamples))
	promPlayoutCounter.WithLabelValues("accelerated").Add(float64(lifetime.RemovedSamplesForAcceleration))
	promPlayoutCounter.WithLabelValues("decelerated").Add(float64(lifetime.InsertedSamplesForDeceleration))
}
