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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMultipleStreams(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}

	s := createServer(t, nil)
	l := newListener(t, s.Addr())

	first := newSender(t, s.Addr(), "stream_id=first&strategy=jitter")
	second := newSender(t, s.Addr(), "stream_id=second&strategy=direct")
	go first.sendTone(150, testPacketMs*time.Millisecond)
	go second.sendTone(150, testPacketMs*time.Millisecond)

	require.True(t, l.waitForAudio(300))

	require.Eventually(t, func() bool {
		stats := serverStats(t, s.Addr())
		return stats.Mixer.ActiveStreams == 2 && stats.Ingest.Connections == 2
	}, 10*time.Second, 100*time.Millisecond)

	// a departing stream leaves the mix without disturbing the other
	second.close()
	require.Eventually(t, func() bool {
		stats := serverStats(t, s.Addr())
		return stats.Mixer.ActiveStreams == 1
	}, 10*time.Second, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, ok := streamStats(t, s.Addr(), "second")
		return ok && !stats.Active
	}, 10*time.Second, 100*time.Millisecond)

	stats, ok := streamStats(t, s.Addr(), "first")
	require.True(t, ok)
	require.True(t, stats.Active)
}

func TestListenerChurn(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}

	s := createServer(t, nil)

	staying := newListener(t, s.Addr())
	leaving := newListener(t, s.Addr())

	require.Eventually(t, func() bool {
		return serverStats(t, s.Addr()).Listeners.Connections == 2
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, leaving.conn.Close())
	require.Eventually(t, func() bool {
		return serverStats(t, s.Addr()).Listeners.Connections == 1
	}, 10*time.Second, 100*time.Millisecond)

	// frames keep flowing to the listener that stayed
	require.NotEmpty(t, staying.readFrame())
}
