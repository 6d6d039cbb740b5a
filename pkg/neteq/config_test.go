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

package neteq

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigDefaults(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, uint32(16000), c.SampleRate)
	require.Equal(t, uint8(1), c.Channels)
	require.Equal(t, 200, c.MaxBufferedPackets)
	require.True(t, c.EnableFastAccelerate)
	require.True(t, c.Delay.UseReorderOptimizer)
	require.NoError(t, c.Validate())
}

func TestConfigWithDefaultsFillsZeroFields(t *testing.T) {
	c := Config{SampleRate: 48000, Channels: 2, MaxBufferedPackets: 50}
	filled := c.withDefaults()

	require.Equal(t, uint32(48000), filled.SampleRate)
	require.Equal(t, uint8(2), filled.Channels)
	require.Equal(t, 50, filled.MaxBufferedPackets)
	require.Equal(t, uint32(2000), filled.MaxPacketAgeMs)
	require.Equal(t, uint32(85), filled.Decision.DecelerationOffsetMs)
	require.Equal(t, uint32(6000), filled.Decision.MaxConcealmentMs)
	require.Equal(t, uint32(500), filled.SmartFlush.TargetLevelThresholdMs)
	// Booleans are taken as given, never defaulted.
	require.False(t, filled.EnableFastAccelerate)
}

func TestConfigValidate(t *testing.T) {
	base := *DefaultConfig()

	c := base
	c.SampleRate = 0
	require.ErrorIs(t, c.Validate(), ErrInvalidSampleRate)

	c = base
	c.Channels = 0
	require.ErrorIs(t, c.Validate(), ErrInvalidChannelCount)

	c = base
	c.MaxBufferedPackets = 0
	require.ErrorIs(t, c.Validate(), ErrInvalidCapacity)

	c = base
	c.MinimumDelayMs = 300
	c.MaximumDelayMs = 100
	require.ErrorIs(t, c.Validate(), ErrInvalidDelayBounds)

	// A minimum without a maximum is unconstrained above, and fine.
	c = base
	c.MinimumDelayMs = 300
	c.MaximumDelayMs = 0
	require.NoError(t, c.Validate())
}

func TestConfigYAMLOverlay(t *testing.T) {
	conf := `
sample_rate: 48000
channels: 2
enable_fast_accelerate: false
decision:
  max_concealment_ms: 3000
delay:
  start_delay_ms: 60
`
	c := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(conf), c))

	require.Equal(t, uint32(48000), c.SampleRate)
	require.Equal(t, uint8(2), c.Channels)
	require.False(t, c.EnableFastAccelerate)
	require.Equal(t, uint32(3000), c.Decision.MaxConcealmentMs)
	require.Equal(t, uint32(60), c.Delay.StartDelayMs)
	// Fields absent from the overlay keep their defaults.
	require.Equal(t, 200, c.MaxBufferedPackets)
	require.Equal(t, uint32(85), c.Decision.DecelerationOffsetMs)
}
