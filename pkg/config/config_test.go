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

package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/neteq/pkg/config/configtest"
)

func TestConfigDefaultsKept(t *testing.T) {
	const content = `engine:
  minimum_delay_ms: 40
ingest:
  report_interval: 2s`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	// overridden keys
	require.Equal(t, uint32(40), conf.Engine.MinimumDelayMs)
	require.Equal(t, 2*time.Second, conf.Ingest.ReportInterval)

	// untouched keys keep defaults
	require.Equal(t, uint32(7980), conf.Port)
	require.Equal(t, uint32(16000), conf.Engine.SampleRate)
	require.True(t, conf.Engine.EnableFastAccelerate)
	require.Equal(t, StrategyJitter, conf.Ingest.Strategy)
	require.Equal(t, 10*time.Millisecond, conf.Mix.TickInterval)
	require.Equal(t, "pcm16", conf.Ingest.PayloadTypes[96])
}

func TestConfigUnknownKeysRejected(t *testing.T) {
	const content = `unknown: 10
engine:
  minimum_delay_ms: 40`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	// non-strict mode tolerates them
	_, err = NewConfig(content, false, nil, nil)
	require.NoError(t, err)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewConfig("port: 0", true, nil, nil)
	require.ErrorIs(t, err, ErrInvalidPort)

	_, err = NewConfig("ingest:\n  strategy: relay", true, nil, nil)
	require.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = NewConfig("ingest:\n  payload_types:\n    96: vorbis", true, nil, nil)
	require.Error(t, err)

	_, err = NewConfig("engine:\n  minimum_delay_ms: 500\n  maximum_delay_ms: 100", true, nil, nil)
	require.Error(t, err)
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, true)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Name = "neteq-server"
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("neteq-server", 0)
	for _, f := range generatedFlags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse([]string{
		"--port", "8080", // uint32
		"--ingest.strategy", "direct", // string
		"--engine.enable_fast_accelerate", // bool
		"--mix.tick_interval", "20ms", // time.Duration
		"--engine.delay.quantile", "0.95", // float64
	}))

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.Equal(t, uint32(8080), conf.Port)
	require.Equal(t, StrategyDirect, conf.Ingest.Strategy)
	require.True(t, conf.Engine.EnableFastAccelerate)
	require.Equal(t, 20*time.Millisecond, conf.Mix.TickInterval)
	require.Equal(t, 0.95, conf.Engine.Delay.Quantile)

	// flags left unset must not clobber layered defaults
	require.Equal(t, uint32(16000), conf.Engine.SampleRate)
	require.Equal(t, 5*time.Second, conf.Ingest.ReportInterval)
}

func TestConfigYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}

func TestDevelopmentModeDefaultsDebugLogging(t *testing.T) {
	conf, err := NewConfig("development: true\nlogging:\n  level: \"\"", true, nil, nil)
	require.NoError(t, err)
	require.True(t, conf.Development)
	require.Equal(t, "debug", conf.Logging.Level)
}
