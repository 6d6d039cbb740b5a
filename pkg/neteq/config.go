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
	"github.com/pkg/errors"

	"github.com/livekit/neteq/pkg/neteq/delay"
	"github.com/livekit/neteq/pkg/neteq/packet"
)

// Config controls one engine instance. The zero value is not usable; start
// from DefaultConfig or pass a partially filled struct and let New fill the
// rest. Boolean fields are taken as given and never defaulted, so a literal
// Config{} runs with fast accelerate off.
type Config struct {
	// SampleRate is the output rate in Hz. Packets may carry any rate their
	// decoder understands; playout is resampled by the decoders themselves.
	SampleRate uint32 `yaml:"sample_rate,omitempty"`
	Channels   uint8  `yaml:"channels,omitempty"`

	// MaxBufferedPackets bounds the jitter buffer. Inserting beyond it
	// triggers a partial, then a full flush.
	MaxBufferedPackets int `yaml:"max_buffered_packets,omitempty"`
	// MaxPacketAgeMs evicts packets that sat in the buffer longer than this
	// before playout reached them.
	MaxPacketAgeMs uint32 `yaml:"max_packet_age_ms,omitempty"`

	// MinimumDelayMs and MaximumDelayMs clamp the adaptive target delay.
	// Zero means unconstrained. MinimumDelayMs above a non-zero
	// MaximumDelayMs fails validation rather than being clamped.
	MinimumDelayMs uint32 `yaml:"minimum_delay_ms,omitempty"`
	MaximumDelayMs uint32 `yaml:"maximum_delay_ms,omitempty"`

	// EnableFastAccelerate permits double-rate time compression when the
	// buffer runs far above target, at some audible cost.
	EnableFastAccelerate bool `yaml:"enable_fast_accelerate"`
	// ForTestNoTimeStretching demotes accelerate and preemptive expand to
	// normal decode, keeping playout bit-exact with the inserted stream.
	ForTestNoTimeStretching bool `yaml:"for_test_no_time_stretching"`

	Delay      delay.Config            `yaml:"delay,omitempty"`
	Decision   DecisionConfig          `yaml:"decision,omitempty"`
	SmartFlush packet.SmartFlushParams `yaml:"smart_flush,omitempty"`
}

// DecisionConfig tunes the per-tick operation choice.
type DecisionConfig struct {
	// DecelerationOffsetMs lowers the watermark below which preemptive
	// expand starts stretching audio out.
	DecelerationOffsetMs uint32 `yaml:"deceleration_offset_ms,omitempty"`
	// HighWindowMs is the minimum width of the band between the low and
	// high watermarks.
	HighWindowMs uint32 `yaml:"high_window_ms,omitempty"`
	// FastMultiplier scales the high watermark to the level at which fast
	// accelerate takes over from plain accelerate.
	FastMultiplier uint32 `yaml:"fast_multiplier,omitempty"`
	// ExpandFadeMs is how long continuous concealment takes to fade to the
	// noise floor, after which playout switches to comfort noise.
	ExpandFadeMs uint32 `yaml:"expand_fade_ms,omitempty"`
	// MaxConcealmentMs bounds a single concealment episode. Past it the
	// engine resets itself rather than keep synthesizing.
	MaxConcealmentMs uint32 `yaml:"max_concealment_ms,omitempty"`
	// MaxTimestampJumpMs and MaxSequenceJump bound the discontinuity a
	// stream may carry before insertion treats it as a restart.
	MaxTimestampJumpMs uint32 `yaml:"max_timestamp_jump_ms,omitempty"`
	MaxSequenceJump    uint16 `yaml:"max_sequence_jump,omitempty"`
}

func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		DecelerationOffsetMs: 85,
		HighWindowMs:         20,
		FastMultiplier:       4,
		ExpandFadeMs:         200,
		MaxConcealmentMs:     6000,
		MaxTimestampJumpMs:   10000,
		MaxSequenceJump:      1000,
	}
}

func DefaultConfig() *Config {
	return &Config{
		SampleRate:           16000,
		Channels:             1,
		MaxBufferedPackets:   200,
		MaxPacketAgeMs:       2000,
		EnableFastAccelerate: true,
		Delay:                delay.DefaultConfig(),
		Decision:             DefaultDecisionConfig(),
		SmartFlush:           packet.DefaultSmartFlushParams(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels == 0 {
		c.Channels = def.Channels
	}
	if c.MaxBufferedPackets == 0 {
		c.MaxBufferedPackets = def.MaxBufferedPackets
	}
	if c.MaxPacketAgeMs == 0 {
		c.MaxPacketAgeMs = def.MaxPacketAgeMs
	}
	if c.Decision.DecelerationOffsetMs == 0 {
		c.Decision.DecelerationOffsetMs = def.Decision.DecelerationOffsetMs
	}
	if c.Decision.HighWindowMs == 0 {
		c.Decision.HighWindowMs = def.Decision.HighWindowMs
	}
	if c.Decision.FastMultiplier == 0 {
		c.Decision.FastMultiplier = def.Decision.FastMultiplier
	}
	if c.Decision.ExpandFadeMs == 0 {
		c.Decision.ExpandFadeMs = def.Decision.ExpandFadeMs
	}
	if c.Decision.MaxConcealmentMs == 0 {
		c.Decision.MaxConcealmentMs = def.Decision.MaxConcealmentMs
	}
	if c.Decision.MaxTimestampJumpMs == 0 {
		c.Decision.MaxTimestampJumpMs = def.Decision.MaxTimestampJumpMs
	}
	if c.Decision.MaxSequenceJump == 0 {
		c.Decision.MaxSequenceJump = def.Decision.MaxSequenceJump
	}
	if c.SmartFlush.TargetLevelThresholdMs == 0 {
		c.SmartFlush.TargetLevelThresholdMs = def.SmartFlush.TargetLevelThresholdMs
	}
	if c.SmartFlush.TargetLevelMultiplier == 0 {
		c.SmartFlush.TargetLevelMultiplier = def.SmartFlush.TargetLevelMultiplier
	}
	return c
}

func (c Config) Validate() error {
	if c.SampleRate == 0 {
		return ErrInvalidSampleRate
	}
	if c.Channels == 0 {
		return ErrInvalidChannelCount
	}
	if c.MaxBufferedPackets <= 0 {
		return ErrInvalidCapacity
	}
	if c.MaximumDelayMs != 0 && c.MinimumDelayMs > c.MaximumDelayMs {
		return errors.Wrapf(ErrInvalidDelayBounds, "minimum %dms exceeds maximum %dms", c.MinimumDelayMs, c.MaximumDelayMs)
	}
	return nil
}
