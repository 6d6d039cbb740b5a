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

package delay

import (
	"sync"
	"time"

	"github.com/livekit/neteq/pkg/logger"
)

const (
	delayBuckets = 100
	bucketSizeMs = 20

	defaultStartDelayMs = 80
)

// Config tunes the delay estimate. The zero value of a field falls back to
// its default, except ResampleIntervalMs and AdditionalDelayMs where zero
// means disabled, and BaseMinimumDelayMs where zero means no floor.
type Config struct {
	// Quantile of the relative delay distribution the target tracks.
	Quantile float64 `yaml:"quantile,omitempty"`
	// ForgetFactor is the steady state histogram leak per observation.
	ForgetFactor float64 `yaml:"forget_factor,omitempty"`
	// StartForgetWeight ramps adaptation speed after a reset. <= 0 disables.
	StartForgetWeight float64 `yaml:"start_forget_weight,omitempty"`
	// ResampleIntervalMs registers the max relative delay once per interval
	// instead of every packet, so oscillating jitter is not averaged away.
	ResampleIntervalMs uint32 `yaml:"resample_interval_ms,omitempty"`
	// MaxHistoryMs bounds the arrival delay history by wall clock age.
	MaxHistoryMs uint32 `yaml:"max_history_ms,omitempty"`
	// StartDelayMs seeds the target before any adaptation data exists.
	StartDelayMs uint32 `yaml:"start_delay_ms,omitempty"`

	BaseMinimumDelayMs uint32 `yaml:"base_minimum_delay_ms,omitempty"`
	BaseMaximumDelayMs uint32 `yaml:"base_maximum_delay_ms,omitempty"`
	// AdditionalDelayMs is a constant offset added on top of the target.
	AdditionalDelayMs uint32 `yaml:"additional_delay_ms,omitempty"`

	// UseReorderOptimizer raises the target when packets arrive reordered.
	UseReorderOptimizer bool    `yaml:"use_reorder_optimizer"`
	ReorderForgetFactor float64 `yaml:"reorder_forget_factor,omitempty"`
	// MsPerLossPercent is how many ms of delay one percent of late loss is
	// worth to the reorder optimizer.
	MsPerLossPercent uint32 `yaml:"ms_per_loss_percent,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Quantile:            0.97,
		ForgetFactor:        0.9993,
		StartForgetWeight:   2.0,
		ResampleIntervalMs:  500,
		MaxHistoryMs:        2000,
		StartDelayMs:        defaultStartDelayMs,
		BaseMinimumDelayMs:  0,
		BaseMaximumDelayMs:  2000,
		AdditionalDelayMs:   0,
		UseReorderOptimizer: true,
		ReorderForgetFactor: 0.9993,
		MsPerLossPercent:    20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Quantile <= 0 {
		c.Quantile = def.Quantile
	}
	if c.ForgetFactor <= 0 {
		c.ForgetFactor = def.ForgetFactor
	}
	if c.MaxHistoryMs == 0 {
		c.MaxHistoryMs = def.MaxHistoryMs
	}
	if c.StartDelayMs == 0 {
		c.StartDelayMs = def.StartDelayMs
	}
	if c.BaseMaximumDelayMs == 0 {
		c.BaseMaximumDelayMs = def.BaseMaximumDelayMs
	}
	if c.ReorderForgetFactor <= 0 {
		c.ReorderForgetFactor = def.ReorderForgetFactor
	}
	if c.MsPerLossPercent == 0 {
		c.MsPerLossPercent = def.MsPerLossPercent
	}
	return c
}

// ------------------------------------------------

type ManagerParams struct {
	Config Config
	Logger logger.Logger
}

// Manager derives the target buffer level from packet arrivals. The target
// follows a quantile of the observed relative delays, clamped between the
// effective minimum and maximum delay bounds. Safe for concurrent use.
type Manager struct {
	lock   sync.Mutex
	config Config
	logger logger.Logger

	tracker   *arrivalDelayTracker
	histogram *Histogram
	reorder   *reorderOptimizer

	targetLevelMs           uint32
	minimumDelayMs          uint32
	effectiveMinimumDelayMs uint32
	maximumDelayMs          uint32
	effectiveMaximumDelayMs uint32

	resampledRelativeDelay int32
	lastResampleTime       time.Time
}

func NewManager(params ManagerParams) *Manager {
	config := params.Config.withDefaults()
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	m := &Manager{
		config:                  config,
		logger:                  params.Logger.WithComponent("delaymanager"),
		tracker:                 newArrivalDelayTracker(config.MaxHistoryMs),
		histogram:               NewHistogram(delayBuckets, config.ForgetFactor, config.StartForgetWeight),
		targetLevelMs:           max(config.StartDelayMs, config.BaseMinimumDelayMs),
		effectiveMinimumDelayMs: config.BaseMinimumDelayMs,
		effectiveMaximumDelayMs: config.BaseMaximumDelayMs,
	}
	if config.UseReorderOptimizer {
		m.reorder = newReorderOptimizer(config.ReorderForgetFactor, config.MsPerLossPercent, config.StartForgetWeight)
	}
	return m
}

// Update feeds one packet arrival into the estimate and returns the relative
// arrival delay the tracker saw, in milliseconds. reset discards all
// adaptation state first, used when the stream restarts.
func (m *Manager) Update(timestamp uint32, sampleRate uint32, arrival time.Time, reset bool) int32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	if reset {
		m.resetLocked()
	}

	relativeDelay, reordered := m.tracker.update(timestamp, sampleRate, arrival)

	// Reordered packets feed only the reorder optimizer, otherwise their
	// inflated delays would drag the underrun quantile up as well.
	if m.reorder == nil || !reordered {
		m.updateUnderrunLocked(relativeDelay, arrival)
	}

	prevTarget := m.targetLevelMs
	// Until the histogram has data the seeded start delay stands.
	if m.histogram.AddCount() > 0 {
		m.targetLevelMs = uint32(1+m.histogram.Quantile(m.config.Quantile)) * bucketSizeMs
	}
	if m.reorder != nil {
		m.reorder.update(relativeDelay, reordered, m.targetLevelMs)
		if opt := m.reorder.optimalDelayMs; opt > m.targetLevelMs {
			m.targetLevelMs = opt
		}
	}

	if m.targetLevelMs < m.effectiveMinimumDelayMs {
		m.targetLevelMs = m.effectiveMinimumDelayMs
	}
	if m.targetLevelMs > m.effectiveMaximumDelayMs {
		m.targetLevelMs = m.effectiveMaximumDelayMs
	}

	if m.targetLevelMs != prevTarget {
		m.logger.Debugw(
			"target delay updated",
			"targetDelayMs", m.targetLevelMs,
			"minDelayMs", m.effectiveMinimumDelayMs,
			"maxDelayMs", m.effectiveMaximumDelayMs,
		)
	}
	return relativeDelay
}

func (m *Manager) updateUnderrunLocked(relativeDelay int32, arrival time.Time) {
	if m.config.ResampleIntervalMs == 0 {
		m.registerRelativeDelayLocked(relativeDelay)
		return
	}

	if m.lastResampleTime.IsZero() {
		m.lastResampleTime = arrival
	} else {
		interval := time.Duration(m.config.ResampleIntervalMs) * time.Millisecond
		elapsed := arrival.Sub(m.lastResampleTime)
		if elapsed >= interval {
			m.registerRelativeDelayLocked(m.resampledRelativeDelay)
			m.resampledRelativeDelay = 0

			// Advance by whole intervals so the schedule does not drift.
			m.lastResampleTime = m.lastResampleTime.Add(elapsed.Truncate(interval))
		}
	}
	if relativeDelay > m.resampledRelativeDelay {
		m.resampledRelativeDelay = relativeDelay
	}
}

func (m *Manager) registerRelativeDelayLocked(relativeDelay int32) {
	index := int(relativeDelay) / bucketSizeMs
	if index < m.histogram.NumBuckets() {
		m.histogram.Add(index)
	}
}

// TargetDelayMs returns the current target buffer level in milliseconds.
func (m *Manager) TargetDelayMs() uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	t := m.targetLevelMs + m.config.AdditionalDelayMs
	if t < m.effectiveMinimumDelayMs {
		t = m.effectiveMinimumDelayMs
	}
	if t > m.effectiveMaximumDelayMs {
		t = m.effectiveMaximumDelayMs
	}
	return t
}

// SetMinimumDelay sets the runtime minimum delay constraint. Zero removes
// it. Returns the effective minimum after clamping against the base bounds.
func (m *Manager) SetMinimumDelay(delayMs uint32) uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.minimumDelayMs = delayMs
	m.updateEffectiveDelayBoundsLocked()
	return m.effectiveMinimumDelayMs
}

// SetMaximumDelay sets the runtime maximum delay constraint. Zero removes
// it. Returns the effective maximum after clamping against the base bounds.
func (m *Manager) SetMaximumDelay(delayMs uint32) uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.maximumDelayMs = delayMs
	m.updateEffectiveDelayBoundsLocked()
	return m.effectiveMaximumDelayMs
}

func (m *Manager) SetBaseMinimumDelay(delayMs uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.config.BaseMinimumDelayMs = delayMs
	m.updateEffectiveDelayBoundsLocked()
}

func (m *Manager) BaseMinimumDelay() uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.config.BaseMinimumDelayMs
}

func (m *Manager) SetBaseMaximumDelay(delayMs uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.config.BaseMaximumDelayMs = delayMs
	m.updateEffectiveDelayBoundsLocked()
}

func (m *Manager) BaseMaximumDelay() uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.config.BaseMaximumDelayMs
}

func (m *Manager) updateEffectiveDelayBoundsLocked() {
	// The base maximum reflects how much the buffer can hold, so it wins
	// over every other constraint.
	upperBound := m.config.BaseMaximumDelayMs
	lowerBound := min(m.config.BaseMinimumDelayMs, upperBound)

	if m.minimumDelayMs > 0 {
		m.effectiveMinimumDelayMs = min(max(m.minimumDelayMs, lowerBound), upperBound)
	} else {
		m.effectiveMinimumDelayMs = lowerBound
	}

	if m.maximumDelayMs > 0 {
		m.effectiveMaximumDelayMs = min(max(m.maximumDelayMs, m.effectiveMinimumDelayMs), upperBound)
	} else {
		m.effectiveMaximumDelayMs = upperBound
	}
}

// Reset discards all adaptation state and reseeds the target with the
// configured start delay.
func (m *Manager) Reset() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.resetLocked()
}

func (m *Manager) resetLocked() {
	m.tracker.reset()
	m.histogram.Reset()
	if m.reorder != nil {
		m.reorder.reset()
	}
	m.targetLevelMs = max(m.config.StartDelayMs, m.config.BaseMinimumDelayMs)
	m.resampledRelativeDelay = 0
	m.lastResampleTime = time.Time{}
}
