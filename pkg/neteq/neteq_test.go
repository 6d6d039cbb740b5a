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
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/neteq/pkg/neteq/packet"
)

const testSampleRate = 16000

func floatPayload(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// constPacket carries durationMs of mono audio at a constant sample value,
// encoded as raw float32 so the fallback decoder handles it.
func constPacket(seq uint16, ts uint32, durationMs uint32, value float32) *packet.Packet {
	samples := make([]float32, testSampleRate/1000*durationMs)
	for i := range samples {
		samples[i] = value
	}
	return packet.New(seq, ts, 0xdecafbad, 96, floatPayload(samples), testSampleRate, 1, durationMs)
}

func tonePacket(seq uint16, ts uint32, durationMs uint32) *packet.Packet {
	n := int(testSampleRate / 1000 * durationMs)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(int(ts)+i)/testSampleRate))
	}
	return packet.New(seq, ts, 0xdecafbad, 96, floatPayload(samples), testSampleRate, 1, durationMs)
}

func newTestEngine(t *testing.T, config *Config) *NetEq {
	t.Helper()
	eng, err := New(config)
	require.NoError(t, err)
	return eng
}

// ------------------------------------------------

func TestReorderedPacketsPlayInOrder(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate:              testSampleRate,
		Channels:                1,
		ForTestNoTimeStretching: true,
	})

	// Arrive 2, 1, 3; playout must come back 1, 2, 3.
	require.NoError(t, eng.InsertPacket(constPacket(2, 320, 20, 0.2)))
	require.NoError(t, eng.InsertPacket(constPacket(1, 0, 20, 0.1)))
	require.NoError(t, eng.InsertPacket(constPacket(3, 640, 20, 0.3)))

	expected := []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3}
	for i, want := range expected {
		frame, err := eng.GetAudio(eng.SamplesPerTick())
		require.NoError(t, err)
		require.Equal(t, SpeechTypeNormal, frame.SpeechType, "tick %d", i)
		require.InDelta(t, want, frame.Samples[0], 1e-6, "tick %d", i)
		require.InDelta(t, want, frame.Samples[len(frame.Samples)-1], 1e-6, "tick %d", i)
	}

	st := eng.Stats()
	require.Equal(t, uint32(1), st.Network.ReorderedPackets)
	require.Equal(t, uint32(3), st.Network.TotalPacketsReceived)
	require.Zero(t, st.Lifetime.Underruns)
	require.Zero(t, st.Lifetime.ConcealmentEvents)
}

func TestStarvationFadesIntoComfortNoise(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate:              testSampleRate,
		Channels:                1,
		ForTestNoTimeStretching: true,
	})
	require.NoError(t, eng.InsertPacket(tonePacket(0, 0, 20)))

	var normal, expand, cng int
	var firstCNGTick int
	for i := 0; i < 50; i++ {
		frame, err := eng.GetAudio(eng.SamplesPerTick())
		require.NoError(t, err)
		require.Len(t, frame.Samples, eng.SamplesPerTick())
		switch frame.SpeechType {
		case SpeechTypeNormal:
			normal++
		case SpeechTypeExpand:
			expand++
			require.False(t, frame.VADActivity)
		case SpeechTypeCNG:
			if cng == 0 {
				firstCNGTick = i
			}
			cng++
		}
	}

	// 20ms of real audio, then expansion until the 200ms fade runs out,
	// comfort noise from there on.
	require.Equal(t, 2, normal)
	require.GreaterOrEqual(t, expand, 20)
	require.LessOrEqual(t, expand, 25)
	require.GreaterOrEqual(t, cng, 20)
	require.Greater(t, firstCNGTick, 20)

	st := eng.Stats()
	require.Equal(t, uint64(1), st.Lifetime.Underruns)
	require.Equal(t, uint64(1), st.Lifetime.ConcealmentEvents)
	require.Greater(t, st.Lifetime.ConcealedSamples, uint64(0))
	require.Greater(t, st.Lifetime.SilentConcealedSamples, uint64(0))
	require.Equal(t, OperationComfortNoise, eng.LastOperation())
}

func TestLateJoinBurstDrainsWithAcceleration(t *testing.T) {
	eng := newTestEngine(t, nil)

	seq := uint16(0)
	ts := uint32(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, eng.InsertPacket(tonePacket(seq, ts, 20)))
		seq++
		ts += 320
	}
	require.LessOrEqual(t, eng.CurrentBufferSizeMs(), uint32(100))

	// A second speaker joins with a 200ms timestamp gap and a burst of
	// packets behind it.
	ts += 10 * 320
	for i := 0; i < 8; i++ {
		require.NoError(t, eng.InsertPacket(tonePacket(seq, ts, 20)))
		seq++
		ts += 320
	}
	require.LessOrEqual(t, eng.CurrentBufferSizeMs(), uint32(500))

	accelerated := 0
	for i := 0; i < 20; i++ {
		frame, err := eng.GetAudio(eng.SamplesPerTick())
		require.NoError(t, err)
		require.Len(t, frame.Samples, eng.SamplesPerTick())
		if op := eng.LastOperation(); op == OperationAccelerate || op == OperationFastAccelerate {
			accelerated++
		}
		require.LessOrEqual(t, eng.CurrentBufferSizeMs(), uint32(500))
	}

	require.Greater(t, accelerated, 0)
	require.Greater(t, eng.Stats().Lifetime.RemovedSamplesForAcceleration, uint64(0))
	require.LessOrEqual(t, eng.CurrentBufferSizeMs(), uint32(400))
}

func TestBurstBacklogFastForwardsToTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinimumDelayMs = 80
	eng := newTestEngine(t, cfg)

	// A late joiner's first pull of a long-running stream: 1.2s of audio
	// lands at once while the target is pinned at 80ms.
	seq := uint16(0)
	ts := uint32(0)
	for i := 0; i < 60; i++ {
		require.NoError(t, eng.InsertPacket(tonePacket(seq, ts, 20)))
		seq++
		ts += 320
	}
	require.Equal(t, uint32(1200), eng.CurrentBufferSizeMs())
	require.Equal(t, 60, eng.Stats().PacketsAwaitingDecode)
	require.Equal(t, uint32(80), eng.TargetDelayMs())

	// The live stream keeps delivering one 20ms packet every other tick.
	// The backlog must collapse to the operating band within these ten
	// ticks, not bleed out over sixty accelerated ones.
	var ops []Operation
	converged := 0
	for tick := 1; tick <= 10; tick++ {
		if tick%2 == 0 {
			require.NoError(t, eng.InsertPacket(tonePacket(seq, ts, 20)))
			seq++
			ts += 320
		}
		frame, err := eng.GetAudio(eng.SamplesPerTick())
		require.NoError(t, err)
		require.Len(t, frame.Samples, eng.SamplesPerTick())
		ops = append(ops, eng.LastOperation())

		levelMs := eng.CurrentBufferSizeMs()
		if converged == 0 && levelMs <= 80 {
			converged = tick
		}
		if converged != 0 {
			// Once in band, stay there: no over-drain below one packet
			// under the low watermark, no climb back over the target.
			require.LessOrEqual(t, levelMs, uint32(80), "tick %d", tick)
			require.GreaterOrEqual(t, levelMs, uint32(40), "tick %d", tick)
		}
	}

	for i, op := range ops[:3] {
		require.Equal(t, OperationFastAccelerate, op, "tick %d", i+1)
	}
	require.NotZero(t, converged)

	st := eng.Stats()
	require.GreaterOrEqual(t, st.Operations.DiscardedPrimaryPackets, uint64(50))
	require.Zero(t, st.Lifetime.BufferFlushes)
	require.Zero(t, st.Lifetime.Underruns)
	require.Zero(t, st.Lifetime.ConcealmentEvents)
}

func TestDelayBoundsRejectedAtConstruction(t *testing.T) {
	_, err := New(&Config{
		SampleRate:     testSampleRate,
		Channels:       1,
		MinimumDelayMs: 150,
		MaximumDelayMs: 50,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidDelayBounds)
}

func TestDecisionThresholds(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate:           testSampleRate,
		Channels:             1,
		EnableFastAccelerate: true,
	})

	// Target 80ms: low watermark 960 samples, high 1280, fast at 4x high.
	eng.filter.SetTargetBufferLevel(80)

	eng.filter.SetFilteredBufferLevel(800)
	require.Equal(t, OperationPreemptiveExpand, eng.decideTimeScale(80))

	eng.filter.SetFilteredBufferLevel(1000)
	require.Equal(t, OperationNormal, eng.decideTimeScale(80))

	eng.filter.SetFilteredBufferLevel(1300)
	require.Equal(t, OperationAccelerate, eng.decideTimeScale(80))

	eng.filter.SetFilteredBufferLevel(5200)
	require.Equal(t, OperationFastAccelerate, eng.decideTimeScale(80))

	eng.config.EnableFastAccelerate = false
	require.Equal(t, OperationAccelerate, eng.decideTimeScale(80))
}

func TestEveryOperationFillsFullFrame(t *testing.T) {
	for _, channels := range []uint8{1, 2} {
		eng := newTestEngine(t, &Config{
			SampleRate: testSampleRate,
			Channels:   channels,
		})
		frameSamples := eng.SamplesPerTick() * int(channels)

		seq := uint16(0)
		ts := uint32(0)
		for tick := 0; tick < 300; tick++ {
			// Bursty arrivals: overfeed, then starve, then resume.
			switch {
			case tick < 40:
				for i := 0; i < 2; i++ {
					samples := make([]float32, testSampleRate/1000*20*uint32(channels))
					for j := range samples {
						samples[j] = 0.4 * float32(math.Sin(2*math.Pi*330*float64(j)/testSampleRate))
					}
					p := packet.New(seq, ts, 0xdecafbad, 96, floatPayload(samples), testSampleRate, channels, 20)
					require.NoError(t, eng.InsertPacket(p))
					seq++
					ts += 320
				}
			case tick < 150:
				// Starve.
			default:
				if tick%2 == 0 {
					samples := make([]float32, testSampleRate/1000*20*uint32(channels))
					p := packet.New(seq, ts, 0xdecafbad, 96, floatPayload(samples), testSampleRate, channels, 20)
					require.NoError(t, eng.InsertPacket(p))
					seq++
					ts += 320
				}
			}

			frame, err := eng.GetAudio(eng.SamplesPerTick())
			require.NoError(t, err)
			require.Len(t, frame.Samples, frameSamples, "channels %d tick %d op %s", channels, tick, eng.LastOperation())
			require.Equal(t, eng.SamplesPerTick(), frame.SamplesPerChannel)
		}
	}
}

func TestDiscontinuityRestartsStream(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate:              testSampleRate,
		Channels:                1,
		ForTestNoTimeStretching: true,
	})

	require.NoError(t, eng.InsertPacket(tonePacket(0, 0, 20)))
	require.NoError(t, eng.InsertPacket(tonePacket(1, 320, 20)))

	// An 11 second timestamp jump cannot be jitter; the stream restarted.
	jumpTS := uint32(320 + 11*testSampleRate)
	require.NoError(t, eng.InsertPacket(tonePacket(2, jumpTS, 20)))

	st := eng.Stats()
	require.Equal(t, uint64(1), st.Lifetime.StreamResets)
	require.GreaterOrEqual(t, st.Lifetime.BufferFlushes, uint64(1))

	// Only the post-jump packet survives and plays normally.
	require.Equal(t, 1, eng.Stats().PacketsAwaitingDecode)
	frame, err := eng.GetAudio(eng.SamplesPerTick())
	require.NoError(t, err)
	require.Equal(t, SpeechTypeNormal, frame.SpeechType)
	require.False(t, eng.resetPending.Load())

	// A huge sequence jump with a plausible timestamp also restarts.
	require.NoError(t, eng.InsertPacket(tonePacket(3000, jumpTS+640, 20)))
	require.Equal(t, uint64(2), eng.Stats().Lifetime.StreamResets)
}

func TestConcealmentBudgetForcesRestart(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate: testSampleRate,
		Channels:   1,
		Decision: DecisionConfig{
			MaxConcealmentMs: 100,
		},
	})

	// Nothing was ever inserted; concealment runs from the first tick.
	for i := 0; i < 10; i++ {
		frame, err := eng.GetAudio(eng.SamplesPerTick())
		require.NoError(t, err)
		require.Equal(t, SpeechTypeExpand, frame.SpeechType)
	}

	// The budget is spent; the engine restarts itself and falls back to
	// comfort noise.
	frame, err := eng.GetAudio(eng.SamplesPerTick())
	require.NoError(t, err)
	require.Equal(t, SpeechTypeCNG, frame.SpeechType)
	st := eng.Stats()
	require.Equal(t, uint64(1), st.Lifetime.StreamResets)
	require.Equal(t, uint64(2), st.Lifetime.ConcealmentEvents)

	// Real audio recovers playout after the restart.
	require.NoError(t, eng.InsertPacket(tonePacket(0, 0, 20)))
	frame, err = eng.GetAudio(eng.SamplesPerTick())
	require.NoError(t, err)
	require.Equal(t, SpeechTypeNormal, frame.SpeechType)
}

func TestUndecodablePacketsAreConcealed(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate:              testSampleRate,
		Channels:                1,
		ForTestNoTimeStretching: true,
	})

	// Payload length is not float32 aligned; the fallback decoder rejects it.
	bad := packet.New(0, 0, 0xdecafbad, 96, []byte{1, 2, 3}, testSampleRate, 1, 20)
	require.NoError(t, eng.InsertPacket(bad))

	frame, err := eng.GetAudio(eng.SamplesPerTick())
	require.NoError(t, err)
	require.Len(t, frame.Samples, eng.SamplesPerTick())
	require.Equal(t, SpeechTypeExpand, frame.SpeechType)
	require.Equal(t, uint64(1), eng.Stats().Lifetime.ConcealmentEvents)
	require.True(t, eng.Empty())
}

func TestFlushDropsBufferAndResetsPlayout(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate:              testSampleRate,
		Channels:                1,
		ForTestNoTimeStretching: true,
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, eng.InsertPacket(tonePacket(uint16(i), uint32(i)*320, 20)))
	}
	require.False(t, eng.Empty())

	eng.Flush()
	require.True(t, eng.Empty())
	require.Zero(t, eng.CurrentBufferSizeMs())
	require.GreaterOrEqual(t, eng.Stats().Lifetime.BufferFlushes, uint64(1))

	frame, err := eng.GetAudio(eng.SamplesPerTick())
	require.NoError(t, err)
	require.Equal(t, SpeechTypeExpand, frame.SpeechType)
	require.False(t, eng.resetPending.Load())
}

func TestDelayBoundsAtRuntime(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate:     testSampleRate,
		Channels:       1,
		MinimumDelayMs: 120,
	})
	require.GreaterOrEqual(t, eng.TargetDelayMs(), uint32(120))

	require.Equal(t, uint32(500), eng.SetMaximumDelay(500))
	require.Equal(t, uint32(200), eng.SetMinimumDelay(200))
	require.GreaterOrEqual(t, eng.TargetDelayMs(), uint32(200))
	require.LessOrEqual(t, eng.TargetDelayMs(), uint32(500))
}

func TestConcurrentInsertAndPlayout(t *testing.T) {
	eng := newTestEngine(t, nil)

	const packets = 200
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ts := uint32(0)
		for i := 0; i < packets; i++ {
			_ = eng.InsertPacket(tonePacket(uint16(i), ts, 20))
			ts += 320
			if i%10 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < packets; i++ {
			frame, err := eng.GetAudio(eng.SamplesPerTick())
			if err != nil || len(frame.Samples) != eng.SamplesPerTick() {
				t.Errorf("tick %d: err=%v samples=%d", i, err, len(frame.Samples))
				return
			}
		}
	}()
	wg.Wait()

	require.Equal(t, uint32(packets), eng.Stats().Network.TotalPacketsReceived)
}

func TestInsertNilPacket(t *testing.T) {
	eng := newTestEngine(t, nil)
	require.ErrorIs(t, eng.InsertPacket(nil), ErrNilPacket)
}

func TestRequestedFrameSizeIsHonored(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate: testSampleRate,
		Channels:   1,
	})
	require.NoError(t, eng.InsertPacket(tonePacket(0, 0, 20)))
	require.NoError(t, eng.InsertPacket(tonePacket(1, 320, 20)))

	for _, samples := range []int{80, 160, 240, 441} {
		frame, err := eng.GetAudio(samples)
		require.NoError(t, err)
		require.Len(t, frame.Samples, samples)
		require.Equal(t, samples, frame.SamplesPerChannel)
	}

	_, err := eng.GetAudio(0)
	require.ErrorIs(t, err, ErrInvalidFrameSize)
	_, err = eng.GetAudio(-160)
	require.ErrorIs(t, err, ErrInvalidFrameSize)
}

func TestFrameTimestampAdvances(t *testing.T) {
	eng := newTestEngine(t, &Config{
		SampleRate:              testSampleRate,
		Channels:                1,
		ForTestNoTimeStretching: true,
	})
	require.NoError(t, eng.InsertPacket(tonePacket(0, 0, 20)))

	a, err := eng.GetAudio(eng.SamplesPerTick())
	require.NoError(t, err)
	b, err := eng.GetAudio(eng.SamplesPerTick())
	require.NoError(t, err)
	require.Equal(t, a.Timestamp+uint32(len(a.Samples)), b.Timestamp)
	require.Equal(t, uint32(10), a.DurationMs())
}
