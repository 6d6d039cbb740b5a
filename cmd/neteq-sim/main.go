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

// neteq-sim feeds an audio clip through the adaptive playout engine at
// real-time pace, pushing packets through a simulated network with
// configurable delay, reordering, and loss, and pulling audio the way a
// sound card would. It prints playout statistics at the end and can save
// the played-out audio for listening comparisons.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/neteq/codec"
	"github.com/livekit/neteq/pkg/neteq/packet"
	"github.com/livekit/neteq/version"
)

const (
	payloadTypePCM16    = 96
	payloadTypePCMFloat = 97
	simSSRC             = 0x12345678

	// warmupPackets are inserted before pacing starts, standing in for the
	// initial burst a live sender produces while the receiver joins.
	warmupPackets = 10

	// after the feed ends, keep pulling until the buffer is dry plus this
	// many 10ms ticks of concealment tail
	drainTailTicks = 50
)

var simFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "in",
		Usage: "input audio `FILE` (.wav or .mp3); omit to use a generated tone",
	},
	&cli.Float64Flag{
		Name:  "tone",
		Usage: "frequency in `HZ` of the generated tone used when no input file is given",
		Value: 440,
	},
	&cli.UintFlag{
		Name:  "sample-rate",
		Usage: "sample rate of the generated tone (file inputs keep their own rate)",
		Value: 16000,
	},
	&cli.DurationFlag{
		Name:  "duration",
		Usage: "cap on how much source audio to feed; 0 feeds the whole file (tones default to 10s)",
	},
	&cli.StringFlag{
		Name:  "codec",
		Usage: "payload codec to packetize with: pcm16 or pcmf32",
		Value: codec.NamePCM16,
	},
	&cli.UintFlag{
		Name:  "packet-ms",
		Usage: "audio duration carried per packet, in milliseconds",
		Value: 20,
	},
	&cli.Float64Flag{
		Name:  "delay",
		Usage: "network delay level, 0-1; each packet gains up to level*100ms of random delay",
	},
	&cli.Float64Flag{
		Name:  "out-of-order",
		Usage: "reorder level, 0-1; adds up to level*40ms of random jitter so packets overtake each other",
	},
	&cli.Float64Flag{
		Name:  "loss",
		Usage: "packet loss probability, 0-1",
	},
	&cli.Float64Flag{
		Name:  "burst",
		Usage: "probability that a loss extends to the following packet, 0-1; turns isolated drops into bursts",
	},
	&cli.UintFlag{
		Name:  "min-delay",
		Usage: "lower bound for the adaptive playout delay, in milliseconds",
	},
	&cli.Int64Flag{
		Name:  "seed",
		Usage: "random seed for the network simulator; 0 seeds from the clock",
	},
	&cli.StringFlag{
		Name:  "out",
		Usage: "write the played-out audio to a WAV `FILE`",
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "enable debug logging",
	},
}

func main() {
	app := &cli.App{
		Name:        "neteq-sim",
		Usage:       "offline jitter buffer simulator",
		Description: "replays an audio clip through the playout engine over a simulated lossy network",
		Flags:       simFlags,
		Action:      runSim,
		Version:     version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

// ------------------------------------------------

func runSim(c *cli.Context) error {
	if c.Bool("verbose") {
		logger.InitDevelopment("debug")
	} else {
		logger.InitDevelopment("info")
	}
	log := logger.GetLogger().WithComponent("sim")

	src, err := loadSimSource(c)
	if err != nil {
		return err
	}

	codecName := c.String("codec")
	var payloadType uint8
	switch codecName {
	case codec.NamePCM16:
		payloadType = payloadTypePCM16
	case codec.NamePCMFloat:
		payloadType = payloadTypePCMFloat
	default:
		return errors.Wrap(codec.ErrUnknownCodec, codecName)
	}

	packetMs := int(c.Uint("packet-ms"))
	if packetMs <= 0 || packetMs > 120 {
		return errors.New("packet-ms must be between 1 and 120")
	}

	conf := neteq.DefaultConfig()
	conf.SampleRate = src.sampleRate
	conf.Channels = src.channels
	conf.MinimumDelayMs = uint32(c.Uint("min-delay"))
	eng, err := neteq.New(conf)
	if err != nil {
		return err
	}
	dec, err := codec.ByName(codecName, src.sampleRate, src.channels)
	if err != nil {
		return err
	}
	eng.RegisterDecoder(payloadType, dec)

	seed := c.Int64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	sim := &simulator{
		eng:          eng,
		src:          src,
		logger:       log,
		payloadType:  payloadType,
		packetMs:     packetMs,
		delayLevel:   clamp01(c.Float64("delay")),
		reorderLevel: clamp01(c.Float64("out-of-order")),
		lossRate:     clamp01(c.Float64("loss")),
		burstRate:    clamp01(c.Float64("burst")),
		rng:          rand.New(rand.NewSource(seed)),
	}
	if codecName == codec.NamePCMFloat {
		sim.encode = encodePCMFloat
	} else {
		sim.encode = encodePCM16
	}
	outPath := c.String("out")
	if outPath != "" {
		sim.capture = make([]float32, 0, len(src.samples)+int(src.sampleRate))
	}

	log.Infow("starting simulation",
		"source", src.name,
		"duration", src.duration(),
		"sampleRate", src.sampleRate,
		"channels", src.channels,
		"codec", codecName,
		"packetMs", packetMs,
		"delayLevel", sim.delayLevel,
		"reorderLevel", sim.reorderLevel,
		"lossRate", sim.lossRate,
		"seed", seed,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infow("exit requested, finishing up", "signal", sig)
		cancel()
	}()

	start := time.Now()
	fedDone := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.feed(ctx, fedDone)
	})
	g.Go(func() error {
		return sim.drain(ctx, fedDone)
	})
	if err = g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	sim.renderSummary(time.Since(start))

	if outPath != "" {
		if err = writeWAV(outPath, sim.capture, src.sampleRate, src.channels); err != nil {
			return errors.Wrap(err, "writing output wav")
		}
		log.Infow("wrote playout capture", "path", outPath, "duration", sim.playedDuration())
	}
	return nil
}

func loadSimSource(c *cli.Context) (*source, error) {
	dur := c.Duration("duration")
	if path := c.String("in"); path != "" {
		var (
			src *source
			err error
		)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".wav":
			src, err = loadWAV(path)
		case ".mp3":
			src, err = loadMP3(path)
		default:
			err = errors.New("unsupported input format: " + filepath.Ext(path))
		}
		if err != nil {
			return nil, err
		}
		src.truncate(dur)
		return src, nil
	}

	if dur <= 0 {
		dur = 10 * time.Second
	}
	return generateTone(c.Float64("tone"), uint32(c.Uint("sample-rate")), dur), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// permille converts a Q14 fraction to per-mille.
func permille(q14 uint16) float64 {
	return float64(q14) / 16.384
}

// ------------------------------------------------

type simulator struct {
	eng    *neteq.NetEq
	src    *source
	logger logger.Logger
	encode func([]float32) []byte

	payloadType  uint8
	packetMs     int
	delayLevel   float64
	reorderLevel float64
	lossRate     float64
	burstRate    float64
	rng          *rand.Rand

	// written by feed, read after the run
	packetsSent  uint64
	packetsLost  uint64
	payloadBytes uint64

	// written by drain, read after the run
	samplesOut uint64
	capture    []float32
}

// feed packetizes the clip and delivers it at sender pace, each packet
// held back by the simulated network before insertion.
func (s *simulator) feed(ctx context.Context, fedDone chan struct{}) error {
	defer close(fedDone)

	var wg sync.WaitGroup
	defer wg.Wait()

	period := time.Duration(s.packetMs) * time.Millisecond
	samplesPerPacket := int(s.src.sampleRate) * s.packetMs / 1000
	frame := samplesPerPacket * int(s.src.channels)
	if frame == 0 {
		return errors.New("packet-ms too small for the source sample rate")
	}

	insert := func(pkt *packet.Packet) {
		if err := s.eng.InsertPacket(pkt); err != nil {
			s.logger.Warnw("insert failed", err, "seq", pkt.SequenceNumber)
		}
	}

	var (
		seq      uint16
		ts       uint32
		sent     int
		prevLost bool
	)
	next := time.Now()
	for pos := 0; pos+frame <= len(s.src.samples); pos += frame {
		pkt := &packet.Packet{
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           simSSRC,
			PayloadType:    s.payloadType,
			Payload:        s.encode(s.src.samples[pos : pos+frame]),
			SampleRate:     s.src.sampleRate,
			Channels:       s.src.channels,
			DurationMs:     uint32(s.packetMs),
		}
		seq++
		ts += uint32(samplesPerPacket)

		// ArrivalTime stays zero so the engine stamps it on insertion,
		// after the simulated network has held the packet back.
		if sent >= warmupPackets {
			next = next.Add(period)
			if wait := time.Until(next); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		sent++

		// Gilbert-style loss: after a drop, burst raises the odds the next
		// packet drops too.
		lossProb := s.lossRate
		if prevLost && s.burstRate > lossProb {
			lossProb = s.burstRate
		}
		if lossProb > 0 && s.rng.Float64() < lossProb {
			s.packetsLost++
			prevLost = true
			continue
		}
		prevLost = false
		s.packetsSent++
		s.payloadBytes += uint64(len(pkt.Payload))

		hold := time.Duration(s.rng.Float64() * s.delayLevel * float64(100*time.Millisecond))
		hold += time.Duration(s.rng.Float64() * s.reorderLevel * float64(40*time.Millisecond))
		if hold <= 0 {
			insert(pkt)
			continue
		}
		wg.Add(1)
		time.AfterFunc(hold, func() {
			defer wg.Done()
			insert(pkt)
		})
	}
	return nil
}

// drain pulls 10ms of audio per tick, the cadence a sound card callback
// would use, and keeps going briefly after the feed stops so the buffered
// tail plays out.
func (s *simulator) drain(ctx context.Context, fedDone <-chan struct{}) error {
	samplesPerTick := int(s.src.sampleRate / 100)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	progress := time.NewTicker(time.Second)
	defer progress.Stop()

	var tail int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-progress.C:
			s.logProgress()
		case <-ticker.C:
			frame, err := s.eng.GetAudio(samplesPerTick)
			if err != nil {
				return err
			}
			s.samplesOut += uint64(len(frame.Samples))
			if s.capture != nil {
				s.capture = append(s.capture, frame.Samples...)
			}

			select {
			case <-fedDone:
				if s.eng.Stats().PacketsAwaitingDecode > 0 {
					tail = 0
				} else {
					tail++
					if tail >= drainTailTicks {
						return nil
					}
				}
			default:
			}
		}
	}
}

func (s *simulator) logProgress() {
	st := s.eng.Stats()
	s.logger.Infow("playout",
		"bufferMs", st.CurrentBufferSizeMs,
		"targetMs", st.TargetDelayMs,
		"packets", st.PacketsAwaitingDecode,
		"expandPermille", permille(st.Network.ExpandRate),
		"acceleratePermille", permille(st.Network.AccelerateRate),
		"lastOp", st.LastOperation,
	)
}

func (s *simulator) playedDuration() time.Duration {
	if s.src.sampleRate == 0 || s.src.channels == 0 {
		return 0
	}
	frames := s.samplesOut / uint64(s.src.channels)
	return time.Duration(frames * uint64(time.Second) / uint64(s.src.sampleRate))
}

func (s *simulator) renderSummary(elapsed time.Duration) {
	st := s.eng.Stats()
	lt := st.Lifetime
	nw := st.Network

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Metric", "Value"})

	rows := [][]string{
		{"run time", elapsed.Round(time.Millisecond).String()},
		{"packets sent", humanize.Comma(int64(s.packetsSent))},
		{"packets dropped by network sim", humanize.Comma(int64(s.packetsLost))},
		{"payload fed", humanize.Bytes(s.payloadBytes)},
		{"audio played", s.playedDuration().Round(time.Millisecond).String()},
		{"samples played", humanize.Comma(int64(s.samplesOut))},
		{"reordered packets", fmt.Sprintf("%s (max distance %d)", humanize.Comma(int64(nw.ReorderedPackets)), nw.MaxReorderDistance)},
		{"expand rate", fmt.Sprintf("%.1f‰", permille(nw.ExpandRate))},
		{"accelerate rate", fmt.Sprintf("%.1f‰", permille(nw.AccelerateRate))},
		{"preemptive rate", fmt.Sprintf("%.1f‰", permille(nw.PreemptiveRate))},
		{"concealment events", humanize.Comma(int64(lt.ConcealmentEvents))},
		{"concealed samples", fmt.Sprintf("%s (%s silent)", humanize.Comma(int64(lt.ConcealedSamples)), humanize.Comma(int64(lt.SilentConcealedSamples)))},
		{"samples removed by accelerate", humanize.Comma(int64(lt.RemovedSamplesForAcceleration))},
		{"samples added by preemptive expand", humanize.Comma(int64(lt.InsertedSamplesForDeceleration))},
		{"late packets discarded", humanize.Comma(int64(lt.LatePacketsDiscarded))},
		{"duplicate packets discarded", humanize.Comma(int64(lt.DuplicatePacketsDiscarded))},
		{"buffer flushes", humanize.Comma(int64(lt.BufferFlushes))},
		{"mean waiting time", fmt.Sprintf("%d ms", nw.MeanWaitingTimeMs)},
		{"final buffer", fmt.Sprintf("%d ms (target %d ms)", st.CurrentBufferSizeMs, st.TargetDelayMs)},
	}
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
