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

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/pkg/errors"
)

// source is a fully decoded input clip, interleaved float32 in [-1, 1].
type source struct {
	name       string
	samples    []float32
	sampleRate uint32
	channels   uint8
}

func (s *source) duration() time.Duration {
	if s.sampleRate == 0 || s.channels == 0 {
		return 0
	}
	frames := uint64(len(s.samples)) / uint64(s.channels)
	return time.Duration(frames * uint64(time.Second) / uint64(s.sampleRate))
}

// truncate caps the clip at d of audio.
func (s *source) truncate(d time.Duration) {
	if d <= 0 {
		return
	}
	max := int(uint64(s.sampleRate)*uint64(d.Milliseconds())/1000) * int(s.channels)
	if max < len(s.samples) {
		s.samples = s.samples[:max]
	}
}

func loadWAV(path string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid wav file: " + path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "reading wav")
	}
	if dec.NumChans == 0 || dec.NumChans > 2 {
		return nil, errors.Errorf("unsupported channel count %d, only mono and stereo inputs work", dec.NumChans)
	}

	scale := float32(int(1) << (dec.BitDepth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return &source{
		name:       filepath.Base(path),
		samples:    samples,
		sampleRate: dec.SampleRate,
		channels:   uint8(dec.NumChans),
	}, nil
}

func loadMP3(path string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, errors.Wrap(err, "reading mp3")
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, errors.Wrap(err, "decoding mp3")
	}

	// go-mp3 always emits 16-bit little-endian stereo
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		samples[i] = float32(v) / 32768
	}
	return &source{
		name:       filepath.Base(path),
		samples:    samples,
		sampleRate: uint32(dec.SampleRate()),
		channels:   2,
	}, nil
}

func generateTone(freq float64, sampleRate uint32, d time.Duration) *source {
	n := int(uint64(sampleRate) * uint64(d.Milliseconds()) / 1000)
	samples := make([]float32, n)
	step := 2 * math.Pi * freq / float64(sampleRate)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(step*float64(i)))
	}
	return &source{
		name:       fmt.Sprintf("%.0f Hz tone", freq),
		samples:    samples,
		sampleRate: sampleRate,
		channels:   1,
	}
}

// ------------------------------------------------

func encodePCM16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*32767)))
	}
	return out
}

func encodePCMFloat(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// writeWAV stores the played-out audio as 16-bit PCM.
func writeWAV(path string, samples []float32, sampleRate uint32, channels uint8) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	enc := wav.NewEncoder(f, int(sampleRate), 16, int(channels), 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: int(channels),
			SampleRate:  int(sampleRate),
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		buf.Data[i] = int(v * 32767)
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
