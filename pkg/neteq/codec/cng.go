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

package codec

import (
	"math"
)

// RFC 3389 allows spectral information up to 12th order.
const maxLPCOrder = 12

// cngEnergyTable maps the SID energy index to linear energy, RFC 3389 Table 1.
var cngEnergyTable = [96]float32{
	0.0001, 0.0001, 0.0001, 0.0001, 0.0001, 0.0001, 0.0001, 0.0001,
	0.0001, 0.0001, 0.0002, 0.0002, 0.0002, 0.0003, 0.0003, 0.0004,
	0.0005, 0.0006, 0.0007, 0.0008, 0.001, 0.0012, 0.0015, 0.0018,
	0.0022, 0.0027, 0.0032, 0.0039, 0.0047, 0.0056, 0.0068, 0.0081,
	0.0097, 0.0116, 0.0139, 0.0166, 0.0198, 0.0237, 0.0283, 0.0337,
	0.0402, 0.0480, 0.0573, 0.0683, 0.0815, 0.0972, 0.1159, 0.1382,
	0.1648, 0.1966, 0.2344, 0.2796, 0.3335, 0.3977, 0.4739, 0.5642,
	0.6310, 0.7079, 0.7943, 0.8913, 1.0, 1.122, 1.259, 1.413, 1.585,
	1.778, 1.995, 2.239, 2.512, 2.818, 3.162, 3.548, 3.981, 4.467,
	5.012, 5.623, 6.310, 7.079, 7.943, 8.913, 10.0, 11.22, 12.59,
	14.13, 15.85, 17.78, 19.95, 22.39, 25.12, 28.18, 31.62, 35.48,
	39.81, 44.67, 50.12, 56.23,
}

// SIDPacket is a parsed silence insertion descriptor: one energy index byte
// followed by optional Q7 reflection coefficients.
type SIDPacket struct {
	EnergyLevel uint8
	LPCCoeffs   []uint8
}

// ParseSID parses a SID payload. Returns ErrEmptyPayload when there is no
// energy byte to read.
func ParseSID(data []byte) (*SIDPacket, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	sid := &SIDPacket{
		EnergyLevel: data[0],
	}
	if sid.EnergyLevel > 95 {
		sid.EnergyLevel = 95
	}
	if len(data) > 1 {
		sid.LPCCoeffs = append([]uint8(nil), data[1:]...)
	}
	return sid, nil
}

// Energy returns the linear energy encoded by the SID energy index.
func (s *SIDPacket) Energy() float32 {
	return cngEnergyTable[s.EnergyLevel]
}

// ReflectionCoefficients converts the Q7 coefficients to floats in [-1, 1].
func (s *SIDPacket) ReflectionCoefficients() []float32 {
	n := len(s.LPCCoeffs)
	if n > maxLPCOrder {
		n = maxLPCOrder
	}
	coeffs := make([]float32, 0, n)
	for _, c := range s.LPCCoeffs[:n] {
		if c == 255 {
			coeffs = append(coeffs, float32(c)/128.0-1.0)
		} else {
			coeffs = append(coeffs, (float32(c)-127.0)/128.0)
		}
	}
	return coeffs
}

// ------------------------------------------------

// CNGDecoder synthesizes comfort noise from SID packets: Gaussian noise
// scaled to the signalled energy and shaped by an LPC filter built from the
// signalled reflection coefficients. Both energy and spectrum glide toward
// the most recent SID so updates never click.
//
// Registered against a DTX payload type it acts as a regular Decoder, turning
// each SID into one frame of noise. Generate is also exported for callers
// that need noise between SIDs.
type CNGDecoder struct {
	sampleRate uint32
	channels   uint8

	targetEnergy  float32
	currentEnergy float32
	targetRef     [maxLPCOrder]float32
	currentRef    [maxLPCOrder]float32
	filterMemory  [maxLPCOrder]float32
	lpcOrder      int

	// Box-Muller state
	seed     uint32
	spare    float32
	hasSpare bool

	energyBeta float32
	coeffBeta  float32
}

func NewCNGDecoder(sampleRate uint32, channels uint8) *CNGDecoder {
	return &CNGDecoder{
		sampleRate:    sampleRate,
		channels:      channels,
		targetEnergy:  0.001,
		currentEnergy: 0.001,
		lpcOrder:      5,
		seed:          7777,
		energyBeta:    0.95,
		coeffBeta:     0.9,
	}
}

func (d *CNGDecoder) SampleRate() uint32 {
	return d.sampleRate
}

func (d *CNGDecoder) Channels() uint8 {
	return d.channels
}

// Decode parses the payload as a SID, applies its parameters, and returns one
// 20 ms frame of comfort noise.
func (d *CNGDecoder) Decode(encoded []byte) ([]float32, error) {
	sid, err := ParseSID(encoded)
	if err != nil {
		return nil, err
	}
	d.UpdateParameters(sid)

	samplesPerChannel := int(d.sampleRate) / 1000 * opusFrameDurationMs
	samples := make([]float32, samplesPerChannel*int(d.channels))
	d.Generate(samples)
	return samples, nil
}

// UpdateParameters retargets energy and spectrum from a SID. Energy is scaled
// to 75% of the signalled level, matching libWebRTC.
func (d *CNGDecoder) UpdateParameters(sid *SIDPacket) {
	d.targetEnergy = sid.Energy() * 0.75

	coeffs := sid.ReflectionCoefficients()
	d.lpcOrder = len(coeffs)
	if d.lpcOrder > maxLPCOrder {
		d.lpcOrder = maxLPCOrder
	}

	d.targetRef = [maxLPCOrder]float32{}
	for i, c := range coeffs {
		if c > 0.99 {
			c = 0.99
		} else if c < -0.99 {
			c = -0.99
		}
		d.targetRef[i] = c
	}
}

// Generate fills samples with comfort noise. Interleaved channels share one
// noise process; comfort noise has no stereo image worth preserving.
func (d *CNGDecoder) Generate(samples []float32) {
	if len(samples) == 0 {
		return
	}

	d.interpolateParameters()
	lpc := d.reflectionToLPC()

	gain := float32(math.Sqrt(float64(d.currentEnergy)))
	for i := range samples {
		noise := d.gaussian() * gain
		samples[i] = d.applyLPCFilter(noise, lpc)
	}
}

// Reset clears the glide and filter state. The next SID takes effect over a
// fresh ramp from the quiet default.
func (d *CNGDecoder) Reset() {
	d.currentEnergy = 0.001
	d.currentRef = [maxLPCOrder]float32{}
	d.filterMemory = [maxLPCOrder]float32{}
	d.spare = 0
	d.hasSpare = false
}

func (d *CNGDecoder) interpolateParameters() {
	d.currentEnergy = d.energyBeta*d.currentEnergy + (1-d.energyBeta)*d.targetEnergy
	for i := 0; i < d.lpcOrder; i++ {
		d.currentRef[i] = d.coeffBeta*d.currentRef[i] + (1-d.coeffBeta)*d.targetRef[i]
	}
}

// reflectionToLPC runs the step-up recursion from reflection coefficients to
// direct form coefficients, a[0] == 1.
func (d *CNGDecoder) reflectionToLPC() []float32 {
	lpc := make([]float32, d.lpcOrder+1)
	lpc[0] = 1.0
	if d.lpcOrder == 0 {
		return lpc
	}

	tmp := make([]float32, d.lpcOrder)
	for m := 1; m <= d.lpcOrder; m++ {
		k := d.currentRef[m-1]
		lpc[m] = k
		for i := 1; i < m; i++ {
			tmp[i] = lpc[i] + k*lpc[m-i]
		}
		for i := 1; i < m; i++ {
			lpc[i] = tmp[i]
		}
	}
	return lpc
}

func (d *CNGDecoder) gaussian() float32 {
	if d.hasSpare {
		d.hasSpare = false
		return d.spare
	}

	u1 := d.uniform()
	u2 := d.uniform()
	if u1 < 1e-9 {
		u1 = 1e-9
	}

	magnitude := math.Sqrt(-2.0 * math.Log(float64(u1)))
	angle := 2.0 * math.Pi * float64(u2)

	d.spare = float32(magnitude * math.Sin(angle))
	d.hasSpare = true
	return float32(magnitude * math.Cos(angle))
}

// uniform steps the libWebRTC linear congruential generator.
func (d *CNGDecoder) uniform() float32 {
	d.seed = d.seed*1103515245 + 12345
	return float32(d.seed) / float32(math.MaxUint32)
}

// applyLPCFilter runs the all-pole shaping filter
// y[n] = x[n] - sum(a[k] y[n-k]).
func (d *CNGDecoder) applyLPCFilter(input float32, lpc []float32) float32 {
	if d.lpcOrder == 0 || len(lpc) <= 1 {
		return input
	}

	output := input
	for i := 1; i < len(lpc); i++ {
		output -= lpc[i] * d.filterMemory[i-1]
	}

	for i := d.lpcOrder - 1; i >= 1; i-- {
		d.filterMemory[i] = d.filterMemory[i-1]
	}
	d.filterMemory[0] = output
	return output
}
