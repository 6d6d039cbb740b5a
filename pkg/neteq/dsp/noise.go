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

package dsp

// Random is a xorshift64 generator for concealment noise. It is
// deterministic for a given seed so tests can assert on synthesized output.
type Random struct {
	state uint64
}

func NewRandom(seed uint64) *Random {
	if seed == 0 {
		seed = 1
	}
	return &Random{state: seed}
}

// Float32 returns a value in [0, 1).
func (r *Random) Float32() float32 {
	r.state ^= r.state << 13
	r.state ^= r.state >> 7
	r.state ^= r.state << 17
	return float32(uint32(r.state)>>16) / 65536.0
}
