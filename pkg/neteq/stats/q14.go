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

package stats

// Q14 fixed point: ratio * 2^14, the format jitter-buffer statistics carry
// on the wire and in reports. Helpers here keep the scale factor out of
// call sites.

const q14Scale = 16384.0

// Q14FromFloat converts a ratio to Q14, clamped to [0, 1].
func Q14FromFloat(ratio float64) uint16 {
	v := ratio * q14Scale
	if v < 0 {
		return 0
	}
	if v > q14Scale {
		return q14Scale
	}
	return uint16(v)
}

// Q14ToFloat converts a Q14 value back to a ratio.
func Q14ToFloat(v uint16) float64 {
	return float64(v) / q14Scale
}

// Q14ToPerMille converts a Q14 value to parts per thousand for display.
func Q14ToPerMille(v uint16) float32 {
	return float32(v) / (q14Scale / 1000.0)
}

// Q14FromPerMille converts parts per thousand to Q14.
func Q14FromPerMille(perMille float32) uint16 {
	return Q14FromFloat(float64(perMille) / 1000.0)
}
