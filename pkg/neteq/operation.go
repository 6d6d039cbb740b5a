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

// Operation is what the decision engine chose for one playout tick. Exactly
// one operation runs per tick; it is the only contract between the decision
// logic and the DSP layer.
type Operation int

const (
	// OperationNormal plays decoded audio as is.
	OperationNormal Operation = iota
	// OperationMerge blends concealment into late-arriving audio. Reserved;
	// currently decoded as normal.
	OperationMerge
	// OperationExpand conceals a gap by extrapolating recent audio.
	OperationExpand
	// OperationAccelerate shortens the output to drain an overfull buffer.
	OperationAccelerate
	// OperationFastAccelerate shortens more aggressively for grossly
	// overfull buffers.
	OperationFastAccelerate
	// OperationPreemptiveExpand lengthens the output to build up a thin
	// buffer without starving.
	OperationPreemptiveExpand
	// OperationComfortNoise plays background noise once concealment has
	// faded out.
	OperationComfortNoise
	// OperationUndefined is the error state; it emits silence.
	OperationUndefined
)

func (o Operation) String() string {
	switch o {
	case OperationNormal:
		return "normal"
	case OperationMerge:
		return "merge"
	case OperationExpand:
		return "expand"
	case OperationAccelerate:
		return "accelerate"
	case OperationFastAccelerate:
		return "fast_accelerate"
	case OperationPreemptiveExpand:
		return "preemptive_expand"
	case OperationComfortNoise:
		return "comfort_noise"
	default:
		return "undefined"
	}
}

// TimeStretching reports whether the operation changes the time scale of
// decoded audio.
func (o Operation) TimeStretching() bool {
	switch o {
	case OperationAccelerate, OperationFastAccelerate, OperationPreemptiveExpand:
		return true
	default:
		return false
	}
}
